package stt

import (
	"context"
	"time"
)

// MockEngine replays a fixed script of utterances, optionally ending with an
// error code.
type MockEngine struct {
	Script    []Utterance
	ErrorCode string
	Delay     time.Duration
}

// NewMockEngine returns an engine that hears "hola" once.
func NewMockEngine() *MockEngine {
	return &MockEngine{
		Script: []Utterance{{
			Final: true,
			Alternatives: []Hypothesis{
				{Transcript: "hola", Confidence: 0.92},
				{Transcript: "ola", Confidence: 0.61},
				{Transcript: "hola hola"},
			},
		}},
		Delay: 200 * time.Millisecond,
	}
}

func (m *MockEngine) Recognize(ctx context.Context, s Settings, consume func(Utterance) error) error {
	for _, u := range m.Script {
		if err := m.wait(ctx); err != nil {
			return err
		}
		if s.MaxAlternatives > 0 && len(u.Alternatives) > s.MaxAlternatives {
			u.Alternatives = u.Alternatives[:s.MaxAlternatives]
		}
		if err := consume(u); err != nil {
			return err
		}
	}
	if m.ErrorCode != "" {
		if err := m.wait(ctx); err != nil {
			return err
		}
		return &RecognitionError{Code: m.ErrorCode}
	}
	if s.Continuous {
		<-ctx.Done()
		return ctx.Err()
	}
	return nil
}

func (m *MockEngine) wait(ctx context.Context) error {
	if m.Delay <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(m.Delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
