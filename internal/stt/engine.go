package stt

import "context"

// Settings are the per-session parameters handed to an engine.
type Settings struct {
	Language        string
	MaxAlternatives int
	Continuous      bool
	InterimResults  bool
}

// Utterance is one engine result: ranked hypotheses for a stretch of speech.
type Utterance struct {
	Alternatives []Hypothesis `json:"alternatives"`
	Final        bool         `json:"final"`
}

// Engine listens on its own audio input and reports utterances until ctx is
// cancelled, the input ends, or the consumer returns an error. Failures are
// reported as *RecognitionError where the engine can classify them.
type Engine interface {
	Recognize(ctx context.Context, s Settings, consume func(Utterance) error) error
}
