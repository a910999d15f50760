package stt

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"math"
	"strings"
	"sync"
	"testing"
	"time"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

type engineFunc func(ctx context.Context, s Settings, consume func(Utterance) error) error

func (f engineFunc) Recognize(ctx context.Context, s Settings, consume func(Utterance) error) error {
	return f(ctx, s, consume)
}

func TestReducePicksHighestConfidence(t *testing.T) {
	got := Reduce([]Hypothesis{
		{Transcript: "hola", Confidence: 0.4},
		{Transcript: "ola", Confidence: 0.9},
		{Transcript: "hola", Confidence: 0.2},
	})
	if got.Transcript != "ola" || got.Confidence != 0.9 {
		t.Fatalf("unexpected best: %+v", got)
	}
	want := []Alternative{{"hola", 0.4}, {"ola", 0.9}, {"hola", 0.2}}
	if len(got.Alternatives) != len(want) {
		t.Fatalf("expected %d alternatives, got %d", len(want), len(got.Alternatives))
	}
	for i := range want {
		if got.Alternatives[i] != want[i] {
			t.Fatalf("alternative %d: expected %+v, got %+v", i, want[i], got.Alternatives[i])
		}
	}
}

func TestReduceDefaultsMissingConfidence(t *testing.T) {
	got := Reduce([]Hypothesis{
		{Transcript: "buenos días"},
		{Transcript: "buenos dias"},
		{Transcript: "bueno días"},
	})
	if got.Transcript != "buenos días" || got.Confidence != DefaultConfidence {
		t.Fatalf("expected first hypothesis at 0.5, got %+v", got)
	}
	for _, alt := range got.Alternatives {
		if alt.Confidence != DefaultConfidence {
			t.Fatalf("expected defaulted confidence, got %+v", alt)
		}
	}
}

func TestReduceMixedScores(t *testing.T) {
	got := Reduce([]Hypothesis{
		{Transcript: "gracias", Confidence: 0.3},
		{Transcript: "grasias"},
	})
	if got.Transcript != "grasias" || got.Confidence != 0.5 {
		t.Fatalf("unscored hypothesis should compete at 0.5, got %+v", got)
	}
	if empty := Reduce(nil); empty.Transcript != "" || empty.Alternatives != nil {
		t.Fatalf("expected zero result, got %+v", empty)
	}
}

func TestReduceOutOfRangeScores(t *testing.T) {
	got := Reduce([]Hypothesis{
		{Transcript: "adiós", Confidence: 1.7},
		{Transcript: "adios", Confidence: -0.3},
		{Transcript: "a dios", Confidence: math.NaN()},
		{Transcript: "audios", Confidence: 0.8},
	})
	if got.Transcript != "audios" || got.Confidence != 0.8 {
		t.Fatalf("expected the in-range score to win, got %+v", got)
	}
	for _, alt := range got.Alternatives[:3] {
		if alt.Confidence != DefaultConfidence {
			t.Fatalf("expected out-of-range score to default, got %+v", alt)
		}
	}
	for _, alt := range got.Alternatives {
		if alt.Confidence < 0 || alt.Confidence > 1 {
			t.Fatalf("confidence %v outside [0,1]", alt.Confidence)
		}
	}
}

func TestMapError(t *testing.T) {
	cases := []struct {
		code   string
		locale string
		want   string
	}{
		{CodeNotAllowed, "es", "Habilita el micrófono"},
		{CodeNoSpeech, "es-ES", "intenta hablar más fuerte"},
		{CodeNoSpeech, "en", "speaking louder"},
		{CodeNotAllowed, "en", "Enable the microphone"},
		{"xyz", "es", "xyz"},
		{"xyz", "en", "xyz"},
	}
	for _, tc := range cases {
		got := MapError(tc.code, tc.locale)
		if !strings.Contains(got, tc.want) {
			t.Fatalf("MapError(%q, %q) = %q, want substring %q", tc.code, tc.locale, got, tc.want)
		}
	}
	known := []string{CodeNoSpeech, CodeAudioCapture, CodeNotAllowed, CodeNetwork, CodeLanguageNotSupported, CodeServiceNotAllowed}
	generic := MapError("xyz", "es")
	for _, code := range known {
		msg := MapError(code, "es")
		if msg == "" || msg == generic || strings.Contains(msg, code) {
			t.Fatalf("code %q did not get a dedicated message: %q", code, msg)
		}
	}
}

func TestRetryable(t *testing.T) {
	if (&RecognitionError{Code: CodeLanguageNotSupported}).Retryable() {
		t.Fatal("unsupported language should not be retryable")
	}
	for _, code := range []string{CodeNoSpeech, CodeNetwork, "xyz"} {
		if !(&RecognitionError{Code: code}).Retryable() {
			t.Fatalf("expected %q retryable", code)
		}
	}
}

func TestNewTranscriberWithoutEngine(t *testing.T) {
	if NewTranscriber(nil, testLogger()) != nil {
		t.Fatal("expected nil transcriber without an engine")
	}
}

func TestOptionsMergeOverDefaults(t *testing.T) {
	tr := NewTranscriber(NewMockEngine(), testLogger(),
		WithLanguage("es-MX"),
		WithMaxAlternatives(5),
		WithInterimResults(true))
	cfg := tr.Config()
	if cfg.PrimaryLanguage != "es-MX" || cfg.MaxAlternatives != 5 || !cfg.InterimResults || cfg.Continuous {
		t.Fatalf("unexpected config %+v", cfg)
	}
	if len(cfg.FallbackLanguages) != 4 {
		t.Fatalf("expected default fallbacks kept, got %v", cfg.FallbackLanguages)
	}
	cfg.FallbackLanguages[0] = "mutated"
	if DefaultSpeechConfig().FallbackLanguages[0] != "es-MX" || tr.Config().FallbackLanguages[0] != "es-MX" {
		t.Fatal("config copies must not share state")
	}
}

type recorder struct {
	mu      sync.Mutex
	results []TranscriptResult
	errs    []*RecognitionError
	ends    int
	states  []State
	tr      *Transcriber
}

func (r *recorder) listener() Listener {
	return Listener{
		OnResult: func(res TranscriptResult) {
			r.mu.Lock()
			r.results = append(r.results, res)
			r.mu.Unlock()
		},
		OnError: func(err *RecognitionError) {
			r.mu.Lock()
			r.errs = append(r.errs, err)
			r.mu.Unlock()
		},
		OnEnd: func() {
			r.mu.Lock()
			r.ends++
			r.states = append(r.states, r.tr.State())
			r.mu.Unlock()
		},
	}
}

func waitDone(t *testing.T, tr *Transcriber) {
	t.Helper()
	select {
	case <-tr.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("session did not end")
	}
}

func TestSingleShotResult(t *testing.T) {
	var seen Settings
	engine := engineFunc(func(ctx context.Context, s Settings, consume func(Utterance) error) error {
		seen = s
		if err := consume(Utterance{Alternatives: []Hypothesis{{Transcript: "ho"}}}); err != nil {
			return err
		}
		if err := consume(Utterance{Final: true, Alternatives: []Hypothesis{{Transcript: "hola", Confidence: 0.8}}}); err != nil {
			return err
		}
		t.Error("single-shot session kept listening after a final result")
		return nil
	})
	tr := NewTranscriber(engine, testLogger())
	rec := &recorder{tr: tr}
	if err := tr.Start(context.Background(), rec.listener()); err != nil {
		t.Fatalf("start: %v", err)
	}
	waitDone(t, tr)

	if seen.Language != "es-ES" || seen.MaxAlternatives != 3 {
		t.Fatalf("unexpected engine settings %+v", seen)
	}
	if len(rec.results) != 1 || rec.results[0].Transcript != "hola" || rec.results[0].Interim {
		t.Fatalf("expected one final result, got %+v", rec.results)
	}
	if len(rec.errs) != 0 {
		t.Fatalf("unexpected errors %+v", rec.errs)
	}
	if rec.ends != 1 || rec.states[0] != StateIdle {
		t.Fatalf("expected one end in idle state, got %d %v", rec.ends, rec.states)
	}
}

func TestInterimResultsDelivered(t *testing.T) {
	engine := engineFunc(func(ctx context.Context, s Settings, consume func(Utterance) error) error {
		if !s.InterimResults {
			t.Error("expected interim results requested")
		}
		_ = consume(Utterance{Alternatives: []Hypothesis{{Transcript: "ho"}}})
		return consume(Utterance{Final: true, Alternatives: []Hypothesis{{Transcript: "hola"}}})
	})
	tr := NewTranscriber(engine, testLogger(), WithInterimResults(true))
	rec := &recorder{tr: tr}
	if err := tr.Start(context.Background(), rec.listener()); err != nil {
		t.Fatalf("start: %v", err)
	}
	waitDone(t, tr)
	if len(rec.results) != 2 || !rec.results[0].Interim || rec.results[1].Interim {
		t.Fatalf("unexpected results %+v", rec.results)
	}
}

func TestEngineErrorEndsOnce(t *testing.T) {
	engine := engineFunc(func(ctx context.Context, s Settings, consume func(Utterance) error) error {
		return &RecognitionError{Code: CodeNotAllowed}
	})
	tr := NewTranscriber(engine, testLogger())
	rec := &recorder{tr: tr}
	if err := tr.Start(context.Background(), rec.listener()); err != nil {
		t.Fatalf("start: %v", err)
	}
	waitDone(t, tr)
	if len(rec.errs) != 1 || rec.errs[0].Code != CodeNotAllowed {
		t.Fatalf("expected not-allowed, got %+v", rec.errs)
	}
	if rec.ends != 1 {
		t.Fatalf("expected exactly one end, got %d", rec.ends)
	}
}

func TestUnclassifiedEngineFailure(t *testing.T) {
	engine := engineFunc(func(ctx context.Context, s Settings, consume func(Utterance) error) error {
		return errors.New("pipe closed")
	})
	tr := NewTranscriber(engine, testLogger())
	rec := &recorder{tr: tr}
	_ = tr.Start(context.Background(), rec.listener())
	waitDone(t, tr)
	if len(rec.errs) != 1 || rec.errs[0].Code != CodeAborted {
		t.Fatalf("expected aborted, got %+v", rec.errs)
	}
	if !strings.Contains(rec.errs[0].Message("es"), CodeAborted) {
		t.Fatalf("generic message should carry the code: %q", rec.errs[0].Message("es"))
	}
}

func TestNoResultIsNoSpeech(t *testing.T) {
	engine := engineFunc(func(ctx context.Context, s Settings, consume func(Utterance) error) error {
		return nil
	})
	tr := NewTranscriber(engine, testLogger())
	rec := &recorder{tr: tr}
	_ = tr.Start(context.Background(), rec.listener())
	waitDone(t, tr)
	if len(rec.errs) != 1 || rec.errs[0].Code != CodeNoSpeech {
		t.Fatalf("expected no-speech, got %+v", rec.errs)
	}
}

func TestStopEndsSessionWithoutError(t *testing.T) {
	started := make(chan struct{})
	engine := engineFunc(func(ctx context.Context, s Settings, consume func(Utterance) error) error {
		close(started)
		<-ctx.Done()
		return ctx.Err()
	})
	tr := NewTranscriber(engine, testLogger(), WithContinuous(true))
	rec := &recorder{tr: tr}
	if err := tr.Start(context.Background(), rec.listener()); err != nil {
		t.Fatalf("start: %v", err)
	}
	<-started
	if tr.State() != StateListening {
		t.Fatalf("expected listening, got %s", tr.State())
	}
	if err := tr.Start(context.Background(), rec.listener()); !errors.Is(err, ErrSessionActive) {
		t.Fatalf("expected ErrSessionActive, got %v", err)
	}
	tr.Stop()
	waitDone(t, tr)
	tr.Stop()

	if len(rec.errs) != 0 {
		t.Fatalf("stop should not report errors: %+v", rec.errs)
	}
	if rec.ends != 1 {
		t.Fatalf("expected exactly one end, got %d", rec.ends)
	}
	if tr.State() != StateIdle {
		t.Fatalf("expected idle, got %s", tr.State())
	}
}

func TestRestartFromOnEnd(t *testing.T) {
	tr := NewTranscriber(&MockEngine{Script: []Utterance{{Final: true, Alternatives: []Hypothesis{{Transcript: "sí"}}}}}, testLogger())
	restarted := make(chan error, 1)
	first := true
	err := tr.Start(context.Background(), Listener{OnEnd: func() {
		if first {
			first = false
			restarted <- tr.Start(context.Background(), Listener{})
		}
	}})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	select {
	case err := <-restarted:
		if err != nil {
			t.Fatalf("restart from OnEnd: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("first session never ended")
	}
	waitDone(t, tr)
}

func TestMockEngineScript(t *testing.T) {
	m := &MockEngine{
		Script: []Utterance{{Final: true, Alternatives: []Hypothesis{
			{Transcript: "a"}, {Transcript: "b"}, {Transcript: "c"}, {Transcript: "d"},
		}}},
		ErrorCode: CodeNetwork,
	}
	var got []Utterance
	err := m.Recognize(context.Background(), Settings{MaxAlternatives: 2}, func(u Utterance) error {
		got = append(got, u)
		return nil
	})
	var re *RecognitionError
	if !errors.As(err, &re) || re.Code != CodeNetwork {
		t.Fatalf("expected network error, got %v", err)
	}
	if len(got) != 1 || len(got[0].Alternatives) != 2 {
		t.Fatalf("expected alternatives capped at 2, got %+v", got)
	}
}

func TestExecEngineRejectsEmptyCommand(t *testing.T) {
	if _, err := NewExecEngine("   "); err == nil {
		t.Fatal("expected error for empty command")
	}
	if _, err := NewExecEngine(`recognizer "unterminated`); err == nil {
		t.Fatal("expected parse error")
	}
}
