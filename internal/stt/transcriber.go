package stt

import (
	"context"
	"errors"
	"log/slog"
	"sync"
)

// State is the lifecycle position of a Transcriber.
type State int

const (
	StateIdle State = iota
	StateListening
)

func (s State) String() string {
	if s == StateListening {
		return "listening"
	}
	return "idle"
}

var ErrSessionActive = errors.New("recognition session already active")

// errSessionComplete ends a single-shot session after its first final result.
var errSessionComplete = errors.New("recognition session complete")

// Listener receives the events of one session. OnEnd is called exactly once,
// after any OnResult or OnError, and once the Transcriber is idle again.
// Nil callbacks are skipped.
type Listener struct {
	OnResult func(TranscriptResult)
	OnError  func(*RecognitionError)
	OnEnd    func()
}

// Transcriber runs one recognition session at a time.
type Transcriber struct {
	engine Engine
	cfg    SpeechConfig
	log    *slog.Logger

	mu     sync.Mutex
	state  State
	cancel context.CancelFunc
	done   chan struct{}
}

// NewTranscriber returns nil when engine is nil, meaning recognition is
// unavailable on this host.
func NewTranscriber(engine Engine, logger *slog.Logger, opts ...Option) *Transcriber {
	if engine == nil {
		return nil
	}
	if logger == nil {
		logger = slog.Default()
	}
	cfg := DefaultSpeechConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Transcriber{
		engine: engine,
		cfg:    cfg,
		log:    logger.With(slog.String("component", "speech-transcriber")),
	}
}

// Config returns a copy of the effective configuration.
func (t *Transcriber) Config() SpeechConfig {
	cfg := t.cfg
	cfg.FallbackLanguages = append([]string(nil), t.cfg.FallbackLanguages...)
	return cfg
}

func (t *Transcriber) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Start begins listening. Events are delivered to l from a background
// goroutine.
func (t *Transcriber) Start(ctx context.Context, l Listener) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state == StateListening {
		return ErrSessionActive
	}
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	t.state = StateListening
	t.cancel = cancel
	t.done = done
	t.log.Debug("recognition started", slog.String("language", t.cfg.PrimaryLanguage))
	go t.run(ctx, cancel, l, done)
	return nil
}

// Stop ends the current session without reporting an error. It does not wait;
// use Done.
func (t *Transcriber) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state == StateListening && t.cancel != nil {
		t.cancel()
	}
}

// Done is closed when the current session has ended. With no session it is
// already closed.
func (t *Transcriber) Done() <-chan struct{} {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.done == nil {
		closed := make(chan struct{})
		close(closed)
		return closed
	}
	return t.done
}

func (t *Transcriber) run(ctx context.Context, cancel context.CancelFunc, l Listener, done chan struct{}) {
	defer close(done)
	defer func() {
		t.mu.Lock()
		t.state = StateIdle
		t.cancel = nil
		t.mu.Unlock()
		cancel()
		if l.OnEnd != nil {
			l.OnEnd()
		}
	}()

	gotFinal := false
	err := t.engine.Recognize(ctx, t.cfg.settings(), func(u Utterance) error {
		if len(u.Alternatives) == 0 {
			return nil
		}
		if !u.Final && !t.cfg.InterimResults {
			return nil
		}
		result := Reduce(u.Alternatives)
		result.Interim = !u.Final
		if l.OnResult != nil {
			l.OnResult(result)
		}
		if u.Final {
			gotFinal = true
			if !t.cfg.Continuous {
				return errSessionComplete
			}
		}
		return nil
	})

	switch {
	case errors.Is(err, errSessionComplete):
		err = nil
	case ctx.Err() != nil:
		// Stopped by the caller or the parent context.
		t.log.Debug("recognition stopped")
		return
	case err == nil && !gotFinal && !t.cfg.Continuous:
		err = &RecognitionError{Code: CodeNoSpeech}
	}
	if err == nil {
		return
	}
	re := asRecognitionError(err)
	t.log.Warn("recognition failed", slog.String("code", re.Code), slog.String("error", re.Error()))
	if l.OnError != nil {
		l.OnError(re)
	}
}
