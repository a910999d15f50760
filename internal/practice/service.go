package practice

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/loqalabs/habla/internal/bus"
	"github.com/loqalabs/habla/internal/capture"
	"github.com/loqalabs/habla/internal/config"
	"github.com/loqalabs/habla/internal/messages"
	"github.com/loqalabs/habla/internal/protocol"
	"github.com/nats-io/nats.go"
)

const resultRetention = 7 * 24 * time.Hour

// Service exposes the Runner over the bus: requests arrive on
// practice.request, early stops on practice.stop, and outcomes leave on
// practice.audio / practice.transcript with status on practice.status.
type Service struct {
	cfg    config.PracticeConfig
	bus    *bus.Client
	runner *Runner
	log    *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	subs   []*nats.Subscription
	wg     sync.WaitGroup
	ready  atomic.Bool

	mu     sync.Mutex
	active map[string]chan struct{}
}

func NewService(parent context.Context, cfg config.PracticeConfig, busClient *bus.Client, runner *Runner) *Service {
	ctx, cancel := context.WithCancel(parent)
	return &Service{
		cfg:    cfg,
		bus:    busClient,
		runner: runner,
		log:    busClient.Logger().With(slog.String("component", "practice-service")),
		ctx:    ctx,
		cancel: cancel,
		active: make(map[string]chan struct{}),
	}
}

func (s *Service) Start() error {
	if !s.cfg.Enabled {
		return nil
	}
	if err := s.bus.EnsureStream(protocol.StreamPracticeResults, []string{
		protocol.SubjectPracticeAudio,
		protocol.SubjectPracticeTranscript,
	}, resultRetention); err != nil {
		return err
	}

	conn := s.bus.Conn()
	reqSub, err := conn.QueueSubscribe(protocol.SubjectPracticeRequest, "practice", s.handleRequest)
	if err != nil {
		return fmt.Errorf("subscribe practice requests: %w", err)
	}
	s.subs = append(s.subs, reqSub)

	stopSub, err := conn.Subscribe(protocol.SubjectPracticeStop, s.handleStop)
	if err != nil {
		return fmt.Errorf("subscribe practice stop: %w", err)
	}
	s.subs = append(s.subs, stopSub)

	s.ready.Store(true)
	s.log.Info("practice service started", slog.String("preferred_mode", s.runner.Availability().PreferredMode()))
	return nil
}

func (s *Service) Close() {
	s.cancel()
	for _, sub := range s.subs {
		_ = sub.Drain()
	}
	s.wg.Wait()
}

func (s *Service) Healthy() bool {
	return !s.cfg.Enabled || s.ready.Load()
}

func (s *Service) handleRequest(msg *nats.Msg) {
	var req protocol.CaptureRequest
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		s.log.Warn("failed to decode practice request", slogError(err))
		return
	}

	timeout := time.Duration(s.cfg.SessionTimeoutMS) * time.Millisecond
	stop := make(chan struct{})
	run := Request{
		SessionID:   req.SessionID,
		Phrase:      req.Phrase,
		Mode:        req.Mode,
		MaxDuration: s.maxDuration(time.Duration(req.MaxDurationMS)*time.Millisecond, timeout),
		Locale:      req.Locale,
		Stop:        stop,
	}
	if run.SessionID != "" {
		if !s.track(run.SessionID, stop) {
			s.log.Warn("duplicate practice session", slog.String("session_id", run.SessionID))
			if msg.Reply != "" {
				s.reply(msg, Outcome{
					SessionID: run.SessionID,
					Mode:      run.Mode,
					ErrorCode: "busy",
					Message:   messages.Localize(run.Locale, "practice.busy", nil),
					Retryable: true,
				})
			}
			return
		}
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ctx := s.ctx
		if timeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, timeout)
			defer cancel()
		}

		out, err := s.runner.Run(ctx, run, func(st protocol.StatusUpdate) {
			if st.Status == protocol.StatusListening && run.SessionID == "" {
				s.track(st.SessionID, stop)
			}
			if err := s.bus.PublishJSON(protocol.SubjectPracticeStatus, st); err != nil {
				s.log.Warn("failed to publish status", slogError(err))
			}
		})
		s.untrack(out.SessionID)

		if err != nil && !errors.Is(err, ErrBusy) && !errors.Is(err, context.Canceled) {
			s.log.Warn("practice attempt failed",
				slog.String("session_id", out.SessionID),
				slog.String("code", out.ErrorCode),
				slogError(err))
		}
		// A canceled capture still hands off what it recorded.
		s.publishOutcome(out)
		if msg.Reply != "" {
			s.reply(msg, out)
		}
	}()
}

// maxDuration bounds a requested attempt length so the attempt auto-stops
// and is harvested before the session timeout cancels it. The margin is a
// quarter of the timeout, at most the harvest timeout.
func (s *Service) maxDuration(requested, timeout time.Duration) time.Duration {
	if timeout <= 0 {
		return requested
	}
	limit := timeout - min(timeout/4, harvestTimeout)
	if requested <= 0 {
		requested = s.runner.Availability().CaptureCfg.MaxDuration
	}
	if requested <= 0 {
		requested = capture.DefaultConfig().MaxDuration
	}
	if requested > limit {
		return limit
	}
	return requested
}

func (s *Service) handleStop(msg *nats.Msg) {
	var req protocol.StopRequest
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		s.log.Warn("failed to decode stop request", slogError(err))
		return
	}
	s.mu.Lock()
	stop, ok := s.active[req.SessionID]
	if ok {
		delete(s.active, req.SessionID)
	}
	s.mu.Unlock()
	if ok {
		close(stop)
	}
}

func (s *Service) track(sessionID string, stop chan struct{}) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.active[sessionID]; exists {
		return false
	}
	s.active[sessionID] = stop
	return true
}

func (s *Service) untrack(sessionID string) {
	s.mu.Lock()
	delete(s.active, sessionID)
	s.mu.Unlock()
}

func (s *Service) publishOutcome(out Outcome) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(s.ctx), 5*time.Second)
	defer cancel()
	now := time.Now().UTC()

	switch {
	case out.Audio != nil:
		sub := protocol.AudioSubmission{
			SessionID: out.SessionID,
			Phrase:    out.Phrase,
			AudioData: out.Audio.AudioData,
			Duration:  out.Audio.Duration,
			Format:    out.Audio.Format,
			Timestamp: now,
		}
		if err := s.bus.PersistJSON(ctx, protocol.SubjectPracticeAudio, sub); err != nil {
			s.log.Warn("failed to publish audio submission", slogError(err))
		}
	case out.Transcript != nil:
		alternatives := make([]protocol.Alternative, 0, len(out.Transcript.Alternatives))
		for _, alt := range out.Transcript.Alternatives {
			alternatives = append(alternatives, protocol.Alternative{Transcript: alt.Transcript, Confidence: alt.Confidence})
		}
		sub := protocol.TranscriptSubmission{
			SessionID:    out.SessionID,
			Phrase:       out.Phrase,
			Transcript:   out.Transcript.Transcript,
			Confidence:   out.Transcript.Confidence,
			Alternatives: alternatives,
			Timestamp:    now,
		}
		if err := s.bus.PersistJSON(ctx, protocol.SubjectPracticeTranscript, sub); err != nil {
			s.log.Warn("failed to publish transcript submission", slogError(err))
		}
	}
}

// reply answers request/reply callers with the final status.
func (s *Service) reply(msg *nats.Msg, out Outcome) {
	st := protocol.StatusUpdate{
		SessionID: out.SessionID,
		Mode:      out.Mode,
		Status:    protocol.StatusIdle,
		ErrorCode: out.ErrorCode,
		Message:   out.Message,
		Retryable: out.Retryable,
		Timestamp: time.Now().UTC(),
	}
	data, err := json.Marshal(st)
	if err != nil {
		s.log.Warn("failed to marshal reply", slogError(err))
		return
	}
	if err := msg.Respond(data); err != nil {
		s.log.Warn("failed to reply", slogError(err))
	}
}
