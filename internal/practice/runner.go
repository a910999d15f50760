// Package practice runs pronunciation attempts: it picks capture or
// transcription from the node's availability, owns the microphone lock and
// the recording deadline, and turns outcomes into user-facing messages.
package practice

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/loqalabs/habla/internal/capability"
	"github.com/loqalabs/habla/internal/capture"
	"github.com/loqalabs/habla/internal/eventstore"
	"github.com/loqalabs/habla/internal/messages"
	"github.com/loqalabs/habla/internal/protocol"
	"github.com/loqalabs/habla/internal/stt"
	"github.com/loqalabs/habla/internal/wavstream"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

var (
	ErrBusy        = errors.New("microphone is already in use")
	ErrUnavailable = errors.New("practice mode is not available on this node")
)

const harvestTimeout = 5 * time.Second

// Request describes one attempt. Stop, when non-nil, ends the attempt early
// once closed.
type Request struct {
	SessionID   string
	Phrase      string
	Mode        string
	MaxDuration time.Duration
	Locale      string
	Stop        <-chan struct{}
}

// Outcome is the result of an attempt. Exactly one of Audio and Transcript
// is set on success; on failure ErrorCode and Message are.
type Outcome struct {
	SessionID       string
	Mode            string
	Phrase          string
	Audio           *capture.RecordedAudio
	Bytes           int
	Transcript      *stt.TranscriptResult
	DecodedDuration time.Duration
	AutoStopped     bool
	ErrorCode       string
	Message         string
	Retryable       bool
}

// Options configure a Runner.
type Options struct {
	Availability capability.Availability
	Runtime      capture.Runtime
	Transcriber  *stt.Transcriber
	Store        *eventstore.Store
	Locale       string
	PollInterval time.Duration
	SettleDelay  time.Duration
}

// Runner executes attempts one at a time per microphone.
type Runner struct {
	opts   Options
	log    *slog.Logger
	mic    chan struct{}
	clock  func() time.Time
	tracer trace.Tracer

	attempts metric.Int64Counter
	duration metric.Float64Histogram
	drift    metric.Float64Histogram
}

func NewRunner(opts Options, logger *slog.Logger) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = capture.ChunkInterval
	}
	if opts.Locale == "" {
		opts.Locale = messages.DefaultLocale.String()
	}
	r := &Runner{
		opts:   opts,
		log:    logger.With(slog.String("component", "practice-runner")),
		mic:    make(chan struct{}, 1),
		clock:  time.Now,
		tracer: otel.Tracer("github.com/loqalabs/habla/practice"),
	}
	if err := r.initMetrics(); err != nil {
		r.log.Warn("failed to initialize metrics", slogError(err))
	}
	return r
}

func (r *Runner) initMetrics() error {
	meter := otel.Meter("github.com/loqalabs/habla/practice")
	var err error
	if r.attempts, err = meter.Int64Counter("habla.practice.attempts",
		metric.WithDescription("Practice attempts by mode and outcome")); err != nil {
		return err
	}
	if r.duration, err = meter.Float64Histogram("habla.practice.recording_seconds",
		metric.WithDescription("Wall-clock length of recorded attempts"), metric.WithUnit("s")); err != nil {
		return err
	}
	if r.drift, err = meter.Float64Histogram("habla.capture.duration_drift_seconds",
		metric.WithDescription("Wall-clock minus decoded duration of recorded WAV attempts"), metric.WithUnit("s")); err != nil {
		return err
	}
	return nil
}

// Availability reports what this runner can do.
func (r *Runner) Availability() capability.Availability { return r.opts.Availability }

// Busy reports whether an attempt currently holds the microphone.
func (r *Runner) Busy() bool { return len(r.mic) > 0 }

// Run performs one attempt. The returned Outcome is always populated, also
// when err is non-nil, so callers can show Outcome.Message.
func (r *Runner) Run(ctx context.Context, req Request, status func(protocol.StatusUpdate)) (Outcome, error) {
	if req.SessionID == "" {
		req.SessionID = uuid.NewString()
	}
	if req.Locale == "" {
		req.Locale = r.opts.Locale
	}
	if req.Mode == "" {
		req.Mode = r.opts.Availability.PreferredMode()
	}
	out := Outcome{SessionID: req.SessionID, Mode: req.Mode, Phrase: req.Phrase}

	if !r.opts.Availability.Supports(req.Mode) {
		out.ErrorCode = "unavailable"
		out.Message = messages.Localize(req.Locale, "practice.unavailable", nil)
		return out, fmt.Errorf("%w: %q", ErrUnavailable, req.Mode)
	}

	select {
	case r.mic <- struct{}{}:
	default:
		out.ErrorCode = "busy"
		out.Message = messages.Localize(req.Locale, "practice.busy", nil)
		out.Retryable = true
		return out, ErrBusy
	}
	defer func() { <-r.mic }()

	ctx, span := r.tracer.Start(ctx, "practice.attempt", trace.WithAttributes(
		attribute.String("practice.session_id", req.SessionID),
		attribute.String("practice.mode", req.Mode),
	))
	defer span.End()

	notify := func(st string) {
		if status == nil {
			return
		}
		status(protocol.StatusUpdate{
			SessionID: req.SessionID,
			Mode:      req.Mode,
			Status:    st,
			Timestamp: r.clock().UTC(),
		})
	}

	var err error
	switch req.Mode {
	case protocol.ModeCapture:
		err = r.runCapture(ctx, req, &out, notify)
	case protocol.ModeTranscribe:
		err = r.runTranscribe(ctx, req, &out, notify)
	}

	if status != nil {
		final := protocol.StatusUpdate{
			SessionID: req.SessionID,
			Mode:      req.Mode,
			Status:    protocol.StatusIdle,
			ErrorCode: out.ErrorCode,
			Message:   out.Message,
			Retryable: out.Retryable,
			Timestamp: r.clock().UTC(),
		}
		status(final)
	}

	result := "ok"
	if err != nil {
		result = "error"
		span.RecordError(err)
		span.SetStatus(codes.Error, out.ErrorCode)
	}
	if r.attempts != nil {
		r.attempts.Add(ctx, 1, metric.WithAttributes(
			attribute.String("mode", req.Mode),
			attribute.String("result", result),
		))
	}
	r.record(context.WithoutCancel(ctx), out)
	return out, err
}

func (r *Runner) runCapture(ctx context.Context, req Request, out *Outcome, notify func(string)) error {
	cfg := r.opts.Availability.CaptureCfg
	if req.MaxDuration > 0 {
		cfg.MaxDuration = req.MaxDuration
	}
	c := capture.New(r.opts.Runtime, cfg, r.log)
	defer c.Cleanup()
	maxDuration := c.Config().MaxDuration

	fail := func(err error) error {
		out.ErrorCode = capture.MessageID(err)
		out.Message = messages.Localize(req.Locale, out.ErrorCode, nil)
		out.Retryable = !errors.Is(err, capture.ErrUnsupportedFormat)
		return err
	}

	if err := c.Initialize(ctx); err != nil {
		return fail(err)
	}
	if err := c.StartRecording(); err != nil {
		return fail(err)
	}
	notify(protocol.StatusListening)
	r.log.Info("attempt recording", slog.String("session_id", req.SessionID), slog.Duration("max_duration", maxDuration))

	ticker := time.NewTicker(r.opts.PollInterval)
	defer ticker.Stop()

	canceled := false
poll:
	for {
		select {
		case <-ctx.Done():
			canceled = true
			break poll
		case <-req.Stop:
			break poll
		case <-ticker.C:
			if !c.IsRecording() {
				// The input ended on its own.
				break poll
			}
			if c.CurrentDuration() >= maxDuration {
				out.AutoStopped = true
				out.Message = messages.Localize(req.Locale, "practice.time_limit", nil)
				break poll
			}
		}
	}

	c.StopRecording()
	if d := r.opts.SettleDelay; d > 0 && !canceled {
		time.Sleep(d)
	}
	// What was recorded before a cancel is still harvested and returned.
	harvestCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), harvestTimeout)
	defer cancel()
	audio, err := c.Harvest(harvestCtx)
	switch {
	case err != nil && canceled:
		r.log.Debug("nothing harvested from canceled attempt", slogError(err))
	case err != nil:
		return fail(err)
	default:
		r.keepAudio(ctx, req.SessionID, audio, out)
	}
	if canceled {
		canceledOutcome(req.Locale, out)
		return ctx.Err()
	}
	return nil
}

func (r *Runner) keepAudio(ctx context.Context, sessionID string, audio capture.RecordedAudio, out *Outcome) {
	out.Audio = &audio
	if r.duration != nil {
		r.duration.Record(ctx, audio.Duration, metric.WithAttributes(attribute.String("format", audio.Format)))
	}
	raw, err := base64.StdEncoding.DecodeString(audio.AudioData)
	if err != nil {
		r.log.Warn("recorded payload is not base64", slogError(err))
		return
	}
	out.Bytes = len(raw)
	if audio.Format == "wav" {
		r.measureDrift(ctx, sessionID, audio, raw, out)
	}
}

// canceledOutcome marks an attempt ended by its deadline or by shutdown.
// The time-limit notice, if any, gives way to the cancel message.
func canceledOutcome(locale string, out *Outcome) {
	out.ErrorCode = "canceled"
	out.Message = messages.Localize(locale, "practice.canceled", nil)
	out.Retryable = true
}

// measureDrift compares the wall-clock duration with the decoded WAV length.
// The two differ by up to one chunk interval; the gap is logged, not fixed.
func (r *Runner) measureDrift(ctx context.Context, sessionID string, audio capture.RecordedAudio, raw []byte, out *Outcome) {
	info, err := wavstream.Inspect(raw)
	if err != nil {
		r.log.Warn("recorded payload is not a valid wav file", slogError(err))
		return
	}
	out.DecodedDuration = info.Duration
	drift := audio.Duration - info.Duration.Seconds()
	if r.drift != nil {
		r.drift.Record(ctx, drift)
	}
	r.log.Debug("recording duration drift",
		slog.String("session_id", sessionID),
		slog.Float64("wall_clock_s", audio.Duration),
		slog.Float64("decoded_s", info.Duration.Seconds()),
		slog.Float64("drift_s", drift))
}

func (r *Runner) runTranscribe(ctx context.Context, req Request, out *Outcome, notify func(string)) error {
	tr := r.opts.Transcriber
	ended := make(chan struct{})
	var (
		result *stt.TranscriptResult
		recErr *stt.RecognitionError
	)
	err := tr.Start(ctx, stt.Listener{
		OnResult: func(res stt.TranscriptResult) {
			if !res.Interim {
				result = &res
			}
		},
		OnError: func(err *stt.RecognitionError) { recErr = err },
		OnEnd:   func() { close(ended) },
	})
	if err != nil {
		out.ErrorCode = "busy"
		out.Message = messages.Localize(req.Locale, "practice.busy", nil)
		out.Retryable = true
		return err
	}
	notify(protocol.StatusListening)

	maxDuration := req.MaxDuration
	if maxDuration <= 0 {
		maxDuration = r.opts.Availability.CaptureCfg.MaxDuration
	}
	if maxDuration <= 0 {
		maxDuration = capture.DefaultConfig().MaxDuration
	}
	deadline := time.NewTimer(maxDuration)
	defer deadline.Stop()

	select {
	case <-ended:
	case <-req.Stop:
		tr.Stop()
		<-ended
	case <-deadline.C:
		out.AutoStopped = true
		tr.Stop()
		<-ended
	case <-ctx.Done():
		tr.Stop()
		<-ended
		out.Transcript = result
		canceledOutcome(req.Locale, out)
		return ctx.Err()
	}

	if recErr != nil {
		out.ErrorCode = recErr.Code
		out.Message = recErr.Message(req.Locale)
		out.Retryable = recErr.Retryable()
		return recErr
	}
	if result == nil {
		// Stopped before the engine heard anything final.
		recErr = &stt.RecognitionError{Code: stt.CodeNoSpeech}
		out.ErrorCode = recErr.Code
		out.Message = recErr.Message(req.Locale)
		out.Retryable = true
		return recErr
	}
	out.Transcript = result
	return nil
}

func (r *Runner) record(ctx context.Context, out Outcome) {
	if r.opts.Store == nil {
		return
	}
	a := eventstore.Attempt{
		SessionID:       out.SessionID,
		Mode:            out.Mode,
		Phrase:          out.Phrase,
		DecodedDuration: out.DecodedDuration.Seconds(),
		ErrorCode:       out.ErrorCode,
	}
	if out.Audio != nil {
		a.Format = out.Audio.Format
		a.Bytes = out.Bytes
		a.Duration = out.Audio.Duration
	}
	if out.Transcript != nil {
		a.Transcript = out.Transcript.Transcript
		a.Confidence = out.Transcript.Confidence
	}
	if _, err := r.opts.Store.Append(ctx, a); err != nil {
		r.log.Warn("failed to record attempt", slogError(err))
		return
	}
	if err := r.opts.Store.Prune(ctx); err != nil {
		r.log.Warn("failed to prune attempts", slogError(err))
	}
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
