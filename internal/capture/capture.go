// Package capture records timed microphone audio into an in-memory buffer and
// exports it as a base64 payload tagged with its encoding.
//
// A Capture owns one exclusive device stream. The lifecycle is Initialize,
// then any number of StartRecording / StopRecording / RecordedAudio cycles,
// then Cleanup. Cleanup must run on every exit path of the owner.
package capture

import (
	"context"
	"encoding/base64"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/loqalabs/habla/internal/wavstream"
)

// ChunkInterval is how often an active recorder flushes buffered audio.
const ChunkInterval = 100 * time.Millisecond

// Config is fixed once a Capture is constructed. BitDepth is informational.
type Config struct {
	SampleRate  int
	Channels    int
	BitDepth    int
	MaxDuration time.Duration
}

func DefaultConfig() Config {
	return Config{
		SampleRate:  48000,
		Channels:    1,
		BitDepth:    16,
		MaxDuration: 10 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.SampleRate <= 0 {
		c.SampleRate = def.SampleRate
	}
	if c.Channels <= 0 {
		c.Channels = def.Channels
	}
	if c.BitDepth <= 0 {
		c.BitDepth = def.BitDepth
	}
	if c.MaxDuration <= 0 {
		c.MaxDuration = def.MaxDuration
	}
	return c
}

// RecordedAudio is the harvested payload handed to the scoring service.
type RecordedAudio struct {
	AudioData string  `json:"audioData"`
	Duration  float64 `json:"duration"`
	Format    string  `json:"format"`
}

// Capture manages microphone access and recording sessions.
type Capture struct {
	rt    Runtime
	cfg   Config
	log   *slog.Logger
	clock func() time.Time

	mu           sync.Mutex
	initializing bool
	stream       Stream
	recorder     MediaRecorder
	mimeType     string
	current      *session
}

func New(rt Runtime, cfg Config, logger *slog.Logger) *Capture {
	if logger == nil {
		logger = slog.Default()
	}
	return &Capture{
		rt:    rt,
		cfg:   cfg.withDefaults(),
		log:   logger.With(slog.String("component", "audio-capture")),
		clock: time.Now,
	}
}

// Config returns the effective configuration.
func (c *Capture) Config() Config { return c.cfg }

// MimeType returns the negotiated encoding, or "" before Initialize.
func (c *Capture) MimeType() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.mimeType
}

// Initialize opens the microphone and negotiates an encoding.
func (c *Capture) Initialize(ctx context.Context) error {
	if !IsSupported(c.rt) {
		return fmt.Errorf("%w: recording is not supported by this runtime", ErrDeviceAccess)
	}
	c.mu.Lock()
	if c.stream != nil || c.initializing {
		c.mu.Unlock()
		return ErrAlreadyInitialized
	}
	c.initializing = true
	c.mu.Unlock()

	stream, mimeType, recorder, err := c.open(ctx)

	c.mu.Lock()
	defer c.mu.Unlock()
	c.initializing = false
	if err != nil {
		c.log.Warn("microphone initialization failed", slogError(err))
		return err
	}
	c.stream = stream
	c.recorder = recorder
	c.mimeType = mimeType
	c.log.Info("microphone initialized",
		slog.String("mime_type", mimeType),
		slog.Int("sample_rate", c.cfg.SampleRate),
		slog.Int("channels", c.cfg.Channels))
	return nil
}

func (c *Capture) open(ctx context.Context) (Stream, string, MediaRecorder, error) {
	stream, err := c.rt.Devices.GetUserMedia(ctx, Constraints{
		SampleRate:       c.cfg.SampleRate,
		ChannelCount:     c.cfg.Channels,
		EchoCancellation: true,
		NoiseSuppression: true,
		AutoGainControl:  true,
	})
	if err != nil {
		return nil, "", nil, fmt.Errorf("%w: %w", ErrDeviceAccess, err)
	}
	if stream == nil {
		return nil, "", nil, fmt.Errorf("%w: device returned no stream", ErrDeviceAccess)
	}

	mimeType, err := negotiateMimeType(c.rt.Recorders, PreferredMimeTypes)
	if err != nil {
		stopTracks(stream)
		return nil, "", nil, err
	}
	recorder, err := c.rt.Recorders.NewRecorder(stream, mimeType)
	if err != nil {
		stopTracks(stream)
		return nil, "", nil, fmt.Errorf("%w: %w", ErrUnsupportedFormat, err)
	}
	if m := recorder.MimeType(); m != "" {
		mimeType = m
	}
	return stream, mimeType, recorder, nil
}

// StartRecording begins a new session, discarding any unharvested one.
func (c *Capture) StartRecording() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.recorder == nil {
		return ErrNotInitialized
	}
	if c.recorder.State() != StateInactive {
		return ErrAlreadyRecording
	}

	sess := newSession(c.clock(), c.recorderError)
	if err := c.recorder.Start(ChunkInterval, sess); err != nil {
		return fmt.Errorf("start recorder: %w", err)
	}
	if c.current != nil {
		c.current.discard()
	}
	c.current = sess
	c.log.Debug("recording started")
	return nil
}

// StopRecording asks the recorder to flush and finalize. It returns before
// finalization completes; wait on Finalized. Calling it while not recording
// does nothing.
func (c *Capture) StopRecording() {
	c.mu.Lock()
	recorder := c.recorder
	c.mu.Unlock()

	if recorder == nil || recorder.State() != StateRecording {
		return
	}
	recorder.Stop()
}

// Finalized is closed once the current session's recorder has delivered its
// last chunk. With no session the returned channel is already closed.
func (c *Capture) Finalized() <-chan struct{} {
	c.mu.Lock()
	sess := c.current
	c.mu.Unlock()
	if sess == nil {
		done := make(chan struct{})
		close(done)
		return done
	}
	return sess.finalized
}

// RecordedAudio concatenates the session's chunks into one payload. It must
// be called after Finalized is closed; the harvested session is cleared.
func (c *Capture) RecordedAudio() (RecordedAudio, error) {
	c.mu.Lock()
	sess := c.current
	mimeType := c.mimeType
	c.mu.Unlock()

	if sess == nil {
		return RecordedAudio{}, ErrNoData
	}
	payload, chunks := sess.payload()
	if chunks == 0 {
		return RecordedAudio{}, ErrNoData
	}

	if sess.isFinalized() {
		c.mu.Lock()
		if c.current == sess {
			c.current = nil
		}
		c.mu.Unlock()
	} else {
		c.log.Warn("harvesting a session that has not finalized")
	}

	if mimeType == "" {
		mimeType = PreferredMimeTypes[0]
	}
	format := FormatTag(mimeType)
	if format == "wav" {
		payload = wavstream.Seal(payload)
	}

	// Wall-clock time, not decoded length; the two drift by up to a chunk.
	duration := c.clock().Sub(sess.started).Seconds()
	audio := RecordedAudio{
		AudioData: base64.StdEncoding.EncodeToString(payload),
		Duration:  duration,
		Format:    format,
	}
	c.log.Info("recording harvested",
		slog.Int("chunks", chunks),
		slog.Int("bytes", len(payload)),
		slog.Float64("duration_s", duration),
		slog.String("format", format))
	return audio, nil
}

// Harvest stops the recording, waits for finalization and returns the payload.
func (c *Capture) Harvest(ctx context.Context) (RecordedAudio, error) {
	c.StopRecording()
	select {
	case <-c.Finalized():
	case <-ctx.Done():
		return RecordedAudio{}, ctx.Err()
	}
	return c.RecordedAudio()
}

func (c *Capture) IsRecording() bool {
	c.mu.Lock()
	recorder := c.recorder
	c.mu.Unlock()
	return recorder != nil && recorder.State() == StateRecording
}

// CurrentDuration is the elapsed time of the active session, or 0.
// Capture never stops itself at MaxDuration; the caller polls this.
func (c *Capture) CurrentDuration() time.Duration {
	c.mu.Lock()
	recorder := c.recorder
	sess := c.current
	c.mu.Unlock()

	if recorder == nil || sess == nil || recorder.State() != StateRecording {
		return 0
	}
	if d := c.clock().Sub(sess.started); d > 0 {
		return d
	}
	return 0
}

// Cleanup stops any recording, releases every device track and drops
// buffered chunks. It is safe to call repeatedly and in any state.
func (c *Capture) Cleanup() {
	defer func() {
		if r := recover(); r != nil {
			c.log.Error("cleanup recovered from panic", slog.Any("panic", r))
		}
	}()

	c.mu.Lock()
	recorder, stream, sess := c.recorder, c.stream, c.current
	c.recorder, c.stream, c.current, c.mimeType = nil, nil, nil, ""
	c.mu.Unlock()

	if recorder != nil && recorder.State() != StateInactive {
		recorder.Stop()
	}
	if stream != nil {
		stopTracks(stream)
		c.log.Info("microphone released")
	}
	if sess != nil {
		sess.discard()
	}
}

func (c *Capture) recorderError(err error) {
	c.log.Error("media recorder error", slogError(err))
}

func stopTracks(stream Stream) {
	for _, track := range stream.Tracks() {
		track.Stop()
	}
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
