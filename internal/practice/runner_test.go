package practice

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/loqalabs/habla/internal/capability"
	"github.com/loqalabs/habla/internal/capture"
	"github.com/loqalabs/habla/internal/config"
	"github.com/loqalabs/habla/internal/eventstore"
	"github.com/loqalabs/habla/internal/media"
	"github.com/loqalabs/habla/internal/protocol"
	"github.com/loqalabs/habla/internal/stt"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

type statusLog struct {
	mu      sync.Mutex
	updates []protocol.StatusUpdate
}

func (s *statusLog) add(u protocol.StatusUpdate) {
	s.mu.Lock()
	s.updates = append(s.updates, u)
	s.mu.Unlock()
}

func (s *statusLog) statuses() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for _, u := range s.updates {
		out = append(out, u.Status)
	}
	return out
}

func (s *statusLog) last() protocol.StatusUpdate {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.updates[len(s.updates)-1]
}

func toneRunner(t *testing.T, maxDuration time.Duration, store *eventstore.Store) (*Runner, *media.Devices) {
	t.Helper()
	devices := media.ToneDevices(440)
	rt := capture.Runtime{Devices: devices, Recorders: media.NewRecorders(testLogger())}
	cfg := capture.Config{SampleRate: 8000, Channels: 1, MaxDuration: maxDuration}
	avail := capability.Detect(capability.Env{Runtime: rt, Capture: cfg})
	return NewRunner(Options{
		Availability: avail,
		Runtime:      rt,
		Store:        store,
		PollInterval: 20 * time.Millisecond,
	}, testLogger()), devices
}

func transcribeRunner(engine stt.Engine) *Runner {
	tr := stt.NewTranscriber(engine, testLogger())
	return NewRunner(Options{
		Availability: capability.Detect(capability.Env{Transcriber: tr}),
		Transcriber:  tr,
	}, testLogger())
}

func TestCaptureAutoStopsAtMaxDuration(t *testing.T) {
	runner, devices := toneRunner(t, 300*time.Millisecond, nil)
	status := &statusLog{}

	out, err := runner.Run(context.Background(), Request{Phrase: "hola"}, status.add)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if out.Mode != protocol.ModeCapture || out.SessionID == "" {
		t.Fatalf("unexpected outcome %+v", out)
	}
	if !out.AutoStopped {
		t.Fatal("expected auto-stop at max duration")
	}
	if out.Audio == nil || out.Audio.Format != "wav" {
		t.Fatalf("expected wav audio, got %+v", out.Audio)
	}
	if out.Audio.Duration < 0.3 || out.Audio.Duration > 0.6 {
		t.Fatalf("duration %.3fs outside expected window", out.Audio.Duration)
	}
	if out.DecodedDuration <= 0 || out.Bytes <= 44 {
		t.Fatalf("expected decoded audio, got %s / %d bytes", out.DecodedDuration, out.Bytes)
	}
	if !strings.Contains(out.Message, "tiempo máximo") {
		t.Fatalf("expected time limit message, got %q", out.Message)
	}
	if got := status.statuses(); len(got) != 2 || got[0] != protocol.StatusListening || got[1] != protocol.StatusIdle {
		t.Fatalf("unexpected status sequence %v", got)
	}
	if devices.Active() {
		t.Fatal("microphone still held after the attempt")
	}
	if runner.Busy() {
		t.Fatal("mic lock still held")
	}
}

func TestCaptureStopsOnRequest(t *testing.T) {
	runner, _ := toneRunner(t, 10*time.Second, nil)
	stop := make(chan struct{})
	time.AfterFunc(200*time.Millisecond, func() { close(stop) })

	out, err := runner.Run(context.Background(), Request{SessionID: "s-1", Stop: stop}, nil)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if out.AutoStopped || out.Audio == nil || out.SessionID != "s-1" {
		t.Fatalf("unexpected outcome %+v", out)
	}
	if out.Audio.Duration > 1 {
		t.Fatalf("attempt ran too long: %.3fs", out.Audio.Duration)
	}
}

func TestCaptureCanceledKeepsAudio(t *testing.T) {
	runner, devices := toneRunner(t, 2*time.Second, nil)
	status := &statusLog{}
	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()

	out, err := runner.Run(ctx, Request{SessionID: "late"}, status.add)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline error, got %v", err)
	}
	if out.ErrorCode != "canceled" || !out.Retryable || out.AutoStopped {
		t.Fatalf("unexpected outcome %+v", out)
	}
	if !strings.Contains(out.Message, "interrumpió") {
		t.Fatalf("expected interrupted message, got %q", out.Message)
	}
	if out.Audio == nil || out.Audio.Duration <= 0 || out.Bytes <= 44 {
		t.Fatalf("expected the recorded audio, got %+v", out.Audio)
	}
	last := status.last()
	if last.Status != protocol.StatusIdle || last.ErrorCode != "canceled" || last.Message != out.Message {
		t.Fatalf("unexpected final status %+v", last)
	}
	if devices.Active() || runner.Busy() {
		t.Fatal("attempt left the microphone held")
	}
}

func TestMicLockRejectsSecondAttempt(t *testing.T) {
	runner, _ := toneRunner(t, 10*time.Second, nil)
	stop := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		_, err := runner.Run(context.Background(), Request{Stop: stop}, nil)
		done <- err
	}()

	deadline := time.Now().Add(2 * time.Second)
	for !runner.Busy() {
		if time.Now().After(deadline) {
			t.Fatal("first attempt never took the microphone")
		}
		time.Sleep(5 * time.Millisecond)
	}

	out, err := runner.Run(context.Background(), Request{}, nil)
	if !errors.Is(err, ErrBusy) {
		t.Fatalf("expected ErrBusy, got %v", err)
	}
	if !strings.Contains(out.Message, "ya está en uso") || !out.Retryable {
		t.Fatalf("unexpected busy outcome %+v", out)
	}

	close(stop)
	if err := <-done; err != nil {
		t.Fatalf("first attempt: %v", err)
	}
}

func TestUnavailableMode(t *testing.T) {
	runner := NewRunner(Options{}, testLogger())
	out, err := runner.Run(context.Background(), Request{Locale: "en"}, nil)
	if !errors.Is(err, ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable, got %v", err)
	}
	if !strings.Contains(out.Message, "not available") {
		t.Fatalf("unexpected message %q", out.Message)
	}
}

func TestCaptureDeviceFailure(t *testing.T) {
	rt := capture.Runtime{
		Devices:   media.FileDevices(filepath.Join(t.TempDir(), "missing.pcm")),
		Recorders: media.NewRecorders(testLogger()),
	}
	runner := NewRunner(Options{
		Availability: capability.Detect(capability.Env{Runtime: rt}),
		Runtime:      rt,
	}, testLogger())

	status := &statusLog{}
	out, err := runner.Run(context.Background(), Request{}, status.add)
	if !errors.Is(err, capture.ErrDeviceAccess) {
		t.Fatalf("expected ErrDeviceAccess, got %v", err)
	}
	if out.ErrorCode != "capture.device_access" || !strings.Contains(out.Message, "Verifica los permisos") {
		t.Fatalf("unexpected outcome %+v", out)
	}
	last := status.last()
	if last.Status != protocol.StatusIdle || last.ErrorCode != out.ErrorCode {
		t.Fatalf("expected idle status carrying the error, got %+v", last)
	}
}

func TestTranscribeAttempt(t *testing.T) {
	engine := stt.NewMockEngine()
	engine.Delay = 0
	runner := transcribeRunner(engine)

	status := &statusLog{}
	out, err := runner.Run(context.Background(), Request{Phrase: "hola"}, status.add)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if out.Mode != protocol.ModeTranscribe || out.Transcript == nil {
		t.Fatalf("unexpected outcome %+v", out)
	}
	if out.Transcript.Transcript != "hola" || out.Transcript.Confidence != 0.92 || len(out.Transcript.Alternatives) != 3 {
		t.Fatalf("unexpected transcript %+v", out.Transcript)
	}
	if got := status.statuses(); got[len(got)-1] != protocol.StatusIdle {
		t.Fatalf("expected to end idle, got %v", got)
	}
}

func TestTranscribeErrorsAreLocalized(t *testing.T) {
	cases := []struct {
		code      string
		locale    string
		want      string
		retryable bool
	}{
		{stt.CodeNotAllowed, "es", "Habilita el micrófono", true},
		{stt.CodeNoSpeech, "en", "speaking louder", true},
		{stt.CodeLanguageNotSupported, "es", "no está soportado", false},
		{"xyz", "es", "xyz", true},
	}
	for _, tc := range cases {
		runner := transcribeRunner(&stt.MockEngine{ErrorCode: tc.code})
		out, err := runner.Run(context.Background(), Request{Locale: tc.locale}, nil)
		var re *stt.RecognitionError
		if !errors.As(err, &re) || re.Code != tc.code {
			t.Fatalf("%s: expected recognition error, got %v", tc.code, err)
		}
		if !strings.Contains(out.Message, tc.want) || out.Retryable != tc.retryable {
			t.Fatalf("%s: unexpected outcome %+v", tc.code, out)
		}
	}
}

func TestTranscribeStopWithoutResult(t *testing.T) {
	engine := &stt.MockEngine{Delay: time.Hour, Script: []stt.Utterance{{Final: true, Alternatives: []stt.Hypothesis{{Transcript: "tarde"}}}}}
	runner := transcribeRunner(engine)
	stop := make(chan struct{})
	time.AfterFunc(50*time.Millisecond, func() { close(stop) })

	out, err := runner.Run(context.Background(), Request{Stop: stop}, nil)
	if out.ErrorCode != stt.CodeNoSpeech || err == nil {
		t.Fatalf("expected no-speech after an early stop, got %+v / %v", out, err)
	}
}

func TestTranscribeCanceled(t *testing.T) {
	engine := &stt.MockEngine{Delay: time.Hour, Script: []stt.Utterance{{Final: true, Alternatives: []stt.Hypothesis{{Transcript: "tarde"}}}}}
	runner := transcribeRunner(engine)
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	out, err := runner.Run(ctx, Request{Locale: "en"}, nil)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline error, got %v", err)
	}
	if out.ErrorCode != "canceled" || !out.Retryable || !strings.Contains(out.Message, "interrupted") {
		t.Fatalf("unexpected outcome %+v", out)
	}
}

func TestAttemptsAreRecorded(t *testing.T) {
	store, err := eventstore.Open(context.Background(), config.EventStoreConfig{
		Path:          filepath.Join(t.TempDir(), "attempts.db"),
		RetentionMode: "session",
	}, testLogger())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	defer store.Close()

	runner, _ := toneRunner(t, 150*time.Millisecond, store)
	out, err := runner.Run(context.Background(), Request{SessionID: "lesson-1", Phrase: "gracias"}, nil)
	if err != nil {
		t.Fatalf("run: %v", err)
	}

	attempts, err := store.Session(context.Background(), "lesson-1")
	if err != nil {
		t.Fatalf("session: %v", err)
	}
	if len(attempts) != 1 {
		t.Fatalf("expected 1 attempt, got %d", len(attempts))
	}
	a := attempts[0]
	if a.Mode != protocol.ModeCapture || a.Phrase != "gracias" || a.Format != "wav" || a.Bytes != out.Bytes {
		t.Fatalf("unexpected attempt %+v", a)
	}
	if a.DecodedDuration <= 0 || a.Duration != out.Audio.Duration {
		t.Fatalf("durations not recorded: %+v", a)
	}
}
