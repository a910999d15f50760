package capture

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"time"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

type fakeTrack struct {
	mu      sync.Mutex
	stopped bool
}

func (t *fakeTrack) Stop() {
	t.mu.Lock()
	t.stopped = true
	t.mu.Unlock()
}

func (t *fakeTrack) Live() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return !t.stopped
}

type fakeStream struct {
	tracks []*fakeTrack
}

func (s *fakeStream) Tracks() []Track {
	out := make([]Track, 0, len(s.tracks))
	for _, t := range s.tracks {
		out = append(out, t)
	}
	return out
}

func (s *fakeStream) liveTracks() int {
	n := 0
	for _, t := range s.tracks {
		if t.Live() {
			n++
		}
	}
	return n
}

type fakeDevices struct {
	err         error
	constraints Constraints
	streams     []*fakeStream
}

func (d *fakeDevices) GetUserMedia(_ context.Context, c Constraints) (Stream, error) {
	if d.err != nil {
		return nil, d.err
	}
	d.constraints = c
	s := &fakeStream{tracks: []*fakeTrack{{}}}
	d.streams = append(d.streams, s)
	return s, nil
}

type fakeRecorder struct {
	mime string

	mu        sync.Mutex
	state     RecorderState
	sink      Sink
	timeslice time.Duration
	stops     int
}

func (r *fakeRecorder) MimeType() string { return r.mime }

func (r *fakeRecorder) State() RecorderState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

func (r *fakeRecorder) Start(timeslice time.Duration, sink Sink) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state == StateRecording {
		return errors.New("fake recorder busy")
	}
	r.state = StateRecording
	r.sink = sink
	r.timeslice = timeslice
	return nil
}

// Stop finalizes asynchronously, like a real recorder.
func (r *fakeRecorder) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state != StateRecording {
		return
	}
	r.state = StateInactive
	r.stops++
	sink := r.sink
	go sink.OnStop()
}

func (r *fakeRecorder) emit(chunk []byte) {
	r.mu.Lock()
	sink := r.sink
	r.mu.Unlock()
	sink.OnData(chunk)
}

func (r *fakeRecorder) stopCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stops
}

type fakeFactory struct {
	supported map[string]bool
	recorder  *fakeRecorder
	newErr    error
}

func (f *fakeFactory) IsTypeSupported(mimeType string) bool { return f.supported[mimeType] }

func (f *fakeFactory) NewRecorder(_ Stream, mimeType string) (MediaRecorder, error) {
	if f.newErr != nil {
		return nil, f.newErr
	}
	f.recorder = &fakeRecorder{mime: mimeType}
	return f.recorder, nil
}

func newFakeRuntime(supported ...string) (Runtime, *fakeDevices, *fakeFactory) {
	devices := &fakeDevices{}
	factory := &fakeFactory{supported: map[string]bool{}}
	for _, m := range supported {
		factory.supported[m] = true
	}
	return Runtime{Devices: devices, Recorders: factory}, devices, factory
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}
