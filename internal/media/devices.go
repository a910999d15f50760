// Package media provides a software capture runtime: PCM input devices backed
// by files, pipes or a tone generator, and a streaming WAV recorder.
package media

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/loqalabs/habla/internal/capture"
)

var (
	ErrNoDevice         = errors.New("no audio input device available")
	ErrPermissionDenied = errors.New("microphone permission denied")
	ErrDeviceBusy       = errors.New("audio input device is already in use")
)

// OpenFunc opens the raw S16LE PCM source of a device.
type OpenFunc func(ctx context.Context, c capture.Constraints) (io.ReadCloser, error)

// Devices hands out at most one live stream at a time.
type Devices struct {
	open OpenFunc

	mu     sync.Mutex
	active *Stream
}

func NewDevices(open OpenFunc) *Devices {
	return &Devices{open: open}
}

// FileDevices reads raw PCM from path.
func FileDevices(path string) *Devices {
	return NewDevices(func(_ context.Context, _ capture.Constraints) (io.ReadCloser, error) {
		f, err := os.Open(path)
		switch {
		case errors.Is(err, fs.ErrNotExist):
			return nil, fmt.Errorf("%w: %s", ErrNoDevice, path)
		case errors.Is(err, fs.ErrPermission):
			return nil, fmt.Errorf("%w: %s", ErrPermissionDenied, path)
		case err != nil:
			return nil, err
		}
		return f, nil
	})
}

// StdinDevices reads raw PCM piped into the process.
func StdinDevices() *Devices {
	return NewDevices(func(_ context.Context, _ capture.Constraints) (io.ReadCloser, error) {
		return io.NopCloser(os.Stdin), nil
	})
}

// ToneDevices synthesizes a sine wave at the requested format.
func ToneDevices(frequency float64) *Devices {
	return NewDevices(func(_ context.Context, c capture.Constraints) (io.ReadCloser, error) {
		return NewTone(frequency, c.SampleRate, c.ChannelCount), nil
	})
}

// DevicesFor maps a configured source name to a device set. It returns nil
// for "none", meaning the host has no capture primitive.
func DevicesFor(source string, toneFrequency float64) (*Devices, error) {
	switch {
	case source == "none" || source == "":
		return nil, nil
	case source == "tone":
		return ToneDevices(toneFrequency), nil
	case source == "stdin":
		return StdinDevices(), nil
	case strings.HasPrefix(source, "file:"):
		return FileDevices(strings.TrimPrefix(source, "file:")), nil
	default:
		return nil, fmt.Errorf("unknown capture source %q", source)
	}
}

func (d *Devices) GetUserMedia(ctx context.Context, c capture.Constraints) (capture.Stream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.active != nil && d.active.live() {
		return nil, ErrDeviceBusy
	}
	src, err := d.open(ctx, c)
	if err != nil {
		return nil, err
	}
	stream := &Stream{settings: c, src: src}
	stream.track = &track{stream: stream, release: func() { d.release(stream) }}
	d.active = stream
	return stream, nil
}

// Active reports whether a stream is currently holding the device.
func (d *Devices) Active() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.active != nil && d.active.live()
}

func (d *Devices) release(s *Stream) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.active == s {
		d.active = nil
	}
}

// Stream is a single-track PCM stream.
type Stream struct {
	settings capture.Constraints
	src      io.ReadCloser
	track    *track
}

func (s *Stream) Tracks() []capture.Track {
	if !s.track.Live() {
		return nil
	}
	return []capture.Track{s.track}
}

// Settings returns the constraints the stream was opened with.
func (s *Stream) Settings() capture.Constraints { return s.settings }

func (s *Stream) Read(p []byte) (int, error) {
	if !s.track.Live() {
		return 0, io.EOF
	}
	return s.src.Read(p)
}

func (s *Stream) live() bool { return s.track.Live() }

type track struct {
	stream  *Stream
	release func()
	stopped atomic.Bool
}

func (t *track) Stop() {
	if t.stopped.Swap(true) {
		return
	}
	_ = t.stream.src.Close()
	t.release()
}

func (t *track) Live() bool { return !t.stopped.Load() }
