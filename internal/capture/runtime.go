package capture

import (
	"context"
	"time"
)

// Constraints are the device settings requested when opening a microphone.
type Constraints struct {
	SampleRate       int
	ChannelCount     int
	EchoCancellation bool
	NoiseSuppression bool
	AutoGainControl  bool
}

// Track is a single media track of an open device stream.
type Track interface {
	Stop()
	Live() bool
}

// Stream is an open, exclusively owned device stream.
type Stream interface {
	Tracks() []Track
}

// MediaDevices grants access to audio input devices.
type MediaDevices interface {
	GetUserMedia(ctx context.Context, c Constraints) (Stream, error)
}

// RecorderState reports whether a recorder is capturing.
type RecorderState int

const (
	StateInactive RecorderState = iota
	StateRecording
)

func (s RecorderState) String() string {
	if s == StateRecording {
		return "recording"
	}
	return "inactive"
}

// Sink receives the events of one recording session. OnData calls arrive in
// capture order and all precede OnStop. OnStop is called exactly once.
type Sink interface {
	OnData(chunk []byte)
	OnError(err error)
	OnStop()
}

// MediaRecorder encodes a stream into chunks. Stop must not block: the
// final data and stop events are delivered to the sink asynchronously.
type MediaRecorder interface {
	MimeType() string
	State() RecorderState
	Start(timeslice time.Duration, sink Sink) error
	Stop()
}

// RecorderFactory creates recorders for supported MIME types.
type RecorderFactory interface {
	IsTypeSupported(mimeType string) bool
	NewRecorder(stream Stream, mimeType string) (MediaRecorder, error)
}

// Runtime is the set of host primitives a Capture needs. Either field may be
// nil on hosts that lack the primitive.
type Runtime struct {
	Devices   MediaDevices
	Recorders RecorderFactory
}

// IsSupported reports whether rt exposes both device access and recording.
func IsSupported(rt Runtime) bool {
	return rt.Devices != nil && rt.Recorders != nil
}
