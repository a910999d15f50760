package capture

import (
	"context"
	"errors"
	"log/slog"
)

// Handle is a reduced view of an initialized Capture.
type Handle struct {
	Start       func() error
	Stop        func(ctx context.Context) (RecordedAudio, error)
	IsRecording func() bool
	Cleanup     func()
}

// Record constructs and initializes a Capture and returns its Handle. Stop
// fuses StopRecording with the harvest.
func Record(ctx context.Context, rt Runtime, cfg Config, logger *slog.Logger) (Handle, error) {
	c := New(rt, cfg, logger)
	if err := c.Initialize(ctx); err != nil {
		c.Cleanup()
		return Handle{}, err
	}
	return Handle{
		Start:       c.StartRecording,
		Stop:        c.Harvest,
		IsRecording: c.IsRecording,
		Cleanup:     c.Cleanup,
	}, nil
}

// MessageID maps a capture error to a user-facing message identifier.
func MessageID(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrDeviceAccess):
		return "capture.device_access"
	case errors.Is(err, ErrUnsupportedFormat):
		return "capture.unsupported_format"
	case errors.Is(err, ErrNoData):
		return "capture.no_data"
	default:
		return "capture.generic"
	}
}
