package capture

import "errors"

var (
	// ErrDeviceAccess means permission was denied or no input device exists.
	ErrDeviceAccess = errors.New("could not access microphone")
	// ErrUnsupportedFormat means the runtime supports none of the candidate encodings.
	ErrUnsupportedFormat = errors.New("no supported audio format found")
	// ErrNoData means a harvest found no captured bytes.
	ErrNoData = errors.New("no audio data recorded")
)

var (
	ErrNotInitialized     = errors.New("audio recorder not initialized")
	ErrAlreadyInitialized = errors.New("audio recorder already initialized")
	ErrAlreadyRecording   = errors.New("recording already in progress")
)
