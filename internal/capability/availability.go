package capability

import (
	"strconv"

	"github.com/loqalabs/habla/internal/capture"
	"github.com/loqalabs/habla/internal/protocol"
	"github.com/loqalabs/habla/internal/stt"
)

// Capability names announced for practice nodes.
const (
	PracticeCapture    = "practice.capture"
	PracticeTranscribe = "practice.transcribe"
)

// Env is what the host offers for practice, probed once at startup.
type Env struct {
	Runtime     capture.Runtime
	Transcriber *stt.Transcriber
	Capture     capture.Config
}

// Availability is the typed outcome of capability detection.
type Availability struct {
	Capture      bool
	Transcribe   bool
	CaptureCfg   capture.Config
	SpeechConfig stt.SpeechConfig
}

// Detect decides which practice modes this host supports.
func Detect(env Env) Availability {
	a := Availability{
		Capture:    capture.IsSupported(env.Runtime),
		Transcribe: env.Transcriber != nil,
		CaptureCfg: env.Capture,
	}
	if a.Transcribe {
		a.SpeechConfig = env.Transcriber.Config()
	}
	return a
}

// Any reports whether at least one mode is usable.
func (a Availability) Any() bool { return a.Capture || a.Transcribe }

// Supports reports whether mode is usable.
func (a Availability) Supports(mode string) bool {
	switch mode {
	case protocol.ModeCapture:
		return a.Capture
	case protocol.ModeTranscribe:
		return a.Transcribe
	}
	return false
}

// PreferredMode is capture when a microphone recorder exists, since the
// scoring service grades raw audio, and transcription otherwise.
func (a Availability) PreferredMode() string {
	switch {
	case a.Capture:
		return protocol.ModeCapture
	case a.Transcribe:
		return protocol.ModeTranscribe
	}
	return ""
}

// Capabilities is the announcement for this node.
func (a Availability) Capabilities() []Capability {
	var caps []Capability
	if a.Capture {
		cfg := a.CaptureCfg
		caps = append(caps, Capability{
			Name: PracticeCapture,
			Tier: "local",
			Attributes: map[string]string{
				"sample_rate":     strconv.Itoa(cfg.SampleRate),
				"channels":        strconv.Itoa(cfg.Channels),
				"max_duration_ms": strconv.FormatInt(cfg.MaxDuration.Milliseconds(), 10),
			},
		})
	}
	if a.Transcribe {
		caps = append(caps, Capability{
			Name: PracticeTranscribe,
			Tier: "local",
			Attributes: map[string]string{
				"language":         a.SpeechConfig.PrimaryLanguage,
				"max_alternatives": strconv.Itoa(a.SpeechConfig.MaxAlternatives),
			},
		})
	}
	return caps
}
