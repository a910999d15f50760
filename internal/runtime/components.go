package runtime

import (
	"fmt"
	"log/slog"

	"github.com/loqalabs/habla/internal/capability"
	"github.com/loqalabs/habla/internal/capture"
	"github.com/loqalabs/habla/internal/config"
	"github.com/loqalabs/habla/internal/media"
	"github.com/loqalabs/habla/internal/stt"
)

// Components are the practice building blocks derived from configuration.
type Components struct {
	CaptureRuntime capture.Runtime
	CaptureConfig  capture.Config
	Transcriber    *stt.Transcriber
	Availability   capability.Availability
}

// BuildComponents probes the configured capture source and speech engine
// once and records what this host can do.
func BuildComponents(cfg config.Config, logger *slog.Logger) (Components, error) {
	var c Components
	c.CaptureConfig = CaptureConfig(cfg.Capture)

	if cfg.Capture.Enabled {
		devices, err := media.DevicesFor(cfg.Capture.Source, cfg.Capture.ToneFrequency)
		if err != nil {
			return c, err
		}
		if devices != nil {
			c.CaptureRuntime = capture.Runtime{Devices: devices, Recorders: media.NewRecorders(logger)}
		}
	}

	if cfg.Speech.Enabled {
		engine, err := SpeechEngine(cfg.Speech)
		if err != nil {
			return c, err
		}
		c.Transcriber = stt.NewTranscriber(engine, logger,
			stt.WithLanguage(cfg.Speech.PrimaryLanguage),
			stt.WithFallbackLanguages(cfg.Speech.FallbackLanguages...),
			stt.WithMaxAlternatives(cfg.Speech.MaxAlternatives),
			stt.WithContinuous(cfg.Speech.Continuous),
			stt.WithInterimResults(cfg.Speech.InterimResults),
		)
	}

	c.Availability = capability.Detect(capability.Env{
		Runtime:     c.CaptureRuntime,
		Transcriber: c.Transcriber,
		Capture:     c.CaptureConfig,
	})
	logger.Info("practice capabilities detected",
		slog.Bool("capture", c.Availability.Capture),
		slog.Bool("transcribe", c.Availability.Transcribe),
		slog.String("preferred_mode", c.Availability.PreferredMode()))
	return c, nil
}

// CaptureConfig converts the file configuration to a capture.Config.
func CaptureConfig(cfg config.CaptureConfig) capture.Config {
	return capture.Config{
		SampleRate:  cfg.SampleRate,
		Channels:    cfg.Channels,
		BitDepth:    cfg.BitDepth,
		MaxDuration: cfg.MaxDuration(),
	}
}

// SpeechEngine selects the recognition backend.
func SpeechEngine(cfg config.SpeechConfig) (stt.Engine, error) {
	switch cfg.Mode {
	case "", "mock":
		return stt.NewMockEngine(), nil
	case "exec":
		return stt.NewExecEngine(cfg.Command)
	default:
		return nil, fmt.Errorf("unknown speech mode %q", cfg.Mode)
	}
}
