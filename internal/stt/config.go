// Package stt runs speech-recognition sessions against an external engine
// and reduces its hypotheses to the best-confidence transcript.
package stt

// SpeechConfig tunes a recognition session. FallbackLanguages are carried
// for reference only; engines are configured with PrimaryLanguage.
type SpeechConfig struct {
	PrimaryLanguage   string   `json:"primaryLanguage"`
	FallbackLanguages []string `json:"fallbackLanguages"`
	MaxAlternatives   int      `json:"maxAlternatives"`
	Continuous        bool     `json:"continuous"`
	InterimResults    bool     `json:"interimResults"`
}

// DefaultSpeechConfig returns a fresh copy of the Spanish practice defaults.
func DefaultSpeechConfig() SpeechConfig {
	return SpeechConfig{
		PrimaryLanguage:   "es-ES",
		FallbackLanguages: []string{"es-MX", "es-AR", "es-CO", "es-US"},
		MaxAlternatives:   3,
		Continuous:        false,
		InterimResults:    false,
	}
}

// Option overrides a single SpeechConfig field.
type Option func(*SpeechConfig)

func WithLanguage(tag string) Option {
	return func(c *SpeechConfig) {
		if tag != "" {
			c.PrimaryLanguage = tag
		}
	}
}

func WithFallbackLanguages(tags ...string) Option {
	return func(c *SpeechConfig) {
		c.FallbackLanguages = append([]string(nil), tags...)
	}
}

func WithMaxAlternatives(n int) Option {
	return func(c *SpeechConfig) {
		if n > 0 {
			c.MaxAlternatives = n
		}
	}
}

func WithContinuous(on bool) Option {
	return func(c *SpeechConfig) { c.Continuous = on }
}

func WithInterimResults(on bool) Option {
	return func(c *SpeechConfig) { c.InterimResults = on }
}

// WithConfig replaces the non-zero fields of the configuration with those of
// cfg. Boolean fields are always taken from cfg.
func WithConfig(cfg SpeechConfig) Option {
	return func(c *SpeechConfig) {
		if cfg.PrimaryLanguage != "" {
			c.PrimaryLanguage = cfg.PrimaryLanguage
		}
		if cfg.FallbackLanguages != nil {
			c.FallbackLanguages = append([]string(nil), cfg.FallbackLanguages...)
		}
		if cfg.MaxAlternatives > 0 {
			c.MaxAlternatives = cfg.MaxAlternatives
		}
		c.Continuous = cfg.Continuous
		c.InterimResults = cfg.InterimResults
	}
}

func (c SpeechConfig) settings() Settings {
	return Settings{
		Language:        c.PrimaryLanguage,
		MaxAlternatives: c.MaxAlternatives,
		Continuous:      c.Continuous,
		InterimResults:  c.InterimResults,
	}
}
