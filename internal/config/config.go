package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"golang.org/x/text/language"
	"gopkg.in/yaml.v3"
)

type TelemetryConfig struct {
	LogLevel       string `yaml:"log_level"`
	OTLPEndpoint   string `yaml:"otlp_endpoint"`
	OTLPInsecure   bool   `yaml:"otlp_insecure"`
	PrometheusBind string `yaml:"prometheus_bind"`
}

type HTTPConfig struct {
	Bind string `yaml:"bind"`
	Port int    `yaml:"port"`
}

type Config struct {
	RuntimeName string           `yaml:"runtime_name"`
	Environment string           `yaml:"environment"`
	HTTP        HTTPConfig       `yaml:"http"`
	Telemetry   TelemetryConfig  `yaml:"telemetry"`
	Bus         BusConfig        `yaml:"bus"`
	Node        NodeConfig       `yaml:"node"`
	EventStore  EventStoreConfig `yaml:"event_store"`
	Capture     CaptureConfig    `yaml:"capture"`
	Speech      SpeechConfig     `yaml:"speech"`
	Practice    PracticeConfig   `yaml:"practice"`
}

type BusConfig struct {
	Embedded       bool     `yaml:"embedded"`
	Port           int      `yaml:"port"`
	StoreDir       string   `yaml:"store_dir"`
	Servers        []string `yaml:"servers"`
	Username       string   `yaml:"username"`
	Password       string   `yaml:"password"`
	Token          string   `yaml:"token"`
	TLSInsecure    bool     `yaml:"tls_insecure"`
	ConnectTimeout int      `yaml:"connect_timeout_ms"`
}

type NodeConfig struct {
	ID                string `yaml:"id"`
	Role              string `yaml:"role"`
	HeartbeatInterval int    `yaml:"heartbeat_interval_ms"`
	HeartbeatTimeout  int    `yaml:"heartbeat_timeout_ms"`
}

type EventStoreConfig struct {
	Path          string `yaml:"path"`
	RetentionMode string `yaml:"retention_mode"`
	RetentionDays int    `yaml:"retention_days"`
	MaxAttempts   int    `yaml:"max_attempts"`
	VacuumOnStart bool   `yaml:"vacuum_on_start"`
}

// CaptureConfig selects the microphone source and the recording shape.
// Source is one of "tone", "stdin", "none" or "file:<path>" (raw S16LE PCM).
type CaptureConfig struct {
	Enabled       bool    `yaml:"enabled"`
	Source        string  `yaml:"source"`
	ToneFrequency float64 `yaml:"tone_frequency_hz"`
	SampleRate    int     `yaml:"sample_rate"`
	Channels      int     `yaml:"channels"`
	BitDepth      int     `yaml:"bit_depth"`
	MaxDurationMS int     `yaml:"max_duration_ms"`
}

type SpeechConfig struct {
	Enabled           bool     `yaml:"enabled"`
	Mode              string   `yaml:"mode"` // mock, exec
	Command           string   `yaml:"command"`
	PrimaryLanguage   string   `yaml:"primary_language"`
	FallbackLanguages []string `yaml:"fallback_languages"`
	MaxAlternatives   int      `yaml:"max_alternatives"`
	Continuous        bool     `yaml:"continuous"`
	InterimResults    bool     `yaml:"interim_results"`
	Locale            string   `yaml:"locale"`
}

type PracticeConfig struct {
	Enabled          bool `yaml:"enabled"`
	SettleDelayMS    int  `yaml:"settle_delay_ms"`
	PollIntervalMS   int  `yaml:"poll_interval_ms"`
	SessionTimeoutMS int  `yaml:"session_timeout_ms"`
}

func Default() Config {
	return Config{
		RuntimeName: "habla-runtime",
		Environment: "development",
		HTTP: HTTPConfig{
			Bind: "0.0.0.0",
			Port: 8080,
		},
		Telemetry: TelemetryConfig{
			LogLevel:       "info",
			OTLPEndpoint:   "",
			OTLPInsecure:   true,
			PrometheusBind: ":9091",
		},
		Bus: BusConfig{
			Embedded:       true,
			Port:           4222,
			StoreDir:       "./data/nats",
			Servers:        []string{"nats://localhost:4222"},
			ConnectTimeout: 2000,
		},
		Node: NodeConfig{
			ID:                "habla-node-1",
			Role:              "practice",
			HeartbeatInterval: 2000,
			HeartbeatTimeout:  6000,
		},
		EventStore: EventStoreConfig{
			Path:          "./data/habla-attempts.db",
			RetentionMode: "session",
			RetentionDays: 30,
			MaxAttempts:   10000,
		},
		Capture: CaptureConfig{
			Enabled:       true,
			Source:        "tone",
			ToneFrequency: 440,
			SampleRate:    48000,
			Channels:      1,
			BitDepth:      16,
			MaxDurationMS: 10000,
		},
		Speech: SpeechConfig{
			Enabled:           true,
			Mode:              "mock",
			PrimaryLanguage:   "es-ES",
			FallbackLanguages: []string{"es-MX", "es-AR", "es-CO", "es-US"},
			MaxAlternatives:   3,
			Locale:            "es",
		},
		Practice: PracticeConfig{
			Enabled:          true,
			SettleDelayMS:    0,
			PollIntervalMS:   100,
			SessionTimeoutMS: 30000,
		},
	}
}

func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				return cfg, fmt.Errorf("config file not found: %w", err)
			}
			return cfg, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	if err := validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// MaxDuration is the advisory recording cap enforced by the practice runner.
func (c CaptureConfig) MaxDuration() time.Duration {
	return time.Duration(c.MaxDurationMS) * time.Millisecond
}

func applyEnvOverrides(cfg *Config) {
	overrideString(&cfg.RuntimeName, "HABLA_RUNTIME_NAME")
	overrideString(&cfg.Environment, "HABLA_RUNTIME_ENVIRONMENT")
	overrideString(&cfg.HTTP.Bind, "HABLA_HTTP_BIND")
	overrideInt(&cfg.HTTP.Port, "HABLA_HTTP_PORT")
	overrideString(&cfg.Telemetry.LogLevel, "HABLA_TELEMETRY_LOG_LEVEL")
	overrideString(&cfg.Telemetry.OTLPEndpoint, "HABLA_TELEMETRY_OTLP_ENDPOINT")
	overrideBool(&cfg.Telemetry.OTLPInsecure, "HABLA_TELEMETRY_OTLP_INSECURE")
	overrideString(&cfg.Telemetry.PrometheusBind, "HABLA_TELEMETRY_PROMETHEUS_BIND")
	overrideBool(&cfg.Bus.Embedded, "HABLA_BUS_EMBEDDED")
	overrideInt(&cfg.Bus.Port, "HABLA_BUS_PORT")
	overrideString(&cfg.Bus.StoreDir, "HABLA_BUS_STORE_DIR")
	overrideStringSlice(&cfg.Bus.Servers, "HABLA_BUS_SERVERS")
	overrideString(&cfg.Bus.Username, "HABLA_BUS_USERNAME")
	overrideString(&cfg.Bus.Password, "HABLA_BUS_PASSWORD")
	overrideString(&cfg.Bus.Token, "HABLA_BUS_TOKEN")
	overrideBool(&cfg.Bus.TLSInsecure, "HABLA_BUS_TLS_INSECURE")
	overrideInt(&cfg.Bus.ConnectTimeout, "HABLA_BUS_CONNECT_TIMEOUT_MS")
	overrideString(&cfg.Node.ID, "HABLA_NODE_ID")
	overrideString(&cfg.Node.Role, "HABLA_NODE_ROLE")
	overrideInt(&cfg.Node.HeartbeatInterval, "HABLA_NODE_HEARTBEAT_INTERVAL_MS")
	overrideInt(&cfg.Node.HeartbeatTimeout, "HABLA_NODE_HEARTBEAT_TIMEOUT_MS")
	overrideString(&cfg.EventStore.Path, "HABLA_EVENT_STORE_PATH")
	overrideString(&cfg.EventStore.RetentionMode, "HABLA_EVENT_STORE_RETENTION_MODE")
	overrideInt(&cfg.EventStore.RetentionDays, "HABLA_EVENT_STORE_RETENTION_DAYS")
	overrideInt(&cfg.EventStore.MaxAttempts, "HABLA_EVENT_STORE_MAX_ATTEMPTS")
	overrideBool(&cfg.EventStore.VacuumOnStart, "HABLA_EVENT_STORE_VACUUM_ON_START")
	overrideBool(&cfg.Capture.Enabled, "HABLA_CAPTURE_ENABLED")
	overrideString(&cfg.Capture.Source, "HABLA_CAPTURE_SOURCE")
	overrideFloat(&cfg.Capture.ToneFrequency, "HABLA_CAPTURE_TONE_FREQUENCY_HZ")
	overrideInt(&cfg.Capture.SampleRate, "HABLA_CAPTURE_SAMPLE_RATE")
	overrideInt(&cfg.Capture.Channels, "HABLA_CAPTURE_CHANNELS")
	overrideInt(&cfg.Capture.BitDepth, "HABLA_CAPTURE_BIT_DEPTH")
	overrideInt(&cfg.Capture.MaxDurationMS, "HABLA_CAPTURE_MAX_DURATION_MS")
	overrideBool(&cfg.Speech.Enabled, "HABLA_SPEECH_ENABLED")
	overrideString(&cfg.Speech.Mode, "HABLA_SPEECH_MODE")
	overrideString(&cfg.Speech.Command, "HABLA_SPEECH_COMMAND")
	overrideString(&cfg.Speech.PrimaryLanguage, "HABLA_SPEECH_PRIMARY_LANGUAGE")
	overrideStringSlice(&cfg.Speech.FallbackLanguages, "HABLA_SPEECH_FALLBACK_LANGUAGES")
	overrideInt(&cfg.Speech.MaxAlternatives, "HABLA_SPEECH_MAX_ALTERNATIVES")
	overrideBool(&cfg.Speech.Continuous, "HABLA_SPEECH_CONTINUOUS")
	overrideBool(&cfg.Speech.InterimResults, "HABLA_SPEECH_INTERIM_RESULTS")
	overrideString(&cfg.Speech.Locale, "HABLA_SPEECH_LOCALE")
	overrideBool(&cfg.Practice.Enabled, "HABLA_PRACTICE_ENABLED")
	overrideInt(&cfg.Practice.SettleDelayMS, "HABLA_PRACTICE_SETTLE_DELAY_MS")
	overrideInt(&cfg.Practice.PollIntervalMS, "HABLA_PRACTICE_POLL_INTERVAL_MS")
	overrideInt(&cfg.Practice.SessionTimeoutMS, "HABLA_PRACTICE_SESSION_TIMEOUT_MS")
}

func overrideString(target *string, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok && strings.TrimSpace(value) != "" {
		*target = value
	}
}

func overrideInt(target *int, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.Atoi(value); err == nil {
			*target = parsed
		}
	}
}

func overrideBool(target *bool, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.ParseBool(value); err == nil {
			*target = parsed
		}
	}
}

func overrideStringSlice(target *[]string, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		parts := strings.Split(value, ",")
		var trimmed []string
		for _, p := range parts {
			if s := strings.TrimSpace(p); s != "" {
				trimmed = append(trimmed, s)
			}
		}
		if len(trimmed) > 0 {
			*target = trimmed
		}
	}
}

func overrideFloat(target *float64, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.ParseFloat(value, 64); err == nil {
			*target = parsed
		}
	}
}

func validate(cfg Config) error {
	if cfg.RuntimeName == "" {
		return errors.New("runtime_name must not be empty")
	}
	if cfg.HTTP.Port <= 0 || cfg.HTTP.Port > 65535 {
		return errors.New("http.port must be between 1 and 65535")
	}
	if cfg.Bus.Embedded {
		if cfg.Bus.Port <= 0 || cfg.Bus.Port > 65535 {
			return errors.New("bus.port must be between 1 and 65535 when embedded mode is enabled")
		}
	} else if len(cfg.Bus.Servers) == 0 {
		return errors.New("bus.servers must not be empty when embedded mode is disabled")
	}
	if cfg.Node.ID == "" {
		return errors.New("node.id must not be empty")
	}
	if cfg.Node.HeartbeatInterval <= 0 {
		return errors.New("node.heartbeat_interval_ms must be positive")
	}
	if cfg.Node.HeartbeatTimeout <= cfg.Node.HeartbeatInterval {
		return errors.New("node.heartbeat_timeout_ms must be greater than heartbeat interval")
	}
	if cfg.EventStore.Path == "" {
		return errors.New("event_store.path must not be empty")
	}
	switch cfg.EventStore.RetentionMode {
	case "ephemeral", "session", "persistent":
	default:
		return errors.New("event_store.retention_mode must be one of ephemeral|session|persistent")
	}
	if cfg.EventStore.RetentionDays < 0 {
		return errors.New("event_store.retention_days must be >= 0")
	}
	if cfg.Telemetry.PrometheusBind == "" {
		return errors.New("telemetry.prometheus_bind must not be empty")
	}
	if cfg.Capture.Enabled {
		if err := validateSource(cfg.Capture.Source); err != nil {
			return err
		}
		if cfg.Capture.SampleRate <= 0 {
			return errors.New("capture.sample_rate must be positive")
		}
		if cfg.Capture.Channels <= 0 {
			return errors.New("capture.channels must be positive")
		}
		if cfg.Capture.BitDepth != 16 {
			return errors.New("capture.bit_depth must be 16")
		}
		if cfg.Capture.MaxDurationMS <= 0 {
			return errors.New("capture.max_duration_ms must be positive")
		}
	}
	if cfg.Speech.Enabled {
		switch cfg.Speech.Mode {
		case "mock", "exec":
		default:
			return errors.New("speech.mode must be one of mock|exec")
		}
		if cfg.Speech.Mode == "exec" && cfg.Speech.Command == "" {
			return errors.New("speech.command must be set when mode=exec")
		}
		if _, err := language.Parse(cfg.Speech.PrimaryLanguage); err != nil {
			return fmt.Errorf("speech.primary_language %q is not a valid language tag: %w", cfg.Speech.PrimaryLanguage, err)
		}
		for _, tag := range cfg.Speech.FallbackLanguages {
			if _, err := language.Parse(tag); err != nil {
				return fmt.Errorf("speech.fallback_languages entry %q is not a valid language tag: %w", tag, err)
			}
		}
		if cfg.Speech.MaxAlternatives < 0 {
			return errors.New("speech.max_alternatives must be >= 0")
		}
	}
	if cfg.Practice.Enabled {
		if cfg.Practice.PollIntervalMS <= 0 {
			return errors.New("practice.poll_interval_ms must be positive")
		}
		if cfg.Practice.SettleDelayMS < 0 {
			return errors.New("practice.settle_delay_ms must be >= 0")
		}
		if cfg.Practice.SessionTimeoutMS <= 0 {
			return errors.New("practice.session_timeout_ms must be positive")
		}
	}
	return nil
}

func validateSource(source string) error {
	switch {
	case source == "tone", source == "stdin", source == "none":
		return nil
	case strings.HasPrefix(source, "file:") && len(source) > len("file:"):
		return nil
	default:
		return fmt.Errorf("capture.source %q must be one of tone|stdin|none|file:<path>", source)
	}
}
