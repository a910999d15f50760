package main

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/loqalabs/habla/internal/config"
	"github.com/loqalabs/habla/internal/practice"
	"github.com/loqalabs/habla/internal/protocol"
	"github.com/loqalabs/habla/internal/runtime"
)

var version = "0.1.0-dev"

func main() {
	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, "expected 'probe', 'record', 'transcribe' or 'version'")
		os.Exit(2)
	}

	var err error
	switch os.Args[1] {
	case "probe":
		err = runProbe(os.Args[2:])
	case "record":
		err = runAttempt(protocol.ModeCapture, os.Args[2:])
	case "transcribe":
		err = runAttempt(protocol.ModeTranscribe, os.Args[2:])
	case "version":
		fmt.Println(version)
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n", os.Args[1])
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

type commonFlags struct {
	configPath string
	source     string
	verbose    bool
}

func (c *commonFlags) register(fs *flag.FlagSet) {
	fs.StringVar(&c.configPath, "config", "habla.yaml", "Path to configuration file")
	fs.StringVar(&c.source, "source", "", "Override capture source (tone, stdin, none or file:<path>)")
	fs.BoolVar(&c.verbose, "v", false, "Log to stderr")
}

func (c *commonFlags) load() (config.Config, *slog.Logger, error) {
	var out io.Writer = io.Discard
	if c.verbose {
		out = os.Stderr
	}
	logger := slog.New(slog.NewTextHandler(out, &slog.HandlerOptions{Level: slog.LevelDebug}))

	cfg, err := config.Load(c.configPath)
	if err != nil {
		return cfg, nil, err
	}
	if c.source != "" {
		cfg.Capture.Source = c.source
		cfg.Capture.Enabled = c.source != "none"
	}
	return cfg, logger, nil
}

func runProbe(args []string) error {
	var common commonFlags
	fs := flag.NewFlagSet("probe", flag.ExitOnError)
	common.register(fs)
	fs.Parse(args)

	cfg, logger, err := common.load()
	if err != nil {
		return err
	}
	components, err := runtime.BuildComponents(cfg, logger)
	if err != nil {
		return err
	}
	avail := components.Availability
	report := struct {
		Capture       bool   `json:"capture"`
		Transcribe    bool   `json:"transcribe"`
		PreferredMode string `json:"preferred_mode,omitempty"`
		Capabilities  any    `json:"capabilities"`
	}{
		Capture:       avail.Capture,
		Transcribe:    avail.Transcribe,
		PreferredMode: avail.PreferredMode(),
		Capabilities:  avail.Capabilities(),
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(report)
}

func runAttempt(mode string, args []string) error {
	var (
		common  commonFlags
		outPath string
		phrase  string
		locale  string
		maxDur  time.Duration
	)
	fs := flag.NewFlagSet(mode, flag.ExitOnError)
	common.register(fs)
	fs.StringVar(&outPath, "out", "", "Write captured audio to this file instead of printing JSON")
	fs.StringVar(&phrase, "phrase", "", "Phrase being practiced")
	fs.StringVar(&locale, "locale", "", "Locale for user-facing messages")
	fs.DurationVar(&maxDur, "max", 0, "Maximum attempt length (defaults to capture.max_duration_ms)")
	fs.Parse(args)

	cfg, logger, err := common.load()
	if err != nil {
		return err
	}
	components, err := runtime.BuildComponents(cfg, logger)
	if err != nil {
		return err
	}
	runner := practice.NewRunner(practice.Options{
		Availability: components.Availability,
		Runtime:      components.CaptureRuntime,
		Transcriber:  components.Transcriber,
		Locale:       cfg.Speech.Locale,
		PollInterval: time.Duration(cfg.Practice.PollIntervalMS) * time.Millisecond,
		SettleDelay:  time.Duration(cfg.Practice.SettleDelayMS) * time.Millisecond,
	}, logger)

	// The first interrupt ends the attempt cleanly; a second one aborts.
	stop := make(chan struct{})
	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(signals)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-signals:
			close(stop)
		case <-ctx.Done():
			return
		}
		select {
		case <-signals:
			cancel()
		case <-ctx.Done():
		}
	}()

	fmt.Fprintln(os.Stderr, "press Ctrl-C to stop")
	out, err := runner.Run(ctx, practice.Request{
		Phrase:      phrase,
		Mode:        mode,
		MaxDuration: maxDur,
		Locale:      locale,
		Stop:        stop,
	}, func(u protocol.StatusUpdate) {
		if u.Message != "" {
			fmt.Fprintln(os.Stderr, u.Message)
		}
	})
	if err != nil {
		if out.Message != "" {
			return errors.New(out.Message)
		}
		return err
	}

	if outPath != "" && out.Audio != nil {
		raw, err := base64.StdEncoding.DecodeString(out.Audio.AudioData)
		if err != nil {
			return fmt.Errorf("decode audio: %w", err)
		}
		if err := os.WriteFile(outPath, raw, 0o644); err != nil {
			return fmt.Errorf("write audio: %w", err)
		}
		fmt.Fprintf(os.Stderr, "wrote %d bytes (%.2fs) to %s\n", len(raw), out.Audio.Duration, outPath)
		return nil
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if out.Transcript != nil {
		return enc.Encode(out.Transcript)
	}
	return enc.Encode(out.Audio)
}
