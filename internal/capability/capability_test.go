package capability

import (
	"context"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/loqalabs/habla/internal/bus"
	"github.com/loqalabs/habla/internal/capture"
	"github.com/loqalabs/habla/internal/config"
	"github.com/loqalabs/habla/internal/media"
	"github.com/loqalabs/habla/internal/natsserver"
	"github.com/loqalabs/habla/internal/protocol"
	"github.com/loqalabs/habla/internal/stt"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestDetectRecognitionOnlyRuntime(t *testing.T) {
	rt := capture.Runtime{}
	tr := stt.NewTranscriber(stt.NewMockEngine(), testLogger())

	if capture.IsSupported(rt) {
		t.Fatal("expected recording unsupported")
	}
	if tr == nil {
		t.Fatal("expected a transcriber")
	}

	a := Detect(Env{Runtime: rt, Transcriber: tr})
	if a.Capture || !a.Transcribe {
		t.Fatalf("unexpected availability %+v", a)
	}
	if a.PreferredMode() != protocol.ModeTranscribe {
		t.Fatalf("expected transcribe mode, got %q", a.PreferredMode())
	}
	caps := a.Capabilities()
	if len(caps) != 1 || caps[0].Name != PracticeTranscribe || caps[0].Attributes["language"] != "es-ES" {
		t.Fatalf("unexpected capabilities %+v", caps)
	}
}

func TestDetectPrefersCapture(t *testing.T) {
	rt := capture.Runtime{Devices: media.ToneDevices(440), Recorders: media.NewRecorders(testLogger())}
	a := Detect(Env{
		Runtime:     rt,
		Transcriber: stt.NewTranscriber(stt.NewMockEngine(), testLogger()),
		Capture:     capture.DefaultConfig(),
	})
	if !a.Capture || !a.Transcribe || !a.Any() {
		t.Fatalf("unexpected availability %+v", a)
	}
	if a.PreferredMode() != protocol.ModeCapture {
		t.Fatalf("expected capture mode, got %q", a.PreferredMode())
	}
	caps := a.Capabilities()
	if len(caps) != 2 || caps[0].Attributes["max_duration_ms"] != "10000" {
		t.Fatalf("unexpected capabilities %+v", caps)
	}
}

func TestDetectNothing(t *testing.T) {
	a := Detect(Env{})
	if a.Any() || a.PreferredMode() != "" || a.Supports(protocol.ModeCapture) || len(a.Capabilities()) != 0 {
		t.Fatalf("expected no availability, got %+v", a)
	}
}

func startBus(t *testing.T) *bus.Client {
	t.Helper()
	srv, err := natsserver.Start(config.BusConfig{Embedded: true, Port: -1, StoreDir: t.TempDir()}, testLogger())
	if err != nil {
		t.Fatalf("start nats: %v", err)
	}
	t.Cleanup(srv.Shutdown)
	client, err := bus.Connect(context.Background(), config.BusConfig{
		Servers:        []string{srv.ClientURL()},
		ConnectTimeout: 2000,
	}, testLogger())
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(client.Close)
	return client
}

func TestRegistryDiscoversPeers(t *testing.T) {
	client := startBus(t)
	ctx := context.Background()

	transcribeOnly := Availability{Transcribe: true, SpeechConfig: stt.DefaultSpeechConfig()}
	local, err := NewRegistry(ctx, config.NodeConfig{ID: "node-a", Role: "practice", HeartbeatInterval: 50, HeartbeatTimeout: 1000}, transcribeOnly, nil, client, testLogger())
	if err != nil {
		t.Fatalf("registry a: %v", err)
	}
	defer local.Close()

	var peerBusy atomic.Bool
	captureOnly := Availability{Capture: true, CaptureCfg: capture.DefaultConfig()}
	peer, err := NewRegistry(ctx, config.NodeConfig{ID: "node-b", Role: "practice", HeartbeatInterval: 50, HeartbeatTimeout: 1000}, captureOnly, peerBusy.Load, client, testLogger())
	if err != nil {
		t.Fatalf("registry b: %v", err)
	}
	defer peer.Close()

	deadline := time.Now().Add(3 * time.Second)
	for {
		found := local.PracticeNodes(protocol.ModeCapture)
		if len(found) == 1 && found[0].ID == "node-b" && found[0].Healthy {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("peer capture capability never discovered: %+v", local.Query(nil))
		}
		time.Sleep(20 * time.Millisecond)
	}

	if !local.Healthy() {
		t.Fatal("expected local node healthy")
	}
	caps := local.LocalCapabilities()
	if len(caps) != 1 || caps[0].Name != PracticeTranscribe {
		t.Fatalf("unexpected local capabilities %+v", caps)
	}
	nodes := local.PracticeNodes("")
	if len(nodes) != 2 || nodes[0].ID != "node-a" || nodes[1].ID != "node-b" {
		t.Fatalf("expected both practice nodes in id order, got %+v", nodes)
	}

	peerBusy.Store(true)
	deadline = time.Now().Add(3 * time.Second)
	for len(local.PracticeNodes(protocol.ModeCapture)) != 0 {
		if time.Now().After(deadline) {
			t.Fatal("busy peer still offered for capture")
		}
		time.Sleep(20 * time.Millisecond)
	}
	if n := len(local.PracticeNodes(protocol.ModeTranscribe)); n != 1 {
		t.Fatalf("expected the local node for transcription, got %d", n)
	}
}
