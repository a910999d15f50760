package runtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/loqalabs/habla/internal/bus"
	"github.com/loqalabs/habla/internal/capability"
	"github.com/loqalabs/habla/internal/config"
	"github.com/loqalabs/habla/internal/eventstore"
	"github.com/loqalabs/habla/internal/natsserver"
	"github.com/loqalabs/habla/internal/practice"
	"github.com/loqalabs/habla/internal/protocol"
)

type Runtime struct {
	cfg           config.Config
	logger        *slog.Logger
	httpServer    *http.Server
	metricsServer *http.Server
	tracerClose   func(context.Context) error
	ready         atomic.Bool
	wg            sync.WaitGroup

	nats     *natsserver.EmbeddedServer
	bus      *bus.Client
	store    *eventstore.Store
	registry *capability.Registry
	service  *practice.Service
}

func New(cfg config.Config, logger *slog.Logger) *Runtime {
	return &Runtime{
		cfg:    cfg,
		logger: logger,
	}
}

func (r *Runtime) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	shutdownTelemetry, metricsHandler, err := setupTelemetry(r.cfg, r.logger)
	if err != nil {
		return fmt.Errorf("failed to setup telemetry: %w", err)
	}
	r.tracerClose = shutdownTelemetry
	defer r.shutdown()

	if err := r.startBackbone(ctx); err != nil {
		return err
	}

	components, err := BuildComponents(r.cfg, r.logger)
	if err != nil {
		return fmt.Errorf("build practice components: %w", err)
	}
	if !components.Availability.Any() {
		r.logger.Warn("no practice mode is available on this node")
	}

	runner := practice.NewRunner(practice.Options{
		Availability: components.Availability,
		Runtime:      components.CaptureRuntime,
		Transcriber:  components.Transcriber,
		Store:        r.store,
		Locale:       r.cfg.Speech.Locale,
		PollInterval: time.Duration(r.cfg.Practice.PollIntervalMS) * time.Millisecond,
		SettleDelay:  time.Duration(r.cfg.Practice.SettleDelayMS) * time.Millisecond,
	}, r.logger)

	r.registry, err = capability.NewRegistry(ctx, r.cfg.Node, components.Availability, runner.Busy, r.bus, r.logger)
	if err != nil {
		return fmt.Errorf("start capability registry: %w", err)
	}

	r.service = practice.NewService(ctx, r.cfg.Practice, r.bus, runner)
	if err := r.service.Start(); err != nil {
		return fmt.Errorf("start practice service: %w", err)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", r.handleHealth)
	mux.HandleFunc("/readyz", r.handleReady)
	mux.HandleFunc("/attempts", r.handleAttempts)
	mux.HandleFunc("/nodes", r.handleNodes)
	if metricsHandler != nil && r.cfg.Telemetry.PrometheusBind == "" {
		mux.Handle("/metrics", metricsHandler)
	}

	addr := fmt.Sprintf("%s:%d", r.cfg.HTTP.Bind, r.cfg.HTTP.Port)
	r.httpServer = &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := r.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			r.logger.Error("http server failed", slog.String("error", err.Error()))
		}
	}()

	if metricsHandler != nil && r.cfg.Telemetry.PrometheusBind != "" {
		metricsMux := http.NewServeMux()
		metricsMux.Handle("/metrics", metricsHandler)
		r.metricsServer = &http.Server{
			Addr:              r.cfg.Telemetry.PrometheusBind,
			Handler:           metricsMux,
			ReadHeaderTimeout: 5 * time.Second,
		}
		r.wg.Add(1)
		go func() {
			defer r.wg.Done()
			if err := r.metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				r.logger.Error("metrics server failed", slog.String("error", err.Error()))
			}
		}()
	}

	r.ready.Store(true)
	r.logger.Info("runtime started", slog.String("addr", addr))

	<-ctx.Done()
	r.logger.Info("runtime stopping")
	r.ready.Store(false)
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()
	if err := r.httpServer.Shutdown(shutdownCtx); err != nil {
		r.logger.Error("http shutdown error", slog.String("error", err.Error()))
	}
	if r.metricsServer != nil {
		if err := r.metricsServer.Shutdown(shutdownCtx); err != nil {
			r.logger.Error("metrics shutdown error", slog.String("error", err.Error()))
		}
	}
	r.wg.Wait()
	return nil
}

func (r *Runtime) startBackbone(ctx context.Context) error {
	var err error
	r.nats, err = natsserver.Start(r.cfg.Bus, r.logger)
	if err != nil {
		return err
	}

	busCfg := r.cfg.Bus
	if r.nats != nil {
		busCfg.Servers = []string{r.nats.ClientURL()}
	}
	r.bus, err = bus.Connect(ctx, busCfg, r.logger)
	if err != nil {
		return err
	}

	r.store, err = eventstore.Open(ctx, r.cfg.EventStore, r.logger)
	if err != nil {
		return fmt.Errorf("open event store: %w", err)
	}
	return r.store.Ensure()
}

// shutdown releases components in reverse start order.
func (r *Runtime) shutdown() {
	if r.service != nil {
		r.service.Close()
	}
	if r.registry != nil {
		r.registry.Close()
	}
	var errs []error
	if r.store != nil {
		errs = append(errs, r.store.Close())
	}
	r.bus.Close()
	r.nats.Shutdown()

	if r.tracerClose != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		errs = append(errs, r.tracerClose(ctx))
	}
	if err := errors.Join(errs...); err != nil {
		r.logger.Error("shutdown error", slog.String("error", err.Error()))
	}
}

func (r *Runtime) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (r *Runtime) handleReady(w http.ResponseWriter, _ *http.Request) {
	if r.ready.Load() && r.bus.Healthy() && r.registry.Healthy() && r.service.Healthy() {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
		return
	}
	w.WriteHeader(http.StatusServiceUnavailable)
	_, _ = w.Write([]byte("not ready"))
}

func (r *Runtime) handleAttempts(w http.ResponseWriter, req *http.Request) {
	limit := 50
	if v := req.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			http.Error(w, "invalid limit", http.StatusBadRequest)
			return
		}
		limit = n
	}
	attempts, err := r.store.Recent(req.Context(), limit)
	if err != nil {
		r.logger.Warn("failed to list attempts", slog.String("error", err.Error()))
		http.Error(w, "failed to list attempts", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(attempts); err != nil {
		r.logger.Warn("failed to encode attempts", slog.String("error", err.Error()))
	}
}

// handleNodes lists healthy practice nodes with a free microphone,
// optionally narrowed to one mode.
func (r *Runtime) handleNodes(w http.ResponseWriter, req *http.Request) {
	mode := req.URL.Query().Get("mode")
	switch mode {
	case "", protocol.ModeCapture, protocol.ModeTranscribe:
	default:
		http.Error(w, "invalid mode", http.StatusBadRequest)
		return
	}
	nodes := r.registry.PracticeNodes(mode)
	if nodes == nil {
		nodes = []capability.NodeInfo{}
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(nodes); err != nil {
		r.logger.Warn("failed to encode nodes", slog.String("error", err.Error()))
	}
}
