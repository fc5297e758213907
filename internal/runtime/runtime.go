// Package runtime assembles the daemon: telemetry, the message bus, the run
// journal, the working-tree library, and the record/merge services, plus the
// operational HTTP endpoints.
package runtime

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nthree/aozorastation/internal/bus"
	"github.com/nthree/aozorastation/internal/config"
	"github.com/nthree/aozorastation/internal/journal"
	"github.com/nthree/aozorastation/internal/library"
	"github.com/nthree/aozorastation/internal/locale"
	"github.com/nthree/aozorastation/internal/merge"
	"github.com/nthree/aozorastation/internal/merger"
	"github.com/nthree/aozorastation/internal/natsserver"
	"github.com/nthree/aozorastation/internal/recorder"
	"github.com/nthree/aozorastation/internal/synthesis"
)

type Runtime struct {
	cfg         config.Config
	logger      *slog.Logger
	httpServer  *http.Server
	tracerClose func(context.Context) error

	embedded *natsserver.EmbeddedServer
	bus      *bus.Client
	journal  *journal.Journal
	recorder *recorder.Service
	merger   *merger.Service

	ready atomic.Bool
	wg    sync.WaitGroup
}

func New(cfg config.Config, logger *slog.Logger) *Runtime {
	return &Runtime{
		cfg:    cfg,
		logger: logger,
	}
}

// Start brings the daemon up and blocks until ctx is cancelled, then shuts
// everything down in reverse order.
func (r *Runtime) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	shutdownTelemetry, metricsHandler, err := setupTelemetry(r.cfg, r.logger)
	if err != nil {
		return fmt.Errorf("failed to setup telemetry: %w", err)
	}
	r.tracerClose = shutdownTelemetry

	embedded, err := natsserver.Start(r.cfg.Bus, r.logger)
	if err != nil {
		return fmt.Errorf("failed to start embedded NATS server: %w", err)
	}
	r.embedded = embedded

	busClient, err := bus.Connect(r.cfg.Bus, r.logger)
	if err != nil {
		r.embedded.Shutdown()
		return fmt.Errorf("failed to connect to NATS: %w", err)
	}
	r.bus = busClient

	jrnl, err := journal.Open(ctx, r.cfg.Journal, r.logger)
	if err != nil {
		r.teardown()
		return fmt.Errorf("failed to open journal: %w", err)
	}
	r.journal = jrnl

	lib := library.New(r.cfg.Library.Root, r.cfg.Library.AudioExt, r.logger)
	if err := lib.EnsureLayout(); err != nil {
		r.teardown()
		return fmt.Errorf("failed to prepare library layout: %w", err)
	}

	language, err := locale.Load(r.cfg.Locale.Path, r.cfg.Locale.Default)
	if err != nil {
		r.teardown()
		return fmt.Errorf("failed to load language preference: %w", err)
	}

	synthClient := synthesis.NewClient(r.cfg.Synthesis, r.logger)
	notifier := bus.NewNotifier(busClient, r.logger)

	runner, err := merge.NewRunner(r.cfg.Merger, r.logger)
	if err != nil {
		r.teardown()
		return fmt.Errorf("failed to prepare merge tool: %w", err)
	}
	engine := merge.NewEngine(runner, merge.EngineOptions{
		OutputDir:      lib.OutputDir(),
		AudioExt:       r.cfg.Library.AudioExt,
		ChunkThreshold: r.cfg.Merger.ChunkThreshold,
		ChunkSize:      r.cfg.Merger.ChunkSize,
		Transcode:      r.cfg.Merger.Transcode,
	}, r.logger)

	r.recorder = recorder.NewService(ctx, recorder.Options{
		Recorder:  r.cfg.Recorder,
		Synthesis: r.cfg.Synthesis,
		Encoding:  r.cfg.Library.SourceEncoding,
		Language:  language,
	}, busClient, lib, synthClient, jrnl, notifier, r.logger)
	if err := r.recorder.Start(); err != nil {
		r.teardown()
		return fmt.Errorf("failed to start recorder service: %w", err)
	}

	r.merger = merger.NewService(ctx, r.cfg.Merger, language, busClient, lib, engine, jrnl, notifier, r.logger)
	if err := r.merger.Start(); err != nil {
		r.teardown()
		return fmt.Errorf("failed to start merger service: %w", err)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", r.handleHealth)
	mux.HandleFunc("/readyz", r.handleReady)
	if metricsHandler != nil {
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

	r.ready.Store(true)
	r.logger.Info("runtime started",
		slog.String("addr", addr),
		slog.String("library_root", r.cfg.Library.Root),
		slog.String("language", language))

	<-ctx.Done()
	r.logger.Info("runtime stopping")
	r.ready.Store(false)

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()
	if err := r.httpServer.Shutdown(shutdownCtx); err != nil {
		r.logger.Error("http shutdown error", slog.String("error", err.Error()))
	}
	r.wg.Wait()

	r.teardown()

	if r.tracerClose != nil {
		if err := r.tracerClose(shutdownCtx); err != nil {
			r.logger.Error("telemetry shutdown error", slog.String("error", err.Error()))
		}
	}

	return nil
}

// teardown stops services and infrastructure in reverse start order. Every
// component tolerates being stopped when nil or already stopped.
func (r *Runtime) teardown() {
	if r.merger != nil {
		r.merger.Close()
		r.merger = nil
	}
	if r.recorder != nil {
		r.recorder.Close()
		r.recorder = nil
	}
	if r.journal != nil {
		if err := r.journal.Close(); err != nil {
			r.logger.Error("journal close error", slog.String("error", err.Error()))
		}
		r.journal = nil
	}
	if r.bus != nil {
		r.bus.Close()
		r.bus = nil
	}
	if r.embedded != nil {
		r.embedded.Shutdown()
		r.embedded = nil
	}
}

func (r *Runtime) handleHealth(w http.ResponseWriter, _ *http.Request) {
	if r.bus.Healthy() && r.recorder.Healthy() && r.merger.Healthy() {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
		return
	}
	w.WriteHeader(http.StatusServiceUnavailable)
	_, _ = w.Write([]byte("unhealthy"))
}

func (r *Runtime) handleReady(w http.ResponseWriter, _ *http.Request) {
	if r.ready.Load() {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
		return
	}
	w.WriteHeader(http.StatusServiceUnavailable)
	_, _ = w.Write([]byte("not ready"))
}
