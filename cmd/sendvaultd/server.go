package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/sendvault/sendvault/pkg/abuse"
	"github.com/sendvault/sendvault/pkg/api"
	"github.com/sendvault/sendvault/pkg/apperr"
	"github.com/sendvault/sendvault/pkg/audit"
	"github.com/sendvault/sendvault/pkg/config"
	"github.com/sendvault/sendvault/pkg/delivery"
	"github.com/sendvault/sendvault/pkg/indexer"
	"github.com/sendvault/sendvault/pkg/launchgate"
	"github.com/sendvault/sendvault/pkg/locker"
	"github.com/sendvault/sendvault/pkg/obs"
	"github.com/sendvault/sendvault/pkg/send"
	"github.com/sendvault/sendvault/pkg/store"
)

const workerID = "sendvaultd"

func runServer(parent context.Context, stderr io.Writer) int {
	log.Println("[sendvault] node starting")
	cfg := config.Load()
	setupLogging(cfg)
	logger := slog.Default().With("component", "boot")

	if path := os.Getenv("PROFILE_PATH"); path != "" {
		if err := cfg.ApplyProfile(path); err != nil {
			logger.Error("profile overlay failed", "path", path, "err", err)
			return 1
		}
		logger.Info("profile overlay applied", "path", path)
	}

	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, err := store.Open(ctx, cfg)
	if err != nil {
		logger.Error("store open failed", "err", err)
		return 1
	}
	defer func() { _ = st.Close() }()
	logger.Info("store ready", "mode", st.Mode())

	backend, err := locker.New(ctx, cfg)
	if err != nil {
		logger.Error("lock backend init failed", "err", err)
		return 1
	}
	defer func() { _ = backend.Close() }()

	metrics := obs.NewMetrics()
	tracing := obs.NewTracing(cfg)
	defer func() { _ = tracing.Shutdown(context.Background()) }()
	ledger := audit.NewLedger(st, metrics)
	engine := abuse.NewEngine(st, cfg.Abuse, metrics, ledger)
	orch := send.NewOrchestrator(st, backend.Limiter, engine, metrics, ledger, tracing, cfg)

	// The only built-in sink logs deliveries; real providers plug in
	// behind delivery.Sink and report here for the readiness check.
	sink, providers := buildSink(cfg)

	gate := launchgate.New(cfg, st, backend, providers)
	if cfg.LaunchGateEnabled {
		report := gate.Evaluate(ctx)
		if !report.LaunchReady {
			blocking := report.Blocking(cfg.BlockOnWarn)
			err := apperr.LaunchNotReady(blocking)
			_, _ = fmt.Fprintf(stderr, "launch gate: %v\n  - %s\n", err, strings.Join(blocking, "\n  - "))
			return 1
		}
		logger.Info("launch gate passed", "checks", len(report.Checks))
	}

	// Background loops are joined after shutdown so an in-flight tick
	// finishes before the process exits.
	var loops sync.WaitGroup
	worker := delivery.NewWorker(st, backend.Mutex, sink, metrics, cfg, workerID)
	loops.Add(1)
	go func() {
		defer loops.Done()
		worker.Run(ctx)
	}()

	var lag obs.LagSource
	if cfg.IndexerEnabled {
		ix := indexer.New(st, newChainClient(cfg), backend.Mutex, metrics, cfg)
		lag = ix.Lag
		loops.Add(1)
		go func() {
			defer loops.Done()
			ix.Run(ctx)
		}()
	}

	health := obs.NewHealth(st, lag, cfg)
	go health.RunAlertLoop(ctx, cfg.AlertCadence)
	if cfg.TracingEnabled && cfg.SpanExportURL != "" {
		go tracing.RunExporter(ctx, cfg.AlertCadence)
	}

	server := api.NewServer(st, orch, backend.Limiter, metrics, tracing, health,
		func(ctx context.Context) *launchgate.Report { return gate.Evaluate(ctx) }, cfg)
	httpSrv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           server.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		log.Printf("[sendvault] ready: http://localhost:%s", cfg.Port)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server failed", "err", err)
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown incomplete", "err", err)
	}
	loops.Wait()
	return 0
}

func setupLogging(cfg *config.Config) {
	level := slog.LevelInfo
	if cfg.Env == "development" {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level})))
}

// buildSink returns the delivery sink and its readiness view. Until a
// provider adapter is configured the node logs deliveries instead of
// sending them, which strict mode refuses at the gate.
func buildSink(cfg *config.Config) (delivery.Sink, []launchgate.ProviderStatus) {
	logger := slog.Default().With("component", "sink")
	sink := delivery.SinkFunc(func(_ context.Context, channel, destination string, payload []byte) error {
		logger.Info("delivery", "channel", channel, "destination", destination, "bytes", len(payload))
		return nil
	})
	return sink, []launchgate.ProviderStatus{{Name: "log", Authenticated: !cfg.StrictMode}}
}
