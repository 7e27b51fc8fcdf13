package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/MWANGAZA-LAB/BitPesa-sub000/pkg/api"
	"github.com/MWANGAZA-LAB/BitPesa-sub000/pkg/config"
	"github.com/MWANGAZA-LAB/BitPesa-sub000/pkg/ingest"
	"github.com/MWANGAZA-LAB/BitPesa-sub000/pkg/observability"
	"github.com/MWANGAZA-LAB/BitPesa-sub000/pkg/orchestrator"
	"github.com/MWANGAZA-LAB/BitPesa-sub000/pkg/pricing"
	"github.com/MWANGAZA-LAB/BitPesa-sub000/pkg/provider"
	"github.com/MWANGAZA-LAB/BitPesa-sub000/pkg/ratelimit"
	"github.com/MWANGAZA-LAB/BitPesa-sub000/pkg/resiliency"
	"github.com/MWANGAZA-LAB/BitPesa-sub000/pkg/store"
)

// dualStore is the backend-agnostic view of whichever store was selected.
type dualStore interface {
	store.TransactionStore
	store.WebhookEventStore
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToUpper(level) {
	case "DEBUG":
		lvl = slog.LevelDebug
	case "WARN":
		lvl = slog.LevelWarn
	case "ERROR":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
}

func openStore(cfg *config.Config) (dualStore, error) {
	if cfg.DatabaseURL != "" {
		db, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("open postgres: %w", err)
		}
		return store.NewPostgresStore(db)
	}
	return store.OpenSQLite(cfg.SQLitePath)
}

// buildOrchestrator wires stores, providers, and resilience primitives from
// config. Shared state (Redis) is selected whenever an address is configured;
// otherwise in-memory stores serve a single instance.
func buildOrchestrator(cfg *config.Config, limits *config.LimitsProfile, logger *slog.Logger, obs *observability.Provider) (*orchestrator.Orchestrator, dualStore, *ratelimit.Limiter, error) {
	txStore, err := openStore(cfg)
	if err != nil {
		return nil, nil, nil, err
	}

	var circuitStore resiliency.CircuitStateStore
	var windowStore ratelimit.WindowStore
	if cfg.RedisAddr != "" {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		circuitStore = resiliency.NewRedisCircuitStore(client)
		windowStore = ratelimit.NewRedisWindowStore(client)
	} else {
		circuitStore = resiliency.NewMemoryCircuitStore()
		windowStore = ratelimit.NewMemoryWindowStore()
	}

	breaker := resiliency.NewBreaker(circuitStore,
		limits.Breaker.Threshold, time.Duration(limits.Breaker.RecoveryTimeout), logger)
	classes, fallback := limits.RatePolicies()
	limiter := ratelimit.NewLimiter(windowStore, classes, fallback)

	swap := provider.NewHTTPSwapProvider(cfg.SwapProviderURL, cfg.SwapAPIKey, cfg.ProviderTimeout)
	payout := provider.NewHTTPPayoutProvider(cfg.PayoutProviderURL, cfg.PayoutAPIKey, cfg.ProviderTimeout)
	var notifier provider.Notifier = &provider.LogNotifier{Logger: logger}
	if cfg.NotifierURL != "" {
		notifier = provider.NewHTTPNotifier(cfg.NotifierURL, "", cfg.ProviderTimeout)
	}

	orch := orchestrator.New(txStore, swap, payout, notifier,
		pricing.DefaultKESQuoter(), breaker, logger, obs, orchestrator.Options{
			Retry:   limits.RetryPolicy(),
			SwapTTL: cfg.SwapTTL,
		})
	return orch, txStore, limiter, nil
}

func runServer(stderr io.Writer) int {
	cfg := config.Load()
	logger := newLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	limits, err := config.LoadLimits(cfg.LimitsProfilePath)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "limits profile: %v\n", err)
		return 1
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	obs, err := observability.New(ctx, &observability.Config{
		ServiceName:    "bitpesad",
		ServiceVersion: "1.0.0",
		Environment:    envName(),
		OTLPEndpoint:   cfg.OTLPEndpoint,
		Enabled:        cfg.TelemetryEnabled,
		Insecure:       true,
	}, logger)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "observability: %v\n", err)
		return 1
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = obs.Shutdown(shutdownCtx)
	}()

	orch, txStore, limiter, err := buildOrchestrator(cfg, limits, logger, obs)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "startup: %v\n", err)
		return 1
	}

	ingestor := ingest.New(txStore, logger)
	api.RegisterIngestHandlers(ingestor, orch, logger)

	server := api.NewServer(orch, txStore, ingestor, limiter, logger, obs,
		cfg.JWTSecret, cfg.SwapWebhookSecret)
	handler := server.Routes(api.NewIPRateLimiter(20, 40))

	httpServer := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	// Background sweeps: expiry and payout reconciliation.
	go runTicker(ctx, cfg.SweepInterval, func(ctx context.Context) {
		if _, err := orch.ExpireStale(ctx); err != nil {
			logger.Error("expiry sweep error", "error", err)
		}
	})
	go runTicker(ctx, cfg.ReconcileInterval, func(ctx context.Context) {
		if _, err := orch.ReconcilePayouts(ctx, cfg.ReconcileAge); err != nil {
			logger.Error("reconciliation error", "error", err)
		}
	})

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server listening", "port", cfg.Port)
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("shutdown error", "error", err)
			return 1
		}
		return 0
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server error", "error", err)
			return 1
		}
		return 0
	}
}

// runSweep performs one expiry pass and exits. Operational escape hatch when
// the server is down but deadlines keep passing.
func runSweep(stdout, stderr io.Writer) int {
	cfg := config.Load()
	logger := newLogger(cfg.LogLevel)

	limits, err := config.LoadLimits(cfg.LimitsProfilePath)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "limits profile: %v\n", err)
		return 1
	}

	obs, _ := observability.New(context.Background(), nil, logger)
	orch, _, _, err := buildOrchestrator(cfg, limits, logger, obs)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "startup: %v\n", err)
		return 1
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	expired, err := orch.ExpireStale(ctx)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "sweep: %v\n", err)
		return 1
	}
	_, _ = fmt.Fprintf(stdout, "expired %d transactions\n", expired)
	return 0
}

func runTicker(ctx context.Context, interval time.Duration, fn func(context.Context)) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			fn(ctx)
		}
	}
}

func envName() string {
	if v := os.Getenv("ENVIRONMENT"); v != "" {
		return v
	}
	return "development"
}
