package app

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/pearmediallc/campaignlaunchermulti-sub007/internal/api"
	"github.com/pearmediallc/campaignlaunchermulti-sub007/internal/config"
	"github.com/pearmediallc/campaignlaunchermulti-sub007/internal/credential"
	"github.com/pearmediallc/campaignlaunchermulti-sub007/internal/db"
	"github.com/pearmediallc/campaignlaunchermulti-sub007/internal/dispatch"
	"github.com/pearmediallc/campaignlaunchermulti-sub007/internal/launch"
	"github.com/pearmediallc/campaignlaunchermulti-sub007/internal/metrics"
	"github.com/pearmediallc/campaignlaunchermulti-sub007/internal/platform"
	"github.com/pearmediallc/campaignlaunchermulti-sub007/internal/queue"
	"github.com/pearmediallc/campaignlaunchermulti-sub007/internal/quota"
	"github.com/pearmediallc/campaignlaunchermulti-sub007/internal/repository"
	"github.com/pearmediallc/campaignlaunchermulti-sub007/internal/verify"
)

// App is the main application
type App struct {
	config       *config.Config
	database     *db.DB
	quotaDB      *bolt.DB
	tracker      *quota.Tracker
	pool         *credential.Pool
	dispatcher   *dispatch.Dispatcher
	orchestrator *launch.Orchestrator
	processor    *queue.Processor
	cleaner      *queue.Cleaner
	collector    *metrics.Collector
	apiServer    *api.Server
	logger       *slog.Logger
}

// New creates a new application
func New(cfg *config.Config) (*App, error) {
	logger := setupLogger(cfg.Logging)

	database, err := db.New(cfg.Storage.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := database.Migrate(); err != nil {
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(cfg.Storage.QuotaPath), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create quota directory: %w", err)
	}
	quotaDB, err := bolt.Open(cfg.Storage.QuotaPath, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open quota database: %w", err)
	}

	tracker, err := quota.NewTracker(quotaDB, quota.Config{
		CallsLimit:    cfg.Quota.CallsLimit,
		WindowLength:  cfg.Quota.WindowLength,
		FlushInterval: cfg.Quota.FlushInterval,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create quota tracker: %w", err)
	}

	cipher, err := credential.NewCipher(cfg.Credentials.EncryptionKey)
	if err != nil {
		return nil, fmt.Errorf("failed to create credential cipher: %w", err)
	}

	credentials := repository.NewCredentialRepository(database.DB)
	requests := repository.NewRequestRepository(database.DB)
	requests.SetDefaultMaxAttempts(cfg.Queue.MaxAttempts)
	jobs := repository.NewJobRepository(database.DB)
	slots := repository.NewSlotRepository(database.DB)
	verifications := repository.NewVerificationRepository(database.DB)
	failures := repository.NewFailureRepository(database.DB)

	pool := credential.NewPool(credentials, cipher, logger)
	caller := platform.NewClient(
		cfg.Platform.BaseURL+"/"+cfg.Platform.APIVersion,
		cfg.Platform.Timeout,
	)
	m := metrics.New()

	dispatcher := dispatch.New(pool, tracker, requests, caller, m, logger)
	verifier := verify.NewVerifier(caller, pool, verifications, logger)

	orchestrator := launch.New(jobs, slots, failures, requests, verifier, dispatcher, m,
		launch.Config{
			FanOut:       cfg.Launch.FanOut,
			SlotRetryCap: cfg.Launch.SlotRetryCap,
			RetryBudget:  cfg.Launch.RetryBudget,
		}, logger)

	processor := queue.NewProcessor(requests, dispatcher, queue.ProcessorConfig{
		Interval:  cfg.Queue.ProcessInterval,
		BatchSize: cfg.Queue.BatchSize,
	}, logger)
	processor.SetResultHandler(orchestrator)

	var cleaner *queue.Cleaner
	if cfg.Storage.Retention.MaxAge > 0 {
		cleaner = queue.NewCleaner(requests, queue.CleanerConfig{
			MaxAge:   cfg.Storage.Retention.MaxAge,
			Interval: cfg.Storage.Retention.CleanupInterval,
		}, logger)
	}

	var collector *metrics.Collector
	if cfg.Metrics.Enabled {
		collector = metrics.NewCollector(m, requests, pool, cfg.Metrics.FlushInterval,
			logger.With("component", "metrics"))
	}

	apiServer := api.NewServer(orchestrator, requests, failures, pool, m,
		&cfg.API, &cfg.Metrics, logger.With("component", "api"))

	return &App{
		config:       cfg,
		database:     database,
		quotaDB:      quotaDB,
		tracker:      tracker,
		pool:         pool,
		dispatcher:   dispatcher,
		orchestrator: orchestrator,
		processor:    processor,
		cleaner:      cleaner,
		collector:    collector,
		apiServer:    apiServer,
		logger:       logger,
	}, nil
}

// Run starts all components and blocks until a shutdown signal or a fatal
// server error.
func (a *App) Run(ctx context.Context) error {
	a.logger.Info("starting launcher",
		"hostname", a.config.Server.Hostname,
		"api_addr", a.config.API.ListenAddr,
		"storage", a.config.Storage.Path,
	)

	// Create context that listens for signals
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	a.processor.Start(ctx)
	if a.cleaner != nil {
		a.cleaner.Start(ctx)
	}
	if a.collector != nil {
		a.collector.Start(ctx)
	}

	errCh := make(chan error, 1)
	go func() {
		if err := a.apiServer.ListenAndServe(); err != nil {
			errCh <- fmt.Errorf("api server: %w", err)
		}
	}()

	// Wait for shutdown signal or error
	select {
	case <-ctx.Done():
		a.logger.Info("shutdown signal received")
	case err := <-errCh:
		a.logger.Error("server error", "error", err)
		cancel()
	}

	return a.Shutdown(context.Background())
}

// Shutdown gracefully shuts down all components
func (a *App) Shutdown(ctx context.Context) error {
	a.logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	// Stop intake first, then let in-flight work wind down.
	if err := a.apiServer.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("api server shutdown error", "error", err)
	}

	a.processor.Stop()
	a.orchestrator.Stop()
	if a.cleaner != nil {
		a.cleaner.Stop()
	}
	if a.collector != nil {
		a.collector.Stop()
	}

	// Persist quota windows before closing storage.
	if err := a.tracker.Stop(); err != nil {
		a.logger.Error("quota tracker stop error", "error", err)
	}
	if err := a.quotaDB.Close(); err != nil {
		a.logger.Error("quota database close error", "error", err)
	}
	if err := a.database.Close(); err != nil {
		a.logger.Error("database close error", "error", err)
	}

	a.logger.Info("shutdown complete")
	return nil
}

// setupLogger creates a logger based on configuration
func setupLogger(cfg config.LoggingConfig) *slog.Logger {
	var handler slog.Handler

	level := slog.LevelInfo
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	opts := &slog.HandlerOptions{
		Level: level,
	}

	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	return slog.New(handler)
}
