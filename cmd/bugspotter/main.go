package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/bugspotter/bugspotter/internal/auditlog"
	"github.com/bugspotter/bugspotter/internal/auth"
	"github.com/bugspotter/bugspotter/internal/config"
	"github.com/bugspotter/bugspotter/internal/media"
	"github.com/bugspotter/bugspotter/internal/objstore"
	"github.com/bugspotter/bugspotter/internal/queue"
	"github.com/bugspotter/bugspotter/internal/ratelimit"
	"github.com/bugspotter/bugspotter/internal/retention"
	"github.com/bugspotter/bugspotter/internal/server"
	"github.com/bugspotter/bugspotter/internal/storage"
	"github.com/bugspotter/bugspotter/internal/telemetry"
	"github.com/bugspotter/bugspotter/migrations"
)

// version is set at build time via -ldflags.
var version = "dev"

// errMigrations distinguishes a migration failure (exit 2) from other
// startup failures (exit 1) so deploy tooling can tell them apart.
var errMigrations = errors.New("migrations failed")

func main() {
	os.Exit(run0())
}

func run0() int {
	level := slog.LevelInfo
	if os.Getenv("BUGSPOTTER_LOG_LEVEL") == "debug" {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: level,
	}))
	slog.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, logger); err != nil {
		slog.Error("fatal error", "error", err)
		if errors.Is(err, errMigrations) {
			return 2
		}
		return 1
	}
	return 0
}

func run(ctx context.Context, logger *slog.Logger) error {
	// Load .env file if present (non-fatal; production won't have one).
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	slog.Info("bugspotter starting", "version", version, "port", cfg.Port)

	// Initialize OpenTelemetry.
	otelShutdown, err := telemetry.Init(ctx, cfg.OTELEndpoint, cfg.ServiceName, version, cfg.OTELInsecure)
	if err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}
	defer func() { _ = otelShutdown(context.Background()) }()

	// Connect to database and apply migrations.
	db, err := storage.New(ctx, cfg.DatabaseURL, storage.PoolConfig{
		MinConns:       cfg.DBPoolMin,
		MaxConns:       cfg.DBPoolMax,
		ConnectTimeout: cfg.DBConnectTimeout,
		IdleTimeout:    cfg.DBIdleTimeout,
		QueryTimeout:   cfg.DBQueryTimeout,
	}, logger)
	if err != nil {
		return fmt.Errorf("storage: %w", err)
	}
	defer db.Close()

	if err := db.RunMigrations(ctx, migrations.FS); err != nil {
		return fmt.Errorf("%w: %v", errMigrations, err)
	}

	// JWT manager.
	jwtMgr, err := auth.NewJWTManager(cfg.JWTSecret, cfg.JWTExpiry)
	if err != nil {
		return fmt.Errorf("auth: %w", err)
	}

	// Object storage backend.
	store, err := newObjectStore(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("objstore: %w", err)
	}

	// Redis queue client and workers.
	queueClient, err := queue.New(ctx, cfg.RedisURL, logger)
	if err != nil {
		return fmt.Errorf("queue: %w", err)
	}
	defer func() { _ = queueClient.Close() }()

	processor := media.NewProcessor(db, store, cfg.ReplayChunkSize, logger)
	workers := queue.NewWorkers(queueClient, queue.WorkerConfig{
		Concurrency: cfg.WorkerConcurrency,
		JobTimeout:  cfg.JobTimeout,
	}, logger)
	if err := workers.Register(queue.QueueScreenshots, processor.HandleScreenshot); err != nil {
		return fmt.Errorf("workers: %w", err)
	}
	if err := workers.Register(queue.QueueReplays, processor.HandleReplay); err != nil {
		return fmt.Errorf("workers: %w", err)
	}
	workers.Start(ctx)

	// Audit pipeline.
	audit := auditlog.NewPipeline(db, logger)
	audit.Start(ctx)

	// Retention engine and nightly scheduler.
	engine := retention.NewEngine(db, store, audit, logger)
	scheduler := retention.NewScheduler(engine, cfg.RetentionSchedule, logger)
	if err := scheduler.Start(ctx); err != nil {
		return fmt.Errorf("retention scheduler: %w", err)
	}

	// Rate limiters: per project for ingestion, per IP for auth endpoints.
	ingestLimiter := ratelimit.NewWindowLimiter(cfg.RateLimitMax, cfg.RateLimitWindow)
	defer func() { _ = ingestLimiter.Close() }()
	authLimiter := ratelimit.NewWindowLimiter(20, time.Minute)
	defer func() { _ = authLimiter.Close() }()

	srv := server.New(server.ServerConfig{
		DB:                  db,
		Store:               store,
		Queue:               queueClient,
		JWTMgr:              jwtMgr,
		Audit:               audit,
		Retention:           engine,
		Limiter:             ingestLimiter,
		AuthLimiter:         authLimiter,
		Logger:              logger,
		Port:                cfg.Port,
		ReadTimeout:         cfg.ReadTimeout,
		WriteTimeout:        cfg.WriteTimeout,
		RequestTimeout:      cfg.RequestTimeout,
		CORSOrigins:         cfg.CORSOrigins,
		Version:             version,
		MaxRequestBodyBytes: 25 * 1024 * 1024,
		QueueBackpressure:   int64(cfg.QueueBackpressure),
		RefreshExpiry:       cfg.JWTRefreshExpiry,
		SecureCookies:       cfg.Env == "production",
	})

	// Start HTTP server in background.
	errCh := make(chan error, 1)
	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	// Wait for shutdown signal or server error.
	select {
	case <-ctx.Done():
	case err := <-errCh:
		return err
	}

	// Graceful shutdown. Each phase gets its own timeout so early completion
	// doesn't steal budget from later phases.
	// Order: (1) stop accepting new HTTP requests and drain in-flight (they
	// may still enqueue jobs and audit entries), (2) let workers finish their
	// current jobs, (3) stop the scheduler, (4) flush the audit buffer.
	slog.Info("bugspotter shutting down")

	httpCtx, httpCancel := context.WithTimeout(context.Background(), 10*time.Second)
	if err := srv.Shutdown(httpCtx); err != nil {
		slog.Error("http shutdown error", "error", err)
	}
	httpCancel()

	workers.Stop(cfg.WorkerDrainTimeout)
	scheduler.Stop()

	auditCtx, auditCancel := context.WithTimeout(context.Background(), 10*time.Second)
	audit.Drain(auditCtx)
	auditCancel()

	slog.Info("bugspotter stopped")
	return nil
}

// newObjectStore selects the storage backend from configuration.
func newObjectStore(ctx context.Context, cfg config.Config, logger *slog.Logger) (objstore.Store, error) {
	switch cfg.StorageBackend {
	case "s3":
		logger.Info("object storage: s3", "bucket", cfg.S3Bucket, "endpoint", cfg.S3Endpoint)
		return objstore.NewS3(ctx, objstore.S3Config{
			Endpoint:       cfg.S3Endpoint,
			Region:         cfg.S3Region,
			Bucket:         cfg.S3Bucket,
			AccessKeyID:    cfg.S3AccessKeyID,
			SecretKey:      cfg.S3SecretKey,
			ForcePathStyle: cfg.S3ForcePathStyle,
			SSE:            cfg.S3SSE,
			SSEKMSKeyID:    cfg.S3SSEKMSKeyID,
			StorageClass:   cfg.S3StorageClass,
		}, logger)
	default:
		logger.Info("object storage: local", "base_dir", cfg.StorageBaseDir)
		return objstore.NewLocal(cfg.StorageBaseDir, cfg.StorageBaseURL, logger)
	}
}
