package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/JonMunkholm/stockimport/internal/blob"
	"github.com/JonMunkholm/stockimport/internal/config"
	"github.com/JonMunkholm/stockimport/internal/core"
	_ "github.com/JonMunkholm/stockimport/internal/core/imports" // Register import definitions
	"github.com/JonMunkholm/stockimport/internal/logging"
	"github.com/JonMunkholm/stockimport/internal/queue"
	"github.com/JonMunkholm/stockimport/internal/sheet"
	"github.com/JonMunkholm/stockimport/internal/store"
	"github.com/JonMunkholm/stockimport/internal/web"
)

// closingStore is a persistence backend owned by main.
type closingStore interface {
	core.Store
	Close() error
}

func main() {
	// Load .env file if it exists (overrides existing env vars)
	if err := godotenv.Overload(); err != nil {
		slog.Info("no .env file found, using environment variables")
	} else {
		slog.Info("loaded .env file")
	}

	// Load and validate configuration
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	// Setup structured logging based on config
	logging.Setup(cfg.Logging.Level, cfg.Logging.Format)
	slog.Info("configuration loaded", "config", cfg.String())

	if err := run(cfg); err != nil {
		slog.Error("server failed", "error", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer st.Close()

	files, err := openFiles(ctx, cfg.Blob)
	if err != nil {
		return err
	}

	service, err := core.NewService(serviceConfig(cfg), core.Dependencies{
		Store:   st,
		Files:   files,
		Sources: &sheet.Opener{Files: files},
	})
	if err != nil {
		return fmt.Errorf("create service: %w", err)
	}

	// Log registered import types
	for _, def := range core.All() {
		slog.Debug("import type registered", "type", def.Type, "fields", len(def.Fields))
	}

	// Background jobs stop with ctx
	service.Start(ctx)

	workerDone := make(chan error, 1)
	if strings.EqualFold(cfg.Queue.Driver, "asynq") {
		redis := queue.RedisConfig{
			Addr:     cfg.Queue.RedisAddr,
			Password: cfg.Queue.RedisPassword,
			DB:       cfg.Queue.RedisDB,
		}
		dispatcher := queue.NewDispatcher(redis, cfg.Queue.MaxRetry, cfg.Upload.Timeout)
		defer dispatcher.Close()
		service.UseDispatcher(dispatcher)

		// Jobs live in this process's registry, so the worker runs here too.
		worker := queue.NewWorker(redis, cfg.Queue.Concurrency, service)
		go func() { workerDone <- worker.Run(ctx) }()
		slog.Info("dispatching imports through redis", "addr", cfg.Queue.RedisAddr)
	} else {
		close(workerDone)
	}

	server, err := web.NewServer(service, cfg)
	if err != nil {
		return fmt.Errorf("create server: %w", err)
	}
	go server.RunMaintenance(ctx)

	serverErr := make(chan error, 1)
	go func() {
		if err := server.Start(cfg.Server.Addr()); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()

	select {
	case <-ctx.Done():
		slog.Info("shutting down...")
	case err := <-serverErr:
		if err != nil {
			return fmt.Errorf("listen: %w", err)
		}
	}
	stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		slog.Error("http shutdown error", "error", err)
	}

	// Wait for running imports (with timeout)
	if status := service.LimiterStatus(); status.Active > 0 {
		slog.Info("waiting for imports to complete", "active", status.Active)
	}
	if err := service.Shutdown(shutdownCtx); err != nil {
		slog.Warn("imports did not complete in time", "error", err)
	} else {
		slog.Info("all imports completed")
	}

	if err := <-workerDone; err != nil {
		slog.Error("queue worker error", "error", err)
	}
	return nil
}

func serviceConfig(cfg *config.Config) core.ServiceConfig {
	highLatency := make([]core.ImportType, 0, len(cfg.Channel.HighLatencyTypes))
	for _, t := range cfg.Channel.HighLatencyTypes {
		highLatency = append(highLatency, core.ImportType(strings.ToLower(t)))
	}

	cc := core.DefaultClassifierConfig()
	cc.RowThreshold = cfg.Channel.RowThreshold
	cc.ByteThreshold = cfg.Channel.ByteThreshold
	cc.AvgRowBytes = cfg.Channel.AvgRowBytes
	cc.HighLatency = highLatency

	return core.ServiceConfig{
		Registry: core.RegistryConfig{
			MaxStoredErrors: cfg.Progress.MaxStoredErrors,
			RecentErrors:    cfg.Progress.RecentErrors,
			Retention:       cfg.Store.JobRetention,
		},
		Broadcaster: core.BroadcasterConfig{
			Buffer:      cfg.Progress.SubscriberBuffer,
			IdleTimeout: cfg.Progress.SubscriberIdleTimeout,
		},
		Classifier: cc,
		Pipeline: core.PipelineConfig{
			BatchSize:      cfg.Upload.BatchSize,
			VelocityWindow: cfg.Progress.VelocityWindow,
		},
		MinConfidence: cfg.Correction.MinConfidence,
		MaxFileSize:   cfg.Upload.MaxFileSize,
		MaxConcurrent: cfg.Upload.MaxConcurrent,
		MaxWait:       cfg.Upload.MaxWaitTime,
		ImportTimeout: cfg.Upload.Timeout,
		InlineWait:    cfg.Upload.InlineWait,
		SweepInterval: cfg.Store.SweepInterval,
	}
}

func openStore(ctx context.Context, cfg *config.Config) (closingStore, error) {
	switch strings.ToLower(cfg.Store.Driver) {
	case "postgres":
		pg, err := store.ConnectPostgres(ctx, store.PoolConfig{
			URL:             cfg.Database.URL,
			MaxConns:        cfg.Database.MaxConns,
			MinConns:        cfg.Database.MinConns,
			MaxConnLifetime: cfg.Database.MaxConnLifetime,
			MaxConnIdleTime: cfg.Database.MaxConnIdleTime,
		})
		if err != nil {
			return nil, fmt.Errorf("connect to database: %w", err)
		}
		slog.Info("connected to database", "driver", "postgres")
		return pg, nil
	case "sqlite":
		lite, err := store.OpenSQLite(ctx, cfg.Store.SQLitePath)
		if err != nil {
			return nil, fmt.Errorf("open sqlite: %w", err)
		}
		slog.Info("opened database", "driver", "sqlite", "path", cfg.Store.SQLitePath)
		return lite, nil
	default:
		slog.Warn("using in-memory store; imported records are lost on restart")
		return store.NewMemory(), nil
	}
}

func openFiles(ctx context.Context, cfg config.BlobConfig) (core.FileStore, error) {
	if strings.EqualFold(cfg.Driver, "minio") {
		m, err := blob.NewMinIO(blob.MinIOConfig{
			Endpoint:  cfg.S3Endpoint,
			AccessKey: cfg.S3AccessKey,
			SecretKey: cfg.S3SecretKey,
			Bucket:    cfg.S3Bucket,
			Region:    cfg.S3Region,
			UseSSL:    cfg.S3UseSSL,
		})
		if err != nil {
			return nil, fmt.Errorf("create minio client: %w", err)
		}
		if err := m.EnsureBucket(ctx); err != nil {
			return nil, fmt.Errorf("ensure bucket: %w", err)
		}
		return m, nil
	}

	local, err := blob.NewLocal(cfg.LocalDir)
	if err != nil {
		return nil, fmt.Errorf("create upload dir: %w", err)
	}
	return local, nil
}
