package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pedromerinno/mnnoschool/internal/cache"
	"github.com/pedromerinno/mnnoschool/internal/config"
	"github.com/pedromerinno/mnnoschool/internal/coordinator"
	"github.com/pedromerinno/mnnoschool/internal/directory"
	apperrors "github.com/pedromerinno/mnnoschool/internal/errors"
	"github.com/pedromerinno/mnnoschool/internal/events"
	"github.com/pedromerinno/mnnoschool/internal/fetch"
	"github.com/pedromerinno/mnnoschool/internal/health"
	"github.com/pedromerinno/mnnoschool/internal/logging"
	"github.com/pedromerinno/mnnoschool/internal/metrics"
	"github.com/pedromerinno/mnnoschool/internal/retry"
	"github.com/pedromerinno/mnnoschool/internal/selection"
	"github.com/pedromerinno/mnnoschool/internal/server"
	"github.com/pedromerinno/mnnoschool/internal/store"
	"github.com/pedromerinno/mnnoschool/internal/tenantctx"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"
)

func main() {
	// An empty path searches ./config.yaml and /etc/tenantd/
	cfg, err := config.Load(os.Getenv("CONFIG_PATH"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	logger, err := logging.New(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}

	if err := run(cfg, logger); err != nil {
		logger.Error("tenantd exited with error", zap.Error(err))
		logger.Sync()
		os.Exit(1)
	}
	logger.Sync()
}

// run owns every resource it opens; all of them are released before it returns
func run(cfg *config.Config, logger *zap.Logger) error {

	logger.Info("Starting tenantd",
		zap.Int("port", cfg.Server.Port),
		zap.String("directory_backend", cfg.Directory.Backend),
		zap.String("persistence_backend", cfg.Persistence.Backend))

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(registry)

	// Backends may still be starting next to us
	startup := retry.NewExecutor(retry.Policy{
		MaxRetries:    cfg.Retry.MaxRetries,
		InitialDelay:  cfg.Retry.InitialDelay,
		BackoffFactor: cfg.Retry.BackoffFactor,
		MaxDelay:      cfg.Retry.MaxDelay,
	}, retry.WithLogger(logger), retry.WithMetrics(m))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	kv, err := retry.Do(ctx, startup, func(context.Context) (store.KV, error) {
		kv, err := openPersistence(cfg, logger)
		if err != nil {
			return nil, apperrors.Classify("OpenPersistence", err)
		}
		return kv, nil
	})
	if err != nil {
		return fmt.Errorf("failed to initialize persistent tier: %w", err)
	}
	defer kv.Close()
	logger.Info("Persistent tier initialized", zap.String("backend", cfg.Persistence.Backend))

	opened, err := retry.Do(ctx, startup, func(ctx context.Context) (openedDirectory, error) {
		return openDirectory(ctx, cfg, logger)
	})
	if err != nil {
		return fmt.Errorf("failed to initialize directory: %w", err)
	}
	defer opened.close()
	dir := opened.dir
	logger.Info("Directory initialized", zap.String("backend", cfg.Directory.Backend))

	limited := directory.NewLimited(dir, cfg.Directory.CallsPerSec, cfg.Directory.CallBurst)

	memory := cache.NewMemoryTier(cfg.Cache.MaxSize, cfg.Cache.SweepInterval)
	defer memory.Close()
	cacheStore := cache.NewStore(memory, kv,
		cache.WithNamespace(cfg.Persistence.Namespace),
		cache.WithLogger(logger),
		cache.WithMetrics(m))

	bus := events.NewBus(logger, m)
	events.On(bus, func(changed events.TenantAccessChanged) {
		logger.Info("Tenant access changed",
			zap.String("user_id", changed.UserID),
			zap.Strings("added", changed.Added),
			zap.Strings("removed", changed.Removed))
	})

	tc := tenantctx.New(limited, cacheStore, bus,
		tenantctx.WithLogger(logger),
		tenantctx.WithMetrics(m),
		tenantctx.WithCoordinatorOptions(
			coordinator.WithDefaultMinInterval(cfg.Fetch.MinInterval),
		),
		tenantctx.WithFetchOptions(
			fetch.WithTTL(cfg.Cache.TenantListTTL),
			fetch.WithJoinTimeout(cfg.Fetch.JoinTimeout),
			fetch.WithExecutor(retry.NewExecutor(retry.Policy{
				MaxRetries:    cfg.Retry.TenantMaxRetries,
				InitialDelay:  cfg.Retry.InitialDelay,
				BackoffFactor: cfg.Retry.BackoffFactor,
				MaxDelay:      cfg.Retry.MaxDelay,
			}, retry.WithLogger(logger), retry.WithMetrics(m))),
		),
		tenantctx.WithSelectionOptions(
			selection.WithSelectedTTL(cfg.Cache.SelectedTTL),
			selection.WithSelectedIDTTL(cfg.Cache.SelectedIDTTL),
		),
	)

	checker := health.NewHealthChecker(map[string]health.Pinger{
		"persistence": kv,
		"directory":   dir,
	}, 5*time.Second, logger)

	srv := server.NewServer(cfg, tc, checker, logger, server.WithMetrics(m, registry))

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	var serveErr error
	select {
	case <-ctx.Done():
		logger.Info("Shutdown signal received")
	case serveErr = <-errCh:
		if serveErr != nil {
			logger.Error("HTTP server failed", zap.Error(serveErr))
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("Failed to shut down HTTP server", zap.Error(err))
	}

	logger.Info("tenantd stopped")
	return serveErr
}

func openPersistence(cfg *config.Config, logger *zap.Logger) (store.KV, error) {
	switch cfg.Persistence.Backend {
	case "memory":
		return store.NewMemoryKV(), nil
	case "redis":
		kv, err := store.NewRedisKV(store.RedisOptions{
			Host:         cfg.Redis.Host,
			Port:         cfg.Redis.Port,
			Password:     cfg.Redis.Password,
			DB:           cfg.Redis.DB,
			MaxRetries:   cfg.Redis.MaxRetries,
			PoolSize:     cfg.Redis.PoolSize,
			MinIdleConns: cfg.Redis.MinIdleConns,
		}, logger)
		if err != nil {
			return nil, err
		}
		return kv, nil
	case "sqlite":
		kv, err := store.NewSQLiteKV(cfg.Persistence.SQLitePath, logger)
		if err != nil {
			return nil, err
		}
		return kv, nil
	default:
		return nil, fmt.Errorf("unknown persistence backend %q", cfg.Persistence.Backend)
	}
}

type openedDirectory struct {
	dir   directory.Directory
	close func()
}

func openDirectory(ctx context.Context, cfg *config.Config, logger *zap.Logger) (openedDirectory, error) {
	switch cfg.Directory.Backend {
	case "file":
		dir, err := directory.NewFileDirectory(cfg.Directory.FixturePath, logger)
		if err != nil {
			return openedDirectory{}, apperrors.Validation("OpenDirectory", "invalid fixture", err)
		}
		return openedDirectory{dir: dir, close: func() {}}, nil
	case "postgres":
		dir, err := directory.NewPostgresDirectory(ctx, directory.PostgresOptions{
			Host:     cfg.Database.Host,
			Port:     cfg.Database.Port,
			Database: cfg.Database.Database,
			User:     cfg.Database.User,
			Password: cfg.Database.Password,
			MaxConns: cfg.Database.MaxConnections,
			MinConns: cfg.Database.MinConnections,
		}, logger)
		if err != nil {
			return openedDirectory{}, apperrors.Classify("OpenDirectory", err)
		}
		if cfg.Database.EnsureSchema {
			if err := dir.EnsureSchema(ctx); err != nil {
				dir.Close()
				return openedDirectory{}, apperrors.Classify("OpenDirectory", err)
			}
		}
		return openedDirectory{dir: dir, close: dir.Close}, nil
	default:
		return openedDirectory{}, apperrors.Validation("OpenDirectory", "unknown directory backend "+cfg.Directory.Backend, nil)
	}
}
