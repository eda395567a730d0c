package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"gitlab.com/timkado/api/voice-call-sync/internal/config"
	"gitlab.com/timkado/api/voice-call-sync/internal/healthcheck"
	"gitlab.com/timkado/api/voice-call-sync/internal/httpapi"
	"gitlab.com/timkado/api/voice-call-sync/internal/jetstream"
	"gitlab.com/timkado/api/voice-call-sync/internal/lock"
	"gitlab.com/timkado/api/voice-call-sync/internal/observer"
	"gitlab.com/timkado/api/voice-call-sync/internal/provider"
	"gitlab.com/timkado/api/voice-call-sync/internal/scheduler"
	"gitlab.com/timkado/api/voice-call-sync/internal/storage"
	"gitlab.com/timkado/api/voice-call-sync/internal/storage/memory"
	"gitlab.com/timkado/api/voice-call-sync/internal/trigger"
	"gitlab.com/timkado/api/voice-call-sync/internal/usecase"
	"gitlab.com/timkado/api/voice-call-sync/pkg/logger"
	"gitlab.com/timkado/api/voice-call-sync/pkg/utils"
)

// version is set at build time with -ldflags "-X main.version=..."
var version = "dev"

const shutdownTimeout = 30 * time.Second

func main() {
	// Set timezone to UTC
	time.Local = time.UTC

	// Load configuration
	cfg, err := config.LoadConfig("")
	if err != nil {
		fmt.Printf("Failed to load config: %v\n", err)
		os.Exit(1)
	}

	// Initialize logger
	if err := logger.Initialize(cfg.LogLevel); err != nil {
		fmt.Printf("Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	metricsEnabled := cfg.Metrics.Enabled
	observer.InitMetrics(metricsEnabled)

	logger.Log.Info("Starting Voice Call Sync",
		zap.String("version", version),
		zap.String("environment", cfg.Environment),
		zap.String("database_driver", cfg.Database.Driver),
		zap.Bool("nats_enabled", cfg.NATS.Enabled),
		zap.Bool("redis_enabled", cfg.Redis.Enabled),
	)

	mainCtx, mainCancel := context.WithCancel(context.Background())
	defer mainCancel()

	var checks []healthcheck.ReadinessCheck

	// Initialize repository
	repo, pgRepo, err := initRepository(cfg)
	if err != nil {
		logger.Log.Fatal("Failed to initialize repository", zap.Error(err))
	}
	if pgRepo != nil {
		checks = append(checks, healthcheck.ReadinessCheck{Name: "database", Check: pgRepo.Ping})
	}

	// Per-account lock shared across replicas when Redis is enabled
	var locker lock.Locker
	var redisClient *redis.Client
	if cfg.Redis.Enabled {
		redisClient, err = lock.OpenRedis(mainCtx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			logger.Log.Fatal("Failed to connect to Redis", zap.Error(err))
		}
		locker = lock.NewRedisLocker(redisClient, cfg.Redis.LockTTL)
		checks = append(checks, healthcheck.ReadinessCheck{Name: "redis", Check: func(ctx context.Context) error {
			return redisClient.Ping(ctx).Err()
		}})
	}

	// JetStream client and event publisher
	var jsClient *jetstream.Client
	var publisher usecase.EventPublisher
	if cfg.NATS.Enabled {
		jsClient, err = jetstream.NewClient(mainCtx, cfg.NATS.URL)
		if err != nil {
			logger.Log.Fatal("Failed to initialize JetStream client", zap.Error(err))
		}
		eventsPublisher := trigger.NewPublisher(jsClient, cfg.NATS)
		if err := eventsPublisher.Setup(mainCtx); err != nil {
			logger.Log.Fatal("Failed to set up events stream", zap.Error(err))
		}
		publisher = eventsPublisher
		checks = append(checks, healthcheck.ReadinessCheck{Name: "nats", Check: func(ctx context.Context) error {
			if !jsClient.NatsConn().IsConnected() {
				return fmt.Errorf("nats connection status %s", jsClient.NatsConn().Status())
			}
			return nil
		}})
	}

	// Sync engine
	clock := utils.SystemClock{}
	providerClient := provider.NewClient(cfg.Provider, repo, provider.WithClock(clock))
	orchestratorCfg := usecase.OrchestratorConfig{Sync: cfg.Sync, Pager: provider.PagerConfigFrom(cfg.Provider)}
	runLog := usecase.NewRunLog(repo, clock)
	orchestrator := usecase.NewOrchestrator(repo, providerClient, runLog, locker, publisher, orchestratorCfg, clock)
	comparator := usecase.NewComparator(repo, providerClient, runLog, orchestratorCfg, clock)

	syncWorker, err := usecase.NewSyncWorker(cfg.WorkerPools.Sync, orchestrator, comparator, logger.Log)
	if err != nil {
		logger.Log.Fatal("Failed to initialize sync worker pool", zap.Error(err))
	}
	engine := usecase.NewEngine(orchestrator, comparator, runLog, repo, syncWorker, cfg.Sync.RetentionDays)

	// NATS triggers
	var consumer *trigger.Consumer
	if cfg.NATS.Enabled {
		router := trigger.NewRouter()
		trigger.NewHandlers(engine).Register(router, cfg.NATS.SyncSubject, cfg.NATS.DiagnosticSubject)
		consumer = trigger.NewConsumer(jsClient, router, cfg.NATS)
		if err := consumer.Setup(); err != nil {
			logger.Log.Fatal("Failed to set up trigger consumer", zap.Error(err))
		}
	}

	// Scheduled auto sync and run log purge
	sched := scheduler.New(mainCtx, engine, cfg.Sync)
	if err := sched.Start(); err != nil {
		logger.Log.Fatal("Failed to start scheduler", zap.Error(err))
	}

	// HTTP server: health, metrics and the admin API
	healthServer := healthcheck.NewServer(cfg.Server.Port, version, logger.Log, checks...)
	if metricsEnabled {
		healthServer.RegisterMetricsHandler(promhttp.Handler())
		logger.Log.Info("Metrics endpoint enabled", zap.String("path", "/metrics"), zap.Int("port", cfg.Server.Port))
	}
	if cfg.Auth.JWTSecret != "" {
		auth, err := httpapi.NewAuthenticator(cfg.Auth)
		if err != nil {
			logger.Log.Fatal("Failed to initialize admin API auth", zap.Error(err))
		}
		healthServer.Mount("/api/", httpapi.NewRouter(engine, auth))
	} else {
		logger.Log.Warn("Admin API disabled: auth.jwtSecret is not set")
	}
	healthServer.Start()

	logger.Log.Info("Health check endpoints available",
		zap.String("health", fmt.Sprintf("http://localhost:%d/health", cfg.Server.Port)),
		zap.String("readiness", fmt.Sprintf("http://localhost:%d/ready", cfg.Server.Port)),
	)

	if consumer != nil {
		if err := consumer.Start(); err != nil {
			logger.Log.Fatal("Failed to start trigger consumer", zap.Error(err))
		}
	}

	// Wait for termination signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigChan
	logger.Log.Info("Received termination signal", zap.String("signal", sig.String()))

	mainCancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	logger.Log.Info("Starting graceful shutdown", zap.Duration("timeout", shutdownTimeout))

	// Triggers and schedules stop first so nothing new is queued while the pool drains.
	var wg sync.WaitGroup
	wg.Add(2)

	shutdown(&wg, "trigger consumer", func() {
		if consumer != nil {
			consumer.Stop()
		}
	})
	shutdown(&wg, "scheduler", sched.Stop)
	wait(shutdownCtx, &wg)

	wg.Add(2)
	shutdown(&wg, "sync worker pool", engine.Stop)
	shutdown(&wg, "HTTP server", func() {
		if err := healthServer.Stop(shutdownCtx); err != nil {
			logger.Log.Error("[shutdown] Error stopping HTTP server", zap.Error(err))
		}
	})
	wait(shutdownCtx, &wg)

	wg.Add(1)
	shutdown(&wg, "connections", func() {
		if err := repo.Close(shutdownCtx); err != nil {
			logger.Log.Error("[shutdown] Failed to close repository", zap.Error(err))
		}
		if redisClient != nil {
			if err := redisClient.Close(); err != nil {
				logger.Log.Error("[shutdown] Failed to close Redis client", zap.Error(err))
			}
		}
		if jsClient != nil {
			jsClient.Close()
		}
	})
	wait(shutdownCtx, &wg)

	logger.Log.Info("Voice Call Sync shutdown complete")
}

// shutdown runs stop in its own goroutine. The deferred Done also covers a panicking stop.
func shutdown(wg *sync.WaitGroup, name string, stop func()) {
	utils.SafeGo(func() {
		defer wg.Done()
		logger.Log.Info("[shutdown] Stopping " + name)
		start := time.Now()
		stop()
		logger.Log.Info("[shutdown] Stopped "+name, zap.Duration("duration", time.Since(start)))
	}, func(r interface{}, stack []byte) {
		logger.Log.Error("[shutdown] Panic while stopping "+name,
			zap.Any("panic", r),
			zap.ByteString("stack", stack),
		)
	})
}

// wait blocks until wg is done or ctx expires.
func wait(ctx context.Context, wg *sync.WaitGroup) {
	waitCh := make(chan struct{})
	go func() {
		wg.Wait()
		close(waitCh)
	}()

	select {
	case <-waitCh:
	case <-ctx.Done():
		logger.Log.Warn("[shutdown] Graceful shutdown timed out, forcing exit")
	}
}

// initRepository opens the configured store. The Postgres repo is also returned for readiness checks.
func initRepository(cfg *config.Config) (storage.Repository, *storage.PostgresRepo, error) {
	if cfg.Database.Driver == "memory" {
		logger.Log.Warn("Using in-memory repository; data is lost on restart")
		return memory.NewRepo(), nil, nil
	}
	if cfg.Database.PostgresDSN == "" {
		return nil, nil, fmt.Errorf("postgres DSN is required")
	}

	repo, err := storage.NewPostgresRepo(cfg.Database.PostgresDSN, cfg.Database.PostgresAutoMigrate)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to initialize postgres repository: %w", err)
	}
	logger.Log.Info("Initialized PostgreSQL repository")
	return repo, repo, nil
}
