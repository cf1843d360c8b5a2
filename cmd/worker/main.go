package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"recallbot/internal/config"
	"recallbot/internal/database"
	"recallbot/internal/dedup"
	"recallbot/internal/domain"
	"recallbot/internal/events"
	"recallbot/internal/logging"
	"recallbot/internal/metrics"
	"recallbot/internal/monitor"
	"recallbot/internal/recall"
	"recallbot/internal/reconciler"
	"recallbot/internal/repository"
	"recallbot/internal/scheduler"
	"recallbot/internal/worker"
)

func main() {
	if err := run(); err != nil {
		log.Fatalf("Fatal error: %v", err)
	}
}

func run() error {
	cfg, logger, closer, err := loadConfigAndLogger()
	if err != nil {
		return err
	}
	if closer != nil {
		defer (func() { _ = closer.Close() })()
	}

	db, err := database.NewDB(cfg.Database.Path, &logger)
	if err != nil {
		logger.Error().Err(err).Str("db_path", cfg.Database.Path).Msg("init database")
		return err
	}
	defer db.Close()

	redisClient := initRedis(cfg, &logger)
	defer (func() { _ = repository.Close(redisClient) })()

	client, err := recall.NewClient(recall.ConfigFrom(cfg.Provisioning), &logger)
	if err != nil {
		return fmt.Errorf("init provisioning client: %w", err)
	}

	bus := events.NewEventBus()
	metrics.SubscribeJobEvents(bus)

	cache := initCache(cfg, redisClient, &logger)
	orchestrator := worker.NewOrchestrator(db, redisClient, bus, cfg.Scheduler, &logger)
	deduplicator := dedup.New(db, client, cache, cfg.Dedup, &logger)

	dispatcher := &worker.Dispatcher{
		Syncer:    reconciler.New(db, client, orchestrator, cfg.Scheduler, &logger),
		Scheduler: scheduler.New(db, client, deduplicator, cfg.Bot, bus, &logger),
		Monitor:   monitor.New(db, client, bus, cfg.Scheduler.CalendarParallelism, &logger),
	}
	if cfg.Backup.Enabled {
		dispatcher.Backup = database.NewBackupService(db, cfg.Backup, &logger)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	startMetrics(ctx, cfg, &logger)

	if err := worker.Install(ctx, orchestrator, dispatcher, cfg.Scheduler); err != nil {
		return fmt.Errorf("install jobs: %w", err)
	}

	logger.Info().
		Dur("sync_interval", cfg.Scheduler.SyncInterval).
		Dur("connection_check_interval", cfg.Scheduler.ConnectionCheckInterval).
		Bool("dedup", cfg.Dedup.Enabled).
		Bool("redis", redisClient != nil).
		Msg("worker started")

	orchestrator.Start(ctx)

	logger.Info().Msg("worker stopped")
	return nil
}

func loadConfigAndLogger() (*config.Config, zerolog.Logger, io.Closer, error) {
	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "configs/config.yaml"
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, zerolog.Logger{}, nil, fmt.Errorf("load config: %w", err)
	}

	baseLogger, closer, err := logging.New(cfg.Logging, cfg.App)
	if err != nil {
		return nil, zerolog.Logger{}, nil, fmt.Errorf("init logger: %w", err)
	}
	logger := baseLogger.With().Str("component", "worker-main").Logger()

	return cfg, logger, closer, nil
}

func initRedis(cfg *config.Config, logger *zerolog.Logger) *redis.Client {
	if cfg.Redis.Address == "" {
		return nil
	}

	redisClient := repository.NewRedisClient(cfg.Redis)
	if err := repository.Ping(context.Background(), redisClient); err != nil {
		logger.Warn().Err(err).Msg("redis connection failed, continuing without redis")
		_ = redisClient.Close()
		return nil
	}

	logger.Info().Str("addr", cfg.Redis.Address).Msg("redis connected")
	return redisClient
}

// initCache returns the dedup lookup cache: Redis with an in-memory fallback
// when Redis is configured, memory alone otherwise.
func initCache(cfg *config.Config, redisClient *redis.Client, logger *zerolog.Logger) domain.CacheBackend {
	ttl := cfg.Scheduler.RemoteLookupTTL
	memory := repository.NewMemoryCache(ttl)
	if redisClient == nil {
		return memory
	}
	return repository.NewFailoverCache(repository.NewRedisCache(redisClient, ttl), memory, logger)
}

func startMetrics(ctx context.Context, cfg *config.Config, logger *zerolog.Logger) {
	if !cfg.Monitoring.PrometheusEnabled {
		return
	}

	metrics.Register()
	port := cfg.Monitoring.PrometheusPort
	if port == 0 {
		port = 9090
	}
	go startMetricsServer(ctx, port, logger)
}

func startMetricsServer(ctx context.Context, port int, logger *zerolog.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	srv := &http.Server{Addr: fmt.Sprintf(":%d", port), Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		<-ctx.Done()
		ctxShutdown, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctxShutdown)
	}()
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error().Err(err).Msg("metrics server error")
	}
}
