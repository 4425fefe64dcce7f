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
	"sync"
	"syscall"
	"time"

	"fieldtrack/internal/api"
	"fieldtrack/internal/collector"
	"fieldtrack/internal/config"
	"fieldtrack/internal/database"
	"fieldtrack/internal/events"
	"fieldtrack/internal/logging"
	"fieldtrack/internal/metrics"
	"fieldtrack/internal/notify"
	"fieldtrack/internal/remote"
	"fieldtrack/internal/service"
	"fieldtrack/internal/session"
	"fieldtrack/internal/worker"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

func main() {
	if err := run(); err != nil {
		log.Fatalf("Fatal error: %v", err)
	}
}

func run() error {
	cfg, base, closer, err := loadConfigAndLogger()
	if err != nil {
		return err
	}
	if closer != nil {
		defer (func() { _ = closer.Close() })()
	}
	logger := base.With().Str("component", "main").Logger()

	db, err := database.NewDB(cfg.Database.Path, logging.Component(base, "database"))
	if err != nil {
		logger.Error().Err(err).Str("db_path", cfg.Database.Path).Msg("init database")
		return err
	}
	defer db.Close()

	redisClient := initRedis(cfg, &logger)
	if redisClient != nil {
		defer redisClient.Close()
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	startMetrics(ctx, cfg, &logger)

	bus := events.NewEventBus()
	bus.Subscribe(events.EventPointRecorded, func(e *events.Event) error {
		logger.Debug().RawJSON("payload", e.Payload).Msg("point recorded")
		return nil
	})

	notifier := initNotifier(cfg, redisClient, base)
	client := remote.NewClient(cfg.Remote, logging.Component(base, "remote"))

	feed := &collector.ManualFeed{}
	battery := collector.NewManualBattery(1)
	col := collector.New(
		db,
		collector.StaticPermissions{Foreground: true, Background: true},
		battery,
		feed,
		collector.OptionsFromConfig(cfg.Tracking),
		bus,
		logging.Component(base, "collector"),
	)

	sess := session.New(db, col, notifier, cfg.Watchdog, bus, logging.Component(base, "session"))
	if err := sess.Restore(ctx); err != nil {
		logger.Warn().Err(err).Msg("restore tracking session")
	}

	deliverer := worker.NewDeliverer(client, worker.DirPhotos{Root: cfg.Sync.PhotoDir}, logging.Component(base, "deliverer"))
	engine := worker.NewSyncEngine(db, client, deliverer, cfg.Sync, bus, logging.Component(base, "sync"))
	svc := service.NewTrackingService(sess, col, db, deliverer, engine, notifier, logging.Component(base, "service"))
	svc.Observe(bus)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		engine.Start(ctx)
	}()
	go func() {
		defer wg.Done()
		sess.Run(ctx)
	}()

	if cfg.Backup.Enabled {
		backup := database.NewBackupService(db, cfg.Backup, logging.Component(base, "backup"))
		go backup.Start(ctx)
	}

	var httpServer *api.HTTPServer
	if cfg.API.Enabled {
		httpServer = api.NewHTTPServer(cfg.API, svc, battery, logging.Component(base, "http"))
		go func() {
			if err := httpServer.Start(); err != nil {
				logger.Error().Err(err).Msg("http server stopped")
			}
		}()
	} else {
		logger.Warn().Msg("local API is disabled; fixes can only be delivered in-process")
	}

	logger.Info().Str("remote", cfg.Remote.BaseURL).Int("api_port", cfg.API.Port).Msg("fieldtrack started")

	<-ctx.Done()
	logger.Info().Msg("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if httpServer != nil {
		_ = httpServer.Shutdown(shutdownCtx)
	}
	wg.Wait()

	logger.Info().Msg("fieldtrack stopped")
	return nil
}

func loadConfigAndLogger() (*config.Config, *zerolog.Logger, io.Closer, error) {
	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "configs/config.yaml"
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("load config: %w", err)
	}

	logger, closer, err := logging.New(cfg.Logging, cfg.App)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("init logger: %w", err)
	}
	return cfg, logger, closer, nil
}

func initRedis(cfg *config.Config, logger *zerolog.Logger) *redis.Client {
	if cfg.Redis.Address == "" {
		return nil
	}

	redisClient := notify.NewRedisClient(cfg.Redis)
	if _, err := redisClient.Ping(context.Background()).Result(); err != nil {
		logger.Warn().Err(err).Msg("redis connection failed, continuing without redis")
		_ = redisClient.Close()
		return nil
	}

	logger.Info().Str("addr", cfg.Redis.Address).Msg("redis connected")
	return redisClient
}

func initNotifier(cfg *config.Config, redisClient *redis.Client, base *zerolog.Logger) notify.Notifier {
	memory := notify.NewMemoryNotifier(int(cfg.Redis.NotificationsCap))
	if redisClient == nil {
		return memory
	}
	primary := notify.NewRedisNotifier(redisClient, cfg.Redis.NotificationsKey, cfg.Redis.NotificationsCap)
	return notify.NewFailoverNotifier(primary, memory, logging.Component(base, "notify"))
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
