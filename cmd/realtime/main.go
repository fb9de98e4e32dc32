package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/DentaMind/SmartDentalAI-sub001/internal/shared"
	"github.com/DentaMind/SmartDentalAI-sub001/internal/shared/alerts"
	"github.com/DentaMind/SmartDentalAI-sub001/internal/shared/auth"
	"github.com/DentaMind/SmartDentalAI-sub001/internal/shared/kafka"
	"github.com/DentaMind/SmartDentalAI-sub001/internal/shared/limits"
	"github.com/DentaMind/SmartDentalAI-sub001/internal/shared/metrics"
	"github.com/DentaMind/SmartDentalAI-sub001/internal/shared/monitoring"
	"github.com/DentaMind/SmartDentalAI-sub001/internal/shared/platform"
	"github.com/DentaMind/SmartDentalAI-sub001/internal/shared/pool"
	"github.com/DentaMind/SmartDentalAI-sub001/internal/shared/session"
	"github.com/DentaMind/SmartDentalAI-sub001/internal/shared/types"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	_ "go.uber.org/automaxprocs"
)

const shutdownTimeout = 30 * time.Second

func main() {
	var (
		debug = flag.Bool("debug", false, "enable debug logging (overrides LOG_LEVEL)")
	)
	flag.Parse()

	// Create basic logger for startup
	startup := log.New(os.Stdout, "[REALTIME] ", log.LstdFlags)

	// automaxprocs sets GOMAXPROCS from the container CPU limit (rounded down)
	startup.Printf("GOMAXPROCS: %d (via automaxprocs)", runtime.GOMAXPROCS(0))

	// Load configuration from .env file and environment variables
	cfg, err := platform.LoadConfig(nil)
	if err != nil {
		startup.Fatalf("Failed to load configuration: %v", err)
	}

	// Override debug mode if flag set
	if *debug {
		cfg.LogLevel = types.LogLevelDebug
		startup.Printf("Debug mode enabled via flag")
	}

	cfg.Print()

	logger := monitoring.NewLogger(monitoring.LoggerConfig{
		Level:  cfg.LogLevel,
		Format: cfg.LogFormat,
	})
	cfg.LogConfig(logger)

	systemMonitor := monitoring.NewSystemMonitor(logger)
	systemMonitor.StartMonitoring(cfg.MetricsInterval)

	connPool := pool.NewConnectionPool(pool.Config{
		WorkerCount:       cfg.WorkerCount,
		CapacityPerWorker: cfg.CapacityPerWorker,
		MaxWorkers:        cfg.MaxWorkers,
		QueueSize:         cfg.QueueSize,
		AutoScale:         cfg.AutoScale,
		PingInterval:      cfg.PingInterval,
		Logger:            logger,
	})
	connPool.Start()

	snapshotStore, closeStore := newSnapshotStore(cfg, logger)

	collector := metrics.NewCollector(metrics.Config{
		Store:            snapshotStore,
		Pool:             connPool,
		System:           systemMonitor,
		SnapshotSchedule: cfg.SnapshotSchedule,
		PublishSchedule:  "@every " + cfg.MetricsInterval.String(),
		Retention:        cfg.SnapshotRetention,
		Logger:           logger,
	})
	if err := collector.Start(); err != nil {
		logger.Fatal().Err(err).Msg("Failed to start metrics collector")
	}

	manager := session.NewManager(session.Config{
		MaxMessageBytes: cfg.MaxMessageBytes,
		CloseOnOversize: cfg.CloseOnOversize,
		Pool:            connPool,
		Verifier:        auth.NewJWTVerifier(cfg.JWTSecret, cfg.JWTIssuer),
		Limiter:         limits.NewRateLimiter(cfg.MessageRateLimit, cfg.MessageRateWindow),
		Observer:        collector,
		Logger:          logger,
	})

	notifier, closeNotifier := newNotifier(cfg, logger)
	alertService := alerts.NewService(alerts.Config{
		Source:            collector,
		Notifier:          notifier,
		Interval:          cfg.AlertInterval,
		Retention:         cfg.AlertRetention,
		AnomalyMetrics:    cfg.AnomalyMetrics,
		AnomalyDeviations: cfg.AnomalyDeviations,
		Logger:            logger,
	})
	if err := alertService.InstallDefaults(); err != nil {
		logger.Fatal().Err(err).Msg("Failed to install default alert thresholds")
	}
	alertService.Start()

	var consumer *kafka.Consumer
	if cfg.KafkaEnabled() {
		consumer, err = kafka.NewConsumer(kafka.ConsumerConfig{
			Brokers:       cfg.KafkaBrokers,
			ConsumerGroup: cfg.ConsumerGroup,
			Topics:        cfg.KafkaTopics,
			Dispatcher:    manager,
			Logger:        logger,
			MaxRate:       cfg.KafkaMaxRate,
		})
		if err != nil {
			logger.Fatal().Err(err).Strs("brokers", cfg.KafkaBrokers).Msg("Failed to create Kafka consumer")
		}
		consumer.Start()
	}

	server, err := shared.NewServer(cfg.ServerConfig(), shared.Dependencies{
		Manager: manager,
		Metrics: collector,
		Alerts:  alertService,
		Logger:  logger,
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to create server")
	}
	if err := server.Start(); err != nil {
		logger.Fatal().Err(err).Msg("Failed to start server")
	}

	// Wait for interrupt signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	sig := <-sigCh

	logger.Info().Str("signal", sig.String()).Msg("Shutting down server")

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	// Producers first, then the transport, then the workers behind it
	alertService.Stop()
	collector.Stop()
	if consumer != nil {
		consumer.Stop()
	}
	if err := server.Shutdown(ctx); err != nil {
		logger.Error().Err(err).Msg("Error during server shutdown")
	}
	connPool.Stop()

	closeNotifier(ctx)
	closeStore()
	systemMonitor.Shutdown()

	logger.Info().Msg("Shutdown complete")
}

// newSnapshotStore uses Redis when REDIS_URL is set and reachable, otherwise
// an in-memory store.
func newSnapshotStore(cfg *platform.Config, logger zerolog.Logger) (metrics.SnapshotStore, func()) {
	if cfg.RedisURL == "" {
		return metrics.NewMemoryStore(), func() {}
	}

	opts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		logger.Fatal().Err(err).Msg("Invalid REDIS_URL")
	}
	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		monitoring.LogError(logger, err, "Redis unreachable, keeping metric snapshots in memory", map[string]any{
			"addr": opts.Addr,
		})
		_ = client.Close()
		return metrics.NewMemoryStore(), func() {}
	}

	logger.Info().Str("addr", opts.Addr).Str("key", cfg.RedisSnapshotKey).Msg("Metric snapshots stored in Redis")
	return metrics.NewRedisStore(client, cfg.RedisSnapshotKey), func() { _ = client.Close() }
}

// newNotifier fans alerts out to the console plus Slack and NATS when
// configured.
func newNotifier(cfg *platform.Config, logger zerolog.Logger) (monitoring.Alerter, func(context.Context)) {
	alerters := []monitoring.Alerter{monitoring.NewConsoleAlerter(logger)}
	closeFn := func(context.Context) {}

	if cfg.SlackWebhookURL != "" {
		alerters = append(alerters, monitoring.NewSlackAlerter(monitoring.SlackConfig{
			WebhookURL: cfg.SlackWebhookURL,
			Channel:    cfg.SlackChannel,
			Username:   "realtime-alerts",
			Logger:     logger,
		}))
	}

	if cfg.NATSURL != "" {
		natsAlerter, err := monitoring.ConnectNATSAlerter(cfg.NATSURL, cfg.NATSAlertSubject, logger)
		if err != nil {
			monitoring.LogError(logger, err, "NATS alert channel unavailable", map[string]any{
				"url": cfg.NATSURL,
			})
		} else {
			alerters = append(alerters, natsAlerter)
			closeFn = func(ctx context.Context) {
				if err := natsAlerter.Close(ctx); err != nil {
					logger.Warn().Err(err).Msg("Error draining NATS alert connection")
				}
			}
		}
	}

	return monitoring.NewMultiAlerter(logger, alerters...), closeFn
}
