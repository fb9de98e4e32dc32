// Package platform loads process configuration from the environment.
package platform

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/DentaMind/SmartDentalAI-sub001/internal/shared/types"
	"github.com/caarlos0/env/v11"
	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/go-ozzo/ozzo-validation/v4/is"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
)

// Config holds all server configuration
// Tags:
//
//	env: Environment variable name
//	envDefault: Default value if not set
type Config struct {
	// Server basics
	Addr        string `env:"WS_ADDR" envDefault:":3002"`
	Environment string `env:"ENVIRONMENT" envDefault:"development"`

	// Inbound frames
	MaxMessageBytes int           `env:"WS_MAX_MESSAGE_BYTES" envDefault:"102400"` // 100 KiB
	CloseOnOversize bool          `env:"WS_CLOSE_ON_OVERSIZE" envDefault:"false"`
	PongWait        time.Duration `env:"WS_PONG_WAIT" envDefault:"60s"`
	WriteWait       time.Duration `env:"WS_WRITE_WAIT" envDefault:"5s"`
	PingInterval    time.Duration `env:"WS_PING_INTERVAL" envDefault:"25s"`

	// Connection pool
	WorkerCount       int  `env:"WS_WORKER_COUNT" envDefault:"4"`
	CapacityPerWorker int  `env:"WS_CAPACITY_PER_WORKER" envDefault:"250"`
	MaxWorkers        int  `env:"WS_MAX_WORKERS" envDefault:"16"`
	QueueSize         int  `env:"WS_WORKER_QUEUE_SIZE" envDefault:"1024"`
	AutoScale         bool `env:"WS_AUTO_SCALE" envDefault:"true"`

	// Per-connection message rate limit
	MessageRateLimit  int           `env:"WS_MESSAGE_RATE_LIMIT" envDefault:"60"`
	MessageRateWindow time.Duration `env:"WS_MESSAGE_RATE_WINDOW" envDefault:"60s"`

	// Connection rate limiting (DoS protection)
	ConnectionRateLimitEnabled bool    `env:"CONN_RATE_LIMIT_ENABLED" envDefault:"true"`
	ConnRateLimitIPBurst       int     `env:"CONN_RATE_LIMIT_IP_BURST" envDefault:"10"`
	ConnRateLimitIPRate        float64 `env:"CONN_RATE_LIMIT_IP_RATE" envDefault:"1.0"`
	ConnRateLimitGlobalBurst   int     `env:"CONN_RATE_LIMIT_GLOBAL_BURST" envDefault:"300"`
	ConnRateLimitGlobalRate    float64 `env:"CONN_RATE_LIMIT_GLOBAL_RATE" envDefault:"50.0"`

	// Authentication
	JWTSecret  string `env:"JWT_SECRET"`
	JWTIssuer  string `env:"JWT_ISSUER"`
	AdminToken string `env:"ADMIN_TOKEN"`

	// HTTP server
	HTTPReadTimeout  time.Duration `env:"HTTP_READ_TIMEOUT" envDefault:"15s"`
	HTTPWriteTimeout time.Duration `env:"HTTP_WRITE_TIMEOUT" envDefault:"15s"`
	HTTPIdleTimeout  time.Duration `env:"HTTP_IDLE_TIMEOUT" envDefault:"60s"`

	// Metrics
	SnapshotSchedule  string        `env:"METRICS_SNAPSHOT_SCHEDULE" envDefault:"@every 1h"`
	SnapshotRetention time.Duration `env:"METRICS_SNAPSHOT_RETENTION" envDefault:"720h"` // 30 days
	MetricsInterval   time.Duration `env:"METRICS_INTERVAL" envDefault:"15s"`
	RedisURL          string        `env:"REDIS_URL"` // Optional durable snapshot store
	RedisSnapshotKey  string        `env:"REDIS_SNAPSHOT_KEY" envDefault:"realtime:metrics:snapshots"`

	// Alerting
	AlertInterval     time.Duration `env:"ALERT_INTERVAL" envDefault:"60s"`
	AlertRetention    time.Duration `env:"ALERT_RETENTION" envDefault:"168h"` // 7 days
	AnomalyMetrics    []string      `env:"ALERT_ANOMALY_METRICS" envSeparator:"," envDefault:"connections.active,messages.error_rate,latency.avg_ms"`
	AnomalyDeviations float64       `env:"ALERT_ANOMALY_DEVIATIONS" envDefault:"3"`
	SlackWebhookURL   string        `env:"SLACK_WEBHOOK_URL"`
	SlackChannel      string        `env:"SLACK_CHANNEL"`
	NATSURL           string        `env:"NATS_URL"`
	NATSAlertSubject  string        `env:"NATS_ALERT_SUBJECT" envDefault:"realtime.alerts"`

	// Kafka ingest (disabled when no brokers are set)
	KafkaBrokers  []string `env:"KAFKA_BROKERS" envSeparator:","`
	ConsumerGroup string   `env:"KAFKA_CONSUMER_GROUP" envDefault:"realtime-core"`
	KafkaTopics   []string `env:"KAFKA_TOPICS" envSeparator:"," envDefault:"realtime.events"`
	KafkaMaxRate  float64  `env:"KAFKA_MAX_RATE" envDefault:"0"`

	// Logging
	LogLevel  types.LogLevel  `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat types.LogFormat `env:"LOG_FORMAT" envDefault:"json"`
}

// LoadConfig reads configuration from .env file and environment variables
// Priority: ENV vars > .env file > defaults
//
// Optional logger parameter for structured logging. If nil, logs to stdout.
func LoadConfig(logger *zerolog.Logger) (*Config, error) {
	// Load .env file (optional - OK if it doesn't exist)
	if err := godotenv.Load(); err != nil {
		if logger != nil {
			logger.Info().Msg("No .env file found (using environment variables only)")
		} else {
			fmt.Println("Info: No .env file found (using environment variables only)")
		}
	} else if logger != nil {
		logger.Info().Msg("Loaded configuration from .env file")
	}

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	if logger != nil {
		logger.Info().Msg("Configuration loaded and validated successfully")
	}
	return cfg, nil
}

// Validate checks configuration for errors
func (c *Config) Validate() error {
	err := validation.ValidateStruct(c,
		validation.Field(&c.Addr, validation.Required),
		validation.Field(&c.MaxMessageBytes, validation.Required, validation.Min(1)),
		validation.Field(&c.PongWait, validation.Required, validation.Min(time.Second)),
		validation.Field(&c.WriteWait, validation.Required, validation.Min(100*time.Millisecond)),
		validation.Field(&c.WorkerCount, validation.Required, validation.Min(1)),
		validation.Field(&c.CapacityPerWorker, validation.Required, validation.Min(1)),
		validation.Field(&c.MaxWorkers, validation.Required, validation.Min(1)),
		validation.Field(&c.QueueSize, validation.Required, validation.Min(1)),
		validation.Field(&c.MessageRateLimit, validation.Required, validation.Min(1)),
		validation.Field(&c.MessageRateWindow, validation.Required, validation.Min(time.Second)),
		validation.Field(&c.JWTSecret, validation.Required, validation.Length(16, 0)),
		validation.Field(&c.SnapshotSchedule, validation.Required),
		validation.Field(&c.SnapshotRetention, validation.Required, validation.Min(time.Hour)),
		validation.Field(&c.MetricsInterval, validation.Required, validation.Min(time.Second)),
		validation.Field(&c.RedisURL, is.RequestURI),
		validation.Field(&c.AlertInterval, validation.Required, validation.Min(time.Second)),
		validation.Field(&c.AlertRetention, validation.Required, validation.Min(time.Hour)),
		validation.Field(&c.AnomalyDeviations, validation.Min(0.0)),
		validation.Field(&c.SlackWebhookURL, is.URL),
		validation.Field(&c.NATSURL, is.RequestURI),
		validation.Field(&c.KafkaMaxRate, validation.Min(0.0)),
		validation.Field(&c.LogLevel, validation.Required,
			validation.In(types.LogLevelDebug, types.LogLevelInfo, types.LogLevelWarn, types.LogLevelError)),
		validation.Field(&c.LogFormat, validation.Required,
			validation.In(types.LogFormatJSON, types.LogFormatPretty)),
	)
	if err != nil {
		return err
	}

	// Logical checks
	if c.MaxWorkers < c.WorkerCount {
		return fmt.Errorf("WS_MAX_WORKERS (%d) must be >= WS_WORKER_COUNT (%d)", c.MaxWorkers, c.WorkerCount)
	}
	if c.PingInterval >= c.PongWait {
		return fmt.Errorf("WS_PING_INTERVAL (%s) must be shorter than WS_PONG_WAIT (%s)", c.PingInterval, c.PongWait)
	}
	if c.ConnectionRateLimitEnabled {
		if c.ConnRateLimitIPBurst < 1 || c.ConnRateLimitGlobalBurst < 1 {
			return errors.New("connection rate limit bursts must be > 0 when CONN_RATE_LIMIT_ENABLED")
		}
		if c.ConnRateLimitIPRate <= 0 || c.ConnRateLimitGlobalRate <= 0 {
			return errors.New("connection rate limit rates must be > 0 when CONN_RATE_LIMIT_ENABLED")
		}
	}
	if len(c.KafkaBrokers) > 0 && (c.ConsumerGroup == "" || len(c.KafkaTopics) == 0) {
		return errors.New("KAFKA_CONSUMER_GROUP and KAFKA_TOPICS are required when KAFKA_BROKERS is set")
	}
	return nil
}

// KafkaEnabled reports whether the ingest consumer should run.
func (c *Config) KafkaEnabled() bool { return len(c.KafkaBrokers) > 0 }

// ServerConfig extracts the transport settings.
func (c *Config) ServerConfig() types.ServerConfig {
	return types.ServerConfig{
		Addr:                       c.Addr,
		MaxMessageBytes:            c.MaxMessageBytes,
		PongWait:                   c.PongWait,
		WriteWait:                  c.WriteWait,
		ConnectionRateLimitEnabled: c.ConnectionRateLimitEnabled,
		ConnRateLimitIPBurst:       c.ConnRateLimitIPBurst,
		ConnRateLimitIPRate:        c.ConnRateLimitIPRate,
		ConnRateLimitGlobalBurst:   c.ConnRateLimitGlobalBurst,
		ConnRateLimitGlobalRate:    c.ConnRateLimitGlobalRate,
		AdminToken:                 c.AdminToken,
		HTTPReadTimeout:            c.HTTPReadTimeout,
		HTTPWriteTimeout:           c.HTTPWriteTimeout,
		HTTPIdleTimeout:            c.HTTPIdleTimeout,
		LogLevel:                   c.LogLevel,
		LogFormat:                  c.LogFormat,
	}
}

// Print logs configuration for debugging (human-readable format)
// For production, use LogConfig() with structured logging
func (c *Config) Print() {
	fmt.Println("=== Realtime Server Configuration ===")
	fmt.Printf("Environment:       %s\n", c.Environment)
	fmt.Printf("Address:           %s\n", c.Addr)
	fmt.Printf("Max Message:       %d bytes\n", c.MaxMessageBytes)
	fmt.Println("\n=== Connection Pool ===")
	fmt.Printf("Workers:           %d (max %d, auto-scale %t)\n", c.WorkerCount, c.MaxWorkers, c.AutoScale)
	fmt.Printf("Per Worker:        %d connections\n", c.CapacityPerWorker)
	fmt.Printf("Max Connections:   %d\n", c.MaxWorkers*c.CapacityPerWorker)
	fmt.Println("\n=== Rate Limits ===")
	fmt.Printf("Messages:          %d per %s\n", c.MessageRateLimit, c.MessageRateWindow)
	fmt.Printf("Upgrades per IP:   %.1f/sec (burst %d)\n", c.ConnRateLimitIPRate, c.ConnRateLimitIPBurst)
	fmt.Printf("Upgrades global:   %.1f/sec (burst %d)\n", c.ConnRateLimitGlobalRate, c.ConnRateLimitGlobalBurst)
	fmt.Println("\n=== Monitoring ===")
	fmt.Printf("Snapshots:         %s (retain %s)\n", c.SnapshotSchedule, c.SnapshotRetention)
	fmt.Printf("Alert Interval:    %s\n", c.AlertInterval)
	fmt.Printf("Anomaly Metrics:   %s\n", strings.Join(c.AnomalyMetrics, ", "))
	fmt.Printf("Kafka Ingest:      %t\n", c.KafkaEnabled())
	fmt.Println("\n=== Logging ===")
	fmt.Printf("Level:             %s\n", c.LogLevel)
	fmt.Printf("Format:            %s\n", c.LogFormat)
	fmt.Println("=====================================")
}

// LogConfig logs configuration using structured logging (Loki-compatible)
func (c *Config) LogConfig(logger zerolog.Logger) {
	logger.Info().
		Str("environment", c.Environment).
		Str("addr", c.Addr).
		Int("max_message_bytes", c.MaxMessageBytes).
		Bool("close_on_oversize", c.CloseOnOversize).
		Int("worker_count", c.WorkerCount).
		Int("max_workers", c.MaxWorkers).
		Int("capacity_per_worker", c.CapacityPerWorker).
		Bool("auto_scale", c.AutoScale).
		Int("message_rate_limit", c.MessageRateLimit).
		Dur("message_rate_window", c.MessageRateWindow).
		Bool("conn_rate_limit_enabled", c.ConnectionRateLimitEnabled).
		Str("snapshot_schedule", c.SnapshotSchedule).
		Dur("alert_interval", c.AlertInterval).
		Bool("redis_snapshots", c.RedisURL != "").
		Bool("slack_alerts", c.SlackWebhookURL != "").
		Bool("nats_alerts", c.NATSURL != "").
		Strs("kafka_brokers", c.KafkaBrokers).
		Bool("admin_auth", c.AdminToken != "").
		Str("log_level", string(c.LogLevel)).
		Str("log_format", string(c.LogFormat)).
		Msg("Server configuration loaded")
}
