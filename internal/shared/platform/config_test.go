package platform

import (
	"testing"
	"time"

	"github.com/DentaMind/SmartDentalAI-sub001/internal/shared/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfig_Defaults(t *testing.T) {
	t.Setenv("JWT_SECRET", "a-very-long-test-secret")

	cfg, err := LoadConfig(nil)
	require.NoError(t, err)

	assert.Equal(t, ":3002", cfg.Addr)
	assert.Equal(t, 100*1024, cfg.MaxMessageBytes)
	assert.Equal(t, 60, cfg.MessageRateLimit)
	assert.Equal(t, time.Minute, cfg.MessageRateWindow)
	assert.Equal(t, "@every 1h", cfg.SnapshotSchedule)
	assert.Equal(t, 30*24*time.Hour, cfg.SnapshotRetention)
	assert.Equal(t, 7*24*time.Hour, cfg.AlertRetention)
	assert.Equal(t, []string{"connections.active", "messages.error_rate", "latency.avg_ms"}, cfg.AnomalyMetrics)
	assert.Equal(t, types.LogLevelInfo, cfg.LogLevel)
	assert.False(t, cfg.KafkaEnabled())

	sc := cfg.ServerConfig()
	assert.Equal(t, cfg.Addr, sc.Addr)
	assert.Equal(t, cfg.MaxMessageBytes, sc.MaxMessageBytes)
}

func TestLoadConfig_Overrides(t *testing.T) {
	t.Setenv("JWT_SECRET", "a-very-long-test-secret")
	t.Setenv("WS_WORKER_COUNT", "2")
	t.Setenv("WS_MAX_WORKERS", "3")
	t.Setenv("KAFKA_BROKERS", "kafka-1:9092,kafka-2:9092")
	t.Setenv("LOG_FORMAT", "pretty")

	cfg, err := LoadConfig(nil)
	require.NoError(t, err)
	assert.Equal(t, 2, cfg.WorkerCount)
	assert.Equal(t, 3, cfg.MaxWorkers)
	assert.Equal(t, []string{"kafka-1:9092", "kafka-2:9092"}, cfg.KafkaBrokers)
	assert.True(t, cfg.KafkaEnabled())
	assert.Equal(t, types.LogFormatPretty, cfg.LogFormat)
}

func TestLoadConfig_Invalid(t *testing.T) {
	cases := map[string]map[string]string{
		"missing secret":        {},
		"short secret":          {"JWT_SECRET": "short"},
		"bad log level":         {"JWT_SECRET": "a-very-long-test-secret", "LOG_LEVEL": "chatty"},
		"max below initial":     {"JWT_SECRET": "a-very-long-test-secret", "WS_WORKER_COUNT": "8", "WS_MAX_WORKERS": "4"},
		"ping slower than pong": {"JWT_SECRET": "a-very-long-test-secret", "WS_PING_INTERVAL": "90s"},
		"zero rate limit":       {"JWT_SECRET": "a-very-long-test-secret", "WS_MESSAGE_RATE_LIMIT": "0"},
		"bad slack url":         {"JWT_SECRET": "a-very-long-test-secret", "SLACK_WEBHOOK_URL": "not a url"},
	}

	for name, vars := range cases {
		t.Run(name, func(t *testing.T) {
			t.Setenv("JWT_SECRET", "")
			for k, v := range vars {
				t.Setenv(k, v)
			}
			_, err := LoadConfig(nil)
			assert.Error(t, err)
		})
	}
}
