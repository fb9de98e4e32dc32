package types

import "time"

// LogLevel represents log verbosity level
type LogLevel string

const (
	LogLevelDebug LogLevel = "debug"
	LogLevelInfo  LogLevel = "info"
	LogLevelWarn  LogLevel = "warn"
	LogLevelError LogLevel = "error"
	LogLevelFatal LogLevel = "fatal"
)

// LogFormat represents log output format
type LogFormat string

const (
	LogFormatJSON   LogFormat = "json"   // JSON format for Loki
	LogFormatPretty LogFormat = "pretty" // Human-readable for local dev
)

// ServerConfig contains the transport-level configuration for the realtime server.
// It is derived from platform.Config in main and handed to shared.NewServer.
type ServerConfig struct {
	Addr string

	// Inbound frame handling
	MaxMessageBytes int // Largest inbound frame accepted (default: 100 KiB)

	// Keep-alive and write deadlines
	PongWait  time.Duration // Read deadline refreshed on every frame (default: 30s)
	WriteWait time.Duration // Deadline for a single outbound write (default: 5s)

	// Upgrade throttling (DoS protection in front of authentication)
	ConnectionRateLimitEnabled bool
	ConnRateLimitIPBurst       int
	ConnRateLimitIPRate        float64
	ConnRateLimitGlobalBurst   int
	ConnRateLimitGlobalRate    float64

	// Administrative API
	AdminToken string // When set, /api/* requires "Authorization: Bearer <AdminToken>"

	// HTTP server timeouts
	HTTPReadTimeout  time.Duration
	HTTPWriteTimeout time.Duration
	HTTPIdleTimeout  time.Duration

	// Logging configuration
	LogLevel  LogLevel
	LogFormat LogFormat
}

// HealthStatus is the coarse health classification reported by /health.
type HealthStatus string

const (
	HealthHealthy   HealthStatus = "healthy"
	HealthDegraded  HealthStatus = "degraded"
	HealthUnhealthy HealthStatus = "unhealthy"
)

// Severity ranks alerts and notifications.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityError    Severity = "error"
	SeverityCritical Severity = "critical"
)

// Valid reports whether s is one of the known severities.
func (s Severity) Valid() bool {
	switch s {
	case SeverityInfo, SeverityWarning, SeverityError, SeverityCritical:
		return true
	}
	return false
}
