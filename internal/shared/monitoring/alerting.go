package monitoring

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"time"

	"github.com/DentaMind/SmartDentalAI-sub001/internal/shared/types"
	"github.com/cenkalti/backoff/v4"
	jsoniter "github.com/json-iterator/go"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// errWebhookRejected marks a 4xx answer: the payload or webhook is wrong,
// the endpoint itself is up.
var errWebhookRejected = errors.New("slack webhook rejected alert")

// Alerter interface for sending notifications to external services
// Implementations: Slack, NATS, console
type Alerter interface {
	Alert(level types.Severity, message string, metadata map[string]any)
}

// MultiAlerter sends alerts to multiple alerters
// Example: Send to both Slack and NATS
type MultiAlerter struct {
	alerters []Alerter
	logger   zerolog.Logger
}

func NewMultiAlerter(logger zerolog.Logger, alerters ...Alerter) *MultiAlerter {
	return &MultiAlerter{alerters: alerters, logger: logger}
}

func (m *MultiAlerter) Alert(level types.Severity, message string, metadata map[string]any) {
	for _, alerter := range m.alerters {
		// Run in goroutine to avoid blocking the evaluation loop
		go func(a Alerter) {
			defer RecoverPanic(m.logger, "alerter", map[string]any{"alerter": fmt.Sprintf("%T", a)})
			a.Alert(level, message, metadata)
		}(alerter)
	}
}

// Len returns the number of configured alerters.
func (m *MultiAlerter) Len() int { return len(m.alerters) }

// SlackConfig configures a SlackAlerter.
type SlackConfig struct {
	WebhookURL string
	Channel    string
	Username   string
	Timeout    time.Duration // Per-request timeout (default: 5s)
	MaxRetries uint64        // Retries per alert on 5xx / transport errors (default: 3)
	RetryDelay time.Duration // First backoff interval (default: 200ms)
	Logger     zerolog.Logger
}

// SlackAlerter sends alerts to Slack via webhook.
//
// Delivery is wrapped in a circuit breaker so a dead webhook stops costing a
// request per alert, and each attempt is retried with exponential backoff.
// Errors are logged and never propagated: alerting must not break the server.
type SlackAlerter struct {
	webhookURL string
	channel    string
	username   string
	client     *http.Client
	breaker    *gobreaker.CircuitBreaker
	maxRetries uint64
	retryDelay time.Duration
	logger     zerolog.Logger
}

func NewSlackAlerter(cfg SlackConfig) *SlackAlerter {
	if cfg.Timeout == 0 {
		cfg.Timeout = 5 * time.Second
	}
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = 3
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = 200 * time.Millisecond
	}
	if cfg.Username == "" {
		cfg.Username = "realtime-core"
	}

	logger := cfg.Logger.With().Str("component", "slack_alerter").Logger()

	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "slack-webhook",
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		// A rejected payload is a configuration problem, not an outage
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, errWebhookRejected)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn().
				Str("breaker", name).
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("Slack circuit breaker state changed")
		},
	})

	return &SlackAlerter{
		webhookURL: cfg.WebhookURL,
		channel:    cfg.Channel,
		username:   cfg.Username,
		client:     &http.Client{Timeout: cfg.Timeout},
		breaker:    breaker,
		maxRetries: cfg.MaxRetries,
		retryDelay: cfg.RetryDelay,
		logger:     logger,
	}
}

func (s *SlackAlerter) Alert(level types.Severity, message string, metadata map[string]any) {
	if s.webhookURL == "" {
		return // Not configured
	}

	payload, err := json.Marshal(s.buildPayload(level, message, metadata))
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to encode Slack payload")
		return
	}

	_, err = s.breaker.Execute(func() (interface{}, error) {
		return nil, s.post(payload)
	})
	if err != nil {
		s.logger.Warn().
			Err(err).
			Str("level", string(level)).
			Msg("Slack alert not delivered")
	}
}

// post sends the payload, retrying transport errors and 5xx responses.
func (s *SlackAlerter) post(payload []byte) error {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = s.retryDelay
	policy.MaxElapsedTime = 10 * time.Second

	operation := func() error {
		resp, err := s.client.Post(s.webhookURL, "application/json", bytes.NewReader(payload))
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		switch {
		case resp.StatusCode >= 500:
			return fmt.Errorf("slack webhook returned %d", resp.StatusCode)
		case resp.StatusCode >= 400:
			return backoff.Permanent(fmt.Errorf("%w: %d", errWebhookRejected, resp.StatusCode))
		}
		return nil
	}

	return backoff.Retry(operation, backoff.WithMaxRetries(policy, s.maxRetries))
}

func (s *SlackAlerter) buildPayload(level types.Severity, message string, metadata map[string]any) map[string]any {
	keys := make([]string, 0, len(metadata))
	for k := range metadata {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	fields := make([]map[string]any, 0, len(keys))
	for _, k := range keys {
		fields = append(fields, map[string]any{
			"title": k,
			"value": fmt.Sprintf("%v", metadata[k]),
			"short": true,
		})
	}

	return map[string]any{
		"username": s.username,
		"channel":  s.channel,
		"text":     fmt.Sprintf("%s *%s Alert*", slackEmoji(level), level),
		"attachments": []map[string]any{
			{
				"color":     slackColor(level),
				"title":     message,
				"fields":    fields,
				"timestamp": time.Now().Unix(),
				"footer":    "Realtime Core",
			},
		},
	}
}

func slackColor(level types.Severity) string {
	switch level {
	case types.SeverityCritical, types.SeverityError:
		return "danger"
	case types.SeverityWarning:
		return "warning"
	default:
		return "good"
	}
}

func slackEmoji(level types.Severity) string {
	switch level {
	case types.SeverityCritical:
		return ":rotating_light:"
	case types.SeverityError:
		return ":x:"
	case types.SeverityWarning:
		return ":warning:"
	default:
		return ":information_source:"
	}
}

// Publisher is the subset of *nats.Conn used by NATSAlerter.
type Publisher interface {
	Publish(subject string, data []byte) error
}

// NATSAlerter publishes alerts as JSON to a NATS subject so other services
// (paging, dashboards) can react without polling the admin API.
type NATSAlerter struct {
	publisher Publisher
	conn      *nats.Conn // set when the alerter owns the connection
	subject   string
	logger    zerolog.Logger
}

// NewNATSAlerter wraps an existing publisher.
func NewNATSAlerter(publisher Publisher, subject string, logger zerolog.Logger) *NATSAlerter {
	return &NATSAlerter{
		publisher: publisher,
		subject:   subject,
		logger:    logger.With().Str("component", "nats_alerter").Logger(),
	}
}

// ConnectNATSAlerter dials url and returns an alerter that owns the connection.
func ConnectNATSAlerter(url, subject string, logger zerolog.Logger) (*NATSAlerter, error) {
	nc, err := nats.Connect(url,
		nats.Name("realtime-core-alerts"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to nats: %w", err)
	}

	a := NewNATSAlerter(nc, subject, logger)
	a.conn = nc
	return a, nil
}

func (n *NATSAlerter) Alert(level types.Severity, message string, metadata map[string]any) {
	data, err := json.Marshal(map[string]any{
		"severity":  level,
		"message":   message,
		"metadata":  metadata,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
	if err != nil {
		n.logger.Error().Err(err).Msg("Failed to encode alert")
		return
	}

	if err := n.publisher.Publish(n.subject, data); err != nil {
		n.logger.Warn().Err(err).Str("subject", n.subject).Msg("Failed to publish alert")
	}
}

// Close drains the owned connection, if any.
func (n *NATSAlerter) Close(ctx context.Context) error {
	if n.conn == nil {
		return nil
	}
	done := make(chan error, 1)
	go func() { done <- n.conn.Drain() }()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		n.conn.Close()
		return ctx.Err()
	}
}

// ConsoleAlerter writes alerts to the structured log (for development/testing)
type ConsoleAlerter struct {
	logger zerolog.Logger
}

func NewConsoleAlerter(logger zerolog.Logger) *ConsoleAlerter {
	return &ConsoleAlerter{logger: logger.With().Str("component", "console_alerter").Logger()}
}

func (c *ConsoleAlerter) Alert(level types.Severity, message string, metadata map[string]any) {
	event := c.logger.Warn()
	if level == types.SeverityInfo {
		event = c.logger.Info()
	}
	event.Str("severity", string(level)).
		Fields(metadata).
		Msg("ALERT: " + message)
}
