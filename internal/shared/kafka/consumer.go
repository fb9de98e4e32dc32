// Package kafka bridges server-push events published by the rest of the
// backend onto realtime connections.
package kafka

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/DentaMind/SmartDentalAI-sub001/internal/shared/messaging"
	"github.com/DentaMind/SmartDentalAI-sub001/internal/shared/monitoring"
	jsoniter "github.com/json-iterator/go"
	"github.com/rs/zerolog"
	"github.com/twmb/franz-go/pkg/kgo"
	"golang.org/x/time/rate"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Target selects how an ingested record is delivered.
type Target string

const (
	TargetSubject Target = "subject" // every connection of one user
	TargetRoom    Target = "room"    // every member of one room
	TargetAll     Target = "all"     // every connection
	TargetEvent   Target = "event"   // server-side event listeners only
)

// Envelope is the JSON value of an ingest record. When ID is empty the record
// key is used instead.
type Envelope struct {
	Target  Target              `json:"target"`
	ID      string              `json:"id,omitempty"`
	Message jsoniter.RawMessage `json:"message"`
}

var (
	ErrUnknownTarget = errors.New("unknown delivery target")
	ErrMissingID     = errors.New("target requires an id")
)

// Dispatcher is the part of the connection manager the consumer drives.
type Dispatcher interface {
	SendToSubject(msg messaging.Outbound, subjectID string) int
	BroadcastToRoom(ctx context.Context, roomID string, msg messaging.Outbound) (delivered, failed int)
	Broadcast(msg messaging.Outbound) int
	TriggerEvent(ctx context.Context, eventType string, data map[string]any) int
}

// ConsumerConfig holds consumer configuration
type ConsumerConfig struct {
	Brokers       []string
	ConsumerGroup string
	Topics        []string
	Dispatcher    Dispatcher
	Logger        zerolog.Logger

	// Optional ingest rate limit (records/sec, 0 = unlimited). Records over
	// the limit are dropped, matching the at-most-once delivery of the pool.
	MaxRate float64
	Burst   int
}

// Consumer wraps a franz-go client and dispatches every record it fetches.
type Consumer struct {
	client     *kgo.Client
	dispatcher Dispatcher
	limiter    *rate.Limiter
	logger     zerolog.Logger
	topics     []string

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	messagesProcessed atomic.Uint64
	messagesFailed    atomic.Uint64
	messagesDropped   atomic.Uint64
}

// NewConsumer creates a consumer. Consumption begins with Start.
func NewConsumer(cfg ConsumerConfig) (*Consumer, error) {
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("at least one broker is required")
	}
	if cfg.ConsumerGroup == "" {
		return nil, fmt.Errorf("consumer group is required")
	}
	if len(cfg.Topics) == 0 {
		return nil, fmt.Errorf("at least one topic is required")
	}
	if cfg.Dispatcher == nil {
		return nil, fmt.Errorf("dispatcher is required")
	}

	logger := cfg.Logger.With().Str("component", "kafka_consumer").Logger()

	client, err := kgo.NewClient(
		kgo.SeedBrokers(cfg.Brokers...),
		kgo.ConsumerGroup(cfg.ConsumerGroup),
		kgo.ConsumeTopics(cfg.Topics...),
		kgo.ConsumeResetOffset(kgo.NewOffset().AtEnd()), // Pushes are live only
		kgo.FetchMaxWait(500*time.Millisecond),
		kgo.FetchMaxBytes(10*1024*1024),
		kgo.SessionTimeout(30*time.Second),
		kgo.OnPartitionsAssigned(func(_ context.Context, _ *kgo.Client, assigned map[string][]int32) {
			logger.Info().Interface("partitions", assigned).Msg("Partitions assigned")
		}),
		kgo.OnPartitionsRevoked(func(_ context.Context, _ *kgo.Client, revoked map[string][]int32) {
			logger.Info().Interface("partitions", revoked).Msg("Partitions revoked")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create kafka client: %w", err)
	}

	c := newConsumer(cfg, logger)
	c.client = client
	return c, nil
}

func newConsumer(cfg ConsumerConfig, logger zerolog.Logger) *Consumer {
	ctx, cancel := context.WithCancel(context.Background())

	c := &Consumer{
		dispatcher: cfg.Dispatcher,
		logger:     logger,
		topics:     cfg.Topics,
		ctx:        ctx,
		cancel:     cancel,
	}
	if cfg.MaxRate > 0 {
		burst := cfg.Burst
		if burst <= 0 {
			burst = int(cfg.MaxRate) + 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(cfg.MaxRate), burst)
	}
	return c
}

// Start begins consuming.
func (c *Consumer) Start() {
	c.logger.Info().Strs("topics", c.topics).Msg("Starting Kafka consumer")

	c.wg.Add(1)
	go c.consumeLoop()
}

// Stop cancels polling, waits for the loop and closes the client.
func (c *Consumer) Stop() {
	c.cancel()
	c.wg.Wait()
	if c.client != nil {
		c.client.Close()
	}

	processed, failed, dropped := c.Stats()
	c.logger.Info().
		Uint64("messages_processed", processed).
		Uint64("messages_failed", failed).
		Uint64("messages_dropped", dropped).
		Msg("Kafka consumer stopped")
}

func (c *Consumer) consumeLoop() {
	// CRITICAL: Panic recovery must be FIRST defer (executes LAST in LIFO order)
	defer monitoring.RecoverPanic(c.logger, "consumeLoop", map[string]any{
		"topics": c.topics,
	})
	defer c.wg.Done()

	for {
		fetches := c.client.PollFetches(c.ctx)
		if fetches.IsClientClosed() || c.ctx.Err() != nil {
			return
		}

		for _, err := range fetches.Errors() {
			c.logger.Error().
				Err(err.Err).
				Str("topic", err.Topic).
				Int32("partition", err.Partition).
				Msg("Fetch error")
		}

		fetches.EachRecord(c.handleRecord)
	}
}

// handleRecord decodes and dispatches one record. Failures are counted and
// logged; a bad record never stops consumption.
func (c *Consumer) handleRecord(record *kgo.Record) {
	if c.limiter != nil && !c.limiter.Allow() {
		dropped := c.messagesDropped.Add(1)
		// Log every 100th drop to avoid log spam
		if dropped%100 == 1 {
			c.logger.Warn().
				Uint64("dropped_count", dropped).
				Str("topic", record.Topic).
				Msg("Ingest rate limit exceeded - dropping records")
		}
		return
	}

	if err := c.dispatch(c.ctx, record); err != nil {
		c.messagesFailed.Add(1)
		c.logger.Warn().
			Err(err).
			Str("topic", record.Topic).
			Int32("partition", record.Partition).
			Int64("offset", record.Offset).
			Msg("Dropping undeliverable record")
		return
	}
	c.messagesProcessed.Add(1)
}

func (c *Consumer) dispatch(ctx context.Context, record *kgo.Record) error {
	var env Envelope
	if err := json.Unmarshal(record.Value, &env); err != nil {
		return fmt.Errorf("invalid envelope: %w", err)
	}
	if env.ID == "" {
		env.ID = string(record.Key)
	}

	event, err := messaging.EventFromJSON(env.Message)
	if err != nil {
		return fmt.Errorf("invalid message: %w", err)
	}

	var recipients int
	switch env.Target {
	case TargetSubject:
		if env.ID == "" {
			return fmt.Errorf("%w: %s", ErrMissingID, env.Target)
		}
		recipients = c.dispatcher.SendToSubject(event, env.ID)
	case TargetRoom:
		if env.ID == "" {
			return fmt.Errorf("%w: %s", ErrMissingID, env.Target)
		}
		recipients, _ = c.dispatcher.BroadcastToRoom(ctx, env.ID, event)
	case TargetAll:
		recipients = c.dispatcher.Broadcast(event)
	case TargetEvent:
		recipients = c.dispatcher.TriggerEvent(ctx, string(event.Type), event.Data)
	default:
		return fmt.Errorf("%w: %q", ErrUnknownTarget, env.Target)
	}

	c.logger.Debug().
		Str("target", string(env.Target)).
		Str("id", env.ID).
		Str("message_type", string(event.Type)).
		Int("recipients", recipients).
		Msg("Dispatched ingest record")
	return nil
}

// Stats returns processed, failed and dropped record counts.
func (c *Consumer) Stats() (processed, failed, dropped uint64) {
	return c.messagesProcessed.Load(), c.messagesFailed.Load(), c.messagesDropped.Load()
}
