// Package metrics aggregates connection and delivery statistics reported by
// the connection manager, snapshots them on a schedule and derives a health
// status from them.
package metrics

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/DentaMind/SmartDentalAI-sub001/internal/shared/messaging"
	"github.com/DentaMind/SmartDentalAI-sub001/internal/shared/monitoring"
	"github.com/DentaMind/SmartDentalAI-sub001/internal/shared/pool"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

const (
	DefaultSnapshotSchedule = "@every 1h"
	DefaultPublishSchedule  = "@every 15s"
	DefaultRetention        = 30 * 24 * time.Hour
	DefaultLatencyWindow    = 1000
)

// PoolSource reports connection pool load.
type PoolSource interface {
	Stats() pool.Stats
}

// SystemSource reports the latest host and process sample.
type SystemSource interface {
	GetMetrics() monitoring.SystemMetrics
}

// Config holds configuration for the Collector
type Config struct {
	Store            SnapshotStore // Defaults to an in-memory store
	Pool             PoolSource
	System           SystemSource  // Optional
	SnapshotSchedule string        // cron expression (default: @every 1h)
	PublishSchedule  string        // cron expression for Prometheus gauges (default: @every 15s)
	Retention        time.Duration // Snapshot retention (default: 30 days)
	LatencyWindow    int           // Latency samples kept for percentiles (default: 1000)
	Thresholds       HealthThresholds
	Logger           zerolog.Logger
}

// Collector implements session.Observer.
type Collector struct {
	cfg    Config
	store  SnapshotStore
	logger zerolog.Logger

	mu            sync.Mutex
	active        int64
	total         int64
	peak          int64
	disconnects   int64
	durationTotal time.Duration
	subjects      map[string]int
	connSubjects  map[string]string
	received      int64
	bytesReceived int64
	sent          int64
	failed        int64
	byKind        map[string]int64
	errors        map[string]int64
	winReceived   int64 // since the last stored snapshot
	winErrors     int64
	latencies     []time.Duration // ring buffer
	latencyNext   int
	latencyFull   bool

	cron    *cron.Cron
	started bool
	now     func() time.Time
}

// NewCollector creates a collector. Start schedules snapshotting.
func NewCollector(cfg Config) *Collector {
	if cfg.Store == nil {
		cfg.Store = NewMemoryStore()
	}
	if cfg.SnapshotSchedule == "" {
		cfg.SnapshotSchedule = DefaultSnapshotSchedule
	}
	if cfg.PublishSchedule == "" {
		cfg.PublishSchedule = DefaultPublishSchedule
	}
	if cfg.Retention <= 0 {
		cfg.Retention = DefaultRetention
	}
	if cfg.LatencyWindow <= 0 {
		cfg.LatencyWindow = DefaultLatencyWindow
	}
	cfg.Thresholds = cfg.Thresholds.withDefaults()

	return &Collector{
		cfg:          cfg,
		store:        cfg.Store,
		logger:       cfg.Logger.With().Str("component", "metrics_collector").Logger(),
		subjects:     make(map[string]int),
		connSubjects: make(map[string]string),
		byKind:       make(map[string]int64),
		errors:       make(map[string]int64),
		latencies:    make([]time.Duration, cfg.LatencyWindow),
		now:          time.Now,
	}
}

func (c *Collector) OnConnect(connID, subjectID string) {
	c.mu.Lock()
	c.active++
	c.total++
	if c.active > c.peak {
		c.peak = c.active
	}
	c.subjects[subjectID]++
	c.connSubjects[connID] = subjectID
	c.mu.Unlock()

	monitoring.RecordConnect()
}

func (c *Collector) OnDisconnect(connID string, duration time.Duration) {
	c.mu.Lock()
	c.active--
	c.disconnects++
	c.durationTotal += duration
	if subject, ok := c.connSubjects[connID]; ok {
		delete(c.connSubjects, connID)
		if c.subjects[subject]--; c.subjects[subject] <= 0 {
			delete(c.subjects, subject)
		}
	}
	c.mu.Unlock()

	monitoring.RecordDisconnect(duration)
}

func (c *Collector) OnMessageReceived(_ string, size int) {
	c.mu.Lock()
	c.received++
	c.winReceived++
	c.bytesReceived += int64(size)
	c.mu.Unlock()

	monitoring.RecordMessageReceived(size)
}

func (c *Collector) OnMessageSent(kind string, delivered, failed int, latency time.Duration) {
	c.mu.Lock()
	c.sent += int64(delivered)
	c.failed += int64(failed)
	c.byKind[kind]++
	c.latencies[c.latencyNext] = latency
	c.latencyNext = (c.latencyNext + 1) % len(c.latencies)
	if c.latencyNext == 0 {
		c.latencyFull = true
	}
	c.mu.Unlock()

	monitoring.RecordDelivery(kind, delivered, failed, latency)
}

func (c *Collector) OnError(code messaging.ErrorCode) {
	c.mu.Lock()
	c.errors[string(code)]++
	c.winErrors++
	c.mu.Unlock()

	monitoring.RecordProtocolError(string(code))
	switch code {
	case messaging.CodeRateLimitExceeded:
		monitoring.IncrementRateLimitedMessages()
	case messaging.CodeAdmissionRejected:
		monitoring.RecordAdmissionRejected()
	case messaging.CodeAuthentication:
		monitoring.RecordAuthFailure()
	}
}

// Current returns a snapshot of the live counters without storing it.
func (c *Collector) Current() Snapshot {
	return c.capture(false)
}

// capture reads every counter under one lock. With roll set, the interval
// counters restart so the next interval begins exactly where this one ends.
func (c *Collector) capture(roll bool) Snapshot {
	c.mu.Lock()
	s := Snapshot{
		Timestamp: c.now().UTC(),
		Connections: ConnectionStats{
			Active:         c.active,
			Total:          c.total,
			Peak:           c.peak,
			Disconnects:    c.disconnects,
			UniqueSubjects: len(c.subjects),
		},
		Messages: MessageStats{
			Received:      c.received,
			BytesReceived: c.bytesReceived,
			Sent:          c.sent,
			Failed:        c.failed,
			ByKind:        make(map[string]int64, len(c.byKind)),

			IntervalReceived: c.winReceived,
			IntervalErrors:   c.winErrors,
		},
		Errors: make(map[string]int64, len(c.errors)),
	}
	if c.disconnects > 0 {
		s.Connections.AvgDurationSec = c.durationTotal.Seconds() / float64(c.disconnects)
	}
	for k, v := range c.byKind {
		s.Messages.ByKind[k] = v
	}
	for k, v := range c.errors {
		s.Errors[k] = v
		s.Messages.Errors += v
	}
	samples := c.latencySamplesLocked()
	if roll {
		c.winReceived = 0
		c.winErrors = 0
	}
	c.mu.Unlock()

	if attempts := s.Messages.IntervalReceived + s.Messages.IntervalErrors; attempts > 0 {
		s.Messages.ErrorRate = float64(s.Messages.IntervalErrors) / float64(attempts)
	}
	s.Latency = summarize(samples)

	if c.cfg.Pool != nil {
		ps := c.cfg.Pool.Stats()
		s.Pool = PoolSummary{
			Workers:     ps.WorkerCount,
			MaxWorkers:  ps.MaxWorkers,
			Connections: ps.TotalConnections,
			Capacity:    ps.TotalCapacity,
			Utilization: ps.Utilization,
		}
	}
	if c.cfg.System != nil {
		s.System = c.cfg.System.GetMetrics()
	}
	return s
}

func (c *Collector) latencySamplesLocked() []time.Duration {
	n := c.latencyNext
	if c.latencyFull {
		n = len(c.latencies)
	}
	out := make([]time.Duration, n)
	copy(out, c.latencies[:n])
	return out
}

func summarize(samples []time.Duration) LatencyStats {
	if len(samples) == 0 {
		return LatencyStats{}
	}
	sort.Slice(samples, func(i, j int) bool { return samples[i] < samples[j] })

	var total time.Duration
	for _, d := range samples {
		total += d
	}
	return LatencyStats{
		Samples: len(samples),
		AvgMs:   ms(total / time.Duration(len(samples))),
		P50Ms:   ms(percentile(samples, 0.50)),
		P95Ms:   ms(percentile(samples, 0.95)),
		P99Ms:   ms(percentile(samples, 0.99)),
		MaxMs:   ms(samples[len(samples)-1]),
	}
}

// percentile uses the nearest-rank method on sorted samples.
func percentile(sorted []time.Duration, p float64) time.Duration {
	rank := int(math.Ceil(p*float64(len(sorted)))) - 1
	if rank < 0 {
		rank = 0
	}
	return sorted[rank]
}

func ms(d time.Duration) float64 { return float64(d) / float64(time.Millisecond) }

// TakeSnapshot stores the current counters, starts a new error-rate interval
// and prunes expired snapshots. The interval restarts even when Save fails.
func (c *Collector) TakeSnapshot(ctx context.Context) (Snapshot, error) {
	s := c.capture(true)
	if err := c.store.Save(ctx, s); err != nil {
		return s, err
	}

	pruned, err := c.store.Prune(ctx, s.Timestamp.Add(-c.cfg.Retention))
	if err != nil {
		monitoring.LogError(c.logger, err, "Failed to prune metric snapshots", nil)
	}

	c.logger.Info().
		Int64("active_connections", s.Connections.Active).
		Int64("messages_received", s.Messages.Received).
		Float64("error_rate", s.Messages.ErrorRate).
		Float64("avg_latency_ms", s.Latency.AvgMs).
		Int("pruned", pruned).
		Msg("Metrics snapshot stored")
	return s, nil
}

// History returns the snapshots of the last hours hours.
func (c *Collector) History(ctx context.Context, hours int) ([]Snapshot, error) {
	if hours <= 0 {
		hours = 24
	}
	return c.store.Since(ctx, c.now().Add(-time.Duration(hours)*time.Hour))
}

// Publish pushes pool, worker and health gauges to Prometheus.
func (c *Collector) Publish() {
	if c.cfg.Pool != nil {
		ps := c.cfg.Pool.Stats()
		monitoring.UpdatePoolMetrics(ps.WorkerCount, ps.Utilization)
		for _, w := range ps.Workers {
			monitoring.UpdateWorkerMetrics(w.ID, w.ActiveConnections, w.QueueDepth)
		}
	}
	monitoring.SetHealthScore(float64(c.Health().Score))
}

// Start schedules snapshotting and gauge publishing.
func (c *Collector) Start() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.started {
		return nil
	}

	sched := cron.New()
	if _, err := sched.AddFunc(c.cfg.SnapshotSchedule, c.snapshotJob); err != nil {
		return fmt.Errorf("invalid snapshot schedule %q: %w", c.cfg.SnapshotSchedule, err)
	}
	if _, err := sched.AddFunc(c.cfg.PublishSchedule, c.publishJob); err != nil {
		return fmt.Errorf("invalid publish schedule %q: %w", c.cfg.PublishSchedule, err)
	}
	sched.Start()

	c.cron = sched
	c.started = true

	c.logger.Info().
		Str("snapshot_schedule", c.cfg.SnapshotSchedule).
		Str("publish_schedule", c.cfg.PublishSchedule).
		Dur("retention", c.cfg.Retention).
		Msg("Metrics collector started")
	return nil
}

// Stop cancels scheduling and waits for a running job to finish.
func (c *Collector) Stop() {
	c.mu.Lock()
	sched := c.cron
	c.cron = nil
	c.started = false
	c.mu.Unlock()

	if sched == nil {
		return
	}
	<-sched.Stop().Done()
	c.logger.Info().Msg("Metrics collector stopped")
}

func (c *Collector) snapshotJob() {
	defer monitoring.RecoverPanic(c.logger, "metricsSnapshot", nil)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if _, err := c.TakeSnapshot(ctx); err != nil {
		monitoring.LogError(c.logger, err, "Failed to store metrics snapshot", nil)
	}
}

func (c *Collector) publishJob() {
	defer monitoring.RecoverPanic(c.logger, "metricsPublish", nil)
	c.Publish()
}
