package alerts

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/DentaMind/SmartDentalAI-sub001/internal/shared/metrics"
	"github.com/DentaMind/SmartDentalAI-sub001/internal/shared/types"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSource struct {
	mu      sync.Mutex
	current metrics.Snapshot
	history []metrics.Snapshot
}

func (f *fakeSource) Current() metrics.Snapshot {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.current
}

func (f *fakeSource) History(context.Context, int) ([]metrics.Snapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.history, nil
}

func (f *fakeSource) set(s metrics.Snapshot) {
	f.mu.Lock()
	f.current = s
	f.mu.Unlock()
}

type recordedAlert struct {
	level   types.Severity
	message string
	meta    map[string]any
}

type fakeNotifier struct {
	mu   sync.Mutex
	sent []recordedAlert
}

func (n *fakeNotifier) Alert(level types.Severity, message string, metadata map[string]any) {
	n.mu.Lock()
	n.sent = append(n.sent, recordedAlert{level, message, metadata})
	n.mu.Unlock()
}

func (n *fakeNotifier) count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.sent)
}

func newTestService(src *fakeSource, n *fakeNotifier, mutate func(*Config)) *Service {
	cfg := Config{Source: src, Logger: zerolog.Nop()}
	if n != nil {
		cfg.Notifier = n
	}
	if mutate != nil {
		mutate(&cfg)
	}
	return NewService(cfg)
}

func TestThresholdValidation(t *testing.T) {
	valid := Threshold{Metric: "latency.avg_ms", Operator: OpGreaterThan, Value: 10, Severity: types.SeverityWarning}
	assert.NoError(t, valid.Validate())

	cases := map[string]Threshold{
		"missing metric":   {Operator: OpGreaterThan, Severity: types.SeverityWarning},
		"bad path":         {Metric: "latency.avg_ms >", Operator: OpGreaterThan, Severity: types.SeverityWarning},
		"bad operator":     {Metric: "latency.avg_ms", Operator: "~=", Severity: types.SeverityWarning},
		"missing severity": {Metric: "latency.avg_ms", Operator: OpLessThan},
		"bad severity":     {Metric: "latency.avg_ms", Operator: OpLessThan, Severity: "panic"},
	}
	for name, th := range cases {
		t.Run(name, func(t *testing.T) {
			assert.Error(t, th.Validate())
		})
	}
}

func TestOperatorCompare(t *testing.T) {
	assert.True(t, OpGreaterThan.Compare(2, 1))
	assert.False(t, OpGreaterThan.Compare(1, 1))
	assert.True(t, OpGreaterOrEqual.Compare(1, 1))
	assert.True(t, OpLessThan.Compare(0, 1))
	assert.True(t, OpLessOrEqual.Compare(1, 1))
	assert.True(t, OpEqual.Compare(3, 3))
	assert.True(t, OpNotEqual.Compare(3, 4))
	assert.False(t, Operator("?").Compare(1, 0))
}

func TestThresholdCRUD(t *testing.T) {
	svc := newTestService(&fakeSource{}, nil, nil)

	th, err := svc.AddThreshold(Threshold{Metric: "connections.active", Operator: OpGreaterThan, Value: 100, Severity: types.SeverityInfo, Enabled: true})
	require.NoError(t, err)
	assert.NotEmpty(t, th.ID)
	assert.False(t, th.CreatedAt.IsZero())

	_, err = svc.AddThreshold(Threshold{Metric: "", Operator: OpGreaterThan})
	assert.Error(t, err)

	updated, err := svc.UpdateThreshold(th.ID, Threshold{Metric: "connections.active", Operator: OpGreaterThan, Value: 200, Severity: types.SeverityError, Enabled: true})
	require.NoError(t, err)
	assert.Equal(t, th.ID, updated.ID)
	assert.Equal(t, 200.0, updated.Value)
	assert.Equal(t, th.CreatedAt, updated.CreatedAt)

	_, err = svc.UpdateThreshold("missing", updated)
	assert.ErrorIs(t, err, ErrThresholdNotFound)

	got, err := svc.Threshold(th.ID)
	require.NoError(t, err)
	assert.Equal(t, types.SeverityError, got.Severity)

	require.NoError(t, svc.DeleteThreshold(th.ID))
	assert.ErrorIs(t, svc.DeleteThreshold(th.ID), ErrThresholdNotFound)
	assert.Empty(t, svc.Thresholds())
}

func TestThresholdChurnReleasesCompiledPaths(t *testing.T) {
	svc := newTestService(&fakeSource{}, nil, func(c *Config) {
		c.AnomalyMetrics = []string{"latency.avg_ms"}
	})
	programs := func() int {
		svc.mu.RLock()
		defer svc.mu.RUnlock()
		return len(svc.programs)
	}

	a, err := svc.AddThreshold(Threshold{Metric: "pool.utilization", Operator: OpGreaterThan, Value: 0.9, Severity: types.SeverityWarning})
	require.NoError(t, err)
	b, err := svc.AddThreshold(Threshold{Metric: "pool.utilization", Operator: OpGreaterThan, Value: 0.95, Severity: types.SeverityError})
	require.NoError(t, err)
	c, err := svc.AddThreshold(Threshold{Metric: "latency.avg_ms", Operator: OpGreaterThan, Value: 500, Severity: types.SeverityWarning})
	require.NoError(t, err)
	assert.Equal(t, 2, programs())

	// Still read by b
	require.NoError(t, svc.DeleteThreshold(a.ID))
	assert.Equal(t, 2, programs())

	// Moving the last reader to another path releases the old one
	_, err = svc.UpdateThreshold(b.ID, Threshold{Metric: "connections.active", Operator: OpGreaterThan, Value: 1000, Severity: types.SeverityError})
	require.NoError(t, err)
	assert.Equal(t, 2, programs())

	// Anomaly detection keeps latency.avg_ms compiled
	require.NoError(t, svc.DeleteThreshold(c.ID))
	assert.Equal(t, 2, programs())

	require.NoError(t, svc.DeleteThreshold(b.ID))
	assert.Equal(t, 1, programs())

	for i := 0; i < 50; i++ {
		th, err := svc.AddThreshold(Threshold{Metric: "pool.workers", Operator: OpGreaterThan, Value: float64(i), Severity: types.SeverityInfo})
		require.NoError(t, err)
		require.NoError(t, svc.DeleteThreshold(th.ID))
	}
	assert.Equal(t, 1, programs())
}

func TestInstallDefaults(t *testing.T) {
	svc := newTestService(&fakeSource{}, nil, nil)
	require.NoError(t, svc.InstallDefaults())
	assert.Len(t, svc.Thresholds(), len(DefaultThresholds()))

	require.NoError(t, svc.InstallDefaults())
	assert.Len(t, svc.Thresholds(), len(DefaultThresholds()), "defaults are installed once")
}

func TestEvaluate_RaisesAndDeduplicates(t *testing.T) {
	src := &fakeSource{}
	notifier := &fakeNotifier{}
	svc := newTestService(src, notifier, nil)
	ctx := context.Background()

	th, err := svc.AddThreshold(Threshold{
		Metric:      "messages.error_rate",
		Operator:    OpGreaterThan,
		Value:       0.05,
		Severity:    types.SeverityWarning,
		Enabled:     true,
		Description: "Error rate high",
	})
	require.NoError(t, err)
	_, err = svc.AddThreshold(Threshold{Metric: "latency.avg_ms", Operator: OpGreaterThan, Value: 1, Severity: types.SeverityError, Enabled: false})
	require.NoError(t, err)

	src.set(metrics.Snapshot{Messages: metrics.MessageStats{ErrorRate: 0.01}, Latency: metrics.LatencyStats{AvgMs: 50}})
	assert.Empty(t, svc.Evaluate(ctx))

	src.set(metrics.Snapshot{Messages: metrics.MessageStats{ErrorRate: 0.2}, Latency: metrics.LatencyStats{AvgMs: 50}})
	raised := svc.Evaluate(ctx)
	require.Len(t, raised, 1, "disabled thresholds never fire")
	assert.Equal(t, th.ID, raised[0].ThresholdID)
	assert.Equal(t, 0.2, raised[0].Value)
	assert.Contains(t, raised[0].Message, "Error rate high")
	assert.Equal(t, 1, notifier.count())

	assert.Empty(t, svc.Evaluate(ctx), "open alert suppresses duplicates")

	_, err = svc.Acknowledge(raised[0].ID)
	require.NoError(t, err)
	assert.Len(t, svc.Evaluate(ctx), 1, "acknowledging re-arms the threshold")
	assert.Equal(t, 2, notifier.count())
}

func TestAcknowledgeAndListing(t *testing.T) {
	src := &fakeSource{current: metrics.Snapshot{Pool: metrics.PoolSummary{Utilization: 0.95}}}
	svc := newTestService(src, nil, nil)
	require.NoError(t, svc.InstallDefaults())

	raised := svc.Evaluate(context.Background())
	require.Len(t, raised, 1)
	assert.Equal(t, types.SeverityCritical, raised[0].Severity)

	_, err := svc.Acknowledge("nope")
	assert.ErrorIs(t, err, ErrAlertNotFound)

	acked, err := svc.Acknowledge(raised[0].ID)
	require.NoError(t, err)
	assert.True(t, acked.Acknowledged)
	require.NotNil(t, acked.AcknowledgedAt)

	assert.Empty(t, svc.Alerts(false))
	assert.Len(t, svc.Alerts(true), 1)
}

func TestPrune(t *testing.T) {
	src := &fakeSource{current: metrics.Snapshot{Latency: metrics.LatencyStats{AvgMs: 5000}}}
	svc := newTestService(src, nil, func(c *Config) { c.Retention = time.Hour })
	require.NoError(t, svc.InstallDefaults())

	base := time.Date(2026, 2, 1, 9, 0, 0, 0, time.UTC)
	svc.now = func() time.Time { return base }
	require.Len(t, svc.Evaluate(context.Background()), 1)

	svc.now = func() time.Time { return base.Add(2 * time.Hour) }
	assert.Equal(t, 1, svc.Prune())
	assert.Empty(t, svc.Alerts(true))
	assert.Len(t, svc.Evaluate(context.Background()), 1, "pruning an open alert re-arms its threshold")
}

func TestDetectAnomalies(t *testing.T) {
	var history []metrics.Snapshot
	for _, active := range []int64{100, 104, 96, 102, 98, 100} {
		history = append(history, metrics.Snapshot{Connections: metrics.ConnectionStats{Active: active}})
	}
	src := &fakeSource{history: history}
	notifier := &fakeNotifier{}
	svc := newTestService(src, notifier, func(c *Config) {
		c.AnomalyMetrics = []string{"connections.active"}
	})
	ctx := context.Background()

	src.set(metrics.Snapshot{Connections: metrics.ConnectionStats{Active: 103}})
	assert.Empty(t, svc.Evaluate(ctx))

	src.set(metrics.Snapshot{Connections: metrics.ConnectionStats{Active: 180}})
	raised := svc.Evaluate(ctx)
	require.Len(t, raised, 1)
	assert.Equal(t, "anomaly:connections.active", raised[0].ThresholdID)
	assert.Equal(t, types.SeverityWarning, raised[0].Severity)
	assert.InDelta(t, 100, raised[0].ThresholdValue, 0.001)
	assert.Equal(t, 1, notifier.count())

	assert.Empty(t, svc.Evaluate(ctx), "anomaly alerts are de-duplicated too")
}

func TestDetectAnomalies_NeedsEnoughHistory(t *testing.T) {
	src := &fakeSource{
		history: []metrics.Snapshot{
			{Connections: metrics.ConnectionStats{Active: 1}},
			{Connections: metrics.ConnectionStats{Active: 2}},
		},
		current: metrics.Snapshot{Connections: metrics.ConnectionStats{Active: 1000}},
	}
	svc := newTestService(src, nil, func(c *Config) {
		c.AnomalyMetrics = []string{"connections.active"}
	})
	assert.Empty(t, svc.Evaluate(context.Background()))
}

func TestStartStop(t *testing.T) {
	src := &fakeSource{current: metrics.Snapshot{Latency: metrics.LatencyStats{AvgMs: 5000}}}
	svc := newTestService(src, nil, func(c *Config) { c.Interval = 10 * time.Millisecond })
	require.NoError(t, svc.InstallDefaults())

	svc.Start()
	svc.Start()
	require.Eventually(t, func() bool { return len(svc.Alerts(false)) == 1 }, 2*time.Second, 10*time.Millisecond)
	svc.Stop()
	svc.Stop()
}
