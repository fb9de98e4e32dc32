package metrics

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/DentaMind/SmartDentalAI-sub001/internal/shared/monitoring"
	jsoniter "github.com/json-iterator/go"
	"github.com/redis/go-redis/v9"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Snapshot is an immutable point-in-time aggregate of the collector.
// Its JSON field names double as the metric paths used by alert thresholds,
// e.g. "messages.error_rate" or "latency.avg_ms".
type Snapshot struct {
	Timestamp   time.Time                `json:"timestamp"`
	Connections ConnectionStats          `json:"connections"`
	Messages    MessageStats             `json:"messages"`
	Latency     LatencyStats             `json:"latency"`
	Errors      map[string]int64         `json:"errors"`
	Pool        PoolSummary              `json:"pool"`
	System      monitoring.SystemMetrics `json:"system"`
}

type ConnectionStats struct {
	Active         int64   `json:"active"`
	Total          int64   `json:"total"`
	Peak           int64   `json:"peak"`
	Disconnects    int64   `json:"disconnects"`
	UniqueSubjects int     `json:"unique_subjects"`
	AvgDurationSec float64 `json:"avg_duration_seconds"`
}

type MessageStats struct {
	Received      int64            `json:"received"`
	BytesReceived int64            `json:"bytes_received"`
	Sent          int64            `json:"sent"`
	Failed        int64            `json:"failed"`
	ByKind        map[string]int64 `json:"by_kind"`
	Errors        int64            `json:"errors"`

	// Interval counters cover the time since the previous stored snapshot;
	// ErrorRate is derived from them, not from the lifetime totals above.
	IntervalReceived int64   `json:"interval_received"`
	IntervalErrors   int64   `json:"interval_errors"`
	ErrorRate        float64 `json:"error_rate"`
}

type LatencyStats struct {
	Samples int     `json:"samples"`
	AvgMs   float64 `json:"avg_ms"`
	P50Ms   float64 `json:"p50_ms"`
	P95Ms   float64 `json:"p95_ms"`
	P99Ms   float64 `json:"p99_ms"`
	MaxMs   float64 `json:"max_ms"`
}

type PoolSummary struct {
	Workers     int     `json:"workers"`
	MaxWorkers  int     `json:"max_workers"`
	Connections int     `json:"connections"`
	Capacity    int     `json:"capacity"`
	Utilization float64 `json:"utilization"`
}

// Fields returns the snapshot as a generic nested map keyed by JSON names.
func (s Snapshot) Fields() (map[string]any, error) {
	data, err := json.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal snapshot: %w", err)
	}
	var out map[string]any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("failed to unmarshal snapshot: %w", err)
	}
	return out, nil
}

// SnapshotStore persists snapshots for history queries and anomaly baselines.
type SnapshotStore interface {
	Save(ctx context.Context, s Snapshot) error
	// Since returns snapshots taken at or after from, oldest first.
	Since(ctx context.Context, from time.Time) ([]Snapshot, error)
	// Prune deletes snapshots taken before cutoff and returns how many.
	Prune(ctx context.Context, cutoff time.Time) (int, error)
}

// MemoryStore keeps snapshots in process memory.
type MemoryStore struct {
	mu        sync.RWMutex
	snapshots []Snapshot
}

func NewMemoryStore() *MemoryStore { return &MemoryStore{} }

func (m *MemoryStore) Save(_ context.Context, s Snapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.snapshots = append(m.snapshots, s)
	// Keep ordering if a snapshot arrives out of order
	n := len(m.snapshots)
	if n > 1 && m.snapshots[n-1].Timestamp.Before(m.snapshots[n-2].Timestamp) {
		sort.SliceStable(m.snapshots, func(i, j int) bool {
			return m.snapshots[i].Timestamp.Before(m.snapshots[j].Timestamp)
		})
	}
	return nil
}

func (m *MemoryStore) Since(_ context.Context, from time.Time) ([]Snapshot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	idx := sort.Search(len(m.snapshots), func(i int) bool {
		return !m.snapshots[i].Timestamp.Before(from)
	})
	return append([]Snapshot(nil), m.snapshots[idx:]...), nil
}

func (m *MemoryStore) Prune(_ context.Context, cutoff time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	idx := sort.Search(len(m.snapshots), func(i int) bool {
		return !m.snapshots[i].Timestamp.Before(cutoff)
	})
	m.snapshots = append([]Snapshot(nil), m.snapshots[idx:]...)
	return idx, nil
}

// DefaultRedisKey is the sorted set holding snapshots, scored by unix millis.
const DefaultRedisKey = "realtime:metrics:snapshots"

// SortedSetClient is the subset of redis.UniversalClient the store uses.
type SortedSetClient interface {
	ZAdd(ctx context.Context, key string, members ...redis.Z) *redis.IntCmd
	ZRangeByScore(ctx context.Context, key string, opt *redis.ZRangeBy) *redis.StringSliceCmd
	ZRemRangeByScore(ctx context.Context, key, min, max string) *redis.IntCmd
}

// RedisStore keeps snapshots in a Redis sorted set so that history survives
// restarts.
type RedisStore struct {
	client SortedSetClient
	key    string
}

func NewRedisStore(client SortedSetClient, key string) *RedisStore {
	if key == "" {
		key = DefaultRedisKey
	}
	return &RedisStore{client: client, key: key}
}

func (r *RedisStore) Save(ctx context.Context, s Snapshot) error {
	data, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("failed to marshal snapshot: %w", err)
	}
	err = r.client.ZAdd(ctx, r.key, redis.Z{
		Score:  float64(s.Timestamp.UnixMilli()),
		Member: data,
	}).Err()
	if err != nil {
		return fmt.Errorf("failed to store snapshot: %w", err)
	}
	return nil
}

func (r *RedisStore) Since(ctx context.Context, from time.Time) ([]Snapshot, error) {
	members, err := r.client.ZRangeByScore(ctx, r.key, &redis.ZRangeBy{
		Min: strconv.FormatInt(from.UnixMilli(), 10),
		Max: "+inf",
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read snapshots: %w", err)
	}

	out := make([]Snapshot, 0, len(members))
	for _, m := range members {
		var s Snapshot
		if err := json.Unmarshal([]byte(m), &s); err != nil {
			return nil, fmt.Errorf("failed to decode snapshot: %w", err)
		}
		out = append(out, s)
	}
	return out, nil
}

func (r *RedisStore) Prune(ctx context.Context, cutoff time.Time) (int, error) {
	n, err := r.client.ZRemRangeByScore(ctx, r.key, "-inf", "("+strconv.FormatInt(cutoff.UnixMilli(), 10)).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to prune snapshots: %w", err)
	}
	return int(n), nil
}
