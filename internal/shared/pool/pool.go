package pool

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// ErrNoCapacity is returned by PlacementFor when every worker is full and the
// pool may not grow any further.
var ErrNoCapacity = errors.New("connection pool is at capacity")

// Config holds configuration for the ConnectionPool
type Config struct {
	WorkerCount       int           // Workers created up front (default: 4)
	CapacityPerWorker int           // Connections per worker (default: 250)
	MaxWorkers        int           // Upper bound when auto-scaling (default: WorkerCount)
	QueueSize         int           // Per-worker task queue (default: 1024)
	AutoScale         bool          // Create workers on demand up to MaxWorkers
	PingInterval      time.Duration // Keep-alive ping period, 0 disables
	Logger            zerolog.Logger
}

// ConnectionPool places connections on workers and routes deliveries to them.
//
// Placement is least-connections: an already assigned connection keeps its
// worker, otherwise the worker with the fewest active connections wins, ties
// going to the earliest created. When that worker is full the pool grows by
// one worker if auto-scaling is on and MaxWorkers has not been reached.
// Workers are never removed, so the worker count only grows.
//
// The pool exclusively owns worker lifecycle and the connection -> worker
// index. Lock order is pool before worker.
type ConnectionPool struct {
	cfg    Config
	logger zerolog.Logger

	mu          sync.RWMutex
	workers     []*Worker
	assignments map[string]*Worker
	started     bool
	stopped     bool

	hookMu  sync.RWMutex
	onEvict EvictFunc
}

// NewConnectionPool creates the initial workers. They start with Start.
func NewConnectionPool(cfg Config) *ConnectionPool {
	if cfg.WorkerCount <= 0 {
		cfg.WorkerCount = 4
	}
	if cfg.CapacityPerWorker <= 0 {
		cfg.CapacityPerWorker = 250
	}
	if cfg.MaxWorkers < cfg.WorkerCount {
		cfg.MaxWorkers = cfg.WorkerCount
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 1024
	}

	p := &ConnectionPool{
		cfg:         cfg,
		logger:      cfg.Logger.With().Str("component", "connection_pool").Logger(),
		workers:     make([]*Worker, 0, cfg.MaxWorkers),
		assignments: make(map[string]*Worker),
	}
	for i := 0; i < cfg.WorkerCount; i++ {
		p.workers = append(p.workers, p.newWorker(i))
	}
	return p
}

func (p *ConnectionPool) newWorker(id int) *Worker {
	return NewWorker(WorkerConfig{
		ID:           id,
		Capacity:     p.cfg.CapacityPerWorker,
		QueueSize:    p.cfg.QueueSize,
		PingInterval: p.cfg.PingInterval,
		OnEvict:      p.handleEvict,
		Logger:       p.logger,
	})
}

// SetEvictionHook registers fn to run after a worker evicts a connection.
// The connection manager uses it to clean up rooms and identity state.
func (p *ConnectionPool) SetEvictionHook(fn EvictFunc) {
	p.hookMu.Lock()
	p.onEvict = fn
	p.hookMu.Unlock()
}

// Start starts every worker.
func (p *ConnectionPool) Start() {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.started = true
	for _, w := range p.workers {
		w.Start()
	}

	p.logger.Info().
		Int("workers", len(p.workers)).
		Int("capacity_per_worker", p.cfg.CapacityPerWorker).
		Int("max_workers", p.cfg.MaxWorkers).
		Bool("auto_scale", p.cfg.AutoScale).
		Msg("Connection pool started")
}

// Stop stops every worker, dropping their queued deliveries. Idempotent.
func (p *ConnectionPool) Stop() {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return
	}
	p.stopped = true
	workers := append([]*Worker(nil), p.workers...)
	p.mu.Unlock()

	for _, w := range workers {
		w.Stop()
	}
	p.logger.Info().Int("workers", len(workers)).Msg("Connection pool stopped")
}

// PlacementFor returns the worker connID is, or would be, placed on.
func (p *ConnectionPool) PlacementFor(connID string) (*Worker, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.placementLocked(connID)
}

func (p *ConnectionPool) placementLocked(connID string) (*Worker, error) {
	if w, ok := p.assignments[connID]; ok {
		return w, nil
	}
	if p.stopped {
		return nil, ErrNoCapacity
	}

	var (
		selected    *Worker
		leastActive int
	)
	for _, w := range p.workers {
		active := w.ActiveCount()
		if selected == nil || active < leastActive {
			selected = w
			leastActive = active
		}
	}

	if selected != nil && leastActive < selected.Capacity() {
		return selected, nil
	}

	if !p.cfg.AutoScale || len(p.workers) >= p.cfg.MaxWorkers {
		return nil, ErrNoCapacity
	}

	w := p.newWorker(len(p.workers))
	p.workers = append(p.workers, w)
	if p.started {
		w.Start()
	}

	p.logger.Info().
		Int("worker_id", w.ID()).
		Int("workers", len(p.workers)).
		Int("max_workers", p.cfg.MaxWorkers).
		Msg("Auto-scaled connection pool")

	return w, nil
}

// Admit places connID on a worker. It returns false when no worker can take it.
func (p *ConnectionPool) Admit(connID string, h Handle) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	w, err := p.placementLocked(connID)
	if err != nil {
		return false
	}
	if !w.AddConnection(connID, h) {
		return false
	}
	p.assignments[connID] = w
	return true
}

// Remove releases connID from its worker. Idempotent.
func (p *ConnectionPool) Remove(connID string) {
	p.mu.Lock()
	w, ok := p.assignments[connID]
	delete(p.assignments, connID)
	p.mu.Unlock()

	if ok {
		w.RemoveConnection(connID)
	}
}

// WorkerFor returns the worker holding connID.
func (p *ConnectionPool) WorkerFor(connID string) (*Worker, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	w, ok := p.assignments[connID]
	return w, ok
}

// Send enqueues data for one connection. False if the connection is unknown.
func (p *ConnectionPool) Send(connID string, data []byte) bool {
	w, ok := p.WorkerFor(connID)
	if !ok {
		return false
	}
	return w.EnqueueSend(connID, data)
}

// BroadcastAll enqueues data on every worker and returns the approximate
// number of recipients.
func (p *ConnectionPool) BroadcastAll(data []byte, exclude []string) int {
	p.mu.RLock()
	workers := append([]*Worker(nil), p.workers...)
	p.mu.RUnlock()

	total := 0
	for _, w := range workers {
		total += w.EnqueueBroadcast(data, exclude)
	}
	return total
}

// SendToMany delivers data to ids, grouped by worker, and waits for every
// worker to report. Unknown ids count as failures. Workers deliver
// concurrently with one another.
func (p *ConnectionPool) SendToMany(ctx context.Context, ids []string, data []byte) (success, failure int) {
	groups := make(map[*Worker][]string)

	p.mu.RLock()
	for _, id := range ids {
		w, ok := p.assignments[id]
		if !ok {
			failure++
			continue
		}
		groups[w] = append(groups[w], id)
	}
	p.mu.RUnlock()

	if len(groups) == 0 {
		return success, failure
	}

	type outcome struct{ ok, failed int }
	results := make(chan outcome, len(groups))

	var wg sync.WaitGroup
	for w, group := range groups {
		wg.Add(1)
		go func(w *Worker, group []string) {
			defer wg.Done()
			ok, failed := w.deliverBatch(ctx, group, data)
			results <- outcome{ok: ok, failed: failed}
		}(w, group)
	}
	wg.Wait()
	close(results)

	for r := range results {
		success += r.ok
		failure += r.failed
	}
	return success, failure
}

func (p *ConnectionPool) handleEvict(connID string, err error) {
	p.Remove(connID)

	p.hookMu.RLock()
	hook := p.onEvict
	p.hookMu.RUnlock()

	if hook != nil {
		hook(connID, err)
	}
}

// Stats is an aggregate view of the pool.
type Stats struct {
	TotalConnections int           `json:"total_connections"`
	TotalCapacity    int           `json:"total_capacity"`
	MaxCapacity      int           `json:"max_capacity"`
	Utilization      float64       `json:"utilization"`
	WorkerCount      int           `json:"worker_count"`
	MaxWorkers       int           `json:"max_workers"`
	AutoScale        bool          `json:"auto_scale"`
	Workers          []WorkerStats `json:"workers"`
}

// Stats returns aggregate utilization plus a per-worker breakdown.
func (p *ConnectionPool) Stats() Stats {
	p.mu.RLock()
	workers := append([]*Worker(nil), p.workers...)
	p.mu.RUnlock()

	s := Stats{
		WorkerCount: len(workers),
		MaxWorkers:  p.cfg.MaxWorkers,
		MaxCapacity: p.cfg.MaxWorkers * p.cfg.CapacityPerWorker,
		AutoScale:   p.cfg.AutoScale,
		Workers:     make([]WorkerStats, 0, len(workers)),
	}
	for _, w := range workers {
		ws := w.Stats()
		s.TotalConnections += ws.ActiveConnections
		s.TotalCapacity += ws.Capacity
		s.Workers = append(s.Workers, ws)
	}
	if s.TotalCapacity > 0 {
		s.Utilization = float64(s.TotalConnections) / float64(s.TotalCapacity)
	}
	return s
}
