package pool

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/DentaMind/SmartDentalAI-sub001/internal/shared/monitoring"
	"github.com/rs/zerolog"
)

// Handle is the write side of one client connection as seen by a Worker.
// Send must apply its own write deadline; an error means the connection is
// unusable and it will be evicted.
type Handle interface {
	Send(data []byte) error
	Close(code int, reason string) error
}

// Pinger is implemented by handles that support transport-level keep-alive.
// When the pool is configured with a ping interval, each worker pings its
// connections from the drain goroutine so pings never race data frames.
type Pinger interface {
	Ping() error
}

// EvictFunc is called after a connection was removed because a send or ping
// to it failed. It runs on the worker's drain goroutine with no locks held.
type EvictFunc func(connID string, err error)

// WorkerState is the lifecycle state of a Worker: created -> running -> stopped.
type WorkerState int32

const (
	StateCreated WorkerState = iota
	StateRunning
	StateStopped
)

func (s WorkerState) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateRunning:
		return "running"
	case StateStopped:
		return "stopped"
	default:
		return fmt.Sprintf("unknown(%d)", int32(s))
	}
}

type taskKind int

const (
	taskBroadcast taskKind = iota
	taskSend
	taskBatch
)

type task struct {
	kind    taskKind
	target  string
	targets []string
	exclude map[string]struct{}
	data    []byte
	result  chan deliveryResult // nil for fire-and-forget tasks
}

type deliveryResult struct {
	delivered int
	failed    int
}

// WorkerConfig holds configuration for a single Worker
type WorkerConfig struct {
	ID           int
	Capacity     int           // Max connections this worker holds
	QueueSize    int           // Pending tasks before enqueue blocks
	PingInterval time.Duration // 0 disables keep-alive pings
	OnEvict      EvictFunc
	Logger       zerolog.Logger
}

// Worker owns a bounded set of connections and delivers outbound frames to
// them from a single drain goroutine.
//
// Delivery to the members of one worker is sequential in submission order.
// A failed send to one member never affects the others: the failing
// connection is dropped from the worker and reported through OnEvict, and
// delivery continues with the next member.
//
// Stopping a worker drops whatever is still queued (at-most-once delivery).
type Worker struct {
	id           int
	capacity     int
	pingInterval time.Duration
	onEvict      EvictFunc
	logger       zerolog.Logger

	mu    sync.RWMutex
	conns map[string]Handle

	queue chan task
	state atomic.Int32

	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	stopOnce sync.Once

	messagesProcessed atomic.Int64
	broadcastsIssued  atomic.Int64
	capacityHits      atomic.Int64
	deliveryFailures  atomic.Int64
}

// NewWorker creates a worker in the created state. Call Start to begin draining.
func NewWorker(cfg WorkerConfig) *Worker {
	if cfg.Capacity <= 0 {
		cfg.Capacity = 1
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 1024
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Worker{
		id:           cfg.ID,
		capacity:     cfg.Capacity,
		pingInterval: cfg.PingInterval,
		onEvict:      cfg.OnEvict,
		logger:       cfg.Logger.With().Int("worker_id", cfg.ID).Logger(),
		conns:        make(map[string]Handle, cfg.Capacity),
		queue:        make(chan task, cfg.QueueSize),
		ctx:          ctx,
		cancel:       cancel,
	}
}

// ID returns the worker's creation ordinal.
func (w *Worker) ID() int { return w.id }

// Capacity returns the maximum number of connections.
func (w *Worker) Capacity() int { return w.capacity }

// State returns the current lifecycle state.
func (w *Worker) State() WorkerState { return WorkerState(w.state.Load()) }

// Start launches the drain goroutine. Calling Start on a running or stopped
// worker does nothing.
func (w *Worker) Start() {
	if !w.state.CompareAndSwap(int32(StateCreated), int32(StateRunning)) {
		return
	}

	w.wg.Add(1)
	go w.run()

	w.logger.Debug().
		Int("capacity", w.capacity).
		Int("queue_size", cap(w.queue)).
		Msg("Worker started")
}

// Stop cancels the drain goroutine and discards pending tasks. Callers
// waiting on a discarded task observe it as failed. Idempotent.
func (w *Worker) Stop() {
	w.stopOnce.Do(func() {
		w.state.Store(int32(StateStopped))
		w.cancel()
		w.wg.Wait()

		dropped := 0
		for {
			select {
			case t := <-w.queue:
				dropped++
				if t.result != nil {
					t.result <- deliveryResult{failed: t.size()}
				}
				continue
			default:
			}
			break
		}

		w.logger.Info().
			Int("dropped_tasks", dropped).
			Int64("messages_processed", w.messagesProcessed.Load()).
			Msg("Worker stopped")
	})
}

// ActiveCount returns the number of connections currently held.
func (w *Worker) ActiveCount() int {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return len(w.conns)
}

// Has reports whether connID is held by this worker.
func (w *Worker) Has(connID string) bool {
	w.mu.RLock()
	defer w.mu.RUnlock()
	_, ok := w.conns[connID]
	return ok
}

// AddConnection registers a connection. It returns false, leaving the worker
// unchanged, when the worker is full or stopped.
func (w *Worker) AddConnection(connID string, h Handle) bool {
	if w.State() == StateStopped {
		return false
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if _, exists := w.conns[connID]; exists {
		w.conns[connID] = h
		return true
	}
	if len(w.conns) >= w.capacity {
		w.capacityHits.Add(1)
		return false
	}
	w.conns[connID] = h
	return true
}

// RemoveConnection unregisters a connection. Removing an absent id is a no-op.
func (w *Worker) RemoveConnection(connID string) {
	w.mu.Lock()
	delete(w.conns, connID)
	w.mu.Unlock()
}

// EnqueueBroadcast schedules delivery of data to every member not in exclude
// and returns the number of members targeted at enqueue time. It blocks while
// the queue is full and returns 0 if the worker stops first.
func (w *Worker) EnqueueBroadcast(data []byte, exclude []string) int {
	var skip map[string]struct{}
	if len(exclude) > 0 {
		skip = make(map[string]struct{}, len(exclude))
		for _, id := range exclude {
			skip[id] = struct{}{}
		}
	}

	w.mu.RLock()
	targeted := len(w.conns)
	for id := range skip {
		if _, ok := w.conns[id]; ok {
			targeted--
		}
	}
	w.mu.RUnlock()

	if targeted == 0 {
		return 0
	}
	if !w.enqueue(task{kind: taskBroadcast, exclude: skip, data: data}) {
		return 0
	}
	w.broadcastsIssued.Add(1)
	return targeted
}

// EnqueueSend schedules delivery of data to a single member. It returns false
// if the connection is not held by this worker or the worker stopped.
func (w *Worker) EnqueueSend(connID string, data []byte) bool {
	if !w.Has(connID) {
		return false
	}
	return w.enqueue(task{kind: taskSend, target: connID, data: data})
}

// deliverBatch sends data to ids and waits for the outcome. Ids that are not
// (or no longer) held by the worker count as failures.
func (w *Worker) deliverBatch(ctx context.Context, ids []string, data []byte) (delivered, failed int) {
	if len(ids) == 0 {
		return 0, 0
	}

	result := make(chan deliveryResult, 1)
	if !w.enqueue(task{kind: taskBatch, targets: ids, data: data, result: result}) {
		return 0, len(ids)
	}

	select {
	case r := <-result:
		return r.delivered, r.failed
	case <-w.ctx.Done():
		return 0, len(ids)
	case <-ctx.Done():
		return 0, len(ids)
	}
}

func (w *Worker) enqueue(t task) bool {
	if w.State() == StateStopped {
		return false
	}
	select {
	case w.queue <- t:
		return true
	case <-w.ctx.Done():
		return false
	}
}

// run is the drain loop.
func (w *Worker) run() {
	// CRITICAL: Panic recovery must be FIRST defer (executes LAST in LIFO order)
	defer monitoring.RecoverPanic(w.logger, "workerDrain", map[string]any{
		"worker_id": w.id,
	})
	defer w.wg.Done()

	var pings <-chan time.Time
	if w.pingInterval > 0 {
		ticker := time.NewTicker(w.pingInterval)
		defer ticker.Stop()
		pings = ticker.C
	}

	for {
		select {
		case <-w.ctx.Done():
			return
		case t := <-w.queue:
			w.process(t)
		case <-pings:
			w.pingAll()
		}
	}
}

// process executes one task. A panic inside a Send is contained to the task.
func (w *Worker) process(t task) {
	var res deliveryResult
	defer func() {
		if r := recover(); r != nil {
			w.logger.Error().
				Interface("panic_value", r).
				Msg("Worker task panic recovered - task failed but worker continues")
			res = deliveryResult{delivered: res.delivered, failed: t.size() - res.delivered}
		}
		w.messagesProcessed.Add(1)
		if t.result != nil {
			t.result <- res
		}
	}()

	switch t.kind {
	case taskBroadcast:
		res = w.deliver(w.members(t.exclude), t.data)
	case taskSend:
		res = w.deliver([]string{t.target}, t.data)
	case taskBatch:
		res = w.deliver(t.targets, t.data)
	}
}

func (w *Worker) members(exclude map[string]struct{}) []string {
	w.mu.RLock()
	defer w.mu.RUnlock()

	ids := make([]string, 0, len(w.conns))
	for id := range w.conns {
		if _, skip := exclude[id]; skip {
			continue
		}
		ids = append(ids, id)
	}
	return ids
}

func (w *Worker) deliver(ids []string, data []byte) deliveryResult {
	var res deliveryResult
	for _, id := range ids {
		w.mu.RLock()
		h, ok := w.conns[id]
		w.mu.RUnlock()

		if !ok {
			res.failed++
			continue
		}
		if err := h.Send(data); err != nil {
			res.failed++
			w.evict(id, err)
			continue
		}
		res.delivered++
	}
	return res
}

func (w *Worker) pingAll() {
	w.mu.RLock()
	pingers := make(map[string]Pinger, len(w.conns))
	for id, h := range w.conns {
		if p, ok := h.(Pinger); ok {
			pingers[id] = p
		}
	}
	w.mu.RUnlock()

	for id, p := range pingers {
		if err := p.Ping(); err != nil {
			w.evict(id, err)
		}
	}
}

func (w *Worker) evict(connID string, err error) {
	w.RemoveConnection(connID)
	w.deliveryFailures.Add(1)

	w.logger.Debug().
		Err(err).
		Str("connection_id", connID).
		Msg("Evicting connection after failed write")

	if w.onEvict != nil {
		w.onEvict(connID, err)
	}
}

func (t task) size() int {
	switch t.kind {
	case taskSend:
		return 1
	case taskBatch:
		return len(t.targets)
	default:
		return 0
	}
}

// WorkerStats is a point-in-time view of one worker.
type WorkerStats struct {
	ID                int     `json:"worker_id"`
	State             string  `json:"state"`
	ActiveConnections int     `json:"active_connections"`
	Capacity          int     `json:"capacity"`
	Utilization       float64 `json:"utilization"`
	QueueDepth        int     `json:"queue_depth"`
	QueueCapacity     int     `json:"queue_capacity"`
	MessagesProcessed int64   `json:"messages_processed"`
	BroadcastsIssued  int64   `json:"broadcasts_issued"`
	CapacityHits      int64   `json:"max_capacity_hits"`
	DeliveryFailures  int64   `json:"delivery_failures"`
}

// Stats returns counters and current load.
func (w *Worker) Stats() WorkerStats {
	active := w.ActiveCount()
	return WorkerStats{
		ID:                w.id,
		State:             w.State().String(),
		ActiveConnections: active,
		Capacity:          w.capacity,
		Utilization:       float64(active) / float64(w.capacity),
		QueueDepth:        len(w.queue),
		QueueCapacity:     cap(w.queue),
		MessagesProcessed: w.messagesProcessed.Load(),
		BroadcastsIssued:  w.broadcastsIssued.Load(),
		CapacityHits:      w.capacityHits.Load(),
		DeliveryFailures:  w.deliveryFailures.Load(),
	}
}
