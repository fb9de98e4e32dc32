// Package session is the façade the transport and the rest of the backend
// talk to. It authenticates connections, admits them through the connection
// pool, tracks identity and room membership, runs the inbound message
// pipeline and exposes the send/broadcast operations.
package session

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/DentaMind/SmartDentalAI-sub001/internal/shared/auth"
	"github.com/DentaMind/SmartDentalAI-sub001/internal/shared/limits"
	"github.com/DentaMind/SmartDentalAI-sub001/internal/shared/messaging"
	"github.com/DentaMind/SmartDentalAI-sub001/internal/shared/pool"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// DefaultMaxMessageBytes is the inbound frame size limit (100 KiB).
const DefaultMaxMessageBytes = 100 * 1024

// Config holds the Manager's settings and collaborators.
type Config struct {
	MaxMessageBytes int  // Inbound frames above this are rejected (default: 100 KiB)
	CloseOnOversize bool // Close with 1009 instead of replying with an error frame

	Pool     *pool.ConnectionPool
	Verifier auth.Verifier
	Limiter  *limits.RateLimiter
	Observer Observer // Optional, defaults to NopObserver
	Logger   zerolog.Logger
}

type connState struct {
	id          string
	subjectID   string
	handle      pool.Handle
	connectedAt time.Time
	rooms       map[string]struct{}
}

// Manager tracks every live connection.
//
// Locking: mu guards the connection and subject indices and is taken before
// the room index lock and before any pool call. The manager never holds mu
// while waiting on a worker.
type Manager struct {
	cfg      Config
	pool     *pool.ConnectionPool
	verifier auth.Verifier
	limiter  *limits.RateLimiter
	observer Observer
	logger   zerolog.Logger

	rooms  *roomIndex
	events *eventBus

	mu       sync.RWMutex
	conns    map[string]*connState
	subjects map[string]map[string]struct{}
	closed   bool

	now func() time.Time
}

// NewManager wires the manager to its pool. The pool's eviction hook is
// claimed so that a failed delivery disconnects the connection everywhere.
func NewManager(cfg Config) *Manager {
	if cfg.MaxMessageBytes <= 0 {
		cfg.MaxMessageBytes = DefaultMaxMessageBytes
	}
	if cfg.Observer == nil {
		cfg.Observer = NopObserver{}
	}
	if cfg.Limiter == nil {
		cfg.Limiter = limits.NewRateLimiter(limits.DefaultMessageLimit, limits.DefaultWindow)
	}

	logger := cfg.Logger.With().Str("component", "connection_manager").Logger()

	m := &Manager{
		cfg:      cfg,
		pool:     cfg.Pool,
		verifier: cfg.Verifier,
		limiter:  cfg.Limiter,
		observer: cfg.Observer,
		logger:   logger,
		rooms:    newRoomIndex(),
		events:   newEventBus(logger),
		conns:    make(map[string]*connState),
		subjects: make(map[string]map[string]struct{}),
		now:      time.Now,
	}
	m.pool.SetEvictionHook(m.handleEviction)
	return m
}

// Authenticate resolves token to a subject id.
func (m *Manager) Authenticate(token string) (string, error) {
	if m.verifier == nil {
		return "", newError(messaging.CodeInternal, "no token verifier configured", nil)
	}

	subjectID, err := m.verifier.Verify(token)
	if err != nil {
		m.observer.OnError(messaging.CodeAuthentication)
		return "", &Error{
			Code:      messaging.CodeAuthentication,
			Message:   "invalid or expired token",
			CloseCode: messaging.ClosePolicyViolation,
			Err:       err,
		}
	}
	return subjectID, nil
}

// Connect admits an authenticated connection and returns its id. When no
// worker can take it the handle is closed with 1013 (try again later) and no
// state is kept.
func (m *Manager) Connect(h pool.Handle, subjectID string) (string, error) {
	connID := uuid.NewString()

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		_ = h.Close(messaging.CloseGoingAway, "server shutting down")
		return "", &Error{
			Code:      messaging.CodeAdmissionRejected,
			Message:   "server shutting down",
			CloseCode: messaging.CloseGoingAway,
		}
	}

	if !m.pool.Admit(connID, h) {
		m.mu.Unlock()
		m.observer.OnError(messaging.CodeAdmissionRejected)
		_ = h.Close(messaging.CloseTryAgainLater, "server at capacity, try again later")

		m.logger.Warn().
			Str("subject_id", subjectID).
			Msg("Connection rejected: pool at capacity")

		return "", &Error{
			Code:      messaging.CodeAdmissionRejected,
			Message:   "server at capacity, try again later",
			CloseCode: messaging.CloseTryAgainLater,
			Err:       pool.ErrNoCapacity,
		}
	}

	m.conns[connID] = &connState{
		id:          connID,
		subjectID:   subjectID,
		handle:      h,
		connectedAt: m.now(),
		rooms:       make(map[string]struct{}),
	}
	devices, ok := m.subjects[subjectID]
	if !ok {
		devices = make(map[string]struct{})
		m.subjects[subjectID] = devices
	}
	devices[connID] = struct{}{}
	m.mu.Unlock()

	m.observer.OnConnect(connID, subjectID)

	m.logger.Info().
		Str("connection_id", connID).
		Str("subject_id", subjectID).
		Int("subject_connections", len(m.SubjectConnections(subjectID))).
		Msg("Connection admitted")

	return connID, nil
}

// Disconnect removes every trace of connID and closes its handle. Calling it
// again, or with an unknown id, does nothing.
func (m *Manager) Disconnect(connID string) {
	m.disconnect(connID, messaging.CloseNormal, "")
}

// DisconnectWithReason is Disconnect with an explicit close code, used for
// forced administrative disconnects and shutdown.
func (m *Manager) DisconnectWithReason(connID string, code int, reason string) bool {
	return m.disconnect(connID, code, reason)
}

func (m *Manager) disconnect(connID string, code int, reason string) bool {
	m.mu.Lock()
	st, ok := m.conns[connID]
	if !ok {
		m.mu.Unlock()
		return false
	}
	delete(m.conns, connID)

	if devices, ok := m.subjects[st.subjectID]; ok {
		delete(devices, connID)
		if len(devices) == 0 {
			delete(m.subjects, st.subjectID)
		}
	}
	for roomID := range st.rooms {
		m.rooms.leave(roomID, connID)
	}
	m.mu.Unlock()

	m.pool.Remove(connID)
	m.limiter.Remove(connID)
	_ = st.handle.Close(code, reason)

	duration := m.now().Sub(st.connectedAt)
	m.observer.OnDisconnect(connID, duration)

	m.logger.Info().
		Str("connection_id", connID).
		Str("subject_id", st.subjectID).
		Int("rooms_left", len(st.rooms)).
		Dur("duration", duration).
		Msg("Connection closed")

	return true
}

func (m *Manager) handleEviction(connID string, err error) {
	m.logger.Debug().
		Err(err).
		Str("connection_id", connID).
		Msg("Disconnecting after failed delivery")
	m.disconnect(connID, messaging.CloseGoingAway, "delivery failed")
}

// JoinRoom adds connID to roomID, creating the room on first join. It returns
// false for unknown connections or an empty room id.
func (m *Manager) JoinRoom(connID, roomID string) bool {
	if roomID == "" {
		return false
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	st, ok := m.conns[connID]
	if !ok {
		return false
	}
	st.rooms[roomID] = struct{}{}
	m.rooms.join(roomID, connID)

	m.logger.Debug().
		Str("connection_id", connID).
		Str("room_id", roomID).
		Msg("Joined room")
	return true
}

// LeaveRoom removes connID from roomID, deleting the room if it becomes empty.
// It returns false only for unknown connections; leaving a room the
// connection is not in is a no-op.
func (m *Manager) LeaveRoom(connID, roomID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	st, ok := m.conns[connID]
	if !ok {
		return false
	}
	if _, member := st.rooms[roomID]; member {
		delete(st.rooms, roomID)
		m.rooms.leave(roomID, connID)
	}
	return true
}

// SendToConnection enqueues msg for one connection.
func (m *Manager) SendToConnection(connID string, msg messaging.Outbound) bool {
	start := m.now()
	data, err := messaging.Encode(msg, start)
	if err != nil {
		m.logEncodeError(err, msg)
		return false
	}

	ok := m.pool.Send(connID, data)
	delivered, failed := 0, 0
	if ok {
		delivered = 1
	} else {
		failed = 1
	}
	m.observer.OnMessageSent("connection", delivered, failed, m.now().Sub(start))
	return ok
}

// SendToSubject enqueues msg on every connection of subjectID (one per
// device) and returns how many were enqueued.
func (m *Manager) SendToSubject(msg messaging.Outbound, subjectID string) int {
	start := m.now()
	data, err := messaging.Encode(msg, start)
	if err != nil {
		m.logEncodeError(err, msg)
		return 0
	}

	ids := m.SubjectConnections(subjectID)
	sent := 0
	for _, id := range ids {
		if m.pool.Send(id, data) {
			sent++
		}
	}
	m.observer.OnMessageSent("subject", sent, len(ids)-sent, m.now().Sub(start))
	return sent
}

// Broadcast enqueues msg for every connection and returns the approximate
// number of recipients.
func (m *Manager) Broadcast(msg messaging.Outbound) int {
	start := m.now()
	data, err := messaging.Encode(msg, start)
	if err != nil {
		m.logEncodeError(err, msg)
		return 0
	}

	n := m.pool.BroadcastAll(data, nil)
	m.observer.OnMessageSent("broadcast", n, 0, m.now().Sub(start))
	return n
}

// BroadcastToRoom delivers msg to every member of roomID and waits for the
// outcome. Members whose delivery fails are disconnected before it returns.
// An unknown room yields (0, 0).
func (m *Manager) BroadcastToRoom(ctx context.Context, roomID string, msg messaging.Outbound) (delivered, failed int) {
	members := m.rooms.members(roomID)
	if len(members) == 0 {
		return 0, 0
	}

	start := m.now()
	data, err := messaging.Encode(msg, start)
	if err != nil {
		m.logEncodeError(err, msg)
		return 0, len(members)
	}

	delivered, failed = m.pool.SendToMany(ctx, members, data)
	m.observer.OnMessageSent("room", delivered, failed, m.now().Sub(start))

	if failed > 0 {
		m.logger.Debug().
			Str("room_id", roomID).
			Int("delivered", delivered).
			Int("failed", failed).
			Msg("Room broadcast had failed deliveries")
	}
	return delivered, failed
}

// RegisterEventListener adds l for eventType. Listeners run in registration order.
func (m *Manager) RegisterEventListener(eventType string, l Listener) {
	m.events.register(eventType, l)
}

// TriggerEvent runs the listeners for eventType and returns how many
// succeeded. Listener errors and panics are logged, never propagated.
func (m *Manager) TriggerEvent(ctx context.Context, eventType string, data map[string]any) int {
	return m.events.trigger(ctx, Event{
		Type:      eventType,
		Data:      data,
		Timestamp: m.now(),
	})
}

// Shutdown rejects new connections and closes every remaining one with 1001.
func (m *Manager) Shutdown() int {
	m.mu.Lock()
	m.closed = true
	ids := make([]string, 0, len(m.conns))
	for id := range m.conns {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	for _, id := range ids {
		m.disconnect(id, messaging.CloseGoingAway, "server shutting down")
	}

	m.logger.Info().Int("closed_connections", len(ids)).Msg("Connection manager shut down")
	return len(ids)
}

// SubjectConnections returns the connection ids of subjectID.
func (m *Manager) SubjectConnections(subjectID string) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	devices := m.subjects[subjectID]
	ids := make([]string, 0, len(devices))
	for id := range devices {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// ConnectionInfo describes one live connection.
type ConnectionInfo struct {
	ID          string    `json:"connection_id"`
	SubjectID   string    `json:"subject_id"`
	ConnectedAt time.Time `json:"connected_at"`
	Rooms       []string  `json:"rooms"`
	WorkerID    int       `json:"worker_id"`
}

// Connection returns details for connID.
func (m *Manager) Connection(connID string) (ConnectionInfo, bool) {
	m.mu.RLock()
	st, ok := m.conns[connID]
	if !ok {
		m.mu.RUnlock()
		return ConnectionInfo{}, false
	}
	info := ConnectionInfo{
		ID:          st.id,
		SubjectID:   st.subjectID,
		ConnectedAt: st.connectedAt,
		Rooms:       make([]string, 0, len(st.rooms)),
		WorkerID:    -1,
	}
	for r := range st.rooms {
		info.Rooms = append(info.Rooms, r)
	}
	m.mu.RUnlock()

	sort.Strings(info.Rooms)
	if w, ok := m.pool.WorkerFor(connID); ok {
		info.WorkerID = w.ID()
	}
	return info, true
}

// Rooms lists every room with its member count.
func (m *Manager) Rooms() []RoomInfo { return m.rooms.list() }

// Room returns one room with its member connection ids.
func (m *Manager) Room(roomID string) (RoomInfo, bool) {
	if !m.rooms.exists(roomID) {
		return RoomInfo{}, false
	}
	members := m.rooms.members(roomID)
	sort.Strings(members)
	return RoomInfo{ID: roomID, Members: len(members), Conns: members}, true
}

// Stats is a snapshot of the manager and its pool.
type Stats struct {
	ActiveConnections  int        `json:"active_connections"`
	UniqueSubjects     int        `json:"unique_subjects"`
	Rooms              int        `json:"rooms"`
	EventListeners     int        `json:"event_listeners"`
	RateLimiterTracked int        `json:"rate_limiter_tracked"`
	Pool               pool.Stats `json:"pool"`
}

func (m *Manager) Stats() Stats {
	m.mu.RLock()
	s := Stats{
		ActiveConnections: len(m.conns),
		UniqueSubjects:    len(m.subjects),
	}
	m.mu.RUnlock()

	s.Rooms = m.rooms.count()
	s.EventListeners = m.events.count()
	s.RateLimiterTracked = m.limiter.Tracked()
	s.Pool = m.pool.Stats()
	return s
}

func (m *Manager) logEncodeError(err error, msg messaging.Outbound) {
	m.observer.OnError(messaging.CodeInternal)
	m.logger.Error().
		Err(err).
		Str("message_type", string(msg.OutboundType())).
		Msg("Failed to encode outbound message")
}

// asError converts err into a protocol Error.
func asError(err error) *Error {
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return &Error{Code: messaging.CodeInternal, Message: "internal error", CloseCode: messaging.CloseInternalError, Err: err}
}
