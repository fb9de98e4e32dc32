package session

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/DentaMind/SmartDentalAI-sub001/internal/shared/auth"
	"github.com/DentaMind/SmartDentalAI-sub001/internal/shared/limits"
	"github.com/DentaMind/SmartDentalAI-sub001/internal/shared/messaging"
	"github.com/DentaMind/SmartDentalAI-sub001/internal/shared/pool"
	"github.com/DentaMind/SmartDentalAI-sub001/internal/shared/pool/pooltest"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const waitFor = 2 * time.Second

type recordingObserver struct {
	mu          sync.Mutex
	connects    int
	disconnects int
	received    int
	errors      map[messaging.ErrorCode]int
}

func (o *recordingObserver) OnConnect(string, string) {
	o.mu.Lock()
	o.connects++
	o.mu.Unlock()
}

func (o *recordingObserver) OnDisconnect(string, time.Duration) {
	o.mu.Lock()
	o.disconnects++
	o.mu.Unlock()
}

func (o *recordingObserver) OnMessageReceived(string, int) {
	o.mu.Lock()
	o.received++
	o.mu.Unlock()
}

func (o *recordingObserver) OnMessageSent(string, int, int, time.Duration) {}

func (o *recordingObserver) OnError(code messaging.ErrorCode) {
	o.mu.Lock()
	if o.errors == nil {
		o.errors = make(map[messaging.ErrorCode]int)
	}
	o.errors[code]++
	o.mu.Unlock()
}

func (o *recordingObserver) disconnectCount() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.disconnects
}

func (o *recordingObserver) errorCount(code messaging.ErrorCode) int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.errors[code]
}

// tokenVerifier accepts "token-<subject>".
var tokenVerifier = auth.VerifierFunc(func(token string) (string, error) {
	if !strings.HasPrefix(token, "token-") {
		return "", auth.ErrInvalidToken
	}
	return strings.TrimPrefix(token, "token-"), nil
})

type fixture struct {
	mgr      *Manager
	pool     *pool.ConnectionPool
	observer *recordingObserver
}

func newFixture(t *testing.T, mutate func(*Config, *pool.Config)) *fixture {
	t.Helper()

	poolCfg := pool.Config{WorkerCount: 2, CapacityPerWorker: 10, Logger: zerolog.Nop()}
	obs := &recordingObserver{}
	cfg := Config{
		Verifier: tokenVerifier,
		Limiter:  limits.NewRateLimiter(60, time.Minute),
		Observer: obs,
		Logger:   zerolog.Nop(),
	}
	if mutate != nil {
		mutate(&cfg, &poolCfg)
	}

	p := pool.NewConnectionPool(poolCfg)
	p.Start()
	t.Cleanup(p.Stop)

	cfg.Pool = p
	return &fixture{mgr: NewManager(cfg), pool: p, observer: obs}
}

func (f *fixture) connect(t *testing.T, subject string) (string, *pooltest.Handle) {
	t.Helper()
	h := pooltest.NewHandle()
	id, err := f.mgr.Connect(h, subject)
	require.NoError(t, err)
	return id, h
}

func TestAuthenticate(t *testing.T) {
	f := newFixture(t, nil)

	subject, err := f.mgr.Authenticate("token-dr-lee")
	require.NoError(t, err)
	assert.Equal(t, "dr-lee", subject)

	_, err = f.mgr.Authenticate("garbage")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrAuthentication)
	assert.ErrorIs(t, err, auth.ErrInvalidToken)

	var e *Error
	require.True(t, errors.As(err, &e))
	assert.Equal(t, messaging.ClosePolicyViolation, e.CloseCode)
	assert.Equal(t, 1, f.observer.errorCount(messaging.CodeAuthentication))
}

func TestConnect_AdmissionRejectedClosesWithTryAgainLater(t *testing.T) {
	f := newFixture(t, func(_ *Config, pc *pool.Config) {
		pc.WorkerCount = 1
		pc.CapacityPerWorker = 1
	})

	f.connect(t, "user-1")

	h := pooltest.NewHandle()
	_, err := f.mgr.Connect(h, "user-2")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrAdmissionRejected)

	closed, code, _ := h.Closed()
	assert.True(t, closed)
	assert.Equal(t, messaging.CloseTryAgainLater, code)
	assert.Equal(t, 1, f.mgr.Stats().ActiveConnections)
	assert.Empty(t, f.mgr.SubjectConnections("user-2"))
}

func TestDisconnect_Idempotent(t *testing.T) {
	f := newFixture(t, nil)
	id, h := f.connect(t, "user-1")
	require.True(t, f.mgr.JoinRoom(id, "room-a"))

	f.mgr.Disconnect(id)
	f.mgr.Disconnect(id)
	f.mgr.Disconnect("never-existed")

	closed, code, _ := h.Closed()
	assert.True(t, closed)
	assert.Equal(t, messaging.CloseNormal, code)
	assert.Equal(t, 1, f.observer.disconnectCount())

	stats := f.mgr.Stats()
	assert.Zero(t, stats.ActiveConnections)
	assert.Zero(t, stats.Rooms)
	assert.Zero(t, stats.Pool.TotalConnections)
	_, ok := f.pool.WorkerFor(id)
	assert.False(t, ok)
}

func TestRoomLifecycle(t *testing.T) {
	f := newFixture(t, nil)
	a, _ := f.connect(t, "user-a")
	b, _ := f.connect(t, "user-b")

	assert.False(t, f.mgr.JoinRoom("unknown", "room-1"))
	assert.False(t, f.mgr.JoinRoom(a, ""))

	require.True(t, f.mgr.JoinRoom(a, "room-1"))
	require.True(t, f.mgr.JoinRoom(b, "room-1"))

	room, ok := f.mgr.Room("room-1")
	require.True(t, ok)
	assert.Equal(t, 2, room.Members)

	assert.True(t, f.mgr.LeaveRoom(a, "room-1"))
	assert.True(t, f.mgr.LeaveRoom(b, "room-1"))

	_, ok = f.mgr.Room("room-1")
	assert.False(t, ok, "empty room must be deleted")
	assert.Empty(t, f.mgr.Rooms())
	assert.False(t, f.mgr.LeaveRoom("unknown", "room-1"))
}

func TestBroadcastToRoom_UnknownRoom(t *testing.T) {
	f := newFixture(t, nil)
	delivered, failed := f.mgr.BroadcastToRoom(context.Background(), "nope", messaging.Pong{})
	assert.Zero(t, delivered)
	assert.Zero(t, failed)
}

func TestBroadcastToRoom_DeadConnectionIsRemoved(t *testing.T) {
	f := newFixture(t, nil)
	ids := make([]string, 3)
	handles := make([]*pooltest.Handle, 3)
	for i := range ids {
		ids[i], handles[i] = f.connect(t, "user")
		require.True(t, f.mgr.JoinRoom(ids[i], "huddle"))
	}
	handles[1].Fail(errors.New("broken pipe"))

	delivered, failed := f.mgr.BroadcastToRoom(context.Background(), "huddle",
		messaging.Event{Type: "notice", Data: map[string]any{"text": "lunch"}})
	assert.Equal(t, 2, delivered)
	assert.Equal(t, 1, failed)

	room, ok := f.mgr.Room("huddle")
	require.True(t, ok)
	assert.Equal(t, 2, room.Members)
	assert.NotContains(t, room.Conns, ids[1])

	_, ok = f.mgr.Connection(ids[1])
	assert.False(t, ok)
	assert.Len(t, handles[0].MessagesOfType("notice"), 1)
	assert.Len(t, handles[2].MessagesOfType("notice"), 1)
}

func TestChatScenario(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	a, ha := f.connect(t, "A")
	b, hb := f.connect(t, "B")
	_, hc := f.connect(t, "C")

	require.NoError(t, f.mgr.HandleInbound(ctx, a, []byte(`{"type":"join_room","room_id":"chat-1"}`)))
	require.NoError(t, f.mgr.HandleInbound(ctx, b, []byte(`{"type":"join_room","room_id":"chat-1"}`)))
	require.NoError(t, f.mgr.HandleInbound(ctx, a, []byte(`{"type":"chat_message","room_id":"chat-1","content":"hi"}`)))

	require.Eventually(t, func() bool { return len(hb.MessagesOfType("chat_message")) == 1 }, waitFor, 10*time.Millisecond)

	got := hb.MessagesOfType("chat_message")[0]
	assert.Equal(t, "chat-1", got["room_id"])
	assert.Equal(t, "A", got["user_id"])
	assert.Equal(t, "hi", got["content"])
	assert.NotEmpty(t, got["timestamp"])

	assert.Len(t, ha.MessagesOfType("chat_message"), 1, "sender is a room member too")
	assert.Len(t, ha.MessagesOfType("room_joined"), 1)
	assert.Zero(t, hc.Count())
}

func TestHandleInbound_Rejections(t *testing.T) {
	f := newFixture(t, func(c *Config, _ *pool.Config) { c.MaxMessageBytes = 64 })
	ctx := context.Background()
	id, h := f.connect(t, "user")

	err := f.mgr.HandleInbound(ctx, id, []byte(`{"type":"chat_message","room_id":"r","content":"`+strings.Repeat("x", 100)+`"}`))
	assert.ErrorIs(t, err, ErrMessageTooLarge)

	err = f.mgr.HandleInbound(ctx, id, []byte(`{not json`))
	assert.ErrorIs(t, err, ErrInvalidMessage)

	err = f.mgr.HandleInbound(ctx, id, []byte(`{"room_id":"r"}`))
	assert.ErrorIs(t, err, ErrInvalidMessage)

	err = f.mgr.HandleInbound(ctx, id, []byte(`{"type":"join_room"}`))
	assert.ErrorIs(t, err, ErrInvalidMessage)

	require.Eventually(t, func() bool { return len(h.MessagesOfType("error")) == 4 }, waitFor, 10*time.Millisecond)
	codes := []any{}
	for _, m := range h.MessagesOfType("error") {
		codes = append(codes, m["code"])
	}
	assert.Equal(t, []any{"MESSAGE_TOO_LARGE", "INVALID_MESSAGE", "INVALID_MESSAGE", "INVALID_MESSAGE"}, codes)

	closed, _, _ := h.Closed()
	assert.False(t, closed, "non-fatal rejections keep the connection open")
	assert.Equal(t, 3, f.observer.errorCount(messaging.CodeInvalidMessage))
	assert.Equal(t, 1, f.observer.errorCount(messaging.CodeMessageTooLarge))
}

func TestHandleInbound_OversizeClosesWhenConfigured(t *testing.T) {
	f := newFixture(t, func(c *Config, _ *pool.Config) {
		c.MaxMessageBytes = 16
		c.CloseOnOversize = true
	})
	id, h := f.connect(t, "user")

	err := f.mgr.HandleInbound(context.Background(), id, []byte(`{"type":"heartbeat","pad":"xxxxxxxx"}`))
	var e *Error
	require.True(t, errors.As(err, &e))
	assert.True(t, e.Fatal())

	closed, code, _ := h.Closed()
	assert.True(t, closed)
	assert.Equal(t, messaging.CloseMessageTooBig, code)
	assert.Len(t, h.MessagesOfType("error"), 1, "error frame is written before close")
	assert.Zero(t, f.mgr.Stats().ActiveConnections)
}

func TestHandleInbound_RateLimit(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	id, h := f.connect(t, "user")

	for i := 0; i < 60; i++ {
		require.NoError(t, f.mgr.HandleInbound(ctx, id, []byte(`{"type":"heartbeat"}`)))
	}
	err := f.mgr.HandleInbound(ctx, id, []byte(`{"type":"heartbeat"}`))
	assert.ErrorIs(t, err, ErrRateLimitExceeded)

	require.Eventually(t, func() bool { return len(h.MessagesOfType("error")) == 1 }, waitFor, 10*time.Millisecond)
	assert.Len(t, h.MessagesOfType("pong"), 60)
	assert.Equal(t, "RATE_LIMIT_EXCEEDED", h.MessagesOfType("error")[0]["code"])
	assert.Equal(t, 1, f.observer.errorCount(messaging.CodeRateLimitExceeded))
}

func TestHandleInbound_InvalidMessagesDoNotConsumeBudget(t *testing.T) {
	f := newFixture(t, func(c *Config, _ *pool.Config) {
		c.Limiter = limits.NewRateLimiter(2, time.Minute)
	})
	ctx := context.Background()
	id, _ := f.connect(t, "user")

	for i := 0; i < 5; i++ {
		_ = f.mgr.HandleInbound(ctx, id, []byte(`nope`))
	}
	assert.NoError(t, f.mgr.HandleInbound(ctx, id, []byte(`{"type":"heartbeat"}`)))
	assert.NoError(t, f.mgr.HandleInbound(ctx, id, []byte(`{"type":"heartbeat"}`)))
}

func TestEventListeners(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	id, _ := f.connect(t, "dr-lee")

	var (
		mu   sync.Mutex
		seen []Event
	)
	f.mgr.RegisterEventListener("typing", func(_ context.Context, ev Event) error {
		panic("listener bug")
	})
	f.mgr.RegisterEventListener("typing", func(_ context.Context, ev Event) error {
		return errors.New("downstream unavailable")
	})
	f.mgr.RegisterEventListener("typing", func(_ context.Context, ev Event) error {
		mu.Lock()
		seen = append(seen, ev)
		mu.Unlock()
		return nil
	})

	require.NoError(t, f.mgr.HandleInbound(ctx, id, []byte(`{"type":"typing","room_id":"r1"}`)))

	mu.Lock()
	require.Len(t, seen, 1)
	assert.Equal(t, id, seen[0].ConnectionID)
	assert.Equal(t, "dr-lee", seen[0].SubjectID)
	assert.Equal(t, "r1", seen[0].Data["room_id"])
	mu.Unlock()

	assert.Equal(t, 1, f.mgr.TriggerEvent(ctx, "typing", map[string]any{"room_id": "r2"}))
	assert.Zero(t, f.mgr.TriggerEvent(ctx, "no-listeners", nil))
	assert.Equal(t, 3, f.mgr.Stats().EventListeners)
}

func TestSendToSubject_MultipleDevices(t *testing.T) {
	f := newFixture(t, nil)
	_, phone := f.connect(t, "dr-lee")
	_, laptop := f.connect(t, "dr-lee")
	_, other := f.connect(t, "dr-kim")

	n := f.mgr.SendToSubject(messaging.Event{Type: "appointment_updated", Data: map[string]any{"id": "apt-1"}}, "dr-lee")
	assert.Equal(t, 2, n)
	assert.Len(t, f.mgr.SubjectConnections("dr-lee"), 2)

	require.Eventually(t, func() bool { return phone.Count() == 1 && laptop.Count() == 1 }, waitFor, 10*time.Millisecond)
	assert.Zero(t, other.Count())
	assert.Zero(t, f.mgr.SendToSubject(messaging.Pong{}, "nobody"))
}

func TestBroadcast_ReachesEveryone(t *testing.T) {
	f := newFixture(t, nil)
	handles := make([]*pooltest.Handle, 5)
	for i := range handles {
		_, handles[i] = f.connect(t, "user")
	}

	assert.Equal(t, 5, f.mgr.Broadcast(messaging.Event{Type: "system_notice"}))
	require.Eventually(t, func() bool {
		for _, h := range handles {
			if h.Count() != 1 {
				return false
			}
		}
		return true
	}, waitFor, 10*time.Millisecond)
}

func TestShutdown_ClosesAllAndRejectsNew(t *testing.T) {
	f := newFixture(t, nil)
	_, h1 := f.connect(t, "a")
	_, h2 := f.connect(t, "b")

	assert.Equal(t, 2, f.mgr.Shutdown())
	for _, h := range []*pooltest.Handle{h1, h2} {
		closed, code, _ := h.Closed()
		assert.True(t, closed)
		assert.Equal(t, messaging.CloseGoingAway, code)
	}

	late := pooltest.NewHandle()
	_, err := f.mgr.Connect(late, "c")
	assert.ErrorIs(t, err, ErrAdmissionRejected)
	closed, _, _ := late.Closed()
	assert.True(t, closed)
}

func TestConnection_Info(t *testing.T) {
	f := newFixture(t, nil)
	id, _ := f.connect(t, "user")
	f.mgr.JoinRoom(id, "b")
	f.mgr.JoinRoom(id, "a")

	info, ok := f.mgr.Connection(id)
	require.True(t, ok)
	assert.Equal(t, "user", info.SubjectID)
	assert.Equal(t, []string{"a", "b"}, info.Rooms)
	assert.GreaterOrEqual(t, info.WorkerID, 0)

	assert.True(t, f.mgr.DisconnectWithReason(id, messaging.ClosePolicyViolation, "kicked"))
	assert.False(t, f.mgr.DisconnectWithReason(id, messaging.ClosePolicyViolation, "kicked"))
}
