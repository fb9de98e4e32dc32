package pool

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/DentaMind/SmartDentalAI-sub001/internal/shared/pool/pooltest"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestPool(t *testing.T, cfg Config) *ConnectionPool {
	t.Helper()
	cfg.Logger = zerolog.Nop()
	p := NewConnectionPool(cfg)
	p.Start()
	t.Cleanup(p.Stop)
	return p
}

func TestConnectionPool_AutoScaling(t *testing.T) {
	p := newTestPool(t, Config{WorkerCount: 2, CapacityPerWorker: 1, MaxWorkers: 3, AutoScale: true})

	require.True(t, p.Admit("c1", pooltest.NewHandle()))
	require.True(t, p.Admit("c2", pooltest.NewHandle()))
	assert.Equal(t, 2, p.Stats().WorkerCount)

	require.True(t, p.Admit("c3", pooltest.NewHandle()))
	stats := p.Stats()
	assert.Equal(t, 3, stats.WorkerCount)

	w, ok := p.WorkerFor("c3")
	require.True(t, ok)
	assert.Equal(t, 2, w.ID())
	assert.Equal(t, StateRunning, w.State())

	assert.False(t, p.Admit("c4", pooltest.NewHandle()))
	_, err := p.PlacementFor("c4")
	assert.ErrorIs(t, err, ErrNoCapacity)

	stats = p.Stats()
	assert.Equal(t, 3, stats.WorkerCount)
	assert.Equal(t, 3, stats.TotalConnections)
	assert.Equal(t, 1.0, stats.Utilization)
}

func TestConnectionPool_NoAutoScaleRejects(t *testing.T) {
	p := newTestPool(t, Config{WorkerCount: 1, CapacityPerWorker: 1, MaxWorkers: 5})

	require.True(t, p.Admit("c1", pooltest.NewHandle()))
	assert.False(t, p.Admit("c2", pooltest.NewHandle()))
	assert.Equal(t, 1, p.Stats().WorkerCount)
}

func TestConnectionPool_LeastLoadedPlacement(t *testing.T) {
	p := newTestPool(t, Config{WorkerCount: 3, CapacityPerWorker: 10})

	// Ties go to creation order.
	for i := 0; i < 3; i++ {
		id := fmt.Sprintf("c%d", i)
		require.True(t, p.Admit(id, pooltest.NewHandle()))
		w, _ := p.WorkerFor(id)
		assert.Equal(t, i, w.ID())
	}

	p.Remove("c1")
	w, err := p.PlacementFor("next")
	require.NoError(t, err)
	assert.Equal(t, 1, w.ID())

	// An assigned connection keeps its worker.
	w, err = p.PlacementFor("c2")
	require.NoError(t, err)
	assert.Equal(t, 2, w.ID())
}

func TestConnectionPool_RemoveIsIdempotent(t *testing.T) {
	p := newTestPool(t, Config{WorkerCount: 1, CapacityPerWorker: 2})

	require.True(t, p.Admit("c1", pooltest.NewHandle()))
	p.Remove("c1")
	p.Remove("c1")

	_, ok := p.WorkerFor("c1")
	assert.False(t, ok)
	assert.Equal(t, 0, p.Stats().TotalConnections)
	assert.False(t, p.Send("c1", []byte("x")))
}

func TestConnectionPool_SendToManyGroupsByWorker(t *testing.T) {
	p := newTestPool(t, Config{WorkerCount: 2, CapacityPerWorker: 5})

	handles := map[string]*pooltest.Handle{}
	for i := 0; i < 4; i++ {
		id := fmt.Sprintf("c%d", i)
		handles[id] = pooltest.NewHandle()
		require.True(t, p.Admit(id, handles[id]))
	}
	handles["c3"].Fail(errors.New("reset by peer"))

	ok, failed := p.SendToMany(context.Background(), []string{"c0", "c1", "c2", "c3", "ghost"}, []byte("x"))
	assert.Equal(t, 3, ok)
	assert.Equal(t, 2, failed)

	_, stillAssigned := p.WorkerFor("c3")
	assert.False(t, stillAssigned)
}

func TestConnectionPool_EvictionHook(t *testing.T) {
	p := newTestPool(t, Config{WorkerCount: 1, CapacityPerWorker: 2})

	evicted := make(chan string, 1)
	p.SetEvictionHook(func(id string, err error) { evicted <- id })

	h := pooltest.NewHandle()
	h.Fail(errors.New("closed"))
	require.True(t, p.Admit("c1", h))
	require.True(t, p.Send("c1", []byte("x")))

	select {
	case id := <-evicted:
		assert.Equal(t, "c1", id)
	case <-time.After(time.Second):
		t.Fatal("eviction hook not called")
	}
}

func TestConnectionPool_BroadcastAll(t *testing.T) {
	p := newTestPool(t, Config{WorkerCount: 2, CapacityPerWorker: 5})

	a, b, c := pooltest.NewHandle(), pooltest.NewHandle(), pooltest.NewHandle()
	require.True(t, p.Admit("a", a))
	require.True(t, p.Admit("b", b))
	require.True(t, p.Admit("c", c))

	assert.Equal(t, 2, p.BroadcastAll([]byte("all"), []string{"b"}))
	require.Eventually(t, func() bool { return a.Count() == 1 && c.Count() == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 0, b.Count())
}

func TestConnectionPool_Stats(t *testing.T) {
	p := newTestPool(t, Config{WorkerCount: 2, CapacityPerWorker: 4, MaxWorkers: 4, AutoScale: true})
	require.True(t, p.Admit("a", pooltest.NewHandle()))

	s := p.Stats()
	assert.Equal(t, 1, s.TotalConnections)
	assert.Equal(t, 8, s.TotalCapacity)
	assert.Equal(t, 16, s.MaxCapacity)
	assert.InDelta(t, 0.125, s.Utilization, 1e-9)
	require.Len(t, s.Workers, 2)
	assert.Equal(t, 1, s.Workers[0].ActiveConnections)
}

func TestConnectionPool_StopRejectsAdmission(t *testing.T) {
	p := NewConnectionPool(Config{WorkerCount: 1, CapacityPerWorker: 1, Logger: zerolog.Nop()})
	p.Start()
	p.Stop()
	p.Stop()

	assert.False(t, p.Admit("c1", pooltest.NewHandle()))
}
