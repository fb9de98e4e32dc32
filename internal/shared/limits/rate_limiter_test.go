package limits

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) Now() time.Time          { return c.t }
func (c *fakeClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestLimiter(limit int, window time.Duration) (*RateLimiter, *fakeClock) {
	clock := &fakeClock{t: time.Date(2026, 1, 5, 9, 0, 0, 0, time.UTC)}
	rl := NewRateLimiter(limit, window)
	rl.now = clock.Now
	return rl, clock
}

func TestRateLimiter_SixtyFirstMessageRejected(t *testing.T) {
	rl, clock := newTestLimiter(60, time.Minute)

	for i := 0; i < 60; i++ {
		require.NoError(t, rl.Check("conn-1"), "message %d", i+1)
		clock.Advance(100 * time.Millisecond)
	}

	assert.ErrorIs(t, rl.Check("conn-1"), ErrRateLimitExceeded)
	assert.Equal(t, 0, rl.Remaining("conn-1"))
}

func TestRateLimiter_WindowSlides(t *testing.T) {
	rl, clock := newTestLimiter(2, time.Minute)

	require.NoError(t, rl.Check("c"))
	clock.Advance(30 * time.Second)
	require.NoError(t, rl.Check("c"))
	require.ErrorIs(t, rl.Check("c"), ErrRateLimitExceeded)

	// First message leaves the window; exactly one slot frees up.
	clock.Advance(31 * time.Second)
	require.NoError(t, rl.Check("c"))
	assert.ErrorIs(t, rl.Check("c"), ErrRateLimitExceeded)
}

func TestRateLimiter_RejectedMessagesAreNotRecorded(t *testing.T) {
	rl, clock := newTestLimiter(1, time.Minute)

	require.NoError(t, rl.Check("c"))
	for i := 0; i < 10; i++ {
		require.Error(t, rl.Check("c"))
	}

	clock.Advance(time.Minute + time.Second)
	assert.NoError(t, rl.Check("c"))
}

func TestRateLimiter_ConnectionsAreIndependent(t *testing.T) {
	rl, _ := newTestLimiter(1, time.Minute)

	require.NoError(t, rl.Check("a"))
	require.Error(t, rl.Check("a"))
	assert.NoError(t, rl.Check("b"))
}

func TestRateLimiter_Remove(t *testing.T) {
	rl, _ := newTestLimiter(1, time.Minute)

	require.NoError(t, rl.Check("a"))
	require.Equal(t, 1, rl.Tracked())

	rl.Remove("a")
	rl.Remove("a")
	assert.Equal(t, 0, rl.Tracked())
	assert.NoError(t, rl.Check("a"))
}

func TestNewRateLimiter_Defaults(t *testing.T) {
	limit, window := NewRateLimiter(0, 0).Limit()
	assert.Equal(t, DefaultMessageLimit, limit)
	assert.Equal(t, DefaultWindow, window)
}
