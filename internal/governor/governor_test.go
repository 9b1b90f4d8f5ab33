package governor

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeClock lets tests move time forward deterministically.
type fakeClock struct {
	t time.Time
}

func (c *fakeClock) now() time.Time {
	return c.t
}

func (c *fakeClock) advance(d time.Duration) {
	c.t = c.t.Add(d)
}

func newTestGovernor(t *testing.T) (*Governor, *fakeClock) {
	t.Helper()
	g := New("AA:BB:CC:DD:EE:FF", DefaultConfig(), NewLimiter(2), nil)
	clock := &fakeClock{t: time.Unix(1700000000, 0)}
	g.now = clock.now
	return g, clock
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, 2, cfg.MaxRetries)
	assert.Equal(t, 5*time.Second, cfg.BaseCooldown)
	assert.Equal(t, 30*time.Second, cfg.ExtendedCooldown)
	assert.Equal(t, 5, cfg.MaxConsecutiveFailures)
	assert.Equal(t, 3, cfg.UnavailableThreshold)
	assert.Equal(t, 10*time.Second, cfg.FreshnessWindow)
	assert.Equal(t, 500*time.Millisecond, cfg.SettleDelay)
}

func TestGovernor_BeginAttemptSerializes(t *testing.T) {
	g, _ := newTestGovernor(t)

	require.NoError(t, g.BeginAttempt())
	assert.ErrorIs(t, g.BeginAttempt(), ErrBusy)
	assert.False(t, g.ShouldAttempt())

	g.EndAttempt(OutcomeSuccess)
	assert.True(t, g.ShouldAttempt())
}

func TestGovernor_ExponentialBackoff(t *testing.T) {
	g, clock := newTestGovernor(t)

	// One failure: 5s cooldown.
	require.NoError(t, g.BeginAttempt())
	g.EndAttempt(OutcomeFailure)

	assert.False(t, g.ShouldAttempt())
	clock.advance(4 * time.Second)
	assert.False(t, g.ShouldAttempt())
	clock.advance(time.Second)
	assert.True(t, g.ShouldAttempt())

	// Second failure: 10s cooldown, measured from the new attempt.
	require.NoError(t, g.BeginAttempt())
	g.EndAttempt(OutcomeFailure)
	clock.advance(9 * time.Second)
	assert.False(t, g.ShouldAttempt())
	clock.advance(time.Second)
	assert.True(t, g.ShouldAttempt())

	// Third failure: 20s cooldown.
	require.NoError(t, g.BeginAttempt())
	g.EndAttempt(OutcomeFailure)
	clock.advance(19 * time.Second)
	assert.False(t, g.ShouldAttempt())
	clock.advance(time.Second)
	assert.True(t, g.ShouldAttempt())
}

func TestGovernor_BackoffMonotonicUntilCap(t *testing.T) {
	g, clock := newTestGovernor(t)

	var prev time.Duration
	for i := 0; i < g.cfg.MaxConsecutiveFailures-1; i++ {
		clock.advance(time.Hour)
		require.NoError(t, g.BeginAttempt())
		g.EndAttempt(OutcomeFailure)

		g.mu.Lock()
		cooldown := g.requiredCooldown()
		g.mu.Unlock()

		assert.GreaterOrEqual(t, cooldown, prev, "cooldown must never decrease on failure")
		prev = cooldown
	}

	// At the cap the flat extended cooldown takes over.
	clock.advance(time.Hour)
	require.NoError(t, g.BeginAttempt())
	g.EndAttempt(OutcomeFailure)

	g.mu.Lock()
	assert.Equal(t, g.cfg.ExtendedCooldown, g.requiredCooldown())
	g.mu.Unlock()
}

func TestGovernor_CoolingDownError(t *testing.T) {
	g, clock := newTestGovernor(t)

	require.NoError(t, g.BeginAttempt())
	g.EndAttempt(OutcomeFailure)

	assert.ErrorIs(t, g.BeginAttempt(), ErrCoolingDown)

	clock.advance(5 * time.Second)
	assert.NoError(t, g.BeginAttempt())
	g.EndAttempt(OutcomeSuccess)
}

func TestGovernor_AvailabilityThreshold(t *testing.T) {
	g, clock := newTestGovernor(t)

	assert.True(t, g.Available())

	for i := 1; i <= g.cfg.UnavailableThreshold; i++ {
		clock.advance(time.Hour) // clear any cooldown
		require.NoError(t, g.BeginAttempt())
		g.EndAttempt(OutcomeFailure)

		if i < g.cfg.UnavailableThreshold {
			assert.True(t, g.Available(), "still available after %d failures", i)
		} else {
			assert.False(t, g.Available(), "unavailable at threshold")
		}
	}

	// A single success restores availability and resets the streak.
	clock.advance(time.Hour)
	require.NoError(t, g.BeginAttempt())
	g.EndAttempt(OutcomeSuccess)
	assert.True(t, g.Available())
	assert.Equal(t, 0, g.ConsecutiveFailures())
}

func TestGovernor_SuccessResetsCooldown(t *testing.T) {
	g, clock := newTestGovernor(t)

	for i := 0; i < 4; i++ {
		clock.advance(time.Hour)
		require.NoError(t, g.BeginAttempt())
		g.EndAttempt(OutcomeFailure)
	}

	clock.advance(time.Hour)
	require.NoError(t, g.BeginAttempt())
	g.EndAttempt(OutcomeSuccess)

	// No cooldown after success.
	assert.True(t, g.ShouldAttempt())

	last, ok := g.LastSuccess()
	assert.True(t, ok)
	assert.Equal(t, clock.t, last)
}

func TestGovernor_Settle(t *testing.T) {
	cfg := DefaultConfig()
	cfg.SettleDelay = 2 * time.Millisecond
	g := New("AA:BB:CC:DD:EE:FF", cfg, NewLimiter(1), nil)

	assert.NoError(t, g.Settle(context.Background(), 0))
	assert.NoError(t, g.Settle(context.Background(), 1))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	cfg.SettleDelay = time.Minute
	g = New("AA:BB:CC:DD:EE:FF", cfg, NewLimiter(1), nil)
	assert.ErrorIs(t, g.Settle(ctx, 3), context.Canceled)
}

func TestLimiter_Bound(t *testing.T) {
	l := NewLimiter(2)

	require.True(t, l.TryAcquire())
	require.True(t, l.TryAcquire())
	assert.False(t, l.TryAcquire(), "third concurrent connection must be refused")

	l.Release()
	assert.True(t, l.TryAcquire())

	l.Release()
	l.Release()
}

func TestLimiter_AcquireContext(t *testing.T) {
	l := NewLimiter(1)
	require.NoError(t, l.Acquire(context.Background()))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Millisecond)
	defer cancel()
	assert.Error(t, l.Acquire(ctx), "acquire must respect context deadline when full")

	l.Release()
}
