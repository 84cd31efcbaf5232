package circuitbreaker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) Now() time.Time          { return c.t }
func (c *fakeClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestBreaker(t *testing.T, cfg Config) (*CircuitBreaker, *fakeClock) {
	clock := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	cb := NewCircuitBreaker("test", cfg, zaptest.NewLogger(t))
	cb.now = clock.Now
	cb.resetGeneration(clock.Now())
	return cb, clock
}

var errBoom = errors.New("boom")

func TestCircuitBreakerStates(t *testing.T) {
	cfg := DefaultConfig()
	cfg.FailureThreshold = 3
	cfg.SuccessThreshold = 2
	cfg.MaxRequests = 5
	cfg.Timeout = 100 * time.Millisecond
	cb, clock := newTestBreaker(t, cfg)
	ctx := context.Background()

	assert.Equal(t, StateClosed, cb.State())
	for i := 0; i < 3; i++ {
		require.NoError(t, cb.Execute(ctx, func() error { return nil }))
	}
	assert.Equal(t, StateClosed, cb.State())

	for i := 0; i < 3; i++ {
		assert.ErrorIs(t, cb.Execute(ctx, func() error { return errBoom }), errBoom)
	}
	assert.Equal(t, StateOpen, cb.State())

	called := false
	err := cb.Execute(ctx, func() error { called = true; return nil })
	assert.ErrorIs(t, err, ErrCircuitBreakerOpen)
	assert.False(t, called)

	clock.Advance(150 * time.Millisecond)
	assert.Equal(t, StateHalfOpen, cb.State())

	for i := 0; i < 2; i++ {
		require.NoError(t, cb.Execute(ctx, func() error { return nil }))
	}
	assert.Equal(t, StateClosed, cb.State())
}

func TestCircuitBreakerHalfOpenFailureReopens(t *testing.T) {
	cfg := DefaultConfig()
	cfg.FailureThreshold = 1
	cfg.Timeout = time.Second
	cb, clock := newTestBreaker(t, cfg)
	ctx := context.Background()

	_ = cb.Execute(ctx, func() error { return errBoom })
	require.Equal(t, StateOpen, cb.State())

	clock.Advance(2 * time.Second)
	require.Equal(t, StateHalfOpen, cb.State())
	_ = cb.Execute(ctx, func() error { return errBoom })
	assert.Equal(t, StateOpen, cb.State())
}

func TestCircuitBreakerMaxRequests(t *testing.T) {
	cfg := DefaultConfig()
	cfg.FailureThreshold = 1
	cfg.MaxRequests = 2
	cfg.SuccessThreshold = 5
	cfg.Timeout = time.Second
	cb, clock := newTestBreaker(t, cfg)
	ctx := context.Background()

	_ = cb.Execute(ctx, func() error { return errBoom })
	clock.Advance(2 * time.Second)

	for i := 0; i < 2; i++ {
		require.NoError(t, cb.Execute(ctx, func() error { return nil }))
	}
	assert.ErrorIs(t, cb.Execute(ctx, func() error { return nil }), ErrTooManyRequests)
}

func TestCircuitBreakerCounts(t *testing.T) {
	cb, _ := newTestBreaker(t, DefaultConfig())
	ctx := context.Background()

	_ = cb.Execute(ctx, func() error { return nil })
	_ = cb.Execute(ctx, func() error { return errBoom })
	_ = cb.Execute(ctx, func() error { return nil })

	c := cb.Counts()
	assert.Equal(t, uint32(3), c.Requests)
	assert.Equal(t, uint32(2), c.TotalSuccesses)
	assert.Equal(t, uint32(1), c.TotalFailures)
	assert.Equal(t, uint32(1), c.ConsecutiveSuccesses)
}

func TestCircuitBreakerIntervalResetsCounts(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Interval = time.Minute
	cb, clock := newTestBreaker(t, cfg)

	_ = cb.Execute(context.Background(), func() error { return errBoom })
	require.Equal(t, uint32(1), cb.Counts().TotalFailures)

	clock.Advance(2 * time.Minute)
	assert.Equal(t, StateClosed, cb.State())
	assert.Equal(t, uint32(0), cb.Counts().TotalFailures)
}

func TestCircuitBreakerPanicCountsAsFailure(t *testing.T) {
	cb, _ := newTestBreaker(t, DefaultConfig())
	assert.Panics(t, func() {
		_ = cb.Execute(context.Background(), func() error { panic("bad") })
	})
	assert.Equal(t, uint32(1), cb.Counts().TotalFailures)
}

func TestStateChangeCallback(t *testing.T) {
	cfg := DefaultConfig()
	cfg.FailureThreshold = 2

	var from, to State
	calls := 0
	cfg.OnStateChange = func(_ string, f, tt State) {
		calls++
		from, to = f, tt
	}
	cb, _ := newTestBreaker(t, cfg)

	for i := 0; i < 2; i++ {
		_ = cb.Execute(context.Background(), func() error { return errBoom })
	}
	assert.Equal(t, 1, calls)
	assert.Equal(t, StateClosed, from)
	assert.Equal(t, StateOpen, to)
}

func TestSettingsFromEnv(t *testing.T) {
	t.Setenv("CB_ORACLE_FAILURE_THRESHOLD", "7")
	t.Setenv("CB_ORACLE_TIMEOUT", "3s")
	t.Setenv("CB_ORACLE_MAX_REQUESTS", "not-a-number")

	s := GetOracleConfig()
	assert.Equal(t, uint32(7), s.FailureThreshold)
	assert.Equal(t, 3*time.Second, s.Timeout)
	assert.Equal(t, uint32(2), s.MaxRequests)
	assert.Equal(t, "half-open", StateHalfOpen.String())
}
