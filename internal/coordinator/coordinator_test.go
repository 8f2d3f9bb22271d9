package coordinator

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestCoordinator(opts ...Option) (*Coordinator, *fakeClock) {
	clock := &fakeClock{now: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
	return New(append([]Option{WithClock(clock.Now)}, opts...)...), clock
}

func TestBegin_SecondCallerJoinsInFlight(t *testing.T) {
	c, _ := newTestCoordinator()
	ctx := context.Background()

	ticket, decision := c.Begin(ctx, "tenants:u1", false, false)
	require.NotNil(t, ticket)
	assert.Equal(t, DecisionStart, decision)

	second, decision := c.Begin(ctx, "tenants:u1", false, true)
	assert.Nil(t, second)
	assert.Equal(t, DecisionJoin, decision)

	// Other keys are independent
	other, decision := c.Begin(ctx, "tenants:u2", false, false)
	require.NotNil(t, other)
	assert.Equal(t, DecisionStart, decision)

	ticket.End(true)
	other.End(true)
	assert.False(t, c.InFlight("tenants:u1"))
}

func TestBegin_ConcurrentCallersGetOneStart(t *testing.T) {
	c, _ := newTestCoordinator()
	ctx := context.Background()

	var wg sync.WaitGroup
	var mu sync.Mutex
	starts := 0
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, d := c.Begin(ctx, "tenants:u1", false, false); d == DecisionStart {
				mu.Lock()
				starts++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, starts)
}

func TestBegin_ThrottleWindow(t *testing.T) {
	c, clock := newTestCoordinator(WithDefaultMinInterval(time.Minute))
	ctx := context.Background()

	ticket, _ := c.Begin(ctx, "tenants:u1", false, false)
	ticket.End(true)

	assert.Equal(t, DecisionThrottled, c.ShouldStart("tenants:u1", false, true))
	// Without local data there is nothing to serve, so the fetch proceeds
	assert.Equal(t, DecisionStart, c.ShouldStart("tenants:u1", false, false))
	// Forced calls bypass the window
	assert.Equal(t, DecisionStart, c.ShouldStart("tenants:u1", true, true))

	clock.Advance(time.Minute)
	assert.Equal(t, DecisionStart, c.ShouldStart("tenants:u1", false, true))
}

func TestBegin_FailedFetchDoesNotThrottle(t *testing.T) {
	c, _ := newTestCoordinator()

	ticket, _ := c.Begin(context.Background(), "tenants:u1", false, false)
	ticket.End(false)

	assert.Equal(t, DecisionStart, c.ShouldStart("tenants:u1", false, true))
	_, ok := c.LastSuccess("tenants:u1")
	assert.False(t, ok)
}

func TestBegin_PrefixOverride(t *testing.T) {
	c, clock := newTestCoordinator(
		WithDefaultMinInterval(2*time.Minute),
		WithMinInterval("selected_tenant:", 30*time.Second),
	)
	ctx := context.Background()

	for _, key := range []string{"tenants:u1", "selected_tenant:u1"} {
		ticket, _ := c.Begin(ctx, key, false, false)
		ticket.End(true)
	}

	clock.Advance(45 * time.Second)
	assert.Equal(t, DecisionThrottled, c.ShouldStart("tenants:u1", false, true))
	assert.Equal(t, DecisionStart, c.ShouldStart("selected_tenant:u1", false, true))
}

func TestBegin_ForceSupersedesInFlight(t *testing.T) {
	c, _ := newTestCoordinator()
	ctx := context.Background()

	first, _ := c.Begin(ctx, "tenants:u1", false, false)
	second, decision := c.Begin(ctx, "tenants:u1", true, true)
	require.NotNil(t, second)
	assert.Equal(t, DecisionStart, decision)

	assert.ErrorIs(t, first.Context().Err(), context.Canceled)
	assert.False(t, first.Current())
	assert.True(t, second.Current())
	assert.Greater(t, second.Generation(), first.Generation())

	// The superseded ticket ending must not release the newer flight
	first.End(true)
	assert.True(t, c.InFlight("tenants:u1"))
	_, ok := c.LastSuccess("tenants:u1")
	assert.False(t, ok)

	second.End(true)
	assert.False(t, c.InFlight("tenants:u1"))
	_, ok = c.LastSuccess("tenants:u1")
	assert.True(t, ok)
}

func TestTicket_EndIsIdempotent(t *testing.T) {
	c, _ := newTestCoordinator()

	ticket, _ := c.Begin(context.Background(), "tenants:u1", false, false)
	ticket.End(false)
	assert.NotPanics(t, func() { ticket.End(true) })

	_, ok := c.LastSuccess("tenants:u1")
	assert.False(t, ok)
}

func TestWait_FollowsSupersedingFlights(t *testing.T) {
	c, _ := newTestCoordinator()
	ctx := context.Background()

	first, _ := c.Begin(ctx, "tenants:u1", false, false)

	waited := make(chan error, 1)
	go func() {
		waited <- c.Wait(ctx, "tenants:u1")
	}()

	second, _ := c.Begin(ctx, "tenants:u1", true, false)
	first.End(false)

	select {
	case <-waited:
		t.Fatal("Wait returned while a newer flight was in progress")
	case <-time.After(20 * time.Millisecond):
	}

	second.End(true)
	select {
	case err := <-waited:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Wait did not return after the last flight ended")
	}
}

func TestWait_RespectsContext(t *testing.T) {
	c, _ := newTestCoordinator()

	ticket, _ := c.Begin(context.Background(), "tenants:u1", false, false)
	defer ticket.End(false)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	assert.ErrorIs(t, c.Wait(ctx, "tenants:u1"), context.DeadlineExceeded)
}

func TestReset(t *testing.T) {
	c, _ := newTestCoordinator()
	ctx := context.Background()

	ticket, _ := c.Begin(ctx, "tenants:u1", false, false)
	c.Reset()

	assert.False(t, ticket.Current())
	assert.ErrorIs(t, ticket.Context().Err(), context.Canceled)
	assert.False(t, c.InFlight("tenants:u1"))

	ticket.End(true)
	_, ok := c.LastSuccess("tenants:u1")
	assert.False(t, ok)
}

func TestLastError_RecordsFlightOutcome(t *testing.T) {
	c, _ := newTestCoordinator()
	ctx := context.Background()
	failure := errors.New("connection refused")

	ticket, _ := c.Begin(ctx, "tenants:u1", false, false)
	ticket.Fail(failure)
	assert.ErrorIs(t, c.LastError("tenants:u1"), failure)

	ticket, _ = c.Begin(ctx, "tenants:u1", false, false)
	ticket.End(true)
	assert.NoError(t, c.LastError("tenants:u1"))
}

func TestLastError_IgnoresSupersededFlight(t *testing.T) {
	c, _ := newTestCoordinator()
	ctx := context.Background()

	first, _ := c.Begin(ctx, "tenants:u1", false, false)
	second, _ := c.Begin(ctx, "tenants:u1", true, false)

	first.Fail(errors.New("aborted"))
	assert.NoError(t, c.LastError("tenants:u1"))

	second.End(true)
	assert.NoError(t, c.LastError("tenants:u1"))

	third, _ := c.Begin(ctx, "tenants:u1", true, false)
	third.Fail(errors.New("boom"))
	c.Reset()
	assert.NoError(t, c.LastError("tenants:u1"))
}
