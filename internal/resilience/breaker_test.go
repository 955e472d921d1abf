package resilience

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errBoom = errors.New("boom")

type transition struct {
	name     string
	from, to CircuitState
}

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func newTestRegistry(t *testing.T, threshold int) (*ServiceBreakers, *clock, *[]transition) {
	t.Helper()
	sb := NewServiceBreakers(CircuitBreakerConfig{FailureThreshold: threshold, ResetTimeout: time.Minute})
	var seen []transition
	sb.OnStateChange(func(name string, from, to CircuitState) {
		seen = append(seen, transition{name, from, to})
	})
	return sb, &clock{t: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)}, &seen
}

func fail(context.Context) error    { return errBoom }
func succeed(context.Context) error { return nil }

func TestBreaker_OpensAfterThreshold(t *testing.T) {
	sb, clk, seen := newTestRegistry(t, 3)
	b := sb.Get("anthropic")
	b.now = clk.now
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		assert.ErrorIs(t, b.Execute(ctx, fail), errBoom)
	}
	assert.Equal(t, CircuitClosed, b.State())
	assert.Equal(t, 2, b.Failures())

	assert.ErrorIs(t, b.Execute(ctx, fail), errBoom)
	assert.Equal(t, CircuitOpen, b.State())
	assert.True(t, sb.Open("anthropic"))

	called := false
	err := b.Execute(ctx, func(context.Context) error { called = true; return nil })
	assert.ErrorIs(t, err, ErrCircuitOpen)
	assert.False(t, called)

	assert.Equal(t, []transition{{"anthropic", CircuitClosed, CircuitOpen}}, *seen)
}

func TestBreaker_SuccessResetsRun(t *testing.T) {
	sb, _, _ := newTestRegistry(t, 2)
	b := sb.Get("p")
	ctx := context.Background()

	require.Error(t, b.Execute(ctx, fail))
	require.NoError(t, b.Execute(ctx, succeed))
	require.Error(t, b.Execute(ctx, fail))
	assert.Equal(t, CircuitClosed, b.State())
}

func TestBreaker_HalfOpenProbe(t *testing.T) {
	sb, clk, seen := newTestRegistry(t, 1)
	b := sb.Get("p")
	b.now = clk.now
	ctx := context.Background()

	require.Error(t, b.Execute(ctx, fail))
	clk.advance(time.Minute)
	assert.Equal(t, CircuitHalfOpen, b.State())

	// A failed probe reopens for another full timeout.
	require.ErrorIs(t, b.Execute(ctx, fail), errBoom)
	assert.Equal(t, CircuitOpen, b.State())
	clk.advance(30 * time.Second)
	assert.ErrorIs(t, b.Execute(ctx, succeed), ErrCircuitOpen)

	clk.advance(30 * time.Second)
	require.NoError(t, b.Execute(ctx, succeed))
	assert.Equal(t, CircuitClosed, b.State())
	assert.Equal(t, 0, b.Failures())

	assert.Equal(t, []transition{
		{"p", CircuitClosed, CircuitOpen},
		{"p", CircuitOpen, CircuitHalfOpen},
		{"p", CircuitHalfOpen, CircuitOpen},
		{"p", CircuitOpen, CircuitHalfOpen},
		{"p", CircuitHalfOpen, CircuitClosed},
	}, *seen)
}

func TestBreaker_SingleProbeInFlight(t *testing.T) {
	sb, clk, _ := newTestRegistry(t, 1)
	b := sb.Get("p")
	b.now = clk.now
	ctx := context.Background()

	require.Error(t, b.Execute(ctx, fail))
	clk.advance(time.Minute)

	entered := make(chan struct{})
	release := make(chan struct{})
	done := make(chan error)
	go func() {
		done <- b.Execute(ctx, func(context.Context) error {
			close(entered)
			<-release
			return nil
		})
	}()
	<-entered

	assert.ErrorIs(t, b.Execute(ctx, succeed), ErrCircuitOpen)
	close(release)
	require.NoError(t, <-done)
	assert.Equal(t, CircuitClosed, b.State())
}

func TestBreaker_ShouldTripFiltersErrors(t *testing.T) {
	errClient := errors.New("bad request")
	sb := NewServiceBreakers(CircuitBreakerConfig{
		FailureThreshold: 1,
		ShouldTrip:       func(err error) bool { return err != nil && !errors.Is(err, errClient) },
	})
	b := sb.Get("p")

	v, err := ExecuteVal(context.Background(), b, func(context.Context) (int, error) { return 0, errClient })
	assert.ErrorIs(t, err, errClient)
	assert.Zero(t, v)
	assert.Equal(t, CircuitClosed, b.State())

	v, err = ExecuteVal(context.Background(), b, func(context.Context) (int, error) { return 7, nil })
	require.NoError(t, err)
	assert.Equal(t, 7, v)
}

func TestServiceBreakers_Registry(t *testing.T) {
	sb := NewServiceBreakers(CircuitBreakerConfig{})
	assert.Same(t, sb.Get("a"), sb.Get("a"))
	assert.NotSame(t, sb.Get("a"), sb.Get("b"))
	assert.False(t, sb.Open("never-seen"))
	assert.Equal(t, map[string]CircuitState{"a": CircuitClosed, "b": CircuitClosed}, sb.States())
	assert.Equal(t, 5, sb.Get("a").cfg.FailureThreshold)
}

func TestServiceBreakers_ListenerAppliesToExisting(t *testing.T) {
	sb := NewServiceBreakers(CircuitBreakerConfig{FailureThreshold: 1})
	b := sb.Get("early")

	var got []string
	sb.OnStateChange(func(name string, _, to CircuitState) { got = append(got, name+":"+to.String()) })
	require.Error(t, b.Execute(context.Background(), fail))
	assert.Equal(t, []string{"early:open"}, got)
}

func TestCircuitState_String(t *testing.T) {
	assert.Equal(t, "closed", CircuitClosed.String())
	assert.Equal(t, "open", CircuitOpen.String())
	assert.Equal(t, "half-open", CircuitHalfOpen.String())
	assert.Equal(t, "unknown", CircuitState(9).String())
	assert.Equal(t, "unknown", CircuitState(-1).String())
}
