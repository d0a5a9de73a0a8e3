package breaker

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/BaSui01/agentsched/types"
)

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

// fakeClock is a manually advanced clock shared with the breaker under test.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestBreaker(threshold int, timeout time.Duration) (*Breaker, *fakeClock) {
	clock := newFakeClock()
	b := New("agent-1", Config{Threshold: threshold, Timeout: timeout}, nil, nil)
	b.SetClock(clock.Now)
	return b, clock
}

// ---------------------------------------------------------------------------
// State machine
// ---------------------------------------------------------------------------

func TestBreaker_OpensAtThreshold(t *testing.T) {
	t.Parallel()
	b, _ := newTestBreaker(3, time.Minute)

	for i := 0; i < 2; i++ {
		b.RecordFailure()
		assert.Equal(t, StateClosed, b.State())
		require.NoError(t, b.Allow())
	}

	b.RecordFailure()
	assert.Equal(t, StateOpen, b.State())

	err := b.Allow()
	require.Error(t, err)
	assert.Equal(t, types.ErrCircuitOpen, types.CodeOf(err))
	assert.True(t, types.IsRetryable(err))
}

func TestBreaker_SuccessResetsFailureCount(t *testing.T) {
	t.Parallel()
	b, _ := newTestBreaker(3, time.Minute)

	b.RecordFailure()
	b.RecordFailure()
	b.RecordSuccess()
	assert.Equal(t, 0, b.Failures())

	// Counting starts over: two more failures must not trip it.
	b.RecordFailure()
	b.RecordFailure()
	assert.Equal(t, StateClosed, b.State())
}

func TestBreaker_HalfOpenAfterTimeout_SingleProbe(t *testing.T) {
	t.Parallel()
	b, clock := newTestBreaker(1, time.Minute)

	b.RecordFailure()
	require.Equal(t, StateOpen, b.State())
	require.Error(t, b.Allow())

	clock.Advance(time.Minute)

	// First Allow claims the single probe slot.
	require.NoError(t, b.Allow())
	assert.Equal(t, StateHalfOpen, b.State())

	// Concurrent second call is rejected while the probe is in flight.
	err := b.Allow()
	require.Error(t, err)
	assert.Equal(t, types.ErrCircuitOpen, types.CodeOf(err))
}

func TestBreaker_ProbeSuccessCloses(t *testing.T) {
	t.Parallel()
	b, clock := newTestBreaker(1, time.Minute)

	b.RecordFailure()
	clock.Advance(time.Minute)
	require.NoError(t, b.Allow())

	b.RecordSuccess()
	assert.Equal(t, StateClosed, b.State())
	assert.Equal(t, 0, b.Failures())
	require.NoError(t, b.Allow())
}

func TestBreaker_ProbeFailureReopensWithFreshTimeout(t *testing.T) {
	t.Parallel()
	b, clock := newTestBreaker(1, time.Minute)

	b.RecordFailure()
	clock.Advance(time.Minute)
	require.NoError(t, b.Allow())

	before := clock.Now()
	b.RecordFailure()
	assert.Equal(t, StateOpen, b.State())
	assert.Equal(t, before.Add(time.Minute), b.NextRetryAt())

	// Still rejected before the fresh timeout elapses.
	clock.Advance(30 * time.Second)
	require.Error(t, b.Allow())
	clock.Advance(30 * time.Second)
	require.NoError(t, b.Allow())
}

func TestBreaker_ForceHalfOpen(t *testing.T) {
	t.Parallel()
	b, _ := newTestBreaker(1, time.Hour)

	assert.False(t, b.ForceHalfOpen("noop on closed"))

	b.RecordFailure()
	require.Equal(t, StateOpen, b.State())

	assert.True(t, b.ForceHalfOpen("pool exhausted"))
	assert.Equal(t, StateHalfOpen, b.State())
	require.NoError(t, b.Allow())
}

func TestBreaker_StateChangeEvents(t *testing.T) {
	t.Parallel()
	var mu sync.Mutex
	var changes []StateChange
	done := make(chan struct{}, 8)

	handler := func(c StateChange) {
		mu.Lock()
		changes = append(changes, c)
		mu.Unlock()
		done <- struct{}{}
	}

	clock := newFakeClock()
	b := New("agent-1", Config{Threshold: 1, Timeout: time.Minute}, handler, nil)
	b.SetClock(clock.Now)

	b.RecordFailure() // closed → open
	clock.Advance(time.Minute)
	require.NoError(t, b.Allow()) // open → half_open
	b.RecordSuccess()             // half_open → closed

	for i := 0; i < 3; i++ {
		select {
		case <-done:
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for state change event")
		}
	}

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, changes, 3)
	states := map[State]bool{}
	for _, c := range changes {
		assert.Equal(t, "agent-1", c.AgentID)
		states[c.NewState] = true
	}
	assert.True(t, states[StateOpen])
	assert.True(t, states[StateHalfOpen])
	assert.True(t, states[StateClosed])
}

// ---------------------------------------------------------------------------
// Registry
// ---------------------------------------------------------------------------

func TestRegistry_GetOrCreateIsStable(t *testing.T) {
	t.Parallel()
	r := NewRegistry(DefaultConfig(), nil, nil)

	b1 := r.GetOrCreate("agent-1")
	b2 := r.GetOrCreate("agent-1")
	assert.Same(t, b1, b2)
	assert.Nil(t, r.Get("agent-2"))

	r.Remove("agent-1")
	assert.Nil(t, r.Get("agent-1"))
}

func TestRegistry_States(t *testing.T) {
	t.Parallel()
	r := NewRegistry(Config{Threshold: 1, Timeout: time.Minute}, nil, nil)

	r.GetOrCreate("a1")
	r.GetOrCreate("a2").RecordFailure()

	states := r.States()
	assert.Equal(t, StateClosed, states["a1"])
	assert.Equal(t, StateOpen, states["a2"])
}

func TestRegistry_ForceHalfOpenLeastFailed(t *testing.T) {
	t.Parallel()
	r := NewRegistry(Config{Threshold: 1, Timeout: time.Hour}, nil, nil)

	// a1 tripped with 1 failure, a2 with 3, a3 still closed.
	r.GetOrCreate("a1").RecordFailure()
	b2 := r.GetOrCreate("a2")
	b2.RecordFailure()
	b2.RecordFailure()
	b2.RecordFailure()
	r.GetOrCreate("a3")

	id := r.ForceHalfOpenLeastFailed([]string{"a1", "a2", "a3"})
	assert.Equal(t, "a1", id)
	assert.Equal(t, StateHalfOpen, r.Get("a1").State())
	assert.Equal(t, StateOpen, r.Get("a2").State())

	// Nothing open among the remaining candidates.
	assert.Equal(t, "", r.ForceHalfOpenLeastFailed([]string{"a3"}))
}

func TestRegistry_ConcurrentGetOrCreate(t *testing.T) {
	t.Parallel()
	r := NewRegistry(DefaultConfig(), nil, nil)

	var wg sync.WaitGroup
	results := make([]*Breaker, 16)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = r.GetOrCreate("shared")
		}(i)
	}
	wg.Wait()

	for i := 1; i < 16; i++ {
		assert.Same(t, results[0], results[i])
	}
}

// ---------------------------------------------------------------------------
// Properties
// ---------------------------------------------------------------------------

// For any threshold, the breaker stays closed through threshold-1 consecutive
// failures and opens exactly on the threshold-th.
func TestBreaker_ThresholdProperty(t *testing.T) {
	t.Parallel()
	rapid.Check(t, func(t *rapid.T) {
		threshold := rapid.IntRange(1, 20).Draw(t, "threshold")
		b, _ := newTestBreaker(threshold, time.Minute)

		for i := 0; i < threshold-1; i++ {
			b.RecordFailure()
			if b.State() != StateClosed {
				t.Fatalf("opened after %d failures, threshold is %d", i+1, threshold)
			}
		}
		b.RecordFailure()
		if b.State() != StateOpen {
			t.Fatalf("still %s after %d failures", b.State(), threshold)
		}
	})
}
