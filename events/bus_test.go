package events

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func TestBus_PublishAndSubscribe(t *testing.T) {
	t.Parallel()
	bus := NewBus(zap.NewNop())
	defer bus.Stop()

	var mu sync.Mutex
	var got []Event
	bus.Subscribe(TaskCompleted, func(evt Event) {
		mu.Lock()
		got = append(got, evt)
		mu.Unlock()
	})

	bus.Publish(Event{Type: TaskCompleted, TaskID: "t1"})
	bus.Publish(Event{Type: TaskFailed, TaskID: "t2"}) // not subscribed

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 1
	})

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, "t1", got[0].TaskID)
	assert.False(t, got[0].Timestamp.IsZero(), "timestamp should be set on publish")
}

func TestBus_SlowHandlerDoesNotLoseEvents(t *testing.T) {
	t.Parallel()
	bus := NewBus(zap.NewNop())
	defer bus.Stop()

	// 处理器故意放慢，发布速度远超消费速度也不能丢事件
	var received atomic.Int64
	bus.Subscribe(TaskCompleted, func(Event) {
		time.Sleep(500 * time.Microsecond)
		received.Add(1)
	})

	const total = 600
	for i := 0; i < total; i++ {
		bus.Publish(Event{Type: TaskCompleted, TaskID: "t1"})
	}

	waitFor(t, func() bool { return received.Load() == total })
}

func TestBus_WildcardSubscription(t *testing.T) {
	t.Parallel()
	bus := NewBus(zap.NewNop())
	defer bus.Stop()

	var mu sync.Mutex
	count := 0
	bus.Subscribe(TypeAll, func(Event) {
		mu.Lock()
		count++
		mu.Unlock()
	})

	bus.Publish(Event{Type: TaskSubmitted})
	bus.Publish(Event{Type: CircuitOpened})
	bus.Publish(Event{Type: DecisionMade})

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return count == 3
	})
}

func TestBus_Unsubscribe(t *testing.T) {
	t.Parallel()
	bus := NewBus(zap.NewNop())
	defer bus.Stop()

	var mu sync.Mutex
	count := 0
	id := bus.Subscribe(TaskStarted, func(Event) {
		mu.Lock()
		count++
		mu.Unlock()
	})

	bus.Publish(Event{Type: TaskStarted})
	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return count == 1
	})

	bus.Unsubscribe(id)
	bus.Publish(Event{Type: TaskStarted})

	// Give the dispatcher a moment; the count must not move.
	time.Sleep(50 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, count)
}

func TestBus_HandlerPanicIsIsolated(t *testing.T) {
	t.Parallel()
	bus := NewBus(zap.NewNop())
	defer bus.Stop()

	var mu sync.Mutex
	delivered := false
	bus.Subscribe(TaskFailed, func(Event) { panic("boom") })
	bus.Subscribe(TaskFailed, func(Event) {
		mu.Lock()
		delivered = true
		mu.Unlock()
	})

	bus.Publish(Event{Type: TaskFailed})

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return delivered
	})
}

func TestBus_NilLogger(t *testing.T) {
	t.Parallel()
	bus := NewBus(nil)
	require.NotNil(t, bus)
	bus.Stop()
}
