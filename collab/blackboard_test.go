package collab

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BaSui01/agentsched/types"
)

func TestBlackboard_WriteAndRead(t *testing.T) {
	t.Parallel()

	b := NewBlackboard()
	require.NoError(t, b.Write("a1", "goal", "summarize"))

	v, ok := b.Read("goal")
	require.True(t, ok)
	assert.Equal(t, "summarize", v)
	assert.Equal(t, int64(1), b.Version())

	_, ok = b.Read("missing")
	assert.False(t, ok)
}

func TestBlackboard_LockBlocksOtherWriters(t *testing.T) {
	t.Parallel()

	b := NewBlackboard()
	require.True(t, b.AcquireLock("a1", time.Minute))

	err := b.Write("a2", "k", "v")
	require.Error(t, err)
	assert.True(t, types.IsCode(err, types.ErrBlackboardLocked))

	// 持有者自己可写
	require.NoError(t, b.Write("a1", "k", "v"))
	assert.Equal(t, int64(1), b.Version())

	b.ReleaseLock("a1")
	require.NoError(t, b.Write("a2", "k", "v2"))
	assert.Equal(t, int64(2), b.Version())
}

func TestBlackboard_LockExpires(t *testing.T) {
	t.Parallel()

	b := NewBlackboard()
	now := time.Now()
	b.setClock(func() time.Time { return now })

	require.True(t, b.AcquireLock("a1", time.Second))
	assert.False(t, b.AcquireLock("a2", time.Second))

	now = now.Add(2 * time.Second)
	assert.True(t, b.AcquireLock("a2", time.Second))
	require.NoError(t, b.Write("a2", "k", "v"))
}

func TestBlackboard_LockReacquireRenews(t *testing.T) {
	t.Parallel()

	b := NewBlackboard()
	now := time.Now()
	b.setClock(func() time.Time { return now })

	require.True(t, b.AcquireLock("a1", time.Second))
	now = now.Add(900 * time.Millisecond)
	require.True(t, b.AcquireLock("a1", time.Second))

	now = now.Add(900 * time.Millisecond)
	assert.False(t, b.AcquireLock("a2", time.Second))
}

// 三个写者在锁仲裁下并发写，最终版本号等于被接受的写入次数
func TestBlackboard_VersionCountsAcceptedWrites(t *testing.T) {
	t.Parallel()

	b := NewBlackboard()
	const writesPerAgent = 10
	agents := []string{"a1", "a2", "a3"}

	var wg sync.WaitGroup
	for _, id := range agents {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			for i := 0; i < writesPerAgent; i++ {
				for !b.AcquireLock(id, time.Second) {
					time.Sleep(time.Microsecond)
				}
				require.NoError(t, b.Write(id, "shared", id))
				b.ReleaseLock(id)
			}
		}(id)
	}
	wg.Wait()

	assert.Equal(t, int64(len(agents)*writesPerAgent), b.Version())

	v, ok := b.Read("shared")
	require.True(t, ok)
	assert.Contains(t, agents, v)
}

func TestBlackboard_SnapshotIsCopy(t *testing.T) {
	t.Parallel()

	b := NewBlackboard()
	require.NoError(t, b.Write("a1", "k", "v"))

	snap := b.Snapshot()
	snap["k"] = "mutated"

	v, _ := b.Read("k")
	assert.Equal(t, "v", v)
}
