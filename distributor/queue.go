package distributor

import (
	"container/heap"
	"sync"
	"time"

	"github.com/BaSui01/agentsched/types"
)

// queued 队列中的一项：任务与其派生需求、会话绑定
type queued struct {
	task       *types.Task
	req        *types.Requirements
	sessionID  string
	seq        uint64
	enqueuedAt time.Time
	index      int
}

// taskHeap 优先级堆，优先级高者先出，同优先级按入队顺序 FIFO
type taskHeap []*queued

func (h taskHeap) Len() int { return len(h) }

func (h taskHeap) Less(i, j int) bool {
	if h[i].req.Priority != h[j].req.Priority {
		return h[i].req.Priority > h[j].req.Priority
	}
	return h[i].seq < h[j].seq
}

func (h taskHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *taskHeap) Push(x any) {
	item := x.(*queued)
	item.index = len(*h)
	*h = append(*h, item)
}

func (h *taskHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	item.index = -1
	*h = old[:n-1]
	return item
}

// queue 有界优先级队列
type queue struct {
	mu       sync.Mutex
	items    taskHeap
	capacity int
	seq      uint64
}

func newQueue(capacity int) *queue {
	if capacity <= 0 {
		capacity = 1024
	}
	q := &queue{capacity: capacity}
	heap.Init(&q.items)
	return q
}

// push 入队，满时返回 QUEUE_FULL
func (q *queue) push(item *queued) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.items) >= q.capacity {
		return types.Errorf(types.ErrQueueFull,
			"task queue at capacity (%d)", q.capacity).WithTask(item.task.ID)
	}
	q.seq++
	item.seq = q.seq
	item.enqueuedAt = time.Now()
	heap.Push(&q.items, item)
	return nil
}

// pop 出队优先级最高的一项，空时返回 nil
func (q *queue) pop() *queued {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.items) == 0 {
		return nil
	}
	return heap.Pop(&q.items).(*queued)
}

func (q *queue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

func (q *queue) cap() int {
	return q.capacity
}
