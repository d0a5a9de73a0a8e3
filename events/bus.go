package events

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// Type 事件类型
type Type string

const (
	TaskSubmitted          Type = "task:submitted"
	TaskQueued             Type = "task:queued"
	TaskStarted            Type = "task:started"
	TaskCompleted          Type = "task:completed"
	TaskFailed             Type = "task:failed"
	AgentRegistered        Type = "agent:registered"
	AgentUnregistered      Type = "agent:unregistered"
	AgentOverloaded        Type = "agent:overloaded"
	AgentUnderperforming   Type = "agent:underperforming"
	CircuitOpened          Type = "circuit-breaker:opened"
	CircuitHalfOpened      Type = "circuit-breaker:half-open"
	CircuitClosed          Type = "circuit-breaker:closed"
	QueueSaturated         Type = "queue:saturated"
	CollaborationStarted   Type = "collaboration:started"
	CollaborationCompleted Type = "collaboration:completed"
	DecisionMade           Type = "decision:made"
)

// TypeAll 通配订阅，接收所有事件
const TypeAll Type = "*"

// Event 引擎生命周期事件
// 同一任务的事件保证至少一次投递给已订阅的处理器，不保证跨任务的全局顺序
type Event struct {
	Type      Type           `json:"type"`
	TaskID    string         `json:"task_id,omitempty"`
	AgentID   string         `json:"agent_id,omitempty"`
	SessionID string         `json:"session_id,omitempty"`
	Payload   map[string]any `json:"payload,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// Handler 事件处理器
type Handler func(Event)

// subscriptionCounter 用于生成唯一订阅 ID，避免并发碰撞
var subscriptionCounter atomic.Int64

// Bus 类型化事件总线
// 显式的观察者注册表 + 无上界的待发队列，处理器 panic 被隔离
// 慢处理器只会让队列变长，不会让已订阅的事件丢失
type Bus struct {
	mu       sync.RWMutex
	handlers map[Type]map[string]Handler

	qmu     sync.Mutex
	pending []Event

	wake     chan struct{}
	done     chan struct{}
	stopOnce sync.Once
	logger   *zap.Logger
}

// NewBus 创建事件总线
func NewBus(logger *zap.Logger) *Bus {
	if logger == nil {
		logger = zap.NewNop()
	}
	b := &Bus{
		handlers: make(map[Type]map[string]Handler),
		wake:     make(chan struct{}, 1),
		done:     make(chan struct{}),
		logger:   logger.With(zap.String("component", "event_bus")),
	}
	go b.dispatch()
	return b
}

// Publish 发布事件，非阻塞
// 事件先进待发队列再由分发协程投递，调度热路径不会被慢处理器拖住
func (b *Bus) Publish(evt Event) {
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now()
	}
	select {
	case <-b.done:
		return
	default:
	}
	b.qmu.Lock()
	b.pending = append(b.pending, evt)
	b.qmu.Unlock()
	select {
	case b.wake <- struct{}{}:
	default:
	}
}

// Subscribe 订阅某类事件，返回订阅 ID
func (b *Bus) Subscribe(t Type, handler Handler) string {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.handlers[t] == nil {
		b.handlers[t] = make(map[string]Handler)
	}
	id := fmt.Sprintf("%s-%d", t, subscriptionCounter.Add(1))
	b.handlers[t][id] = handler
	return id
}

// Unsubscribe 取消订阅
func (b *Bus) Unsubscribe(subscriptionID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for t, handlers := range b.handlers {
		if _, ok := handlers[subscriptionID]; ok {
			delete(handlers, subscriptionID)
			if len(handlers) == 0 {
				delete(b.handlers, t)
			}
			return
		}
	}
}

// Stop 停止分发
func (b *Bus) Stop() {
	b.stopOnce.Do(func() {
		close(b.done)
	})
}

// dispatch 事件分发循环
func (b *Bus) dispatch() {
	for {
		select {
		case <-b.wake:
			b.drain()
		case <-b.done:
			// 排空剩余事件后退出
			b.drain()
			return
		}
	}
}

// drain 成批取走待发队列并逐条投递
func (b *Bus) drain() {
	for {
		b.qmu.Lock()
		if len(b.pending) == 0 {
			b.qmu.Unlock()
			return
		}
		batch := b.pending
		b.pending = nil
		b.qmu.Unlock()

		for _, evt := range batch {
			b.deliver(evt)
		}
	}
}

func (b *Bus) deliver(evt Event) {
	b.mu.RLock()
	handlers := make([]Handler, 0, len(b.handlers[evt.Type])+len(b.handlers[TypeAll]))
	for _, h := range b.handlers[evt.Type] {
		handlers = append(handlers, h)
	}
	for _, h := range b.handlers[TypeAll] {
		handlers = append(handlers, h)
	}
	b.mu.RUnlock()

	for _, handler := range handlers {
		func(h Handler) {
			defer func() {
				if r := recover(); r != nil {
					b.logger.Error("event handler panicked",
						zap.String("type", string(evt.Type)),
						zap.Any("recover", r))
				}
			}()
			h(evt)
		}(handler)
	}
}
