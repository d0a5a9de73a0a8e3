package breaker

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/agentsched/types"
)

// State 熔断器状态
type State int

const (
	// StateClosed 正常状态，允许请求通过
	StateClosed State = iota
	// StateOpen 熔断状态，快速拒绝
	StateOpen
	// StateHalfOpen 半开状态，只允许一个探测请求
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// Config 熔断器配置
type Config struct {
	// Threshold 连续失败次数阈值，达到后熔断
	Threshold int `json:"threshold"`
	// Timeout 熔断后到允许探测的等待时间
	Timeout time.Duration `json:"timeout"`
}

// DefaultConfig 默认熔断器配置
func DefaultConfig() Config {
	return Config{
		Threshold: 5,
		Timeout:   30 * time.Second,
	}
}

// StateChange 状态变更事件
type StateChange struct {
	AgentID   string    `json:"agent_id"`
	OldState  State     `json:"old_state"`
	NewState  State     `json:"new_state"`
	Failures  int       `json:"failures"`
	Reason    string    `json:"reason"`
	Timestamp time.Time `json:"timestamp"`
}

// StateChangeHandler 状态变更回调
type StateChangeHandler func(StateChange)

// Breaker 按 Agent 的失败隔离状态机
// 唯一的变更路径是状态转换方法，同一 Agent 的读写全部串行化：
// closed→open（达到阈值）、open→half_open（超时到期）、
// half_open→closed（探测成功）、half_open→open（探测失败）
type Breaker struct {
	agentID     string
	cfg         Config
	state       State
	failures    int
	lastFailure time.Time
	nextRetryAt time.Time
	probing     bool // 半开状态下是否已有探测在途
	handler     StateChangeHandler
	logger      *zap.Logger
	now         func() time.Time
	mu          sync.Mutex
}

// New 创建熔断器
func New(agentID string, cfg Config, handler StateChangeHandler, logger *zap.Logger) *Breaker {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Threshold <= 0 {
		cfg.Threshold = DefaultConfig().Threshold
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultConfig().Timeout
	}
	return &Breaker{
		agentID: agentID,
		cfg:     cfg,
		state:   StateClosed,
		handler: handler,
		logger:  logger.With(zap.String("agent_id", agentID)),
		now:     time.Now,
	}
}

// Allow 检查是否允许向该 Agent 发起一次调用
// open 到期时转入 half_open 并放行唯一探测；half_open 已有探测在途时拒绝
func (b *Breaker) Allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		return nil

	case StateOpen:
		if !b.now().Before(b.nextRetryAt) {
			b.transition(StateHalfOpen, "retry timeout elapsed")
			b.probing = true
			return nil
		}
		return types.Errorf(types.ErrCircuitOpen,
			"circuit open for agent %s: %d consecutive failures, retry in %v",
			b.agentID, b.failures, b.nextRetryAt.Sub(b.now())).WithAgent(b.agentID)

	case StateHalfOpen:
		if !b.probing {
			b.probing = true
			return nil
		}
		return types.Errorf(types.ErrCircuitOpen,
			"circuit half-open for agent %s: probe already in flight", b.agentID).
			WithAgent(b.agentID)

	default:
		return types.Errorf(types.ErrCircuitOpen, "unknown circuit state %d", b.state)
	}
}

// RecordSuccess 记录成功
// 探测成功回到 closed 并清零失败计数
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		b.failures = 0
	case StateHalfOpen:
		b.probing = false
		b.failures = 0
		b.transition(StateClosed, "probe succeeded")
	}
}

// RecordFailure 记录失败
// closed 达到阈值则熔断；half_open 探测失败重新熔断并重置超时
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failures++
	b.lastFailure = b.now()

	switch b.state {
	case StateClosed:
		if b.failures >= b.cfg.Threshold {
			b.nextRetryAt = b.now().Add(b.cfg.Timeout)
			b.transition(StateOpen, "failure threshold reached")
		}
	case StateHalfOpen:
		b.probing = false
		b.nextRetryAt = b.now().Add(b.cfg.Timeout)
		b.transition(StateOpen, "probe failed")
	}
}

// ForceHalfOpen 提前转入半开（池耗尽时的故障转移路径）
func (b *Breaker) ForceHalfOpen(reason string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state != StateOpen {
		return false
	}
	b.transition(StateHalfOpen, reason)
	b.probing = false
	return true
}

// State 当前状态
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Failures 当前失败计数
func (b *Breaker) Failures() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.failures
}

// NextRetryAt 下次允许探测的时间（仅 open 状态有意义）
func (b *Breaker) NextRetryAt() time.Time {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.nextRetryAt
}

// Reset 手动复位
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()

	old := b.state
	b.state = StateClosed
	b.failures = 0
	b.probing = false
	if old != StateClosed {
		b.emit(old, StateClosed, "manual reset")
	}
}

// SetClock 注入时钟（测试用）
func (b *Breaker) SetClock(now func() time.Time) {
	b.mu.Lock()
	b.now = now
	b.mu.Unlock()
}

// transition 状态转换（必须在锁内调用）
func (b *Breaker) transition(newState State, reason string) {
	old := b.state
	b.state = newState

	b.logger.Info("circuit breaker state change",
		zap.String("old_state", old.String()),
		zap.String("new_state", newState.String()),
		zap.String("reason", reason),
		zap.Int("failures", b.failures))

	b.emit(old, newState, reason)
}

// emit 发送事件（必须在锁内调用），异步派发避免回调内再进锁死锁
func (b *Breaker) emit(old, newState State, reason string) {
	if b.handler == nil {
		return
	}
	change := StateChange{
		AgentID:   b.agentID,
		OldState:  old,
		NewState:  newState,
		Failures:  b.failures,
		Reason:    reason,
		Timestamp: b.now(),
	}
	go b.handler(change)
}
