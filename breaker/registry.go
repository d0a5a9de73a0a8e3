package breaker

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

// Registry 按 Agent 管理熔断器
// 每个 Agent 一个独立实例，首次访问时惰性创建
type Registry struct {
	mu       sync.RWMutex
	breakers map[string]*Breaker
	cfg      Config
	handler  StateChangeHandler
	logger   *zap.Logger
}

// NewRegistry 创建熔断器注册表
func NewRegistry(cfg Config, handler StateChangeHandler, logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		breakers: make(map[string]*Breaker),
		cfg:      cfg,
		handler:  handler,
		logger:   logger.With(zap.String("component", "breaker_registry")),
	}
}

// GetOrCreate 获取或创建某 Agent 的熔断器
func (r *Registry) GetOrCreate(agentID string) *Breaker {
	r.mu.RLock()
	b, ok := r.breakers[agentID]
	r.mu.RUnlock()
	if ok {
		return b
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	// 双重检查，避免并发重复创建
	if b, ok := r.breakers[agentID]; ok {
		return b
	}
	b = New(agentID, r.cfg, r.handler, r.logger)
	r.breakers[agentID] = b
	return b
}

// Get 获取某 Agent 的熔断器，不存在时返回 nil
func (r *Registry) Get(agentID string) *Breaker {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.breakers[agentID]
}

// Remove 移除某 Agent 的熔断器（注销时调用）
func (r *Registry) Remove(agentID string) {
	r.mu.Lock()
	delete(r.breakers, agentID)
	r.mu.Unlock()
}

// States 返回所有 Agent 的当前熔断状态快照
func (r *Registry) States() map[string]State {
	r.mu.RLock()
	defer r.mu.RUnlock()

	states := make(map[string]State, len(r.breakers))
	for id, b := range r.breakers {
		states[id] = b.State()
	}
	return states
}

// ForceHalfOpenLeastFailed 池耗尽时的故障转移：
// 在给定候选中找到失败次数最少的 open 熔断器，强制转入半开放行一次探测
// 返回被放行的 Agent ID，无可转移对象时返回空串
func (r *Registry) ForceHalfOpenLeastFailed(agentIDs []string) string {
	r.mu.RLock()
	var best *Breaker
	bestFailures := 0
	for _, id := range agentIDs {
		b, ok := r.breakers[id]
		if !ok || b.State() != StateOpen {
			continue
		}
		if f := b.Failures(); best == nil || f < bestFailures {
			best, bestFailures = b, f
		}
	}
	r.mu.RUnlock()

	if best == nil {
		return ""
	}
	if !best.ForceHalfOpen("pool exhausted, forcing probe") {
		return ""
	}
	r.logger.Info("forced breaker to half-open for failover",
		zap.String("agent_id", best.agentID),
		zap.Int("failures", bestFailures))
	return best.agentID
}

// SetClock 为所有现有熔断器注入时钟（测试用）
func (r *Registry) SetClock(now func() time.Time) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, b := range r.breakers {
		b.SetClock(now)
	}
}
