package profile

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/agentsched/types"
)

// Store Agent 画像存储
// 每个 Agent 一把锁，同一 Agent 的画像修改串行化，不同 Agent 互不阻塞
type Store struct {
	mu      sync.RWMutex
	entries map[string]*entry
	logger  *zap.Logger
}

type entry struct {
	mu sync.Mutex
	p  *Profile
}

// NewStore 创建画像存储
func NewStore(logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{
		entries: make(map[string]*entry),
		logger:  logger.With(zap.String("component", "profile_store")),
	}
}

// Register 注册 Agent 画像
// 重复注册会重置画像（能力变更时由上层显式触发）
func (s *Store) Register(agentID string, capabilities []string, maxConcurrent int) {
	if maxConcurrent <= 0 {
		maxConcurrent = 1
	}

	scores := make(map[string]float64, len(capabilities))
	for _, c := range capabilities {
		scores[c] = DefaultCapabilityScore
	}

	spec := 0.0
	if len(capabilities) > 0 {
		spec = 1.0 / float64(len(capabilities))
	}

	s.mu.Lock()
	s.entries[agentID] = &entry{p: &Profile{
		AgentID:              agentID,
		CapabilityScores:     scores,
		MaxConcurrentTasks:   maxConcurrent,
		SuccessRate:          1.0,
		AvgDurationByType:    make(map[string]time.Duration),
		durationSamples:      make(map[string]int64),
		SpecializationFactor: spec,
	}}
	s.mu.Unlock()

	s.logger.Info("agent profile registered",
		zap.String("agent_id", agentID),
		zap.Int("capabilities", len(capabilities)),
		zap.Int("max_concurrent", maxConcurrent))
}

// Remove 移除 Agent 画像
func (s *Store) Remove(agentID string) {
	s.mu.Lock()
	delete(s.entries, agentID)
	s.mu.Unlock()
}

func (s *Store) get(agentID string) (*entry, bool) {
	s.mu.RLock()
	e, ok := s.entries[agentID]
	s.mu.RUnlock()
	return e, ok
}

// Get 返回画像快照
func (s *Store) Get(agentID string) (Profile, bool) {
	e, ok := s.get(agentID)
	if !ok {
		return Profile{}, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.p.clone(), true
}

// List 返回所有画像快照
func (s *Store) List() []Profile {
	s.mu.RLock()
	entries := make([]*entry, 0, len(s.entries))
	for _, e := range s.entries {
		entries = append(entries, e)
	}
	s.mu.RUnlock()

	out := make([]Profile, 0, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		out = append(out, e.p.clone())
		e.mu.Unlock()
	}
	return out
}

// AcquireSlot 占用一个并发槽位
// 负载永不超过 MaxConcurrentTasks
func (s *Store) AcquireSlot(agentID string) error {
	e, ok := s.get(agentID)
	if !ok {
		return types.Errorf(types.ErrAgentNotFound, "agent %s not registered", agentID)
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.p.CurrentLoad >= e.p.MaxConcurrentTasks {
		return types.Errorf(types.ErrAgentBusy, "agent %s at capacity (%d/%d)",
			agentID, e.p.CurrentLoad, e.p.MaxConcurrentTasks).WithAgent(agentID)
	}
	e.p.CurrentLoad++
	return nil
}

// ReleaseSlot 释放槽位，负载永不为负
func (s *Store) ReleaseSlot(agentID string) {
	e, ok := s.get(agentID)
	if !ok {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.p.CurrentLoad > 0 {
		e.p.CurrentLoad--
	}
}

// RecordCompletion 记录一次任务结束
// 成功率指数衰减更新，按任务类型维护滚动平均耗时
func (s *Store) RecordCompletion(agentID, taskType string, duration time.Duration, success bool) {
	e, ok := s.get(agentID)
	if !ok {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	outcome := 0.0
	if success {
		outcome = 1.0
		e.p.CompletedTasks++
	} else {
		e.p.FailedTasks++
	}
	e.p.SuccessRate = SuccessRateDecay*e.p.SuccessRate + (1-SuccessRateDecay)*outcome

	if taskType != "" && duration > 0 {
		n := e.p.durationSamples[taskType] + 1
		e.p.durationSamples[taskType] = n
		old := e.p.AvgDurationByType[taskType]
		e.p.AvgDurationByType[taskType] = old + (duration-old)/time.Duration(n)
	}

	total := e.p.CompletedTasks + e.p.FailedTasks
	if duration > 0 && total > 0 {
		e.p.AvgResponseTime = e.p.AvgResponseTime + (duration-e.p.AvgResponseTime)/time.Duration(total)
	}
	e.p.LastActiveAt = time.Now()
}

// SetCapabilityScore 调整能力分数（自适应策略反馈用），分数夹在 [0,1]
func (s *Store) SetCapabilityScore(agentID, capability string, score float64) {
	e, ok := s.get(agentID)
	if !ok {
		return
	}
	if score < 0 {
		score = 0
	}
	if score > 1 {
		score = 1
	}
	e.mu.Lock()
	e.p.CapabilityScores[capability] = score
	e.mu.Unlock()
}

// Count 已注册 Agent 数
func (s *Store) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}
