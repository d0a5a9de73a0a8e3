package strategy

import (
	"sync"
	"time"

	"github.com/BaSui01/agentsched/profile"
	"github.com/BaSui01/agentsched/types"
)

// 历史/实时信号的默认混合权重
const (
	defaultHistoryWeight = 0.7
	defaultLiveWeight    = 0.3
)

// LearningEngine 学习引擎接口
// 记录任务结果并按 (Agent, 任务类型) 给出历史成功比
// 具体模型可替换，引擎不推断策略之外的隐藏语义
type LearningEngine interface {
	// Record 记录一次结果
	Record(agentID, taskType string, success bool, duration time.Duration)
	// HistoricalScore 返回历史成功比，无历史时 ok 为 false
	HistoricalScore(agentID, taskType string) (score float64, ok bool)
}

// HistoryEngine 默认学习引擎：按 (Agent, 任务类型) 的累计成功比
type HistoryEngine struct {
	mu    sync.RWMutex
	stats map[string]map[string]*outcomeCounts // agentID → taskType → counts
}

type outcomeCounts struct {
	successes int64
	total     int64
}

// NewHistoryEngine 创建默认学习引擎
func NewHistoryEngine() *HistoryEngine {
	return &HistoryEngine{stats: make(map[string]map[string]*outcomeCounts)}
}

func (e *HistoryEngine) Record(agentID, taskType string, success bool, _ time.Duration) {
	e.mu.Lock()
	defer e.mu.Unlock()

	byType, ok := e.stats[agentID]
	if !ok {
		byType = make(map[string]*outcomeCounts)
		e.stats[agentID] = byType
	}
	c, ok := byType[taskType]
	if !ok {
		c = &outcomeCounts{}
		byType[taskType] = c
	}
	c.total++
	if success {
		c.successes++
	}
}

func (e *HistoryEngine) HistoricalScore(agentID, taskType string) (float64, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	byType, ok := e.stats[agentID]
	if !ok {
		return 0, false
	}
	c, ok := byType[taskType]
	if !ok || c.total == 0 {
		return 0, false
	}
	return float64(c.successes) / float64(c.total), true
}

// Forget 移除某 Agent 的全部历史（注销时调用）
func (e *HistoryEngine) Forget(agentID string) {
	e.mu.Lock()
	delete(e.stats, agentID)
	e.mu.Unlock()
}

// Adaptive 自适应策略
// 混合历史成功比（权重 0.7）与实时负载/成功率信号（权重 0.3）；
// 候选集完全无历史时回退到能力匹配
type Adaptive struct {
	engine        LearningEngine
	fallback      Strategy
	historyWeight float64
	liveWeight    float64
}

// NewAdaptive 创建自适应策略，engine 为 nil 时使用默认学习引擎
func NewAdaptive(engine LearningEngine) *Adaptive {
	if engine == nil {
		engine = NewHistoryEngine()
	}
	return &Adaptive{
		engine:        engine,
		fallback:      NewCapabilityMatch(),
		historyWeight: defaultHistoryWeight,
		liveWeight:    defaultLiveWeight,
	}
}

// WithWeights 覆盖历史/实时分量权重，非法值保持默认
func (s *Adaptive) WithWeights(history, live float64) *Adaptive {
	if history >= 0 && history <= 1 && live >= 0 && live <= 1 {
		s.historyWeight = history
		s.liveWeight = live
	}
	return s
}

// Engine 返回内部学习引擎（结果回流用）
func (s *Adaptive) Engine() LearningEngine {
	return s.engine
}

func (s *Adaptive) Name() Name {
	return NameAdaptive
}

func (s *Adaptive) Select(req *types.Requirements, candidates []profile.Profile) (string, error) {
	if len(candidates) == 0 {
		return "", errNoCandidates(req)
	}
	sortByAgentID(candidates)

	bestIdx := -1
	bestScore := 0.0
	for i := range candidates {
		hist, ok := s.engine.HistoricalScore(candidates[i].AgentID, req.TaskType)
		if !ok {
			continue
		}
		live := candidates[i].SuccessRate * (1 - candidates[i].LoadFraction())
		score := s.historyWeight*hist + s.liveWeight*live
		if bestIdx < 0 || score > bestScore {
			bestIdx, bestScore = i, score
		}
	}

	if bestIdx < 0 {
		// 无任何历史，回退到能力匹配
		return s.fallback.Select(req, candidates)
	}
	return candidates[bestIdx].AgentID, nil
}

// New 按名称构造策略，未知名称回退到能力匹配
func New(name Name, engine LearningEngine) Strategy {
	switch name {
	case NameRoundRobin:
		return NewRoundRobin()
	case NameLeastLoaded:
		return NewLeastLoaded()
	case NamePriority:
		return NewPriority()
	case NameAdaptive:
		return NewAdaptive(engine)
	default:
		return NewCapabilityMatch()
	}
}
