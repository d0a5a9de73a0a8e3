package strategy

import (
	"github.com/BaSui01/agentsched/profile"
	"github.com/BaSui01/agentsched/types"
)

// highPriorityThreshold 高于此优先级的任务偏向"质量"而非可用性
const highPriorityThreshold = 7

// Priority 优先级加权策略
// 高优先级任务（priority > 7）偏向高成功率、低负载的 Agent；
// 普通任务只看可用性（负载最低者）
type Priority struct{}

// NewPriority 创建优先级策略
func NewPriority() *Priority {
	return &Priority{}
}

func (s *Priority) Name() Name {
	return NamePriority
}

func (s *Priority) Select(req *types.Requirements, candidates []profile.Profile) (string, error) {
	if len(candidates) == 0 {
		return "", errNoCandidates(req)
	}
	sortByAgentID(candidates)

	if req.Priority > highPriorityThreshold {
		best := 0
		bestScore := qualityScore(&candidates[0])
		for i := 1; i < len(candidates); i++ {
			if score := qualityScore(&candidates[i]); score > bestScore {
				best, bestScore = i, score
			}
		}
		return candidates[best].AgentID, nil
	}

	// 普通优先级只看可用性
	best := 0
	for i := 1; i < len(candidates); i++ {
		if candidates[i].LoadFraction() < candidates[best].LoadFraction() {
			best = i
		}
	}
	return candidates[best].AgentID, nil
}

// qualityScore 质量偏置：成功率为主，空闲度为辅
func qualityScore(p *profile.Profile) float64 {
	return 0.7*p.SuccessRate + 0.3*(1-p.LoadFraction())
}
