package strategy

import (
	"github.com/BaSui01/agentsched/profile"
	"github.com/BaSui01/agentsched/types"
)

// specializationWeight 专精度加成系数
const specializationWeight = 0.2

// CapabilityMatch 能力匹配策略
// 加权分 = (2×Σ必需能力分 + Σ可选能力分) × 成功率 × (1 + 专精度×0.2) × (1 − 负载占比)
// 最高分胜出，平局先比最低负载再比 ID 字典序
type CapabilityMatch struct{}

// NewCapabilityMatch 创建能力匹配策略
func NewCapabilityMatch() *CapabilityMatch {
	return &CapabilityMatch{}
}

func (s *CapabilityMatch) Name() Name {
	return NameCapabilityMatch
}

func (s *CapabilityMatch) Select(req *types.Requirements, candidates []profile.Profile) (string, error) {
	if len(candidates) == 0 {
		return "", errNoCandidates(req)
	}
	sortByAgentID(candidates)

	bestIdx := 0
	bestScore := Score(req, &candidates[0])
	for i := 1; i < len(candidates); i++ {
		score := Score(req, &candidates[i])
		if score > bestScore {
			bestIdx, bestScore = i, score
			continue
		}
		// 平局：先比最低负载；ID 序已由排序保证
		if score == bestScore && candidates[i].CurrentLoad < candidates[bestIdx].CurrentLoad {
			bestIdx = i
		}
	}
	return candidates[bestIdx].AgentID, nil
}

// Score 计算能力匹配分
// 对固定的其他因子，分数随 CurrentLoad 单调不增
func Score(req *types.Requirements, p *profile.Profile) float64 {
	capScore := 0.0
	for _, c := range req.Capabilities {
		capScore += 2 * p.CapabilityScores[c]
	}
	for _, c := range req.OptionalCapabilities {
		capScore += p.CapabilityScores[c]
	}

	score := capScore * p.SuccessRate * (1 + p.SpecializationFactor*specializationWeight)
	return score * (1 - p.LoadFraction())
}
