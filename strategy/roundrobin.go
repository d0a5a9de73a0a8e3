package strategy

import (
	"sync/atomic"

	"github.com/BaSui01/agentsched/profile"
	"github.com/BaSui01/agentsched/types"
)

// RoundRobin 轮询策略
// 在按 ID 排序的健康候选集上循环，除游标外无状态
// 候选集稳定时，连续 N 次调用恰好访问 N 个 Agent 各一次
type RoundRobin struct {
	cursor atomic.Uint64
}

// NewRoundRobin 创建轮询策略
func NewRoundRobin() *RoundRobin {
	return &RoundRobin{}
}

func (s *RoundRobin) Name() Name {
	return NameRoundRobin
}

func (s *RoundRobin) Select(req *types.Requirements, candidates []profile.Profile) (string, error) {
	if len(candidates) == 0 {
		return "", errNoCandidates(req)
	}
	sortByAgentID(candidates)
	idx := (s.cursor.Add(1) - 1) % uint64(len(candidates))
	return candidates[idx].AgentID, nil
}
