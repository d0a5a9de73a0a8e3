package strategy

import (
	"github.com/BaSui01/agentsched/profile"
	"github.com/BaSui01/agentsched/types"
)

// LeastLoaded 最小负载策略
// 取 CurrentLoad 最小者，平局按 ID 字典序
type LeastLoaded struct{}

// NewLeastLoaded 创建最小负载策略
func NewLeastLoaded() *LeastLoaded {
	return &LeastLoaded{}
}

func (s *LeastLoaded) Name() Name {
	return NameLeastLoaded
}

func (s *LeastLoaded) Select(req *types.Requirements, candidates []profile.Profile) (string, error) {
	if len(candidates) == 0 {
		return "", errNoCandidates(req)
	}
	sortByAgentID(candidates)

	best := candidates[0]
	for _, c := range candidates[1:] {
		if c.CurrentLoad < best.CurrentLoad {
			best = c
		}
	}
	return best.AgentID, nil
}
