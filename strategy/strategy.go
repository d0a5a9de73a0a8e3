package strategy

import (
	"sort"

	"github.com/BaSui01/agentsched/profile"
	"github.com/BaSui01/agentsched/types"
)

// Name 策略名称
type Name string

const (
	NameRoundRobin      Name = "round_robin"
	NameLeastLoaded     Name = "least_loaded"
	NameCapabilityMatch Name = "capability_match"
	NamePriority        Name = "priority"
	NameAdaptive        Name = "adaptive"
)

// Strategy 可插拔的选择策略
// 输入已过资格预筛的候选集，返回选中的 Agent ID
type Strategy interface {
	// Name 返回策略名
	Name() Name
	// Select 从候选集中选择一个 Agent
	// 候选集为空时返回 SELECTION_FAILED
	Select(req *types.Requirements, candidates []profile.Profile) (string, error)
}

// Filter 资格预筛：声明全部必需能力、负载未满、满足资源约束
// 健康与熔断过滤由调用方（负载均衡器）叠加
func Filter(req *types.Requirements, profiles []profile.Profile, metrics func(agentID string) (types.WorkerMetrics, bool)) []profile.Profile {
	eligible := make([]profile.Profile, 0, len(profiles))
	for _, p := range profiles {
		if !p.HasCapabilities(req.Capabilities) {
			continue
		}
		if !p.Available() {
			continue
		}
		if (req.MemoryMB > 0 || req.CPUCores > 0) && metrics != nil {
			m, ok := metrics(p.AgentID)
			if !ok {
				continue
			}
			if req.MemoryMB > 0 && m.AvailableMemoryMB < req.MemoryMB {
				continue
			}
			if req.CPUCores > 0 && m.AvailableCPUCores < req.CPUCores {
				continue
			}
		}
		eligible = append(eligible, p)
	}
	return eligible
}

// sortByAgentID 按 Agent ID 字典序排序，保证策略的确定性
func sortByAgentID(candidates []profile.Profile) {
	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].AgentID < candidates[j].AgentID
	})
}

func errNoCandidates(req *types.Requirements) error {
	return types.Errorf(types.ErrSelectionFailed,
		"no eligible agent for capabilities %v", req.Capabilities)
}
