package orchestrator

import (
	"sort"
	"time"

	"github.com/BaSui01/agentsched/types"
)

// Topology 执行计划的拓扑形态
type Topology string

const (
	// TopologySequential 顺序执行，每步消费上一步的输出
	TopologySequential Topology = "sequential"
	// TopologyParallel 并发执行，所有步骤消费同一输入，结果按步骤 ID 合并
	TopologyParallel Topology = "parallel"
	// TopologyPipeline 顺序执行加阶段类型契约校验
	TopologyPipeline Topology = "pipeline"
	// TopologyGraph 依赖图拓扑排序后分批执行
	TopologyGraph Topology = "graph"
	// TopologyDynamic 整体委托给协作管理器的自适应会话
	TopologyDynamic Topology = "dynamic"
)

// PlanStep 计划中的一步
type PlanStep struct {
	// ID 步骤标识，计划内唯一
	ID string `json:"id"`
	// Capability 执行该步所需的能力标签
	Capability string `json:"capability"`
	// InputType/OutputType 流水线拓扑的阶段契约
	InputType  string `json:"input_type,omitempty"`
	OutputType string `json:"output_type,omitempty"`
	// Timeout 单步超时，0 表示使用编排器默认值
	Timeout time.Duration `json:"timeout,omitempty"`
	// AgentID 预先钉住的执行者，留空由负载均衡器选择
	AgentID string `json:"agent_id,omitempty"`
}

// ExecutionPlan 任务的执行计划
type ExecutionPlan struct {
	ID       string           `json:"id"`
	TaskID   string           `json:"task_id"`
	Topology Topology         `json:"topology"`
	Steps    []*PlanStep      `json:"steps"`
	Graph    *DependencyGraph `json:"graph,omitempty"`
	// Fallbacks 降级计划，主计划失败后按序尝试
	Fallbacks []*ExecutionPlan `json:"fallbacks,omitempty"`
}

// step 按 ID 查找步骤
func (p *ExecutionPlan) step(id string) *PlanStep {
	for _, s := range p.Steps {
		if s.ID == id {
			return s
		}
	}
	return nil
}

// validate 计划结构校验：至少一步、步骤 ID 唯一、
// 流水线阶段契约衔接、图拓扑无环
func (p *ExecutionPlan) validate() error {
	if len(p.Steps) == 0 {
		return types.Errorf(types.ErrPlanningFailed, "plan %s has no steps", p.ID).WithTask(p.TaskID)
	}
	seen := make(map[string]bool, len(p.Steps))
	for _, s := range p.Steps {
		if s.ID == "" {
			return types.Errorf(types.ErrPlanningFailed, "plan %s has a step without id", p.ID).WithTask(p.TaskID)
		}
		if seen[s.ID] {
			return types.Errorf(types.ErrPlanningFailed, "plan %s has duplicate step %s", p.ID, s.ID).WithTask(p.TaskID)
		}
		seen[s.ID] = true
	}

	if p.Topology == TopologyPipeline {
		for i := 0; i+1 < len(p.Steps); i++ {
			out, in := p.Steps[i].OutputType, p.Steps[i+1].InputType
			if out != "" && in != "" && out != in {
				return types.Errorf(types.ErrPlanningFailed,
					"pipeline stage contract mismatch: %s outputs %q but %s expects %q",
					p.Steps[i].ID, out, p.Steps[i+1].ID, in).WithTask(p.TaskID)
			}
		}
	}

	if p.Topology == TopologyGraph {
		if p.Graph == nil {
			return types.Errorf(types.ErrPlanningFailed, "graph plan %s has no dependency graph", p.ID).WithTask(p.TaskID)
		}
		for id := range p.Graph.nodes {
			if !seen[id] {
				return types.Errorf(types.ErrPlanningFailed,
					"graph node %s has no matching step", id).WithTask(p.TaskID)
			}
		}
		if _, err := p.Graph.TopoSort(); err != nil {
			return err
		}
	}
	return nil
}

// DependencyGraph 步骤依赖图
// 边 dep→node 表示 node 依赖 dep 的输出
type DependencyGraph struct {
	nodes map[string]bool
	// edges[node] 列出 node 的全部依赖
	edges map[string][]string
}

// NewDependencyGraph 创建空依赖图
func NewDependencyGraph() *DependencyGraph {
	return &DependencyGraph{
		nodes: make(map[string]bool),
		edges: make(map[string][]string),
	}
}

// AddNode 加入节点
func (g *DependencyGraph) AddNode(id string) {
	g.nodes[id] = true
}

// AddDependency 声明 node 依赖 dep
func (g *DependencyGraph) AddDependency(node, dep string) {
	g.nodes[node] = true
	g.nodes[dep] = true
	g.edges[node] = append(g.edges[node], dep)
}

// Dependencies 返回 node 的依赖列表
func (g *DependencyGraph) Dependencies(node string) []string {
	return g.edges[node]
}

// TopoSort 按依赖分批返回节点：同批内无相互依赖，可并发执行
// 有环时返回 PLANNING_FAILED
func (g *DependencyGraph) TopoSort() ([][]string, error) {
	indegree := make(map[string]int, len(g.nodes))
	dependents := make(map[string][]string)
	for id := range g.nodes {
		indegree[id] = 0
	}
	for node, deps := range g.edges {
		for _, dep := range deps {
			indegree[node]++
			dependents[dep] = append(dependents[dep], node)
		}
	}

	var waves [][]string
	ready := make([]string, 0, len(g.nodes))
	for id, d := range indegree {
		if d == 0 {
			ready = append(ready, id)
		}
	}

	visited := 0
	for len(ready) > 0 {
		sort.Strings(ready)
		wave := append([]string(nil), ready...)
		waves = append(waves, wave)
		visited += len(wave)

		next := ready[:0]
		for _, id := range wave {
			for _, dep := range dependents[id] {
				indegree[dep]--
				if indegree[dep] == 0 {
					next = append(next, dep)
				}
			}
		}
		ready = next
	}

	if visited != len(g.nodes) {
		return nil, types.NewError(types.ErrPlanningFailed, "dependency graph contains a cycle")
	}
	return waves, nil
}

// CriticalPath 返回最长依赖链（按步骤数），用于耗时估算与诊断
func (g *DependencyGraph) CriticalPath() []string {
	waves, err := g.TopoSort()
	if err != nil {
		return nil
	}

	// depth[n] 为以 n 结尾的最长链长度，prev[n] 记录链上前驱
	depth := make(map[string]int, len(g.nodes))
	prev := make(map[string]string, len(g.nodes))
	for _, wave := range waves {
		for _, node := range wave {
			best := 0
			for _, dep := range g.edges[node] {
				if depth[dep] > best {
					best = depth[dep]
					prev[node] = dep
				}
			}
			depth[node] = best + 1
		}
	}

	end := ""
	for node, d := range depth {
		if end == "" || d > depth[end] || (d == depth[end] && node < end) {
			end = node
		}
	}
	if end == "" {
		return nil
	}

	var path []string
	for node := end; node != ""; node = prev[node] {
		path = append([]string{node}, path...)
		if _, ok := prev[node]; !ok {
			break
		}
	}
	return path
}
