package profile

import (
	"time"
)

// DefaultCapabilityScore 注册时每个声明能力的初始分数
const DefaultCapabilityScore = 0.8

// SuccessRateDecay 成功率指数衰减系数
// newRate = decay*oldRate + (1-decay)*outcome
const SuccessRateDecay = 0.95

// Profile 单个 Agent 的滚动性能画像
// 只通过 Store 的方法修改；选择策略读取其快照
type Profile struct {
	AgentID string `json:"agent_id"`
	// CapabilityScores 能力 → 熟练度分数 [0,1]
	CapabilityScores map[string]float64 `json:"capability_scores"`
	// CurrentLoad 当前并发任务数，非负且不超过 MaxConcurrentTasks
	CurrentLoad int `json:"current_load"`
	// MaxConcurrentTasks 配置的并发上限
	MaxConcurrentTasks int `json:"max_concurrent_tasks"`
	// SuccessRate 指数衰减的成功率 [0,1]
	SuccessRate float64 `json:"success_rate"`
	// CompletedTasks 累计完成数
	CompletedTasks int64 `json:"completed_tasks"`
	// FailedTasks 累计失败数
	FailedTasks int64 `json:"failed_tasks"`
	// AvgDurationByType 按任务类型的滚动平均耗时
	AvgDurationByType map[string]time.Duration `json:"avg_duration_by_type"`
	// durationSamples 每类型样本数，滚动均值用
	durationSamples map[string]int64
	// SpecializationFactor 专精度 = 1/能力数，能力越少越专精
	SpecializationFactor float64 `json:"specialization_factor"`
	// AvgResponseTime 全局滚动平均响应时间
	AvgResponseTime time.Duration `json:"avg_response_time"`
	// LastActiveAt 最近一次任务完成时间
	LastActiveAt time.Time `json:"last_active_at"`
}

// HasCapability 是否声明了某能力
func (p *Profile) HasCapability(capability string) bool {
	_, ok := p.CapabilityScores[capability]
	return ok
}

// HasCapabilities 是否声明了全部能力
func (p *Profile) HasCapabilities(capabilities []string) bool {
	for _, c := range capabilities {
		if !p.HasCapability(c) {
			return false
		}
	}
	return true
}

// LoadFraction 负载占比 [0,1]
func (p *Profile) LoadFraction() float64 {
	if p.MaxConcurrentTasks <= 0 {
		return 1
	}
	return float64(p.CurrentLoad) / float64(p.MaxConcurrentTasks)
}

// Available 是否还有空闲槽位
func (p *Profile) Available() bool {
	return p.CurrentLoad < p.MaxConcurrentTasks
}

// clone 深拷贝，Store 对外只暴露快照
func (p *Profile) clone() Profile {
	cp := *p
	cp.CapabilityScores = make(map[string]float64, len(p.CapabilityScores))
	for k, v := range p.CapabilityScores {
		cp.CapabilityScores[k] = v
	}
	cp.AvgDurationByType = make(map[string]time.Duration, len(p.AvgDurationByType))
	for k, v := range p.AvgDurationByType {
		cp.AvgDurationByType[k] = v
	}
	cp.durationSamples = nil
	return cp
}
