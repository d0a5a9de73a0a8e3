package distributor

import (
	"encoding/json"
	"time"

	"github.com/BaSui01/agentsched/profile"
	"github.com/BaSui01/agentsched/types"
)

// capabilitiesByType 任务类型到必需能力的推断表
// 任务未显式声明能力时查表，查不到则把类型本身当作能力标签
var capabilitiesByType = map[string][]string{
	"text_generation":  {"text_generation"},
	"summarization":    {"text_generation", "summarization"},
	"translation":      {"text_generation", "translation"},
	"code_generation":  {"code_generation"},
	"code_review":      {"code_generation", "code_review"},
	"research":         {"research"},
	"data_analysis":    {"data_analysis"},
	"image_generation": {"image_generation"},
	"audio_processing": {"audio_processing"},
	"validation":       {"validation"},
	"planning":         {"planning"},
	"integration":      {"integration"},
}

// complexityByType 任务类型的基础复杂度
var complexityByType = map[string]float64{
	"text_generation":  0.3,
	"summarization":    0.3,
	"translation":      0.3,
	"code_generation":  0.6,
	"code_review":      0.5,
	"research":         0.7,
	"data_analysis":    0.6,
	"image_generation": 0.5,
	"audio_processing": 0.5,
	"validation":       0.2,
	"planning":         0.7,
	"integration":      0.4,
}

const (
	defaultComplexity = 0.4
	// payloadComplexityCap 载荷大小最多贡献的复杂度
	payloadComplexityCap = 0.3
	// payloadReferenceBytes 达到该载荷大小时贡献拉满
	payloadReferenceBytes = 16 * 1024
)

// DeriveRequirements 从任务派生选择需求
// 能力缺省时按类型推断，优先级缺省为 5，复杂度由类型基础值加载荷大小估算
func DeriveRequirements(task *types.Task, profiles *profile.Store) *types.Requirements {
	req := &types.Requirements{
		TaskType:     task.Type,
		Capabilities: task.RequiredCapabilities,
		Priority:     task.Priority,
	}

	if len(req.Capabilities) == 0 {
		if caps, ok := capabilitiesByType[task.Type]; ok {
			req.Capabilities = append([]string(nil), caps...)
		} else {
			req.Capabilities = []string{task.Type}
		}
	}

	if req.Priority <= 0 {
		req.Priority = types.DefaultPriority
	}
	if req.Priority > 10 {
		req.Priority = 10
	}

	base, ok := complexityByType[task.Type]
	if !ok {
		base = defaultComplexity
	}
	req.Complexity = base + payloadComplexity(task.Payload)
	if req.Complexity > 1 {
		req.Complexity = 1
	}

	if profiles != nil {
		req.EstimatedDuration = estimateDuration(task.Type, profiles)
	}
	return req
}

// payloadComplexity 载荷大小的复杂度贡献，线性封顶
func payloadComplexity(payload map[string]any) float64 {
	if len(payload) == 0 {
		return 0
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return 0
	}
	frac := float64(len(raw)) / float64(payloadReferenceBytes)
	if frac > 1 {
		frac = 1
	}
	return frac * payloadComplexityCap
}

// estimateDuration 用各 Agent 对该类型的滚动平均耗时估算执行时长
// 取已有样本的平均值，无样本时返回 0
func estimateDuration(taskType string, profiles *profile.Store) time.Duration {
	var total time.Duration
	var count int64
	for _, p := range profiles.List() {
		if d, ok := p.AvgDurationByType[taskType]; ok && d > 0 {
			total += d
			count++
		}
	}
	if count == 0 {
		return 0
	}
	return total / time.Duration(count)
}
