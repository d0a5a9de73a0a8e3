// Package metrics provides internal metrics collection.
// This package is internal and should not be imported by external projects.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
)

// =============================================================================
// 📊 指标收集器
// =============================================================================

// Collector 调度引擎指标收集器
type Collector struct {
	// 任务指标
	tasksSubmitted *prometheus.CounterVec
	tasksCompleted *prometheus.CounterVec
	tasksFailed    *prometheus.CounterVec
	taskDuration   *prometheus.HistogramVec
	queueDepth     prometheus.Gauge

	// Agent 指标
	agentLoad     *prometheus.GaugeVec
	breakerState  *prometheus.GaugeVec
	breakerTrips  *prometheus.CounterVec
	selectionMiss *prometheus.CounterVec

	// 协作指标
	collabSessions  *prometheus.CounterVec
	consensusRounds *prometheus.HistogramVec
	decisions       *prometheus.CounterVec

	logger *zap.Logger
}

// NewCollector 创建指标收集器
// registerer 为 nil 时使用 prometheus 默认注册表
func NewCollector(namespace string, registerer prometheus.Registerer, logger *zap.Logger) *Collector {
	if logger == nil {
		logger = zap.NewNop()
	}
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}
	factory := promauto.With(registerer)

	c := &Collector{
		logger: logger.With(zap.String("component", "metrics")),
	}

	// 任务指标
	c.tasksSubmitted = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tasks_submitted_total",
			Help:      "Total number of tasks submitted",
		},
		[]string{"task_type"},
	)

	c.tasksCompleted = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tasks_completed_total",
			Help:      "Total number of tasks completed successfully",
		},
		[]string{"task_type", "agent_id"},
	)

	c.tasksFailed = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tasks_failed_total",
			Help:      "Total number of tasks that failed terminally",
		},
		[]string{"task_type", "reason"},
	)

	c.taskDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "task_duration_seconds",
			Help:      "Task execution duration in seconds",
			Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120},
		},
		[]string{"task_type"},
	)

	c.queueDepth = factory.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "queue_depth",
			Help:      "Number of tasks waiting in the priority queue",
		},
	)

	// Agent 指标
	c.agentLoad = factory.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "agent_load",
			Help:      "Current concurrent task count per agent",
		},
		[]string{"agent_id"},
	)

	c.breakerState = factory.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "circuit_breaker_state",
			Help:      "Circuit breaker state per agent (0=closed, 1=open, 2=half_open)",
		},
		[]string{"agent_id"},
	)

	c.breakerTrips = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "circuit_breaker_trips_total",
			Help:      "Total number of circuit breaker open transitions",
		},
		[]string{"agent_id"},
	)

	c.selectionMiss = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "selection_misses_total",
			Help:      "Total number of selections with no eligible agent",
		},
		[]string{"task_type"},
	)

	// 协作指标
	c.collabSessions = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "collaboration_sessions_total",
			Help:      "Total number of collaboration sessions started",
		},
		[]string{"mode"},
	)

	c.consensusRounds = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "consensus_rounds",
			Help:      "Negotiation rounds consumed per consensus request",
			Buckets:   []float64{1, 2, 3, 4, 5, 8, 13},
		},
		[]string{"mode"},
	)

	c.decisions = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "decisions_total",
			Help:      "Total number of collective decisions",
		},
		[]string{"mode", "outcome"}, // outcome: consensus, no_consensus
	)

	logger.Info("metrics collector initialized", zap.String("namespace", namespace))

	return c
}

// =============================================================================
// 🎯 任务指标记录
// =============================================================================

// RecordTaskSubmitted 记录任务提交
func (c *Collector) RecordTaskSubmitted(taskType string) {
	c.tasksSubmitted.WithLabelValues(taskType).Inc()
}

// RecordTaskCompleted 记录任务成功完成
func (c *Collector) RecordTaskCompleted(taskType, agentID string, duration time.Duration) {
	c.tasksCompleted.WithLabelValues(taskType, agentID).Inc()
	c.taskDuration.WithLabelValues(taskType).Observe(duration.Seconds())
}

// RecordTaskFailed 记录任务终态失败
func (c *Collector) RecordTaskFailed(taskType, reason string) {
	c.tasksFailed.WithLabelValues(taskType, reason).Inc()
}

// SetQueueDepth 更新队列深度
func (c *Collector) SetQueueDepth(depth int) {
	c.queueDepth.Set(float64(depth))
}

// RecordSelectionMiss 记录一次无合格候选的选择
func (c *Collector) RecordSelectionMiss(taskType string) {
	c.selectionMiss.WithLabelValues(taskType).Inc()
}

// =============================================================================
// 🤖 Agent 指标记录
// =============================================================================

// SetAgentLoad 更新 Agent 当前负载
func (c *Collector) SetAgentLoad(agentID string, load int) {
	c.agentLoad.WithLabelValues(agentID).Set(float64(load))
}

// SetBreakerState 更新熔断器状态
func (c *Collector) SetBreakerState(agentID string, state int) {
	c.breakerState.WithLabelValues(agentID).Set(float64(state))
}

// RecordBreakerTrip 记录一次熔断
func (c *Collector) RecordBreakerTrip(agentID string) {
	c.breakerTrips.WithLabelValues(agentID).Inc()
}

// =============================================================================
// 🤝 协作指标记录
// =============================================================================

// RecordCollaborationSession 记录协作会话启动
func (c *Collector) RecordCollaborationSession(mode string) {
	c.collabSessions.WithLabelValues(mode).Inc()
}

// RecordDecision 记录一次集体决策
func (c *Collector) RecordDecision(mode string, consensus bool, rounds int) {
	outcome := "no_consensus"
	if consensus {
		outcome = "consensus"
	}
	c.decisions.WithLabelValues(mode, outcome).Inc()
	c.consensusRounds.WithLabelValues(mode).Observe(float64(rounds))
}
