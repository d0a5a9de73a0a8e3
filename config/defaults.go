// =============================================================================
// 📦 AgentSched 默认配置
// =============================================================================
// 提供所有配置项的合理默认值
// =============================================================================
package config

import "time"

// DefaultConfig 返回默认配置
func DefaultConfig() *Config {
	return &Config{
		Scheduler:    DefaultSchedulerConfig(),
		Balancer:     DefaultBalancerConfig(),
		Breaker:      DefaultBreakerConfig(),
		Distributor:  DefaultDistributorConfig(),
		Orchestrator: DefaultOrchestratorConfig(),
		Collab:       DefaultCollabConfig(),
		Redis:        DefaultRedisConfig(),
		Log:          DefaultLogConfig(),
		Metrics:      DefaultMetricsConfig(),
	}
}

// DefaultSchedulerConfig 返回默认选择策略配置
func DefaultSchedulerConfig() SchedulerConfig {
	return SchedulerConfig{
		Strategy:      "adaptive",
		HistoryWeight: 0.7,
		LiveWeight:    0.3,
	}
}

// DefaultBalancerConfig 返回默认负载均衡配置
func DefaultBalancerConfig() BalancerConfig {
	return BalancerConfig{
		MaxRetries:     3,
		RetryBaseDelay: 100 * time.Millisecond,
		RetryMaxDelay:  5 * time.Second,
		StickySessions: true,
		TaskTimeout:    2 * time.Minute,
		FailoverProbe:  false,
	}
}

// DefaultBreakerConfig 返回默认熔断器配置
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		Threshold: 5,
		Timeout:   30 * time.Second,
	}
}

// DefaultDistributorConfig 返回默认任务分发配置
func DefaultDistributorConfig() DistributorConfig {
	return DistributorConfig{
		QueueCapacity:            1024,
		MaxConcurrent:            64,
		RatePerSecond:            0,
		RateBurst:                1,
		TickInterval:             200 * time.Millisecond,
		MonitorInterval:          5 * time.Second,
		DispatchWorkers:          16,
		OverloadThreshold:        0.9,
		UnderperformThreshold:    0.7,
		QueueSaturationThreshold: 0.8,
	}
}

// DefaultOrchestratorConfig 返回默认编排配置
func DefaultOrchestratorConfig() OrchestratorConfig {
	return OrchestratorConfig{
		DefaultRetryBudget: 2,
		StepTimeout:        2 * time.Minute,
	}
}

// DefaultCollabConfig 返回默认协作配置
func DefaultCollabConfig() CollabConfig {
	return CollabConfig{
		ConsensusThreshold:  0.6,
		MaxDepth:            5,
		RoundTimeout:        10 * time.Second,
		CompetitiveDeadline: 30 * time.Second,
		ParticipantTimeout:  time.Minute,
		LockTTL:             5 * time.Second,
		Protocol:            "broadcast",
	}
}

// DefaultRedisConfig 返回默认 Redis 配置
func DefaultRedisConfig() RedisConfig {
	return RedisConfig{
		Enabled:      false,
		Addr:         "localhost:6379",
		Password:     "",
		DB:           0,
		PoolSize:     10,
		MinIdleConns: 2,
	}
}

// DefaultLogConfig 返回默认日志配置
func DefaultLogConfig() LogConfig {
	return LogConfig{
		Level:            "info",
		Format:           "json",
		OutputPaths:      []string{"stdout"},
		EnableCaller:     true,
		EnableStacktrace: false,
	}
}

// DefaultMetricsConfig 返回默认指标配置
func DefaultMetricsConfig() MetricsConfig {
	return MetricsConfig{
		Enabled:   true,
		Namespace: "agentsched",
	}
}
