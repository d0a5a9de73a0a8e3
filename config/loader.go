// =============================================================================
// 📦 AgentSched 配置加载器
// =============================================================================
// 统一配置加载，支持 YAML 文件 + 环境变量覆盖
//
// 使用方法:
//
//	cfg, err := config.NewLoader().
//	    WithConfigPath("config.yaml").
//	    WithEnvPrefix("AGENTSCHED").
//	    Load()
//
// 配置优先级: 默认值 → YAML 文件 → 环境变量
// =============================================================================
package config

import (
	"fmt"
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// =============================================================================
// 🎯 核心配置结构
// =============================================================================

// Config 是调度引擎的完整配置结构
type Config struct {
	// Scheduler 选择策略配置
	Scheduler SchedulerConfig `yaml:"scheduler" env:"SCHEDULER"`

	// Balancer 负载均衡配置
	Balancer BalancerConfig `yaml:"balancer" env:"BALANCER"`

	// Breaker 熔断器配置
	Breaker BreakerConfig `yaml:"breaker" env:"BREAKER"`

	// Distributor 任务分发配置
	Distributor DistributorConfig `yaml:"distributor" env:"DISTRIBUTOR"`

	// Orchestrator 编排配置
	Orchestrator OrchestratorConfig `yaml:"orchestrator" env:"ORCHESTRATOR"`

	// Collab 协作配置
	Collab CollabConfig `yaml:"collab" env:"COLLAB"`

	// Redis 会话消息持久化配置
	Redis RedisConfig `yaml:"redis" env:"REDIS"`

	// Log 日志配置
	Log LogConfig `yaml:"log" env:"LOG"`

	// Metrics 指标配置
	Metrics MetricsConfig `yaml:"metrics" env:"METRICS"`
}

// SchedulerConfig 选择策略配置
type SchedulerConfig struct {
	// 策略: round_robin, least_loaded, capability_match, priority, adaptive
	Strategy string `yaml:"strategy" env:"STRATEGY"`
	// adaptive 策略的历史分量权重 [0,1]
	HistoryWeight float64 `yaml:"history_weight" env:"HISTORY_WEIGHT"`
	// adaptive 策略的实时分量权重 [0,1]
	LiveWeight float64 `yaml:"live_weight" env:"LIVE_WEIGHT"`
}

// BalancerConfig 负载均衡配置
type BalancerConfig struct {
	// 单任务最大重试次数（不含首次尝试）
	MaxRetries int `yaml:"max_retries" env:"MAX_RETRIES"`
	// 重试退避基准间隔
	RetryBaseDelay time.Duration `yaml:"retry_base_delay" env:"RETRY_BASE_DELAY"`
	// 重试退避上限
	RetryMaxDelay time.Duration `yaml:"retry_max_delay" env:"RETRY_MAX_DELAY"`
	// 会话粘滞路由
	StickySessions bool `yaml:"sticky_sessions" env:"STICKY_SESSIONS"`
	// 单次尝试超时
	TaskTimeout time.Duration `yaml:"task_timeout" env:"TASK_TIMEOUT"`
	// 无候选时是否强制半开探测故障转移
	FailoverProbe bool `yaml:"failover_probe" env:"FAILOVER_PROBE"`
}

// BreakerConfig 熔断器配置
type BreakerConfig struct {
	// 连续失败阈值
	Threshold int `yaml:"threshold" env:"THRESHOLD"`
	// 打开后的恢复探测间隔
	Timeout time.Duration `yaml:"timeout" env:"TIMEOUT"`
}

// DistributorConfig 任务分发配置
type DistributorConfig struct {
	// 优先级队列容量
	QueueCapacity int `yaml:"queue_capacity" env:"QUEUE_CAPACITY"`
	// 全局并发上限
	MaxConcurrent int `yaml:"max_concurrent" env:"MAX_CONCURRENT"`
	// 每秒分发上限，0 表示不限
	RatePerSecond float64 `yaml:"rate_per_second" env:"RATE_PER_SECOND"`
	// 限流突发额度
	RateBurst int `yaml:"rate_burst" env:"RATE_BURST"`
	// 排空循环间隔
	TickInterval time.Duration `yaml:"tick_interval" env:"TICK_INTERVAL"`
	// 健康巡检间隔
	MonitorInterval time.Duration `yaml:"monitor_interval" env:"MONITOR_INTERVAL"`
	// 分发工作协程数
	DispatchWorkers int `yaml:"dispatch_workers" env:"DISPATCH_WORKERS"`
	// Agent 过载告警阈值 [0,1]
	OverloadThreshold float64 `yaml:"overload_threshold" env:"OVERLOAD_THRESHOLD"`
	// Agent 低成功率告警阈值 [0,1]
	UnderperformThreshold float64 `yaml:"underperform_threshold" env:"UNDERPERFORM_THRESHOLD"`
	// 队列饱和告警阈值 [0,1]
	QueueSaturationThreshold float64 `yaml:"queue_saturation_threshold" env:"QUEUE_SATURATION_THRESHOLD"`
}

// OrchestratorConfig 编排配置
type OrchestratorConfig struct {
	// 默认任务级重试预算
	DefaultRetryBudget int `yaml:"default_retry_budget" env:"DEFAULT_RETRY_BUDGET"`
	// 单步默认超时
	StepTimeout time.Duration `yaml:"step_timeout" env:"STEP_TIMEOUT"`
}

// CollabConfig 协作配置
type CollabConfig struct {
	// 共识阈值 [0,1]
	ConsensusThreshold float64 `yaml:"consensus_threshold" env:"CONSENSUS_THRESHOLD"`
	// 协商轮数上限
	MaxDepth int `yaml:"max_depth" env:"MAX_DEPTH"`
	// 单轮超时
	RoundTimeout time.Duration `yaml:"round_timeout" env:"ROUND_TIMEOUT"`
	// 竞争模式截止时间
	CompetitiveDeadline time.Duration `yaml:"competitive_deadline" env:"COMPETITIVE_DEADLINE"`
	// 参与者单次执行超时
	ParticipantTimeout time.Duration `yaml:"participant_timeout" env:"PARTICIPANT_TIMEOUT"`
	// 黑板写锁存活时间
	LockTTL time.Duration `yaml:"lock_ttl" env:"LOCK_TTL"`
	// 通信协议: direct, broadcast, pub-sub, blackboard
	Protocol string `yaml:"protocol" env:"PROTOCOL"`
}

// RedisConfig Redis 配置
// Enabled 为 false 时会话消息只存进程内
type RedisConfig struct {
	// 是否启用
	Enabled bool `yaml:"enabled" env:"ENABLED"`
	// 地址
	Addr string `yaml:"addr" env:"ADDR"`
	// 密码
	Password string `yaml:"password" env:"PASSWORD"`
	// 数据库编号
	DB int `yaml:"db" env:"DB"`
	// 连接池大小
	PoolSize int `yaml:"pool_size" env:"POOL_SIZE"`
	// 最小空闲连接
	MinIdleConns int `yaml:"min_idle_conns" env:"MIN_IDLE_CONNS"`
}

// LogConfig 日志配置
type LogConfig struct {
	// 日志级别: debug, info, warn, error
	Level string `yaml:"level" env:"LEVEL"`
	// 输出格式: json, console
	Format string `yaml:"format" env:"FORMAT"`
	// 输出路径
	OutputPaths []string `yaml:"output_paths" env:"OUTPUT_PATHS"`
	// 是否启用调用者信息
	EnableCaller bool `yaml:"enable_caller" env:"ENABLE_CALLER"`
	// 是否启用堆栈跟踪
	EnableStacktrace bool `yaml:"enable_stacktrace" env:"ENABLE_STACKTRACE"`
}

// MetricsConfig 指标配置
type MetricsConfig struct {
	// 是否启用
	Enabled bool `yaml:"enabled" env:"ENABLED"`
	// Prometheus 指标命名空间
	Namespace string `yaml:"namespace" env:"NAMESPACE"`
}

// =============================================================================
// 🔧 配置加载器
// =============================================================================

// Loader 配置加载器（Builder 模式）
type Loader struct {
	configPath string
	envPrefix  string
	validators []func(*Config) error
}

// NewLoader 创建新的配置加载器
func NewLoader() *Loader {
	return &Loader{
		envPrefix:  "AGENTSCHED",
		validators: make([]func(*Config) error, 0),
	}
}

// WithConfigPath 设置配置文件路径
func (l *Loader) WithConfigPath(path string) *Loader {
	l.configPath = path
	return l
}

// WithEnvPrefix 设置环境变量前缀
func (l *Loader) WithEnvPrefix(prefix string) *Loader {
	l.envPrefix = prefix
	return l
}

// WithValidator 添加配置验证器
func (l *Loader) WithValidator(v func(*Config) error) *Loader {
	l.validators = append(l.validators, v)
	return l
}

// Load 加载配置
// 优先级: 默认值 → YAML 文件 → 环境变量
func (l *Loader) Load() (*Config, error) {
	// 1. 从默认值开始
	cfg := DefaultConfig()

	// 2. 如果指定了配置文件，从文件加载
	if l.configPath != "" {
		if err := l.loadFromFile(cfg); err != nil {
			return nil, fmt.Errorf("failed to load config from file: %w", err)
		}
	}

	// 3. 从环境变量覆盖
	if err := l.loadFromEnv(cfg); err != nil {
		return nil, fmt.Errorf("failed to load config from env: %w", err)
	}

	// 4. 内置校验 + 自定义验证器
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	for _, v := range l.validators {
		if err := v(cfg); err != nil {
			return nil, fmt.Errorf("config validation failed: %w", err)
		}
	}

	return cfg, nil
}

// loadFromFile 从 YAML 文件加载配置
func (l *Loader) loadFromFile(cfg *Config) error {
	data, err := os.ReadFile(l.configPath)
	if err != nil {
		if os.IsNotExist(err) {
			// 文件不存在，使用默认值
			return nil
		}
		return fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}

	return nil
}

// loadFromEnv 从环境变量加载配置
func (l *Loader) loadFromEnv(cfg *Config) error {
	return l.setFieldsFromEnv(reflect.ValueOf(cfg).Elem(), l.envPrefix)
}

// setFieldsFromEnv 递归设置结构体字段
func (l *Loader) setFieldsFromEnv(v reflect.Value, prefix string) error {
	t := v.Type()

	for i := 0; i < v.NumField(); i++ {
		field := v.Field(i)
		fieldType := t.Field(i)

		// 获取 env tag
		envTag := fieldType.Tag.Get("env")
		if envTag == "" || envTag == "-" {
			continue
		}

		envKey := prefix + "_" + envTag

		// 如果是结构体，递归处理
		if field.Kind() == reflect.Struct {
			if err := l.setFieldsFromEnv(field, envKey); err != nil {
				return err
			}
			continue
		}

		// 获取环境变量值
		envValue := os.Getenv(envKey)
		if envValue == "" {
			continue
		}

		// 设置字段值
		if err := setFieldValue(field, envValue); err != nil {
			return fmt.Errorf("failed to set %s: %w", envKey, err)
		}
	}

	return nil
}

// setFieldValue 设置字段值
func setFieldValue(field reflect.Value, value string) error {
	if !field.CanSet() {
		return nil
	}

	switch field.Kind() {
	case reflect.String:
		field.SetString(value)

	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		// 特殊处理 time.Duration
		if field.Type() == reflect.TypeOf(time.Duration(0)) {
			d, err := time.ParseDuration(value)
			if err != nil {
				return err
			}
			field.SetInt(int64(d))
		} else {
			i, err := strconv.ParseInt(value, 10, 64)
			if err != nil {
				return err
			}
			field.SetInt(i)
		}

	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		u, err := strconv.ParseUint(value, 10, 64)
		if err != nil {
			return err
		}
		field.SetUint(u)

	case reflect.Float32, reflect.Float64:
		f, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return err
		}
		field.SetFloat(f)

	case reflect.Bool:
		b, err := strconv.ParseBool(value)
		if err != nil {
			return err
		}
		field.SetBool(b)

	case reflect.Slice:
		// 支持逗号分隔的字符串切片
		if field.Type().Elem().Kind() == reflect.String {
			parts := strings.Split(value, ",")
			for i := range parts {
				parts[i] = strings.TrimSpace(parts[i])
			}
			field.Set(reflect.ValueOf(parts))
		}
	}

	return nil
}

// =============================================================================
// 🔍 辅助函数
// =============================================================================

// MustLoad 加载配置，失败时 panic
func MustLoad(path string) *Config {
	cfg, err := NewLoader().WithConfigPath(path).Load()
	if err != nil {
		panic(fmt.Sprintf("failed to load config: %v", err))
	}
	return cfg
}

// LoadFromEnv 仅从环境变量加载配置
func LoadFromEnv() (*Config, error) {
	return NewLoader().Load()
}

// validStrategies 选择策略枚举
var validStrategies = map[string]bool{
	"round_robin":      true,
	"least_loaded":     true,
	"capability_match": true,
	"priority":         true,
	"adaptive":         true,
}

// validProtocols 协作通信协议枚举
var validProtocols = map[string]bool{
	"direct":     true,
	"broadcast":  true,
	"pub-sub":    true,
	"blackboard": true,
}

// Validate 验证配置
func (c *Config) Validate() error {
	var errs []string

	if !validStrategies[c.Scheduler.Strategy] {
		errs = append(errs, fmt.Sprintf("unknown scheduler strategy %q", c.Scheduler.Strategy))
	}
	for name, v := range map[string]float64{
		"history_weight": c.Scheduler.HistoryWeight,
		"live_weight":    c.Scheduler.LiveWeight,
	} {
		if v < 0 || v > 1 {
			errs = append(errs, fmt.Sprintf("%s must be between 0 and 1", name))
		}
	}

	if c.Balancer.MaxRetries < 0 {
		errs = append(errs, "max_retries must not be negative")
	}
	if c.Breaker.Threshold <= 0 {
		errs = append(errs, "breaker threshold must be positive")
	}

	if c.Distributor.QueueCapacity <= 0 {
		errs = append(errs, "queue_capacity must be positive")
	}
	for name, v := range map[string]float64{
		"overload_threshold":         c.Distributor.OverloadThreshold,
		"underperform_threshold":     c.Distributor.UnderperformThreshold,
		"queue_saturation_threshold": c.Distributor.QueueSaturationThreshold,
	} {
		if v < 0 || v > 1 {
			errs = append(errs, fmt.Sprintf("%s must be between 0 and 1", name))
		}
	}

	if c.Collab.ConsensusThreshold <= 0 || c.Collab.ConsensusThreshold > 1 {
		errs = append(errs, "consensus_threshold must be in (0, 1]")
	}
	if c.Collab.MaxDepth <= 0 {
		errs = append(errs, "max_depth must be positive")
	}
	if !validProtocols[c.Collab.Protocol] {
		errs = append(errs, fmt.Sprintf("unknown collaboration protocol %q", c.Collab.Protocol))
	}

	if c.Redis.Enabled && c.Redis.Addr == "" {
		errs = append(errs, "redis addr required when redis is enabled")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation errors: %s", strings.Join(errs, "; "))
	}

	return nil
}
