// Package agentsched 是多 Agent 任务调度与协作引擎的顶层入口。
//
// Engine 把各层组件装配成一个整体：画像存储、选择策略、熔断器、
// 负载均衡、任务分发、多拓扑编排与多方协作。典型用法：
//
//	engine, err := agentsched.New(nil, nil)
//	engine.RegisterAgent(myWorker)
//	assignment, err := engine.SubmitTask(task)
//	result, err := engine.Orchestrate(ctx, task)
//
// 具体 Worker（文本、代码、检索、校验等）在引擎之外实现
// types.Worker 接口；引擎只关心能力标签与执行契约。
package agentsched

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/BaSui01/agentsched/balancer"
	"github.com/BaSui01/agentsched/breaker"
	"github.com/BaSui01/agentsched/collab"
	"github.com/BaSui01/agentsched/config"
	"github.com/BaSui01/agentsched/distributor"
	"github.com/BaSui01/agentsched/events"
	"github.com/BaSui01/agentsched/internal/metrics"
	"github.com/BaSui01/agentsched/orchestrator"
	"github.com/BaSui01/agentsched/profile"
	"github.com/BaSui01/agentsched/strategy"
	"github.com/BaSui01/agentsched/types"
)

// Engine 调度引擎
type Engine struct {
	cfg    *config.Config
	logger *zap.Logger

	bus       *events.Bus
	collector *metrics.Collector
	profiles  *profile.Store
	workers   *balancer.Registry
	breakers  *breaker.Registry
	lb        *balancer.LoadBalancer
	dist      *distributor.Distributor
	orch      *orchestrator.Orchestrator
	collab    *collab.Manager

	redisClient redis.UniversalClient
	stopOnce    sync.Once
}

// New 创建调度引擎
// cfg 为 nil 时使用默认配置；logger 为 nil 时按 cfg.Log 构建
func New(cfg *config.Config, logger *zap.Logger) (*Engine, error) {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		var err error
		logger, err = buildLogger(cfg.Log)
		if err != nil {
			return nil, fmt.Errorf("failed to build logger: %w", err)
		}
	}

	bus := events.NewBus(logger)

	var collector *metrics.Collector
	if cfg.Metrics.Enabled {
		collector = metrics.NewCollector(cfg.Metrics.Namespace, nil, logger)
	}

	profiles := profile.NewStore(logger)
	workers := balancer.NewWorkerRegistry(logger)
	breakers := breaker.NewRegistry(breaker.Config{
		Threshold: cfg.Breaker.Threshold,
		Timeout:   cfg.Breaker.Timeout,
	}, breakerEventHandler(bus, collector), logger)

	strat, learning := buildStrategy(cfg.Scheduler)

	// 分发器晚于均衡器创建，结果回流通过闭包接线
	var dist *distributor.Distributor
	recorder := balancer.RecorderFunc(func(agentID, taskType string, duration time.Duration, success bool) {
		dist.RecordOutcome(agentID, taskType, duration, success)
	})

	lb := balancer.New(balancer.Config{
		MaxRetries:     cfg.Balancer.MaxRetries,
		RetryBaseDelay: cfg.Balancer.RetryBaseDelay,
		RetryMaxDelay:  cfg.Balancer.RetryMaxDelay,
		StickySessions: cfg.Balancer.StickySessions,
		TaskTimeout:    cfg.Balancer.TaskTimeout,
		FailoverProbe:  cfg.Balancer.FailoverProbe,
	}, workers, profiles, breakers, strat, recorder, bus, logger)

	dist = distributor.New(distributor.Config{
		QueueCapacity:            cfg.Distributor.QueueCapacity,
		MaxConcurrent:            int64(cfg.Distributor.MaxConcurrent),
		RatePerSecond:            cfg.Distributor.RatePerSecond,
		RateBurst:                cfg.Distributor.RateBurst,
		TickInterval:             cfg.Distributor.TickInterval,
		MonitorInterval:          cfg.Distributor.MonitorInterval,
		DispatchWorkers:          cfg.Distributor.DispatchWorkers,
		OverloadThreshold:        cfg.Distributor.OverloadThreshold,
		UnderperformThreshold:    cfg.Distributor.UnderperformThreshold,
		QueueSaturationThreshold: cfg.Distributor.QueueSaturationThreshold,
	}, lb, profiles, learning, bus, collector, logger)

	var redisClient redis.UniversalClient
	var store collab.MessageStore
	if cfg.Redis.Enabled {
		redisClient = redis.NewClient(&redis.Options{
			Addr:         cfg.Redis.Addr,
			Password:     cfg.Redis.Password,
			DB:           cfg.Redis.DB,
			PoolSize:     cfg.Redis.PoolSize,
			MinIdleConns: cfg.Redis.MinIdleConns,
		})
		store = collab.NewRedisStore(redisClient)
	}

	collabMgr := collab.NewManager(collab.Config{
		ConsensusThreshold:  cfg.Collab.ConsensusThreshold,
		MaxDepth:            cfg.Collab.MaxDepth,
		RoundTimeout:        cfg.Collab.RoundTimeout,
		CompetitiveDeadline: cfg.Collab.CompetitiveDeadline,
		ParticipantTimeout:  cfg.Collab.ParticipantTimeout,
		LockTTL:             cfg.Collab.LockTTL,
		Protocol:            cfg.Collab.Protocol,
	}, workers, profiles, store, bus, collector, nil, nil, logger)

	orch := orchestrator.New(orchestrator.Config{
		DefaultRetryBudget: cfg.Orchestrator.DefaultRetryBudget,
		StepTimeout:        cfg.Orchestrator.StepTimeout,
	}, nil, nil, orchestrator.NewBalancerRunner(lb), collabMgr, logger)

	logger.Info("scheduling engine assembled",
		zap.String("strategy", cfg.Scheduler.Strategy),
		zap.Bool("metrics", cfg.Metrics.Enabled),
		zap.Bool("redis", cfg.Redis.Enabled))

	return &Engine{
		cfg:         cfg,
		logger:      logger,
		bus:         bus,
		collector:   collector,
		profiles:    profiles,
		workers:     workers,
		breakers:    breakers,
		lb:          lb,
		dist:        dist,
		orch:        orch,
		collab:      collabMgr,
		redisClient: redisClient,
	}, nil
}

// buildStrategy 按配置构造选择策略；adaptive 返回可供结果回流的学习引擎
func buildStrategy(cfg config.SchedulerConfig) (strategy.Strategy, strategy.LearningEngine) {
	if strategy.Name(cfg.Strategy) == strategy.NameAdaptive {
		engine := strategy.NewHistoryEngine()
		return strategy.NewAdaptive(engine).WithWeights(cfg.HistoryWeight, cfg.LiveWeight), engine
	}
	return strategy.New(strategy.Name(cfg.Strategy), nil), nil
}

// buildLogger 按日志配置构建 zap 日志器
func buildLogger(cfg config.LogConfig) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		level = zapcore.InfoLevel
	}

	zc := zap.NewProductionConfig()
	if cfg.Format == "console" {
		zc = zap.NewDevelopmentConfig()
	}
	zc.Level = zap.NewAtomicLevelAt(level)
	if len(cfg.OutputPaths) > 0 {
		zc.OutputPaths = cfg.OutputPaths
	}
	zc.DisableCaller = !cfg.EnableCaller
	zc.DisableStacktrace = !cfg.EnableStacktrace
	return zc.Build()
}

// breakerEventHandler 把熔断器状态变化翻译成总线事件与指标
func breakerEventHandler(bus *events.Bus, collector *metrics.Collector) breaker.StateChangeHandler {
	return func(change breaker.StateChange) {
		var t events.Type
		switch change.NewState {
		case breaker.StateOpen:
			t = events.CircuitOpened
			if collector != nil {
				collector.RecordBreakerTrip(change.AgentID)
			}
		case breaker.StateHalfOpen:
			t = events.CircuitHalfOpened
		case breaker.StateClosed:
			t = events.CircuitClosed
		default:
			return
		}
		if collector != nil {
			collector.SetBreakerState(change.AgentID, int(change.NewState))
		}
		bus.Publish(events.Event{
			Type:    t,
			AgentID: change.AgentID,
			Payload: map[string]any{
				"old_state": change.OldState.String(),
				"new_state": change.NewState.String(),
				"failures":  change.Failures,
				"reason":    change.Reason,
			},
		})
	}
}

// RegisterAgent 注册一个 Worker 并建立画像
func (e *Engine) RegisterAgent(w types.Worker) {
	e.workers.Register(w)
	e.profiles.Register(w.ID(), w.Capabilities(), w.Metrics().Capacity)
	e.bus.Publish(events.Event{
		Type:    events.AgentRegistered,
		AgentID: w.ID(),
		Payload: map[string]any{"capabilities": w.Capabilities()},
	})
}

// UnregisterAgent 注销 Worker，清掉画像与熔断器
func (e *Engine) UnregisterAgent(agentID string) {
	e.workers.Unregister(agentID)
	e.profiles.Remove(agentID)
	e.breakers.Remove(agentID)
	e.bus.Publish(events.Event{Type: events.AgentUnregistered, AgentID: agentID})
}

// SubmitTask 异步提交任务，经优先级队列调度
func (e *Engine) SubmitTask(task *types.Task) (*types.Assignment, error) {
	return e.dist.Submit(task, "")
}

// SubmitTaskWithSession 异步提交任务并关联粘滞会话
func (e *Engine) SubmitTaskWithSession(task *types.Task, sessionID string) (*types.Assignment, error) {
	return e.dist.Submit(task, sessionID)
}

// Execute 同步执行任务（选择 + 熔断 + 重试）
func (e *Engine) Execute(ctx context.Context, task *types.Task, sessionID string) (*types.TaskResult, error) {
	return e.lb.Execute(ctx, task, sessionID)
}

// Orchestrate 按执行计划编排任务（多拓扑）
func (e *Engine) Orchestrate(ctx context.Context, task *types.Task) (*types.TaskResult, error) {
	return e.orch.Execute(ctx, task)
}

// InitiateCollaboration 创建协作会话
func (e *Engine) InitiateCollaboration(ctx context.Context, task *types.Task, participantIDs []string, mode collab.Mode) (string, error) {
	return e.collab.Initiate(ctx, task, participantIDs, mode)
}

// ExecuteCollaboration 执行协作会话
func (e *Engine) ExecuteCollaboration(ctx context.Context, sessionID string) (*types.TaskResult, error) {
	return e.collab.Execute(ctx, sessionID)
}

// RequestConsensus 向会话参与者征集共识
func (e *Engine) RequestConsensus(ctx context.Context, sessionID string, proposal map[string]any) (*collab.Decision, error) {
	return e.collab.RequestConsensus(ctx, sessionID, proposal)
}

// Negotiate 在会话内发起多轮协商
func (e *Engine) Negotiate(ctx context.Context, sessionID string, topic map[string]any) (*collab.Decision, error) {
	return e.collab.Negotiate(ctx, sessionID, topic)
}

// CancelSession 取消协作会话
func (e *Engine) CancelSession(sessionID string) error {
	return e.collab.Cancel(sessionID)
}

// Events 返回事件总线，调用方可订阅生命周期事件
func (e *Engine) Events() *events.Bus {
	return e.bus
}

// Profile 返回某个 Agent 的画像快照
func (e *Engine) Profile(agentID string) (profile.Profile, bool) {
	return e.profiles.Get(agentID)
}

// Assignment 返回任务的分配记录快照
func (e *Engine) Assignment(taskID string) (types.Assignment, bool) {
	return e.dist.Assignment(taskID)
}

// QueueDepth 当前排队任务数
func (e *Engine) QueueDepth() int {
	return e.dist.QueueDepth()
}

// BreakerStates 全部 Agent 的熔断器状态
func (e *Engine) BreakerStates() map[string]breaker.State {
	return e.breakers.States()
}

// Shutdown 优雅关闭：先排空分发器，再停事件总线
func (e *Engine) Shutdown(ctx context.Context) error {
	var err error
	e.stopOnce.Do(func() {
		err = e.dist.Shutdown(ctx)
		e.bus.Stop()
		if e.redisClient != nil {
			if cerr := e.redisClient.Close(); cerr != nil && err == nil {
				err = cerr
			}
		}
		e.logger.Info("scheduling engine stopped")
	})
	return err
}
