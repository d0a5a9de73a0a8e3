package balancer

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/BaSui01/agentsched/breaker"
	"github.com/BaSui01/agentsched/events"
	"github.com/BaSui01/agentsched/profile"
	"github.com/BaSui01/agentsched/strategy"
	"github.com/BaSui01/agentsched/types"
)

// Config 负载均衡器配置
type Config struct {
	// MaxRetries 失败后的最大重试次数，总尝试数为 MaxRetries+1
	MaxRetries int `json:"max_retries" yaml:"max_retries"`
	// RetryBaseDelay 重试退避的初始间隔
	RetryBaseDelay time.Duration `json:"retry_base_delay" yaml:"retry_base_delay"`
	// RetryMaxDelay 重试退避的间隔上限
	RetryMaxDelay time.Duration `json:"retry_max_delay" yaml:"retry_max_delay"`
	// StickySessions 开启后同一会话的任务优先路由到上次的 Agent
	StickySessions bool `json:"sticky_sessions" yaml:"sticky_sessions"`
	// TaskTimeout 单次执行的超时时间
	TaskTimeout time.Duration `json:"task_timeout" yaml:"task_timeout"`
	// FailoverProbe 开启后，候选全部被熔断器挡住时对失败最少者强制半开
	// 关闭（默认）时此类任务返回选择失败交由上层排队
	FailoverProbe bool `json:"failover_probe" yaml:"failover_probe"`
}

// DefaultConfig 默认负载均衡器配置
func DefaultConfig() Config {
	return Config{
		MaxRetries:     3,
		RetryBaseDelay: 100 * time.Millisecond,
		RetryMaxDelay:  5 * time.Second,
		StickySessions: true,
		TaskTimeout:    2 * time.Minute,
	}
}

// Recorder 执行结果的唯一回流通道
// 画像与学习引擎的更新都经由它，负载均衡器自身不直接改写画像统计
type Recorder interface {
	RecordOutcome(agentID, taskType string, duration time.Duration, success bool)
}

// RecorderFunc 函数式 Recorder 适配器
type RecorderFunc func(agentID, taskType string, duration time.Duration, success bool)

func (f RecorderFunc) RecordOutcome(agentID, taskType string, duration time.Duration, success bool) {
	f(agentID, taskType, duration, success)
}

// storeRecorder 默认实现：直接写入画像存储
type storeRecorder struct {
	profiles *profile.Store
}

func (r *storeRecorder) RecordOutcome(agentID, taskType string, duration time.Duration, success bool) {
	r.profiles.RecordCompletion(agentID, taskType, duration, success)
}

// LoadBalancer 负载均衡器
// 选择（策略）→ 许可（熔断器）→ 占位（画像槽位）→ 执行 → 回流（Recorder）
// 失败按指数退避重试，每次重试重新走完整选择流程
type LoadBalancer struct {
	cfg      Config
	workers  *Registry
	profiles *profile.Store
	breakers *breaker.Registry
	strat    strategy.Strategy
	recorder Recorder
	bus      *events.Bus
	logger   *zap.Logger

	sessionMu sync.RWMutex
	sessions  map[string]string // sessionID → agentID
}

// New 创建负载均衡器
// recorder 为 nil 时结果直接写入画像存储；bus 为 nil 时不发事件
func New(cfg Config, workers *Registry, profiles *profile.Store, breakers *breaker.Registry,
	strat strategy.Strategy, recorder Recorder, bus *events.Bus, logger *zap.Logger) *LoadBalancer {
	if logger == nil {
		logger = zap.NewNop()
	}
	if strat == nil {
		strat = strategy.NewCapabilityMatch()
	}
	if recorder == nil {
		recorder = &storeRecorder{profiles: profiles}
	}
	def := DefaultConfig()
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.RetryBaseDelay <= 0 {
		cfg.RetryBaseDelay = def.RetryBaseDelay
	}
	if cfg.RetryMaxDelay <= 0 {
		cfg.RetryMaxDelay = def.RetryMaxDelay
	}
	if cfg.TaskTimeout <= 0 {
		cfg.TaskTimeout = def.TaskTimeout
	}
	return &LoadBalancer{
		cfg:      cfg,
		workers:  workers,
		profiles: profiles,
		breakers: breakers,
		strat:    strat,
		recorder: recorder,
		bus:      bus,
		logger:   logger.With(zap.String("component", "load_balancer")),
		sessions: make(map[string]string),
	}
}

// Execute 执行任务，需求从任务字段推导（类型、必需能力、优先级）
func (lb *LoadBalancer) Execute(ctx context.Context, task *types.Task, sessionID string) (*types.TaskResult, error) {
	req := &types.Requirements{
		TaskType:     task.Type,
		Capabilities: task.RequiredCapabilities,
		Priority:     task.Priority,
	}
	return lb.ExecuteWithRequirements(ctx, task, req, sessionID)
}

// ExecuteWithRequirements 以显式需求执行任务
// 选择失败（无合格候选）不重试，直接返回 SELECTION_FAILED 交由上层排队；
// 执行失败与超时按退避重试，耗尽后返回 RETRIES_EXHAUSTED 并携带完整上下文
func (lb *LoadBalancer) ExecuteWithRequirements(ctx context.Context, task *types.Task,
	req *types.Requirements, sessionID string) (*types.TaskResult, error) {

	expo := backoff.NewExponentialBackOff()
	expo.InitialInterval = lb.cfg.RetryBaseDelay
	expo.MaxInterval = lb.cfg.RetryMaxDelay
	expo.Multiplier = 2
	expo.RandomizationFactor = 0
	expo.MaxElapsedTime = 0
	policy := backoff.WithContext(backoff.WithMaxRetries(expo, uint64(lb.cfg.MaxRetries)), ctx)

	var (
		result      *types.TaskResult
		attempts    int
		lastAgentID string
		lastErr     error
	)

	op := func() error {
		attempts++
		res, agentID, err := lb.attempt(ctx, task, req, sessionID)
		if agentID != "" {
			lastAgentID = agentID
		}
		if err != nil {
			lastErr = err
			if !types.IsRetryable(err) {
				return backoff.Permanent(err)
			}
			return err
		}
		result = res
		return nil
	}

	if err := backoff.Retry(op, policy); err != nil {
		var perm *backoff.PermanentError
		if errors.As(err, &perm) {
			// 选择失败等不可重试错误原样返回
			return nil, perm.Unwrap()
		}
		if ctx.Err() != nil && lastErr == nil {
			lastErr = ctx.Err()
		}
		return nil, types.Errorf(types.ErrRetriesExhausted,
			"task %s failed after %d attempts", task.ID, attempts).
			WithTask(task.ID).
			WithAgent(lastAgentID).
			WithAttempts(attempts).
			WithCause(lastErr)
	}
	return result, nil
}

// attempt 单次尝试：选择 → 熔断许可 → 槽位 → 执行 → 回流
func (lb *LoadBalancer) attempt(ctx context.Context, task *types.Task,
	req *types.Requirements, sessionID string) (*types.TaskResult, string, error) {

	if err := ctx.Err(); err != nil {
		return nil, "", types.Errorf(types.ErrTimeout, "context done before attempt").
			WithTask(task.ID).WithRetryable(false).WithCause(err)
	}

	agentID, err := lb.pick(req, sessionID)
	if err != nil {
		return nil, "", err
	}

	// 先占槽位再问熔断器：半开探测一旦被认领就必须跟随一次真实执行
	if err := lb.profiles.AcquireSlot(agentID); err != nil {
		return nil, agentID, err
	}
	defer lb.profiles.ReleaseSlot(agentID)

	br := lb.breakers.GetOrCreate(agentID)
	if err := br.Allow(); err != nil {
		lb.clearSession(sessionID, agentID)
		return nil, agentID, err
	}

	w, ok := lb.workers.Get(agentID)
	if !ok {
		return nil, agentID, types.Errorf(types.ErrAgentNotFound,
			"agent %s vanished after selection", agentID).WithRetryable(true)
	}

	lb.publish(events.TaskStarted, task.ID, agentID, sessionID, nil)

	execCtx, cancel := context.WithTimeout(ctx, lb.cfg.TaskTimeout)
	defer cancel()

	start := time.Now()
	res, execErr := w.Execute(execCtx, task)
	duration := time.Since(start)

	success := execErr == nil && res != nil && res.Success
	if success {
		br.RecordSuccess()
	} else {
		br.RecordFailure()
	}
	lb.recorder.RecordOutcome(agentID, task.Type, duration, success)

	if success {
		if lb.cfg.StickySessions && sessionID != "" {
			lb.setSession(sessionID, agentID)
		}
		lb.publish(events.TaskCompleted, task.ID, agentID, sessionID, map[string]any{
			"duration": duration.String(),
		})
		res.AgentID = agentID
		res.ExecutionTime = duration
		return res, agentID, nil
	}

	lb.clearSession(sessionID, agentID)
	lb.publish(events.TaskFailed, task.ID, agentID, sessionID, nil)

	if execErr != nil {
		code := types.ErrExecutionFailed
		if execCtx.Err() == context.DeadlineExceeded {
			code = types.ErrTimeout
		}
		return nil, agentID, types.Errorf(code, "agent %s execution failed", agentID).
			WithTask(task.ID).WithAgent(agentID).WithCause(execErr)
	}
	errMsg := "unsuccessful result"
	if res != nil && res.Error != "" {
		errMsg = res.Error
	}
	return nil, agentID, types.Errorf(types.ErrExecutionFailed,
		"agent %s returned failure: %s", agentID, errMsg).
		WithTask(task.ID).WithAgent(agentID)
}

// pick 选出执行 Agent
// 粘性会话命中且 Agent 仍健康、熔断未打开、有空闲槽位时直接复用；
// 否则走 预筛 → 健康过滤 → 熔断过滤 → 策略选择，
// 候选全部被熔断器挡住时对失败最少者强制半开做故障转移
func (lb *LoadBalancer) pick(req *types.Requirements, sessionID string) (string, error) {
	if lb.cfg.StickySessions && sessionID != "" {
		if id, ok := lb.stickyCandidate(sessionID); ok {
			return id, nil
		}
	}

	candidates := strategy.Filter(req, lb.profiles.List(), lb.workers.Metrics)

	healthy := candidates[:0]
	for _, p := range candidates {
		if h, ok := lb.workers.Health(p.AgentID); !ok || h == types.HealthUnhealthy {
			continue
		}
		healthy = append(healthy, p)
	}

	open := make([]string, 0)
	admitted := make([]profile.Profile, 0, len(healthy))
	now := time.Now()
	for _, p := range healthy {
		if b := lb.breakers.Get(p.AgentID); b != nil &&
			b.State() == breaker.StateOpen && now.Before(b.NextRetryAt()) {
			open = append(open, p.AgentID)
			continue
		}
		admitted = append(admitted, p)
	}

	if len(admitted) == 0 {
		if lb.cfg.FailoverProbe && len(open) > 0 {
			if forced := lb.breakers.ForceHalfOpenLeastFailed(open); forced != "" {
				return forced, nil
			}
		}
		return "", types.Errorf(types.ErrSelectionFailed,
			"no eligible agent for capabilities %v", req.Capabilities)
	}

	return lb.strat.Select(req, admitted)
}

// stickyCandidate 检查粘性会话映射是否仍然可用
func (lb *LoadBalancer) stickyCandidate(sessionID string) (string, bool) {
	lb.sessionMu.RLock()
	agentID, ok := lb.sessions[sessionID]
	lb.sessionMu.RUnlock()
	if !ok {
		return "", false
	}

	h, ok := lb.workers.Health(agentID)
	if !ok || h == types.HealthUnhealthy {
		lb.clearSession(sessionID, agentID)
		return "", false
	}
	if b := lb.breakers.Get(agentID); b != nil && b.State() != breaker.StateClosed {
		return "", false
	}
	p, ok := lb.profiles.Get(agentID)
	if !ok || !p.Available() {
		return "", false
	}
	return agentID, true
}

func (lb *LoadBalancer) setSession(sessionID, agentID string) {
	lb.sessionMu.Lock()
	lb.sessions[sessionID] = agentID
	lb.sessionMu.Unlock()
}

// clearSession 仅当映射仍指向该 Agent 时删除，避免覆盖并发更新
func (lb *LoadBalancer) clearSession(sessionID, agentID string) {
	if sessionID == "" {
		return
	}
	lb.sessionMu.Lock()
	if lb.sessions[sessionID] == agentID {
		delete(lb.sessions, sessionID)
	}
	lb.sessionMu.Unlock()
}

// SessionAgent 返回会话当前绑定的 Agent（可观测用）
func (lb *LoadBalancer) SessionAgent(sessionID string) (string, bool) {
	lb.sessionMu.RLock()
	defer lb.sessionMu.RUnlock()
	id, ok := lb.sessions[sessionID]
	return id, ok
}

func (lb *LoadBalancer) publish(t events.Type, taskID, agentID, sessionID string, payload map[string]any) {
	if lb.bus == nil {
		return
	}
	lb.bus.Publish(events.Event{
		Type:      t,
		TaskID:    taskID,
		AgentID:   agentID,
		SessionID: sessionID,
		Payload:   payload,
	})
}
