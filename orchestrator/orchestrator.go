package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/BaSui01/agentsched/balancer"
	"github.com/BaSui01/agentsched/types"
)

// State 任务编排状态
type State string

const (
	StatePending    State = "pending"
	StatePlanning   State = "planning"
	StateExecuting  State = "executing"
	StateValidating State = "validating"
	StateCompleted  State = "completed"
	StateFailed     State = "failed"
)

// Config 编排器配置
type Config struct {
	// DefaultRetryBudget 任务级重试预算，任务自身未声明时使用
	DefaultRetryBudget int `json:"default_retry_budget" yaml:"default_retry_budget"`
	// StepTimeout 单步默认超时
	StepTimeout time.Duration `json:"step_timeout" yaml:"step_timeout"`
}

// DefaultConfig 默认编排器配置
func DefaultConfig() Config {
	return Config{
		DefaultRetryBudget: 2,
		StepTimeout:        2 * time.Minute,
	}
}

// Planner 规划能力（外部协作者）
// 返回的计划经结构校验后执行
type Planner interface {
	Plan(ctx context.Context, task *types.Task) (*ExecutionPlan, error)
}

// Validator 结果校验能力（外部协作者）
// 仅在任务声明 ValidationRequired 时调用
type Validator interface {
	Validate(ctx context.Context, task *types.Task, result *types.TaskResult) (*ValidationResult, error)
}

// ValidationResult 校验结论
type ValidationResult struct {
	IsValid    bool     `json:"is_valid"`
	Confidence float64  `json:"confidence,omitempty"`
	Reasons    []string `json:"reasons,omitempty"`
}

// StepRunner 执行计划中的一步
type StepRunner interface {
	RunStep(ctx context.Context, task *types.Task, step *PlanStep, input any) (*types.TaskResult, error)
}

// CollabRunner dynamic 拓扑的委托目标
type CollabRunner interface {
	RunDynamic(ctx context.Context, task *types.Task) (*types.TaskResult, error)
}

// Orchestrator 任务编排器
// 状态机 pending → planning → executing → validating → completed|failed
// Agent 级失败在负载均衡器内重试，任务级失败消耗任务自身的重试预算；
// 两层预算都耗尽后带完整上下文（任务、最后 Agent、尝试次数）终态失败
type Orchestrator struct {
	cfg       Config
	planner   Planner
	validator Validator
	runner    StepRunner
	collab    CollabRunner
	tracer    trace.Tracer
	logger    *zap.Logger

	mu     sync.RWMutex
	states map[string]State
}

// New 创建编排器
// planner 为 nil 时使用单步默认规划；validator 为 nil 时用本地置信度检查；
// collab 为 nil 时 dynamic 拓扑不可用
func New(cfg Config, planner Planner, validator Validator, runner StepRunner,
	collab CollabRunner, logger *zap.Logger) *Orchestrator {
	if logger == nil {
		logger = zap.NewNop()
	}
	def := DefaultConfig()
	if cfg.DefaultRetryBudget < 0 {
		cfg.DefaultRetryBudget = 0
	}
	if cfg.StepTimeout <= 0 {
		cfg.StepTimeout = def.StepTimeout
	}
	if planner == nil {
		planner = &singleStepPlanner{}
	}
	if validator == nil {
		validator = &confidenceValidator{}
	}
	return &Orchestrator{
		cfg:       cfg,
		planner:   planner,
		validator: validator,
		runner:    runner,
		collab:    collab,
		tracer:    otel.Tracer("agentsched/orchestrator"),
		logger:    logger.With(zap.String("component", "orchestrator")),
		states:    make(map[string]State),
	}
}

// State 返回任务的当前编排状态
func (o *Orchestrator) State(taskID string) (State, bool) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	s, ok := o.states[taskID]
	return s, ok
}

func (o *Orchestrator) setState(taskID string, s State) {
	o.mu.Lock()
	o.states[taskID] = s
	o.mu.Unlock()
}

// Execute 编排执行一个任务
// 每轮：规划 → 按拓扑执行（主计划失败按序尝试降级计划）→ 可选校验；
// 校验失败触发整个任务的重试，直到任务级预算耗尽
func (o *Orchestrator) Execute(ctx context.Context, task *types.Task) (*types.TaskResult, error) {
	ctx, span := o.tracer.Start(ctx, "orchestrate",
		trace.WithAttributes(
			attribute.String("task.id", task.ID),
			attribute.String("task.type", task.Type),
		))
	defer span.End()

	o.setState(task.ID, StatePending)

	budget := task.RetryBudget
	if budget <= 0 {
		budget = o.cfg.DefaultRetryBudget
	}

	var lastErr error
	attempts := 0
	for attempt := 0; attempt <= budget; attempt++ {
		attempts++
		result, err := o.runOnce(ctx, task, attempt)
		if err == nil {
			o.setState(task.ID, StateCompleted)
			span.SetAttributes(attribute.Int("orchestrate.attempts", attempts))
			return result, nil
		}
		lastErr = err
		o.logger.Warn("orchestration attempt failed",
			zap.String("task_id", task.ID),
			zap.Int("attempt", attempt+1),
			zap.Error(err))
		if ctx.Err() != nil {
			break
		}
	}

	o.setState(task.ID, StateFailed)
	span.SetStatus(codes.Error, "orchestration failed")

	agentID := ""
	var engineErr *types.Error
	if errors.As(lastErr, &engineErr) {
		agentID = engineErr.AgentID
	}
	return nil, types.Errorf(types.ErrRetriesExhausted,
		"task %s failed after %d orchestration attempts", task.ID, attempts).
		WithTask(task.ID).
		WithAgent(agentID).
		WithAttempts(attempts).
		WithCause(lastErr)
}

// runOnce 一轮完整的 规划→执行→校验
func (o *Orchestrator) runOnce(ctx context.Context, task *types.Task, attempt int) (*types.TaskResult, error) {
	o.setState(task.ID, StatePlanning)
	ctx, span := o.tracer.Start(ctx, "orchestrate.attempt",
		trace.WithAttributes(attribute.Int("attempt", attempt+1)))
	defer span.End()

	plan, err := o.planner.Plan(ctx, task)
	if err != nil {
		span.SetStatus(codes.Error, "planning failed")
		return nil, types.Errorf(types.ErrPlanningFailed, "planning for task %s failed", task.ID).
			WithTask(task.ID).WithCause(err)
	}
	if err := plan.validate(); err != nil {
		span.SetStatus(codes.Error, "invalid plan")
		return nil, err
	}

	o.setState(task.ID, StateExecuting)
	result, err := o.executePlan(ctx, task, plan)
	if err != nil {
		// 主计划失败后按序尝试降级计划
		for _, fb := range plan.Fallbacks {
			if vErr := fb.validate(); vErr != nil {
				o.logger.Warn("skipping invalid fallback plan",
					zap.String("task_id", task.ID), zap.Error(vErr))
				continue
			}
			o.logger.Info("trying fallback plan",
				zap.String("task_id", task.ID), zap.String("plan_id", fb.ID))
			if result, err = o.executePlan(ctx, task, fb); err == nil {
				break
			}
		}
	}
	if err != nil {
		span.SetStatus(codes.Error, "execution failed")
		return nil, err
	}

	if task.Quality != nil && task.Quality.ValidationRequired {
		o.setState(task.ID, StateValidating)
		verdict, err := o.validator.Validate(ctx, task, result)
		if err != nil {
			return nil, types.Errorf(types.ErrValidationFailed,
				"validator errored for task %s", task.ID).WithTask(task.ID).WithCause(err)
		}
		if !verdict.IsValid {
			return nil, types.Errorf(types.ErrValidationFailed,
				"task %s result rejected by validator: %v", task.ID, verdict.Reasons).
				WithTask(task.ID)
		}
	}
	return result, nil
}

func (o *Orchestrator) executePlan(ctx context.Context, task *types.Task, plan *ExecutionPlan) (*types.TaskResult, error) {
	switch plan.Topology {
	case TopologySequential, TopologyPipeline:
		// 流水线的阶段契约已在计划校验时检查
		return o.runSequential(ctx, task, plan)
	case TopologyParallel:
		return o.runParallel(ctx, task, plan)
	case TopologyGraph:
		return o.runGraph(ctx, task, plan)
	case TopologyDynamic:
		if o.collab == nil {
			return nil, types.Errorf(types.ErrPlanningFailed,
				"dynamic topology requires a collaboration runner").WithTask(task.ID)
		}
		return o.collab.RunDynamic(ctx, task)
	default:
		return nil, types.Errorf(types.ErrPlanningFailed,
			"unknown topology %q", plan.Topology).WithTask(task.ID)
	}
}

// runSequential 顺序拓扑：每步消费上一步的输出
func (o *Orchestrator) runSequential(ctx context.Context, task *types.Task, plan *ExecutionPlan) (*types.TaskResult, error) {
	var input any = task.Payload
	var last *types.TaskResult
	for _, step := range plan.Steps {
		res, err := o.runStep(ctx, task, step, input)
		if err != nil {
			return nil, err
		}
		input = res.Data
		last = res
	}
	return last, nil
}

// runParallel 并发拓扑：所有步骤消费同一输入，非空结果按步骤 ID 合并
func (o *Orchestrator) runParallel(ctx context.Context, task *types.Task, plan *ExecutionPlan) (*types.TaskResult, error) {
	g, gctx := errgroup.WithContext(ctx)

	var mu sync.Mutex
	merged := make(map[string]any, len(plan.Steps))
	for _, step := range plan.Steps {
		step := step
		g.Go(func() error {
			res, err := o.runStep(gctx, task, step, task.Payload)
			if err != nil {
				return err
			}
			if res.Data != nil {
				mu.Lock()
				merged[step.ID] = res.Data
				mu.Unlock()
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return &types.TaskResult{TaskID: task.ID, Success: true, Data: merged}, nil
}

// runGraph 图拓扑：按依赖分批执行，每个节点的输入是其依赖输出的汇集
func (o *Orchestrator) runGraph(ctx context.Context, task *types.Task, plan *ExecutionPlan) (*types.TaskResult, error) {
	waves, err := plan.Graph.TopoSort()
	if err != nil {
		return nil, err
	}

	var mu sync.Mutex
	outputs := make(map[string]any, len(plan.Steps))
	for _, wave := range waves {
		g, gctx := errgroup.WithContext(ctx)
		for _, nodeID := range wave {
			step := plan.step(nodeID)
			if step == nil {
				return nil, types.Errorf(types.ErrPlanningFailed,
					"graph node %s has no matching step", nodeID).WithTask(task.ID)
			}
			g.Go(func() error {
				mu.Lock()
				input := nodeInput(task, plan.Graph, step.ID, outputs)
				mu.Unlock()

				res, err := o.runStep(gctx, task, step, input)
				if err != nil {
					return err
				}
				mu.Lock()
				outputs[step.ID] = res.Data
				mu.Unlock()
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return nil, err
		}
	}
	return &types.TaskResult{TaskID: task.ID, Success: true, Data: outputs}, nil
}

// nodeInput 汇集节点依赖的输出，无依赖的根节点消费任务载荷
func nodeInput(task *types.Task, graph *DependencyGraph, nodeID string, outputs map[string]any) any {
	deps := graph.Dependencies(nodeID)
	if len(deps) == 0 {
		return task.Payload
	}
	input := make(map[string]any, len(deps))
	for _, dep := range deps {
		input[dep] = outputs[dep]
	}
	return input
}

func (o *Orchestrator) runStep(ctx context.Context, task *types.Task, step *PlanStep, input any) (*types.TaskResult, error) {
	timeout := step.Timeout
	if timeout <= 0 {
		timeout = o.cfg.StepTimeout
	}
	stepCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	stepCtx, span := o.tracer.Start(stepCtx, "orchestrate.step",
		trace.WithAttributes(
			attribute.String("step.id", step.ID),
			attribute.String("step.capability", step.Capability),
		))
	defer span.End()

	res, err := o.runner.RunStep(stepCtx, task, step, input)
	if err != nil {
		span.SetStatus(codes.Error, "step failed")
		return nil, err
	}
	return res, nil
}

// ---------------------------------------------------------------------------
// 默认实现
// ---------------------------------------------------------------------------

// singleStepPlanner 默认规划：单步顺序计划，能力取任务声明或类型标签
type singleStepPlanner struct{}

func (p *singleStepPlanner) Plan(_ context.Context, task *types.Task) (*ExecutionPlan, error) {
	capability := task.Type
	if len(task.RequiredCapabilities) > 0 {
		capability = task.RequiredCapabilities[0]
	}
	return &ExecutionPlan{
		ID:       uuid.NewString(),
		TaskID:   task.ID,
		Topology: TopologySequential,
		Steps: []*PlanStep{
			{ID: "execute", Capability: capability},
		},
	}, nil
}

// confidenceValidator 默认校验：检查结果成功位与最低置信度
type confidenceValidator struct{}

func (v *confidenceValidator) Validate(_ context.Context, task *types.Task, result *types.TaskResult) (*ValidationResult, error) {
	if result == nil || !result.Success {
		return &ValidationResult{IsValid: false, Reasons: []string{"result unsuccessful"}}, nil
	}
	if task.Quality != nil && task.Quality.MinConfidence > 0 && result.Confidence < task.Quality.MinConfidence {
		return &ValidationResult{
			IsValid:    false,
			Confidence: result.Confidence,
			Reasons: []string{fmt.Sprintf("confidence %.2f below required %.2f",
				result.Confidence, task.Quality.MinConfidence)},
		}, nil
	}
	return &ValidationResult{IsValid: true, Confidence: result.Confidence}, nil
}

// BalancerRunner 默认步骤执行器：把步骤包装成子任务交给负载均衡器
type BalancerRunner struct {
	lb *balancer.LoadBalancer
}

// NewBalancerRunner 创建基于负载均衡器的步骤执行器
func NewBalancerRunner(lb *balancer.LoadBalancer) *BalancerRunner {
	return &BalancerRunner{lb: lb}
}

func (r *BalancerRunner) RunStep(ctx context.Context, task *types.Task, step *PlanStep, input any) (*types.TaskResult, error) {
	subTask := &types.Task{
		ID:                   fmt.Sprintf("%s/%s", task.ID, step.ID),
		Type:                 task.Type,
		Priority:             task.Priority,
		RequiredCapabilities: []string{step.Capability},
		Payload:              map[string]any{"input": input},
		Metadata:             task.Metadata,
		CreatedAt:            time.Now(),
	}
	req := &types.Requirements{
		TaskType:     task.Type,
		Capabilities: []string{step.Capability},
		Priority:     task.Priority,
	}
	return r.lb.ExecuteWithRequirements(ctx, subTask, req, "")
}
