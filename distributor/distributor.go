package distributor

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"github.com/BaSui01/agentsched/balancer"
	"github.com/BaSui01/agentsched/events"
	"github.com/BaSui01/agentsched/internal/metrics"
	"github.com/BaSui01/agentsched/internal/pool"
	"github.com/BaSui01/agentsched/profile"
	"github.com/BaSui01/agentsched/strategy"
	"github.com/BaSui01/agentsched/types"
)

// Config 任务分发器配置
type Config struct {
	// QueueCapacity 优先级队列容量
	QueueCapacity int `json:"queue_capacity" yaml:"queue_capacity"`
	// MaxConcurrent 全局同时在途任务上限
	MaxConcurrent int64 `json:"max_concurrent" yaml:"max_concurrent"`
	// RatePerSecond 准入速率，0 表示不限速
	RatePerSecond float64 `json:"rate_per_second" yaml:"rate_per_second"`
	// RateBurst 准入突发量
	RateBurst int `json:"rate_burst" yaml:"rate_burst"`
	// TickInterval 队列排空的节拍间隔
	TickInterval time.Duration `json:"tick_interval" yaml:"tick_interval"`
	// MonitorInterval 健康监控间隔
	MonitorInterval time.Duration `json:"monitor_interval" yaml:"monitor_interval"`
	// DispatchWorkers 派发协程池大小
	DispatchWorkers int `json:"dispatch_workers" yaml:"dispatch_workers"`
	// OverloadThreshold 负载告警阈值（负载比例）
	OverloadThreshold float64 `json:"overload_threshold" yaml:"overload_threshold"`
	// UnderperformThreshold 成功率告警阈值
	UnderperformThreshold float64 `json:"underperform_threshold" yaml:"underperform_threshold"`
	// QueueSaturationThreshold 队列饱和告警阈值（占容量比例）
	QueueSaturationThreshold float64 `json:"queue_saturation_threshold" yaml:"queue_saturation_threshold"`
}

// DefaultConfig 默认分发器配置
func DefaultConfig() Config {
	return Config{
		QueueCapacity:            1024,
		MaxConcurrent:            64,
		RatePerSecond:            0,
		RateBurst:                1,
		TickInterval:             200 * time.Millisecond,
		MonitorInterval:          5 * time.Second,
		DispatchWorkers:          32,
		OverloadThreshold:        0.9,
		UnderperformThreshold:    0.7,
		QueueSaturationThreshold: 0.8,
	}
}

// Distributor 任务分发器
// 提交校验 → 需求派生 → 立即派发或按优先级排队；
// 节拍驱动的排空循环在容量释放后继续派发，完成事件会提前唤醒一轮。
// 执行结果统一经 RecordOutcome 回流画像与学习引擎。
type Distributor struct {
	cfg       Config
	queue     *queue
	lb        *balancer.LoadBalancer
	profiles  *profile.Store
	learning  strategy.LearningEngine
	bus       *events.Bus
	collector *metrics.Collector
	pool      *pool.Dispatch
	limiter   *rate.Limiter
	sem       *semaphore.Weighted
	logger    *zap.Logger

	assignMu    sync.RWMutex
	assignments map[string]*types.Assignment // taskID → 当前指派记录

	nudge        chan struct{}
	done         chan struct{}
	stopOnce     sync.Once
	loopWg       sync.WaitGroup
	inflight     sync.WaitGroup
	shuttingDown atomic.Bool
}

// New 创建任务分发器并启动排空与监控循环
// learning 为 nil 时不做结果学习；collector 为 nil 时不记指标
func New(cfg Config, lb *balancer.LoadBalancer, profiles *profile.Store,
	learning strategy.LearningEngine, bus *events.Bus, collector *metrics.Collector,
	logger *zap.Logger) *Distributor {
	if logger == nil {
		logger = zap.NewNop()
	}
	def := DefaultConfig()
	if cfg.QueueCapacity <= 0 {
		cfg.QueueCapacity = def.QueueCapacity
	}
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = def.MaxConcurrent
	}
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = def.TickInterval
	}
	if cfg.MonitorInterval <= 0 {
		cfg.MonitorInterval = def.MonitorInterval
	}
	if cfg.DispatchWorkers <= 0 {
		cfg.DispatchWorkers = def.DispatchWorkers
	}
	if cfg.OverloadThreshold <= 0 {
		cfg.OverloadThreshold = def.OverloadThreshold
	}
	if cfg.UnderperformThreshold <= 0 {
		cfg.UnderperformThreshold = def.UnderperformThreshold
	}
	if cfg.QueueSaturationThreshold <= 0 {
		cfg.QueueSaturationThreshold = def.QueueSaturationThreshold
	}

	limit := rate.Inf
	if cfg.RatePerSecond > 0 {
		limit = rate.Limit(cfg.RatePerSecond)
	}
	burst := cfg.RateBurst
	if burst <= 0 {
		burst = 1
	}

	d := &Distributor{
		cfg:      cfg,
		queue:    newQueue(cfg.QueueCapacity),
		lb:       lb,
		profiles: profiles,
		learning: learning,
		bus:      bus, collector: collector,
		limiter:     rate.NewLimiter(limit, burst),
		sem:         semaphore.NewWeighted(cfg.MaxConcurrent),
		logger:      logger.With(zap.String("component", "task_distributor")),
		assignments: make(map[string]*types.Assignment),
		nudge:       make(chan struct{}, 1),
		done:        make(chan struct{}),
	}
	d.pool = pool.New(pool.Config{
		MaxWorkers: cfg.DispatchWorkers,
		QueueSize:  cfg.QueueCapacity,
		PanicHandler: func(r any) {
			d.logger.Error("dispatch job panicked", zap.Any("recover", r))
		},
	})

	d.loopWg.Add(2)
	go d.drainLoop()
	go d.monitorLoop()
	return d
}

// Submit 提交任务
// 校验非空 id/type/payload，派生需求后排队并立即尝试派发一轮
func (d *Distributor) Submit(task *types.Task, sessionID string) (*types.Assignment, error) {
	if d.shuttingDown.Load() {
		return nil, types.Errorf(types.ErrShuttingDown, "distributor is shutting down")
	}
	if err := validate(task); err != nil {
		return nil, err
	}
	if task.CreatedAt.IsZero() {
		task.CreatedAt = time.Now()
	}

	req := DeriveRequirements(task, d.profiles)
	assignment := &types.Assignment{
		ID:                uuid.NewString(),
		TaskID:            task.ID,
		Status:            types.TaskStatusPending,
		EstimatedDuration: req.EstimatedDuration,
		CreatedAt:         time.Now(),
	}
	d.setAssignment(assignment)

	d.publish(events.TaskSubmitted, task.ID, "", sessionID, map[string]any{
		"task_type": task.Type,
		"priority":  req.Priority,
	})
	if d.collector != nil {
		d.collector.RecordTaskSubmitted(task.Type)
	}

	if err := d.enqueue(task, req, sessionID); err != nil {
		d.closeAssignment(task.ID, types.TaskStatusFailed)
		return nil, err
	}
	d.wake()
	snap, _ := d.Assignment(task.ID)
	return &snap, nil
}

func validate(task *types.Task) error {
	if task == nil {
		return types.NewError(types.ErrTaskInvalid, "task is nil")
	}
	if task.ID == "" {
		return types.NewError(types.ErrTaskInvalid, "task id is empty")
	}
	if task.Type == "" {
		return types.Errorf(types.ErrTaskInvalid, "task %s has no type", task.ID).WithTask(task.ID)
	}
	if len(task.Payload) == 0 {
		return types.Errorf(types.ErrTaskInvalid, "task %s has empty payload", task.ID).WithTask(task.ID)
	}
	return nil
}

func (d *Distributor) enqueue(task *types.Task, req *types.Requirements, sessionID string) error {
	if err := d.queue.push(&queued{task: task, req: req, sessionID: sessionID}); err != nil {
		return err
	}
	d.markStatus(task.ID, types.TaskStatusQueued, "")
	d.publish(events.TaskQueued, task.ID, "", sessionID, nil)
	if d.collector != nil {
		d.collector.SetQueueDepth(d.queue.len())
	}
	return nil
}

// Tick 手动驱动一轮队列排空（测试与嵌入方使用）
// 每轮在速率与全局并发允许的范围内尽量多地派发
func (d *Distributor) Tick() {
	for {
		if d.shuttingDown.Load() {
			return
		}
		// 先看队列再取令牌，空转节拍不能烧掉准入配额
		if d.queue.len() == 0 {
			return
		}
		if !d.limiter.Allow() {
			return
		}
		if !d.sem.TryAcquire(1) {
			return
		}
		item := d.queue.pop()
		if item == nil {
			d.sem.Release(1)
			return
		}
		if d.collector != nil {
			d.collector.SetQueueDepth(d.queue.len())
		}
		if expired(item.task) {
			d.sem.Release(1)
			d.failTask(item, types.Errorf(types.ErrTimeout,
				"task %s deadline passed before dispatch", item.task.ID).WithTask(item.task.ID))
			continue
		}
		d.dispatch(item)
	}
}

// dispatch 把队列项交给派发协程池异步执行
func (d *Distributor) dispatch(item *queued) {
	d.markStatus(item.task.ID, types.TaskStatusAssigned, "")
	d.inflight.Add(1)

	err := d.pool.Go(context.Background(), func(ctx context.Context) {
		defer d.inflight.Done()
		defer d.sem.Release(1)

		d.markStatus(item.task.ID, types.TaskStatusInProgress, "")
		start := time.Now()
		res, err := d.lb.ExecuteWithRequirements(ctx, item.task, item.req, item.sessionID)
		if err != nil {
			if types.IsCode(err, types.ErrSelectionFailed) {
				// 无合格候选不算失败，放回队列等下一个节拍
				// 这里不唤醒排空循环，避免在无候选时空转
				if d.collector != nil {
					d.collector.RecordSelectionMiss(item.task.Type)
				}
				d.requeue(item)
				return
			}
			d.failTask(item, err)
			d.wake()
			return
		}
		d.completeTask(item, res, time.Since(start))
		d.wake()
	})
	if err != nil {
		// 协程池收不下，放回队列等容量释放
		d.inflight.Done()
		d.sem.Release(1)
		d.requeue(item)
	}
}

func (d *Distributor) requeue(item *queued) {
	if err := d.queue.push(item); err != nil {
		d.failTask(item, err)
		return
	}
	d.markStatus(item.task.ID, types.TaskStatusQueued, "")
	d.publish(events.TaskQueued, item.task.ID, "", item.sessionID, map[string]any{
		"requeued": true,
	})
}

func (d *Distributor) completeTask(item *queued, res *types.TaskResult, elapsed time.Duration) {
	d.assignMu.Lock()
	if a, ok := d.assignments[item.task.ID]; ok && !a.Closed() {
		now := time.Now()
		a.AgentID = res.AgentID
		a.Status = types.TaskStatusCompleted
		a.ActualDuration = elapsed
		a.CompletedAt = &now
	}
	d.assignMu.Unlock()

	if d.collector != nil {
		d.collector.RecordTaskCompleted(item.task.Type, res.AgentID, res.ExecutionTime)
	}
	d.logger.Debug("task completed",
		zap.String("task_id", item.task.ID),
		zap.String("agent_id", res.AgentID),
		zap.Duration("duration", res.ExecutionTime))
}

// failTask 终态失败：关闭指派记录并携带完整上下文发事件
func (d *Distributor) failTask(item *queued, err error) {
	var agentID string
	var attempts int
	var engineErr *types.Error
	if errors.As(err, &engineErr) {
		agentID = engineErr.AgentID
		attempts = engineErr.Attempts
	}

	d.assignMu.Lock()
	if a, ok := d.assignments[item.task.ID]; ok && !a.Closed() {
		now := time.Now()
		a.AgentID = agentID
		a.Status = types.TaskStatusFailed
		a.RetryCount = attempts
		a.CompletedAt = &now
	}
	d.assignMu.Unlock()

	reason := string(types.CodeOf(err))
	d.publish(events.TaskFailed, item.task.ID, agentID, item.sessionID, map[string]any{
		"terminal": true,
		"reason":   reason,
		"attempts": attempts,
		"error":    err.Error(),
	})
	if d.collector != nil {
		d.collector.RecordTaskFailed(item.task.Type, reason)
	}
	d.logger.Warn("task failed terminally",
		zap.String("task_id", item.task.ID),
		zap.String("agent_id", agentID),
		zap.Int("attempts", attempts),
		zap.Error(err))
}

// RecordOutcome 执行结果的唯一回流通道（实现 balancer.Recorder）
// 更新画像并喂给学习引擎
func (d *Distributor) RecordOutcome(agentID, taskType string, duration time.Duration, success bool) {
	d.profiles.RecordCompletion(agentID, taskType, duration, success)
	if d.learning != nil {
		d.learning.Record(agentID, taskType, success, duration)
	}
}

// Assignment 返回任务的当前指派记录快照
func (d *Distributor) Assignment(taskID string) (types.Assignment, bool) {
	d.assignMu.RLock()
	defer d.assignMu.RUnlock()
	a, ok := d.assignments[taskID]
	if !ok {
		return types.Assignment{}, false
	}
	return *a, true
}

// QueueDepth 当前排队任务数
func (d *Distributor) QueueDepth() int {
	return d.queue.len()
}

// Shutdown 优雅关停：停止准入，等待在途任务直到 ctx 到期
func (d *Distributor) Shutdown(ctx context.Context) error {
	var err error
	d.stopOnce.Do(func() {
		d.shuttingDown.Store(true)
		close(d.done)
		d.loopWg.Wait()

		finished := make(chan struct{})
		go func() {
			d.inflight.Wait()
			d.pool.Close()
			close(finished)
		}()
		select {
		case <-finished:
		case <-ctx.Done():
			err = ctx.Err()
		}
		d.logger.Info("distributor stopped", zap.Int("queued_remaining", d.queue.len()))
	})
	return err
}

// drainLoop 节拍驱动的排空循环，完成唤醒会提前触发一轮
func (d *Distributor) drainLoop() {
	defer d.loopWg.Done()
	ticker := time.NewTicker(d.cfg.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			d.Tick()
		case <-d.nudge:
			d.Tick()
		case <-d.done:
			return
		}
	}
}

// monitorLoop 周期性健康巡检：过载、低成功率与队列饱和告警
func (d *Distributor) monitorLoop() {
	defer d.loopWg.Done()
	ticker := time.NewTicker(d.cfg.MonitorInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			d.inspect()
		case <-d.done:
			return
		}
	}
}

func (d *Distributor) inspect() {
	for _, p := range d.profiles.List() {
		if d.collector != nil {
			d.collector.SetAgentLoad(p.AgentID, p.CurrentLoad)
		}
		if p.LoadFraction() > d.cfg.OverloadThreshold {
			d.publish(events.AgentOverloaded, "", p.AgentID, "", map[string]any{
				"load":          p.CurrentLoad,
				"max":           p.MaxConcurrentTasks,
				"load_fraction": p.LoadFraction(),
			})
			d.logger.Warn("agent overloaded",
				zap.String("agent_id", p.AgentID),
				zap.Float64("load_fraction", p.LoadFraction()))
		}
		if p.SuccessRate < d.cfg.UnderperformThreshold {
			d.publish(events.AgentUnderperforming, "", p.AgentID, "", map[string]any{
				"success_rate": p.SuccessRate,
			})
			d.logger.Warn("agent underperforming",
				zap.String("agent_id", p.AgentID),
				zap.Float64("success_rate", p.SuccessRate))
		}
	}

	depth := d.queue.len()
	if d.collector != nil {
		d.collector.SetQueueDepth(depth)
	}
	if frac := float64(depth) / float64(d.queue.cap()); frac > d.cfg.QueueSaturationThreshold {
		d.publish(events.QueueSaturated, "", "", "", map[string]any{
			"depth":    depth,
			"capacity": d.queue.cap(),
		})
		d.logger.Warn("task queue saturated",
			zap.Int("depth", depth),
			zap.Int("capacity", d.queue.cap()))
	}
}

func (d *Distributor) setAssignment(a *types.Assignment) {
	d.assignMu.Lock()
	d.assignments[a.TaskID] = a
	d.assignMu.Unlock()
}

// markStatus 推进指派状态，已关闭的记录不再改动
func (d *Distributor) markStatus(taskID string, status types.TaskStatus, agentID string) {
	d.assignMu.Lock()
	defer d.assignMu.Unlock()
	a, ok := d.assignments[taskID]
	if !ok || a.Closed() {
		return
	}
	a.Status = status
	if agentID != "" {
		a.AgentID = agentID
	}
}

func (d *Distributor) closeAssignment(taskID string, status types.TaskStatus) {
	d.assignMu.Lock()
	defer d.assignMu.Unlock()
	if a, ok := d.assignments[taskID]; ok && !a.Closed() {
		now := time.Now()
		a.Status = status
		a.CompletedAt = &now
	}
}

// wake 非阻塞唤醒排空循环
func (d *Distributor) wake() {
	select {
	case d.nudge <- struct{}{}:
	default:
	}
}

func (d *Distributor) publish(t events.Type, taskID, agentID, sessionID string, payload map[string]any) {
	if d.bus == nil {
		return
	}
	d.bus.Publish(events.Event{
		Type:      t,
		TaskID:    taskID,
		AgentID:   agentID,
		SessionID: sessionID,
		Payload:   payload,
	})
}

func expired(task *types.Task) bool {
	return task.Deadline != nil && time.Now().After(*task.Deadline)
}
