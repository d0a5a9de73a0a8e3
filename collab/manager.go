package collab

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/BaSui01/agentsched/events"
	"github.com/BaSui01/agentsched/internal/metrics"
	"github.com/BaSui01/agentsched/profile"
	"github.com/BaSui01/agentsched/types"
)

// Config 协作管理器配置
type Config struct {
	// ConsensusThreshold 达成共识所需的赞成比例，[0,1]
	ConsensusThreshold float64 `json:"consensus_threshold" yaml:"consensus_threshold"`
	// MaxDepth 协商轮数上限
	MaxDepth int `json:"max_depth" yaml:"max_depth"`
	// RoundTimeout 单轮（投票/提案收集）超时
	RoundTimeout time.Duration `json:"round_timeout" yaml:"round_timeout"`
	// CompetitiveDeadline 竞争模式的共享截止时间
	CompetitiveDeadline time.Duration `json:"competitive_deadline" yaml:"competitive_deadline"`
	// ParticipantTimeout 单个参与者一次执行的超时
	ParticipantTimeout time.Duration `json:"participant_timeout" yaml:"participant_timeout"`
	// LockTTL 黑板写锁的存活时间
	LockTTL time.Duration `json:"lock_ttl" yaml:"lock_ttl"`
	// Protocol 会话消息协议：direct/broadcast/pub-sub/blackboard
	Protocol string `json:"protocol" yaml:"protocol"`
}

// DefaultConfig 默认协作配置
func DefaultConfig() Config {
	return Config{
		ConsensusThreshold:  0.6,
		MaxDepth:            5,
		RoundTimeout:        10 * time.Second,
		CompetitiveDeadline: 30 * time.Second,
		ParticipantTimeout:  time.Minute,
		LockTTL:             5 * time.Second,
		Protocol:            "broadcast",
	}
}

// WorkerResolver 参与者解析接口（由工作者注册表实现）
type WorkerResolver interface {
	Get(agentID string) (types.Worker, bool)
}

// Elector 层级模式的协调者选举规则，可插拔
type Elector interface {
	Elect(candidates []profile.Profile) string
}

// Evaluator 竞争模式的胜者评估规则，可插拔
type Evaluator interface {
	Evaluate(results map[string]*types.TaskResult) string
}

// Manager 协作管理器
// 管理六种模式的会话生命周期：初始化、执行、共识与协商
type Manager struct {
	cfg       Config
	workers   WorkerResolver
	profiles  *profile.Store
	store     MessageStore
	bus       *events.Bus
	collector *metrics.Collector
	elector   Elector
	evaluator Evaluator
	logger    *zap.Logger

	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewManager 创建协作管理器
// store 为 nil 时使用进程内消息存储；elector/evaluator 为 nil 时用默认规则
func NewManager(cfg Config, workers WorkerResolver, profiles *profile.Store,
	store MessageStore, bus *events.Bus, collector *metrics.Collector,
	elector Elector, evaluator Evaluator, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	def := DefaultConfig()
	if cfg.ConsensusThreshold <= 0 || cfg.ConsensusThreshold > 1 {
		cfg.ConsensusThreshold = def.ConsensusThreshold
	}
	if cfg.MaxDepth <= 0 {
		cfg.MaxDepth = def.MaxDepth
	}
	if cfg.RoundTimeout <= 0 {
		cfg.RoundTimeout = def.RoundTimeout
	}
	if cfg.CompetitiveDeadline <= 0 {
		cfg.CompetitiveDeadline = def.CompetitiveDeadline
	}
	if cfg.ParticipantTimeout <= 0 {
		cfg.ParticipantTimeout = def.ParticipantTimeout
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = def.LockTTL
	}
	if cfg.Protocol == "" {
		cfg.Protocol = def.Protocol
	}
	if store == nil {
		store = NewMemoryStore()
	}
	if elector == nil {
		elector = &performanceElector{}
	}
	if evaluator == nil {
		evaluator = &confidenceEvaluator{}
	}
	return &Manager{
		cfg:       cfg,
		workers:   workers,
		profiles:  profiles,
		store:     store,
		bus:       bus,
		collector: collector,
		elector:   elector,
		evaluator: evaluator,
		logger:    logger.With(zap.String("component", "collab_manager")),
		sessions:  make(map[string]*Session),
	}
}

// Initiate 创建协作会话并做模式初始化，返回会话 ID
func (m *Manager) Initiate(ctx context.Context, task *types.Task, participantIDs []string, mode Mode) (string, error) {
	if !mode.valid() {
		return "", types.Errorf(types.ErrTaskInvalid, "unknown collaboration mode %q", mode)
	}
	if len(participantIDs) == 0 {
		return "", types.NewError(types.ErrTaskInvalid, "collaboration requires at least one participant")
	}
	for _, id := range participantIDs {
		if _, ok := m.workers.Get(id); !ok {
			return "", types.Errorf(types.ErrAgentNotFound, "participant %s not registered", id).WithAgent(id)
		}
	}

	session := &Session{
		ID:           uuid.NewString(),
		TaskID:       task.ID,
		Mode:         mode,
		Protocol:     m.sessionProtocol(mode),
		Participants: append([]string(nil), participantIDs...),
		CreatedAt:    time.Now(),
		status:       SessionActive,
		task:         task,
	}
	session.hub = NewMessageHub(session.ID, participantIDs, m.store, m.logger)

	if err := m.initMode(ctx, session); err != nil {
		session.hub.Close()
		return "", err
	}

	m.mu.Lock()
	m.sessions[session.ID] = session
	m.mu.Unlock()

	m.publish(events.CollaborationStarted, session, nil)
	if m.collector != nil {
		m.collector.RecordCollaborationSession(string(mode))
	}
	m.logger.Info("collaboration session started",
		zap.String("session_id", session.ID),
		zap.String("mode", string(mode)),
		zap.Int("participants", len(participantIDs)))
	return session.ID, nil
}

// sessionProtocol 会话使用的消息协议；蜂群模式固定走黑板
func (m *Manager) sessionProtocol(mode Mode) string {
	if mode == ModeSwarm {
		return "blackboard"
	}
	return m.cfg.Protocol
}

// initMode 模式专属初始化
func (m *Manager) initMode(ctx context.Context, s *Session) error {
	switch s.Mode {
	case ModeHierarchical:
		s.Coordinator = m.electCoordinator(s.Participants)
		for _, id := range s.Participants {
			role := "subordinate"
			if id == s.Coordinator {
				role = "coordinator"
			}
			msg := NewMessage(s.ID, "", id, MsgRoleAssignment, map[string]any{
				"role":        role,
				"coordinator": s.Coordinator,
			})
			if err := s.hub.Send(ctx, msg); err != nil {
				return err
			}
		}

	case ModePeerToPeer:
		return s.hub.Send(ctx, NewMessage(s.ID, "", "", MsgRoleAssignment, map[string]any{
			"role": "peer",
		}))

	case ModeSwarm:
		s.blackboard = NewBlackboard()
		if err := s.blackboard.Write("", "goal", deriveGoal(s.task)); err != nil {
			return err
		}

	case ModePipeline:
		for i, id := range s.Participants {
			content := map[string]any{"stage": i}
			if i > 0 {
				content["predecessor"] = s.Participants[i-1]
			}
			if i+1 < len(s.Participants) {
				content["successor"] = s.Participants[i+1]
			}
			if err := s.hub.Send(ctx, NewMessage(s.ID, "", id, MsgRoleAssignment, content)); err != nil {
				return err
			}
		}

	case ModeCompetitive:
		return s.hub.Send(ctx, NewMessage(s.ID, "", "", MsgGoal, map[string]any{
			"deadline": time.Now().Add(m.cfg.CompetitiveDeadline),
		}))

	case ModeCooperative:
		return s.hub.Send(ctx, NewMessage(s.ID, "", "", MsgGoal, map[string]any{
			"goal": deriveGoal(s.task),
		}))
	}
	return nil
}

// deriveGoal 从任务派生共享目标描述
func deriveGoal(task *types.Task) map[string]any {
	return map[string]any{
		"task_id":   task.ID,
		"task_type": task.Type,
		"payload":   task.Payload,
	}
}

// Session 按 ID 查找会话
func (m *Manager) Session(sessionID string) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return nil, types.Errorf(types.ErrSessionNotFound, "session %s not found", sessionID)
	}
	return s, nil
}

// Cancel 取消会话
func (m *Manager) Cancel(sessionID string) error {
	s, err := m.Session(sessionID)
	if err != nil {
		return err
	}
	if !s.setStatus(SessionCancelled) {
		return types.Errorf(types.ErrSessionClosed, "session %s already closed", sessionID)
	}
	s.hub.Close()
	m.publish(events.CollaborationCompleted, s, map[string]any{"cancelled": true})
	return nil
}

// Execute 按会话模式执行任务并产出会话结果
func (m *Manager) Execute(ctx context.Context, sessionID string) (*types.TaskResult, error) {
	s, err := m.Session(sessionID)
	if err != nil {
		return nil, err
	}
	if !s.active() {
		return nil, types.Errorf(types.ErrSessionClosed,
			"session %s is %s", sessionID, s.Status())
	}

	var result *types.TaskResult
	switch s.Mode {
	case ModeHierarchical:
		result, err = m.runHierarchical(ctx, s)
	case ModePeerToPeer:
		result, err = m.runPeerToPeer(ctx, s)
	case ModeSwarm:
		result, err = m.runSwarm(ctx, s)
	case ModePipeline:
		result, err = m.runPipeline(ctx, s)
	case ModeCompetitive:
		result, err = m.runCompetitive(ctx, s)
	case ModeCooperative:
		result, err = m.runCooperative(ctx, s)
	}

	if err != nil {
		s.setStatus(SessionFailed)
		s.hub.Close()
		m.publish(events.CollaborationCompleted, s, map[string]any{"failed": true})
		return nil, err
	}

	s.setResult(result)
	s.setStatus(SessionCompleted)
	s.hub.Close()
	m.publish(events.CollaborationCompleted, s, nil)
	return result, nil
}

// runParticipant 以会话任务为模板执行单个参与者
func (m *Manager) runParticipant(ctx context.Context, s *Session, agentID string, payload map[string]any) (*types.TaskResult, error) {
	w, ok := m.workers.Get(agentID)
	if !ok {
		return nil, types.Errorf(types.ErrAgentNotFound, "participant %s not registered", agentID).WithAgent(agentID)
	}

	subCtx, cancel := context.WithTimeout(ctx, m.cfg.ParticipantTimeout)
	defer cancel()

	task := &types.Task{
		ID:        s.TaskID + "/" + agentID,
		Type:      s.task.Type,
		Priority:  s.task.Priority,
		Payload:   payload,
		Metadata:  s.task.Metadata,
		CreatedAt: time.Now(),
	}
	res, err := w.Execute(subCtx, task)
	if err != nil {
		return nil, types.Errorf(types.ErrExecutionFailed,
			"participant %s failed", agentID).WithAgent(agentID).WithTask(s.TaskID).WithCause(err)
	}
	return res, nil
}

// runHierarchical 协调者执行任务，下属作为后备
func (m *Manager) runHierarchical(ctx context.Context, s *Session) (*types.TaskResult, error) {
	res, err := m.runParticipant(ctx, s, s.Coordinator, s.task.Payload)
	if err == nil && res.Success {
		res.AgentID = s.Coordinator
		return res, nil
	}

	// 协调者失败时按选举顺序让下属顶替
	for _, id := range s.Participants {
		if id == s.Coordinator {
			continue
		}
		if res, err = m.runParticipant(ctx, s, id, s.task.Payload); err == nil && res.Success {
			res.AgentID = id
			return res, nil
		}
	}
	return nil, types.Errorf(types.ErrExecutionFailed,
		"all participants of session %s failed", s.ID).WithTask(s.TaskID)
}

// runPeerToPeer 全员并发执行，评估规则选出最优结果
func (m *Manager) runPeerToPeer(ctx context.Context, s *Session) (*types.TaskResult, error) {
	results := m.runAll(ctx, s, s.task.Payload)
	if len(results) == 0 {
		return nil, types.Errorf(types.ErrExecutionFailed,
			"no participant of session %s produced a result", s.ID).WithTask(s.TaskID)
	}
	winner := m.evaluator.Evaluate(results)
	res := results[winner]
	res.AgentID = winner
	return res, nil
}

// runSwarm 蜂群模式：参与者带着黑板快照执行，结果经锁仲裁写回黑板
func (m *Manager) runSwarm(ctx context.Context, s *Session) (*types.TaskResult, error) {
	g, gctx := errgroup.WithContext(ctx)
	for _, id := range s.Participants {
		id := id
		g.Go(func() error {
			payload := map[string]any{
				"goal":       deriveGoal(s.task),
				"blackboard": s.blackboard.Snapshot(),
			}
			res, err := m.runParticipant(gctx, s, id, payload)
			if err != nil {
				// 单个参与者失败不拖垮蜂群
				m.logger.Warn("swarm participant failed",
					zap.String("session_id", s.ID), zap.String("agent_id", id), zap.Error(err))
				return nil
			}
			m.writeToBlackboard(gctx, s, id, res.Data)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	snapshot := s.blackboard.Snapshot()
	if len(snapshot) <= 1 { // 只剩初始 goal 键
		return nil, types.Errorf(types.ErrExecutionFailed,
			"swarm session %s produced no results", s.ID).WithTask(s.TaskID)
	}
	return &types.TaskResult{TaskID: s.TaskID, Success: true, Data: snapshot}, nil
}

// writeToBlackboard 带锁重试地写入参与者结果
func (m *Manager) writeToBlackboard(ctx context.Context, s *Session, agentID string, value any) {
	deadline := time.Now().Add(m.cfg.RoundTimeout)
	for time.Now().Before(deadline) && ctx.Err() == nil {
		if s.blackboard.AcquireLock(agentID, m.cfg.LockTTL) {
			_ = s.blackboard.Write(agentID, agentID, value)
			s.blackboard.ReleaseLock(agentID)
			return
		}
		time.Sleep(time.Millisecond)
	}
	m.logger.Warn("blackboard write timed out",
		zap.String("session_id", s.ID), zap.String("agent_id", agentID))
}

// runPipeline 参与者按序执行，输出链式传递
func (m *Manager) runPipeline(ctx context.Context, s *Session) (*types.TaskResult, error) {
	var input any = s.task.Payload
	var last *types.TaskResult
	for _, id := range s.Participants {
		res, err := m.runParticipant(ctx, s, id, map[string]any{"input": input})
		if err != nil {
			return nil, err
		}
		if !res.Success {
			return nil, types.Errorf(types.ErrExecutionFailed,
				"pipeline stage %s failed: %s", id, res.Error).WithAgent(id).WithTask(s.TaskID)
		}
		input = res.Data
		last = res
	}
	return last, nil
}

// runCompetitive 竞争模式：共享截止时间内并发执行，评估规则取胜者
func (m *Manager) runCompetitive(ctx context.Context, s *Session) (*types.TaskResult, error) {
	deadlineCtx, cancel := context.WithTimeout(ctx, m.cfg.CompetitiveDeadline)
	defer cancel()

	results := m.runAll(deadlineCtx, s, s.task.Payload)
	if len(results) == 0 {
		return nil, types.Errorf(types.ErrTimeout,
			"no competitor of session %s finished before the deadline", s.ID).WithTask(s.TaskID)
	}
	winner := m.evaluator.Evaluate(results)
	res := results[winner]
	res.AgentID = winner

	m.publish(events.DecisionMade, s, map[string]any{
		"winner":      winner,
		"competitors": len(results),
	})
	return res, nil
}

// runCooperative 合作模式：共享目标并发执行并合并结果，随后协商定稿
func (m *Manager) runCooperative(ctx context.Context, s *Session) (*types.TaskResult, error) {
	goalPayload := map[string]any{"goal": deriveGoal(s.task)}
	results := m.runAll(ctx, s, goalPayload)
	if len(results) == 0 {
		return nil, types.Errorf(types.ErrExecutionFailed,
			"no participant of session %s produced a result", s.ID).WithTask(s.TaskID)
	}

	merged := make(map[string]any, len(results))
	for id, res := range results {
		if res.Data != nil {
			merged[id] = res.Data
		}
	}

	out := &types.TaskResult{TaskID: s.TaskID, Success: true, Data: merged}
	if len(s.Participants) > 1 {
		decision, err := m.Negotiate(ctx, s.ID, map[string]any{"merged": merged})
		if err == nil && decision.Proposal != nil {
			out.Confidence = decision.Proposal.Score
		}
	}
	return out, nil
}

// runAll 并发执行全部参与者，收集成功结果
func (m *Manager) runAll(ctx context.Context, s *Session, payload map[string]any) map[string]*types.TaskResult {
	var mu sync.Mutex
	results := make(map[string]*types.TaskResult, len(s.Participants))

	var wg sync.WaitGroup
	for _, id := range s.Participants {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			res, err := m.runParticipant(ctx, s, id, payload)
			if err != nil || res == nil || !res.Success {
				return
			}
			mu.Lock()
			results[id] = res
			mu.Unlock()
		}(id)
	}
	wg.Wait()
	return results
}

// electCoordinator 选举协调者
func (m *Manager) electCoordinator(participants []string) string {
	candidates := make([]profile.Profile, 0, len(participants))
	for _, id := range participants {
		if p, ok := m.profiles.Get(id); ok {
			candidates = append(candidates, p)
		} else {
			candidates = append(candidates, profile.Profile{AgentID: id})
		}
	}
	return m.elector.Elect(candidates)
}

// RunDynamic 动态拓扑的委托入口（编排器调用）
// 参与者取画像库中声明了任务所需能力的全部 Agent，按合作模式执行
func (m *Manager) RunDynamic(ctx context.Context, task *types.Task) (*types.TaskResult, error) {
	caps := task.RequiredCapabilities
	if len(caps) == 0 {
		caps = []string{task.Type}
	}

	var participants []string
	for _, p := range m.profiles.List() {
		if p.HasCapabilities(caps) {
			participants = append(participants, p.AgentID)
		}
	}
	sort.Strings(participants)
	if len(participants) == 0 {
		return nil, types.Errorf(types.ErrSelectionFailed,
			"no agent declares capabilities %v", caps).WithTask(task.ID)
	}

	sessionID, err := m.Initiate(ctx, task, participants, ModeCooperative)
	if err != nil {
		return nil, err
	}
	return m.Execute(ctx, sessionID)
}

func (m *Manager) publish(t events.Type, s *Session, payload map[string]any) {
	if m.bus == nil {
		return
	}
	m.bus.Publish(events.Event{
		Type:      t,
		TaskID:    s.TaskID,
		SessionID: s.ID,
		Payload:   payload,
	})
}

// ---------------------------------------------------------------------------
// 默认规则
// ---------------------------------------------------------------------------

// performanceElector 默认选举规则：成功率最高者当选，平分取字典序最小
type performanceElector struct{}

func (e *performanceElector) Elect(candidates []profile.Profile) string {
	if len(candidates) == 0 {
		return ""
	}
	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].SuccessRate != candidates[j].SuccessRate {
			return candidates[i].SuccessRate > candidates[j].SuccessRate
		}
		return candidates[i].AgentID < candidates[j].AgentID
	})
	return candidates[0].AgentID
}

// confidenceEvaluator 默认评估规则：置信度最高者胜，平分取字典序最小
type confidenceEvaluator struct{}

func (e *confidenceEvaluator) Evaluate(results map[string]*types.TaskResult) string {
	best := ""
	for id, res := range results {
		if best == "" ||
			res.Confidence > results[best].Confidence ||
			(res.Confidence == results[best].Confidence && id < best) {
			best = id
		}
	}
	return best
}
