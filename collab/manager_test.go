package collab

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BaSui01/agentsched/events"
	"github.com/BaSui01/agentsched/profile"
	"github.com/BaSui01/agentsched/types"
)

// ---------------------------------------------------------------------------
// 测试用工作者
// ---------------------------------------------------------------------------

type mockWorker struct {
	id      string
	caps    []string
	execute func(ctx context.Context, task *types.Task) (*types.TaskResult, error)
}

func newMockWorker(id string, caps ...string) *mockWorker {
	w := &mockWorker{id: id, caps: caps}
	w.execute = func(_ context.Context, task *types.Task) (*types.TaskResult, error) {
		return &types.TaskResult{
			TaskID:     task.ID,
			AgentID:    id,
			Success:    true,
			Data:       id + ":done",
			Confidence: 0.8,
		}, nil
	}
	return w
}

func (w *mockWorker) WithExecute(fn func(ctx context.Context, task *types.Task) (*types.TaskResult, error)) *mockWorker {
	w.execute = fn
	return w
}

func (w *mockWorker) WithConfidence(c float64) *mockWorker {
	id := w.id
	w.execute = func(_ context.Context, task *types.Task) (*types.TaskResult, error) {
		return &types.TaskResult{TaskID: task.ID, AgentID: id, Success: true, Data: id + ":done", Confidence: c}, nil
	}
	return w
}

func (w *mockWorker) WithFailure(msg string) *mockWorker {
	w.execute = func(_ context.Context, _ *types.Task) (*types.TaskResult, error) {
		return nil, fmt.Errorf("%s", msg)
	}
	return w
}

func (w *mockWorker) WithDelay(d time.Duration) *mockWorker {
	inner := w.execute
	w.execute = func(ctx context.Context, task *types.Task) (*types.TaskResult, error) {
		select {
		case <-time.After(d):
			return inner(ctx, task)
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return w
}

func (w *mockWorker) ID() string             { return w.id }
func (w *mockWorker) Capabilities() []string { return w.caps }
func (w *mockWorker) Health() types.HealthStatus {
	return types.HealthHealthy
}
func (w *mockWorker) Metrics() types.WorkerMetrics {
	return types.WorkerMetrics{Capacity: 2}
}
func (w *mockWorker) Execute(ctx context.Context, task *types.Task) (*types.TaskResult, error) {
	return w.execute(ctx, task)
}

// voterWorker 额外实现 types.Voter
type voterWorker struct {
	*mockWorker
	choice types.VoteChoice
}

func newVoterWorker(id string, choice types.VoteChoice) *voterWorker {
	return &voterWorker{mockWorker: newMockWorker(id, "general"), choice: choice}
}

func (w *voterWorker) Vote(_ context.Context, _ map[string]any) (types.VoteChoice, float64, error) {
	return w.choice, 0.9, nil
}

type resolver map[string]types.Worker

func (r resolver) Get(agentID string) (types.Worker, bool) {
	w, ok := r[agentID]
	return w, ok
}

// ---------------------------------------------------------------------------
// 测试装置
// ---------------------------------------------------------------------------

type fixture struct {
	m        *Manager
	profiles *profile.Store
	bus      *events.Bus
}

func newFixture(t *testing.T, cfg Config, workers ...types.Worker) *fixture {
	t.Helper()

	profiles := profile.NewStore(nil)
	res := resolver{}
	for _, w := range workers {
		res[w.ID()] = w
		profiles.Register(w.ID(), w.Capabilities(), 2)
	}

	bus := events.NewBus(nil)
	t.Cleanup(bus.Stop)

	m := NewManager(cfg, res, profiles, nil, bus, nil, nil, nil, nil)
	return &fixture{m: m, profiles: profiles, bus: bus}
}

func testTask(id string) *types.Task {
	return &types.Task{
		ID:        id,
		Type:      "general",
		Priority:  5,
		Payload:   map[string]any{"input": "hello"},
		CreatedAt: time.Now(),
	}
}

func ids(workers ...types.Worker) []string {
	out := make([]string, len(workers))
	for i, w := range workers {
		out[i] = w.ID()
	}
	return out
}

// ---------------------------------------------------------------------------
// 会话生命周期
// ---------------------------------------------------------------------------

func TestInitiate_Validation(t *testing.T) {
	t.Parallel()

	a1 := newMockWorker("a1", "general")
	f := newFixture(t, Config{}, a1)

	tests := []struct {
		name         string
		participants []string
		mode         Mode
		wantCode     types.ErrorCode
	}{
		{"unknown mode", []string{"a1"}, Mode("chaos"), types.ErrTaskInvalid},
		{"no participants", nil, ModeCooperative, types.ErrTaskInvalid},
		{"unregistered participant", []string{"ghost"}, ModeCooperative, types.ErrAgentNotFound},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := f.m.Initiate(context.Background(), testTask("t1"), tt.participants, tt.mode)
			require.Error(t, err)
			assert.True(t, types.IsCode(err, tt.wantCode))
		})
	}
}

func TestCancel_ClosesSession(t *testing.T) {
	t.Parallel()

	a1 := newMockWorker("a1", "general")
	f := newFixture(t, Config{}, a1)

	sid, err := f.m.Initiate(context.Background(), testTask("t1"), ids(a1), ModeCooperative)
	require.NoError(t, err)

	require.NoError(t, f.m.Cancel(sid))

	s, err := f.m.Session(sid)
	require.NoError(t, err)
	assert.Equal(t, SessionCancelled, s.Status())
	assert.Equal(t, "broadcast", s.Protocol)

	_, err = f.m.Execute(context.Background(), sid)
	assert.True(t, types.IsCode(err, types.ErrSessionClosed))

	assert.Error(t, f.m.Cancel(sid))
}

func TestSession_NotFound(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Config{}, newMockWorker("a1", "general"))
	_, err := f.m.Session("missing")
	assert.True(t, types.IsCode(err, types.ErrSessionNotFound))

	_, err = f.m.Execute(context.Background(), "missing")
	assert.True(t, types.IsCode(err, types.ErrSessionNotFound))
}

func TestInitiate_PublishesEvent(t *testing.T) {
	t.Parallel()

	a1 := newMockWorker("a1", "general")
	f := newFixture(t, Config{}, a1)

	var mu sync.Mutex
	var got []events.Event
	f.bus.Subscribe(events.CollaborationStarted, func(evt events.Event) {
		mu.Lock()
		got = append(got, evt)
		mu.Unlock()
	})

	sid, err := f.m.Initiate(context.Background(), testTask("t1"), ids(a1), ModeCooperative)
	require.NoError(t, err)

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 1 && got[0].SessionID == sid && got[0].TaskID == "t1"
	}, time.Second, 10*time.Millisecond)
}

// ---------------------------------------------------------------------------
// 层级模式
// ---------------------------------------------------------------------------

func TestHierarchical_ElectsBestPerformer(t *testing.T) {
	t.Parallel()

	a1 := newMockWorker("a1", "general")
	a2 := newMockWorker("a2", "general")
	f := newFixture(t, Config{}, a1, a2)

	// 压低 a2 的成功率，a1 当选
	for i := 0; i < 3; i++ {
		f.profiles.RecordCompletion("a2", "general", time.Second, false)
	}

	sid, err := f.m.Initiate(context.Background(), testTask("t1"), ids(a1, a2), ModeHierarchical)
	require.NoError(t, err)

	s, err := f.m.Session(sid)
	require.NoError(t, err)
	assert.Equal(t, "a1", s.Coordinator)

	res, err := f.m.Execute(context.Background(), sid)
	require.NoError(t, err)
	assert.Equal(t, "a1", res.AgentID)
	assert.Equal(t, SessionCompleted, s.Status())
}

func TestHierarchical_TieBreaksLexically(t *testing.T) {
	t.Parallel()

	b := newMockWorker("b", "general")
	a := newMockWorker("a", "general")
	f := newFixture(t, Config{}, b, a)

	sid, err := f.m.Initiate(context.Background(), testTask("t1"), ids(b, a), ModeHierarchical)
	require.NoError(t, err)

	s, _ := f.m.Session(sid)
	assert.Equal(t, "a", s.Coordinator)
}

func TestHierarchical_SubordinateTakesOver(t *testing.T) {
	t.Parallel()

	a1 := newMockWorker("a1", "general").WithFailure("boom")
	a2 := newMockWorker("a2", "general")
	f := newFixture(t, Config{}, a1, a2)

	sid, err := f.m.Initiate(context.Background(), testTask("t1"), ids(a1, a2), ModeHierarchical)
	require.NoError(t, err)

	res, err := f.m.Execute(context.Background(), sid)
	require.NoError(t, err)
	assert.Equal(t, "a2", res.AgentID)
}

func TestHierarchical_AllFail(t *testing.T) {
	t.Parallel()

	a1 := newMockWorker("a1", "general").WithFailure("boom")
	a2 := newMockWorker("a2", "general").WithFailure("boom")
	f := newFixture(t, Config{}, a1, a2)

	sid, err := f.m.Initiate(context.Background(), testTask("t1"), ids(a1, a2), ModeHierarchical)
	require.NoError(t, err)

	_, err = f.m.Execute(context.Background(), sid)
	require.Error(t, err)
	assert.True(t, types.IsCode(err, types.ErrExecutionFailed))

	s, _ := f.m.Session(sid)
	assert.Equal(t, SessionFailed, s.Status())
}

// ---------------------------------------------------------------------------
// 对等 / 竞争 / 合作
// ---------------------------------------------------------------------------

func TestPeerToPeer_PicksHighestConfidence(t *testing.T) {
	t.Parallel()

	a1 := newMockWorker("a1", "general").WithConfidence(0.5)
	a2 := newMockWorker("a2", "general").WithConfidence(0.9)
	a3 := newMockWorker("a3", "general").WithConfidence(0.7)
	f := newFixture(t, Config{}, a1, a2, a3)

	sid, err := f.m.Initiate(context.Background(), testTask("t1"), ids(a1, a2, a3), ModePeerToPeer)
	require.NoError(t, err)

	res, err := f.m.Execute(context.Background(), sid)
	require.NoError(t, err)
	assert.Equal(t, "a2", res.AgentID)
	assert.Equal(t, "a2:done", res.Data)
}

func TestCompetitive_SlowCompetitorMissesDeadline(t *testing.T) {
	t.Parallel()

	fast := newMockWorker("fast", "general").WithConfidence(0.6)
	slow := newMockWorker("slow", "general").WithConfidence(0.99).WithDelay(5 * time.Second)
	f := newFixture(t, Config{CompetitiveDeadline: 100 * time.Millisecond}, fast, slow)

	sid, err := f.m.Initiate(context.Background(), testTask("t1"), ids(fast, slow), ModeCompetitive)
	require.NoError(t, err)

	res, err := f.m.Execute(context.Background(), sid)
	require.NoError(t, err)
	assert.Equal(t, "fast", res.AgentID)
}

func TestCompetitive_NoFinishersTimesOut(t *testing.T) {
	t.Parallel()

	slow := newMockWorker("slow", "general").WithDelay(5 * time.Second)
	f := newFixture(t, Config{CompetitiveDeadline: 50 * time.Millisecond}, slow)

	sid, err := f.m.Initiate(context.Background(), testTask("t1"), ids(slow), ModeCompetitive)
	require.NoError(t, err)

	_, err = f.m.Execute(context.Background(), sid)
	require.Error(t, err)
	assert.True(t, types.IsCode(err, types.ErrTimeout))
}

func TestCooperative_MergesResults(t *testing.T) {
	t.Parallel()

	a1 := newMockWorker("a1", "general")
	a2 := newMockWorker("a2", "general")
	f := newFixture(t, Config{}, a1, a2)

	sid, err := f.m.Initiate(context.Background(), testTask("t1"), ids(a1, a2), ModeCooperative)
	require.NoError(t, err)

	res, err := f.m.Execute(context.Background(), sid)
	require.NoError(t, err)

	merged, ok := res.Data.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "a1:done", merged["a1"])
	assert.Equal(t, "a2:done", merged["a2"])

	// 合并后协商定稿会留下一条决策记录
	s, _ := f.m.Session(sid)
	assert.NotEmpty(t, s.Decisions())
}

// ---------------------------------------------------------------------------
// 蜂群 / 流水线
// ---------------------------------------------------------------------------

func TestSwarm_ResultsLandOnBlackboard(t *testing.T) {
	t.Parallel()

	a1 := newMockWorker("a1", "general")
	a2 := newMockWorker("a2", "general")
	a3 := newMockWorker("a3", "general")
	f := newFixture(t, Config{}, a1, a2, a3)

	sid, err := f.m.Initiate(context.Background(), testTask("t1"), ids(a1, a2, a3), ModeSwarm)
	require.NoError(t, err)

	s, _ := f.m.Session(sid)
	require.NotNil(t, s.Blackboard())
	assert.Equal(t, "blackboard", s.Protocol)

	res, err := f.m.Execute(context.Background(), sid)
	require.NoError(t, err)

	snapshot, ok := res.Data.(map[string]any)
	require.True(t, ok)
	assert.Contains(t, snapshot, "goal")
	for _, id := range []string{"a1", "a2", "a3"} {
		assert.Equal(t, id+":done", snapshot[id])
	}

	// 初始 goal 写入 + 三个参与者各一次
	assert.Equal(t, int64(4), s.Blackboard().Version())
}

func TestPipeline_ChainsStageOutputs(t *testing.T) {
	t.Parallel()

	var mu sync.Mutex
	inputs := map[string]any{}
	record := func(id string) func(ctx context.Context, task *types.Task) (*types.TaskResult, error) {
		return func(_ context.Context, task *types.Task) (*types.TaskResult, error) {
			mu.Lock()
			inputs[id] = task.Payload["input"]
			mu.Unlock()
			return &types.TaskResult{TaskID: task.ID, Success: true, Data: id + ":out"}, nil
		}
	}
	a1 := newMockWorker("a1", "general").WithExecute(record("a1"))
	a2 := newMockWorker("a2", "general").WithExecute(record("a2"))
	f := newFixture(t, Config{}, a1, a2)

	task := testTask("t1")
	sid, err := f.m.Initiate(context.Background(), task, ids(a1, a2), ModePipeline)
	require.NoError(t, err)

	res, err := f.m.Execute(context.Background(), sid)
	require.NoError(t, err)

	assert.Equal(t, "a2:out", res.Data)
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, task.Payload, inputs["a1"], "first stage sees the task payload")
	assert.Equal(t, "a1:out", inputs["a2"], "second stage sees the first stage's output")
}

func TestPipeline_StageFailureAborts(t *testing.T) {
	t.Parallel()

	a1 := newMockWorker("a1", "general")
	a2 := newMockWorker("a2", "general").WithFailure("boom")
	a3 := newMockWorker("a3", "general")
	f := newFixture(t, Config{}, a1, a2, a3)

	sid, err := f.m.Initiate(context.Background(), testTask("t1"), ids(a1, a2, a3), ModePipeline)
	require.NoError(t, err)

	_, err = f.m.Execute(context.Background(), sid)
	require.Error(t, err)
	var engineErr *types.Error
	require.ErrorAs(t, err, &engineErr)
	assert.Equal(t, "a2", engineErr.AgentID)
}

// ---------------------------------------------------------------------------
// 共识与协商
// ---------------------------------------------------------------------------

func TestRequestConsensus_ThresholdReached(t *testing.T) {
	t.Parallel()

	workers := []types.Worker{
		newVoterWorker("a1", types.VoteApprove),
		newVoterWorker("a2", types.VoteApprove),
		newVoterWorker("a3", types.VoteApprove),
		newVoterWorker("a4", types.VoteReject),
		newVoterWorker("a5", types.VoteReject),
	}
	f := newFixture(t, Config{ConsensusThreshold: 0.6}, workers...)

	sid, err := f.m.Initiate(context.Background(), testTask("t1"), ids(workers...), ModePeerToPeer)
	require.NoError(t, err)

	d, err := f.m.RequestConsensus(context.Background(), sid, map[string]any{"plan": "v1"})
	require.NoError(t, err)
	assert.True(t, d.Consensus, "3 approvals out of 5 meets a 0.6 threshold")
	assert.Equal(t, 3, d.Approvals)
	assert.Equal(t, 5, d.Total)
	assert.Equal(t, 1, d.Rounds)
}

func TestRequestConsensus_ThresholdMissed(t *testing.T) {
	t.Parallel()

	workers := []types.Worker{
		newVoterWorker("a1", types.VoteApprove),
		newVoterWorker("a2", types.VoteApprove),
		newVoterWorker("a3", types.VoteReject),
		newVoterWorker("a4", types.VoteReject),
		newVoterWorker("a5", types.VoteReject),
	}
	f := newFixture(t, Config{ConsensusThreshold: 0.6}, workers...)

	sid, err := f.m.Initiate(context.Background(), testTask("t1"), ids(workers...), ModePeerToPeer)
	require.NoError(t, err)

	d, err := f.m.RequestConsensus(context.Background(), sid, map[string]any{"plan": "v1"})
	require.NoError(t, err)
	assert.False(t, d.Consensus, "2 approvals out of 5 misses a 0.6 threshold")
	assert.Equal(t, 2, d.Approvals)

	s, _ := f.m.Session(sid)
	assert.Len(t, s.Decisions(), 1)
}

func TestRequestConsensus_DefaultVoteTracksSuccessRate(t *testing.T) {
	t.Parallel()

	a1 := newMockWorker("a1", "general")
	f := newFixture(t, Config{}, a1)

	sid, err := f.m.Initiate(context.Background(), testTask("t1"), ids(a1), ModePeerToPeer)
	require.NoError(t, err)

	d, err := f.m.RequestConsensus(context.Background(), sid, map[string]any{"plan": "v1"})
	require.NoError(t, err)
	require.Len(t, d.Votes, 1)
	assert.Equal(t, types.VoteApprove, d.Votes[0].Choice)
	assert.Equal(t, 1.0, d.Votes[0].Confidence, "fresh profile starts at full success rate")
	assert.True(t, d.Consensus)
}

func TestNegotiate_ConvergesWhenLeaderDominates(t *testing.T) {
	t.Parallel()

	a1 := newMockWorker("a1", "general").WithConfidence(0.9)
	a2 := newMockWorker("a2", "general").WithConfidence(0.5)
	a3 := newMockWorker("a3", "general").WithConfidence(0.4)
	f := newFixture(t, Config{ConsensusThreshold: 0.6, MaxDepth: 5}, a1, a2, a3)

	sid, err := f.m.Initiate(context.Background(), testTask("t1"), ids(a1, a2, a3), ModePeerToPeer)
	require.NoError(t, err)

	d, err := f.m.Negotiate(context.Background(), sid, map[string]any{"topic": "design"})
	require.NoError(t, err)
	assert.True(t, d.Consensus)
	assert.Equal(t, 1, d.Rounds)
	require.NotNil(t, d.Proposal)
	assert.Equal(t, "a1", d.Proposal.AgentID)
	assert.Len(t, d.Proposal.Supporters, 3)
}

func TestNegotiate_BoundedByMaxDepth(t *testing.T) {
	t.Parallel()

	// 五人中三人从不提案，领先提案最多 2/5 支持，永远到不了阈值
	workers := []types.Worker{
		newMockWorker("a1", "general").WithConfidence(0.9),
		newMockWorker("a2", "general").WithConfidence(0.8),
		newMockWorker("a3", "general").WithFailure("mute"),
		newMockWorker("a4", "general").WithFailure("mute"),
		newMockWorker("a5", "general").WithFailure("mute"),
	}
	f := newFixture(t, Config{ConsensusThreshold: 0.6, MaxDepth: 3}, workers...)

	sid, err := f.m.Initiate(context.Background(), testTask("t1"), ids(workers...), ModePeerToPeer)
	require.NoError(t, err)

	d, err := f.m.Negotiate(context.Background(), sid, map[string]any{"topic": "design"})
	require.NoError(t, err)
	assert.False(t, d.Consensus, "best effort result when rounds run out")
	assert.Equal(t, 3, d.Rounds)
	require.NotNil(t, d.Proposal)
	assert.Equal(t, "a1", d.Proposal.AgentID)
}

func TestNegotiate_ConvergenceTracksBestAcrossRounds(t *testing.T) {
	t.Parallel()

	// 第一轮只有 a1 的高分提案（加权 0.45），其余人缺席；
	// 第二轮人人提案且全都支持 a1 的低分新提案，但其加权 0.42 压不过首轮最优。
	// 收敛判定跟着全程最优走，首轮最优只有 1/5 支持，两轮都不该收敛
	scored := func(id string, first float64, firstAbsent bool, rest float64) *mockWorker {
		var calls atomic.Int64
		return newMockWorker(id, "general").WithExecute(func(_ context.Context, task *types.Task) (*types.TaskResult, error) {
			if calls.Add(1) == 1 {
				if firstAbsent {
					return nil, fmt.Errorf("warming up")
				}
				return &types.TaskResult{TaskID: task.ID, AgentID: id, Success: true, Data: id, Confidence: first}, nil
			}
			return &types.TaskResult{TaskID: task.ID, AgentID: id, Success: true, Data: id, Confidence: rest}, nil
		})
	}

	workers := []types.Worker{
		scored("a1", 0.9, false, 0.5),
		scored("a2", 0, true, 0.4),
		scored("a3", 0, true, 0.4),
		scored("a4", 0, true, 0.4),
		scored("a5", 0, true, 0.4),
	}
	f := newFixture(t, Config{ConsensusThreshold: 0.6, MaxDepth: 2}, workers...)

	sid, err := f.m.Initiate(context.Background(), testTask("t1"), ids(workers...), ModePeerToPeer)
	require.NoError(t, err)

	d, err := f.m.Negotiate(context.Background(), sid, map[string]any{"topic": "design"})
	require.NoError(t, err)
	assert.False(t, d.Consensus, "a later round's popular proposal must not outrank the tracked best")
	assert.Equal(t, 2, d.Rounds)
	require.NotNil(t, d.Proposal)
	assert.Equal(t, "a1", d.Proposal.AgentID)
	assert.Equal(t, 0.9, d.Proposal.Score)
	assert.Equal(t, 1, d.Approvals)
}

func TestNegotiate_NoProposalsAtAll(t *testing.T) {
	t.Parallel()

	a1 := newMockWorker("a1", "general").WithFailure("mute")
	f := newFixture(t, Config{MaxDepth: 2}, a1)

	sid, err := f.m.Initiate(context.Background(), testTask("t1"), ids(a1), ModePeerToPeer)
	require.NoError(t, err)

	_, err = f.m.Negotiate(context.Background(), sid, map[string]any{"topic": "design"})
	require.Error(t, err)
	assert.True(t, types.IsCode(err, types.ErrConsensusFailed))
}

// ---------------------------------------------------------------------------
// 动态委托
// ---------------------------------------------------------------------------

func TestRunDynamic_SelectsByCapability(t *testing.T) {
	t.Parallel()

	a1 := newMockWorker("a1", "summarization")
	a2 := newMockWorker("a2", "summarization")
	a3 := newMockWorker("a3", "code_generation")
	f := newFixture(t, Config{}, a1, a2, a3)

	task := testTask("t1")
	task.RequiredCapabilities = []string{"summarization"}

	res, err := f.m.RunDynamic(context.Background(), task)
	require.NoError(t, err)

	merged, ok := res.Data.(map[string]any)
	require.True(t, ok)
	assert.Contains(t, merged, "a1")
	assert.Contains(t, merged, "a2")
	assert.NotContains(t, merged, "a3")
}

func TestRunDynamic_NoCapableAgents(t *testing.T) {
	t.Parallel()

	a1 := newMockWorker("a1", "code_generation")
	f := newFixture(t, Config{}, a1)

	task := testTask("t1")
	task.RequiredCapabilities = []string{"image_generation"}

	_, err := f.m.RunDynamic(context.Background(), task)
	require.Error(t, err)
	assert.True(t, types.IsCode(err, types.ErrSelectionFailed))
}
