package strategy

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/BaSui01/agentsched/profile"
	"github.com/BaSui01/agentsched/types"
)

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

type profileOpt func(*profile.Store, string)

func withLoad(n int) profileOpt {
	return func(s *profile.Store, id string) {
		for i := 0; i < n; i++ {
			_ = s.AcquireSlot(id)
		}
	}
}

func withOutcomes(successes, failures int) profileOpt {
	return func(s *profile.Store, id string) {
		for i := 0; i < successes; i++ {
			s.RecordCompletion(id, "bench", time.Millisecond, true)
		}
		for i := 0; i < failures; i++ {
			s.RecordCompletion(id, "bench", time.Millisecond, false)
		}
	}
}

func buildProfiles(t *testing.T, agents map[string][]string, maxConcurrent int, opts map[string][]profileOpt) []profile.Profile {
	t.Helper()
	s := profile.NewStore(zap.NewNop())
	for id, caps := range agents {
		s.Register(id, caps, maxConcurrent)
		for _, opt := range opts[id] {
			opt(s, id)
		}
	}
	return s.List()
}

func textReq() *types.Requirements {
	return &types.Requirements{TaskType: "text", Capabilities: []string{"text"}, Priority: 5}
}

// ---------------------------------------------------------------------------
// Filter
// ---------------------------------------------------------------------------

func TestFilter_CapabilityAndLoad(t *testing.T) {
	t.Parallel()
	profiles := buildProfiles(t, map[string][]string{
		"a1": {"text"},
		"a2": {"code"},
		"a3": {"text", "code"},
	}, 1, map[string][]profileOpt{
		"a3": {withLoad(1)}, // at capacity
	})

	eligible := Filter(textReq(), profiles, nil)
	require.Len(t, eligible, 1)
	assert.Equal(t, "a1", eligible[0].AgentID)
}

func TestFilter_ResourceChecks(t *testing.T) {
	t.Parallel()
	profiles := buildProfiles(t, map[string][]string{
		"a1": {"text"},
		"a2": {"text"},
	}, 2, nil)

	metrics := func(id string) (types.WorkerMetrics, bool) {
		if id == "a1" {
			return types.WorkerMetrics{AvailableMemoryMB: 512, AvailableCPUCores: 2}, true
		}
		return types.WorkerMetrics{AvailableMemoryMB: 64, AvailableCPUCores: 0.5}, true
	}

	req := textReq()
	req.MemoryMB = 256
	req.CPUCores = 1

	eligible := Filter(req, profiles, metrics)
	require.Len(t, eligible, 1)
	assert.Equal(t, "a1", eligible[0].AgentID)
}

// ---------------------------------------------------------------------------
// RoundRobin
// ---------------------------------------------------------------------------

func TestRoundRobin_CycleInvariant(t *testing.T) {
	t.Parallel()
	const n = 5
	agents := make(map[string][]string, n)
	for i := 0; i < n; i++ {
		agents[fmt.Sprintf("agent-%d", i)] = []string{"text"}
	}
	profiles := buildProfiles(t, agents, 10, nil)

	rr := NewRoundRobin()
	seen := make(map[string]int)
	for i := 0; i < n; i++ {
		id, err := rr.Select(textReq(), profiles)
		require.NoError(t, err)
		seen[id]++
	}
	// Each healthy agent visited exactly once per N consecutive calls.
	assert.Len(t, seen, n)
	for id, count := range seen {
		assert.Equal(t, 1, count, "agent %s visited %d times in one cycle", id, count)
	}
}

func TestRoundRobin_EmptyCandidates(t *testing.T) {
	t.Parallel()
	rr := NewRoundRobin()
	_, err := rr.Select(textReq(), nil)
	require.Error(t, err)
	assert.Equal(t, types.ErrSelectionFailed, types.CodeOf(err))
}

// ---------------------------------------------------------------------------
// LeastLoaded
// ---------------------------------------------------------------------------

func TestLeastLoaded_PicksMinimum(t *testing.T) {
	t.Parallel()
	profiles := buildProfiles(t, map[string][]string{
		"a1": {"text"},
		"a2": {"text"},
		"a3": {"text"},
	}, 10, map[string][]profileOpt{
		"a1": {withLoad(5)},
		"a2": {withLoad(2)},
		"a3": {withLoad(7)},
	})

	id, err := NewLeastLoaded().Select(textReq(), profiles)
	require.NoError(t, err)
	assert.Equal(t, "a2", id)
}

func TestLeastLoaded_TieBreaksLexically(t *testing.T) {
	t.Parallel()
	profiles := buildProfiles(t, map[string][]string{
		"b": {"text"},
		"a": {"text"},
	}, 10, nil)

	id, err := NewLeastLoaded().Select(textReq(), profiles)
	require.NoError(t, err)
	assert.Equal(t, "a", id)
}

// ---------------------------------------------------------------------------
// CapabilityMatch
// ---------------------------------------------------------------------------

func TestCapabilityMatch_PrefersIdleSuccessfulAgent(t *testing.T) {
	t.Parallel()
	// Agent A: load 0, success 1.0. Agent B: load 5/10, success ~0.5.
	profiles := buildProfiles(t, map[string][]string{
		"A": {"text"},
		"B": {"text"},
	}, 10, map[string][]profileOpt{
		"B": {withOutcomes(0, 60), withLoad(5)},
	})

	id, err := NewCapabilityMatch().Select(textReq(), profiles)
	require.NoError(t, err)
	assert.Equal(t, "A", id)
}

func TestCapabilityMatch_ScoreMonotonicInLoad(t *testing.T) {
	t.Parallel()
	s := profile.NewStore(zap.NewNop())
	s.Register("a1", []string{"text"}, 10)

	req := textReq()
	prev := 0.0
	for load := 0; load <= 10; load++ {
		p, _ := s.Get("a1")
		score := Score(req, &p)
		if load > 0 {
			assert.LessOrEqual(t, score, prev, "score must be non-increasing in load (load=%d)", load)
		}
		prev = score
		_ = s.AcquireSlot("a1")
	}

	// At full load the discount zeroes the score.
	p, _ := s.Get("a1")
	assert.Equal(t, 0.0, Score(req, &p))
}

func TestCapabilityMatch_OptionalCapabilitiesBreakTies(t *testing.T) {
	t.Parallel()
	profiles := buildProfiles(t, map[string][]string{
		"a1": {"text"},
		"a2": {"text", "summarize"},
	}, 10, nil)

	req := textReq()
	req.OptionalCapabilities = []string{"summarize"}

	// a2 is less specialized but the optional capability should win out:
	// a1 = 2*0.8*1.0*1.2*1 = 1.92; a2 = (2*0.8+0.8)*1.0*1.1*1 = 2.64.
	id, err := NewCapabilityMatch().Select(req, profiles)
	require.NoError(t, err)
	assert.Equal(t, "a2", id)
}

// ---------------------------------------------------------------------------
// Priority
// ---------------------------------------------------------------------------

func TestPriority_HighPriorityPrefersQuality(t *testing.T) {
	t.Parallel()
	// a1: idle but unreliable. a2: half loaded but reliable.
	profiles := buildProfiles(t, map[string][]string{
		"a1": {"text"},
		"a2": {"text"},
	}, 10, map[string][]profileOpt{
		"a1": {withOutcomes(0, 60)},
		"a2": {withLoad(5)},
	})

	req := textReq()
	req.Priority = 9
	id, err := NewPriority().Select(req, profiles)
	require.NoError(t, err)
	assert.Equal(t, "a2", id)
}

func TestPriority_NormalPriorityPrefersAvailability(t *testing.T) {
	t.Parallel()
	profiles := buildProfiles(t, map[string][]string{
		"a1": {"text"},
		"a2": {"text"},
	}, 10, map[string][]profileOpt{
		"a1": {withOutcomes(0, 60)}, // unreliable but idle
		"a2": {withLoad(5)},
	})

	req := textReq()
	req.Priority = 3
	id, err := NewPriority().Select(req, profiles)
	require.NoError(t, err)
	assert.Equal(t, "a1", id)
}

// ---------------------------------------------------------------------------
// Adaptive
// ---------------------------------------------------------------------------

func TestAdaptive_UsesHistory(t *testing.T) {
	t.Parallel()
	engine := NewHistoryEngine()
	// a1 has a poor history on "text", a2 a strong one.
	for i := 0; i < 10; i++ {
		engine.Record("a1", "text", i < 2, time.Millisecond)
		engine.Record("a2", "text", i < 9, time.Millisecond)
	}

	profiles := buildProfiles(t, map[string][]string{
		"a1": {"text"},
		"a2": {"text"},
	}, 10, nil)

	id, err := NewAdaptive(engine).Select(textReq(), profiles)
	require.NoError(t, err)
	assert.Equal(t, "a2", id)
}

func TestAdaptive_FallsBackWithoutHistory(t *testing.T) {
	t.Parallel()
	profiles := buildProfiles(t, map[string][]string{
		"A": {"text"},
		"B": {"text"},
	}, 10, map[string][]profileOpt{
		"B": {withOutcomes(0, 60), withLoad(5)},
	})

	// No history at all: behaves like capability match.
	id, err := NewAdaptive(nil).Select(textReq(), profiles)
	require.NoError(t, err)
	assert.Equal(t, "A", id)
}

func TestHistoryEngine_ScoreAndForget(t *testing.T) {
	t.Parallel()
	engine := NewHistoryEngine()
	_, ok := engine.HistoricalScore("a1", "text")
	assert.False(t, ok)

	engine.Record("a1", "text", true, time.Millisecond)
	engine.Record("a1", "text", true, time.Millisecond)
	engine.Record("a1", "text", false, time.Millisecond)

	score, ok := engine.HistoricalScore("a1", "text")
	require.True(t, ok)
	assert.InDelta(t, 2.0/3.0, score, 1e-9)

	engine.Forget("a1")
	_, ok = engine.HistoricalScore("a1", "text")
	assert.False(t, ok)
}

// ---------------------------------------------------------------------------
// Factory
// ---------------------------------------------------------------------------

func TestNew_ByName(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name Name
		want Name
	}{
		{NameRoundRobin, NameRoundRobin},
		{NameLeastLoaded, NameLeastLoaded},
		{NameCapabilityMatch, NameCapabilityMatch},
		{NamePriority, NamePriority},
		{NameAdaptive, NameAdaptive},
		{Name("unknown"), NameCapabilityMatch},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(string(tt.name), func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, New(tt.name, nil).Name())
		})
	}
}
