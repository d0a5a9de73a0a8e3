package strategy

import (
	"fmt"
	"testing"

	"pgregory.net/rapid"

	"github.com/BaSui01/agentsched/profile"
	"github.com/BaSui01/agentsched/types"
)

// Round-robin over a stable healthy set of N agents visits each agent
// exactly once per N consecutive calls, for any N and any starting cursor.
func TestRoundRobin_CycleInvariantProperty(t *testing.T) {
	t.Parallel()
	rapid.Check(t, func(t *rapid.T) {
		n := rapid.IntRange(1, 16).Draw(t, "agents")
		warmup := rapid.IntRange(0, 50).Draw(t, "warmup")

		candidates := make([]profile.Profile, 0, n)
		for i := 0; i < n; i++ {
			candidates = append(candidates, profile.Profile{
				AgentID:            fmt.Sprintf("agent-%02d", i),
				CapabilityScores:   map[string]float64{"text": 1},
				MaxConcurrentTasks: 10,
				SuccessRate:        1,
			})
		}

		rr := NewRoundRobin()
		req := &types.Requirements{TaskType: "text", Capabilities: []string{"text"}}
		for i := 0; i < warmup; i++ {
			if _, err := rr.Select(req, candidates); err != nil {
				t.Fatalf("warmup select failed: %v", err)
			}
		}

		seen := make(map[string]int, n)
		for i := 0; i < n; i++ {
			id, err := rr.Select(req, candidates)
			if err != nil {
				t.Fatalf("select failed: %v", err)
			}
			seen[id]++
		}
		for id, count := range seen {
			if count != 1 {
				t.Fatalf("agent %s visited %d times in a cycle of %d", id, count, n)
			}
		}
		if len(seen) != n {
			t.Fatalf("cycle visited %d distinct agents, want %d", len(seen), n)
		}
	})
}

// Capability-match score is monotonically non-increasing in CurrentLoad for
// fixed other factors, for arbitrary capability scores and success rates.
func TestCapabilityScore_MonotonicInLoadProperty(t *testing.T) {
	t.Parallel()
	rapid.Check(t, func(t *rapid.T) {
		capScore := rapid.Float64Range(0, 1).Draw(t, "capScore")
		successRate := rapid.Float64Range(0, 1).Draw(t, "successRate")
		maxTasks := rapid.IntRange(1, 20).Draw(t, "maxTasks")

		req := &types.Requirements{TaskType: "text", Capabilities: []string{"text"}}
		prev := 0.0
		for load := 0; load <= maxTasks; load++ {
			p := profile.Profile{
				AgentID:              "a1",
				CapabilityScores:     map[string]float64{"text": capScore},
				CurrentLoad:          load,
				MaxConcurrentTasks:   maxTasks,
				SuccessRate:          successRate,
				SpecializationFactor: 1,
			}
			score := Score(req, &p)
			if load > 0 && score > prev {
				t.Fatalf("score increased with load: load=%d prev=%f now=%f", load, prev, score)
			}
			prev = score
		}
	})
}
