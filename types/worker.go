package types

import "context"

// HealthStatus is a worker's self-reported health.
type HealthStatus string

const (
	HealthHealthy   HealthStatus = "healthy"
	HealthDegraded  HealthStatus = "degraded"
	HealthUnhealthy HealthStatus = "unhealthy"
)

// WorkerMetrics is a worker's self-reported resource snapshot.
type WorkerMetrics struct {
	// CPUUsage in [0,1].
	CPUUsage float64 `json:"cpu_usage"`
	// MemoryUsage in [0,1].
	MemoryUsage float64 `json:"memory_usage"`
	// AvailableMemoryMB reported for resource-constrained tasks.
	AvailableMemoryMB int `json:"available_memory_mb"`
	// AvailableCPUCores reported for resource-constrained tasks.
	AvailableCPUCores float64 `json:"available_cpu_cores"`
	// Capacity is the worker's maximum concurrent task count.
	Capacity int `json:"capacity"`
}

// Worker is the contract the scheduling engine consumes. Concrete workers
// (text, code, research, validators, planners, ...) live outside the engine;
// the scheduler is agnostic to the worker's concrete type and sees only its
// capability tags and this interface.
type Worker interface {
	// ID returns the worker's unique identifier.
	ID() string
	// Capabilities returns the capability tags the worker declares.
	Capabilities() []string
	// Execute runs one task. Implementations must honor ctx cancellation.
	Execute(ctx context.Context, task *Task) (*TaskResult, error)
	// Health returns the worker's current health status.
	Health() HealthStatus
	// Metrics returns the worker's current resource snapshot.
	Metrics() WorkerMetrics
}

// Voter is an optional interface for workers that can cast consensus votes.
// Workers that do not implement it are voted for by the engine's default
// rule. Use a type assertion to check:
//
//	if v, ok := worker.(types.Voter); ok {
//	    vote, err := v.Vote(ctx, proposal)
//	}
type Voter interface {
	Vote(ctx context.Context, proposal map[string]any) (VoteChoice, float64, error)
}

// VoteChoice is a participant's answer to a consensus proposal.
type VoteChoice string

const (
	VoteApprove VoteChoice = "approve"
	VoteReject  VoteChoice = "reject"
	VoteAbstain VoteChoice = "abstain"
)
