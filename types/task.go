package types

import (
	"time"
)

// TaskStatus tracks a task assignment through its lifecycle.
type TaskStatus string

const (
	TaskStatusPending    TaskStatus = "pending"
	TaskStatusQueued     TaskStatus = "queued"
	TaskStatusAssigned   TaskStatus = "assigned"
	TaskStatusInProgress TaskStatus = "in_progress"
	TaskStatusCompleted  TaskStatus = "completed"
	TaskStatusFailed     TaskStatus = "failed"
)

// DefaultPriority is assigned when a task does not specify one.
const DefaultPriority = 5

// Task is a single unit of work submitted to the engine.
// A task is immutable once queued; only its assignment records change.
type Task struct {
	// ID is the globally unique task identifier.
	ID string `json:"id"`
	// Type names the kind of work (e.g. "text_generation", "code_review").
	Type string `json:"type"`
	// Priority ranges 1 (lowest) to 10 (highest); 0 means "use default".
	Priority int `json:"priority"`
	// RequiredCapabilities lists capabilities an agent must declare.
	// Empty means "infer from Type".
	RequiredCapabilities []string `json:"required_capabilities,omitempty"`
	// Payload carries the task input.
	Payload map[string]any `json:"payload"`
	// Deadline, when set, bounds the whole task lifecycle.
	Deadline *time.Time `json:"deadline,omitempty"`
	// RetryBudget is the task-level retry budget used by the orchestrator.
	// 0 means "use the configured default".
	RetryBudget int `json:"retry_budget,omitempty"`
	// Quality holds post-execution validation requirements.
	Quality *QualityRequirements `json:"quality,omitempty"`
	// Metadata stores additional caller information.
	Metadata map[string]any `json:"metadata,omitempty"`
	// CreatedAt is when the task entered the engine.
	CreatedAt time.Time `json:"created_at"`
}

// QualityRequirements gates task completion on post-execution validation.
type QualityRequirements struct {
	// ValidationRequired enables the validator step after execution.
	ValidationRequired bool `json:"validation_required"`
	// MinConfidence rejects results whose confidence falls below it.
	MinConfidence float64 `json:"min_confidence,omitempty"`
}

// Requirements is derived from a task before agent selection.
type Requirements struct {
	// TaskType mirrors Task.Type for strategies that score per task type.
	TaskType string `json:"task_type"`
	// Capabilities an eligible agent must declare, all of them.
	Capabilities []string `json:"capabilities"`
	// OptionalCapabilities improve the match score but are not required.
	OptionalCapabilities []string `json:"optional_capabilities,omitempty"`
	// Priority in 1..10.
	Priority int `json:"priority"`
	// Complexity is an estimate in [0,1] from payload size and task type.
	Complexity float64 `json:"complexity"`
	// MemoryMB, when positive, is checked against agent metrics.
	MemoryMB int `json:"memory_mb,omitempty"`
	// CPUCores, when positive, is checked against agent metrics.
	CPUCores float64 `json:"cpu_cores,omitempty"`
	// EstimatedDuration is the planner's duration estimate.
	EstimatedDuration time.Duration `json:"estimated_duration,omitempty"`
}

// TaskResult is what a worker returns for one execution.
type TaskResult struct {
	TaskID        string        `json:"task_id"`
	AgentID       string        `json:"agent_id"`
	Success       bool          `json:"success"`
	Data          any           `json:"data,omitempty"`
	Error         string        `json:"error,omitempty"`
	ExecutionTime time.Duration `json:"execution_time"`
	// Confidence in [0,1]; workers that cannot estimate report 0.
	Confidence float64 `json:"confidence"`
}

// Assignment links a task to an agent. At most one assignment per task is
// in_progress at any time; reassignment closes the old record and opens a
// new one.
type Assignment struct {
	ID                string        `json:"id"`
	TaskID            string        `json:"task_id"`
	AgentID           string        `json:"agent_id,omitempty"`
	Status            TaskStatus    `json:"status"`
	RetryCount        int           `json:"retry_count"`
	EstimatedDuration time.Duration `json:"estimated_duration,omitempty"`
	ActualDuration    time.Duration `json:"actual_duration,omitempty"`
	CreatedAt         time.Time     `json:"created_at"`
	CompletedAt       *time.Time    `json:"completed_at,omitempty"`
}

// Closed reports whether the assignment reached a terminal status.
func (a *Assignment) Closed() bool {
	return a.Status == TaskStatusCompleted || a.Status == TaskStatusFailed
}
