package models

import "time"

// RunStatus is the top-level status of a run.
type RunStatus string

const (
	RunRunning     RunStatus = "running"
	RunInterrupted RunStatus = "interrupted"
	RunCancelled   RunStatus = "cancelled"
	RunCompleted   RunStatus = "completed"
	RunFailed      RunStatus = "failed"
	RunDeadlock    RunStatus = "deadlock"
	RunPaused      RunStatus = "paused"
)

// Valid reports whether s is a known run status.
func (s RunStatus) Valid() bool {
	switch s {
	case RunRunning, RunInterrupted, RunCancelled, RunCompleted, RunFailed, RunDeadlock, RunPaused:
		return true
	default:
		return false
	}
}

// IsTerminal reports whether a dispatch loop exits for good at this
// status (as opposed to interrupted/paused, which are resumable).
func (s RunStatus) IsTerminal() bool {
	switch s {
	case RunCompleted, RunCancelled, RunFailed, RunDeadlock:
		return true
	default:
		return false
	}
}

// Run is the top-level unit of work the control plane creates and the
// dispatch loop advances.
type Run struct {
	RunID    string `json:"run_id"`
	ThreadID string `json:"thread_id"`

	Objective string `json:"objective"`
	Spec      Spec   `json:"spec"`

	Tasks []*Task `json:"tasks"`

	DesignLog []DesignNote `json:"design_log"`
	Insights  []Insight    `json:"insights"`

	TaskMemories map[string][]AgentMessage `json:"task_memories"`

	Status RunStatus `json:"status"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	// WorkspaceRoot is the trunk checkout path for this run.
	WorkspaceRoot string `json:"workspace_root"`

	// ReplanRequested is set by ControlPlane.Replan and consumed by the
	// director's next invocation.
	ReplanRequested bool `json:"replan_requested,omitempty"`

	// PendingResolution is non-nil only while the run is interrupted
	// awaiting a HITL resolve() for at least one task.
	PendingResolution *HITLPayload `json:"pending_resolution,omitempty"`
}

// TaskByID returns the task with the given id, or nil.
func (r *Run) TaskByID(id string) *Task {
	for _, t := range r.Tasks {
		if t.ID == id {
			return t
		}
	}
	return nil
}

// AllTerminal reports whether every task in the run is complete or
// abandoned — the dispatch loop's "completed" termination condition.
func (r *Run) AllTerminal() bool {
	for _, t := range r.Tasks {
		if !t.Status.IsTerminal() {
			return false
		}
	}
	return true
}

// RunSummary is the lightweight projection served by list_runs without
// parsing full state — mirrors the checkpointer's `runs` table.
type RunSummary struct {
	RunID         string    `json:"run_id"`
	ThreadID      string    `json:"thread_id"`
	Objective     string    `json:"objective"`
	Status        RunStatus `json:"status"`
	WorkspacePath string    `json:"workspace_path"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
	TaskCounts    map[TaskStatus]int `json:"task_counts"`
}

// Summarize projects r into a RunSummary.
func (r *Run) Summarize() RunSummary {
	counts := make(map[TaskStatus]int)
	for _, t := range r.Tasks {
		counts[t.Status]++
	}
	return RunSummary{
		RunID:         r.RunID,
		ThreadID:      r.ThreadID,
		Objective:     r.Objective,
		Status:        r.Status,
		WorkspacePath: r.WorkspaceRoot,
		CreatedAt:     r.CreatedAt,
		UpdatedAt:     r.UpdatedAt,
		TaskCounts:    counts,
	}
}
