// Package models defines the wire-level data types shared by every
// orchestration component: runs, tasks, and the open-structured
// records attached to them (spec, AAR, QA verdict, escalation).
package models

import "time"

// TaskStatus is the current state of a task in the state machine
// described by the director (see internal/director).
type TaskStatus string

const (
	StatusPlanned            TaskStatus = "planned"
	StatusReady              TaskStatus = "ready"
	StatusBlocked            TaskStatus = "blocked"
	StatusActive             TaskStatus = "active"
	StatusAwaitingQA         TaskStatus = "awaiting_qa"
	StatusComplete           TaskStatus = "complete"
	StatusFailed             TaskStatus = "failed"
	StatusFailedQA           TaskStatus = "failed_qa"
	StatusWaitingHuman       TaskStatus = "waiting_human"
	StatusWaitingSubtask     TaskStatus = "waiting_subtask"
	StatusAbandoned          TaskStatus = "abandoned"
	StatusPendingAwaitingQA  TaskStatus = "pending_awaiting_qa"
	StatusPendingComplete    TaskStatus = "pending_complete"
	StatusPendingFailed      TaskStatus = "pending_failed"
)

// Valid reports whether s is a known status value.
func (s TaskStatus) Valid() bool {
	switch s {
	case StatusPlanned, StatusReady, StatusBlocked, StatusActive,
		StatusAwaitingQA, StatusComplete, StatusFailed, StatusFailedQA,
		StatusWaitingHuman, StatusWaitingSubtask, StatusAbandoned,
		StatusPendingAwaitingQA, StatusPendingComplete, StatusPendingFailed:
		return true
	default:
		return false
	}
}

// IsPending reports whether s is one of the staging states written by a
// worker or strategist and awaiting director promotion.
func (s TaskStatus) IsPending() bool {
	switch s {
	case StatusPendingAwaitingQA, StatusPendingComplete, StatusPendingFailed:
		return true
	default:
		return false
	}
}

// IsTerminal reports whether s ends the task's lifecycle.
func (s TaskStatus) IsTerminal() bool {
	return s == StatusComplete || s == StatusAbandoned
}

// Phase determines worker profile eligibility and QA policy.
type Phase string

const (
	PhasePlan  Phase = "plan"
	PhaseBuild Phase = "build"
	PhaseTest  Phase = "test"
)

// Valid reports whether p is a known phase.
func (p Phase) Valid() bool {
	switch p {
	case PhasePlan, PhaseBuild, PhaseTest:
		return true
	default:
		return false
	}
}

// WorkerProfile selects a worker's tool set and agent prompt policy.
type WorkerProfile string

const (
	ProfilePlanner    WorkerProfile = "planner"
	ProfileCoder      WorkerProfile = "coder"
	ProfileTester     WorkerProfile = "tester"
	ProfileResearcher WorkerProfile = "researcher"
	ProfileWriter     WorkerProfile = "writer"
	ProfileMerger     WorkerProfile = "merger"
	ProfileQA         WorkerProfile = "qa"
)

// DefaultMaxRetries is the Phoenix retry ceiling before a task escalates
// to waiting_human. Phoenix exhaustion happens at retry_count >= 4.
const DefaultMaxRetries = 3

// PhoenixExhaustionThreshold is the retry_count at or above which a
// failed task escalates to waiting_human instead of retrying.
const PhoenixExhaustionThreshold = DefaultMaxRetries + 1

// MergeContext carries the original task's conflict state into a
// spawned merger task.
type MergeContext struct {
	OriginalTaskID  string   `json:"original_task_id"`
	ConflictFiles   []string `json:"conflict_files,omitempty"`
	ErrorMessage    string   `json:"error_message,omitempty"`
}

// Task is a unit of work scheduled to a worker inside an isolated
// worktree.
type Task struct {
	ID          string `json:"id"`
	Title       string `json:"title"`
	Description string `json:"description"`
	Component   string `json:"component,omitempty"`
	Phase       Phase  `json:"phase"`

	Status TaskStatus `json:"status"`

	DependsOn         []string `json:"depends_on,omitempty"`
	DependencyQueries []string `json:"dependency_queries,omitempty"`

	AcceptanceCriteria     []string      `json:"acceptance_criteria,omitempty"`
	AssignedWorkerProfile  WorkerProfile `json:"assigned_worker_profile"`

	Priority   int `json:"priority"`
	RetryCount int `json:"retry_count"`
	MaxRetries int `json:"max_retries"`

	ResultPath string      `json:"result_path,omitempty"`
	QAVerdict  *QAVerdict  `json:"qa_verdict,omitempty"`
	AAR        *AAR        `json:"aar,omitempty"`
	Escalation *Escalation `json:"escalation,omitempty"`
	Checkpoint []byte      `json:"checkpoint,omitempty"`

	WaitingForTasks []string `json:"waiting_for_tasks,omitempty"`

	BranchName   string `json:"branch_name,omitempty"`
	WorktreePath string `json:"worktree_path,omitempty"`

	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`

	// MergeContext is set only on merger-phase tasks spawned by the
	// strategist to resolve a conflicted rebase/merge.
	MergeContext       *MergeContext `json:"merge_context,omitempty"`
	UseWorktreeTaskID  string        `json:"use_worktree_task_id,omitempty"`

	// PendingResolution holds the structured HITL payload once the task
	// reaches waiting_human; cleared by resolve().
	PendingResolution *HITLPayload `json:"pending_resolution,omitempty"`

	// Delete marks this record for removal by the tasks reducer.
	Delete bool `json:"_delete,omitempty"`
}

// Clone returns a deep-enough copy of t for safe mutation by callers
// that must not alias the store's internal slices/maps.
func (t *Task) Clone() *Task {
	if t == nil {
		return nil
	}
	c := *t
	c.DependsOn = append([]string(nil), t.DependsOn...)
	c.DependencyQueries = append([]string(nil), t.DependencyQueries...)
	c.AcceptanceCriteria = append([]string(nil), t.AcceptanceCriteria...)
	c.WaitingForTasks = append([]string(nil), t.WaitingForTasks...)
	if t.QAVerdict != nil {
		v := *t.QAVerdict
		c.QAVerdict = &v
	}
	if t.AAR != nil {
		a := *t.AAR
		c.AAR = &a
	}
	if t.Escalation != nil {
		e := *t.Escalation
		c.Escalation = &e
	}
	if t.MergeContext != nil {
		mc := *t.MergeContext
		c.MergeContext = &mc
	}
	if t.PendingResolution != nil {
		p := *t.PendingResolution
		c.PendingResolution = &p
	}
	return &c
}

// DependsOnSet returns t.DependsOn as a set of ids.
func (t *Task) DependsOnSet() map[string]struct{} {
	set := make(map[string]struct{}, len(t.DependsOn))
	for _, id := range t.DependsOn {
		set[id] = struct{}{}
	}
	return set
}
