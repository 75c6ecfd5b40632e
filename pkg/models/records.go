package models

import "time"

// Extra is an open extension map carried alongside the canonical fields
// of a tagged-variant record, for forward compatibility.
type Extra map[string]any

// Spec is the run's open structured objective specification: a
// canonical set of well-known fields plus a free extension map.
type Spec struct {
	Language    string `json:"language,omitempty"`
	Framework   string `json:"framework,omitempty"`
	Constraints []string `json:"constraints,omitempty"`
	Extra       Extra  `json:"extra,omitempty"`
}

// AAR is the after-action report a worker produces on completion.
type AAR struct {
	Summary            string   `json:"summary"`
	Approach           string   `json:"approach"`
	Challenges         string   `json:"challenges,omitempty"`
	DecisionsMade      []string `json:"decisions_made,omitempty"`
	FilesModified      []string `json:"files_modified,omitempty"`
	TimeSpentEstimate  string   `json:"time_spent_estimate,omitempty"`
	Extra              Extra    `json:"extra,omitempty"`
}

// QAVerdictStatus is the strategist's PASS/FAIL decision.
type QAVerdictStatus string

const (
	VerdictPass QAVerdictStatus = "PASS"
	VerdictFail QAVerdictStatus = "FAIL"
)

// TestValidityClass classifies a reported test failure.
type TestValidityClass string

const (
	TestValidityCodeWrong TestValidityClass = "test_correct_code_wrong"
	TestValidityTestWrong TestValidityClass = "test_wrong_code_right"
	TestValidityBothWrong TestValidityClass = "both_wrong"
)

// QAVerdict is the strategist's evaluation of a build/test task.
type QAVerdict struct {
	Status   QAVerdictStatus `json:"status"`
	Feedback string          `json:"feedback,omitempty"`

	// TestsNeedingRevision lists test names the strategist judged wrong
	// despite the build passing.
	TestsNeedingRevision []string `json:"tests_needing_revision,omitempty"`
	// RefinedAcceptanceCriteria, when set, are written back to the
	// paired test task's acceptance criteria by the strategist.
	RefinedAcceptanceCriteria []string `json:"refined_acceptance_criteria,omitempty"`

	EvaluatedAt time.Time `json:"evaluated_at"`
	Extra       Extra     `json:"extra,omitempty"`
}

// EscalationType names why a worker is asking for human help.
type EscalationType string

const (
	EscalationAmbiguousSpec EscalationType = "ambiguous_spec"
	EscalationBlocked       EscalationType = "blocked"
	EscalationDestructive   EscalationType = "destructive_action"
)

// Escalation is a worker-raised request for human attention, distinct
// from the director's Phoenix-exhaustion waiting_human transition.
type Escalation struct {
	Type            EscalationType `json:"type"`
	Reason          string         `json:"reason"`
	SuggestedAction string         `json:"suggested_action,omitempty"`
	Extra           Extra          `json:"extra,omitempty"`
}

// HITLPayload is the structured resolution request the director writes
// when a task reaches waiting_human.
type HITLPayload struct {
	TaskID        string     `json:"task_id"`
	TaskSnapshot  Task       `json:"task_snapshot"`
	FailureReason string     `json:"failure_reason"`
	LastAttempt   string     `json:"last_attempt_context,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
}

// Insight is an append-only, freely-posted observation merged into the
// run by id.
type Insight struct {
	ID        string    `json:"id"`
	TaskID    string    `json:"task_id,omitempty"`
	Kind      string    `json:"kind,omitempty"`
	Body      string    `json:"body"`
	CreatedAt time.Time `json:"created_at"`
}

// DesignNote is an append-only design-log entry, e.g. a record of a
// dropped dependency edge during plan integration.
type DesignNote struct {
	ID        string    `json:"id"`
	TaskID    string    `json:"task_id,omitempty"`
	Body      string    `json:"body"`
	CreatedAt time.Time `json:"created_at"`
}

// AgentMessage is one entry in a task's conversation history
// (task_memories), as produced by the worker's agent loop.
type AgentMessage struct {
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	ToolName  string    `json:"tool_name,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// SuggestedTask is a planner's proposal for a new task, pending the
// director's plan-integration pass.
type SuggestedTask struct {
	Title                 string        `json:"title"`
	Description           string        `json:"description"`
	Component             string        `json:"component,omitempty"`
	Phase                 Phase         `json:"phase"`
	AssignedWorkerProfile WorkerProfile `json:"assigned_worker_profile"`
	AcceptanceCriteria    []string      `json:"acceptance_criteria,omitempty"`
	DependencyQueries     []string      `json:"dependency_queries,omitempty"`
	Priority              int           `json:"priority,omitempty"`
}
