// Package store holds the authoritative in-memory Run state and applies
// structured patches to it with reducer semantics: union-by-id merges
// for tasks/insights/design notes, append-with-clear for task memories,
// and last-write-wins for scalars. Every patch that touches task
// dependencies is checked for acyclicity before it commits.
package store

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/weftlabs/weft/internal/graph"
	"github.com/weftlabs/weft/pkg/models"
)

// TaskPatch carries either a full replacement/merge for a task (by ID)
// or a deletion (Delete=true, all other fields ignored except ID).
type TaskPatch struct {
	ID                    string
	Title                 *string
	Description           *string
	Component             *string
	Phase                 *models.Phase
	Status                *models.TaskStatus
	DependsOn             []string
	DependencyQueries     []string
	AcceptanceCriteria    []string
	AssignedWorkerProfile *models.WorkerProfile
	Priority              *int
	RetryCount            *int
	MaxRetries            *int
	ResultPath            *string
	QAVerdict             *models.QAVerdict
	AAR                   *models.AAR
	Escalation            *models.Escalation
	Checkpoint            []byte
	WaitingForTasks       []string
	BranchName            *string
	WorktreePath          *string
	StartedAt             *time.Time
	CompletedAt           *time.Time
	MergeContext          *models.MergeContext
	UseWorktreeTaskID     *string
	PendingResolution     *models.HITLPayload
	Delete                bool

	// New, when true, means this is a brand-new task and ID-collision
	// with an existing task is an error rather than a merge.
	New bool
}

// TaskMemoryPatch appends messages to a task's conversation history, or
// clears it first when Clear is true (used on a Phoenix retry).
type TaskMemoryPatch struct {
	TaskID   string
	Clear    bool
	Messages []models.AgentMessage
}

// Patch is the unit of mutation applied to a Run. All non-nil/non-empty
// fields are merged; nil/empty fields are left untouched.
type Patch struct {
	Tasks        []TaskPatch
	Insights     []models.Insight
	DesignLog    []models.DesignNote
	TaskMemories []TaskMemoryPatch

	Status            *models.RunStatus
	ReplanRequested   *bool
	PendingResolution *models.HITLPayload
	ClearResolution   bool
}

// Store is the process-wide run registry. Every run's read-modify-write
// cycle is serialized through its own mutex so concurrent director,
// worker, and strategist goroutines never race on the same Run.
type Store struct {
	mu   sync.Mutex
	runs map[string]*runEntry
}

type runEntry struct {
	mu  sync.Mutex
	run *models.Run
}

// New creates an empty Store.
func New() *Store {
	return &Store{runs: make(map[string]*runEntry)}
}

// Create registers a new run.
func (s *Store) Create(run *models.Run) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.runs[run.RunID] = &runEntry{run: run}
}

func (s *Store) entry(runID string) (*runEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.runs[runID]
	if !ok {
		return nil, models.ErrRunNotFound
	}
	return e, nil
}

// Get returns a deep-enough snapshot of the run for reads. Callers must
// not mutate the returned tasks; use Apply for writes.
func (s *Store) Get(runID string) (*models.Run, error) {
	e, err := s.entry(runID)
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return snapshot(e.run), nil
}

// List returns summaries of every registered run.
func (s *Store) List() []models.RunSummary {
	s.mu.Lock()
	entries := make([]*runEntry, 0, len(s.runs))
	for _, e := range s.runs {
		entries = append(entries, e)
	}
	s.mu.Unlock()

	summaries := make([]models.RunSummary, 0, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		summaries = append(summaries, e.run.Summarize())
		e.mu.Unlock()
	}
	return summaries
}

func snapshot(r *models.Run) *models.Run {
	cp := *r
	cp.Tasks = make([]*models.Task, len(r.Tasks))
	for i, t := range r.Tasks {
		cp.Tasks[i] = t.Clone()
	}
	cp.DesignLog = append([]models.DesignNote(nil), r.DesignLog...)
	cp.Insights = append([]models.Insight(nil), r.Insights...)
	cp.TaskMemories = make(map[string][]models.AgentMessage, len(r.TaskMemories))
	for k, v := range r.TaskMemories {
		cp.TaskMemories[k] = append([]models.AgentMessage(nil), v...)
	}
	return &cp
}

// Apply merges patch into runID's state under the run's lock, verifying
// acyclicity before committing any dependency change. It returns the
// post-apply snapshot so callers (e.g. the broadcaster) can publish it
// atomically with the commit — checkpoint-before-broadcast ordering is
// the caller's responsibility.
func (s *Store) Apply(ctx context.Context, runID string, patch Patch) (*models.Run, error) {
	e, err := s.entry(runID)
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	working := snapshot(e.run)
	if err := applyTasks(working, patch.Tasks); err != nil {
		return nil, err
	}
	if needsAcyclicityCheck(patch.Tasks) {
		g := graph.New()
		if err := g.Build(working.Tasks); err != nil {
			return nil, fmt.Errorf("patch rejected: %w", err)
		}
	}

	applyInsights(working, patch.Insights)
	applyDesignLog(working, patch.DesignLog)
	applyTaskMemories(working, patch.TaskMemories)

	if patch.Status != nil {
		working.Status = *patch.Status
	}
	if patch.ReplanRequested != nil {
		working.ReplanRequested = *patch.ReplanRequested
	}
	if patch.ClearResolution {
		working.PendingResolution = nil
	} else if patch.PendingResolution != nil {
		working.PendingResolution = patch.PendingResolution
	}
	working.UpdatedAt = timeNow()

	e.run = working
	return snapshot(working), nil
}

func needsAcyclicityCheck(patches []TaskPatch) bool {
	for _, p := range patches {
		if p.DependsOn != nil || p.New {
			return true
		}
	}
	return false
}

// timeNow is the store's one clock access point so tests can stub it if
// ever needed; production code just calls time.Now.
var timeNow = func() time.Time { return time.Now().UTC() }
