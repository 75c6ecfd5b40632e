// Package director runs one dispatch-cycle's worth of planning: state
// promotion, initial decomposition, Phoenix retry/escalation, readiness
// evaluation, and multi-pass plan integration. It never mutates the
// store directly — Run returns a store.Patch for the dispatch loop to
// apply, keeping the director a pure function of a run snapshot.
package director

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/weftlabs/weft/internal/graph"
	"github.com/weftlabs/weft/internal/llm"
	"github.com/weftlabs/weft/internal/store"
	"github.com/weftlabs/weft/pkg/models"
)

// Director is stateless across calls; all per-run bookkeeping it needs
// (whether plan integration already ran for the current planner wave)
// is derived from the run snapshot's design log, not kept in the struct.
type Director struct {
	invoker llm.Invoker

	// TransitiveReduction toggles plan-integration Pass 3. Spec.md leaves
	// this an open question; DESIGN.md records the decision to default
	// it on, since a minimal DAG is strictly cheaper for every downstream
	// consumer (readiness evaluation, transitive-reduction tests) and no
	// caller has been observed to depend on redundant edges surviving.
	TransitiveReduction bool

	now func() time.Time
}

// New creates a Director backed by invoker for decomposition and plan
// integration's LLM passes.
func New(invoker llm.Invoker) *Director {
	return &Director{
		invoker:             invoker,
		TransitiveReduction: true,
		now:                 func() time.Time { return time.Now().UTC() },
	}
}

// Run executes one director invocation over run and returns the patch
// to apply. run is read-only; Run clones every task it touches.
func (d *Director) Run(ctx context.Context, run *models.Run) (store.Patch, error) {
	ps := newPlanState(run.Tasks)

	d.promotePending(ps)

	if len(run.Tasks) == 0 {
		if err := d.decompose(ctx, run, ps); err != nil {
			return store.Patch{}, fmt.Errorf("initial decomposition: %w", err)
		}
	}

	memoryClears := d.runPhoenix(ps)
	d.evaluateReadiness(ps)

	if err := d.integratePlan(ctx, run, ps, run.ReplanRequested); err != nil {
		return store.Patch{}, fmt.Errorf("plan integration: %w", err)
	}

	patch := store.Patch{
		Tasks:        ps.patchList(),
		DesignLog:    ps.notes,
		TaskMemories: memoryClears,
	}
	if ps.pendingResolution != nil {
		patch.PendingResolution = ps.pendingResolution
	}
	if run.ReplanRequested {
		cleared := false
		patch.ReplanRequested = &cleared
	}
	return patch, nil
}

// planState is the director's working copy of a run's tasks plus the
// patch fragments accumulated as each phase decides something.
type planState struct {
	tasks   []*models.Task
	byID    map[string]*models.Task
	patches map[string]*store.TaskPatch
	notes   []models.DesignNote

	pendingResolution *models.HITLPayload
}

func newPlanState(tasks []*models.Task) *planState {
	ps := &planState{
		byID:    make(map[string]*models.Task, len(tasks)),
		patches: make(map[string]*store.TaskPatch),
	}
	for _, t := range tasks {
		c := t.Clone()
		ps.tasks = append(ps.tasks, c)
		ps.byID[c.ID] = c
	}
	return ps
}

func (ps *planState) patch(id string) *store.TaskPatch {
	if p, ok := ps.patches[id]; ok {
		return p
	}
	p := &store.TaskPatch{ID: id}
	ps.patches[id] = p
	return p
}

func (ps *planState) add(t *models.Task) {
	ps.tasks = append(ps.tasks, t)
	ps.byID[t.ID] = t
	p := ps.patch(t.ID)
	p.New = true
	fillPatchFromTask(p, t)
}

func (ps *planState) setStatus(t *models.Task, s models.TaskStatus) {
	t.Status = s
	status := s
	ps.patch(t.ID).Status = &status
}

func (ps *planState) note(taskID, body string) {
	ps.notes = append(ps.notes, models.DesignNote{
		ID:        uuid.New().String(),
		TaskID:    taskID,
		Body:      body,
		CreatedAt: time.Now().UTC(),
	})
}

func (ps *planState) patchList() []store.TaskPatch {
	out := make([]store.TaskPatch, 0, len(ps.patches))
	for _, p := range ps.patches {
		out = append(out, *p)
	}
	return out
}

// fillPatchFromTask fully populates p from t — used when a brand-new
// task is introduced mid-cycle (decomposition, plan integration,
// Phoenix's fix-build spawn), since the store rejects a New patch that
// doesn't fully specify the task.
func fillPatchFromTask(p *store.TaskPatch, t *models.Task) {
	p.Title = &t.Title
	p.Description = &t.Description
	p.Component = &t.Component
	p.Phase = &t.Phase
	p.Status = &t.Status
	p.DependsOn = orEmpty(t.DependsOn)
	p.DependencyQueries = orEmpty(t.DependencyQueries)
	p.AcceptanceCriteria = orEmpty(t.AcceptanceCriteria)
	p.AssignedWorkerProfile = &t.AssignedWorkerProfile
	p.Priority = &t.Priority
	p.RetryCount = &t.RetryCount
	p.MaxRetries = &t.MaxRetries
}

// orEmpty returns a non-nil empty slice for nil input so the patch
// reducer (which treats nil as "untouched") sees an explicit empty set
// rather than leaving the field unset.
func orEmpty(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

// promotePending promotes every pending_* status (staged by the
// strategist or a worker under single-writer discipline) to its
// terminal counterpart.
func (d *Director) promotePending(ps *planState) {
	for _, t := range ps.tasks {
		switch t.Status {
		case models.StatusPendingAwaitingQA:
			ps.setStatus(t, models.StatusAwaitingQA)
		case models.StatusPendingComplete:
			ps.setStatus(t, models.StatusComplete)
			now := d.clock()
			t.CompletedAt = &now
			ps.patch(t.ID).CompletedAt = &now
		case models.StatusPendingFailed:
			ps.setStatus(t, models.StatusFailed)
		}
	}
}

func (d *Director) clock() time.Time {
	if d.now != nil {
		return d.now()
	}
	return time.Now().UTC()
}

// runPhoenix applies the Phoenix retry/escalation policy to every
// terminal-failed task. It returns the task-memory clear patches
// separately since store.Patch keeps memories out of TaskPatch.
func (d *Director) runPhoenix(ps *planState) []store.TaskMemoryPatch {
	var clears []store.TaskMemoryPatch
	// Iterate over a snapshot of the slice: Phoenix may append new build
	// tasks to ps.tasks and those must not themselves be re-scanned.
	failing := make([]*models.Task, 0)
	for _, t := range ps.tasks {
		if t.Status == models.StatusFailed || t.Status == models.StatusFailedQA {
			failing = append(failing, t)
		}
	}

	for _, t := range failing {
		if t.RetryCount < models.PhoenixExhaustionThreshold {
			newRetry := t.RetryCount + 1
			t.RetryCount = newRetry
			ps.patch(t.ID).RetryCount = &newRetry
			ps.setStatus(t, models.StatusPlanned)

			if t.Phase == models.PhaseTest {
				build := d.spawnFixBuild(t)
				ps.add(build)
				t.DependsOn = append(t.DependsOn, build.ID)
				ps.patch(t.ID).DependsOn = t.DependsOn
				ps.note(t.ID, fmt.Sprintf("spawned fix-build task %s for failed test task %s", build.ID, t.ID))
			}

			clears = append(clears, store.TaskMemoryPatch{TaskID: t.ID, Clear: true})
			continue
		}

		ps.setStatus(t, models.StatusWaitingHuman)
		payload := &models.HITLPayload{
			TaskID:        t.ID,
			TaskSnapshot:  *t.Clone(),
			FailureReason: failureReason(t),
			CreatedAt:     d.clock(),
		}
		t.PendingResolution = payload
		ps.patch(t.ID).PendingResolution = payload
		ps.pendingResolution = payload
		ps.note(t.ID, fmt.Sprintf("task %s exhausted Phoenix retries (retry_count=%d); escalated to waiting_human", t.ID, t.RetryCount))
	}
	return clears
}

func (d *Director) spawnFixBuild(failedTest *models.Task) *models.Task {
	return &models.Task{
		ID:                    uuid.New().String(),
		Title:                 fmt.Sprintf("Fix build for %s", failedTest.Title),
		Description:           fmt.Sprintf("Address the following QA feedback on %q: %s", failedTest.Title, failureReason(failedTest)),
		Component:             failedTest.Component,
		Phase:                 models.PhaseBuild,
		Status:                models.StatusPlanned,
		AssignedWorkerProfile: models.ProfileCoder,
		Priority:              failedTest.Priority,
		MaxRetries:            models.DefaultMaxRetries,
	}
}

func failureReason(t *models.Task) string {
	if t.QAVerdict != nil && t.QAVerdict.Feedback != "" {
		return t.QAVerdict.Feedback
	}
	if t.Escalation != nil && t.Escalation.Reason != "" {
		return t.Escalation.Reason
	}
	return "task failed with no recorded feedback"
}

// evaluateReadiness promotes every planned task to ready if its
// dependencies are all complete, else demotes it to blocked.
func (d *Director) evaluateReadiness(ps *planState) {
	g := graph.New()
	if err := g.Build(ps.tasks); err != nil {
		// A cycle here means an earlier phase introduced one despite the
		// acyclicity invariant; readiness simply can't be computed this
		// cycle. The store's own check will reject the patch if it's
		// actually cyclic, surfacing the problem loudly.
		return
	}

	for _, t := range ps.tasks {
		if t.Status != models.StatusPlanned && t.Status != models.StatusBlocked {
			continue
		}
		allComplete := true
		for _, dep := range t.DependsOn {
			depTask := ps.byID[dep]
			if depTask == nil {
				allComplete = false
				break
			}
			// An abandoned dependency can never reach complete; treat it as
			// satisfied so abandon_task's dependents aren't blocked forever.
			if depTask.Status != models.StatusComplete && depTask.Status != models.StatusAbandoned {
				allComplete = false
				break
			}
		}
		if allComplete {
			ps.setStatus(t, models.StatusReady)
		} else {
			ps.setStatus(t, models.StatusBlocked)
		}
	}
}
