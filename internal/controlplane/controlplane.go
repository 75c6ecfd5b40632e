// Package controlplane is the create/pause/resume/cancel/restart/
// replan/update_task/abandon_task/resolve surface a transport exposes
// over a run: every write goes through a store.Patch committed with
// the same checkpoint-then-broadcast ordering the dispatch loop uses,
// and every operation that should make progress on a stopped run
// (re)starts its dispatch.Loop goroutine.
//
// Grounded on Alphie's internal/orchestrator/approval.go request/
// response channel pattern for the resolve/HITL contract, generalized
// from "approve one task's diff" to the full set of run-level control
// operations.
package controlplane

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/weftlabs/weft/internal/broadcaster"
	"github.com/weftlabs/weft/internal/checkpoint"
	"github.com/weftlabs/weft/internal/director"
	"github.com/weftlabs/weft/internal/dispatch"
	"github.com/weftlabs/weft/internal/queue"
	"github.com/weftlabs/weft/internal/store"
	"github.com/weftlabs/weft/internal/strategist"
	"github.com/weftlabs/weft/internal/worker"
	"github.com/weftlabs/weft/internal/worktree"
	"github.com/weftlabs/weft/pkg/models"
)

// DefaultQueueCapacity bounds how many workers/strategist jobs a
// single run's dispatch loop may have in flight at once.
const DefaultQueueCapacity = 4

// Option configures a ControlPlane at construction time.
type Option func(*ControlPlane)

// WithQueueCapacity overrides DefaultQueueCapacity.
func WithQueueCapacity(n int64) Option {
	return func(c *ControlPlane) { c.queueCapacity = n }
}

// WithPollInterval overrides the poll interval every run's dispatch
// loop is constructed with.
func WithPollInterval(d time.Duration) Option {
	return func(c *ControlPlane) { c.pollInterval = d }
}

// WithSpawnStagger overrides the spawn stagger every run's dispatch
// loop is constructed with.
func WithSpawnStagger(d time.Duration) Option {
	return func(c *ControlPlane) { c.spawnStagger = d }
}

// ControlPlane owns the registry of live dispatch loops, one per
// running run, and every operation that mutates a run's top-level
// status.
type ControlPlane struct {
	store        *store.Store
	checkpointer checkpoint.Checkpointer
	broadcaster  *broadcaster.Broadcaster
	worktrees    *worktree.Manager
	director     *director.Director
	worker       *worker.Worker
	strategist   *strategist.Strategist

	queueCapacity int64
	pollInterval  time.Duration
	spawnStagger  time.Duration
	now           func() time.Time

	mu    sync.Mutex
	loops map[string]*runHandle
}

type runHandle struct {
	cancel  context.CancelFunc
	running bool
}

// New creates a ControlPlane wired to its collaborators. Every run
// Create (or Resume/Restart/resolve) spawns is given its own queue and
// dispatch.Loop built from these shared, stateless collaborators.
func New(
	st *store.Store,
	cp checkpoint.Checkpointer,
	bc *broadcaster.Broadcaster,
	wm *worktree.Manager,
	d *director.Director,
	w *worker.Worker,
	s *strategist.Strategist,
	opts ...Option,
) *ControlPlane {
	c := &ControlPlane{
		store:         st,
		checkpointer:  cp,
		broadcaster:   bc,
		worktrees:     wm,
		director:      d,
		worker:        w,
		strategist:    s,
		queueCapacity: DefaultQueueCapacity,
		pollInterval:  dispatch.DefaultPollInterval,
		spawnStagger:  dispatch.DefaultSpawnStagger,
		now:           func() time.Time { return time.Now().UTC() },
		loops:         make(map[string]*runHandle),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Create registers a new run and starts its dispatch loop.
func (c *ControlPlane) Create(ctx context.Context, objective string, spec models.Spec, workspace string) (string, error) {
	runID := uuid.New().String()
	now := c.clock()
	run := &models.Run{
		RunID:         runID,
		ThreadID:      uuid.New().String(),
		Objective:     objective,
		Spec:          spec,
		Status:        models.RunRunning,
		WorkspaceRoot: workspace,
		TaskMemories:  make(map[string][]models.AgentMessage),
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	c.store.Create(run)

	blob, err := json.Marshal(run)
	if err != nil {
		return "", fmt.Errorf("marshal initial run snapshot: %w", err)
	}
	if err := c.checkpointer.Put(ctx, runID, blob); err != nil {
		return "", fmt.Errorf("checkpoint run %s: %w", runID, err)
	}
	if c.broadcaster != nil {
		c.broadcaster.Publish(broadcaster.Event{RunID: runID, Kind: "run_created", Data: run})
	}

	c.startLoop(runID)
	return runID, nil
}

// Get returns the current snapshot of a run.
func (c *ControlPlane) Get(runID string) (*models.Run, error) {
	return c.store.Get(runID)
}

// List returns a page of run summaries, oldest-registration-order
// being whatever order the store happens to hold them in — callers
// that need stable ordering should sort on the returned CreatedAt.
func (c *ControlPlane) List(limit, offset int) (items []models.RunSummary, total int, hasMore bool) {
	all := c.store.List()
	total = len(all)
	if offset >= total {
		return nil, total, false
	}
	end := offset + limit
	if limit <= 0 || end > total {
		end = total
	}
	return all[offset:end], total, end < total
}

// Pause requests a cooperative stop: the loop finishes its current
// iteration and exits the next time it observes the paused status.
func (c *ControlPlane) Pause(ctx context.Context, runID string) error {
	run, err := c.store.Get(runID)
	if err != nil {
		return err
	}
	if run.Status != models.RunRunning {
		return fmt.Errorf("pause %s: run is %s, not running", runID, run.Status)
	}
	status := models.RunPaused
	_, err = c.commit(ctx, runID, store.Patch{Status: &status})
	return err
}

// Resume un-pauses a run and restarts its dispatch loop.
func (c *ControlPlane) Resume(ctx context.Context, runID string) error {
	run, err := c.store.Get(runID)
	if err != nil {
		return err
	}
	if run.Status != models.RunPaused {
		return fmt.Errorf("resume %s: run is %s, not paused", runID, run.Status)
	}
	status := models.RunRunning
	if _, err := c.commit(ctx, runID, store.Patch{Status: &status}); err != nil {
		return err
	}
	c.ensureLoopRunning(runID)
	return nil
}

// Cancel hard-stops a run: its queue's in-flight jobs are cancelled
// cooperatively (each must unwind without touching trunk) and the run
// is marked cancelled immediately, a terminal status.
func (c *ControlPlane) Cancel(ctx context.Context, runID string) error {
	run, err := c.store.Get(runID)
	if err != nil {
		return err
	}
	if run.Status.IsTerminal() {
		return fmt.Errorf("cancel %s: run already %s", runID, run.Status)
	}

	c.mu.Lock()
	h, ok := c.loops[runID]
	c.mu.Unlock()
	if ok && h.running {
		h.cancel()
	}

	status := models.RunCancelled
	_, err = c.commit(ctx, runID, store.Patch{Status: &status})
	return err
}

// Restart re-enters the dispatch loop for a run sitting in a stopped
// but non-terminal state — paused, interrupted (after a resolve), or
// deadlocked (after an operator intervened with update_task/
// abandon_task).
func (c *ControlPlane) Restart(ctx context.Context, runID string) error {
	run, err := c.store.Get(runID)
	if err != nil {
		return err
	}
	switch run.Status {
	case models.RunInterrupted, models.RunPaused, models.RunDeadlock:
	default:
		return fmt.Errorf("restart %s: run is %s, cannot restart", runID, run.Status)
	}
	status := models.RunRunning
	if _, err := c.commit(ctx, runID, store.Patch{Status: &status}); err != nil {
		return err
	}
	c.ensureLoopRunning(runID)
	return nil
}

// Replan sets replan_requested, which the director's next invocation
// interprets as "re-run plan integration even though it already ran".
func (c *ControlPlane) Replan(ctx context.Context, runID string) error {
	if _, err := c.store.Get(runID); err != nil {
		return err
	}
	requested := true
	if _, err := c.commit(ctx, runID, store.Patch{ReplanRequested: &requested}); err != nil {
		return err
	}
	c.ensureLoopRunning(runID)
	return nil
}

// DependencyEdit is the only shape update_task accepts: a single add
// and/or remove against a task's depends_on list. The reducer's
// acyclicity check rejects an edit that would introduce a cycle.
type DependencyEdit struct {
	AddDependency    string
	RemoveDependency string
}

// UpdateTask applies a dependency edit to a task.
func (c *ControlPlane) UpdateTask(ctx context.Context, runID, taskID string, edit DependencyEdit) error {
	run, err := c.store.Get(runID)
	if err != nil {
		return err
	}
	task := run.TaskByID(taskID)
	if task == nil {
		return fmt.Errorf("update task %s: %w", taskID, models.ErrTaskNotFound)
	}

	deps := append([]string(nil), task.DependsOn...)
	if edit.RemoveDependency != "" {
		filtered := deps[:0]
		for _, d := range deps {
			if d != edit.RemoveDependency {
				filtered = append(filtered, d)
			}
		}
		deps = filtered
	}
	if edit.AddDependency != "" {
		deps = append(deps, edit.AddDependency)
	}

	_, err = c.commit(ctx, runID, store.Patch{Tasks: []store.TaskPatch{{ID: taskID, DependsOn: deps}}})
	return err
}

// AbandonTask marks a task abandoned. The next director cycle's
// evaluateReadiness treats an abandoned dependency as satisfied, so
// the task's dependents are unblocked without any further action here.
func (c *ControlPlane) AbandonTask(ctx context.Context, runID, taskID string) error {
	run, err := c.store.Get(runID)
	if err != nil {
		return err
	}
	if run.TaskByID(taskID) == nil {
		return fmt.Errorf("abandon task %s: %w", taskID, models.ErrTaskNotFound)
	}
	abandoned := models.StatusAbandoned
	_, err = c.commit(ctx, runID, store.Patch{Tasks: []store.TaskPatch{{ID: taskID, Status: &abandoned}}})
	return err
}

// GetTaskMemories returns a task's stored conversation history.
func (c *ControlPlane) GetTaskMemories(runID, taskID string) ([]models.AgentMessage, error) {
	run, err := c.store.Get(runID)
	if err != nil {
		return nil, err
	}
	if run.TaskByID(taskID) == nil {
		return nil, fmt.Errorf("task memories for %s: %w", taskID, models.ErrTaskNotFound)
	}
	return run.TaskMemories[taskID], nil
}

// GetInterrupts returns the run's pending HITL payload, or nil if the
// run isn't currently interrupted.
func (c *ControlPlane) GetInterrupts(runID string) (*models.HITLPayload, error) {
	run, err := c.store.Get(runID)
	if err != nil {
		return nil, err
	}
	return run.PendingResolution, nil
}

func (c *ControlPlane) clock() time.Time {
	if c.now != nil {
		return c.now()
	}
	return time.Now().UTC()
}

// commit applies patch to runID, checkpoints the result, and
// broadcasts it — the same ordering internal/dispatch's own commit
// enforces, duplicated here rather than exported from dispatch since
// ControlPlane and Loop commit from different goroutines against
// independent concerns (run-level status vs. task-level progress).
func (c *ControlPlane) commit(ctx context.Context, runID string, patch store.Patch) (*models.Run, error) {
	updated, err := c.store.Apply(ctx, runID, patch)
	if err != nil {
		return nil, err
	}

	blob, err := json.Marshal(updated)
	if err != nil {
		return nil, fmt.Errorf("marshal run snapshot: %w", err)
	}
	if err := c.checkpointer.Put(ctx, runID, blob); err != nil {
		return nil, fmt.Errorf("checkpoint run %s: %w", runID, err)
	}

	if c.broadcaster != nil {
		c.broadcaster.Publish(broadcaster.Event{RunID: runID, Kind: "run_snapshot", Data: updated})
	}
	return updated, nil
}

// startLoop launches a fresh queue and dispatch.Loop for runID and
// records the handle used by Cancel/ensureLoopRunning.
func (c *ControlPlane) startLoop(runID string) {
	ctx, cancel := context.WithCancel(context.Background())

	c.mu.Lock()
	c.loops[runID] = &runHandle{cancel: cancel, running: true}
	c.mu.Unlock()

	q := queue.New(c.queueCapacity)
	loop := dispatch.New(c.store, c.checkpointer, c.broadcaster, c.worktrees, q, c.director, c.worker, c.strategist,
		dispatch.WithPollInterval(c.pollInterval), dispatch.WithSpawnStagger(c.spawnStagger))

	go func() {
		_ = loop.Run(ctx, runID)
		c.mu.Lock()
		if h, ok := c.loops[runID]; ok {
			h.running = false
		}
		c.mu.Unlock()
	}()
}

// ensureLoopRunning starts a loop for runID unless one is already
// active, so Resume/Restart/Resolve are safe to call even if the
// previous loop hadn't yet observed its stop condition.
func (c *ControlPlane) ensureLoopRunning(runID string) {
	c.mu.Lock()
	h, ok := c.loops[runID]
	alreadyRunning := ok && h.running
	c.mu.Unlock()
	if !alreadyRunning {
		c.startLoop(runID)
	}
}
