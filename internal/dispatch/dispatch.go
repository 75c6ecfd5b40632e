// Package dispatch runs the top-level cycle that advances a single run:
// replan with the director, spawn workers for ready tasks and the
// strategist for awaiting-QA tasks under bounded concurrency, fold
// their outcomes back into the store, and checkpoint and broadcast
// every resulting state change before looping again.
package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/weftlabs/weft/internal/broadcaster"
	"github.com/weftlabs/weft/internal/checkpoint"
	"github.com/weftlabs/weft/internal/director"
	"github.com/weftlabs/weft/internal/queue"
	"github.com/weftlabs/weft/internal/store"
	"github.com/weftlabs/weft/internal/strategist"
	"github.com/weftlabs/weft/internal/worker"
	"github.com/weftlabs/weft/internal/worktree"
	"github.com/weftlabs/weft/pkg/models"
)

// DefaultPollInterval bounds how long Run blocks waiting for an
// in-flight job when nothing new is ready to dispatch.
const DefaultPollInterval = 3 * time.Second

// DefaultSpawnStagger is the delay between successive spawns within a
// single cycle, avoiding git-index races between workers starting at
// the same instant.
const DefaultSpawnStagger = 500 * time.Millisecond

// Loop advances one run through repeated director/worker/strategist
// cycles until it reaches a terminal or interrupted status.
type Loop struct {
	store        *store.Store
	checkpointer checkpoint.Checkpointer
	broadcaster  *broadcaster.Broadcaster
	worktrees    *worktree.Manager
	queue        *queue.Queue
	director     *director.Director
	worker       *worker.Worker
	strategist   *strategist.Strategist

	pollInterval time.Duration
	spawnStagger time.Duration
	now          func() time.Time

	mu      sync.Mutex
	results map[string]taskResult
}

// taskResult stashes a completed job's domain-specific outcome, keyed
// by task id, until the next cycle folds it into a store patch. A bare
// queue.Result doesn't carry enough to apply — an AAR, a QA verdict, a
// spawned merger task — so jobs stash the real Outcome here themselves
// before returning to the queue.
type taskResult struct {
	worker     *worker.Outcome
	strategist *strategist.Outcome
	err        error
}

// Option configures a Loop at construction time.
type Option func(*Loop)

// WithPollInterval overrides DefaultPollInterval.
func WithPollInterval(d time.Duration) Option {
	return func(l *Loop) { l.pollInterval = d }
}

// WithSpawnStagger overrides DefaultSpawnStagger.
func WithSpawnStagger(d time.Duration) Option {
	return func(l *Loop) { l.spawnStagger = d }
}

// New creates a Loop wired to its collaborators.
func New(
	st *store.Store,
	cp checkpoint.Checkpointer,
	bc *broadcaster.Broadcaster,
	wm *worktree.Manager,
	q *queue.Queue,
	d *director.Director,
	w *worker.Worker,
	s *strategist.Strategist,
	opts ...Option,
) *Loop {
	l := &Loop{
		store:        st,
		checkpointer: cp,
		broadcaster:  bc,
		worktrees:    wm,
		queue:        q,
		director:     d,
		worker:       w,
		strategist:   s,
		pollInterval: DefaultPollInterval,
		spawnStagger: DefaultSpawnStagger,
		now:          func() time.Time { return time.Now().UTC() },
		results:      make(map[string]taskResult),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Run advances runID's cycle until it reaches a terminal status, an
// interrupted (paused, or awaiting a human resolve()) status, or ctx is
// cancelled. It returns nil on a clean stop; callers distinguish
// "finished" from "interrupted, call Run again later" via the run's
// stored Status.
func (l *Loop) Run(ctx context.Context, runID string) error {
	// A run is declared deadlocked only after this many consecutive
	// cycles with nothing to dispatch and nothing in flight.
	const deadlockIdleCycles = 10
	idleCycles := 0
	for {
		if err := ctx.Err(); err != nil {
			l.queue.CancelAll()
			return err
		}

		run, err := l.store.Get(runID)
		if err != nil {
			return fmt.Errorf("get run %s: %w", runID, err)
		}
		if isStopped(run.Status) {
			return nil
		}

		run, err = l.runDirectorCycle(ctx, run)
		if err != nil {
			return fmt.Errorf("director cycle: %w", err)
		}
		if isStopped(run.Status) {
			return nil
		}

		run, err = l.applyCompletedJobs(ctx, run)
		if err != nil {
			return fmt.Errorf("apply completed jobs: %w", err)
		}
		if isStopped(run.Status) {
			return nil
		}

		run, err = l.resolveWaitingSubtasks(ctx, run)
		if err != nil {
			return fmt.Errorf("resolve waiting-subtask tasks: %w", err)
		}

		ready, awaitingQA := l.collectDispatchable(run)
		spawned := len(ready) + len(awaitingQA)

		if spawned == 0 && l.queue.ActiveCount() == 0 {
			if run.AllTerminal() {
				return l.finish(ctx, runID, models.RunCompleted)
			}
			idleCycles++
			if idleCycles >= deadlockIdleCycles {
				return l.finish(ctx, runID, models.RunDeadlock)
			}
		} else {
			idleCycles = 0
		}

		if err := l.spawnReady(ctx, run, ready); err != nil {
			return fmt.Errorf("spawn ready tasks: %w", err)
		}
		if err := l.spawnAwaitingQA(ctx, run, awaitingQA); err != nil {
			return fmt.Errorf("spawn awaiting-qa tasks: %w", err)
		}

		if spawned == 0 {
			// Nothing new to dispatch this cycle; avoid busy-waiting until
			// one of the jobs already in flight finishes. applyCompletedJobs
			// drains whatever the queue collected by the next iteration.
			select {
			case <-ctx.Done():
				l.queue.CancelAll()
				return ctx.Err()
			case <-time.After(l.pollInterval):
			}
		}
	}
}

func isStopped(s models.RunStatus) bool {
	return s.IsTerminal() || s == models.RunInterrupted || s == models.RunPaused
}

func (l *Loop) clock() time.Time {
	if l.now != nil {
		return l.now()
	}
	return time.Now().UTC()
}

// commit applies patch to runID, checkpoints the result, and broadcasts
// it — in that order, since a subscriber must never observe a
// transition a crash immediately afterward could lose.
func (l *Loop) commit(ctx context.Context, runID string, patch store.Patch) (*models.Run, error) {
	updated, err := l.store.Apply(ctx, runID, patch)
	if err != nil {
		return nil, err
	}

	blob, err := json.Marshal(updated)
	if err != nil {
		return nil, fmt.Errorf("marshal run snapshot: %w", err)
	}
	if err := l.checkpointer.Put(ctx, runID, blob); err != nil {
		return nil, fmt.Errorf("checkpoint run %s: %w", runID, err)
	}

	if l.broadcaster != nil {
		l.broadcaster.Publish(broadcaster.Event{RunID: runID, Kind: "run_snapshot", Data: updated})
	}
	return updated, nil
}

func (l *Loop) finish(ctx context.Context, runID string, status models.RunStatus) error {
	_, err := l.commit(ctx, runID, store.Patch{Status: &status})
	return err
}

func (l *Loop) runDirectorCycle(ctx context.Context, run *models.Run) (*models.Run, error) {
	patch, err := l.director.Run(ctx, run)
	if err != nil {
		return nil, err
	}
	if patch.PendingResolution != nil {
		interrupted := models.RunInterrupted
		patch.Status = &interrupted
	}
	if patchIsEmpty(patch) {
		return run, nil
	}
	return l.commit(ctx, run.RunID, patch)
}

func (l *Loop) collectDispatchable(run *models.Run) (ready, awaitingQA []*models.Task) {
	for _, t := range run.Tasks {
		if l.queue.IsActive(t.ID) {
			continue
		}
		switch t.Status {
		case models.StatusReady:
			ready = append(ready, t)
		case models.StatusAwaitingQA:
			awaitingQA = append(awaitingQA, t)
		}
	}
	// Priority desc, ties broken by insertion order: sort.SliceStable
	// preserves run.Tasks order among equal priorities.
	sort.SliceStable(ready, func(i, j int) bool {
		return ready[i].Priority > ready[j].Priority
	})
	return ready, awaitingQA
}

func patchIsEmpty(p store.Patch) bool {
	return len(p.Tasks) == 0 && len(p.Insights) == 0 && len(p.DesignLog) == 0 &&
		len(p.TaskMemories) == 0 && p.Status == nil && p.ReplanRequested == nil &&
		p.PendingResolution == nil && !p.ClearResolution
}
