package dispatch

import (
	"context"
	"fmt"
	"time"

	"github.com/weftlabs/weft/internal/queue"
	"github.com/weftlabs/weft/internal/store"
	"github.com/weftlabs/weft/internal/worktree"
	"github.com/weftlabs/weft/pkg/models"
)

// worktreeFor resolves the worktree a ready task should run in. A task
// carrying UseWorktreeTaskID (a strategist-spawned merger) reuses the
// conflicted task's existing worktree instead of getting a fresh one —
// the conflict only exists inside that checkout.
func (l *Loop) worktreeFor(ctx context.Context, run *models.Run, task *models.Task) (*worktree.Worktree, error) {
	if task.UseWorktreeTaskID != "" {
		orig := run.TaskByID(task.UseWorktreeTaskID)
		if orig == nil || orig.WorktreePath == "" || orig.BranchName == "" {
			return nil, fmt.Errorf("task %s: no worktree recorded for reused task %s", task.ID, task.UseWorktreeTaskID)
		}
		return &worktree.Worktree{TaskID: orig.ID, Path: orig.WorktreePath, BranchName: orig.BranchName}, nil
	}
	return l.worktrees.Create(ctx, task.ID, task.RetryCount)
}

// spawnReady assigns each ready task a worktree, marks it active, and
// hands it to a Worker job under the queue's concurrency cap. ready
// must already be sorted priority desc, insertion order ascending;
// spawnReady dispatches at most available_slots of them, leaving the
// rest ready for a later cycle.
func (l *Loop) spawnReady(ctx context.Context, run *models.Run, ready []*models.Task) error {
	if slots := l.queue.AvailableSlots(); int64(len(ready)) > slots {
		ready = ready[:slots]
	}

	for i, task := range ready {
		if i > 0 {
			if err := l.stagger(ctx); err != nil {
				return err
			}
		}

		wt, err := l.worktreeFor(ctx, run, task)
		if err != nil {
			return fmt.Errorf("acquire worktree for %s: %w", task.ID, err)
		}

		status := models.StatusActive
		startedAt := l.clock()
		branch := wt.BranchName
		path := wt.Path
		updated, err := l.commit(ctx, run.RunID, store.Patch{Tasks: []store.TaskPatch{{
			ID:           task.ID,
			Status:       &status,
			BranchName:   &branch,
			WorktreePath: &path,
			StartedAt:    &startedAt,
		}}})
		if err != nil {
			return fmt.Errorf("mark task %s active: %w", task.ID, err)
		}
		run = updated

		taskSnapshot := task.Clone()
		taskSnapshot.Status = status
		taskSnapshot.BranchName = branch
		taskSnapshot.WorktreePath = path
		runSnapshot := run
		wtCopy := wt

		job := queue.Job{TaskID: task.ID, Run: func(jobCtx context.Context) error {
			outcome, runErr := l.worker.Run(jobCtx, taskSnapshot, runSnapshot, wtCopy.Path)
			if runErr == nil {
				commitMsg := fmt.Sprintf("Task %s: %s", taskSnapshot.ID, taskSnapshot.Title)
				if _, commitErr := l.worktrees.CommitChanges(jobCtx, wtCopy, commitMsg); commitErr != nil {
					l.storeResult(task.ID, taskResult{worker: &outcome, err: commitErr})
					return commitErr
				}
			}
			l.storeResult(task.ID, taskResult{worker: &outcome, err: runErr})
			return runErr
		}}
		ok, err := l.queue.Spawn(ctx, job)
		if err != nil {
			return fmt.Errorf("spawn worker for %s: %w", task.ID, err)
		}
		if !ok {
			// Raced another spawn for the last free slot; the task stays
			// ready and is picked up on a later cycle.
			break
		}
	}
	return nil
}

// spawnAwaitingQA hands each awaiting-QA task, still checked out in the
// worktree its worker left behind, to a Strategist job.
func (l *Loop) spawnAwaitingQA(ctx context.Context, run *models.Run, awaitingQA []*models.Task) error {
	for i, task := range awaitingQA {
		if i > 0 {
			if err := l.stagger(ctx); err != nil {
				return err
			}
		}
		if task.WorktreePath == "" || task.BranchName == "" {
			return fmt.Errorf("task %s reached awaiting_qa with no recorded worktree", task.ID)
		}

		wt := &worktree.Worktree{TaskID: task.ID, Path: task.WorktreePath, BranchName: task.BranchName}
		taskSnapshot := task.Clone()

		job := queue.Job{TaskID: task.ID, Run: func(jobCtx context.Context) error {
			outcome, runErr := l.strategist.Run(jobCtx, taskSnapshot, wt)
			l.storeResult(task.ID, taskResult{strategist: &outcome, err: runErr})
			return runErr
		}}
		ok, err := l.queue.Spawn(ctx, job)
		if err != nil {
			return fmt.Errorf("spawn strategist for %s: %w", task.ID, err)
		}
		if !ok {
			break
		}
	}
	return nil
}

func (l *Loop) stagger(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(l.spawnStagger):
		return nil
	}
}

func (l *Loop) storeResult(taskID string, res taskResult) {
	l.mu.Lock()
	l.results[taskID] = res
	l.mu.Unlock()
}

// applyCompletedJobs drains every job the queue has finished since the
// last cycle and folds each one's stashed Outcome into a single patch.
func (l *Loop) applyCompletedJobs(ctx context.Context, run *models.Run) (*models.Run, error) {
	completed := l.queue.CollectCompleted()
	if len(completed) == 0 {
		return run, nil
	}

	var patch store.Patch
	for _, c := range completed {
		l.mu.Lock()
		res, ok := l.results[c.TaskID]
		delete(l.results, c.TaskID)
		l.mu.Unlock()
		if !ok {
			continue
		}
		task := run.TaskByID(c.TaskID)
		if task == nil {
			continue
		}
		l.applyJobResult(&patch, task, res)
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

func (l *Loop) applyJobResult(patch *store.Patch, task *models.Task, res taskResult) {
	tp := store.TaskPatch{ID: task.ID}

	switch {
	case res.worker != nil:
		out := res.worker
		status := out.NextStatus
		tp.Status = &status
		if out.AAR != nil {
			tp.AAR = out.AAR
		}
		if out.Escalation != nil {
			tp.Escalation = out.Escalation
			payload := &models.HITLPayload{
				TaskID:        task.ID,
				TaskSnapshot:  *task.Clone(),
				FailureReason: out.Escalation.Reason,
				CreatedAt:     l.clock(),
			}
			tp.PendingResolution = payload
			patch.PendingResolution = payload
		}
		if len(out.Messages) > 0 {
			patch.TaskMemories = append(patch.TaskMemories, store.TaskMemoryPatch{TaskID: task.ID, Messages: out.Messages})
		}

	case res.strategist != nil:
		out := res.strategist
		status := out.NextStatus
		tp.Status = &status
		if out.QAVerdict != nil {
			tp.QAVerdict = out.QAVerdict
		}
		if len(out.RefinedAcceptanceCriteria) > 0 {
			tp.AcceptanceCriteria = out.RefinedAcceptanceCriteria
		}
		if len(out.WaitingForTasks) > 0 {
			tp.WaitingForTasks = out.WaitingForTasks
		}
		if out.MergerTask != nil {
			patch.Tasks = append(patch.Tasks, newTaskPatch(out.MergerTask))
		}

	case res.err != nil:
		failed := models.StatusPendingFailed
		tp.Status = &failed

	default:
		return
	}

	patch.Tasks = append(patch.Tasks, tp)
}

// resolveWaitingSubtasks promotes a task out of waiting_subtask once
// every task in its WaitingForTasks list has settled: to complete if
// all settled successfully (its own changes already reached trunk via
// the merger sharing its branch), or back to failed — for Phoenix to
// retry — if any did not.
func (l *Loop) resolveWaitingSubtasks(ctx context.Context, run *models.Run) (*models.Run, error) {
	var patch store.Patch
	for _, t := range run.Tasks {
		if t.Status != models.StatusWaitingSubtask || len(t.WaitingForTasks) == 0 {
			continue
		}

		settled, succeeded := true, true
		for _, id := range t.WaitingForTasks {
			dep := run.TaskByID(id)
			if dep == nil {
				settled = false
				break
			}
			switch dep.Status {
			case models.StatusComplete:
			case models.StatusAbandoned, models.StatusWaitingHuman, models.StatusFailed, models.StatusFailedQA:
				succeeded = false
			default:
				settled = false
			}
		}
		if !settled {
			continue
		}

		tp := store.TaskPatch{ID: t.ID}
		if succeeded {
			status := models.StatusComplete
			now := l.clock()
			tp.Status = &status
			tp.CompletedAt = &now
		} else {
			status := models.StatusFailed
			tp.Status = &status
		}
		patch.Tasks = append(patch.Tasks, tp)
	}

	if patchIsEmpty(patch) {
		return run, nil
	}
	return l.commit(ctx, run.RunID, patch)
}

// newTaskPatch fully populates a TaskPatch for a brand-new task — used
// when the strategist spawns a merger task mid-cycle, mirroring how the
// director fills a patch for its own new tasks.
func newTaskPatch(t *models.Task) store.TaskPatch {
	return store.TaskPatch{
		ID:                    t.ID,
		New:                   true,
		Title:                 &t.Title,
		Description:           &t.Description,
		Component:             &t.Component,
		Phase:                 &t.Phase,
		Status:                &t.Status,
		DependsOn:             orEmpty(t.DependsOn),
		DependencyQueries:     orEmpty(t.DependencyQueries),
		AcceptanceCriteria:    orEmpty(t.AcceptanceCriteria),
		AssignedWorkerProfile: &t.AssignedWorkerProfile,
		Priority:              &t.Priority,
		RetryCount:            &t.RetryCount,
		MaxRetries:            &t.MaxRetries,
		MergeContext:          t.MergeContext,
		UseWorktreeTaskID:     &t.UseWorktreeTaskID,
	}
}

func orEmpty(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
