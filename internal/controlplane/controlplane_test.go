package controlplane

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/weftlabs/weft/internal/broadcaster"
	"github.com/weftlabs/weft/internal/checkpoint"
	"github.com/weftlabs/weft/internal/director"
	"github.com/weftlabs/weft/internal/gitrunner"
	"github.com/weftlabs/weft/internal/llm"
	"github.com/weftlabs/weft/internal/store"
	"github.com/weftlabs/weft/internal/strategist"
	"github.com/weftlabs/weft/internal/toolset"
	"github.com/weftlabs/weft/internal/worker"
	"github.com/weftlabs/weft/internal/worktree"
	"github.com/weftlabs/weft/pkg/models"
)

// fakeRunner is a no-op gitrunner.Runner: every control-plane test
// either stops a run before any worker/strategist activity reaches git
// at all, or exercises only store-level state transitions.
type fakeRunner struct{ currentBranch string }

func (f *fakeRunner) Run(ctx context.Context, args ...string) (string, error) { return "", nil }
func (f *fakeRunner) CurrentBranch(ctx context.Context) (string, error)       { return f.currentBranch, nil }
func (f *fakeRunner) BranchExists(ctx context.Context, name string) (bool, error) {
	return false, nil
}
func (f *fakeRunner) DeleteBranch(ctx context.Context, name string) error             { return nil }
func (f *fakeRunner) Status(ctx context.Context) (string, error)                     { return "", nil }
func (f *fakeRunner) HasChanges(ctx context.Context) (bool, error)                   { return false, nil }
func (f *fakeRunner) Add(ctx context.Context, paths ...string) error                 { return nil }
func (f *fakeRunner) Commit(ctx context.Context, message string) error               { return nil }
func (f *fakeRunner) Rebase(ctx context.Context, base string) error                  { return nil }
func (f *fakeRunner) RebaseAbort(ctx context.Context) error                          { return nil }
func (f *fakeRunner) MergeAbort(ctx context.Context) error                           { return nil }
func (f *fakeRunner) HasConflicts(ctx context.Context) (bool, error)                 { return false, nil }
func (f *fakeRunner) ConflictedFiles(ctx context.Context) ([]string, error)          { return nil, nil }
func (f *fakeRunner) MergeNoFFMessage(ctx context.Context, branch, message string) error {
	return nil
}
func (f *fakeRunner) WorktreeAddNewBranch(ctx context.Context, path, branch string) error {
	return nil
}
func (f *fakeRunner) WorktreeRemove(ctx context.Context, path string, force bool) error { return nil }
func (f *fakeRunner) WorktreeList(ctx context.Context) ([]string, error)               { return nil, nil }
func (f *fakeRunner) WorktreePrune(ctx context.Context) error                          { return nil }

var _ gitrunner.Runner = (*fakeRunner)(nil)

func newTestControlPlane(t *testing.T) *ControlPlane {
	t.Helper()
	st := store.New()
	cp, err := checkpoint.OpenFileStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = cp.Close() })
	bc := broadcaster.New(8)
	r := &fakeRunner{currentBranch: "main"}
	wm, err := worktree.NewWithRunnerFactory(t.TempDir(), "/tmp/trunk", func(string) gitrunner.Runner { return r })
	require.NoError(t, err)
	d := director.New(llm.NewReplayInvoker())
	w := worker.New(llm.NewReplayInvoker(), func(string) toolset.Registry { return toolset.New(t.TempDir()) })
	s := strategist.New(llm.NewReplayInvoker(), wm)
	return New(st, cp, bc, wm, d, w, s, WithQueueCapacity(2), WithPollInterval(5*time.Millisecond), WithSpawnStagger(0))
}

func waitForStatus(t *testing.T, c *ControlPlane, runID string, want models.RunStatus) *models.Run {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		run, err := c.Get(runID)
		require.NoError(t, err)
		if run.Status == want {
			return run
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("run %s never reached status %s", runID, want)
	return nil
}

func TestCreateStartsARunningLoop(t *testing.T) {
	c := newTestControlPlane(t)
	runID, err := c.Create(context.Background(), "ship the thing", models.Spec{}, "/tmp/trunk")
	require.NoError(t, err)

	run, err := c.Get(runID)
	require.NoError(t, err)
	require.Equal(t, models.RunRunning, run.Status)

	// No tasks were seeded and the director's invoker has no scripted
	// response, so the loop's first cycle fails initial decomposition and
	// the loop exits with the run still running; Pause still moves it to
	// paused without needing a worker invoker script.
	require.NoError(t, c.Pause(context.Background(), runID))
	waitForStatus(t, c, runID, models.RunPaused)
}

func TestPauseResumeRoundTrip(t *testing.T) {
	c := newTestControlPlane(t)
	runID, err := c.Create(context.Background(), "ship the thing", models.Spec{}, "/tmp/trunk")
	require.NoError(t, err)

	require.NoError(t, c.Pause(context.Background(), runID))
	waitForStatus(t, c, runID, models.RunPaused)

	require.ErrorContains(t, c.Pause(context.Background(), runID), "not running")

	require.NoError(t, c.Resume(context.Background(), runID))
	run, err := c.Get(runID)
	require.NoError(t, err)
	require.Equal(t, models.RunRunning, run.Status)
}

func TestCancelIsTerminalAndRejectsRecancel(t *testing.T) {
	c := newTestControlPlane(t)
	runID, err := c.Create(context.Background(), "ship the thing", models.Spec{}, "/tmp/trunk")
	require.NoError(t, err)

	require.NoError(t, c.Cancel(context.Background(), runID))
	run, err := c.Get(runID)
	require.NoError(t, err)
	require.Equal(t, models.RunCancelled, run.Status)
	require.True(t, run.Status.IsTerminal())

	err = c.Cancel(context.Background(), runID)
	require.ErrorContains(t, err, "already")
}

func TestRestartFromInterrupted(t *testing.T) {
	c := newTestControlPlane(t)
	runID, err := c.Create(context.Background(), "ship the thing", models.Spec{}, "/tmp/trunk")
	require.NoError(t, err)

	interrupted := models.RunInterrupted
	payload := &models.HITLPayload{TaskID: "t1", FailureReason: "escalated", CreatedAt: time.Now().UTC()}
	_, err = c.commit(context.Background(), runID, store.Patch{Status: &interrupted, PendingResolution: payload})
	require.NoError(t, err)

	require.NoError(t, c.Restart(context.Background(), runID))
	run, err := c.Get(runID)
	require.NoError(t, err)
	require.Equal(t, models.RunRunning, run.Status)
}

func TestReplanSetsAndDirectorClearsTheFlag(t *testing.T) {
	c := newTestControlPlane(t)
	runID, err := c.Create(context.Background(), "ship the thing", models.Spec{}, "/tmp/trunk")
	require.NoError(t, err)
	require.NoError(t, c.Pause(context.Background(), runID))
	waitForStatus(t, c, runID, models.RunPaused)

	// A single already-complete, non-planner task skips initial
	// decomposition and gives integratePlan nothing to fold in, so the
	// director cycle that clears the flag never touches the worker or
	// strategist invokers.
	done := &models.Task{ID: "t1", Title: "Done already", Phase: models.PhaseBuild, Status: models.StatusComplete, AssignedWorkerProfile: models.ProfileCoder, MaxRetries: models.DefaultMaxRetries}
	_, err = c.commit(context.Background(), runID, store.Patch{Tasks: []store.TaskPatch{
		{ID: "t1", New: true, Title: &done.Title, Description: &done.Description, Component: &done.Component, Phase: &done.Phase, Status: &done.Status, DependsOn: []string{}, DependencyQueries: []string{}, AcceptanceCriteria: []string{}, AssignedWorkerProfile: &done.AssignedWorkerProfile, Priority: &done.Priority, RetryCount: &done.RetryCount, MaxRetries: &done.MaxRetries},
	}})
	require.NoError(t, err)

	require.NoError(t, c.Replan(context.Background(), runID))
	run, err := c.Get(runID)
	require.NoError(t, err)
	require.True(t, run.ReplanRequested)

	// Replan alone doesn't un-pause a run; Resume is what lets the
	// director's next cycle actually observe and clear the flag.
	require.NoError(t, c.Resume(context.Background(), runID))

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		run, err := c.Get(runID)
		require.NoError(t, err)
		if !run.ReplanRequested {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("replan_requested was never cleared by a director cycle")
}

func TestUpdateTaskAddsAndRemovesDependencies(t *testing.T) {
	c := newTestControlPlane(t)
	runID, err := c.Create(context.Background(), "ship the thing", models.Spec{}, "/tmp/trunk")
	require.NoError(t, err)
	require.NoError(t, c.Pause(context.Background(), runID))
	waitForStatus(t, c, runID, models.RunPaused)

	a := &models.Task{ID: "a", Title: "A", Phase: models.PhaseBuild, Status: models.StatusBlocked, AssignedWorkerProfile: models.ProfileCoder, MaxRetries: models.DefaultMaxRetries}
	b := &models.Task{ID: "b", Title: "B", Phase: models.PhaseBuild, Status: models.StatusBlocked, AssignedWorkerProfile: models.ProfileCoder, MaxRetries: models.DefaultMaxRetries}
	_, err = c.commit(context.Background(), runID, store.Patch{Tasks: []store.TaskPatch{
		{ID: "a", New: true, Title: &a.Title, Description: &a.Description, Component: &a.Component, Phase: &a.Phase, Status: &a.Status, DependsOn: []string{}, DependencyQueries: []string{}, AcceptanceCriteria: []string{}, AssignedWorkerProfile: &a.AssignedWorkerProfile, Priority: &a.Priority, RetryCount: &a.RetryCount, MaxRetries: &a.MaxRetries},
		{ID: "b", New: true, Title: &b.Title, Description: &b.Description, Component: &b.Component, Phase: &b.Phase, Status: &b.Status, DependsOn: []string{}, DependencyQueries: []string{}, AcceptanceCriteria: []string{}, AssignedWorkerProfile: &b.AssignedWorkerProfile, Priority: &b.Priority, RetryCount: &b.RetryCount, MaxRetries: &b.MaxRetries},
	}})
	require.NoError(t, err)

	require.NoError(t, c.UpdateTask(context.Background(), runID, "b", DependencyEdit{AddDependency: "a"}))
	run, err := c.Get(runID)
	require.NoError(t, err)
	require.Equal(t, []string{"a"}, run.TaskByID("b").DependsOn)

	require.NoError(t, c.UpdateTask(context.Background(), runID, "b", DependencyEdit{RemoveDependency: "a"}))
	run, err = c.Get(runID)
	require.NoError(t, err)
	require.Empty(t, run.TaskByID("b").DependsOn)
}

func TestUpdateTaskRejectsUnknownTask(t *testing.T) {
	c := newTestControlPlane(t)
	runID, err := c.Create(context.Background(), "ship the thing", models.Spec{}, "/tmp/trunk")
	require.NoError(t, err)

	err = c.UpdateTask(context.Background(), runID, "nope", DependencyEdit{AddDependency: "also-nope"})
	require.ErrorIs(t, err, models.ErrTaskNotFound)
}

func TestAbandonTaskUnblocksDependent(t *testing.T) {
	c := newTestControlPlane(t)
	runID, err := c.Create(context.Background(), "ship the thing", models.Spec{}, "/tmp/trunk")
	require.NoError(t, err)
	require.NoError(t, c.Pause(context.Background(), runID))
	waitForStatus(t, c, runID, models.RunPaused)

	blocker := &models.Task{ID: "blocker", Title: "Blocker", Phase: models.PhaseBuild, Status: models.StatusBlocked, AssignedWorkerProfile: models.ProfileCoder, MaxRetries: models.DefaultMaxRetries}
	dependent := &models.Task{ID: "dependent", Title: "Dependent", Phase: models.PhaseBuild, Status: models.StatusBlocked, AssignedWorkerProfile: models.ProfileCoder, MaxRetries: models.DefaultMaxRetries, DependsOn: []string{"blocker"}}
	_, err = c.commit(context.Background(), runID, store.Patch{Tasks: []store.TaskPatch{
		{ID: "blocker", New: true, Title: &blocker.Title, Description: &blocker.Description, Component: &blocker.Component, Phase: &blocker.Phase, Status: &blocker.Status, DependsOn: []string{}, DependencyQueries: []string{}, AcceptanceCriteria: []string{}, AssignedWorkerProfile: &blocker.AssignedWorkerProfile, Priority: &blocker.Priority, RetryCount: &blocker.RetryCount, MaxRetries: &blocker.MaxRetries},
		{ID: "dependent", New: true, Title: &dependent.Title, Description: &dependent.Description, Component: &dependent.Component, Phase: &dependent.Phase, Status: &dependent.Status, DependsOn: dependent.DependsOn, DependencyQueries: []string{}, AcceptanceCriteria: []string{}, AssignedWorkerProfile: &dependent.AssignedWorkerProfile, Priority: &dependent.Priority, RetryCount: &dependent.RetryCount, MaxRetries: &dependent.MaxRetries},
	}})
	require.NoError(t, err)

	require.NoError(t, c.AbandonTask(context.Background(), runID, "blocker"))
	require.NoError(t, c.Resume(context.Background(), runID))

	// The dependent's own worker/strategist run isn't scripted, so once
	// unblocked it may race on past "ready" to "active" or "failed"
	// before the next poll; what matters here is only that readiness
	// re-evaluation actually ran, which is any departure from blocked.
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		run, err := c.Get(runID)
		require.NoError(t, err)
		if run.TaskByID("dependent").Status != models.StatusBlocked {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("dependent task never unblocked after its blocker was abandoned")
}

func TestResolveRejectsWhenNoPendingResolution(t *testing.T) {
	c := newTestControlPlane(t)
	runID, err := c.Create(context.Background(), "ship the thing", models.Spec{}, "/tmp/trunk")
	require.NoError(t, err)

	err = c.Resolve(context.Background(), runID, Resolution{Action: ResolveAbandon})
	require.ErrorIs(t, err, models.ErrAlreadyResolved)
}

func TestResolveRetryClearsMemoryAndRejectsSecondCall(t *testing.T) {
	c := newTestControlPlane(t)
	runID, err := c.Create(context.Background(), "ship the thing", models.Spec{}, "/tmp/trunk")
	require.NoError(t, err)
	require.NoError(t, c.Pause(context.Background(), runID))
	waitForStatus(t, c, runID, models.RunPaused)

	waiting := models.StatusWaitingHuman
	task := &models.Task{ID: "t1", Title: "Pick a format", Phase: models.PhaseBuild, Status: waiting, AssignedWorkerProfile: models.ProfileCoder, MaxRetries: models.DefaultMaxRetries, RetryCount: models.DefaultMaxRetries}
	payload := &models.HITLPayload{TaskID: "t1", FailureReason: "ambiguous requirement", CreatedAt: time.Now().UTC()}
	_, err = c.commit(context.Background(), runID, store.Patch{
		Tasks: []store.TaskPatch{{
			ID: "t1", New: true, Title: &task.Title, Description: &task.Description, Component: &task.Component,
			Phase: &task.Phase, Status: &task.Status, DependsOn: []string{}, DependencyQueries: []string{},
			AcceptanceCriteria: []string{}, AssignedWorkerProfile: &task.AssignedWorkerProfile, Priority: &task.Priority,
			RetryCount: &task.RetryCount, MaxRetries: &task.MaxRetries,
		}},
		TaskMemories:      []store.TaskMemoryPatch{{TaskID: "t1", Messages: []models.AgentMessage{{Role: "user", Content: "go"}}}},
		PendingResolution: payload,
	})
	require.NoError(t, err)

	require.NoError(t, c.Resolve(context.Background(), runID, Resolution{Action: ResolveRetry}))

	// Assert immediately: Resolve's own two commits land synchronously
	// before it returns, and a second Resolve call right behind it races
	// the now-restarted loop, not the assertions below — checking
	// PendingResolution and RetryCount here (rather than the task's
	// status, which the restarted loop's own readiness pass may have
	// already advanced past "planned") is what the first Resolve call
	// itself is responsible for.
	run, err := c.Get(runID)
	require.NoError(t, err)
	require.Nil(t, run.PendingResolution)
	require.NotEqual(t, models.StatusWaitingHuman, run.TaskByID("t1").Status)
	require.Equal(t, 0, run.TaskByID("t1").RetryCount)
	require.Empty(t, run.TaskMemories["t1"])

	err = c.Resolve(context.Background(), runID, Resolution{Action: ResolveRetry})
	require.ErrorIs(t, err, models.ErrAlreadyResolved)
}

func TestResolveSpawnNewTaskRewiresDependents(t *testing.T) {
	c := newTestControlPlane(t)
	runID, err := c.Create(context.Background(), "ship the thing", models.Spec{}, "/tmp/trunk")
	require.NoError(t, err)
	require.NoError(t, c.Pause(context.Background(), runID))
	waitForStatus(t, c, runID, models.RunPaused)

	blocked := models.StatusWaitingHuman
	original := &models.Task{ID: "orig", Title: "Original", Phase: models.PhaseBuild, Status: blocked, AssignedWorkerProfile: models.ProfileCoder, MaxRetries: models.DefaultMaxRetries}
	dependent := &models.Task{ID: "dep", Title: "Dependent", Phase: models.PhaseBuild, Status: models.StatusBlocked, AssignedWorkerProfile: models.ProfileCoder, MaxRetries: models.DefaultMaxRetries, DependsOn: []string{"orig"}}
	payload := &models.HITLPayload{TaskID: "orig", FailureReason: "dead end", CreatedAt: time.Now().UTC()}
	_, err = c.commit(context.Background(), runID, store.Patch{
		Tasks: []store.TaskPatch{
			{ID: "orig", New: true, Title: &original.Title, Description: &original.Description, Component: &original.Component, Phase: &original.Phase, Status: &original.Status, DependsOn: []string{}, DependencyQueries: []string{}, AcceptanceCriteria: []string{}, AssignedWorkerProfile: &original.AssignedWorkerProfile, Priority: &original.Priority, RetryCount: &original.RetryCount, MaxRetries: &original.MaxRetries},
			{ID: "dep", New: true, Title: &dependent.Title, Description: &dependent.Description, Component: &dependent.Component, Phase: &dependent.Phase, Status: &dependent.Status, DependsOn: dependent.DependsOn, DependencyQueries: []string{}, AcceptanceCriteria: []string{}, AssignedWorkerProfile: &dependent.AssignedWorkerProfile, Priority: &dependent.Priority, RetryCount: &dependent.RetryCount, MaxRetries: &dependent.MaxRetries},
		},
		PendingResolution: payload,
	})
	require.NoError(t, err)

	err = c.Resolve(context.Background(), runID, Resolution{
		Action: ResolveSpawnNewTask,
		NewTask: &models.SuggestedTask{
			Title: "Take a different approach", Description: "retry with a different library",
			Phase: models.PhaseBuild, AssignedWorkerProfile: models.ProfileCoder,
		},
	})
	require.NoError(t, err)

	run, err := c.Get(runID)
	require.NoError(t, err)
	require.Equal(t, models.StatusAbandoned, run.TaskByID("orig").Status)

	var newTask *models.Task
	for _, tk := range run.Tasks {
		if tk.ID != "orig" && tk.ID != "dep" {
			newTask = tk
		}
	}
	require.NotNil(t, newTask, "expected a new task to have been spawned")
	require.Equal(t, "Take a different approach", newTask.Title)
	require.Equal(t, []string{newTask.ID}, run.TaskByID("dep").DependsOn)
}

func TestGetTaskMemoriesAndInterrupts(t *testing.T) {
	c := newTestControlPlane(t)
	runID, err := c.Create(context.Background(), "ship the thing", models.Spec{}, "/tmp/trunk")
	require.NoError(t, err)

	_, err = c.GetTaskMemories(runID, "nope")
	require.ErrorIs(t, err, models.ErrTaskNotFound)

	interrupts, err := c.GetInterrupts(runID)
	require.NoError(t, err)
	require.Nil(t, interrupts)
}
