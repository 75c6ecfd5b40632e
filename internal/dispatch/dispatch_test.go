package dispatch

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/stretchr/testify/require"

	"github.com/weftlabs/weft/internal/broadcaster"
	"github.com/weftlabs/weft/internal/checkpoint"
	"github.com/weftlabs/weft/internal/director"
	"github.com/weftlabs/weft/internal/gitrunner"
	"github.com/weftlabs/weft/internal/llm"
	"github.com/weftlabs/weft/internal/queue"
	"github.com/weftlabs/weft/internal/store"
	"github.com/weftlabs/weft/internal/strategist"
	"github.com/weftlabs/weft/internal/toolset"
	"github.com/weftlabs/weft/internal/worker"
	"github.com/weftlabs/weft/internal/worktree"
	"github.com/weftlabs/weft/pkg/models"
)

// fakeRunner scripts gitrunner.Runner for the dispatch loop's rebase/
// merge coordination. failFirstRebase makes exactly one Rebase call
// report a conflict, simulating a merger task that subsequently fixes
// it on a second pass through the same branch.
type fakeRunner struct {
	currentBranch   string
	failFirstRebase bool
	rebaseCalls     int

	hasChanges  bool
	commitCalls []string
}

func (f *fakeRunner) Run(ctx context.Context, args ...string) (string, error) { return "", nil }
func (f *fakeRunner) CurrentBranch(ctx context.Context) (string, error)       { return f.currentBranch, nil }
func (f *fakeRunner) BranchExists(ctx context.Context, name string) (bool, error) {
	return false, nil
}
func (f *fakeRunner) DeleteBranch(ctx context.Context, name string) error { return nil }
func (f *fakeRunner) Status(ctx context.Context) (string, error)         { return "", nil }
func (f *fakeRunner) HasChanges(ctx context.Context) (bool, error)       { return f.hasChanges, nil }
func (f *fakeRunner) Add(ctx context.Context, paths ...string) error     { return nil }
func (f *fakeRunner) Commit(ctx context.Context, message string) error {
	f.commitCalls = append(f.commitCalls, message)
	return nil
}
func (f *fakeRunner) Rebase(ctx context.Context, base string) error {
	f.rebaseCalls++
	if f.failFirstRebase && f.rebaseCalls == 1 {
		return errConflict
	}
	return nil
}
func (f *fakeRunner) RebaseAbort(ctx context.Context) error { return nil }
func (f *fakeRunner) MergeNoFFMessage(ctx context.Context, branch, message string) error {
	return nil
}
func (f *fakeRunner) MergeAbort(ctx context.Context) error           { return nil }
func (f *fakeRunner) HasConflicts(ctx context.Context) (bool, error) { return false, nil }
func (f *fakeRunner) ConflictedFiles(ctx context.Context) ([]string, error) {
	return []string{"a.go"}, nil
}
func (f *fakeRunner) WorktreeAddNewBranch(ctx context.Context, path, branch string) error {
	return nil
}
func (f *fakeRunner) WorktreeRemove(ctx context.Context, path string, force bool) error { return nil }
func (f *fakeRunner) WorktreeList(ctx context.Context) ([]string, error)               { return nil, nil }
func (f *fakeRunner) WorktreePrune(ctx context.Context) error                          { return nil }

var _ gitrunner.Runner = (*fakeRunner)(nil)

type fakeErr string

func (e fakeErr) Error() string { return string(e) }

var errConflict = fakeErr("conflict")

func newHarness(t *testing.T, r *fakeRunner, workerInvoker, strategistInvoker llm.Invoker) *Loop {
	t.Helper()
	st := store.New()
	cp, err := checkpoint.OpenFileStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = cp.Close() })
	bc := broadcaster.New(8)
	wm, err := worktree.NewWithRunnerFactory(t.TempDir(), "/tmp/trunk", func(string) gitrunner.Runner { return r })
	require.NoError(t, err)
	q := queue.New(4)
	d := director.New(llm.NewReplayInvoker())
	w := worker.New(workerInvoker, func(string) toolset.Registry { return toolset.New(t.TempDir()) })
	s := strategist.New(strategistInvoker, wm)
	return New(st, cp, bc, wm, q, d, w, s, WithPollInterval(10*time.Millisecond), WithSpawnStagger(0))
}

func completeTaskResponse(t *testing.T, summary string) llm.Response {
	t.Helper()
	raw, err := json.Marshal(map[string]any{"summary": summary, "approach": "did it"})
	require.NoError(t, err)
	return llm.Response{StopReason: llm.StopToolUse, ToolCalls: []llm.ToolCall{{ID: "call-1", Name: "CompleteTask", Input: raw}}}
}

func escalateResponse(t *testing.T, reason string) llm.Response {
	t.Helper()
	raw, err := json.Marshal(map[string]any{"type": "blocked", "reason": reason})
	require.NoError(t, err)
	return llm.Response{StopReason: llm.StopToolUse, ToolCalls: []llm.ToolCall{{ID: "call-1", Name: "Escalate", Input: raw}}}
}

func seedRun(runID string, tasks ...*models.Task) *models.Run {
	return &models.Run{
		RunID:        runID,
		Objective:    "ship the thing",
		Status:       models.RunRunning,
		Tasks:        tasks,
		TaskMemories: make(map[string][]models.AgentMessage),
		CreatedAt:    time.Now().UTC(),
		UpdatedAt:    time.Now().UTC(),
	}
}

func TestLoopCompletesSingleNonGatedTask(t *testing.T) {
	l := newHarness(t, &fakeRunner{currentBranch: "main"}, llm.NewReplayInvoker(completeTaskResponse(t, "researched it")), llm.NewReplayInvoker())

	task := &models.Task{ID: "t1", Title: "Investigate caching", Phase: models.PhasePlan, Status: models.StatusReady, AssignedWorkerProfile: models.ProfileResearcher, MaxRetries: models.DefaultMaxRetries}
	run := seedRun("run-1", task)
	l.store.Create(run)

	err := l.Run(context.Background(), "run-1")
	require.NoError(t, err)

	final, err := l.store.Get("run-1")
	require.NoError(t, err)
	require.Equal(t, models.RunCompleted, final.Status)
	require.Equal(t, models.StatusComplete, final.TaskByID("t1").Status)
}

func TestLoopRunsBuildTaskThroughQAGate(t *testing.T) {
	l := newHarness(
		t,
		&fakeRunner{currentBranch: "main"},
		llm.NewReplayInvoker(completeTaskResponse(t, "implemented the feature")),
		llm.NewReplayInvoker(llm.Response{Text: `{"status": "PASS", "feedback": "looks good"}`}),
	)

	task := &models.Task{ID: "t1", Title: "Add retry logic", Phase: models.PhaseBuild, Status: models.StatusReady, AssignedWorkerProfile: models.ProfileCoder, MaxRetries: models.DefaultMaxRetries, AcceptanceCriteria: []string{"retries on failure"}}
	run := seedRun("run-2", task)
	l.store.Create(run)

	err := l.Run(context.Background(), "run-2")
	require.NoError(t, err)

	final, err := l.store.Get("run-2")
	require.NoError(t, err)
	require.Equal(t, models.RunCompleted, final.Status)
	require.Equal(t, models.StatusComplete, final.TaskByID("t1").Status)
	require.NotNil(t, final.TaskByID("t1").QAVerdict)
	require.Equal(t, models.VerdictPass, final.TaskByID("t1").QAVerdict.Status)
}

func TestLoopInterruptsRunOnWorkerEscalation(t *testing.T) {
	l := newHarness(t, &fakeRunner{currentBranch: "main"}, llm.NewReplayInvoker(escalateResponse(t, "ambiguous requirement")), llm.NewReplayInvoker())

	task := &models.Task{ID: "t1", Title: "Pick a data format", Phase: models.PhaseBuild, Status: models.StatusReady, AssignedWorkerProfile: models.ProfileCoder, MaxRetries: models.DefaultMaxRetries}
	run := seedRun("run-3", task)
	l.store.Create(run)

	err := l.Run(context.Background(), "run-3")
	require.NoError(t, err)

	final, err := l.store.Get("run-3")
	require.NoError(t, err)
	require.Equal(t, models.RunInterrupted, final.Status)
	require.Equal(t, models.StatusWaitingHuman, final.TaskByID("t1").Status)
	require.NotNil(t, final.PendingResolution)
}

func TestLoopResolvesMergeConflictThroughMergerTask(t *testing.T) {
	l := newHarness(
		t,
		&fakeRunner{currentBranch: "main", failFirstRebase: true},
		llm.NewReplayInvoker(completeTaskResponse(t, "implemented the feature"), completeTaskResponse(t, "resolved the conflict")),
		llm.NewReplayInvoker(
			llm.Response{Text: `{"status": "PASS"}`},
			llm.Response{Text: `{"status": "PASS"}`},
		),
	)

	task := &models.Task{ID: "t1", Title: "Add retry logic", Phase: models.PhaseBuild, Status: models.StatusReady, AssignedWorkerProfile: models.ProfileCoder, MaxRetries: models.DefaultMaxRetries}
	run := seedRun("run-4", task)
	l.store.Create(run)

	err := l.Run(context.Background(), "run-4")
	require.NoError(t, err)

	final, err := l.store.Get("run-4")
	require.NoError(t, err)
	require.Equal(t, models.RunCompleted, final.Status)
	require.Equal(t, models.StatusComplete, final.TaskByID("t1").Status)

	var merger *models.Task
	for _, tk := range final.Tasks {
		if tk.AssignedWorkerProfile == models.ProfileMerger {
			merger = tk
		}
	}
	require.NotNil(t, merger, "expected a merger task to have been spawned")
	require.Equal(t, models.StatusComplete, merger.Status)
	require.Equal(t, "t1", merger.UseWorktreeTaskID)
}

func TestLoopCommitsWorkerChangesOnTaskBranch(t *testing.T) {
	r := &fakeRunner{currentBranch: "main", hasChanges: true}
	l := newHarness(t, r, llm.NewReplayInvoker(completeTaskResponse(t, "researched it")), llm.NewReplayInvoker())

	task := &models.Task{ID: "t1", Title: "Investigate caching", Phase: models.PhasePlan, Status: models.StatusReady, AssignedWorkerProfile: models.ProfileResearcher, MaxRetries: models.DefaultMaxRetries}
	run := seedRun("run-5", task)
	l.store.Create(run)

	err := l.Run(context.Background(), "run-5")
	require.NoError(t, err)

	require.Len(t, r.commitCalls, 1)
	require.Contains(t, r.commitCalls[0], "t1")
}

func TestCollectDispatchableOrdersReadyByPriorityDescThenInsertionOrder(t *testing.T) {
	l := newHarness(t, &fakeRunner{currentBranch: "main"}, llm.NewReplayInvoker(), llm.NewReplayInvoker())

	low := &models.Task{ID: "low", Status: models.StatusReady, Priority: 1}
	highFirst := &models.Task{ID: "high-first", Status: models.StatusReady, Priority: 5}
	mid := &models.Task{ID: "mid", Status: models.StatusReady, Priority: 3}
	highSecond := &models.Task{ID: "high-second", Status: models.StatusReady, Priority: 5}
	run := seedRun("run-priority", low, highFirst, mid, highSecond)

	ready, _ := l.collectDispatchable(run)

	var ids []string
	for _, t := range ready {
		ids = append(ids, t.ID)
	}
	require.Equal(t, []string{"high-first", "high-second", "mid", "low"}, ids)
}

// blockingInvoker never returns until released, letting a test observe
// a worker job mid-flight deterministically instead of racing a fast
// ReplayInvoker completion.
type blockingInvoker struct {
	release chan struct{}
}

func (b *blockingInvoker) Invoke(ctx context.Context, systemPrompt string, messages []llm.Message, tools []anthropic.ToolUnionParam) (llm.Response, error) {
	select {
	case <-b.release:
	case <-ctx.Done():
	}
	return llm.Response{}, ctx.Err()
}

func TestSpawnReadyDispatchesAtMostAvailableSlots(t *testing.T) {
	blocker := &blockingInvoker{release: make(chan struct{})}
	l := newHarness(t, &fakeRunner{currentBranch: "main"}, blocker, llm.NewReplayInvoker())
	l.queue = queue.New(1)

	t1 := &models.Task{ID: "t1", Status: models.StatusReady, Priority: 3, AssignedWorkerProfile: models.ProfileResearcher, Phase: models.PhasePlan, MaxRetries: models.DefaultMaxRetries}
	t2 := &models.Task{ID: "t2", Status: models.StatusReady, Priority: 2, AssignedWorkerProfile: models.ProfileResearcher, Phase: models.PhasePlan, MaxRetries: models.DefaultMaxRetries}
	t3 := &models.Task{ID: "t3", Status: models.StatusReady, Priority: 1, AssignedWorkerProfile: models.ProfileResearcher, Phase: models.PhasePlan, MaxRetries: models.DefaultMaxRetries}
	run := seedRun("run-slots", t1, t2, t3)
	l.store.Create(run)

	ready, _ := l.collectDispatchable(run)
	require.Len(t, ready, 3)

	err := l.spawnReady(context.Background(), run, ready)
	require.NoError(t, err)

	require.Equal(t, 1, l.queue.ActiveCount())
	require.True(t, l.queue.IsActive("t1"))
	require.False(t, l.queue.IsActive("t2"))
	require.False(t, l.queue.IsActive("t3"))

	close(blocker.release)
	l.queue.Drain()
}
