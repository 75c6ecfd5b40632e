package worktree

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/weftlabs/weft/internal/gitrunner"
)

// fakeRunner is a scripted stand-in for gitrunner.Runner used to drive
// Manager through conflict and success paths without a real repo.
type fakeRunner struct {
	currentBranch   string
	hasChanges      bool
	rebaseErr       error
	mergeErr        error
	conflictedFiles []string
	runOutput       string

	calls []string
}

func (f *fakeRunner) record(name string) { f.calls = append(f.calls, name) }

func (f *fakeRunner) Run(ctx context.Context, args ...string) (string, error) {
	f.record("Run:" + strings.Join(args, " "))
	return f.runOutput, nil
}
func (f *fakeRunner) CurrentBranch(ctx context.Context) (string, error)       { return f.currentBranch, nil }
func (f *fakeRunner) BranchExists(ctx context.Context, name string) (bool, error) {
	return false, nil
}
func (f *fakeRunner) DeleteBranch(ctx context.Context, name string) error { f.record("DeleteBranch"); return nil }
func (f *fakeRunner) Status(ctx context.Context) (string, error)         { return "", nil }
func (f *fakeRunner) HasChanges(ctx context.Context) (bool, error)       { return f.hasChanges, nil }
func (f *fakeRunner) Add(ctx context.Context, paths ...string) error     { f.record("Add"); return nil }
func (f *fakeRunner) Commit(ctx context.Context, message string) error   { f.record("Commit"); return nil }
func (f *fakeRunner) Rebase(ctx context.Context, base string) error      { f.record("Rebase"); return f.rebaseErr }
func (f *fakeRunner) RebaseAbort(ctx context.Context) error              { f.record("RebaseAbort"); return nil }
func (f *fakeRunner) MergeNoFFMessage(ctx context.Context, branch, message string) error {
	f.record("Merge")
	return f.mergeErr
}
func (f *fakeRunner) MergeAbort(ctx context.Context) error { f.record("MergeAbort"); return nil }
func (f *fakeRunner) HasConflicts(ctx context.Context) (bool, error) {
	return len(f.conflictedFiles) > 0, nil
}
func (f *fakeRunner) ConflictedFiles(ctx context.Context) ([]string, error) {
	return f.conflictedFiles, nil
}
func (f *fakeRunner) WorktreeAddNewBranch(ctx context.Context, path, branch string) error {
	f.record("WorktreeAddNewBranch")
	return nil
}
func (f *fakeRunner) WorktreeRemove(ctx context.Context, path string, force bool) error {
	f.record("WorktreeRemove")
	return nil
}
func (f *fakeRunner) WorktreeList(ctx context.Context) ([]string, error) { return nil, nil }
func (f *fakeRunner) WorktreePrune(ctx context.Context) error            { return nil }

var _ gitrunner.Runner = (*fakeRunner)(nil)

func newManagerWithRunner(r *fakeRunner) *Manager {
	return &Manager{
		baseDir:   "/tmp/irrelevant",
		trunkPath: "/tmp/trunk",
		newRunner: func(path string) gitrunner.Runner { return r },
	}
}

func TestBranchNameConvention(t *testing.T) {
	require.Equal(t, "task/abc", BranchName("abc", 0))
	require.Equal(t, "task/abc/retry-1", BranchName("abc", 1))
}

func TestRebaseOnTrunkSuccess(t *testing.T) {
	r := &fakeRunner{currentBranch: "main"}
	m := newManagerWithRunner(r)
	wt := &Worktree{TaskID: "t1", BranchName: "task/t1", Path: "/tmp/wt"}

	err := m.RebaseOnTrunk(context.Background(), wt)
	require.NoError(t, err)
	require.Contains(t, r.calls, "Rebase")
}

func TestRebaseOnTrunkConflictAborts(t *testing.T) {
	r := &fakeRunner{currentBranch: "main", rebaseErr: assertErr, conflictedFiles: []string{"a.go"}}
	m := newManagerWithRunner(r)
	wt := &Worktree{TaskID: "t1", BranchName: "task/t1", Path: "/tmp/wt"}

	err := m.RebaseOnTrunk(context.Background(), wt)
	require.Error(t, err)
	require.Contains(t, r.calls, "RebaseAbort")
}

func TestMergeToTrunkConflict(t *testing.T) {
	r := &fakeRunner{mergeErr: assertErr, conflictedFiles: []string{"b.go"}}
	m := newManagerWithRunner(r)
	wt := &Worktree{TaskID: "t1", BranchName: "task/t1", Path: "/tmp/wt"}

	result, err := m.MergeToTrunk(context.Background(), wt, "merge t1")
	require.NoError(t, err)
	require.False(t, result.Success)
	require.Equal(t, []string{"b.go"}, result.ConflictFiles)
	require.Contains(t, r.calls, "MergeAbort")
}

func TestMergeToTrunkSuccess(t *testing.T) {
	r := &fakeRunner{}
	m := newManagerWithRunner(r)
	wt := &Worktree{TaskID: "t1", BranchName: "task/t1", Path: "/tmp/wt"}

	result, err := m.MergeToTrunk(context.Background(), wt, "merge t1")
	require.NoError(t, err)
	require.True(t, result.Success)
}

func TestCommitChangesNoOpWhenClean(t *testing.T) {
	r := &fakeRunner{hasChanges: false}
	m := newManagerWithRunner(r)
	wt := &Worktree{TaskID: "t1", BranchName: "task/t1", Path: "/tmp/wt"}

	committed, err := m.CommitChanges(context.Background(), wt, "msg")
	require.NoError(t, err)
	require.False(t, committed)
	require.NotContains(t, r.calls, "Commit")
}

func TestDiffAgainstTrunkUsesThreeDotRange(t *testing.T) {
	r := &fakeRunner{currentBranch: "main", runOutput: "diff --git a/x.go b/x.go"}
	m := newManagerWithRunner(r)
	wt := &Worktree{TaskID: "t1", BranchName: "task/t1", Path: "/tmp/wt"}

	diff, err := m.DiffAgainstTrunk(context.Background(), wt)
	require.NoError(t, err)
	require.Equal(t, "diff --git a/x.go b/x.go", diff)
	require.Contains(t, r.calls, "Run:diff main...HEAD")
}

var assertErr = fakeErr("conflict")

type fakeErr string

func (e fakeErr) Error() string { return string(e) }
