// Package worktree manages the per-task git worktrees that isolate
// concurrent workers from one another and from the trunk checkout
// All writes to trunk — rebase and merge — are
// serialized through a single process-wide mutex; everything else is
// safe to call concurrently across tasks.
package worktree

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/weftlabs/weft/internal/gitrunner"
	"github.com/weftlabs/weft/pkg/models"
)

// Worktree describes a task's isolated checkout.
type Worktree struct {
	TaskID     string
	Path       string
	BranchName string
}

// MergeResult is the outcome of MergeToTrunk.
type MergeResult struct {
	Success       bool
	ConflictFiles []string
	Err           error
}

// Manager creates, commits to, rebases, and merges per-task worktrees
// rooted under baseDir, against the single trunk checkout at
// trunkPath.
type Manager struct {
	baseDir   string
	trunkPath string
	newRunner func(path string) gitrunner.Runner

	trunkMu sync.Mutex
}

// New creates a Manager. baseDir holds every task worktree;
// trunkPath is the shared trunk checkout that tasks rebase onto and
// merge into.
func New(baseDir, trunkPath string) (*Manager, error) {
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return nil, fmt.Errorf("create worktree base dir: %w", err)
	}
	return &Manager{
		baseDir:   baseDir,
		trunkPath: trunkPath,
		newRunner: func(path string) gitrunner.Runner { return gitrunner.NewRunner(path) },
	}, nil
}

// NewWithRunnerFactory builds a Manager like New but with a caller-
// supplied gitrunner.Runner factory, letting other packages' tests
// (the strategist's rebase/merge coordination tests, in particular)
// drive Manager against a scripted runner instead of a real repo.
func NewWithRunnerFactory(baseDir, trunkPath string, newRunner func(path string) gitrunner.Runner) (*Manager, error) {
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return nil, fmt.Errorf("create worktree base dir: %w", err)
	}
	return &Manager{
		baseDir:   baseDir,
		trunkPath: trunkPath,
		newRunner: newRunner,
	}, nil
}

// BranchName returns the canonical branch name for a task's n-th retry
// (retry 0 is the original attempt).
func BranchName(taskID string, retry int) string {
	if retry == 0 {
		return fmt.Sprintf("task/%s", taskID)
	}
	return fmt.Sprintf("task/%s/retry-%d", taskID, retry)
}

// Create makes a new worktree for taskID at the given retry generation,
// branched from the current trunk HEAD.
func (m *Manager) Create(ctx context.Context, taskID string, retry int) (*Worktree, error) {
	branch := BranchName(taskID, retry)
	path := filepath.Join(m.baseDir, sanitize(branch))

	trunk := m.newRunner(m.trunkPath)
	m.trunkMu.Lock()
	err := trunk.WorktreeAddNewBranch(ctx, path, branch)
	m.trunkMu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("create worktree for %s: %w", taskID, err)
	}

	return &Worktree{TaskID: taskID, Path: path, BranchName: branch}, nil
}

func sanitize(branch string) string {
	return strings.ReplaceAll(branch, "/", "__")
}

// CommitChanges stages and commits every pending change in the task's
// worktree. It is a no-op (returns false, nil) if there is nothing to
// commit.
func (m *Manager) CommitChanges(ctx context.Context, wt *Worktree, message string) (bool, error) {
	r := m.newRunner(wt.Path)
	has, err := r.HasChanges(ctx)
	if err != nil {
		return false, fmt.Errorf("check worktree status for %s: %w", wt.TaskID, err)
	}
	if !has {
		return false, nil
	}
	if err := r.Add(ctx, "."); err != nil {
		return false, fmt.Errorf("stage changes for %s: %w", wt.TaskID, err)
	}
	if err := r.Commit(ctx, message); err != nil {
		return false, fmt.Errorf("commit changes for %s: %w", wt.TaskID, err)
	}
	return true, nil
}

// RebaseOnTrunk rebases the task's branch onto the current trunk HEAD.
// Returns models.ErrRebaseConflict (wrapped) if the rebase stops on
// conflicts; the rebase is aborted before returning so the worktree is
// left in a clean state.
func (m *Manager) RebaseOnTrunk(ctx context.Context, wt *Worktree) error {
	m.trunkMu.Lock()
	defer m.trunkMu.Unlock()

	trunkRunner := m.newRunner(m.trunkPath)
	trunkBranch, err := trunkRunner.CurrentBranch(ctx)
	if err != nil {
		return fmt.Errorf("resolve trunk branch: %w", err)
	}

	r := m.newRunner(wt.Path)
	if err := r.Rebase(ctx, trunkBranch); err != nil {
		conflicts, _ := r.ConflictedFiles(ctx)
		_ = r.RebaseAbort(ctx)
		if len(conflicts) > 0 {
			return fmt.Errorf("rebase %s onto %s: %w: %v", wt.BranchName, trunkBranch, models.ErrRebaseConflict, conflicts)
		}
		return fmt.Errorf("rebase %s onto %s: %w", wt.BranchName, trunkBranch, err)
	}
	return nil
}

// MergeToTrunk merges the task's branch into trunk with a merge commit.
// Trunk writes are serialized process-wide: callers must not hold
// trunkMu themselves.
func (m *Manager) MergeToTrunk(ctx context.Context, wt *Worktree, message string) (*MergeResult, error) {
	m.trunkMu.Lock()
	defer m.trunkMu.Unlock()

	trunk := m.newRunner(m.trunkPath)
	if err := trunk.MergeNoFFMessage(ctx, wt.BranchName, message); err != nil {
		conflicts, _ := trunk.ConflictedFiles(ctx)
		_ = trunk.MergeAbort(ctx)
		if len(conflicts) > 0 {
			return &MergeResult{Success: false, ConflictFiles: conflicts, Err: models.ErrMergeConflict}, nil
		}
		return &MergeResult{Success: false, Err: fmt.Errorf("%w: %v", models.ErrMergeFailure, err)}, nil
	}
	return &MergeResult{Success: true}, nil
}

// DiffAgainstTrunk returns a merge-base diff of wt's branch against the
// current trunk HEAD, for the strategist's QA review. Three-dot diff
// keeps the result scoped to the task's own changes even if trunk has
// moved on since the task's branch was created.
func (m *Manager) DiffAgainstTrunk(ctx context.Context, wt *Worktree) (string, error) {
	trunkRunner := m.newRunner(m.trunkPath)
	trunkBranch, err := trunkRunner.CurrentBranch(ctx)
	if err != nil {
		return "", fmt.Errorf("resolve trunk branch: %w", err)
	}
	r := m.newRunner(wt.Path)
	diff, err := r.Run(ctx, "diff", trunkBranch+"...HEAD")
	if err != nil {
		return "", fmt.Errorf("diff %s against %s: %w", wt.BranchName, trunkBranch, err)
	}
	return diff, nil
}

// Cleanup removes the task's worktree and, if requested, its branch.
func (m *Manager) Cleanup(ctx context.Context, wt *Worktree, deleteBranch bool) error {
	trunk := m.newRunner(m.trunkPath)
	m.trunkMu.Lock()
	err := trunk.WorktreeRemove(ctx, wt.Path, true)
	m.trunkMu.Unlock()
	if err != nil {
		// Worktree removal can race with a half-cleaned directory; fall
		// back to a direct filesystem removal so cleanup is idempotent.
		_ = os.RemoveAll(wt.Path)
	}
	if deleteBranch {
		m.trunkMu.Lock()
		_ = trunk.DeleteBranch(ctx, wt.BranchName)
		m.trunkMu.Unlock()
	}
	return nil
}

// RecoverWorktrees reconciles the worktrees git knows about against the
// set of task ids that are actually still in flight, removing anything
// left behind by a crashed previous run.
func (m *Manager) RecoverWorktrees(ctx context.Context, activeTaskIDs map[string]bool) ([]string, error) {
	trunk := m.newRunner(m.trunkPath)

	m.trunkMu.Lock()
	_ = trunk.WorktreePrune(ctx)
	known, err := trunk.WorktreeList(ctx)
	m.trunkMu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("list worktrees: %w", err)
	}
	knownSet := make(map[string]bool, len(known))
	for _, p := range known {
		knownSet[p] = true
	}

	entries, err := os.ReadDir(m.baseDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read worktree base dir: %w", err)
	}

	var removed []string
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		path := filepath.Join(m.baseDir, e.Name())
		taskID := taskIDFromDirName(e.Name())
		if activeTaskIDs[taskID] {
			continue
		}
		if knownSet[path] {
			m.trunkMu.Lock()
			_ = trunk.WorktreeRemove(ctx, path, true)
			m.trunkMu.Unlock()
		} else {
			_ = os.RemoveAll(path)
		}
		removed = append(removed, path)
	}
	return removed, nil
}

func taskIDFromDirName(dir string) string {
	name := strings.TrimPrefix(dir, "task__")
	if i := strings.Index(name, "__retry-"); i >= 0 {
		name = name[:i]
	}
	return name
}
