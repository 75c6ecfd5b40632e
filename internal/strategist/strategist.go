// Package strategist produces QA verdicts for completed build/test
// tasks and coordinates their integration into trunk: rebase, merge,
// and — on conflict — spawning a merger task against the same
// worktree rather than leaving the integration stuck.
package strategist

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/weftlabs/weft/internal/llm"
	"github.com/weftlabs/weft/internal/worktree"
	"github.com/weftlabs/weft/pkg/models"
)

const qaPrompt = `You are reviewing a completed task's diff against its acceptance criteria.

Task: %s
Description: %s

Acceptance criteria:
%s

Worker's after-action report:
%s

Diff against trunk:
%s

Judge whether the acceptance criteria are met. Respond with ONLY a JSON
object, no markdown fences, no explanation:
{
  "status": "PASS" or "FAIL",
  "feedback": "specific, actionable feedback",
  "tests_needing_revision": ["test name", ...],
  "refined_acceptance_criteria": ["criterion", ...]
}
tests_needing_revision and refined_acceptance_criteria are optional —
include refined_acceptance_criteria only when the original criteria
were themselves wrong or ambiguous, replacing (not augmenting) them.`

// Outcome is what the dispatch loop applies after one strategist pass
// over a single awaiting_qa task.
type Outcome struct {
	NextStatus models.TaskStatus
	QAVerdict  *models.QAVerdict

	// RefinedAcceptanceCriteria, when non-empty, replaces the task's
	// acceptance criteria for its next Phoenix-retried attempt.
	RefinedAcceptanceCriteria []string

	// WaitingForTasks and MergerTask are set together when integration
	// hit a conflict: the original task moves to waiting_subtask until
	// MergerTask (which reuses its worktree) completes.
	WaitingForTasks []string
	MergerTask      *models.Task
}

// Strategist is stateless across calls; it reads the task and worktree
// it's given and returns an Outcome for the caller to apply.
type Strategist struct {
	invoker   llm.Invoker
	worktrees *worktree.Manager
	now       func() time.Time
}

// New creates a Strategist backed by invoker for QA judgement and
// worktrees for rebase/merge coordination.
func New(invoker llm.Invoker, worktrees *worktree.Manager) *Strategist {
	return &Strategist{
		invoker:   invoker,
		worktrees: worktrees,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// Run evaluates task (already awaiting_qa) against its diff in wt and,
// on a PASS verdict, carries it through rebase and merge. task.Clone
// semantics mirror the director's: Run never mutates task.
func (s *Strategist) Run(ctx context.Context, task *models.Task, wt *worktree.Worktree) (Outcome, error) {
	verdict, err := s.evaluate(ctx, task, wt)
	if err != nil {
		return Outcome{NextStatus: models.StatusPendingFailed}, fmt.Errorf("qa evaluation: %w", err)
	}

	if verdict.Status == models.VerdictFail {
		return Outcome{
			NextStatus:                models.StatusFailedQA,
			QAVerdict:                 verdict,
			RefinedAcceptanceCriteria: verdict.RefinedAcceptanceCriteria,
		}, nil
	}

	return s.integrate(ctx, task, wt, verdict)
}

func (s *Strategist) evaluate(ctx context.Context, task *models.Task, wt *worktree.Worktree) (*models.QAVerdict, error) {
	diff, err := s.worktrees.DiffAgainstTrunk(ctx, wt)
	if err != nil {
		return nil, fmt.Errorf("diff against trunk: %w", err)
	}

	prompt := fmt.Sprintf(qaPrompt, task.Title, task.Description, joinBullets(task.AcceptanceCriteria), aarSummary(task.AAR), diff)
	resp, err := s.invoker.Invoke(ctx, "You are a meticulous QA reviewer.", []llm.Message{userMessage(prompt)}, nil)
	if err != nil {
		return nil, fmt.Errorf("invoke qa review: %w", err)
	}

	var parsed struct {
		Status                    string   `json:"status"`
		Feedback                  string   `json:"feedback"`
		TestsNeedingRevision      []string `json:"tests_needing_revision"`
		RefinedAcceptanceCriteria []string `json:"refined_acceptance_criteria"`
	}
	if err := unmarshalJSONObject(resp.Text, &parsed); err != nil {
		return nil, fmt.Errorf("parse qa verdict: %w", err)
	}

	status := models.VerdictFail
	if parsed.Status == string(models.VerdictPass) {
		status = models.VerdictPass
	}

	return &models.QAVerdict{
		Status:                    status,
		Feedback:                  parsed.Feedback,
		TestsNeedingRevision:      parsed.TestsNeedingRevision,
		RefinedAcceptanceCriteria: parsed.RefinedAcceptanceCriteria,
		EvaluatedAt:               s.now(),
	}, nil
}

// integrate rebases and merges a QA-passed task's branch onto trunk,
// spawning a merger task against the same worktree on either kind of
// conflict rather than escalating — a conflict is routine, not a
// reason to involve a human.
func (s *Strategist) integrate(ctx context.Context, task *models.Task, wt *worktree.Worktree, verdict *models.QAVerdict) (Outcome, error) {
	if err := s.worktrees.RebaseOnTrunk(ctx, wt); err != nil {
		if errors.Is(err, models.ErrRebaseConflict) {
			return s.spawnMerger(task, verdict, nil, err.Error()), nil
		}
		return Outcome{NextStatus: models.StatusPendingFailed, QAVerdict: verdict}, fmt.Errorf("rebase onto trunk: %w", err)
	}

	result, err := s.worktrees.MergeToTrunk(ctx, wt, fmt.Sprintf("Merge %s: %s", task.ID, task.Title))
	if err != nil {
		return Outcome{NextStatus: models.StatusPendingFailed, QAVerdict: verdict}, fmt.Errorf("merge to trunk: %w", err)
	}
	if !result.Success {
		if errors.Is(result.Err, models.ErrMergeConflict) {
			return s.spawnMerger(task, verdict, result.ConflictFiles, ""), nil
		}
		return Outcome{NextStatus: models.StatusPendingFailed, QAVerdict: verdict}, fmt.Errorf("merge to trunk: %w", result.Err)
	}

	return Outcome{NextStatus: models.StatusPendingComplete, QAVerdict: verdict}, nil
}

func (s *Strategist) spawnMerger(task *models.Task, verdict *models.QAVerdict, conflictFiles []string, errMsg string) Outcome {
	merger := &models.Task{
		ID:                    uuid.New().String(),
		Title:                 fmt.Sprintf("Resolve merge conflict for %s", task.Title),
		Description:           fmt.Sprintf("Task %s's branch conflicts with trunk. Resolve the conflicting files, preserving the intent of both sides, then re-run the test suite.", task.ID),
		Component:             task.Component,
		Phase:                 models.PhaseBuild,
		Status:                models.StatusPlanned,
		AssignedWorkerProfile: models.ProfileMerger,
		MaxRetries:            models.DefaultMaxRetries,
		MergeContext: &models.MergeContext{
			OriginalTaskID: task.ID,
			ConflictFiles:  conflictFiles,
			ErrorMessage:   errMsg,
		},
		// UseWorktreeTaskID tells the dispatch loop to hand the merger
		// worker the same conflicted worktree instead of creating a new
		// one — the conflict only exists inside it.
		UseWorktreeTaskID: task.ID,
	}
	return Outcome{
		NextStatus:      models.StatusWaitingSubtask,
		QAVerdict:       verdict,
		WaitingForTasks: []string{merger.ID},
		MergerTask:      merger,
	}
}

func joinBullets(items []string) string {
	if len(items) == 0 {
		return "(none given)"
	}
	out := ""
	for _, i := range items {
		out += "- " + i + "\n"
	}
	return out
}

func aarSummary(aar *models.AAR) string {
	if aar == nil {
		return "(no after-action report)"
	}
	return fmt.Sprintf("Summary: %s\nApproach: %s", aar.Summary, aar.Approach)
}
