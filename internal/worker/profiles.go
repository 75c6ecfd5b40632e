// Package worker drives one task's agent loop: a profile-specific
// system prompt, a bounded tool-call cycle against the task's confined
// worktree, and a structured completion or escalation signal fed back
// to the dispatch loop.
package worker

import (
	"fmt"
	"strings"

	"github.com/weftlabs/weft/pkg/models"
)

// scopeGuidance is injected into every profile's system prompt to keep
// a worker from expanding beyond its assigned task. Discovered work is
// filed as a suggested task rather than implemented inline.
const scopeGuidance = `## Scope guidance

Stay focused on this task. If you discover related work that's out of
scope, note it by adding an entry to suggested_tasks on CompleteTask —
do not implement it in this session.

Do NOT:
- Expand scope with unrelated refactoring
- Fix unrelated bugs you encounter
- Add features not requested by this task

When you are done, call CompleteTask with a summary of what you did.
If you are stuck on something only a human can resolve — an ambiguous
requirement, a destructive action you shouldn't take unilaterally, a
genuine blocker — call Escalate instead of guessing.`

// profileBriefing returns the profile-specific portion of a worker's
// system prompt: what this kind of task is for and what "done" means.
func profileBriefing(profile models.WorkerProfile) string {
	switch profile {
	case models.ProfilePlanner:
		return `You are a planning agent. Break the assigned objective into
concrete, independently implementable tasks. You do not write
production code yourself — produce a design note (in your
CompleteTask summary) and a list of suggested_tasks for other workers
to pick up. Each suggested task needs a title, description, phase
(plan/build/test), and an assigned_worker_profile. If a task depends on
work you can't yet name concretely, add a dependency_queries entry
describing what it depends on in plain language instead of guessing an
id.`
	case models.ProfileCoder:
		return `You are a build agent. Implement the assigned task against the
acceptance criteria given. Make the smallest change that satisfies
them. Run any build or lint commands available to confirm your change
compiles before calling CompleteTask.`
	case models.ProfileTester:
		return `You are a test agent. Write or extend tests that exercise the
assigned task's acceptance criteria. Run the test suite and include the
result in your CompleteTask summary. If tests fail because of a defect
in the code under test rather than the test itself, say so plainly —
the strategist uses that distinction to decide what to retry.`
	case models.ProfileResearcher:
		return `You are a research agent. Investigate the assigned question and
report findings in your CompleteTask summary — cite the files or
commands you used to reach your conclusion. You do not modify the
worktree's production code.`
	case models.ProfileWriter:
		return `You are a documentation agent. Produce or update the
documentation described by the assigned task. Match the surrounding
project's tone and formatting conventions; don't introduce a new one.`
	case models.ProfileMerger:
		return `You are a merge-resolution agent. You've been assigned a task
whose branch conflicts with trunk. Resolve the conflicting files so the
intent of both sides is preserved, run the project's tests, and call
CompleteTask once the worktree is clean and merges without conflict.`
	case models.ProfileQA:
		return `You are a QA agent. Evaluate whether the assigned task's
acceptance criteria are actually met by inspecting the diff and running
whatever checks are available. Report a clear pass/fail judgment and
concrete feedback in your CompleteTask summary.`
	default:
		return `Complete the assigned task to the best of your ability.`
	}
}

// systemPrompt assembles the full system prompt for task within run.
func systemPrompt(task *models.Task, run *models.Run) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s\n\n", profileBriefing(task.AssignedWorkerProfile))
	fmt.Fprintf(&b, "## Run objective\n%s\n\n", run.Objective)
	if len(run.Spec.Constraints) > 0 {
		b.WriteString("## Constraints\n")
		for _, c := range run.Spec.Constraints {
			fmt.Fprintf(&b, "- %s\n", c)
		}
		b.WriteString("\n")
	}
	b.WriteString(scopeGuidance)
	return b.String()
}

// taskBriefing is the initial user-turn message describing the task.
func taskBriefing(task *models.Task) string {
	var b strings.Builder
	fmt.Fprintf(&b, "## Task: %s\n\n%s\n", task.Title, task.Description)
	if len(task.AcceptanceCriteria) > 0 {
		b.WriteString("\n### Acceptance criteria\n")
		for _, c := range task.AcceptanceCriteria {
			fmt.Fprintf(&b, "- %s\n", c)
		}
	}
	if task.QAVerdict != nil && task.QAVerdict.Status == models.VerdictFail {
		fmt.Fprintf(&b, "\n### Prior QA feedback\nA previous attempt at this task failed QA with the following feedback:\n%s\n", task.QAVerdict.Feedback)
	}
	if task.MergeContext != nil {
		fmt.Fprintf(&b, "\n### Merge context\nThis task's branch conflicted with trunk while merging task %s.\n", task.MergeContext.OriginalTaskID)
		if len(task.MergeContext.ConflictFiles) > 0 {
			fmt.Fprintf(&b, "Conflicting files: %s\n", strings.Join(task.MergeContext.ConflictFiles, ", "))
		}
		if task.MergeContext.ErrorMessage != "" {
			fmt.Fprintf(&b, "Merge error: %s\n", task.MergeContext.ErrorMessage)
		}
	}
	return b.String()
}
