package store

import (
	"fmt"

	"github.com/weftlabs/weft/pkg/models"
)

// applyTasks implements the task reducer: union-by-id merge, with a
// `_delete` sentinel (TaskPatch.Delete) removing the task outright.
// Unset pointer/slice fields on an existing-task patch are left as-is
// (a patch is a partial update, not a full replacement) except for New
// tasks, which must be fully populated by the caller.
func applyTasks(run *models.Run, patches []TaskPatch) error {
	index := make(map[string]int, len(run.Tasks))
	for i, t := range run.Tasks {
		index[t.ID] = i
	}

	for _, p := range patches {
		if p.Delete {
			if i, ok := index[p.ID]; ok {
				run.Tasks = append(run.Tasks[:i], run.Tasks[i+1:]...)
				delete(index, p.ID)
				for id, idx := range index {
					if idx > i {
						index[id] = idx - 1
					}
				}
			}
			continue
		}

		i, exists := index[p.ID]
		if !exists {
			t := &models.Task{ID: p.ID}
			mergeTaskPatch(t, p)
			run.Tasks = append(run.Tasks, t)
			index[p.ID] = len(run.Tasks) - 1
			continue
		}
		if p.New {
			return fmt.Errorf("task %s: %w", p.ID, errIDCollision)
		}
		mergeTaskPatch(run.Tasks[i], p)
	}
	return nil
}

var errIDCollision = fmt.Errorf("new task id collides with an existing task")

func mergeTaskPatch(t *models.Task, p TaskPatch) {
	if p.Title != nil {
		t.Title = *p.Title
	}
	if p.Description != nil {
		t.Description = *p.Description
	}
	if p.Component != nil {
		t.Component = *p.Component
	}
	if p.Phase != nil {
		t.Phase = *p.Phase
	}
	if p.Status != nil {
		t.Status = *p.Status
	}
	if p.DependsOn != nil {
		t.DependsOn = p.DependsOn
	}
	if p.DependencyQueries != nil {
		t.DependencyQueries = p.DependencyQueries
	}
	if p.AcceptanceCriteria != nil {
		t.AcceptanceCriteria = p.AcceptanceCriteria
	}
	if p.AssignedWorkerProfile != nil {
		t.AssignedWorkerProfile = *p.AssignedWorkerProfile
	}
	if p.Priority != nil {
		t.Priority = *p.Priority
	}
	if p.RetryCount != nil {
		t.RetryCount = *p.RetryCount
	}
	if p.MaxRetries != nil {
		t.MaxRetries = *p.MaxRetries
	}
	if p.ResultPath != nil {
		t.ResultPath = *p.ResultPath
	}
	if p.QAVerdict != nil {
		t.QAVerdict = p.QAVerdict
	}
	if p.AAR != nil {
		t.AAR = p.AAR
	}
	if p.Escalation != nil {
		t.Escalation = p.Escalation
	}
	if p.Checkpoint != nil {
		t.Checkpoint = p.Checkpoint
	}
	if p.WaitingForTasks != nil {
		t.WaitingForTasks = p.WaitingForTasks
	}
	if p.BranchName != nil {
		t.BranchName = *p.BranchName
	}
	if p.WorktreePath != nil {
		t.WorktreePath = *p.WorktreePath
	}
	if p.StartedAt != nil {
		t.StartedAt = p.StartedAt
	}
	if p.CompletedAt != nil {
		t.CompletedAt = p.CompletedAt
	}
	if p.MergeContext != nil {
		t.MergeContext = p.MergeContext
	}
	if p.UseWorktreeTaskID != nil {
		t.UseWorktreeTaskID = *p.UseWorktreeTaskID
	}
	if p.PendingResolution != nil {
		t.PendingResolution = p.PendingResolution
	}
}

// applyInsights implements the append-only, union-by-id reducer for
// insights: an incoming insight with an ID already present replaces it
// in place (idempotent re-delivery), otherwise it's appended.
func applyInsights(run *models.Run, incoming []models.Insight) {
	index := make(map[string]int, len(run.Insights))
	for i, ins := range run.Insights {
		index[ins.ID] = i
	}
	for _, ins := range incoming {
		if i, ok := index[ins.ID]; ok {
			run.Insights[i] = ins
			continue
		}
		run.Insights = append(run.Insights, ins)
		index[ins.ID] = len(run.Insights) - 1
	}
}

// applyDesignLog is the same union-by-id append reducer as insights,
// kept distinct because design notes and insights are independent
// streams with their own id spaces.
func applyDesignLog(run *models.Run, incoming []models.DesignNote) {
	index := make(map[string]int, len(run.DesignLog))
	for i, n := range run.DesignLog {
		index[n.ID] = i
	}
	for _, n := range incoming {
		if i, ok := index[n.ID]; ok {
			run.DesignLog[i] = n
			continue
		}
		run.DesignLog = append(run.DesignLog, n)
		index[n.ID] = len(run.DesignLog) - 1
	}
}

// applyTaskMemories implements the per-task-id append reducer, honoring
// the `_clear` sentinel used by Phoenix retry to wipe a task's
// conversation history before it's reset to planned.
func applyTaskMemories(run *models.Run, patches []TaskMemoryPatch) {
	if run.TaskMemories == nil {
		run.TaskMemories = make(map[string][]models.AgentMessage)
	}
	for _, p := range patches {
		if p.Clear {
			run.TaskMemories[p.TaskID] = nil
		}
		if len(p.Messages) > 0 {
			run.TaskMemories[p.TaskID] = append(run.TaskMemories[p.TaskID], p.Messages...)
		}
	}
}
