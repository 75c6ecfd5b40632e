package controlplane

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/weftlabs/weft/internal/store"
	"github.com/weftlabs/weft/pkg/models"
)

// ResolutionAction is the operator's chosen response to a waiting_human
// task, mirroring the three outcomes a director escalation can have.
type ResolutionAction string

const (
	ResolveRetry        ResolutionAction = "retry"
	ResolveSpawnNewTask ResolutionAction = "spawn_new_task"
	ResolveAbandon      ResolutionAction = "abandon"
)

// Resolution is the payload a resolve(run_id, ...) call carries.
// Description and AcceptanceCriteria are optional edits applied to the
// task before it's retried; NewTask is required for ResolveSpawnNewTask
// and ignored otherwise.
type Resolution struct {
	Action             ResolutionAction
	Description        *string
	AcceptanceCriteria []string
	NewTask            *models.SuggestedTask
}

// Resolve consumes a run's pending HITL payload exactly once: a second
// call against the same waiting_human episode finds PendingResolution
// already nil (the first call's ClearResolution cleared it) and fails
// with models.ErrAlreadyResolved.
func (c *ControlPlane) Resolve(ctx context.Context, runID string, res Resolution) error {
	run, err := c.store.Get(runID)
	if err != nil {
		return err
	}
	if run.PendingResolution == nil {
		return fmt.Errorf("resolve %s: %w", runID, models.ErrAlreadyResolved)
	}
	taskID := run.PendingResolution.TaskID

	patch := store.Patch{ClearResolution: true}

	switch res.Action {
	case ResolveRetry:
		planned := models.StatusPlanned
		zero := 0
		tp := store.TaskPatch{ID: taskID, Status: &planned, RetryCount: &zero}
		if res.Description != nil {
			tp.Description = res.Description
		}
		if res.AcceptanceCriteria != nil {
			tp.AcceptanceCriteria = res.AcceptanceCriteria
		}
		patch.Tasks = append(patch.Tasks, tp)
		patch.TaskMemories = append(patch.TaskMemories, store.TaskMemoryPatch{TaskID: taskID, Clear: true})

	case ResolveSpawnNewTask:
		if res.NewTask == nil {
			return fmt.Errorf("resolve %s: spawn_new_task requires a new task", runID)
		}
		abandoned := models.StatusAbandoned
		patch.Tasks = append(patch.Tasks, store.TaskPatch{ID: taskID, Status: &abandoned})

		newID := uuid.New().String()
		nt := res.NewTask
		plannedStatus := models.StatusPlanned
		zero := 0
		patch.Tasks = append(patch.Tasks, store.TaskPatch{
			ID:                    newID,
			New:                   true,
			Title:                 &nt.Title,
			Description:           &nt.Description,
			Component:             &nt.Component,
			Phase:                 &nt.Phase,
			Status:                &plannedStatus,
			DependsOn:             []string{},
			DependencyQueries:     orEmptyStrings(nt.DependencyQueries),
			AcceptanceCriteria:    orEmptyStrings(nt.AcceptanceCriteria),
			AssignedWorkerProfile: &nt.AssignedWorkerProfile,
			Priority:              &nt.Priority,
			RetryCount:            &zero,
			MaxRetries:            intPtr(models.DefaultMaxRetries),
		})

		// Rewire every dependent of the abandoned task onto the new one.
		for _, t := range run.Tasks {
			if t.ID == taskID {
				continue
			}
			rewired := false
			deps := append([]string(nil), t.DependsOn...)
			for i, d := range deps {
				if d == taskID {
					deps[i] = newID
					rewired = true
				}
			}
			if rewired {
				patch.Tasks = append(patch.Tasks, store.TaskPatch{ID: t.ID, DependsOn: deps})
			}
		}

	case ResolveAbandon:
		abandoned := models.StatusAbandoned
		patch.Tasks = append(patch.Tasks, store.TaskPatch{ID: taskID, Status: &abandoned})

	default:
		return fmt.Errorf("resolve %s: unknown resolution action %q", runID, res.Action)
	}

	if _, err := c.commit(ctx, runID, patch); err != nil {
		return err
	}

	running := models.RunRunning
	if _, err := c.commit(ctx, runID, store.Patch{Status: &running}); err != nil {
		return err
	}
	c.ensureLoopRunning(runID)
	return nil
}

func orEmptyStrings(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

func intPtr(n int) *int { return &n }
