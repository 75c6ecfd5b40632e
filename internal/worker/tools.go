package worker

import (
	"encoding/json"
	"fmt"

	"github.com/anthropics/anthropic-sdk-go"

	"github.com/weftlabs/weft/pkg/models"
)

const (
	completeTaskToolName = "CompleteTask"
	escalateToolName     = "Escalate"
)

// completeTaskTool is the structured signal a worker uses to report it
// is done, carrying the after-action report the director and
// strategist read back. suggested_tasks is accepted from every
// profile but only honored from planners — see parseCompleteTask.
var completeTaskTool = anthropic.ToolUnionParam{OfTool: &anthropic.ToolParam{
	Name:        completeTaskToolName,
	Description: anthropic.String("Call this when the assigned task is finished. Reports a structured after-action report."),
	InputSchema: anthropic.ToolInputSchemaParam{
		Properties: map[string]any{
			"summary":             map[string]any{"type": "string", "description": "What was accomplished"},
			"approach":            map[string]any{"type": "string", "description": "How it was accomplished"},
			"challenges":          map[string]any{"type": "string", "description": "Anything that made this harder than expected"},
			"decisions_made":      map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
			"files_modified":      map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
			"time_spent_estimate": map[string]any{"type": "string"},
			"suggested_tasks": map[string]any{
				"type":        "array",
				"description": "New tasks discovered during this run (planner tasks only)",
				"items": map[string]any{
					"type": "object",
					"properties": map[string]any{
						"title":                   map[string]any{"type": "string"},
						"description":             map[string]any{"type": "string"},
						"component":               map[string]any{"type": "string"},
						"phase":                   map[string]any{"type": "string", "enum": []string{"plan", "build", "test"}},
						"assigned_worker_profile": map[string]any{"type": "string"},
						"acceptance_criteria":     map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
						"dependency_queries":      map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
					},
					"required": []string{"title", "description", "phase", "assigned_worker_profile"},
				},
			},
		},
		Required: []string{"summary", "approach"},
	},
}}

// escalateTool is the structured signal a worker uses to request human
// attention, distinct from the director's Phoenix-exhaustion escalation.
var escalateTool = anthropic.ToolUnionParam{OfTool: &anthropic.ToolParam{
	Name:        escalateToolName,
	Description: anthropic.String("Call this when you need a human decision and cannot safely proceed on your own."),
	InputSchema: anthropic.ToolInputSchemaParam{
		Properties: map[string]any{
			"type":             map[string]any{"type": "string", "enum": []string{"ambiguous_spec", "blocked", "destructive_action"}},
			"reason":           map[string]any{"type": "string"},
			"suggested_action": map[string]any{"type": "string"},
		},
		Required: []string{"type", "reason"},
	},
}}

type completeTaskInput struct {
	Summary           string                `json:"summary"`
	Approach          string                `json:"approach"`
	Challenges        string                `json:"challenges"`
	DecisionsMade     []string              `json:"decisions_made"`
	FilesModified     []string              `json:"files_modified"`
	TimeSpentEstimate string                `json:"time_spent_estimate"`
	SuggestedTasks    []models.SuggestedTask `json:"suggested_tasks"`
}

func parseCompleteTask(task *models.Task, raw []byte) (Outcome, error) {
	var in completeTaskInput
	if err := json.Unmarshal(raw, &in); err != nil {
		return Outcome{}, fmt.Errorf("invalid CompleteTask input: %w", err)
	}
	if in.Summary == "" {
		return Outcome{}, fmt.Errorf("CompleteTask requires a summary")
	}

	aar := &models.AAR{
		Summary:           in.Summary,
		Approach:          in.Approach,
		Challenges:        in.Challenges,
		DecisionsMade:     in.DecisionsMade,
		FilesModified:     in.FilesModified,
		TimeSpentEstimate: in.TimeSpentEstimate,
	}

	var suggested []models.SuggestedTask
	if task.AssignedWorkerProfile == models.ProfilePlanner && len(in.SuggestedTasks) > 0 {
		suggested = in.SuggestedTasks
		extra, err := json.Marshal(in.SuggestedTasks)
		if err == nil {
			var asAny []map[string]any
			if json.Unmarshal(extra, &asAny) == nil {
				aar.Extra = models.Extra{"suggested_tasks": asAny}
			}
		}
	}

	return Outcome{
		NextStatus:     defaultCompletionStatus(task.Phase),
		AAR:            aar,
		SuggestedTasks: suggested,
	}, nil
}

type escalateInput struct {
	Type            string `json:"type"`
	Reason          string `json:"reason"`
	SuggestedAction string `json:"suggested_action"`
}

func parseEscalate(raw []byte) (*models.Escalation, error) {
	var in escalateInput
	if err := json.Unmarshal(raw, &in); err != nil {
		return nil, fmt.Errorf("invalid Escalate input: %w", err)
	}
	if in.Reason == "" {
		return nil, fmt.Errorf("Escalate requires a reason")
	}
	return &models.Escalation{
		Type:            models.EscalationType(in.Type),
		Reason:          in.Reason,
		SuggestedAction: in.SuggestedAction,
	}, nil
}
