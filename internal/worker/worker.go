package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/anthropics/anthropic-sdk-go"

	"github.com/weftlabs/weft/internal/llm"
	"github.com/weftlabs/weft/internal/toolset"
	"github.com/weftlabs/weft/pkg/models"
)

// DefaultMaxIterations bounds a single task's agent loop before it's
// treated as exhausted.
const DefaultMaxIterations = 50

// ErrMaxIterationsExceeded is returned when a task's loop runs to
// DefaultMaxIterations (or the Worker's configured override) without
// the model calling CompleteTask or Escalate, and without an
// end_turn the worker is willing to treat as an implicit completion.
var ErrMaxIterationsExceeded = errors.New("worker: exceeded max iterations without completing")

// ToolFactory builds the tool registry a task's loop executes against,
// confined to the worktree path the caller assigned it.
type ToolFactory func(worktreeRoot string) toolset.Registry

// Outcome is everything a completed (or escalated, or failed) worker
// run reports back to the dispatch loop.
type Outcome struct {
	// NextStatus is the status the caller should apply to the task.
	// Build/test-phase completions propose pending_awaiting_qa so the
	// strategist gates them before the director promotes; plan/research/
	// writer-phase completions, having no QA gate, propose
	// pending_complete directly.
	NextStatus models.TaskStatus

	AAR            *models.AAR
	Escalation     *models.Escalation
	SuggestedTasks []models.SuggestedTask

	// Messages is the full turn-by-turn record of this run, appended to
	// the task's memories for audit and the strategist's/director's
	// later reference.
	Messages []models.AgentMessage

	Iterations int
}

// Worker runs one task's agent loop end to end: a worker is invoked
// once per ready task and runs to completion, escalation, or failure
// within a single worktree assignment — it never resumes a prior
// conversation, since Phoenix retries clear task memories and start a
// fresh worktree for each attempt.
type Worker struct {
	invoker       llm.Invoker
	tools         ToolFactory
	maxIterations int
}

// New creates a Worker that invokes model turns through invoker and
// builds a fresh tool registry via tools for each run.
func New(invoker llm.Invoker, tools ToolFactory) *Worker {
	return &Worker{
		invoker:       invoker,
		tools:         tools,
		maxIterations: DefaultMaxIterations,
	}
}

// Run executes task's agent loop inside worktreeRoot and returns the
// resulting Outcome. Run never mutates task; the caller applies the
// Outcome to its own store patch.
func (w *Worker) Run(ctx context.Context, task *models.Task, run *models.Run, worktreeRoot string) (Outcome, error) {
	registry := w.tools(worktreeRoot)
	tools := append(registry.Definitions(), completeTaskTool, escalateTool)

	messages := []llm.Message{anthropic.NewUserMessage(anthropic.NewTextBlock(taskBriefing(task)))}
	record := []models.AgentMessage{{Role: "user", Content: taskBriefing(task), CreatedAt: w.now()}}

	sys := systemPrompt(task, run)

	for iter := 1; iter <= w.maxIterations; iter++ {
		resp, err := w.invoker.Invoke(ctx, sys, messages, tools)
		if err != nil {
			return Outcome{NextStatus: models.StatusPendingFailed, Messages: record, Iterations: iter}, fmt.Errorf("model turn %d: %w", iter, err)
		}

		if resp.Text != "" {
			record = append(record, models.AgentMessage{Role: "assistant", Content: resp.Text, CreatedAt: w.now()})
		}

		var assistantBlocks []anthropic.ContentBlockParamUnion
		if resp.Text != "" {
			assistantBlocks = append(assistantBlocks, anthropic.NewTextBlock(resp.Text))
		}

		var toolResultBlocks []anthropic.ContentBlockParamUnion
		var completion *Outcome

		for _, call := range resp.ToolCalls {
			assistantBlocks = append(assistantBlocks, anthropic.NewToolUseBlock(call.ID, json.RawMessage(call.Input), call.Name))
			record = append(record, models.AgentMessage{Role: "assistant", Content: string(call.Input), ToolName: call.Name, CreatedAt: w.now()})

			switch call.Name {
			case completeTaskToolName:
				out, perr := parseCompleteTask(task, call.Input)
				if perr != nil {
					toolResultBlocks = append(toolResultBlocks, anthropic.NewToolResultBlock(call.ID, perr.Error(), true))
					record = append(record, models.AgentMessage{Role: "tool", Content: perr.Error(), ToolName: call.Name, CreatedAt: w.now()})
					continue
				}
				out.Iterations = iter
				completion = &out
				toolResultBlocks = append(toolResultBlocks, anthropic.NewToolResultBlock(call.ID, "task marked complete", false))

			case escalateToolName:
				esc, perr := parseEscalate(call.Input)
				if perr != nil {
					toolResultBlocks = append(toolResultBlocks, anthropic.NewToolResultBlock(call.ID, perr.Error(), true))
					record = append(record, models.AgentMessage{Role: "tool", Content: perr.Error(), ToolName: call.Name, CreatedAt: w.now()})
					continue
				}
				completion = &Outcome{NextStatus: models.StatusWaitingHuman, Escalation: esc, Iterations: iter}
				toolResultBlocks = append(toolResultBlocks, anthropic.NewToolResultBlock(call.ID, "escalation recorded", false))

			default:
				result := registry.Execute(ctx, call.Name, json.RawMessage(call.Input))
				toolResultBlocks = append(toolResultBlocks, anthropic.NewToolResultBlock(call.ID, result.Content, result.IsError))
				record = append(record, models.AgentMessage{Role: "tool", Content: result.Content, ToolName: call.Name, CreatedAt: w.now()})
			}
		}

		if completion != nil {
			completion.Messages = record
			return *completion, nil
		}

		if resp.StopReason == llm.StopEndTurn {
			// The model stopped without calling CompleteTask or Escalate.
			// Treat its final text as an implicit completion rather than
			// forcing another turn just to get a formal tool call.
			return Outcome{
				NextStatus: defaultCompletionStatus(task.Phase),
				AAR: &models.AAR{
					Summary:  resp.Text,
					Approach: "completed without an explicit CompleteTask call",
				},
				Messages:   record,
				Iterations: iter,
			}, nil
		}

		messages = append(messages, anthropic.NewAssistantMessage(assistantBlocks...))
		if len(toolResultBlocks) > 0 {
			messages = append(messages, anthropic.NewUserMessage(toolResultBlocks...))
		}
	}

	return Outcome{NextStatus: models.StatusPendingFailed, Messages: record, Iterations: w.maxIterations}, ErrMaxIterationsExceeded
}

func (w *Worker) now() time.Time { return time.Now().UTC() }

// defaultCompletionStatus proposes the pending status for a task that
// finished without an explicit CompleteTask call: build/test-phase work
// still needs a strategist QA gate, plan-phase work (planners,
// researchers, writers) does not.
func defaultCompletionStatus(phase models.Phase) models.TaskStatus {
	if phase == models.PhaseBuild || phase == models.PhaseTest {
		return models.StatusPendingAwaitingQA
	}
	return models.StatusPendingComplete
}
