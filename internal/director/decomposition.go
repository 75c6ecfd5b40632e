package director

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/google/uuid"

	"github.com/weftlabs/weft/internal/graph"
	"github.com/weftlabs/weft/internal/llm"
	"github.com/weftlabs/weft/pkg/models"
)

const decompositionSystemPrompt = `You are the director of an autonomous multi-agent engineering run. Given an objective, produce a short design document and 1 to 5 planner tasks that, once executed, will themselves propose the concrete build and test work.

Respond with ONLY a JSON object, no markdown fences, no explanation:
{
  "design_doc": "a few paragraphs describing the overall approach",
  "tasks": [
    {"title": "...", "description": "...", "component": "...", "acceptance_criteria": ["..."]}
  ]
}`

const planIntegrationDedupePrompt = `You are integrating task proposals from multiple planner agents into a single plan. Remove duplicates (same underlying work proposed by more than one planner) and drop anything out of scope for the stated objective.

Objective: %s

Existing tasks (already in the plan, for context — do not re-propose these):
%s

Proposed tasks:
%s

Respond with ONLY a JSON array of the surviving tasks, each with the same shape as the input, no markdown fences, no explanation.`

const dependencyQueryResolutionPrompt = `Resolve free-text dependency clues into concrete task ids.

Known tasks (id, title):
%s

For each entry below, return the ids (from the known tasks above) that the clue most likely refers to. If none match, return an empty list for that entry.

Entries:
%s

Respond with ONLY a JSON object mapping the clue's "query_id" to an array of resolved task ids, no markdown fences, no explanation.`

// decompose performs the first-invocation initial decomposition of a
// run's objective into a design document and 1-5 planner tasks.
func (d *Director) decompose(ctx context.Context, run *models.Run, ps *planState) error {
	prompt := fmt.Sprintf("Objective: %s\n\nSpec constraints: %v", run.Objective, run.Spec.Constraints)
	resp, err := d.invoker.Invoke(ctx, decompositionSystemPrompt, []llm.Message{userMessage(prompt)}, nil)
	if err != nil {
		return fmt.Errorf("invoke llm: %w", err)
	}

	var parsed struct {
		DesignDoc string `json:"design_doc"`
		Tasks     []struct {
			Title              string   `json:"title"`
			Description        string   `json:"description"`
			Component          string   `json:"component"`
			AcceptanceCriteria []string `json:"acceptance_criteria"`
		} `json:"tasks"`
	}
	if err := json.Unmarshal([]byte(extractJSONObject(resp.Text)), &parsed); err != nil {
		return fmt.Errorf("parse decomposition response: %w", err)
	}
	if len(parsed.Tasks) == 0 {
		return fmt.Errorf("decomposition returned no tasks")
	}
	if len(parsed.Tasks) > 5 {
		parsed.Tasks = parsed.Tasks[:5]
	}

	if parsed.DesignDoc != "" {
		ps.notes = append(ps.notes, models.DesignNote{
			ID:        "design-doc",
			Body:      parsed.DesignDoc,
			CreatedAt: d.clock(),
		})
	}

	for _, pt := range parsed.Tasks {
		t := &models.Task{
			ID:                    uuid.New().String(),
			Title:                 pt.Title,
			Description:           pt.Description,
			Component:             pt.Component,
			Phase:                 models.PhasePlan,
			Status:                models.StatusPlanned,
			AssignedWorkerProfile: models.ProfilePlanner,
			AcceptanceCriteria:    pt.AcceptanceCriteria,
			MaxRetries:            models.DefaultMaxRetries,
		}
		ps.add(t)
	}
	return nil
}

const planIntegrationMarkerID = "plan-integration"

// integratePlan folds planner-suggested tasks into the plan once every
// planner task in the run has completed, and is a no-op on every later
// cycle once it has already run for this run — unless replanRequested
// is set, in which case ControlPlane.Replan has asked for the pass to
// run again regardless of the marker.
func (d *Director) integratePlan(ctx context.Context, run *models.Run, ps *planState, replanRequested bool) error {
	if !replanRequested {
		for _, note := range run.DesignLog {
			if note.ID == planIntegrationMarkerID {
				return nil
			}
		}
	}

	var planners []*models.Task
	for _, t := range ps.tasks {
		if t.AssignedWorkerProfile == models.ProfilePlanner {
			planners = append(planners, t)
		}
	}
	if len(planners) == 0 {
		return nil
	}
	for _, p := range planners {
		if p.Status != models.StatusComplete {
			return nil
		}
	}

	suggested := collectSuggestedTasks(planners)
	if len(suggested) == 0 {
		ps.notes = append(ps.notes, models.DesignNote{ID: uuid.New().String(), Body: "plan integration: no suggested tasks from planners", CreatedAt: d.clock()})
		d.markIntegrated(ps)
		return nil
	}

	deduped, err := d.dedupeSuggestions(ctx, run, ps, suggested)
	if err != nil {
		return fmt.Errorf("pass 1 dedupe: %w", err)
	}

	newTasks := make([]*models.Task, 0, len(deduped))
	for _, s := range deduped {
		t := &models.Task{
			ID:                    uuid.New().String(),
			Title:                 s.Title,
			Description:           s.Description,
			Component:             s.Component,
			Phase:                 s.Phase,
			Status:                models.StatusPlanned,
			AssignedWorkerProfile: s.AssignedWorkerProfile,
			AcceptanceCriteria:    s.AcceptanceCriteria,
			DependencyQueries:     s.DependencyQueries,
			Priority:              s.Priority,
			MaxRetries:            models.DefaultMaxRetries,
		}
		if t.Phase == "" {
			t.Phase = models.PhaseBuild
		}
		if t.AssignedWorkerProfile == "" {
			t.AssignedWorkerProfile = models.ProfileCoder
		}
		newTasks = append(newTasks, t)
		ps.add(t)
	}

	d.linkFoundation(ps, newTasks)

	if err := d.resolveDependencyQueries(ctx, ps, newTasks); err != nil {
		return fmt.Errorf("pass 2 dependency resolution: %w", err)
	}

	if d.TransitiveReduction {
		d.reduceTransitively(ps)
	}

	d.markIntegrated(ps)
	return nil
}

func (d *Director) markIntegrated(ps *planState) {
	ps.notes = append(ps.notes, models.DesignNote{ID: planIntegrationMarkerID, Body: "plan integration complete", CreatedAt: d.clock()})
}

func collectSuggestedTasks(planners []*models.Task) []models.SuggestedTask {
	var out []models.SuggestedTask
	for _, p := range planners {
		if p.AAR == nil || p.AAR.Extra == nil {
			continue
		}
		raw, ok := p.AAR.Extra["suggested_tasks"]
		if !ok {
			continue
		}
		blob, err := json.Marshal(raw)
		if err != nil {
			continue
		}
		var tasks []models.SuggestedTask
		if err := json.Unmarshal(blob, &tasks); err != nil {
			continue
		}
		out = append(out, tasks...)
	}
	return out
}

func (d *Director) dedupeSuggestions(ctx context.Context, run *models.Run, ps *planState, suggested []models.SuggestedTask) ([]models.SuggestedTask, error) {
	existingBlob, _ := json.Marshal(summarizeTasks(ps.tasks))
	proposedBlob, _ := json.Marshal(suggested)

	prompt := fmt.Sprintf(planIntegrationDedupePrompt, run.Objective, string(existingBlob), string(proposedBlob))
	resp, err := d.invoker.Invoke(ctx, "You deduplicate and scope-filter proposed engineering tasks.", []llm.Message{userMessage(prompt)}, nil)
	if err != nil {
		return nil, err
	}

	var deduped []models.SuggestedTask
	if err := json.Unmarshal([]byte(extractJSONArray(resp.Text)), &deduped); err != nil {
		return nil, fmt.Errorf("parse dedupe response: %w", err)
	}
	return deduped, nil
}

type taskSummary struct {
	ID    string `json:"id"`
	Title string `json:"title"`
}

func summarizeTasks(tasks []*models.Task) []taskSummary {
	out := make([]taskSummary, 0, len(tasks))
	for _, t := range tasks {
		out = append(out, taskSummary{ID: t.ID, Title: t.Title})
	}
	return out
}

// linkFoundation deterministically links every new, non-foundation task
// to the foundation/infrastructure task, when one exists and the task
// doesn't already depend on it.
func (d *Director) linkFoundation(ps *planState, newTasks []*models.Task) {
	var foundation *models.Task
	for _, t := range ps.tasks {
		if isFoundationTask(t) {
			foundation = t
			break
		}
	}
	if foundation == nil {
		return
	}

	g := graph.New()
	if err := g.Build(ps.tasks); err != nil {
		return
	}

	for _, t := range newTasks {
		if t.ID == foundation.ID || dependsOn(t, foundation.ID) {
			continue
		}
		if g.WouldCycle(t.ID, foundation.ID) {
			ps.note(t.ID, fmt.Sprintf("skipped foundation link to %s: would introduce a cycle", foundation.ID))
			continue
		}
		t.DependsOn = append(t.DependsOn, foundation.ID)
		ps.patch(t.ID).DependsOn = t.DependsOn
	}
}

func isFoundationTask(t *models.Task) bool {
	c := strings.ToLower(t.Component)
	title := strings.ToLower(t.Title)
	return c == "foundation" || c == "infrastructure" || c == "setup" ||
		strings.Contains(title, "foundation") || strings.Contains(title, "scaffold") || strings.Contains(title, "project setup")
}

func dependsOn(t *models.Task, id string) bool {
	for _, d := range t.DependsOn {
		if d == id {
			return true
		}
	}
	return false
}

// resolveDependencyQueries resolves each new task's free-text
// dependency_queries into concrete depends_on ids.
func (d *Director) resolveDependencyQueries(ctx context.Context, ps *planState, newTasks []*models.Task) error {
	type queryEntry struct {
		QueryID string `json:"query_id"`
		TaskID  string `json:"-"`
		Text    string `json:"text"`
	}
	var entries []queryEntry
	for _, t := range newTasks {
		for i, q := range t.DependencyQueries {
			entries = append(entries, queryEntry{QueryID: fmt.Sprintf("%s#%d", t.ID, i), TaskID: t.ID, Text: q})
		}
	}
	if len(entries) == 0 {
		return nil
	}

	known, _ := json.Marshal(summarizeTasks(ps.tasks))
	entriesForPrompt := make([]struct {
		QueryID string `json:"query_id"`
		Text    string `json:"text"`
	}, 0, len(entries))
	for _, e := range entries {
		entriesForPrompt = append(entriesForPrompt, struct {
			QueryID string `json:"query_id"`
			Text    string `json:"text"`
		}{e.QueryID, e.Text})
	}
	entriesBlob, _ := json.Marshal(entriesForPrompt)

	prompt := fmt.Sprintf(dependencyQueryResolutionPrompt, string(known), string(entriesBlob))
	resp, err := d.invoker.Invoke(ctx, "You resolve free-text dependency clues into task ids.", []llm.Message{userMessage(prompt)}, nil)
	if err != nil {
		return err
	}

	var resolved map[string][]string
	if err := json.Unmarshal([]byte(extractJSONObject(resp.Text)), &resolved); err != nil {
		return fmt.Errorf("parse dependency resolution response: %w", err)
	}

	g := graph.New()
	if err := g.Build(ps.tasks); err != nil {
		return nil
	}

	for _, e := range entries {
		ids, ok := resolved[e.QueryID]
		if !ok {
			continue
		}
		t := ps.byID[e.TaskID]
		for _, depID := range ids {
			if _, known := ps.byID[depID]; !known {
				continue
			}
			if dependsOn(t, depID) {
				continue
			}
			if g.WouldCycle(t.ID, depID) {
				ps.note(t.ID, fmt.Sprintf("dropped resolved dependency %s: would introduce a cycle", depID))
				continue
			}
			t.DependsOn = append(t.DependsOn, depID)
			// Rebuild so later WouldCycle checks see the edge just added.
			_ = g.Build(ps.tasks)
		}
		ps.patch(t.ID).DependsOn = t.DependsOn
	}
	return nil
}

// reduceTransitively drops dependency edges implied by a longer path
// through another direct dependency.
func (d *Director) reduceTransitively(ps *planState) {
	g := graph.New()
	if err := g.Build(ps.tasks); err != nil {
		return
	}
	redundant := g.TransitiveReduction()
	if len(redundant) == 0 {
		return
	}

	byTask := make(map[string][]string)
	for _, edge := range redundant {
		byTask[edge[0]] = append(byTask[edge[0]], edge[1])
	}

	ids := make([]string, 0, len(byTask))
	for id := range byTask {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	for _, id := range ids {
		t := ps.byID[id]
		toDrop := make(map[string]bool, len(byTask[id]))
		for _, dep := range byTask[id] {
			toDrop[dep] = true
		}
		kept := t.DependsOn[:0:0]
		for _, dep := range t.DependsOn {
			if toDrop[dep] {
				ps.note(id, fmt.Sprintf("dropped redundant dependency on %s (implied by a longer path)", dep))
				continue
			}
			kept = append(kept, dep)
		}
		t.DependsOn = kept
		ps.patch(id).DependsOn = orEmpty(kept)
	}
}

func extractJSONObject(s string) string {
	s = stripFences(s)
	start := strings.Index(s, "{")
	end := strings.LastIndex(s, "}")
	if start == -1 || end == -1 || end <= start {
		return "{}"
	}
	return s[start : end+1]
}

func extractJSONArray(s string) string {
	s = stripFences(s)
	start := strings.Index(s, "[")
	end := strings.LastIndex(s, "]")
	if start == -1 || end == -1 || end <= start {
		return "[]"
	}
	return s[start : end+1]
}

func stripFences(s string) string {
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(s, "```")
	return strings.TrimSpace(s)
}

func userMessage(text string) llm.Message {
	return anthropic.NewUserMessage(anthropic.NewTextBlock(text))
}
