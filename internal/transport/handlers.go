package transport

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/weftlabs/weft/internal/controlplane"
	"github.com/weftlabs/weft/internal/director"
	"github.com/weftlabs/weft/pkg/models"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

type createRunRequest struct {
	Objective string      `json:"objective"`
	Workspace string      `json:"workspace"`
	Spec      models.Spec `json:"spec"`
}

func (s *Server) handleCreateRun(w http.ResponseWriter, r *http.Request) {
	var req createRunRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	runID, err := s.plane.Create(r.Context(), req.Objective, req.Spec, req.Workspace)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"run_id": runID})
}

// runDetailResponse wraps a run with an optional rendered-markdown
// view of its design log, so a caller that wants formatted history
// doesn't have to embed its own markdown renderer.
type runDetailResponse struct {
	*models.Run
	DesignLogHTML string `json:"design_log_html,omitempty"`
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	run, err := s.plane.Get(chi.URLParam(r, "runID"))
	if err != nil {
		writeError(w, http.StatusNotFound, err)
		return
	}

	resp := runDetailResponse{Run: run}
	if html, err := director.RenderDesignLogHTML(run.DesignLog); err != nil {
		s.logger.Warn().Err(err).Str("run_id", run.RunID).Msg("render design log")
	} else {
		resp.DesignLogHTML = html
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	limit := parseIntQuery(r, "limit", 50)
	offset := parseIntQuery(r, "offset", 0)
	items, total, hasMore := s.plane.List(limit, offset)
	writeJSON(w, http.StatusOK, map[string]any{
		"items":    items,
		"total":    total,
		"has_more": hasMore,
	})
}

func parseIntQuery(r *http.Request, key string, def int) int {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return n
}

func (s *Server) handlePause(w http.ResponseWriter, r *http.Request) {
	if err := s.plane.Pause(r.Context(), chi.URLParam(r, "runID")); err != nil {
		writeError(w, http.StatusConflict, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	if err := s.plane.Resume(r.Context(), chi.URLParam(r, "runID")); err != nil {
		writeError(w, http.StatusConflict, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	if err := s.plane.Cancel(r.Context(), chi.URLParam(r, "runID")); err != nil {
		writeError(w, http.StatusConflict, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) handleRestart(w http.ResponseWriter, r *http.Request) {
	if err := s.plane.Restart(r.Context(), chi.URLParam(r, "runID")); err != nil {
		writeError(w, http.StatusConflict, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) handleReplan(w http.ResponseWriter, r *http.Request) {
	if err := s.plane.Replan(r.Context(), chi.URLParam(r, "runID")); err != nil {
		writeError(w, http.StatusConflict, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

type resolveRequest struct {
	Action             controlplane.ResolutionAction `json:"action"`
	Description        *string                       `json:"description,omitempty"`
	AcceptanceCriteria []string                       `json:"acceptance_criteria,omitempty"`
	NewTask            *models.SuggestedTask          `json:"new_task,omitempty"`
}

func (s *Server) handleResolve(w http.ResponseWriter, r *http.Request) {
	var req resolveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	res := controlplane.Resolution{
		Action:             req.Action,
		Description:        req.Description,
		AcceptanceCriteria: req.AcceptanceCriteria,
		NewTask:            req.NewTask,
	}
	if err := s.plane.Resolve(r.Context(), chi.URLParam(r, "runID"), res); err != nil {
		writeError(w, http.StatusConflict, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) handleGetInterrupts(w http.ResponseWriter, r *http.Request) {
	payload, err := s.plane.GetInterrupts(chi.URLParam(r, "runID"))
	if err != nil {
		writeError(w, http.StatusNotFound, err)
		return
	}
	writeJSON(w, http.StatusOK, payload)
}

type updateTaskRequest struct {
	AddDependency    string `json:"add_dependency,omitempty"`
	RemoveDependency string `json:"remove_dependency,omitempty"`
}

func (s *Server) handleUpdateTask(w http.ResponseWriter, r *http.Request) {
	var req updateTaskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	edit := controlplane.DependencyEdit{AddDependency: req.AddDependency, RemoveDependency: req.RemoveDependency}
	if err := s.plane.UpdateTask(r.Context(), chi.URLParam(r, "runID"), chi.URLParam(r, "taskID"), edit); err != nil {
		writeError(w, http.StatusConflict, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) handleAbandonTask(w http.ResponseWriter, r *http.Request) {
	if err := s.plane.AbandonTask(r.Context(), chi.URLParam(r, "runID"), chi.URLParam(r, "taskID")); err != nil {
		writeError(w, http.StatusConflict, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) handleGetTaskMemories(w http.ResponseWriter, r *http.Request) {
	memories, err := s.plane.GetTaskMemories(chi.URLParam(r, "runID"), chi.URLParam(r, "taskID"))
	if err != nil {
		writeError(w, http.StatusNotFound, err)
		return
	}
	writeJSON(w, http.StatusOK, memories)
}
