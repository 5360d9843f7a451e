package httpapi

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"fleethub/internal/fleet"
	"fleethub/internal/hub"
	"fleethub/internal/orchestrator"
	"fleethub/internal/tasks"
)

type updateStatusRequest struct {
	Status string `json:"status"`
}

type executeTaskRequest struct {
	DeviceID string `json:"device_id"`
}

type cancelTaskRequest struct {
	To     string `json:"to"`
	Reason string `json:"reason"`
}

func (s *Server) handleCreateTask(w http.ResponseWriter, r *http.Request) {
	uid := userID(r)
	if uid == "" {
		respondError(w, http.StatusUnauthorized, "missing_user", "X-User-ID header is required")
		return
	}

	var req tasks.CreateRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	req.UserID = uid
	if strings.TrimSpace(req.Title) == "" {
		respondError(w, http.StatusBadRequest, "invalid_request", "title is required")
		return
	}

	task, err := s.orch.CreateTask(r.Context(), req)
	if err != nil {
		respondError(w, http.StatusBadRequest, "task_create_failed", err.Error())
		return
	}
	respondJSON(w, http.StatusCreated, task)
}

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	uid := userID(r)
	if uid == "" {
		respondError(w, http.StatusUnauthorized, "missing_user", "X-User-ID header is required")
		return
	}

	limit := 50
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			respondError(w, http.StatusBadRequest, "invalid_request", "limit must be a positive integer")
			return
		}
		if n > 500 {
			n = 500
		}
		limit = n
	}

	list, err := s.orch.ListTasks(r.Context(), uid, limit)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "task_list_failed", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"tasks": list})
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	uid := userID(r)
	taskID := strings.TrimSpace(chi.URLParam(r, "id"))
	if uid == "" || taskID == "" {
		respondError(w, http.StatusBadRequest, "invalid_request", "user and task id are required")
		return
	}

	task, err := s.orch.GetTask(r.Context(), uid, taskID)
	if err != nil {
		respondTaskError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, task)
}

func (s *Server) handleUpdateTaskStatus(w http.ResponseWriter, r *http.Request) {
	uid := userID(r)
	taskID := strings.TrimSpace(chi.URLParam(r, "id"))
	if uid == "" || taskID == "" {
		respondError(w, http.StatusBadRequest, "invalid_request", "user and task id are required")
		return
	}

	var req updateStatusRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	task, err := s.orch.UpdateStatus(r.Context(), uid, taskID, tasks.Status(strings.TrimSpace(req.Status)))
	if err != nil {
		respondTaskError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, task)
}

func (s *Server) handleExecuteTask(w http.ResponseWriter, r *http.Request) {
	uid := userID(r)
	taskID := strings.TrimSpace(chi.URLParam(r, "id"))
	if uid == "" || taskID == "" {
		respondError(w, http.StatusBadRequest, "invalid_request", "user and task id are required")
		return
	}

	var req executeTaskRequest
	if err := decodeJSON(r, &req); err != nil && !errors.Is(err, errEmptyBody) {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	task, err := s.orch.Execute(r.Context(), uid, taskID, strings.TrimSpace(req.DeviceID))
	if err != nil {
		respondTaskError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, task)
}

func (s *Server) handleCancelTask(w http.ResponseWriter, r *http.Request) {
	uid := userID(r)
	taskID := strings.TrimSpace(chi.URLParam(r, "id"))
	if uid == "" || taskID == "" {
		respondError(w, http.StatusBadRequest, "invalid_request", "user and task id are required")
		return
	}

	var req cancelTaskRequest
	if err := decodeJSON(r, &req); err != nil && !errors.Is(err, errEmptyBody) {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	to := tasks.StatusError
	if v := strings.TrimSpace(req.To); v != "" {
		to = tasks.Status(v)
	}

	task, err := s.orch.Cancel(r.Context(), uid, taskID, to, req.Reason)
	if err != nil {
		respondTaskError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, task)
}

func (s *Server) handleDeleteTask(w http.ResponseWriter, r *http.Request) {
	uid := userID(r)
	taskID := strings.TrimSpace(chi.URLParam(r, "id"))
	if uid == "" || taskID == "" {
		respondError(w, http.StatusBadRequest, "invalid_request", "user and task id are required")
		return
	}

	if err := s.orch.DeleteTask(r.Context(), uid, taskID); err != nil {
		respondTaskError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// respondTaskError maps the orchestrator's typed errors onto HTTP codes so
// clients can show the rejection reason instead of a generic failure.
func respondTaskError(w http.ResponseWriter, err error) {
	var invalid *tasks.InvalidTransitionError
	var assignment *fleet.AssignmentError

	switch {
	case errors.Is(err, tasks.ErrNotFound), errors.Is(err, fleet.ErrNotFound):
		respondError(w, http.StatusNotFound, "not_found", err.Error())
	case errors.As(err, &invalid):
		respondError(w, http.StatusConflict, "invalid_transition", invalid.Error())
	case errors.As(err, &assignment):
		respondError(w, http.StatusConflict, string(assignment.Reason), assignment.Error())
	case errors.Is(err, orchestrator.ErrExecutionActive):
		respondError(w, http.StatusConflict, "execution_active", err.Error())
	case errors.Is(err, orchestrator.ErrCancelPending):
		respondError(w, http.StatusConflict, "cancel_pending", err.Error())
	case errors.Is(err, orchestrator.ErrExecutionOpen):
		respondError(w, http.StatusConflict, "execution_open", err.Error())
	case errors.Is(err, orchestrator.ErrNoAssignee):
		respondError(w, http.StatusBadRequest, "no_assignee", err.Error())
	case errors.Is(err, hub.ErrDeviceUnreachable):
		respondError(w, http.StatusBadGateway, "device_unreachable", err.Error())
	default:
		respondError(w, http.StatusBadRequest, "request_failed", err.Error())
	}
}
