package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/taskmesh/taskmesh/internal/api/middleware"
	"github.com/taskmesh/taskmesh/internal/domain"
	"github.com/taskmesh/taskmesh/internal/service"
)

type TaskHandler struct {
	orch *service.Orchestrator
}

func NewTaskHandler(orch *service.Orchestrator) *TaskHandler {
	return &TaskHandler{orch: orch}
}

func (h *TaskHandler) Submit(w http.ResponseWriter, r *http.Request) {
	var req service.SubmitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	req.TraceID = middleware.RequestIDFromContext(r.Context())

	task, err := h.orch.SubmitTask(r.Context(), req)
	if err != nil {
		switch {
		case errors.Is(err, service.ErrTaskTypeMissing),
			errors.Is(err, domain.ErrUnknownTaskType),
			errors.Is(err, domain.ErrInvalidPayload):
			writeError(w, http.StatusBadRequest, err.Error())
		default:
			writeError(w, http.StatusInternalServerError, "failed to submit task")
		}
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]string{"task_id": task.ID.String()})
}

func (h *TaskHandler) GetByID(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid task id")
		return
	}

	task, err := h.orch.GetTask(r.Context(), id)
	if err != nil {
		if errors.Is(err, service.ErrTaskNotFound) {
			writeError(w, http.StatusNotFound, err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, "failed to get task")
		return
	}

	writeJSON(w, http.StatusOK, task)
}

func (h *TaskHandler) List(w http.ResponseWriter, r *http.Request) {
	status := domain.TaskStatus(r.URL.Query().Get("status"))
	if status == "" {
		writeError(w, http.StatusBadRequest, "status query parameter is required")
		return
	}

	tasks, err := h.orch.ListTasks(r.Context(), status)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list tasks")
		return
	}
	if tasks == nil {
		tasks = []*domain.Task{}
	}

	writeJSON(w, http.StatusOK, tasks)
}

func (h *TaskHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid task id")
		return
	}

	task, err := h.orch.CancelTask(r.Context(), id)
	if err != nil {
		if errors.Is(err, service.ErrTaskNotFound) {
			writeError(w, http.StatusNotFound, err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, "failed to cancel task")
		return
	}

	// Cancellation is cooperative: a task already Running or terminal is
	// returned unchanged.
	writeJSON(w, http.StatusOK, task)
}
