package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/taskmesh/taskmesh/internal/domain"
	"github.com/taskmesh/taskmesh/internal/service"
)

type AgentHandler struct {
	registry *service.RegistryService
}

func NewAgentHandler(registry *service.RegistryService) *AgentHandler {
	return &AgentHandler{registry: registry}
}

// Register makes the agent routable. With the in-process transport only
// agents whose handler is registered in this process consume their queues;
// deliveries routed to anything else stall in Routed until the sweeper hands
// them back to the retry policy.
func (h *AgentHandler) Register(w http.ResponseWriter, r *http.Request) {
	var desc domain.AgentDescriptor
	if err := json.NewDecoder(r.Body).Decode(&desc); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if desc.Type == "" {
		writeError(w, http.StatusBadRequest, "type is required")
		return
	}

	agent, err := h.registry.Register(r.Context(), desc)
	if err != nil {
		if errors.Is(err, service.ErrDuplicateAgent) {
			writeError(w, http.StatusConflict, err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, "failed to register agent")
		return
	}

	writeJSON(w, http.StatusCreated, agent)
}

func (h *AgentHandler) List(w http.ResponseWriter, r *http.Request) {
	agents, err := h.registry.List(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list agents")
		return
	}
	if agents == nil {
		agents = []*domain.Agent{}
	}
	writeJSON(w, http.StatusOK, agents)
}

func (h *AgentHandler) GetByID(w http.ResponseWriter, r *http.Request) {
	agent, err := h.registry.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		if errors.Is(err, service.ErrUnknownAgent) {
			writeError(w, http.StatusNotFound, err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, "failed to get agent")
		return
	}
	writeJSON(w, http.StatusOK, agent)
}

func (h *AgentHandler) Heartbeat(w http.ResponseWriter, r *http.Request) {
	err := h.registry.Heartbeat(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		if errors.Is(err, service.ErrUnknownAgent) {
			writeError(w, http.StatusNotFound, err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, "failed to record heartbeat")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *AgentHandler) Drain(w http.ResponseWriter, r *http.Request) {
	err := h.registry.Drain(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		if errors.Is(err, service.ErrUnknownAgent) {
			writeError(w, http.StatusNotFound, err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, "failed to drain agent")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "draining"})
}

func (h *AgentHandler) Deregister(w http.ResponseWriter, r *http.Request) {
	err := h.registry.Deregister(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		if errors.Is(err, service.ErrUnknownAgent) {
			writeError(w, http.StatusNotFound, err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, "failed to deregister agent")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
