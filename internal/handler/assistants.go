// Package handler provides HTTP handlers for the relay API.
package handler

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/capitalize-ai/assistants-relay/internal/middleware"
	"github.com/capitalize-ai/assistants-relay/internal/model"
	"github.com/capitalize-ai/assistants-relay/internal/service"
	"github.com/capitalize-ai/assistants-relay/pkg/logger"
)

// AssistantHandler handles assistant endpoints.
type AssistantHandler struct {
	service *service.AssistantService
	logger  *logger.Logger
}

// NewAssistantHandler creates a new assistant handler.
func NewAssistantHandler(svc *service.AssistantService, log *logger.Logger) *AssistantHandler {
	return &AssistantHandler{
		service: svc,
		logger:  log.Named("assistants"),
	}
}

// assistantID reads and validates the assistantID path parameter.
func assistantID(w http.ResponseWriter, r *http.Request) (string, bool) {
	id := chi.URLParam(r, "assistantID")
	if err := middleware.ValidateRemoteID("assistant", id); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return "", false
	}
	return id, true
}

// Create handles POST /api/v1/assistants
func (h *AssistantHandler) Create(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req model.CreateAssistantRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := middleware.ValidateName(req.Name); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	a, err := h.service.Create(ctx, &req)
	if err != nil {
		writeServiceError(w, middleware.RequestLogger(ctx, h.logger), "create assistant", err)
		return
	}

	writeJSON(w, http.StatusCreated, a)
}

// List handles GET /api/v1/assistants
// Supports ?refresh=true to reload the cache from the remote.
func (h *AssistantHandler) List(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	refresh, _ := strconv.ParseBool(r.URL.Query().Get("refresh"))

	resp, err := h.service.List(ctx, refresh)
	if err != nil {
		writeServiceError(w, middleware.RequestLogger(ctx, h.logger), "list assistants", err)
		return
	}

	writeJSON(w, http.StatusOK, resp)
}

// Get handles GET /api/v1/assistants/{assistantID}
func (h *AssistantHandler) Get(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id, ok := assistantID(w, r)
	if !ok {
		return
	}

	a, err := h.service.Get(ctx, id)
	if err != nil {
		writeServiceError(w, middleware.RequestLogger(ctx, h.logger), "get assistant", err)
		return
	}

	writeJSON(w, http.StatusOK, a)
}

// Update handles PUT /api/v1/assistants/{assistantID}
func (h *AssistantHandler) Update(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id, ok := assistantID(w, r)
	if !ok {
		return
	}

	var req model.UpdateAssistantRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Name != nil {
		if err := middleware.ValidateName(*req.Name); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
	}

	a, err := h.service.Update(ctx, id, &req)
	if err != nil {
		writeServiceError(w, middleware.RequestLogger(ctx, h.logger), "update assistant", err)
		return
	}

	writeJSON(w, http.StatusOK, a)
}

// Delete handles DELETE /api/v1/assistants/{assistantID}
func (h *AssistantHandler) Delete(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id, ok := assistantID(w, r)
	if !ok {
		return
	}

	if err := h.service.Delete(ctx, id); err != nil {
		writeServiceError(w, middleware.RequestLogger(ctx, h.logger), "delete assistant", err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}
