package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/capitalize-ai/assistants-relay/internal/middleware"
	"github.com/capitalize-ai/assistants-relay/internal/model"
	"github.com/capitalize-ai/assistants-relay/internal/service"
	"github.com/capitalize-ai/assistants-relay/pkg/logger"
)

// ThreadHandler handles thread endpoints.
type ThreadHandler struct {
	service *service.ThreadService
	logger  *logger.Logger
}

// NewThreadHandler creates a new thread handler.
func NewThreadHandler(svc *service.ThreadService, log *logger.Logger) *ThreadHandler {
	return &ThreadHandler{
		service: svc,
		logger:  log.Named("threads"),
	}
}

// threadID reads and validates the threadID path parameter.
func threadID(w http.ResponseWriter, r *http.Request) (string, bool) {
	id := chi.URLParam(r, "threadID")
	if err := middleware.ValidateLocalID("thread", id); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return "", false
	}
	return id, true
}

// Create handles POST /api/v1/assistants/{assistantID}/threads
func (h *ThreadHandler) Create(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	aid, ok := assistantID(w, r)
	if !ok {
		return
	}

	var req model.CreateThreadRequest
	if r.ContentLength != 0 {
		if err := decodeJSON(w, r, &req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
	}
	if err := middleware.ValidateTitle(req.Title); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	thread, err := h.service.Create(ctx, aid, &req)
	if err != nil {
		writeServiceError(w, middleware.RequestLogger(ctx, h.logger), "create thread", err)
		return
	}

	writeJSON(w, http.StatusCreated, thread)
}

// List handles GET /api/v1/assistants/{assistantID}/threads
func (h *ThreadHandler) List(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	aid, ok := assistantID(w, r)
	if !ok {
		return
	}

	resp, err := h.service.List(ctx, aid)
	if err != nil {
		writeServiceError(w, middleware.RequestLogger(ctx, h.logger), "list threads", err)
		return
	}

	writeJSON(w, http.StatusOK, resp)
}

// Get handles GET /api/v1/threads/{threadID}
func (h *ThreadHandler) Get(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id, ok := threadID(w, r)
	if !ok {
		return
	}

	thread, err := h.service.Get(ctx, id)
	if err != nil {
		writeServiceError(w, middleware.RequestLogger(ctx, h.logger), "get thread", err)
		return
	}

	writeJSON(w, http.StatusOK, thread)
}

// Delete handles DELETE /api/v1/threads/{threadID}
func (h *ThreadHandler) Delete(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id, ok := threadID(w, r)
	if !ok {
		return
	}

	if err := h.service.Delete(ctx, id); err != nil {
		writeServiceError(w, middleware.RequestLogger(ctx, h.logger), "delete thread", err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}
