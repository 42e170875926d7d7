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

// MessageHandler handles message endpoints.
type MessageHandler struct {
	service *service.MessageService
	logger  *logger.Logger
}

// NewMessageHandler creates a new message handler.
func NewMessageHandler(svc *service.MessageService, log *logger.Logger) *MessageHandler {
	return &MessageHandler{
		service: svc,
		logger:  log.Named("messages"),
	}
}

// messagePath reads and validates the threadID and messageID path parameters.
func messagePath(w http.ResponseWriter, r *http.Request) (string, string, bool) {
	tid, ok := threadID(w, r)
	if !ok {
		return "", "", false
	}
	mid := chi.URLParam(r, "messageID")
	if err := middleware.ValidateLocalID("message", mid); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return "", "", false
	}
	return tid, mid, true
}

// decodeMessage decodes and validates a message body.
func decodeMessage(w http.ResponseWriter, r *http.Request) (*model.SendMessageRequest, bool) {
	var req model.SendMessageRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return nil, false
	}
	if err := middleware.ValidateMessageContent(req.Content); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return nil, false
	}
	if err := middleware.ValidateFileIDs(req.FileIDs); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return nil, false
	}
	return &req, true
}

// List handles GET /api/v1/threads/{threadID}/messages
// Supports ?sync=true to reconcile with the remote thread first.
func (h *MessageHandler) List(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tid, ok := threadID(w, r)
	if !ok {
		return
	}
	sync, _ := strconv.ParseBool(r.URL.Query().Get("sync"))

	resp, err := h.service.List(ctx, tid, sync)
	if err != nil {
		writeServiceError(w, middleware.RequestLogger(ctx, h.logger), "list messages", err)
		return
	}

	writeJSON(w, http.StatusOK, resp)
}

// Add handles POST /api/v1/threads/{threadID}/messages
// The message is appended without starting a run.
func (h *MessageHandler) Add(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tid, ok := threadID(w, r)
	if !ok {
		return
	}
	req, ok := decodeMessage(w, r)
	if !ok {
		return
	}

	msg, err := h.service.Add(ctx, tid, req)
	if err != nil {
		writeServiceError(w, middleware.RequestLogger(ctx, h.logger), "add message", err)
		return
	}

	writeJSON(w, http.StatusCreated, msg)
}

// Get handles GET /api/v1/threads/{threadID}/messages/{messageID}
func (h *MessageHandler) Get(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tid, mid, ok := messagePath(w, r)
	if !ok {
		return
	}

	msg, err := h.service.Get(ctx, tid, mid)
	if err != nil {
		writeServiceError(w, middleware.RequestLogger(ctx, h.logger), "get message", err)
		return
	}

	writeJSON(w, http.StatusOK, msg)
}

// Modify handles PUT /api/v1/threads/{threadID}/messages/{messageID}
func (h *MessageHandler) Modify(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tid, mid, ok := messagePath(w, r)
	if !ok {
		return
	}

	var req model.ModifyMessageRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := middleware.ValidateMessageContent(req.Content); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	msg, err := h.service.Modify(ctx, tid, mid, &req)
	if err != nil {
		writeServiceError(w, middleware.RequestLogger(ctx, h.logger), "modify message", err)
		return
	}

	writeJSON(w, http.StatusOK, msg)
}

// Delete handles DELETE /api/v1/threads/{threadID}/messages/{messageID}
func (h *MessageHandler) Delete(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tid, mid, ok := messagePath(w, r)
	if !ok {
		return
	}

	if err := h.service.Delete(ctx, tid, mid); err != nil {
		writeServiceError(w, middleware.RequestLogger(ctx, h.logger), "delete message", err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}
