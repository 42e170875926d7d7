package handler

import (
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/capitalize-ai/assistants-relay/internal/middleware"
	"github.com/capitalize-ai/assistants-relay/internal/service"
	"github.com/capitalize-ai/assistants-relay/pkg/logger"
)

// multipartOverhead is the room left for multipart headers and boundaries
// on top of the file size limit.
const multipartOverhead = 64 << 10

// FileHandler handles file and vector store endpoints.
type FileHandler struct {
	service  *service.FileService
	maxBytes int64
	logger   *logger.Logger
}

// NewFileHandler creates a new file handler.
func NewFileHandler(svc *service.FileService, maxBytes int64, log *logger.Logger) *FileHandler {
	return &FileHandler{
		service:  svc,
		maxBytes: maxBytes,
		logger:   log.Named("files"),
	}
}

// Upload handles POST /api/v1/assistants/{assistantID}/files
// The body is multipart with the document in the "file" field.
func (h *FileHandler) Upload(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	aid, ok := assistantID(w, r)
	if !ok {
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, h.maxBytes+multipartOverhead)
	mr, err := r.MultipartReader()
	if err != nil {
		writeError(w, http.StatusBadRequest, "expected multipart form data")
		return
	}

	for {
		part, err := mr.NextPart()
		if errors.Is(err, io.EOF) {
			writeError(w, http.StatusBadRequest, "missing file field")
			return
		}
		if err != nil {
			var sizeErr *http.MaxBytesError
			if errors.As(err, &sizeErr) {
				writeServiceError(w, h.logger, "upload file", err)
				return
			}
			writeError(w, http.StatusBadRequest, "malformed multipart body")
			return
		}
		if part.FormName() != "file" || part.FileName() == "" {
			part.Close()
			continue
		}

		f, err := h.service.Upload(ctx, aid, part.FileName(), part)
		part.Close()
		if err != nil {
			writeServiceError(w, middleware.RequestLogger(ctx, h.logger), "upload file", err)
			return
		}
		writeJSON(w, http.StatusCreated, f)
		return
	}
}

// List handles GET /api/v1/assistants/{assistantID}/files
func (h *FileHandler) List(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	aid, ok := assistantID(w, r)
	if !ok {
		return
	}

	resp, err := h.service.List(ctx, aid)
	if err != nil {
		writeServiceError(w, middleware.RequestLogger(ctx, h.logger), "list files", err)
		return
	}

	writeJSON(w, http.StatusOK, resp)
}

// Delete handles DELETE /api/v1/assistants/{assistantID}/files/{fileID}
func (h *FileHandler) Delete(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	aid, ok := assistantID(w, r)
	if !ok {
		return
	}
	fileID := chi.URLParam(r, "fileID")
	if err := middleware.ValidateRemoteID("file", fileID); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := h.service.Delete(ctx, aid, fileID); err != nil {
		writeServiceError(w, middleware.RequestLogger(ctx, h.logger), "delete file", err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// VectorStore handles GET /api/v1/assistants/{assistantID}/vector-store
func (h *FileHandler) VectorStore(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	aid, ok := assistantID(w, r)
	if !ok {
		return
	}

	resp, err := h.service.VectorStore(ctx, aid)
	if err != nil {
		writeServiceError(w, middleware.RequestLogger(ctx, h.logger), "get vector store", err)
		return
	}

	writeJSON(w, http.StatusOK, resp)
}
