package handler

import (
	"encoding/json"
	"errors"
	"net/http"

	"go.uber.org/zap"

	"github.com/capitalize-ai/assistants-relay/internal/model"
	"github.com/capitalize-ai/assistants-relay/internal/remote"
	"github.com/capitalize-ai/assistants-relay/internal/service"
	"github.com/capitalize-ai/assistants-relay/internal/stream"
	"github.com/capitalize-ai/assistants-relay/pkg/logger"
)

// errorBody is the JSON body of every failed request.
type errorBody struct {
	Error      string          `json:"error"`
	Code       string          `json:"code,omitempty"`
	Type       string          `json:"type,omitempty"`
	RetryAfter string          `json:"retry_after,omitempty"`
	LastError  *model.RunError `json:"last_error,omitempty"`
	RunID      string          `json:"run_id,omitempty"`
}

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, errorBody{Error: message})
}

// decodeJSON decodes the request body into v.
func decodeJSON(w http.ResponseWriter, r *http.Request, v interface{}) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	return dec.Decode(v)
}

// errorResponse maps a service error to its HTTP status and body.
func errorResponse(err error) (int, errorBody) {
	var (
		remoteErr *remote.Error
		runErr    *model.RunFailedError
		valErr    *service.ValidationError
		streamErr *stream.EventError
		sizeErr   *http.MaxBytesError
	)
	switch {
	case errors.As(err, &remoteErr):
		status := remoteErr.StatusCode
		if status == 0 {
			status = http.StatusBadGateway
		}
		return status, errorBody{
			Error:      remoteErr.Message,
			Code:       remoteErr.Code,
			Type:       remoteErr.Type,
			RetryAfter: remoteErr.RetryAfter,
		}
	case errors.As(err, &streamErr):
		return http.StatusBadGateway, errorBody{Error: streamErr.Message, Code: streamErr.Code, Type: streamErr.Type}
	case errors.Is(err, stream.ErrIncomplete):
		return http.StatusBadGateway, errorBody{Error: err.Error(), Code: "stream_incomplete"}
	case errors.Is(err, service.ErrTimeout):
		return http.StatusGatewayTimeout, errorBody{Error: err.Error(), Code: "timeout"}
	case errors.As(err, &runErr):
		return http.StatusInternalServerError, errorBody{
			Error:     err.Error(),
			Code:      "run_" + string(runErr.Status),
			LastError: runErr.LastError,
			RunID:     runErr.RunID,
		}
	case errors.Is(err, service.ErrNoReply):
		return http.StatusInternalServerError, errorBody{Error: err.Error(), Code: "no_reply"}
	case errors.Is(err, service.ErrNotFound):
		return http.StatusNotFound, errorBody{Error: err.Error(), Code: "not_found"}
	case errors.As(err, &valErr):
		return http.StatusBadRequest, errorBody{Error: err.Error(), Code: "invalid_request"}
	case errors.Is(err, service.ErrThreadNotSynced):
		return http.StatusConflict, errorBody{Error: err.Error(), Code: "thread_not_synced"}
	case errors.Is(err, service.ErrUnsupportedFile):
		return http.StatusUnsupportedMediaType, errorBody{Error: err.Error(), Code: "unsupported_file"}
	case errors.Is(err, service.ErrFileTooLarge), errors.As(err, &sizeErr):
		return http.StatusRequestEntityTooLarge, errorBody{Error: err.Error(), Code: "file_too_large"}
	default:
		return http.StatusInternalServerError, errorBody{Error: "internal error"}
	}
}

// writeServiceError writes err the way callers expect: remote errors keep
// their status and body, everything else is mapped by kind.
func writeServiceError(w http.ResponseWriter, log *logger.Logger, op string, err error) {
	status, body := errorResponse(err)
	if status >= http.StatusInternalServerError {
		log.Error(op+" failed", zap.Int("status", status), zap.Error(err))
	} else {
		log.Debug(op+" rejected", zap.Int("status", status), zap.Error(err))
	}
	if body.RetryAfter != "" {
		w.Header().Set("Retry-After", body.RetryAfter)
	}
	writeJSON(w, status, body)
}
