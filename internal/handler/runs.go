package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/capitalize-ai/assistants-relay/internal/middleware"
	"github.com/capitalize-ai/assistants-relay/internal/service"
	"github.com/capitalize-ai/assistants-relay/pkg/logger"
	"github.com/capitalize-ai/assistants-relay/pkg/metrics"
)

// RunHandler handles run endpoints.
type RunHandler struct {
	coordinator *service.RunCoordinator
	logger      *logger.Logger
}

// NewRunHandler creates a new run handler.
func NewRunHandler(coordinator *service.RunCoordinator, log *logger.Logger) *RunHandler {
	return &RunHandler{
		coordinator: coordinator,
		logger:      log.Named("runs"),
	}
}

// Run handles POST /api/v1/threads/{threadID}/run
// It blocks until the run finishes and returns the assistant reply.
func (h *RunHandler) Run(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tid, ok := threadID(w, r)
	if !ok {
		return
	}
	req, ok := decodeMessage(w, r)
	if !ok {
		return
	}

	resp, err := h.coordinator.Submit(ctx, tid, req)
	if err != nil {
		writeServiceError(w, middleware.RequestLogger(ctx, h.logger), "run thread", err)
		return
	}

	writeJSON(w, http.StatusOK, resp)
}

// Stream handles POST /api/v1/threads/{threadID}/run/stream
// The reply is streamed as server-sent events.
func (h *RunHandler) Stream(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	log := middleware.RequestLogger(ctx, h.logger)
	tid, ok := threadID(w, r)
	if !ok {
		return
	}
	req, ok := decodeMessage(w, r)
	if !ok {
		return
	}

	sse, ok := newSSEWriter(w)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	metrics.IncrementSSEConnections()
	defer metrics.DecrementSSEConnections()

	res, err := h.coordinator.SubmitStream(ctx, tid, req, &runSink{sse: sse})
	if err != nil {
		if !sse.started {
			writeServiceError(w, log, "stream run", err)
			return
		}
		log.Warn("run stream ended with error", zap.String("thread_id", tid), zap.Error(err))
		return
	}

	log.Info("run stream complete",
		zap.String("thread_id", tid),
		zap.String("run_id", res.RunID),
		zap.Int("deltas", res.Deltas),
	)
}

// Start handles POST /api/v1/threads/{threadID}/runs
// The run is created and its id returned without waiting for completion.
func (h *RunHandler) Start(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tid, ok := threadID(w, r)
	if !ok {
		return
	}
	req, ok := decodeMessage(w, r)
	if !ok {
		return
	}

	resp, err := h.coordinator.StartRun(ctx, tid, req)
	if err != nil {
		writeServiceError(w, middleware.RequestLogger(ctx, h.logger), "start run", err)
		return
	}

	w.Header().Set("Location", "/api/v1/threads/"+tid+"/runs/"+resp.RunID)
	writeJSON(w, http.StatusAccepted, resp)
}

// Poll handles GET /api/v1/threads/{threadID}/runs/{runID}
func (h *RunHandler) Poll(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tid, ok := threadID(w, r)
	if !ok {
		return
	}
	runID := chi.URLParam(r, "runID")
	if err := middleware.ValidateRemoteID("run", runID); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	resp, err := h.coordinator.PollRun(ctx, tid, runID)
	if err != nil {
		writeServiceError(w, middleware.RequestLogger(ctx, h.logger), "poll run", err)
		return
	}

	writeJSON(w, http.StatusOK, resp)
}

// List handles GET /api/v1/threads/{threadID}/runs
func (h *RunHandler) List(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tid, ok := threadID(w, r)
	if !ok {
		return
	}

	resp, err := h.coordinator.ListRuns(ctx, tid)
	if err != nil {
		writeServiceError(w, middleware.RequestLogger(ctx, h.logger), "list runs", err)
		return
	}

	writeJSON(w, http.StatusOK, resp)
}
