package handler

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/capitalize-ai/assistants-relay/internal/middleware"
	"github.com/capitalize-ai/assistants-relay/internal/model"
	"github.com/capitalize-ai/assistants-relay/internal/service"
	"github.com/capitalize-ai/assistants-relay/pkg/logger"
	"github.com/capitalize-ai/assistants-relay/pkg/metrics"
)

// EventReplayer reads the run event log of a thread. *nats.EventLog
// implements it.
type EventReplayer interface {
	Replay(ctx context.Context, threadID string, afterSequence uint64, limit int) ([]model.RunEvent, uint64, bool, error)
}

// ReplayEventsResponse is one page of the run event log.
type ReplayEventsResponse struct {
	Events       []model.RunEvent `json:"events"`
	LastSequence uint64           `json:"last_sequence"`
	HasMore      bool             `json:"has_more"`
}

// ReplayCompleteEvent represents the completion of event replay.
type ReplayCompleteEvent struct {
	LastSequence uint64 `json:"last_sequence"`
	EventCount   int    `json:"event_count"`
}

// EventHandler serves the run event log.
type EventHandler struct {
	events    EventReplayer
	threads   *service.ThreadService
	logger    *logger.Logger
	pollEvery time.Duration
	heartbeat time.Duration
}

// NewEventHandler creates a new event handler.
func NewEventHandler(events EventReplayer, threads *service.ThreadService, log *logger.Logger) *EventHandler {
	return &EventHandler{
		events:    events,
		threads:   threads,
		logger:    log.Named("events"),
		pollEvery: 2 * time.Second,
		heartbeat: 30 * time.Second,
	}
}

// Replay handles GET /api/v1/threads/{threadID}/events
// Supports ?after_sequence=N and ?limit=N. With ?follow=true the log is
// streamed as server-sent events and tailed until the client disconnects.
func (h *EventHandler) Replay(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	log := middleware.RequestLogger(ctx, h.logger)
	tid, ok := threadID(w, r)
	if !ok {
		return
	}
	if _, err := h.threads.Get(ctx, tid); err != nil {
		writeServiceError(w, log, "replay events", err)
		return
	}

	q := r.URL.Query()
	var afterSequence uint64
	if seq := q.Get("after_sequence"); seq != "" {
		parsed, err := strconv.ParseUint(seq, 10, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid after_sequence")
			return
		}
		afterSequence = parsed
	}
	limit := 100
	if l := q.Get("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 && parsed <= 500 {
			limit = parsed
		}
	}

	if follow, _ := strconv.ParseBool(q.Get("follow")); follow {
		h.follow(w, r, log, tid, afterSequence)
		return
	}

	events, last, more, err := h.events.Replay(ctx, tid, afterSequence, limit)
	if err != nil {
		writeServiceError(w, log, "replay events", err)
		return
	}
	if events == nil {
		events = []model.RunEvent{}
	}

	writeJSON(w, http.StatusOK, &ReplayEventsResponse{
		Events:       events,
		LastSequence: last,
		HasMore:      more,
	})
}

func (h *EventHandler) follow(w http.ResponseWriter, r *http.Request, log *logger.Logger, tid string, afterSequence uint64) {
	ctx := r.Context()
	sse, ok := newSSEWriter(w)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	metrics.IncrementSSEConnections()
	defer metrics.DecrementSSEConnections()

	sse.event("connected", map[string]string{"thread_id": tid})

	// drain sends every event recorded after afterSequence.
	drain := func() (int, error) {
		sent := 0
		for {
			events, last, more, err := h.events.Replay(ctx, tid, afterSequence, 100)
			if err != nil {
				return sent, err
			}
			for i := range events {
				if err := sse.event("run_event", &events[i]); err != nil {
					return sent, err
				}
				sent++
			}
			afterSequence = last
			if !more {
				return sent, nil
			}
		}
	}

	replayed, err := drain()
	if err != nil {
		log.Error("failed to replay events", zap.String("thread_id", tid), zap.Error(err))
		sse.event("error", &model.ErrorEvent{Error: "failed to replay events", Code: "replay_error"})
		return
	}
	sse.event("replay_complete", &ReplayCompleteEvent{LastSequence: afterSequence, EventCount: replayed})

	poll := time.NewTicker(h.pollEvery)
	defer poll.Stop()
	heartbeat := time.NewTicker(h.heartbeat)
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Debug("event stream client disconnected", zap.String("thread_id", tid))
			return
		case <-poll.C:
			if _, err := drain(); err != nil && ctx.Err() == nil {
				log.Warn("failed to tail events", zap.String("thread_id", tid), zap.Error(err))
			}
		case <-heartbeat.C:
			sse.event("heartbeat", &model.HeartbeatEvent{Timestamp: time.Now().UTC()})
		}
	}
}
