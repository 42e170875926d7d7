package service

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sashabaranov/go-openai"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/capitalize-ai/assistants-relay/internal/lock"
	"github.com/capitalize-ai/assistants-relay/internal/model"
	"github.com/capitalize-ai/assistants-relay/internal/remote"
	"github.com/capitalize-ai/assistants-relay/internal/stream"
	"github.com/capitalize-ai/assistants-relay/pkg/logger"
	"github.com/capitalize-ai/assistants-relay/pkg/metrics"
	"github.com/capitalize-ai/assistants-relay/pkg/tracing"
)

var (
	errRunsActive = errors.New("thread still has active runs")
	errRunPending = errors.New("run has not finished")
)

// CoordinatorConfig bounds the waits of the run lifecycle.
type CoordinatorConfig struct {
	PollInterval     time.Duration
	PollAttempts     int
	DrainInterval    time.Duration
	DrainMaxInterval time.Duration
	DrainTimeout     time.Duration
}

// DefaultCoordinatorConfig returns the production timings.
func DefaultCoordinatorConfig() CoordinatorConfig {
	return CoordinatorConfig{
		PollInterval:     500 * time.Millisecond,
		PollAttempts:     30,
		DrainInterval:    time.Second,
		DrainMaxInterval: 5 * time.Second,
		DrainTimeout:     30 * time.Second,
	}
}

// RunCoordinator drives one user turn on a thread: it stops whatever runs
// are still active, records the user message, starts a new run and
// records the assistant reply once the run completes.
type RunCoordinator struct {
	store      Store
	remote     remote.Client
	locker     lock.Locker
	events     eventEmitter
	reconciler *stream.Reconciler
	cfg        CoordinatorConfig
	logger     *logger.Logger
	tracer     trace.Tracer
}

// NewRunCoordinator creates a run coordinator.
func NewRunCoordinator(
	st Store,
	rc remote.Client,
	locker lock.Locker,
	events EventPublisher,
	cfg CoordinatorConfig,
	log *logger.Logger,
) *RunCoordinator {
	if events == nil {
		events = NopPublisher
	}
	if cfg.PollAttempts < 1 {
		cfg.PollAttempts = 1
	}
	log = log.Named("coordinator")
	return &RunCoordinator{
		store:      st,
		remote:     rc,
		locker:     locker,
		events:     eventEmitter{publisher: events, logger: log},
		reconciler: stream.NewReconciler(log),
		cfg:        cfg,
		logger:     log,
		tracer:     tracing.Tracer("coordinator"),
	}
}

// Submit runs one synchronous turn and returns the persisted reply.
func (c *RunCoordinator) Submit(ctx context.Context, threadID string, req *model.SendMessageRequest) (*model.RunResponse, error) {
	start := time.Now()
	ctx, span := c.tracer.Start(ctx, "coordinator.submit", trace.WithAttributes(attribute.String("thread.id", threadID)))
	defer span.End()

	var resp *model.RunResponse
	err := c.withThread(ctx, threadID, threadLockKey(threadID), func(ctx context.Context, thread *model.Thread) error {
		userMsg, runReq, err := c.prepare(ctx, thread, req)
		if err != nil {
			return err
		}

		run, err := c.remote.CreateRun(ctx, *thread.RemoteID, runReq)
		if err != nil {
			return fmt.Errorf("create run: %w", err)
		}
		c.linkUserMessage(ctx, userMsg, run.ID)
		c.events.emit(ctx, model.RunEvent{ThreadID: thread.ID, RunID: run.ID, Type: model.EventTypeRunCreated, Status: model.RunStatus(run.Status)})

		resp = &model.RunResponse{RunID: run.ID, Status: model.RunStatus(run.Status), UserMessage: userMsg}

		run, err = c.waitForRun(ctx, *thread.RemoteID, run.ID)
		if err != nil {
			if errors.Is(err, ErrTimeout) {
				c.events.emit(ctx, model.RunEvent{ThreadID: thread.ID, RunID: resp.RunID, Type: model.EventTypeRunTimeout, Reason: err.Error()})
			}
			return err
		}
		resp.Status = model.RunStatus(run.Status)
		resp.LastError = toRunError(run.LastError)

		if run.Status != openai.RunStatusCompleted {
			c.events.emit(ctx, model.RunEvent{ThreadID: thread.ID, RunID: run.ID, Type: model.EventTypeRunFailed, Status: resp.Status})
			return &model.RunFailedError{RunID: run.ID, Status: resp.Status, LastError: resp.LastError}
		}

		reply, err := c.captureReply(ctx, thread, run.ID)
		if err != nil {
			return err
		}
		resp.Content = reply.Content
		resp.AssistantReply = &model.Reply{ID: reply.ID, Role: reply.Role, Content: reply.Content}
		c.events.emit(ctx, model.RunEvent{ThreadID: thread.ID, RunID: run.ID, MessageID: reply.ID, Type: model.EventTypeRunCompleted, Status: resp.Status})
		return nil
	})

	c.finish(span, "sync", start, err)
	if err != nil {
		return nil, err
	}
	return resp, nil
}

// SubmitStream runs one streaming turn. Deltas reach sink as they arrive.
// Errors raised before the remote stream opens are returned without
// touching sink; afterwards they are also delivered through sink.Error.
func (c *RunCoordinator) SubmitStream(ctx context.Context, threadID string, req *model.SendMessageRequest, sink stream.Sink) (*stream.Result, error) {
	start := time.Now()
	ctx, span := c.tracer.Start(ctx, "coordinator.submit_stream", trace.WithAttributes(attribute.String("thread.id", threadID)))
	defer span.End()

	var res *stream.Result
	err := c.withThread(ctx, threadID, threadLockKey(threadID), func(ctx context.Context, thread *model.Thread) error {
		userMsg, runReq, err := c.prepare(ctx, thread, req)
		if err != nil {
			return err
		}

		body, err := c.remote.StreamRun(ctx, *thread.RemoteID, runReq)
		if err != nil {
			return fmt.Errorf("stream run: %w", err)
		}
		defer body.Close()

		res, err = c.reconciler.Reconcile(ctx, body, sink, func(ctx context.Context, reply stream.Reply) (*model.Message, error) {
			return c.persistReply(ctx, thread.ID, reply)
		})
		if res != nil && res.RunID != "" {
			c.linkUserMessage(ctx, userMsg, res.RunID)
			c.events.emit(ctx, model.RunEvent{ThreadID: thread.ID, RunID: res.RunID, Type: model.EventTypeRunCreated})
		}
		if err != nil {
			var runErr *model.RunFailedError
			if errors.As(err, &runErr) {
				c.events.emit(ctx, model.RunEvent{ThreadID: thread.ID, RunID: runErr.RunID, Type: model.EventTypeRunFailed, Status: runErr.Status})
			}
			return err
		}
		c.events.emit(ctx, model.RunEvent{ThreadID: thread.ID, RunID: res.RunID, MessageID: res.Message.ID, Type: model.EventTypeRunCompleted, Status: model.RunStatusCompleted})
		return nil
	})

	c.finish(span, "stream", start, err)
	return res, err
}

// StartRun performs a turn up to run creation and returns without waiting.
func (c *RunCoordinator) StartRun(ctx context.Context, threadID string, req *model.SendMessageRequest) (*model.RunResponse, error) {
	ctx, span := c.tracer.Start(ctx, "coordinator.start_run", trace.WithAttributes(attribute.String("thread.id", threadID)))
	defer span.End()

	var resp *model.RunResponse
	err := c.withThread(ctx, threadID, threadLockKey(threadID), func(ctx context.Context, thread *model.Thread) error {
		userMsg, runReq, err := c.prepare(ctx, thread, req)
		if err != nil {
			return err
		}
		run, err := c.remote.CreateRun(ctx, *thread.RemoteID, runReq)
		if err != nil {
			return fmt.Errorf("create run: %w", err)
		}
		c.linkUserMessage(ctx, userMsg, run.ID)
		c.events.emit(ctx, model.RunEvent{ThreadID: thread.ID, RunID: run.ID, Type: model.EventTypeRunCreated, Status: model.RunStatus(run.Status)})
		resp = &model.RunResponse{RunID: run.ID, Status: model.RunStatus(run.Status), UserMessage: userMsg}
		return nil
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	return resp, nil
}

// PollRun reports the state of a run started with StartRun. The reply of a
// completed run is persisted on the first poll that observes completion.
func (c *RunCoordinator) PollRun(ctx context.Context, threadID, runID string) (*model.PollRunResponse, error) {
	var resp *model.PollRunResponse
	err := c.withThread(ctx, threadID, threadLockKey(threadID), func(ctx context.Context, thread *model.Thread) error {
		run, err := c.remote.GetRun(ctx, *thread.RemoteID, runID)
		if err != nil {
			return fmt.Errorf("get run: %w", err)
		}
		resp = &model.PollRunResponse{Run: toRun(run)}
		if run.Status != openai.RunStatusCompleted {
			return nil
		}

		reply, err := c.store.FindMessageByRun(ctx, thread.ID, runID, model.RoleAssistant)
		if errors.Is(err, ErrNotFound) {
			reply, err = c.captureReply(ctx, thread, runID)
			if err == nil {
				c.events.emit(ctx, model.RunEvent{ThreadID: thread.ID, RunID: runID, MessageID: reply.ID, Type: model.EventTypeRunCompleted, Status: model.RunStatusCompleted})
			}
		}
		if err != nil {
			return err
		}
		resp.AssistantReply = &model.Reply{ID: reply.ID, Role: reply.Role, Content: reply.Content}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return resp, nil
}

// ListRuns returns the newest runs of a thread.
func (c *RunCoordinator) ListRuns(ctx context.Context, threadID string) (*model.ListRunsResponse, error) {
	thread, err := c.resolveThread(ctx, threadID)
	if err != nil {
		return nil, err
	}
	runs, err := c.remote.ListRuns(ctx, *thread.RemoteID)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	resp := &model.ListRunsResponse{Runs: make([]model.Run, 0, len(runs))}
	for _, r := range runs {
		resp.Runs = append(resp.Runs, toRun(r))
	}
	return resp, nil
}

func threadLockKey(threadID string) string {
	return "thread:" + threadID
}

func (c *RunCoordinator) resolveThread(ctx context.Context, threadID string) (*model.Thread, error) {
	thread, err := c.store.GetThread(ctx, threadID)
	if err != nil {
		return nil, fmt.Errorf("get thread %s: %w", threadID, err)
	}
	if !thread.Synced() {
		return nil, ErrThreadNotSynced
	}
	return thread, nil
}

// withThread resolves the thread and runs fn while holding key.
func (c *RunCoordinator) withThread(ctx context.Context, threadID, key string, fn func(context.Context, *model.Thread) error) error {
	thread, err := c.resolveThread(ctx, threadID)
	if err != nil {
		return err
	}
	release, err := c.locker.Acquire(ctx, key)
	if err != nil {
		return fmt.Errorf("acquire thread lock: %w", err)
	}
	defer release()
	return fn(ctx, thread)
}

// prepare clears the thread of active runs and stores the user message.
// The returned request carries the message so the remote creates it
// together with the run.
func (c *RunCoordinator) prepare(ctx context.Context, thread *model.Thread, req *model.SendMessageRequest) (*model.Message, openai.RunRequest, error) {
	if err := c.drain(ctx, *thread.RemoteID); err != nil {
		return nil, openai.RunRequest{}, err
	}
	if err := c.awaitIdle(ctx, *thread.RemoteID); err != nil {
		return nil, openai.RunRequest{}, err
	}

	userMsg := &model.Message{
		ThreadID: thread.ID,
		Role:     model.RoleUser,
		Content:  req.Content,
		FileIDs:  req.FileIDs,
	}
	if err := c.store.CreateMessage(ctx, userMsg); err != nil {
		return nil, openai.RunRequest{}, fmt.Errorf("persist user message: %w", err)
	}
	metrics.MessagesTotal.WithLabelValues(string(model.RoleUser)).Inc()
	c.events.emit(ctx, model.RunEvent{ThreadID: thread.ID, MessageID: userMsg.ID, Type: model.EventTypeMessageCreated})

	msg := openai.ThreadMessage{Role: openai.ThreadMessageRoleUser, Content: req.Content}
	for _, id := range req.FileIDs {
		msg.Attachments = append(msg.Attachments, openai.ThreadAttachment{
			FileID: id,
			Tools:  []openai.ThreadAttachmentTool{{Type: string(openai.AssistantToolTypeFileSearch)}},
		})
	}
	return userMsg, openai.RunRequest{
		AssistantID:        thread.AssistantID,
		AdditionalMessages: []openai.ThreadMessage{msg},
	}, nil
}

// drain cancels every run that could still write to the thread.
func (c *RunCoordinator) drain(ctx context.Context, remoteThreadID string) error {
	ctx, span := c.tracer.Start(ctx, "coordinator.drain")
	defer span.End()

	runs, err := c.remote.ListRuns(ctx, remoteThreadID)
	if err != nil {
		return fmt.Errorf("list runs: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, r := range runs {
		if !model.RunStatus(r.Status).Cancellable() {
			continue
		}
		runID := r.ID
		g.Go(func() error {
			if _, err := c.remote.CancelRun(gctx, remoteThreadID, runID); err != nil {
				switch remote.StatusCode(err) {
				case http.StatusBadRequest, http.StatusNotFound:
					// Finished between listing and cancelling.
					c.logger.Debug("run already stopped", zap.String("run_id", runID), zap.Error(err))
					return nil
				}
				return fmt.Errorf("cancel run %s: %w", runID, err)
			}
			metrics.RunCancellationsTotal.Inc()
			c.logger.Info("cancelled active run", zap.String("thread_id", remoteThreadID), zap.String("run_id", runID))
			return nil
		})
	}
	return g.Wait()
}

// awaitIdle waits until no run on the thread is active, backing off
// exponentially up to DrainTimeout.
func (c *RunCoordinator) awaitIdle(ctx context.Context, remoteThreadID string) error {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.DrainTimeout)
	defer cancel()

	b := backoff.NewExponentialBackOff(
		backoff.WithInitialInterval(c.cfg.DrainInterval),
		backoff.WithMaxInterval(c.cfg.DrainMaxInterval),
		backoff.WithMaxElapsedTime(0),
	)

	attempts := 0
	err := backoff.Retry(func() error {
		attempts++
		runs, err := c.remote.ListRuns(ctx, remoteThreadID)
		if err != nil {
			return backoff.Permanent(fmt.Errorf("list runs: %w", err))
		}
		for _, r := range runs {
			if model.RunStatus(r.Status).Active() {
				return errRunsActive
			}
		}
		return nil
	}, backoff.WithContext(b, ctx))

	if err != nil && errors.Is(err, context.DeadlineExceeded) {
		return &TimeoutError{Phase: "drain", Attempts: attempts, Err: err}
	}
	return err
}

// waitForRun polls the run at a fixed interval until it stops. A run that
// needs tool outputs is reported as stopped: tool calls are not supported.
func (c *RunCoordinator) waitForRun(ctx context.Context, remoteThreadID, runID string) (openai.Run, error) {
	ctx, span := c.tracer.Start(ctx, "coordinator.poll", trace.WithAttributes(attribute.String("run.id", runID)))
	defer span.End()

	b := backoff.WithMaxRetries(backoff.NewConstantBackOff(c.cfg.PollInterval), uint64(c.cfg.PollAttempts-1))

	attempts := 0
	run, err := backoff.RetryWithData(func() (openai.Run, error) {
		attempts++
		run, err := c.remote.GetRun(ctx, remoteThreadID, runID)
		if err != nil {
			return run, backoff.Permanent(fmt.Errorf("get run: %w", err))
		}
		status := model.RunStatus(run.Status)
		if status.Terminal() || status == model.RunStatusRequiresAction {
			return run, nil
		}
		return run, errRunPending
	}, backoff.WithContext(b, ctx))

	if err != nil && (errors.Is(err, errRunPending) || errors.Is(err, context.DeadlineExceeded)) {
		return run, &TimeoutError{Phase: "poll", Attempts: attempts, Err: err}
	}
	return run, err
}

// captureReply stores the newest assistant message the run produced.
func (c *RunCoordinator) captureReply(ctx context.Context, thread *model.Thread, runID string) (*model.Message, error) {
	msgs, err := c.remote.ListMessages(ctx, *thread.RemoteID, remote.ListMessagesOptions{RunID: runID, Order: "desc"})
	if err != nil {
		return nil, fmt.Errorf("list run messages: %w", err)
	}
	for _, m := range msgs {
		if m.Role != string(model.RoleAssistant) {
			continue
		}
		return c.persistReply(ctx, thread.ID, stream.Reply{
			Content:         remote.MessageText(m),
			RunID:           runID,
			RemoteMessageID: m.ID,
		})
	}
	return nil, ErrNoReply
}

// persistReply stores the run's reply. A reply already imported by message
// sync is linked to the run instead of being stored twice.
func (c *RunCoordinator) persistReply(ctx context.Context, threadID string, reply stream.Reply) (*model.Message, error) {
	if reply.RemoteMessageID != "" {
		existing, err := c.store.FindMessageByRemoteID(ctx, threadID, reply.RemoteMessageID)
		switch {
		case err == nil:
			if reply.RunID != "" && existing.RunID == nil {
				if err := c.store.LinkMessage(ctx, existing.ID, nil, &reply.RunID); err != nil {
					return nil, fmt.Errorf("link assistant message: %w", err)
				}
				existing.RunID = ptr(reply.RunID)
			}
			return existing, nil
		case !errors.Is(err, ErrNotFound):
			return nil, fmt.Errorf("find assistant message: %w", err)
		}
	}

	msg := &model.Message{
		ThreadID: threadID,
		Role:     model.RoleAssistant,
		Content:  reply.Content,
	}
	if reply.RemoteMessageID != "" {
		msg.RemoteID = ptr(reply.RemoteMessageID)
	}
	if reply.RunID != "" {
		msg.RunID = ptr(reply.RunID)
	}
	if err := c.store.CreateMessage(ctx, msg); err != nil {
		return nil, fmt.Errorf("persist assistant message: %w", err)
	}
	metrics.MessagesTotal.WithLabelValues(string(model.RoleAssistant)).Inc()
	c.events.emit(ctx, model.RunEvent{ThreadID: threadID, RunID: reply.RunID, MessageID: msg.ID, Type: model.EventTypeMessageCreated})
	return msg, nil
}

func (c *RunCoordinator) linkUserMessage(ctx context.Context, msg *model.Message, runID string) {
	if err := c.store.LinkMessage(ctx, msg.ID, nil, &runID); err != nil {
		c.logger.Warn("failed to link user message to run", zap.String("message_id", msg.ID), zap.Error(err))
		return
	}
	msg.RunID = &runID
}

func (c *RunCoordinator) finish(span trace.Span, mode string, start time.Time, err error) {
	outcome := runOutcome(err)
	metrics.RecordRun(mode, outcome, time.Since(start).Seconds())
	span.SetAttributes(attribute.String("run.outcome", outcome))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		c.logger.Warn("run did not complete", zap.String("mode", mode), zap.String("outcome", outcome), zap.Error(err))
	}
}

func runOutcome(err error) string {
	var runErr *model.RunFailedError
	switch {
	case err == nil:
		return "completed"
	case errors.Is(err, ErrTimeout):
		return "timeout"
	case errors.As(err, &runErr):
		return "failed"
	case errors.Is(err, ErrNoReply):
		return "no_reply"
	default:
		return "error"
	}
}

func toRunError(e *openai.RunLastError) *model.RunError {
	if e == nil {
		return nil
	}
	return &model.RunError{Code: string(e.Code), Message: e.Message}
}

func toRun(r openai.Run) model.Run {
	return model.Run{
		ID:          r.ID,
		ThreadID:    r.ThreadID,
		AssistantID: r.AssistantID,
		Status:      model.RunStatus(r.Status),
		LastError:   toRunError(r.LastError),
		CreatedAt:   r.CreatedAt,
	}
}
