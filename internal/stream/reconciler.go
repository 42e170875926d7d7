package stream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"go.uber.org/zap"

	"github.com/capitalize-ai/assistants-relay/internal/model"
	"github.com/capitalize-ai/assistants-relay/pkg/logger"
	"github.com/capitalize-ai/assistants-relay/pkg/metrics"
)

// ErrIncomplete is returned when the stream ends before the sentinel.
var ErrIncomplete = errors.New("stream ended before [DONE]")

// EventError is an error event sent by the remote inside the stream.
type EventError struct {
	Code    string
	Type    string
	Message string
}

func (e *EventError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("stream error %s: %s", e.Code, e.Message)
	}
	return "stream error: " + e.Message
}

// Sink receives the reconciled stream.
type Sink interface {
	// Delta forwards one piece of assistant text.
	Delta(text string) error
	// Done is called once after the reply has been persisted.
	Done(msg *model.Message) error
	// Error is called once when the stream fails. Nothing was persisted.
	Error(err error) error
}

// Reply is the assembled assistant reply handed to PersistFunc.
type Reply struct {
	Content         string
	RunID           string
	RemoteMessageID string
}

// PersistFunc stores the assembled reply.
type PersistFunc func(ctx context.Context, reply Reply) (*model.Message, error)

// Result summarises a reconciled stream.
type Result struct {
	RunID     string
	Status    model.RunStatus
	LastError *model.RunError
	Message   *model.Message
	Deltas    int
}

// Reconciler forwards stream deltas and persists the final reply.
type Reconciler struct {
	logger *logger.Logger
}

// NewReconciler creates a reconciler.
func NewReconciler(log *logger.Logger) *Reconciler {
	if log == nil {
		log = logger.NewNop()
	}
	return &Reconciler{logger: log.Named("stream")}
}

// payload covers the stream objects the reconciler cares about: runs,
// message deltas and error events.
type payload struct {
	ID        string          `json:"id"`
	Object    string          `json:"object"`
	Status    model.RunStatus `json:"status"`
	LastError *model.RunError `json:"last_error"`
	Delta     *struct {
		Content []struct {
			Text *struct {
				Value string `json:"value"`
			} `json:"text"`
		} `json:"content"`
	} `json:"delta"`
}

type errorPayload struct {
	Error   *errorBody `json:"error"`
	Code    string     `json:"code"`
	Type    string     `json:"type"`
	Message string     `json:"message"`
}

type errorBody struct {
	Code    string `json:"code"`
	Type    string `json:"type"`
	Message string `json:"message"`
}

// Reconcile reads src until the sentinel. Every text delta is forwarded to
// sink in arrival order; at the sentinel the concatenated text is persisted
// and sink.Done receives the stored message. On any failure sink.Error is
// called, nothing is persisted and the error is returned.
func (r *Reconciler) Reconcile(ctx context.Context, src io.Reader, sink Sink, persist PersistFunc) (*Result, error) {
	res := &Result{}
	var (
		content         strings.Builder
		remoteMessageID string
	)

	fail := func(err error) (*Result, error) {
		if serr := sink.Error(err); serr != nil {
			r.logger.Debug("error event not delivered", zap.Error(serr))
		}
		return res, err
	}

	parser := NewParser(src)
	for {
		if err := ctx.Err(); err != nil {
			return fail(err)
		}

		frame, err := parser.Next()
		if errors.Is(err, io.EOF) {
			return fail(ErrIncomplete)
		}
		if err != nil {
			return fail(fmt.Errorf("read stream: %w", err))
		}

		if frame.Done() {
			msg, err := persist(ctx, Reply{
				Content:         content.String(),
				RunID:           res.RunID,
				RemoteMessageID: remoteMessageID,
			})
			if err != nil {
				return fail(fmt.Errorf("persist reply: %w", err))
			}
			res.Message = msg
			if err := sink.Done(msg); err != nil {
				return res, fmt.Errorf("deliver done: %w", err)
			}
			return res, nil
		}

		if frame.Event == "error" {
			return fail(decodeErrorEvent(frame.Data))
		}

		var p payload
		if err := json.Unmarshal([]byte(frame.Data), &p); err != nil {
			metrics.StreamFramesSkippedTotal.WithLabelValues("malformed").Inc()
			r.logger.Debug("skipping malformed frame", zap.String("event", frame.Event), zap.Error(err))
			continue
		}

		switch {
		case p.Object == "thread.run":
			res.RunID = p.ID
			res.Status = p.Status
			res.LastError = p.LastError
			if failed(p.Status) {
				return fail(&model.RunFailedError{RunID: p.ID, Status: p.Status, LastError: p.LastError})
			}
		case p.Delta != nil && len(p.Delta.Content) > 0 && p.Delta.Content[0].Text != nil:
			text := p.Delta.Content[0].Text.Value
			if text == "" {
				continue
			}
			if p.ID != "" {
				remoteMessageID = p.ID
			}
			content.WriteString(text)
			res.Deltas++
			metrics.StreamDeltasTotal.Inc()
			if err := sink.Delta(text); err != nil {
				return res, fmt.Errorf("forward delta: %w", err)
			}
		default:
			metrics.StreamFramesSkippedTotal.WithLabelValues("unknown").Inc()
		}
	}
}

// failed reports whether a streamed run status ends the stream without a
// reply. Tool calls are not supported, so requires_action counts as failed.
func failed(s model.RunStatus) bool {
	if s == model.RunStatusRequiresAction {
		return true
	}
	return s.Terminal() && s != model.RunStatusCompleted
}

func decodeErrorEvent(data string) error {
	var p errorPayload
	if err := json.Unmarshal([]byte(data), &p); err != nil {
		return &EventError{Message: data}
	}
	if p.Error != nil {
		return &EventError{Code: p.Error.Code, Type: p.Error.Type, Message: p.Error.Message}
	}
	return &EventError{Code: p.Code, Type: p.Type, Message: p.Message}
}
