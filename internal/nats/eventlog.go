package nats

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go/jetstream"
	"go.uber.org/zap"

	"github.com/capitalize-ai/assistants-relay/internal/model"
)

const (
	// StreamName is the name of the run events stream.
	StreamName = "ASSISTANT_RUNS"

	// SubjectPrefix is the prefix for all run event subjects.
	SubjectPrefix = "relay"
)

// EventLog appends run lifecycle events to JetStream and replays them per
// thread.
type EventLog struct {
	client *Client
}

// NewEventLog creates a new event log.
func NewEventLog(client *Client) *EventLog {
	return &EventLog{client: client}
}

// EnsureStream ensures the run events stream exists with proper configuration.
func (l *EventLog) EnsureStream(ctx context.Context) error {
	js := l.client.JetStream()

	_, err := js.Stream(ctx, StreamName)
	if err == nil {
		return nil
	}
	if !errors.Is(err, jetstream.ErrStreamNotFound) {
		return fmt.Errorf("failed to look up stream: %w", err)
	}

	_, err = js.CreateStream(ctx, jetstream.StreamConfig{
		Name:        StreamName,
		Subjects:    []string{fmt.Sprintf("%s.>", SubjectPrefix)},
		Retention:   jetstream.LimitsPolicy,
		MaxAge:      30 * 24 * time.Hour,
		MaxBytes:    10 * 1024 * 1024 * 1024,
		Storage:     jetstream.FileStorage,
		Replicas:    1,
		Compression: jetstream.S2Compression,
		Description: "Run lifecycle events of assistant threads",
	})
	if err != nil {
		return fmt.Errorf("failed to create stream: %w", err)
	}

	l.client.logger.Info("created JetStream stream", zap.String("stream", StreamName))
	return nil
}

// EventSubject returns the subject for an event.
func EventSubject(threadID string, eventType model.EventType) string {
	return fmt.Sprintf("%s.%s.%s", SubjectPrefix, threadID, eventType)
}

// ThreadFilter returns the filter subject for all events of a thread.
func ThreadFilter(threadID string) string {
	return fmt.Sprintf("%s.%s.>", SubjectPrefix, threadID)
}

// PublishRunEvent publishes an event and returns its stream sequence.
func (l *EventLog) PublishRunEvent(ctx context.Context, event *model.RunEvent) (uint64, error) {
	data, err := json.Marshal(event)
	if err != nil {
		return 0, fmt.Errorf("failed to marshal event: %w", err)
	}

	ack, err := l.client.JetStream().Publish(ctx, EventSubject(event.ThreadID, event.Type), data,
		jetstream.WithMsgID(event.ID))
	if err != nil {
		return 0, fmt.Errorf("failed to publish event: %w", err)
	}
	event.Sequence = ack.Sequence
	return ack.Sequence, nil
}

// Replay returns up to limit events of a thread recorded after
// afterSequence, the last sequence read, and whether more may follow.
func (l *EventLog) Replay(ctx context.Context, threadID string, afterSequence uint64, limit int) ([]model.RunEvent, uint64, bool, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}

	consumerConfig := jetstream.OrderedConsumerConfig{
		FilterSubjects: []string{ThreadFilter(threadID)},
		DeliverPolicy:  jetstream.DeliverAllPolicy,
	}
	if afterSequence > 0 {
		consumerConfig.DeliverPolicy = jetstream.DeliverByStartSequencePolicy
		consumerConfig.OptStartSeq = afterSequence + 1
	}

	consumer, err := l.client.JetStream().OrderedConsumer(ctx, StreamName, consumerConfig)
	if err != nil {
		return nil, 0, false, fmt.Errorf("failed to create consumer: %w", err)
	}

	batch, err := consumer.Fetch(limit, jetstream.FetchMaxWait(time.Second))
	if err != nil {
		return nil, 0, false, fmt.Errorf("failed to fetch events: %w", err)
	}

	var (
		events       []model.RunEvent
		lastSequence = afterSequence
	)
	for msg := range batch.Messages() {
		var event model.RunEvent
		if err := json.Unmarshal(msg.Data(), &event); err != nil {
			l.client.logger.Debug("skipping undecodable event", zap.String("subject", msg.Subject()), zap.Error(err))
			continue
		}
		if meta, err := msg.Metadata(); err == nil {
			event.Sequence = meta.Sequence.Stream
			lastSequence = meta.Sequence.Stream
		}
		events = append(events, event)
	}

	if err := batch.Error(); err != nil && !errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, jetstream.ErrNoMessages) {
		return nil, 0, false, fmt.Errorf("batch error: %w", err)
	}

	return events, lastSequence, len(events) == limit, nil
}
