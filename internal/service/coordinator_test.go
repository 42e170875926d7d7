package service

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/sashabaranov/go-openai"

	"github.com/capitalize-ai/assistants-relay/internal/lock"
	"github.com/capitalize-ai/assistants-relay/internal/model"
	"github.com/capitalize-ai/assistants-relay/internal/remote"
	"github.com/capitalize-ai/assistants-relay/internal/remote/remotetest"
	"github.com/capitalize-ai/assistants-relay/internal/stream"
	"github.com/capitalize-ai/assistants-relay/pkg/logger"
)

// syncDuringRun triggers onReplyLookup the first time the coordinator looks
// up the messages of a run.
type syncDuringRun struct {
	*remotetest.Fake
	once          sync.Once
	onReplyLookup func()
}

func (r *syncDuringRun) ListMessages(ctx context.Context, threadID string, opts remote.ListMessagesOptions) ([]openai.Message, error) {
	if opts.RunID != "" {
		r.once.Do(r.onReplyLookup)
	}
	return r.Fake.ListMessages(ctx, threadID, opts)
}

type recordingSink struct {
	deltas []string
	done   *model.Message
	err    error
}

func (r *recordingSink) Delta(text string) error {
	r.deltas = append(r.deltas, text)
	return nil
}

func (r *recordingSink) Done(msg *model.Message) error {
	r.done = msg
	return nil
}

func (r *recordingSink) Error(err error) error {
	r.err = err
	return nil
}

func (s *serviceSuite) TestSubmitAppendsUserAndAssistantMessagesInOrder() {
	require := s.Require()
	thread := s.newThread()

	s.remote.Reply = "Hi! How can I help?"
	_, err := s.coordinator.Submit(s.ctx, thread.ID, &model.SendMessageRequest{Content: "Hello"})
	require.NoError(err)

	s.remote.Reply = "You have 2 files"
	resp, err := s.coordinator.Submit(s.ctx, thread.ID, &model.SendMessageRequest{Content: "What files do I have?"})
	require.NoError(err)
	require.Equal("You have 2 files", resp.Content)
	require.Equal(model.RunStatusCompleted, resp.Status)
	require.NotNil(resp.AssistantReply)
	require.Equal(model.RoleAssistant, resp.AssistantReply.Role)
	require.Equal(resp.RunID, *resp.UserMessage.RunID)

	msgs := s.localMessages(thread.ID)
	require.Len(msgs, 4)
	var got []string
	for _, m := range msgs {
		got = append(got, string(m.Role)+": "+m.Content)
	}
	require.Equal([]string{
		"user: Hello",
		"assistant: Hi! How can I help?",
		"user: What files do I have?",
		"assistant: You have 2 files",
	}, got)

	reply, err := s.store.FindMessageByRun(s.ctx, thread.ID, resp.RunID, model.RoleAssistant)
	require.NoError(err)
	require.Equal(resp.AssistantReply.ID, reply.ID)
	require.NotNil(reply.RemoteID)

	require.Contains(s.events.types(), model.EventTypeRunCreated)
	require.Contains(s.events.types(), model.EventTypeRunCompleted)
}

func (s *serviceSuite) TestSubmitCancelsEveryActiveRunBeforeCreating() {
	require := s.Require()
	thread := s.newThread()
	remoteID := *thread.RemoteID

	active := []string{
		s.remote.AddRun(remoteID, openai.RunStatusQueued),
		s.remote.AddRun(remoteID, openai.RunStatusInProgress),
		s.remote.AddRun(remoteID, openai.RunStatusRequiresAction),
	}
	s.remote.AddRun(remoteID, openai.RunStatusCompleted)

	resp, err := s.coordinator.Submit(s.ctx, thread.ID, &model.SendMessageRequest{Content: "hi"})
	require.NoError(err)

	log := s.remote.CallLog()
	require.Len(log, 4)
	var cancels []string
	for _, id := range active {
		cancels = append(cancels, "cancel:"+id)
	}
	require.ElementsMatch(cancels, log[:3])
	require.Equal("create:"+resp.RunID, log[3])

	for _, r := range s.remote.Runs(remoteID) {
		if r.ID != resp.RunID && r.Status != openai.RunStatusCompleted {
			require.Equal(openai.RunStatusCancelled, r.Status, r.ID)
		}
	}
}

func (s *serviceSuite) TestSubmitWaitsForCancellingRuns() {
	require := s.Require()
	thread := s.newThread()
	s.remote.CancelLag = 3
	stale := s.remote.AddRun(*thread.RemoteID, openai.RunStatusInProgress)

	resp, err := s.coordinator.Submit(s.ctx, thread.ID, &model.SendMessageRequest{Content: "hi"})
	require.NoError(err)
	require.Equal([]string{"cancel:" + stale, "create:" + resp.RunID}, s.remote.CallLog())
}

func (s *serviceSuite) TestSubmitDrainIsBounded() {
	require := s.Require()
	s.cfg.DrainTimeout = 30 * time.Millisecond
	s.build()

	thread := s.newThread()
	s.remote.CancelLag = 1 << 30
	s.remote.AddRun(*thread.RemoteID, openai.RunStatusCancelling)

	_, err := s.coordinator.Submit(s.ctx, thread.ID, &model.SendMessageRequest{Content: "hi"})
	require.ErrorIs(err, ErrTimeout)

	var terr *TimeoutError
	require.ErrorAs(err, &terr)
	require.Equal("drain", terr.Phase)
	require.Empty(s.localMessages(thread.ID))
}

func (s *serviceSuite) TestSubmitStuckRunTimesOut() {
	require := s.Require()
	thread := s.newThread()
	s.remote.Stuck = true

	_, err := s.coordinator.Submit(s.ctx, thread.ID, &model.SendMessageRequest{Content: "hi"})
	require.ErrorIs(err, ErrTimeout)

	var terr *TimeoutError
	require.ErrorAs(err, &terr)
	require.Equal("poll", terr.Phase)
	require.Equal(s.cfg.PollAttempts, terr.Attempts)

	msgs := s.localMessages(thread.ID)
	require.Len(msgs, 1)
	require.Equal(model.RoleUser, msgs[0].Role)
	require.Contains(s.events.types(), model.EventTypeRunTimeout)
}

func (s *serviceSuite) TestSubmitFailedRunCarriesLastError() {
	require := s.Require()
	thread := s.newThread()
	s.remote.Outcome = openai.RunStatusFailed
	s.remote.LastError = &openai.RunLastError{Code: openai.RunError("rate_limit_exceeded"), Message: "You exceeded your current quota."}

	_, err := s.coordinator.Submit(s.ctx, thread.ID, &model.SendMessageRequest{Content: "hi"})

	var runErr *model.RunFailedError
	require.ErrorAs(err, &runErr)
	require.Equal(model.RunStatusFailed, runErr.Status)
	require.Equal(&model.RunError{Code: "rate_limit_exceeded", Message: "You exceeded your current quota."}, runErr.LastError)
	require.Len(s.localMessages(thread.ID), 1)
}

func (s *serviceSuite) TestSubmitWithoutReply() {
	thread := s.newThread()
	s.remote.SkipReply = true

	_, err := s.coordinator.Submit(s.ctx, thread.ID, &model.SendMessageRequest{Content: "hi"})
	s.Require().ErrorIs(err, ErrNoReply)
	s.Require().Len(s.localMessages(thread.ID), 1)
}

func (s *serviceSuite) TestSubmitRemoteErrorPassesThrough() {
	require := s.Require()
	thread := s.newThread()
	s.remote.Errors = map[string]error{"create_run": &remote.Error{
		Op:         "create_run",
		StatusCode: http.StatusTooManyRequests,
		Code:       "rate_limit_exceeded",
		Type:       "requests",
		Message:    "Rate limit reached",
		RetryAfter: "20",
	}}

	_, err := s.coordinator.Submit(s.ctx, thread.ID, &model.SendMessageRequest{Content: "hi"})

	var rerr *remote.Error
	require.ErrorAs(err, &rerr)
	require.Equal(http.StatusTooManyRequests, rerr.StatusCode)
	require.Equal("rate_limit_exceeded", rerr.Code)
	require.Equal("20", rerr.RetryAfter)
}

func (s *serviceSuite) TestSubmitThreadChecks() {
	require := s.Require()

	_, err := s.coordinator.Submit(s.ctx, "missing", &model.SendMessageRequest{Content: "hi"})
	require.ErrorIs(err, ErrNotFound)

	local := &model.Thread{AssistantID: testAssistantID}
	require.NoError(s.store.CreateThread(s.ctx, local))
	_, err = s.coordinator.Submit(s.ctx, local.ID, &model.SendMessageRequest{Content: "hi"})
	require.ErrorIs(err, ErrThreadNotSynced)
}

func (s *serviceSuite) TestOverlappingSubmitsAreSerialized() {
	require := s.Require()
	thread := s.newThread()
	s.remote.PollsToComplete = 3

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i, content := range []string{"first", "second"} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, errs[i] = s.coordinator.Submit(s.ctx, thread.ID, &model.SendMessageRequest{Content: content})
		}()
	}
	wg.Wait()
	require.NoError(errs[0])
	require.NoError(errs[1])

	msgs := s.localMessages(thread.ID)
	require.Len(msgs, 4)
	for i, m := range msgs {
		if i%2 == 0 {
			require.Equal(model.RoleUser, m.Role)
		} else {
			require.Equal(model.RoleAssistant, m.Role)
			require.Equal(*msgs[i-1].RunID, *m.RunID)
		}
	}

	// Neither run was cancelled: the second submit found the thread idle.
	for _, entry := range s.remote.CallLog() {
		require.True(strings.HasPrefix(entry, "create:"), entry)
	}
}

func (s *serviceSuite) TestSubmitStreamPersistsConcatenatedDeltas() {
	require := s.Require()
	thread := s.newThread()
	s.remote.Reply = "You have 2 files in the knowledge base"
	s.remote.StreamChunk = 7

	sink := &recordingSink{}
	res, err := s.coordinator.SubmitStream(s.ctx, thread.ID, &model.SendMessageRequest{Content: "What files do I have?"}, sink)
	require.NoError(err)
	require.Nil(sink.err)
	require.NotNil(sink.done)
	require.Greater(len(sink.deltas), 1)
	require.Equal(strings.Join(sink.deltas, ""), sink.done.Content)
	require.Equal(s.remote.Reply, sink.done.Content)

	msgs := s.localMessages(thread.ID)
	require.Len(msgs, 2)
	require.Equal(model.RoleUser, msgs[0].Role)
	require.Equal(res.RunID, *msgs[0].RunID)
	require.Equal(model.RoleAssistant, msgs[1].Role)
	require.Equal(res.RunID, *msgs[1].RunID)
	require.NotNil(msgs[1].RemoteID)
}

func (s *serviceSuite) TestSubmitStreamTransportErrorPersistsNothing() {
	require := s.Require()
	thread := s.newThread()
	s.remote.StreamBody = func(runID, messageID string) string {
		return "event: thread.run.created\ndata: {\"id\":\"" + runID + "\",\"object\":\"thread.run\",\"status\":\"queued\"}\n\n" +
			"data: {\"id\":\"" + messageID + "\",\"object\":\"thread.message.delta\",\"delta\":{\"content\":[{\"index\":0,\"type\":\"text\",\"text\":{\"value\":\"You have\"}}]}}\n\n"
	}
	boom := errors.New("connection reset by peer")
	s.remote.StreamErr = boom

	sink := &recordingSink{}
	_, err := s.coordinator.SubmitStream(s.ctx, thread.ID, &model.SendMessageRequest{Content: "hi"}, sink)
	require.ErrorIs(err, boom)
	require.ErrorIs(sink.err, boom)
	require.Equal([]string{"You have"}, sink.deltas)
	require.Nil(sink.done)

	msgs := s.localMessages(thread.ID)
	require.Len(msgs, 1)
	require.Equal(model.RoleUser, msgs[0].Role)
}

func (s *serviceSuite) TestSubmitStreamFailedRun() {
	require := s.Require()
	thread := s.newThread()
	s.remote.Outcome = openai.RunStatusFailed
	s.remote.LastError = &openai.RunLastError{Code: openai.RunError("server_error"), Message: "Something went wrong."}

	sink := &recordingSink{}
	_, err := s.coordinator.SubmitStream(s.ctx, thread.ID, &model.SendMessageRequest{Content: "hi"}, sink)

	var runErr *model.RunFailedError
	require.ErrorAs(err, &runErr)
	require.Equal("server_error", runErr.LastError.Code)
	require.NotNil(sink.err)
	require.Len(s.localMessages(thread.ID), 1)
	require.Contains(s.events.types(), model.EventTypeRunFailed)
}

func (s *serviceSuite) TestSubmitStreamRejectedBeforeStreaming() {
	thread := s.newThread()
	s.remote.Errors = map[string]error{"stream_run": &remote.Error{StatusCode: http.StatusBadRequest, Message: "bad"}}

	sink := &recordingSink{}
	_, err := s.coordinator.SubmitStream(s.ctx, thread.ID, &model.SendMessageRequest{Content: "hi"}, sink)
	s.Require().Equal(http.StatusBadRequest, remote.StatusCode(err))
	s.Require().Nil(sink.err)
}

func (s *serviceSuite) TestStartAndPollRunPersistsReplyOnce() {
	require := s.Require()
	thread := s.newThread()
	s.remote.PollsToComplete = 2

	started, err := s.coordinator.StartRun(s.ctx, thread.ID, &model.SendMessageRequest{Content: "hi"})
	require.NoError(err)
	require.Equal(model.RunStatusQueued, started.Status)

	first, err := s.coordinator.PollRun(s.ctx, thread.ID, started.RunID)
	require.NoError(err)
	require.Equal(model.RunStatusInProgress, first.Run.Status)
	require.Nil(first.AssistantReply)

	second, err := s.coordinator.PollRun(s.ctx, thread.ID, started.RunID)
	require.NoError(err)
	require.Equal(model.RunStatusCompleted, second.Run.Status)
	require.Equal("You have 2 files", second.AssistantReply.Content)

	third, err := s.coordinator.PollRun(s.ctx, thread.ID, started.RunID)
	require.NoError(err)
	require.Equal(second.AssistantReply.ID, third.AssistantReply.ID)

	require.Len(s.localMessages(thread.ID), 2)
}

func (s *serviceSuite) TestPollRunUnknownRun() {
	thread := s.newThread()
	_, err := s.coordinator.PollRun(s.ctx, thread.ID, "run_missing")
	s.Require().True(remote.IsNotFound(err))
}

func (s *serviceSuite) TestListRuns() {
	require := s.Require()
	thread := s.newThread()
	_, err := s.coordinator.Submit(s.ctx, thread.ID, &model.SendMessageRequest{Content: "hi"})
	require.NoError(err)

	resp, err := s.coordinator.ListRuns(s.ctx, thread.ID)
	require.NoError(err)
	require.Len(resp.Runs, 1)
	require.Equal(model.RunStatusCompleted, resp.Runs[0].Status)
}

func (s *serviceSuite) TestSubmitHonoursCallerContext() {
	thread := s.newThread()
	s.remote.Stuck = true
	s.cfg.PollInterval = time.Second
	s.cfg.PollAttempts = 30
	s.build()

	ctx, cancel := context.WithTimeout(s.ctx, 20*time.Millisecond)
	defer cancel()
	_, err := s.coordinator.Submit(ctx, thread.ID, &model.SendMessageRequest{Content: "hi"})
	s.Require().ErrorIs(err, ErrTimeout)
}

var _ stream.Sink = (*recordingSink)(nil)

func (s *serviceSuite) TestMessageSyncDuringRunKeepsOneReply() {
	require := s.Require()
	thread := s.newThread()

	log := logger.NewNop()
	locker := lock.NewLocalLocker()
	messages := NewMessageService(s.store, s.remote, locker, log)

	synced := make(chan error, 1)
	rc := &syncDuringRun{Fake: s.remote, onReplyLookup: func() {
		go func() {
			_, err := messages.List(s.ctx, thread.ID, true)
			synced <- err
		}()
	}}
	coordinator := NewRunCoordinator(s.store, rc, locker, s.events, s.cfg, log)

	resp, err := coordinator.Submit(s.ctx, thread.ID, &model.SendMessageRequest{Content: "Hello"})
	require.NoError(err)
	require.NoError(<-synced)

	msgs := s.localMessages(thread.ID)
	var got []string
	for _, m := range msgs {
		got = append(got, string(m.Role)+": "+m.Content)
	}
	require.Equal([]string{"user: Hello", "assistant: You have 2 files"}, got)
	require.Equal(resp.AssistantReply.ID, msgs[1].ID)
	require.NotNil(msgs[0].RemoteID)
}

func (s *serviceSuite) TestPersistReplyLinksImportedMessage() {
	require := s.Require()
	thread := s.newThread()

	imported := &model.Message{ThreadID: thread.ID, Role: model.RoleAssistant, Content: "Hi", RemoteID: ptr("msg_9")}
	require.NoError(s.store.CreateMessage(s.ctx, imported))

	msg, err := s.coordinator.persistReply(s.ctx, thread.ID, stream.Reply{Content: "Hi", RunID: "run_9", RemoteMessageID: "msg_9"})
	require.NoError(err)
	require.Equal(imported.ID, msg.ID)
	require.Equal("run_9", *msg.RunID)
	require.Len(s.localMessages(thread.ID), 1)

	byRun, err := s.store.FindMessageByRun(s.ctx, thread.ID, "run_9", model.RoleAssistant)
	require.NoError(err)
	require.Equal(imported.ID, byRun.ID)
}
