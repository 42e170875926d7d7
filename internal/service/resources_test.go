package service

import (
	"bytes"
	"os"
	"strings"
	"time"

	"github.com/sashabaranov/go-openai"

	"github.com/capitalize-ai/assistants-relay/internal/lock"
	"github.com/capitalize-ai/assistants-relay/internal/model"
	"github.com/capitalize-ai/assistants-relay/pkg/logger"
)

var pngHeader = []byte("\x89PNG\r\n\x1a\n\x00\x00\x00\rIHDR")

func (s *serviceSuite) TestDeleteMessageTwice() {
	require := s.Require()
	thread := s.newThread()

	msg, err := s.messages.Add(s.ctx, thread.ID, &model.SendMessageRequest{Content: "Hello"})
	require.NoError(err)
	require.NotNil(msg.RemoteID)

	require.NoError(s.messages.Delete(s.ctx, thread.ID, msg.ID))
	require.ErrorIs(s.messages.Delete(s.ctx, thread.ID, msg.ID), ErrNotFound)
	require.Empty(s.remote.Messages(*thread.RemoteID))
}

func (s *serviceSuite) TestDeleteMessageAlreadyGoneRemotely() {
	require := s.Require()
	thread := s.newThread()

	msg, err := s.messages.Add(s.ctx, thread.ID, &model.SendMessageRequest{Content: "Hello"})
	require.NoError(err)
	require.NoError(s.remote.DeleteMessage(s.ctx, *thread.RemoteID, *msg.RemoteID))

	require.NoError(s.messages.Delete(s.ctx, thread.ID, msg.ID))
	_, err = s.messages.Get(s.ctx, thread.ID, msg.ID)
	require.ErrorIs(err, ErrNotFound)
}

func (s *serviceSuite) TestModifyMessage() {
	require := s.Require()
	thread := s.newThread()
	msg, err := s.messages.Add(s.ctx, thread.ID, &model.SendMessageRequest{Content: "Helo"})
	require.NoError(err)

	updated, err := s.messages.Modify(s.ctx, thread.ID, msg.ID, &model.ModifyMessageRequest{Content: "Hello"})
	require.NoError(err)
	require.Equal("Hello", updated.Content)

	remoteMsg, err := s.remote.GetMessage(s.ctx, *thread.RemoteID, *msg.RemoteID)
	require.NoError(err)
	require.Contains(remoteMsg.Metadata, "edited_at")

	_, err = s.messages.Modify(s.ctx, thread.ID, "missing", &model.ModifyMessageRequest{Content: "x"})
	require.ErrorIs(err, ErrNotFound)
}

func (s *serviceSuite) TestListMessagesReconcilesWithRemote() {
	require := s.Require()
	thread := s.newThread()
	remoteID := *thread.RemoteID

	// A local copy written before its remote id was known, and a message
	// only the remote has.
	local := &model.Message{ThreadID: thread.ID, Role: model.RoleUser, Content: "Hello"}
	require.NoError(s.store.CreateMessage(s.ctx, local))
	linkedID := s.remote.AddMessage(remoteID, "user", "Hello")
	importedID := s.remote.AddMessage(remoteID, "assistant", "Hi there")

	resp, err := s.messages.List(s.ctx, thread.ID, true)
	require.NoError(err)
	require.Equal(2, resp.Total)

	byRemote := map[string]model.Message{}
	for _, m := range resp.Messages {
		require.NotNil(m.RemoteID)
		byRemote[*m.RemoteID] = m
	}
	require.Equal(local.ID, byRemote[linkedID].ID)
	require.Equal("Hi there", byRemote[importedID].Content)

	// A second sync changes nothing.
	again, err := s.messages.List(s.ctx, thread.ID, true)
	require.NoError(err)
	require.Equal(2, again.Total)
}

func (s *serviceSuite) TestListMessagesSyncWaitsForThreadLock() {
	require := s.Require()
	thread := s.newThread()

	locker := lock.NewLocalLocker()
	messages := NewMessageService(s.store, s.remote, locker, logger.NewNop())

	release, err := locker.Acquire(s.ctx, threadLockKey(thread.ID))
	require.NoError(err)

	done := make(chan error, 1)
	go func() {
		_, err := messages.List(s.ctx, thread.ID, true)
		done <- err
	}()

	select {
	case <-done:
		s.Fail("sync finished while the thread was locked")
	case <-time.After(50 * time.Millisecond):
	}

	release()
	select {
	case err := <-done:
		require.NoError(err)
	case <-time.After(time.Second):
		s.Fail("sync did not resume after release")
	}
}

func (s *serviceSuite) TestListMessagesSyncOrdersImportsAfterLocalMessages() {
	require := s.Require()
	thread := s.newThread()

	_, err := s.coordinator.Submit(s.ctx, thread.ID, &model.SendMessageRequest{Content: "Hello"})
	require.NoError(err)
	s.remote.AddMessage(*thread.RemoteID, "user", "Sent from another client")

	resp, err := s.messages.List(s.ctx, thread.ID, true)
	require.NoError(err)

	var got []string
	for _, m := range resp.Messages {
		got = append(got, m.Content)
	}
	require.Equal([]string{"Hello", "You have 2 files", "Sent from another client"}, got)
}

func (s *serviceSuite) TestDeleteThreadCascades() {
	require := s.Require()
	thread := s.newThread()
	_, err := s.coordinator.Submit(s.ctx, thread.ID, &model.SendMessageRequest{Content: "hi"})
	require.NoError(err)

	require.NoError(s.threads.Delete(s.ctx, thread.ID))
	require.Empty(s.localMessages(thread.ID))
	_, err = s.threads.Get(s.ctx, thread.ID)
	require.ErrorIs(err, ErrNotFound)
	require.ErrorIs(s.threads.Delete(s.ctx, thread.ID), ErrNotFound)
}

func (s *serviceSuite) TestCreateThreadForUnknownAssistant() {
	_, err := s.threads.Create(s.ctx, "asst_missing", &model.CreateThreadRequest{})
	s.Require().ErrorIs(err, ErrNotFound)
}

func (s *serviceSuite) TestAssistantLifecycle() {
	require := s.Require()

	created, err := s.assistants.Create(s.ctx, &model.CreateAssistantRequest{
		Name:         "Support",
		Model:        "gpt-4o",
		Instructions: "Be brief.",
		Tools:        []string{"file_search"},
	})
	require.NoError(err)
	require.Equal([]string{"file_search"}, []string(created.Tools))

	name := "Support v2"
	updated, err := s.assistants.Update(s.ctx, created.ID, &model.UpdateAssistantRequest{Name: &name})
	require.NoError(err)
	require.Equal("Support v2", updated.Name)
	require.Equal("gpt-4o", updated.Model)
	require.Equal("Be brief.", updated.Instructions)

	list, err := s.assistants.List(s.ctx, true)
	require.NoError(err)
	require.Equal(2, list.Total)

	require.NoError(s.assistants.Delete(s.ctx, created.ID))
	require.NoError(s.assistants.Delete(s.ctx, created.ID))
	_, err = s.assistants.Get(s.ctx, created.ID)
	require.ErrorIs(err, ErrNotFound)
}

func (s *serviceSuite) TestCreateAssistantRequiresModel() {
	_, err := s.assistants.Create(s.ctx, &model.CreateAssistantRequest{Name: "x"})
	var verr *ValidationError
	s.Require().ErrorAs(err, &verr)
	s.Require().Equal("model", verr.Field)
}

func (s *serviceSuite) TestSeedAssistants() {
	require := s.Require()
	n, err := s.assistants.Seed(s.ctx, []model.Assistant{
		{ID: "asst_a", Model: "gpt-4o", Name: "A"},
		{ID: "asst_b", Model: "gpt-4o-mini", Name: "B"},
	})
	require.NoError(err)
	require.Equal(2, n)

	a, err := s.assistants.Get(s.ctx, "asst_b")
	require.NoError(err)
	require.Equal("B", a.Name)

	_, err = s.assistants.Seed(s.ctx, []model.Assistant{{ID: "asst_c"}})
	var verr *ValidationError
	require.ErrorAs(err, &verr)
}

func (s *serviceSuite) TestUploadIngestsIntoVectorStore() {
	require := s.Require()

	f, err := s.files.Upload(s.ctx, testAssistantID, "notes.txt", strings.NewReader("meeting notes"))
	require.NoError(err)
	require.Equal("text/plain", f.MimeType)
	require.True(f.Attached)
	require.Empty(f.LocalPath)
	require.NotEmpty(f.VectorStoreID)
	require.Equal([]string{f.ID}, s.remote.VectorStoreFileIDs(f.VectorStoreID))

	ra, err := s.remote.GetAssistant(s.ctx, testAssistantID)
	require.NoError(err)
	require.Equal([]string{f.VectorStoreID}, ra.ToolResources.FileSearch.VectorStoreIDs)
	require.Equal(openai.AssistantToolTypeFileSearch, ra.Tools[0].Type)

	// The second upload reuses the cached store.
	g, err := s.files.Upload(s.ctx, testAssistantID, "logo.png", bytes.NewReader(pngHeader))
	require.NoError(err)
	require.Equal(f.VectorStoreID, g.VectorStoreID)
	require.Equal("image/png", g.MimeType)

	list, err := s.files.List(s.ctx, testAssistantID)
	require.NoError(err)
	require.Equal(2, list.Total)
	for _, file := range list.Files {
		require.True(file.Attached, file.ID)
	}

	vs, err := s.files.VectorStore(s.ctx, testAssistantID)
	require.NoError(err)
	require.Equal([]string{f.VectorStoreID}, vs.VectorStoreIDs)

	entries, err := os.ReadDir(s.files.cfg.UploadDir)
	require.NoError(err)
	require.Empty(entries)
}

func (s *serviceSuite) TestUploadRejectsUnsupportedAndOversizedFiles() {
	require := s.Require()

	_, err := s.files.Upload(s.ctx, testAssistantID, "run.exe", strings.NewReader("MZ"))
	require.ErrorIs(err, ErrUnsupportedFile)

	_, err = s.files.Upload(s.ctx, testAssistantID, "fake.pdf", strings.NewReader("plain text"))
	require.ErrorIs(err, ErrUnsupportedFile)

	_, err = s.files.Upload(s.ctx, testAssistantID, "big.txt", strings.NewReader(strings.Repeat("a", 2048)))
	require.ErrorIs(err, ErrFileTooLarge)
}

func (s *serviceSuite) TestUploadFailureLeavesNoOrphans() {
	require := s.Require()
	s.remote.Errors = map[string]error{"create_vector_store": &openai.APIError{Message: "boom"}}

	_, err := s.files.Upload(s.ctx, testAssistantID, "notes.txt", strings.NewReader("notes"))
	require.Error(err)

	list, err := s.files.List(s.ctx, testAssistantID)
	require.NoError(err)
	require.Zero(list.Total)
	require.False(s.remote.HasFile("file_1"))
}

func (s *serviceSuite) TestDeleteFileIsIdempotent() {
	require := s.Require()
	f, err := s.files.Upload(s.ctx, testAssistantID, "notes.txt", strings.NewReader("notes"))
	require.NoError(err)

	require.NoError(s.files.Delete(s.ctx, testAssistantID, f.ID))
	require.False(s.remote.HasFile(f.ID))
	require.Empty(s.remote.VectorStoreFileIDs(f.VectorStoreID))
	require.NoError(s.files.Delete(s.ctx, testAssistantID, f.ID))

	list, err := s.files.List(s.ctx, testAssistantID)
	require.NoError(err)
	require.Zero(list.Total)
}

func (s *serviceSuite) TestUploadRecordsVectorStore() {
	require := s.Require()
	f, err := s.files.Upload(s.ctx, testAssistantID, "notes.txt", strings.NewReader("notes"))
	require.NoError(err)

	stored, err := s.store.GetFile(s.ctx, testAssistantID, f.ID)
	require.NoError(err)
	require.Equal(f.VectorStoreID, stored.VectorStoreID)
	require.Empty(stored.LocalPath)

	list, err := s.files.List(s.ctx, testAssistantID)
	require.NoError(err)
	require.Len(list.Files, 1)
	require.Equal(f.VectorStoreID, list.Files[0].VectorStoreID)

	require.NoError(s.files.Delete(s.ctx, testAssistantID, f.ID))
	require.Empty(s.remote.VectorStoreFileIDs(f.VectorStoreID))
}
