package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/sashabaranov/go-openai"
	"github.com/stretchr/testify/suite"
	gormlogger "gorm.io/gorm/logger"

	"github.com/capitalize-ai/assistants-relay/internal/lock"
	"github.com/capitalize-ai/assistants-relay/internal/model"
	"github.com/capitalize-ai/assistants-relay/internal/remote/remotetest"
	"github.com/capitalize-ai/assistants-relay/internal/store"
	"github.com/capitalize-ai/assistants-relay/pkg/logger"
)

const testAssistantID = "asst_seed"

type recordingPublisher struct {
	mu     sync.Mutex
	events []model.RunEvent
}

func (p *recordingPublisher) PublishRunEvent(_ context.Context, e *model.RunEvent) (uint64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, *e)
	return uint64(len(p.events)), nil
}

func (p *recordingPublisher) types() []model.EventType {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []model.EventType
	for _, e := range p.events {
		out = append(out, e.Type)
	}
	return out
}

// serviceSuite wires every service to a SQLite store and the in-memory remote.
type serviceSuite struct {
	suite.Suite
	ctx    context.Context
	store  *store.Store
	remote *remotetest.Fake
	events *recordingPublisher
	cfg    CoordinatorConfig

	coordinator *RunCoordinator
	assistants  *AssistantService
	threads     *ThreadService
	messages    *MessageService
	files       *FileService
}

func (s *serviceSuite) SetupTest() {
	s.ctx = context.Background()

	st, err := store.Open(":memory:", store.Options{LogLevel: gormlogger.Silent})
	s.Require().NoError(err)
	s.Require().NoError(st.Migrate(s.ctx))
	s.store = st

	s.remote = remotetest.New()
	s.remote.Reply = "You have 2 files"
	s.remote.SeedAssistant(openai.Assistant{ID: testAssistantID, Model: "gpt-4o"})
	s.events = &recordingPublisher{}

	s.cfg = CoordinatorConfig{
		PollInterval:     time.Millisecond,
		PollAttempts:     5,
		DrainInterval:    time.Millisecond,
		DrainMaxInterval: 5 * time.Millisecond,
		DrainTimeout:     time.Second,
	}
	s.build()
}

func (s *serviceSuite) build() {
	log := logger.NewNop()
	locker := lock.NewLocalLocker()
	s.coordinator = NewRunCoordinator(s.store, s.remote, locker, s.events, s.cfg, log)
	s.assistants = NewAssistantService(s.store, s.remote, log)
	s.threads = NewThreadService(s.store, s.remote, locker, s.assistants, log)
	s.messages = NewMessageService(s.store, s.remote, locker, log)
	s.files = NewFileService(s.store, s.remote, s.assistants, FileConfig{
		UploadDir:         s.T().TempDir(),
		MaxBytes:          1024,
		BatchPollInterval: time.Millisecond,
		BatchPollAttempts: 3,
	}, log)
}

func (s *serviceSuite) TearDownTest() {
	s.Require().NoError(s.store.Close())
}

func (s *serviceSuite) newThread() *model.Thread {
	thread, err := s.threads.Create(s.ctx, testAssistantID, &model.CreateThreadRequest{Title: "test"})
	s.Require().NoError(err)
	s.Require().True(thread.Synced())
	return thread
}

func (s *serviceSuite) localMessages(threadID string) []model.Message {
	msgs, err := s.store.ListMessages(s.ctx, threadID)
	s.Require().NoError(err)
	return msgs
}

func TestServiceSuite(t *testing.T) {
	suite.Run(t, new(serviceSuite))
}
