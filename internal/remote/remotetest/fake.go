// Package remotetest provides an in-memory remote.Client for tests.
package remotetest

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/sashabaranov/go-openai"

	"github.com/capitalize-ai/assistants-relay/internal/remote"
)

type fakeRun struct {
	run            openai.Run
	polls          int
	cancelListings int
}

type fakeThread struct {
	messages []openai.Message
	runs     []*fakeRun
}

// Fake emulates the remote assistants API in memory. Runs advance when
// polled; behaviour is tuned with the exported fields before use.
type Fake struct {
	// Reply is the assistant text produced by completed runs.
	Reply string
	// PollsToComplete is how many GetRun calls a run stays in_progress.
	PollsToComplete int
	// Outcome is the terminal status runs reach. Defaults to completed.
	Outcome openai.RunStatus
	// LastError is attached to runs ending in a failure status.
	LastError *openai.RunLastError
	// Stuck keeps runs in_progress forever.
	Stuck bool
	// SkipReply completes runs without producing an assistant message.
	SkipReply bool
	// CancelLag is how many ListRuns calls a cancelled run reports cancelling.
	CancelLag int
	// StreamBody overrides the event stream returned by StreamRun.
	StreamBody func(runID, messageID string) string
	// StreamChunk splits the event stream into reads of at most this size.
	StreamChunk int
	// StreamErr fails the event stream after its body has been read.
	StreamErr error
	// Errors forces the named operation (e.g. "create_run") to fail.
	Errors map[string]error

	mu           sync.Mutex
	seq          int
	threads      map[string]*fakeThread
	assistants   map[string]openai.Assistant
	files        map[string]openai.File
	vectorStores map[string][]string
	batches      map[string]openai.VectorStoreFileBatch
	log          []string
}

var _ remote.Client = (*Fake)(nil)

// New creates an empty fake.
func New() *Fake {
	return &Fake{
		threads:      make(map[string]*fakeThread),
		assistants:   make(map[string]openai.Assistant),
		files:        make(map[string]openai.File),
		vectorStores: make(map[string][]string),
		batches:      make(map[string]openai.VectorStoreFileBatch),
	}
}

func (f *Fake) nextID(prefix string) string {
	f.seq++
	return fmt.Sprintf("%s_%d", prefix, f.seq)
}

func (f *Fake) record(entry string) {
	f.log = append(f.log, entry)
}

func (f *Fake) fail(op string) error {
	if err, ok := f.Errors[op]; ok {
		return err
	}
	return nil
}

func notFound(op, what string) error {
	return &remote.Error{
		Op:         op,
		StatusCode: http.StatusNotFound,
		Type:       "invalid_request_error",
		Message:    "No " + what + " found",
	}
}

func badRequest(op, msg string) error {
	return &remote.Error{
		Op:         op,
		StatusCode: http.StatusBadRequest,
		Type:       "invalid_request_error",
		Message:    msg,
	}
}

// CallLog returns "create:<run>" and "cancel:<run>" entries in call order.
func (f *Fake) CallLog() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.log...)
}

// SeedThread creates a remote thread and returns its id.
func (f *Fake) SeedThread() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	id := f.nextID("thread")
	f.threads[id] = &fakeThread{}
	return id
}

// AddRun places a run with the given status on a thread.
func (f *Fake) AddRun(threadID string, status openai.RunStatus) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	id := f.nextID("run")
	f.threads[threadID].runs = append(f.threads[threadID].runs, &fakeRun{run: openai.Run{
		ID:        id,
		Object:    "thread.run",
		ThreadID:  threadID,
		Status:    status,
		CreatedAt: time.Now().Unix(),
	}})
	return id
}

// AddMessage appends a remote message without a run.
func (f *Fake) AddMessage(threadID, role, content string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.appendMessage(threadID, role, content, nil).ID
}

// Messages returns the remote messages of a thread in creation order.
func (f *Fake) Messages(threadID string) []openai.Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]openai.Message(nil), f.threads[threadID].messages...)
}

// Runs returns the runs of a thread in creation order.
func (f *Fake) Runs(threadID string) []openai.Run {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []openai.Run
	for _, r := range f.threads[threadID].runs {
		out = append(out, r.run)
	}
	return out
}

// HasFile reports whether a remote file exists.
func (f *Fake) HasFile(id string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.files[id]
	return ok
}

// VectorStoreFileIDs returns the files indexed in a vector store.
func (f *Fake) VectorStoreFileIDs(id string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.vectorStores[id]...)
}

func (f *Fake) appendMessage(threadID, role, content string, runID *string) openai.Message {
	m := openai.Message{
		ID:        f.nextID("msg"),
		Object:    "thread.message",
		CreatedAt: int(time.Now().Unix()),
		ThreadID:  threadID,
		Role:      role,
		Content: []openai.MessageContent{{
			Type: "text",
			Text: &openai.MessageText{Value: content},
		}},
		RunID: runID,
	}
	t := f.threads[threadID]
	t.messages = append(t.messages, m)
	return m
}

func (f *Fake) thread(op, threadID string) (*fakeThread, error) {
	t, ok := f.threads[threadID]
	if !ok {
		return nil, notFound(op, "thread")
	}
	return t, nil
}

func (f *Fake) findRun(op, threadID, runID string) (*fakeRun, error) {
	t, err := f.thread(op, threadID)
	if err != nil {
		return nil, err
	}
	for _, r := range t.runs {
		if r.run.ID == runID {
			return r, nil
		}
	}
	return nil, notFound(op, "run")
}

func active(status openai.RunStatus) bool {
	switch status {
	case openai.RunStatusQueued, openai.RunStatusInProgress, openai.RunStatusRequiresAction, openai.RunStatusCancelling:
		return true
	}
	return false
}

func (f *Fake) outcome() openai.RunStatus {
	if f.Outcome == "" {
		return openai.RunStatusCompleted
	}
	return f.Outcome
}

// finish moves a run to its terminal status and writes the reply.
func (f *Fake) finish(r *fakeRun) *openai.Message {
	r.run.Status = f.outcome()
	if r.run.Status != openai.RunStatusCompleted {
		r.run.LastError = f.LastError
		return nil
	}
	if f.SkipReply {
		return nil
	}
	runID := r.run.ID
	m := f.appendMessage(r.run.ThreadID, "assistant", f.Reply, &runID)
	return &m
}

func (f *Fake) startRun(op, threadID string, req openai.RunRequest) (*fakeRun, error) {
	if err := f.fail(op); err != nil {
		return nil, err
	}
	t, err := f.thread(op, threadID)
	if err != nil {
		return nil, err
	}
	for _, r := range t.runs {
		if active(r.run.Status) {
			return nil, badRequest(op, fmt.Sprintf("Thread %s already has an active run %s.", threadID, r.run.ID))
		}
	}
	for _, m := range req.AdditionalMessages {
		f.appendMessage(threadID, string(m.Role), m.Content, nil)
	}
	r := &fakeRun{run: openai.Run{
		ID:          f.nextID("run"),
		Object:      "thread.run",
		ThreadID:    threadID,
		AssistantID: req.AssistantID,
		Status:      openai.RunStatusQueued,
		CreatedAt:   time.Now().Unix(),
	}}
	t.runs = append(t.runs, r)
	f.record("create:" + r.run.ID)
	return r, nil
}

func (f *Fake) CreateRun(_ context.Context, threadID string, req openai.RunRequest) (openai.Run, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, err := f.startRun("create_run", threadID, req)
	if err != nil {
		return openai.Run{}, err
	}
	return r.run, nil
}

func (f *Fake) GetRun(_ context.Context, threadID, runID string) (openai.Run, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.fail("get_run"); err != nil {
		return openai.Run{}, err
	}
	r, err := f.findRun("get_run", threadID, runID)
	if err != nil {
		return openai.Run{}, err
	}
	if active(r.run.Status) && r.run.Status != openai.RunStatusCancelling {
		r.polls++
		r.run.Status = openai.RunStatusInProgress
		if !f.Stuck && r.polls >= f.PollsToComplete {
			f.finish(r)
		}
	}
	return r.run, nil
}

func (f *Fake) CancelRun(_ context.Context, threadID, runID string) (openai.Run, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.fail("cancel_run"); err != nil {
		return openai.Run{}, err
	}
	r, err := f.findRun("cancel_run", threadID, runID)
	if err != nil {
		return openai.Run{}, err
	}
	if !active(r.run.Status) || r.run.Status == openai.RunStatusCancelling {
		return openai.Run{}, badRequest("cancel_run", fmt.Sprintf("Cannot cancel run with status '%s'.", r.run.Status))
	}
	f.record("cancel:" + runID)
	if f.CancelLag > 0 {
		r.run.Status = openai.RunStatusCancelling
	} else {
		r.run.Status = openai.RunStatusCancelled
	}
	return r.run, nil
}

func (f *Fake) ListRuns(_ context.Context, threadID string) ([]openai.Run, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.fail("list_runs"); err != nil {
		return nil, err
	}
	t, err := f.thread("list_runs", threadID)
	if err != nil {
		return nil, err
	}
	out := make([]openai.Run, 0, len(t.runs))
	for i := len(t.runs) - 1; i >= 0; i-- {
		r := t.runs[i]
		if r.run.Status == openai.RunStatusCancelling {
			r.cancelListings++
			if r.cancelListings > f.CancelLag {
				r.run.Status = openai.RunStatusCancelled
			}
		}
		out = append(out, r.run)
	}
	return out, nil
}

func (f *Fake) StreamRun(_ context.Context, threadID string, req openai.RunRequest) (io.ReadCloser, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, err := f.startRun("stream_run", threadID, req)
	if err != nil {
		return nil, err
	}
	var messageID string
	if m := f.finish(r); m != nil {
		messageID = m.ID
	}

	var body string
	if f.StreamBody != nil {
		body = f.StreamBody(r.run.ID, messageID)
	} else {
		body = f.defaultStream(r.run, messageID)
	}
	return io.NopCloser(&chunkReader{data: []byte(body), size: f.StreamChunk, err: f.StreamErr}), nil
}

func (f *Fake) defaultStream(run openai.Run, messageID string) string {
	var b strings.Builder
	writeEvent := func(event string, payload any) {
		data, _ := json.Marshal(payload)
		fmt.Fprintf(&b, "event: %s\ndata: %s\n\n", event, data)
	}

	writeEvent("thread.run.created", map[string]any{"id": run.ID, "object": "thread.run", "status": "queued"})
	if messageID != "" {
		for _, piece := range strings.SplitAfter(f.Reply, " ") {
			if piece == "" {
				continue
			}
			writeEvent("thread.message.delta", map[string]any{
				"id":     messageID,
				"object": "thread.message.delta",
				"delta": map[string]any{"content": []map[string]any{{
					"index": 0,
					"type":  "text",
					"text":  map[string]any{"value": piece},
				}}},
			})
		}
	}
	final := map[string]any{"id": run.ID, "object": "thread.run", "status": string(run.Status)}
	if run.LastError != nil {
		final["last_error"] = run.LastError
	}
	writeEvent("thread.run."+string(run.Status), final)
	b.WriteString("event: done\ndata: [DONE]\n\n")
	return b.String()
}

// chunkReader hands out data in reads of at most size bytes, then err.
type chunkReader struct {
	data []byte
	size int
	err  error
}

func (r *chunkReader) Read(p []byte) (int, error) {
	if len(r.data) == 0 {
		if r.err != nil {
			return 0, r.err
		}
		return 0, io.EOF
	}
	n := len(p)
	if r.size > 0 && n > r.size {
		n = r.size
	}
	n = copy(p[:n], r.data)
	r.data = r.data[n:]
	return n, nil
}

func (f *Fake) CreateMessage(_ context.Context, threadID string, req openai.MessageRequest) (openai.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.fail("create_message"); err != nil {
		return openai.Message{}, err
	}
	t, err := f.thread("create_message", threadID)
	if err != nil {
		return openai.Message{}, err
	}
	for _, r := range t.runs {
		if active(r.run.Status) {
			return openai.Message{}, badRequest("create_message", "Can't add messages while a run is active.")
		}
	}
	return f.appendMessage(threadID, req.Role, req.Content, nil), nil
}

func (f *Fake) ListMessages(_ context.Context, threadID string, opts remote.ListMessagesOptions) ([]openai.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.fail("list_messages"); err != nil {
		return nil, err
	}
	t, err := f.thread("list_messages", threadID)
	if err != nil {
		return nil, err
	}
	var out []openai.Message
	for _, m := range t.messages {
		if opts.RunID != "" && (m.RunID == nil || *m.RunID != opts.RunID) {
			continue
		}
		out = append(out, m)
	}
	if opts.Order != "asc" {
		for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
			out[i], out[j] = out[j], out[i]
		}
	}
	if opts.Limit > 0 && len(out) > opts.Limit {
		out = out[:opts.Limit]
	}
	return out, nil
}

func (f *Fake) messageIndex(op, threadID, messageID string) (*fakeThread, int, error) {
	t, err := f.thread(op, threadID)
	if err != nil {
		return nil, 0, err
	}
	for i, m := range t.messages {
		if m.ID == messageID {
			return t, i, nil
		}
	}
	return nil, 0, notFound(op, "message")
}

func (f *Fake) GetMessage(_ context.Context, threadID, messageID string) (openai.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, i, err := f.messageIndex("get_message", threadID, messageID)
	if err != nil {
		return openai.Message{}, err
	}
	return t.messages[i], nil
}

func (f *Fake) ModifyMessage(_ context.Context, threadID, messageID string, metadata map[string]string) (openai.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.fail("modify_message"); err != nil {
		return openai.Message{}, err
	}
	t, i, err := f.messageIndex("modify_message", threadID, messageID)
	if err != nil {
		return openai.Message{}, err
	}
	md := make(map[string]any, len(metadata))
	for k, v := range metadata {
		md[k] = v
	}
	t.messages[i].Metadata = md
	return t.messages[i], nil
}

func (f *Fake) DeleteMessage(_ context.Context, threadID, messageID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, i, err := f.messageIndex("delete_message", threadID, messageID)
	if err != nil {
		return err
	}
	t.messages = append(t.messages[:i], t.messages[i+1:]...)
	return nil
}

func (f *Fake) CreateThread(_ context.Context) (openai.Thread, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.fail("create_thread"); err != nil {
		return openai.Thread{}, err
	}
	id := f.nextID("thread")
	f.threads[id] = &fakeThread{}
	return openai.Thread{ID: id, Object: "thread", CreatedAt: time.Now().Unix()}, nil
}

func (f *Fake) DeleteThread(_ context.Context, threadID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.threads[threadID]; !ok {
		return notFound("delete_thread", "thread")
	}
	delete(f.threads, threadID)
	return nil
}

func assistantFromRequest(id string, req openai.AssistantRequest) openai.Assistant {
	return openai.Assistant{
		ID:            id,
		Object:        "assistant",
		CreatedAt:     time.Now().Unix(),
		Name:          req.Name,
		Model:         req.Model,
		Instructions:  req.Instructions,
		Tools:         req.Tools,
		ToolResources: req.ToolResources,
		Temperature:   req.Temperature,
		TopP:          req.TopP,
	}
}

// SeedAssistant stores an assistant as if it had been created remotely.
func (f *Fake) SeedAssistant(a openai.Assistant) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.assistants[a.ID] = a
}

func (f *Fake) CreateAssistant(_ context.Context, req openai.AssistantRequest) (openai.Assistant, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.fail("create_assistant"); err != nil {
		return openai.Assistant{}, err
	}
	id := f.nextID("asst")
	for _, taken := f.assistants[id]; taken; _, taken = f.assistants[id] {
		id = f.nextID("asst")
	}
	a := assistantFromRequest(id, req)
	f.assistants[a.ID] = a
	return a, nil
}

func (f *Fake) GetAssistant(_ context.Context, assistantID string) (openai.Assistant, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	a, ok := f.assistants[assistantID]
	if !ok {
		return openai.Assistant{}, notFound("get_assistant", "assistant")
	}
	return a, nil
}

func (f *Fake) ListAssistants(_ context.Context) ([]openai.Assistant, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]openai.Assistant, 0, len(f.assistants))
	for _, a := range f.assistants {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (f *Fake) ModifyAssistant(_ context.Context, assistantID string, req openai.AssistantRequest) (openai.Assistant, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.fail("modify_assistant"); err != nil {
		return openai.Assistant{}, err
	}
	cur, ok := f.assistants[assistantID]
	if !ok {
		return openai.Assistant{}, notFound("modify_assistant", "assistant")
	}
	a := assistantFromRequest(assistantID, req)
	a.CreatedAt = cur.CreatedAt
	if req.Name == nil {
		a.Name = cur.Name
	}
	if req.Instructions == nil {
		a.Instructions = cur.Instructions
	}
	if req.Tools == nil {
		a.Tools = cur.Tools
	}
	if req.ToolResources == nil {
		a.ToolResources = cur.ToolResources
	}
	f.assistants[assistantID] = a
	return a, nil
}

func (f *Fake) DeleteAssistant(_ context.Context, assistantID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.assistants[assistantID]; !ok {
		return notFound("delete_assistant", "assistant")
	}
	delete(f.assistants, assistantID)
	return nil
}

func (f *Fake) UploadFile(_ context.Context, name string, data []byte) (openai.File, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.fail("upload_file"); err != nil {
		return openai.File{}, err
	}
	file := openai.File{
		ID:        f.nextID("file"),
		Object:    "file",
		FileName:  name,
		Bytes:     len(data),
		Purpose:   string(openai.PurposeAssistants),
		CreatedAt: time.Now().Unix(),
	}
	f.files[file.ID] = file
	return file, nil
}

func (f *Fake) DeleteFile(_ context.Context, fileID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.files[fileID]; !ok {
		return notFound("delete_file", "file")
	}
	delete(f.files, fileID)
	return nil
}

func (f *Fake) CreateVectorStore(_ context.Context, name string) (openai.VectorStore, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.fail("create_vector_store"); err != nil {
		return openai.VectorStore{}, err
	}
	id := f.nextID("vs")
	f.vectorStores[id] = nil
	return openai.VectorStore{ID: id, Object: "vector_store", Name: name, Status: "completed"}, nil
}

func (f *Fake) CreateFileBatch(_ context.Context, vectorStoreID string, fileIDs []string) (openai.VectorStoreFileBatch, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.fail("create_file_batch"); err != nil {
		return openai.VectorStoreFileBatch{}, err
	}
	if _, ok := f.vectorStores[vectorStoreID]; !ok {
		return openai.VectorStoreFileBatch{}, notFound("create_file_batch", "vector store")
	}
	f.vectorStores[vectorStoreID] = append(f.vectorStores[vectorStoreID], fileIDs...)
	b := openai.VectorStoreFileBatch{
		ID:            f.nextID("vsfb"),
		Object:        "vector_store.files_batch",
		VectorStoreID: vectorStoreID,
		Status:        "in_progress",
	}
	f.batches[b.ID] = b
	return b, nil
}

func (f *Fake) GetFileBatch(_ context.Context, vectorStoreID, batchID string) (openai.VectorStoreFileBatch, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	b, ok := f.batches[batchID]
	if !ok || b.VectorStoreID != vectorStoreID {
		return openai.VectorStoreFileBatch{}, notFound("get_file_batch", "file batch")
	}
	b.Status = "completed"
	f.batches[batchID] = b
	return b, nil
}

func (f *Fake) ListVectorStoreFiles(_ context.Context, vectorStoreID string) ([]openai.VectorStoreFile, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ids, ok := f.vectorStores[vectorStoreID]
	if !ok {
		return nil, notFound("list_vector_store_files", "vector store")
	}
	out := make([]openai.VectorStoreFile, 0, len(ids))
	for _, id := range ids {
		out = append(out, openai.VectorStoreFile{ID: id, Object: "vector_store.file", VectorStoreID: vectorStoreID, Status: "completed"})
	}
	return out, nil
}

func (f *Fake) DeleteVectorStoreFile(_ context.Context, vectorStoreID, fileID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	ids := f.vectorStores[vectorStoreID]
	for i, id := range ids {
		if id == fileID {
			f.vectorStores[vectorStoreID] = append(ids[:i], ids[i+1:]...)
			return nil
		}
	}
	return notFound("delete_vector_store_file", "vector store file")
}
