package handler

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/capitalize-ai/assistants-relay/internal/model"
	"github.com/capitalize-ai/assistants-relay/internal/stream"
)

// sseWriter writes server-sent events. Headers are sent with the first
// event so that a request can still fail with a plain JSON error until
// then.
type sseWriter struct {
	w       http.ResponseWriter
	flusher http.Flusher
	started bool
}

func newSSEWriter(w http.ResponseWriter) (*sseWriter, bool) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, false
	}
	return &sseWriter{w: w, flusher: flusher}, true
}

func (s *sseWriter) start() {
	if s.started {
		return
	}
	s.started = true

	h := s.w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	s.w.WriteHeader(http.StatusOK)
}

// lineBreaks matches every line terminator an event-stream reader honours.
var lineBreaks = strings.NewReplacer("\r\n", "\n", "\r", "\n")

// data writes an unnamed event. Each line of text becomes one data field;
// CR and CRLF terminators reach the client as LF.
func (s *sseWriter) data(text string) error {
	s.start()
	var b strings.Builder
	for _, line := range strings.Split(lineBreaks.Replace(text), "\n") {
		b.WriteString("data: ")
		b.WriteString(line)
		b.WriteByte('\n')
	}
	b.WriteByte('\n')
	if _, err := fmt.Fprint(s.w, b.String()); err != nil {
		return err
	}
	s.flusher.Flush()
	return nil
}

// event writes a named event with a JSON payload.
func (s *sseWriter) event(name string, v interface{}) error {
	s.start()
	payload, err := json.Marshal(v)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(s.w, "event: %s\ndata: %s\n\n", name, payload); err != nil {
		return err
	}
	s.flusher.Flush()
	return nil
}

// runSink relays a reconciled run stream to the client as
// `data: <delta>` frames terminated by `data: [DONE]`, or by an error
// event.
type runSink struct {
	sse *sseWriter
}

var _ stream.Sink = (*runSink)(nil)

func (s *runSink) Delta(text string) error {
	return s.sse.data(text)
}

func (s *runSink) Done(*model.Message) error {
	return s.sse.data(stream.DoneSentinel)
}

func (s *runSink) Error(err error) error {
	_, body := errorResponse(err)
	return s.sse.event("error", &model.ErrorEvent{
		Error:      body.Error,
		Code:       body.Code,
		Type:       body.Type,
		RetryAfter: body.RetryAfter,
	})
}
