package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/sashabaranov/go-openai"
)

type streamRunRequest struct {
	openai.RunRequest
	Stream bool `json:"stream"`
}

// StreamRun creates a streaming run. go-openai has no streaming variant of
// the runs endpoint, so the request is issued directly with the same
// headers the library sends.
func (c *OpenAIClient) StreamRun(ctx context.Context, threadID string, req openai.RunRequest) (io.ReadCloser, error) {
	return observe(ctx, c, "stream_run", func(ctx context.Context) (io.ReadCloser, error) {
		body, err := json.Marshal(streamRunRequest{RunRequest: req, Stream: true})
		if err != nil {
			return nil, fmt.Errorf("encode run request: %w", err)
		}

		url := fmt.Sprintf("%s/threads/%s/runs", c.baseURL, threadID)
		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
		httpReq.Header.Set("Content-Type", "application/json")
		httpReq.Header.Set("Accept", "text/event-stream")
		httpReq.Header.Set("Cache-Control", "no-cache")
		httpReq.Header.Set("OpenAI-Beta", "assistants=v2")
		if c.orgID != "" {
			httpReq.Header.Set("OpenAI-Organization", c.orgID)
		}

		resp, err := c.awaitHeaders(httpReq)
		if err != nil {
			return nil, err
		}
		if resp.StatusCode >= http.StatusBadRequest {
			defer resp.Body.Close()
			return nil, decodeErrorResponse(resp)
		}
		return resp.Body, nil
	})
}

// awaitHeaders sends req and fails if the response headers do not arrive
// within the client timeout. The body is left to the request's own ctx.
func (c *OpenAIClient) awaitHeaders(req *http.Request) (*http.Response, error) {
	if c.timeout <= 0 {
		return c.http.Do(req)
	}

	ctx, cancel := context.WithCancel(req.Context())
	timer := time.AfterFunc(c.timeout, cancel)
	resp, err := c.http.Do(req.WithContext(ctx))
	if !timer.Stop() {
		if err == nil {
			resp.Body.Close()
		}
		cancel()
		return nil, fmt.Errorf("stream run: no response within %s: %w", c.timeout, context.DeadlineExceeded)
	}
	if err != nil {
		cancel()
		return nil, err
	}
	resp.Body = &cancelOnClose{ReadCloser: resp.Body, cancel: cancel}
	return resp, nil
}

type cancelOnClose struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (b *cancelOnClose) Close() error {
	err := b.ReadCloser.Close()
	b.cancel()
	return err
}

// decodeErrorResponse builds the same error values go-openai produces so
// wrapError treats both paths alike.
func decodeErrorResponse(resp *http.Response) error {
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read error response: %w", err)
	}
	var errRes openai.ErrorResponse
	if err := json.Unmarshal(data, &errRes); err != nil || errRes.Error == nil {
		return &openai.RequestError{
			HTTPStatus:     resp.Status,
			HTTPStatusCode: resp.StatusCode,
			Err:            err,
			Body:           data,
		}
	}
	errRes.Error.HTTPStatus = resp.Status
	errRes.Error.HTTPStatusCode = resp.StatusCode
	return errRes.Error
}
