package remote

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/sashabaranov/go-openai"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/capitalize-ai/assistants-relay/pkg/metrics"
	"github.com/capitalize-ai/assistants-relay/pkg/tracing"
)

const pageLimit = 100

// Config configures the OpenAI client.
type Config struct {
	APIKey     string
	BaseURL    string
	OrgID      string
	HTTPClient *http.Client
	// Timeout bounds each request. StreamRun applies it until the response
	// headers arrive; the event stream itself is bounded by the caller's ctx.
	Timeout time.Duration
}

// OpenAIClient implements Client on top of go-openai.
type OpenAIClient struct {
	client  *openai.Client
	http    openai.HTTPDoer
	apiKey  string
	baseURL string
	orgID   string
	timeout time.Duration
	tracer  trace.Tracer
}

// NewOpenAIClient creates a new OpenAI assistants client.
func NewOpenAIClient(cfg Config) (*OpenAIClient, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("OpenAI API key is required")
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	doer := hintingDoer{next: httpClient}

	oc := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		oc.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	}
	oc.OrgID = cfg.OrgID
	oc.HTTPClient = doer

	return &OpenAIClient{
		client:  openai.NewClientWithConfig(oc),
		http:    doer,
		apiKey:  cfg.APIKey,
		baseURL: oc.BaseURL,
		orgID:   cfg.OrgID,
		timeout: cfg.Timeout,
		tracer:  tracing.Tracer("remote"),
	}, nil
}

func call[T any](ctx context.Context, c *OpenAIClient, op string, fn func(ctx context.Context) (T, error)) (T, error) {
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}
	return observe(ctx, c, op, fn)
}

// observe records the span and metrics of one remote operation.
func observe[T any](ctx context.Context, c *OpenAIClient, op string, fn func(ctx context.Context) (T, error)) (T, error) {
	ctx, span := c.tracer.Start(ctx, "remote."+op, trace.WithSpanKind(trace.SpanKindClient))
	defer span.End()

	ctx, hint := withHint(ctx)
	start := time.Now()
	res, err := fn(ctx)
	metrics.RecordRemote(op, err, time.Since(start).Seconds())
	if err != nil {
		err = wrapError(op, err, hint)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		if code := StatusCode(err); code != 0 {
			span.SetAttributes(attribute.Int("http.status_code", code))
		}
	}
	return res, err
}

func exec(ctx context.Context, c *OpenAIClient, op string, fn func(ctx context.Context) error) error {
	_, err := call(ctx, c, op, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}

func (c *OpenAIClient) CreateRun(ctx context.Context, threadID string, req openai.RunRequest) (openai.Run, error) {
	return call(ctx, c, "create_run", func(ctx context.Context) (openai.Run, error) {
		return c.client.CreateRun(ctx, threadID, req)
	})
}

func (c *OpenAIClient) GetRun(ctx context.Context, threadID, runID string) (openai.Run, error) {
	return call(ctx, c, "get_run", func(ctx context.Context) (openai.Run, error) {
		return c.client.RetrieveRun(ctx, threadID, runID)
	})
}

func (c *OpenAIClient) CancelRun(ctx context.Context, threadID, runID string) (openai.Run, error) {
	return call(ctx, c, "cancel_run", func(ctx context.Context) (openai.Run, error) {
		return c.client.CancelRun(ctx, threadID, runID)
	})
}

// ListRuns returns the most recent page of runs, newest first. Active runs
// are always among the newest.
func (c *OpenAIClient) ListRuns(ctx context.Context, threadID string) ([]openai.Run, error) {
	return call(ctx, c, "list_runs", func(ctx context.Context) ([]openai.Run, error) {
		limit, order := pageLimit, "desc"
		list, err := c.client.ListRuns(ctx, threadID, openai.Pagination{Limit: &limit, Order: &order})
		if err != nil {
			return nil, err
		}
		return list.Runs, nil
	})
}

func (c *OpenAIClient) CreateMessage(ctx context.Context, threadID string, req openai.MessageRequest) (openai.Message, error) {
	return call(ctx, c, "create_message", func(ctx context.Context) (openai.Message, error) {
		return c.client.CreateMessage(ctx, threadID, req)
	})
}

func (c *OpenAIClient) ListMessages(ctx context.Context, threadID string, opts ListMessagesOptions) ([]openai.Message, error) {
	return call(ctx, c, "list_messages", func(ctx context.Context) ([]openai.Message, error) {
		limit := opts.Limit
		if limit <= 0 || limit > pageLimit {
			limit = pageLimit
		}
		order := opts.Order
		if order == "" {
			order = "desc"
		}
		var runID *string
		if opts.RunID != "" {
			runID = &opts.RunID
		}
		list, err := c.client.ListMessage(ctx, threadID, &limit, &order, nil, nil, runID)
		if err != nil {
			return nil, err
		}
		return list.Messages, nil
	})
}

func (c *OpenAIClient) GetMessage(ctx context.Context, threadID, messageID string) (openai.Message, error) {
	return call(ctx, c, "get_message", func(ctx context.Context) (openai.Message, error) {
		return c.client.RetrieveMessage(ctx, threadID, messageID)
	})
}

func (c *OpenAIClient) ModifyMessage(ctx context.Context, threadID, messageID string, metadata map[string]string) (openai.Message, error) {
	return call(ctx, c, "modify_message", func(ctx context.Context) (openai.Message, error) {
		return c.client.ModifyMessage(ctx, threadID, messageID, metadata)
	})
}

func (c *OpenAIClient) DeleteMessage(ctx context.Context, threadID, messageID string) error {
	return exec(ctx, c, "delete_message", func(ctx context.Context) error {
		_, err := c.client.DeleteMessage(ctx, threadID, messageID)
		return err
	})
}

func (c *OpenAIClient) CreateThread(ctx context.Context) (openai.Thread, error) {
	return call(ctx, c, "create_thread", func(ctx context.Context) (openai.Thread, error) {
		return c.client.CreateThread(ctx, openai.ThreadRequest{})
	})
}

func (c *OpenAIClient) DeleteThread(ctx context.Context, threadID string) error {
	return exec(ctx, c, "delete_thread", func(ctx context.Context) error {
		_, err := c.client.DeleteThread(ctx, threadID)
		return err
	})
}

func (c *OpenAIClient) CreateAssistant(ctx context.Context, req openai.AssistantRequest) (openai.Assistant, error) {
	return call(ctx, c, "create_assistant", func(ctx context.Context) (openai.Assistant, error) {
		return c.client.CreateAssistant(ctx, req)
	})
}

func (c *OpenAIClient) GetAssistant(ctx context.Context, assistantID string) (openai.Assistant, error) {
	return call(ctx, c, "get_assistant", func(ctx context.Context) (openai.Assistant, error) {
		return c.client.RetrieveAssistant(ctx, assistantID)
	})
}

// ListAssistants walks every page of assistants.
func (c *OpenAIClient) ListAssistants(ctx context.Context) ([]openai.Assistant, error) {
	return call(ctx, c, "list_assistants", func(ctx context.Context) ([]openai.Assistant, error) {
		var out []openai.Assistant
		var after *string
		limit, order := pageLimit, "desc"
		for {
			page, err := c.client.ListAssistants(ctx, &limit, &order, after, nil)
			if err != nil {
				return nil, err
			}
			out = append(out, page.Assistants...)
			if !page.HasMore || page.LastID == nil {
				return out, nil
			}
			after = page.LastID
		}
	})
}

func (c *OpenAIClient) ModifyAssistant(ctx context.Context, assistantID string, req openai.AssistantRequest) (openai.Assistant, error) {
	return call(ctx, c, "modify_assistant", func(ctx context.Context) (openai.Assistant, error) {
		return c.client.ModifyAssistant(ctx, assistantID, req)
	})
}

func (c *OpenAIClient) DeleteAssistant(ctx context.Context, assistantID string) error {
	return exec(ctx, c, "delete_assistant", func(ctx context.Context) error {
		_, err := c.client.DeleteAssistant(ctx, assistantID)
		return err
	})
}

func (c *OpenAIClient) UploadFile(ctx context.Context, name string, data []byte) (openai.File, error) {
	return call(ctx, c, "upload_file", func(ctx context.Context) (openai.File, error) {
		return c.client.CreateFileBytes(ctx, openai.FileBytesRequest{
			Name:    name,
			Bytes:   data,
			Purpose: openai.PurposeAssistants,
		})
	})
}

func (c *OpenAIClient) DeleteFile(ctx context.Context, fileID string) error {
	return exec(ctx, c, "delete_file", func(ctx context.Context) error {
		return c.client.DeleteFile(ctx, fileID)
	})
}

func (c *OpenAIClient) CreateVectorStore(ctx context.Context, name string) (openai.VectorStore, error) {
	return call(ctx, c, "create_vector_store", func(ctx context.Context) (openai.VectorStore, error) {
		return c.client.CreateVectorStore(ctx, openai.VectorStoreRequest{Name: name})
	})
}

func (c *OpenAIClient) CreateFileBatch(ctx context.Context, vectorStoreID string, fileIDs []string) (openai.VectorStoreFileBatch, error) {
	return call(ctx, c, "create_file_batch", func(ctx context.Context) (openai.VectorStoreFileBatch, error) {
		return c.client.CreateVectorStoreFileBatch(ctx, vectorStoreID, openai.VectorStoreFileBatchRequest{FileIDs: fileIDs})
	})
}

func (c *OpenAIClient) GetFileBatch(ctx context.Context, vectorStoreID, batchID string) (openai.VectorStoreFileBatch, error) {
	return call(ctx, c, "get_file_batch", func(ctx context.Context) (openai.VectorStoreFileBatch, error) {
		return c.client.RetrieveVectorStoreFileBatch(ctx, vectorStoreID, batchID)
	})
}

func (c *OpenAIClient) ListVectorStoreFiles(ctx context.Context, vectorStoreID string) ([]openai.VectorStoreFile, error) {
	return call(ctx, c, "list_vector_store_files", func(ctx context.Context) ([]openai.VectorStoreFile, error) {
		var out []openai.VectorStoreFile
		limit := pageLimit
		var after *string
		for {
			page, err := c.client.ListVectorStoreFiles(ctx, vectorStoreID, openai.Pagination{Limit: &limit, After: after})
			if err != nil {
				return nil, err
			}
			out = append(out, page.VectorStoreFiles...)
			if !page.HasMore || page.LastID == nil {
				return out, nil
			}
			after = page.LastID
		}
	})
}

func (c *OpenAIClient) DeleteVectorStoreFile(ctx context.Context, vectorStoreID, fileID string) error {
	return exec(ctx, c, "delete_vector_store_file", func(ctx context.Context) error {
		return c.client.DeleteVectorStoreFile(ctx, vectorStoreID, fileID)
	})
}
