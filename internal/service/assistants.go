package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sashabaranov/go-openai"
	"go.uber.org/zap"

	"github.com/capitalize-ai/assistants-relay/internal/model"
	"github.com/capitalize-ai/assistants-relay/internal/remote"
	"github.com/capitalize-ai/assistants-relay/pkg/logger"
)

// AssistantService manages remote assistants and their local cache.
type AssistantService struct {
	store  Store
	remote remote.Client
	logger *logger.Logger
}

// NewAssistantService creates a new assistant service.
func NewAssistantService(st Store, rc remote.Client, log *logger.Logger) *AssistantService {
	return &AssistantService{
		store:  st,
		remote: rc,
		logger: log.Named("assistants"),
	}
}

// Create creates a remote assistant and caches it.
func (s *AssistantService) Create(ctx context.Context, req *model.CreateAssistantRequest) (*model.Assistant, error) {
	if req.Model == "" {
		return nil, &ValidationError{Field: "model", Message: "is required"}
	}

	ra, err := s.remote.CreateAssistant(ctx, openai.AssistantRequest{
		Model:        req.Model,
		Name:         ptr(req.Name),
		Instructions: ptr(req.Instructions),
		Tools:        toolsFromNames(req.Tools),
		Temperature:  req.Temperature,
		TopP:         req.TopP,
	})
	if err != nil {
		return nil, fmt.Errorf("create remote assistant: %w", err)
	}

	a := fromRemoteAssistant(ra)
	if err := s.store.UpsertAssistant(ctx, a); err != nil {
		return nil, fmt.Errorf("failed to cache assistant: %w", err)
	}
	s.logger.Info("assistant created", zap.String("assistant_id", a.ID), zap.String("model", a.Model))
	return a, nil
}

// List returns cached assistants. With refresh set the cache is first
// filled from the remote listing.
func (s *AssistantService) List(ctx context.Context, refresh bool) (*model.ListAssistantsResponse, error) {
	if refresh {
		remoteList, err := s.remote.ListAssistants(ctx)
		if err != nil {
			return nil, fmt.Errorf("list remote assistants: %w", err)
		}
		for _, ra := range remoteList {
			if err := s.cache(ctx, fromRemoteAssistant(ra)); err != nil {
				return nil, err
			}
		}
	}

	list, err := s.store.ListAssistants(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list assistants: %w", err)
	}
	return &model.ListAssistantsResponse{Assistants: list, Total: len(list)}, nil
}

// Get returns an assistant, loading it from the remote on a cache miss.
func (s *AssistantService) Get(ctx context.Context, assistantID string) (*model.Assistant, error) {
	a, err := s.store.GetAssistant(ctx, assistantID)
	if err == nil {
		return a, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, fmt.Errorf("get assistant %s: %w", assistantID, err)
	}

	ra, err := s.remote.GetAssistant(ctx, assistantID)
	if err != nil {
		if remote.IsNotFound(err) {
			return nil, fmt.Errorf("get assistant %s: %w", assistantID, ErrNotFound)
		}
		return nil, fmt.Errorf("get remote assistant: %w", err)
	}
	a = fromRemoteAssistant(ra)
	if err := s.cache(ctx, a); err != nil {
		return nil, err
	}
	return a, nil
}

// Update modifies an assistant. Omitted fields keep their current value.
func (s *AssistantService) Update(ctx context.Context, assistantID string, req *model.UpdateAssistantRequest) (*model.Assistant, error) {
	current, err := s.Get(ctx, assistantID)
	if err != nil {
		return nil, err
	}

	areq := openai.AssistantRequest{
		Model:        current.Model,
		Name:         req.Name,
		Instructions: req.Instructions,
		Temperature:  req.Temperature,
		TopP:         req.TopP,
	}
	if req.Model != nil && *req.Model != "" {
		areq.Model = *req.Model
	}
	if req.Tools != nil {
		areq.Tools = toolsFromNames(req.Tools)
	}

	ra, err := s.remote.ModifyAssistant(ctx, assistantID, areq)
	if err != nil {
		return nil, fmt.Errorf("modify remote assistant: %w", err)
	}

	a := fromRemoteAssistant(ra)
	a.CreatedAt = current.CreatedAt
	if err := s.cache(ctx, a); err != nil {
		return nil, err
	}
	return a, nil
}

// cache upserts a remote assistant, keeping a vector store id cached
// earlier when the remote reports none.
func (s *AssistantService) cache(ctx context.Context, a *model.Assistant) error {
	if a.VectorStoreID == "" {
		if existing, err := s.store.GetAssistant(ctx, a.ID); err == nil {
			a.VectorStoreID = existing.VectorStoreID
		}
	}
	if err := s.store.UpsertAssistant(ctx, a); err != nil {
		return fmt.Errorf("failed to cache assistant %s: %w", a.ID, err)
	}
	return nil
}

// Delete removes an assistant remotely and from the cache together with
// its threads, messages and file records. Deleting a missing assistant
// succeeds.
func (s *AssistantService) Delete(ctx context.Context, assistantID string) error {
	if err := s.remote.DeleteAssistant(ctx, assistantID); err != nil && !remote.IsNotFound(err) {
		return fmt.Errorf("delete remote assistant: %w", err)
	}
	if err := s.store.DeleteAssistant(ctx, assistantID); err != nil && !errors.Is(err, ErrNotFound) {
		return fmt.Errorf("delete assistant %s: %w", assistantID, err)
	}
	s.logger.Info("assistant deleted", zap.String("assistant_id", assistantID))
	return nil
}

// Seed writes assistants straight into the cache. Used by the seed command
// to pre-populate assistants that already exist remotely.
func (s *AssistantService) Seed(ctx context.Context, assistants []model.Assistant) (int, error) {
	for i := range assistants {
		a := &assistants[i]
		if a.ID == "" || a.Model == "" {
			return i, &ValidationError{Field: fmt.Sprintf("assistants[%d]", i), Message: "id and model are required"}
		}
		if err := s.store.UpsertAssistant(ctx, a); err != nil {
			return i, fmt.Errorf("seed assistant %s: %w", a.ID, err)
		}
	}
	return len(assistants), nil
}

func toolsFromNames(names []string) []openai.AssistantTool {
	tools := make([]openai.AssistantTool, 0, len(names))
	for _, n := range names {
		tools = append(tools, openai.AssistantTool{Type: openai.AssistantToolType(n)})
	}
	return tools
}

func fromRemoteAssistant(ra openai.Assistant) *model.Assistant {
	a := &model.Assistant{
		ID:        ra.ID,
		Model:     ra.Model,
		CreatedAt: time.Unix(ra.CreatedAt, 0).UTC(),
	}
	if ra.Name != nil {
		a.Name = *ra.Name
	}
	if ra.Instructions != nil {
		a.Instructions = *ra.Instructions
	}
	for _, t := range ra.Tools {
		a.Tools = append(a.Tools, string(t.Type))
	}
	if ids := fileSearchStores(ra); len(ids) > 0 {
		a.VectorStoreID = ids[0]
	}
	return a
}

func fileSearchStores(ra openai.Assistant) []string {
	if ra.ToolResources == nil || ra.ToolResources.FileSearch == nil {
		return nil
	}
	return ra.ToolResources.FileSearch.VectorStoreIDs
}
