package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sashabaranov/go-openai"
	"go.uber.org/zap"

	"github.com/capitalize-ai/assistants-relay/internal/model"
	"github.com/capitalize-ai/assistants-relay/internal/remote"
	"github.com/capitalize-ai/assistants-relay/pkg/logger"
	"github.com/capitalize-ai/assistants-relay/pkg/metrics"
)

const batchInProgress = "in_progress"

var errBatchPending = errors.New("file batch still indexing")

// fileType pairs the MIME type recorded for an extension with the types
// content sniffing may report for it.
type fileType struct {
	mimeType string
	sniffed  []string
}

var acceptedTypes = map[string]fileType{
	".pdf":  {mimeType: "application/pdf", sniffed: []string{"application/pdf"}},
	".docx": {mimeType: "application/vnd.openxmlformats-officedocument.wordprocessingml.document", sniffed: []string{"application/zip"}},
	".txt":  {mimeType: "text/plain", sniffed: []string{"text/plain"}},
	".jpg":  {mimeType: "image/jpeg", sniffed: []string{"image/jpeg"}},
	".jpeg": {mimeType: "image/jpeg", sniffed: []string{"image/jpeg"}},
	".png":  {mimeType: "image/png", sniffed: []string{"image/png"}},
}

// FileConfig configures uploads.
type FileConfig struct {
	UploadDir         string
	MaxBytes          int64
	BatchPollInterval time.Duration
	BatchPollAttempts int
}

// FileService ingests documents into an assistant's vector store.
type FileService struct {
	store      Store
	remote     remote.Client
	assistants *AssistantService
	cfg        FileConfig
	logger     *logger.Logger
}

// NewFileService creates a new file service.
func NewFileService(st Store, rc remote.Client, assistants *AssistantService, cfg FileConfig, log *logger.Logger) *FileService {
	if cfg.UploadDir == "" {
		cfg.UploadDir = os.TempDir()
	}
	if cfg.BatchPollAttempts < 1 {
		cfg.BatchPollAttempts = 1
	}
	return &FileService{
		store:      st,
		remote:     rc,
		assistants: assistants,
		cfg:        cfg,
		logger:     log.Named("files"),
	}
}

// detectType validates the extension and the sniffed content of an upload.
func detectType(name string, data []byte) (string, error) {
	ext := strings.ToLower(filepath.Ext(name))
	ft, ok := acceptedTypes[ext]
	if !ok {
		return "", fmt.Errorf("%w: extension %q", ErrUnsupportedFile, ext)
	}
	sniffed, _, _ := strings.Cut(http.DetectContentType(data), ";")
	if !slices.Contains(ft.sniffed, sniffed) {
		return "", fmt.Errorf("%w: %s content in %s file", ErrUnsupportedFile, sniffed, ext)
	}
	return ft.mimeType, nil
}

// Upload stores the file remotely, indexes it in the assistant's vector
// store and attaches the store to the assistant's file_search tool. A
// failed ingest leaves neither a remote file nor a local record behind.
func (s *FileService) Upload(ctx context.Context, assistantID, name string, r io.Reader) (f *model.File, err error) {
	defer func() {
		outcome := "success"
		if err != nil {
			outcome = "error"
		}
		metrics.FilesUploadedTotal.WithLabelValues(outcome).Inc()
	}()

	assistant, err := s.assistants.Get(ctx, assistantID)
	if err != nil {
		return nil, err
	}

	data, err := io.ReadAll(io.LimitReader(r, s.cfg.MaxBytes+1))
	if err != nil {
		return nil, fmt.Errorf("read upload: %w", err)
	}
	if int64(len(data)) > s.cfg.MaxBytes {
		return nil, fmt.Errorf("%w: limit is %d bytes", ErrFileTooLarge, s.cfg.MaxBytes)
	}
	name = filepath.Base(name)
	mimeType, err := detectType(name, data)
	if err != nil {
		return nil, err
	}

	localPath, err := s.writeTemp(name, data)
	if err != nil {
		return nil, err
	}
	defer s.removeTemp(localPath)

	rf, err := s.remote.UploadFile(ctx, name, data)
	if err != nil {
		return nil, fmt.Errorf("upload remote file: %w", err)
	}

	rec := &model.File{
		ID:          rf.ID,
		AssistantID: assistantID,
		Name:        name,
		MimeType:    mimeType,
		Size:        int64(len(data)),
		LocalPath:   localPath,
	}
	if err := s.store.CreateFile(ctx, rec); err != nil {
		s.discardRemote(ctx, rf.ID)
		return nil, fmt.Errorf("failed to store file: %w", err)
	}

	if err := s.ingest(ctx, assistant, rec); err != nil {
		s.discardRemote(ctx, rf.ID)
		if derr := s.store.DeleteFile(context.WithoutCancel(ctx), assistantID, rf.ID); derr != nil {
			s.logger.Warn("failed to remove file record", zap.String("file_id", rf.ID), zap.Error(derr))
		}
		return nil, err
	}

	if err := s.store.MarkFileIngested(ctx, rec.ID, rec.VectorStoreID); err != nil {
		s.logger.Warn("failed to record ingested file", zap.String("file_id", rec.ID), zap.Error(err))
	}
	rec.LocalPath = ""
	rec.Attached = true

	s.logger.Info("file ingested",
		zap.String("file_id", rec.ID),
		zap.String("assistant_id", assistantID),
		zap.String("vector_store_id", rec.VectorStoreID),
	)
	return rec, nil
}

func (s *FileService) ingest(ctx context.Context, assistant *model.Assistant, rec *model.File) error {
	vsID, err := s.resolveVectorStore(ctx, assistant)
	if err != nil {
		return err
	}
	rec.VectorStoreID = vsID

	batch, err := s.remote.CreateFileBatch(ctx, vsID, []string{rec.ID})
	if err != nil {
		return fmt.Errorf("create file batch: %w", err)
	}
	if err := s.awaitBatch(ctx, vsID, batch); err != nil {
		return err
	}
	return s.attach(ctx, assistant.ID, vsID)
}

// resolveVectorStore returns the cached store, the first store already
// attached to the assistant, or a new kb-<assistant> store.
func (s *FileService) resolveVectorStore(ctx context.Context, assistant *model.Assistant) (string, error) {
	if assistant.VectorStoreID != "" {
		return assistant.VectorStoreID, nil
	}

	ra, err := s.remote.GetAssistant(ctx, assistant.ID)
	if err != nil {
		return "", fmt.Errorf("get remote assistant: %w", err)
	}
	vsID := ""
	if ids := fileSearchStores(ra); len(ids) > 0 {
		vsID = ids[0]
	} else {
		vs, err := s.remote.CreateVectorStore(ctx, "kb-"+assistant.ID)
		if err != nil {
			return "", fmt.Errorf("create vector store: %w", err)
		}
		vsID = vs.ID
	}

	if err := s.store.SetAssistantVectorStore(ctx, assistant.ID, vsID); err != nil {
		return "", fmt.Errorf("cache vector store: %w", err)
	}
	assistant.VectorStoreID = vsID
	return vsID, nil
}

func (s *FileService) awaitBatch(ctx context.Context, vsID string, batch openai.VectorStoreFileBatch) error {
	if batch.Status != batchInProgress {
		return batchResult(batch)
	}

	b := backoff.WithMaxRetries(backoff.NewConstantBackOff(s.cfg.BatchPollInterval), uint64(s.cfg.BatchPollAttempts))
	attempts := 0
	final, err := backoff.RetryWithData(func() (openai.VectorStoreFileBatch, error) {
		attempts++
		cur, err := s.remote.GetFileBatch(ctx, vsID, batch.ID)
		if err != nil {
			return cur, backoff.Permanent(fmt.Errorf("get file batch: %w", err))
		}
		if cur.Status == batchInProgress {
			return cur, errBatchPending
		}
		return cur, nil
	}, backoff.WithContext(b, ctx))
	if err != nil {
		if errors.Is(err, errBatchPending) || errors.Is(err, context.DeadlineExceeded) {
			return &TimeoutError{Phase: "file_batch", Attempts: attempts, Err: err}
		}
		return err
	}
	return batchResult(final)
}

func batchResult(batch openai.VectorStoreFileBatch) error {
	if batch.Status == "completed" {
		return nil
	}
	return fmt.Errorf("file batch %s ended %s", batch.ID, batch.Status)
}

// attach makes sure the assistant's file_search tool searches vsID.
func (s *FileService) attach(ctx context.Context, assistantID, vsID string) error {
	ra, err := s.remote.GetAssistant(ctx, assistantID)
	if err != nil {
		return fmt.Errorf("get remote assistant: %w", err)
	}

	hasTool := slices.ContainsFunc(ra.Tools, func(t openai.AssistantTool) bool {
		return t.Type == openai.AssistantToolTypeFileSearch
	})
	if hasTool && slices.Contains(fileSearchStores(ra), vsID) {
		return nil
	}

	tools := ra.Tools
	if !hasTool {
		tools = append(tools, openai.AssistantTool{Type: openai.AssistantToolTypeFileSearch})
	}
	_, err = s.remote.ModifyAssistant(ctx, assistantID, openai.AssistantRequest{
		Model: ra.Model,
		Tools: tools,
		ToolResources: &openai.AssistantToolResource{
			FileSearch: &openai.AssistantToolFileSearch{VectorStoreIDs: []string{vsID}},
		},
	})
	if err != nil {
		return fmt.Errorf("attach vector store: %w", err)
	}
	return nil
}

func (s *FileService) writeTemp(name string, data []byte) (string, error) {
	tmp, err := os.CreateTemp(s.cfg.UploadDir, "upload-*"+strings.ToLower(filepath.Ext(name)))
	if err != nil {
		return "", fmt.Errorf("create temp file: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return "", fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return "", fmt.Errorf("close temp file: %w", err)
	}
	return tmp.Name(), nil
}

func (s *FileService) removeTemp(path string) {
	if path == "" {
		return
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		s.logger.Warn("failed to remove temporary file", zap.String("path", path), zap.Error(err))
	}
}

func (s *FileService) discardRemote(ctx context.Context, fileID string) {
	if err := s.remote.DeleteFile(context.WithoutCancel(ctx), fileID); err != nil && !remote.IsNotFound(err) {
		s.logger.Warn("failed to delete orphaned remote file", zap.String("file_id", fileID), zap.Error(err))
	}
}

// List returns the assistant's files, flagging those indexed in its
// vector store.
func (s *FileService) List(ctx context.Context, assistantID string) (*model.ListFilesResponse, error) {
	assistant, err := s.assistants.Get(ctx, assistantID)
	if err != nil {
		return nil, err
	}
	files, err := s.store.ListFiles(ctx, assistantID)
	if err != nil {
		return nil, fmt.Errorf("failed to list files: %w", err)
	}

	if assistant.VectorStoreID != "" && len(files) > 0 {
		indexed, err := s.remote.ListVectorStoreFiles(ctx, assistant.VectorStoreID)
		if err != nil {
			s.logger.Warn("failed to list vector store files", zap.String("vector_store_id", assistant.VectorStoreID), zap.Error(err))
		}
		ids := make(map[string]bool, len(indexed))
		for _, vf := range indexed {
			ids[vf.ID] = true
		}
		for i := range files {
			files[i].Attached = ids[files[i].ID]
		}
	}
	return &model.ListFilesResponse{Files: files, Total: len(files)}, nil
}

// Delete detaches a file from the vector store, deletes it remotely and
// drops the local record. Deleting a missing file succeeds.
func (s *FileService) Delete(ctx context.Context, assistantID, fileID string) error {
	vsID := ""
	rec, err := s.store.GetFile(ctx, assistantID, fileID)
	switch {
	case err == nil:
		vsID = rec.VectorStoreID
	case errors.Is(err, ErrNotFound):
	default:
		return fmt.Errorf("get file %s: %w", fileID, err)
	}
	if vsID == "" {
		if a, aerr := s.store.GetAssistant(ctx, assistantID); aerr == nil {
			vsID = a.VectorStoreID
		}
	}

	if vsID != "" {
		if err := s.remote.DeleteVectorStoreFile(ctx, vsID, fileID); err != nil && !remote.IsNotFound(err) {
			return fmt.Errorf("detach file: %w", err)
		}
	}
	if err := s.remote.DeleteFile(ctx, fileID); err != nil && !remote.IsNotFound(err) {
		return fmt.Errorf("delete remote file: %w", err)
	}
	if rec != nil {
		s.removeTemp(rec.LocalPath)
	}
	if err := s.store.DeleteFile(ctx, assistantID, fileID); err != nil && !errors.Is(err, ErrNotFound) {
		return fmt.Errorf("delete file %s: %w", fileID, err)
	}
	return nil
}

// VectorStore reports the vector stores searched by the assistant.
func (s *FileService) VectorStore(ctx context.Context, assistantID string) (*model.VectorStoreResponse, error) {
	resp := &model.VectorStoreResponse{AssistantID: assistantID, VectorStoreIDs: []string{}}

	ra, err := s.remote.GetAssistant(ctx, assistantID)
	if err == nil {
		if ids := fileSearchStores(ra); len(ids) > 0 {
			resp.VectorStoreIDs = ids
		}
		return resp, nil
	}
	if remote.IsNotFound(err) {
		return nil, fmt.Errorf("get assistant %s: %w", assistantID, ErrNotFound)
	}

	s.logger.Warn("falling back to cached vector store", zap.String("assistant_id", assistantID), zap.Error(err))
	a, cerr := s.store.GetAssistant(ctx, assistantID)
	if cerr != nil {
		return nil, fmt.Errorf("get remote assistant: %w", err)
	}
	if a.VectorStoreID != "" {
		resp.VectorStoreIDs = []string{a.VectorStoreID}
	}
	return resp, nil
}
