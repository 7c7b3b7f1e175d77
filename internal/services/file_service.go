package services

import (
	"context"
	"fmt"
	"log/slog"
	"path"
	"strings"

	"github.com/gabriel-vasile/mimetype"
	"github.com/google/uuid"

	"github.com/markdave123-py/ragvault/internal/core"
	objectclient "github.com/markdave123-py/ragvault/internal/core/object-client"
	"github.com/markdave123-py/ragvault/internal/models"
)

type FileService struct {
	db          core.DbClient
	vectors     core.VectorStore
	obj         core.ObjectClient
	scheduler   Scheduler
	maxFileSize int64
	log         *slog.Logger
}

func NewFileService(db core.DbClient, vectors core.VectorStore, obj core.ObjectClient, scheduler Scheduler, maxFileSize int64, log *slog.Logger) *FileService {
	if log == nil {
		log = slog.Default()
	}
	return &FileService{
		db: db, vectors: vectors, obj: obj, scheduler: scheduler,
		maxFileSize: maxFileSize, log: log.With("component", "files"),
	}
}

// cleanFilename drops any directory part a client sent along.
func cleanFilename(name string) string {
	name = path.Base(strings.ReplaceAll(strings.TrimSpace(name), `\`, "/"))
	if name == "." || name == "/" || name == "" {
		return "upload"
	}
	return name
}

// detectContentType sniffs the bytes when the client sent nothing useful.
func detectContentType(declared string, data []byte) string {
	declared = strings.TrimSpace(declared)
	if declared != "" && declared != "application/octet-stream" {
		return declared
	}
	return mimetype.Detect(data).String()
}

// Upload stores the bytes and schedules ingestion. It returns as soon as the
// task is queued; the outcome shows up later on the file status.
func (s *FileService) Upload(ctx context.Context, collectionID, filename, contentType string, data []byte) (*models.File, error) {
	col, err := s.db.GetCollection(ctx, collectionID)
	if err != nil {
		return nil, err
	}
	if col == nil {
		return nil, fmt.Errorf("%w: collection %s", core.ErrNotFound, collectionID)
	}
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: file is empty", core.ErrInvalidInput)
	}
	if s.maxFileSize > 0 && int64(len(data)) > s.maxFileSize {
		return nil, fmt.Errorf("%w: file is %d bytes, limit is %d", core.ErrInvalidInput, len(data), s.maxFileSize)
	}

	f := &models.File{
		ID:           uuid.NewString(),
		CollectionID: col.ID,
		FileName:     cleanFilename(filename),
		ContentType:  detectContentType(contentType, data),
		Size:         int64(len(data)),
		Status:       models.FileStatusUploading,
	}
	if err := s.db.CreateFile(ctx, f); err != nil {
		return nil, err
	}
	log := s.log.With("file_id", f.ID, "collection_id", col.ID)

	loc, err := s.obj.Store(ctx, objectclient.ObjectKey(col.ID, f.ID, f.FileName), data, f.ContentType)
	if err != nil {
		reason := fmt.Sprintf("store bytes: %v", err)
		if terr := s.db.TransitionFileStatus(context.WithoutCancel(ctx), f.ID,
			[]models.FileStatus{models.FileStatusUploading}, models.FileStatusFailed, reason); terr != nil {
			log.Error("could not mark upload failed", "error", terr)
		}
		return nil, fmt.Errorf("%w: %w", core.ErrStorage, err)
	}
	if err := s.db.SetFileLocator(ctx, f.ID, loc); err != nil {
		return nil, err
	}
	f.StorageLocator = loc

	// A file left in uploading with stored bytes is picked up by recovery on the next start.
	if err := s.scheduler.Enqueue(ctx, f.ID); err != nil {
		log.Warn("could not schedule ingestion", "error", err)
	}
	log.Info("file uploaded", "filename", f.FileName, "content_type", f.ContentType, "size", f.Size)
	return f, nil
}

func (s *FileService) Get(ctx context.Context, id string) (*models.File, error) {
	f, err := s.db.GetFile(ctx, id)
	if err != nil {
		return nil, err
	}
	if f == nil {
		return nil, fmt.Errorf("%w: file %s", core.ErrNotFound, id)
	}
	return f, nil
}

// ListByCollection lists a collection's files, optionally only those in status.
func (s *FileService) ListByCollection(ctx context.Context, collectionID string, status models.FileStatus) ([]models.File, error) {
	if status != "" && !status.Valid() {
		return nil, fmt.Errorf("%w: unknown status %q", core.ErrInvalidInput, status)
	}
	col, err := s.db.GetCollection(ctx, collectionID)
	if err != nil {
		return nil, err
	}
	if col == nil {
		return nil, fmt.Errorf("%w: collection %s", core.ErrNotFound, collectionID)
	}
	files, err := s.db.ListFilesByCollection(ctx, collectionID)
	if err != nil || status == "" {
		return files, err
	}
	out := files[:0]
	for _, f := range files {
		if f.Status == status {
			out = append(out, f)
		}
	}
	return out, nil
}

func (s *FileService) ListByStatus(ctx context.Context, status models.FileStatus) ([]models.File, error) {
	if !status.Valid() {
		return nil, fmt.Errorf("%w: unknown status %q", core.ErrInvalidInput, status)
	}
	return s.db.ListFilesByStatus(ctx, status)
}

// Delete removes the chunks, the bytes (best effort) and the row. An
// ingestion still running for the file fails its insert afterwards.
func (s *FileService) Delete(ctx context.Context, id string) error {
	f, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	if err := s.vectors.DeleteByFile(ctx, f.CollectionID, f.ID); err != nil {
		return err
	}
	if f.StorageLocator != "" {
		if err := s.obj.Delete(ctx, f.StorageLocator); err != nil {
			s.log.Warn("could not delete file bytes", "file_id", f.ID, "collection_id", f.CollectionID, "error", err)
		}
	}
	if err := s.db.DeleteFile(ctx, f.ID); err != nil {
		return err
	}
	s.log.Info("file deleted", "file_id", f.ID, "collection_id", f.CollectionID)
	return nil
}

func (s *FileService) Reprocess(ctx context.Context, id string) error {
	return s.scheduler.Reprocess(ctx, id)
}
