package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/markdave123-py/ragvault/internal/core"
	"github.com/markdave123-py/ragvault/internal/models"
)

const maxNameLength = 255

var namePattern = regexp.MustCompile(`^[\p{L}\p{N}_\- ]+$`)

// Scheduler is the part of the ingestor the services drive.
type Scheduler interface {
	Enqueue(ctx context.Context, fileID string) error
	Reprocess(ctx context.Context, fileID string) error
}

type CreateCollectionInput struct {
	Name        string
	Description string
	Provider    string
	Model       string
}

// CollectionService owns collection rows together with their vector index.
type CollectionService struct {
	db              core.DbClient
	vectors         core.VectorStore
	obj             core.ObjectClient
	providers       core.ProviderResolver
	scheduler       Scheduler
	defaultProvider string
	log             *slog.Logger
}

func NewCollectionService(db core.DbClient, vectors core.VectorStore, obj core.ObjectClient, providers core.ProviderResolver,
	scheduler Scheduler, defaultProvider string, log *slog.Logger) *CollectionService {
	if log == nil {
		log = slog.Default()
	}
	return &CollectionService{
		db: db, vectors: vectors, obj: obj, providers: providers, scheduler: scheduler,
		defaultProvider: defaultProvider, log: log.With("component", "collections"),
	}
}

func validateName(name string) (string, error) {
	name = strings.TrimSpace(name)
	if n := utf8.RuneCountInString(name); n == 0 || n > maxNameLength {
		return "", fmt.Errorf("%w: name must be 1..%d characters", core.ErrInvalidInput, maxNameLength)
	}
	if !namePattern.MatchString(name) {
		return "", fmt.Errorf("%w: name may contain letters, digits, spaces, '_' and '-' only", core.ErrInvalidInput)
	}
	return name, nil
}

// Create records the provider's dimension on the collection and provisions
// its index. A collection whose index cannot be created is removed again.
func (s *CollectionService) Create(ctx context.Context, in CreateCollectionInput) (*models.Collection, error) {
	name, err := validateName(in.Name)
	if err != nil {
		return nil, err
	}
	providerName := strings.TrimSpace(in.Provider)
	if providerName == "" {
		providerName = s.defaultProvider
	}
	provider, err := s.providers.Get(ctx, providerName)
	if err != nil {
		return nil, err
	}
	if in.Model != "" && in.Model != provider.ModelName() {
		return nil, fmt.Errorf("%w: provider %s is configured for model %q, not %q",
			core.ErrInvalidInput, providerName, provider.ModelName(), in.Model)
	}

	col := &models.Collection{
		ID:                 uuid.NewString(),
		Name:               name,
		Description:        strings.TrimSpace(in.Description),
		EmbeddingProvider:  providerName,
		EmbeddingModel:     provider.ModelName(),
		EmbeddingDimension: provider.Dimension(),
	}
	if err := s.db.CreateCollection(ctx, col); err != nil {
		return nil, err
	}

	if err := s.vectors.CreateIndex(ctx, col.ID, col.EmbeddingDimension); err != nil {
		if !errors.Is(err, core.ErrIndexAlreadyExists) {
			if derr := s.db.DeleteCollection(context.WithoutCancel(ctx), col.ID); derr != nil {
				s.log.Error("could not remove collection after index failure", "collection_id", col.ID, "error", derr)
			}
			return nil, fmt.Errorf("create index: %w", err)
		}
		s.log.Warn("vector index already existed", "collection_id", col.ID)
	}

	s.log.Info("collection created", "collection_id", col.ID, "provider", col.EmbeddingProvider,
		"model", col.EmbeddingModel, "dimension", col.EmbeddingDimension)
	return col, nil
}

func (s *CollectionService) Get(ctx context.Context, id string) (*models.Collection, error) {
	col, err := s.db.GetCollection(ctx, id)
	if err != nil {
		return nil, err
	}
	if col == nil {
		return nil, fmt.Errorf("%w: collection %s", core.ErrNotFound, id)
	}
	return col, nil
}

func (s *CollectionService) List(ctx context.Context) ([]models.Collection, error) {
	return s.db.ListCollections(ctx)
}

// Update changes display fields only.
func (s *CollectionService) Update(ctx context.Context, id, name, description string) (*models.Collection, error) {
	name, err := validateName(name)
	if err != nil {
		return nil, err
	}
	col, err := s.db.UpdateCollection(ctx, id, name, strings.TrimSpace(description))
	if err != nil {
		return nil, err
	}
	if col == nil {
		return nil, fmt.Errorf("%w: collection %s", core.ErrNotFound, id)
	}
	return col, nil
}

// Delete drops the index first; files and their chunks cascade with the row.
// Blob removal is best effort.
func (s *CollectionService) Delete(ctx context.Context, id string) error {
	if _, err := s.Get(ctx, id); err != nil {
		return err
	}
	files, err := s.db.ListFilesByCollection(ctx, id)
	if err != nil {
		return err
	}
	if err := s.vectors.DropIndex(ctx, id); err != nil {
		return fmt.Errorf("drop index: %w", err)
	}
	for _, f := range files {
		if f.StorageLocator == "" {
			continue
		}
		if err := s.obj.Delete(ctx, f.StorageLocator); err != nil {
			s.log.Warn("could not delete file bytes", "collection_id", id, "file_id", f.ID, "error", err)
		}
	}
	if err := s.db.DeleteCollection(ctx, id); err != nil {
		return err
	}
	s.log.Info("collection deleted", "collection_id", id, "files", len(files))
	return nil
}

// Reindex schedules every terminal file of the collection for reprocessing
// and returns how many were scheduled. Files already queued are skipped.
func (s *CollectionService) Reindex(ctx context.Context, id string) (int, error) {
	if _, err := s.Get(ctx, id); err != nil {
		return 0, err
	}
	files, err := s.db.ListFilesByCollection(ctx, id)
	if err != nil {
		return 0, err
	}
	scheduled := 0
	for _, f := range files {
		if !f.Status.IsTerminal() {
			continue
		}
		err := s.scheduler.Reprocess(ctx, f.ID)
		switch {
		case err == nil:
			scheduled++
		case errors.Is(err, core.ErrAlreadyQueued), errors.Is(err, core.ErrInvalidTransition):
			s.log.Debug("reindex skipped file", "collection_id", id, "file_id", f.ID, "error", err)
		default:
			return scheduled, fmt.Errorf("reprocess %s: %w", f.ID, err)
		}
	}
	s.log.Info("collection reindex scheduled", "collection_id", id, "files", scheduled)
	return scheduled, nil
}
