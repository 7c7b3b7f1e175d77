package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/markdave123-py/ragvault/internal/core"
	"github.com/markdave123-py/ragvault/internal/models"
)

type SearchRequest struct {
	Query  string
	Limit  int
	Filter map[string]string
}

// SearchService answers similarity queries synchronously. Query vectors are
// cached per provider, model and text.
type SearchService struct {
	db        core.DbClient
	vectors   core.VectorStore
	providers core.ProviderResolver
	timeout   time.Duration
	cache     *lru.Cache[string, []float32]
	log       *slog.Logger
}

// NewSearchService disables the query cache when cacheSize is not positive.
func NewSearchService(db core.DbClient, vectors core.VectorStore, providers core.ProviderResolver,
	timeout time.Duration, cacheSize int, log *slog.Logger) (*SearchService, error) {
	if log == nil {
		log = slog.Default()
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	s := &SearchService{db: db, vectors: vectors, providers: providers, timeout: timeout, log: log.With("component", "search")}
	if cacheSize > 0 {
		c, err := lru.New[string, []float32](cacheSize)
		if err != nil {
			return nil, fmt.Errorf("query cache: %w", err)
		}
		s.cache = c
	}
	return s, nil
}

func (s *SearchService) collection(ctx context.Context, id string) (*models.Collection, error) {
	col, err := s.db.GetCollection(ctx, id)
	if err != nil {
		return nil, err
	}
	if col == nil {
		return nil, fmt.Errorf("%w: collection %s", core.ErrNotFound, id)
	}
	return col, nil
}

// Search fails instead of returning an empty result when the query cannot be embedded.
func (s *SearchService) Search(ctx context.Context, collectionID string, req SearchRequest) ([]models.SearchResult, error) {
	query := strings.TrimSpace(req.Query)
	if query == "" {
		return nil, fmt.Errorf("%w: query is empty", core.ErrInvalidInput)
	}
	col, err := s.collection(ctx, collectionID)
	if err != nil {
		return nil, err
	}
	provider, err := s.providers.Get(ctx, col.EmbeddingProvider)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", core.ErrEmbedding, err)
	}
	if provider.Dimension() != col.EmbeddingDimension {
		return nil, fmt.Errorf("%w: provider %s yields %d dimensions, collection index has %d",
			core.ErrDimensionMismatch, provider.Name(), provider.Dimension(), col.EmbeddingDimension)
	}

	vec, err := s.embedQuery(ctx, provider, query)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	res, err := s.vectors.Search(ctx, col.ID, vec, core.ClampLimit(req.Limit), req.Filter)
	if err != nil {
		return nil, err
	}
	s.log.Debug("search served", "collection_id", col.ID, "results", len(res), "elapsed", time.Since(start))
	return res, nil
}

func (s *SearchService) embedQuery(ctx context.Context, provider core.EmbeddingProvider, query string) ([]float32, error) {
	key := provider.Name() + "\x00" + provider.ModelName() + "\x00" + query
	if s.cache != nil {
		if v, ok := s.cache.Get(key); ok {
			return v, nil
		}
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	vec, err := provider.EmbedQuery(ctx, query)
	if err != nil {
		if !errors.Is(err, core.ErrEmbedding) {
			err = fmt.Errorf("%w: %w", core.ErrEmbedding, err)
		}
		return nil, err
	}
	if len(vec) != provider.Dimension() {
		return nil, fmt.Errorf("%w: %w: query vector has %d dimensions, want %d",
			core.ErrEmbedding, core.ErrDimensionMismatch, len(vec), provider.Dimension())
	}
	if s.cache != nil {
		s.cache.Add(key, vec)
	}
	return vec, nil
}

func (s *SearchService) Stats(ctx context.Context, collectionID string) (*models.CollectionStats, error) {
	col, err := s.collection(ctx, collectionID)
	if err != nil {
		return nil, err
	}
	st, err := s.vectors.Stats(ctx, col.ID)
	if err != nil {
		return nil, err
	}
	return &models.CollectionStats{
		CollectionID:       col.ID,
		Name:               col.Name,
		EmbeddingProvider:  col.EmbeddingProvider,
		EmbeddingModel:     col.EmbeddingModel,
		EmbeddingDimension: col.EmbeddingDimension,
		CreatedAt:          col.CreatedAt,
		UpdatedAt:          col.UpdatedAt,
		IndexStats:         *st,
	}, nil
}
