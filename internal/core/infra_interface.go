package core

import (
	"context"

	"github.com/markdave123-py/ragvault/internal/models"
)

// DbClient holds collection and file rows. Lookups return (nil, nil) when
// the row does not exist.
type DbClient interface {
	CreateCollection(ctx context.Context, c *models.Collection) error
	GetCollection(ctx context.Context, id string) (*models.Collection, error)
	ListCollections(ctx context.Context) ([]models.Collection, error)
	UpdateCollection(ctx context.Context, id, name, description string) (*models.Collection, error)
	DeleteCollection(ctx context.Context, id string) error

	CreateFile(ctx context.Context, f *models.File) error
	GetFile(ctx context.Context, id string) (*models.File, error)
	ListFilesByCollection(ctx context.Context, collectionID string) ([]models.File, error)
	ListFilesByStatus(ctx context.Context, status models.FileStatus) ([]models.File, error)
	SetFileLocator(ctx context.Context, id, locator string) error
	// TransitionFileStatus moves a file to `to` only if its current status is one of `from`.
	// It returns ErrInvalidTransition when the file exists in another status and
	// ErrNotFound when it does not exist.
	TransitionFileStatus(ctx context.Context, id string, from []models.FileStatus, to models.FileStatus, reason string) error
	DeleteFile(ctx context.Context, id string) error

	Close() error
}

// VectorStore owns one isolated index per collection.
type VectorStore interface {
	CreateIndex(ctx context.Context, collectionID string, dimension int) error
	DropIndex(ctx context.Context, collectionID string) error
	InsertBatch(ctx context.Context, collectionID string, chunks []models.ChunkRecord) error
	Search(ctx context.Context, collectionID string, query []float32, limit int, filter map[string]string) ([]models.SearchResult, error)
	DeleteByFile(ctx context.Context, collectionID, fileID string) error
	Stats(ctx context.Context, collectionID string) (*models.IndexStats, error)
}

// ObjectClient stores raw file bytes behind an opaque locator.
type ObjectClient interface {
	Store(ctx context.Context, key string, data []byte, contentType string) (locator string, err error)
	Retrieve(ctx context.Context, locator string) ([]byte, error)
	Delete(ctx context.Context, locator string) error
}
