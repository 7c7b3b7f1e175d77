// Package memstore keeps collections, files, vectors and blobs in process
// memory. It backs STORAGE_BACKEND=memory and the service tests, and mirrors
// the Postgres cascade rules: deleting a collection removes its files and
// deleting a file removes its chunks.
package memstore

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/markdave123-py/ragvault/internal/core"
	"github.com/markdave123-py/ragvault/internal/models"
)

const locatorScheme = "mem://"

type index struct {
	dimension int
	rows      []models.ChunkRecord
}

// Backend implements core.DbClient, core.VectorStore and core.ObjectClient.
type Backend struct {
	mu          sync.RWMutex
	collections map[string]models.Collection
	files       map[string]models.File
	indexes     map[string]*index
	blobs       map[string][]byte
	now         func() time.Time
}

func New() *Backend {
	return &Backend{
		collections: make(map[string]models.Collection),
		files:       make(map[string]models.File),
		indexes:     make(map[string]*index),
		blobs:       make(map[string][]byte),
		now:         func() time.Time { return time.Now().UTC() },
	}
}

var (
	_ core.DbClient     = (*Backend)(nil)
	_ core.VectorStore  = (*Backend)(nil)
	_ core.ObjectClient = (*Backend)(nil)
)

func (b *Backend) Close() error { return nil }

// Collections

func (b *Backend) CreateCollection(_ context.Context, c *models.Collection) error {
	if c == nil || c.ID == "" {
		return fmt.Errorf("%w: collection id required", core.ErrInvalidInput)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.collections[c.ID]; ok {
		return fmt.Errorf("%w: collection %s already exists", core.ErrStorage, c.ID)
	}
	now := b.now()
	if c.CreatedAt.IsZero() {
		c.CreatedAt = now
	}
	if c.UpdatedAt.IsZero() {
		c.UpdatedAt = now
	}
	b.collections[c.ID] = *c
	return nil
}

func (b *Backend) GetCollection(_ context.Context, id string) (*models.Collection, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	c, ok := b.collections[id]
	if !ok {
		return nil, nil
	}
	return &c, nil
}

func (b *Backend) ListCollections(_ context.Context) ([]models.Collection, error) {
	b.mu.RLock()
	out := make([]models.Collection, 0, len(b.collections))
	for _, c := range b.collections {
		out = append(out, c)
	}
	b.mu.RUnlock()
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out, nil
}

func (b *Backend) UpdateCollection(_ context.Context, id, name, description string) (*models.Collection, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	c, ok := b.collections[id]
	if !ok {
		return nil, nil
	}
	c.Name = name
	c.Description = description
	c.UpdatedAt = b.now()
	b.collections[id] = c
	return &c, nil
}

func (b *Backend) DeleteCollection(_ context.Context, id string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.collections, id)
	for fid, f := range b.files {
		if f.CollectionID == id {
			b.deleteFileLocked(fid)
		}
	}
	return nil
}

// Files

func (b *Backend) CreateFile(_ context.Context, f *models.File) error {
	if f == nil || f.ID == "" {
		return fmt.Errorf("%w: file id required", core.ErrInvalidInput)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.collections[f.CollectionID]; !ok {
		return fmt.Errorf("%w: collection %s does not exist", core.ErrStorage, f.CollectionID)
	}
	if _, ok := b.files[f.ID]; ok {
		return fmt.Errorf("%w: file %s already exists", core.ErrStorage, f.ID)
	}
	now := b.now()
	if f.CreatedAt.IsZero() {
		f.CreatedAt = now
	}
	if f.UpdatedAt.IsZero() {
		f.UpdatedAt = now
	}
	b.files[f.ID] = *f
	return nil
}

func (b *Backend) GetFile(_ context.Context, id string) (*models.File, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	f, ok := b.files[id]
	if !ok {
		return nil, nil
	}
	return &f, nil
}

func (b *Backend) ListFilesByCollection(_ context.Context, collectionID string) ([]models.File, error) {
	out := b.filterFiles(func(f models.File) bool { return f.CollectionID == collectionID })
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (b *Backend) ListFilesByStatus(_ context.Context, status models.FileStatus) ([]models.File, error) {
	out := b.filterFiles(func(f models.File) bool { return f.Status == status })
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (b *Backend) filterFiles(keep func(models.File) bool) []models.File {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := []models.File{}
	for _, f := range b.files {
		if keep(f) {
			out = append(out, f)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (b *Backend) SetFileLocator(_ context.Context, id, locator string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	f, ok := b.files[id]
	if !ok {
		return fmt.Errorf("%w: file %s", core.ErrNotFound, id)
	}
	f.StorageLocator = locator
	f.UpdatedAt = b.now()
	b.files[id] = f
	return nil
}

func (b *Backend) TransitionFileStatus(_ context.Context, id string, from []models.FileStatus, to models.FileStatus, reason string) error {
	if len(from) == 0 {
		return fmt.Errorf("%w: no source status given", core.ErrInvalidTransition)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	f, ok := b.files[id]
	if !ok {
		return fmt.Errorf("%w: file %s", core.ErrNotFound, id)
	}
	for _, s := range from {
		if f.Status == s {
			f.Status = to
			f.Error = reason
			f.UpdatedAt = b.now()
			b.files[id] = f
			return nil
		}
	}
	return fmt.Errorf("%w: file %s is %s, cannot move to %s", core.ErrInvalidTransition, id, f.Status, to)
}

func (b *Backend) DeleteFile(_ context.Context, id string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.deleteFileLocked(id)
	return nil
}

func (b *Backend) deleteFileLocked(id string) {
	f, ok := b.files[id]
	if !ok {
		return
	}
	delete(b.files, id)
	if idx, ok := b.indexes[f.CollectionID]; ok {
		idx.rows = dropFile(idx.rows, id)
	}
}

func dropFile(rows []models.ChunkRecord, fileID string) []models.ChunkRecord {
	kept := rows[:0]
	for _, r := range rows {
		if r.FileID != fileID {
			kept = append(kept, r)
		}
	}
	return kept
}

// Vectors

func (b *Backend) CreateIndex(_ context.Context, collectionID string, dimension int) error {
	if _, err := uuid.Parse(collectionID); err != nil {
		return fmt.Errorf("%w: invalid collection id %q", core.ErrInvalidInput, collectionID)
	}
	if dimension <= 0 {
		return fmt.Errorf("%w: dimension must be positive", core.ErrInvalidInput)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.indexes[collectionID]; ok {
		return fmt.Errorf("%w: collection %s", core.ErrIndexAlreadyExists, collectionID)
	}
	b.indexes[collectionID] = &index{dimension: dimension}
	return nil
}

func (b *Backend) DropIndex(_ context.Context, collectionID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.indexes, collectionID)
	return nil
}

// InsertBatch validates the whole batch before appending anything.
func (b *Backend) InsertBatch(_ context.Context, collectionID string, chunks []models.ChunkRecord) error {
	if len(chunks) == 0 {
		return nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	idx, ok := b.indexes[collectionID]
	if !ok {
		return fmt.Errorf("%w: index for collection %s does not exist", core.ErrInsert, collectionID)
	}

	rows := make([]models.ChunkRecord, 0, len(chunks))
	now := b.now()
	for i, ch := range chunks {
		if len(ch.Embedding) != idx.dimension {
			return fmt.Errorf("%w: %w: chunk %d has %d dimensions, index has %d",
				core.ErrInsert, core.ErrDimensionMismatch, i, len(ch.Embedding), idx.dimension)
		}
		if _, ok := b.files[ch.FileID]; !ok {
			return fmt.Errorf("%w: file %s no longer exists", core.ErrInsert, ch.FileID)
		}
		meta, err := roundTrip(ch.Metadata)
		if err != nil {
			return fmt.Errorf("%w: chunk %d metadata: %w", core.ErrInsert, i, err)
		}
		row := models.ChunkRecord{
			ID:        ch.ID,
			FileID:    ch.FileID,
			Content:   ch.Content,
			Metadata:  meta,
			Embedding: append([]float32(nil), ch.Embedding...),
			CreatedAt: now,
		}
		if row.ID == "" {
			row.ID = uuid.NewString()
		}
		rows = append(rows, row)
	}
	idx.rows = append(idx.rows, rows...)
	return nil
}

// roundTrip stores metadata the way JSONB would return it.
func roundTrip(meta map[string]any) (map[string]any, error) {
	raw, err := json.Marshal(models.FlattenMetadata(meta))
	if err != nil {
		return nil, err
	}
	out := map[string]any{}
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (b *Backend) Search(_ context.Context, collectionID string, query []float32, limit int, filter map[string]string) ([]models.SearchResult, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	idx, ok := b.indexes[collectionID]
	if !ok {
		return nil, fmt.Errorf("%w: index for collection %s", core.ErrNotFound, collectionID)
	}
	if len(query) != idx.dimension {
		return nil, fmt.Errorf("%w: %w: query has %d dimensions, index has %d",
			core.ErrInvalidInput, core.ErrDimensionMismatch, len(query), idx.dimension)
	}

	out := []models.SearchResult{}
	for _, r := range idx.rows {
		if !matches(r.Metadata, filter) {
			continue
		}
		meta := make(map[string]any, len(r.Metadata))
		for k, v := range r.Metadata {
			meta[k] = v
		}
		out = append(out, models.SearchResult{ID: r.ID, Content: r.Content, Metadata: meta, Score: cosine(query, r.Embedding)})
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Score > out[j].Score })
	if n := core.ClampLimit(limit); len(out) > n {
		out = out[:n]
	}
	return out, nil
}

// matches applies equality filters. A key that is absent or null never matches.
func matches(meta map[string]any, filter map[string]string) bool {
	for k, want := range filter {
		v, ok := meta[k]
		if !ok || v == nil || models.MetadataString(v) != want {
			return false
		}
	}
	return true
}

func cosine(a, b []float32) float64 {
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

func (b *Backend) DeleteByFile(_ context.Context, collectionID, fileID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if idx, ok := b.indexes[collectionID]; ok {
		idx.rows = dropFile(idx.rows, fileID)
	}
	return nil
}

func (b *Backend) Stats(_ context.Context, collectionID string) (*models.IndexStats, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	idx, ok := b.indexes[collectionID]
	if !ok {
		return nil, fmt.Errorf("%w: index for collection %s", core.ErrNotFound, collectionID)
	}
	st := &models.IndexStats{TotalChunks: int64(len(idx.rows))}
	files := map[string]struct{}{}
	for _, r := range idx.rows {
		files[r.FileID] = struct{}{}
		if st.LatestCreated == nil || r.CreatedAt.After(*st.LatestCreated) {
			t := r.CreatedAt
			st.LatestCreated = &t
		}
	}
	st.UniqueFiles = int64(len(files))
	return st, nil
}

// Blobs

func (b *Backend) Store(_ context.Context, key string, data []byte, _ string) (string, error) {
	if key == "" {
		return "", fmt.Errorf("%w: empty object key", core.ErrStorage)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.blobs[key] = append([]byte(nil), data...)
	return locatorScheme + key, nil
}

func (b *Backend) Retrieve(_ context.Context, locator string) ([]byte, error) {
	key, ok := strings.CutPrefix(locator, locatorScheme)
	if !ok {
		return nil, fmt.Errorf("%w: invalid locator %q", core.ErrInvalidInput, locator)
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	data, ok := b.blobs[key]
	if !ok {
		return nil, fmt.Errorf("%w: object %s", core.ErrNotFound, key)
	}
	return append([]byte(nil), data...), nil
}

func (b *Backend) Delete(_ context.Context, locator string) error {
	key, ok := strings.CutPrefix(locator, locatorScheme)
	if !ok {
		return fmt.Errorf("%w: invalid locator %q", core.ErrInvalidInput, locator)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.blobs, key)
	return nil
}
