package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/pgvector/pgvector-go"

	"github.com/markdave123-py/ragvault/internal/core"
	"github.com/markdave123-py/ragvault/internal/models"
)

// pgvector's hnsw index handles at most 2000 dimensions.
const maxIndexedDimension = 2000

const (
	pgDuplicateTable  = "42P07"
	pgUndefinedTable  = "42P01"
	pgForeignKeyError = "23503"
)

var tableNamePattern = regexp.MustCompile(`^collection_[a-f0-9_]+_vectors$`)

// TableName derives the per-collection table. The id must parse as a UUID
// and the result must match the allow-list before it is ever interpolated.
func TableName(collectionID string) (string, error) {
	id, err := uuid.Parse(collectionID)
	if err != nil {
		return "", fmt.Errorf("%w: invalid collection id %q", core.ErrInvalidInput, collectionID)
	}
	name := "collection_" + strings.ReplaceAll(id.String(), "-", "_") + "_vectors"
	if !tableNamePattern.MatchString(name) {
		return "", fmt.Errorf("%w: invalid table name %q", core.ErrInvalidInput, name)
	}
	return name, nil
}

func indexName(table, suffix string) string {
	hex := strings.ReplaceAll(strings.TrimSuffix(strings.TrimPrefix(table, "collection_"), "_vectors"), "_", "")
	return "ix_" + hex + "_" + suffix
}

// VectorStore keeps one pgvector table per collection.
type VectorStore struct {
	db  *sql.DB
	log *slog.Logger
}

func NewVectorStore(db *sql.DB, log *slog.Logger) *VectorStore {
	if log == nil {
		log = slog.Default()
	}
	return &VectorStore{db: db, log: log}
}

func (s *VectorStore) CreateIndex(ctx context.Context, collectionID string, dimension int) error {
	table, err := TableName(collectionID)
	if err != nil {
		return err
	}
	if dimension <= 0 || dimension > maxIndexedDimension {
		return fmt.Errorf("%w: dimension %d outside 1..%d", core.ErrInvalidInput, dimension, maxIndexedDimension)
	}

	var exists bool
	if err := s.db.QueryRowContext(ctx, `SELECT to_regclass($1::text) IS NOT NULL`, table).Scan(&exists); err != nil {
		return storageErr("check index", err)
	}
	if exists {
		return fmt.Errorf("%w: %s", core.ErrIndexAlreadyExists, table)
	}

	stmts := []string{
		fmt.Sprintf(`CREATE TABLE %s (
			id UUID PRIMARY KEY DEFAULT gen_random_uuid(),
			file_id UUID NOT NULL REFERENCES files(id) ON DELETE CASCADE,
			content TEXT NOT NULL,
			metadata JSONB NOT NULL DEFAULT '{}'::jsonb,
			embedding vector(%d) NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`, table, dimension),
		fmt.Sprintf(`CREATE INDEX %s ON %s USING hnsw (embedding vector_cosine_ops)`, indexName(table, "emb"), table),
		fmt.Sprintf(`CREATE INDEX %s ON %s (file_id)`, indexName(table, "file"), table),
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return storageErr("begin create index", err)
	}
	for _, stmt := range stmts {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			_ = tx.Rollback()
			if pgCode(err) == pgDuplicateTable {
				return fmt.Errorf("%w: %s", core.ErrIndexAlreadyExists, table)
			}
			return storageErr("create index", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return storageErr("commit create index", err)
	}
	s.log.Info("vector index created", "collection_id", collectionID, "table", table, "dimension", dimension)
	return nil
}

// DropIndex is idempotent.
func (s *VectorStore) DropIndex(ctx context.Context, collectionID string) error {
	table, err := TableName(collectionID)
	if err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx, fmt.Sprintf(`DROP TABLE IF EXISTS %s CASCADE`, table)); err != nil {
		return storageErr("drop index", err)
	}
	s.log.Info("vector index dropped", "collection_id", collectionID, "table", table)
	return nil
}

// InsertBatch writes every chunk in one transaction or none of them.
func (s *VectorStore) InsertBatch(ctx context.Context, collectionID string, chunks []models.ChunkRecord) error {
	table, err := TableName(collectionID)
	if err != nil {
		return fmt.Errorf("%w: %w", core.ErrInsert, err)
	}
	if len(chunks) == 0 {
		return nil
	}
	if err := checkBatch(chunks); err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{})
	if err != nil {
		return fmt.Errorf("%w: begin: %w", core.ErrInsert, err)
	}

	q := fmt.Sprintf(`INSERT INTO %s (id, file_id, content, metadata, embedding) VALUES ($1, $2, $3, $4, $5)`, table)
	stmt, err := tx.PrepareContext(ctx, q)
	if err != nil {
		_ = tx.Rollback()
		return insertErr(err)
	}
	defer stmt.Close()

	for i := range chunks {
		ch := &chunks[i]
		id := ch.ID
		if id == "" {
			id = uuid.NewString()
		}
		meta, err := json.Marshal(models.FlattenMetadata(ch.Metadata))
		if err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("%w: chunk %d metadata: %w", core.ErrInsert, i, err)
		}
		if _, err := stmt.ExecContext(ctx, id, ch.FileID, ch.Content, string(meta), pgvector.NewVector(ch.Embedding)); err != nil {
			_ = tx.Rollback()
			return insertErr(err)
		}
	}
	if err := tx.Commit(); err != nil {
		return insertErr(err)
	}
	return nil
}

// checkBatch rejects empty or ragged vectors before touching the database.
func checkBatch(chunks []models.ChunkRecord) error {
	dim := len(chunks[0].Embedding)
	for i, ch := range chunks {
		if len(ch.Embedding) == 0 || len(ch.Embedding) != dim {
			return fmt.Errorf("%w: %w: chunk %d has %d dimensions, batch has %d",
				core.ErrInsert, core.ErrDimensionMismatch, i, len(ch.Embedding), dim)
		}
		if ch.FileID == "" {
			return fmt.Errorf("%w: chunk %d has no file id", core.ErrInsert, i)
		}
	}
	return nil
}

func insertErr(err error) error {
	switch pgCode(err) {
	case pgUndefinedTable:
		return fmt.Errorf("%w: index does not exist: %w", core.ErrInsert, err)
	case pgForeignKeyError:
		return fmt.Errorf("%w: file no longer exists: %w", core.ErrInsert, err)
	}
	if strings.Contains(err.Error(), "expected") && strings.Contains(err.Error(), "dimensions") {
		return fmt.Errorf("%w: %w: %w", core.ErrInsert, core.ErrDimensionMismatch, err)
	}
	return fmt.Errorf("%w: %w", core.ErrInsert, err)
}

// buildSearchQuery renders the similarity query. $1 is the query vector,
// filter pairs follow in key order, the limit is last.
func buildSearchQuery(table string, filter map[string]string, limit int) (string, []any) {
	keys := make([]string, 0, len(filter))
	for k := range filter {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	fmt.Fprintf(&b, "SELECT id, content, metadata, 1 - (embedding <=> $1) AS score FROM %s", table)

	args := make([]any, 0, len(keys)*2+1)
	for i, k := range keys {
		if i == 0 {
			b.WriteString(" WHERE ")
		} else {
			b.WriteString(" AND ")
		}
		args = append(args, k, filter[k])
		fmt.Fprintf(&b, "metadata ->> $%d = $%d", len(args), len(args)+1)
	}
	args = append(args, limit)
	b.WriteString(" ORDER BY embedding <=> $1 LIMIT $" + strconv.Itoa(len(args)+1))
	return b.String(), args
}

// filteredEfSearch widens the hnsw candidate list for filtered searches.
// The metadata predicate is applied after the index scan, so with the default
// of 40 candidates a selective filter can drop matches that exist.
const filteredEfSearch = 1000

// Search ranks by ascending cosine distance. An index with no matching rows
// yields an empty slice, not an error.
func (s *VectorStore) Search(ctx context.Context, collectionID string, query []float32, limit int, filter map[string]string) ([]models.SearchResult, error) {
	table, err := TableName(collectionID)
	if err != nil {
		return nil, err
	}
	if len(query) == 0 {
		return nil, fmt.Errorf("%w: empty query vector", core.ErrInvalidInput)
	}

	q, rest := buildSearchQuery(table, filter, core.ClampLimit(limit))
	args := append([]any{pgvector.NewVector(query)}, rest...)

	if len(filter) == 0 {
		return s.runSearch(ctx, s.db, collectionID, q, args)
	}

	// SET LOCAL only lives as long as the transaction.
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return nil, storageErr("begin search", err)
	}
	defer func() { _ = tx.Rollback() }()
	if _, err := tx.ExecContext(ctx, fmt.Sprintf("SET LOCAL hnsw.ef_search = %d", filteredEfSearch)); err != nil {
		return nil, storageErr("widen search", err)
	}
	out, err := s.runSearch(ctx, tx, collectionID, q, args)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, storageErr("commit search", err)
	}
	return out, nil
}

type queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func (s *VectorStore) runSearch(ctx context.Context, db queryer, collectionID, q string, args []any) ([]models.SearchResult, error) {
	rows, err := db.QueryContext(ctx, q, args...)
	if err != nil {
		if pgCode(err) == pgUndefinedTable {
			return nil, fmt.Errorf("%w: index for collection %s", core.ErrNotFound, collectionID)
		}
		return nil, storageErr("search", err)
	}
	defer rows.Close()

	out := []models.SearchResult{}
	for rows.Next() {
		var (
			r    models.SearchResult
			meta []byte
		)
		if err := rows.Scan(&r.ID, &r.Content, &meta, &r.Score); err != nil {
			return nil, storageErr("scan search row", err)
		}
		if len(meta) > 0 {
			if err := json.Unmarshal(meta, &r.Metadata); err != nil {
				return nil, storageErr("decode metadata", err)
			}
		}
		if r.Metadata == nil {
			r.Metadata = map[string]any{}
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("search", err)
	}
	return out, nil
}

// DeleteByFile is idempotent, including when the index is already gone.
func (s *VectorStore) DeleteByFile(ctx context.Context, collectionID, fileID string) error {
	table, err := TableName(collectionID)
	if err != nil {
		return err
	}
	if _, err := uuid.Parse(fileID); err != nil {
		return fmt.Errorf("%w: invalid file id %q", core.ErrInvalidInput, fileID)
	}
	res, err := s.db.ExecContext(ctx, fmt.Sprintf(`DELETE FROM %s WHERE file_id = $1`, table), fileID)
	if err != nil {
		if pgCode(err) == pgUndefinedTable {
			return nil
		}
		return storageErr("delete chunks", err)
	}
	n, _ := res.RowsAffected()
	s.log.Debug("chunks deleted", "collection_id", collectionID, "file_id", fileID, "rows", n)
	return nil
}

func (s *VectorStore) Stats(ctx context.Context, collectionID string) (*models.IndexStats, error) {
	table, err := TableName(collectionID)
	if err != nil {
		return nil, err
	}
	var (
		st     models.IndexStats
		latest sql.NullTime
	)
	q := fmt.Sprintf(`SELECT COUNT(*), COUNT(DISTINCT file_id), MAX(created_at) FROM %s`, table)
	if err := s.db.QueryRowContext(ctx, q).Scan(&st.TotalChunks, &st.UniqueFiles, &latest); err != nil {
		if pgCode(err) == pgUndefinedTable {
			return nil, fmt.Errorf("%w: index for collection %s", core.ErrNotFound, collectionID)
		}
		return nil, storageErr("stats", err)
	}
	if latest.Valid {
		t := latest.Time
		st.LatestCreated = &t
	}
	return &st, nil
}

func pgCode(err error) string {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code
	}
	return ""
}

var _ core.VectorStore = (*VectorStore)(nil)
