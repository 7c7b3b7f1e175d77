package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/markdave123-py/ragvault/internal/config"
	"github.com/markdave123-py/ragvault/internal/core"
	"github.com/markdave123-py/ragvault/internal/models"
)

// DatabaseClient stores collection and file rows in Postgres.
type DatabaseClient struct {
	db *sql.DB
}

// NewDatabaseClient opens the pool, pings it and applies the schema.
func NewDatabaseClient(ctx context.Context, cfg *config.Config) (*DatabaseClient, error) {
	if cfg == nil {
		return nil, fmt.Errorf("database client configuration is nil")
	}
	dsn, err := buildDSN(cfg)
	if err != nil {
		return nil, err
	}

	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}

	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)
	db.SetConnMaxIdleTime(10 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping db: %w", err)
	}

	if err := EnsureBootstrapped(ctx, db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("bootstrap: %w", err)
	}

	return &DatabaseClient{db: db}, nil
}

// NewDatabaseClientFromDB wraps an already opened pool.
func NewDatabaseClientFromDB(db *sql.DB) *DatabaseClient {
	return &DatabaseClient{db: db}
}

// buildDSN appends certificate verification to DATABASE_URL when SSL_CERT_PATH is set.
func buildDSN(cfg *config.Config) (string, error) {
	if cfg.DatabaseURL == "" {
		return "", fmt.Errorf("DATABASE_URL is empty")
	}
	if cfg.SslCertPath == "" {
		return cfg.DatabaseURL, nil
	}
	if _, err := os.Stat(cfg.SslCertPath); err != nil {
		return "", fmt.Errorf("ssl cert not accessible at %q: %w", cfg.SslCertPath, err)
	}
	u, err := url.Parse(cfg.DatabaseURL)
	if err != nil {
		return "", fmt.Errorf("invalid DATABASE_URL: %w", err)
	}
	q := u.Query()
	q.Set("sslmode", "verify-ca")
	q.Set("sslrootcert", cfg.SslCertPath)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// DB exposes the pool so the vector store can share it.
func (c *DatabaseClient) DB() *sql.DB { return c.db }

func (c *DatabaseClient) Close() error {
	if c.db != nil {
		return c.db.Close()
	}
	return nil
}

func storageErr(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", core.ErrStorage, op, err)
}

// wellFormed reports whether id can name a row. The id columns are UUID, so
// anything else would be rejected by Postgres with 22P02; such ids simply
// match nothing.
func wellFormed(id string) bool {
	_, err := uuid.Parse(id)
	return err == nil
}

// Collections

const collectionColumns = `id, name, description, embedding_provider, embedding_model, embedding_dimension, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCollection(row rowScanner) (*models.Collection, error) {
	var col models.Collection
	err := row.Scan(&col.ID, &col.Name, &col.Description, &col.EmbeddingProvider,
		&col.EmbeddingModel, &col.EmbeddingDimension, &col.CreatedAt, &col.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &col, nil
}

func (c *DatabaseClient) CreateCollection(ctx context.Context, col *models.Collection) error {
	if col == nil {
		return errors.New("nil collection")
	}
	const q = `
		INSERT INTO collections
			(id, name, description, embedding_provider, embedding_model, embedding_dimension, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`
	now := time.Now().UTC()
	if col.CreatedAt.IsZero() {
		col.CreatedAt = now
	}
	if col.UpdatedAt.IsZero() {
		col.UpdatedAt = now
	}
	_, err := c.db.ExecContext(ctx, q, col.ID, col.Name, col.Description, col.EmbeddingProvider,
		col.EmbeddingModel, col.EmbeddingDimension, col.CreatedAt, col.UpdatedAt)
	if err != nil {
		return storageErr("create collection", err)
	}
	return nil
}

func (c *DatabaseClient) GetCollection(ctx context.Context, id string) (*models.Collection, error) {
	if !wellFormed(id) {
		return nil, nil
	}
	q := `SELECT ` + collectionColumns + ` FROM collections WHERE id = $1`
	col, err := scanCollection(c.db.QueryRowContext(ctx, q, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, storageErr("get collection", err)
	}
	return col, nil
}

func (c *DatabaseClient) ListCollections(ctx context.Context) ([]models.Collection, error) {
	q := `SELECT ` + collectionColumns + ` FROM collections ORDER BY created_at DESC`
	rows, err := c.db.QueryContext(ctx, q)
	if err != nil {
		return nil, storageErr("list collections", err)
	}
	defer rows.Close()

	out := []models.Collection{}
	for rows.Next() {
		col, err := scanCollection(rows)
		if err != nil {
			return nil, storageErr("scan collection", err)
		}
		out = append(out, *col)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("list collections", err)
	}
	return out, nil
}

// UpdateCollection changes display fields only; the embedding configuration is immutable.
func (c *DatabaseClient) UpdateCollection(ctx context.Context, id, name, description string) (*models.Collection, error) {
	if !wellFormed(id) {
		return nil, nil
	}
	q := `
		UPDATE collections
		SET name = $2, description = $3, updated_at = now()
		WHERE id = $1
		RETURNING ` + collectionColumns
	col, err := scanCollection(c.db.QueryRowContext(ctx, q, id, name, description))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, storageErr("update collection", err)
	}
	return col, nil
}

func (c *DatabaseClient) DeleteCollection(ctx context.Context, id string) error {
	if !wellFormed(id) {
		return nil
	}
	if _, err := c.db.ExecContext(ctx, `DELETE FROM collections WHERE id = $1`, id); err != nil {
		return storageErr("delete collection", err)
	}
	return nil
}

// Files

const fileColumns = `id, collection_id, file_name, content_type, size, storage_locator, status, error, created_at, updated_at`

func scanFile(row rowScanner) (*models.File, error) {
	var f models.File
	var status string
	err := row.Scan(&f.ID, &f.CollectionID, &f.FileName, &f.ContentType, &f.Size,
		&f.StorageLocator, &status, &f.Error, &f.CreatedAt, &f.UpdatedAt)
	if err != nil {
		return nil, err
	}
	f.Status = models.FileStatus(status)
	return &f, nil
}

func (c *DatabaseClient) CreateFile(ctx context.Context, f *models.File) error {
	if f == nil {
		return errors.New("nil file")
	}
	const q = `
		INSERT INTO files
			(id, collection_id, file_name, content_type, size, storage_locator, status, error, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`
	now := time.Now().UTC()
	if f.CreatedAt.IsZero() {
		f.CreatedAt = now
	}
	if f.UpdatedAt.IsZero() {
		f.UpdatedAt = now
	}
	_, err := c.db.ExecContext(ctx, q, f.ID, f.CollectionID, f.FileName, f.ContentType, f.Size,
		f.StorageLocator, string(f.Status), f.Error, f.CreatedAt, f.UpdatedAt)
	if err != nil {
		return storageErr("create file", err)
	}
	return nil
}

func (c *DatabaseClient) GetFile(ctx context.Context, id string) (*models.File, error) {
	if !wellFormed(id) {
		return nil, nil
	}
	q := `SELECT ` + fileColumns + ` FROM files WHERE id = $1`
	f, err := scanFile(c.db.QueryRowContext(ctx, q, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, storageErr("get file", err)
	}
	return f, nil
}

func (c *DatabaseClient) ListFilesByCollection(ctx context.Context, collectionID string) ([]models.File, error) {
	if !wellFormed(collectionID) {
		return []models.File{}, nil
	}
	q := `SELECT ` + fileColumns + ` FROM files WHERE collection_id = $1 ORDER BY created_at DESC`
	return c.listFiles(ctx, q, collectionID)
}

func (c *DatabaseClient) ListFilesByStatus(ctx context.Context, status models.FileStatus) ([]models.File, error) {
	q := `SELECT ` + fileColumns + ` FROM files WHERE status = $1 ORDER BY created_at ASC`
	return c.listFiles(ctx, q, string(status))
}

func (c *DatabaseClient) listFiles(ctx context.Context, q string, arg any) ([]models.File, error) {
	rows, err := c.db.QueryContext(ctx, q, arg)
	if err != nil {
		return nil, storageErr("list files", err)
	}
	defer rows.Close()

	out := []models.File{}
	for rows.Next() {
		f, err := scanFile(rows)
		if err != nil {
			return nil, storageErr("scan file", err)
		}
		out = append(out, *f)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("list files", err)
	}
	return out, nil
}

func (c *DatabaseClient) SetFileLocator(ctx context.Context, id, locator string) error {
	if !wellFormed(id) {
		return fmt.Errorf("%w: file %s", core.ErrNotFound, id)
	}
	res, err := c.db.ExecContext(ctx, `UPDATE files SET storage_locator = $2, updated_at = now() WHERE id = $1`, id, locator)
	if err != nil {
		return storageErr("set file locator", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: file %s", core.ErrNotFound, id)
	}
	return nil
}

// TransitionFileStatus is a compare-and-set on the status column.
func (c *DatabaseClient) TransitionFileStatus(ctx context.Context, id string, from []models.FileStatus, to models.FileStatus, reason string) error {
	if len(from) == 0 {
		return fmt.Errorf("%w: no source status given", core.ErrInvalidTransition)
	}
	if !wellFormed(id) {
		return fmt.Errorf("%w: file %s", core.ErrNotFound, id)
	}
	args := []any{id, string(to), reason}
	placeholders := make([]string, len(from))
	for i, s := range from {
		args = append(args, string(s))
		placeholders[i] = "$" + strconv.Itoa(len(args))
	}
	q := `UPDATE files SET status = $2, error = $3, updated_at = now() WHERE id = $1 AND status IN (` +
		strings.Join(placeholders, ", ") + `)`

	res, err := c.db.ExecContext(ctx, q, args...)
	if err != nil {
		return storageErr("update file status", err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return nil
	}

	var current string
	err = c.db.QueryRowContext(ctx, `SELECT status FROM files WHERE id = $1`, id).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: file %s", core.ErrNotFound, id)
	}
	if err != nil {
		return storageErr("read file status", err)
	}
	return fmt.Errorf("%w: file %s is %s, cannot move to %s", core.ErrInvalidTransition, id, current, to)
}

func (c *DatabaseClient) DeleteFile(ctx context.Context, id string) error {
	if !wellFormed(id) {
		return nil
	}
	if _, err := c.db.ExecContext(ctx, `DELETE FROM files WHERE id = $1`, id); err != nil {
		return storageErr("delete file", err)
	}
	return nil
}

var _ core.DbClient = (*DatabaseClient)(nil)
