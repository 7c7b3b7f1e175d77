package db

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/markdave123-py/ragvault/internal/core"
	"github.com/markdave123-py/ragvault/internal/models"
)

const (
	testCollection = "3f2b8c1e-9d4a-4e6b-8a7c-1b2d3e4f5a6b"
	testTable      = "collection_3f2b8c1e_9d4a_4e6b_8a7c_1b2d3e4f5a6b_vectors"
	testFile       = "0c9d8e7f-6a5b-4c3d-2e1f-0a9b8c7d6e5f"
)

func newMockStore(t *testing.T) (*VectorStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return NewVectorStore(db, slog.New(slog.NewTextHandler(io.Discard, nil))), mock
}

func TestTableName(t *testing.T) {
	name, err := TableName(testCollection)
	require.NoError(t, err)
	assert.Equal(t, testTable, name)

	upper, err := TableName("3F2B8C1E-9D4A-4E6B-8A7C-1B2D3E4F5A6B")
	require.NoError(t, err)
	assert.Equal(t, testTable, upper)

	for _, bad := range []string{"", "abc", "x; DROP TABLE files;--", "3f2b8c1e-9d4a-4e6b-8a7c-1b2d3e4f5a6b; --"} {
		_, err := TableName(bad)
		assert.ErrorIs(t, err, core.ErrInvalidInput, bad)
	}
}

func TestIndexName(t *testing.T) {
	got := indexName(testTable, "emb")
	assert.Equal(t, "ix_3f2b8c1e9d4a4e6b8a7c1b2d3e4f5a6b_emb", got)
	assert.LessOrEqual(t, len(got), 63)
}

func TestBuildSearchQuery(t *testing.T) {
	q, args := buildSearchQuery(testTable, nil, 10)
	assert.Equal(t, "SELECT id, content, metadata, 1 - (embedding <=> $1) AS score FROM "+testTable+
		" ORDER BY embedding <=> $1 LIMIT $2", q)
	assert.Equal(t, []any{10}, args)

	q, args = buildSearchQuery(testTable, map[string]string{"source": "a.pdf", "chunk_index": "0"}, 5)
	assert.Equal(t, "SELECT id, content, metadata, 1 - (embedding <=> $1) AS score FROM "+testTable+
		" WHERE metadata ->> $2 = $3 AND metadata ->> $4 = $5 ORDER BY embedding <=> $1 LIMIT $6", q)
	assert.Equal(t, []any{"chunk_index", "0", "source", "a.pdf", 5}, args)
}

func TestCreateIndex(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT to_regclass($1::text) IS NOT NULL`)).
		WithArgs(testTable).
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(false))
	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("CREATE TABLE " + testTable)).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(regexp.QuoteMeta("USING hnsw (embedding vector_cosine_ops)")).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(regexp.QuoteMeta("(file_id)")).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectCommit()

	require.NoError(t, s.CreateIndex(context.Background(), testCollection, 4))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCreateIndex_AlreadyExists(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT to_regclass`)).
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))

	err := s.CreateIndex(context.Background(), testCollection, 4)

	assert.ErrorIs(t, err, core.ErrIndexAlreadyExists)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCreateIndex_RaceMapsDuplicateTable(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT to_regclass`)).
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(false))
	mock.ExpectBegin()
	mock.ExpectExec("CREATE TABLE").WillReturnError(&pgconn.PgError{Code: pgDuplicateTable})
	mock.ExpectRollback()

	err := s.CreateIndex(context.Background(), testCollection, 4)

	assert.ErrorIs(t, err, core.ErrIndexAlreadyExists)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCreateIndex_RejectsBadInput(t *testing.T) {
	s, mock := newMockStore(t)

	assert.ErrorIs(t, s.CreateIndex(context.Background(), "not-a-uuid", 4), core.ErrInvalidInput)
	assert.ErrorIs(t, s.CreateIndex(context.Background(), testCollection, 0), core.ErrInvalidInput)
	assert.ErrorIs(t, s.CreateIndex(context.Background(), testCollection, 3072), core.ErrInvalidInput)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestDropIndex(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectExec(regexp.QuoteMeta("DROP TABLE IF EXISTS " + testTable + " CASCADE")).
		WillReturnResult(sqlmock.NewResult(0, 0))

	require.NoError(t, s.DropIndex(context.Background(), testCollection))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func chunks(vecs ...[]float32) []models.ChunkRecord {
	out := make([]models.ChunkRecord, len(vecs))
	for i, v := range vecs {
		out[i] = models.ChunkRecord{FileID: testFile, Content: "chunk", Metadata: map[string]any{"chunk_index": i}, Embedding: v}
	}
	return out
}

func TestInsertBatch_Commits(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectBegin()
	prep := mock.ExpectPrepare(regexp.QuoteMeta("INSERT INTO " + testTable))
	prep.ExpectExec().
		WithArgs(sqlmock.AnyArg(), testFile, "chunk", `{"chunk_index":0}`, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	prep.ExpectExec().
		WithArgs(sqlmock.AnyArg(), testFile, "chunk", `{"chunk_index":1}`, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	err := s.InsertBatch(context.Background(), testCollection, chunks([]float32{1, 0, 0, 0}, []float32{0, 1, 0, 0}))

	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestInsertBatch_RollsBackOnMidBatchFailure(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectBegin()
	prep := mock.ExpectPrepare("INSERT INTO")
	prep.ExpectExec().WillReturnResult(sqlmock.NewResult(0, 1))
	prep.ExpectExec().WillReturnError(&pgconn.PgError{Code: pgForeignKeyError, Message: "violates foreign key"})
	mock.ExpectRollback()

	err := s.InsertBatch(context.Background(), testCollection, chunks([]float32{1, 0}, []float32{0, 1}, []float32{1, 1}))

	assert.ErrorIs(t, err, core.ErrInsert)
	assert.ErrorContains(t, err, "file no longer exists")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestInsertBatch_RaggedVectorsNeverReachDatabase(t *testing.T) {
	s, mock := newMockStore(t)

	err := s.InsertBatch(context.Background(), testCollection, chunks([]float32{1, 0, 0, 0}, []float32{1, 0, 0}))

	assert.ErrorIs(t, err, core.ErrInsert)
	assert.ErrorIs(t, err, core.ErrDimensionMismatch)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestInsertBatch_DimensionRejectedByIndex(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectBegin()
	prep := mock.ExpectPrepare("INSERT INTO")
	prep.ExpectExec().WillReturnError(errors.New("ERROR: expected 4 dimensions, not 3 (SQLSTATE 22000)"))
	mock.ExpectRollback()

	err := s.InsertBatch(context.Background(), testCollection, chunks([]float32{1, 0, 0}))

	assert.ErrorIs(t, err, core.ErrInsert)
	assert.ErrorIs(t, err, core.ErrDimensionMismatch)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSearch(t *testing.T) {
	s, mock := newMockStore(t)
	rows := sqlmock.NewRows([]string{"id", "content", "metadata", "score"}).
		AddRow("c1", "first", []byte(`{"chunk_index":0,"source":"a.txt"}`), 0.999).
		AddRow("c2", "second", []byte(`{"chunk_index":1}`), -0.25)
	mock.ExpectQuery(regexp.QuoteMeta("SELECT id, content, metadata, 1 - (embedding <=> $1) AS score FROM "+testTable)).
		WithArgs(sqlmock.AnyArg(), core.MaxSearchLimit).
		WillReturnRows(rows)

	res, err := s.Search(context.Background(), testCollection, []float32{1, 0, 0, 0}, 5000, nil)

	require.NoError(t, err)
	require.Len(t, res, 2)
	assert.Equal(t, "c1", res[0].ID)
	assert.InDelta(t, 0.999, res[0].Score, 1e-9)
	assert.Equal(t, "a.txt", res[0].Metadata["source"])
	assert.Equal(t, -0.25, res[1].Score)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSearch_FilterAndEmpty(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("SET LOCAL hnsw.ef_search = 1000")).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(regexp.QuoteMeta("WHERE metadata ->> $2 = $3")).
		WithArgs(sqlmock.AnyArg(), "chunk_index", "0", core.DefaultSearchLimit).
		WillReturnRows(sqlmock.NewRows([]string{"id", "content", "metadata", "score"}))
	mock.ExpectCommit()

	res, err := s.Search(context.Background(), testCollection, []float32{1, 0}, 0, map[string]string{"chunk_index": "0"})

	require.NoError(t, err)
	assert.NotNil(t, res)
	assert.Empty(t, res)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSearch_FilterWidenFailureRollsBack(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectBegin()
	mock.ExpectExec("SET LOCAL hnsw.ef_search").WillReturnError(errors.New("permission denied"))
	mock.ExpectRollback()

	_, err := s.Search(context.Background(), testCollection, []float32{1, 0}, 3, map[string]string{"source": "a.txt"})

	assert.ErrorIs(t, err, core.ErrStorage)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSearch_Errors(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectQuery("SELECT id").WillReturnError(&pgconn.PgError{Code: pgUndefinedTable})

	_, err := s.Search(context.Background(), testCollection, []float32{1}, 1, nil)
	assert.ErrorIs(t, err, core.ErrNotFound)

	_, err = s.Search(context.Background(), testCollection, nil, 1, nil)
	assert.ErrorIs(t, err, core.ErrInvalidInput)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestDeleteByFile(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectExec(regexp.QuoteMeta("DELETE FROM " + testTable + " WHERE file_id = $1")).
		WithArgs(testFile).
		WillReturnResult(sqlmock.NewResult(0, 3))
	mock.ExpectExec("DELETE FROM").
		WithArgs(testFile).
		WillReturnError(&pgconn.PgError{Code: pgUndefinedTable})

	require.NoError(t, s.DeleteByFile(context.Background(), testCollection, testFile))
	require.NoError(t, s.DeleteByFile(context.Background(), testCollection, testFile))
	assert.ErrorIs(t, s.DeleteByFile(context.Background(), testCollection, "../etc"), core.ErrInvalidInput)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStats(t *testing.T) {
	s, mock := newMockStore(t)
	now := time.Date(2026, 10, 1, 12, 0, 0, 0, time.UTC)
	mock.ExpectQuery(regexp.QuoteMeta("SELECT COUNT(*), COUNT(DISTINCT file_id), MAX(created_at) FROM " + testTable)).
		WillReturnRows(sqlmock.NewRows([]string{"count", "files", "latest"}).AddRow(int64(12), int64(3), now))
	mock.ExpectQuery("SELECT COUNT").
		WillReturnRows(sqlmock.NewRows([]string{"count", "files", "latest"}).AddRow(int64(0), int64(0), nil))

	st, err := s.Stats(context.Background(), testCollection)
	require.NoError(t, err)
	assert.Equal(t, int64(12), st.TotalChunks)
	assert.Equal(t, int64(3), st.UniqueFiles)
	require.NotNil(t, st.LatestCreated)
	assert.True(t, now.Equal(*st.LatestCreated))

	empty, err := s.Stats(context.Background(), testCollection)
	require.NoError(t, err)
	assert.Zero(t, empty.TotalChunks)
	assert.Nil(t, empty.LatestCreated)
	assert.NoError(t, mock.ExpectationsWereMet())
}
