package app

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/markdave123-py/ragvault/internal/config"
	"github.com/markdave123-py/ragvault/internal/models"
)

// fakeOllama embeds text into four letter buckets so identical text scores ~1.
func fakeOllama(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Model  string `json:"model"`
			Prompt string `json:"prompt"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		vec := make([]float64, 4)
		for _, c := range strings.ToLower(req.Prompt) {
			if c >= 'a' && c <= 'z' {
				vec[(c-'a')%4]++
			}
		}
		vec[0] += 0.01
		_ = json.NewEncoder(w).Encode(map[string]any{"embedding": vec})
	}))
	t.Cleanup(srv.Close)
	return srv
}

func testConfig(ollamaURL string) *config.Config {
	return &config.Config{
		StorageBackend:  config.BackendMemory,
		DefaultProvider: "ollama",
		Providers: map[string]config.ProviderConfig{
			"ollama": {BaseURL: ollamaURL, Model: "bge-m3", Dimension: 4, Timeout: 5 * time.Second, Concurrency: 2},
		},
		ChunkSize:      1000,
		ChunkOverlap:   100,
		EmbedBatchSize: 8,
		EmbedTimeout:   5 * time.Second,
		EmbedRetries:   1,
		IngestWorkers:  2,
		QueueSize:      8,
		QueryCacheSize: 16,
		MaxFileSize:    1 << 20,
		TokenEncoding:  "approx",
		Port:           "0",
		CORSOrigins:    []string{"*"},
	}
}

type apiClient struct {
	t    *testing.T
	base string
}

func (c apiClient) do(method, path string, body io.Reader, contentType string) (int, []byte) {
	c.t.Helper()
	req, err := http.NewRequest(method, c.base+path, body)
	require.NoError(c.t, err)
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(c.t, err)
	defer resp.Body.Close()
	out, err := io.ReadAll(resp.Body)
	require.NoError(c.t, err)
	return resp.StatusCode, out
}

func (c apiClient) json(method, path string, in any, out any) int {
	c.t.Helper()
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		require.NoError(c.t, err)
		body = bytes.NewReader(b)
	}
	code, raw := c.do(method, path, body, "application/json")
	if out != nil && len(raw) > 0 {
		require.NoError(c.t, json.Unmarshal(raw, out), string(raw))
	}
	return code
}

func (c apiClient) upload(colID, name, content string) (int, models.File) {
	c.t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, err := mw.CreateFormFile("file", name)
	require.NoError(c.t, err)
	_, err = part.Write([]byte(content))
	require.NoError(c.t, err)
	require.NoError(c.t, mw.Close())

	code, raw := c.do(http.MethodPost, "/api/collections/"+colID+"/files", &buf, mw.FormDataContentType())
	var f models.File
	if code == http.StatusAccepted {
		require.NoError(c.t, json.Unmarshal(raw, &f))
	}
	return code, f
}

func newTestApp(t *testing.T) (*App, apiClient) {
	t.Helper()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	ollama := fakeOllama(t)

	a, err := NewApp(context.Background(), testConfig(ollama.URL), log)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	a.Ingestor.Start(ctx, 2)
	srv := httptest.NewServer(a.Server.httpServer.Handler)
	t.Cleanup(func() {
		srv.Close()
		a.Ingestor.Close()
		cancel()
		a.Close()
	})
	return a, apiClient{t: t, base: srv.URL}
}

func TestAPI_IngestAndSearch(t *testing.T) {
	a, api := newTestApp(t)

	code, _ := api.do(http.MethodGet, "/healthz", nil, "")
	require.Equal(t, http.StatusOK, code)

	var col models.Collection
	code = api.json(http.MethodPost, "/api/collections", map[string]string{"name": "handbook"}, &col)
	require.Equal(t, http.StatusCreated, code)
	assert.Equal(t, "ollama", col.EmbeddingProvider)
	assert.Equal(t, "bge-m3", col.EmbeddingModel)
	assert.Equal(t, 4, col.EmbeddingDimension)

	text := "Vacation requests go through the people team portal."
	code, f := api.upload(col.ID, "policy.txt", text)
	require.Equal(t, http.StatusAccepted, code)
	assert.Equal(t, models.FileStatusUploading, f.Status)

	a.Ingestor.Wait()

	var got models.File
	require.Equal(t, http.StatusOK, api.json(http.MethodGet, "/api/files/"+f.ID, nil, &got))
	require.Equal(t, models.FileStatusCompleted, got.Status, got.Error)
	assert.True(t, strings.HasPrefix(got.ContentType, "text/plain"), got.ContentType)

	var search struct {
		Results []models.SearchResult `json:"results"`
	}
	code = api.json(http.MethodPost, "/api/collections/"+col.ID+"/search",
		map[string]any{"query": text, "limit": 3}, &search)
	require.Equal(t, http.StatusOK, code)
	require.Len(t, search.Results, 1)
	assert.Equal(t, text, search.Results[0].Content)
	assert.Greater(t, search.Results[0].Score, 0.99)
	assert.Equal(t, "policy.txt", search.Results[0].Metadata["filename"])

	search.Results = nil
	code = api.json(http.MethodPost, "/api/collections/"+col.ID+"/search",
		map[string]any{"query": text, "filter": map[string]string{"filename": "other.txt"}}, &search)
	require.Equal(t, http.StatusOK, code)
	assert.Empty(t, search.Results)

	var stats models.CollectionStats
	require.Equal(t, http.StatusOK, api.json(http.MethodGet, "/api/collections/"+col.ID+"/stats", nil, &stats))
	assert.EqualValues(t, 1, stats.TotalChunks)
	assert.EqualValues(t, 1, stats.UniqueFiles)

	var completed []models.File
	require.Equal(t, http.StatusOK, api.json(http.MethodGet, "/api/collections/"+col.ID+"/files?status=completed", nil, &completed))
	assert.Len(t, completed, 1)
	var failed []models.File
	require.Equal(t, http.StatusOK, api.json(http.MethodGet, "/api/collections/"+col.ID+"/files?status=failed", nil, &failed))
	assert.Empty(t, failed)

	code, _ = api.do(http.MethodDelete, "/api/files/"+f.ID, nil, "")
	require.Equal(t, http.StatusNoContent, code)
	code, _ = api.do(http.MethodGet, "/api/files/"+f.ID, nil, "")
	assert.Equal(t, http.StatusNotFound, code)

	stats = models.CollectionStats{}
	require.Equal(t, http.StatusOK, api.json(http.MethodGet, "/api/collections/"+col.ID+"/stats", nil, &stats))
	assert.Zero(t, stats.TotalChunks)
}

func TestAPI_Errors(t *testing.T) {
	_, api := newTestApp(t)

	var col models.Collection
	require.Equal(t, http.StatusCreated, api.json(http.MethodPost, "/api/collections", map[string]string{"name": "errors"}, &col))

	var e struct {
		Error  string            `json:"error"`
		Fields map[string]string `json:"fields"`
	}

	code := api.json(http.MethodGet, "/api/collections/"+uuid.NewString(), nil, &e)
	assert.Equal(t, http.StatusNotFound, code)
	assert.NotEmpty(t, e.Error)

	e.Fields = nil
	code = api.json(http.MethodPost, "/api/collections/"+col.ID+"/search", map[string]any{"query": ""}, &e)
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Contains(t, e.Fields, "Query")

	code = api.json(http.MethodPost, "/api/collections", map[string]string{"name": "bad/name"}, &e)
	assert.Equal(t, http.StatusBadRequest, code)

	code = api.json(http.MethodPost, "/api/collections", map[string]string{"name": "x", "embedding_provider": "nope"}, &e)
	assert.Equal(t, http.StatusBadRequest, code)

	code, _ = api.do(http.MethodPost, "/api/collections", strings.NewReader("{"), "application/json")
	assert.Equal(t, http.StatusBadRequest, code)

	code, _ = api.upload(uuid.NewString(), "a.txt", "hello")
	assert.Equal(t, http.StatusNotFound, code)

	code = api.json(http.MethodGet, "/api/collections/"+col.ID+"/files?status=bogus", nil, &e)
	assert.Equal(t, http.StatusBadRequest, code)

	code = api.json(http.MethodPost, "/api/files/"+uuid.NewString()+"/reprocess", nil, &e)
	assert.Equal(t, http.StatusNotFound, code)
}

func TestAPI_CollectionLifecycle(t *testing.T) {
	a, api := newTestApp(t)

	var col models.Collection
	require.Equal(t, http.StatusCreated, api.json(http.MethodPost, "/api/collections",
		map[string]string{"name": "notes", "description": "first"}, &col))

	var updated models.Collection
	require.Equal(t, http.StatusOK, api.json(http.MethodPut, "/api/collections/"+col.ID,
		map[string]string{"name": "notes v2", "description": "second"}, &updated))
	assert.Equal(t, "notes v2", updated.Name)
	assert.Equal(t, "second", updated.Description)

	var list []models.Collection
	require.Equal(t, http.StatusOK, api.json(http.MethodGet, "/api/collections", nil, &list))
	assert.Len(t, list, 1)

	code, f := api.upload(col.ID, "a.md", "# Title\n\nSome markdown body text.")
	require.Equal(t, http.StatusAccepted, code)
	a.Ingestor.Wait()

	var reindex struct {
		Scheduled int `json:"scheduled"`
	}
	require.Equal(t, http.StatusAccepted, api.json(http.MethodPost, "/api/collections/"+col.ID+"/reindex", nil, &reindex))
	assert.Equal(t, 1, reindex.Scheduled)
	a.Ingestor.Wait()

	var got models.File
	require.Equal(t, http.StatusOK, api.json(http.MethodGet, "/api/files/"+f.ID, nil, &got))
	assert.Equal(t, models.FileStatusCompleted, got.Status)

	code, _ = api.do(http.MethodDelete, "/api/collections/"+col.ID, nil, "")
	require.Equal(t, http.StatusNoContent, code)
	code, _ = api.do(http.MethodGet, "/api/collections/"+col.ID, nil, "")
	assert.Equal(t, http.StatusNotFound, code)
	code, _ = api.do(http.MethodGet, "/api/files/"+f.ID, nil, "")
	assert.Equal(t, http.StatusNotFound, code)
}

func TestBootstrap_RejectsMemoryBackend(t *testing.T) {
	cfg := testConfig("http://unused")
	err := Bootstrap(context.Background(), cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
	assert.Error(t, err)
}
