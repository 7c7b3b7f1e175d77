package llm

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/markdave123-py/ragvault/internal/config"
	"github.com/markdave123-py/ragvault/internal/core"
)

// vectorFor derives a deterministic 3-dim vector from a text's length.
func vectorFor(s string) []float64 {
	return []float64{float64(len(s)), 1, 0}
}

func newOllamaServer(t *testing.T, dim int, status int) (*httptest.Server, *int32) {
	t.Helper()
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		assert.Equal(t, "/api/embeddings", r.URL.Path)
		var req ollamaRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "bge-m3", req.Model)
		if status != http.StatusOK {
			http.Error(w, `{"error":"model not found"}`, status)
			return
		}
		v := vectorFor(req.Prompt)[:min(dim, 3)]
		for len(v) < dim {
			v = append(v, 0)
		}
		_ = json.NewEncoder(w).Encode(ollamaResponse{Embedding: v})
	}))
	t.Cleanup(srv.Close)
	return srv, &calls
}

func TestOllamaEmbedder_EmbedTextsKeepsOrder(t *testing.T) {
	srv, calls := newOllamaServer(t, 3, http.StatusOK)
	e, err := NewOllamaEmbedder(config.ProviderConfig{BaseURL: srv.URL + "/", Model: "bge-m3", Dimension: 3, Concurrency: 2})
	require.NoError(t, err)

	texts := []string{"a", "bbb", "cc", "dddd", "eeeee"}
	vecs, err := e.EmbedTexts(context.Background(), texts)

	require.NoError(t, err)
	require.Len(t, vecs, len(texts))
	for i, txt := range texts {
		assert.Equal(t, float32(len(txt)), vecs[i][0])
	}
	assert.Equal(t, int32(len(texts)), atomic.LoadInt32(calls))
	assert.Equal(t, "ollama", e.Name())
	assert.Equal(t, 3, e.Dimension())
}

func TestOllamaEmbedder_Non2xx(t *testing.T) {
	srv, _ := newOllamaServer(t, 3, http.StatusNotFound)
	e, err := NewOllamaEmbedder(config.ProviderConfig{BaseURL: srv.URL, Model: "bge-m3", Dimension: 3})
	require.NoError(t, err)

	_, err = e.EmbedQuery(context.Background(), "hello")

	assert.ErrorIs(t, err, core.ErrEmbedding)
	assert.ErrorContains(t, err, "404")
}

func TestOllamaEmbedder_DimensionMismatch(t *testing.T) {
	srv, _ := newOllamaServer(t, 3, http.StatusOK)
	e, err := NewOllamaEmbedder(config.ProviderConfig{BaseURL: srv.URL, Model: "bge-m3", Dimension: 1024})
	require.NoError(t, err)

	_, err = e.EmbedTexts(context.Background(), []string{"x"})

	assert.ErrorIs(t, err, core.ErrDimensionMismatch)
	assert.False(t, core.IsRetryable(err))
}

func TestOllamaEmbedder_Timeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-time.After(time.Second):
		case <-r.Context().Done():
		}
	}))
	t.Cleanup(srv.Close)
	e, err := NewOllamaEmbedder(config.ProviderConfig{BaseURL: srv.URL, Model: "bge-m3", Timeout: 20 * time.Millisecond})
	require.NoError(t, err)

	_, err = e.EmbedQuery(context.Background(), "slow")

	assert.ErrorIs(t, err, core.ErrEmbedding)
}

type openAICall struct {
	auth  string
	input []string
}

func newOpenAIServer(t *testing.T, reverse bool) (*httptest.Server, *[]openAICall) {
	t.Helper()
	var (
		mu    sync.Mutex
		calls []openAICall
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/embeddings", r.URL.Path)
		var req openAIRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		mu.Lock()
		calls = append(calls, openAICall{auth: r.Header.Get("Authorization"), input: req.Input})
		mu.Unlock()

		type item struct {
			Index     int       `json:"index"`
			Embedding []float64 `json:"embedding"`
		}
		data := make([]item, 0, len(req.Input))
		for i, in := range req.Input {
			data = append(data, item{Index: i, Embedding: vectorFor(in)})
		}
		if reverse {
			for i, j := 0, len(data)-1; i < j; i, j = i+1, j-1 {
				data[i], data[j] = data[j], data[i]
			}
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"data": data})
	}))
	t.Cleanup(srv.Close)
	return srv, &calls
}

func TestOpenAIEmbedder_BatchesAndReorders(t *testing.T) {
	srv, calls := newOpenAIServer(t, true)
	e, err := NewOpenAIEmbedder(ProviderSiliconFlow, config.ProviderConfig{
		BaseURL: srv.URL + "/v1", APIKey: "sk-test", Model: "BAAI/bge-m3", Dimension: 3, BatchSize: 2,
	})
	require.NoError(t, err)

	texts := []string{"a", "bb", "ccc", "dddd", "eeeee"}
	vecs, err := e.EmbedTexts(context.Background(), texts)

	require.NoError(t, err)
	require.Len(t, vecs, 5)
	for i, txt := range texts {
		assert.Equal(t, float32(len(txt)), vecs[i][0], "text %d", i)
	}
	require.Len(t, *calls, 3)
	assert.Equal(t, []string{"a", "bb"}, (*calls)[0].input)
	assert.Equal(t, []string{"eeeee"}, (*calls)[2].input)
	assert.Equal(t, "Bearer sk-test", (*calls)[0].auth)
	assert.Equal(t, "siliconflow", e.Name())
}

func TestOpenAIEmbedder_ProviderError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":{"message":"input too long","type":"invalid_request_error"}}`))
	}))
	t.Cleanup(srv.Close)
	e, err := NewOpenAIEmbedder(ProviderOpenAI, config.ProviderConfig{BaseURL: srv.URL, APIKey: "k", Model: "text-embedding-ada-002"})
	require.NoError(t, err)

	_, err = e.EmbedQuery(context.Background(), strings.Repeat("x", 10))

	assert.ErrorIs(t, err, core.ErrEmbedding)
	assert.ErrorContains(t, err, "input too long")
	assert.Equal(t, 1536, e.Dimension())
}

func TestOpenAIEmbedder_ShortResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"data":[{"index":0,"embedding":[1,2,3]}]}`))
	}))
	t.Cleanup(srv.Close)
	e, err := NewOpenAIEmbedder(ProviderOpenAI, config.ProviderConfig{BaseURL: srv.URL, APIKey: "k", Model: "m", Dimension: 3})
	require.NoError(t, err)

	_, err = e.EmbedTexts(context.Background(), []string{"one", "two"})

	assert.ErrorIs(t, err, core.ErrEmbedding)
}

func TestNewProviders_Validation(t *testing.T) {
	_, err := NewOpenAIEmbedder(ProviderOpenAI, config.ProviderConfig{BaseURL: "http://x", Model: "m"})
	assert.ErrorIs(t, err, core.ErrInvalidInput)

	_, err = NewOpenAIEmbedder(ProviderOpenAI, config.ProviderConfig{BaseURL: "http://x", APIKey: "k", Model: "unknown-model"})
	assert.ErrorIs(t, err, core.ErrInvalidInput)

	_, err = NewOllamaEmbedder(config.ProviderConfig{})
	assert.ErrorIs(t, err, core.ErrInvalidInput)

	t.Setenv("GEMINI_API_KEY", "")
	_, err = NewGeminiEmbedder(context.Background(), config.ProviderConfig{})
	assert.ErrorIs(t, err, core.ErrInvalidInput)
}

type fakeProvider struct{ name string }

func (f *fakeProvider) EmbedTexts(context.Context, []string) ([][]float32, error) {
	return nil, nil
}

func (f *fakeProvider) EmbedQuery(context.Context, string) ([]float32, error) {
	return nil, nil
}

func (f *fakeProvider) Dimension() int    { return 4 }
func (f *fakeProvider) Name() string      { return f.name }
func (f *fakeProvider) ModelName() string { return "fake" }

func TestRegistry_ConstructsOncePerName(t *testing.T) {
	var builds int32
	reg := NewRegistryWithFactories(map[string]Factory{
		"fake": func(context.Context) (core.EmbeddingProvider, error) {
			atomic.AddInt32(&builds, 1)
			time.Sleep(10 * time.Millisecond)
			return &fakeProvider{name: "fake"}, nil
		},
	}, nil)

	var wg sync.WaitGroup
	got := make([]core.EmbeddingProvider, 32)
	for i := range got {
		wg.Add(1)
		go func() {
			defer wg.Done()
			p, err := reg.Get(context.Background(), "fake")
			assert.NoError(t, err)
			got[i] = p
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), atomic.LoadInt32(&builds))
	for _, p := range got {
		assert.Same(t, got[0], p)
	}
}

func TestRegistry_UnknownAndRetryAfterFailure(t *testing.T) {
	attempts := 0
	reg := NewRegistryWithFactories(map[string]Factory{
		"flaky": func(context.Context) (core.EmbeddingProvider, error) {
			attempts++
			if attempts == 1 {
				return nil, core.ErrInvalidInput
			}
			return &fakeProvider{name: "flaky"}, nil
		},
	}, nil)

	_, err := reg.Get(context.Background(), "nope")
	assert.ErrorIs(t, err, core.ErrUnknownProvider)

	_, err = reg.Get(context.Background(), "flaky")
	assert.ErrorIs(t, err, core.ErrInvalidInput)

	p, err := reg.Get(context.Background(), "flaky")
	require.NoError(t, err)
	assert.Equal(t, "flaky", p.Name())
	assert.Equal(t, []string{"flaky"}, reg.Names())
}

func TestNewRegistry_BuiltIns(t *testing.T) {
	cfg := &config.Config{Providers: map[string]config.ProviderConfig{
		"ollama":      {BaseURL: "http://localhost:11434", Model: "bge-m3"},
		"openai":      {},
		"siliconflow": {},
		"gemini":      {},
	}}
	reg := NewRegistry(cfg, nil)

	assert.Equal(t, []string{"gemini", "ollama", "openai", "siliconflow"}, reg.Names())

	p, err := reg.Get(context.Background(), "ollama")
	require.NoError(t, err)
	assert.Equal(t, 1024, p.Dimension())

	_, err = reg.Get(context.Background(), "openai")
	assert.ErrorIs(t, err, core.ErrInvalidInput)
}
