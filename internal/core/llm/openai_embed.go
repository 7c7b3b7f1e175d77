package llm

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"golang.org/x/time/rate"

	"github.com/markdave123-py/ragvault/internal/config"
	"github.com/markdave123-py/ragvault/internal/core"
)

const (
	ProviderOpenAI      = "openai"
	ProviderSiliconFlow = "siliconflow"

	defaultOpenAIBatch = 64
)

// OpenAIEmbedder talks to any OpenAI compatible /embeddings endpoint.
// It backs both the openai and siliconflow providers.
type OpenAIEmbedder struct {
	name      string
	client    *http.Client
	baseURL   string
	apiKey    string
	model     string
	dim       int
	batchSize int
	limiter   *rate.Limiter
}

type openAIRequest struct {
	Model          string   `json:"model"`
	Input          []string `json:"input"`
	EncodingFormat string   `json:"encoding_format,omitempty"`
}

type openAIResponse struct {
	Data []struct {
		Index     int       `json:"index"`
		Embedding []float64 `json:"embedding"`
	} `json:"data"`
	Error *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error,omitempty"`
}

func NewOpenAIEmbedder(name string, cfg config.ProviderConfig) (*OpenAIEmbedder, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("%w: %s api key not set", core.ErrInvalidInput, name)
	}
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("%w: %s base url not set", core.ErrInvalidInput, name)
	}
	if cfg.Model == "" {
		return nil, fmt.Errorf("%w: %s model not set", core.ErrInvalidInput, name)
	}
	dim, err := resolveDimension(cfg.Model, cfg.Dimension)
	if err != nil {
		return nil, err
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = defaultOpenAIBatch
	}

	limit := rate.Inf
	if cfg.RequestsPerSecond > 0 {
		limit = rate.Limit(cfg.RequestsPerSecond)
	}

	return &OpenAIEmbedder{
		name:      name,
		client:    &http.Client{Timeout: cfg.Timeout},
		baseURL:   trimSlash(cfg.BaseURL),
		apiKey:    cfg.APIKey,
		model:     cfg.Model,
		dim:       dim,
		batchSize: cfg.BatchSize,
		limiter:   rate.NewLimiter(limit, 1),
	}, nil
}

func (e *OpenAIEmbedder) Name() string      { return e.name }
func (e *OpenAIEmbedder) ModelName() string { return e.model }
func (e *OpenAIEmbedder) Dimension() int    { return e.dim }

// EmbedTexts sends texts in groups of at most batchSize inputs.
func (e *OpenAIEmbedder) EmbedTexts(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	out := make([][]float32, 0, len(texts))
	for start := 0; start < len(texts); start += e.batchSize {
		end := min(start+e.batchSize, len(texts))
		vecs, err := e.embedBatch(ctx, texts[start:end])
		if err != nil {
			return nil, fmt.Errorf("batch %d-%d: %w", start, end, err)
		}
		out = append(out, vecs...)
	}
	return out, nil
}

func (e *OpenAIEmbedder) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	vecs, err := e.embedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}

func (e *OpenAIEmbedder) embedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if err := e.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("%w: rate limiter: %w", core.ErrEmbedding, err)
	}

	var resp openAIResponse
	req := openAIRequest{Model: e.model, Input: texts, EncodingFormat: "float"}
	if err := postJSON(ctx, e.client, e.baseURL+"/embeddings", e.apiKey, req, &resp); err != nil {
		return nil, err
	}
	if resp.Error != nil {
		return nil, fmt.Errorf("%w: %s: %s", core.ErrEmbedding, e.name, resp.Error.Message)
	}

	// responses may arrive out of order
	vecs := make([][]float32, len(texts))
	for _, d := range resp.Data {
		if d.Index < 0 || d.Index >= len(texts) {
			return nil, fmt.Errorf("%w: %s returned out of range index %d", core.ErrEmbedding, e.name, d.Index)
		}
		vecs[d.Index] = toFloat32(d.Embedding)
	}
	if len(resp.Data) != len(texts) {
		return nil, fmt.Errorf("%w: %s returned %d vectors for %d inputs", core.ErrEmbedding, e.name, len(resp.Data), len(texts))
	}
	if err := checkVectors(e.name, len(texts), e.dim, vecs); err != nil {
		return nil, err
	}
	return vecs, nil
}

var _ core.EmbeddingProvider = (*OpenAIEmbedder)(nil)
