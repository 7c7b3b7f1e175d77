package llm

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/markdave123-py/ragvault/internal/config"
	"github.com/markdave123-py/ragvault/internal/core"
)

const ProviderOllama = "ollama"

// OllamaEmbedder calls a locally served model. The embeddings endpoint takes
// one prompt per request, so batches are fanned out with bounded concurrency.
type OllamaEmbedder struct {
	client      *http.Client
	baseURL     string
	model       string
	dim         int
	concurrency int
}

type ollamaRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
}

type ollamaResponse struct {
	Embedding []float64 `json:"embedding"`
	Error     string    `json:"error,omitempty"`
}

func NewOllamaEmbedder(cfg config.ProviderConfig) (*OllamaEmbedder, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("%w: ollama base url not set", core.ErrInvalidInput)
	}
	if cfg.Model == "" {
		cfg.Model = "bge-m3"
	}
	dim, err := resolveDimension(cfg.Model, cfg.Dimension)
	if err != nil {
		return nil, err
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
	}
	return &OllamaEmbedder{
		client:      &http.Client{Timeout: cfg.Timeout},
		baseURL:     trimSlash(cfg.BaseURL),
		model:       cfg.Model,
		dim:         dim,
		concurrency: cfg.Concurrency,
	}, nil
}

func (o *OllamaEmbedder) Name() string      { return ProviderOllama }
func (o *OllamaEmbedder) ModelName() string { return o.model }
func (o *OllamaEmbedder) Dimension() int    { return o.dim }

func (o *OllamaEmbedder) EmbedTexts(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	out := make([][]float32, len(texts))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(o.concurrency)
	for i, t := range texts {
		g.Go(func() error {
			v, err := o.embedOne(gctx, t)
			if err != nil {
				return fmt.Errorf("text %d: %w", i, err)
			}
			out[i] = v
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	if err := checkVectors(ProviderOllama, len(texts), o.dim, out); err != nil {
		return nil, err
	}
	return out, nil
}

func (o *OllamaEmbedder) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	v, err := o.embedOne(ctx, text)
	if err != nil {
		return nil, err
	}
	if err := checkVectors(ProviderOllama, 1, o.dim, [][]float32{v}); err != nil {
		return nil, err
	}
	return v, nil
}

func (o *OllamaEmbedder) embedOne(ctx context.Context, text string) ([]float32, error) {
	var resp ollamaResponse
	if err := postJSON(ctx, o.client, o.baseURL+"/api/embeddings", "", ollamaRequest{Model: o.model, Prompt: text}, &resp); err != nil {
		return nil, err
	}
	if resp.Error != "" {
		return nil, fmt.Errorf("%w: ollama: %s", core.ErrEmbedding, resp.Error)
	}
	if len(resp.Embedding) == 0 {
		return nil, fmt.Errorf("%w: ollama returned an empty embedding", core.ErrEmbedding)
	}
	return toFloat32(resp.Embedding), nil
}

var _ core.EmbeddingProvider = (*OllamaEmbedder)(nil)
