package llm

import (
	"context"
	"fmt"
	"os"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/option"

	"github.com/markdave123-py/ragvault/internal/config"
	"github.com/markdave123-py/ragvault/internal/core"
)

const (
	ProviderGemini = "gemini"

	// BatchEmbedContents accepts at most 100 requests.
	geminiMaxBatch = 100
)

type GeminiEmbedder struct {
	client    *genai.Client
	modelName string
	dim       int
	batchSize int
}

func NewGeminiEmbedder(ctx context.Context, cfg config.ProviderConfig) (*GeminiEmbedder, error) {
	apiKey := cfg.APIKey
	if apiKey == "" {
		apiKey = os.Getenv("GEMINI_API_KEY")
	}
	if apiKey == "" {
		return nil, fmt.Errorf("%w: gemini api key not set", core.ErrInvalidInput)
	}
	modelName := cfg.Model
	if modelName == "" {
		modelName = "text-embedding-004"
	}
	dim, err := resolveDimension(modelName, cfg.Dimension)
	if err != nil {
		return nil, err
	}
	batch := cfg.BatchSize
	if batch <= 0 || batch > geminiMaxBatch {
		batch = geminiMaxBatch
	}

	opts := []option.ClientOption{option.WithAPIKey(apiKey)}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithEndpoint(cfg.BaseURL))
	}
	cl, err := genai.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("%w: gemini client: %w", core.ErrEmbedding, err)
	}
	return &GeminiEmbedder{client: cl, modelName: modelName, dim: dim, batchSize: batch}, nil
}

func (g *GeminiEmbedder) Name() string      { return ProviderGemini }
func (g *GeminiEmbedder) ModelName() string { return g.modelName }
func (g *GeminiEmbedder) Dimension() int    { return g.dim }

// EmbedTexts batches texts through BatchEmbedContents.
func (g *GeminiEmbedder) EmbedTexts(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	em := g.client.EmbeddingModel(g.modelName)
	em.TaskType = genai.TaskTypeRetrievalDocument

	out := make([][]float32, 0, len(texts))
	for start := 0; start < len(texts); start += g.batchSize {
		end := min(start+g.batchSize, len(texts))

		batch := em.NewBatch()
		for _, t := range texts[start:end] {
			batch.AddContent(genai.Text(t))
		}

		resp, err := em.BatchEmbedContents(ctx, batch)
		if err != nil {
			return nil, fmt.Errorf("%w: gemini batch embed: %w", core.ErrEmbedding, err)
		}
		for _, e := range resp.Embeddings {
			out = append(out, e.Values)
		}
	}
	if err := checkVectors(ProviderGemini, len(texts), g.dim, out); err != nil {
		return nil, err
	}
	return out, nil
}

func (g *GeminiEmbedder) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	em := g.client.EmbeddingModel(g.modelName)
	em.TaskType = genai.TaskTypeRetrievalQuery

	resp, err := em.EmbedContent(ctx, genai.Text(text))
	if err != nil {
		return nil, fmt.Errorf("%w: gemini embed: %w", core.ErrEmbedding, err)
	}
	if resp.Embedding == nil {
		return nil, fmt.Errorf("%w: gemini returned no embedding", core.ErrEmbedding)
	}
	if err := checkVectors(ProviderGemini, 1, g.dim, [][]float32{resp.Embedding.Values}); err != nil {
		return nil, err
	}
	return resp.Embedding.Values, nil
}

var _ core.EmbeddingProvider = (*GeminiEmbedder)(nil)
