package core

import "context"

// EmbeddingProvider turns text into fixed-dimension vectors.
// Implementations do their own request batching and are safe for concurrent use.
type EmbeddingProvider interface {
	// EmbedTexts returns one vector per input, in input order.
	EmbedTexts(ctx context.Context, texts []string) ([][]float32, error)
	// EmbedQuery embeds a single search query.
	EmbedQuery(ctx context.Context, text string) ([]float32, error)
	Dimension() int
	Name() string
	ModelName() string
}

// ProviderResolver hands out embedding providers by name.
type ProviderResolver interface {
	Get(ctx context.Context, name string) (EmbeddingProvider, error)
}
