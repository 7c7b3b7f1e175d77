package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/markdave123-py/ragvault/internal/core"
)

// modelDimensions maps well known embedding models to their output size.
var modelDimensions = map[string]int{
	"text-embedding-ada-002": 1536,
	"text-embedding-3-small": 1536,
	"text-embedding-3-large": 3072,
	"BAAI/bge-m3":            1024,
	"BAAI/bge-large-zh-v1.5": 1024,
	"BAAI/bge-large-en-v1.5": 1024,
	"bge-m3":                 1024,
	"nomic-embed-text":       768,
	"mxbai-embed-large":      1024,
	"all-minilm":             384,
	"text-embedding-004":     768,
	"embedding-001":          768,
	"gemini-embedding-001":   3072,
}

// resolveDimension prefers an explicit size, then the known model table.
func resolveDimension(model string, configured int) (int, error) {
	if configured > 0 {
		return configured, nil
	}
	if d, ok := modelDimensions[model]; ok {
		return d, nil
	}
	return 0, fmt.Errorf("%w: no dimension configured for model %q", core.ErrInvalidInput, model)
}

// checkVectors verifies count and size of a provider response.
func checkVectors(provider string, want int, dim int, vecs [][]float32) error {
	if len(vecs) != want {
		return fmt.Errorf("%w: %s returned %d vectors for %d inputs", core.ErrEmbedding, provider, len(vecs), want)
	}
	for i, v := range vecs {
		if len(v) != dim {
			return fmt.Errorf("%w: %w: %s vector %d has %d dimensions, want %d",
				core.ErrEmbedding, core.ErrDimensionMismatch, provider, i, len(v), dim)
		}
	}
	return nil
}

// postJSON sends body and decodes a 2xx JSON response into out.
func postJSON(ctx context.Context, client *http.Client, url, apiKey string, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("%w: marshal request: %w", core.ErrEmbedding, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("%w: create request: %w", core.ErrEmbedding, err)
	}
	req.Header.Set("Content-Type", "application/json")
	if apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+apiKey)
	}

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %w", core.ErrEmbedding, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 64<<20))
	if err != nil {
		return fmt.Errorf("%w: read response: %w", core.ErrEmbedding, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("%w: %s returned %d: %s", core.ErrEmbedding, url, resp.StatusCode, snippet(raw))
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("%w: decode response: %w", core.ErrEmbedding, err)
	}
	return nil
}

func snippet(b []byte) string {
	s := strings.TrimSpace(string(b))
	if len(s) > 300 {
		return s[:300] + "..."
	}
	return s
}

func toFloat32(v []float64) []float32 {
	out := make([]float32, len(v))
	for i, f := range v {
		out[i] = float32(f)
	}
	return out
}

func trimSlash(u string) string { return strings.TrimRight(u, "/") }
