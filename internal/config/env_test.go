package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfig_Defaults(t *testing.T) {
	t.Setenv("STORAGE_BACKEND", "memory")

	cfg, err := LoadConfig()

	require.NoError(t, err)
	assert.Equal(t, BackendMemory, cfg.StorageBackend)
	assert.Equal(t, 1000, cfg.ChunkSize)
	assert.Equal(t, 200, cfg.ChunkOverlap)
	assert.Equal(t, "ollama", cfg.DefaultProvider)
	assert.Equal(t, "bge-m3", cfg.Providers["ollama"].Model)
	assert.Equal(t, 1024, cfg.Providers["ollama"].Dimension)
	assert.Equal(t, "BAAI/bge-m3", cfg.Providers["siliconflow"].Model)
	assert.Equal(t, int64(100<<20), cfg.MaxFileSize)
	assert.Equal(t, 60*time.Second, cfg.EmbedTimeout)
	assert.Equal(t, "cl100k_base", cfg.TokenEncoding)
}

func TestLoadConfig_PostgresNeedsURL(t *testing.T) {
	t.Setenv("STORAGE_BACKEND", "postgres")
	t.Setenv("DATABASE_URL", "")

	_, err := LoadConfig()

	assert.ErrorContains(t, err, "DATABASE_URL")
}

func TestLoadConfig_MalformedValuesFallBack(t *testing.T) {
	t.Setenv("STORAGE_BACKEND", "memory")
	t.Setenv("CHUNK_SIZE", "big")
	t.Setenv("EMBED_TIMEOUT", "15")
	t.Setenv("S3_USE_PATH_STYLE", "nope")

	cfg, err := LoadConfig()

	require.NoError(t, err)
	assert.Equal(t, 1000, cfg.ChunkSize)
	assert.Equal(t, 15*time.Second, cfg.EmbedTimeout)
	assert.True(t, cfg.S3UsePathStyle)
}

func TestValidate_Overlap(t *testing.T) {
	t.Setenv("STORAGE_BACKEND", "memory")
	t.Setenv("CHUNK_SIZE", "100")
	t.Setenv("CHUNK_OVERLAP", "100")

	_, err := LoadConfig()

	assert.ErrorContains(t, err, "CHUNK_OVERLAP")
}

func TestLoadConfig_ProvidersFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "providers.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
default: siliconflow
providers:
  siliconflow:
    api_key: ${SF_TEST_KEY}
    dimension: 1024
    timeout: 30s
    requests_per_second: 5
`), 0o600))
	t.Setenv("STORAGE_BACKEND", "memory")
	t.Setenv("EMBEDDING_PROVIDERS_FILE", path)
	t.Setenv("SF_TEST_KEY", "sk-test")

	cfg, err := LoadConfig()

	require.NoError(t, err)
	sf := cfg.Providers["siliconflow"]
	assert.Equal(t, "siliconflow", cfg.DefaultProvider)
	assert.Equal(t, "sk-test", sf.APIKey)
	assert.Equal(t, 1024, sf.Dimension)
	assert.Equal(t, 30*time.Second, sf.Timeout)
	assert.Equal(t, 5.0, sf.RequestsPerSecond)
	assert.Equal(t, "BAAI/bge-m3", sf.Model)
}

func TestLoadConfig_ProvidersFileUnknownProvider(t *testing.T) {
	path := filepath.Join(t.TempDir(), "providers.yaml")
	require.NoError(t, os.WriteFile(path, []byte("providers:\n  cohere:\n    model: x\n"), 0o600))
	t.Setenv("STORAGE_BACKEND", "memory")
	t.Setenv("EMBEDDING_PROVIDERS_FILE", path)

	_, err := LoadConfig()

	assert.ErrorContains(t, err, `unknown provider "cohere"`)
}
