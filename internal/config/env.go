package config

import (
	"errors"
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const (
	BackendPostgres = "postgres"
	BackendMemory   = "memory"
)

// ProviderConfig configures one embedding backend.
type ProviderConfig struct {
	BaseURL           string        `yaml:"base_url"`
	APIKey            string        `yaml:"api_key"`
	Model             string        `yaml:"model"`
	Dimension         int           `yaml:"dimension"`
	Timeout           time.Duration `yaml:"timeout"`
	BatchSize         int           `yaml:"batch_size"`
	Concurrency       int           `yaml:"concurrency"`
	RequestsPerSecond float64       `yaml:"requests_per_second"`
}

type Config struct {
	StorageBackend string
	DatabaseURL    string
	SslCertPath    string

	S3Endpoint     string
	S3UsePathStyle bool
	AwsAccessKey   string
	AwsSecretKey   string
	AwsRegion      string
	BucketName     string

	DefaultProvider string
	Providers       map[string]ProviderConfig
	ProvidersFile   string

	ChunkSize      int
	ChunkOverlap   int
	EmbedBatchSize int
	EmbedTimeout   time.Duration
	EmbedRetries   int
	IngestWorkers  int
	QueueSize      int
	QueryCacheSize int
	MaxFileSize    int64
	UseReadability bool

	// TokenEncoding names the tiktoken encoding for token_count metadata;
	// "approx" skips tiktoken and estimates.
	TokenEncoding string

	Port        string
	CORSOrigins []string
	LogLevel    string
}

// LoadConfig reads .env (if present) and the process environment.
func LoadConfig() (*Config, error) {
	_ = godotenv.Load()

	embedTimeout := getEnvDuration("EMBED_TIMEOUT", 60*time.Second)

	cfg := &Config{
		StorageBackend: strings.ToLower(getEnv("STORAGE_BACKEND", BackendPostgres)),
		DatabaseURL:    getEnv("DATABASE_URL", ""),
		SslCertPath:    getEnv("SSL_CERT_PATH", ""),

		S3Endpoint:     getEnv("S3_ENDPOINT", ""),
		S3UsePathStyle: getEnvBool("S3_USE_PATH_STYLE", true),
		AwsAccessKey:   getEnv("AWS_ACCESS_KEY", ""),
		AwsSecretKey:   getEnv("AWS_SECRET_KEY", ""),
		AwsRegion:      getEnv("AWS_REGION", "us-east-1"),
		BucketName:     getEnv("BUCKET_NAME", "ragvault-documents"),

		DefaultProvider: getEnv("DEFAULT_EMBEDDING_PROVIDER", "ollama"),
		ProvidersFile:   getEnv("EMBEDDING_PROVIDERS_FILE", ""),
		Providers: map[string]ProviderConfig{
			"ollama": {
				BaseURL:     getEnv("OLLAMA_BASE_URL", "http://localhost:11434"),
				Model:       getEnv("OLLAMA_MODEL", "bge-m3"),
				Dimension:   getEnvInt("OLLAMA_DIMENSION", 1024),
				Timeout:     embedTimeout,
				Concurrency: getEnvInt("OLLAMA_CONCURRENCY", 4),
			},
			"openai": {
				BaseURL:   getEnv("OPENAI_BASE_URL", "https://api.openai.com/v1"),
				APIKey:    getEnv("OPENAI_API_KEY", ""),
				Model:     getEnv("OPENAI_MODEL", "text-embedding-ada-002"),
				Dimension: getEnvInt("OPENAI_DIMENSION", 0),
				Timeout:   embedTimeout,
				BatchSize: getEnvInt("OPENAI_BATCH_SIZE", 64),
			},
			"siliconflow": {
				BaseURL:   getEnv("SILICONFLOW_BASE_URL", "https://api.siliconflow.cn/v1"),
				APIKey:    getEnv("SILICONFLOW_API_KEY", ""),
				Model:     getEnv("SILICONFLOW_MODEL", "BAAI/bge-m3"),
				Dimension: getEnvInt("SILICONFLOW_DIMENSION", 0),
				Timeout:   embedTimeout,
				BatchSize: getEnvInt("SILICONFLOW_BATCH_SIZE", 32),
			},
			"gemini": {
				APIKey:    getEnv("GEMINI_API_KEY", ""),
				Model:     getEnv("GEMINI_MODEL", "text-embedding-004"),
				Dimension: getEnvInt("GEMINI_DIMENSION", 0),
				Timeout:   embedTimeout,
				BatchSize: getEnvInt("GEMINI_BATCH_SIZE", 100),
			},
		},

		ChunkSize:      getEnvInt("CHUNK_SIZE", 1000),
		ChunkOverlap:   getEnvInt("CHUNK_OVERLAP", 200),
		EmbedBatchSize: getEnvInt("EMBED_BATCH_SIZE", 32),
		EmbedTimeout:   embedTimeout,
		EmbedRetries:   getEnvInt("EMBED_RETRIES", 3),
		IngestWorkers:  getEnvInt("INGEST_WORKERS", 4),
		QueueSize:      getEnvInt("INGEST_QUEUE_SIZE", 64),
		QueryCacheSize: getEnvInt("QUERY_CACHE_SIZE", 512),
		MaxFileSize:    int64(getEnvInt("MAX_FILE_SIZE", 100<<20)),
		UseReadability: getEnvBool("HTML_READABILITY", false),
		TokenEncoding:  getEnv("TOKEN_ENCODING", "cl100k_base"),

		Port:        getEnv("PORT", "8080"),
		CORSOrigins: splitList(getEnv("CORS_ORIGINS", "http://localhost:5173")),
		LogLevel:    getEnv("LOG_LEVEL", "info"),
	}

	if cfg.ProvidersFile != "" {
		if err := cfg.applyProvidersFile(cfg.ProvidersFile); err != nil {
			return nil, err
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks settings that would otherwise fail deep inside a request.
func (c *Config) Validate() error {
	var errs []error
	switch c.StorageBackend {
	case BackendPostgres:
		if c.DatabaseURL == "" {
			errs = append(errs, errors.New("DATABASE_URL not set"))
		}
	case BackendMemory:
	default:
		errs = append(errs, fmt.Errorf("STORAGE_BACKEND %q must be %q or %q", c.StorageBackend, BackendPostgres, BackendMemory))
	}
	if c.ChunkSize <= 0 {
		errs = append(errs, errors.New("CHUNK_SIZE must be positive"))
	}
	if c.ChunkOverlap < 0 || c.ChunkOverlap >= c.ChunkSize {
		errs = append(errs, fmt.Errorf("CHUNK_OVERLAP %d must be in [0, CHUNK_SIZE)", c.ChunkOverlap))
	}
	if c.IngestWorkers < 1 {
		errs = append(errs, errors.New("INGEST_WORKERS must be at least 1"))
	}
	if c.EmbedBatchSize < 1 {
		errs = append(errs, errors.New("EMBED_BATCH_SIZE must be at least 1"))
	}
	if c.MaxFileSize <= 0 {
		errs = append(errs, errors.New("MAX_FILE_SIZE must be positive"))
	}
	if _, ok := c.Providers[c.DefaultProvider]; !ok {
		errs = append(errs, fmt.Errorf("DEFAULT_EMBEDDING_PROVIDER %q is not configured", c.DefaultProvider))
	}
	return errors.Join(errs...)
}

// Helper to read environment variables with a default fallback
func getEnv(key, fallback string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return fallback
}

func getEnvInt(key string, def int) int {
	v := getEnv(key, "")
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		log.Printf("WARN: %s=%q not an int, using default %d", key, v, def)
		return def
	}
	return n
}

func getEnvBool(key string, def bool) bool {
	v := getEnv(key, "")
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		log.Printf("WARN: %s=%q not a bool, using default %t", key, v, def)
		return def
	}
	return b
}

func getEnvDuration(key string, def time.Duration) time.Duration {
	v := getEnv(key, "")
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		// bare integers are seconds
		if n, nerr := strconv.Atoi(v); nerr == nil {
			return time.Duration(n) * time.Second
		}
		log.Printf("WARN: %s=%q not a duration, using default %s", key, v, def)
		return def
	}
	return d
}

func splitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
