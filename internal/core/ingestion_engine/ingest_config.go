package ingestion_engine

import "time"

// IngestConfig tunes the background pipeline.
//
// BatchSize:    chunks per EmbedTexts call.
// EmbedTimeout: bound on each EmbedTexts call, retries included.
// Retries:      attempts for blob reads and embedding calls.
// RetryBase:    first backoff delay; doubled per attempt.
// QueueSize:    capacity of the pending task channel.
type IngestConfig struct {
	BatchSize    int
	EmbedTimeout time.Duration
	Retries      int
	RetryBase    time.Duration
	QueueSize    int
}

func (c IngestConfig) withDefaults() IngestConfig {
	if c.BatchSize <= 0 {
		c.BatchSize = 32
	}
	if c.EmbedTimeout <= 0 {
		c.EmbedTimeout = 60 * time.Second
	}
	if c.Retries <= 0 {
		c.Retries = 3
	}
	if c.RetryBase <= 0 {
		c.RetryBase = 200 * time.Millisecond
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 64
	}
	return c
}
