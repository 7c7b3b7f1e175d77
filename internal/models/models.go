package models

import (
	"time"
)

// FileStatus tracks a file through ingestion.
type FileStatus string

const (
	FileStatusUploading  FileStatus = "uploading"
	FileStatusProcessing FileStatus = "processing"
	FileStatusCompleted  FileStatus = "completed"
	FileStatusFailed     FileStatus = "failed"
)

// IsTerminal reports whether no automatic transition leaves s.
func (s FileStatus) IsTerminal() bool {
	return s == FileStatusCompleted || s == FileStatusFailed
}

// Valid reports whether s is one of the known statuses.
func (s FileStatus) Valid() bool {
	switch s {
	case FileStatusUploading, FileStatusProcessing, FileStatusCompleted, FileStatusFailed:
		return true
	}
	return false
}

// Collection is a named document set with one embedding configuration and one vector index.
type Collection struct {
	ID                 string    `db:"id" json:"id"`
	Name               string    `db:"name" json:"name"`
	Description        string    `db:"description" json:"description,omitempty"`
	EmbeddingProvider  string    `db:"embedding_provider" json:"embedding_provider"`
	EmbeddingModel     string    `db:"embedding_model" json:"embedding_model"`
	EmbeddingDimension int       `db:"embedding_dimension" json:"embedding_dimension"`
	CreatedAt          time.Time `db:"created_at" json:"created_at"`
	UpdatedAt          time.Time `db:"updated_at" json:"updated_at"`
}

// File is an uploaded document owned by exactly one collection.
type File struct {
	ID             string     `db:"id" json:"id"`
	CollectionID   string     `db:"collection_id" json:"collection_id"`
	FileName       string     `db:"file_name" json:"file_name"`
	ContentType    string     `db:"content_type" json:"content_type"`
	Size           int64      `db:"size" json:"size"`
	StorageLocator string     `db:"storage_locator" json:"-"`
	Status         FileStatus `db:"status" json:"status"`
	Error          string     `db:"error" json:"error,omitempty"`
	CreatedAt      time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt      time.Time  `db:"updated_at" json:"updated_at"`
}

// ChunkRecord is one row of a collection's vector index. Immutable once written.
type ChunkRecord struct {
	ID        string         `db:"id" json:"id"`
	FileID    string         `db:"file_id" json:"file_id"`
	Content   string         `db:"content" json:"content"`
	Metadata  map[string]any `db:"metadata" json:"metadata"`
	Embedding []float32      `db:"embedding" json:"-"`
	CreatedAt time.Time      `db:"created_at" json:"created_at"`
}

// SearchResult is a ranked hit. Score is 1 - cosine distance and is negative
// for vectors pointing away from the query.
type SearchResult struct {
	ID       string         `json:"id"`
	Content  string         `json:"content"`
	Metadata map[string]any `json:"metadata"`
	Score    float64        `json:"score"`
}

// IndexStats aggregates a collection's vector index.
type IndexStats struct {
	TotalChunks   int64      `json:"total_chunks"`
	UniqueFiles   int64      `json:"unique_files"`
	LatestCreated *time.Time `json:"latest_created_at,omitempty"`
}

// CollectionStats is IndexStats plus the collection's identity and embedding config.
type CollectionStats struct {
	CollectionID       string    `json:"collection_id"`
	Name               string    `json:"name"`
	EmbeddingProvider  string    `json:"embedding_provider"`
	EmbeddingModel     string    `json:"embedding_model"`
	EmbeddingDimension int       `json:"embedding_dimension"`
	CreatedAt          time.Time `json:"created_at"`
	UpdatedAt          time.Time `json:"updated_at"`
	IndexStats
}
