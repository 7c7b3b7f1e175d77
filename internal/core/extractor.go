package core

import (
	"context"
)

// Segment is a run of extracted plain text with its provenance.
// Every segment carries a "source" key.
type Segment struct {
	Text     string
	Metadata map[string]any
}

// DocumentExtractor extracts text segments from one family of binary formats.
type DocumentExtractor interface {
	Extract(ctx context.Context, data []byte, filename string) ([]Segment, error)
}

// DocumentParser dispatches raw bytes to an extractor by content type.
type DocumentParser interface {
	Parse(ctx context.Context, data []byte, contentType, filename string) ([]Segment, error)
}
