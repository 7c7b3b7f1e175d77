package core

import (
	"context"
	"errors"
)

// Ingestion and retrieval failures.
var (
	ErrUnsupportedFormat  = errors.New("unsupported format")
	ErrParse              = errors.New("parse error")
	ErrEmptyContent       = errors.New("empty content")
	ErrEmbedding          = errors.New("embedding error")
	ErrDimensionMismatch  = errors.New("dimension mismatch")
	ErrInsert             = errors.New("insert error")
	ErrIndexAlreadyExists = errors.New("index already exists")
	ErrStorage            = errors.New("storage error")
)

// Service level failures.
var (
	ErrNotFound          = errors.New("not found")
	ErrInvalidInput      = errors.New("invalid input")
	ErrUnknownProvider   = errors.New("unknown embedding provider")
	ErrAlreadyQueued     = errors.New("file is already being processed")
	ErrQueueClosed       = errors.New("ingestion queue closed")
	ErrInvalidTransition = errors.New("invalid status transition")
)

// IsRetryable reports whether err is a transport class fault worth retrying.
// Configuration faults and cancellation are never retryable.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrDimensionMismatch) || errors.Is(err, context.Canceled) {
		return false
	}
	return errors.Is(err, ErrEmbedding) || errors.Is(err, ErrStorage)
}
