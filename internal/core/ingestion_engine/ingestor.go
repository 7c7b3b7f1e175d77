package ingestion_engine

import "context"

// Ingestor schedules files for background ingestion.
type Ingestor interface {
	Start(ctx context.Context, numWorkers int)
	// Enqueue schedules a freshly uploaded file. It fails with
	// core.ErrAlreadyQueued while the file is pending or running.
	Enqueue(ctx context.Context, fileID string) error
	// Reprocess clears a terminal file's chunks and schedules it again.
	Reprocess(ctx context.Context, fileID string) error
	ProcessOne(ctx context.Context, fileID string) error
	Wait()
	Close()
}

var _ Ingestor = (*DocumentIngestor)(nil)
