package ingestion_engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/markdave123-py/ragvault/internal/core"
	"github.com/markdave123-py/ragvault/internal/models"
)

// task is one scheduled run. Reprocess runs start from a terminal status.
type task struct {
	FileID    string
	Reprocess bool
}

// DocumentIngestor drives files through retrieve → parse → chunk → embed → insert.
//
// db:        collection and file rows, status transitions.
// vectors:   per-collection chunk index.
// obj:       raw file bytes.
// providers: embedding providers by collection provider name.
// jobs:      bounded queue of pending tasks.
// inflight:  files that are queued or running; at most one run per file.
type DocumentIngestor struct {
	db        core.DbClient
	vectors   core.VectorStore
	obj       core.ObjectClient
	providers core.ProviderResolver
	parser    core.DocumentParser
	splitter  *TextSplitter
	tokens    TokenCounter
	cfg       IngestConfig
	log       *slog.Logger

	jobs    chan task
	done    chan struct{}
	workers sync.WaitGroup
	pending sync.WaitGroup

	mu       sync.Mutex
	closed   bool
	inflight map[string]struct{}
	// sendMu is held shared by senders so Close can wait them out before draining.
	sendMu sync.RWMutex
}

func NewDocumentIngestor(
	db core.DbClient,
	vectors core.VectorStore,
	obj core.ObjectClient,
	providers core.ProviderResolver,
	parser core.DocumentParser,
	splitter *TextSplitter,
	tokens TokenCounter,
	cfg IngestConfig,
	log *slog.Logger,
) *DocumentIngestor {
	cfg = cfg.withDefaults()
	if splitter == nil {
		splitter = NewTextSplitter(DefaultChunkSize, DefaultChunkOverlap)
	}
	if tokens == nil {
		tokens = ApproxCounter{}
	}
	if log == nil {
		log = slog.Default()
	}
	return &DocumentIngestor{
		db: db, vectors: vectors, obj: obj, providers: providers,
		parser: parser, splitter: splitter, tokens: tokens, cfg: cfg,
		log:      log.With("component", "ingestor"),
		jobs:     make(chan task, cfg.QueueSize),
		done:     make(chan struct{}),
		inflight: make(map[string]struct{}),
	}
}

// Start launches numWorkers goroutines. Workers stop when ctx is cancelled
// or Close is called; a file being processed at that moment is finished first
// unless ctx cancellation aborts it.
func (i *DocumentIngestor) Start(ctx context.Context, numWorkers int) {
	if numWorkers < 1 {
		numWorkers = 1
	}
	for w := 1; w <= numWorkers; w++ {
		i.workers.Add(1)
		go func(w int) {
			defer i.workers.Done()
			log := i.log.With("worker", w)
			for {
				select {
				case <-ctx.Done():
					log.Debug("worker stopping", "reason", ctx.Err())
					return
				case <-i.done:
					log.Debug("worker stopping", "reason", "closed")
					return
				case t := <-i.jobs:
					i.run(ctx, log, t)
				}
			}
		}(w)
	}
	i.log.Info("ingestion workers started", "workers", numWorkers, "queue_size", cap(i.jobs))
}

func (i *DocumentIngestor) Enqueue(ctx context.Context, fileID string) error {
	return i.schedule(ctx, task{FileID: fileID})
}

// Reprocess deletes the file's chunks before scheduling, so a terminal
// status is only ever left after the old chunks are gone.
func (i *DocumentIngestor) Reprocess(ctx context.Context, fileID string) error {
	if err := i.claim(fileID); err != nil {
		return err
	}
	f, err := i.db.GetFile(ctx, fileID)
	if err == nil && f == nil {
		err = fmt.Errorf("%w: file %s", core.ErrNotFound, fileID)
	}
	if err == nil && !f.Status.IsTerminal() {
		err = fmt.Errorf("%w: file %s is %s", core.ErrInvalidTransition, fileID, f.Status)
	}
	if err == nil {
		err = i.vectors.DeleteByFile(ctx, f.CollectionID, fileID)
	}
	if err != nil {
		i.release(fileID)
		return err
	}
	i.log.Info("file chunks cleared for reprocessing", "file_id", fileID, "collection_id", f.CollectionID)
	return i.send(ctx, task{FileID: fileID, Reprocess: true})
}

// ProcessOne runs a freshly uploaded file synchronously on the caller's goroutine.
func (i *DocumentIngestor) ProcessOne(ctx context.Context, fileID string) error {
	if err := i.claim(fileID); err != nil {
		return err
	}
	defer i.release(fileID)
	return i.process(ctx, task{FileID: fileID})
}

// Wait blocks until every scheduled task has finished.
func (i *DocumentIngestor) Wait() { i.pending.Wait() }

// Close stops accepting work, drops tasks that never started and waits for
// running workers to return.
func (i *DocumentIngestor) Close() {
	i.mu.Lock()
	if i.closed {
		i.mu.Unlock()
		return
	}
	i.closed = true
	close(i.done)
	i.mu.Unlock()

	i.sendMu.Lock()
	i.sendMu.Unlock()

	for {
		select {
		case t := <-i.jobs:
			i.log.Warn("dropping queued file on shutdown", "file_id", t.FileID)
			i.release(t.FileID)
		default:
			i.workers.Wait()
			return
		}
	}
}

// Recover settles files a previous process left behind. Files stuck in
// processing are failed; uploads whose bytes were stored are scheduled again.
func (i *DocumentIngestor) Recover(ctx context.Context) error {
	stuck, err := i.db.ListFilesByStatus(ctx, models.FileStatusProcessing)
	if err != nil {
		return fmt.Errorf("list processing files: %w", err)
	}
	for _, f := range stuck {
		err := i.db.TransitionFileStatus(ctx, f.ID, []models.FileStatus{models.FileStatusProcessing},
			models.FileStatusFailed, "interrupted before completion")
		if err != nil {
			i.log.Warn("could not fail interrupted file", "file_id", f.ID, "collection_id", f.CollectionID, "error", err)
			continue
		}
		i.log.Warn("interrupted file marked failed", "file_id", f.ID, "collection_id", f.CollectionID)
	}

	uploads, err := i.db.ListFilesByStatus(ctx, models.FileStatusUploading)
	if err != nil {
		return fmt.Errorf("list uploading files: %w", err)
	}
	for _, f := range uploads {
		if f.StorageLocator == "" {
			_ = i.db.TransitionFileStatus(ctx, f.ID, []models.FileStatus{models.FileStatusUploading},
				models.FileStatusFailed, "upload did not complete")
			continue
		}
		if err := i.Enqueue(ctx, f.ID); err != nil && !errors.Is(err, core.ErrAlreadyQueued) {
			return fmt.Errorf("requeue %s: %w", f.ID, err)
		}
	}
	if n := len(stuck) + len(uploads); n > 0 {
		i.log.Info("ingestion recovery finished", "failed", len(stuck), "uploads", len(uploads))
	}
	return nil
}

func (i *DocumentIngestor) schedule(ctx context.Context, t task) error {
	if err := i.claim(t.FileID); err != nil {
		return err
	}
	return i.send(ctx, t)
}

// claim reserves fileID and counts it as pending.
func (i *DocumentIngestor) claim(fileID string) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.closed {
		return core.ErrQueueClosed
	}
	if _, busy := i.inflight[fileID]; busy {
		return fmt.Errorf("%w: %s", core.ErrAlreadyQueued, fileID)
	}
	i.inflight[fileID] = struct{}{}
	i.pending.Add(1)
	return nil
}

func (i *DocumentIngestor) release(fileID string) {
	i.mu.Lock()
	delete(i.inflight, fileID)
	i.mu.Unlock()
	i.pending.Done()
}

// send blocks while the queue is full.
func (i *DocumentIngestor) send(ctx context.Context, t task) error {
	i.sendMu.RLock()
	defer i.sendMu.RUnlock()

	select {
	case <-i.done:
		i.release(t.FileID)
		return core.ErrQueueClosed
	default:
	}
	select {
	case i.jobs <- t:
		return nil
	case <-i.done:
		i.release(t.FileID)
		return core.ErrQueueClosed
	case <-ctx.Done():
		i.release(t.FileID)
		return ctx.Err()
	}
}

func (i *DocumentIngestor) run(ctx context.Context, log *slog.Logger, t task) {
	defer i.release(t.FileID)
	start := time.Now()
	if err := i.process(ctx, t); err != nil {
		log.Error("file ingestion failed", "file_id", t.FileID, "error", err, "elapsed", time.Since(start))
		return
	}
	log.Info("file ingested", "file_id", t.FileID, "reprocess", t.Reprocess, "elapsed", time.Since(start))
}

// process owns the status machine for one run. Every pipeline error ends in
// failed; a status that moved underneath the run is left alone.
func (i *DocumentIngestor) process(ctx context.Context, t task) error {
	f, err := i.db.GetFile(ctx, t.FileID)
	if err != nil {
		return err
	}
	if f == nil {
		return fmt.Errorf("%w: file %s", core.ErrNotFound, t.FileID)
	}

	from := []models.FileStatus{models.FileStatusUploading}
	if t.Reprocess {
		from = []models.FileStatus{models.FileStatusCompleted, models.FileStatusFailed}
	}
	if err := i.db.TransitionFileStatus(ctx, f.ID, from, models.FileStatusProcessing, ""); err != nil {
		return fmt.Errorf("start processing: %w", err)
	}

	n, err := i.ingest(ctx, f)
	if err != nil {
		i.fail(ctx, f, err)
		return err
	}
	if err := i.db.TransitionFileStatus(ctx, f.ID, []models.FileStatus{models.FileStatusProcessing}, models.FileStatusCompleted, ""); err != nil {
		return fmt.Errorf("complete: %w", err)
	}
	i.log.Debug("file completed", "file_id", f.ID, "collection_id", f.CollectionID, "chunks", n)
	return nil
}

func (i *DocumentIngestor) fail(ctx context.Context, f *models.File, cause error) {
	ctx = context.WithoutCancel(ctx)
	err := i.db.TransitionFileStatus(ctx, f.ID, []models.FileStatus{models.FileStatusProcessing}, models.FileStatusFailed, cause.Error())
	switch {
	case errors.Is(err, core.ErrNotFound):
		i.log.Info("file deleted during ingestion", "file_id", f.ID, "collection_id", f.CollectionID)
	case err != nil:
		i.log.Error("could not mark file failed", "file_id", f.ID, "collection_id", f.CollectionID, "error", err)
	default:
		i.log.Warn("file marked failed", "file_id", f.ID, "collection_id", f.CollectionID, "reason", cause.Error())
	}
}

// ingest returns the number of chunks inserted. Nothing is written unless
// every chunk embedded successfully.
func (i *DocumentIngestor) ingest(ctx context.Context, f *models.File) (int, error) {
	col, err := i.db.GetCollection(ctx, f.CollectionID)
	if err != nil {
		return 0, err
	}
	if col == nil {
		return 0, fmt.Errorf("%w: collection %s", core.ErrNotFound, f.CollectionID)
	}

	provider, err := i.providers.Get(ctx, col.EmbeddingProvider)
	if err != nil {
		return 0, fmt.Errorf("%w: %w", core.ErrEmbedding, err)
	}
	if provider.Dimension() != col.EmbeddingDimension {
		return 0, fmt.Errorf("%w: provider %s yields %d dimensions, collection index has %d",
			core.ErrDimensionMismatch, provider.Name(), provider.Dimension(), col.EmbeddingDimension)
	}
	if provider.ModelName() != col.EmbeddingModel {
		i.log.Warn("provider model differs from collection model",
			"file_id", f.ID, "collection_id", col.ID, "provider_model", provider.ModelName(), "collection_model", col.EmbeddingModel)
	}

	if f.StorageLocator == "" {
		return 0, fmt.Errorf("%w: file %s has no stored bytes", core.ErrStorage, f.ID)
	}
	var data []byte
	err = core.Retry(ctx, i.cfg.Retries, i.cfg.RetryBase, func(ctx context.Context) error {
		var rerr error
		data, rerr = i.obj.Retrieve(ctx, f.StorageLocator)
		return rerr
	})
	if err != nil {
		return 0, fmt.Errorf("retrieve bytes: %w", err)
	}

	segments, err := i.parser.Parse(ctx, data, f.ContentType, f.FileName)
	if err != nil {
		return 0, err
	}
	chunks := i.splitter.Split(segments)
	if len(chunks) == 0 {
		return 0, fmt.Errorf("%w: %s", core.ErrEmptyContent, f.FileName)
	}

	vectors, err := i.embed(ctx, provider, chunks)
	if err != nil {
		return 0, err
	}

	records := make([]models.ChunkRecord, len(chunks))
	for n, ch := range chunks {
		records[n] = models.ChunkRecord{
			ID:        uuid.NewString(),
			FileID:    f.ID,
			Content:   ch.Text,
			Metadata:  i.chunkMetadata(f, ch),
			Embedding: vectors[n],
		}
	}
	if err := i.vectors.InsertBatch(ctx, col.ID, records); err != nil {
		return 0, err
	}
	return len(records), nil
}

// embed vectorises chunks in BatchSize groups, each call bounded by EmbedTimeout.
func (i *DocumentIngestor) embed(ctx context.Context, provider core.EmbeddingProvider, chunks []Chunk) ([][]float32, error) {
	out := make([][]float32, 0, len(chunks))
	dim := provider.Dimension()

	for start := 0; start < len(chunks); start += i.cfg.BatchSize {
		end := min(start+i.cfg.BatchSize, len(chunks))
		texts := make([]string, 0, end-start)
		for _, ch := range chunks[start:end] {
			texts = append(texts, ch.Text)
		}

		callCtx, cancel := context.WithTimeout(ctx, i.cfg.EmbedTimeout)
		var vecs [][]float32
		err := core.Retry(callCtx, i.cfg.Retries, i.cfg.RetryBase, func(ctx context.Context) error {
			var eerr error
			vecs, eerr = provider.EmbedTexts(ctx, texts)
			return eerr
		})
		cancel()
		if err != nil {
			if errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, core.ErrEmbedding) {
				err = fmt.Errorf("%w: %w", core.ErrEmbedding, err)
			}
			return nil, fmt.Errorf("embed chunks %d-%d: %w", start, end-1, err)
		}
		if len(vecs) != len(texts) {
			return nil, fmt.Errorf("%w: %s returned %d vectors for %d texts", core.ErrEmbedding, provider.Name(), len(vecs), len(texts))
		}
		for n, v := range vecs {
			if len(v) != dim {
				return nil, fmt.Errorf("%w: %w: chunk %d has %d dimensions, want %d",
					core.ErrEmbedding, core.ErrDimensionMismatch, start+n, len(v), dim)
			}
		}
		out = append(out, vecs...)
	}
	return out, nil
}

func (i *DocumentIngestor) chunkMetadata(f *models.File, ch Chunk) map[string]any {
	meta := make(map[string]any, len(ch.Metadata)+5)
	for k, v := range ch.Metadata {
		meta[k] = v
	}
	meta["chunk_index"] = ch.Index
	meta["filename"] = f.FileName
	meta["content_type"] = f.ContentType
	meta["file_id"] = f.ID
	meta["token_count"] = i.tokens.Count(ch.Text)
	return meta
}
