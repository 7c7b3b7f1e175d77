package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/markdave123-py/ragvault/internal/config"
	"github.com/markdave123-py/ragvault/internal/core"
	db "github.com/markdave123-py/ragvault/internal/core/database"
	"github.com/markdave123-py/ragvault/internal/core/ingestion_engine"
	"github.com/markdave123-py/ragvault/internal/core/llm"
	"github.com/markdave123-py/ragvault/internal/core/memstore"
	objectclient "github.com/markdave123-py/ragvault/internal/core/object-client"
	"github.com/markdave123-py/ragvault/internal/services"
)

const shutdownTimeout = 30 * time.Second

type App struct {
	cfg       *config.Config
	log       *slog.Logger
	DB        core.DbClient
	Vectors   core.VectorStore
	Objects   core.ObjectClient
	Providers *llm.Registry
	Ingestor  *ingestion_engine.DocumentIngestor
	Server    *Server
}

// backends opens the metadata store, vector store and blob store for cfg.StorageBackend.
func backends(ctx context.Context, cfg *config.Config, log *slog.Logger) (core.DbClient, core.VectorStore, core.ObjectClient, error) {
	if cfg.StorageBackend == config.BackendMemory {
		m := memstore.New()
		log.Warn("using in-memory storage; data is lost on exit")
		return m, m, m, nil
	}

	dbClient, err := db.NewDatabaseClient(ctx, cfg)
	if err != nil {
		return nil, nil, nil, err
	}
	log.Info("database initialized and ready")

	objClient, err := objectclient.NewS3Client(ctx, cfg, log)
	if err != nil {
		_ = dbClient.Close()
		return nil, nil, nil, err
	}
	if err := objClient.EnsureBucket(ctx); err != nil {
		_ = dbClient.Close()
		return nil, nil, nil, err
	}
	return dbClient, db.NewVectorStore(dbClient.DB(), log), objClient, nil
}

func NewApp(ctx context.Context, cfg *config.Config, log *slog.Logger) (*App, error) {
	appCtx, cancel := context.WithTimeout(ctx, 5*time.Minute)
	defer cancel()

	dbClient, vectors, objects, err := backends(appCtx, cfg, log)
	if err != nil {
		return nil, err
	}

	registry := llm.NewRegistry(cfg, log)
	parser := ingestion_engine.NewParser(log, cfg.UseReadability)
	splitter := ingestion_engine.NewTextSplitter(cfg.ChunkSize, cfg.ChunkOverlap)

	var tokens ingestion_engine.TokenCounter = ingestion_engine.ApproxCounter{}
	if cfg.TokenEncoding != "" && cfg.TokenEncoding != "approx" {
		tokens = ingestion_engine.NewTiktokenCounter(cfg.TokenEncoding, log)
	}

	ing := ingestion_engine.NewDocumentIngestor(dbClient, vectors, objects, registry, parser, splitter, tokens,
		ingestion_engine.IngestConfig{
			BatchSize:    cfg.EmbedBatchSize,
			EmbedTimeout: cfg.EmbedTimeout,
			Retries:      cfg.EmbedRetries,
			QueueSize:    cfg.QueueSize,
		}, log)

	search, err := services.NewSearchService(dbClient, vectors, registry, cfg.EmbedTimeout, cfg.QueryCacheSize, log)
	if err != nil {
		_ = dbClient.Close()
		return nil, err
	}

	router := NewRouter(Deps{
		Collections: services.NewCollectionService(dbClient, vectors, objects, registry, ing, cfg.DefaultProvider, log),
		Files:       services.NewFileService(dbClient, vectors, objects, ing, cfg.MaxFileSize, log),
		Search:      search,
		MaxFileSize: cfg.MaxFileSize,
		CORSOrigins: cfg.CORSOrigins,
	}, log)

	log.Info("application wired", "storage", cfg.StorageBackend, "providers", registry.Names(),
		"default_provider", cfg.DefaultProvider, "chunk_size", splitter.MaxSize(), "chunk_overlap", splitter.Overlap())

	return &App{
		cfg: cfg, log: log,
		DB: dbClient, Vectors: vectors, Objects: objects,
		Providers: registry, Ingestor: ing,
		Server: NewServer(cfg.Port, router, log),
	}, nil
}

// Run starts the workers and the HTTP server and blocks until ctx is done
// or the server fails. Running files are allowed to finish before it returns.
func (a *App) Run(ctx context.Context) error {
	workerCtx, stopWorkers := context.WithCancel(context.WithoutCancel(ctx))
	defer stopWorkers()

	a.Ingestor.Start(workerCtx, a.cfg.IngestWorkers)
	if err := a.Ingestor.Recover(ctx); err != nil {
		a.log.Warn("ingestion recovery incomplete", "error", err)
	}

	errCh := make(chan error, 1)
	go func() { errCh <- a.Server.Start() }()

	var serveErr error
	select {
	case <-ctx.Done():
	case serveErr = <-errCh:
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	err := a.Server.Shutdown(shutdownCtx)

	done := make(chan struct{})
	go func() {
		a.Ingestor.Close()
		close(done)
	}()
	select {
	case <-done:
	case <-shutdownCtx.Done():
		a.log.Warn("ingestion workers did not stop in time; aborting running files")
		stopWorkers()
		<-done
	}
	return errors.Join(serveErr, err)
}

func (a *App) Close() {
	if a.DB != nil {
		if err := a.DB.Close(); err != nil {
			a.log.Warn("closing database", "error", err)
		}
	}
}

// Bootstrap applies the schema and creates the bucket without serving.
func Bootstrap(ctx context.Context, cfg *config.Config, log *slog.Logger) error {
	if cfg.StorageBackend == config.BackendMemory {
		return fmt.Errorf("bootstrap needs STORAGE_BACKEND=%s", config.BackendPostgres)
	}
	dbClient, _, _, err := backends(ctx, cfg, log)
	if err != nil {
		return err
	}
	log.Info("schema and bucket ready", "bucket", cfg.BucketName)
	return dbClient.Close()
}
