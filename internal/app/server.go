package app

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/markdave123-py/ragvault/internal/api/handlers"
	"github.com/markdave123-py/ragvault/internal/services"
)

// Server wraps the HTTP server instance and its handlers.
type Server struct {
	httpServer *http.Server
	log        *slog.Logger
}

// Deps are the services the routes are served from.
type Deps struct {
	Collections *services.CollectionService
	Files       *services.FileService
	Search      *services.SearchService
	MaxFileSize int64
	CORSOrigins []string
}

// NewRouter wires all routes.
func NewRouter(d Deps, log *slog.Logger) http.Handler {
	colHandler := handlers.NewCollectionHandler(d.Collections, log)
	fileHandler := handlers.NewFileHandler(d.Files, d.MaxFileSize, log)
	searchHandler := handlers.NewSearchHandler(d.Search, log)

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(5 * time.Minute))

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   d.CORSOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	r.Route("/api", func(api chi.Router) {
		api.Route("/collections", func(c chi.Router) {
			c.Post("/", colHandler.Create)
			c.Get("/", colHandler.List)
			c.Route("/{id}", func(one chi.Router) {
				one.Get("/", colHandler.Get)
				one.Put("/", colHandler.Update)
				one.Delete("/", colHandler.Delete)
				one.Post("/files", fileHandler.Upload)
				one.Get("/files", fileHandler.List)
				one.Post("/search", searchHandler.Search)
				one.Get("/stats", searchHandler.Stats)
				one.Post("/reindex", colHandler.Reindex)
			})
		})
		api.Route("/files/{id}", func(f chi.Router) {
			f.Get("/", fileHandler.Get)
			f.Delete("/", fileHandler.Delete)
			f.Post("/reprocess", fileHandler.Reprocess)
		})
	})
	return r
}

func NewServer(port string, handler http.Handler, log *slog.Logger) *Server {
	return &Server{
		httpServer: &http.Server{
			Addr:              ":" + port,
			Handler:           handler,
			ReadHeaderTimeout: 10 * time.Second,
		},
		log: log,
	}
}

// Start blocks until the server stops. A graceful shutdown returns nil.
func (s *Server) Start() error {
	s.log.Info("HTTP server listening", "addr", s.httpServer.Addr)
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.log.Info("shutting down HTTP server")
	return s.httpServer.Shutdown(ctx)
}
