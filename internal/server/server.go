package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"golang.org/x/sync/semaphore"

	"github.com/michaelbrown/starbox/internal/executor"
	"github.com/michaelbrown/starbox/internal/grant"
	"github.com/michaelbrown/starbox/internal/storage"
)

// Options configure a Server.
type Options struct {
	// Grants apply to every remotely submitted script. Remote callers can
	// never name host paths themselves.
	Grants []grant.Grant

	// MaxConcurrent bounds scripts executing at once across HTTP and
	// WebSocket callers.
	MaxConcurrent int64
}

// Server is the HTTP server for the starbox web API.
type Server struct {
	exec   *executor.Executor
	store  storage.Store // nil when history is disabled
	opts   Options
	sem    *semaphore.Weighted
	active *ActiveRuns
	router chi.Router
	http   *http.Server
}

// New creates a new Server.
func New(exec *executor.Executor, store storage.Store, opts Options) *Server {
	if opts.MaxConcurrent < 1 {
		opts.MaxConcurrent = 1
	}
	s := &Server{
		exec:   exec,
		store:  store,
		opts:   opts,
		sem:    semaphore.NewWeighted(opts.MaxConcurrent),
		active: NewActiveRuns(),
		router: chi.NewRouter(),
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	r := s.router

	// Global middleware
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)

	r.Route("/api", func(r chi.Router) {
		// WebSocket (no JSON content-type)
		r.Get("/ws", s.handleWebSocket)

		r.Group(func(r chi.Router) {
			r.Use(jsonContentType)

			r.Post("/run", s.handleRun)
			r.Get("/active", s.handleListActive)
			r.Delete("/active/{id}", s.handleCancelActive)

			// History
			r.Get("/runs", s.handleListRuns)
			r.Get("/runs/{id}", s.handleGetRun)
			r.Delete("/runs/{id}", s.handleDeleteRun)
		})
	})
}

// jsonContentType sets Content-Type to application/json for API routes.
func jsonContentType(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		next.ServeHTTP(w, r)
	})
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler { return s.router }

// Start begins listening on the given port.
func (s *Server) Start(port int) error {
	addr := fmt.Sprintf(":%d", port)
	s.http = &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	slog.Info("starbox server starting", "url", "http://localhost"+addr, "runtime", s.exec.Backend(), "grants", len(s.opts.Grants))
	return s.http.ListenAndServe()
}

// Shutdown cancels running scripts and gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	slog.Info("shutting down server")
	s.active.CancelAll()

	if s.http == nil {
		return nil
	}
	shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	return s.http.Shutdown(shutdownCtx)
}
