package api

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/eargollo/surveyor/internal/api/handlers"
	"github.com/eargollo/surveyor/internal/scheduler"
	"github.com/eargollo/surveyor/internal/workspace"
)

// Server holds the HTTP server and all handler dependencies.
type Server struct {
	addr    string
	handler http.Handler
	srv     *http.Server
}

// New wires all routes and returns a Server ready to Run. sched may be nil.
func New(addr string, ws *workspace.Workspace, sched *scheduler.Scheduler, version string) *Server {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	statusH := &handlers.StatusHandler{WS: ws, Sched: sched, Version: version}
	projectsH := &handlers.ProjectsHandler{WS: ws, Sched: sched}
	scansH := &handlers.ScansHandler{WS: ws}
	invH := &handlers.InventoryHandler{WS: ws}
	protoH := &handlers.ProtocolHandler{WS: ws}

	r.Route("/api", func(r chi.Router) {
		r.Get("/status", statusH.ServeHTTP)

		r.Get("/projects", projectsH.List)
		r.Post("/projects", projectsH.Create)

		r.Route("/projects/{project}", func(r chi.Router) {
			r.Post("/scans", scansH.Create)
			r.Get("/scans", scansH.List)
			r.Get("/scans/current", scansH.Current)
			r.Delete("/scans/current", scansH.Cancel)
			r.Get("/scans/{id}/errors", scansH.Errors)

			r.Get("/inventory", invH.List)
			r.Get("/entry", invH.Entry)
			r.Get("/fingerprint", invH.Fingerprint)

			r.Get("/protocol", protoH.Get)
			r.Post("/protocol/excludes", protoH.AddExcludes)
			r.Put("/field", protoH.SetField)
		})
	})

	return &Server{
		addr:    addr,
		handler: r,
		srv:     &http.Server{Addr: addr, Handler: r},
	}
}

// Handler returns the routed handler, for tests.
func (s *Server) Handler() http.Handler { return s.handler }

// Run starts the HTTP server and blocks until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		slog.Info("server listening", "addr", s.addr)
		if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		slog.Info("shutting down HTTP server")
		return s.srv.Shutdown(context.Background())
	case err := <-errCh:
		return err
	}
}
