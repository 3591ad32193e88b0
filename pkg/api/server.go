package api

import (
	"context"
	"net/http"
	"time"

	"github.com/cuemby/deploydirector/pkg/director"
	"github.com/cuemby/deploydirector/pkg/log"
	"github.com/cuemby/deploydirector/pkg/metrics"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
)

// Server is the director's HTTP front end: a chi router wrapping one
// Director, plus the http.Server lifecycle around it. A thin wrapper
// owning both the transport and a handle to the core it dispatches into.
type Server struct {
	director *director.Director
	router   chi.Router
	http     *http.Server
	logger   zerolog.Logger
}

// Config configures a Server.
type Config struct {
	Addr string
}

// NewServer builds the router and binds it to a *http.Server, but does not
// start listening; call Start for that.
func NewServer(d *director.Director, cfg Config) *Server {
	s := &Server{
		director: d,
		logger:   log.WithComponent("api"),
	}
	s.router = s.newRouter()
	s.http = &http.Server{
		Addr:              cfg.Addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

func (s *Server) newRouter() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(s.requestLogger)

	r.Get("/status", s.handleStatus)
	r.Handle("/metrics", metrics.Handler())

	r.Route("/releases", func(r chi.Router) {
		r.Post("/", s.handleCreateRelease)
		r.Get("/", s.handleListReleases)
		r.Delete("/{name}", s.handleDeleteRelease)
	})

	r.Route("/deployments", func(r chi.Router) {
		r.Post("/", s.handleCreateDeployment)
		r.Get("/", s.handleListDeployments)
		r.Delete("/{name}", s.handleDeleteDeployment)
	})

	r.Route("/stemcells", func(r chi.Router) {
		r.Post("/", s.handleCreateStemcell)
		r.Get("/", s.handleListStemcells)
		r.Delete("/{name}/{version}", s.handleDeleteStemcell)
	})

	r.Route("/tasks", func(r chi.Router) {
		r.Get("/", s.handleListTasks)
		r.Get("/{id}", s.handleGetTask)
		r.Get("/{id}/output", s.handleTaskOutput)
		r.Delete("/{id}", s.handleCancelTask)
	})

	return r
}

// requestLogger logs each request through the director's zerolog child
// logger, in place of chi's default stdlib-log middleware.Logger, so API
// request logs carry the same structured fields as every other component.
func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.Info().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Dur("duration", time.Since(start)).
			Msg("request")
	})
}

// Start blocks serving HTTP until the server is stopped or fails.
func (s *Server) Start() error {
	s.logger.Info().Str("addr", s.http.Addr).Msg("api server starting")
	if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Stop gracefully shuts the server down, waiting up to 10s for in-flight
// requests to finish. It does not touch in-flight Tasks, whose bodies keep
// running against the Director's own context, independent of the HTTP
// server's lifecycle.
func (s *Server) Stop() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return s.http.Shutdown(ctx)
}
