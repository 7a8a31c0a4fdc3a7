// Package server wires the HTTP API: router, middleware chain, and the
// listener's graceful lifecycle.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	apperrors "github.com/verdantlab/phyloforge/internal/errors"
	"github.com/verdantlab/phyloforge/internal/server/handlers"
	"github.com/verdantlab/phyloforge/internal/server/middleware"
)

// Deps carries everything the API surface needs.
type Deps struct {
	Jobs    *handlers.Jobs
	Health  *handlers.HealthManager
	Limiter *middleware.OwnerLimiter
	Logger  *zap.Logger

	// Timeouts applies the configured HTTP timeouts; zero fields fall back
	// to conservative defaults.
	Timeouts Timeouts
}

// Timeouts bounds the listener's request handling and shutdown drain.
type Timeouts struct {
	Read     time.Duration
	Write    time.Duration
	Idle     time.Duration
	Shutdown time.Duration
}

// Server owns the HTTP listener for the API.
type Server struct {
	host     string
	port     int
	handler  http.Handler
	logger   *zap.Logger
	timeouts Timeouts

	httpServer *http.Server
}

func New(host string, port int, deps Deps) *Server {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{host: host, port: port, logger: logger, timeouts: deps.Timeouts}
	s.handler = s.buildRouter(deps)
	return s
}

func (s *Server) Host() string { return s.host }
func (s *Server) Port() int    { return s.port }

// Handler returns the fully wired router, used directly by tests.
func (s *Server) Handler() http.Handler { return s.handler }

func (s *Server) buildRouter(deps Deps) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.Recovery(s.logger))

	r.NotFound(func(w http.ResponseWriter, req *http.Request) {
		apperrors.RespondWithCode(w, req, apperrors.CodeNotFound, "resource not found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, req *http.Request) {
		apperrors.RespondWithCode(w, req, apperrors.CodeMethodNotAllowed, "method not allowed")
	})

	r.Get("/health", deps.Health.HealthHandler)
	r.Get("/version", deps.Health.VersionHandler)

	r.Route("/api/v1/jobs", func(r chi.Router) {
		submit := http.HandlerFunc(deps.Jobs.Submit)
		if deps.Limiter != nil {
			r.Method(http.MethodPost, "/", deps.Limiter.Limit(handlers.OwnerHeader, submit))
		} else {
			r.Post("/", submit)
		}
		r.Get("/", deps.Jobs.List)

		r.Route("/{jobID}", func(r chi.Router) {
			r.Get("/", deps.Jobs.Get)
			r.Delete("/", deps.Jobs.Delete)
			r.Post("/abort", deps.Jobs.Abort)

			r.Post("/hypothesis", deps.Jobs.HypothesisSubmit)
			r.Get("/hypothesis", deps.Jobs.HypothesisStatus)
			r.Get("/hypothesis/results", deps.Jobs.HypothesisResults)
		})
	})

	return r
}

func (s *Server) newHTTPServer(addr string) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           s.handler,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       s.timeouts.Read,
		WriteTimeout:      s.timeouts.Write,
		IdleTimeout:       s.timeouts.Idle,
	}
}

func (s *Server) shutdownTimeout() time.Duration {
	if s.timeouts.Shutdown > 0 {
		return s.timeouts.Shutdown
	}
	return 15 * time.Second
}

// ListenAndServe blocks until ctx is cancelled, then drains in-flight
// requests before returning.
func (s *Server) ListenAndServe(ctx context.Context) error {
	addr := net.JoinHostPort(s.host, strconv.Itoa(s.port))
	s.httpServer = s.newHTTPServer(addr)

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("http server listening", zap.String("addr", addr))
		errCh <- s.httpServer.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout())
	defer cancel()
	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("http shutdown: %w", err)
	}
	s.logger.Info("http server stopped")
	return nil
}
