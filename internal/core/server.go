// Package core provides the HTTP chassis for the webhook service: a chi
// router with the cross-cutting middleware (panic recovery, correlation IDs,
// redacted request logging, body decompression) applied before requests reach
// domain handlers.
package core

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"courierhook/internal/config"
)

// RouteRegistrar mounts a group of routes. Handler packages expose a
// RegisterRoutes method with this signature so core never imports them.
type RouteRegistrar func(r chi.Router)

// Server holds the router and the dependencies of the chassis itself.
type Server struct {
	Config    *config.Config
	Logger    *slog.Logger
	Validator *Validator

	// HealthProbes are checked by GET /health.
	HealthProbes []HealthProbe
	// RouteRegistrars are mounted at the root by MountRoutes.
	RouteRegistrars []RouteRegistrar
	// Closers are closed in order by Shutdown.
	Closers []Closer

	router *chi.Mux
}

// Closer is a resource released on shutdown (connection pools, clients).
type Closer interface {
	Close() error
}

// CloserFunc adapts a function to Closer.
type CloserFunc func() error

func (f CloserFunc) Close() error { return f() }

// NewServer creates a Server. Routes are mounted separately by MountRoutes so
// tests can register their own.
func NewServer(cfg *config.Config, logger *slog.Logger) (*Server, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config must not be nil")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger must not be nil")
	}

	return &Server{
		Config:    cfg,
		Logger:    logger,
		Validator: NewValidator(logger),
		router:    chi.NewRouter(),
	}, nil
}

// Handler returns the router as an http.Handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Router returns the underlying chi.Mux.
func (s *Server) Router() *chi.Mux {
	return s.router
}

// Shutdown releases the registered resources. All closers run even when one
// fails; the errors are joined.
func (s *Server) Shutdown(ctx context.Context) error {
	s.Logger.InfoContext(ctx, "server shutdown initiated")

	var errs []error
	for _, c := range s.Closers {
		if err := c.Close(); err != nil {
			s.Logger.ErrorContext(ctx, "error closing resource", "error", err)
			errs = append(errs, err)
		}
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("closing resources: %w", err)
	}

	s.Logger.InfoContext(ctx, "server shutdown complete")
	return nil
}
