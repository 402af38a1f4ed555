// Package server exposes the ambient HTTP surface for this process:
// liveness/readiness and Prometheus metrics. The job-control surface (an
// OData API for submitting and inspecting jobs) is out of scope; this is
// deliberately the minimum a container orchestrator needs.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/kubev2v/fragproc/internal/config"
)

const gracefulShutdownTimeout = 5 * time.Second

// Server is the ambient HTTP surface: /healthz, /readyz, and /metrics.
type Server struct {
	cfg      *config.Config
	db       *gorm.DB
	listener net.Listener
}

func New(cfg *config.Config, db *gorm.DB, listener net.Listener) *Server {
	return &Server{cfg: cfg, db: db, listener: listener}
}

func (s *Server) Run(ctx context.Context) error {
	log := zap.S().Named("server")

	router := chi.NewRouter()
	router.Use(
		cors.Handler(cors.Options{
			AllowedOrigins: []string{"*"},
			AllowedMethods: []string{"GET"},
		}),
		chiMiddleware.RequestID,
		chiMiddleware.Recoverer,
	)

	router.Get("/healthz", s.handleHealthz)
	router.Get("/readyz", s.handleReadyz)
	router.Handle("/metrics", promhttp.Handler())

	httpServer := &http.Server{Handler: router}

	errCh := make(chan error, 1)
	go func() {
		log.Infow("listening", "address", s.listener.Addr().String())
		if err := httpServer.Serve(s.listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), gracefulShutdownTimeout)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutting down server: %w", err)
		}
		return nil
	case err := <-errCh:
		return err
	}
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// handleReadyz additionally checks the database connection, since a job
// runner that cannot reach the registry is not actually ready to serve.
func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	sqlDB, err := s.db.DB()
	if err != nil {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte(fmt.Sprintf("db handle unavailable: %v", err)))
		return
	}
	if err := sqlDB.PingContext(r.Context()); err != nil {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte(fmt.Sprintf("db unreachable: %v", err)))
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ready"))
}
