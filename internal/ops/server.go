package ops

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

// HealthReporter lets the engine report whether it is fully operational
// or running in protect-only mode.
type HealthReporter interface {
	Healthy() error
}

// Server exposes the operator endpoints: /healthz, /alerts, /metrics.
type Server struct {
	router   *chi.Mux
	server   *http.Server
	notifier *LogNotifier
	health   HealthReporter
	logger   *logrus.Logger
	addr     string
}

// NewServer creates an ops server bound to addr.
func NewServer(addr string, notifier *LogNotifier, health HealthReporter, logger *logrus.Logger) *Server {
	s := &Server{
		router:   chi.NewRouter(),
		notifier: notifier,
		health:   health,
		logger:   logger,
		addr:     addr,
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.router.Use(middleware.Recoverer)
	s.router.Use(middleware.Timeout(30 * time.Second))

	s.router.Get("/healthz", s.handleHealth)
	s.router.Get("/alerts", s.handleAlerts)
	s.router.Handle("/metrics", promhttp.Handler())
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	if s.health != nil {
		if err := s.health.Healthy(); err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			_ = json.NewEncoder(w).Encode(map[string]string{
				"status": "degraded",
				"reason": err.Error(),
			})
			return
		}
	}

	_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

func (s *Server) handleAlerts(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	alerts := s.notifier.Recent()
	if alerts == nil {
		alerts = []Alert{}
	}
	if err := json.NewEncoder(w).Encode(alerts); err != nil {
		s.logger.WithError(err).Error("encoding alerts response")
	}
}

// Handler returns the underlying router, used by tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Mount attaches additional routes under a pattern, so the binary can add
// control endpoints without this package depending on the engine.
func (s *Server) Mount(pattern string, h http.Handler) {
	s.router.Mount(pattern, h)
}

// Start begins serving in the background.
func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:              s.addr,
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		s.logger.WithField("addr", s.addr).Info("ops server listening")
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.WithError(err).Error("ops server stopped")
		}
	}()
	return nil
}

// Stop shuts the server down gracefully.
func (s *Server) Stop(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("ops server shutdown: %w", err)
	}
	return nil
}
