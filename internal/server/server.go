package server

import (
	"context"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/hyperxpro/StreamSockets/internal/accounts"
	"github.com/hyperxpro/StreamSockets/internal/config"
	"github.com/hyperxpro/StreamSockets/internal/metrics"
)

// Server wires the admission gate onto the configured WebSocket path and,
// when enabled, a second listener exposing the Prometheus metrics surface.
type Server struct {
	cfg *config.ServerConfig
	log zerolog.Logger

	gate       *Gate
	httpServer *http.Server
	metricsSrv *http.Server
}

// New builds a Server bound to store for authentication/leasing.
func New(cfg *config.ServerConfig, store *accounts.Store, log zerolog.Logger) *Server {
	gate := NewGate(cfg, store, log)

	router := chi.NewRouter()
	router.Handle(cfg.WSPath, gate)

	s := &Server{
		cfg:  cfg,
		log:  log.With().Str("component", "server").Logger(),
		gate: gate,
		httpServer: &http.Server{
			Addr:    cfg.Addr(),
			Handler: router,
		},
	}

	if cfg.MetricsEnabled {
		metricsRouter := chi.NewRouter()
		metricsRouter.Handle(cfg.MetricsPath, metrics.Handler())
		s.metricsSrv = &http.Server{
			Addr:    cfg.MetricsAddr(),
			Handler: metricsRouter,
		}
	}

	return s
}

// ListenAndServe starts the WebSocket listener and, if configured, the
// metrics listener, blocking until the context is cancelled or a listener
// fails.
func (s *Server) ListenAndServe(ctx context.Context) error {
	errCh := make(chan error, 2)

	go func() {
		s.log.Info().Str("addr", s.httpServer.Addr).Str("path", s.cfg.WSPath).Msg("listening for tunnel connections")
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	if s.metricsSrv != nil {
		go func() {
			s.log.Info().Str("addr", s.metricsSrv.Addr).Str("path", s.cfg.MetricsPath).Msg("serving metrics")
			if err := s.metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- err
			}
		}()
	}

	select {
	case <-ctx.Done():
		return s.Shutdown(context.Background())
	case err := <-errCh:
		return err
	}
}

// Shutdown gracefully stops both listeners.
func (s *Server) Shutdown(ctx context.Context) error {
	err := s.httpServer.Shutdown(ctx)
	if s.metricsSrv != nil {
		if merr := s.metricsSrv.Shutdown(ctx); merr != nil && err == nil {
			err = merr
		}
	}
	s.gate.Close()
	return err
}
