// Copyright 2025 James Ross
package adminapi

import (
	"context"
	"net/http"

	"github.com/gorilla/mux"
	"go.uber.org/zap"
)

// Server wraps the ingress HTTP surface (C10): job creation and status
// reads over C1/C3, per spec.md §4's External API row.
type Server struct {
	cfg     *Config
	handler *Handler
	logger  *zap.Logger
	router  *mux.Router
	server  *http.Server
}

func NewServer(cfg *Config, handler *Handler, logger *zap.Logger) *Server {
	s := &Server{cfg: cfg, handler: handler, logger: logger}
	s.router = s.buildRouter()
	s.server = &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      s.router,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}
	return s
}

func (s *Server) buildRouter() *mux.Router {
	r := mux.NewRouter()

	chain := []func(http.Handler) http.Handler{
		RecoveryMiddleware(s.logger),
		RequestIDMiddleware(),
		LoggingMiddleware(s.logger),
	}
	if s.cfg.CORSEnabled {
		chain = append(chain, CORSMiddleware(s.cfg.CORSAllowOrigins))
	}
	for _, mw := range chain {
		r.Use(mux.MiddlewareFunc(mw))
	}

	r.HandleFunc("/healthz", s.handler.Health).Methods(http.MethodGet)

	api := r.PathPrefix("/api/v1").Subrouter()
	if s.cfg.RequireAuth {
		api.Use(mux.MiddlewareFunc(AuthMiddleware(s.cfg.BearerToken, s.logger)))
	}
	api.HandleFunc("/jobs", s.handler.CreateJob).Methods(http.MethodPost)
	api.HandleFunc("/jobs/{id}", s.handler.GetJob).Methods(http.MethodGet)
	api.HandleFunc("/jobs/{id}/events", s.handler.GetJobEvents).Methods(http.MethodGet)

	return r
}

func (s *Server) Start() error {
	s.logger.Info("adminapi: listening", zap.String("addr", s.cfg.ListenAddr))
	err := s.server.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

func (s *Server) Shutdown(ctx context.Context) error {
	shutdownCtx, cancel := context.WithTimeout(ctx, s.cfg.ShutdownTimeout)
	defer cancel()
	return s.server.Shutdown(shutdownCtx)
}
