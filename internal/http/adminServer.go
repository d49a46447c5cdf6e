package http

import (
	"context"
	"net/http"
	"sync"

	"chatrelay/internal/api"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
)

type AdminServer struct {
	server *http.Server
	logger zerolog.Logger
	wg     sync.WaitGroup
}

func NewAdminServer(adminHandler *api.AdminHandler, addr string, logger zerolog.Logger) *AdminServer {
	logger = logger.With().Str("component", "admin_server").Logger()

	r := chi.NewRouter()
	r.Use(accessLog(logger))
	r.Use(middleware.Recoverer)

	r.Route("/admin", func(r chi.Router) {
		r.Post("/users", adminHandler.AddUserHandler)
		r.Get("/connections", adminHandler.ConnectionsHandler)
		r.Post("/presence/reconcile", adminHandler.ReconcileHandler)
	})

	if addr == "" {
		addr = "localhost:8081"
	}

	return &AdminServer{
		server: &http.Server{
			Addr:              addr,
			Handler:           r,
			ReadHeaderTimeout: readHeaderTimeout,
		},
		logger: logger,
	}
}

func (s *AdminServer) Start() error {
	s.logger.Info().Str("addr", s.server.Addr).Msg("admin API started")
	s.wg.Add(1)
	defer s.wg.Done()

	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (s *AdminServer) Shutdown(ctx context.Context) error {
	defer s.wg.Wait()
	return s.server.Shutdown(ctx)
}
