package http

import (
	"context"
	"net"
	"net/http"
	"sync"

	"chatrelay/internal/api"
	"chatrelay/internal/ws"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
)

type APIServer struct {
	server *http.Server
	logger zerolog.Logger
	wg     sync.WaitGroup
}

// NewAPIServer serves the websocket endpoint and the HTTP side channel.
// Request contexts derive from ctx, so cancelling it ends live sessions.
func NewAPIServer(ctx context.Context, handlers *api.API, wsServer *ws.Server, addr string, logger zerolog.Logger) *APIServer {
	logger = logger.With().Str("component", "api_server").Logger()

	r := chi.NewRouter()
	r.Use(accessLog(logger))
	r.Use(middleware.Recoverer)

	r.Get("/ws", wsServer.HandleConnections)

	r.Get("/healthz", handlers.HealthHandler)
	r.Get("/users", handlers.UsersHandler)
	r.Get("/images/{id}", handlers.GetImageHandler)
	r.Route("/messages", func(r chi.Router) {
		r.Post("/send-image", handlers.SendImageHandler)
		r.Get("/conversation/{a}/{b}", handlers.ConversationHandler)
	})
	r.Route("/push", func(r chi.Router) {
		r.Post("/subscriptions", handlers.PushSubscribeHandler)
		r.Get("/vapid-public-key", handlers.VAPIDPublicKeyHandler)
	})

	if addr == "" {
		addr = ":8080"
	}

	return &APIServer{
		server: &http.Server{
			Addr:              addr,
			Handler:           r,
			ReadHeaderTimeout: readHeaderTimeout,
			BaseContext:       func(net.Listener) context.Context { return ctx },
		},
		logger: logger,
	}
}

func (s *APIServer) Start() error {
	s.logger.Info().Str("addr", s.server.Addr).Msg("server started")
	s.wg.Add(1)
	defer s.wg.Done()

	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (s *APIServer) Shutdown(ctx context.Context) error {
	defer s.wg.Wait()
	return s.server.Shutdown(ctx)
}
