package ws

import (
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

type Server struct {
	hub      messageHub
	cfg      Config
	upgrader *websocket.Upgrader
	logger   zerolog.Logger
	wg       sync.WaitGroup
}

func NewServer(hub messageHub, cfg Config, logger zerolog.Logger) *Server {
	return &Server{
		hub: hub,
		cfg: cfg,
		upgrader: &websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				return true // identity is trusted, the origin carries no extra weight
			},
		},
		logger: logger,
	}
}

// HandleConnections upgrades the request and runs the session until it ends.
func (s *Server) HandleConnections(w http.ResponseWriter, r *http.Request) {
	// Counted before the upgrade: http.Server stops tracking the request
	// once it is hijacked.
	s.wg.Add(1)
	defer s.wg.Done()

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug().Err(err).Msg("websocket upgrade failed")
		return
	}

	conn := NewConnection(s.hub, ws, s.cfg, s.logger)
	if err := conn.Handle(r.Context()); err != nil {
		// Transport drops are routine.
		s.logger.Debug().Err(err).Str("conn_id", conn.ID()).Msg("connection ended")
	}
}

// Wait blocks until every session handled by this server has ended.
func (s *Server) Wait() {
	s.wg.Wait()
}
