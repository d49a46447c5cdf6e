package ws

import (
	"context"
	"errors"

	"chatrelay/internal/models"
	"chatrelay/internal/registry"
	"chatrelay/internal/router"
	"chatrelay/internal/typing"

	"github.com/rs/zerolog"
)

type userStore interface {
	EnsureUser(ctx context.Context, userID string) error
}

type presenceSnapshot interface {
	SnapshotTo(conn registry.Conn)
}

// Hub wires live connections to the registry and to the components that
// act on their events.
type Hub struct {
	registry *registry.Registry
	presence presenceSnapshot
	router   *router.Router
	typing   *typing.Coordinator
	users    userStore
	logger   zerolog.Logger
}

type HubConfig struct {
	Registry *registry.Registry
	Presence presenceSnapshot
	Router   *router.Router
	Typing   *typing.Coordinator
	Users    userStore
	Logger   zerolog.Logger
}

var _ messageHub = (*Hub)(nil)

func NewHub(cfg HubConfig) *Hub {
	return &Hub{
		registry: cfg.Registry,
		presence: cfg.Presence,
		router:   cfg.Router,
		typing:   cfg.Typing,
		users:    cfg.Users,
		logger:   cfg.Logger.With().Str("component", "hub").Logger(),
	}
}

// Join registers conn for its identity, closes any connection it supersedes
// and queues the current online set for the joining client.
func (h *Hub) Join(ctx context.Context, conn registry.Conn) {
	userID := conn.UserID()

	if err := h.users.EnsureUser(context.WithoutCancel(ctx), userID); err != nil {
		h.logger.Error().Err(err).Str("user_id", userID).Msg("failed to ensure user profile")
	}

	if old := h.registry.Register(userID, conn); old != nil {
		h.logger.Info().
			Str("user_id", userID).
			Str("old_conn_id", old.ID()).
			Str("new_conn_id", conn.ID()).
			Msg("connection superseded")
		old.Close(ReasonSuperseded)
	}

	h.presence.SnapshotTo(conn)
}

// Leave removes conn from the registry unless a newer connection has
// already replaced it.
func (h *Hub) Leave(conn registry.Conn) {
	h.registry.Deregister(conn.UserID(), conn.ID())
}

func (h *Hub) Dispatch(ctx context.Context, conn registry.Conn, evt models.ClientEvent) {
	switch evt.Type {
	case models.ClientEventSendMessage:
		_, err := h.router.Send(ctx, router.Request{
			SenderID:        evt.SenderID,
			ReceiverID:      evt.ReceiverID,
			Content:         evt.Content,
			Kind:            evt.Kind,
			ImageToken:      evt.ImageToken,
			ClientMessageID: evt.ClientMessageID,
			Origin:          conn,
		})
		if err != nil {
			_ = conn.Send(models.MessageErrorEvent(errorReason(err), evt.ClientMessageID))
		}

	case models.ClientEventTyping:
		if _, err := h.typing.SetTyping(evt.SenderID, evt.ReceiverID, evt.IsTyping); err != nil {
			_ = conn.Send(models.MessageErrorEvent(err.Error(), evt.ClientMessageID))
		}

	case models.ClientEventGetOnlineUsers:
		h.presence.SnapshotTo(conn)
	}
}

// CloseAll closes every live connection with the given reason.
func (h *Hub) CloseAll(reason string) {
	for _, c := range h.registry.Connections() {
		c.Close(reason)
	}
}

// Connections returns the live connections ordered by identity.
func (h *Hub) Connections() []registry.Conn {
	return h.registry.Connections()
}

// errorReason maps a send failure to the message_error reason. Storage
// details never reach the client.
func errorReason(err error) string {
	if errors.Is(err, router.ErrPersistence) {
		return router.ErrPersistence.Error()
	}
	return err.Error()
}
