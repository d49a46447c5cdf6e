package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"chatrelay/internal/content"
	"chatrelay/internal/models"
	"chatrelay/internal/registry"

	"github.com/rs/zerolog"
)

type userStore interface {
	UpsertUser(ctx context.Context, user models.User) error
}

type connectionSource interface {
	Connections() []registry.Conn
}

type snapshotPusher interface {
	PushSnapshot()
}

// connectionDetails is implemented by websocket connections. Other
// registry entries are listed with identity only.
type connectionDetails interface {
	CreatedAt() time.Time
	LastActivity() time.Time
}

type AdminHandler struct {
	users    userStore
	conns    connectionSource
	presence snapshotPusher
	logger   zerolog.Logger
}

func NewAdminHandler(users userStore, conns connectionSource, presence snapshotPusher, logger zerolog.Logger) *AdminHandler {
	return &AdminHandler{
		users:    users,
		conns:    conns,
		presence: presence,
		logger:   logger.With().Str("component", "admin").Logger(),
	}
}

type AddUserRequest struct {
	ID          string `json:"id"`
	DisplayName string `json:"displayName,omitempty"`
}

type AddUserResponse struct {
	Success bool         `json:"success"`
	Message string       `json:"message,omitempty"`
	User    *models.User `json:"user,omitempty"`
}

// AddUserHandler creates or renames a user profile.
func (h *AdminHandler) AddUserHandler(w http.ResponseWriter, r *http.Request) {
	var req AddUserRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	if err := content.ValidateIdentity(req.ID); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	displayName := content.DisplayName(req.DisplayName)
	if displayName == "" {
		displayName = req.ID
	}

	user := models.User{ID: req.ID, DisplayName: displayName}
	if err := h.users.UpsertUser(r.Context(), user); err != nil {
		h.logger.Error().Err(err).Str("user_id", req.ID).Msg("failed to upsert user")
		writeJSON(w, http.StatusInternalServerError, AddUserResponse{
			Success: false,
			Message: fmt.Sprintf("Failed to create user: %v", err),
		})
		return
	}

	h.logger.Info().Str("user_id", req.ID).Msg("user profile saved")
	writeJSON(w, http.StatusOK, AddUserResponse{Success: true, User: &user})
}

type ConnectionInfo struct {
	ConnID       string `json:"connId"`
	UserID       string `json:"userId"`
	CreatedAt    int64  `json:"createdAt,omitempty"`
	LastActivity int64  `json:"lastActivity,omitempty"`
}

type ConnectionsResponse struct {
	Connections []ConnectionInfo `json:"connections"`
}

// ConnectionsHandler lists the live registry, one entry per identity.
func (h *AdminHandler) ConnectionsHandler(w http.ResponseWriter, r *http.Request) {
	conns := h.conns.Connections()
	resp := ConnectionsResponse{Connections: make([]ConnectionInfo, 0, len(conns))}
	for _, c := range conns {
		info := ConnectionInfo{ConnID: c.ID(), UserID: c.UserID()}
		if d, ok := c.(connectionDetails); ok {
			info.CreatedAt = d.CreatedAt().UnixMilli()
			info.LastActivity = d.LastActivity().UnixMilli()
		}
		resp.Connections = append(resp.Connections, info)
	}
	writeJSON(w, http.StatusOK, resp)
}

// ReconcileHandler pushes a full presence snapshot to every connection now
// instead of waiting for the next reconciliation tick.
func (h *AdminHandler) ReconcileHandler(w http.ResponseWriter, r *http.Request) {
	h.presence.PushSnapshot()
	writeJSON(w, http.StatusOK, APIResponse{
		Success: true,
		Message: fmt.Sprintf("snapshot pushed to %d connections", len(h.conns.Connections())),
	})
}
