package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"chatrelay/internal/content"
	"chatrelay/internal/models"
	"chatrelay/internal/upload"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
)

const (
	defaultHistoryLimit = 50
	maxHistoryLimit     = 200

	// multipartOverhead is the slack allowed on top of the image size for
	// the other form fields and part headers.
	multipartOverhead = 1 << 20
)

type APIResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
}

type dataStore interface {
	ListUsers(ctx context.Context) ([]models.User, error)
	ListMessages(ctx context.Context, conversationID string, before int64, limit int) ([]models.Message, error)
	UpsertPushSubscription(ctx context.Context, sub models.PushSubscription) error
}

type imageService interface {
	Ingest(ctx context.Context, req upload.Request) (upload.Ticket, error)
	Open(ctx context.Context, id string) (models.FileMetadata, io.ReadCloser, error)
}

type vapidKeySource interface {
	PublicKey() string
}

type API struct {
	store         dataStore
	images        imageService
	push          vapidKeySource
	maxImageBytes int64
	logger        zerolog.Logger
}

type Config struct {
	Store  dataStore
	Images imageService
	// Push is nil when web push is disabled.
	Push          vapidKeySource
	MaxImageBytes int64
	Logger        zerolog.Logger
}

func New(cfg Config) *API {
	return &API{
		store:         cfg.Store,
		images:        cfg.Images,
		push:          cfg.Push,
		maxImageBytes: cfg.MaxImageBytes,
		logger:        cfg.Logger.With().Str("component", "api").Logger(),
	}
}

type SendImageResponse struct {
	Message SendImageMessage `json:"message"`
}

type SendImageMessage struct {
	SenderID   string `json:"senderId"`
	ReceiverID string `json:"receiverId"`
	Kind       string `json:"kind"`
	Content    string `json:"content"`
	ImageURL   string `json:"imageUrl"`
	ImageToken string `json:"imageToken"`
	MimeType   string `json:"mimeType"`
	Size       int64  `json:"size"`
}

// SendImageHandler accepts a multipart upload and returns the token an
// image message must carry.
func (a *API) SendImageHandler(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, a.maxImageBytes+multipartOverhead)

	if err := r.ParseMultipartForm(a.maxImageBytes + multipartOverhead); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeError(w, http.StatusRequestEntityTooLarge, upload.ErrTooLarge.Error())
			return
		}
		writeError(w, http.StatusBadRequest, "Invalid multipart form")
		return
	}
	defer func() { _ = r.MultipartForm.RemoveAll() }()

	file, _, err := r.FormFile("image")
	if err != nil {
		writeError(w, http.StatusBadRequest, "image is required")
		return
	}
	defer func() { _ = file.Close() }()

	ticket, err := a.images.Ingest(r.Context(), upload.Request{
		SenderID:   r.FormValue("senderId"),
		ReceiverID: r.FormValue("receiverId"),
		Caption:    r.FormValue("content"),
		Body:       file,
	})
	if err != nil {
		status := uploadStatus(err)
		if status == http.StatusInternalServerError {
			a.logger.Error().Err(err).Msg("failed to ingest image")
			writeError(w, status, "Failed to store image")
			return
		}
		writeError(w, status, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, SendImageResponse{Message: SendImageMessage{
		SenderID:   ticket.SenderID,
		ReceiverID: ticket.ReceiverID,
		Kind:       string(models.MessageKindImage),
		Content:    ticket.Caption,
		ImageURL:   ticket.URL,
		ImageToken: ticket.Token,
		MimeType:   ticket.MimeType,
		Size:       ticket.Size,
	}})
}

func uploadStatus(err error) int {
	switch {
	case errors.Is(err, upload.ErrInvalidRequest):
		return http.StatusBadRequest
	case errors.Is(err, upload.ErrTooLarge):
		return http.StatusRequestEntityTooLarge
	case errors.Is(err, upload.ErrNotImage):
		return http.StatusUnsupportedMediaType
	default:
		return http.StatusInternalServerError
	}
}

type ConversationResponse struct {
	Messages []models.Message `json:"messages"`
}

// ConversationHandler returns a page of history between two users, oldest
// first. Older pages are fetched with before set to the smallest seq seen.
func (a *API) ConversationHandler(w http.ResponseWriter, r *http.Request) {
	userA, userB := chi.URLParam(r, "a"), chi.URLParam(r, "b")
	for _, id := range []string{userA, userB} {
		if err := content.ValidateIdentity(id); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
	}

	before, limit, err := pageParams(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	msgs, err := a.store.ListMessages(r.Context(), models.ConversationID(userA, userB), before, limit)
	if err != nil {
		a.logger.Error().Err(err).Str("user_a", userA).Str("user_b", userB).Msg("failed to list messages")
		writeError(w, http.StatusInternalServerError, "Failed to load messages")
		return
	}
	if msgs == nil {
		msgs = []models.Message{}
	}

	writeJSON(w, http.StatusOK, ConversationResponse{Messages: msgs})
}

func pageParams(r *http.Request) (before int64, limit int, err error) {
	q := r.URL.Query()

	if v := q.Get("before"); v != "" {
		before, err = strconv.ParseInt(v, 10, 64)
		if err != nil || before < 0 {
			return 0, 0, fmt.Errorf("before must be a non-negative integer")
		}
	}

	limit = defaultHistoryLimit
	if v := q.Get("limit"); v != "" {
		limit, err = strconv.Atoi(v)
		if err != nil || limit <= 0 {
			return 0, 0, fmt.Errorf("limit must be a positive integer")
		}
	}
	return before, min(limit, maxHistoryLimit), nil
}

type UsersResponse struct {
	Users []models.User `json:"users"`
}

func (a *API) UsersHandler(w http.ResponseWriter, r *http.Request) {
	users, err := a.store.ListUsers(r.Context())
	if err != nil {
		a.logger.Error().Err(err).Msg("failed to list users")
		writeError(w, http.StatusInternalServerError, "Failed to load users")
		return
	}
	if users == nil {
		users = []models.User{}
	}
	writeJSON(w, http.StatusOK, UsersResponse{Users: users})
}

// GetImageHandler serves a stored image. Ids are content hashes, so the
// response never changes.
func (a *API) GetImageHandler(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	meta, rc, err := a.images.Open(r.Context(), id)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			http.NotFound(w, r)
			return
		}
		a.logger.Error().Err(err).Str("file_id", id).Msg("failed to open image")
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}
	defer func() { _ = rc.Close() }()

	w.Header().Set("Content-Type", meta.MimeType)
	w.Header().Set("Content-Length", strconv.FormatInt(meta.Size, 10))
	w.Header().Set("Cache-Control", "public, max-age=31536000, immutable")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	if _, err := io.Copy(w, rc); err != nil {
		a.logger.Debug().Err(err).Str("file_id", id).Msg("image download interrupted")
	}
}

// PushSubscriptionRequest follows the browser PushSubscription.toJSON()
// shape plus the owning user.
type PushSubscriptionRequest struct {
	UserID   string `json:"userId"`
	Endpoint string `json:"endpoint"`
	Keys     struct {
		P256dh string `json:"p256dh"`
		Auth   string `json:"auth"`
	} `json:"keys"`
}

func (a *API) PushSubscribeHandler(w http.ResponseWriter, r *http.Request) {
	if a.push == nil {
		writeError(w, http.StatusNotFound, "Push notifications are disabled")
		return
	}

	var req PushSubscriptionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if err := content.ValidateIdentity(req.UserID); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if !strings.HasPrefix(req.Endpoint, "https://") && !strings.HasPrefix(req.Endpoint, "http://") {
		writeError(w, http.StatusBadRequest, "endpoint must be an http(s) URL")
		return
	}
	if req.Keys.P256dh == "" || req.Keys.Auth == "" {
		writeError(w, http.StatusBadRequest, "keys.p256dh and keys.auth are required")
		return
	}

	err := a.store.UpsertPushSubscription(r.Context(), models.PushSubscription{
		UserID:    req.UserID,
		Endpoint:  req.Endpoint,
		P256dh:    req.Keys.P256dh,
		Auth:      req.Keys.Auth,
		CreatedAt: time.Now().Unix(),
	})
	if err != nil {
		a.logger.Error().Err(err).Str("user_id", req.UserID).Msg("failed to store push subscription")
		writeError(w, http.StatusInternalServerError, "Failed to store subscription")
		return
	}

	writeJSON(w, http.StatusCreated, APIResponse{Success: true})
}

func (a *API) VAPIDPublicKeyHandler(w http.ResponseWriter, r *http.Request) {
	if a.push == nil {
		writeError(w, http.StatusNotFound, "Push notifications are disabled")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"publicKey": a.push.PublicKey()})
}

func (a *API) HealthHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, APIResponse{Success: false, Message: msg})
}
