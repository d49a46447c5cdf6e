// Package upload ingests images sent over the HTTP side channel and hands out
// single-use tokens that image messages must present.
//
// A token is only issued after the image is stored and its metadata
// persisted, so any URL reachable through a token is already retrievable.
package upload

import (
	"bytes"
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"chatrelay/internal/content"
	"chatrelay/internal/filestore"
	"chatrelay/internal/models"

	"github.com/c-pro/geche"
	"github.com/google/uuid"
	"github.com/h2non/filetype"
	"github.com/rs/zerolog"
	"golang.org/x/crypto/blake2b"
)

var (
	ErrInvalidRequest = errors.New("invalid upload request")
	ErrNotImage       = errors.New("file is not a supported image")
	ErrTooLarge       = errors.New("image is too large")
	ErrUnknownToken   = errors.New("unknown or expired image token")
	ErrTokenMismatch  = errors.New("image token was issued for another conversation")
)

// sniffLen is how many leading bytes filetype needs to detect a format.
const sniffLen = 262

type metadataStore interface {
	UpsertFileMetadata(ctx context.Context, meta models.FileMetadata) error
	GetFileMetadata(ctx context.Context, id string) (models.FileMetadata, error)
}

type Config struct {
	BaseURL  string
	MaxBytes int64
	TokenTTL time.Duration
}

type Request struct {
	SenderID   string
	ReceiverID string
	Caption    string
	Body       io.Reader
}

// Ticket is the result of a completed upload.
type Ticket struct {
	Token      string
	URL        string
	FileID     string
	MimeType   string
	Size       int64
	Caption    string
	SenderID   string
	ReceiverID string
}

type Service struct {
	files    filestore.FileStore
	meta     metadataStore
	tickets  *geche.Locker[string, Ticket]
	baseURL  string
	maxBytes int64
	now      func() time.Time
	logger   zerolog.Logger
}

// NewService creates the ingestion service. Expired tokens are swept in the
// background until ctx is done.
func NewService(ctx context.Context, cfg Config, files filestore.FileStore, meta metadataStore, logger zerolog.Logger) *Service {
	return &Service{
		files:    files,
		meta:     meta,
		tickets:  geche.NewLocker[string, Ticket](geche.NewMapTTLCache[string, Ticket](ctx, cfg.TokenTTL, time.Minute)),
		baseURL:  strings.TrimRight(cfg.BaseURL, "/"),
		maxBytes: cfg.MaxBytes,
		now:      time.Now,
		logger:   logger.With().Str("component", "upload").Logger(),
	}
}

// Ingest stores the image and issues a token for it.
func (s *Service) Ingest(ctx context.Context, req Request) (Ticket, error) {
	if err := content.ValidateIdentity(req.SenderID); err != nil {
		return Ticket{}, fmt.Errorf("%w: sender: %v", ErrInvalidRequest, err)
	}
	if err := content.ValidateIdentity(req.ReceiverID); err != nil {
		return Ticket{}, fmt.Errorf("%w: receiver: %v", ErrInvalidRequest, err)
	}
	if req.SenderID == req.ReceiverID {
		return Ticket{}, fmt.Errorf("%w: sender and receiver must differ", ErrInvalidRequest)
	}

	caption := strings.TrimSpace(req.Caption)
	if len([]rune(caption)) > content.MaxTextRunes {
		return Ticket{}, fmt.Errorf("%w: %v", ErrInvalidRequest, content.ErrTooLong)
	}

	data, err := io.ReadAll(io.LimitReader(req.Body, s.maxBytes+1))
	if err != nil {
		return Ticket{}, fmt.Errorf("failed to read image: %w", err)
	}
	if int64(len(data)) > s.maxBytes {
		return Ticket{}, ErrTooLarge
	}

	kind, err := filetype.Match(data[:min(len(data), sniffLen)])
	if err != nil || !filetype.IsImage(data[:min(len(data), sniffLen)]) {
		return Ticket{}, ErrNotImage
	}

	sum := blake2b.Sum256(data)
	id := hex.EncodeToString(sum[:])

	if err := s.files.Save(bytes.NewReader(data), id); err != nil {
		return Ticket{}, fmt.Errorf("failed to store image: %w", err)
	}

	meta := models.FileMetadata{
		ID:        id,
		MimeType:  kind.MIME.Value,
		Size:      int64(len(data)),
		CreatedAt: s.now().Unix(),
		UserID:    req.SenderID,
	}
	if err := s.meta.UpsertFileMetadata(context.WithoutCancel(ctx), meta); err != nil {
		return Ticket{}, fmt.Errorf("failed to store image metadata: %w", err)
	}

	t := Ticket{
		Token:      uuid.NewString(),
		URL:        s.baseURL + "/images/" + id,
		FileID:     id,
		MimeType:   meta.MimeType,
		Size:       meta.Size,
		Caption:    caption,
		SenderID:   req.SenderID,
		ReceiverID: req.ReceiverID,
	}

	tx := s.tickets.Lock()
	tx.Set(t.Token, t)
	tx.Unlock()

	s.logger.Debug().
		Str("file_id", id).
		Str("mime", meta.MimeType).
		Int64("size", meta.Size).
		Str("sender_id", req.SenderID).
		Msg("image ingested")

	return t, nil
}

// Resolve consumes a token issued for the given sender and receiver.
// A token presented for another conversation is left untouched.
func (s *Service) Resolve(token, senderID, receiverID string) (Ticket, error) {
	tx := s.tickets.Lock()
	defer tx.Unlock()

	t, err := tx.Get(token)
	if err != nil {
		return Ticket{}, ErrUnknownToken
	}
	if t.SenderID != senderID || t.ReceiverID != receiverID {
		return Ticket{}, ErrTokenMismatch
	}
	_ = tx.Del(token)

	if !s.files.Has(t.FileID) {
		return Ticket{}, ErrUnknownToken
	}
	return t, nil
}

// Restore makes a resolved ticket usable again, for a send that consumed it
// but failed before the message was stored.
func (s *Service) Restore(t Ticket) {
	tx := s.tickets.Lock()
	defer tx.Unlock()
	tx.Set(t.Token, t)
}

// Open returns a stored image and its metadata.
func (s *Service) Open(ctx context.Context, id string) (models.FileMetadata, io.ReadCloser, error) {
	if !filestore.ValidID(id) {
		return models.FileMetadata{}, nil, fmt.Errorf("image %s: %w", id, models.ErrNotFound)
	}
	meta, err := s.meta.GetFileMetadata(ctx, id)
	if err != nil {
		return models.FileMetadata{}, nil, err
	}
	rc, err := s.files.Open(id)
	if err != nil {
		return models.FileMetadata{}, nil, err
	}
	return meta, rc, nil
}
