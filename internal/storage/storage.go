// Package storage is the persistence collaborator of the relay: user
// profiles, conversation history, image metadata and push subscriptions.
package storage

import (
	"context"
	"fmt"

	"chatrelay/internal/models"
)

const (
	DriverBbolt  = "bbolt"
	DriverPebble = "pebble"
	DriverMemory = "memory"
)

type Store interface {
	// UpsertUser stores the profile fields of a user. Presence fields of an
	// existing record are kept.
	UpsertUser(ctx context.Context, user models.User) error
	// EnsureUser creates an empty profile if the user is unknown.
	EnsureUser(ctx context.Context, userID string) error
	GetUser(ctx context.Context, userID string) (models.User, error)
	ListUsers(ctx context.Context) ([]models.User, error)
	// SetPresence records the persisted online flag, creating the user if
	// needed.
	SetPresence(ctx context.Context, userID string, online bool, lastSeen int64) error
	// ResetPresence marks every user offline. Used on startup, when no
	// connection can be live yet.
	ResetPresence(ctx context.Context) error

	// AppendMessage assigns the next per-conversation sequence number and
	// stores the message.
	AppendMessage(ctx context.Context, msg models.Message) (models.Message, error)
	MarkDelivered(ctx context.Context, conversationID string, seq int64) error
	// ListMessages returns up to limit messages with seq < before in
	// ascending order. before <= 0 means from the newest message.
	ListMessages(ctx context.Context, conversationID string, before int64, limit int) ([]models.Message, error)

	UpsertFileMetadata(ctx context.Context, meta models.FileMetadata) error
	GetFileMetadata(ctx context.Context, id string) (models.FileMetadata, error)

	UpsertPushSubscription(ctx context.Context, sub models.PushSubscription) error
	ListPushSubscriptions(ctx context.Context, userID string) ([]models.PushSubscription, error)
	DeletePushSubscription(ctx context.Context, userID, endpoint string) error

	Close() error
}

// Open creates a store for the given driver. path is the bbolt file or the
// pebble directory and is ignored by the memory driver.
func Open(driver, path string) (Store, error) {
	switch driver {
	case DriverBbolt:
		return NewBboltStorage(path)
	case DriverPebble:
		return NewPebbleStorage(path)
	case DriverMemory:
		return NewMemoryStorage(), nil
	default:
		return nil, fmt.Errorf("unknown storage driver %q", driver)
	}
}
