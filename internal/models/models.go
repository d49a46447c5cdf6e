package models

import (
	"errors"
	"fmt"
	"sort"
)

var (
	ErrNotFound = errors.New("not found")
)

// User represents a chat participant profile. Identity itself is issued
// elsewhere, the relay only keeps what it needs for presence bootstrap.
type User struct {
	ID          string `json:"id"`
	DisplayName string `json:"displayName"`
	Online      bool   `json:"online"`
	LastSeen    int64  `json:"lastSeen"` // Unix timestamp (seconds)
}

type MessageKind string

const (
	MessageKindText  MessageKind = "text"
	MessageKindImage MessageKind = "image"
)

func (k MessageKind) Valid() bool {
	return k == MessageKindText || k == MessageKindImage
}

// Message is a direct message between exactly two participants.
type Message struct {
	ID             string      `json:"id"`
	Seq            int64       `json:"seq"`
	ConversationID string      `json:"conversationId"`
	SenderID       string      `json:"senderId"`
	ReceiverID     string      `json:"receiverId"`
	Content        string      `json:"content"`
	HTML           string      `json:"html,omitempty"`
	Kind           MessageKind `json:"kind"`
	ImageURL       string      `json:"imageUrl,omitempty"`
	CreatedAt      int64       `json:"createdAt"` // Unix timestamp (milliseconds)
	Delivered      bool        `json:"delivered"`
}

// FileMetadata describes an uploaded image stored in the file store.
type FileMetadata struct {
	ID        string `json:"id"`
	MimeType  string `json:"mimeType"`
	Size      int64  `json:"size"`
	CreatedAt int64  `json:"createdAt"`
	UserID    string `json:"userId"`
}

// PushSubscription is a browser web-push endpoint registered by a user.
type PushSubscription struct {
	UserID    string `json:"userId"`
	Endpoint  string `json:"endpoint"`
	P256dh    string `json:"p256dh"`
	Auth      string `json:"auth"`
	CreatedAt int64  `json:"createdAt"`
}

// ConversationID returns the deterministic id of the direct conversation
// between two users, independent of argument order. "~" never appears in a
// valid identity, so distinct pairs never collide.
func ConversationID(u1, u2 string) string {
	ids := []string{u1, u2}
	sort.Strings(ids)
	return fmt.Sprintf("dm_%s~%s", ids[0], ids[1])
}
