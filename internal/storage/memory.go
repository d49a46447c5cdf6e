package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"chatrelay/internal/models"
)

var _ Store = (*MemoryStorage)(nil)

// MemoryStorage keeps everything in process memory. It is meant for
// development and tests; nothing survives a restart.
type MemoryStorage struct {
	mu            sync.Mutex
	users         map[string]models.User
	conversations map[string][]models.Message // index i holds seq i+1
	files         map[string]models.FileMetadata
	push          map[string]map[string]models.PushSubscription
}

func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{
		users:         make(map[string]models.User),
		conversations: make(map[string][]models.Message),
		files:         make(map[string]models.FileMetadata),
		push:          make(map[string]map[string]models.PushSubscription),
	}
}

func (s *MemoryStorage) Close() error { return nil }

func (s *MemoryStorage) UpsertUser(_ context.Context, user models.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing := s.users[user.ID]
	existing.ID = user.ID
	existing.DisplayName = user.DisplayName
	s.users[user.ID] = existing
	return nil
}

func (s *MemoryStorage) EnsureUser(_ context.Context, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.users[userID]; !ok {
		s.users[userID] = models.User{ID: userID, DisplayName: userID}
	}
	return nil
}

func (s *MemoryStorage) GetUser(_ context.Context, userID string) (models.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	u, ok := s.users[userID]
	if !ok {
		return models.User{}, fmt.Errorf("user %s: %w", userID, models.ErrNotFound)
	}
	return u, nil
}

func (s *MemoryStorage) ListUsers(_ context.Context) ([]models.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	users := make([]models.User, 0, len(s.users))
	for _, u := range s.users {
		users = append(users, u)
	}
	sort.Slice(users, func(i, j int) bool { return users[i].ID < users[j].ID })
	return users, nil
}

func (s *MemoryStorage) SetPresence(_ context.Context, userID string, online bool, lastSeen int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	u, ok := s.users[userID]
	if !ok {
		u = models.User{ID: userID, DisplayName: userID}
	}
	u.Online = online
	u.LastSeen = lastSeen
	s.users[userID] = u
	return nil
}

func (s *MemoryStorage) ResetPresence(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for id, u := range s.users {
		u.Online = false
		s.users[id] = u
	}
	return nil
}

func (s *MemoryStorage) AppendMessage(_ context.Context, msg models.Message) (models.Message, error) {
	if msg.ConversationID == "" {
		return models.Message{}, fmt.Errorf("message missing conversation id")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	conv := s.conversations[msg.ConversationID]
	msg.Seq = int64(len(conv)) + 1
	s.conversations[msg.ConversationID] = append(conv, msg)
	return msg, nil
}

func (s *MemoryStorage) MarkDelivered(_ context.Context, conversationID string, seq int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	conv := s.conversations[conversationID]
	if seq < 1 || seq > int64(len(conv)) {
		return fmt.Errorf("message %s/%d: %w", conversationID, seq, models.ErrNotFound)
	}
	conv[seq-1].Delivered = true
	return nil
}

func (s *MemoryStorage) ListMessages(_ context.Context, conversationID string, before int64, limit int) ([]models.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if limit <= 0 {
		return []models.Message{}, nil
	}

	conv := s.conversations[conversationID]
	end := int64(len(conv))
	if before > 0 && before-1 < end {
		end = before - 1
	}
	start := max(end-int64(limit), 0)

	messages := make([]models.Message, 0, end-start)
	return append(messages, conv[start:end]...), nil
}

func (s *MemoryStorage) UpsertFileMetadata(_ context.Context, meta models.FileMetadata) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.files[meta.ID] = meta
	return nil
}

func (s *MemoryStorage) GetFileMetadata(_ context.Context, id string) (models.FileMetadata, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	meta, ok := s.files[id]
	if !ok {
		return models.FileMetadata{}, fmt.Errorf("file metadata %s: %w", id, models.ErrNotFound)
	}
	return meta, nil
}

func (s *MemoryStorage) UpsertPushSubscription(_ context.Context, sub models.PushSubscription) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	subs, ok := s.push[sub.UserID]
	if !ok {
		subs = make(map[string]models.PushSubscription)
		s.push[sub.UserID] = subs
	}
	subs[sub.Endpoint] = sub
	return nil
}

func (s *MemoryStorage) ListPushSubscriptions(_ context.Context, userID string) ([]models.PushSubscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	subs := make([]models.PushSubscription, 0, len(s.push[userID]))
	for _, sub := range s.push[userID] {
		subs = append(subs, sub)
	}
	sort.Slice(subs, func(i, j int) bool { return subs[i].Endpoint < subs[j].Endpoint })
	return subs, nil
}

func (s *MemoryStorage) DeletePushSubscription(_ context.Context, userID, endpoint string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.push[userID], endpoint)
	return nil
}
