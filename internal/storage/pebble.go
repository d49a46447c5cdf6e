package storage

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"sync"

	"chatrelay/internal/models"

	"github.com/cockroachdb/pebble/v2"
)

// Key layout. Identities and conversation ids never contain a zero byte.
//
//	u\x00<userID>                     DBUser
//	m\x00<conversationID>\x00<seq>    DBMessage, seq is 8 byte big-endian
//	f\x00<fileID>                     DBFile
//	p\x00<userID>\x00<endpoint>       DBPushSubscription
const (
	prefixUser    = "u\x00"
	prefixMessage = "m\x00"
	prefixFile    = "f\x00"
	prefixPush    = "p\x00"
)

var _ Store = (*PebbleStorage)(nil)

type PebbleStorage struct {
	db *pebble.DB

	// Serializes read-modify-write operations and seq assignment.
	mu sync.Mutex
}

func NewPebbleStorage(dir string) (*PebbleStorage, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create pebble dir: %w", err)
	}
	db, err := pebble.Open(filepath.Clean(dir), &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("failed to open pebble db: %w", err)
	}
	return &PebbleStorage{db: db}, nil
}

func (s *PebbleStorage) Close() error {
	return s.db.Close()
}

func userKey(userID string) []byte {
	return []byte(prefixUser + userID)
}

func conversationPrefix(conversationID string) []byte {
	return []byte(prefixMessage + conversationID + "\x00")
}

func messageKey(conversationID string, seq int64) []byte {
	return append(conversationPrefix(conversationID), seqKey(seq)...)
}

func pushPrefix(userID string) []byte {
	return []byte(prefixPush + userID + "\x00")
}

// upperBound returns the smallest key greater than every key with prefix p.
// All prefixes used here end in a zero byte.
func upperBound(p []byte) []byte {
	ub := slices.Clone(p)
	ub[len(ub)-1]++
	return ub
}

func (s *PebbleStorage) get(key []byte, v Storeable) (bool, error) {
	data, closer, err := s.db.Get(key)
	if errors.Is(err, pebble.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	defer func() { _ = closer.Close() }()
	if err := v.UnmarshalBinary(data); err != nil {
		return false, err
	}
	return true, nil
}

func (s *PebbleStorage) set(key []byte, v Storeable) error {
	data, err := v.MarshalBinary()
	if err != nil {
		return err
	}
	return s.db.Set(key, data, pebble.Sync)
}

// scan calls fn for every value under prefix in key order.
func (s *PebbleStorage) scan(prefix []byte, fn func(value []byte) error) error {
	it, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: upperBound(prefix),
	})
	if err != nil {
		return err
	}
	defer func() { _ = it.Close() }()

	for it.First(); it.Valid(); it.Next() {
		if err := fn(it.Value()); err != nil {
			return err
		}
	}
	return nil
}

func (s *PebbleStorage) UpsertUser(ctx context.Context, user models.User) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	var dbUser DBUser
	if _, err := s.get(userKey(user.ID), &dbUser); err != nil {
		return err
	}
	dbUser.ID = user.ID
	dbUser.DisplayName = user.DisplayName
	return s.set(userKey(user.ID), &dbUser)
}

func (s *PebbleStorage) EnsureUser(ctx context.Context, userID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	var dbUser DBUser
	ok, err := s.get(userKey(userID), &dbUser)
	if err != nil || ok {
		return err
	}
	return s.set(userKey(userID), &DBUser{ID: userID, DisplayName: userID})
}

func (s *PebbleStorage) GetUser(ctx context.Context, userID string) (models.User, error) {
	if err := ctx.Err(); err != nil {
		return models.User{}, err
	}
	var dbUser DBUser
	ok, err := s.get(userKey(userID), &dbUser)
	if err != nil {
		return models.User{}, err
	}
	if !ok {
		return models.User{}, fmt.Errorf("user %s: %w", userID, models.ErrNotFound)
	}
	return dbUser.Model(), nil
}

func (s *PebbleStorage) ListUsers(ctx context.Context) ([]models.User, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	users := []models.User{}
	err := s.scan([]byte(prefixUser), func(value []byte) error {
		var dbUser DBUser
		if err := dbUser.UnmarshalBinary(value); err != nil {
			return err
		}
		users = append(users, dbUser.Model())
		return nil
	})
	return users, err
}

func (s *PebbleStorage) SetPresence(ctx context.Context, userID string, online bool, lastSeen int64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	var dbUser DBUser
	ok, err := s.get(userKey(userID), &dbUser)
	if err != nil {
		return err
	}
	if !ok {
		dbUser = DBUser{ID: userID, DisplayName: userID}
	}
	dbUser.Online = online
	dbUser.LastSeen = lastSeen
	return s.set(userKey(userID), &dbUser)
}

func (s *PebbleStorage) ResetPresence(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	batch := s.db.NewBatch()
	defer func() { _ = batch.Close() }()

	err := s.scan([]byte(prefixUser), func(value []byte) error {
		var dbUser DBUser
		if err := dbUser.UnmarshalBinary(value); err != nil {
			return err
		}
		if !dbUser.Online {
			return nil
		}
		dbUser.Online = false
		data, err := dbUser.MarshalBinary()
		if err != nil {
			return err
		}
		return batch.Set(userKey(dbUser.ID), data, nil)
	})
	if err != nil {
		return err
	}
	return batch.Commit(pebble.Sync)
}

func (s *PebbleStorage) lastSeq(conversationID string) (int64, error) {
	prefix := conversationPrefix(conversationID)
	it, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: upperBound(prefix),
	})
	if err != nil {
		return 0, err
	}
	defer func() { _ = it.Close() }()

	if !it.Last() {
		return 0, nil
	}
	var dbMessage DBMessage
	if err := dbMessage.UnmarshalBinary(it.Value()); err != nil {
		return 0, err
	}
	return dbMessage.Seq, nil
}

func (s *PebbleStorage) AppendMessage(ctx context.Context, msg models.Message) (models.Message, error) {
	if err := ctx.Err(); err != nil {
		return models.Message{}, err
	}
	if msg.ConversationID == "" {
		return models.Message{}, fmt.Errorf("message missing conversation id")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	last, err := s.lastSeq(msg.ConversationID)
	if err != nil {
		return models.Message{}, err
	}
	msg.Seq = last + 1

	dbMessage := newDBMessage(msg)
	if err := s.set(messageKey(msg.ConversationID, msg.Seq), &dbMessage); err != nil {
		return models.Message{}, fmt.Errorf("failed to put message: %w", err)
	}
	return msg, nil
}

func (s *PebbleStorage) MarkDelivered(ctx context.Context, conversationID string, seq int64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	key := messageKey(conversationID, seq)
	var dbMessage DBMessage
	ok, err := s.get(key, &dbMessage)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("message %s/%d: %w", conversationID, seq, models.ErrNotFound)
	}
	if dbMessage.Delivered {
		return nil
	}
	dbMessage.Delivered = true
	return s.set(key, &dbMessage)
}

func (s *PebbleStorage) ListMessages(ctx context.Context, conversationID string, before int64, limit int) ([]models.Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	messages := []models.Message{}
	if limit <= 0 {
		return messages, nil
	}

	prefix := conversationPrefix(conversationID)
	opts := &pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: upperBound(prefix),
	}
	if before > 0 {
		opts.UpperBound = messageKey(conversationID, before)
	}

	it, err := s.db.NewIter(opts)
	if err != nil {
		return nil, err
	}
	defer func() { _ = it.Close() }()

	for valid := it.Last(); valid && len(messages) < limit; valid = it.Prev() {
		var dbMessage DBMessage
		if err := dbMessage.UnmarshalBinary(it.Value()); err != nil {
			return nil, err
		}
		messages = append(messages, dbMessage.Model())
	}

	slices.Reverse(messages)
	return messages, nil
}

func (s *PebbleStorage) UpsertFileMetadata(ctx context.Context, meta models.FileMetadata) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	dbFile := newDBFile(meta)
	return s.set([]byte(prefixFile+meta.ID), &dbFile)
}

func (s *PebbleStorage) GetFileMetadata(ctx context.Context, id string) (models.FileMetadata, error) {
	if err := ctx.Err(); err != nil {
		return models.FileMetadata{}, err
	}
	var dbFile DBFile
	ok, err := s.get([]byte(prefixFile+id), &dbFile)
	if err != nil {
		return models.FileMetadata{}, err
	}
	if !ok {
		return models.FileMetadata{}, fmt.Errorf("file metadata %s: %w", id, models.ErrNotFound)
	}
	return dbFile.Model(), nil
}

func (s *PebbleStorage) UpsertPushSubscription(ctx context.Context, sub models.PushSubscription) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	dbSub := newDBPushSubscription(sub)
	return s.set(append(pushPrefix(sub.UserID), dbSub.Key()...), &dbSub)
}

func (s *PebbleStorage) ListPushSubscriptions(ctx context.Context, userID string) ([]models.PushSubscription, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	subs := []models.PushSubscription{}
	err := s.scan(pushPrefix(userID), func(value []byte) error {
		var dbSub DBPushSubscription
		if err := dbSub.UnmarshalBinary(value); err != nil {
			return err
		}
		subs = append(subs, dbSub.Model())
		return nil
	})
	return subs, err
}

func (s *PebbleStorage) DeletePushSubscription(ctx context.Context, userID, endpoint string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.Delete(append(pushPrefix(userID), endpoint...), pebble.Sync)
}
