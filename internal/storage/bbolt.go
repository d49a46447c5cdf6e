package storage

import (
	"context"
	"fmt"
	"slices"
	"time"

	"chatrelay/internal/models"

	"go.etcd.io/bbolt"
)

var (
	bucketUsers    = []byte("users")
	bucketMessages = []byte("messages")
	bucketFiles    = []byte("files")
	bucketPush     = []byte("push_subscriptions")
)

var _ Store = (*BboltStorage)(nil)

type BboltStorage struct {
	db *bbolt.DB
}

func NewBboltStorage(path string) (*BboltStorage, error) {
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open bbolt db: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		for _, name := range [][]byte{bucketUsers, bucketMessages, bucketFiles, bucketPush} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create buckets: %w", err)
	}

	return &BboltStorage{db: db}, nil
}

func (s *BboltStorage) Close() error {
	return s.db.Close()
}

func getUser(b *bbolt.Bucket, userID string) (DBUser, bool, error) {
	var u DBUser
	data := b.Get([]byte(userID))
	if data == nil {
		return u, false, nil
	}
	if err := u.UnmarshalBinary(data); err != nil {
		return u, false, fmt.Errorf("failed to unmarshal user %s: %w", userID, err)
	}
	return u, true, nil
}

func putStoreable(b *bbolt.Bucket, v Storeable) error {
	data, err := v.MarshalBinary()
	if err != nil {
		return err
	}
	return b.Put(v.Key(), data)
}

func (s *BboltStorage) UpsertUser(ctx context.Context, user models.User) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketUsers)
		dbUser, _, err := getUser(b, user.ID)
		if err != nil {
			return err
		}
		dbUser.ID = user.ID
		dbUser.DisplayName = user.DisplayName
		return putStoreable(b, &dbUser)
	})
}

func (s *BboltStorage) EnsureUser(ctx context.Context, userID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketUsers)
		if b.Get([]byte(userID)) != nil {
			return nil
		}
		return putStoreable(b, &DBUser{ID: userID, DisplayName: userID})
	})
}

func (s *BboltStorage) GetUser(ctx context.Context, userID string) (models.User, error) {
	if err := ctx.Err(); err != nil {
		return models.User{}, err
	}
	var user models.User
	err := s.db.View(func(tx *bbolt.Tx) error {
		dbUser, ok, err := getUser(tx.Bucket(bucketUsers), userID)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("user %s: %w", userID, models.ErrNotFound)
		}
		user = dbUser.Model()
		return nil
	})
	return user, err
}

func (s *BboltStorage) ListUsers(ctx context.Context) ([]models.User, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	users := []models.User{}
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketUsers).ForEach(func(k, v []byte) error {
			var dbUser DBUser
			if err := dbUser.UnmarshalBinary(v); err != nil {
				return err
			}
			users = append(users, dbUser.Model())
			return nil
		})
	})
	return users, err
}

func (s *BboltStorage) SetPresence(ctx context.Context, userID string, online bool, lastSeen int64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketUsers)
		dbUser, ok, err := getUser(b, userID)
		if err != nil {
			return err
		}
		if !ok {
			dbUser = DBUser{ID: userID, DisplayName: userID}
		}
		dbUser.Online = online
		dbUser.LastSeen = lastSeen
		return putStoreable(b, &dbUser)
	})
}

func (s *BboltStorage) ResetPresence(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketUsers)
		var stale []DBUser
		err := b.ForEach(func(k, v []byte) error {
			var dbUser DBUser
			if err := dbUser.UnmarshalBinary(v); err != nil {
				return err
			}
			if dbUser.Online {
				stale = append(stale, dbUser)
			}
			return nil
		})
		if err != nil {
			return err
		}
		// Writes are deferred until after ForEach, which forbids mutation.
		for _, u := range stale {
			u.Online = false
			if err := putStoreable(b, &u); err != nil {
				return err
			}
		}
		return nil
	})
}

// AppendMessage stores the message in its conversation bucket. The bucket's
// own sequence provides the message seq.
func (s *BboltStorage) AppendMessage(ctx context.Context, msg models.Message) (models.Message, error) {
	if err := ctx.Err(); err != nil {
		return models.Message{}, err
	}
	if msg.ConversationID == "" {
		return models.Message{}, fmt.Errorf("message missing conversation id")
	}

	err := s.db.Update(func(tx *bbolt.Tx) error {
		convBucket, err := tx.Bucket(bucketMessages).CreateBucketIfNotExists([]byte(msg.ConversationID))
		if err != nil {
			return fmt.Errorf("failed to create conversation bucket: %w", err)
		}

		seq, err := convBucket.NextSequence()
		if err != nil {
			return err
		}
		msg.Seq = int64(seq)

		dbMessage := newDBMessage(msg)
		if err := putStoreable(convBucket, &dbMessage); err != nil {
			return fmt.Errorf("failed to put message: %w", err)
		}
		return nil
	})
	if err != nil {
		return models.Message{}, err
	}
	return msg, nil
}

func (s *BboltStorage) MarkDelivered(ctx context.Context, conversationID string, seq int64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		convBucket := tx.Bucket(bucketMessages).Bucket([]byte(conversationID))
		if convBucket == nil {
			return fmt.Errorf("conversation %s: %w", conversationID, models.ErrNotFound)
		}
		data := convBucket.Get(seqKey(seq))
		if data == nil {
			return fmt.Errorf("message %s/%d: %w", conversationID, seq, models.ErrNotFound)
		}
		var dbMessage DBMessage
		if err := dbMessage.UnmarshalBinary(data); err != nil {
			return err
		}
		if dbMessage.Delivered {
			return nil
		}
		dbMessage.Delivered = true
		return putStoreable(convBucket, &dbMessage)
	})
}

func (s *BboltStorage) ListMessages(ctx context.Context, conversationID string, before int64, limit int) ([]models.Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	messages := []models.Message{}
	if limit <= 0 {
		return messages, nil
	}

	err := s.db.View(func(tx *bbolt.Tx) error {
		convBucket := tx.Bucket(bucketMessages).Bucket([]byte(conversationID))
		if convBucket == nil {
			return nil // No messages for this conversation
		}

		c := convBucket.Cursor()

		var k, v []byte
		if before <= 0 {
			k, v = c.Last()
		} else if k, _ = c.Seek(seqKey(before)); k == nil {
			k, v = c.Last()
		} else {
			k, v = c.Prev()
		}

		for ; k != nil && len(messages) < limit; k, v = c.Prev() {
			var dbMessage DBMessage
			if err := dbMessage.UnmarshalBinary(v); err != nil {
				return err
			}
			messages = append(messages, dbMessage.Model())
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	slices.Reverse(messages)
	return messages, nil
}
