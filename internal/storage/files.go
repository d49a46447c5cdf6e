package storage

import (
	"context"
	"fmt"

	"chatrelay/internal/models"

	"go.etcd.io/bbolt"
)

func (s *BboltStorage) UpsertFileMetadata(ctx context.Context, meta models.FileMetadata) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		dbFile := newDBFile(meta)
		if err := putStoreable(tx.Bucket(bucketFiles), &dbFile); err != nil {
			return fmt.Errorf("failed to marshal file metadata: %w", err)
		}
		return nil
	})
}

func (s *BboltStorage) GetFileMetadata(ctx context.Context, id string) (models.FileMetadata, error) {
	if err := ctx.Err(); err != nil {
		return models.FileMetadata{}, err
	}
	var dbFile DBFile
	err := s.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(bucketFiles).Get([]byte(id))
		if data == nil {
			return fmt.Errorf("file metadata %s: %w", id, models.ErrNotFound)
		}
		return dbFile.UnmarshalBinary(data)
	})
	if err != nil {
		return models.FileMetadata{}, err
	}
	return dbFile.Model(), nil
}

func (s *BboltStorage) UpsertPushSubscription(ctx context.Context, sub models.PushSubscription) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		userBucket, err := tx.Bucket(bucketPush).CreateBucketIfNotExists([]byte(sub.UserID))
		if err != nil {
			return err
		}
		dbSub := newDBPushSubscription(sub)
		return putStoreable(userBucket, &dbSub)
	})
}

func (s *BboltStorage) ListPushSubscriptions(ctx context.Context, userID string) ([]models.PushSubscription, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	subs := []models.PushSubscription{}
	err := s.db.View(func(tx *bbolt.Tx) error {
		userBucket := tx.Bucket(bucketPush).Bucket([]byte(userID))
		if userBucket == nil {
			return nil
		}
		return userBucket.ForEach(func(k, v []byte) error {
			var dbSub DBPushSubscription
			if err := dbSub.UnmarshalBinary(v); err != nil {
				return err
			}
			subs = append(subs, dbSub.Model())
			return nil
		})
	})
	return subs, err
}

func (s *BboltStorage) DeletePushSubscription(ctx context.Context, userID, endpoint string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		userBucket := tx.Bucket(bucketPush).Bucket([]byte(userID))
		if userBucket == nil {
			return nil
		}
		return userBucket.Delete([]byte(endpoint))
	})
}
