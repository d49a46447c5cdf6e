// Package mirror publishes presence changes to Redis for consumers outside
// the relay. The relay itself never reads them back.
package mirror

import (
	"context"
	"encoding/json"
	"time"

	"chatrelay/internal/presence"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

type Config struct {
	Addr     string
	Password string
	DB       int
	Prefix   string // key and channel prefix, e.g. "chatrelay:"
}

// envelope is published on <prefix>presence for every delta.
type envelope struct {
	InstanceID string `json:"instanceId"`
	UserID     string `json:"userId"`
	Online     bool   `json:"online"`
	Seq        uint64 `json:"seq"`
	At         int64  `json:"at"` // Unix timestamp (milliseconds)
}

// RedisMirror keeps <prefix>online as the set of online identities and
// publishes each change.
type RedisMirror struct {
	client     *redis.Client
	prefix     string
	instanceID string
	logger     zerolog.Logger
}

func NewRedisMirror(cfg Config, logger zerolog.Logger) *RedisMirror {
	client := redis.NewClient(&redis.Options{
		Addr:        cfg.Addr,
		Password:    cfg.Password,
		DB:          cfg.DB,
		DialTimeout: 2 * time.Second,
	})

	return &RedisMirror{
		client:     client,
		prefix:     cfg.Prefix,
		instanceID: uuid.New().String(),
		logger:     logger.With().Str("component", "redis-mirror").Logger(),
	}
}

func (m *RedisMirror) onlineKey() string { return m.prefix + "online" }
func (m *RedisMirror) channel() string   { return m.prefix + "presence" }

// Start checks connectivity and clears the online set left over from a
// previous run.
func (m *RedisMirror) Start(ctx context.Context) error {
	if err := m.client.Ping(ctx).Err(); err != nil {
		return err
	}
	if err := m.client.Del(ctx, m.onlineKey()).Err(); err != nil {
		return err
	}
	m.logger.Info().
		Str("instance_id", m.instanceID).
		Str("channel", m.channel()).
		Msg("redis presence mirror started")
	return nil
}

// PresenceChanged implements presence.Observer.
func (m *RedisMirror) PresenceChanged(ctx context.Context, d presence.Delta) error {
	data, err := m.encode(d)
	if err != nil {
		return err
	}

	_, err = m.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		if d.Online {
			pipe.SAdd(ctx, m.onlineKey(), d.UserID)
		} else {
			pipe.SRem(ctx, m.onlineKey(), d.UserID)
		}
		pipe.Publish(ctx, m.channel(), data)
		return nil
	})
	return err
}

func (m *RedisMirror) encode(d presence.Delta) ([]byte, error) {
	return json.Marshal(envelope{
		InstanceID: m.instanceID,
		UserID:     d.UserID,
		Online:     d.Online,
		Seq:        d.Seq,
		At:         d.At.UnixMilli(),
	})
}

func (m *RedisMirror) Close() error {
	return m.client.Close()
}
