package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

const (
	StorageBbolt  = "bbolt"
	StoragePebble = "pebble"
	StorageMemory = "memory"

	OutboxPolicyClose      = "close"
	OutboxPolicyDropOldest = "drop-oldest"
)

type Config struct {
	DBFile        string
	StorageDriver string
	APIAddr       string
	AdminAddr     string
	BaseURL       string
	UploadsPath   string

	MaxImageBytes  int64
	UploadTokenTTL time.Duration

	OutboxSize   int
	OutboxPolicy string
	PingInterval time.Duration
	PongWait     time.Duration
	WriteWait    time.Duration
	DeliveryWait time.Duration

	PresenceReconcileInterval time.Duration

	LogLevel  string
	LogFormat string

	Redis RedisConfig
	Push  PushConfig
}

// RedisConfig holds connection settings for the presence mirror.
// An empty Addr disables the mirror.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	Prefix   string
}

// PushConfig holds VAPID settings for web push. Empty keys disable push.
type PushConfig struct {
	VAPIDPublicKey  string
	VAPIDPrivateKey string
	Subscriber      string
}

func (p PushConfig) Enabled() bool {
	return p.VAPIDPublicKey != "" && p.VAPIDPrivateKey != ""
}

func Load() (*Config, error) {
	var (
		cfg = &Config{
			DBFile:        getEnv("RELAY_DB", "relay.db"),
			StorageDriver: getEnv("STORAGE_DRIVER", StorageBbolt),
			APIAddr:       getEnv("API_ADDR", ":8080"),
			AdminAddr:     getEnv("ADMIN_ADDR", "localhost:8081"),
			BaseURL:       getEnv("BASE_URL", "http://localhost:8080"),
			UploadsPath:   getEnv("UPLOADS_PATH", "uploads"),
			OutboxPolicy:  getEnv("OUTBOX_POLICY", OutboxPolicyClose),
			LogLevel:      getEnv("LOG_LEVEL", "info"),
			LogFormat:     getEnv("LOG_FORMAT", "json"),
			Redis: RedisConfig{
				Addr:     os.Getenv("REDIS_ADDR"),
				Password: os.Getenv("REDIS_PASSWORD"),
				Prefix:   getEnv("REDIS_PREFIX", "chatrelay:"),
			},
			Push: PushConfig{
				VAPIDPublicKey:  os.Getenv("VAPID_PUBLIC_KEY"),
				VAPIDPrivateKey: os.Getenv("VAPID_PRIVATE_KEY"),
				Subscriber:      getEnv("VAPID_SUBSCRIBER", "mailto:admin@localhost"),
			},
		}
		err error
	)

	if cfg.MaxImageBytes, err = getInt64("MAX_IMAGE_BYTES", 10<<20); err != nil {
		return nil, err
	}
	if cfg.OutboxSize, err = getInt("OUTBOX_SIZE", 256); err != nil {
		return nil, err
	}
	if cfg.Redis.DB, err = getInt("REDIS_DB", 0); err != nil {
		return nil, err
	}
	if cfg.UploadTokenTTL, err = getDuration("UPLOAD_TOKEN_TTL", "10m"); err != nil {
		return nil, err
	}
	if cfg.PingInterval, err = getDuration("PING_INTERVAL", "20s"); err != nil {
		return nil, err
	}
	if cfg.PongWait, err = getDuration("PONG_WAIT", "60s"); err != nil {
		return nil, err
	}
	if cfg.WriteWait, err = getDuration("WRITE_WAIT", "10s"); err != nil {
		return nil, err
	}
	if cfg.DeliveryWait, err = getDuration("DELIVERY_WAIT", "2s"); err != nil {
		return nil, err
	}
	if cfg.PresenceReconcileInterval, err = getDuration("PRESENCE_RECONCILE_INTERVAL", "60s"); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) Validate() error {
	switch c.StorageDriver {
	case StorageBbolt, StoragePebble, StorageMemory:
	default:
		return fmt.Errorf("STORAGE_DRIVER must be one of %s, %s, %s", StorageBbolt, StoragePebble, StorageMemory)
	}

	switch c.OutboxPolicy {
	case OutboxPolicyClose, OutboxPolicyDropOldest:
	default:
		return fmt.Errorf("OUTBOX_POLICY must be %s or %s", OutboxPolicyClose, OutboxPolicyDropOldest)
	}

	if c.MaxImageBytes <= 0 {
		return fmt.Errorf("MAX_IMAGE_BYTES must be greater than 0")
	}
	if c.OutboxSize <= 0 {
		return fmt.Errorf("OUTBOX_SIZE must be greater than 0")
	}
	if c.UploadTokenTTL <= 0 {
		return fmt.Errorf("UPLOAD_TOKEN_TTL must be greater than 0")
	}
	if c.PingInterval <= 0 || c.PongWait <= 0 || c.WriteWait <= 0 {
		return fmt.Errorf("PING_INTERVAL, PONG_WAIT and WRITE_WAIT must be greater than 0")
	}
	if c.DeliveryWait <= 0 {
		return fmt.Errorf("DELIVERY_WAIT must be greater than 0")
	}
	if c.PingInterval >= c.PongWait {
		return fmt.Errorf("PING_INTERVAL must be shorter than PONG_WAIT")
	}
	if c.PresenceReconcileInterval < 0 {
		return fmt.Errorf("PRESENCE_RECONCILE_INTERVAL must not be negative")
	}

	if (c.Push.VAPIDPublicKey == "") != (c.Push.VAPIDPrivateKey == "") {
		return fmt.Errorf("VAPID_PUBLIC_KEY and VAPID_PRIVATE_KEY must be set together")
	}

	return nil
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getDuration(key, fallback string) (time.Duration, error) {
	d, err := time.ParseDuration(getEnv(key, fallback))
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return d, nil
}

func getInt(key string, fallback int) (int, error) {
	v, ok := os.LookupEnv(key)
	if !ok {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return n, nil
}

func getInt64(key string, fallback int64) (int64, error) {
	v, ok := os.LookupEnv(key)
	if !ok {
		return fallback, nil
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return n, nil
}
