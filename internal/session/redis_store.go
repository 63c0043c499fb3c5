package session

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"whisp/internal/canvas"
)

// Config defines fields used for connecting to Redis, parsed from environment variables
type Config struct {
	RedisURL string        `env:"REDIS_URL" envDefault:"redis://localhost:6379/0"`
	TTL      time.Duration `env:"SESSION_TTL" envDefault:"168h"`
}

// RedisStore keeps sessions of many devices in Redis
type RedisStore struct {
	logger *zap.SugaredLogger
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// NewRedisStore connects to Redis at cfg.RedisURL and checks the connection
func NewRedisStore(ctx context.Context, logger *zap.SugaredLogger, cfg Config) (*RedisStore, error) {
	opts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	return NewRedisStoreWithClient(logger, client, cfg.TTL), nil
}

// NewRedisStoreWithClient creates a store from an existing Redis client
func NewRedisStoreWithClient(logger *zap.SugaredLogger, client *redis.Client, ttl time.Duration) *RedisStore {
	return &RedisStore{
		logger: logger,
		client: client,
		prefix: "session:",
		ttl:    ttl,
	}
}

func (s *RedisStore) key(deviceID, canvasID string) string {
	return s.prefix + deviceID + ":" + canvasID
}

// ForDevice returns the session store of one device
func (s *RedisStore) ForDevice(deviceID string) canvas.SessionStore {
	return &deviceSessions{store: s, deviceID: deviceID}
}

// Close closes the Redis connection
func (s *RedisStore) Close() error {
	return s.client.Close()
}

// Ping checks if Redis is reachable
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

type deviceSessions struct {
	store    *RedisStore
	deviceID string
}

// Session reads the cached session; a missing key or any Redis failure is an absent session
func (d *deviceSessions) Session(ctx context.Context, canvasID string) (canvas.Session, bool) {
	data, err := d.store.client.Get(ctx, d.store.key(d.deviceID, canvasID)).Bytes()
	if err == redis.Nil {
		return canvas.Session{}, false
	}
	if err != nil {
		d.store.logger.Warnf("Reading session of device %s for canvas (id: %s): %v", d.deviceID, canvasID, err)
		return canvas.Session{}, false
	}

	var s canvas.Session
	if err := json.Unmarshal(data, &s); err != nil {
		d.store.logger.Warnf("Decoding session of device %s for canvas (id: %s): %v", d.deviceID, canvasID, err)
		return canvas.Session{}, false
	}

	return s, true
}

func (d *deviceSessions) SaveSession(ctx context.Context, s canvas.Session) error {
	data, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("marshal session: %w", err)
	}

	if err := d.store.client.Set(ctx, d.store.key(d.deviceID, s.CanvasID), data, d.store.ttl).Err(); err != nil {
		return fmt.Errorf("save session: %w", err)
	}

	return nil
}

func (d *deviceSessions) ClearSession(ctx context.Context, canvasID string) error {
	if err := d.store.client.Del(ctx, d.store.key(d.deviceID, canvasID)).Err(); err != nil {
		return fmt.Errorf("clear session: %w", err)
	}
	return nil
}
