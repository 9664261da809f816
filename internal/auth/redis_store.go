package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const redisSessionKeyPrefix = "streamhub:session:"

// RedisSessionStore persists sessions in Redis, sharing authentication state
// across API replicas. Expiry is enforced with key TTLs so PurgeExpired is a
// no-op beyond a connectivity check.
type RedisSessionStore struct {
	client  *redis.Client
	timeout time.Duration
}

// RedisSessionConfig configures the Redis-backed session store.
type RedisSessionConfig struct {
	Addr     string
	Password string
	DB       int
	Timeout  time.Duration
}

// NewRedisSessionStore opens a Redis-backed session store.
func NewRedisSessionStore(cfg RedisSessionConfig) (*RedisSessionStore, error) {
	if cfg.Addr == "" {
		return nil, fmt.Errorf("redis session address required")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  timeout,
		ReadTimeout:  timeout,
		WriteTimeout: timeout,
	})
	return &RedisSessionStore{client: client, timeout: timeout}, nil
}

// Close releases the Redis client resources.
func (s *RedisSessionStore) Close(context.Context) error {
	if s == nil || s.client == nil {
		return nil
	}
	return s.client.Close()
}

func (s *RedisSessionStore) opCtx() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), s.timeout)
}

type redisSessionRecord struct {
	AccountID         string    `json:"accountId"`
	ExpiresAt         time.Time `json:"expiresAt"`
	AbsoluteExpiresAt time.Time `json:"absoluteExpiresAt"`
}

// Save stores or updates the session token. The key TTL tracks the absolute
// expiry so abandoned sessions disappear without a purge pass.
func (s *RedisSessionStore) Save(token, accountID string, expiresAt, absoluteExpiresAt time.Time) error {
	if s.client == nil {
		return fmt.Errorf("redis session client not configured")
	}
	payload, err := json.Marshal(redisSessionRecord{
		AccountID:         accountID,
		ExpiresAt:         expiresAt.UTC(),
		AbsoluteExpiresAt: absoluteExpiresAt.UTC(),
	})
	if err != nil {
		return fmt.Errorf("encode session record: %w", err)
	}
	ttl := time.Until(absoluteExpiresAt)
	if ttl <= 0 {
		ttl = time.Second
	}
	ctx, cancel := s.opCtx()
	defer cancel()
	return s.client.Set(ctx, redisSessionKeyPrefix+token, payload, ttl).Err()
}

// Get retrieves the session record for the provided token.
func (s *RedisSessionStore) Get(token string) (SessionRecord, bool, error) {
	if s.client == nil {
		return SessionRecord{}, false, fmt.Errorf("redis session client not configured")
	}
	ctx, cancel := s.opCtx()
	defer cancel()
	payload, err := s.client.Get(ctx, redisSessionKeyPrefix+token).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return SessionRecord{}, false, nil
		}
		return SessionRecord{}, false, err
	}
	var record redisSessionRecord
	if err := json.Unmarshal(payload, &record); err != nil {
		return SessionRecord{}, false, fmt.Errorf("decode session record: %w", err)
	}
	return SessionRecord{
		Token:             token,
		AccountID:         record.AccountID,
		ExpiresAt:         record.ExpiresAt,
		AbsoluteExpiresAt: record.AbsoluteExpiresAt,
	}, true, nil
}

// Delete removes the session token.
func (s *RedisSessionStore) Delete(token string) error {
	if s.client == nil {
		return fmt.Errorf("redis session client not configured")
	}
	ctx, cancel := s.opCtx()
	defer cancel()
	return s.client.Del(ctx, redisSessionKeyPrefix+token).Err()
}

// PurgeExpired is satisfied by key TTLs; it only verifies connectivity.
func (s *RedisSessionStore) PurgeExpired(time.Time) error {
	if s.client == nil {
		return fmt.Errorf("redis session client not configured")
	}
	ctx, cancel := s.opCtx()
	defer cancel()
	return s.client.Ping(ctx).Err()
}

// Ping reports whether the Redis server is reachable.
func (s *RedisSessionStore) Ping(ctx context.Context) error {
	if s == nil || s.client == nil {
		return fmt.Errorf("redis session client not configured")
	}
	return s.client.Ping(ctx).Err()
}

var _ SessionStore = (*RedisSessionStore)(nil)
