package dedup

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

var (
	notificationKey = "mailsync:dedup:notification:%s" // dedup key
	messageKey      = "mailsync:dedup:message:%s"      // account:provider message id
)

// RedisStore shares processed keys across replicas. TryMark is a single SET NX PX.
type RedisStore struct {
	rdb     redis.UniversalClient
	format  string
	horizon time.Duration
}

// NewRedisManager builds a manager backed by one redis client
func NewRedisManager(rdb redis.UniversalClient, notificationHorizon, messageHorizon time.Duration) *Manager {
	return NewManager(
		&RedisStore{rdb: rdb, format: notificationKey, horizon: notificationHorizon},
		&RedisStore{rdb: rdb, format: messageKey, horizon: messageHorizon},
	)
}

func (s *RedisStore) key(k string) string {
	return fmt.Sprintf(s.format, k)
}

func (s *RedisStore) IsProcessed(ctx context.Context, key string) (bool, error) {
	n, err := s.rdb.Exists(ctx, s.key(key)).Result()
	if err != nil {
		return false, fmt.Errorf("dedup exists: %w", err)
	}
	return n > 0, nil
}

func (s *RedisStore) MarkProcessed(ctx context.Context, key string) error {
	if err := s.rdb.Set(ctx, s.key(key), time.Now().UnixMilli(), s.horizon).Err(); err != nil {
		return fmt.Errorf("dedup mark: %w", err)
	}
	return nil
}

func (s *RedisStore) TryMark(ctx context.Context, key string) (bool, error) {
	ok, err := s.rdb.SetNX(ctx, s.key(key), time.Now().UnixMilli(), s.horizon).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return false, fmt.Errorf("dedup try mark: %w", err)
	}
	return ok, nil
}

func (s *RedisStore) Forget(ctx context.Context, key string) error {
	if err := s.rdb.Del(ctx, s.key(key)).Err(); err != nil {
		return fmt.Errorf("dedup forget: %w", err)
	}
	return nil
}
