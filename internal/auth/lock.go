package auth

import (
	"context"
	"fmt"
	"time"

	"github.com/bsm/redislock"
	"github.com/rs/zerolog/log"
)

// RedisLocker implements Locker with a redis lease
type RedisLocker struct {
	client *redislock.Client
	ttl    time.Duration
	retry  redislock.RetryStrategy
}

// NewRedisLocker builds a locker over any go-redis client
func NewRedisLocker(rdb redislock.RedisClient, ttl time.Duration) *RedisLocker {
	return &RedisLocker{
		client: redislock.New(rdb),
		ttl:    ttl,
		retry:  redislock.LimitRetry(redislock.LinearBackoff(100*time.Millisecond), int(ttl/(100*time.Millisecond))),
	}
}

func (l *RedisLocker) Lock(ctx context.Context, key string) (func(), error) {
	lock, err := l.client.Obtain(ctx, key, l.ttl, &redislock.Options{RetryStrategy: l.retry})
	if err != nil {
		return nil, fmt.Errorf("obtain %s: %w", key, err)
	}
	return func() {
		if err := lock.Release(context.Background()); err != nil && err != redislock.ErrLockNotHeld {
			log.Warn().Err(err).Str("key", key).Msg("release lock")
		}
	}, nil
}
