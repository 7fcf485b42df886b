package dedup

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func TestMemoryStoreHorizon(t *testing.T) {
	ctx := context.Background()
	clock := &fakeClock{now: time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)}
	s := NewMemoryStore(5 * time.Minute).WithClock(clock.Now)

	require.NoError(t, s.MarkProcessed(ctx, "gmail:a@b.com:105"))

	clock.Advance(4 * time.Minute)
	seen, err := s.IsProcessed(ctx, "gmail:a@b.com:105")
	require.NoError(t, err)
	assert.True(t, seen, "still processed inside the horizon")

	clock.Advance(2 * time.Minute)
	seen, err = s.IsProcessed(ctx, "gmail:a@b.com:105")
	require.NoError(t, err)
	assert.False(t, seen, "eligible again after the horizon")

	fresh, err := s.TryMark(ctx, "gmail:a@b.com:105")
	require.NoError(t, err)
	assert.True(t, fresh)
}

func TestMemoryStoreSweepsOnMark(t *testing.T) {
	ctx := context.Background()
	clock := &fakeClock{now: time.Unix(0, 0)}
	s := NewMemoryStore(time.Minute).WithClock(clock.Now)

	for i := 0; i < 10; i++ {
		require.NoError(t, s.MarkProcessed(ctx, fmt.Sprintf("k%d", i)))
	}
	assert.Equal(t, 10, s.Len())

	clock.Advance(2 * time.Minute)
	require.NoError(t, s.MarkProcessed(ctx, "new"))
	assert.Equal(t, 1, s.Len())
}

func TestMemoryStoreTryMarkIsExclusive(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore(time.Minute)

	var wg sync.WaitGroup
	var mu sync.Mutex
	winners := 0
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := s.TryMark(ctx, "same")
			assert.NoError(t, err)
			if ok {
				mu.Lock()
				winners++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, winners)
}

func TestMemoryStoreForget(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore(time.Minute)

	ok, _ := s.TryMark(ctx, "k")
	assert.True(t, ok)
	ok, _ = s.TryMark(ctx, "k")
	assert.False(t, ok)

	require.NoError(t, s.Forget(ctx, "k"))
	ok, _ = s.TryMark(ctx, "k")
	assert.True(t, ok)
}

func TestManagerCachesAreIndependent(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryManager(time.Minute, time.Hour)

	require.NoError(t, m.Notifications().MarkProcessed(ctx, "x"))
	seen, _ := m.Messages().IsProcessed(ctx, "x")
	assert.False(t, seen)
}

func TestRedisStore(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()

	m := NewRedisManager(rdb, 5*time.Minute, time.Hour)
	s := m.Notifications()

	ok, err := s.TryMark(ctx, "outlook:msg-1:etag-1")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.TryMark(ctx, "outlook:msg-1:etag-1")
	require.NoError(t, err)
	assert.False(t, ok)

	mr.FastForward(4 * time.Minute)
	seen, err := s.IsProcessed(ctx, "outlook:msg-1:etag-1")
	require.NoError(t, err)
	assert.True(t, seen)

	mr.FastForward(2 * time.Minute)
	seen, err = s.IsProcessed(ctx, "outlook:msg-1:etag-1")
	require.NoError(t, err)
	assert.False(t, seen)

	require.NoError(t, m.Messages().MarkProcessed(ctx, "acct:m1"))
	assert.True(t, mr.Exists("mailsync:dedup:message:acct:m1"))
	require.NoError(t, m.Messages().Forget(ctx, "acct:m1"))
	assert.False(t, mr.Exists("mailsync:dedup:message:acct:m1"))
}
