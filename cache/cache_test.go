package cache

import (
	"context"
	"os"
	"sync/atomic"
	"testing"
	"time"

	"MuseGen/config"
	"MuseGen/core/delivery"
	"MuseGen/core/generation"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	_ delivery.URLCache  = (*URLCache)(nil)
	_ generation.Locker = (*UserLock)(nil)
)

// testClient 需要 REDIS_TEST_ADDR 指向一个可写的 Redis，否则跳过
func testClient(t *testing.T) *redis.Client {
	t.Helper()
	addr := os.Getenv("REDIS_TEST_ADDR")
	if addr == "" {
		t.Skip("REDIS_TEST_ADDR not set")
	}
	client := redis.NewClient(&redis.Options{Addr: addr, DB: 15})
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, client.Ping(ctx).Err())
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func TestKeys(t *testing.T) {
	assert.Equal(t, "musegen:lock:generation:user:u1", LockKey("generation:user:u1"))
	assert.Equal(t, "musegen:url:play:songs/a.mp3", NewURLCache(nil).URLKey("play:songs/a.mp3"))
}

func TestURLCacheIgnoresNonPositiveTTL(t *testing.T) {
	c := NewURLCache(nil)
	assert.NoError(t, c.Set(context.Background(), "k", "u", 0))
	assert.NoError(t, c.Forget(context.Background()))
}

func TestConnectRedisDisabled(t *testing.T) {
	client, err := ConnectRedis(&config.Config{RedisEnabled: false})
	require.NoError(t, err)
	assert.Nil(t, client)
}

func TestCheckRedisWithoutClient(t *testing.T) {
	assert.Error(t, CheckRedis(context.Background(), nil))
}

func TestURLCacheRoundTrip(t *testing.T) {
	client := testClient(t)
	ctx := context.Background()
	c := NewURLCache(client)
	key := delivery.URLCacheKey(delivery.OpPlay, "songs/round-trip.mp3")

	_, ok, err := c.Get(ctx, key)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, c.Set(ctx, key, "https://signed", time.Minute))
	url, ok, err := c.Get(ctx, key)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "https://signed", url)

	ttl, err := client.TTL(ctx, c.URLKey(key)).Result()
	require.NoError(t, err)
	assert.LessOrEqual(t, ttl, time.Minute)

	require.NoError(t, c.Forget(ctx, "songs/round-trip.mp3"))
	_, ok, err = c.Get(ctx, key)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestUserLockExcludes(t *testing.T) {
	client := testClient(t)
	l := NewUserLock(client, time.Second)
	l.poll = 10 * time.Millisecond
	key := "test:" + time.Now().Format(time.RFC3339Nano)

	unlock, err := l.Lock(context.Background(), key)
	require.NoError(t, err)

	var second atomic.Bool
	done := make(chan struct{})
	go func() {
		defer close(done)
		u, err := l.Lock(context.Background(), key)
		if err == nil {
			second.Store(true)
			u()
		}
	}()

	time.Sleep(50 * time.Millisecond)
	assert.False(t, second.Load())
	unlock()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("second locker never acquired")
	}
	assert.True(t, second.Load())
}

func TestUserLockRespectsContext(t *testing.T) {
	client := testClient(t)
	l := NewUserLock(client, time.Second)
	l.poll = 10 * time.Millisecond
	key := "test-ctx:" + time.Now().Format(time.RFC3339Nano)

	unlock, err := l.Lock(context.Background(), key)
	require.NoError(t, err)
	defer unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = l.Lock(ctx, key)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestUserLockKeepsAliveWhileHeld(t *testing.T) {
	client := testClient(t)
	l := NewUserLock(client, 300*time.Millisecond)
	key := "test-keepalive:" + time.Now().Format(time.RFC3339Nano)

	unlock, err := l.Lock(context.Background(), key)
	require.NoError(t, err)
	time.Sleep(600 * time.Millisecond)

	exists, err := client.Exists(context.Background(), LockKey(key)).Result()
	require.NoError(t, err)
	assert.Equal(t, int64(1), exists)

	unlock()
	exists, err = client.Exists(context.Background(), LockKey(key)).Result()
	require.NoError(t, err)
	assert.Zero(t, exists)
}
