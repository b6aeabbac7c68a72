package rediscache

import (
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T) *redis.Client {
	t.Helper()
	mr := miniredis.RunT(t)
	return redis.NewClient(&redis.Options{Addr: mr.Addr()})
}

func TestCacheBackend_MissThenHit(t *testing.T) {
	client := newTestClient(t)
	b := NewCacheBackend(client)

	_, found, err := b.Get("k1")
	require.NoError(t, err)
	require.False(t, found)

	require.NoError(t, b.Set("k1", 42, time.Hour))

	length, found, err := b.Get("k1")
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, 42, length)
}

func TestCacheBackend_ExpiresByTTL(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	b := NewCacheBackend(client)

	require.NoError(t, b.Set("k2", 7, time.Second))
	mr.FastForward(2 * time.Second)

	_, found, err := b.Get("k2")
	require.NoError(t, err)
	require.False(t, found)
}

func TestCooldownBackend_SetAndGet(t *testing.T) {
	client := newTestClient(t)
	b := NewCooldownBackend(client)

	_, ok, err := b.Get("acct-1")
	require.NoError(t, err)
	require.False(t, ok)

	until := time.Now().Add(5 * time.Minute)
	require.NoError(t, b.Set("acct-1", until))

	got, ok, err := b.Get("acct-1")
	require.NoError(t, err)
	require.True(t, ok)
	require.WithinDuration(t, until, got, time.Second)
}

func TestCooldownBackend_PastTimeIsNoop(t *testing.T) {
	client := newTestClient(t)
	b := NewCooldownBackend(client)

	require.NoError(t, b.Set("acct-2", time.Now().Add(-time.Minute)))

	_, ok, err := b.Get("acct-2")
	require.NoError(t, err)
	require.False(t, ok)
}
