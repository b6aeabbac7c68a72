// Package rediscache provides the optional Redis-backed implementation of
// the prompt-cache and cooldown maps that the in-process cache.Manager and
// distributor.Distributor default to. It is selected when the proxy is
// configured with a Redis address, so multiple proxy instances can share
// cache and cooldown state instead of each tracking its own.
package rediscache

import (
	"context"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// Connect opens a Redis client against addr, which may be either a bare
// "host:port" address or a full redis:// URL.
func Connect(addr string) (*redis.Client, error) {
	if opt, err := redis.ParseURL(addr); err == nil {
		return redis.NewClient(opt), nil
	}
	return redis.NewClient(&redis.Options{Addr: addr}), nil
}

// Ping verifies the connection is live, failing fast at startup rather than
// on the first request.
func Ping(ctx context.Context, client *redis.Client) error {
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return client.Ping(pingCtx).Err()
}

// CacheBackend implements cache.Backend against Redis, storing one string
// key per cache entry whose value is the cacheable text's content length.
type CacheBackend struct {
	client *redis.Client
	prefix string
}

// NewCacheBackend wraps client for use as a cache.Backend.
func NewCacheBackend(client *redis.Client) *CacheBackend {
	return &CacheBackend{client: client, prefix: "aqrelay:cache:"}
}

// Get implements cache.Backend.
func (b *CacheBackend) Get(key string) (contentLength int, found bool, err error) {
	val, err := b.client.Get(context.Background(), b.prefix+key).Result()
	if err == redis.Nil {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	n, err := strconv.Atoi(val)
	if err != nil {
		return 0, false, err
	}
	return n, true, nil
}

// Set implements cache.Backend.
func (b *CacheBackend) Set(key string, contentLength int, ttl time.Duration) error {
	return b.client.Set(context.Background(), b.prefix+key, strconv.Itoa(contentLength), ttl).Err()
}

// CooldownBackend implements distributor.CooldownBackend against Redis,
// storing one string key per cooling-down account whose value is the
// cooldown end time (RFC3339Nano) and whose Redis TTL matches it.
type CooldownBackend struct {
	client *redis.Client
	prefix string
}

// NewCooldownBackend wraps client for use as a distributor.CooldownBackend.
func NewCooldownBackend(client *redis.Client) *CooldownBackend {
	return &CooldownBackend{client: client, prefix: "aqrelay:cooldown:"}
}

// Set implements distributor.CooldownBackend.
func (b *CooldownBackend) Set(id string, until time.Time) error {
	ttl := time.Until(until)
	if ttl <= 0 {
		return nil
	}
	return b.client.Set(context.Background(), b.prefix+id, until.Format(time.RFC3339Nano), ttl).Err()
}

// Get implements distributor.CooldownBackend.
func (b *CooldownBackend) Get(id string) (until time.Time, ok bool, err error) {
	val, err := b.client.Get(context.Background(), b.prefix+id).Result()
	if err == redis.Nil {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, err
	}
	t, err := time.Parse(time.RFC3339Nano, val)
	if err != nil {
		return time.Time{}, false, err
	}
	return t, true, nil
}
