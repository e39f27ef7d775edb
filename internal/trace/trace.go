// Package trace caches per-job trace correlation in Redis so the
// add-in ack path can recover the trace id even after the job row has
// left the hot path. The cache is best-effort; the jobs table stays
// authoritative.
package trace

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	keyPrefix  = "addin:trace:"
	defaultTTL = 24 * time.Hour
)

// ErrNotFound is returned when no trace is cached for a job.
var ErrNotFound = errors.New("trace not found")

type Cache struct {
	client *redis.Client
	ttl    time.Duration
}

// NewCache connects to Redis at url. An empty url disables the cache;
// every call then behaves as a miss.
func NewCache(url string) (*Cache, error) {
	if url == "" {
		return &Cache{}, nil
	}
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	return NewCacheWithClient(redis.NewClient(opts)), nil
}

// NewCacheWithClient wraps an existing client. Tests use it with a
// miniredis-backed client.
func NewCacheWithClient(client *redis.Client) *Cache {
	return &Cache{client: client, ttl: defaultTTL}
}

// Put stores the trace id for a job.
func (c *Cache) Put(ctx context.Context, jobID, traceID string) error {
	if c.client == nil || jobID == "" || traceID == "" {
		return nil
	}
	return c.client.Set(ctx, keyPrefix+jobID, traceID, c.ttl).Err()
}

// Get returns the cached trace id for a job.
func (c *Cache) Get(ctx context.Context, jobID string) (string, error) {
	if c.client == nil {
		return "", ErrNotFound
	}
	v, err := c.client.Get(ctx, keyPrefix+jobID).Result()
	if err == redis.Nil {
		return "", ErrNotFound
	}
	if err != nil {
		return "", err
	}
	return v, nil
}

// Close releases the underlying connection.
func (c *Cache) Close() error {
	if c.client == nil {
		return nil
	}
	return c.client.Close()
}
