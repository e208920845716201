// Package redis provides the shared cache tier backed by Redis.
package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/JakeFAU/newsfacts-pipeline/internal/metrics"
)

// Client is the subset of the go-redis client used here.
type Client interface {
	Get(ctx context.Context, key string) *goredis.StringCmd
	Set(ctx context.Context, key string, value any, expiration time.Duration) *goredis.StatusCmd
}

// Cache stores entries under a key prefix with a fixed TTL.
type Cache struct {
	client Client
	prefix string
	ttl    time.Duration
}

// Connect parses a redis:// URL and returns a client.
func Connect(url string) (*goredis.Client, error) {
	opt, err := goredis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	return goredis.NewClient(opt), nil
}

// New wraps client. ttl <= 0 stores entries without expiry.
func New(client Client, prefix string, ttl time.Duration) (*Cache, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client is required")
	}
	return &Cache{client: client, prefix: prefix, ttl: ttl}, nil
}

// Get returns the stored value. A missing key is a miss, not an error.
func (c *Cache) Get(ctx context.Context, key string) (string, bool, error) {
	value, err := c.client.Get(ctx, c.prefix+key).Result()
	if errors.Is(err, goredis.Nil) {
		metrics.ObserveCacheLookup("redis", false)
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("redis get: %w", err)
	}
	metrics.ObserveCacheLookup("redis", true)
	return value, true, nil
}

// Set stores value with the configured TTL.
func (c *Cache) Set(ctx context.Context, key, value string) error {
	if err := c.client.Set(ctx, c.prefix+key, value, c.ttl).Err(); err != nil {
		return fmt.Errorf("redis set: %w", err)
	}
	return nil
}
