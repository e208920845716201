package cache

import (
	"context"
	"time"

	gocache "github.com/patrickmn/go-cache"

	"github.com/JakeFAU/newsfacts-pipeline/internal/metrics"
)

// TTL is an unbounded in-process cache whose entries expire after a fixed
// window. It backs the submission dedup index.
type TTL struct {
	cache *gocache.Cache
}

// NewTTL builds a TTL cache. Expired entries are swept every cleanup
// interval; a non-positive interval defaults to half the ttl.
func NewTTL(ttl, cleanup time.Duration) *TTL {
	if cleanup <= 0 {
		cleanup = ttl / 2
	}
	return &TTL{cache: gocache.New(ttl, cleanup)}
}

// Get implements Cache.
func (c *TTL) Get(_ context.Context, key string) (string, bool, error) {
	raw, ok := c.cache.Get(key)
	metrics.ObserveCacheLookup("ttl", ok)
	if !ok {
		return "", false, nil
	}
	value, _ := raw.(string) //nolint:errcheck // only strings are stored
	return value, true, nil
}

// Set implements Cache with the default expiry.
func (c *TTL) Set(_ context.Context, key, value string) error {
	c.cache.SetDefault(key, value)
	return nil
}

// Delete drops key.
func (c *TTL) Delete(key string) {
	c.cache.Delete(key)
}

// Len reports the number of stored entries, expired ones included until the
// next sweep.
func (c *TTL) Len() int {
	return c.cache.ItemCount()
}
