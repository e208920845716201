// Package cache holds the bounded knowledge-base lookup cache.
package cache

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/golang/groupcache/lru"

	"github.com/JakeFAU/newsfacts-pipeline/internal/metrics"
)

// Cache stores string values by key. An empty value is a valid entry.
type Cache interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string) error
}

// Default sizing for the in-process knowledge-base cache.
const (
	DefaultCapacity = 10000
	DefaultTTL      = 24 * time.Hour
)

type entry struct {
	value   string
	expires time.Time
}

// LRU is a mutex guarded least-recently-used cache with optional expiry.
type LRU struct {
	mu  sync.Mutex
	lru *lru.Cache
	ttl time.Duration
	now func() time.Time
}

// NewLRU builds an LRU holding at most capacity entries. ttl <= 0 disables expiry.
func NewLRU(capacity int, ttl time.Duration) *LRU {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &LRU{lru: lru.New(capacity), ttl: ttl, now: time.Now}
}

// Get implements Cache.
func (c *LRU) Get(_ context.Context, key string) (string, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	raw, ok := c.lru.Get(key)
	if !ok {
		metrics.ObserveCacheLookup("lru", false)
		return "", false, nil
	}
	e, _ := raw.(entry) //nolint:errcheck // only entry values are stored
	if !e.expires.IsZero() && !c.now().Before(e.expires) {
		c.lru.Remove(key)
		metrics.ObserveCacheLookup("lru", false)
		return "", false, nil
	}
	metrics.ObserveCacheLookup("lru", true)
	return e.value, true, nil
}

// Set implements Cache.
func (c *LRU) Set(_ context.Context, key, value string) error {
	e := entry{value: value}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ttl > 0 {
		e.expires = c.now().Add(c.ttl)
	}
	c.lru.Add(key, e)
	return nil
}

// Len reports the number of stored entries, expired ones included.
func (c *LRU) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lru.Len()
}

// Tiered reads through a near cache to an optional far cache and backfills
// the near tier on far hits.
type Tiered struct {
	near Cache
	far  Cache
}

// NewTiered composes near and far. far may be nil.
func NewTiered(near, far Cache) *Tiered {
	return &Tiered{near: near, far: far}
}

// Get implements Cache.
func (t *Tiered) Get(ctx context.Context, key string) (string, bool, error) {
	value, ok, err := t.near.Get(ctx, key)
	if err != nil || ok || t.far == nil {
		return value, ok, err
	}
	value, ok, err = t.far.Get(ctx, key)
	if err != nil || !ok {
		return "", false, err
	}
	if err := t.near.Set(ctx, key, value); err != nil {
		return value, true, fmt.Errorf("backfill near cache: %w", err)
	}
	return value, true, nil
}

// Set implements Cache.
func (t *Tiered) Set(ctx context.Context, key, value string) error {
	if err := t.near.Set(ctx, key, value); err != nil {
		return err
	}
	if t.far == nil {
		return nil
	}
	return t.far.Set(ctx, key, value)
}
