// Package cache provides the TTL cache every railsignal component consults
// before touching the broker or an upstream API.
package cache

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/therealuhlarzoltan/railsignal/internal/jsoncodec"
	"github.com/therealuhlarzoltan/railsignal/internal/logging"
)

// ErrNotCached is returned by Get when the key holds no live value.
var ErrNotCached = errors.New("railsignal: value is not cached")

// Store is the external key-value collaborator with expiration support.
// MemoryStore implements it in-process; a networked store slots in behind
// the same contract.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
}

// Cache is a typed, namespaced view over a Store. Keys are prefixed with the
// domain name, and a side index records every key ever written so EvictAll
// can enumerate without store-side pattern scans.
//
// The store write and the index add are two separate operations; a crash in
// between leaves an orphaned index entry, which is tolerated because
// evicting a missing value is a no-op.
type Cache[T any] struct {
	store  Store
	prefix string
	ttl    time.Duration
	logger logging.ServiceLogger

	mu    sync.Mutex
	index map[string]struct{}
}

// New constructs a Cache for one domain. ttl applies to every Put.
func New[T any](store Store, domain string, ttl time.Duration, logger logging.ServiceLogger) *Cache[T] {
	if store == nil {
		panic("railsignal: cache store cannot be nil")
	}
	if logger == nil {
		logger = logging.Nop()
	}
	return &Cache[T]{
		store:  store,
		prefix: domain + ":",
		ttl:    ttl,
		logger: logger,
		index:  make(map[string]struct{}),
	}
}

// TTL reports the configured entry lifetime.
func (c *Cache[T]) TTL() time.Duration { return c.ttl }

// IsCached reports whether key holds a live value.
func (c *Cache[T]) IsCached(ctx context.Context, key string) bool {
	_, ok, err := c.store.Get(ctx, c.prefix+key)
	if err != nil {
		c.logger.Error("cache lookup failed", err, logging.LogFields{"key": c.prefix + key})
		return false
	}
	return ok
}

// Get returns the cached value for key, or ErrNotCached.
func (c *Cache[T]) Get(ctx context.Context, key string) (T, error) {
	var zero T
	raw, ok, err := c.store.Get(ctx, c.prefix+key)
	if err != nil {
		return zero, fmt.Errorf("cache get %s: %w", c.prefix+key, err)
	}
	if !ok {
		return zero, ErrNotCached
	}
	var value T
	if err := jsoncodec.Unmarshal(raw, &value); err != nil {
		return zero, fmt.Errorf("cache decode %s: %w", c.prefix+key, err)
	}
	return value, nil
}

// Put stores value under key with the configured TTL and records the key in
// the eviction index.
func (c *Cache[T]) Put(ctx context.Context, key string, value T) error {
	raw, err := jsoncodec.Marshal(value)
	if err != nil {
		return fmt.Errorf("cache encode %s: %w", c.prefix+key, err)
	}
	if err := c.store.Set(ctx, c.prefix+key, raw, c.ttl); err != nil {
		return fmt.Errorf("cache put %s: %w", c.prefix+key, err)
	}

	c.mu.Lock()
	c.index[key] = struct{}{}
	c.mu.Unlock()
	return nil
}

// Evict removes key from the store and the index. Evicting an absent key is
// a no-op.
func (c *Cache[T]) Evict(ctx context.Context, key string) error {
	if err := c.store.Delete(ctx, c.prefix+key); err != nil {
		return fmt.Errorf("cache evict %s: %w", c.prefix+key, err)
	}
	c.mu.Lock()
	delete(c.index, key)
	c.mu.Unlock()
	return nil
}

// EvictAll removes every key the index knows about. Safe on an empty cache:
// it issues no deletes and returns nil.
func (c *Cache[T]) EvictAll(ctx context.Context) error {
	c.mu.Lock()
	keys := make([]string, 0, len(c.index))
	for k := range c.index {
		keys = append(keys, k)
	}
	c.index = make(map[string]struct{})
	c.mu.Unlock()

	var errs []error
	for _, key := range keys {
		if err := c.store.Delete(ctx, c.prefix+key); err != nil {
			errs = append(errs, fmt.Errorf("cache evict %s: %w", c.prefix+key, err))
		}
	}
	return errors.Join(errs...)
}

// Len reports the number of indexed keys. Expired store entries may still be
// counted until the next EvictAll.
func (c *Cache[T]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.index)
}
