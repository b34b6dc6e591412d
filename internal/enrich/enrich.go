// Package enrich holds the requester-side lookup services. A lookup is
// cache-first; on a miss it registers interest in the correlation registry
// and publishes one request event, so any number of concurrent callers for
// the same key ride on a single collector round trip.
package enrich

import (
	"context"
	"sync"

	"github.com/therealuhlarzoltan/railsignal/internal/cache"
	"github.com/therealuhlarzoltan/railsignal/internal/dispatch"
	"github.com/therealuhlarzoltan/railsignal/internal/logging"
	"github.com/therealuhlarzoltan/railsignal/internal/metadata"
	"github.com/therealuhlarzoltan/railsignal/internal/registry"
)

// lookupService is the shared cache-registry-dispatch plumbing. The typed
// services embed it and contribute key construction and request payloads.
type lookupService[T any] struct {
	cache        *cache.Cache[T]
	registry     *registry.Registry[T]
	dispatcher   *dispatch.Dispatcher
	requestTopic string
	logger       logging.ServiceLogger

	mu       sync.Mutex
	inflight map[string]struct{}
}

func newLookupService[T any](c *cache.Cache[T], r *registry.Registry[T], d *dispatch.Dispatcher, requestTopic string, logger logging.ServiceLogger) lookupService[T] {
	if c == nil || r == nil || d == nil {
		panic("railsignal: lookup service dependencies cannot be nil")
	}
	if logger == nil {
		logger = logging.Nop()
	}
	return lookupService[T]{
		cache:        c,
		registry:     r,
		dispatcher:   d,
		requestTopic: requestTopic,
		logger:       logger,
		inflight:     make(map[string]struct{}),
	}
}

// lookup returns the cached value for key or requests it from a collector
// and waits. Only the first caller per in-flight key publishes.
func (s *lookupService[T]) lookup(ctx context.Context, key string, payload any) (T, error) {
	if v, err := s.cache.Get(ctx, key); err == nil {
		return v, nil
	}

	if s.claim(key) {
		defer s.release(key)
		if err := s.dispatcher.PublishRequest(ctx, s.requestTopic, key, payload, ""); err != nil {
			var zero T
			return zero, err
		}
	}
	return s.registry.WaitFor(ctx, key)
}

// lookupCorrelated always performs a fresh fetch, routed back by a
// generated correlation id instead of the wait key. Used when a caller
// must not accept another request's response.
func (s *lookupService[T]) lookupCorrelated(ctx context.Context, key string, payload any) (T, error) {
	correlationID := metadata.NewCorrelationID()
	if err := s.dispatcher.PublishRequest(ctx, s.requestTopic, key, payload, correlationID); err != nil {
		var zero T
		return zero, err
	}
	return s.registry.WaitForCorrelationID(ctx, correlationID)
}

func (s *lookupService[T]) claim(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, busy := s.inflight[key]; busy {
		return false
	}
	s.inflight[key] = struct{}{}
	return true
}

func (s *lookupService[T]) release(key string) {
	s.mu.Lock()
	delete(s.inflight, key)
	s.mu.Unlock()
}
