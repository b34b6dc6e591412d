// Package registry implements the correlation registry: the shared map that
// lets many logical callers await a value identified by a wait key or a
// correlation id, and delivers the first arriving value to all of them
// exactly once.
package registry

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/therealuhlarzoltan/railsignal/internal/logging"
)

// ErrWaitTimeout is the only failure a waiter ever observes. Upstream
// taxonomy failures never reach the registry; they surface as ERROR response
// events and simply let the waiter time out.
var ErrWaitTimeout = errors.New("railsignal: timed out waiting for value")

// Lookup lets the registry short-circuit a wait when the value is already
// cached. It must never block on network I/O beyond a cache read.
type Lookup[T any] func(ctx context.Context, key string) (T, bool)

// Registry tracks pending waiters per wait key and per correlation id. The
// two namespaces are kept in separate maps so a correlated response can
// never complete a key-routed waiter, and vice versa.
type Registry[T any] struct {
	timeout time.Duration
	lookup  Lookup[T]
	logger  logging.ServiceLogger

	mu            sync.Mutex
	byKey         map[string]*entry[T]
	byCorrelation map[string]*entry[T]
}

// entry holds the subscriber set for one pending key. Channels are buffered
// with capacity one, so the broadcast inside Complete never blocks and a
// waiter that races its own timeout can still drain its value.
type entry[T any] struct {
	subscribers map[uint64]chan T
	nextID      uint64
}

// New constructs a Registry. timeout is the process-wide wait budget; lookup
// may be nil when no cache backs this domain.
func New[T any](timeout time.Duration, lookup Lookup[T], logger logging.ServiceLogger) *Registry[T] {
	if timeout <= 0 {
		panic("railsignal: registry timeout must be positive")
	}
	if logger == nil {
		logger = logging.Nop()
	}
	return &Registry[T]{
		timeout:       timeout,
		lookup:        lookup,
		logger:        logger,
		byKey:         make(map[string]*entry[T]),
		byCorrelation: make(map[string]*entry[T]),
	}
}

// WaitFor blocks the logical caller until Complete delivers a value for
// waitKey, the configured timeout elapses, or ctx is cancelled. A cached
// value returns immediately without registering a waiter. Joining an
// existing pending entry shares the in-flight upstream fetch.
func (r *Registry[T]) WaitFor(ctx context.Context, waitKey string) (T, error) {
	if r.lookup != nil {
		if value, ok := r.lookup(ctx, waitKey); ok {
			return value, nil
		}
	}
	return r.wait(ctx, r.byKey, waitKey)
}

// WaitForCorrelationID behaves like WaitFor, keyed on a correlation id. No
// cache consultation happens here: correlated waits are one-shot by nature.
func (r *Registry[T]) WaitForCorrelationID(ctx context.Context, correlationID string) (T, error) {
	return r.wait(ctx, r.byCorrelation, correlationID)
}

// Complete delivers value to every waiter registered under waitKey and
// removes the entry, all inside one critical section. Completing a key
// nobody waits on is a silent no-op.
func (r *Registry[T]) Complete(waitKey string, value T) {
	r.complete(r.byKey, waitKey, value)
}

// CompleteCorrelationID is Complete for the correlation-id namespace.
func (r *Registry[T]) CompleteCorrelationID(correlationID string, value T) {
	r.complete(r.byCorrelation, correlationID, value)
}

// Waiters reports how many subscribers are attached to a pending wait key.
func (r *Registry[T]) Waiters(waitKey string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.byKey[waitKey]
	if !ok {
		return 0
	}
	return len(e.subscribers)
}

// Len reports the number of pending entries across both namespaces.
func (r *Registry[T]) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.byKey) + len(r.byCorrelation)
}

func (r *Registry[T]) wait(ctx context.Context, entries map[string]*entry[T], key string) (T, error) {
	ch := make(chan T, 1)

	r.mu.Lock()
	e, ok := entries[key]
	if !ok {
		e = &entry[T]{subscribers: make(map[uint64]chan T)}
		entries[key] = e
	}
	id := e.nextID
	e.nextID++
	e.subscribers[id] = ch
	r.mu.Unlock()

	timer := time.NewTimer(r.timeout)
	defer timer.Stop()

	select {
	case value := <-ch:
		return value, nil
	case <-timer.C:
		return r.abandon(entries, key, e, id, ch, ErrWaitTimeout)
	case <-ctx.Done():
		return r.abandon(entries, key, e, id, ch, ctx.Err())
	}
}

// abandon removes one waiter after a timeout or cancellation. If the entry
// was already completed concurrently, the value sits in the buffered channel
// and wins over the failure.
func (r *Registry[T]) abandon(entries map[string]*entry[T], key string, e *entry[T], id uint64, ch chan T, cause error) (T, error) {
	r.mu.Lock()
	if current, ok := entries[key]; ok && current == e {
		delete(e.subscribers, id)
		if len(e.subscribers) == 0 {
			delete(entries, key)
		}
		r.mu.Unlock()
		var zero T
		return zero, cause
	}
	r.mu.Unlock()

	// Entry already resolved: Complete broadcast before we got here.
	select {
	case value := <-ch:
		return value, nil
	default:
		var zero T
		return zero, cause
	}
}

func (r *Registry[T]) complete(entries map[string]*entry[T], key string, value T) {
	r.mu.Lock()
	e, ok := entries[key]
	if !ok {
		r.mu.Unlock()
		r.logger.Debug("no waiters registered for key", logging.LogFields{"key": key})
		return
	}
	// Broadcast and removal share the critical section: no waiter can join
	// between delivery and entry removal and be stranded.
	for _, ch := range e.subscribers {
		ch <- value
	}
	delete(entries, key)
	r.mu.Unlock()
}
