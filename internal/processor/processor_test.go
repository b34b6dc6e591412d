package processor

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/go-playground/validator/v10"

	"github.com/therealuhlarzoltan/railsignal/internal/cache"
	"github.com/therealuhlarzoltan/railsignal/internal/events"
	"github.com/therealuhlarzoltan/railsignal/internal/jsoncodec"
	"github.com/therealuhlarzoltan/railsignal/internal/metadata"
	"github.com/therealuhlarzoltan/railsignal/internal/registry"
)

type coordinates struct {
	Lat float64 `json:"lat" validate:"gte=-90,lte=90"`
	Lon float64 `json:"lon" validate:"gte=-180,lte=180"`
}

var budapest = coordinates{Lat: 47.4979, Lon: 19.0402}

type countingStore struct {
	cache.Store
	sets atomic.Int64
}

func (s *countingStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	s.sets.Add(1)
	return s.Store.Set(ctx, key, value, ttl)
}

func successMessage(t *testing.T, key string, value any) *message.Message {
	t.Helper()
	evt, err := events.NewSuccess(key, value)
	if err != nil {
		t.Fatalf("build success event: %v", err)
	}
	payload, err := jsoncodec.Marshal(evt)
	if err != nil {
		t.Fatalf("marshal event: %v", err)
	}
	return message.NewMessage("test-"+key, payload)
}

func errorMessage(t *testing.T, key string, status int) *message.Message {
	t.Helper()
	payload, err := jsoncodec.Marshal(events.NewError(key, "upstream said no", status))
	if err != nil {
		t.Fatalf("marshal event: %v", err)
	}
	return message.NewMessage("test-err-"+key, payload)
}

func newFixture(t *testing.T) (*Processor[coordinates], *registry.Registry[coordinates], *cache.Cache[coordinates], *countingStore) {
	t.Helper()
	store := &countingStore{Store: cache.NewMemoryStore(0)}
	coordCache := cache.New[coordinates](store, "coordinates", time.Minute, nil)
	reg := registry.New[coordinates](2*time.Second, nil, nil)
	proc := New(Options[coordinates]{
		Registry:  reg,
		Cache:     coordCache,
		Validator: validator.New(),
	})
	return proc, reg, coordCache, store
}

func TestSuccessResolvesWaiterAndCaches(t *testing.T) {
	proc, reg, coordCache, store := newFixture(t)
	handler := proc.Handler()

	done := make(chan coordinates, 1)
	go func() {
		v, err := reg.WaitFor(context.Background(), "coordinates:GYOR")
		if err != nil {
			t.Errorf("wait failed: %v", err)
		}
		done <- v
	}()
	waitForWaiters(t, reg, "coordinates:GYOR", 1)

	out, err := handler(successMessage(t, "coordinates:GYOR", budapest))
	if err != nil || out != nil {
		t.Fatalf("handler must ack silently, got (%v, %v)", out, err)
	}

	select {
	case v := <-done:
		if v != budapest {
			t.Fatalf("waiter received %+v", v)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("waiter not resolved")
	}

	cached, err := coordCache.Get(context.Background(), "coordinates:GYOR")
	if err != nil {
		t.Fatalf("cache read: %v", err)
	}
	if cached != budapest {
		t.Fatalf("cached %+v", cached)
	}
	if got := store.sets.Load(); got != 1 {
		t.Fatalf("expected exactly 1 cache write, got %d", got)
	}
}

func TestCorrelatedSuccessOnlyCompletesCorrelationWaiter(t *testing.T) {
	proc, reg, _, _ := newFixture(t)
	handler := proc.Handler()

	correlationID := metadata.NewCorrelationID()
	done := make(chan coordinates, 1)
	go func() {
		v, err := reg.WaitForCorrelationID(context.Background(), correlationID)
		if err != nil {
			t.Errorf("correlated wait failed: %v", err)
		}
		done <- v
	}()
	waitForPending(t, reg, 1)

	keyCtx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	keyErr := make(chan error, 1)
	go func() {
		_, err := reg.WaitFor(keyCtx, "coordinates:GYOR")
		keyErr <- err
	}()
	waitForWaiters(t, reg, "coordinates:GYOR", 1)

	msg := successMessage(t, "coordinates:GYOR", budapest)
	msg.Metadata.Set(metadata.KeyCorrelationID, correlationID)
	if _, err := handler(msg); err != nil {
		t.Fatalf("handler errored: %v", err)
	}

	select {
	case v := <-done:
		if v != budapest {
			t.Fatalf("correlated waiter received %+v", v)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("correlated waiter not resolved")
	}
	if err := <-keyErr; err == nil {
		t.Fatal("key-routed waiter must not be completed by a correlated response")
	}
}

func TestUndecodableEnvelopeIsDropped(t *testing.T) {
	proc, reg, _, store := newFixture(t)
	handler := proc.Handler()

	out, err := handler(message.NewMessage("bad", []byte("{not json")))
	if err != nil || out != nil {
		t.Fatalf("protocol violation must still ack, got (%v, %v)", out, err)
	}
	if reg.Len() != 0 || store.sets.Load() != 0 {
		t.Fatal("nothing may be completed or cached")
	}
}

func TestUnknownEventTypeIsDropped(t *testing.T) {
	proc, _, _, store := newFixture(t)
	handler := proc.Handler()

	payload, _ := jsoncodec.Marshal(map[string]any{"eventType": "PATCH", "key": "x"})
	if _, err := handler(message.NewMessage("odd", payload)); err != nil {
		t.Fatalf("handler errored: %v", err)
	}
	if store.sets.Load() != 0 {
		t.Fatal("unknown tag must not write the cache")
	}
}

func TestTooEarlyFiresHookWithoutCompleting(t *testing.T) {
	store := &countingStore{Store: cache.NewMemoryStore(0)}
	reg := registry.New[coordinates](2*time.Second, nil, nil)
	var hookKeys []string
	proc := New(Options[coordinates]{
		Registry: reg,
		Cache:    cache.New[coordinates](store, "coordinates", time.Minute, nil),
		TooEarly: func(ctx context.Context, key string) { hookKeys = append(hookKeys, key) },
	})
	handler := proc.Handler()

	waitCtx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	waitErr := make(chan error, 1)
	go func() {
		_, err := reg.WaitFor(waitCtx, "trainstatus:IC123:2025-01-01")
		waitErr <- err
	}()
	waitForWaiters(t, reg, "trainstatus:IC123:2025-01-01", 1)

	if _, err := handler(errorMessage(t, "trainstatus:IC123:2025-01-01", events.StatusTooEarly)); err != nil {
		t.Fatalf("handler errored: %v", err)
	}

	if len(hookKeys) != 1 || hookKeys[0] != "trainstatus:IC123:2025-01-01" {
		t.Fatalf("hook keys = %v", hookKeys)
	}
	if err := <-waitErr; err == nil {
		t.Fatal("425 must never complete the value registry")
	}
	if store.sets.Load() != 0 {
		t.Fatal("425 must not write the value cache")
	}
}

func TestOtherErrorStatusesAreLogOnly(t *testing.T) {
	var hookCalls atomic.Int64
	reg := registry.New[coordinates](time.Second, nil, nil)
	proc := New(Options[coordinates]{
		Registry: reg,
		TooEarly: func(ctx context.Context, key string) { hookCalls.Add(1) },
	})
	handler := proc.Handler()

	for _, status := range []int{events.StatusBadRequest, events.StatusNotFound, events.StatusInternal, events.StatusUnavailable} {
		if _, err := handler(errorMessage(t, "coordinates:GYOR", status)); err != nil {
			t.Fatalf("status %d: handler errored: %v", status, err)
		}
	}
	if hookCalls.Load() != 0 {
		t.Fatal("too-early hook must only fire on 425")
	}
}

func TestInvalidValueCompletesWaitersButSkipsCache(t *testing.T) {
	proc, reg, _, store := newFixture(t)
	handler := proc.Handler()

	done := make(chan struct{})
	go func() {
		defer close(done)
		reg.WaitFor(context.Background(), "coordinates:NOWHERE")
	}()
	waitForWaiters(t, reg, "coordinates:NOWHERE", 1)

	// Latitude out of range fails struct validation.
	if _, err := handler(successMessage(t, "coordinates:NOWHERE", coordinates{Lat: 123, Lon: 19})); err != nil {
		t.Fatalf("handler errored: %v", err)
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("waiter must still be completed")
	}
	if store.sets.Load() != 0 {
		t.Fatal("invalid value must not be cached")
	}
}

func TestFanOutManyWaitersOneCacheWrite(t *testing.T) {
	proc, reg, _, store := newFixture(t)
	handler := proc.Handler()

	const waiters = 16
	var wg sync.WaitGroup
	results := make(chan coordinates, waiters)
	for i := 0; i < waiters; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			v, err := reg.WaitFor(context.Background(), "coordinates:GYOR")
			if err != nil {
				t.Errorf("wait failed: %v", err)
				return
			}
			results <- v
		}()
	}
	waitForWaiters(t, reg, "coordinates:GYOR", waiters)

	if _, err := handler(successMessage(t, "coordinates:GYOR", budapest)); err != nil {
		t.Fatalf("handler errored: %v", err)
	}
	wg.Wait()
	close(results)

	count := 0
	for v := range results {
		count++
		if v != budapest {
			t.Fatalf("waiter received %+v", v)
		}
	}
	if count != waiters {
		t.Fatalf("resolved %d of %d waiters", count, waiters)
	}
	if got := store.sets.Load(); got != 1 {
		t.Fatalf("expected exactly 1 cache write, got %d", got)
	}
}

func TestSinksSeeEveryAcceptedValue(t *testing.T) {
	reg := registry.New[coordinates](time.Second, nil, nil)
	var mu sync.Mutex
	seen := map[string]coordinates{}
	proc := New(Options[coordinates]{
		Registry: reg,
		Sinks: []Sink[coordinates]{func(key string, v coordinates) {
			mu.Lock()
			seen[key] = v
			mu.Unlock()
		}},
	})
	handler := proc.Handler()

	if _, err := handler(successMessage(t, "coordinates:GYOR", budapest)); err != nil {
		t.Fatalf("handler errored: %v", err)
	}
	mu.Lock()
	defer mu.Unlock()
	if seen["coordinates:GYOR"] != budapest {
		t.Fatalf("sink saw %+v", seen)
	}
}

func waitForWaiters(t *testing.T, r *registry.Registry[coordinates], key string, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if r.Waiters(key) >= n {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("never saw %d waiters on %s", n, key)
}

func waitForPending(t *testing.T, r *registry.Registry[coordinates], n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if r.Len() >= n {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("never saw %d pending entries", n)
}
