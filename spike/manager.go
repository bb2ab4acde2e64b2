// Package spike coalesces concurrent lookups of the same key into one fetch and caches the outcome.
//
// It is used to keep bursts of health probes from hammering a builder: every caller asking for the
// same key while a fetch is running waits for that fetch, and the result is served from cache until
// it expires. Errors are cached too, for a shorter time.
package spike

import (
	"context"
	"sync"
	"time"

	gocache "github.com/patrickmn/go-cache"
)

const defaultCleanupInterval = time.Second

type FetchFunc[T any] func(ctx context.Context, key string) (T, error)

type outcome[T any] struct {
	v T
	e error
}

type call[T any] struct {
	done chan struct{}
	res  outcome[T]
}

type Manager[T any] struct {
	mu       sync.Mutex
	fetch    FetchFunc[T]
	cache    *gocache.Cache
	ttl      time.Duration
	errTTL   time.Duration
	inflight map[string]*call[T]
}

// NewManager creates a Manager that keeps successful results for ttl and errors for errTTL.
// errTTL of zero disables error caching.
func NewManager[T any](fetch FetchFunc[T], ttl, errTTL time.Duration) *Manager[T] {
	return &Manager[T]{
		fetch:    fetch,
		cache:    gocache.New(ttl, defaultCleanupInterval),
		ttl:      ttl,
		errTTL:   errTTL,
		inflight: make(map[string]*call[T]),
	}
}

func (m *Manager[T]) cached(key string) (outcome[T], bool) {
	v, ok := m.cache.Get(key)
	if !ok {
		return outcome[T]{}, false
	}
	//nolint:forcetypeassert
	return v.(outcome[T]), true
}

// GetResult returns the cached outcome for key or waits for a shared fetch.
// The fetch itself is detached from ctx so one impatient caller does not fail the others.
func (m *Manager[T]) GetResult(ctx context.Context, key string) (T, error) { //nolint:ireturn
	m.mu.Lock()
	if res, ok := m.cached(key); ok {
		m.mu.Unlock()
		return res.v, res.e
	}
	c, ok := m.inflight[key]
	if !ok {
		c = &call[T]{done: make(chan struct{})}
		m.inflight[key] = c
		go m.run(key, c)
	}
	m.mu.Unlock()

	select {
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	case <-c.done:
		return c.res.v, c.res.e
	}
}

func (m *Manager[T]) run(key string, c *call[T]) {
	v, err := m.fetch(context.Background(), key)
	c.res = outcome[T]{v: v, e: err}

	m.mu.Lock()
	switch {
	case err == nil:
		m.cache.Set(key, c.res, m.ttl)
	case m.errTTL > 0:
		m.cache.Set(key, c.res, m.errTTL)
	}
	delete(m.inflight, key)
	m.mu.Unlock()

	close(c.done)
}

// Forget drops any cached outcome for key.
func (m *Manager[T]) Forget(key string) {
	m.cache.Delete(key)
}
