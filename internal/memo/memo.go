// Package memo provides time-windowed memoization of idempotent actions.
//
// A wrapped action short-circuits to the cached result while a prior truthy
// result is still inside the window. Falsy results (zero value or error)
// are never cached, so the next call recomputes.
package memo

import (
	"context"
	"sync"
	"time"
)

type entry struct {
	value   any
	expires time.Time
}

// Cache holds results for one fixed window length.
//
// Two caches with different windows are fully independent: the cache
// instance is part of the identity, entries are never shared.
// Expired entries are treated as absent on lookup; Sweep exists only to
// bound memory, not for correctness.
type Cache struct {
	window time.Duration
	now    func() time.Time

	mu      sync.Mutex
	entries map[string]entry
}

func New(window time.Duration) *Cache {
	return NewWithClock(window, time.Now)
}

// NewWithClock injects the clock; tests use it to step through the window.
func NewWithClock(window time.Duration, now func() time.Time) *Cache {
	if window <= 0 {
		window = time.Hour
	}
	if now == nil {
		now = time.Now
	}
	return &Cache{window: window, now: now, entries: map[string]entry{}}
}

func (c *Cache) Window() time.Duration { return c.window }

func (c *Cache) get(sig string) (any, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[sig]
	if !ok {
		return nil, false
	}
	if !c.now().Before(e.expires) {
		delete(c.entries, sig)
		return nil, false
	}
	return e.value, true
}

func (c *Cache) put(sig string, v any) {
	c.mu.Lock()
	c.entries[sig] = entry{value: v, expires: c.now().Add(c.window)}
	c.mu.Unlock()
}

// Forget drops the entry for sig regardless of expiry.
func (c *Cache) Forget(sig string) {
	c.mu.Lock()
	delete(c.entries, sig)
	c.mu.Unlock()
}

// Len reports live (non-expired) entries.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	now := c.now()
	for _, e := range c.entries {
		if now.Before(e.expires) {
			n++
		}
	}
	return n
}

// Sweep removes expired entries and reports how many were dropped.
// Intended for a coarse background ticker; lookups already ignore
// expired entries.
func (c *Cache) Sweep() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	dropped := 0
	for sig, e := range c.entries {
		if !now.Before(e.expires) {
			delete(c.entries, sig)
			dropped++
		}
	}
	return dropped
}

// Wrap memoizes fn in c under the given name.
//
// The signature is name plus key(arg), so distinct logical arguments never
// share an entry and the same logical argument always hits the same entry.
// Only a non-zero result with a nil error is stored. A concurrent second
// call for an in-flight signature may recompute; at most one truthy result
// is stored per window either way.
func Wrap[A any, R comparable](c *Cache, name string, key func(A) string, fn func(context.Context, A) (R, error)) func(context.Context, A) (R, error) {
	return func(ctx context.Context, arg A) (R, error) {
		sig := name + "|" + key(arg)
		if v, ok := c.get(sig); ok {
			if r, ok := v.(R); ok {
				return r, nil
			}
		}

		r, err := fn(ctx, arg)
		var zero R
		if err == nil && r != zero {
			c.put(sig, r)
		}
		return r, err
	}
}
