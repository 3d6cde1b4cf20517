package cache

import (
	"container/list"
	"context"
	"sync"
	"sync/atomic"

	"github.com/meridian-quant/rollgrid/internal/series"
)

// DefaultCapacity bounds the cache when no capacity is configured.
const DefaultCapacity = 1024

// Key identifies one memoized computation. The fingerprint component is a
// content hash of the underlying series, so results computed against stale
// data can never be served for changed data.
type Key struct {
	Asset       string
	Fingerprint string
	Spec        series.WindowSpec
}

// KeyFor builds the cache key for an (asset, data, spec) unit.
func KeyFor(ts *series.TimeSeries, spec series.WindowSpec) Key {
	return Key{Asset: ts.Asset(), Fingerprint: ts.Fingerprint(), Spec: spec}
}

// ComputeFunc produces the value for a key on a cache miss.
type ComputeFunc func() (*series.MetricResult, error)

// entry is the per-key state. Waiters coalescing onto an in-flight
// computation block on done; the map-level mutex is held only for O(1)
// bookkeeping, never across a computation.
type entry struct {
	key      Key
	elem     *list.Element
	done     chan struct{}
	result   *series.MetricResult
	err      error
	inflight bool
}

// Stats is a point-in-time snapshot of cache counters.
type Stats struct {
	Hits      int64
	Misses    int64
	Coalesced int64
	Evictions int64
}

// Cache memoizes MetricResults with LRU eviction and request coalescing:
// concurrent calls for the same absent key run the compute function exactly
// once and share its result. Errors are shared with waiters but never
// cached. Entries are never evicted while their computation is in flight.
//
// Computations on distinct keys never contend: the map-level mutex covers
// only O(1) bookkeeping (lookup, insert, LRU moves) and is released before
// any compute function runs, so a caller blocks on another key's work only
// when it asks for that same key and parks on the flight's done channel.
type Cache struct {
	mu       sync.Mutex
	capacity int
	entries  map[Key]*entry
	order    *list.List // front = most recently used

	hits      atomic.Int64
	misses    atomic.Int64
	coalesced atomic.Int64
	evictions atomic.Int64
}

// New creates a cache bounded to capacity entries. Non-positive capacity
// falls back to DefaultCapacity.
func New(capacity int) *Cache {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Cache{
		capacity: capacity,
		entries:  make(map[Key]*entry),
		order:    list.New(),
	}
}

// GetOrCompute returns the cached result for key, or runs fn to produce it.
// If another goroutine is already computing the same key, the call blocks
// until that flight lands (or ctx is cancelled) and shares its outcome.
func (c *Cache) GetOrCompute(ctx context.Context, key Key, fn ComputeFunc) (*series.MetricResult, error) {
	c.mu.Lock()

	if e, ok := c.entries[key]; ok {
		if !e.inflight {
			c.order.MoveToFront(e.elem)
			c.mu.Unlock()
			c.hits.Add(1)
			return e.result, nil
		}

		// Coalesce onto the in-flight computation.
		done := e.done
		c.mu.Unlock()
		c.coalesced.Add(1)

		select {
		case <-done:
		case <-ctx.Done():
			return nil, ctx.Err()
		}

		c.mu.Lock()
		res, err := e.result, e.err
		c.mu.Unlock()
		return res, err
	}

	// Miss: register the flight before computing so late arrivals wait on
	// it instead of duplicating the work.
	e := &entry{key: key, done: make(chan struct{}), inflight: true}
	e.elem = c.order.PushFront(e)
	c.entries[key] = e
	c.mu.Unlock()
	c.misses.Add(1)

	res, err := fn()

	c.mu.Lock()
	e.result, e.err = res, err
	e.inflight = false
	close(e.done)
	if err != nil {
		// Errors are delivered to every coalesced waiter but not cached:
		// a later call gets a fresh attempt.
		c.removeLocked(e)
	} else {
		c.evictLocked()
	}
	c.mu.Unlock()

	return res, err
}

// Len returns the number of resident entries, including in-flight ones.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Stats returns a snapshot of the cache counters.
func (c *Cache) Stats() Stats {
	return Stats{
		Hits:      c.hits.Load(),
		Misses:    c.misses.Load(),
		Coalesced: c.coalesced.Load(),
		Evictions: c.evictions.Load(),
	}
}

// removeLocked drops an entry. Caller holds c.mu.
func (c *Cache) removeLocked(e *entry) {
	c.order.Remove(e.elem)
	delete(c.entries, e.key)
}

// evictLocked trims least-recently-used entries down to capacity, skipping
// any entry whose computation is still in flight. Caller holds c.mu.
func (c *Cache) evictLocked() {
	for len(c.entries) > c.capacity {
		evicted := false
		for el := c.order.Back(); el != nil; el = el.Prev() {
			e := el.Value.(*entry)
			if e.inflight {
				continue
			}
			c.removeLocked(e)
			c.evictions.Add(1)
			evicted = true
			break
		}
		if !evicted {
			// Everything resident is in flight; capacity is exceeded
			// transiently until the flights land.
			return
		}
	}
}

// Memoize adapts a raw compute function into one that consults the cache.
func (c *Cache) Memoize(fn func(ctx context.Context, ts *series.TimeSeries, spec series.WindowSpec) (*series.MetricResult, error)) func(ctx context.Context, ts *series.TimeSeries, spec series.WindowSpec) (*series.MetricResult, error) {
	return func(ctx context.Context, ts *series.TimeSeries, spec series.WindowSpec) (*series.MetricResult, error) {
		return c.GetOrCompute(ctx, KeyFor(ts, spec), func() (*series.MetricResult, error) {
			return fn(ctx, ts, spec)
		})
	}
}
