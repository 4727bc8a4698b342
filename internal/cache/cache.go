// Package cache memoizes query results within an entry-count bound, a byte
// budget, and a staleness window.
//
// Expiry is computed on read, never scheduled: an entry past its TTL is
// removed by the Get that observes it. When an insertion would breach a bound
// the oldest entries by creation time are evicted first.
package cache

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	list "github.com/bahlo/generic-list-go"
	"github.com/prometheus/client_golang/prometheus"
)

// Defaults used when Options leave a bound unset.
const (
	DefaultMaxEntries = 50
	DefaultMaxBytes   = 50 * 1024 * 1024
	DefaultTTL        = 5 * time.Minute
)

var (
	// ErrUnsizable is returned by Set when the value's size cannot be
	// estimated. Nothing is stored.
	ErrUnsizable = errors.New("cache: cannot estimate entry size")

	// ErrTooLarge is returned by Set when one entry alone exceeds MaxBytes.
	ErrTooLarge = errors.New("cache: entry exceeds byte budget")
)

// Entry is a cached value with its bookkeeping. Entries handed out by Get
// are copies; mutating them does not affect the cache.
type Entry[V any] struct {
	Key             string
	Value           V
	CreatedAt       time.Time
	TTL             time.Duration
	HitCount        int
	ApproxSizeBytes int
}

// expired reports whether the entry is past its TTL at now.
func (e *Entry[V]) expired(now time.Time) bool {
	return now.Sub(e.CreatedAt) > e.TTL
}

// Stats is a read-only snapshot of the cache.
type Stats struct {
	Count        int        `json:"count"`
	CurrentBytes int64      `json:"current_bytes"`
	MaxEntries   int        `json:"max_entries"`
	MaxBytes     int64      `json:"max_bytes"`
	Oldest       *time.Time `json:"oldest,omitempty"`
	Newest       *time.Time `json:"newest,omitempty"`
	Hits         int64      `json:"hits"`
	Misses       int64      `json:"misses"`
	Evictions    int64      `json:"evictions"`
	Expirations  int64      `json:"expirations"`
}

// Options configures a Cache.
type Options[V any] struct {
	MaxEntries int
	MaxBytes   int64
	DefaultTTL time.Duration

	// Now returns the current time. Nil uses time.Now.
	Now func() time.Time

	// SizeOf estimates the serialized size of an entry. Nil uses the
	// JSON-encoded length of the value plus the key length.
	SizeOf func(key string, value V) (int, error)

	// Registerer, when set, receives the cache metrics under Name.
	Registerer prometheus.Registerer
	Name       string
}

// Cache is a bounded, time-expiring memo. All operations are serialized by
// one mutex.
type Cache[V any] struct {
	mu           sync.Mutex
	items        map[string]*list.Element[*Entry[V]]
	order        *list.List[*Entry[V]] // front = oldest CreatedAt
	currentBytes int64

	maxEntries int
	maxBytes   int64
	defaultTTL time.Duration
	now        func() time.Time
	sizeOf     func(string, V) (int, error)

	hits, misses, evictions, expirations int64
	metrics                              *cacheMetrics
}

// New creates a cache. It fails only when metrics registration fails.
func New[V any](opts Options[V]) (*Cache[V], error) {
	c := &Cache[V]{
		items:      make(map[string]*list.Element[*Entry[V]]),
		order:      list.New[*Entry[V]](),
		maxEntries: opts.MaxEntries,
		maxBytes:   opts.MaxBytes,
		defaultTTL: opts.DefaultTTL,
		now:        opts.Now,
		sizeOf:     opts.SizeOf,
	}
	if c.maxEntries <= 0 {
		c.maxEntries = DefaultMaxEntries
	}
	if c.maxBytes <= 0 {
		c.maxBytes = DefaultMaxBytes
	}
	if c.defaultTTL <= 0 {
		c.defaultTTL = DefaultTTL
	}
	if c.now == nil {
		c.now = time.Now
	}
	if c.sizeOf == nil {
		c.sizeOf = jsonSize[V]
	}

	if opts.Registerer != nil {
		name := opts.Name
		if name == "" {
			name = "query"
		}
		m, err := newCacheMetrics(opts.Registerer, name)
		if err != nil {
			return nil, fmt.Errorf("register cache metrics: %w", err)
		}
		c.metrics = m
	}

	return c, nil
}

// jsonSize is the default size estimator.
func jsonSize[V any](key string, value V) (int, error) {
	b, err := json.Marshal(value)
	if err != nil {
		return 0, err
	}
	return len(b) + len(key), nil
}

// Get returns the entry stored under key. An entry past its TTL is removed
// and reported as absent. A hit increments the entry's HitCount; the
// returned copy carries the incremented count.
func (c *Cache[V]) Get(key string) (Entry[V], bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	elem, ok := c.items[key]
	if !ok {
		c.misses++
		c.metrics.recordMiss()
		return Entry[V]{}, false
	}

	entry := elem.Value
	if entry.expired(c.now()) {
		c.removeElement(elem)
		c.misses++
		c.expirations++
		c.metrics.recordMiss()
		c.metrics.recordExpiration()
		c.metrics.updateSize(len(c.items), c.currentBytes)
		return Entry[V]{}, false
	}

	entry.HitCount++
	c.hits++
	c.metrics.recordHit()
	return *entry, true
}

// Set stores value under key with the given ttl (<= 0 means the default).
// An existing entry under key is replaced. Oldest entries are evicted until
// the new entry fits both bounds. ErrUnsizable and ErrTooLarge leave the
// cache unchanged.
func (c *Cache[V]) Set(key string, value V, ttl time.Duration) error {
	size, err := c.sizeOf(key, value)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnsizable, err)
	}
	if size < 0 {
		return ErrUnsizable
	}
	if int64(size) > c.maxBytes {
		return ErrTooLarge
	}
	if ttl <= 0 {
		ttl = c.defaultTTL
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, ok := c.items[key]; ok {
		c.removeElement(elem)
	}

	for len(c.items) >= c.maxEntries || c.currentBytes+int64(size) > c.maxBytes {
		oldest := c.order.Front()
		if oldest == nil {
			break
		}
		c.removeElement(oldest)
		c.evictions++
		c.metrics.recordEviction()
	}

	entry := &Entry[V]{
		Key:             key,
		Value:           value,
		CreatedAt:       c.now(),
		TTL:             ttl,
		ApproxSizeBytes: size,
	}
	c.items[key] = c.order.PushBack(entry)
	c.currentBytes += int64(size)
	c.metrics.updateSize(len(c.items), c.currentBytes)

	return nil
}

// Delete removes key. It reports whether an entry was present.
func (c *Cache[V]) Delete(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	elem, ok := c.items[key]
	if !ok {
		return false
	}
	c.removeElement(elem)
	c.metrics.updateSize(len(c.items), c.currentBytes)
	return true
}

// Clear removes all entries and resets byte accounting.
func (c *Cache[V]) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.items = make(map[string]*list.Element[*Entry[V]])
	c.order.Init()
	c.currentBytes = 0
	c.metrics.updateSize(0, 0)
}

// Stats returns a snapshot. It has no side effects: expired entries are
// counted until a Get removes them.
func (c *Cache[V]) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()

	s := Stats{
		Count:        len(c.items),
		CurrentBytes: c.currentBytes,
		MaxEntries:   c.maxEntries,
		MaxBytes:     c.maxBytes,
		Hits:         c.hits,
		Misses:       c.misses,
		Evictions:    c.evictions,
		Expirations:  c.expirations,
	}
	if front := c.order.Front(); front != nil {
		oldest := front.Value.CreatedAt
		s.Oldest = &oldest
	}
	if back := c.order.Back(); back != nil {
		newest := back.Value.CreatedAt
		s.Newest = &newest
	}
	return s
}

// removeElement drops elem from both indexes. Caller holds mu.
func (c *Cache[V]) removeElement(elem *list.Element[*Entry[V]]) {
	entry := c.order.Remove(elem)
	delete(c.items, entry.Key)
	c.currentBytes -= int64(entry.ApproxSizeBytes)
}
