// Package cache provides the fingerprint-keyed response cache.
//
// Two backends are available:
//   - Redis  — shared across replicas, recommended for production clusters.
//   - Memory — in-process LRU bounded by entry count and total bytes.
//     Ideal for single-instance deployments or local development.
//
// Both implement the Store interface so they are fully interchangeable.
package cache

import (
	"container/list"
	"context"
	"sync"
	"time"
)

// memItem stores a cached value together with its expiry time and hit count.
type memItem struct {
	key       string
	data      []byte
	expiresAt time.Time
	hits      uint64
}

// MemoryOptions bound the in-process cache. Zero values use the defaults.
type MemoryOptions struct {
	// MaxEntries caps the number of live entries. Default 10_000.
	MaxEntries int

	// MaxBytes caps the total size of stored values. Default 256 MiB.
	MaxBytes int64

	// SweepInterval is how often expired entries are evicted in the
	// background. Default 5m.
	SweepInterval time.Duration
}

// Memory is an in-process LRU cache with per-entry TTL, bounded by entry
// count and total bytes. Expired entries are removed lazily on access and by
// a background sweeper; once a bound is exceeded the least recently used
// entries are evicted.
//
// It is safe for concurrent use.
type Memory struct {
	mu       sync.Mutex
	items    map[string]*list.Element
	ll       *list.List // front = most recently used
	curBytes int64

	maxEntries int
	maxBytes   int64

	done chan struct{}
	once sync.Once
}

// NewMemory creates a Memory cache and starts the background sweeper. The
// sweeper stops when ctx is cancelled or Close is called.
func NewMemory(ctx context.Context, opts MemoryOptions) *Memory {
	if opts.MaxEntries <= 0 {
		opts.MaxEntries = 10_000
	}
	if opts.MaxBytes <= 0 {
		opts.MaxBytes = 256 << 20
	}
	if opts.SweepInterval <= 0 {
		opts.SweepInterval = 5 * time.Minute
	}

	c := &Memory{
		items:      make(map[string]*list.Element),
		ll:         list.New(),
		maxEntries: opts.MaxEntries,
		maxBytes:   opts.MaxBytes,
		done:       make(chan struct{}),
	}
	go c.sweep(ctx, opts.SweepInterval)
	return c
}

// Get returns the cached value for key and bumps its recency and hit count.
// Returns (nil, false) on a miss or if the entry has expired; expired entries
// are removed on access.
func (c *Memory) Get(_ context.Context, key string) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.items[key]
	if !ok {
		return nil, false
	}

	item := el.Value.(*memItem)
	if time.Now().After(item.expiresAt) {
		c.remove(el)
		return nil, false
	}

	c.ll.MoveToFront(el)
	item.hits++
	return item.data, true
}

// Set stores value under key for the duration of ttl, evicting LRU entries
// as needed to stay within the configured bounds. A zero or negative ttl is
// treated as a 1-hour TTL. Values larger than the byte cap are dropped.
func (c *Memory) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = time.Hour
	}
	if int64(len(value)) > c.maxBytes {
		return nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.items[key]; ok {
		item := el.Value.(*memItem)
		c.curBytes += int64(len(value)) - int64(len(item.data))
		item.data = value
		item.expiresAt = time.Now().Add(ttl)
		c.ll.MoveToFront(el)
	} else {
		el := c.ll.PushFront(&memItem{
			key:       key,
			data:      value,
			expiresAt: time.Now().Add(ttl),
		})
		c.items[key] = el
		c.curBytes += int64(len(value))
	}

	for (len(c.items) > c.maxEntries || c.curBytes > c.maxBytes) && c.ll.Len() > 0 {
		c.remove(c.ll.Back())
	}
	return nil
}

// Delete removes key from the cache. Returns nil if the key did not exist.
func (c *Memory) Delete(_ context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.items[key]; ok {
		c.remove(el)
	}
	return nil
}

// Hits returns the access count for key (0 if absent).
func (c *Memory) Hits(key string) uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.items[key]; ok {
		return el.Value.(*memItem).hits
	}
	return 0
}

// Len returns the number of live entries.
func (c *Memory) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items)
}

// Bytes returns the total size of stored values.
func (c *Memory) Bytes() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.curBytes
}

// Close stops the background sweeper.
func (c *Memory) Close() {
	c.once.Do(func() { close(c.done) })
}

// remove unlinks an element; callers must hold c.mu.
func (c *Memory) remove(el *list.Element) {
	item := el.Value.(*memItem)
	c.ll.Remove(el)
	delete(c.items, item.key)
	c.curBytes -= int64(len(item.data))
}

func (c *Memory) sweep(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.evictExpired()
		case <-ctx.Done():
			return
		case <-c.done:
			return
		}
	}
}

func (c *Memory) evictExpired() {
	now := time.Now()

	c.mu.Lock()
	defer c.mu.Unlock()

	for el := c.ll.Back(); el != nil; {
		prev := el.Prev()
		if now.After(el.Value.(*memItem).expiresAt) {
			c.remove(el)
		}
		el = prev
	}
}
