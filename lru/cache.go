// Package lru implements a generic, thread-safe LRU cache whose entries
// may carry an expiry.
//
// Get, Put and Delete are O(1). Expired entries are dropped lazily on
// access and in bulk by Purge.
package lru

import (
	"sync"
	"time"
)

type node[K comparable, V any] struct {
	key     K
	val     V
	expires time.Time // zero: never
	prev    *node[K, V]
	next    *node[K, V]
}

func (n *node[K, V]) expired(now time.Time) bool {
	return !n.expires.IsZero() && !now.Before(n.expires)
}

// Cache is a bounded map that evicts the least recently used entry.
type Cache[K comparable, V any] struct {
	mu       sync.Mutex
	capacity int
	items    map[K]*node[K, V]
	head     *node[K, V] // sentinel, most recent side
	tail     *node[K, V] // sentinel, least recent side
	now      func() time.Time
}

// Option configures a Cache.
type Option func(*options)

type options struct {
	now func() time.Time
}

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

// New creates a cache holding at most capacity entries. A capacity below
// one is raised to one.
func New[K comparable, V any](capacity int, opts ...Option) *Cache[K, V] {
	if capacity < 1 {
		capacity = 1
	}
	o := options{now: time.Now}
	for _, fn := range opts {
		fn(&o)
	}

	head := &node[K, V]{}
	tail := &node[K, V]{}
	head.next = tail
	tail.prev = head

	return &Cache[K, V]{
		capacity: capacity,
		items:    make(map[K]*node[K, V], capacity),
		head:     head,
		tail:     tail,
		now:      o.now,
	}
}

// Get returns the value for key if present and not expired, marking it
// most recently used.
func (c *Cache[K, V]) Get(key K) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var zero V
	n, ok := c.items[key]
	if !ok {
		return zero, false
	}
	if n.expired(c.now()) {
		c.drop(n)
		return zero, false
	}
	c.moveToFront(n)
	return n.val, true
}

// Put stores a value that never expires.
func (c *Cache[K, V]) Put(key K, val V) {
	c.PutUntil(key, val, time.Time{})
}

// PutUntil stores a value that expires at the given time. A zero time
// means no expiry. If the cache is full the least recently used entry is
// evicted.
func (c *Cache[K, V]) PutUntil(key K, val V, expires time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if n, ok := c.items[key]; ok {
		n.val = val
		n.expires = expires
		c.moveToFront(n)
		return
	}
	if len(c.items) >= c.capacity {
		c.drop(c.tail.prev)
	}
	n := &node[K, V]{key: key, val: val, expires: expires}
	c.items[key] = n
	c.pushFront(n)
}

// Delete removes key, reporting whether it was present.
func (c *Cache[K, V]) Delete(key K) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	n, ok := c.items[key]
	if !ok {
		return false
	}
	c.drop(n)
	return true
}

// Len counts entries, including expired ones not yet purged.
func (c *Cache[K, V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items)
}

// Purge removes every expired entry and returns how many were removed.
func (c *Cache[K, V]) Purge() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	removed := 0
	for cur := c.head.next; cur != c.tail; {
		next := cur.next
		if cur.expired(now) {
			c.drop(cur)
			removed++
		}
		cur = next
	}
	return removed
}

// caller holds c.mu for everything below.

func (c *Cache[K, V]) drop(n *node[K, V]) {
	c.unlink(n)
	delete(c.items, n.key)
}

func (c *Cache[K, V]) unlink(n *node[K, V]) {
	n.prev.next = n.next
	n.next.prev = n.prev
	n.prev = nil
	n.next = nil
}

func (c *Cache[K, V]) pushFront(n *node[K, V]) {
	n.next = c.head.next
	n.prev = c.head
	c.head.next.prev = n
	c.head.next = n
}

func (c *Cache[K, V]) moveToFront(n *node[K, V]) {
	c.unlink(n)
	c.pushFront(n)
}
