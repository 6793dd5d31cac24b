// Package cache holds a small LRU used for records that never change once
// written, such as settled or cancelled activities. There is no invalidation:
// entries leave only by capacity pressure or TTL, so callers must never cache
// anything that can still transition.
package cache

import (
	"sync"
	"time"
)

// LRU is a fixed-capacity cache with per-entry TTL. Entries are chained on an
// intrusive doubly-linked list in recency order; the map indexes into it.
type LRU[K comparable, V any] struct {
	mu       sync.Mutex
	capacity int
	ttl      time.Duration
	index    map[K]*node[K, V]
	head     *node[K, V] // most recently used
	tail     *node[K, V] // next to evict
	now      func() time.Time
}

type node[K comparable, V any] struct {
	key     K
	value   V
	expires time.Time
	prev    *node[K, V]
	next    *node[K, V]
}

func NewLRU[K comparable, V any](capacity int, ttl time.Duration) *LRU[K, V] {
	if capacity < 1 {
		capacity = 1
	}
	return &LRU[K, V]{
		capacity: capacity,
		ttl:      ttl,
		index:    make(map[K]*node[K, V], capacity),
		now:      time.Now,
	}
}

// Get returns the cached value when present and unexpired. An expired entry
// is dropped on the spot rather than waiting for capacity pressure.
func (c *LRU[K, V]) Get(key K) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var zero V
	n, ok := c.index[key]
	if !ok {
		return zero, false
	}
	if c.now().After(n.expires) {
		c.unlink(n)
		delete(c.index, key)
		return zero, false
	}
	c.moveToFront(n)
	return n.value, true
}

// Put inserts or refreshes an entry, evicting the least recently used one
// when the cache is full.
func (c *LRU[K, V]) Put(key K, value V) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if n, ok := c.index[key]; ok {
		n.value = value
		n.expires = c.now().Add(c.ttl)
		c.moveToFront(n)
		return
	}

	if len(c.index) >= c.capacity && c.tail != nil {
		evicted := c.tail
		c.unlink(evicted)
		delete(c.index, evicted.key)
	}

	n := &node[K, V]{key: key, value: value, expires: c.now().Add(c.ttl)}
	c.pushFront(n)
	c.index[key] = n
}

// Len reports the number of entries, counting expired ones not yet dropped.
func (c *LRU[K, V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.index)
}

func (c *LRU[K, V]) pushFront(n *node[K, V]) {
	n.prev = nil
	n.next = c.head
	if c.head != nil {
		c.head.prev = n
	}
	c.head = n
	if c.tail == nil {
		c.tail = n
	}
}

func (c *LRU[K, V]) unlink(n *node[K, V]) {
	if n.prev != nil {
		n.prev.next = n.next
	} else {
		c.head = n.next
	}
	if n.next != nil {
		n.next.prev = n.prev
	} else {
		c.tail = n.prev
	}
	n.prev, n.next = nil, nil
}

func (c *LRU[K, V]) moveToFront(n *node[K, V]) {
	if c.head == n {
		return
	}
	c.unlink(n)
	c.pushFront(n)
}
