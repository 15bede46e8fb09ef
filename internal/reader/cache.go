package reader

import (
	"container/list"
	"sync"
	"time"
)

// boundedCache is a small LRU cache with a TTL. Eviction happens on
// capacity; expired entries are dropped lazily on lookup. Used for the
// has-collected-operations flag, which flips to true once per target and
// then stays true.
type boundedCache[K comparable, V any] struct {
	mu       sync.Mutex
	capacity int
	ttl      time.Duration
	now      func() time.Time
	entries  map[K]*list.Element
	order    *list.List // front = most recently used
}

type cacheEntry[K comparable, V any] struct {
	key     K
	value   V
	expires time.Time
}

func newBoundedCache[K comparable, V any](capacity int, ttl time.Duration) *boundedCache[K, V] {
	return &boundedCache[K, V]{
		capacity: capacity,
		ttl:      ttl,
		now:      time.Now,
		entries:  make(map[K]*list.Element),
		order:    list.New(),
	}
}

func (c *boundedCache[K, V]) Get(key K) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var zero V
	el, ok := c.entries[key]
	if !ok {
		return zero, false
	}
	entry := el.Value.(*cacheEntry[K, V])
	if !entry.expires.After(c.now()) {
		c.order.Remove(el)
		delete(c.entries, key)
		return zero, false
	}
	c.order.MoveToFront(el)
	return entry.value, true
}

func (c *boundedCache[K, V]) Set(key K, value V) {
	c.mu.Lock()
	defer c.mu.Unlock()

	expires := c.now().Add(c.ttl)
	if el, ok := c.entries[key]; ok {
		entry := el.Value.(*cacheEntry[K, V])
		entry.value = value
		entry.expires = expires
		c.order.MoveToFront(el)
		return
	}

	c.entries[key] = c.order.PushFront(&cacheEntry[K, V]{key: key, value: value, expires: expires})
	for len(c.entries) > c.capacity {
		oldest := c.order.Back()
		c.order.Remove(oldest)
		delete(c.entries, oldest.Value.(*cacheEntry[K, V]).key)
	}
}

func (c *boundedCache[K, V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
