package streamcache

import (
	"container/list"
	"expvar"
	"sync"
)

type lruEntry[K comparable, V any] struct {
	key   K
	value V
}

// lruCache is a fixed-size LRU used to bound repeated materialization of
// lazy index entries. A capacity <= 0 disables caching entirely.
type lruCache[K comparable, V any] struct {
	mu        sync.Mutex
	capacity  int
	lruList   *list.List
	items     map[K]*list.Element
	onEvicted func(key K, value V)

	hits   *expvar.Int
	misses *expvar.Int
}

func newLRUCache[K comparable, V any](capacity int, onEvicted func(key K, value V)) *lruCache[K, V] {
	return &lruCache[K, V]{
		capacity:  capacity,
		lruList:   list.New(),
		items:     make(map[K]*list.Element),
		onEvicted: onEvicted,
	}
}

// SetMetrics attaches hit/miss counters.
func (c *lruCache[K, V]) SetMetrics(hits, misses *expvar.Int) {
	c.hits = hits
	c.misses = misses
}

func (c *lruCache[K, V]) Get(key K) (value V, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var zero V
	if c.capacity <= 0 {
		return zero, false
	}
	if elem, found := c.items[key]; found {
		if c.hits != nil {
			c.hits.Add(1)
		}
		c.lruList.MoveToFront(elem)
		return elem.Value.(*lruEntry[K, V]).value, true
	}
	if c.misses != nil {
		c.misses.Add(1)
	}
	return zero, false
}

func (c *lruCache[K, V]) Put(key K, value V) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.capacity <= 0 {
		return
	}
	if elem, found := c.items[key]; found {
		c.lruList.MoveToFront(elem)
		elem.Value.(*lruEntry[K, V]).value = value
		return
	}
	elem := c.lruList.PushFront(&lruEntry[K, V]{key: key, value: value})
	c.items[key] = elem

	if c.lruList.Len() > c.capacity {
		oldest := c.lruList.Back()
		if oldest != nil {
			c.lruList.Remove(oldest)
			entry := oldest.Value.(*lruEntry[K, V])
			delete(c.items, entry.key)
			if c.onEvicted != nil {
				c.onEvicted(entry.key, entry.value)
			}
		}
	}
}

func (c *lruCache[K, V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lruList.Len()
}

func (c *lruCache[K, V]) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.onEvicted != nil {
		for elem := c.lruList.Front(); elem != nil; elem = elem.Next() {
			entry := elem.Value.(*lruEntry[K, V])
			c.onEvicted(entry.key, entry.value)
		}
	}
	c.lruList.Init()
	c.items = make(map[K]*list.Element)
}
