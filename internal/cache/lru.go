package cache

import (
	"container/list"
	"sync"
	"sync/atomic"

	"github.com/cssvb94/VectorLiteDB/knowledge"
	"github.com/cssvb94/VectorLiteDB/resource"
)

// EntryCache is a cost-weighted LRU of decoded knowledge entries keyed by
// entry id. Entries are cloned on the way in and on the way out, so cached
// state never aliases caller state. If a resource controller is provided,
// cache growth is charged against its memory budget; entries the budget
// rejects are simply not cached.
type EntryCache struct {
	mu        sync.Mutex
	capacity  int64
	size      int64
	items     map[string]*list.Element
	evictList *list.List
	rc        *resource.Controller

	hits   atomic.Int64
	misses atomic.Int64
}

type cacheItem struct {
	id    string
	entry *knowledge.Entry
	cost  int64
}

// NewEntryCache creates a cache bounded to capacity bytes of estimated
// entry cost. rc may be nil.
func NewEntryCache(capacity int64, rc *resource.Controller) *EntryCache {
	return &EntryCache{
		capacity:  capacity,
		items:     make(map[string]*list.Element),
		evictList: list.New(),
		rc:        rc,
	}
}

// Get returns a copy of the cached entry for id.
func (c *EntryCache) Get(id string) (*knowledge.Entry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, ok := c.items[id]; ok {
		c.hits.Add(1)
		c.evictList.MoveToFront(elem)
		return elem.Value.(*cacheItem).entry.Clone(), true
	}
	c.misses.Add(1)
	return nil, false
}

// Set caches a copy of the entry, replacing any cached entry with the same
// id. Entries whose cost exceeds the cache capacity are not cached.
func (c *EntryCache) Set(e *knowledge.Entry) {
	if e == nil || e.ID == "" {
		return
	}
	clone := e.Clone()
	cost := EntryCost(clone)

	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, ok := c.items[e.ID]; ok {
		item := elem.Value.(*cacheItem)
		if cost > item.cost && !c.tryAcquire(cost-item.cost) {
			// Budget denies the growth; drop the stale version rather
			// than keep serving it.
			c.removeElement(elem)
			return
		}
		if cost < item.cost {
			c.release(item.cost - cost)
		}
		c.size += cost - item.cost
		item.entry = clone
		item.cost = cost
		c.evictList.MoveToFront(elem)
		c.evict()
		return
	}

	if cost > c.capacity {
		return
	}
	for c.size+cost > c.capacity {
		tail := c.evictList.Back()
		if tail == nil {
			break
		}
		c.removeElement(tail)
	}
	if !c.tryAcquire(cost) {
		return
	}

	elem := c.evictList.PushFront(&cacheItem{id: e.ID, entry: clone, cost: cost})
	c.items[e.ID] = elem
	c.size += cost
}

// Remove drops the cached entry for id, if any.
func (c *EntryCache) Remove(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, ok := c.items[id]; ok {
		c.removeElement(elem)
	}
}

// Purge drops all cached entries.
func (c *EntryCache) Purge() {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, elem := range c.items {
		c.release(elem.Value.(*cacheItem).cost)
	}
	c.items = make(map[string]*list.Element)
	c.evictList.Init()
	c.size = 0
}

// Len returns the number of cached entries.
func (c *EntryCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items)
}

// Size returns the estimated resident cost of the cache in bytes.
func (c *EntryCache) Size() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.size
}

// Stats returns hit and miss counters.
func (c *EntryCache) Stats() (hits, misses int64) {
	return c.hits.Load(), c.misses.Load()
}

func (c *EntryCache) evict() {
	for c.size > c.capacity {
		elem := c.evictList.Back()
		if elem == nil {
			break
		}
		c.removeElement(elem)
	}
}

func (c *EntryCache) removeElement(elem *list.Element) {
	c.evictList.Remove(elem)
	item := elem.Value.(*cacheItem)
	delete(c.items, item.id)
	c.size -= item.cost
	c.release(item.cost)
}

func (c *EntryCache) tryAcquire(bytes int64) bool {
	if c.rc == nil {
		return true
	}
	return c.rc.TryAcquireMemory(bytes)
}

func (c *EntryCache) release(bytes int64) {
	if c.rc != nil {
		c.rc.ReleaseMemory(bytes)
	}
}

// Per-item bookkeeping overhead: map slot, list element, struct headers.
const itemOverhead = 128

// EntryCost estimates the resident bytes of a decoded entry.
func EntryCost(e *knowledge.Entry) int64 {
	if e == nil {
		return 0
	}
	cost := int64(itemOverhead)
	cost += int64(len(e.ID) + len(e.Content))
	cost += int64(4 * len(e.Embedding))
	for k, v := range e.Metadata {
		cost += int64(len(k)) + 48
		if s, ok := v.AsString(); ok {
			cost += int64(len(s))
		}
	}
	for _, tag := range e.Tags {
		cost += int64(len(tag)) + 16
	}
	for i := range e.Relations {
		cost += int64(len(e.Relations[i].TargetID)+len(e.Relations[i].Type)) + 48
	}
	return cost
}
