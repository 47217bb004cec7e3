package cache

import (
	"container/list"
	"sync"
)

// Config bounds the cache. A zero MaxEntries means no entry limit.
type Config struct {
	MaxSize    int64 `yaml:"max_size"`
	MaxEntries int   `yaml:"max_entries"`
}

// DefaultMaxSize is used when Config.MaxSize is not positive.
const DefaultMaxSize = 64 << 20

// Stats reports cache effectiveness.
type Stats struct {
	Hits        uint64  `json:"hits"`
	Misses      uint64  `json:"misses"`
	Evictions   uint64  `json:"evictions"`
	Entries     int     `json:"entries"`
	Size        int64   `json:"size"`
	Capacity    int64   `json:"capacity"`
	HitRate     float64 `json:"hit_rate"`
	Utilization float64 `json:"utilization"`
}

// LRU is a thread-safe block cache keyed by block id.
type LRU struct {
	mu          sync.Mutex
	capacity    int64
	maxEntries  int
	currentSize int64
	items       map[uint64]*list.Element
	evictList   *list.List

	hits      uint64
	misses    uint64
	evictions uint64
}

type cacheItem struct {
	id   uint64
	data []byte
}

// NewLRU creates an empty cache. A nil config uses DefaultMaxSize.
func NewLRU(config *Config) *LRU {
	if config == nil {
		config = &Config{}
	}
	capacity := config.MaxSize
	if capacity <= 0 {
		capacity = DefaultMaxSize
	}
	return &LRU{
		capacity:   capacity,
		maxEntries: config.MaxEntries,
		items:      make(map[uint64]*list.Element),
		evictList:  list.New(),
	}
}

// Get returns a copy of the cached block.
func (c *LRU) Get(id uint64) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	element, ok := c.items[id]
	if !ok {
		c.misses++
		return nil, false
	}
	c.evictList.MoveToFront(element)
	c.hits++

	item := element.Value.(*cacheItem)
	return append([]byte(nil), item.data...), true
}

// Put stores a copy of data. Blocks larger than the whole cache are not
// kept, and any older copy is dropped.
func (c *LRU) Put(id uint64, data []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()

	size := int64(len(data))
	if size > c.capacity {
		c.remove(id)
		return
	}

	copied := append([]byte(nil), data...)
	if element, ok := c.items[id]; ok {
		item := element.Value.(*cacheItem)
		c.currentSize += size - int64(len(item.data))
		item.data = copied
		c.evictList.MoveToFront(element)
	} else {
		c.items[id] = c.evictList.PushFront(&cacheItem{id: id, data: copied})
		c.currentSize += size
	}

	c.evictIfNeeded()
}

// Delete drops the block if cached.
func (c *LRU) Delete(id uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.remove(id)
}

// Len returns the number of cached blocks.
func (c *LRU) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items)
}

// Size returns the cached payload bytes.
func (c *LRU) Size() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.currentSize
}

// Resize changes the byte capacity, evicting as needed.
func (c *LRU) Resize(capacity int64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if capacity <= 0 {
		capacity = DefaultMaxSize
	}
	c.capacity = capacity
	c.evictIfNeeded()
}

// Clear drops every block. Counters are kept.
func (c *LRU) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.evictions += uint64(len(c.items))
	c.items = make(map[uint64]*list.Element)
	c.evictList.Init()
	c.currentSize = 0
}

// Stats returns a snapshot of the cache counters.
func (c *LRU) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()

	stats := Stats{
		Hits:        c.hits,
		Misses:      c.misses,
		Evictions:   c.evictions,
		Entries:     len(c.items),
		Size:        c.currentSize,
		Capacity:    c.capacity,
		Utilization: float64(c.currentSize) / float64(c.capacity),
	}
	if total := c.hits + c.misses; total > 0 {
		stats.HitRate = float64(c.hits) / float64(total)
	}
	return stats
}

func (c *LRU) remove(id uint64) {
	element, ok := c.items[id]
	if !ok {
		return
	}
	c.evictList.Remove(element)
	delete(c.items, id)
	c.currentSize -= int64(len(element.Value.(*cacheItem).data))
}

func (c *LRU) evictIfNeeded() {
	for c.currentSize > c.capacity && c.evictList.Len() > 0 {
		c.evictOldest()
	}
	if c.maxEntries > 0 {
		for len(c.items) > c.maxEntries && c.evictList.Len() > 0 {
			c.evictOldest()
		}
	}
}

func (c *LRU) evictOldest() {
	element := c.evictList.Back()
	if element == nil {
		return
	}
	c.remove(element.Value.(*cacheItem).id)
	c.evictions++
}
