package cache

import (
	"context"
	"crypto/sha1" //nolint:gosec // G505: sha1 for cache keys, not security
	"encoding/hex"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/Plonkawojciech/open-kaap-pro/internal/core"
)

// LRUCache is a thread-safe LRU cache with expiration
type LRUCache struct {
	capacity int
	items    map[string]*CacheItem
	mu       sync.RWMutex
	head     *CacheItem
	tail     *CacheItem
	ctx      context.Context
	cancel   context.CancelFunc
}

// CacheItem represents an item in the cache with LRU links
type CacheItem struct {
	Value      any
	Expiration int64
	key        string
	prev       *CacheItem
	next       *CacheItem
}

// NewCache creates a new LRU Cache with the default capacity
func NewCache() *LRUCache {
	return NewCacheWithCapacity(core.CacheDefaultCapacity)
}

// NewCacheWithCapacity creates a new LRU Cache holding at most capacity items
func NewCacheWithCapacity(capacity int) *LRUCache {
	if capacity <= 0 {
		capacity = core.CacheDefaultCapacity
	}
	ctx, cancel := context.WithCancel(context.Background())
	c := &LRUCache{
		capacity: capacity,
		items:    make(map[string]*CacheItem),
		ctx:      ctx,
		cancel:   cancel,
	}

	c.head = &CacheItem{}
	c.tail = &CacheItem{}
	c.head.next = c.tail
	c.tail.prev = c.head

	go c.startCleanupWorker()
	return c
}

func (c *LRUCache) startCleanupWorker() {
	ticker := time.NewTicker(core.CacheCleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.cleanupExpired()
		case <-c.ctx.Done():
			return
		}
	}
}

// Stop terminates the cache cleanup worker goroutine.
func (c *LRUCache) Stop() {
	if c.cancel != nil {
		c.cancel()
	}
}

// Set stores a value in the cache with the given TTL. Last writer wins.
func (c *LRUCache) Set(key string, value any, duration time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	expiration := time.Now().Add(duration).UnixNano()
	if item, exists := c.items[key]; exists {
		item.Value = value
		item.Expiration = expiration
		c.moveToFront(item)
		return
	}

	item := &CacheItem{Value: value, Expiration: expiration, key: key}
	c.addToFront(item)
	c.items[key] = item

	if len(c.items) > c.capacity {
		c.evict()
	}
}

// Get retrieves a value from the cache, returning false if not found or expired.
func (c *LRUCache) Get(key string) (any, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	item, found := c.items[key]
	if !found {
		return nil, false
	}

	if time.Now().UnixNano() >= item.Expiration {
		c.remove(item)
		delete(c.items, key)
		return nil, false
	}

	c.moveToFront(item)
	return item.Value, true
}

func (c *LRUCache) addToFront(item *CacheItem) {
	item.next = c.head.next
	item.prev = c.head
	c.head.next.prev = item
	c.head.next = item
}

func (c *LRUCache) moveToFront(item *CacheItem) {
	c.remove(item)
	c.addToFront(item)
}

func (c *LRUCache) remove(item *CacheItem) {
	item.prev.next = item.next
	item.next.prev = item.prev
}

func (c *LRUCache) evict() {
	if c.tail.prev == c.head {
		return
	}
	item := c.tail.prev
	c.remove(item)
	delete(c.items, item.key)
}

func (c *LRUCache) cleanupExpired() {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now().UnixNano()
	for key, item := range c.items {
		if now >= item.Expiration {
			c.remove(item)
			delete(c.items, key)
		}
	}
}

// CacheService caches provider model lists
type CacheService struct {
	catalog *LRUCache
	metrics core.MetricsCollector
}

// NewCacheService creates a new CacheService. A nil collector disables hit/miss counting.
func NewCacheService(metrics core.MetricsCollector) *CacheService {
	if metrics == nil {
		metrics = &core.NopMetrics{}
	}
	return &CacheService{
		catalog: NewCache(),
		metrics: metrics,
	}
}

// GetModelList returns a copy of the cached model list for key.
func (cs *CacheService) GetModelList(key string) ([]string, bool) {
	cached, found := cs.catalog.Get(key)
	if !found {
		cs.metrics.RecordCacheMiss()
		return nil, false
	}

	models, ok := cached.([]string)
	if !ok {
		cs.metrics.RecordCacheMiss()
		return nil, false
	}

	cs.metrics.RecordCacheHit()
	return slices.Clone(models), true
}

// PutModelList stores a copy of models under key.
func (cs *CacheService) PutModelList(key string, models []string, ttl time.Duration) {
	cs.catalog.Set(key, slices.Clone(models), ttl)
}

// Stop terminates the cleanup worker.
func (cs *CacheService) Stop() {
	cs.catalog.Stop()
}

// Close stops the cache service and releases resources.
func (cs *CacheService) Close() error {
	cs.Stop()
	return nil
}

// CatalogCacheKey builds the model-list cache key for a provider key without keeping
// the key itself in memory.
func CatalogCacheKey(provider, apiKey string) string {
	h := sha1.New() //nolint:gosec // G401: sha1 for cache keys, not security
	h.Write([]byte(apiKey))
	return fmt.Sprintf("%s:%s:%s", provider, core.CacheKeyVersion, hex.EncodeToString(h.Sum(nil)))
}

// TruncateCacheKey safely truncates cache key for log display
func TruncateCacheKey(key string, maxLen int) string {
	if len(key) <= maxLen {
		return key
	}
	return key[:maxLen]
}
