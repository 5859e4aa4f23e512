package cache

import (
	"sort"
	"sync"
	"time"

	"phantomtrack/pkg/models"
)

// CacheEntry represents a cached item with expiration
type CacheEntry struct {
	Value      interface{}
	Expiration time.Time
}

// IsExpired checks if the cache entry has expired
func (e *CacheEntry) IsExpired(now time.Time) bool {
	return now.After(e.Expiration)
}

// MemoryCache implements a simple in-memory TTL cache
type MemoryCache struct {
	items   map[string]*CacheEntry
	mutex   sync.RWMutex
	ttl     time.Duration
	now     func() time.Time
	onEvict func(key string, value interface{})
	stop    chan struct{}
	once    sync.Once
}

// NewMemoryCache creates a new memory cache that sweeps expired entries every interval
func NewMemoryCache(ttl, interval time.Duration) *MemoryCache {
	cache := &MemoryCache{
		items: make(map[string]*CacheEntry),
		ttl:   ttl,
		now:   time.Now,
		stop:  make(chan struct{}),
	}

	if interval > 0 {
		go cache.cleanupExpired(interval)
	}

	return cache
}

// Set stores a value in the cache
func (c *MemoryCache) Set(key string, value interface{}) {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	c.items[key] = &CacheEntry{
		Value:      value,
		Expiration: c.now().Add(c.ttl),
	}
}

// Get retrieves a value from the cache
func (c *MemoryCache) Get(key string) (interface{}, bool) {
	c.mutex.RLock()
	defer c.mutex.RUnlock()

	entry, exists := c.items[key]
	if !exists || entry.IsExpired(c.now()) {
		return nil, false
	}

	return entry.Value, true
}

// Delete removes a value from the cache
func (c *MemoryCache) Delete(key string) {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	delete(c.items, key)
}

// Size returns the number of items in the cache
func (c *MemoryCache) Size() int {
	c.mutex.RLock()
	defer c.mutex.RUnlock()

	return len(c.items)
}

// Close stops the cleanup goroutine
func (c *MemoryCache) Close() {
	c.once.Do(func() { close(c.stop) })
}

// Sweep removes expired entries now and returns how many were dropped
func (c *MemoryCache) Sweep() int {
	c.mutex.Lock()
	now := c.now()
	var evicted []*CacheEntry
	var keys []string
	for key, entry := range c.items {
		if entry.IsExpired(now) {
			evicted = append(evicted, entry)
			keys = append(keys, key)
			delete(c.items, key)
		}
	}
	onEvict := c.onEvict
	c.mutex.Unlock()

	if onEvict != nil {
		for i, entry := range evicted {
			onEvict(keys[i], entry.Value)
		}
	}
	return len(evicted)
}

// cleanupExpired removes expired entries periodically
func (c *MemoryCache) cleanupExpired(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.Sweep()
		case <-c.stop:
			return
		}
	}
}

// snapshot returns all live values
func (c *MemoryCache) snapshot() []interface{} {
	c.mutex.RLock()
	defer c.mutex.RUnlock()

	now := c.now()
	values := make([]interface{}, 0, len(c.items))
	for _, entry := range c.items {
		if !entry.IsExpired(now) {
			values = append(values, entry.Value)
		}
	}
	return values
}

// ReferenceCache registers uploaded reference tracks for a limited time
type ReferenceCache struct {
	*MemoryCache
}

// NewReferenceCache creates a reference registry. onEvict runs for every
// reference that expires, e.g. to remove its file.
func NewReferenceCache(ttl time.Duration, onEvict func(models.ReferenceTrack)) *ReferenceCache {
	interval := ttl / 4
	if interval < time.Minute {
		interval = time.Minute
	}
	rc := &ReferenceCache{MemoryCache: NewMemoryCache(ttl, interval)}
	if onEvict != nil {
		rc.mutex.Lock()
		rc.onEvict = func(_ string, value interface{}) {
			if ref, ok := value.(models.ReferenceTrack); ok {
				onEvict(ref)
			}
		}
		rc.mutex.Unlock()
	}
	return rc
}

// Put registers a reference track under its ID
func (rc *ReferenceCache) Put(ref models.ReferenceTrack) {
	rc.Set(ref.ID, ref)
}

// GetReference retrieves a reference track by ID
func (rc *ReferenceCache) GetReference(id string) (models.ReferenceTrack, bool) {
	value, exists := rc.Get(id)
	if !exists {
		return models.ReferenceTrack{}, false
	}
	ref, ok := value.(models.ReferenceTrack)
	return ref, ok
}

// FindByPath returns the reference stored at filePath
func (rc *ReferenceCache) FindByPath(filePath string) (models.ReferenceTrack, bool) {
	for _, value := range rc.snapshot() {
		if ref, ok := value.(models.ReferenceTrack); ok && ref.FilePath == filePath {
			return ref, true
		}
	}
	return models.ReferenceTrack{}, false
}

// List returns all live references, oldest upload first
func (rc *ReferenceCache) List() []models.ReferenceTrack {
	var refs []models.ReferenceTrack
	for _, value := range rc.snapshot() {
		if ref, ok := value.(models.ReferenceTrack); ok {
			refs = append(refs, ref)
		}
	}
	sort.Slice(refs, func(i, j int) bool {
		if refs[i].UploadedAt.Equal(refs[j].UploadedAt) {
			return refs[i].ID < refs[j].ID
		}
		return refs[i].UploadedAt.Before(refs[j].UploadedAt)
	})
	return refs
}
