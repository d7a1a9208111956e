package entitlement

import (
	"context"
	"sync"
	"time"
)

// Cache holds recently read entitlements to take load off the store.
// Invalidation reports errors so callers can log them; a failed
// invalidation never blocks the operation that triggered it.
type Cache interface {
	// GetEntitlement returns a cached entitlement and true, or nil and false
	GetEntitlement(ctx context.Context, userID string) (*Entitlement, bool)

	// SetEntitlement stores an entitlement for ttl
	SetEntitlement(ctx context.Context, ent *Entitlement, ttl time.Duration)

	// InvalidateEntitlement removes the user's cached entitlement
	InvalidateEntitlement(ctx context.Context, userID string) error
}

// CacheStats holds cache performance statistics
type CacheStats struct {
	Hits      int64
	Misses    int64
	Evictions int64
	Size      int
}

// NoopCache is a cache implementation that does nothing
// Used when caching is disabled
type NoopCache struct{}

// NewNoopCache creates a new no-op cache
func NewNoopCache() *NoopCache {
	return &NoopCache{}
}

func (c *NoopCache) GetEntitlement(_ context.Context, _ string) (*Entitlement, bool) {
	return nil, false
}

func (c *NoopCache) SetEntitlement(_ context.Context, _ *Entitlement, _ time.Duration) {}

func (c *NoopCache) InvalidateEntitlement(_ context.Context, _ string) error { return nil }

// cacheEntry wraps a cached value with expiration time and access time for LRU
type cacheEntry struct {
	value      *Entitlement
	expiration time.Time
	accessTime time.Time
	sequence   int64 // tiebreak when access times are equal
}

func (e *cacheEntry) isExpired() bool {
	return time.Now().After(e.expiration)
}

// LRUCache implements Cache in process memory with TTL and LRU eviction.
// It suits a single instance; replicas should share a Redis cache instead.
type LRUCache struct {
	mu        sync.Mutex
	entries   map[string]*cacheEntry
	maxSize   int
	hits      int64
	misses    int64
	evictions int64
	sequence  int64
}

// NewLRUCache creates a new LRU cache holding at most maxSize entitlements
func NewLRUCache(maxSize int) *LRUCache {
	if maxSize <= 0 {
		maxSize = 1000 // default
	}
	return &LRUCache{
		entries: make(map[string]*cacheEntry, maxSize),
		maxSize: maxSize,
	}
}

func (c *LRUCache) GetEntitlement(_ context.Context, userID string) (*Entitlement, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, exists := c.entries[userID]
	if !exists || entry.isExpired() {
		c.misses++
		return nil, false
	}

	entry.accessTime = time.Now()
	c.hits++
	return entry.value.Clone(), true
}

func (c *LRUCache) SetEntitlement(_ context.Context, ent *Entitlement, ttl time.Duration) {
	if ent == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	if _, exists := c.entries[ent.UserID]; !exists && len(c.entries) >= c.maxSize {
		c.evictOldest()
	}

	seq := c.sequence
	c.sequence++
	c.entries[ent.UserID] = &cacheEntry{
		value:      ent.Clone(),
		expiration: now.Add(ttl),
		accessTime: now,
		sequence:   seq,
	}
}

// evictOldest drops the least recently used entry. Caller holds c.mu.
func (c *LRUCache) evictOldest() {
	var oldestKey string
	var oldestTime time.Time
	var oldestSeq int64
	first := true
	for key, entry := range c.entries {
		if first || entry.accessTime.Before(oldestTime) ||
			(entry.accessTime.Equal(oldestTime) && entry.sequence < oldestSeq) {
			oldestKey = key
			oldestTime = entry.accessTime
			oldestSeq = entry.sequence
			first = false
		}
	}
	if oldestKey != "" {
		delete(c.entries, oldestKey)
		c.evictions++
	}
}

func (c *LRUCache) InvalidateEntitlement(_ context.Context, userID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, userID)
	return nil
}

// Stats returns cache statistics
func (c *LRUCache) Stats() CacheStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return CacheStats{
		Hits:      c.hits,
		Misses:    c.misses,
		Evictions: c.evictions,
		Size:      len(c.entries),
	}
}
