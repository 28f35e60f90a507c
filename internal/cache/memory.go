package cache

import (
	"context"
	"sync"
	"time"

	"github.com/charmbracelet/log"
)

// MemoryCache is the in-memory tier. It wraps exactly one RecordSet and grows
// without bound; nothing is evicted.
type MemoryCache struct {
	records RecordSet

	// Synchronization
	mu sync.RWMutex

	// Metrics
	stats CacheStats

	logger *log.Logger
}

// MemoryOption configures a MemoryCache.
type MemoryOption func(*MemoryCache)

// WithRecords seeds the cache with records.
func WithRecords(records RecordSet) MemoryOption {
	return func(c *MemoryCache) {
		c.records = records.Clone()
	}
}

// WithMemoryLogger sets the logger used for conflict reports.
func WithMemoryLogger(logger *log.Logger) MemoryOption {
	return func(c *MemoryCache) {
		c.logger = logger
	}
}

// NewMemoryCache creates an empty in-memory tier.
func NewMemoryCache(opts ...MemoryOption) *MemoryCache {
	c := &MemoryCache{
		records: NewRecordSet(),
		logger:  log.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// LoadRecords returns copies of the records stored for keys.
func (c *MemoryCache) LoadRecords(ctx context.Context, keys KeySet) (map[CacheKey]Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	c.mu.RLock()
	out := make(map[CacheKey]Record, len(keys))
	for key := range keys {
		if r, ok := c.records.Get(key); ok {
			out[key] = r
		}
	}
	c.mu.RUnlock()

	// Counters are written under the write lock so loads can share the read lock.
	c.mu.Lock()
	c.stats.Hits += int64(len(out))
	c.stats.Misses += int64(len(keys) - len(out))
	c.mu.Unlock()

	return out, nil
}

// Merge applies records to the stored set. The request context is ignored: a
// memory tier used on its own always participates.
func (c *MemoryCache) Merge(ctx context.Context, records RecordSet, _ *RequestContext) (KeySet, error) {
	if err := ctx.Err(); err != nil {
		return KeySet{}, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	changed, conflicts := c.records.Merge(records)

	c.stats.Merges++
	c.stats.Changed += int64(changed.Len())
	c.stats.Conflicts += int64(len(conflicts))
	c.stats.LastMerge = time.Now()

	for _, conflict := range conflicts {
		c.logger.Warn("merge conflict",
			"key", conflict.Key,
			"field", conflict.Field,
			"stored", conflict.Existing,
			"incoming", conflict.Incoming)
	}

	return changed, conflictError(conflicts)
}

// RemoveRecord deletes the record at key.
func (c *MemoryCache) RemoveRecord(ctx context.Context, key CacheKey) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.records.RemoveRecord(key)
	return nil
}

// RemoveRecords deletes every record matching pattern.
func (c *MemoryCache) RemoveRecords(ctx context.Context, pattern CacheKey) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if n := c.records.RemoveRecords(pattern); n > 0 {
		c.logger.Debug("invalidated records", "pattern", pattern, "count", n)
	}
	return nil
}

// Clear removes all records.
func (c *MemoryCache) Clear(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.records.Clear()
	return nil
}

// Len returns the number of stored records.
func (c *MemoryCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return c.records.Len()
}

// SizeInBytes approximates the memory held by stored records.
func (c *MemoryCache) SizeInBytes() int64 {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return int64(c.records.SizeInBytes())
}

// Keys returns every stored key in sorted order.
func (c *MemoryCache) Keys() []CacheKey {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return c.records.Keys()
}

// Stats returns cache statistics.
func (c *MemoryCache) Stats() CacheStats {
	c.mu.RLock()
	defer c.mu.RUnlock()

	stats := c.stats
	stats.Records = c.records.Len()
	stats.Size = int64(c.records.SizeInBytes())
	return stats
}
