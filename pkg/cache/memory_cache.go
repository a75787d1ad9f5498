package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

type memoryEntry struct {
	data      []byte
	expiresAt time.Time
}

// MemoryCache is an in-process LRU cache. It backs deployments without
// Redis and the test suite. Entries carry their own TTL; expiry is checked
// lazily on read.
type MemoryCache struct {
	entries *lru.Cache[string, memoryEntry]
}

// NewMemoryCache creates a memory cache bounded to size entries
func NewMemoryCache(size int) (*MemoryCache, error) {
	if size <= 0 {
		size = 10_000
	}
	entries, err := lru.New[string, memoryEntry](size)
	if err != nil {
		return nil, fmt.Errorf("create lru: %w", err)
	}
	return &MemoryCache{entries: entries}, nil
}

// Get retrieves a value from the cache
func (c *MemoryCache) Get(ctx context.Context, key string, value interface{}) error {
	entry, ok := c.entries.Get(key)
	if !ok {
		return ErrNotFound
	}
	if !entry.expiresAt.IsZero() && time.Now().After(entry.expiresAt) {
		c.entries.Remove(key)
		return ErrNotFound
	}
	if err := json.Unmarshal(entry.data, value); err != nil {
		return fmt.Errorf("failed to unmarshal cache value: %w", err)
	}
	return nil
}

// Set stores a value in the cache
func (c *MemoryCache) Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to marshal cache value: %w", err)
	}
	entry := memoryEntry{data: data}
	if ttl > 0 {
		entry.expiresAt = time.Now().Add(ttl)
	}
	c.entries.Add(key, entry)
	return nil
}

// Delete removes a value from the cache
func (c *MemoryCache) Delete(ctx context.Context, key string) error {
	c.entries.Remove(key)
	return nil
}

// Exists checks if a key exists in the cache
func (c *MemoryCache) Exists(ctx context.Context, key string) (bool, error) {
	entry, ok := c.entries.Get(key)
	if !ok {
		return false, nil
	}
	if !entry.expiresAt.IsZero() && time.Now().After(entry.expiresAt) {
		c.entries.Remove(key)
		return false, nil
	}
	return true, nil
}

// Flush clears all values from the cache
func (c *MemoryCache) Flush(ctx context.Context) error {
	c.entries.Purge()
	return nil
}

// Close implements Cache.Close
func (c *MemoryCache) Close() error { return nil }
