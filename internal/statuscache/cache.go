// Package statuscache holds the last serialized status vector per hostname.
package statuscache

import (
	"context"
	"errors"
	"strings"
	"sync"
)

var ErrKeyRequired = errors.New("statuscache: key required")

// Cache is a keyed store of serialized vectors with a conditional write.
// SetIfChanged reports whether a write happened. Concurrent writers to the
// same key resolve last-write-wins.
type Cache interface {
	Get(ctx context.Context, key string) (string, bool, error)
	SetIfChanged(ctx context.Context, key, value string) (bool, error)
}

// MemoryCache is a process-local Cache.
type MemoryCache struct {
	mu     sync.RWMutex
	values map[string]string
	writes uint64
}

var _ Cache = (*MemoryCache)(nil)

func NewMemoryCache() *MemoryCache {
	return &MemoryCache{values: make(map[string]string)}
}

func (c *MemoryCache) Get(ctx context.Context, key string) (string, bool, error) {
	if err := ctx.Err(); err != nil {
		return "", false, err
	}
	key = strings.TrimSpace(key)
	if key == "" {
		return "", false, ErrKeyRequired
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.values[key]
	return v, ok, nil
}

func (c *MemoryCache) SetIfChanged(ctx context.Context, key, value string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	key = strings.TrimSpace(key)
	if key == "" {
		return false, ErrKeyRequired
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if cur, ok := c.values[key]; ok && cur == value {
		return false, nil
	}
	c.values[key] = value
	c.writes++
	return true, nil
}

// Writes returns how many stores actually changed a value.
func (c *MemoryCache) Writes() uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.writes
}
