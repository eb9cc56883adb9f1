// Package dedup provides the bounded recency cache that suppresses
// redelivered envelopes.
package dedup

import (
	"fmt"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/lorrc/notification-relay/internal/core/ports"
)

// DefaultCapacity is the number of keys remembered when no capacity is configured.
const DefaultCapacity = 500

// Cache remembers the most recent keys. Once full, the oldest key is evicted
// first. A repeated sighting does not refresh a key's position.
type Cache struct {
	keys *lru.Cache[string, struct{}]
}

var _ ports.Deduplicator = (*Cache)(nil)

// New creates a cache holding at most capacity keys.
func New(capacity int) (*Cache, error) {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}

	keys, err := lru.New[string, struct{}](capacity)
	if err != nil {
		return nil, fmt.Errorf("create dedup cache: %w", err)
	}
	return &Cache{keys: keys}, nil
}

// Accept reports whether key is new. The check and the insert are atomic.
func (c *Cache) Accept(key string) bool {
	// ContainsOrAdd does not touch recency, so eviction stays in insertion order.
	found, _ := c.keys.ContainsOrAdd(key, struct{}{})
	return !found
}

// Forget drops key so a later delivery is accepted again.
func (c *Cache) Forget(key string) {
	c.keys.Remove(key)
}

// Len returns the number of keys held.
func (c *Cache) Len() int {
	return c.keys.Len()
}
