// Package cache memoizes sanitized answers for repeated identical
// requests. Bounded capacity with oldest-inserted eviction and a lazy
// absolute TTL checked on read.
package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"sync"
	"time"
)

type entry struct {
	value     string
	expiresAt time.Time
}

// Cache is a concurrency-safe bounded TTL map.
type Cache struct {
	mu       sync.Mutex
	entries  map[string]entry
	order    []string
	capacity int
	ttl      time.Duration
	now      func() time.Time
}

// New constructs a cache holding at most capacity entries for ttl each.
func New(capacity int, ttl time.Duration) *Cache {
	return &Cache{
		entries:  make(map[string]entry, capacity),
		capacity: capacity,
		ttl:      ttl,
		now:      time.Now,
	}
}

// Get returns the cached value for key. Expired entries are deleted and
// reported absent.
func (c *Cache) Get(key string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok {
		return "", false
	}
	if c.now().After(e.expiresAt) {
		delete(c.entries, key)
		c.removeFromOrder(key)
		return "", false
	}
	return e.value, true
}

// Set stores value under key, evicting the oldest inserted entry when the
// cache is full.
func (c *Cache) Set(key, value string) {
	if c.capacity <= 0 {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.entries[key]; !exists {
		for len(c.entries) >= c.capacity && len(c.order) > 0 {
			oldest := c.order[0]
			c.order = c.order[1:]
			delete(c.entries, oldest)
		}
		c.order = append(c.order, key)
	}

	c.entries[key] = entry{
		value:     value,
		expiresAt: c.now().Add(c.ttl),
	}
}

// Len reports the number of live entries, counting expired ones until
// they are lazily collected.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

func (c *Cache) removeFromOrder(key string) {
	for i, k := range c.order {
		if k == key {
			c.order = append(c.order[:i], c.order[i+1:]...)
			return
		}
	}
}

// Key derives a deterministic cache key from the semantic inputs that
// affect an answer. Equal inputs hash equal regardless of call order.
func Key(parts ...string) string {
	h := sha256.New()
	for _, p := range parts {
		h.Write([]byte(p))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}

// JoinTurns flattens role/content pairs into one key part.
func JoinTurns(pairs ...string) string {
	return strings.Join(pairs, "\x1f")
}
