// Package authstate correlates OAuth redirect callbacks with the request
// that started the flow.
package authstate

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/golang-lru/v2/expirable"
)

// Pending is the operation waiting for a callback.
type Pending struct {
	AccountID   string
	SourceName  string
	RedirectURL string
	CreatedAt   time.Time
}

// Cache holds pending flows keyed by opaque state. Entries expire after the
// TTL and the oldest entry is evicted once the cache is full. A state can
// be taken only once.
type Cache struct {
	mu      sync.Mutex
	entries *expirable.LRU[string, Pending]
}

// New creates a Cache holding at most maxPending entries for ttl each.
func New(ttl time.Duration, maxPending int) *Cache {
	if maxPending <= 0 {
		maxPending = 1000
	}
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &Cache{entries: expirable.NewLRU[string, Pending](maxPending, nil, ttl)}
}

// Put stores p under state, replacing any previous entry.
func (c *Cache) Put(state string, p Pending) {
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now().UTC()
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries.Add(state, p)
}

// Begin generates a fresh state for p and stores it.
func (c *Cache) Begin(p Pending) string {
	state := uuid.New().String()
	c.Put(state, p)
	return state
}

// Take removes and returns the entry for state. Expired or unknown states
// return false.
func (c *Cache) Take(state string) (Pending, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	p, ok := c.entries.Peek(state)
	if !ok {
		return Pending{}, false
	}
	c.entries.Remove(state)
	return p, true
}

// Len returns the number of live entries.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.entries.Len()
}

// Clear drops every entry.
func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries.Purge()
}
