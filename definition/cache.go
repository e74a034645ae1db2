package definition

import "sync"

// Cache is an explicit, injected definition cache. Reads are concurrent and
// lock-free of contention in the common case (RWMutex read lock); writes are
// infrequent and happen only on load or explicit invalidation.
type Cache struct {
	mu   sync.RWMutex
	defs map[string]*Definition
}

// NewCache creates an empty definition cache.
func NewCache() *Cache {
	return &Cache{defs: make(map[string]*Definition)}
}

// Get returns the cached definition for a key, if present.
func (c *Cache) Get(key string) (*Definition, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	d, ok := c.defs[key]
	return d, ok
}

// Put stores a definition under a key. Definitions are immutable once cached.
func (c *Cache) Put(key string, d *Definition) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.defs[key] = d
}

// Invalidate removes a single cached definition.
func (c *Cache) Invalidate(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.defs, key)
}

// InvalidateAll drops every cached definition.
func (c *Cache) InvalidateAll() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.defs = make(map[string]*Definition)
}

// Len returns the number of cached definitions.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.defs)
}
