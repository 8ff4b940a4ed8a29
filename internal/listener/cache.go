package listener

import (
	"sync"
	"time"
)

const permissionTTL = 5 * time.Minute

// permissionCache holds a short-lived snapshot of the user's own
// permission rows per connection, plus the immutable thread-to-
// connection mapping. A stale entry only delays a level change taking
// effect locally by the TTL; the server enforces "never" regardless.
type permissionCache struct {
	mu      sync.Mutex
	ttl     time.Duration
	rules   map[string]cachedRules
	threads map[string]string
	now     func() time.Time
}

type cachedRules struct {
	levels  map[string]string // category -> inbound level
	fetched time.Time
}

func newPermissionCache() *permissionCache {
	return &permissionCache{
		ttl:     permissionTTL,
		rules:   make(map[string]cachedRules),
		threads: make(map[string]string),
		now:     time.Now,
	}
}

// InboundLevel returns the cached inbound level for a category on a
// connection. ok is false when the entry is missing or expired.
func (c *permissionCache) InboundLevel(connectionID, category string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.rules[connectionID]
	if !ok || c.now().Sub(entry.fetched) > c.ttl {
		return "", false
	}
	level, ok := entry.levels[category]
	return level, ok
}

// PutRules stores a fresh snapshot for a connection.
func (c *permissionCache) PutRules(connectionID string, levels map[string]string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.rules[connectionID] = cachedRules{levels: levels, fetched: c.now()}
}

// Connection returns the cached connection for a thread. Thread
// membership never changes, so these entries do not expire.
func (c *permissionCache) Connection(threadID string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	id, ok := c.threads[threadID]
	return id, ok
}

func (c *permissionCache) PutConnection(threadID, connectionID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.threads[threadID] = connectionID
}
