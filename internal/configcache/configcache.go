// Package configcache caches the PortalSettings singleton row in process
// memory for a short TTL, so the Dispatcher/Scheduler/HTTP layer can read
// tuning overrides on every decision without hitting the Store each time.
package configcache

import (
	"context"
	"sync"
	"time"

	"github.com/opsportal/orchestrator/internal/store"
)

// DefaultTTL is how long a cached PortalSettings read stays valid before
// the next Get re-reads the Store.
const DefaultTTL = 30 * time.Second

// Cache holds the last-read PortalSettings row until expiresAt. There is
// only ever one PortalSettings row, so a table round trip buys nothing a
// mutex-guarded struct field doesn't already give.
type Cache struct {
	st  *store.Store
	ttl time.Duration

	mu        sync.Mutex
	value     *store.PortalSettings
	expiresAt time.Time
}

// New returns a Cache reading through to st with the given TTL. A ttl of
// zero uses DefaultTTL.
func New(st *store.Store, ttl time.Duration) *Cache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Cache{st: st, ttl: ttl}
}

// Get returns the current PortalSettings, refreshing from the Store if the
// cached value has expired or was never populated.
func (c *Cache) Get(ctx context.Context) (*store.PortalSettings, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.value != nil && time.Now().Before(c.expiresAt) {
		return c.value, nil
	}

	settings, err := c.st.GetPortalSettings(ctx)
	if err != nil {
		return nil, err
	}
	c.value = settings
	c.expiresAt = time.Now().Add(c.ttl)
	return c.value, nil
}

// Invalidate drops the cached value immediately. Callers that write a new
// PortalSettings row through the Store must call this afterward, otherwise
// a write could sit unseen for up to the full TTL.
func (c *Cache) Invalidate() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.value = nil
	c.expiresAt = time.Time{}
}

// Put writes settings through to the Store and invalidates the cache so the
// next Get picks up the new value immediately rather than waiting out the
// TTL of the stale cached copy.
func (c *Cache) Put(ctx context.Context, settings *store.PortalSettings) error {
	if err := c.st.PutPortalSettings(ctx, settings); err != nil {
		return err
	}
	c.Invalidate()
	return nil
}
