package cards

import (
	"context"
	"fmt"
	"sync"

	"carshare-box/internal/logger"
)

const (
	// Capacity is the number of operator card slots.
	Capacity = 32

	// EmptySlot fills unused slots. It is 8 characters so it can never
	// equal a formatted card id.
	EmptySlot = "voidvoid"

	// NoETag means the list has never been synced.
	NoETag = -1
)

// Store persists the operator list across restarts.
type Store interface {
	Load(ctx context.Context) (etag int, cards []string, err error)
	Save(ctx context.Context, etag int, cards []string) error
}

// Cache is the in-memory operator card list.
type Cache struct {
	store  Store
	logger *logger.Logger

	mu    sync.RWMutex
	slots [Capacity]string
	etag  int

	// saveMu orders writes to the store.
	saveMu sync.Mutex
}

func NewCache(store Store, l *logger.Logger) *Cache {
	c := &Cache{store: store, logger: l, etag: NoETag}
	for i := range c.slots {
		c.slots[i] = EmptySlot
	}
	return c
}

// Load fills the cache from the store. A missing or unreadable list
// leaves the cache empty with NoETag.
func (c *Cache) Load(ctx context.Context) error {
	etag, list, err := c.store.Load(ctx)
	if err != nil {
		return fmt.Errorf("failed to load operator cards: %w", err)
	}
	c.mu.Lock()
	c.fill(list)
	c.etag = etag
	c.mu.Unlock()
	c.logger.Infof("Loaded %d operator cards (etag %d)", len(list), etag)
	return nil
}

func (c *Cache) fill(list []string) {
	if len(list) > Capacity {
		c.logger.Warnf("Operator list has %d cards, keeping the first %d", len(list), Capacity)
		list = list[:Capacity]
	}
	for i := range c.slots {
		if i < len(list) {
			c.slots[i] = list[i]
		} else {
			c.slots[i] = EmptySlot
		}
	}
}

// Contains reports whether id is an operator card. The empty-slot
// sentinel never matches.
func (c *Cache) Contains(id string) bool {
	if id == EmptySlot {
		return false
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, s := range c.slots {
		if s == id {
			return true
		}
	}
	return false
}

func (c *Cache) ETag() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.etag
}

// Cards returns the occupied slots.
func (c *Cache) Cards() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var out []string
	for _, s := range c.slots {
		if s != EmptySlot {
			out = append(out, s)
		}
	}
	return out
}

// Replace swaps in a new list if etag differs from the current one and
// persists it. It reports whether the cache changed. The in-memory list
// is updated even if persisting fails.
func (c *Cache) Replace(ctx context.Context, etag int, list []string) (bool, error) {
	c.saveMu.Lock()
	defer c.saveMu.Unlock()

	c.mu.Lock()
	if etag == c.etag {
		c.mu.Unlock()
		return false, nil
	}
	c.fill(list)
	c.etag = etag
	c.mu.Unlock()

	c.logger.Infof("Operator list replaced: %d cards, etag %d", min(len(list), Capacity), etag)

	if len(list) > Capacity {
		list = list[:Capacity]
	}
	if err := c.store.Save(ctx, etag, list); err != nil {
		return true, fmt.Errorf("failed to persist operator cards: %w", err)
	}
	return true, nil
}
