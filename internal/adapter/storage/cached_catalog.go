package storage

import (
	"context"
	"strconv"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/rl1809/inventory-sync/internal/port"
)

type thresholdEntry struct {
	value     int
	ok        bool
	expiresAt time.Time
}

// CachedCatalog keeps item thresholds for ttl in front of a slower catalog.
// Concurrent misses for the same item share one backend lookup.
type CachedCatalog struct {
	port.ItemCatalog

	ttl   time.Duration
	group singleflight.Group

	mu         sync.RWMutex
	thresholds map[int64]thresholdEntry
}

func NewCachedCatalog(backend port.ItemCatalog, ttl time.Duration) *CachedCatalog {
	return &CachedCatalog{
		ItemCatalog: backend,
		ttl:         ttl,
		thresholds:  make(map[int64]thresholdEntry),
	}
}

func (c *CachedCatalog) Threshold(ctx context.Context, itemID int64) (int, bool, error) {
	c.mu.RLock()
	entry, hit := c.thresholds[itemID]
	c.mu.RUnlock()
	if hit && time.Now().Before(entry.expiresAt) {
		return entry.value, entry.ok, nil
	}

	v, err, _ := c.group.Do(strconv.FormatInt(itemID, 10), func() (interface{}, error) {
		value, ok, err := c.ItemCatalog.Threshold(ctx, itemID)
		if err != nil {
			return nil, err
		}
		entry := thresholdEntry{value: value, ok: ok, expiresAt: time.Now().Add(c.ttl)}
		c.mu.Lock()
		c.thresholds[itemID] = entry
		c.mu.Unlock()
		return entry, nil
	})
	if err != nil {
		return 0, false, err
	}
	entry = v.(thresholdEntry)
	return entry.value, entry.ok, nil
}

// Invalidate drops a cached threshold after the item's configuration changed.
func (c *CachedCatalog) Invalidate(itemID int64) {
	c.mu.Lock()
	delete(c.thresholds, itemID)
	c.mu.Unlock()
}

var _ port.ItemCatalog = (*CachedCatalog)(nil)
