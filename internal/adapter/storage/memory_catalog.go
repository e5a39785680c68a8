package storage

import (
	"context"
	"sync"
	"time"

	"github.com/rl1809/inventory-sync/internal/core/domain"
)

// MemoryCatalog serves items and warehouses configured at startup.
type MemoryCatalog struct {
	mu         sync.RWMutex
	items      map[int64]domain.Item
	warehouses map[int64]domain.Warehouse
}

func NewMemoryCatalog() *MemoryCatalog {
	return &MemoryCatalog{
		items:      make(map[int64]domain.Item),
		warehouses: make(map[int64]domain.Warehouse),
	}
}

func (c *MemoryCatalog) PutItem(ctx context.Context, item domain.Item) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.items[item.ID] = item
	return nil
}

func (c *MemoryCatalog) PutWarehouse(ctx context.Context, wh domain.Warehouse) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.warehouses[wh.ID] = wh
	return nil
}

func (c *MemoryCatalog) Threshold(ctx context.Context, itemID int64) (int, bool, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	item, ok := c.items[itemID]
	if !ok || item.Threshold == nil {
		return 0, false, nil
	}
	return *item.Threshold, true, nil
}

func (c *MemoryCatalog) Item(ctx context.Context, itemID int64) (*domain.Item, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	item, ok := c.items[itemID]
	if !ok {
		return nil, nil
	}
	return &item, nil
}

func (c *MemoryCatalog) Warehouse(ctx context.Context, warehouseID int64) (*domain.Warehouse, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	wh, ok := c.warehouses[warehouseID]
	if !ok {
		return nil, nil
	}
	return &wh, nil
}

// MemoryIdempotencyStore is the single-process counterpart of
// RedisIdempotencyStore. Claims expire after ttl.
type MemoryIdempotencyStore struct {
	mu     sync.Mutex
	ttl    time.Duration
	claims map[string]time.Time
}

func NewMemoryIdempotencyStore(ttl time.Duration) *MemoryIdempotencyStore {
	return &MemoryIdempotencyStore{ttl: ttl, claims: make(map[string]time.Time)}
}

func (m *MemoryIdempotencyStore) Reserve(ctx context.Context, key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	if expires, ok := m.claims[key]; ok && now.Before(expires) {
		return false, nil
	}
	m.claims[key] = now.Add(m.ttl)
	if len(m.claims)%1024 == 0 {
		m.sweepLocked(now)
	}
	return true, nil
}

func (m *MemoryIdempotencyStore) Release(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.claims, key)
	return nil
}

func (m *MemoryIdempotencyStore) sweepLocked(now time.Time) {
	for key, expires := range m.claims {
		if !now.Before(expires) {
			delete(m.claims, key)
		}
	}
}
