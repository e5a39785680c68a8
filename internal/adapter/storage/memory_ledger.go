package storage

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rl1809/inventory-sync/internal/core/domain"
	"github.com/rl1809/inventory-sync/internal/port"
)

// MemoryLedger keeps the ledger in process memory. It backs tests and
// single-node development setups.
type MemoryLedger struct {
	mu        sync.RWMutex
	records   map[domain.StockKey]domain.StockRecord
	movements map[domain.StockKey][]domain.StockMovement
}

func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{
		records:   make(map[domain.StockKey]domain.StockRecord),
		movements: make(map[domain.StockKey][]domain.StockMovement),
	}
}

func (m *MemoryLedger) GetQuantity(ctx context.Context, itemID, warehouseID int64) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.records[domain.StockKey{ItemID: itemID, WarehouseID: warehouseID}].Quantity, nil
}

func (m *MemoryLedger) Commit(ctx context.Context, entries []port.LedgerEntry) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	for _, e := range entries {
		if e.Quantity < 0 {
			return fmt.Errorf("negative quantity for %s", e.Movement.Key())
		}
		if current := m.records[e.Movement.Key()].Quantity; current != e.Expected {
			return port.ErrLedgerConflict
		}
	}

	now := time.Now()
	for _, e := range entries {
		key := e.Movement.Key()
		rec := m.records[key]
		rec.ItemID, rec.WarehouseID = key.ItemID, key.WarehouseID
		rec.Quantity = e.Quantity
		rec.Version++
		rec.UpdatedAt = now
		m.records[key] = rec
		m.movements[key] = append(m.movements[key], e.Movement)
	}
	return nil
}

func (m *MemoryLedger) Movements(ctx context.Context, itemID, warehouseID int64) ([]domain.StockMovement, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	src := m.movements[domain.StockKey{ItemID: itemID, WarehouseID: warehouseID}]
	out := make([]domain.StockMovement, len(src))
	copy(out, src)
	return out, nil
}

// Seed sets a starting quantity and records it as an adjustment so the
// movement log still reconstructs the position.
func (m *MemoryLedger) Seed(itemID, warehouseID int64, quantity int) {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := domain.StockKey{ItemID: itemID, WarehouseID: warehouseID}
	rec := m.records[key]
	delta := quantity - rec.Quantity
	rec.ItemID, rec.WarehouseID = itemID, warehouseID
	rec.Quantity = quantity
	rec.Version++
	rec.UpdatedAt = time.Now()
	m.records[key] = rec
	m.movements[key] = append(m.movements[key], domain.StockMovement{
		ID:          fmt.Sprintf("seed-%s-%d", key, rec.Version),
		ItemID:      itemID,
		WarehouseID: warehouseID,
		Delta:       delta,
		Kind:        domain.MovementAdjustment,
		Note:        "seed",
		Timestamp:   rec.UpdatedAt,
	})
}
