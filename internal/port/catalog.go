package port

import (
	"context"

	"github.com/rl1809/inventory-sync/internal/core/domain"
)

type ItemCatalog interface {
	// Threshold returns the per-item low-stock override, ok is false when none is configured
	Threshold(ctx context.Context, itemID int64) (threshold int, ok bool, err error)

	// Item describes an item, returns nil if unknown
	Item(ctx context.Context, itemID int64) (*domain.Item, error)

	// Warehouse describes a warehouse, returns nil if unknown
	Warehouse(ctx context.Context, warehouseID int64) (*domain.Warehouse, error)
}

type AuditLog interface {
	Record(ctx context.Context, event domain.AuditEvent) error
}
