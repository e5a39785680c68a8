package port

import (
	"context"
	"errors"

	"github.com/rl1809/inventory-sync/internal/core/domain"
)

// ErrLedgerConflict is returned by Commit when a position no longer holds
// the expected quantity. Nothing is written in that case.
var ErrLedgerConflict = errors.New("ledger conflict")

// LedgerEntry sets one position to Quantity and appends Movement, provided
// the stored quantity still equals Expected. Absent positions hold 0.
type LedgerEntry struct {
	Expected int
	Quantity int
	Movement domain.StockMovement
}

type LedgerStore interface {
	// GetQuantity returns the stored quantity, 0 if the position does not exist
	GetQuantity(ctx context.Context, itemID, warehouseID int64) (int, error)

	// Commit applies every entry as one atomic unit
	Commit(ctx context.Context, entries []LedgerEntry) error

	// Movements returns the movement log of a position, oldest first
	Movements(ctx context.Context, itemID, warehouseID int64) ([]domain.StockMovement, error)
}
