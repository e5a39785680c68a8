package domain

import "time"

type MovementKind string

const (
	MovementAdjustment  MovementKind = "ADJUSTMENT"
	MovementTransferIn  MovementKind = "TRANSFER_IN"
	MovementTransferOut MovementKind = "TRANSFER_OUT"
)

func (k MovementKind) Valid() bool {
	switch k {
	case MovementAdjustment, MovementTransferIn, MovementTransferOut:
		return true
	}
	return false
}

// StockMovement is an immutable ledger entry. The current quantity of a
// position always equals the sum of its movement deltas.
type StockMovement struct {
	ID                     string       `json:"id"`
	ItemID                 int64        `json:"itemId"`
	WarehouseID            int64        `json:"warehouseId"`
	Delta                  int          `json:"delta"`
	Kind                   MovementKind `json:"kind"`
	SourceWarehouseID      *int64       `json:"sourceWarehouseId,omitempty"`
	DestinationWarehouseID *int64       `json:"destinationWarehouseId,omitempty"`
	ActorID                *int64       `json:"actorId,omitempty"`
	Note                   string       `json:"note,omitempty"`
	Timestamp              time.Time    `json:"timestamp"`
}

func (m StockMovement) Key() StockKey {
	return StockKey{ItemID: m.ItemID, WarehouseID: m.WarehouseID}
}

type TransferResult struct {
	SourceMovement      StockMovement `json:"sourceMovement"`
	DestinationMovement StockMovement `json:"destinationMovement"`
	SourceQuantity      int           `json:"sourceQuantity"`
	DestinationQuantity int           `json:"destinationQuantity"`
}
