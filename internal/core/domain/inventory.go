package domain

import (
	"fmt"
	"time"
)

// StockKey identifies a single (item, warehouse) ledger position.
type StockKey struct {
	ItemID      int64
	WarehouseID int64
}

func (k StockKey) String() string {
	return fmt.Sprintf("%d:%d", k.ItemID, k.WarehouseID)
}

// Less orders keys so multi-key operations can lock them in a stable order.
func (k StockKey) Less(other StockKey) bool {
	if k.ItemID != other.ItemID {
		return k.ItemID < other.ItemID
	}
	return k.WarehouseID < other.WarehouseID
}

type StockRecord struct {
	ItemID      int64
	WarehouseID int64
	Quantity    int
	Version     int // optimistic locking
	UpdatedAt   time.Time
}

func (r StockRecord) Key() StockKey {
	return StockKey{ItemID: r.ItemID, WarehouseID: r.WarehouseID}
}

type Item struct {
	ID        int64  `json:"id"`
	Name      string `json:"name,omitempty"`
	SKU       string `json:"sku,omitempty"`
	Threshold *int   `json:"threshold,omitempty"`
}

type Warehouse struct {
	ID   int64  `json:"id"`
	Name string `json:"name,omitempty"`
}

type Alert struct {
	Item         Item      `json:"item"`
	Warehouse    Warehouse `json:"warehouse"`
	CurrentLevel int       `json:"currentLevel"`
	Threshold    int       `json:"threshold"`
}

// InventoryChange is what listeners outside the socket protocol receive
// after a quantity changes.
type InventoryChange struct {
	ItemID      int64        `json:"itemId"`
	WarehouseID int64        `json:"warehouseId"`
	Quantity    int          `json:"quantity"`
	Delta       int          `json:"delta"`
	MovementID  string       `json:"movementId"`
	Kind        MovementKind `json:"kind"`
	Timestamp   time.Time    `json:"timestamp"`
}

type AuditAction string

const (
	AuditAdjustment AuditAction = "stock_adjustment"
	AuditTransfer   AuditAction = "stock_transfer"
	AuditLowStock   AuditAction = "low_stock_alert"
)

type AuditEvent struct {
	Action      AuditAction
	ItemID      int64
	WarehouseID int64
	ActorID     *int64
	Detail      string
	Timestamp   time.Time
}
