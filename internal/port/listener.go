package port

import (
	"context"

	"github.com/rl1809/inventory-sync/internal/core/domain"
)

// InventoryListener observes stock changes independently of the socket
// protocol (reporting, dashboards, message buses).
type InventoryListener interface {
	OnInventoryChanged(ctx context.Context, change domain.InventoryChange) error
	OnLowStock(ctx context.Context, alert domain.Alert) error
}

// Broadcaster delivers sync messages to connected clients.
type Broadcaster interface {
	// Broadcast delivers to every connection subscribed to any of warehouseIDs,
	// or to every connection when no ids are given
	Broadcast(msg domain.SyncMessage, warehouseIDs ...int64)

	// SendTo delivers to a single connection, unknown ids are ignored
	SendTo(clientID string, msg domain.SyncMessage)
}
