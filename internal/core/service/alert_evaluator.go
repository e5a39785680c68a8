package service

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/rl1809/inventory-sync/internal/core/domain"
	"github.com/rl1809/inventory-sync/internal/port"
)

// AlertEvaluator raises low-stock alerts after mutations. Every mutation
// that leaves a position at or below its threshold alerts again; there is
// no crossing detection.
type AlertEvaluator struct {
	catalog          port.ItemCatalog
	ledger           port.LedgerStore
	defaultThreshold int

	out      port.Broadcaster
	audit    port.AuditLog
	notifier *Notifier
	logger   *slog.Logger
}

func NewAlertEvaluator(catalog port.ItemCatalog, ledger port.LedgerStore, defaultThreshold int,
	out port.Broadcaster, audit port.AuditLog, notifier *Notifier, logger *slog.Logger) *AlertEvaluator {
	return &AlertEvaluator{
		catalog:          catalog,
		ledger:           ledger,
		defaultThreshold: defaultThreshold,
		out:              out,
		audit:            audit,
		notifier:         notifier,
		logger:           logger,
	}
}

// Evaluate returns an alert when the position is at or below threshold,
// nil otherwise.
func (e *AlertEvaluator) Evaluate(ctx context.Context, itemID, warehouseID int64) (*domain.Alert, error) {
	quantity, err := e.ledger.GetQuantity(ctx, itemID, warehouseID)
	if err != nil {
		return nil, fmt.Errorf("%w: load quantity: %w", domain.ErrStorage, err)
	}
	return e.evaluateLevel(ctx, itemID, warehouseID, quantity)
}

func (e *AlertEvaluator) evaluateLevel(ctx context.Context, itemID, warehouseID int64, quantity int) (*domain.Alert, error) {
	threshold, ok, err := e.catalog.Threshold(ctx, itemID)
	if err != nil {
		return nil, fmt.Errorf("%w: load threshold: %w", domain.ErrStorage, err)
	}
	if !ok {
		threshold = e.defaultThreshold
	}

	if quantity > threshold {
		return nil, nil
	}

	alert := &domain.Alert{
		Item:         domain.Item{ID: itemID},
		Warehouse:    domain.Warehouse{ID: warehouseID},
		CurrentLevel: quantity,
		Threshold:    threshold,
	}
	if item, err := e.catalog.Item(ctx, itemID); err == nil && item != nil {
		alert.Item = *item
	}
	if wh, err := e.catalog.Warehouse(ctx, warehouseID); err == nil && wh != nil {
		alert.Warehouse = *wh
	}
	return alert, nil
}

// Check evaluates the position and, on alert, broadcasts stock_alert to
// the warehouse's subscribers, records an audit entry and notifies
// listeners.
func (e *AlertEvaluator) Check(ctx context.Context, itemID, warehouseID int64) (*domain.Alert, error) {
	alert, err := e.Evaluate(ctx, itemID, warehouseID)
	if err != nil || alert == nil {
		return nil, err
	}
	e.publish(ctx, itemID, warehouseID, alert)
	return alert, nil
}

// CheckLevel is Check for a quantity the caller just committed, without
// reading the ledger again.
func (e *AlertEvaluator) CheckLevel(ctx context.Context, itemID, warehouseID int64, quantity int) (*domain.Alert, error) {
	alert, err := e.evaluateLevel(ctx, itemID, warehouseID, quantity)
	if err != nil || alert == nil {
		return nil, err
	}
	e.publish(ctx, itemID, warehouseID, alert)
	return alert, nil
}

func (e *AlertEvaluator) publish(ctx context.Context, itemID, warehouseID int64, alert *domain.Alert) {
	e.out.Broadcast(domain.MustMessage(domain.MessageStockAlert, alert), warehouseID)

	if err := e.audit.Record(ctx, domain.AuditEvent{
		Action:      domain.AuditLowStock,
		ItemID:      itemID,
		WarehouseID: warehouseID,
		Detail:      fmt.Sprintf("level %d <= threshold %d", alert.CurrentLevel, alert.Threshold),
	}); err != nil {
		e.logger.Error("record low stock audit", "item_id", itemID, "warehouse_id", warehouseID, "err", err)
	}

	e.notifier.LowStock(*alert)
}
