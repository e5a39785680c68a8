package service

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/rl1809/inventory-sync/internal/core/domain"
	"github.com/rl1809/inventory-sync/internal/port"
)

// SyncService turns inbound sync messages into ledger mutations and fans
// the resulting state out to clients and listeners. The WebSocket, HTTP
// and gRPC surfaces all mutate through it.
type SyncService struct {
	mutations *MutationService
	alerts    *AlertEvaluator
	out       port.Broadcaster
	audit     port.AuditLog
	notifier  *Notifier
	dedupe    port.IdempotencyStore
	logger    *slog.Logger
}

func NewSyncService(mutations *MutationService, alerts *AlertEvaluator, out port.Broadcaster,
	audit port.AuditLog, notifier *Notifier, dedupe port.IdempotencyStore, logger *slog.Logger) *SyncService {
	return &SyncService{
		mutations: mutations,
		alerts:    alerts,
		out:       out,
		audit:     audit,
		notifier:  notifier,
		dedupe:    dedupe,
		logger:    logger,
	}
}

// AddListener registers a callback pair for inventory changes and
// low-stock alerts.
func (s *SyncService) AddListener(l port.InventoryListener) {
	s.notifier.AddListener(l)
}

// HandleMessage applies one client message. Validation, stock and
// protocol failures are reported to the sender; storage failures are only
// logged. The error is returned either way.
func (s *SyncService) HandleMessage(ctx context.Context, clientID string, msg domain.SyncMessage) error {
	var err error
	switch msg.Type {
	case domain.MessageInventoryUpdate:
		err = s.handleInventoryUpdate(ctx, clientID, msg)
	case domain.MessageStockTransfer:
		err = s.handleStockTransfer(ctx, clientID, msg)
	case domain.MessageDataChange:
		err = s.relayDataChange(clientID, msg)
	default:
		err = fmt.Errorf("%w: unsupported message type %q", domain.ErrMalformedMessage, msg.Type)
	}

	if err != nil {
		s.reject(ctx, clientID, msg, err)
	}
	return err
}

func (s *SyncService) handleInventoryUpdate(ctx context.Context, clientID string, msg domain.SyncMessage) error {
	var p domain.InventoryUpdatePayload
	if err := msg.Decode(&p); err != nil {
		return err
	}
	if p.Quantity == nil {
		return fmt.Errorf("%w: quantity is required", domain.ErrValidation)
	}

	return s.once(ctx, clientID, msg, func() error {
		_, err := s.Adjust(ctx, AdjustmentRequest{
			ItemID:      p.ItemID,
			WarehouseID: p.WarehouseID,
			NewQuantity: *p.Quantity,
			ActorID:     p.UserID,
			Note:        p.Reason,
		})
		return err
	})
}

func (s *SyncService) handleStockTransfer(ctx context.Context, clientID string, msg domain.SyncMessage) error {
	var p domain.StockTransferPayload
	if err := msg.Decode(&p); err != nil {
		return err
	}
	if p.Quantity == nil {
		return fmt.Errorf("%w: quantity is required", domain.ErrValidation)
	}

	return s.once(ctx, clientID, msg, func() error {
		_, err := s.Transfer(ctx, TransferRequest{
			ItemID:                 p.ItemID,
			Quantity:               *p.Quantity,
			SourceWarehouseID:      p.SourceWarehouseID,
			DestinationWarehouseID: p.DestinationWarehouseID,
			ActorID:                p.UserID,
			Note:                   p.Note,
		})
		return err
	})
}

func (s *SyncService) relayDataChange(clientID string, msg domain.SyncMessage) error {
	var p domain.DataChangePayload
	if err := msg.Decode(&p); err != nil {
		return err
	}
	if p.Entity == "" || p.Action == "" {
		return fmt.Errorf("%w: entity and action are required", domain.ErrValidation)
	}

	msg.ClientID = clientID
	if p.WarehouseID != nil {
		s.out.Broadcast(msg, *p.WarehouseID)
	} else {
		s.out.Broadcast(msg)
	}
	return nil
}

// once runs apply at most once per client sequence number. A failed apply
// releases the claim so the client may retry with the same number.
func (s *SyncService) once(ctx context.Context, clientID string, msg domain.SyncMessage, apply func() error) error {
	if msg.SequenceNumber == nil || s.dedupe == nil {
		return apply()
	}

	key := fmt.Sprintf("%s:%d", clientID, *msg.SequenceNumber)
	ok, err := s.dedupe.Reserve(ctx, key)
	if err != nil {
		return fmt.Errorf("%w: reserve %s: %w", domain.ErrStorage, key, err)
	}
	if !ok {
		s.logger.Info("duplicate message dropped", "client_id", clientID, "seq", *msg.SequenceNumber, "type", msg.Type)
		return nil
	}

	if err := apply(); err != nil {
		if releaseErr := s.dedupe.Release(ctx, key); releaseErr != nil {
			s.logger.Error("release idempotency key", "key", key, "err", releaseErr)
		}
		return err
	}
	return nil
}

func (s *SyncService) reject(ctx context.Context, clientID string, msg domain.SyncMessage, err error) {
	code := domain.CodeOf(err)
	if !code.ClientVisible() {
		s.logger.ErrorContext(ctx, "message dropped", "client_id", clientID, "type", msg.Type, "code", code, "err", err)
		return
	}

	s.logger.InfoContext(ctx, "message rejected", "client_id", clientID, "type", msg.Type, "code", code, "err", err)
	s.out.SendTo(clientID, domain.ErrorMessage(code, err.Error()))
}

// Adjust sets a position to an absolute quantity and publishes the result.
// Publishing happens under the position's lock so subscribers see updates
// for one position in commit order.
func (s *SyncService) Adjust(ctx context.Context, req AdjustmentRequest) (domain.StockMovement, error) {
	return s.mutations.ApplyAdjustment(ctx, req, func(mv domain.StockMovement) {
		quantity, delta := req.NewQuantity, mv.Delta
		s.out.Broadcast(domain.MustMessage(domain.MessageInventoryUpdate, domain.InventoryUpdatePayload{
			ItemID:      req.ItemID,
			Quantity:    &quantity,
			WarehouseID: req.WarehouseID,
			UserID:      req.ActorID,
			Reason:      req.Note,
			Delta:       &delta,
			MovementID:  mv.ID,
		}), req.WarehouseID)

		s.changed(mv, quantity)
		s.record(ctx, domain.AuditEvent{
			Action:      domain.AuditAdjustment,
			ItemID:      req.ItemID,
			WarehouseID: req.WarehouseID,
			ActorID:     req.ActorID,
			Detail:      fmt.Sprintf("set to %d (delta %d) %s", quantity, delta, req.Note),
			Timestamp:   mv.Timestamp,
		})
		s.checkAlert(ctx, req.ItemID, req.WarehouseID, quantity)
	})
}

// Transfer moves stock between warehouses and publishes both legs.
func (s *SyncService) Transfer(ctx context.Context, req TransferRequest) (domain.TransferResult, error) {
	return s.mutations.ApplyTransfer(ctx, req, func(result domain.TransferResult) {
		quantity := req.Quantity
		sourceQty, destQty := result.SourceQuantity, result.DestinationQuantity
		s.out.Broadcast(domain.MustMessage(domain.MessageStockTransfer, domain.StockTransferPayload{
			ItemID:                 req.ItemID,
			Quantity:               &quantity,
			SourceWarehouseID:      req.SourceWarehouseID,
			DestinationWarehouseID: req.DestinationWarehouseID,
			UserID:                 req.ActorID,
			Note:                   req.Note,
			SourceQuantity:         &sourceQty,
			DestinationQuantity:    &destQty,
			Movements:              &result,
		}), req.SourceWarehouseID, req.DestinationWarehouseID)

		s.changed(result.SourceMovement, sourceQty)
		s.changed(result.DestinationMovement, destQty)
		s.record(ctx, domain.AuditEvent{
			Action:      domain.AuditTransfer,
			ItemID:      req.ItemID,
			WarehouseID: req.SourceWarehouseID,
			ActorID:     req.ActorID,
			Detail:      fmt.Sprintf("moved %d to warehouse %d %s", req.Quantity, req.DestinationWarehouseID, req.Note),
			Timestamp:   result.SourceMovement.Timestamp,
		})
		s.checkAlert(ctx, req.ItemID, req.SourceWarehouseID, sourceQty)
		s.checkAlert(ctx, req.ItemID, req.DestinationWarehouseID, destQty)
	})
}

func (s *SyncService) Quantity(ctx context.Context, itemID, warehouseID int64) (int, error) {
	return s.mutations.Quantity(ctx, itemID, warehouseID)
}

func (s *SyncService) Movements(ctx context.Context, itemID, warehouseID int64) ([]domain.StockMovement, error) {
	return s.mutations.Movements(ctx, itemID, warehouseID)
}

func (s *SyncService) changed(mv domain.StockMovement, quantity int) {
	s.notifier.InventoryChanged(domain.InventoryChange{
		ItemID:      mv.ItemID,
		WarehouseID: mv.WarehouseID,
		Quantity:    quantity,
		Delta:       mv.Delta,
		MovementID:  mv.ID,
		Kind:        mv.Kind,
		Timestamp:   mv.Timestamp,
	})
}

func (s *SyncService) record(ctx context.Context, event domain.AuditEvent) {
	if err := s.audit.Record(ctx, event); err != nil {
		s.logger.ErrorContext(ctx, "record audit entry", "action", event.Action, "item_id", event.ItemID, "err", err)
	}
}

// checkAlert runs after the mutation committed, so a failure here is
// logged and never undoes or fails the mutation.
func (s *SyncService) checkAlert(ctx context.Context, itemID, warehouseID int64, quantity int) {
	if _, err := s.alerts.CheckLevel(ctx, itemID, warehouseID, quantity); err != nil {
		s.logger.ErrorContext(ctx, "evaluate low stock", "item_id", itemID, "warehouse_id", warehouseID, "err", err)
	}
}
