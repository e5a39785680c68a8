package service

import (
	"context"
	"errors"
	"fmt"
	"math"

	"github.com/bwmarrin/snowflake"

	"github.com/rl1809/inventory-sync/internal/clock"
	"github.com/rl1809/inventory-sync/internal/core/domain"
	"github.com/rl1809/inventory-sync/internal/port"
)

// conflictRetries bounds how often a commit is retried after another
// writer (outside this process) moved a position underneath us.
const conflictRetries = 3

type AdjustmentRequest struct {
	ItemID      int64
	WarehouseID int64
	NewQuantity int
	ActorID     *int64
	Note        string
}

func (r AdjustmentRequest) validate() error {
	if r.ItemID <= 0 {
		return fmt.Errorf("%w: itemId is required", domain.ErrValidation)
	}
	if r.WarehouseID <= 0 {
		return fmt.Errorf("%w: warehouseId is required", domain.ErrValidation)
	}
	if r.NewQuantity < 0 {
		return fmt.Errorf("%w: quantity must not be negative", domain.ErrValidation)
	}
	return nil
}

type TransferRequest struct {
	ItemID                 int64
	Quantity               int
	SourceWarehouseID      int64
	DestinationWarehouseID int64
	ActorID                *int64
	Note                   string
}

func (r TransferRequest) validate() error {
	if r.ItemID <= 0 {
		return fmt.Errorf("%w: itemId is required", domain.ErrValidation)
	}
	if r.SourceWarehouseID <= 0 || r.DestinationWarehouseID <= 0 {
		return fmt.Errorf("%w: source and destination warehouses are required", domain.ErrValidation)
	}
	if r.SourceWarehouseID == r.DestinationWarehouseID {
		return fmt.Errorf("%w: source and destination warehouses must differ", domain.ErrValidation)
	}
	if r.Quantity <= 0 {
		return fmt.Errorf("%w: quantity must be positive", domain.ErrValidation)
	}
	return nil
}

// MutationService is the only write path to the ledger. Operations on the
// same position are serialized; different positions proceed in parallel.
type MutationService struct {
	ledger port.LedgerStore
	locks  *keyLocker
	ids    *snowflake.Node
	clock  clock.Clock
}

func NewMutationService(ledger port.LedgerStore, ids *snowflake.Node, clk clock.Clock) *MutationService {
	return &MutationService{
		ledger: ledger,
		locks:  newKeyLocker(),
		ids:    ids,
		clock:  clk,
	}
}

// ApplyAdjustment sets a position to an absolute quantity. Each onCommit
// func runs after a successful commit while the position is still locked,
// so whatever it publishes for the position leaves in commit order.
func (s *MutationService) ApplyAdjustment(ctx context.Context, req AdjustmentRequest,
	onCommit ...func(domain.StockMovement)) (domain.StockMovement, error) {
	if err := req.validate(); err != nil {
		return domain.StockMovement{}, err
	}

	unlock := s.locks.Lock(domain.StockKey{ItemID: req.ItemID, WarehouseID: req.WarehouseID})
	defer unlock()

	for attempt := 0; ; attempt++ {
		current, err := s.ledger.GetQuantity(ctx, req.ItemID, req.WarehouseID)
		if err != nil {
			return domain.StockMovement{}, fmt.Errorf("%w: read quantity: %w", domain.ErrStorage, err)
		}

		movement := domain.StockMovement{
			ID:          s.ids.Generate().String(),
			ItemID:      req.ItemID,
			WarehouseID: req.WarehouseID,
			Delta:       req.NewQuantity - current,
			Kind:        domain.MovementAdjustment,
			ActorID:     req.ActorID,
			Note:        req.Note,
			Timestamp:   s.clock.Now().UTC(),
		}

		err = s.ledger.Commit(ctx, []port.LedgerEntry{
			{Expected: current, Quantity: req.NewQuantity, Movement: movement},
		})
		if err == nil {
			for _, fn := range onCommit {
				fn(movement)
			}
			return movement, nil
		}
		if errors.Is(err, port.ErrLedgerConflict) && attempt < conflictRetries {
			continue
		}
		return domain.StockMovement{}, fmt.Errorf("%w: commit adjustment: %w", domain.ErrStorage, err)
	}
}

// ApplyTransfer moves quantity between two warehouses. Both legs and both
// movements commit together or not at all. onCommit runs with both
// positions still locked.
func (s *MutationService) ApplyTransfer(ctx context.Context, req TransferRequest,
	onCommit ...func(domain.TransferResult)) (domain.TransferResult, error) {
	if err := req.validate(); err != nil {
		return domain.TransferResult{}, err
	}

	source := domain.StockKey{ItemID: req.ItemID, WarehouseID: req.SourceWarehouseID}
	dest := domain.StockKey{ItemID: req.ItemID, WarehouseID: req.DestinationWarehouseID}
	unlock := s.locks.Lock(source, dest)
	defer unlock()

	for attempt := 0; ; attempt++ {
		sourceQty, err := s.ledger.GetQuantity(ctx, req.ItemID, req.SourceWarehouseID)
		if err != nil {
			return domain.TransferResult{}, fmt.Errorf("%w: read source quantity: %w", domain.ErrStorage, err)
		}
		if req.Quantity > sourceQty {
			return domain.TransferResult{}, fmt.Errorf("%w: requested %d, warehouse %d holds %d",
				domain.ErrInsufficientStock, req.Quantity, req.SourceWarehouseID, sourceQty)
		}

		destQty, err := s.ledger.GetQuantity(ctx, req.ItemID, req.DestinationWarehouseID)
		if err != nil {
			return domain.TransferResult{}, fmt.Errorf("%w: read destination quantity: %w", domain.ErrStorage, err)
		}
		if destQty > math.MaxInt-req.Quantity {
			return domain.TransferResult{}, fmt.Errorf("%w: warehouse %d cannot hold %d more",
				domain.ErrValidation, req.DestinationWarehouseID, req.Quantity)
		}

		now := s.clock.Now().UTC()
		srcID, dstID := req.SourceWarehouseID, req.DestinationWarehouseID
		result := domain.TransferResult{
			SourceMovement: domain.StockMovement{
				ID:                     s.ids.Generate().String(),
				ItemID:                 req.ItemID,
				WarehouseID:            srcID,
				Delta:                  -req.Quantity,
				Kind:                   domain.MovementTransferOut,
				SourceWarehouseID:      &srcID,
				DestinationWarehouseID: &dstID,
				ActorID:                req.ActorID,
				Note:                   req.Note,
				Timestamp:              now,
			},
			DestinationMovement: domain.StockMovement{
				ID:                     s.ids.Generate().String(),
				ItemID:                 req.ItemID,
				WarehouseID:            dstID,
				Delta:                  req.Quantity,
				Kind:                   domain.MovementTransferIn,
				SourceWarehouseID:      &srcID,
				DestinationWarehouseID: &dstID,
				ActorID:                req.ActorID,
				Note:                   req.Note,
				Timestamp:              now,
			},
			SourceQuantity:      sourceQty - req.Quantity,
			DestinationQuantity: destQty + req.Quantity,
		}

		err = s.ledger.Commit(ctx, []port.LedgerEntry{
			{Expected: sourceQty, Quantity: result.SourceQuantity, Movement: result.SourceMovement},
			{Expected: destQty, Quantity: result.DestinationQuantity, Movement: result.DestinationMovement},
		})
		if err == nil {
			for _, fn := range onCommit {
				fn(result)
			}
			return result, nil
		}
		if errors.Is(err, port.ErrLedgerConflict) && attempt < conflictRetries {
			continue
		}
		return domain.TransferResult{}, fmt.Errorf("%w: commit transfer: %w", domain.ErrStorage, err)
	}
}

func (s *MutationService) Quantity(ctx context.Context, itemID, warehouseID int64) (int, error) {
	q, err := s.ledger.GetQuantity(ctx, itemID, warehouseID)
	if err != nil {
		return 0, fmt.Errorf("%w: read quantity: %w", domain.ErrStorage, err)
	}
	return q, nil
}

func (s *MutationService) Movements(ctx context.Context, itemID, warehouseID int64) ([]domain.StockMovement, error) {
	movements, err := s.ledger.Movements(ctx, itemID, warehouseID)
	if err != nil {
		return nil, fmt.Errorf("%w: read movements: %w", domain.ErrStorage, err)
	}
	return movements, nil
}
