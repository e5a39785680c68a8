package service

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rl1809/inventory-sync/internal/core/domain"
	"github.com/rl1809/inventory-sync/internal/port"
)

func TestApplyAdjustment_Scenario(t *testing.T) {
	ledger := newMockLedger()
	svc := newTestMutationService(t, ledger)
	ctx := context.Background()

	_, err := svc.ApplyAdjustment(ctx, AdjustmentRequest{ItemID: 42, WarehouseID: 2, NewQuantity: 10})
	require.NoError(t, err)

	mv, err := svc.ApplyAdjustment(ctx, AdjustmentRequest{ItemID: 42, WarehouseID: 2, NewQuantity: 7})
	require.NoError(t, err)
	assert.Equal(t, -3, mv.Delta)
	assert.Equal(t, domain.MovementAdjustment, mv.Kind)
	assert.NotEmpty(t, mv.ID)
	assert.Equal(t, 7, ledger.quantity(42, 2))

	actor := int64(9)
	mv, err = svc.ApplyAdjustment(ctx, AdjustmentRequest{ItemID: 42, WarehouseID: 2, NewQuantity: 4, ActorID: &actor, Note: "recount"})
	require.NoError(t, err)
	assert.Equal(t, -3, mv.Delta)
	assert.Equal(t, 4, ledger.quantity(42, 2))
	assert.Equal(t, "recount", mv.Note)
	require.NotNil(t, mv.ActorID)
	assert.Equal(t, int64(9), *mv.ActorID)
}

func TestApplyAdjustment_Validation(t *testing.T) {
	ledger := newMockLedger()
	svc := newTestMutationService(t, ledger)

	tests := []struct {
		name string
		req  AdjustmentRequest
	}{
		{"missing item", AdjustmentRequest{WarehouseID: 2, NewQuantity: 1}},
		{"missing warehouse", AdjustmentRequest{ItemID: 42, NewQuantity: 1}},
		{"negative quantity", AdjustmentRequest{ItemID: 42, WarehouseID: 2, NewQuantity: -1}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := svc.ApplyAdjustment(context.Background(), tt.req)
			assert.ErrorIs(t, err, domain.ErrValidation)
			assert.Equal(t, domain.CodeValidation, domain.CodeOf(err))
		})
	}
	assert.Equal(t, 0, ledger.commits, "validation failures must not reach the ledger")
}

func TestApplyTransfer_Scenario(t *testing.T) {
	ledger := newMockLedger()
	svc := newTestMutationService(t, ledger)
	ctx := context.Background()

	_, err := svc.ApplyAdjustment(ctx, AdjustmentRequest{ItemID: 9, WarehouseID: 1, NewQuantity: 5})
	require.NoError(t, err)

	result, err := svc.ApplyTransfer(ctx, TransferRequest{ItemID: 9, Quantity: 5, SourceWarehouseID: 1, DestinationWarehouseID: 2})
	require.NoError(t, err)
	assert.Equal(t, 0, ledger.quantity(9, 1))
	assert.Equal(t, 5, ledger.quantity(9, 2))
	assert.Equal(t, 0, result.SourceQuantity)
	assert.Equal(t, 5, result.DestinationQuantity)

	assert.Equal(t, domain.MovementTransferOut, result.SourceMovement.Kind)
	assert.Equal(t, -5, result.SourceMovement.Delta)
	assert.Equal(t, domain.MovementTransferIn, result.DestinationMovement.Kind)
	assert.Equal(t, 5, result.DestinationMovement.Delta)
	require.NotNil(t, result.DestinationMovement.SourceWarehouseID)
	assert.Equal(t, int64(1), *result.DestinationMovement.SourceWarehouseID)
	assert.NotEqual(t, result.SourceMovement.ID, result.DestinationMovement.ID)

	assert.Equal(t, 2, ledger.movementCount(9, 1))
	assert.Equal(t, 1, ledger.movementCount(9, 2))

	_, err = svc.ApplyTransfer(ctx, TransferRequest{ItemID: 9, Quantity: 1, SourceWarehouseID: 1, DestinationWarehouseID: 2})
	require.ErrorIs(t, err, domain.ErrInsufficientStock)
	assert.Equal(t, domain.CodeInsufficientStock, domain.CodeOf(err))

	assert.Equal(t, 0, ledger.quantity(9, 1))
	assert.Equal(t, 5, ledger.quantity(9, 2))
	assert.Equal(t, 2, ledger.movementCount(9, 1))
	assert.Equal(t, 1, ledger.movementCount(9, 2))
}

func TestApplyTransfer_Validation(t *testing.T) {
	svc := newTestMutationService(t, newMockLedger())

	tests := []struct {
		name string
		req  TransferRequest
	}{
		{"missing item", TransferRequest{Quantity: 1, SourceWarehouseID: 1, DestinationWarehouseID: 2}},
		{"missing source", TransferRequest{ItemID: 1, Quantity: 1, DestinationWarehouseID: 2}},
		{"same warehouse", TransferRequest{ItemID: 1, Quantity: 1, SourceWarehouseID: 2, DestinationWarehouseID: 2}},
		{"zero quantity", TransferRequest{ItemID: 1, SourceWarehouseID: 1, DestinationWarehouseID: 2}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := svc.ApplyTransfer(context.Background(), tt.req)
			assert.ErrorIs(t, err, domain.ErrValidation)
		})
	}
}

func TestApplyTransfer_StorageFailureLeavesNothing(t *testing.T) {
	ledger := newMockLedger()
	svc := newTestMutationService(t, ledger)
	ctx := context.Background()

	_, err := svc.ApplyAdjustment(ctx, AdjustmentRequest{ItemID: 9, WarehouseID: 1, NewQuantity: 5})
	require.NoError(t, err)

	ledger.commitErrs = []error{errors.New("disk full")}
	_, err = svc.ApplyTransfer(ctx, TransferRequest{ItemID: 9, Quantity: 2, SourceWarehouseID: 1, DestinationWarehouseID: 2})
	require.ErrorIs(t, err, domain.ErrStorage)
	assert.Equal(t, domain.CodeStorage, domain.CodeOf(err))

	assert.Equal(t, 5, ledger.quantity(9, 1))
	assert.Equal(t, 0, ledger.quantity(9, 2))
	assert.Equal(t, 0, ledger.movementCount(9, 2))
}

func TestApplyAdjustment_ReadFailure(t *testing.T) {
	ledger := newMockLedger()
	ledger.readErr = errors.New("connection refused")
	svc := newTestMutationService(t, ledger)

	_, err := svc.ApplyAdjustment(context.Background(), AdjustmentRequest{ItemID: 1, WarehouseID: 1, NewQuantity: 3})
	assert.ErrorIs(t, err, domain.ErrStorage)
	assert.Equal(t, 0, ledger.commits)
}

func TestApplyAdjustment_RetriesConflict(t *testing.T) {
	ledger := newMockLedger()
	ledger.commitErrs = []error{port.ErrLedgerConflict}
	svc := newTestMutationService(t, ledger)

	mv, err := svc.ApplyAdjustment(context.Background(), AdjustmentRequest{ItemID: 1, WarehouseID: 1, NewQuantity: 3})
	require.NoError(t, err)
	assert.Equal(t, 3, mv.Delta)
	assert.Equal(t, 2, ledger.commits)
}

func TestApplyAdjustment_PersistentConflict(t *testing.T) {
	ledger := newMockLedger()
	ledger.commitErrs = []error{port.ErrLedgerConflict, port.ErrLedgerConflict, port.ErrLedgerConflict, port.ErrLedgerConflict}
	svc := newTestMutationService(t, ledger)

	_, err := svc.ApplyAdjustment(context.Background(), AdjustmentRequest{ItemID: 1, WarehouseID: 1, NewQuantity: 3})
	assert.ErrorIs(t, err, domain.ErrStorage)
	assert.ErrorIs(t, err, port.ErrLedgerConflict)
	assert.Equal(t, 0, ledger.quantity(1, 1))
}

func TestApplyTransfer_Concurrent(t *testing.T) {
	initialStock := 20
	totalRequests := 50

	ledger := newMockLedger()
	svc := newTestMutationService(t, ledger)
	ctx := context.Background()

	_, err := svc.ApplyAdjustment(ctx, AdjustmentRequest{ItemID: 1, WarehouseID: 1, NewQuantity: initialStock})
	require.NoError(t, err)

	var successCount atomic.Int32
	var insufficientCount atomic.Int32
	var wg sync.WaitGroup

	for i := 0; i < totalRequests; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			// Alternate destinations so both single- and multi-key paths contend.
			dest := int64(2 + i%2)
			_, err := svc.ApplyTransfer(ctx, TransferRequest{ItemID: 1, Quantity: 1, SourceWarehouseID: 1, DestinationWarehouseID: dest})
			switch {
			case err == nil:
				successCount.Add(1)
			case errors.Is(err, domain.ErrInsufficientStock):
				insufficientCount.Add(1)
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int32(initialStock), successCount.Load())
	assert.Equal(t, int32(totalRequests-initialStock), insufficientCount.Load())
	assert.Equal(t, 0, ledger.quantity(1, 1))
	assert.Equal(t, initialStock, ledger.quantity(1, 2)+ledger.quantity(1, 3))
	assert.Equal(t, 0, svc.locks.size(), "lock table should be empty when idle")
}

func TestLedgerConsistency_RandomOperations(t *testing.T) {
	ledger := newMockLedger()
	svc := newTestMutationService(t, ledger)
	ctx := context.Background()
	rng := rand.New(rand.NewSource(7))

	warehouses := []int64{1, 2, 3}
	items := []int64{10, 11}

	var wg sync.WaitGroup
	for worker := 0; worker < 8; worker++ {
		seed := rng.Int63()
		wg.Add(1)
		go func() {
			defer wg.Done()
			r := rand.New(rand.NewSource(seed))
			for i := 0; i < 100; i++ {
				item := items[r.Intn(len(items))]
				if r.Intn(3) == 0 {
					svc.ApplyAdjustment(ctx, AdjustmentRequest{ItemID: item, WarehouseID: warehouses[r.Intn(3)], NewQuantity: r.Intn(20)})
					continue
				}
				src := warehouses[r.Intn(3)]
				dst := warehouses[(r.Intn(2)+int(src))%3]
				svc.ApplyTransfer(ctx, TransferRequest{ItemID: item, Quantity: 1 + r.Intn(5), SourceWarehouseID: src, DestinationWarehouseID: dst})
			}
		}()
	}
	wg.Wait()

	for _, item := range items {
		for _, wh := range warehouses {
			q := ledger.quantity(item, wh)
			assert.GreaterOrEqual(t, q, 0, "item %d warehouse %d went negative", item, wh)
			assert.Equal(t, q, ledger.deltaSum(item, wh), "ledger for item %d warehouse %d does not reconstruct", item, wh)
		}
	}
}

func TestApplyTransfer_DestinationOverflow(t *testing.T) {
	ledger := newMockLedger()
	svc := newTestMutationService(t, ledger)
	ctx := context.Background()

	_, err := svc.ApplyAdjustment(ctx, AdjustmentRequest{ItemID: 1, WarehouseID: 1, NewQuantity: 10})
	require.NoError(t, err)
	_, err = svc.ApplyAdjustment(ctx, AdjustmentRequest{ItemID: 1, WarehouseID: 2, NewQuantity: math.MaxInt - 2})
	require.NoError(t, err)

	_, err = svc.ApplyTransfer(ctx, TransferRequest{ItemID: 1, Quantity: 5, SourceWarehouseID: 1, DestinationWarehouseID: 2})
	assert.ErrorIs(t, err, domain.ErrValidation)
	assert.Equal(t, domain.CodeValidation, domain.CodeOf(err))

	assert.Equal(t, 10, ledger.quantity(1, 1))
	assert.Equal(t, math.MaxInt-2, ledger.quantity(1, 2))
	assert.Equal(t, 1, ledger.movementCount(1, 1))
}

func TestMutations_SamePositionIsSerialized(t *testing.T) {
	ledger := newMockLedger()
	svc := newTestMutationService(t, ledger)
	ctx := context.Background()

	_, err := svc.ApplyAdjustment(ctx, AdjustmentRequest{ItemID: 1, WarehouseID: 1, NewQuantity: 100})
	require.NoError(t, err)

	ledger.mu.Lock()
	ledger.readDelay = time.Millisecond
	ledger.mu.Unlock()

	// Every writer goes through the service, so a stale expected quantity
	// can only come from two read-commit windows overlapping on one key.
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if i%2 == 0 {
				_, err := svc.ApplyAdjustment(ctx, AdjustmentRequest{ItemID: 1, WarehouseID: 1, NewQuantity: 100 + i})
				assert.NoError(t, err)
				return
			}
			_, err := svc.ApplyTransfer(ctx, TransferRequest{ItemID: 1, Quantity: 1, SourceWarehouseID: 1, DestinationWarehouseID: 2})
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	assert.Zero(t, ledger.conflictCount(), "read and commit windows overlapped on one position")
	assert.Equal(t, ledger.quantity(1, 1), ledger.deltaSum(1, 1))
	assert.Equal(t, 8, ledger.quantity(1, 2))
}
