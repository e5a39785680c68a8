package storage

import (
	"context"
	"encoding/json"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-redis/redismock/v9"
	"github.com/redis/go-redis/v9"

	"github.com/rl1809/inventory-sync/internal/core/domain"
	"github.com/rl1809/inventory-sync/internal/port"
)

func getRedisClient(t *testing.T) *redis.Client {
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		addr = "localhost:6379"
	}

	client := redis.NewClient(&redis.Options{Addr: addr})
	if err := client.Ping(context.Background()).Err(); err != nil {
		t.Skipf("Redis not available: %v", err)
	}
	return client
}

var fixedTime = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func TestRedisGetQuantity_Missing(t *testing.T) {
	db, mock := redismock.NewClientMock()
	adapter := NewRedisAdapter(db)

	mock.ExpectGet("stock:42:2").RedisNil()

	quantity, err := adapter.GetQuantity(context.Background(), 42, 2)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if quantity != 0 {
		t.Errorf("expected 0 for missing key, got %d", quantity)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestRedisGetQuantity(t *testing.T) {
	db, mock := redismock.NewClientMock()
	adapter := NewRedisAdapter(db)

	mock.ExpectGet("stock:42:2").SetVal("7")

	quantity, err := adapter.GetQuantity(context.Background(), 42, 2)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if quantity != 7 {
		t.Errorf("expected 7, got %d", quantity)
	}
}

func TestRedisCommit(t *testing.T) {
	db, mock := redismock.NewClientMock()
	adapter := NewRedisAdapter(db)

	entries := []port.LedgerEntry{{
		Expected: 10,
		Quantity: 7,
		Movement: domain.StockMovement{ID: "1", ItemID: 42, WarehouseID: 2, Delta: -3, Kind: domain.MovementAdjustment, Timestamp: fixedTime},
	}}
	keys, args, err := commitArgs(entries)
	if err != nil {
		t.Fatalf("commitArgs failed: %v", err)
	}
	if keys[0] != "stock:42:2" || keys[1] != "movements:42:2" {
		t.Fatalf("unexpected keys: %v", keys)
	}

	mock.ExpectEvalSha(commitScript.Hash(), keys, args...).SetVal(int64(1))

	if err := adapter.Commit(context.Background(), entries); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestRedisCommit_Conflict(t *testing.T) {
	db, mock := redismock.NewClientMock()
	adapter := NewRedisAdapter(db)

	entries := []port.LedgerEntry{{
		Expected: 5,
		Quantity: 0,
		Movement: domain.StockMovement{ID: "2", ItemID: 9, WarehouseID: 1, Delta: -5, Kind: domain.MovementTransferOut, Timestamp: fixedTime},
	}}
	keys, args, _ := commitArgs(entries)

	mock.ExpectEvalSha(commitScript.Hash(), keys, args...).SetVal(int64(0))

	err := adapter.Commit(context.Background(), entries)
	if err != port.ErrLedgerConflict {
		t.Errorf("expected ErrLedgerConflict, got: %v", err)
	}
}

func TestRedisMovements(t *testing.T) {
	db, mock := redismock.NewClientMock()
	adapter := NewRedisAdapter(db)

	mv := domain.StockMovement{ID: "3", ItemID: 42, WarehouseID: 2, Delta: 4, Kind: domain.MovementTransferIn, Timestamp: fixedTime}
	body, _ := json.Marshal(mv)

	mock.ExpectLRange("movements:42:2", 0, -1).SetVal([]string{string(body)})

	movements, err := adapter.Movements(context.Background(), 42, 2)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(movements) != 1 || movements[0].Delta != 4 || movements[0].Kind != domain.MovementTransferIn {
		t.Errorf("unexpected movements: %+v", movements)
	}
}

func TestRedisIdempotency_ReserveRelease(t *testing.T) {
	db, mock := redismock.NewClientMock()
	store := NewRedisIdempotencyStore(db, time.Hour)

	mock.ExpectSetNX("sync:client-1:7", 1, time.Hour).SetVal(true)
	mock.ExpectSetNX("sync:client-1:7", 1, time.Hour).SetVal(false)
	mock.ExpectDel("sync:client-1:7").SetVal(1)

	ctx := context.Background()
	ok, err := store.Reserve(ctx, "client-1:7")
	if err != nil || !ok {
		t.Fatalf("expected first reserve to succeed, got %v %v", ok, err)
	}
	ok, err = store.Reserve(ctx, "client-1:7")
	if err != nil || ok {
		t.Fatalf("expected second reserve to fail, got %v %v", ok, err)
	}
	if err := store.Release(ctx, "client-1:7"); err != nil {
		t.Fatalf("release failed: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestRedisCommit_LiveConcurrent(t *testing.T) {
	client := getRedisClient(t)
	defer client.Close()

	ctx := context.Background()
	adapter := NewRedisAdapter(client)
	itemID := time.Now().UnixNano() % 1_000_000

	client.Del(ctx, stockKey(itemID, 1), movementKey(itemID, 1))
	defer client.Del(ctx, stockKey(itemID, 1), movementKey(itemID, 1))

	// Every writer expects the empty position, so exactly one may win.
	var successCount atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			err := adapter.Commit(ctx, []port.LedgerEntry{{
				Expected: 0,
				Quantity: 1,
				Movement: domain.StockMovement{ID: time.Now().String(), ItemID: itemID, WarehouseID: 1, Delta: 1, Kind: domain.MovementAdjustment},
			}})
			if err == nil {
				successCount.Add(1)
			} else if err != port.ErrLedgerConflict {
				t.Errorf("unexpected error: %v", err)
			}
		}(i)
	}
	wg.Wait()

	if successCount.Load() != 1 {
		t.Errorf("expected exactly 1 success, got %d", successCount.Load())
	}

	movements, _ := adapter.Movements(ctx, itemID, 1)
	if len(movements) != 1 {
		t.Errorf("expected 1 movement, got %d", len(movements))
	}
}
