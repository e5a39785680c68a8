package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/rl1809/inventory-sync/internal/core/domain"
	"github.com/rl1809/inventory-sync/internal/port"
)

const (
	stockKeyPrefix    = "stock:"
	movementKeyPrefix = "movements:"
	idempotencyPrefix = "sync:"
)

// commitScript checks every expected quantity before writing anything, so
// a conflicting entry leaves all positions untouched.
// KEYS: n stock keys followed by n movement list keys.
// ARGV: expected, quantity, movement JSON per entry.
var commitScript = redis.NewScript(`
local n = #KEYS / 2

for i = 1, n do
	local current = tonumber(redis.call('GET', KEYS[i]) or '0')
	if current ~= tonumber(ARGV[(i - 1) * 3 + 1]) then
		return 0
	end
end

for i = 1, n do
	redis.call('SET', KEYS[i], ARGV[(i - 1) * 3 + 2])
	redis.call('RPUSH', KEYS[n + i], ARGV[(i - 1) * 3 + 3])
end

return 1
`)

type RedisAdapter struct {
	client *redis.Client
}

func NewRedisAdapter(client *redis.Client) *RedisAdapter {
	return &RedisAdapter{client: client}
}

func stockKey(itemID, warehouseID int64) string {
	return stockKeyPrefix + strconv.FormatInt(itemID, 10) + ":" + strconv.FormatInt(warehouseID, 10)
}

func movementKey(itemID, warehouseID int64) string {
	return movementKeyPrefix + strconv.FormatInt(itemID, 10) + ":" + strconv.FormatInt(warehouseID, 10)
}

func (r *RedisAdapter) GetQuantity(ctx context.Context, itemID, warehouseID int64) (int, error) {
	quantity, err := r.client.Get(ctx, stockKey(itemID, warehouseID)).Int()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("get stock: %w", err)
	}
	return quantity, nil
}

func (r *RedisAdapter) Commit(ctx context.Context, entries []port.LedgerEntry) error {
	keys, args, err := commitArgs(entries)
	if err != nil {
		return err
	}

	result, err := commitScript.Run(ctx, r.client, keys, args...).Int()
	if err != nil {
		return fmt.Errorf("commit ledger: %w", err)
	}
	if result != 1 {
		return port.ErrLedgerConflict
	}
	return nil
}

func commitArgs(entries []port.LedgerEntry) ([]string, []interface{}, error) {
	n := len(entries)
	keys := make([]string, 2*n)
	args := make([]interface{}, 0, 3*n)

	for i, e := range entries {
		if e.Quantity < 0 {
			return nil, nil, fmt.Errorf("negative quantity for %s", e.Movement.Key())
		}
		body, err := json.Marshal(e.Movement)
		if err != nil {
			return nil, nil, fmt.Errorf("marshal movement: %w", err)
		}
		keys[i] = stockKey(e.Movement.ItemID, e.Movement.WarehouseID)
		keys[n+i] = movementKey(e.Movement.ItemID, e.Movement.WarehouseID)
		args = append(args, e.Expected, e.Quantity, string(body))
	}
	return keys, args, nil
}

func (r *RedisAdapter) Movements(ctx context.Context, itemID, warehouseID int64) ([]domain.StockMovement, error) {
	raw, err := r.client.LRange(ctx, movementKey(itemID, warehouseID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("list movements: %w", err)
	}

	out := make([]domain.StockMovement, 0, len(raw))
	for _, body := range raw {
		var m domain.StockMovement
		if err := json.Unmarshal([]byte(body), &m); err != nil {
			return nil, fmt.Errorf("decode movement: %w", err)
		}
		out = append(out, m)
	}
	return out, nil
}

// RedisIdempotencyStore claims keys with SETNX so a resent message is
// applied once across every hub instance sharing the Redis.
type RedisIdempotencyStore struct {
	client *redis.Client
	ttl    time.Duration
}

func NewRedisIdempotencyStore(client *redis.Client, ttl time.Duration) *RedisIdempotencyStore {
	return &RedisIdempotencyStore{client: client, ttl: ttl}
}

func (r *RedisIdempotencyStore) Reserve(ctx context.Context, key string) (bool, error) {
	ok, err := r.client.SetNX(ctx, idempotencyPrefix+key, 1, r.ttl).Result()
	if err != nil {
		return false, err
	}

	return ok, nil
}

func (r *RedisIdempotencyStore) Release(ctx context.Context, key string) error {
	return r.client.Del(ctx, idempotencyPrefix+key).Err()
}
