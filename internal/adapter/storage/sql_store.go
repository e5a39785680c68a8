package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rl1809/inventory-sync/internal/core/domain"
	"github.com/rl1809/inventory-sync/internal/port"
)

// dialect holds the statements that differ between MySQL and SQLite.
type dialect struct {
	name            string
	schema          string
	ensureStock     string
	upsertItem      string
	upsertWarehouse string
}

// SQLStore is the ledger, item catalog, and audit log over a relational
// database.
type SQLStore struct {
	db      *sql.DB
	dialect dialect
}

func (s *SQLStore) DB() *sql.DB {
	return s.db
}

func (s *SQLStore) Close() error {
	return s.db.Close()
}

// Migrate creates missing tables. Statements run one at a time since the
// MySQL driver rejects multi-statement execs by default.
func (s *SQLStore) Migrate(ctx context.Context) error {
	for _, stmt := range strings.Split(s.dialect.schema, ";") {
		stmt = strings.TrimSpace(stmt)
		if stmt == "" {
			continue
		}
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("%s migrate: %w", s.dialect.name, err)
		}
	}
	return nil
}

func (s *SQLStore) GetQuantity(ctx context.Context, itemID, warehouseID int64) (int, error) {
	var quantity int
	err := s.db.QueryRowContext(ctx, `
		SELECT quantity FROM warehouse_stock
		WHERE item_id = ? AND warehouse_id = ?`, itemID, warehouseID,
	).Scan(&quantity)

	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("query stock: %w", err)
	}
	return quantity, nil
}

func (s *SQLStore) GetStock(ctx context.Context, itemID, warehouseID int64) (*domain.StockRecord, error) {
	var rec domain.StockRecord
	err := s.db.QueryRowContext(ctx, `
		SELECT item_id, warehouse_id, quantity, version, updated_at
		FROM warehouse_stock WHERE item_id = ? AND warehouse_id = ?`, itemID, warehouseID,
	).Scan(&rec.ItemID, &rec.WarehouseID, &rec.Quantity, &rec.Version, &rec.UpdatedAt)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query stock: %w", err)
	}
	return &rec, nil
}

func (s *SQLStore) Commit(ctx context.Context, entries []port.LedgerEntry) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	for _, e := range entries {
		key := e.Movement.Key()

		if _, err := tx.ExecContext(ctx, s.dialect.ensureStock, key.ItemID, key.WarehouseID, now); err != nil {
			return fmt.Errorf("ensure stock row: %w", err)
		}

		result, err := tx.ExecContext(ctx, `
			UPDATE warehouse_stock
			SET quantity = ?, version = version + 1, updated_at = ?
			WHERE item_id = ? AND warehouse_id = ? AND quantity = ?`,
			e.Quantity, now, key.ItemID, key.WarehouseID, e.Expected,
		)
		if err != nil {
			return fmt.Errorf("update stock: %w", err)
		}

		rows, _ := result.RowsAffected()
		if rows == 0 {
			return port.ErrLedgerConflict
		}

		m := e.Movement
		_, err = tx.ExecContext(ctx, `
			INSERT INTO stock_movements
			(movement_id, item_id, warehouse_id, delta, kind, source_warehouse_id,
			 destination_warehouse_id, actor_id, note, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			m.ID, m.ItemID, m.WarehouseID, m.Delta, string(m.Kind),
			nullInt64(m.SourceWarehouseID), nullInt64(m.DestinationWarehouseID), nullInt64(m.ActorID),
			m.Note, m.Timestamp.UTC(),
		)
		if err != nil {
			return fmt.Errorf("insert movement: %w", err)
		}
	}

	return tx.Commit()
}

func (s *SQLStore) Movements(ctx context.Context, itemID, warehouseID int64) ([]domain.StockMovement, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT movement_id, item_id, warehouse_id, delta, kind, source_warehouse_id,
		       destination_warehouse_id, actor_id, note, created_at
		FROM stock_movements
		WHERE item_id = ? AND warehouse_id = ?
		ORDER BY seq`, itemID, warehouseID,
	)
	if err != nil {
		return nil, fmt.Errorf("query movements: %w", err)
	}
	defer rows.Close()

	var out []domain.StockMovement
	for rows.Next() {
		var (
			m                   domain.StockMovement
			kind                string
			source, dest, actor sql.NullInt64
		)
		if err := rows.Scan(&m.ID, &m.ItemID, &m.WarehouseID, &m.Delta, &kind,
			&source, &dest, &actor, &m.Note, &m.Timestamp); err != nil {
			return nil, fmt.Errorf("scan movement: %w", err)
		}
		m.Kind = domain.MovementKind(kind)
		m.SourceWarehouseID = int64Ptr(source)
		m.DestinationWarehouseID = int64Ptr(dest)
		m.ActorID = int64Ptr(actor)
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *SQLStore) Threshold(ctx context.Context, itemID int64) (int, bool, error) {
	var minStock sql.NullInt64
	err := s.db.QueryRowContext(ctx, `SELECT min_stock FROM items WHERE id = ?`, itemID).Scan(&minStock)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("query threshold: %w", err)
	}
	if !minStock.Valid {
		return 0, false, nil
	}
	return int(minStock.Int64), true, nil
}

func (s *SQLStore) Item(ctx context.Context, itemID int64) (*domain.Item, error) {
	var (
		item     domain.Item
		minStock sql.NullInt64
	)
	err := s.db.QueryRowContext(ctx, `SELECT id, name, sku, min_stock FROM items WHERE id = ?`, itemID).
		Scan(&item.ID, &item.Name, &item.SKU, &minStock)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query item: %w", err)
	}
	if minStock.Valid {
		threshold := int(minStock.Int64)
		item.Threshold = &threshold
	}
	return &item, nil
}

func (s *SQLStore) Warehouse(ctx context.Context, warehouseID int64) (*domain.Warehouse, error) {
	var wh domain.Warehouse
	err := s.db.QueryRowContext(ctx, `SELECT id, name FROM warehouses WHERE id = ?`, warehouseID).
		Scan(&wh.ID, &wh.Name)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query warehouse: %w", err)
	}
	return &wh, nil
}

func (s *SQLStore) PutItem(ctx context.Context, item domain.Item) error {
	var minStock sql.NullInt64
	if item.Threshold != nil {
		minStock = sql.NullInt64{Int64: int64(*item.Threshold), Valid: true}
	}
	if _, err := s.db.ExecContext(ctx, s.dialect.upsertItem, item.ID, item.Name, item.SKU, minStock); err != nil {
		return fmt.Errorf("upsert item: %w", err)
	}
	return nil
}

func (s *SQLStore) PutWarehouse(ctx context.Context, wh domain.Warehouse) error {
	if _, err := s.db.ExecContext(ctx, s.dialect.upsertWarehouse, wh.ID, wh.Name); err != nil {
		return fmt.Errorf("upsert warehouse: %w", err)
	}
	return nil
}

func (s *SQLStore) Record(ctx context.Context, event domain.AuditEvent) error {
	ts := event.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO audit_log (action, item_id, warehouse_id, actor_id, detail, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		string(event.Action), event.ItemID, event.WarehouseID, nullInt64(event.ActorID), event.Detail, ts.UTC(),
	)
	if err != nil {
		return fmt.Errorf("insert audit entry: %w", err)
	}
	return nil
}

func nullInt64(v *int64) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *v, Valid: true}
}

func int64Ptr(v sql.NullInt64) *int64 {
	if !v.Valid {
		return nil
	}
	n := v.Int64
	return &n
}
