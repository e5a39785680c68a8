package storage

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"
	"time"

	_ "github.com/go-sql-driver/mysql"
)

//go:embed schema_mysql.sql
var mysqlSchema string

var mysqlDialect = dialect{
	name:   "mysql",
	schema: mysqlSchema,
	ensureStock: `
		INSERT IGNORE INTO warehouse_stock (item_id, warehouse_id, quantity, version, updated_at)
		VALUES (?, ?, 0, 0, ?)`,
	upsertItem: `
		INSERT INTO items (id, name, sku, min_stock) VALUES (?, ?, ?, ?)
		ON DUPLICATE KEY UPDATE name = VALUES(name), sku = VALUES(sku), min_stock = VALUES(min_stock)`,
	upsertWarehouse: `
		INSERT INTO warehouses (id, name) VALUES (?, ?)
		ON DUPLICATE KEY UPDATE name = VALUES(name)`,
}

func NewMySQLAdapter(db *sql.DB) *SQLStore {
	return &SQLStore{db: db, dialect: mysqlDialect}
}

// OpenMySQL connects with the pool sizing the server runs with. The DSN
// must carry parseTime=true.
func OpenMySQL(ctx context.Context, dsn string) (*SQLStore, error) {
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("open mysql: %w", err)
	}
	db.SetMaxOpenConns(50)
	db.SetMaxIdleConns(25)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping mysql: %w", err)
	}
	return NewMySQLAdapter(db), nil
}
