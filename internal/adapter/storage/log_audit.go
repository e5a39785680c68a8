package storage

import (
	"context"
	"log/slog"

	"github.com/rl1809/inventory-sync/internal/core/domain"
)

// LogAuditLog writes audit events to the structured log for deployments
// without an audit table.
type LogAuditLog struct {
	logger *slog.Logger
}

func NewLogAuditLog(logger *slog.Logger) *LogAuditLog {
	return &LogAuditLog{logger: logger}
}

func (l *LogAuditLog) Record(ctx context.Context, event domain.AuditEvent) error {
	attrs := []any{
		"action", event.Action,
		"item_id", event.ItemID,
		"warehouse_id", event.WarehouseID,
		"detail", event.Detail,
	}
	if event.ActorID != nil {
		attrs = append(attrs, "actor_id", *event.ActorID)
	}
	l.logger.InfoContext(ctx, "audit", attrs...)
	return nil
}
