package messaging

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/rl1809/inventory-sync/internal/core/domain"
)

const (
	DefaultExchange = "inventory_events"
	exchangeType    = "topic"
	connectAttempts = 5
	connectBackoff  = 2 * time.Second
)

// SetupConn dials the broker, retrying while it starts up, and declares
// the topic exchange events are published to.
func SetupConn(ctx context.Context, url, exchange string, logger *slog.Logger) (*amqp.Connection, *amqp.Channel, error) {
	var conn *amqp.Connection
	var err error

	for i := 0; i < connectAttempts; i++ {
		conn, err = amqp.Dial(url)
		if err == nil {
			break
		}
		logger.Warn("connect to rabbitmq failed", "attempt", i+1, "err", err)

		select {
		case <-ctx.Done():
			return nil, nil, ctx.Err()
		case <-time.After(connectBackoff):
		}
	}
	if err != nil {
		return nil, nil, fmt.Errorf("could not connect to rabbitmq: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, nil, fmt.Errorf("could not open channel: %w", err)
	}

	err = ch.ExchangeDeclare(
		exchange,     // name
		exchangeType, // type
		true,         // durable
		false,        // auto-deleted
		false,        // internal
		false,        // no-wait
		nil,          // arguments
	)
	if err != nil {
		conn.Close()
		return nil, nil, fmt.Errorf("could not declare exchange: %w", err)
	}

	return conn, ch, nil
}

// Publisher forwards inventory events to a topic exchange so consumers
// outside the sync protocol (reporting, dashboards) can bind to them.
type Publisher struct {
	ch       *amqp.Channel
	exchange string
}

func NewPublisher(ch *amqp.Channel, exchange string) *Publisher {
	if exchange == "" {
		exchange = DefaultExchange
	}
	return &Publisher{ch: ch, exchange: exchange}
}

// Routing keys: inventory.changed.<warehouseId>, inventory.low_stock.<warehouseId>
func ChangedRoutingKey(warehouseID int64) string {
	return fmt.Sprintf("inventory.changed.%d", warehouseID)
}

func LowStockRoutingKey(warehouseID int64) string {
	return fmt.Sprintf("inventory.low_stock.%d", warehouseID)
}

func (p *Publisher) OnInventoryChanged(ctx context.Context, change domain.InventoryChange) error {
	return p.publish(ctx, ChangedRoutingKey(change.WarehouseID), change)
}

func (p *Publisher) OnLowStock(ctx context.Context, alert domain.Alert) error {
	return p.publish(ctx, LowStockRoutingKey(alert.Warehouse.ID), alert)
}

func (p *Publisher) publish(ctx context.Context, routingKey string, event any) error {
	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("could not marshal event: %w", err)
	}

	err = p.ch.PublishWithContext(ctx,
		p.exchange, // exchange
		routingKey, // routing key
		false,      // mandatory
		false,      // immediate
		amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			Timestamp:    time.Now(),
			Body:         body,
		},
	)
	if err != nil {
		return fmt.Errorf("publish %s: %w", routingKey, err)
	}
	return nil
}
