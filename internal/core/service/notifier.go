package service

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/rl1809/inventory-sync/internal/core/domain"
	"github.com/rl1809/inventory-sync/internal/port"
)

const listenerTimeout = 5 * time.Second

type notification struct {
	key    domain.StockKey
	change *domain.InventoryChange
	alert  *domain.Alert
}

// Notifier delivers inventory events to listeners from a worker pool so a
// slow listener never holds a ledger lock or a socket read loop. Each
// worker owns a queue and every position maps to one worker, so events for
// a position reach listeners in the order they were raised.
type Notifier struct {
	queues []chan notification
	logger *slog.Logger
	wg     sync.WaitGroup

	mu        sync.RWMutex
	listeners []port.InventoryListener
	closed    bool
}

// NewNotifier starts workers goroutines, each with a queue of queueSize.
func NewNotifier(queueSize, workers int, logger *slog.Logger) *Notifier {
	if workers <= 0 {
		workers = 1
	}
	n := &Notifier{
		queues: make([]chan notification, workers),
		logger: logger,
	}
	for i := range n.queues {
		n.queues[i] = make(chan notification, queueSize)
		n.wg.Add(1)
		go func(id int) {
			defer n.wg.Done()
			n.workerLoop(id, n.queues[id])
		}(i)
	}
	return n
}

func (n *Notifier) AddListener(l port.InventoryListener) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.listeners = append(n.listeners, l)
}

func (n *Notifier) InventoryChanged(change domain.InventoryChange) {
	n.enqueue(notification{key: domain.StockKey{ItemID: change.ItemID, WarehouseID: change.WarehouseID}, change: &change})
}

func (n *Notifier) LowStock(alert domain.Alert) {
	n.enqueue(notification{key: domain.StockKey{ItemID: alert.Item.ID, WarehouseID: alert.Warehouse.ID}, alert: &alert})
}

func (n *Notifier) enqueue(ev notification) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	if n.closed || len(n.listeners) == 0 {
		return
	}

	select {
	case n.queues[n.shard(ev.key)] <- ev:
	default:
		n.logger.Warn("notifier queue full, dropping event", "item_id", ev.key.ItemID, "warehouse_id", ev.key.WarehouseID)
	}
}

func (n *Notifier) shard(key domain.StockKey) int {
	h := uint64(key.ItemID)*31 + uint64(key.WarehouseID)
	return int(h % uint64(len(n.queues)))
}

// Close stops accepting events and waits for queued ones to be delivered.
func (n *Notifier) Close() {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return
	}
	n.closed = true
	for _, q := range n.queues {
		close(q)
	}
	n.mu.Unlock()

	n.wg.Wait()
}

func (n *Notifier) workerLoop(id int, queue <-chan notification) {
	for ev := range queue {
		n.mu.RLock()
		listeners := n.listeners
		n.mu.RUnlock()

		for _, l := range listeners {
			ctx, cancel := context.WithTimeout(context.Background(), listenerTimeout)

			var err error
			if ev.change != nil {
				err = l.OnInventoryChanged(ctx, *ev.change)
			} else {
				err = l.OnLowStock(ctx, *ev.alert)
			}
			if err != nil {
				n.logger.Error("listener failed", "worker", id, "err", err)
			}

			cancel()
		}
	}
}

// ListenerFuncs adapts plain functions to port.InventoryListener. Nil
// funcs are skipped.
type ListenerFuncs struct {
	InventoryChanged func(ctx context.Context, change domain.InventoryChange) error
	LowStock         func(ctx context.Context, alert domain.Alert) error
}

func (f ListenerFuncs) OnInventoryChanged(ctx context.Context, change domain.InventoryChange) error {
	if f.InventoryChanged == nil {
		return nil
	}
	return f.InventoryChanged(ctx, change)
}

func (f ListenerFuncs) OnLowStock(ctx context.Context, alert domain.Alert) error {
	if f.LowStock == nil {
		return nil
	}
	return f.LowStock(ctx, alert)
}
