package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"log/slog"
	"math/rand"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/pflag"

	"github.com/rl1809/inventory-sync/internal/adapter/client"
	"github.com/rl1809/inventory-sync/internal/adapter/handler"
	"github.com/rl1809/inventory-sync/internal/adapter/storage"
	"github.com/rl1809/inventory-sync/internal/clock"
	"github.com/rl1809/inventory-sync/internal/core/domain"
	"github.com/rl1809/inventory-sync/internal/core/hub"
	"github.com/rl1809/inventory-sync/internal/core/service"
	"github.com/rl1809/inventory-sync/internal/port"
)

const itemID = 1

type options struct {
	agents       int
	requests     int
	warehouses   int
	initialStock int
	redisAddr    string
	timeout      time.Duration
}

func main() {
	opts := options{}
	pflag.IntVar(&opts.agents, "agents", 20, "concurrent sync agents")
	pflag.IntVar(&opts.requests, "requests", 2000, "total transfer messages")
	pflag.IntVar(&opts.warehouses, "warehouses", 4, "warehouses sharing the item")
	pflag.IntVar(&opts.initialStock, "stock", 50, "initial quantity per warehouse")
	pflag.StringVar(&opts.redisAddr, "redis", "", "run the ledger on Redis at this address instead of memory")
	pflag.DurationVar(&opts.timeout, "timeout", time.Minute, "give up waiting for results after this long")
	pflag.Parse()

	if err := run(opts); err != nil {
		log.Fatalf("stress test failed: %v", err)
	}
}

func run(opts options) error {
	ctx := context.Background()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	ledger, err := openLedger(ctx, opts)
	if err != nil {
		return err
	}
	for wh := 1; wh <= opts.warehouses; wh++ {
		if err := seed(ctx, ledger, int64(wh), opts.initialStock); err != nil {
			return err
		}
	}

	// Server side
	node, err := snowflake.NewNode(1)
	if err != nil {
		return err
	}
	notifier := service.NewNotifier(1024, 2, logger)
	defer notifier.Close()

	// The observer sees every transfer and alert, size its queue so nothing is dropped.
	h := hub.New(hub.Config{SendBuffer: 2*opts.requests + 64, Logger: logger})
	audit := storage.NewLogAuditLog(logger)
	alerts := service.NewAlertEvaluator(storage.NewMemoryCatalog(), ledger, 0, h, audit, notifier, logger)
	svc := service.NewSyncService(service.NewMutationService(ledger, node, clock.Real()), alerts, h, audit, notifier,
		storage.NewMemoryIdempotencyStore(time.Minute), logger)
	h.SetHandler(svc)
	if err := h.Start(); err != nil {
		return err
	}
	defer h.Stop(ctx)

	lis, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return err
	}
	mux := http.NewServeMux()
	mux.Handle("/ws-inventory", handler.NewWSHandler(h, 5*time.Second, logger))
	srv := &http.Server{Handler: mux}
	go srv.Serve(lis)
	defer srv.Close()
	url := fmt.Sprintf("ws://%s/ws-inventory", lis.Addr())

	// Client side
	var applied, rejected atomic.Int64
	done := make(chan struct{})
	var doneOnce sync.Once
	finish := func() {
		if applied.Load()+rejected.Load() >= int64(opts.requests) {
			doneOnce.Do(func() { close(done) })
		}
	}

	observer := client.New(client.Config{
		URL:    url,
		Logger: logger,
		OnMessage: func(msg domain.SyncMessage) {
			if msg.Type == domain.MessageStockTransfer {
				applied.Add(1)
				finish()
			}
		},
	})
	if err := observer.Connect(ctx); err != nil {
		return err
	}
	defer observer.Disconnect()

	agents := make([]*client.Agent, opts.agents)
	for i := range agents {
		agents[i] = client.New(client.Config{
			URL:    url,
			Logger: logger,
			OnMessage: func(msg domain.SyncMessage) {
				if msg.Type == domain.MessageError {
					rejected.Add(1)
					finish()
				}
			},
		})
		if err := agents[i].Connect(ctx); err != nil {
			return err
		}
		defer agents[i].Disconnect()
		// Only the observer needs the broadcasts.
		agents[i].SetWarehouses([]int64{-1})
	}

	start := time.Now()
	var wg sync.WaitGroup
	var sendFailures atomic.Int64
	perAgent := opts.requests / opts.agents
	for i, agent := range agents {
		n := perAgent
		if i == 0 {
			n += opts.requests % opts.agents
		}
		wg.Add(1)
		go func(agent *client.Agent, n int, seed int64) {
			defer wg.Done()
			r := rand.New(rand.NewSource(seed))
			for j := 0; j < n; j++ {
				src := int64(r.Intn(opts.warehouses) + 1)
				dst := src%int64(opts.warehouses) + 1
				qty := r.Intn(5) + 1
				msg := domain.MustMessage(domain.MessageStockTransfer, domain.StockTransferPayload{
					ItemID: itemID, Quantity: &qty, SourceWarehouseID: src, DestinationWarehouseID: dst,
				})
				if !agent.SendMessage(msg) {
					sendFailures.Add(1)
					rejected.Add(1)
					finish()
				}
			}
		}(agent, n, int64(i))
	}
	wg.Wait()

	select {
	case <-done:
	case <-time.After(opts.timeout):
		log.Printf("timed out: %d applied, %d rejected of %d", applied.Load(), rejected.Load(), opts.requests)
	}
	elapsed := time.Since(start)

	total := 0
	consistent := true
	for wh := int64(1); wh <= int64(opts.warehouses); wh++ {
		qty, err := ledger.GetQuantity(ctx, itemID, wh)
		if err != nil {
			return err
		}
		movements, err := ledger.Movements(ctx, itemID, wh)
		if err != nil {
			return err
		}
		sum := 0
		for _, mv := range movements {
			sum += mv.Delta
		}
		if qty < 0 || sum != qty {
			consistent = false
		}
		total += qty
		fmt.Printf("warehouse %d: quantity=%d movements=%d deltaSum=%d\n", wh, qty, len(movements), sum)
	}

	fmt.Println("=== Stress Test Results ===")
	fmt.Printf("Agents:           %d\n", opts.agents)
	fmt.Printf("Transfers sent:   %d\n", opts.requests)
	fmt.Printf("Applied:          %d\n", applied.Load())
	fmt.Printf("Rejected:         %d (send failures %d)\n", rejected.Load(), sendFailures.Load())
	fmt.Printf("Elapsed:          %v\n", elapsed)
	fmt.Printf("Total stock:      %d (expected %d)\n", total, opts.warehouses*opts.initialStock)

	if !consistent || total != opts.warehouses*opts.initialStock {
		return errors.New("ledger inconsistent")
	}
	fmt.Println("PASS: ledger consistent, stock conserved")
	return nil
}

func openLedger(ctx context.Context, opts options) (port.LedgerStore, error) {
	if opts.redisAddr == "" {
		return storage.NewMemoryLedger(), nil
	}

	rdb := redis.NewClient(&redis.Options{Addr: opts.redisAddr})
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect redis: %w", err)
	}

	// Clear previous test data
	keys, _ := rdb.Keys(ctx, fmt.Sprintf("stock:%d:*", itemID)).Result()
	moreKeys, _ := rdb.Keys(ctx, fmt.Sprintf("movements:%d:*", itemID)).Result()
	for _, k := range append(keys, moreKeys...) {
		rdb.Del(ctx, k)
	}
	return storage.NewRedisAdapter(rdb), nil
}

func seed(ctx context.Context, ledger port.LedgerStore, warehouseID int64, quantity int) error {
	movement := domain.StockMovement{
		ID:          fmt.Sprintf("seed-%d", warehouseID),
		ItemID:      itemID,
		WarehouseID: warehouseID,
		Delta:       quantity,
		Kind:        domain.MovementAdjustment,
		Note:        "stress test seed",
		Timestamp:   time.Now(),
	}
	return ledger.Commit(ctx, []port.LedgerEntry{{Expected: 0, Quantity: quantity, Movement: movement}})
}
