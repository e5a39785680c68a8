package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"

	"github.com/rl1809/inventory-sync/internal/adapter/handler"
	"github.com/rl1809/inventory-sync/internal/adapter/messaging"
	"github.com/rl1809/inventory-sync/internal/adapter/storage"
	"github.com/rl1809/inventory-sync/internal/clock"
	"github.com/rl1809/inventory-sync/internal/config"
	"github.com/rl1809/inventory-sync/internal/core/domain"
	"github.com/rl1809/inventory-sync/internal/core/hub"
	"github.com/rl1809/inventory-sync/internal/core/service"
	"github.com/rl1809/inventory-sync/internal/port"
)

const shutdownTimeout = 10 * time.Second

// backends are the collaborators selected by storage.driver.
type backends struct {
	ledger  port.LedgerStore
	catalog port.ItemCatalog
	audit   port.AuditLog
	dedupe  port.IdempotencyStore
	closers []io.Closer
}

func (b *backends) Close() {
	for i := len(b.closers) - 1; i >= 0; i-- {
		b.closers[i].Close()
	}
}

type catalogWriter interface {
	PutItem(ctx context.Context, item domain.Item) error
	PutWarehouse(ctx context.Context, wh domain.Warehouse) error
}

func run(ctx context.Context, cfg *config.Config) error {
	logger, err := cfg.Log.NewLogger(os.Stderr)
	if err != nil {
		return err
	}
	slog.SetDefault(logger)

	b, err := openBackends(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer b.Close()
	logger.Info("storage ready", "driver", cfg.Storage.Driver, "idempotency", cfg.Idempotency.Driver)

	node, err := snowflake.NewNode(cfg.NodeID)
	if err != nil {
		return fmt.Errorf("snowflake node: %w", err)
	}

	notifier := service.NewNotifier(cfg.Notifier.QueueSize, cfg.Notifier.Workers, logger)
	defer notifier.Close()

	h := hub.New(hub.Config{SendBuffer: cfg.Hub.SendBuffer, Logger: logger})
	mutations := service.NewMutationService(b.ledger, node, clock.Real())
	alerts := service.NewAlertEvaluator(b.catalog, b.ledger, cfg.Alerts.DefaultThreshold, h, b.audit, notifier, logger)
	syncService := service.NewSyncService(mutations, alerts, h, b.audit, notifier, b.dedupe, logger)
	h.SetHandler(syncService)

	if cfg.AMQP.URL != "" {
		conn, ch, err := messaging.SetupConn(ctx, cfg.AMQP.URL, cfg.AMQP.Exchange, logger)
		if err != nil {
			return err
		}
		defer conn.Close()
		syncService.AddListener(messaging.NewPublisher(ch, cfg.AMQP.Exchange))
		logger.Info("publishing inventory events", "exchange", cfg.AMQP.Exchange)
	}

	if err := h.Start(); err != nil {
		return err
	}

	mux := http.NewServeMux()
	handler.NewHTTPHandler(syncService, h, logger).Register(mux)
	mux.Handle(cfg.WSPath, handler.NewWSHandler(h, cfg.Hub.WriteTimeout, logger))
	httpServer := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	grpcServer := grpc.NewServer()
	handler.RegisterInventoryServiceServer(grpcServer, handler.NewGRPCHandler(syncService, logger))

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info("HTTP server listening", "addr", cfg.HTTPAddr, "ws_path", cfg.WSPath)
		if err := httpServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	if cfg.GRPCAddr != "" {
		g.Go(func() error {
			lis, err := net.Listen("tcp", cfg.GRPCAddr)
			if err != nil {
				return fmt.Errorf("grpc listen: %w", err)
			}
			logger.Info("gRPC server listening", "addr", cfg.GRPCAddr)
			return grpcServer.Serve(lis)
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		// Sessions are hijacked connections, so http.Server.Shutdown does
		// not wait for them. Close them through the hub first.
		if err := h.Stop(shutdownCtx); err != nil {
			logger.Warn("hub stop", "err", err)
		}
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Warn("http shutdown", "err", err)
		}
		grpcServer.GracefulStop()
		logger.Info("servers stopped")
		return nil
	})

	return g.Wait()
}

func openBackends(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*backends, error) {
	b := &backends{}
	var rdb *redis.Client
	redisClient := func() *redis.Client {
		if rdb == nil {
			rdb = redis.NewClient(&redis.Options{
				Addr:     cfg.Storage.RedisAddr,
				Password: cfg.Storage.RedisPassword,
				DB:       cfg.Storage.RedisDB,
				PoolSize: 100,
			})
			b.closers = append(b.closers, rdb)
		}
		return rdb
	}

	var writer catalogWriter
	switch cfg.Storage.Driver {
	case "memory":
		catalog := storage.NewMemoryCatalog()
		b.ledger, b.catalog, b.audit, writer = storage.NewMemoryLedger(), catalog, storage.NewLogAuditLog(logger), catalog

	case "sqlite", "mysql":
		var store *storage.SQLStore
		var err error
		if cfg.Storage.Driver == "sqlite" {
			store, err = storage.OpenSQLite(ctx, cfg.Storage.SQLitePath)
		} else {
			store, err = storage.OpenMySQL(ctx, cfg.Storage.MySQLDSN)
			if err == nil {
				err = store.Migrate(ctx)
			}
		}
		if err != nil {
			if store != nil {
				store.Close()
			}
			return nil, err
		}
		b.closers = append(b.closers, store)
		b.ledger, b.audit, writer = store, store, store
		b.catalog = store
		if cfg.Catalog.CacheTTL > 0 {
			b.catalog = storage.NewCachedCatalog(store, cfg.Catalog.CacheTTL)
		}

	case "redis":
		if err := redisClient().Ping(ctx).Err(); err != nil {
			b.Close()
			return nil, fmt.Errorf("connect redis: %w", err)
		}
		catalog := storage.NewMemoryCatalog()
		b.ledger, b.catalog, b.audit, writer = storage.NewRedisAdapter(redisClient()), catalog, storage.NewLogAuditLog(logger), catalog

	default:
		return nil, fmt.Errorf("unknown storage driver %q", cfg.Storage.Driver)
	}

	switch cfg.Idempotency.Driver {
	case "redis":
		client := redisClient()
		if err := client.Ping(ctx).Err(); err != nil {
			b.Close()
			return nil, fmt.Errorf("connect redis: %w", err)
		}
		b.dedupe = storage.NewRedisIdempotencyStore(client, cfg.Idempotency.TTL)
	default:
		b.dedupe = storage.NewMemoryIdempotencyStore(cfg.Idempotency.TTL)
	}

	if err := seedCatalog(ctx, writer, cfg.Catalog); err != nil {
		b.Close()
		return nil, err
	}
	return b, nil
}

func seedCatalog(ctx context.Context, w catalogWriter, cfg config.CatalogConfig) error {
	for _, wh := range cfg.Warehouses {
		if err := w.PutWarehouse(ctx, domain.Warehouse{ID: wh.ID, Name: wh.Name}); err != nil {
			return fmt.Errorf("seed warehouse %d: %w", wh.ID, err)
		}
	}
	for _, item := range cfg.Items {
		if err := w.PutItem(ctx, domain.Item{ID: item.ID, Name: item.Name, SKU: item.SKU, Threshold: item.Threshold}); err != nil {
			return fmt.Errorf("seed item %d: %w", item.ID, err)
		}
	}
	return nil
}
