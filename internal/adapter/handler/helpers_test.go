package handler

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/stretchr/testify/require"

	"github.com/rl1809/inventory-sync/internal/adapter/storage"
	"github.com/rl1809/inventory-sync/internal/clock"
	"github.com/rl1809/inventory-sync/internal/core/hub"
	"github.com/rl1809/inventory-sync/internal/core/service"
)

type testServer struct {
	ledger  *storage.MemoryLedger
	catalog *storage.MemoryCatalog
	hub     *hub.Hub
	sync    *service.SyncService
	srv     *httptest.Server
	logger  *slog.Logger
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	ledger := storage.NewMemoryLedger()
	catalog := storage.NewMemoryCatalog()
	audit := storage.NewLogAuditLog(logger)

	notifier := service.NewNotifier(100, 2, logger)
	t.Cleanup(notifier.Close)

	h := hub.New(hub.Config{Logger: logger})
	node, err := snowflake.NewNode(1)
	require.NoError(t, err)

	mutations := service.NewMutationService(ledger, node, clock.Real())
	alerts := service.NewAlertEvaluator(catalog, ledger, 0, h, audit, notifier, logger)
	svc := service.NewSyncService(mutations, alerts, h, audit, notifier,
		storage.NewMemoryIdempotencyStore(time.Minute), logger)
	h.SetHandler(svc)
	require.NoError(t, h.Start())

	mux := http.NewServeMux()
	NewHTTPHandler(svc, h, logger).Register(mux)
	mux.Handle("/ws-inventory", NewWSHandler(h, time.Second, logger))

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	t.Cleanup(func() { _ = h.Stop(context.Background()) })

	return &testServer{ledger: ledger, catalog: catalog, hub: h, sync: svc, srv: srv, logger: logger}
}

func (s *testServer) wsURL() string {
	return "ws" + strings.TrimPrefix(s.srv.URL, "http") + "/ws-inventory"
}
