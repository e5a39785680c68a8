package service

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"

	"github.com/rl1809/inventory-sync/internal/clock"
	"github.com/rl1809/inventory-sync/internal/core/domain"
	"github.com/rl1809/inventory-sync/internal/port"
)

// Mock LedgerStore
type mockLedger struct {
	mu        sync.Mutex
	stock     map[domain.StockKey]int
	movements map[domain.StockKey][]domain.StockMovement

	commitErrs []error // returned by successive Commit calls before applying
	readErr    error
	commits    int

	// readDelay widens the window between a read and the commit built on it.
	// conflicts counts commits whose expected quantity was already stale.
	readDelay time.Duration
	conflicts int
}

func newMockLedger() *mockLedger {
	return &mockLedger{
		stock:     make(map[domain.StockKey]int),
		movements: make(map[domain.StockKey][]domain.StockMovement),
	}
}

func (m *mockLedger) GetQuantity(ctx context.Context, itemID, warehouseID int64) (int, error) {
	m.mu.Lock()
	if m.readErr != nil {
		m.mu.Unlock()
		return 0, m.readErr
	}
	q := m.stock[domain.StockKey{ItemID: itemID, WarehouseID: warehouseID}]
	delay := m.readDelay
	m.mu.Unlock()

	if delay > 0 {
		time.Sleep(delay)
	}
	return q, nil
}

func (m *mockLedger) Commit(ctx context.Context, entries []port.LedgerEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.commits++

	if len(m.commitErrs) > 0 {
		err := m.commitErrs[0]
		m.commitErrs = m.commitErrs[1:]
		if err != nil {
			return err
		}
	}
	for _, e := range entries {
		if m.stock[e.Movement.Key()] != e.Expected {
			m.conflicts++
			return port.ErrLedgerConflict
		}
	}
	for _, e := range entries {
		m.stock[e.Movement.Key()] = e.Quantity
		m.movements[e.Movement.Key()] = append(m.movements[e.Movement.Key()], e.Movement)
	}
	return nil
}

func (m *mockLedger) Movements(ctx context.Context, itemID, warehouseID int64) ([]domain.StockMovement, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]domain.StockMovement(nil), m.movements[domain.StockKey{ItemID: itemID, WarehouseID: warehouseID}]...), nil
}

func (m *mockLedger) quantity(itemID, warehouseID int64) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stock[domain.StockKey{ItemID: itemID, WarehouseID: warehouseID}]
}

func (m *mockLedger) conflictCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.conflicts
}

func (m *mockLedger) movementCount(itemID, warehouseID int64) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.movements[domain.StockKey{ItemID: itemID, WarehouseID: warehouseID}])
}

func (m *mockLedger) deltaSum(itemID, warehouseID int64) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	sum := 0
	for _, mv := range m.movements[domain.StockKey{ItemID: itemID, WarehouseID: warehouseID}] {
		sum += mv.Delta
	}
	return sum
}

// Mock Broadcaster
type sent struct {
	msg        domain.SyncMessage
	warehouses []int64
	clientID   string
}

type recordingBroadcaster struct {
	mu         sync.Mutex
	broadcasts []sent
	direct     []sent
}

func (b *recordingBroadcaster) Broadcast(msg domain.SyncMessage, warehouseIDs ...int64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.broadcasts = append(b.broadcasts, sent{msg: msg, warehouses: warehouseIDs})
}

func (b *recordingBroadcaster) SendTo(clientID string, msg domain.SyncMessage) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.direct = append(b.direct, sent{msg: msg, clientID: clientID})
}

func (b *recordingBroadcaster) ofType(t domain.MessageType) []sent {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []sent
	for _, s := range b.broadcasts {
		if s.msg.Type == t {
			out = append(out, s)
		}
	}
	return out
}

func (b *recordingBroadcaster) directMessages() []sent {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]sent(nil), b.direct...)
}

// gatedBroadcaster holds the inventory_update carrying holdQuantity until
// release is closed.
type gatedBroadcaster struct {
	*recordingBroadcaster
	holdQuantity int
	held         chan struct{}
	release      chan struct{}
}

func newGatedBroadcaster(holdQuantity int) *gatedBroadcaster {
	return &gatedBroadcaster{
		recordingBroadcaster: &recordingBroadcaster{},
		holdQuantity:         holdQuantity,
		held:                 make(chan struct{}, 1),
		release:              make(chan struct{}),
	}
}

func (b *gatedBroadcaster) Broadcast(msg domain.SyncMessage, warehouseIDs ...int64) {
	if msg.Type == domain.MessageInventoryUpdate {
		var p domain.InventoryUpdatePayload
		if err := msg.Decode(&p); err == nil && p.Quantity != nil && *p.Quantity == b.holdQuantity {
			b.held <- struct{}{}
			<-b.release
		}
	}
	b.recordingBroadcaster.Broadcast(msg, warehouseIDs...)
}

// Mock ItemCatalog
type mockCatalog struct {
	thresholds map[int64]int
}

func (c *mockCatalog) Threshold(ctx context.Context, itemID int64) (int, bool, error) {
	v, ok := c.thresholds[itemID]
	return v, ok, nil
}

func (c *mockCatalog) Item(ctx context.Context, itemID int64) (*domain.Item, error) {
	return &domain.Item{ID: itemID, Name: "item"}, nil
}

func (c *mockCatalog) Warehouse(ctx context.Context, warehouseID int64) (*domain.Warehouse, error) {
	return nil, nil
}

// Mock AuditLog
type mockAudit struct {
	mu     sync.Mutex
	events []domain.AuditEvent
}

func (a *mockAudit) Record(ctx context.Context, event domain.AuditEvent) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.events = append(a.events, event)
	return nil
}

func (a *mockAudit) count(action domain.AuditAction) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	n := 0
	for _, e := range a.events {
		if e.Action == action {
			n++
		}
	}
	return n
}

// Mock IdempotencyStore
type mockDedupe struct {
	mu   sync.Mutex
	keys map[string]bool
}

func (d *mockDedupe) Reserve(ctx context.Context, key string) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.keys[key] {
		return false, nil
	}
	d.keys[key] = true
	return true, nil
}

func (d *mockDedupe) Release(ctx context.Context, key string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.keys, key)
	return nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestMutationService(t *testing.T, ledger port.LedgerStore) *MutationService {
	t.Helper()
	node, err := snowflake.NewNode(1)
	if err != nil {
		t.Fatalf("snowflake node: %v", err)
	}
	return NewMutationService(ledger, node, clock.NewFake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)))
}

type testEnv struct {
	ledger   *mockLedger
	out      *recordingBroadcaster
	audit    *mockAudit
	notifier *Notifier
	alerts   *AlertEvaluator
	sync     *SyncService
}

func newTestEnv(t *testing.T, thresholds map[int64]int) *testEnv {
	t.Helper()
	env := &testEnv{
		ledger: newMockLedger(),
		out:    &recordingBroadcaster{},
		audit:  &mockAudit{},
	}
	env.notifier = NewNotifier(100, 2, testLogger())
	t.Cleanup(env.notifier.Close)

	catalog := &mockCatalog{thresholds: thresholds}
	env.alerts = NewAlertEvaluator(catalog, env.ledger, 0, env.out, env.audit, env.notifier, testLogger())
	env.sync = NewSyncService(newTestMutationService(t, env.ledger), env.alerts, env.out, env.audit,
		env.notifier, &mockDedupe{keys: make(map[string]bool)}, testLogger())
	return env
}

func intPtr(v int) *int { return &v }

func seqPtr(v uint64) *uint64 { return &v }
