package hub

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rl1809/inventory-sync/internal/core/domain"
	"github.com/rl1809/inventory-sync/internal/port"
)

var errTransportClosed = errors.New("transport closed")

// fakeTransport is an in-memory port.Transport. Frames pushed to in are
// returned by ReadMessage, written frames land on out.
type fakeTransport struct {
	in     chan []byte
	out    chan []byte
	block  chan struct{} // when set, writes wait on it
	closed chan struct{}

	mu        sync.Mutex
	once      sync.Once
	closeCode int
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		in:     make(chan []byte, 16),
		out:    make(chan []byte, 256),
		closed: make(chan struct{}),
	}
}

func (f *fakeTransport) ReadMessage() ([]byte, error) {
	select {
	case data := <-f.in:
		return data, nil
	case <-f.closed:
		return nil, &port.CloseError{Code: f.code()}
	}
}

func (f *fakeTransport) WriteMessage(data []byte) error {
	if f.block != nil {
		<-f.block
	}
	select {
	case <-f.closed:
		return errTransportClosed
	default:
	}
	f.out <- data
	return nil
}

func (f *fakeTransport) Close(code int, reason string) error {
	f.once.Do(func() {
		f.mu.Lock()
		f.closeCode = code
		f.mu.Unlock()
		close(f.closed)
	})
	return nil
}

func (f *fakeTransport) code() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closeCode
}

func (f *fakeTransport) isClosed() bool {
	select {
	case <-f.closed:
		return true
	default:
		return false
	}
}

func (f *fakeTransport) push(t *testing.T, msg domain.SyncMessage) {
	t.Helper()
	data, err := json.Marshal(msg)
	require.NoError(t, err)
	f.in <- data
}

func (f *fakeTransport) next(t *testing.T) domain.SyncMessage {
	t.Helper()
	select {
	case data := <-f.out:
		msg, err := domain.DecodeMessage(data)
		require.NoError(t, err)
		return msg
	case <-time.After(2 * time.Second):
		t.Fatal("no message written")
		return domain.SyncMessage{}
	}
}

type recordingHandler struct {
	mu       sync.Mutex
	received []string
	got      chan domain.SyncMessage
}

func (r *recordingHandler) HandleMessage(ctx context.Context, clientID string, msg domain.SyncMessage) error {
	r.mu.Lock()
	r.received = append(r.received, clientID)
	r.mu.Unlock()
	r.got <- msg
	return nil
}

func newTestHub(t *testing.T, sendBuffer int) *Hub {
	t.Helper()
	h := New(Config{SendBuffer: sendBuffer, Logger: slog.New(slog.NewTextHandler(io.Discard, nil))})
	require.NoError(t, h.Start())
	t.Cleanup(func() { _ = h.Stop(context.Background()) })
	return h
}

func accept(t *testing.T, h *Hub, requestedID string) (*Connection, *fakeTransport) {
	t.Helper()
	ft := newFakeTransport()
	c, err := h.Accept(ft, requestedID)
	require.NoError(t, err)

	greeting := ft.next(t)
	require.Equal(t, domain.MessageConnection, greeting.Type)
	var p domain.ConnectionPayload
	require.NoError(t, greeting.Decode(&p))
	require.Equal(t, c.ID, p.ID)
	return c, ft
}

func TestAccept_ClientID(t *testing.T) {
	h := newTestHub(t, 0)

	requested := uuid.NewString()
	c, _ := accept(t, h, requested)
	assert.Equal(t, requested, c.ID)

	generated, _ := accept(t, h, "not-a-uuid")
	_, err := uuid.Parse(generated.ID)
	assert.NoError(t, err)
	assert.NotEqual(t, requested, generated.ID)

	assert.Equal(t, 2, h.Count())
}

func TestAccept_ReplacesStaleConnection(t *testing.T) {
	h := newTestHub(t, 0)
	id := uuid.NewString()

	old, oldTransport := accept(t, h, id)
	served := make(chan struct{})
	go func() {
		h.Serve(context.Background(), old)
		close(served)
	}()

	_, newTransport := accept(t, h, id)
	assert.True(t, oldTransport.isClosed())

	select {
	case <-served:
	case <-time.After(2 * time.Second):
		t.Fatal("old read loop did not exit")
	}

	// The old session's cleanup must not evict its replacement.
	assert.Equal(t, 1, h.Count())
	h.SendTo(id, domain.MustMessage(domain.MessageHeartbeatPong, nil))
	assert.Equal(t, domain.MessageHeartbeatPong, newTransport.next(t).Type)
}

func TestAccept_GreetingPrecedesBroadcasts(t *testing.T) {
	h := newTestHub(t, 512)

	stop := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-stop:
				return
			default:
				h.Broadcast(domain.MustMessage(domain.MessageDataChange, domain.DataChangePayload{Entity: "item", Action: "update"}))
			}
		}
	}()

	for i := 0; i < 50; i++ {
		ft := newFakeTransport()
		_, err := h.Accept(ft, "")
		require.NoError(t, err)
		assert.Equal(t, domain.MessageConnection, ft.next(t).Type, "connection %d", i)
	}

	close(stop)
	wg.Wait()
}

func TestBroadcast_WarehouseFilter(t *testing.T) {
	h := newTestHub(t, 0)

	a, ta := accept(t, h, "")
	b, tb := accept(t, h, "")
	_, tc := accept(t, h, "")
	h.Subscribe(a.ID, []int64{1})
	h.Subscribe(b.ID, []int64{2, 3})

	first := domain.MustMessage(domain.MessageStockAlert, domain.Alert{CurrentLevel: 1})
	h.Broadcast(first, 1)
	second := domain.MustMessage(domain.MessageDataChange, domain.DataChangePayload{Entity: "item", Action: "delete"})
	h.Broadcast(second)

	assert.Equal(t, domain.MessageStockAlert, ta.next(t).Type)
	assert.Equal(t, domain.MessageDataChange, ta.next(t).Type)

	// b is not subscribed to warehouse 1 so the next frame is the global one.
	assert.Equal(t, domain.MessageDataChange, tb.next(t).Type)

	// No subscriptions means everything.
	assert.Equal(t, domain.MessageStockAlert, tc.next(t).Type)
	assert.Equal(t, domain.MessageDataChange, tc.next(t).Type)
}

func TestBroadcast_TransferReachesEitherWarehouse(t *testing.T) {
	h := newTestHub(t, 0)

	src, tsrc := accept(t, h, "")
	dst, tdst := accept(t, h, "")
	other, tother := accept(t, h, "")
	h.Subscribe(src.ID, []int64{1})
	h.Subscribe(dst.ID, []int64{2})
	h.Subscribe(other.ID, []int64{9})

	h.Broadcast(domain.MustMessage(domain.MessageStockTransfer, domain.StockTransferPayload{ItemID: 9}), 1, 2)
	h.Broadcast(domain.MustMessage(domain.MessageHeartbeatPong, nil))

	assert.Equal(t, domain.MessageStockTransfer, tsrc.next(t).Type)
	assert.Equal(t, domain.MessageStockTransfer, tdst.next(t).Type)
	assert.Equal(t, domain.MessageHeartbeatPong, tother.next(t).Type)
}

func TestSubscribe_UnknownClientIsNoop(t *testing.T) {
	h := newTestHub(t, 0)
	h.Subscribe("nobody", []int64{1})
	h.SendTo("nobody", domain.MustMessage(domain.MessageHeartbeatPong, nil))
	assert.Nil(t, h.Subscriptions("nobody"))
	assert.Equal(t, 0, h.Count())
}

func TestServe_Dispatch(t *testing.T) {
	h := newTestHub(t, 0)
	handler := &recordingHandler{got: make(chan domain.SyncMessage, 1)}
	h.SetHandler(handler)

	c, ft := accept(t, h, "")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go h.Serve(ctx, c)

	// Malformed frames are answered and the connection stays open.
	ft.in <- []byte(`{broken`)
	reply := ft.next(t)
	require.Equal(t, domain.MessageError, reply.Type)
	var errPayload domain.ErrorPayload
	require.NoError(t, reply.Decode(&errPayload))
	assert.Equal(t, domain.CodeTransport, errPayload.Code)

	ft.push(t, domain.MustMessage(domain.MessageHeartbeatPing, nil))
	assert.Equal(t, domain.MessageHeartbeatPong, ft.next(t).Type)

	ft.push(t, domain.MustMessage(domain.MessageWarehouseSubscribe, domain.WarehouseSubscribePayload{Warehouses: []int64{3, 1}}))
	ft.push(t, domain.MustMessage(domain.MessageHeartbeatPing, nil))
	ft.next(t)
	assert.Equal(t, []int64{1, 3}, h.Subscriptions(c.ID))

	ft.push(t, domain.MustMessage(domain.MessageInventoryUpdate, domain.InventoryUpdatePayload{ItemID: 1}))
	select {
	case msg := <-handler.got:
		assert.Equal(t, domain.MessageInventoryUpdate, msg.Type)
	case <-time.After(2 * time.Second):
		t.Fatal("handler not called")
	}
	handler.mu.Lock()
	assert.Equal(t, []string{c.ID}, handler.received)
	handler.mu.Unlock()
}

func TestServe_ReadErrorCleansUpOnlyThatConnection(t *testing.T) {
	h := newTestHub(t, 0)

	a, ta := accept(t, h, "")
	_, _ = accept(t, h, "")

	served := make(chan struct{})
	go func() {
		h.Serve(context.Background(), a)
		close(served)
	}()
	_ = ta.Close(port.CloseAbnormal, "")

	select {
	case <-served:
	case <-time.After(2 * time.Second):
		t.Fatal("read loop did not exit")
	}
	assert.Equal(t, 1, h.Count())
}

func TestDisconnect_Idempotent(t *testing.T) {
	h := newTestHub(t, 0)
	c, ft := accept(t, h, "")

	h.Disconnect(c.ID)
	h.Disconnect(c.ID)

	assert.True(t, ft.isClosed())
	assert.Equal(t, port.CloseNormal, ft.code())
	assert.Equal(t, 0, h.Count())
}

func TestBroadcast_SlowConnectionDoesNotBlock(t *testing.T) {
	h := newTestHub(t, 1)

	slow := newFakeTransport()
	slow.block = make(chan struct{})
	_, err := h.Accept(slow, "")
	require.NoError(t, err)
	_, fast := accept(t, h, "")

	done := make(chan struct{})
	go func() {
		for i := 0; i < 50; i++ {
			h.Broadcast(domain.MustMessage(domain.MessageHeartbeatPong, nil))
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("broadcast blocked on a slow connection")
	}

	assert.Equal(t, domain.MessageHeartbeatPong, fast.next(t).Type)
	close(slow.block)
}

func TestStop(t *testing.T) {
	h := New(Config{Logger: slog.New(slog.NewTextHandler(io.Discard, nil))})
	require.NoError(t, h.Start())

	_, ft := accept(t, h, "")
	require.NoError(t, h.Stop(context.Background()))

	assert.True(t, ft.isClosed())
	assert.Equal(t, port.CloseGoingAway, ft.code())
	assert.Equal(t, 0, h.Count())

	_, err := h.Accept(newFakeTransport(), "")
	assert.ErrorIs(t, err, ErrHubStopped)
	assert.ErrorIs(t, h.Start(), ErrHubStopped)
}

func TestAccept_BeforeStart(t *testing.T) {
	h := New(Config{})
	_, err := h.Accept(newFakeTransport(), "")
	assert.ErrorIs(t, err, ErrHubStopped)
}
