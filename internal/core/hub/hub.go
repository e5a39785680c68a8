package hub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/rl1809/inventory-sync/internal/clock"
	"github.com/rl1809/inventory-sync/internal/core/domain"
	"github.com/rl1809/inventory-sync/internal/port"
)

var ErrHubStopped = errors.New("hub stopped")

const defaultSendBuffer = 64

// MessageHandler receives every inbound message the hub does not answer
// itself (heartbeats and subscriptions are handled here).
type MessageHandler interface {
	HandleMessage(ctx context.Context, clientID string, msg domain.SyncMessage) error
}

type Config struct {
	// SendBuffer is the per-connection outbound queue length. Messages
	// for a connection whose queue is full are dropped.
	SendBuffer int
	Logger     *slog.Logger
	Clock      clock.Clock
}

// Connection is one registered client session.
type Connection struct {
	ID          string
	ConnectedAt time.Time

	transport port.Transport
	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once

	// guarded by Hub.mu; empty means every warehouse
	subscriptions map[int64]struct{}
}

func (c *Connection) enqueue(data []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}

	select {
	case c.send <- data:
		return true
	default:
		return false
	}
}

func (c *Connection) close(code int, reason string) {
	c.closeOnce.Do(func() {
		close(c.done)
		_ = c.transport.Close(code, reason)
	})
}

func (c *Connection) wants(warehouseIDs []int64) bool {
	if len(warehouseIDs) == 0 || len(c.subscriptions) == 0 {
		return true
	}
	for _, id := range warehouseIDs {
		if _, ok := c.subscriptions[id]; ok {
			return true
		}
	}
	return false
}

// Hub keeps the registry of live connections and fans messages out to
// them according to their warehouse subscriptions.
type Hub struct {
	sendBuffer int
	logger     *slog.Logger
	clock      clock.Clock

	mu      sync.RWMutex
	conns   map[string]*Connection
	handler MessageHandler
	running bool
	stopped bool

	writers sync.WaitGroup
}

func New(cfg Config) *Hub {
	if cfg.SendBuffer <= 0 {
		cfg.SendBuffer = defaultSendBuffer
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}
	return &Hub{
		sendBuffer: cfg.SendBuffer,
		logger:     cfg.Logger,
		clock:      cfg.Clock,
		conns:      make(map[string]*Connection),
	}
}

// SetHandler installs the receiver of inbound mutation messages. It must
// be called before Start.
func (h *Hub) SetHandler(handler MessageHandler) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.handler = handler
}

func (h *Hub) Start() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.stopped {
		return ErrHubStopped
	}
	h.running = true
	h.logger.Info("hub started")
	return nil
}

// Stop closes every connection with a going-away code and waits for the
// writers to exit or ctx to expire. The hub cannot be restarted.
func (h *Hub) Stop(ctx context.Context) error {
	h.mu.Lock()
	if h.stopped {
		h.mu.Unlock()
		return nil
	}
	h.stopped = true
	h.running = false
	conns := make([]*Connection, 0, len(h.conns))
	for id, c := range h.conns {
		conns = append(conns, c)
		delete(h.conns, id)
	}
	h.mu.Unlock()

	for _, c := range conns {
		c.close(port.CloseGoingAway, "server shutting down")
	}

	done := make(chan struct{})
	go func() {
		h.writers.Wait()
		close(done)
	}()

	select {
	case <-done:
		h.logger.Info("hub stopped", "connections_closed", len(conns))
		return nil
	case <-ctx.Done():
		return fmt.Errorf("wait for writers: %w", ctx.Err())
	}
}

// Accept registers a transport under requestedID when it is a valid UUID,
// otherwise under a fresh one, and greets it with a connection message.
// An existing connection with the same id is closed and replaced.
func (h *Hub) Accept(transport port.Transport, requestedID string) (*Connection, error) {
	id := uuid.NewString()
	if parsed, err := uuid.Parse(requestedID); err == nil {
		id = parsed.String()
	}

	c := &Connection{
		ID:            id,
		ConnectedAt:   h.clock.Now(),
		transport:     transport,
		send:          make(chan []byte, h.sendBuffer),
		done:          make(chan struct{}),
		subscriptions: make(map[int64]struct{}),
	}
	// Queued before c is visible to Broadcast so the greeting is always
	// the first frame of the session.
	h.deliver(c, domain.MustMessage(domain.MessageConnection, domain.ConnectionPayload{ID: id}))

	h.mu.Lock()
	if !h.running {
		h.mu.Unlock()
		return nil, ErrHubStopped
	}
	stale := h.conns[id]
	h.conns[id] = c
	h.writers.Add(1)
	total := len(h.conns)
	h.mu.Unlock()

	if stale != nil {
		h.logger.Info("replacing stale connection", "client_id", id)
		stale.close(port.CloseGoingAway, "replaced by new connection")
	}

	go h.writeLoop(c)

	h.logger.Info("client connected", "client_id", id, "connections", total)
	return c, nil
}

// Serve runs the read loop of c until the transport fails or ctx is done,
// then unregisters c.
func (h *Hub) Serve(ctx context.Context, c *Connection) {
	go func() {
		select {
		case <-ctx.Done():
			h.remove(c, port.CloseGoingAway, "server shutting down")
		case <-c.done:
		}
	}()
	defer h.remove(c, port.CloseNormal, "")

	for {
		data, err := c.transport.ReadMessage()
		if err != nil {
			if port.IsExpectedClose(err) {
				h.logger.Info("client disconnected", "client_id", c.ID)
			} else {
				h.logger.Debug("read failed", "client_id", c.ID, "err", err)
			}
			return
		}

		msg, err := domain.DecodeMessage(data)
		if err != nil {
			h.logger.Warn("malformed message", "client_id", c.ID, "err", err)
			h.deliver(c, domain.ErrorMessage(domain.CodeTransport, err.Error()))
			continue
		}
		h.dispatch(ctx, c, msg)
	}
}

func (h *Hub) dispatch(ctx context.Context, c *Connection, msg domain.SyncMessage) {
	switch msg.Type {
	case domain.MessageHeartbeatPing:
		h.deliver(c, domain.MustMessage(domain.MessageHeartbeatPong, nil))

	case domain.MessageWarehouseSubscribe:
		var p domain.WarehouseSubscribePayload
		if err := msg.Decode(&p); err != nil {
			h.deliver(c, domain.ErrorMessage(domain.CodeTransport, err.Error()))
			return
		}
		h.Subscribe(c.ID, p.Warehouses)

	case domain.MessageHeartbeatPong:
		// liveness only

	default:
		h.mu.RLock()
		handler := h.handler
		h.mu.RUnlock()
		if handler == nil {
			h.deliver(c, domain.ErrorMessage(domain.CodeTransport, fmt.Sprintf("unsupported message type %q", msg.Type)))
			return
		}
		_ = handler.HandleMessage(ctx, c.ID, msg)
	}
}

func (h *Hub) writeLoop(c *Connection) {
	defer h.writers.Done()
	for {
		select {
		case data := <-c.send:
			if err := c.transport.WriteMessage(data); err != nil {
				h.logger.Debug("write failed", "client_id", c.ID, "err", err)
				h.remove(c, port.CloseAbnormal, "write failed")
				return
			}
		case <-c.done:
			return
		}
	}
}

// Subscribe replaces the warehouse set of clientID. An empty set receives
// every broadcast. Unknown ids are ignored.
func (h *Hub) Subscribe(clientID string, warehouseIDs []int64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	c, ok := h.conns[clientID]
	if !ok {
		return
	}
	subs := make(map[int64]struct{}, len(warehouseIDs))
	for _, id := range warehouseIDs {
		subs[id] = struct{}{}
	}
	c.subscriptions = subs
	h.logger.Debug("subscriptions updated", "client_id", clientID, "warehouses", warehouseIDs)
}

// Subscriptions returns the sorted warehouse set of clientID.
func (h *Hub) Subscriptions(clientID string) []int64 {
	h.mu.RLock()
	defer h.mu.RUnlock()
	c, ok := h.conns[clientID]
	if !ok {
		return nil
	}
	ids := make([]int64, 0, len(c.subscriptions))
	for id := range c.subscriptions {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

func (h *Hub) Broadcast(msg domain.SyncMessage, warehouseIDs ...int64) {
	data, err := json.Marshal(msg)
	if err != nil {
		h.logger.Error("marshal broadcast", "type", msg.Type, "err", err)
		return
	}

	h.mu.RLock()
	targets := make([]*Connection, 0, len(h.conns))
	for _, c := range h.conns {
		if c.wants(warehouseIDs) {
			targets = append(targets, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range targets {
		if !c.enqueue(data) {
			h.logger.Warn("broadcast dropped", "client_id", c.ID, "type", msg.Type)
		}
	}
}

func (h *Hub) SendTo(clientID string, msg domain.SyncMessage) {
	h.mu.RLock()
	c, ok := h.conns[clientID]
	h.mu.RUnlock()
	if !ok {
		return
	}
	h.deliver(c, msg)
}

func (h *Hub) deliver(c *Connection, msg domain.SyncMessage) {
	data, err := json.Marshal(msg)
	if err != nil {
		h.logger.Error("marshal message", "type", msg.Type, "err", err)
		return
	}
	if !c.enqueue(data) {
		h.logger.Warn("message dropped", "client_id", c.ID, "type", msg.Type)
	}
}

// Disconnect closes and unregisters clientID. Calling it again is a no-op.
func (h *Hub) Disconnect(clientID string) {
	h.mu.Lock()
	c, ok := h.conns[clientID]
	if ok {
		delete(h.conns, clientID)
	}
	h.mu.Unlock()

	if ok {
		c.close(port.CloseNormal, "disconnected by server")
	}
}

// remove unregisters c only if it is still the registered connection for
// its id, so a replaced session cannot evict its successor.
func (h *Hub) remove(c *Connection, code int, reason string) {
	h.mu.Lock()
	if h.conns[c.ID] == c {
		delete(h.conns, c.ID)
	}
	h.mu.Unlock()
	c.close(code, reason)
}

func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns)
}

var _ port.Broadcaster = (*Hub)(nil)
