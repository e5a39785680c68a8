package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/rl1809/inventory-sync/internal/adapter/wsconn"
	"github.com/rl1809/inventory-sync/internal/clock"
	"github.com/rl1809/inventory-sync/internal/core/domain"
	"github.com/rl1809/inventory-sync/internal/port"
)

var ErrClosed = errors.New("agent closed")

const (
	defaultHeartbeatInterval = 30 * time.Second
	defaultBaseDelay         = time.Second
	defaultMaxDelay          = 30 * time.Second
	defaultDialTimeout       = 10 * time.Second
)

type Config struct {
	// URL of the sync endpoint, used when Dialer is nil.
	URL    string
	Dialer port.Dialer

	// ClientID is sent on every (re)connect so the server keeps the same
	// identity for this agent. Generated when empty.
	ClientID string

	HeartbeatInterval time.Duration
	BaseDelay         time.Duration
	MaxDelay          time.Duration
	DialTimeout       time.Duration

	Clock  clock.Clock
	Logger *slog.Logger

	// Hooks run in order on a dedicated goroutine. They may call any
	// agent method; the loop queues them without waiting, so a slow hook
	// delays later hooks but never the session.
	OnMessage     func(msg domain.SyncMessage)
	OnStateChange func(from, to State)
	OnConnected   func()
}

type eventKind int

const (
	evConnect eventKind = iota
	evFrame
	evClosed
	evHeartbeat
	evRetry
	evDisconnect
)

type event struct {
	kind    eventKind
	session uint64
	ctx     context.Context
	data    []byte
	err     error
	reply   chan error
}

// Agent keeps one client session to the sync endpoint alive. All state
// transitions happen on a single loop goroutine fed by events from the
// caller, the read goroutine and timers. Sends bypass the loop and are
// serialized by writeMu.
type Agent struct {
	cfg    Config
	dialer port.Dialer
	logger *slog.Logger

	events chan event
	done   chan struct{}

	// hooks queued by the loop for runHooks
	hookMu      sync.Mutex
	hookQueue   []func()
	hooksClosed bool
	hookReady   chan struct{}

	// base is cancelled by Disconnect to abort an in-flight dial.
	base       context.Context
	cancelBase context.CancelFunc

	// loop-owned
	attempt    int
	session    uint64
	retryGen   uint64
	lastSeen   time.Time
	heartbeat  *clock.Timer
	retryTimer *clock.Timer

	// mu guards the snapshot read by senders and State.
	mu         sync.Mutex
	state      State
	transport  port.Transport
	seq        uint64
	warehouses []int64
	closed     bool

	writeMu sync.Mutex
}

func New(cfg Config) *Agent {
	if cfg.ClientID == "" {
		cfg.ClientID = uuid.NewString()
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = defaultHeartbeatInterval
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = defaultBaseDelay
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = defaultMaxDelay
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = defaultDialTimeout
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	dialer := cfg.Dialer
	if dialer == nil {
		dialer = &wsconn.Dialer{URL: cfg.URL, ClientID: cfg.ClientID}
	}

	base, cancel := context.WithCancel(context.Background())
	a := &Agent{
		cfg:        cfg,
		dialer:     dialer,
		logger:     cfg.Logger.With("client_id", cfg.ClientID),
		events:     make(chan event),
		hookReady:  make(chan struct{}, 1),
		done:       make(chan struct{}),
		base:       base,
		cancelBase: cancel,
	}
	go a.loop()
	go a.runHooks()
	return a
}

func (a *Agent) ClientID() string { return a.cfg.ClientID }

func (a *Agent) State() State {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

// Connect opens the session. A failed dial is returned and also leaves the
// agent reconnecting in the background. Connecting an agent that is
// already connected or reconnecting is a no-op.
func (a *Agent) Connect(ctx context.Context) error {
	return a.post(event{kind: evConnect, ctx: ctx})
}

// Disconnect stops the heartbeat and any pending reconnect, then closes
// the session with a normal closure. The agent cannot be reused.
func (a *Agent) Disconnect() error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return nil
	}
	a.closed = true
	a.mu.Unlock()

	a.cancelBase()
	return a.post(event{kind: evDisconnect})
}

func (a *Agent) post(ev event) error {
	ev.reply = make(chan error, 1)
	select {
	case a.events <- ev:
	case <-a.done:
		return ErrClosed
	}
	return <-ev.reply
}

// postAsync is used by timers and the read goroutine, which must not
// outlive the loop.
func (a *Agent) postAsync(ev event) {
	_ = a.post(ev)
}

func (a *Agent) loop() {
	defer close(a.done)
	defer a.closeHooks()

	for ev := range a.events {
		var err error
		switch ev.kind {
		case evConnect:
			err = a.handleConnect(ev.ctx)
		case evFrame:
			a.handleFrame(ev.session, ev.data)
		case evClosed:
			a.handleClosed(ev.session, ev.err)
		case evHeartbeat:
			a.handleHeartbeat(ev.session)
		case evRetry:
			a.handleRetry(ev.session)
		case evDisconnect:
			err = a.handleDisconnect()
			ev.reply <- err
			return
		}
		ev.reply <- err
	}
}

func (a *Agent) runHooks() {
	for range a.hookReady {
		a.hookMu.Lock()
		fns := a.hookQueue
		a.hookQueue = nil
		closed := a.hooksClosed
		a.hookMu.Unlock()

		for _, fn := range fns {
			fn()
		}
		if closed {
			return
		}
	}
}

func (a *Agent) hook(fn func()) {
	a.hookMu.Lock()
	a.hookQueue = append(a.hookQueue, fn)
	a.hookMu.Unlock()
	a.wakeHooks()
}

func (a *Agent) closeHooks() {
	a.hookMu.Lock()
	a.hooksClosed = true
	a.hookMu.Unlock()
	a.wakeHooks()
}

func (a *Agent) wakeHooks() {
	select {
	case a.hookReady <- struct{}{}:
	default:
	}
}

func (a *Agent) setState(to State) {
	a.mu.Lock()
	from := a.state
	a.state = to
	a.mu.Unlock()

	if from == to {
		return
	}
	a.logger.Debug("state changed", "from", from, "to", to)
	if cb := a.cfg.OnStateChange; cb != nil {
		a.hook(func() { cb(from, to) })
	}
}

func (a *Agent) handleConnect(ctx context.Context) error {
	a.mu.Lock()
	closed := a.closed
	a.mu.Unlock()
	if closed {
		return ErrClosed
	}

	switch a.State() {
	case StateConnected, StateReconnecting, StateConnecting:
		return nil
	}
	if ctx == nil {
		ctx = context.Background()
	}

	a.setState(StateConnecting)
	if err := a.dial(ctx); err != nil {
		a.scheduleReconnect()
		return fmt.Errorf("connect: %w", err)
	}
	return nil
}

func (a *Agent) dial(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, a.cfg.DialTimeout)
	defer cancel()
	stop := context.AfterFunc(a.base, cancel)
	defer stop()

	transport, err := a.dialer.Dial(ctx)
	if err != nil {
		a.logger.Warn("dial failed", "attempt", a.attempt, "err", err)
		return err
	}
	a.open(transport)
	return nil
}

func (a *Agent) open(transport port.Transport) {
	a.session++
	a.attempt = 0
	a.lastSeen = a.cfg.Clock.Now()

	a.mu.Lock()
	a.transport = transport
	warehouses := a.warehouses
	a.mu.Unlock()
	a.setState(StateConnected)
	a.logger.Info("connected", "session", a.session)

	go a.readLoop(a.session, transport)
	a.armHeartbeat()

	if warehouses != nil {
		a.send(domain.MustMessage(domain.MessageWarehouseSubscribe, domain.WarehouseSubscribePayload{Warehouses: warehouses}))
	}
	if cb := a.cfg.OnConnected; cb != nil {
		a.hook(cb)
	}
}

func (a *Agent) readLoop(session uint64, transport port.Transport) {
	for {
		data, err := transport.ReadMessage()
		if err != nil {
			a.postAsync(event{kind: evClosed, session: session, err: err})
			return
		}
		a.postAsync(event{kind: evFrame, session: session, data: data})
	}
}

func (a *Agent) handleFrame(session uint64, data []byte) {
	if session != a.session {
		return
	}
	a.lastSeen = a.cfg.Clock.Now()

	msg, err := domain.DecodeMessage(data)
	if err != nil {
		a.logger.Warn("malformed message from server", "err", err)
		return
	}
	if cb := a.cfg.OnMessage; cb != nil {
		a.hook(func() { cb(msg) })
	}
}

// handleClosed reacts to the read side failing. A normal closure from the
// server ends the session without reconnecting.
func (a *Agent) handleClosed(session uint64, err error) {
	if session != a.session || a.State() != StateConnected {
		return
	}
	a.dropSession(port.CloseNormal, "")

	var closeErr *port.CloseError
	if errors.As(err, &closeErr) && closeErr.Code == port.CloseNormal {
		a.logger.Info("server closed session")
		a.setState(StateDisconnected)
		return
	}
	a.logger.Warn("connection lost", "err", err)
	a.scheduleReconnect()
}

func (a *Agent) armHeartbeat() {
	session := a.session
	a.heartbeat = a.cfg.Clock.AfterFunc(a.cfg.HeartbeatInterval, func() {
		a.postAsync(event{kind: evHeartbeat, session: session})
	})
}

// handleHeartbeat pings the server, or treats the session as dead when
// nothing has arrived for two intervals.
func (a *Agent) handleHeartbeat(session uint64) {
	if session != a.session || a.State() != StateConnected {
		return
	}

	silence := a.cfg.Clock.Now().Sub(a.lastSeen)
	if silence >= 2*a.cfg.HeartbeatInterval {
		a.logger.Warn("heartbeat timeout", "silence", silence)
		a.dropSession(port.CloseGoingAway, "heartbeat timeout")
		a.scheduleReconnect()
		return
	}

	a.send(domain.MustMessage(domain.MessageHeartbeatPing, nil))
	a.armHeartbeat()
}

func (a *Agent) dropSession(code int, reason string) {
	a.heartbeat.Stop()
	a.heartbeat = nil
	a.session++

	a.mu.Lock()
	transport := a.transport
	a.transport = nil
	a.mu.Unlock()

	if transport != nil {
		_ = transport.Close(code, reason)
	}
}

func (a *Agent) scheduleReconnect() {
	delay := Backoff(a.attempt, a.cfg.BaseDelay, a.cfg.MaxDelay)
	a.attempt++
	a.retryGen++
	gen := a.retryGen

	a.retryTimer = a.cfg.Clock.AfterFunc(delay, func() {
		a.postAsync(event{kind: evRetry, session: gen})
	})
	a.logger.Info("reconnect scheduled", "attempt", a.attempt, "delay", delay)
	a.setState(StateReconnecting)
}

func (a *Agent) handleRetry(gen uint64) {
	if gen != a.retryGen || a.State() != StateReconnecting {
		return
	}
	a.retryTimer = nil
	a.setState(StateConnecting)
	if err := a.dial(a.base); err != nil {
		a.scheduleReconnect()
	}
}

func (a *Agent) handleDisconnect() error {
	a.retryTimer.Stop()
	a.retryTimer = nil
	a.retryGen++
	a.heartbeat.Stop()
	a.heartbeat = nil
	a.session++

	a.mu.Lock()
	transport := a.transport
	a.transport = nil
	a.mu.Unlock()
	a.setState(StateDisconnected)

	if transport == nil {
		return nil
	}
	a.writeMu.Lock()
	defer a.writeMu.Unlock()
	if err := transport.Close(port.CloseNormal, "client disconnect"); err != nil {
		return fmt.Errorf("close transport: %w", err)
	}
	a.logger.Info("disconnected")
	return nil
}

// Stamp assigns the agent's client id and the next sequence number.
// Stamped messages keep their number when resent, which lets the server
// drop duplicates.
func (a *Agent) Stamp(msg domain.SyncMessage) domain.SyncMessage {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.seq++
	seq := a.seq
	msg.ClientID = a.cfg.ClientID
	msg.SequenceNumber = &seq
	return msg
}

// SendMessage stamps and sends msg. It fails fast when not connected.
func (a *Agent) SendMessage(msg domain.SyncMessage) bool {
	if a.State() != StateConnected {
		return false
	}
	return a.Resend(a.Stamp(msg))
}

// Resend sends an already stamped message as is.
func (a *Agent) Resend(msg domain.SyncMessage) bool {
	return a.send(msg)
}

func (a *Agent) send(msg domain.SyncMessage) bool {
	if msg.ClientID == "" {
		msg.ClientID = a.cfg.ClientID
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = a.cfg.Clock.Now().UTC()
	}
	data, err := json.Marshal(msg)
	if err != nil {
		a.logger.Error("marshal message", "type", msg.Type, "err", err)
		return false
	}

	a.mu.Lock()
	transport := a.transport
	connected := a.state == StateConnected
	a.mu.Unlock()
	if !connected || transport == nil {
		return false
	}

	a.writeMu.Lock()
	defer a.writeMu.Unlock()
	if err := transport.WriteMessage(data); err != nil {
		a.logger.Warn("send failed", "type", msg.Type, "err", err)
		return false
	}
	return true
}

// SendDataChange relays a generic entity change to other clients. data
// is marshalled to JSON.
func (a *Agent) SendDataChange(entity, action string, data any) bool {
	payload := domain.DataChangePayload{Entity: entity, Action: action}
	if data != nil {
		raw, err := json.Marshal(data)
		if err != nil {
			a.logger.Error("marshal data change", "entity", entity, "err", err)
			return false
		}
		payload.Data = raw
	}
	return a.SendMessage(domain.MustMessage(domain.MessageDataChange, payload))
}

// SetWarehouses subscribes the session to warehouseIDs. The set is kept
// and re-sent after every reconnect; empty means every warehouse.
func (a *Agent) SetWarehouses(warehouseIDs []int64) bool {
	ids := append(make([]int64, 0, len(warehouseIDs)), warehouseIDs...)
	a.mu.Lock()
	a.warehouses = ids
	a.mu.Unlock()

	return a.SendMessage(domain.MustMessage(domain.MessageWarehouseSubscribe, domain.WarehouseSubscribePayload{Warehouses: ids}))
}
