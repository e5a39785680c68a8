package wsconn

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/rl1809/inventory-sync/internal/port"
)

const (
	defaultWriteTimeout = 10 * time.Second
	closeGracePeriod    = time.Second
	maxMessageSize      = 1 << 20
)

// Conn adapts a gorilla websocket connection to port.Transport.
type Conn struct {
	ws           *websocket.Conn
	writeTimeout time.Duration
	closeOnce    sync.Once
}

func New(ws *websocket.Conn, writeTimeout time.Duration) *Conn {
	if writeTimeout <= 0 {
		writeTimeout = defaultWriteTimeout
	}
	ws.SetReadLimit(maxMessageSize)
	return &Conn{ws: ws, writeTimeout: writeTimeout}
}

func (c *Conn) ReadMessage() ([]byte, error) {
	for {
		kind, data, err := c.ws.ReadMessage()
		if err != nil {
			return nil, translate(err)
		}
		if kind == websocket.TextMessage || kind == websocket.BinaryMessage {
			return data, nil
		}
	}
}

func (c *Conn) WriteMessage(data []byte) error {
	if err := c.ws.SetWriteDeadline(time.Now().Add(c.writeTimeout)); err != nil {
		return translate(err)
	}
	return translate(c.ws.WriteMessage(websocket.TextMessage, data))
}

// Close sends a close frame with code and reason, then closes the socket.
func (c *Conn) Close(code int, reason string) error {
	var err error
	c.closeOnce.Do(func() {
		frame := websocket.FormatCloseMessage(code, reason)
		_ = c.ws.WriteControl(websocket.CloseMessage, frame, time.Now().Add(closeGracePeriod))
		err = c.ws.Close()
	})
	return err
}

func translate(err error) error {
	if err == nil {
		return nil
	}
	var closeErr *websocket.CloseError
	if errors.As(err, &closeErr) {
		return &port.CloseError{Code: closeErr.Code, Reason: closeErr.Text}
	}
	return err
}

// Dialer opens client sessions against a sync endpoint, passing the
// client id as the clientId query parameter.
type Dialer struct {
	URL          string
	ClientID     string
	Header       http.Header
	WriteTimeout time.Duration
	Dialer       *websocket.Dialer
}

func (d *Dialer) Dial(ctx context.Context) (port.Transport, error) {
	u, err := url.Parse(d.URL)
	if err != nil {
		return nil, fmt.Errorf("parse url %q: %w", d.URL, err)
	}
	if d.ClientID != "" {
		q := u.Query()
		q.Set("clientId", d.ClientID)
		u.RawQuery = q.Encode()
	}

	dialer := d.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	ws, resp, err := dialer.DialContext(ctx, u.String(), d.Header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial %s: %w (status %d)", u.Redacted(), err, resp.StatusCode)
		}
		return nil, fmt.Errorf("dial %s: %w", u.Redacted(), err)
	}
	return New(ws, d.WriteTimeout), nil
}

var (
	_ port.Transport = (*Conn)(nil)
	_ port.Dialer    = (*Dialer)(nil)
)
