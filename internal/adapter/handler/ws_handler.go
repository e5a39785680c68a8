package handler

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/rl1809/inventory-sync/internal/adapter/wsconn"
	"github.com/rl1809/inventory-sync/internal/core/hub"
	"github.com/rl1809/inventory-sync/internal/port"
)

// WSHandler upgrades sync sessions and hands them to the hub. Clients may
// pass ?clientId=<uuid> to keep their identity across reconnects.
type WSHandler struct {
	hub          *hub.Hub
	upgrader     websocket.Upgrader
	writeTimeout time.Duration
	logger       *slog.Logger
}

func NewWSHandler(h *hub.Hub, writeTimeout time.Duration, logger *slog.Logger) *WSHandler {
	return &WSHandler{
		hub: h,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Sessions are not authenticated, so origin is not checked either.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		writeTimeout: writeTimeout,
		logger:       logger,
	}
}

func (h *WSHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "remote", r.RemoteAddr, "err", err)
		return
	}

	transport := wsconn.New(ws, h.writeTimeout)
	conn, err := h.hub.Accept(transport, r.URL.Query().Get("clientId"))
	if err != nil {
		_ = transport.Close(port.CloseGoingAway, err.Error())
		return
	}

	h.hub.Serve(r.Context(), conn)
}
