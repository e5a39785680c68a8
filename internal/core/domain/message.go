package domain

import (
	"encoding/json"
	"fmt"
	"time"
)

type MessageType string

const (
	MessageConnection         MessageType = "connection"
	MessageWarehouseSubscribe MessageType = "warehouse_update"
	MessageInventoryUpdate    MessageType = "inventory_update"
	MessageStockTransfer      MessageType = "stock_transfer"
	MessageStockAlert         MessageType = "stock_alert"
	MessageHeartbeatPing      MessageType = "heartbeat_ping"
	MessageHeartbeatPong      MessageType = "heartbeat_pong"
	MessageError              MessageType = "error"
	MessageDataChange         MessageType = "data_change"
)

// SyncMessage is the envelope of every frame exchanged on the sync socket.
// Messages are notifications: nothing correlates a reply to a request.
type SyncMessage struct {
	Type           MessageType     `json:"type"`
	Payload        json.RawMessage `json:"payload,omitempty"`
	Timestamp      time.Time       `json:"timestamp"`
	ClientID       string          `json:"clientId,omitempty"`
	SequenceNumber *uint64         `json:"sequenceNumber,omitempty"`
}

func NewMessage(t MessageType, payload any) (SyncMessage, error) {
	msg := SyncMessage{Type: t, Timestamp: time.Now().UTC()}
	if payload == nil {
		return msg, nil
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return SyncMessage{}, fmt.Errorf("marshal %s payload: %w", t, err)
	}
	msg.Payload = raw
	return msg, nil
}

// MustMessage is NewMessage for payload types that always marshal.
func MustMessage(t MessageType, payload any) SyncMessage {
	msg, err := NewMessage(t, payload)
	if err != nil {
		panic(err)
	}
	return msg
}

func ErrorMessage(code ErrorCode, message string) SyncMessage {
	return MustMessage(MessageError, ErrorPayload{Code: code, Message: message})
}

// DecodeMessage parses a raw frame. Failures wrap ErrMalformedMessage.
func DecodeMessage(data []byte) (SyncMessage, error) {
	var msg SyncMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return SyncMessage{}, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	if msg.Type == "" {
		return SyncMessage{}, fmt.Errorf("%w: missing type", ErrMalformedMessage)
	}
	return msg, nil
}

func (m SyncMessage) Decode(v any) error {
	if len(m.Payload) == 0 {
		return fmt.Errorf("%w: %s message has no payload", ErrMalformedMessage, m.Type)
	}
	if err := json.Unmarshal(m.Payload, v); err != nil {
		return fmt.Errorf("%w: %s payload: %v", ErrMalformedMessage, m.Type, err)
	}
	return nil
}

type ConnectionPayload struct {
	ID string `json:"id"`
}

type WarehouseSubscribePayload struct {
	Warehouses []int64 `json:"warehouses"`
}

// InventoryUpdatePayload is sent by clients to set a quantity and broadcast
// by the server once the adjustment is applied (with Delta and MovementID).
type InventoryUpdatePayload struct {
	ItemID      int64  `json:"itemId"`
	Quantity    *int   `json:"quantity"`
	WarehouseID int64  `json:"warehouseId"`
	UserID      *int64 `json:"userId,omitempty"`
	Reason      string `json:"reason,omitempty"`
	Delta       *int   `json:"delta,omitempty"`
	MovementID  string `json:"movementId,omitempty"`
}

type StockTransferPayload struct {
	ItemID                 int64  `json:"itemId"`
	Quantity               *int   `json:"quantity"`
	SourceWarehouseID      int64  `json:"sourceWarehouseId"`
	DestinationWarehouseID int64  `json:"destinationWarehouseId"`
	UserID                 *int64 `json:"userId,omitempty"`
	Note                   string `json:"note,omitempty"`

	SourceQuantity      *int            `json:"sourceQuantity,omitempty"`
	DestinationQuantity *int            `json:"destinationQuantity,omitempty"`
	Movements           *TransferResult `json:"movements,omitempty"`
}

type ErrorPayload struct {
	Code    ErrorCode `json:"code,omitempty"`
	Message string    `json:"message"`
}

// DataChangePayload carries generic entity changes relayed between
// clients. WarehouseID scopes the relay when present.
type DataChangePayload struct {
	Entity      string          `json:"entity"`
	Action      string          `json:"action"`
	Data        json.RawMessage `json:"data,omitempty"`
	WarehouseID *int64          `json:"warehouseId,omitempty"`
}
