package handler

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/rl1809/inventory-sync/internal/core/domain"
	"github.com/rl1809/inventory-sync/internal/core/service"
)

// ConnectionCounter reports live sync sessions for the health endpoint.
type ConnectionCounter interface {
	Count() int
}

type HTTPHandler struct {
	sync   *service.SyncService
	hub    ConnectionCounter
	logger *slog.Logger
}

type AdjustmentHTTPRequest struct {
	ItemID      int64  `json:"itemId"`
	WarehouseID int64  `json:"warehouseId"`
	Quantity    *int   `json:"quantity"`
	UserID      *int64 `json:"userId,omitempty"`
	Reason      string `json:"reason,omitempty"`
}

type TransferHTTPRequest struct {
	ItemID                 int64  `json:"itemId"`
	Quantity               int    `json:"quantity"`
	SourceWarehouseID      int64  `json:"sourceWarehouseId"`
	DestinationWarehouseID int64  `json:"destinationWarehouseId"`
	UserID                 *int64 `json:"userId,omitempty"`
	Note                   string `json:"note,omitempty"`
}

type HTTPResponse struct {
	Success bool             `json:"success"`
	Code    domain.ErrorCode `json:"code,omitempty"`
	Message string           `json:"message,omitempty"`
	Data    any              `json:"data,omitempty"`
}

type StockView struct {
	ItemID      int64 `json:"itemId"`
	WarehouseID int64 `json:"warehouseId"`
	Quantity    int   `json:"quantity"`
}

func NewHTTPHandler(sync *service.SyncService, hub ConnectionCounter, logger *slog.Logger) *HTTPHandler {
	return &HTTPHandler{sync: sync, hub: hub, logger: logger}
}

// Register mounts the REST endpoints on mux.
func (h *HTTPHandler) Register(mux *http.ServeMux) {
	mux.HandleFunc("/health", h.HealthCheck)
	mux.HandleFunc("/api/stock", h.Stock)
	mux.HandleFunc("/api/movements", h.Movements)
	mux.HandleFunc("/api/adjustments", h.Adjust)
	mux.HandleFunc("/api/transfers", h.Transfer)
}

func (h *HTTPHandler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "connections": h.hub.Count()})
}

func (h *HTTPHandler) Stock(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	itemID, warehouseID, ok := stockKeyParams(w, r)
	if !ok {
		return
	}

	quantity, err := h.sync.Quantity(r.Context(), itemID, warehouseID)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, HTTPResponse{
		Success: true,
		Data:    StockView{ItemID: itemID, WarehouseID: warehouseID, Quantity: quantity},
	})
}

func (h *HTTPHandler) Movements(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	itemID, warehouseID, ok := stockKeyParams(w, r)
	if !ok {
		return
	}

	movements, err := h.sync.Movements(r.Context(), itemID, warehouseID)
	if err != nil {
		h.writeError(w, err)
		return
	}
	if movements == nil {
		movements = []domain.StockMovement{}
	}
	writeJSON(w, http.StatusOK, HTTPResponse{Success: true, Data: movements})
}

func (h *HTTPHandler) Adjust(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req AdjustmentHTTPRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, HTTPResponse{
			Code:    domain.CodeValidation,
			Message: "invalid request body",
		})
		return
	}
	if req.Quantity == nil {
		writeJSON(w, http.StatusBadRequest, HTTPResponse{
			Code:    domain.CodeValidation,
			Message: "quantity is required",
		})
		return
	}

	movement, err := h.sync.Adjust(r.Context(), service.AdjustmentRequest{
		ItemID:      req.ItemID,
		WarehouseID: req.WarehouseID,
		NewQuantity: *req.Quantity,
		ActorID:     req.UserID,
		Note:        req.Reason,
	})
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, HTTPResponse{Success: true, Data: movement})
}

func (h *HTTPHandler) Transfer(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req TransferHTTPRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, HTTPResponse{
			Code:    domain.CodeValidation,
			Message: "invalid request body",
		})
		return
	}

	result, err := h.sync.Transfer(r.Context(), service.TransferRequest{
		ItemID:                 req.ItemID,
		Quantity:               req.Quantity,
		SourceWarehouseID:      req.SourceWarehouseID,
		DestinationWarehouseID: req.DestinationWarehouseID,
		ActorID:                req.UserID,
		Note:                   req.Note,
	})
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, HTTPResponse{Success: true, Data: result})
}

func (h *HTTPHandler) writeError(w http.ResponseWriter, err error) {
	code := domain.CodeOf(err)
	status := http.StatusInternalServerError
	message := "internal error"

	switch code {
	case domain.CodeValidation, domain.CodeTransport:
		status = http.StatusBadRequest
		message = err.Error()
	case domain.CodeInsufficientStock:
		status = http.StatusConflict
		message = err.Error()
	default:
		h.logger.Error("request failed", "err", err)
	}

	writeJSON(w, status, HTTPResponse{Code: code, Message: message})
}

func stockKeyParams(w http.ResponseWriter, r *http.Request) (itemID, warehouseID int64, ok bool) {
	q := r.URL.Query()
	itemID, errItem := strconv.ParseInt(q.Get("itemId"), 10, 64)
	warehouseID, errWarehouse := strconv.ParseInt(q.Get("warehouseId"), 10, 64)
	if err := errors.Join(errItem, errWarehouse); err != nil {
		writeJSON(w, http.StatusBadRequest, HTTPResponse{
			Code:    domain.CodeValidation,
			Message: "itemId and warehouseId must be integers",
		})
		return 0, 0, false
	}
	return itemID, warehouseID, true
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}
