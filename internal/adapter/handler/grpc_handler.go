package handler

import (
	"context"
	"log/slog"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/rl1809/inventory-sync/internal/core/domain"
	"github.com/rl1809/inventory-sync/internal/core/service"
)

type GRPCHandler struct {
	sync   *service.SyncService
	logger *slog.Logger
}

func NewGRPCHandler(sync *service.SyncService, logger *slog.Logger) *GRPCHandler {
	return &GRPCHandler{sync: sync, logger: logger}
}

func (h *GRPCHandler) AdjustStock(ctx context.Context, req *AdjustStockRequest) (*StockResponse, error) {
	resp := &StockResponse{ItemID: req.ItemID, WarehouseID: req.WarehouseID}
	if req.Quantity == nil {
		resp.Code = domain.CodeValidation
		resp.Message = "quantity is required"
		return resp, nil
	}

	movement, err := h.sync.Adjust(ctx, service.AdjustmentRequest{
		ItemID:      req.ItemID,
		WarehouseID: req.WarehouseID,
		NewQuantity: *req.Quantity,
		ActorID:     req.UserID,
		Note:        req.Reason,
	})
	if err != nil {
		return h.failStock(resp, err)
	}

	resp.Success = true
	resp.Quantity = *req.Quantity
	resp.Movement = &movement
	return resp, nil
}

func (h *GRPCHandler) TransferStock(ctx context.Context, req *TransferStockRequest) (*TransferResponse, error) {
	resp := &TransferResponse{}
	result, err := h.sync.Transfer(ctx, service.TransferRequest{
		ItemID:                 req.ItemID,
		Quantity:               req.Quantity,
		SourceWarehouseID:      req.SourceWarehouseID,
		DestinationWarehouseID: req.DestinationWarehouseID,
		ActorID:                req.UserID,
		Note:                   req.Note,
	})
	if err != nil {
		return h.failTransfer(resp, err)
	}

	resp.Success = true
	resp.Result = &result
	return resp, nil
}

func (h *GRPCHandler) GetStock(ctx context.Context, req *GetStockRequest) (*StockResponse, error) {
	resp := &StockResponse{ItemID: req.ItemID, WarehouseID: req.WarehouseID}
	quantity, err := h.sync.Quantity(ctx, req.ItemID, req.WarehouseID)
	if err != nil {
		return h.failStock(resp, err)
	}

	resp.Success = true
	resp.Quantity = quantity
	return resp, nil
}

// Business failures are reported in the response body, storage failures
// as an Unavailable status.
func (h *GRPCHandler) failStock(resp *StockResponse, err error) (*StockResponse, error) {
	code, serr := h.classify(err)
	if serr != nil {
		return nil, serr
	}
	resp.Code = code
	resp.Message = err.Error()
	return resp, nil
}

func (h *GRPCHandler) failTransfer(resp *TransferResponse, err error) (*TransferResponse, error) {
	code, serr := h.classify(err)
	if serr != nil {
		return nil, serr
	}
	resp.Code = code
	resp.Message = err.Error()
	return resp, nil
}

func (h *GRPCHandler) classify(err error) (domain.ErrorCode, error) {
	code := domain.CodeOf(err)
	if !code.ClientVisible() {
		h.logger.Error("grpc request failed", "err", err)
		return code, status.Error(codes.Unavailable, "storage unavailable")
	}
	return code, nil
}

var _ InventoryServiceServer = (*GRPCHandler)(nil)
