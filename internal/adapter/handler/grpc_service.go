package handler

import (
	"context"

	"google.golang.org/grpc"

	"github.com/rl1809/inventory-sync/internal/core/domain"
)

const inventoryServiceName = "inventorysync.InventoryService"

type AdjustStockRequest struct {
	ItemID      int64  `json:"itemId"`
	WarehouseID int64  `json:"warehouseId"`
	Quantity    *int   `json:"quantity"`
	UserID      *int64 `json:"userId,omitempty"`
	Reason      string `json:"reason,omitempty"`
}

type TransferStockRequest struct {
	ItemID                 int64  `json:"itemId"`
	Quantity               int    `json:"quantity"`
	SourceWarehouseID      int64  `json:"sourceWarehouseId"`
	DestinationWarehouseID int64  `json:"destinationWarehouseId"`
	UserID                 *int64 `json:"userId,omitempty"`
	Note                   string `json:"note,omitempty"`
}

type GetStockRequest struct {
	ItemID      int64 `json:"itemId"`
	WarehouseID int64 `json:"warehouseId"`
}

type StockResponse struct {
	Success     bool                  `json:"success"`
	Code        domain.ErrorCode      `json:"code,omitempty"`
	Message     string                `json:"message,omitempty"`
	ItemID      int64                 `json:"itemId"`
	WarehouseID int64                 `json:"warehouseId"`
	Quantity    int                   `json:"quantity"`
	Movement    *domain.StockMovement `json:"movement,omitempty"`
}

type TransferResponse struct {
	Success bool                   `json:"success"`
	Code    domain.ErrorCode       `json:"code,omitempty"`
	Message string                 `json:"message,omitempty"`
	Result  *domain.TransferResult `json:"result,omitempty"`
}

type InventoryServiceServer interface {
	AdjustStock(context.Context, *AdjustStockRequest) (*StockResponse, error)
	TransferStock(context.Context, *TransferStockRequest) (*TransferResponse, error)
	GetStock(context.Context, *GetStockRequest) (*StockResponse, error)
}

func RegisterInventoryServiceServer(s grpc.ServiceRegistrar, srv InventoryServiceServer) {
	s.RegisterService(&inventoryServiceDesc, srv)
}

var inventoryServiceDesc = grpc.ServiceDesc{
	ServiceName: inventoryServiceName,
	HandlerType: (*InventoryServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "AdjustStock", Handler: adjustStockHandler},
		{MethodName: "TransferStock", Handler: transferStockHandler},
		{MethodName: "GetStock", Handler: getStockHandler},
	},
	Streams: []grpc.StreamDesc{},
}

func adjustStockHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(AdjustStockRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(InventoryServiceServer).AdjustStock(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + inventoryServiceName + "/AdjustStock"}
	return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
		return srv.(InventoryServiceServer).AdjustStock(ctx, req.(*AdjustStockRequest))
	})
}

func transferStockHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(TransferStockRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(InventoryServiceServer).TransferStock(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + inventoryServiceName + "/TransferStock"}
	return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
		return srv.(InventoryServiceServer).TransferStock(ctx, req.(*TransferStockRequest))
	})
}

func getStockHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(GetStockRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(InventoryServiceServer).GetStock(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + inventoryServiceName + "/GetStock"}
	return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
		return srv.(InventoryServiceServer).GetStock(ctx, req.(*GetStockRequest))
	})
}

// InventoryServiceClient calls InventoryService over the JSON codec.
type InventoryServiceClient struct {
	cc grpc.ClientConnInterface
}

func NewInventoryServiceClient(cc grpc.ClientConnInterface) *InventoryServiceClient {
	return &InventoryServiceClient{cc: cc}
}

func (c *InventoryServiceClient) AdjustStock(ctx context.Context, in *AdjustStockRequest, opts ...grpc.CallOption) (*StockResponse, error) {
	out := new(StockResponse)
	if err := c.invoke(ctx, "AdjustStock", in, out, opts); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *InventoryServiceClient) TransferStock(ctx context.Context, in *TransferStockRequest, opts ...grpc.CallOption) (*TransferResponse, error) {
	out := new(TransferResponse)
	if err := c.invoke(ctx, "TransferStock", in, out, opts); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *InventoryServiceClient) GetStock(ctx context.Context, in *GetStockRequest, opts ...grpc.CallOption) (*StockResponse, error) {
	out := new(StockResponse)
	if err := c.invoke(ctx, "GetStock", in, out, opts); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *InventoryServiceClient) invoke(ctx context.Context, method string, in, out any, opts []grpc.CallOption) error {
	opts = append([]grpc.CallOption{grpc.CallContentSubtype(jsonCodec{}.Name())}, opts...)
	return c.cc.Invoke(ctx, "/"+inventoryServiceName+"/"+method, in, out, opts...)
}
