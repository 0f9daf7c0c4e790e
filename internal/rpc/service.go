package rpc

import (
	"context"

	"google.golang.org/grpc"
)

const serviceName = "bazaar.v1.Marketplace"

// Amounts and asset ids are decimal strings, addresses 0x-hex.

type ListRequest struct {
	Collection string `json:"collection"`
	AssetID    string `json:"asset_id"`
	Price      string `json:"price"`
}

type CancelRequest struct {
	Collection string `json:"collection"`
	AssetID    string `json:"asset_id"`
}

type UpdateListingRequest struct {
	Collection string `json:"collection"`
	AssetID    string `json:"asset_id"`
	NewPrice   string `json:"new_price"`
}

type BuyRequest struct {
	Collection string `json:"collection"`
	AssetID    string `json:"asset_id"`
	Offered    string `json:"offered"`
}

type WithdrawRequest struct{}

type WithdrawResponse struct {
	Amount string `json:"amount"`
}

type GetListingRequest struct {
	Collection string `json:"collection"`
	AssetID    string `json:"asset_id"`
}

type GetListingResponse struct {
	Listed bool   `json:"listed"`
	Price  string `json:"price,omitempty"`
	Seller string `json:"seller,omitempty"`
}

type GetProceedsRequest struct {
	Owner string `json:"owner"`
}

type GetProceedsResponse struct {
	Amount string `json:"amount"`
}

// Empty is the response of operations that return nothing.
type Empty struct{}

// MarketplaceServer is the server API for the bazaar.v1.Marketplace service.
type MarketplaceServer interface {
	List(context.Context, *ListRequest) (*Empty, error)
	Cancel(context.Context, *CancelRequest) (*Empty, error)
	UpdateListing(context.Context, *UpdateListingRequest) (*Empty, error)
	Buy(context.Context, *BuyRequest) (*Empty, error)
	Withdraw(context.Context, *WithdrawRequest) (*WithdrawResponse, error)
	GetListing(context.Context, *GetListingRequest) (*GetListingResponse, error)
	GetProceeds(context.Context, *GetProceedsRequest) (*GetProceedsResponse, error)
}

func fullMethod(name string) string {
	return "/" + serviceName + "/" + name
}

// unary builds the method descriptor for one request/response call.
func unary[Req, Resp any](name string, call func(MarketplaceServer, context.Context, *Req) (*Resp, error)) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(Req)
			if err := dec(in); err != nil {
				return nil, err
			}
			if interceptor == nil {
				return call(srv.(MarketplaceServer), ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod(name)}
			handler := func(ctx context.Context, req any) (any, error) {
				return call(srv.(MarketplaceServer), ctx, req.(*Req))
			}
			return interceptor(ctx, in, info, handler)
		},
	}
}

// ServiceDesc describes bazaar.v1.Marketplace for grpc.Server.RegisterService.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*MarketplaceServer)(nil),
	Methods: []grpc.MethodDesc{
		unary("List", MarketplaceServer.List),
		unary("Cancel", MarketplaceServer.Cancel),
		unary("UpdateListing", MarketplaceServer.UpdateListing),
		unary("Buy", MarketplaceServer.Buy),
		unary("Withdraw", MarketplaceServer.Withdraw),
		unary("GetListing", MarketplaceServer.GetListing),
		unary("GetProceeds", MarketplaceServer.GetProceeds),
	},
	Streams: []grpc.StreamDesc{},
}

// RegisterMarketplaceServer registers srv with s.
func RegisterMarketplaceServer(s grpc.ServiceRegistrar, srv MarketplaceServer) {
	s.RegisterService(&ServiceDesc, srv)
}
