package rpc

import (
	"context"
	"errors"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/caesar-terminal/bazaar/internal/chain"
	"github.com/caesar-terminal/bazaar/internal/market"
)

// PrincipalHeader carries the caller identity. The socket is only
// reachable by the trusted gateway that authenticated the caller.
const PrincipalHeader = "x-principal"

// Handler implements MarketplaceServer over a market.Marketplace.
type Handler struct {
	market *market.Marketplace
}

// NewHandler creates a Handler wired to m.
func NewHandler(m *market.Marketplace) *Handler {
	return &Handler{market: m}
}

var _ MarketplaceServer = (*Handler)(nil)

func (h *Handler) List(ctx context.Context, req *ListRequest) (*Empty, error) {
	caller, err := principal(ctx)
	if err != nil {
		return nil, err
	}
	collection, id, err := parseAsset(req.Collection, req.AssetID)
	if err != nil {
		return nil, err
	}
	price, err := parseAmount("price", req.Price)
	if err != nil {
		return nil, err
	}
	if err := h.market.List(ctx, collection, id, price, caller); err != nil {
		return nil, toStatus(err)
	}
	return &Empty{}, nil
}

func (h *Handler) Cancel(ctx context.Context, req *CancelRequest) (*Empty, error) {
	caller, err := principal(ctx)
	if err != nil {
		return nil, err
	}
	collection, id, err := parseAsset(req.Collection, req.AssetID)
	if err != nil {
		return nil, err
	}
	if err := h.market.Cancel(ctx, collection, id, caller); err != nil {
		return nil, toStatus(err)
	}
	return &Empty{}, nil
}

func (h *Handler) UpdateListing(ctx context.Context, req *UpdateListingRequest) (*Empty, error) {
	caller, err := principal(ctx)
	if err != nil {
		return nil, err
	}
	collection, id, err := parseAsset(req.Collection, req.AssetID)
	if err != nil {
		return nil, err
	}
	price, err := parseAmount("new_price", req.NewPrice)
	if err != nil {
		return nil, err
	}
	if err := h.market.UpdateListing(ctx, collection, id, price, caller); err != nil {
		return nil, toStatus(err)
	}
	return &Empty{}, nil
}

// Buy settles a purchase. Offered is the value the gateway received with
// the request and holds in escrow; it is credited to the seller in full.
// The gateway must not forward an offer it has not collected.
func (h *Handler) Buy(ctx context.Context, req *BuyRequest) (*Empty, error) {
	caller, err := principal(ctx)
	if err != nil {
		return nil, err
	}
	collection, id, err := parseAsset(req.Collection, req.AssetID)
	if err != nil {
		return nil, err
	}
	offered, err := parseAmount("offered", req.Offered)
	if err != nil {
		return nil, err
	}
	if err := h.market.Buy(ctx, collection, id, offered, caller); err != nil {
		return nil, toStatus(err)
	}
	return &Empty{}, nil
}

func (h *Handler) Withdraw(ctx context.Context, _ *WithdrawRequest) (*WithdrawResponse, error) {
	caller, err := principal(ctx)
	if err != nil {
		return nil, err
	}
	amount, err := h.market.Withdraw(ctx, caller)
	if err != nil {
		return nil, toStatus(err)
	}
	return &WithdrawResponse{Amount: amount.Dec()}, nil
}

func (h *Handler) GetListing(ctx context.Context, req *GetListingRequest) (*GetListingResponse, error) {
	collection, id, err := parseAsset(req.Collection, req.AssetID)
	if err != nil {
		return nil, err
	}
	l, ok := h.market.GetListing(ctx, collection, id)
	if !ok {
		return &GetListingResponse{}, nil
	}
	return &GetListingResponse{
		Listed: true,
		Price:  l.Price.Dec(),
		Seller: l.Seller.Hex(),
	}, nil
}

func (h *Handler) GetProceeds(ctx context.Context, req *GetProceedsRequest) (*GetProceedsResponse, error) {
	owner, err := parseAddress("owner", req.Owner)
	if err != nil {
		return nil, err
	}
	return &GetProceedsResponse{Amount: h.market.GetProceeds(ctx, owner).Dec()}, nil
}

func principal(ctx context.Context) (common.Address, error) {
	md, _ := metadata.FromIncomingContext(ctx)
	vals := md.Get(PrincipalHeader)
	if len(vals) != 1 || !common.IsHexAddress(vals[0]) {
		return common.Address{}, status.Errorf(codes.Unauthenticated, "missing or invalid %s", PrincipalHeader)
	}
	return common.HexToAddress(vals[0]), nil
}

func parseAddress(field, s string) (common.Address, error) {
	if !common.IsHexAddress(s) {
		return common.Address{}, status.Errorf(codes.InvalidArgument, "invalid %s: %q", field, s)
	}
	return common.HexToAddress(s), nil
}

func parseAmount(field, s string) (*uint256.Int, error) {
	v, err := uint256.FromDecimal(s)
	if err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "invalid %s: %q", field, s)
	}
	return v, nil
}

func parseAsset(collection, assetID string) (common.Address, *uint256.Int, error) {
	c, err := parseAddress("collection", collection)
	if err != nil {
		return common.Address{}, nil, err
	}
	id, err := parseAmount("asset_id", assetID)
	if err != nil {
		return common.Address{}, nil, err
	}
	return c, id, nil
}

// toStatus maps ledger errors onto gRPC codes. PriceNotMet carries the
// required and offered amounts as a structpb detail.
func toStatus(err error) error {
	var pnm *market.PriceNotMetError
	if errors.As(err, &pnm) {
		st := status.New(codes.FailedPrecondition, err.Error())
		detail, derr := structpb.NewStruct(map[string]any{
			"reason":   market.Kind(err),
			"required": pnm.Required.Dec(),
			"offered":  pnm.Offered.Dec(),
		})
		if derr == nil {
			if withDetail, werr := st.WithDetails(detail); werr == nil {
				st = withDetail
			}
		}
		return st.Err()
	}

	var code codes.Code
	switch {
	case errors.Is(err, market.ErrTransferUnconfirmed):
		// committed; the transfer may still land
		code = codes.Unknown
	case errors.Is(err, market.ErrInvalidPrice):
		code = codes.InvalidArgument
	case errors.Is(err, market.ErrNotAssetOwner),
		errors.Is(err, market.ErrNotOwner),
		errors.Is(err, market.ErrNotAuthorized):
		code = codes.PermissionDenied
	case errors.Is(err, market.ErrAlreadyListed):
		code = codes.AlreadyExists
	case errors.Is(err, market.ErrNotListed):
		code = codes.NotFound
	case errors.Is(err, market.ErrNoProceeds):
		code = codes.FailedPrecondition
	case errors.Is(err, market.ErrReentrancyBlocked):
		code = codes.Aborted
	case errors.Is(err, market.ErrProceedsOverflow):
		code = codes.OutOfRange
	case errors.Is(err, chain.ErrBreakerOpen),
		errors.Is(err, context.DeadlineExceeded):
		code = codes.Unavailable
	case errors.Is(err, context.Canceled):
		code = codes.Canceled
	default:
		// ErrTransferFailed, ErrAssetTransfer and registry lookups
		code = codes.Internal
	}
	return status.Error(code, err.Error())
}

// PriceNotMet extracts the required and offered amounts from a status
// returned for an underpaid Buy.
func PriceNotMet(err error) (required, offered *uint256.Int, ok bool) {
	st, isStatus := status.FromError(err)
	if !isStatus || st.Code() != codes.FailedPrecondition {
		return nil, nil, false
	}
	for _, d := range st.Details() {
		s, isStruct := d.(*structpb.Struct)
		if !isStruct {
			continue
		}
		f := s.GetFields()
		if f["reason"].GetStringValue() != "price_not_met" {
			continue
		}
		req, err1 := uint256.FromDecimal(f["required"].GetStringValue())
		off, err2 := uint256.FromDecimal(f["offered"].GetStringValue())
		if err1 != nil || err2 != nil {
			return nil, nil, false
		}
		return req, off, true
	}
	return nil, nil, false
}
