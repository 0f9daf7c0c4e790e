package rpc

import (
	"context"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
)

// Client calls the Marketplace service over a Unix socket on behalf of
// one principal.
type Client struct {
	conn      *grpc.ClientConn
	principal common.Address
}

// Dial connects to the service at socketPath. Calls are made as principal.
func Dial(socketPath string, principal common.Address) (*Client, error) {
	conn, err := grpc.NewClient(
		"unix:"+socketPath,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.CallContentSubtype(codecName)),
	)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", socketPath, err)
	}
	return &Client{conn: conn, principal: principal}, nil
}

// As returns a client sharing the connection that calls as principal.
func (c *Client) As(principal common.Address) *Client {
	return &Client{conn: c.conn, principal: principal}
}

// Close closes the underlying connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

func (c *Client) invoke(ctx context.Context, method string, req, resp any) error {
	ctx = metadata.AppendToOutgoingContext(ctx, PrincipalHeader, c.principal.Hex())
	return c.conn.Invoke(ctx, fullMethod(method), req, resp)
}

func (c *Client) List(ctx context.Context, collection common.Address, assetID, price *uint256.Int) error {
	return c.invoke(ctx, "List", &ListRequest{
		Collection: collection.Hex(),
		AssetID:    assetID.Dec(),
		Price:      price.Dec(),
	}, &Empty{})
}

func (c *Client) Cancel(ctx context.Context, collection common.Address, assetID *uint256.Int) error {
	return c.invoke(ctx, "Cancel", &CancelRequest{
		Collection: collection.Hex(),
		AssetID:    assetID.Dec(),
	}, &Empty{})
}

func (c *Client) UpdateListing(ctx context.Context, collection common.Address, assetID, newPrice *uint256.Int) error {
	return c.invoke(ctx, "UpdateListing", &UpdateListingRequest{
		Collection: collection.Hex(),
		AssetID:    assetID.Dec(),
		NewPrice:   newPrice.Dec(),
	}, &Empty{})
}

func (c *Client) Buy(ctx context.Context, collection common.Address, assetID, offered *uint256.Int) error {
	return c.invoke(ctx, "Buy", &BuyRequest{
		Collection: collection.Hex(),
		AssetID:    assetID.Dec(),
		Offered:    offered.Dec(),
	}, &Empty{})
}

func (c *Client) Withdraw(ctx context.Context) (*uint256.Int, error) {
	var resp WithdrawResponse
	if err := c.invoke(ctx, "Withdraw", &WithdrawRequest{}, &resp); err != nil {
		return nil, err
	}
	return uint256.FromDecimal(resp.Amount)
}

// GetListing returns the listing price and seller, or ok=false when the
// asset is not listed.
func (c *Client) GetListing(ctx context.Context, collection common.Address, assetID *uint256.Int) (price *uint256.Int, seller common.Address, ok bool, err error) {
	var resp GetListingResponse
	err = c.invoke(ctx, "GetListing", &GetListingRequest{
		Collection: collection.Hex(),
		AssetID:    assetID.Dec(),
	}, &resp)
	if err != nil || !resp.Listed {
		return nil, common.Address{}, false, err
	}
	price, err = uint256.FromDecimal(resp.Price)
	if err != nil {
		return nil, common.Address{}, false, err
	}
	return price, common.HexToAddress(resp.Seller), true, nil
}

func (c *Client) GetProceeds(ctx context.Context, owner common.Address) (*uint256.Int, error) {
	var resp GetProceedsResponse
	if err := c.invoke(ctx, "GetProceeds", &GetProceedsRequest{Owner: owner.Hex()}, &resp); err != nil {
		return nil, err
	}
	return uint256.FromDecimal(resp.Amount)
}
