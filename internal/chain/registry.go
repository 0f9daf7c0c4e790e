package chain

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"github.com/caesar-terminal/bazaar/internal/market"
)

// erc721ABI is the slice of IERC721 the marketplace needs.
const erc721ABI = `[
  {"type":"function","name":"ownerOf","stateMutability":"view",
   "inputs":[{"name":"tokenId","type":"uint256"}],
   "outputs":[{"name":"","type":"address"}]},
  {"type":"function","name":"getApproved","stateMutability":"view",
   "inputs":[{"name":"tokenId","type":"uint256"}],
   "outputs":[{"name":"","type":"address"}]},
  {"type":"function","name":"isApprovedForAll","stateMutability":"view",
   "inputs":[{"name":"owner","type":"address"},{"name":"operator","type":"address"}],
   "outputs":[{"name":"","type":"bool"}]},
  {"type":"function","name":"safeTransferFrom","stateMutability":"nonpayable",
   "inputs":[{"name":"from","type":"address"},{"name":"to","type":"address"},{"name":"tokenId","type":"uint256"}],
   "outputs":[]}
]`

var erc721 = mustParseABI(erc721ABI)

func mustParseABI(def string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(def))
	if err != nil {
		panic(fmt.Sprintf("chain: parse abi: %v", err))
	}
	return parsed
}

// Registry is a market.AssetRegistry over ERC-721 contracts. Collections
// are contract addresses; transfers are sent by the operator.
type Registry struct {
	sender *Sender
}

// NewRegistry creates a Registry that reads and transacts through sender.
func NewRegistry(sender *Sender) *Registry {
	return &Registry{sender: sender}
}

// OwnerOf returns the current holder of assetID.
func (r *Registry) OwnerOf(ctx context.Context, collection common.Address, assetID *uint256.Int) (common.Address, error) {
	return r.callAddress(ctx, collection, "ownerOf", assetID.ToBig())
}

// IsTransferApproved reports whether operator may move assetID, either by
// per-token approval or as an operator for the owner's whole collection.
func (r *Registry) IsTransferApproved(ctx context.Context, collection common.Address, assetID *uint256.Int, operator common.Address) (bool, error) {
	approved, err := r.callAddress(ctx, collection, "getApproved", assetID.ToBig())
	if err != nil {
		return false, err
	}
	if approved == operator {
		return true, nil
	}

	owner, err := r.OwnerOf(ctx, collection, assetID)
	if err != nil {
		return false, err
	}
	out, err := r.call(ctx, collection, "isApprovedForAll", owner, operator)
	if err != nil {
		return false, err
	}
	ok, isBool := out[0].(bool)
	if !isBool {
		return false, fmt.Errorf("chain: isApprovedForAll: unexpected %T", out[0])
	}
	return ok, nil
}

// Transfer moves assetID from from to to with safeTransferFrom and waits
// for the tx to succeed. A tx that was sent but not confirmed is reported
// as market.ErrTransferUnconfirmed.
func (r *Registry) Transfer(ctx context.Context, collection common.Address, assetID *uint256.Int, from, to common.Address) error {
	data, err := erc721.Pack("safeTransferFrom", from, to, assetID.ToBig())
	if err != nil {
		return fmt.Errorf("chain: pack safeTransferFrom: %w", err)
	}
	receipt, err := r.sender.Send(ctx, collection, nil, data)
	if errors.Is(err, ErrTxUnconfirmed) {
		return fmt.Errorf("%w: %w", market.ErrTransferUnconfirmed, err)
	}
	if err != nil {
		return err
	}
	r.sender.log.Info().
		Str("collection", collection.Hex()).
		Str("asset_id", assetID.Dec()).
		Str("tx", receipt.TxHash.Hex()).
		Msg("asset transferred")
	return nil
}

func (r *Registry) callAddress(ctx context.Context, collection common.Address, method string, args ...interface{}) (common.Address, error) {
	out, err := r.call(ctx, collection, method, args...)
	if err != nil {
		return common.Address{}, err
	}
	addr, ok := out[0].(common.Address)
	if !ok {
		return common.Address{}, fmt.Errorf("chain: %s: unexpected %T", method, out[0])
	}
	return addr, nil
}

func (r *Registry) call(ctx context.Context, collection common.Address, method string, args ...interface{}) ([]interface{}, error) {
	data, err := erc721.Pack(method, args...)
	if err != nil {
		return nil, fmt.Errorf("chain: pack %s: %w", method, err)
	}
	raw, err := r.sender.Call(ctx, collection, data)
	if err != nil {
		return nil, fmt.Errorf("chain: %s on %s: %w", method, collection.Hex(), err)
	}
	out, err := erc721.Unpack(method, raw)
	if err != nil {
		return nil, fmt.Errorf("chain: unpack %s: %w", method, err)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("chain: %s: empty result", method)
	}
	return out, nil
}
