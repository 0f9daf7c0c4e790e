package market

import (
	"errors"
	"fmt"

	"github.com/holiman/uint256"
)

// Sentinel errors. Callers match them with errors.Is; the marketplace wraps
// them with the key or principal involved.
var (
	ErrInvalidPrice      = errors.New("price must be above zero")
	ErrNotAssetOwner     = errors.New("caller does not own asset")
	ErrNotAuthorized     = errors.New("marketplace not approved to transfer asset")
	ErrAlreadyListed     = errors.New("asset already listed")
	ErrNotListed         = errors.New("asset not listed")
	ErrNotOwner          = errors.New("caller is not the listing seller")
	ErrPriceNotMet       = errors.New("offered amount below listing price")
	ErrNoProceeds        = errors.New("no proceeds to withdraw")
	ErrTransferFailed    = errors.New("proceeds transfer failed")
	ErrReentrancyBlocked = errors.New("reentrant call blocked")
	ErrAssetTransfer     = errors.New("asset transfer failed")
	ErrProceedsOverflow  = errors.New("proceeds balance overflow")

	// ErrTransferUnconfirmed is returned by an AssetRegistry whose transfer
	// was submitted but whose outcome is not known.
	ErrTransferUnconfirmed = errors.New("asset transfer unconfirmed")
)

// PriceNotMetError is returned by Buy when the offer is below the listing
// price. It unwraps to ErrPriceNotMet.
type PriceNotMetError struct {
	Key      Key
	Required *uint256.Int
	Offered  *uint256.Int
}

func (e *PriceNotMetError) Error() string {
	return fmt.Sprintf("%s: %s requires %s, offered %s",
		ErrPriceNotMet, e.Key, e.Required.Dec(), e.Offered.Dec())
}

func (e *PriceNotMetError) Unwrap() error { return ErrPriceNotMet }

var kinds = []struct {
	err  error
	name string
}{
	{ErrInvalidPrice, "invalid_price"},
	{ErrNotAssetOwner, "not_asset_owner"},
	{ErrNotAuthorized, "not_authorized"},
	{ErrAlreadyListed, "already_listed"},
	{ErrNotListed, "not_listed"},
	{ErrNotOwner, "not_owner"},
	{ErrPriceNotMet, "price_not_met"},
	{ErrNoProceeds, "no_proceeds"},
	{ErrTransferFailed, "transfer_failed"},
	{ErrReentrancyBlocked, "reentrancy_blocked"},
	{ErrTransferUnconfirmed, "transfer_unconfirmed"},
	{ErrAssetTransfer, "asset_transfer_failed"},
	{ErrProceedsOverflow, "proceeds_overflow"},
}

// Kind returns a stable label for err: "ok" for nil, the taxonomy name for
// ledger errors and "error" for anything else (registry lookups, ctx).
func Kind(err error) string {
	if err == nil {
		return "ok"
	}
	for _, k := range kinds {
		if errors.Is(err, k.err) {
			return k.name
		}
	}
	return "error"
}

// keepEffects marks a failure whose state changes must be committed rather
// than reverted.
type keepEffects struct{ err error }

func (k *keepEffects) Error() string { return k.err.Error() }
func (k *keepEffects) Unwrap() error { return k.err }
