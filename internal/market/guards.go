package market

import (
	"context"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// guard is one precondition of an operation. Guards run before any state
// is touched and the first failure rejects the operation.
type guard func(ctx context.Context) error

func check(ctx context.Context, guards ...guard) error {
	for _, g := range guards {
		if err := g(ctx); err != nil {
			return err
		}
	}
	return nil
}

func positivePrice(price *uint256.Int) guard {
	return func(context.Context) error {
		if price == nil || price.IsZero() {
			return ErrInvalidPrice
		}
		return nil
	}
}

func (m *Marketplace) notListed(k Key) guard {
	return func(context.Context) error {
		if _, ok := m.listings.get(k); ok {
			return fmt.Errorf("%w: %s", ErrAlreadyListed, k)
		}
		return nil
	}
}

func (m *Marketplace) isListed(k Key) guard {
	return func(context.Context) error {
		if _, ok := m.listings.get(k); !ok {
			return fmt.Errorf("%w: %s", ErrNotListed, k)
		}
		return nil
	}
}

// isSeller checks the caller against the seller recorded on the listing,
// not against current asset ownership.
func (m *Marketplace) isSeller(k Key, caller common.Address) guard {
	return func(context.Context) error {
		rec, _ := m.listings.get(k)
		if rec.seller != caller {
			return fmt.Errorf("%w: %s on %s", ErrNotOwner, caller.Hex(), k)
		}
		return nil
	}
}

func (m *Marketplace) ownsAsset(k Key, caller common.Address) guard {
	return func(ctx context.Context) error {
		var owner common.Address
		err := m.callout(func() (err error) {
			owner, err = m.registry.OwnerOf(ctx, k.Collection, idOf(k))
			return err
		})
		if err != nil {
			return fmt.Errorf("owner lookup %s: %w", k, err)
		}
		if owner != caller {
			return fmt.Errorf("%w: %s on %s", ErrNotAssetOwner, caller.Hex(), k)
		}
		return nil
	}
}

func (m *Marketplace) transferApproved(k Key) guard {
	return func(ctx context.Context) error {
		var ok bool
		err := m.callout(func() (err error) {
			ok, err = m.registry.IsTransferApproved(ctx, k.Collection, idOf(k), m.operator)
			return err
		})
		if err != nil {
			return fmt.Errorf("approval lookup %s: %w", k, err)
		}
		if !ok {
			return fmt.Errorf("%w: %s", ErrNotAuthorized, k)
		}
		return nil
	}
}

// section is the non-reentrant marker held by the purchase path. It is only
// read or written while the ledger is locked.
type section struct {
	held bool
}

func (s *section) enter() error {
	if s.held {
		return ErrReentrancyBlocked
	}
	s.held = true
	return nil
}

func (s *section) exit() {
	s.held = false
}
