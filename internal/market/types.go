package market

import (
	"context"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/rs/zerolog"
)

// Key identifies one asset: a collection contract plus a token id.
// It is comparable and used directly as a map key.
type Key struct {
	Collection common.Address
	AssetID    uint256.Int
}

// NewKey builds a Key. A nil assetID is token id zero.
func NewKey(collection common.Address, assetID *uint256.Int) Key {
	k := Key{Collection: collection}
	if assetID != nil {
		k.AssetID.Set(assetID)
	}
	return k
}

func (k Key) String() string {
	return fmt.Sprintf("%s/%s", k.Collection.Hex(), k.AssetID.Dec())
}

// Listing is an active sale offer. The zero Listing is "not listed".
type Listing struct {
	Collection common.Address
	AssetID    *uint256.Int
	Price      *uint256.Int
	Seller     common.Address
}

// Listed reports whether l is an active listing (price above zero).
func (l Listing) Listed() bool {
	return l.Price != nil && !l.Price.IsZero()
}

func (l Listing) MarshalZerologObject(e *zerolog.Event) {
	e.Str("collection", l.Collection.Hex())
	if l.AssetID != nil {
		e.Str("asset_id", l.AssetID.Dec())
	}
	if l.Price != nil {
		e.Str("price", l.Price.Dec())
	}
	e.Str("seller", l.Seller.Hex())
}

// EventKind names a notification emitted for external indexers.
type EventKind uint8

const (
	EventListed EventKind = iota + 1
	EventPurchased
	EventCancelled
	EventWithdrawn
)

func (k EventKind) String() string {
	switch k {
	case EventListed:
		return "listed"
	case EventPurchased:
		return "purchased"
	case EventCancelled:
		return "cancelled"
	case EventWithdrawn:
		return "withdrawn"
	default:
		return "unknown"
	}
}

// ParseEventKind is the inverse of EventKind.String.
func ParseEventKind(s string) (EventKind, error) {
	switch s {
	case "listed":
		return EventListed, nil
	case "purchased":
		return EventPurchased, nil
	case "cancelled":
		return EventCancelled, nil
	case "withdrawn":
		return EventWithdrawn, nil
	default:
		return 0, fmt.Errorf("unknown event kind %q", s)
	}
}

// Event is a committed ledger notification. Which fields are set depends on
// Kind:
//
//	Listed:    Seller, Collection, AssetID, Price
//	Purchased: Buyer, Seller, Collection, AssetID, Price (listing price)
//	Cancelled: Seller, Collection, AssetID
//	Withdrawn: Seller, Amount
type Event struct {
	ID         string
	Kind       EventKind
	Collection common.Address
	AssetID    *uint256.Int
	Price      *uint256.Int
	Amount     *uint256.Int
	Seller     common.Address
	Buyer      common.Address
	At         time.Time
}

func (e Event) MarshalZerologObject(z *zerolog.Event) {
	z.Str("event_id", e.ID)
	z.Str("kind", e.Kind.String())
	switch e.Kind {
	case EventWithdrawn:
		z.Str("owner", e.Seller.Hex())
		if e.Amount != nil {
			z.Str("amount", e.Amount.Dec())
		}
		return
	case EventPurchased:
		z.Str("buyer", e.Buyer.Hex())
	}
	z.Str("seller", e.Seller.Hex())
	z.Str("collection", e.Collection.Hex())
	if e.AssetID != nil {
		z.Str("asset_id", e.AssetID.Dec())
	}
	if e.Price != nil {
		z.Str("price", e.Price.Dec())
	}
}

// AssetRegistry is the external asset custody system. The marketplace never
// holds assets; it only asks who owns them and moves them on settlement.
// Transfer returns an error wrapping ErrTransferUnconfirmed when the move
// was submitted but its outcome is unknown.
//
// Implementations receive the ctx of the in-flight marketplace operation.
// Any call back into the Marketplace made while handling Transfer must pass
// that ctx (or one derived from it) so that it runs inside the current
// operation rather than waiting for it.
type AssetRegistry interface {
	OwnerOf(ctx context.Context, collection common.Address, assetID *uint256.Int) (common.Address, error)
	IsTransferApproved(ctx context.Context, collection common.Address, assetID *uint256.Int, operator common.Address) (bool, error)
	Transfer(ctx context.Context, collection common.Address, assetID *uint256.Int, from, to common.Address) error
}

// PaymentGateway moves the unit of account out of the marketplace. PayOut is
// synchronous and may run arbitrary recipient logic, including calls back
// into the Marketplace with the supplied ctx.
type PaymentGateway interface {
	PayOut(ctx context.Context, to common.Address, amount *uint256.Int) error
}

// Notifier receives events once the outermost operation that produced them
// has committed. Notify must not block.
type Notifier interface {
	Notify(Event)
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(Event)

func (f NotifierFunc) Notify(e Event) { f(e) }

// UnconfirmedSettlement is a committed purchase whose asset transfer was
// submitted but not confirmed. The seller has been credited and the listing
// cleared; the operator confirms the transfer against the registry.
type UnconfirmedSettlement struct {
	Key     Key
	Seller  common.Address
	Buyer   common.Address
	Offered *uint256.Int
	Reason  string
	At      time.Time
}

func (u UnconfirmedSettlement) MarshalZerologObject(e *zerolog.Event) {
	e.Str("asset", u.Key.String())
	e.Str("seller", u.Seller.Hex())
	e.Str("buyer", u.Buyer.Hex())
	if u.Offered != nil {
		e.Str("offered", u.Offered.Dec())
	}
	e.Str("reason", u.Reason)
}

// Totals is a snapshot of the proceeds ledger's conservation counters.
// Received == Outstanding + PaidOut + Stranded always holds.
type Totals struct {
	Received    *uint256.Int
	Outstanding *uint256.Int
	PaidOut     *uint256.Int
	Stranded    *uint256.Int
}
