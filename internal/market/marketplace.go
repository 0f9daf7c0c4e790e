package market

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/holiman/uint256"
	"github.com/rs/zerolog"

	"github.com/caesar-terminal/bazaar/internal/metrics"
)

const (
	opList     = "list"
	opCancel   = "cancel"
	opUpdate   = "update_listing"
	opBuy      = "buy"
	opWithdraw = "withdraw"
)

// frame identifies one outermost operation. Its address is carried in the
// ctx handed to external capabilities so that calls coming back from them
// are recognised as nested.
type frame struct {
	op string
}

type frameKey struct{}

// Option configures a Marketplace.
type Option func(*Marketplace)

// WithNotifier sets the sink for committed events.
func WithNotifier(n Notifier) Option {
	return func(m *Marketplace) { m.notifier = n }
}

// WithLogger sets the logger. The default discards everything.
func WithLogger(l zerolog.Logger) Option {
	return func(m *Marketplace) { m.log = l }
}

// WithMetrics sets the metrics sink.
func WithMetrics(mt *metrics.Metrics) Option {
	return func(m *Marketplace) { m.metrics = mt }
}

// WithClock overrides the event timestamp source.
func WithClock(now func() time.Time) Option {
	return func(m *Marketplace) { m.now = now }
}

// Marketplace runs the listing state machine and the pull-payment
// settlement protocol over one ListingLedger and one ProceedsLedger.
//
// Operations execute one at a time. While an operation is calling out to
// the AssetRegistry, PaymentGateway or Notifier, calls made with the ctx it
// passed out run nested inside it: their effects are journaled with the
// enclosing operation and revert with it. Buy and Withdraw move value
// outside the ledger, so they refuse to run nested inside anything that
// could still revert afterwards (ErrReentrancyBlocked).
//
// A mutating call that carries no frame and arrives while an operation is
// calling out fails with ErrReentrancyBlocked instead of waiting. Reads
// never wait on a call out: outside a frame they see committed state only.
//
// A Withdraw whose payout fails keeps its balance at zero and records the
// amount as stranded. A Buy whose transfer was broadcast but not confirmed
// is committed and recorded as unconfirmed. Both are reconciled by the
// operator.
type Marketplace struct {
	operator common.Address
	registry AssetRegistry
	payments PaymentGateway
	listings *ListingLedger
	proceeds *ProceedsLedger

	// mu is the operation lock. data guards ledger state and is released
	// for the duration of every call out.
	mu       sync.Mutex
	data     sync.RWMutex
	callouts atomic.Int32
	current  atomic.Pointer[frame]
	stack    []string
	journal  journal
	pending  []Event
	settling section

	unconfirmed        []UnconfirmedSettlement
	pendingUnconfirmed []UnconfirmedSettlement

	notifier Notifier
	log      zerolog.Logger
	metrics  *metrics.Metrics
	now      func() time.Time
}

// New creates a Marketplace acting as operator, the identity the registry
// must have authorised to move listed assets. Nil ledgers are replaced by
// empty ones. Each ledger must serve a single Marketplace.
func New(
	operator common.Address,
	registry AssetRegistry,
	payments PaymentGateway,
	listings *ListingLedger,
	proceeds *ProceedsLedger,
	opts ...Option,
) *Marketplace {
	if listings == nil {
		listings = NewListingLedger()
	}
	if proceeds == nil {
		proceeds = NewProceedsLedger()
	}
	m := &Marketplace{
		operator: operator,
		registry: registry,
		payments: payments,
		listings: listings,
		proceeds: proceeds,
		notifier: NotifierFunc(func(Event) {}),
		log:      zerolog.Nop(),
		metrics:  metrics.Nop(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	listings.journal = &m.journal
	proceeds.journal = &m.journal
	return m
}

// Operator returns the marketplace identity.
func (m *Marketplace) Operator() common.Address { return m.operator }

// List offers an asset for sale at price. The caller must own the asset and
// the marketplace must be approved to transfer it. Listing does not move
// the asset.
func (m *Marketplace) List(ctx context.Context, collection common.Address, assetID, price *uint256.Int, caller common.Address) error {
	k := NewKey(collection, assetID)
	return m.run(ctx, opList, func(ctx context.Context) error {
		err := check(ctx,
			m.notListed(k),
			positivePrice(price),
			m.ownsAsset(k, caller),
			m.transferApproved(k),
			// registry lookups may have re-entered and listed k
			m.notListed(k),
		)
		if err != nil {
			return err
		}
		m.listings.put(k, price, caller)
		m.emit(Event{
			Kind:       EventListed,
			Collection: collection,
			AssetID:    idOf(k),
			Price:      new(uint256.Int).Set(price),
			Seller:     caller,
		})
		return nil
	})
}

// Cancel removes a listing. Only the recorded seller may cancel.
func (m *Marketplace) Cancel(ctx context.Context, collection common.Address, assetID *uint256.Int, caller common.Address) error {
	k := NewKey(collection, assetID)
	return m.run(ctx, opCancel, func(ctx context.Context) error {
		if err := check(ctx, m.isListed(k), m.isSeller(k, caller)); err != nil {
			return err
		}
		m.listings.remove(k)
		m.emit(Event{
			Kind:       EventCancelled,
			Collection: collection,
			AssetID:    idOf(k),
			Seller:     caller,
		})
		return nil
	})
}

// UpdateListing replaces the price of an existing listing. The seller is
// unchanged.
func (m *Marketplace) UpdateListing(ctx context.Context, collection common.Address, assetID, newPrice *uint256.Int, caller common.Address) error {
	k := NewKey(collection, assetID)
	return m.run(ctx, opUpdate, func(ctx context.Context) error {
		if err := check(ctx, m.isListed(k), m.isSeller(k, caller), positivePrice(newPrice)); err != nil {
			return err
		}
		rec, _ := m.listings.get(k)
		m.listings.put(k, newPrice, rec.seller)
		m.emit(Event{
			Kind:       EventListed,
			Collection: collection,
			AssetID:    idOf(k),
			Price:      new(uint256.Int).Set(newPrice),
			Seller:     rec.seller,
		})
		return nil
	})
}

// Buy settles a listing: the seller is credited with the full offered
// amount (overpayment is not refunded), the listing is cleared and the
// asset is transferred from the seller to buyer. If the transfer fails
// nothing changes. If it was submitted but its outcome is unknown the
// purchase is committed, recorded (see Unconfirmed) and the error wraps
// ErrTransferUnconfirmed.
func (m *Marketplace) Buy(ctx context.Context, collection common.Address, assetID, offered *uint256.Int, buyer common.Address) error {
	k := NewKey(collection, assetID)
	return m.run(ctx, opBuy, func(ctx context.Context) error {
		if err := m.settling.enter(); err != nil {
			return fmt.Errorf("%w: buy %s", err, k)
		}
		defer m.settling.exit()
		if m.enclosedByRevertible() {
			return fmt.Errorf("%w: buy %s inside %s", ErrReentrancyBlocked, k, m.stack[0])
		}

		rec, ok := m.listings.get(k)
		if !ok {
			return fmt.Errorf("%w: %s", ErrNotListed, k)
		}
		offer := new(uint256.Int)
		if offered != nil {
			offer.Set(offered)
		}
		if offer.Lt(&rec.price) {
			return &PriceNotMetError{
				Key:      k,
				Required: new(uint256.Int).Set(&rec.price),
				Offered:  offer,
			}
		}

		if err := m.proceeds.credit(rec.seller, offer); err != nil {
			return err
		}
		m.listings.remove(k)

		purchased := Event{
			Kind:       EventPurchased,
			Collection: collection,
			AssetID:    idOf(k),
			Price:      new(uint256.Int).Set(&rec.price),
			Seller:     rec.seller,
			Buyer:      buyer,
		}
		err := m.callout(func() error {
			return m.registry.Transfer(ctx, k.Collection, idOf(k), rec.seller, buyer)
		})
		switch {
		case err == nil:
		case errors.Is(err, ErrTransferUnconfirmed):
			// the transfer may still land; the settlement stands
			m.flagUnconfirmed(UnconfirmedSettlement{
				Key:     k,
				Seller:  rec.seller,
				Buyer:   buyer,
				Offered: new(uint256.Int).Set(offer),
				Reason:  err.Error(),
				At:      m.now(),
			})
			m.emit(purchased)
			return &keepEffects{err: fmt.Errorf("buy %s: %w", k, err)}
		default:
			return fmt.Errorf("%w: %s: %v", ErrAssetTransfer, k, err)
		}

		m.emit(purchased)
		return nil
	})
}

// Withdraw pays out the caller's whole balance and returns the amount paid.
//
// The balance is zeroed before the payout is attempted. When the payout
// fails the error wraps ErrTransferFailed, the balance stays zero and the
// amount is recorded as stranded (see Stranded). A panicking payout is
// handled the same way before the panic is resumed.
func (m *Marketplace) Withdraw(ctx context.Context, caller common.Address) (*uint256.Int, error) {
	var (
		paid     *uint256.Int
		panicked any
	)
	err := m.run(ctx, opWithdraw, func(ctx context.Context) error {
		if m.settling.held || m.enclosedByRevertible() {
			return fmt.Errorf("%w: withdraw inside %s", ErrReentrancyBlocked, m.stack[0])
		}

		amount := m.proceeds.take(caller)
		if amount.IsZero() {
			return fmt.Errorf("%w: %s", ErrNoProceeds, caller.Hex())
		}

		err := m.callout(func() (err error) {
			defer func() {
				if r := recover(); r != nil {
					panicked = r
					err = fmt.Errorf("payout panicked: %v", r)
				}
			}()
			return m.payments.PayOut(ctx, caller, amount)
		})
		if err != nil {
			m.proceeds.strand(caller, amount)
			m.metrics.StrandedPayouts.Inc()
			m.log.Error().
				Err(err).
				Str("owner", caller.Hex()).
				Str("amount", amount.Dec()).
				Msg("payout failed after balance was zeroed; proceeds stranded")
			return &keepEffects{err: fmt.Errorf("%w: %s: %v", ErrTransferFailed, caller.Hex(), err)}
		}

		m.proceeds.paid(amount)
		m.emit(Event{
			Kind:   EventWithdrawn,
			Amount: new(uint256.Int).Set(amount),
			Seller: caller,
		})
		paid = amount
		return nil
	})
	if panicked != nil {
		panic(panicked)
	}
	if err != nil {
		return nil, err
	}
	return paid, nil
}

// GetListing returns the active listing for an asset, if any.
func (m *Marketplace) GetListing(ctx context.Context, collection common.Address, assetID *uint256.Int) (Listing, bool) {
	var (
		l  Listing
		ok bool
	)
	m.view(ctx, func(committed bool) { l, ok = m.listings.listing(NewKey(collection, assetID), committed) })
	return l, ok
}

// GetProceeds returns owner's withdrawable balance.
func (m *Marketplace) GetProceeds(ctx context.Context, owner common.Address) *uint256.Int {
	var b *uint256.Int
	m.view(ctx, func(committed bool) { b = m.proceeds.balance(owner, committed) })
	return b
}

// Stranded returns the total of owner's payouts that failed after their
// balance was zeroed.
func (m *Marketplace) Stranded(ctx context.Context, owner common.Address) *uint256.Int {
	var s *uint256.Int
	m.view(ctx, func(committed bool) { s = m.proceeds.strandedFor(owner, committed) })
	return s
}

// Totals returns the proceeds conservation counters.
func (m *Marketplace) Totals(ctx context.Context) Totals {
	var t Totals
	m.view(ctx, func(committed bool) { t = m.proceeds.totals(committed) })
	return t
}

// ActiveListings returns the number of listed assets.
func (m *Marketplace) ActiveListings(ctx context.Context) int {
	var n int
	m.view(ctx, func(committed bool) { n = m.listings.count(committed) })
	return n
}

// Unconfirmed returns the committed purchases whose asset transfer was
// submitted but never confirmed, oldest first.
func (m *Marketplace) Unconfirmed(ctx context.Context) []UnconfirmedSettlement {
	var out []UnconfirmedSettlement
	m.view(ctx, func(committed bool) {
		out = append(out, m.unconfirmed...)
		if !committed {
			out = append(out, m.pendingUnconfirmed...)
		}
	})
	return out
}

// run executes fn as operation op. A top-level call takes the operation
// lock and opens a frame; a nested call joins the frame in ctx. A failing
// fn has its effects reverted unless it returned keepEffects. Events reach
// the notifier only when the outermost operation finishes.
func (m *Marketplace) run(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	nested := m.inFrame(ctx)
	if !nested {
		if err := m.acquire(op); err != nil {
			m.metrics.ObserveOperation(op, Kind(err))
			return err
		}
		f := &frame{op: op}
		m.current.Store(f)
		ctx = context.WithValue(ctx, frameKey{}, f)
	}
	m.data.Lock()
	if nested && !m.inFrame(ctx) {
		// the frame finished while this call waited
		m.data.Unlock()
		err := fmt.Errorf("%w: %s after its enclosing operation finished", ErrReentrancyBlocked, op)
		m.metrics.ObserveOperation(op, Kind(err))
		return err
	}
	m.stack = append(m.stack, op)
	snap := m.journal.snapshot()

	finished := false
	defer func() {
		m.stack = m.stack[:len(m.stack)-1]
		if !finished {
			// fn panicked
			m.journal.revertTo(snap)
		}
		if !nested {
			defer m.mu.Unlock()
			defer m.current.Store(nil)
			m.finish()
			return
		}
		m.data.Unlock()
	}()

	err := fn(ctx)
	var keep *keepEffects
	switch {
	case err == nil:
	case errors.As(err, &keep):
		err = keep.err
	default:
		m.journal.revertTo(snap)
	}
	finished = true

	m.metrics.ObserveOperation(op, Kind(err))
	if err != nil {
		m.log.Debug().Str("op", op).Err(err).Bool("nested", nested).Msg("operation rejected")
	}
	return err
}

// acquire takes the operation lock for a call that carries no frame. While
// the holder is calling out the caller may be the callee itself, so it is
// refused rather than left waiting on its own caller.
func (m *Marketplace) acquire(op string) error {
	if m.mu.TryLock() {
		return nil
	}
	if m.callouts.Load() > 0 {
		return fmt.Errorf("%w: %s while an operation is calling out", ErrReentrancyBlocked, op)
	}
	m.mu.Lock()
	return nil
}

// callout runs fn, a call into an external capability, with the ledger
// unlocked. The operation lock stays held.
func (m *Marketplace) callout(fn func() error) error {
	m.callouts.Add(1)
	m.data.Unlock()
	defer func() {
		m.data.Lock()
		m.callouts.Add(-1)
	}()
	return fn()
}

// view runs a read. Inside a frame it sees the operation's uncommitted
// state; anywhere else it sees committed state and does not wait for a
// running operation.
func (m *Marketplace) view(ctx context.Context, fn func(committed bool)) {
	m.data.RLock()
	defer m.data.RUnlock()
	fn(!m.inFrame(ctx))
}

func (m *Marketplace) inFrame(ctx context.Context) bool {
	f, _ := ctx.Value(frameKey{}).(*frame)
	return f != nil && f == m.current.Load()
}

// enclosedByRevertible reports whether the running operation is nested
// inside one that may still revert after its external call returns. Only
// Withdraw never reverts once its payout has been attempted.
func (m *Marketplace) enclosedByRevertible() bool {
	for _, op := range m.stack[:len(m.stack)-1] {
		if op != opWithdraw {
			return true
		}
	}
	return false
}

func (m *Marketplace) emit(e Event) {
	e.ID = uuid.NewString()
	e.At = m.now()
	m.pending = append(m.pending, e)
	n := len(m.pending) - 1
	m.journal.record(func() { m.pending = m.pending[:n] })
}

func (m *Marketplace) flagUnconfirmed(u UnconfirmedSettlement) {
	m.pendingUnconfirmed = append(m.pendingUnconfirmed, u)
	n := len(m.pendingUnconfirmed) - 1
	m.journal.record(func() { m.pendingUnconfirmed = m.pendingUnconfirmed[:n] })
	m.metrics.UnconfirmedTransfers.Inc()
	m.log.Error().
		EmbedObject(u).
		Msg("asset transfer unconfirmed; settlement committed for reconciliation")
}

// finish commits the outermost operation, releases the ledger and publishes
// the operation's events. It runs with the ledger locked.
func (m *Marketplace) finish() {
	events := m.pending
	m.pending = nil
	m.unconfirmed = append(m.unconfirmed, m.pendingUnconfirmed...)
	m.pendingUnconfirmed = nil
	m.journal.reset()
	m.listings.commit()
	m.proceeds.commit()
	active := m.listings.count(true)
	m.current.Store(nil)
	m.data.Unlock()

	m.metrics.ActiveListings.Set(float64(active))
	if len(events) == 0 {
		return
	}
	m.callouts.Add(1)
	defer m.callouts.Add(-1)
	for _, e := range events {
		m.log.Info().EmbedObject(e).Msg("ledger event")
		m.notifier.Notify(e)
	}
}

func idOf(k Key) *uint256.Int {
	return new(uint256.Int).Set(&k.AssetID)
}
