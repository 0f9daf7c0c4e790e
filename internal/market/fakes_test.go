package market_test

import (
	"context"
	"errors"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"github.com/caesar-terminal/bazaar/internal/market"
)

var (
	operator   = common.HexToAddress("0x00000000000000000000000000000000000000aa")
	collection = common.HexToAddress("0x5FbDB2315678afecb367f032d93F642f64180aa3")
	seller     = common.HexToAddress("0x1000000000000000000000000000000000000001")
	buyer      = common.HexToAddress("0x2000000000000000000000000000000000000002")
	stranger   = common.HexToAddress("0x3000000000000000000000000000000000000003")

	errRPC = errors.New("rpc unavailable")
)

func u(v uint64) *uint256.Int { return uint256.NewInt(v) }

// registry is an in-memory ERC-721 style asset registry. Approval is either
// per token or operator-for-all.
type registry struct {
	mu        sync.Mutex
	owners    map[market.Key]common.Address
	approved  map[market.Key]common.Address
	operators map[common.Address]map[common.Address]bool

	ownerErr    error
	transferErr error
	transfers   int

	// hooks run inside the corresponding call, before its result is
	// decided, with the ctx the marketplace passed in.
	onOwnerOf  func(ctx context.Context)
	onTransfer func(ctx context.Context)
}

func newRegistry() *registry {
	return &registry{
		owners:    make(map[market.Key]common.Address),
		approved:  make(map[market.Key]common.Address),
		operators: make(map[common.Address]map[common.Address]bool),
	}
}

// mint gives owner the asset and approves the marketplace for it.
func (r *registry) mint(id uint64, owner common.Address) {
	k := market.NewKey(collection, u(id))
	r.mu.Lock()
	r.owners[k] = owner
	r.approved[k] = operator
	r.mu.Unlock()
}

func (r *registry) setApprovalForAll(owner, op common.Address, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.operators[owner] == nil {
		r.operators[owner] = make(map[common.Address]bool)
	}
	r.operators[owner][op] = ok
}

func (r *registry) ownerOf(id uint64) common.Address {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.owners[market.NewKey(collection, u(id))]
}

func (r *registry) OwnerOf(ctx context.Context, c common.Address, id *uint256.Int) (common.Address, error) {
	if r.onOwnerOf != nil {
		r.onOwnerOf(ctx)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.ownerErr != nil {
		return common.Address{}, r.ownerErr
	}
	owner, ok := r.owners[market.NewKey(c, id)]
	if !ok {
		return common.Address{}, errors.New("ERC721: invalid token ID")
	}
	return owner, nil
}

func (r *registry) IsTransferApproved(_ context.Context, c common.Address, id *uint256.Int, op common.Address) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	k := market.NewKey(c, id)
	if r.approved[k] == op {
		return true, nil
	}
	return r.operators[r.owners[k]][op], nil
}

func (r *registry) Transfer(ctx context.Context, c common.Address, id *uint256.Int, from, to common.Address) error {
	if r.onTransfer != nil {
		r.onTransfer(ctx)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.transferErr != nil {
		return r.transferErr
	}
	k := market.NewKey(c, id)
	if r.owners[k] != from {
		return errors.New("ERC721: transfer from incorrect owner")
	}
	r.owners[k] = to
	delete(r.approved, k)
	r.transfers++
	return nil
}

// gateway records payouts.
type gateway struct {
	mu       sync.Mutex
	paid     map[common.Address]*uint256.Int
	calls    int
	err      error
	onPayOut func(ctx context.Context)
}

func newGateway() *gateway {
	return &gateway{paid: make(map[common.Address]*uint256.Int)}
}

func (g *gateway) PayOut(ctx context.Context, to common.Address, amount *uint256.Int) error {
	if g.onPayOut != nil {
		g.onPayOut(ctx)
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	g.calls++
	if g.err != nil {
		return g.err
	}
	prev, ok := g.paid[to]
	if !ok {
		prev = new(uint256.Int)
	}
	g.paid[to] = new(uint256.Int).Add(prev, amount)
	return nil
}

func (g *gateway) paidTo(addr common.Address) *uint256.Int {
	g.mu.Lock()
	defer g.mu.Unlock()
	if v, ok := g.paid[addr]; ok {
		return new(uint256.Int).Set(v)
	}
	return new(uint256.Int)
}

// recorder collects committed events.
type recorder struct {
	mu     sync.Mutex
	events []market.Event
}

func (r *recorder) Notify(e market.Event) {
	r.mu.Lock()
	r.events = append(r.events, e)
	r.mu.Unlock()
}

func (r *recorder) all() []market.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]market.Event, len(r.events))
	copy(out, r.events)
	return out
}

type fixture struct {
	reg *registry
	gw  *gateway
	rec *recorder
	m   *market.Marketplace
}

func newFixture() *fixture {
	f := &fixture{
		reg: newRegistry(),
		gw:  newGateway(),
		rec: &recorder{},
	}
	f.m = market.New(operator, f.reg, f.gw, market.NewListingLedger(), market.NewProceedsLedger(),
		market.WithNotifier(f.rec))
	return f
}
