package chain

import (
	"context"
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/holiman/uint256"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/caesar-terminal/bazaar/internal/market"
	"github.com/caesar-terminal/bazaar/internal/signer"
)

var (
	_ market.AssetRegistry  = (*Registry)(nil)
	_ market.PaymentGateway = (*Payout)(nil)
	_ TxSigner              = (*signer.Session)(nil)

	collection = common.HexToAddress("0x5FbDB2315678afecb367f032d93F642f64180aa3")
	alice      = common.HexToAddress("0x1000000000000000000000000000000000000001")
	bob        = common.HexToAddress("0x2000000000000000000000000000000000000002")
)

type harness struct {
	node     *fakeNode
	session  *signer.Session
	operator common.Address
	sender   *Sender
	registry *Registry
	payout   *Payout
}

func newHarness(t *testing.T, limitWei int64, breaker *Breaker) *harness {
	t.Helper()
	key, err := crypto.GenerateKey()
	require.NoError(t, err)

	session := signer.NewSession(time.Hour)
	require.NoError(t, session.Activate(crypto.FromECDSA(key), big.NewInt(limitWei)))

	node := newFakeNode(collection)
	sender := NewSender(node, session, SenderConfig{
		ChainID:           testChainID,
		ReceiptPoll:       time.Millisecond,
		ReceiptTimeout:    time.Second,
		GasLimitMarginPct: 20,
	}, breaker, zerolog.Nop())

	return &harness{
		node:     node,
		session:  session,
		operator: crypto.PubkeyToAddress(key.PublicKey),
		sender:   sender,
		registry: NewRegistry(sender),
		payout:   NewPayout(sender),
	}
}

func TestRegistryOwnerOf(t *testing.T) {
	h := newHarness(t, 0, nil)
	h.node.mint(7, alice)
	ctx := context.Background()

	owner, err := h.registry.OwnerOf(ctx, collection, uint256.NewInt(7))
	require.NoError(t, err)
	require.Equal(t, alice, owner)

	_, err = h.registry.OwnerOf(ctx, collection, uint256.NewInt(8))
	require.ErrorContains(t, err, "invalid token ID")
}

func TestRegistryApproval(t *testing.T) {
	h := newHarness(t, 0, nil)
	ctx := context.Background()
	h.node.mint(1, alice)
	h.node.mint(2, alice)
	h.node.mint(3, bob)

	h.node.approve(1, h.operator)
	h.node.setApprovalForAll(bob, h.operator)

	for id, want := range map[uint64]bool{1: true, 2: false, 3: true} {
		ok, err := h.registry.IsTransferApproved(ctx, collection, uint256.NewInt(id), h.operator)
		require.NoError(t, err)
		require.Equal(t, want, ok, "token %d", id)
	}
}

func TestRegistryTransfer(t *testing.T) {
	h := newHarness(t, 0, nil)
	ctx := context.Background()
	h.node.mint(1, alice)
	h.node.mint(2, alice)
	h.node.setApprovalForAll(alice, h.operator)
	h.node.pendingPolls = 2

	require.NoError(t, h.registry.Transfer(ctx, collection, uint256.NewInt(1), alice, bob))
	require.NoError(t, h.registry.Transfer(ctx, collection, uint256.NewInt(2), alice, bob))
	require.Equal(t, bob, h.node.ownerOf(1))
	require.Equal(t, bob, h.node.ownerOf(2))

	require.Len(t, h.node.sent, 2)
	require.Equal(t, uint64(0), h.node.sent[0].Nonce())
	require.Equal(t, uint64(1), h.node.sent[1].Nonce())
	require.Equal(t, uint64(96000), h.node.sent[0].Gas())
}

func TestRegistryTransferReverts(t *testing.T) {
	h := newHarness(t, 0, nil)
	h.node.mint(1, alice)
	h.node.setApprovalForAll(alice, h.operator)

	// bob does not hold the token
	err := h.registry.Transfer(context.Background(), collection, uint256.NewInt(1), bob, alice)
	require.ErrorIs(t, err, ErrTxReverted)
	require.Equal(t, alice, h.node.ownerOf(1))
}

func TestPayout(t *testing.T) {
	h := newHarness(t, 1_000, nil)
	ctx := context.Background()

	require.NoError(t, h.payout.PayOut(ctx, alice, uint256.NewInt(600)))
	require.Equal(t, "600", h.node.balance(alice).String())
	require.Equal(t, "600", h.session.Status().ValueUsed)

	err := h.payout.PayOut(ctx, alice, uint256.NewInt(401))
	require.ErrorIs(t, err, signer.ErrValueLimitExceeded)
	require.Equal(t, "600", h.node.balance(alice).String())
}

func TestPayoutRejectedByRecipient(t *testing.T) {
	h := newHarness(t, 1_000, nil)
	h.node.rejecting[bob] = true

	err := h.payout.PayOut(context.Background(), bob, uint256.NewInt(5))
	require.ErrorIs(t, err, ErrTxReverted)
	require.Zero(t, h.node.balance(bob).Sign())
}

func TestReceiptTimeout(t *testing.T) {
	h := newHarness(t, 1_000, nil)
	h.sender.cfg.ReceiptTimeout = 20 * time.Millisecond
	h.node.neverMine = true

	err := h.payout.PayOut(context.Background(), alice, uint256.NewInt(1))
	require.ErrorIs(t, err, ErrReceiptTimeout)
	require.ErrorIs(t, err, ErrTxUnconfirmed)
}

func TestRegistryTransferUnconfirmed(t *testing.T) {
	h := newHarness(t, 0, nil)
	h.sender.cfg.ReceiptTimeout = 20 * time.Millisecond
	h.node.mint(1, alice)
	h.node.setApprovalForAll(alice, h.operator)
	h.node.neverMine = true

	err := h.registry.Transfer(context.Background(), collection, uint256.NewInt(1), alice, bob)
	require.ErrorIs(t, err, market.ErrTransferUnconfirmed)
	require.ErrorIs(t, err, ErrReceiptTimeout)
}

func TestRegistryTransferRevertIsNotUnconfirmed(t *testing.T) {
	h := newHarness(t, 0, nil)
	h.node.mint(1, alice)
	h.node.setApprovalForAll(alice, h.operator)

	err := h.registry.Transfer(context.Background(), collection, uint256.NewInt(1), bob, alice)
	require.ErrorIs(t, err, ErrTxReverted)
	require.NotErrorIs(t, err, market.ErrTransferUnconfirmed)
}

func TestBuyCommitsWhenTransferIsUnconfirmed(t *testing.T) {
	h := newHarness(t, 0, nil)
	h.sender.cfg.ReceiptTimeout = 20 * time.Millisecond
	ctx := context.Background()
	h.node.mint(7, alice)
	h.node.setApprovalForAll(alice, h.operator)

	m := market.New(h.operator, h.registry, h.payout, nil, nil)
	require.NoError(t, m.List(ctx, collection, uint256.NewInt(7), uint256.NewInt(500), alice))

	// the transfer is accepted by the node but its receipt never arrives
	h.node.neverMine = true
	err := m.Buy(ctx, collection, uint256.NewInt(7), uint256.NewInt(500), bob)
	require.ErrorIs(t, err, market.ErrTransferUnconfirmed)
	require.Equal(t, "transfer_unconfirmed", market.Kind(err))

	require.Equal(t, bob, h.node.ownerOf(7))
	_, listed := m.GetListing(ctx, collection, uint256.NewInt(7))
	require.False(t, listed)
	require.Equal(t, "500", m.GetProceeds(ctx, alice).Dec())

	pending := m.Unconfirmed(ctx)
	require.Len(t, pending, 1)
	require.Equal(t, market.NewKey(collection, uint256.NewInt(7)), pending[0].Key)
	require.Equal(t, alice, pending[0].Seller)
	require.Equal(t, bob, pending[0].Buyer)
	require.Equal(t, "500", pending[0].Offered.Dec())

	tot := m.Totals(ctx)
	require.Equal(t, "500", tot.Received.Dec())
	require.Equal(t, "500", tot.Outstanding.Dec())
}

func TestReceiptWaitHonoursCancel(t *testing.T) {
	h := newHarness(t, 1_000, nil)
	h.node.neverMine = true

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()
	err := h.payout.PayOut(ctx, alice, uint256.NewInt(1))
	require.ErrorIs(t, err, context.Canceled)
}

func TestSenderTripsBreaker(t *testing.T) {
	b := NewBreaker(BreakerConfig{MaxFailures: 2, CoolOff: time.Hour})
	h := newHarness(t, 1_000, b)
	ctx := context.Background()
	h.node.mint(1, alice)

	// contract reverts come from a healthy node
	for i := 0; i < 3; i++ {
		_, err := h.registry.OwnerOf(ctx, collection, uint256.NewInt(99))
		require.Error(t, err)
	}
	require.False(t, b.Open())

	h.node.down = errors.New("connection refused")
	for i := 0; i < 2; i++ {
		_, err := h.registry.OwnerOf(ctx, collection, uint256.NewInt(1))
		require.Error(t, err)
	}
	require.True(t, b.Open())

	calls := h.node.calls
	_, err := h.registry.OwnerOf(ctx, collection, uint256.NewInt(1))
	require.ErrorIs(t, err, ErrBreakerOpen)
	err = h.payout.PayOut(ctx, alice, uint256.NewInt(1))
	require.ErrorIs(t, err, ErrBreakerOpen)
	require.Equal(t, calls, h.node.calls, "open breaker must not reach the node")
}
