package chain

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/rpc"
	"github.com/rs/zerolog"
)

var (
	ErrTxReverted     = errors.New("chain: transaction reverted")
	ErrReceiptTimeout = errors.New("chain: receipt timeout")

	// ErrTxUnconfirmed wraps any failure after a transaction was accepted
	// by the node: it may still be mined.
	ErrTxUnconfirmed = errors.New("chain: transaction outcome unknown")
)

// Backend is the node surface used by the adapters. *ethclient.Client
// satisfies it.
type Backend interface {
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
}

// TxSigner signs transactions as the marketplace operator.
// *signer.Session satisfies it.
type TxSigner interface {
	Address() common.Address
	SignTx(tx *types.Transaction, chainID *big.Int) (*types.Transaction, error)
}

// SenderConfig holds the tx submission parameters.
type SenderConfig struct {
	ChainID           *big.Int
	ReceiptPoll       time.Duration
	ReceiptTimeout    time.Duration
	GasLimitMarginPct int
}

// Sender submits operator transactions and waits for them to be mined.
type Sender struct {
	backend Backend
	signer  TxSigner
	cfg     SenderConfig
	breaker *Breaker
	log     zerolog.Logger

	// serializes nonce assignment
	mu sync.Mutex
}

// NewSender creates a Sender. A nil breaker never opens.
func NewSender(backend Backend, signer TxSigner, cfg SenderConfig, breaker *Breaker, log zerolog.Logger) *Sender {
	if breaker == nil {
		breaker = NewBreaker(BreakerConfig{MaxFailures: int(^uint(0) >> 1)})
	}
	if cfg.ReceiptPoll <= 0 {
		cfg.ReceiptPoll = 500 * time.Millisecond
	}
	return &Sender{
		backend: backend,
		signer:  signer,
		cfg:     cfg,
		breaker: breaker,
		log:     log.With().Str("component", "chain").Logger(),
	}
}

// Call runs a read-only contract call against the latest block.
func (s *Sender) Call(ctx context.Context, to common.Address, data []byte) ([]byte, error) {
	if err := s.breaker.Allow(); err != nil {
		return nil, err
	}
	out, err := s.backend.CallContract(ctx, ethereum.CallMsg{To: &to, Data: data}, nil)
	s.record(ctx, err)
	return out, err
}

// Send signs and submits a transaction from the operator to to, then waits
// for a successful receipt. Errors after the node accepted the transaction
// wrap ErrTxUnconfirmed.
func (s *Sender) Send(ctx context.Context, to common.Address, value *big.Int, data []byte) (*types.Receipt, error) {
	if err := s.breaker.Allow(); err != nil {
		return nil, err
	}
	if value == nil {
		value = new(big.Int)
	}

	tx, err := s.submit(ctx, to, value, data)
	if err != nil {
		return nil, err
	}
	s.log.Debug().
		Str("tx", tx.Hash().Hex()).
		Str("to", to.Hex()).
		Str("value", value.String()).
		Uint64("nonce", tx.Nonce()).
		Msg("transaction sent")

	receipt, err := s.waitMined(ctx, tx.Hash())
	if err != nil {
		s.log.Warn().Err(err).Str("tx", tx.Hash().Hex()).Msg("transaction sent but not confirmed")
		return nil, fmt.Errorf("%w: %s: %w", ErrTxUnconfirmed, tx.Hash().Hex(), err)
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		return receipt, fmt.Errorf("%w: %s", ErrTxReverted, tx.Hash().Hex())
	}
	return receipt, nil
}

func (s *Sender) submit(ctx context.Context, to common.Address, value *big.Int, data []byte) (*types.Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	from := s.signer.Address()

	// a failing estimate means the call would revert; the node is fine
	gas, err := s.backend.EstimateGas(ctx, ethereum.CallMsg{From: from, To: &to, Value: value, Data: data})
	if err != nil {
		return nil, fmt.Errorf("%w: estimate gas: %v", ErrTxReverted, err)
	}
	gas += gas * uint64(s.cfg.GasLimitMarginPct) / 100

	nonce, err := s.backend.PendingNonceAt(ctx, from)
	s.record(ctx, err)
	if err != nil {
		return nil, fmt.Errorf("chain: pending nonce: %w", err)
	}
	price, err := s.backend.SuggestGasPrice(ctx)
	s.record(ctx, err)
	if err != nil {
		return nil, fmt.Errorf("chain: gas price: %w", err)
	}

	tx, err := s.signer.SignTx(types.NewTx(&types.LegacyTx{
		Nonce:    nonce,
		To:       &to,
		Value:    value,
		Gas:      gas,
		GasPrice: price,
		Data:     data,
	}), s.cfg.ChainID)
	if err != nil {
		return nil, fmt.Errorf("chain: sign: %w", err)
	}

	err = s.backend.SendTransaction(ctx, tx)
	s.record(ctx, err)
	if err != nil {
		return nil, fmt.Errorf("chain: send: %w", err)
	}
	return tx, nil
}

// waitMined polls for the receipt of hash until it is mined, the receipt
// timeout elapses or ctx is done.
func (s *Sender) waitMined(ctx context.Context, hash common.Hash) (*types.Receipt, error) {
	if s.cfg.ReceiptTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.ReceiptTimeout)
		defer cancel()
	}

	ticker := time.NewTicker(s.cfg.ReceiptPoll)
	defer ticker.Stop()

	for {
		receipt, err := s.backend.TransactionReceipt(ctx, hash)
		switch {
		case err == nil:
			s.breaker.Record(nil)
			return receipt, nil
		case errors.Is(err, ethereum.NotFound):
		default:
			s.record(ctx, err)
			s.log.Warn().Err(err).Str("tx", hash.Hex()).Msg("receipt lookup failed")
		}

		select {
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return nil, fmt.Errorf("%w: %s", ErrReceiptTimeout, hash.Hex())
			}
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

// record feeds node errors into the breaker. Cancellation is the caller's
// doing and does not count; a JSON-RPC error response means the node is up.
func (s *Sender) record(ctx context.Context, err error) {
	if err != nil && ctx.Err() != nil {
		return
	}
	var rpcErr rpc.Error
	if errors.As(err, &rpcErr) {
		err = nil
	}
	s.breaker.Record(err)
}
