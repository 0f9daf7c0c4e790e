package signer

import (
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/awnumar/memguard"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
)

var (
	ErrNoActiveSession    = errors.New("no active session")
	ErrSessionExpired     = errors.New("session expired")
	ErrValueLimitExceeded = errors.New("cumulative value limit exceeded")
)

// Status is a read-only snapshot of a Session. Monetary values are wei as
// decimal strings.
type Status struct {
	Active       bool
	TTLRemaining time.Duration
	MaxValue     string
	ValueUsed    string
	Address      common.Address
}

// Session holds the marketplace operator key in locked memory with TTL and
// cumulative value-limit enforcement. The key is encrypted at rest via
// memguard.Enclave and only opened momentarily during SignTx.
type Session struct {
	mu            sync.RWMutex
	enclave       *memguard.Enclave
	address       common.Address
	expiresAt     time.Time
	maxValueLimit *big.Int // wei
	valueUsed     *big.Int // cumulative wei carried by signed txs
	ttl           time.Duration
	now           func() time.Time
}

// NewSession creates a session with the given TTL. No key is held until
// Activate is called.
func NewSession(ttl time.Duration) *Session {
	return &Session{
		ttl:       ttl,
		valueUsed: new(big.Int),
		now:       time.Now,
	}
}

// Activate seals keyBytes into a memguard Enclave, derives the operator
// address, sets expiry and resets the value counter. memguard wipes
// keyBytes as it seals them.
func (s *Session) Activate(keyBytes []byte, maxValueLimit *big.Int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	privKey, err := crypto.ToECDSA(keyBytes)
	if err != nil {
		return fmt.Errorf("invalid private key: %w", err)
	}
	addr := crypto.PubkeyToAddress(privKey.PublicKey)

	s.enclave = memguard.NewEnclave(keyBytes)
	s.expiresAt = s.now().Add(s.ttl)
	s.maxValueLimit = new(big.Int).Set(maxValueLimit)
	s.valueUsed = new(big.Int)
	s.address = addr
	return nil
}

// Address returns the operator address, or the zero address when no
// session is active.
func (s *Session) Address() common.Address {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.address
}

// SignTx signs tx for chainID with the session key. The value carried by
// tx counts against the cumulative limit, and is only committed once
// signing succeeded.
func (s *Session) SignTx(tx *types.Transaction, chainID *big.Int) (*types.Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.enclave == nil {
		return nil, ErrNoActiveSession
	}
	if s.isExpired() {
		s.destroyLocked()
		return nil, ErrSessionExpired
	}

	newTotal := new(big.Int).Add(s.valueUsed, tx.Value())
	if newTotal.Cmp(s.maxValueLimit) > 0 {
		return nil, fmt.Errorf("%w: %s of %s wei", ErrValueLimitExceeded, newTotal, s.maxValueLimit)
	}

	buf, err := s.enclave.Open()
	if err != nil {
		return nil, fmt.Errorf("open enclave: %w", err)
	}
	privKey, err := crypto.ToECDSA(buf.Bytes())
	buf.Destroy()
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}

	signed, err := types.SignTx(tx, types.LatestSignerForChainID(chainID), privKey)
	if err != nil {
		return nil, fmt.Errorf("sign tx: %w", err)
	}

	s.valueUsed.Set(newTotal)
	return signed, nil
}

// Status returns a snapshot of the session state.
func (s *Session) Status() Status {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.enclave == nil || s.isExpired() {
		return Status{MaxValue: "0", ValueUsed: "0"}
	}
	remaining := s.expiresAt.Sub(s.now())
	if remaining < 0 {
		remaining = 0
	}
	return Status{
		Active:       true,
		TTLRemaining: remaining,
		MaxValue:     s.maxValueLimit.String(),
		ValueUsed:    s.valueUsed.String(),
		Address:      s.address,
	}
}

// Destroy drops the enclave and resets all session state.
func (s *Session) Destroy() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.destroyLocked()
}

// destroyLocked performs the actual cleanup. Caller must hold s.mu.
func (s *Session) destroyLocked() {
	s.enclave = nil
	s.address = common.Address{}
	s.valueUsed = new(big.Int)
	s.maxValueLimit = nil
}

// isExpired checks whether the session TTL has elapsed. Caller must hold s.mu.
func (s *Session) isExpired() bool {
	return s.now().After(s.expiresAt)
}
