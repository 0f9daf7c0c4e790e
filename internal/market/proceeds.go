package market

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// ProceedsLedger holds each seller's withdrawable balance plus the counters
// that make fund conservation checkable:
//
//	received == sum(balances) + paidOut + stranded
//
// stranded is value whose payout failed after the balance was zeroed. It is
// kept per owner so an operator can reconcile it out of band; the ledger
// never moves it back into a balance.
type ProceedsLedger struct {
	balances map[common.Address]uint256.Int
	stranded map[common.Address]uint256.Int

	received    uint256.Int
	outstanding uint256.Int
	paidOut     uint256.Int
	strandedSum uint256.Int

	// committed values of entries the running operation has touched, and
	// the counters as of the last commit
	balancesBefore map[common.Address]uint256.Int
	strandedBefore map[common.Address]uint256.Int
	settled        Totals

	journal *journal
}

// NewProceedsLedger returns an empty ledger.
func NewProceedsLedger() *ProceedsLedger {
	p := &ProceedsLedger{
		balances:       make(map[common.Address]uint256.Int),
		stranded:       make(map[common.Address]uint256.Int),
		balancesBefore: make(map[common.Address]uint256.Int),
		strandedBefore: make(map[common.Address]uint256.Int),
	}
	p.settled = p.totals(false)
	return p
}

func (p *ProceedsLedger) balance(owner common.Address, committed bool) *uint256.Int {
	b, touched := p.balancesBefore[owner]
	if !committed || !touched {
		b = p.balances[owner]
	}
	return new(uint256.Int).Set(&b)
}

func (p *ProceedsLedger) touchBalance(owner common.Address) {
	if _, seen := p.balancesBefore[owner]; !seen {
		p.balancesBefore[owner] = p.balances[owner]
	}
}

func (p *ProceedsLedger) touchStranded(owner common.Address) {
	if _, seen := p.strandedBefore[owner]; !seen {
		p.strandedBefore[owner] = p.stranded[owner]
	}
}

// commit makes the current balances and counters the committed state.
func (p *ProceedsLedger) commit() {
	clear(p.balancesBefore)
	clear(p.strandedBefore)
	p.settled = p.totals(false)
}

// credit adds amount to owner's balance and to the received counter.
func (p *ProceedsLedger) credit(owner common.Address, amount *uint256.Int) error {
	prev := p.balances[owner]
	next, overflow := new(uint256.Int).AddOverflow(&prev, amount)
	if overflow {
		return fmt.Errorf("%w: %s", ErrProceedsOverflow, owner.Hex())
	}
	received, overflow := new(uint256.Int).AddOverflow(&p.received, amount)
	if overflow {
		return fmt.Errorf("%w: total received", ErrProceedsOverflow)
	}
	prevReceived, prevOutstanding := p.received, p.outstanding

	p.touchBalance(owner)
	p.balances[owner] = *next
	p.received = *received
	p.outstanding.Add(&p.outstanding, amount)

	p.record(func() {
		p.restoreBalance(owner, prev)
		p.received = prevReceived
		p.outstanding = prevOutstanding
	})
	return nil
}

// take zeroes owner's balance and returns what it held. The value leaves
// the outstanding total; the caller must settle it with paid or strand.
func (p *ProceedsLedger) take(owner common.Address) *uint256.Int {
	prev, ok := p.balances[owner]
	if !ok || prev.IsZero() {
		return new(uint256.Int)
	}
	prevOutstanding := p.outstanding

	p.touchBalance(owner)
	delete(p.balances, owner)
	p.outstanding.Sub(&p.outstanding, &prev)

	p.record(func() {
		p.balances[owner] = prev
		p.outstanding = prevOutstanding
	})
	return new(uint256.Int).Set(&prev)
}

func (p *ProceedsLedger) paid(amount *uint256.Int) {
	prev := p.paidOut
	p.paidOut.Add(&p.paidOut, amount)
	p.record(func() { p.paidOut = prev })
}

func (p *ProceedsLedger) strand(owner common.Address, amount *uint256.Int) {
	prevOwner, had := p.stranded[owner]
	prevSum := p.strandedSum

	var next uint256.Int
	next.Add(&prevOwner, amount)
	p.touchStranded(owner)
	p.stranded[owner] = next
	p.strandedSum.Add(&p.strandedSum, amount)

	p.record(func() {
		if had {
			p.stranded[owner] = prevOwner
		} else {
			delete(p.stranded, owner)
		}
		p.strandedSum = prevSum
	})
}

func (p *ProceedsLedger) strandedFor(owner common.Address, committed bool) *uint256.Int {
	s, touched := p.strandedBefore[owner]
	if !committed || !touched {
		s = p.stranded[owner]
	}
	return new(uint256.Int).Set(&s)
}

func (p *ProceedsLedger) totals(committed bool) Totals {
	if committed {
		return Totals{
			Received:    new(uint256.Int).Set(p.settled.Received),
			Outstanding: new(uint256.Int).Set(p.settled.Outstanding),
			PaidOut:     new(uint256.Int).Set(p.settled.PaidOut),
			Stranded:    new(uint256.Int).Set(p.settled.Stranded),
		}
	}
	return Totals{
		Received:    new(uint256.Int).Set(&p.received),
		Outstanding: new(uint256.Int).Set(&p.outstanding),
		PaidOut:     new(uint256.Int).Set(&p.paidOut),
		Stranded:    new(uint256.Int).Set(&p.strandedSum),
	}
}

func (p *ProceedsLedger) restoreBalance(owner common.Address, v uint256.Int) {
	if v.IsZero() {
		delete(p.balances, owner)
		return
	}
	p.balances[owner] = v
}

func (p *ProceedsLedger) record(fn func()) {
	if p.journal != nil {
		p.journal.record(fn)
	}
}
