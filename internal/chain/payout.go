package chain

import (
	"context"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// Payout is a market.PaymentGateway that pays proceeds out as native
// value transfers from the operator account.
type Payout struct {
	sender *Sender
}

// NewPayout creates a Payout sending through sender.
func NewPayout(sender *Sender) *Payout {
	return &Payout{sender: sender}
}

// PayOut sends amount wei to to and waits for the transfer to be mined.
// A recipient contract that rejects the value makes the tx revert.
func (p *Payout) PayOut(ctx context.Context, to common.Address, amount *uint256.Int) error {
	receipt, err := p.sender.Send(ctx, to, amount.ToBig(), nil)
	if err != nil {
		return err
	}
	p.sender.log.Info().
		Str("to", to.Hex()).
		Str("amount", amount.Dec()).
		Str("tx", receipt.TxHash.Hex()).
		Msg("proceeds paid out")
	return nil
}
