package events

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"github.com/caesar-terminal/bazaar/internal/market"
)

// message is the JSON form of a market.Event on the feed and in the Redis
// stream. Amounts are decimal strings; absent fields are omitted.
type message struct {
	ID         string `json:"id"`
	Kind       string `json:"kind"`
	Collection string `json:"collection,omitempty"`
	AssetID    string `json:"asset_id,omitempty"`
	Price      string `json:"price,omitempty"`
	Amount     string `json:"amount,omitempty"`
	Seller     string `json:"seller,omitempty"`
	Buyer      string `json:"buyer,omitempty"`
	At         int64  `json:"at"` // unix millis
}

// Encode renders e in its wire form.
func Encode(e market.Event) ([]byte, error) {
	m := message{
		ID:     e.ID,
		Kind:   e.Kind.String(),
		Price:  dec(e.Price),
		Amount: dec(e.Amount),
		Seller: hexOrEmpty(e.Seller),
		Buyer:  hexOrEmpty(e.Buyer),
		At:     e.At.UnixMilli(),
	}
	if e.Kind != market.EventWithdrawn {
		m.Collection = e.Collection.Hex()
		m.AssetID = dec(e.AssetID)
	}
	return json.Marshal(m)
}

// Decode parses the wire form produced by Encode.
func Decode(data []byte) (market.Event, error) {
	var m message
	if err := json.Unmarshal(data, &m); err != nil {
		return market.Event{}, fmt.Errorf("events: decode: %w", err)
	}
	kind, err := market.ParseEventKind(m.Kind)
	if err != nil {
		return market.Event{}, fmt.Errorf("events: decode: %w", err)
	}

	e := market.Event{
		ID:   m.ID,
		Kind: kind,
		At:   time.UnixMilli(m.At),
	}
	if m.Collection != "" {
		if !common.IsHexAddress(m.Collection) {
			return market.Event{}, fmt.Errorf("events: decode: bad collection %q", m.Collection)
		}
		e.Collection = common.HexToAddress(m.Collection)
	}
	if m.Seller != "" {
		e.Seller = common.HexToAddress(m.Seller)
	}
	if m.Buyer != "" {
		e.Buyer = common.HexToAddress(m.Buyer)
	}
	for _, f := range []struct {
		name string
		in   string
		out  **uint256.Int
	}{
		{"asset_id", m.AssetID, &e.AssetID},
		{"price", m.Price, &e.Price},
		{"amount", m.Amount, &e.Amount},
	} {
		if f.in == "" {
			continue
		}
		v, err := uint256.FromDecimal(f.in)
		if err != nil {
			return market.Event{}, fmt.Errorf("events: decode %s: %w", f.name, err)
		}
		*f.out = v
	}
	return e, nil
}

func dec(v *uint256.Int) string {
	if v == nil {
		return ""
	}
	return v.Dec()
}

func hexOrEmpty(a common.Address) string {
	if a == (common.Address{}) {
		return ""
	}
	return a.Hex()
}
