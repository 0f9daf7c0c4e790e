package market

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

type listingRecord struct {
	price  uint256.Int
	seller common.Address
}

// ListingLedger owns the active listing for each asset key. A key is listed
// iff its recorded price is above zero; a missing record reads as price zero.
//
// A ListingLedger serves exactly one Marketplace and is only touched while
// that Marketplace's ledger lock is held.
type ListingLedger struct {
	records map[Key]listingRecord
	// committed record of each key the running operation has touched
	before  map[Key]priorRecord
	journal *journal
}

type priorRecord struct {
	rec listingRecord
	had bool
}

// NewListingLedger returns an empty ledger.
func NewListingLedger() *ListingLedger {
	return &ListingLedger{
		records: make(map[Key]listingRecord),
		before:  make(map[Key]priorRecord),
	}
}

func (l *ListingLedger) get(k Key) (listingRecord, bool) {
	rec, ok := l.records[k]
	if !ok || rec.price.IsZero() {
		return listingRecord{}, false
	}
	return rec, true
}

// committedGet is get as of the last committed operation.
func (l *ListingLedger) committedGet(k Key) (listingRecord, bool) {
	p, touched := l.before[k]
	if !touched {
		return l.get(k)
	}
	if !p.had || p.rec.price.IsZero() {
		return listingRecord{}, false
	}
	return p.rec, true
}

func (l *ListingLedger) touch(k Key) {
	if _, seen := l.before[k]; seen {
		return
	}
	rec, had := l.records[k]
	l.before[k] = priorRecord{rec: rec, had: had}
}

// commit makes the current records the committed state.
func (l *ListingLedger) commit() {
	clear(l.before)
}

func (l *ListingLedger) put(k Key, price *uint256.Int, seller common.Address) {
	l.touch(k)
	prev, had := l.records[k]
	l.records[k] = listingRecord{price: *price, seller: seller}
	l.record(func() {
		if had {
			l.records[k] = prev
		} else {
			delete(l.records, k)
		}
	})
}

func (l *ListingLedger) remove(k Key) {
	prev, had := l.records[k]
	if !had {
		return
	}
	l.touch(k)
	delete(l.records, k)
	l.record(func() { l.records[k] = prev })
}

func (l *ListingLedger) record(fn func()) {
	if l.journal != nil {
		l.journal.record(fn)
	}
}

func (l *ListingLedger) listing(k Key, committed bool) (Listing, bool) {
	get := l.get
	if committed {
		get = l.committedGet
	}
	rec, ok := get(k)
	if !ok {
		return Listing{}, false
	}
	return Listing{
		Collection: k.Collection,
		AssetID:    new(uint256.Int).Set(&k.AssetID),
		Price:      new(uint256.Int).Set(&rec.price),
		Seller:     rec.seller,
	}, true
}

// count counts active listings. put is only called with a positive price, so
// every stored record is listed.
func (l *ListingLedger) count(committed bool) int {
	n := len(l.records)
	if !committed {
		return n
	}
	for k, p := range l.before {
		if _, now := l.records[k]; now {
			n--
		}
		if p.had {
			n++
		}
	}
	return n
}
