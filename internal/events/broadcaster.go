package events

import (
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"

	"github.com/caesar-terminal/bazaar/internal/market"
)

// Broadcaster is the market.Notifier that fans committed events out to
// per-collection subscribers and a unified "all" stream.
//
// Notify is called while the marketplace still holds its operation lock,
// so delivery never blocks: slow subscribers get events dropped. Mutating
// calls made from Notify are refused with market.ErrReentrancyBlocked.
type Broadcaster struct {
	log zerolog.Logger

	// Filtered subscribers keyed by collection.
	mu   sync.RWMutex
	subs map[common.Address][]chan market.Event

	// allMu guards the unified subscriber list.
	allMu  sync.RWMutex
	allSub []chan market.Event
}

// NewBroadcaster creates an empty Broadcaster.
func NewBroadcaster(log zerolog.Logger) *Broadcaster {
	return &Broadcaster{
		log:  log.With().Str("component", "broadcaster").Logger(),
		subs: make(map[common.Address][]chan market.Event),
	}
}

// Subscribe returns a buffered channel that receives events for one
// collection. Withdrawals belong to no collection and only reach
// SubscribeAll channels.
func (b *Broadcaster) Subscribe(collection common.Address) <-chan market.Event {
	ch := make(chan market.Event, 256)

	b.mu.Lock()
	b.subs[collection] = append(b.subs[collection], ch)
	b.mu.Unlock()

	return ch
}

// SubscribeAll returns a buffered channel that receives every event.
// Intended for persistence and the public feed.
func (b *Broadcaster) SubscribeAll() <-chan market.Event {
	ch := make(chan market.Event, 512)

	b.allMu.Lock()
	b.allSub = append(b.allSub, ch)
	b.allMu.Unlock()

	return ch
}

// Unsubscribe removes and closes a channel returned by Subscribe or
// SubscribeAll. Unknown channels are ignored.
func (b *Broadcaster) Unsubscribe(sub <-chan market.Event) {
	b.mu.Lock()
	for key, subs := range b.subs {
		if i := indexOf(subs, sub); i >= 0 {
			close(subs[i])
			b.subs[key] = append(subs[:i], subs[i+1:]...)
			if len(b.subs[key]) == 0 {
				delete(b.subs, key)
			}
			b.mu.Unlock()
			return
		}
	}
	b.mu.Unlock()

	b.allMu.Lock()
	defer b.allMu.Unlock()
	if i := indexOf(b.allSub, sub); i >= 0 {
		close(b.allSub[i])
		b.allSub = append(b.allSub[:i], b.allSub[i+1:]...)
	}
}

// Notify distributes e to all matching filtered subscribers and all unified
// subscribers.
func (b *Broadcaster) Notify(e market.Event) {
	if e.Kind != market.EventWithdrawn {
		b.mu.RLock()
		for _, ch := range b.subs[e.Collection] {
			select {
			case ch <- e:
			default:
				b.log.Warn().
					Str("collection", e.Collection.Hex()).
					Str("event", e.ID).
					Msg("dropping event for slow subscriber")
			}
		}
		b.mu.RUnlock()
	}

	b.allMu.RLock()
	for _, ch := range b.allSub {
		select {
		case ch <- e:
		default:
			b.log.Warn().Str("event", e.ID).Msg("dropping event for slow unified subscriber")
		}
	}
	b.allMu.RUnlock()
}

func indexOf(subs []chan market.Event, sub <-chan market.Event) int {
	for i, ch := range subs {
		if (<-chan market.Event)(ch) == sub {
			return i
		}
	}
	return -1
}
