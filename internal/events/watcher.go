package events

import (
	"context"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/caesar-terminal/bazaar/internal/market"
)

// CircuitState represents the health of the feed connection.
type CircuitState int32

const (
	CircuitClosed CircuitState = iota // healthy
	CircuitOpen                       // disconnected, reconnecting
)

// WatcherConfig holds tunable parameters for a Watcher.
type WatcherConfig struct {
	URL string

	// HeartbeatTimeout is the maximum duration of silence, pings included,
	// before the watcher considers the connection dead and reconnects.
	HeartbeatTimeout time.Duration

	// Backoff parameters for reconnection.
	BackoffInitial time.Duration
	BackoffMax     time.Duration
	BackoffFactor  float64
}

// DefaultWatcherConfig returns defaults matched to DefaultFeedConfig.
func DefaultWatcherConfig(url string) WatcherConfig {
	return WatcherConfig{
		URL:              url,
		HeartbeatTimeout: 45 * time.Second,
		BackoffInitial:   100 * time.Millisecond,
		BackoffMax:       10 * time.Second,
		BackoffFactor:    2.0,
	}
}

// Watcher is a reconnecting client for a FeedServer. It decodes every
// frame into a market.Event and delivers it on Events.
type Watcher struct {
	cfg WatcherConfig
	log zerolog.Logger

	circuit atomic.Int32

	mu   sync.RWMutex
	conn *websocket.Conn

	events chan market.Event
	done   chan struct{}

	// onReconnect is called after each successful reconnection (testing hook).
	onReconnect func()
}

// NewWatcher creates a Watcher. Call Run to start.
func NewWatcher(cfg WatcherConfig, log zerolog.Logger) *Watcher {
	return &Watcher{
		cfg:    cfg,
		log:    log.With().Str("component", "watcher").Str("url", cfg.URL).Logger(),
		events: make(chan market.Event, 512),
		done:   make(chan struct{}),
	}
}

// Circuit returns the current connection state.
func (w *Watcher) Circuit() CircuitState {
	return CircuitState(w.circuit.Load())
}

// Events returns the channel of decoded events. It is closed when Run
// returns.
func (w *Watcher) Events() <-chan market.Event {
	return w.events
}

// Done is closed once Run has returned.
func (w *Watcher) Done() <-chan struct{} {
	return w.done
}

// Run dials the feed and reads until ctx is cancelled, reconnecting with
// exponential backoff. The initial dial failing is returned as an error.
func (w *Watcher) Run(ctx context.Context) error {
	defer close(w.done)
	defer close(w.events)

	if err := w.dial(ctx); err != nil {
		return err
	}
	w.circuit.Store(int32(CircuitClosed))

	stop := context.AfterFunc(ctx, func() {
		w.mu.RLock()
		if w.conn != nil {
			w.conn.Close()
		}
		w.mu.RUnlock()
	})
	defer stop()

	w.readLoop(ctx)
	return nil
}

func (w *Watcher) dial(ctx context.Context) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, w.cfg.URL, nil)
	if err != nil {
		return err
	}
	conn.SetPingHandler(func(data string) error {
		conn.SetReadDeadline(time.Now().Add(w.cfg.HeartbeatTimeout))
		return conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(time.Second))
	})

	w.mu.Lock()
	w.conn = conn
	w.mu.Unlock()
	return nil
}

// reconnect loops with exponential backoff until a connection is
// re-established or the context is cancelled.
func (w *Watcher) reconnect(ctx context.Context) bool {
	w.circuit.Store(int32(CircuitOpen))

	delay := w.cfg.BackoffInitial
	for {
		select {
		case <-ctx.Done():
			return false
		case <-time.After(delay):
		}

		if err := w.dial(ctx); err != nil {
			w.log.Warn().Err(err).Dur("retry_in", delay).Msg("reconnect failed")
			delay = time.Duration(math.Min(
				float64(delay)*w.cfg.BackoffFactor,
				float64(w.cfg.BackoffMax),
			))
			continue
		}

		w.circuit.Store(int32(CircuitClosed))
		w.log.Info().Msg("reconnected")
		if w.onReconnect != nil {
			w.onReconnect()
		}
		return true
	}
}

// readLoop reads frames and decodes them. Silence past HeartbeatTimeout
// triggers a reconnect.
func (w *Watcher) readLoop(ctx context.Context) {
	for {
		w.mu.RLock()
		c := w.conn
		w.mu.RUnlock()

		c.SetReadDeadline(time.Now().Add(w.cfg.HeartbeatTimeout))
		_, msg, err := c.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			w.log.Warn().Err(err).Msg("read error, reconnecting")
			c.Close()
			if !w.reconnect(ctx) {
				return
			}
			continue
		}

		e, err := Decode(msg)
		if err != nil {
			w.log.Warn().Err(err).Msg("skipping malformed event")
			continue
		}
		select {
		case w.events <- e:
		case <-ctx.Done():
			return
		}
	}
}
