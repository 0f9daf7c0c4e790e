package events

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/caesar-terminal/bazaar/internal/market"
)

func wsURL(s *httptest.Server) string {
	return "ws" + strings.TrimPrefix(s.URL, "http")
}

func (b *Broadcaster) subscriberCount() int {
	b.mu.RLock()
	n := 0
	for _, subs := range b.subs {
		n += len(subs)
	}
	b.mu.RUnlock()
	b.allMu.RLock()
	defer b.allMu.RUnlock()
	return n + len(b.allSub)
}

func testWatcherConfig(url string) WatcherConfig {
	cfg := DefaultWatcherConfig(url)
	cfg.HeartbeatTimeout = 200 * time.Millisecond
	cfg.BackoffInitial = 20 * time.Millisecond
	return cfg
}

func startWatcher(t *testing.T, cfg WatcherConfig) (*Watcher, context.CancelFunc) {
	t.Helper()
	w := NewWatcher(cfg, zerolog.Nop())
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	errCh := make(chan error, 1)
	go func() { errCh <- w.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-w.Done()
		require.NoError(t, <-errCh)
	})
	return w, cancel
}

func TestFeedDeliversEvents(t *testing.T) {
	bc := NewBroadcaster(zerolog.Nop())
	cfg := DefaultFeedConfig()
	srv := httptest.NewServer(NewFeedServer(bc, cfg, zerolog.Nop()))
	defer srv.Close()

	w, _ := startWatcher(t, testWatcherConfig(wsURL(srv)))
	require.Eventually(t, func() bool { return bc.subscriberCount() == 1 }, time.Second, 5*time.Millisecond)

	want := purchased(collectionA, 9, 250)
	bc.Notify(want)
	bc.Notify(withdrawn(250))

	require.Equal(t, want, recv(t, w.Events()))
	require.Equal(t, market.EventWithdrawn, recv(t, w.Events()).Kind)
	require.Equal(t, CircuitClosed, w.Circuit())
}

func TestFeedFiltersByCollection(t *testing.T) {
	bc := NewBroadcaster(zerolog.Nop())
	srv := httptest.NewServer(NewFeedServer(bc, DefaultFeedConfig(), zerolog.Nop()))
	defer srv.Close()

	w, _ := startWatcher(t, testWatcherConfig(wsURL(srv)+"?collection="+collectionB.Hex()))
	require.Eventually(t, func() bool { return bc.subscriberCount() == 1 }, time.Second, 5*time.Millisecond)

	bc.Notify(listed(collectionA, 1, 10))
	bc.Notify(withdrawn(10))
	bc.Notify(listed(collectionB, 2, 20))

	got := recv(t, w.Events())
	require.Equal(t, collectionB, got.Collection)
	requireQuiet(t, w.Events())
}

func TestFeedRejectsBadCollection(t *testing.T) {
	bc := NewBroadcaster(zerolog.Nop())
	srv := httptest.NewServer(NewFeedServer(bc, DefaultFeedConfig(), zerolog.Nop()))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "?collection=0xnope")
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	require.Zero(t, bc.subscriberCount())
}

func TestFeedUnsubscribesOnDisconnect(t *testing.T) {
	bc := NewBroadcaster(zerolog.Nop())
	srv := httptest.NewServer(NewFeedServer(bc, DefaultFeedConfig(), zerolog.Nop()))
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(srv), nil)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return bc.subscriberCount() == 1 }, time.Second, 5*time.Millisecond)

	conn.Close()
	require.Eventually(t, func() bool { return bc.subscriberCount() == 0 }, time.Second, 5*time.Millisecond)
}

func TestWatcherReconnects(t *testing.T) {
	bc := NewBroadcaster(zerolog.Nop())
	feed := NewFeedServer(bc, DefaultFeedConfig(), zerolog.Nop())

	var conns atomic.Int32
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if conns.Add(1) > 1 {
			feed.ServeHTTP(w, r)
			return
		}
		// first connection delivers one event and drops
		c, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		data, _ := Encode(listed(collectionA, 1, 10))
		c.WriteMessage(websocket.TextMessage, data)
		c.Close()
	}))
	defer srv.Close()

	cfg := testWatcherConfig(wsURL(srv))
	w := NewWatcher(cfg, zerolog.Nop())
	var reconnects atomic.Int32
	w.onReconnect = func() { reconnects.Add(1) }

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	go w.Run(ctx)

	require.Equal(t, market.EventListed, recv(t, w.Events()).Kind)
	require.Eventually(t, func() bool { return reconnects.Load() == 1 }, 2*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool { return bc.subscriberCount() == 1 }, time.Second, 5*time.Millisecond)

	bc.Notify(withdrawn(3))
	require.Equal(t, market.EventWithdrawn, recv(t, w.Events()).Kind)
	require.Equal(t, CircuitClosed, w.Circuit())

	cancel()
	select {
	case <-w.Done():
	case <-time.After(time.Second):
		t.Fatal("watcher did not stop")
	}
}

func TestWatcherKeptAliveByPings(t *testing.T) {
	bc := NewBroadcaster(zerolog.Nop())
	cfg := DefaultFeedConfig()
	cfg.PingInterval = 20 * time.Millisecond
	srv := httptest.NewServer(NewFeedServer(bc, cfg, zerolog.Nop()))
	defer srv.Close()

	wcfg := testWatcherConfig(wsURL(srv))
	w := NewWatcher(wcfg, zerolog.Nop())
	var reconnects atomic.Int32
	w.onReconnect = func() { reconnects.Add(1) }

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	go w.Run(ctx)

	// silent for well past the heartbeat timeout apart from pings
	time.Sleep(3 * wcfg.HeartbeatTimeout)
	require.Zero(t, reconnects.Load())
	require.Equal(t, CircuitClosed, w.Circuit())
}

func TestWatcherInitialDialFails(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := wsURL(srv)
	srv.Close()

	w := NewWatcher(testWatcherConfig(url), zerolog.Nop())
	require.Error(t, w.Run(context.Background()))
	_, ok := <-w.Events()
	require.False(t, ok)
}
