package events

import (
	"net/http"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/caesar-terminal/bazaar/internal/market"
)

// FeedConfig holds tunable parameters for a FeedServer.
type FeedConfig struct {
	// PingInterval is how often idle connections get a ping frame.
	PingInterval time.Duration

	// WriteTimeout bounds each frame write.
	WriteTimeout time.Duration
}

// DefaultFeedConfig returns production defaults.
func DefaultFeedConfig() FeedConfig {
	return FeedConfig{
		PingInterval: 15 * time.Second,
		WriteTimeout: 5 * time.Second,
	}
}

// FeedServer streams committed events to WebSocket clients as JSON text
// frames. A client may pass ?collection=0x... to receive only that
// collection's events.
type FeedServer struct {
	cfg      FeedConfig
	bc       *Broadcaster
	upgrader websocket.Upgrader
	log      zerolog.Logger
}

// NewFeedServer creates a FeedServer fed by bc.
func NewFeedServer(bc *Broadcaster, cfg FeedConfig, log zerolog.Logger) *FeedServer {
	return &FeedServer{
		cfg: cfg,
		bc:  bc,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
		},
		log: log.With().Str("component", "feed").Logger(),
	}
}

// ServeHTTP upgrades the request and streams events until the client goes
// away.
func (s *FeedServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var sub <-chan market.Event
	if c := r.URL.Query().Get("collection"); c != "" {
		if !common.IsHexAddress(c) {
			http.Error(w, "invalid collection", http.StatusBadRequest)
			return
		}
		sub = s.bc.Subscribe(common.HexToAddress(c))
	} else {
		sub = s.bc.SubscribeAll()
	}
	defer s.bc.Unsubscribe(sub)

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Debug().Err(err).Msg("upgrade failed")
		return
	}
	defer conn.Close()
	s.log.Info().Str("remote", r.RemoteAddr).Msg("feed client connected")

	// The read side only services control frames and notices the close.
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(s.cfg.PingInterval)
	defer ping.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-gone:
			s.log.Info().Str("remote", r.RemoteAddr).Msg("feed client disconnected")
			return
		case <-ping.C:
			deadline := time.Now().Add(s.cfg.WriteTimeout)
			if err := conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				return
			}
		case e, ok := <-sub:
			if !ok {
				return
			}
			data, err := Encode(e)
			if err != nil {
				s.log.Error().Err(err).Str("event", e.ID).Msg("encode failed")
				continue
			}
			conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
			if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
				s.log.Debug().Err(err).Msg("feed write failed")
				return
			}
		}
	}
}
