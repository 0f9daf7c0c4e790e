// marketwatch tails the marketd event feed and logs every event.
//
//	marketwatch [collection]
package main

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"os/signal"
	"syscall"

	"github.com/ethereum/go-ethereum/common"

	"github.com/caesar-terminal/bazaar/internal/config"
	"github.com/caesar-terminal/bazaar/internal/events"
	"github.com/caesar-terminal/bazaar/internal/logging"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}
	log, err := logging.New(cfg.Log.Format, cfg.Log.Level)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to build logger: %v\n", err)
		os.Exit(1)
	}

	feed := url.URL{Scheme: "ws", Host: cfg.Feed.ListenAddr, Path: "/feed"}
	if len(os.Args) > 1 {
		if !common.IsHexAddress(os.Args[1]) {
			fmt.Fprintf(os.Stderr, "invalid collection address: %s\n", os.Args[1])
			os.Exit(2)
		}
		feed.RawQuery = url.Values{"collection": {os.Args[1]}}.Encode()
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	w := events.NewWatcher(events.DefaultWatcherConfig(feed.String()), log)
	errCh := make(chan error, 1)
	go func() {
		errCh <- w.Run(ctx)
	}()

	for e := range w.Events() {
		log.Info().EmbedObject(e).Msg("event")
	}
	if err := <-errCh; err != nil {
		log.Error().Err(err).Str("feed", feed.String()).Msg("feed unavailable")
		os.Exit(1)
	}
}
