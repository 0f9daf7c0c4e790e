package main

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/awnumar/memguard"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/caesar-terminal/bazaar/internal/chain"
	"github.com/caesar-terminal/bazaar/internal/config"
	"github.com/caesar-terminal/bazaar/internal/events"
	"github.com/caesar-terminal/bazaar/internal/kms"
	"github.com/caesar-terminal/bazaar/internal/logging"
	"github.com/caesar-terminal/bazaar/internal/market"
	"github.com/caesar-terminal/bazaar/internal/metrics"
	"github.com/caesar-terminal/bazaar/internal/rpc"
	"github.com/caesar-terminal/bazaar/internal/signer"
	"github.com/caesar-terminal/bazaar/internal/store"
)

func main() {
	defer memguard.Purge()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "invalid config: %v\n", err)
		os.Exit(1)
	}

	log, err := logging.New(cfg.Log.Format, cfg.Log.Level)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to build logger: %v\n", err)
		os.Exit(1)
	}

	if err := run(cfg, log); err != nil {
		log.Error().Err(err).Msg("marketd exited")
		memguard.Purge()
		os.Exit(1)
	}
}

func run(cfg *config.Config, log zerolog.Logger) error {
	log.Info().Str("env", cfg.Env).Str("socket", cfg.RPC.SocketPath).Msg("marketd starting")

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// Operator key: KMS ciphertext on disk, plaintext only inside the session enclave.
	kmsClient, err := kms.New(ctx, cfg.Signer.AWSRegion, cfg.LocalStackEndpoint, cfg.Signer.KMSKeyID)
	if err != nil {
		return fmt.Errorf("kms client: %w", err)
	}
	key, err := kmsClient.LoadKey(ctx, cfg.Signer.KeyCiphertextPath)
	if err != nil {
		return fmt.Errorf("load operator key: %w", err)
	}
	maxPayout, err := cfg.Signer.MaxPayout()
	if err != nil {
		memguard.WipeBytes(key)
		return err
	}
	session := signer.NewSession(time.Duration(cfg.Signer.SessionTTLSec) * time.Second)
	if err := session.Activate(key, maxPayout); err != nil {
		memguard.WipeBytes(key)
		return fmt.Errorf("activate signer session: %w", err)
	}
	defer session.Destroy()

	operator := session.Address()
	if want := cfg.Chain.Marketplace(); want != (common.Address{}) && want != operator {
		return fmt.Errorf("operator key is %s, configured marketplace is %s", operator.Hex(), want.Hex())
	}
	log.Info().Str("operator", operator.Hex()).Msg("signer session active")

	node, err := ethclient.DialContext(ctx, cfg.Chain.RPCURL)
	if err != nil {
		return fmt.Errorf("dial node: %w", err)
	}
	defer node.Close()

	breaker := chain.NewBreaker(chain.DefaultBreakerConfig())
	sender := chain.NewSender(node, session, chain.SenderConfig{
		ChainID:           big.NewInt(cfg.Chain.ChainID),
		ReceiptPoll:       cfg.Chain.ReceiptPoll(),
		ReceiptTimeout:    cfg.Chain.ReceiptTimeout(),
		GasLimitMarginPct: cfg.Chain.GasLimitMarginPct,
	}, breaker, log)

	pool, err := store.Connect(ctx, cfg.DB)
	if err != nil {
		return err
	}
	defer pool.Close()

	audit := store.NewAuditLog(pool, store.DefaultAuditConfig(), log)
	if err := audit.EnsureSchema(ctx); err != nil {
		return err
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer rdb.Close()
	if err := rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis ping: %w", err)
	}

	reg := prometheus.NewRegistry()
	mt := metrics.New(reg)

	bc := events.NewBroadcaster(log)
	m := market.New(operator,
		chain.NewRegistry(sender),
		chain.NewPayout(sender),
		nil, nil,
		market.WithNotifier(bc),
		market.WithLogger(log),
		market.WithMetrics(mt),
	)

	// Consumers are stopped only after in-flight RPCs have drained.
	consumeCtx, stopConsumers := context.WithCancel(context.Background())
	defer stopConsumers()
	var consumers sync.WaitGroup

	writer := events.NewRedisWriter(events.NewRedisClient(rdb), bc.SubscribeAll(), cfg.Redis.Stream, log)
	auditFeed := bc.SubscribeAll()
	consumers.Add(2)
	go func() {
		defer consumers.Done()
		writer.Run(consumeCtx)
	}()
	go func() {
		defer consumers.Done()
		audit.Run(consumeCtx, auditFeed)
	}()

	mux := http.NewServeMux()
	mux.Handle("/feed", events.NewFeedServer(bc, events.DefaultFeedConfig(), log))
	feedSrv := &http.Server{Addr: cfg.Feed.ListenAddr, Handler: mux}

	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	metricsSrv := &http.Server{Addr: cfg.Metrics.ListenAddr, Handler: metricsMux}

	srv, err := rpc.NewServer(cfg.RPC.SocketPath, rpc.NewHandler(m), log)
	if err != nil {
		return err
	}

	errCh := make(chan error, 3)
	go func() {
		errCh <- srv.Serve()
	}()
	go func() {
		errCh <- listen(feedSrv)
	}()
	go func() {
		errCh <- listen(metricsSrv)
	}()

	log.Info().
		Str("feed", cfg.Feed.ListenAddr).
		Str("metrics", cfg.Metrics.ListenAddr).
		Msg("marketd ready")

	var runErr error
	select {
	case <-ctx.Done():
		log.Info().Msg("marketd shutting down")
	case runErr = <-errCh:
		log.Error().Err(runErr).Msg("listener failed")
	}

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()
	srv.Shutdown(shutdownCtx)
	feedSrv.Shutdown(shutdownCtx)
	metricsSrv.Shutdown(shutdownCtx)

	stopConsumers()
	consumers.Wait()

	stats := audit.Stats()
	t := m.Totals(context.Background())
	for _, u := range m.Unconfirmed(context.Background()) {
		log.Warn().EmbedObject(u).Msg("settlement awaiting transfer confirmation")
	}
	log.Info().
		Int64("audit_inserts", stats.Inserts).
		Int64("audit_errors", stats.Errors).
		Str("received", t.Received.Dec()).
		Str("paid_out", t.PaidOut.Dec()).
		Str("stranded", t.Stranded.Dec()).
		Msg("marketd stopped")
	return runErr
}

func listen(s *http.Server) error {
	if err := s.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("http %s: %w", s.Addr, err)
	}
	return nil
}
