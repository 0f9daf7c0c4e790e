package events

import (
	"context"
	"fmt"
	"strconv"
	"sync"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/caesar-terminal/bazaar/internal/market"
)

// RedisClient abstracts the Redis operations used by RedisWriter.
// In production this is satisfied by NewRedisClient; in tests by a mock.
type RedisClient interface {
	HSet(ctx context.Context, key string, values ...any) error
	Del(ctx context.Context, keys ...string) error
	XAdd(ctx context.Context, stream string, values map[string]any) error
}

type goRedis struct {
	c *redis.Client
}

// NewRedisClient adapts a go-redis client to RedisClient.
func NewRedisClient(c *redis.Client) RedisClient {
	return goRedis{c: c}
}

func (g goRedis) HSet(ctx context.Context, key string, values ...any) error {
	return g.c.HSet(ctx, key, values...).Err()
}

func (g goRedis) Del(ctx context.Context, keys ...string) error {
	return g.c.Del(ctx, keys...).Err()
}

func (g goRedis) XAdd(ctx context.Context, stream string, values map[string]any) error {
	return g.c.XAdd(ctx, &redis.XAddArgs{Stream: stream, Values: values}).Err()
}

// listingSnapshot holds the last-written listing so re-emitted Listed
// events with an unchanged price skip the write.
type listingSnapshot struct {
	Seller string
	Price  string
}

// RedisWriter subscribes to a Broadcaster's unified stream and projects
// the active listings into Redis using the schema:
//
//	Key:    listing:{collection}:{asset_id}
//	Fields: seller, price, ts
//
// The hash is written on Listed and deleted on Purchased or Cancelled.
// Every event is also appended to a Redis stream. Proceeds are not
// projected; the ledger is the only source for balances.
//
// Writes are non-blocking: events are buffered in an internal channel and
// flushed by a dedicated goroutine.
type RedisWriter struct {
	client RedisClient
	feed   <-chan market.Event
	buf    chan market.Event
	stream string
	log    zerolog.Logger

	mu   sync.Mutex
	last map[string]listingSnapshot // keyed by Redis key
}

// NewRedisWriter creates a RedisWriter that reads from the Broadcaster's
// SubscribeAll channel and writes to the given Redis client.
func NewRedisWriter(client RedisClient, feed <-chan market.Event, stream string, log zerolog.Logger) *RedisWriter {
	return &RedisWriter{
		client: client,
		feed:   feed,
		buf:    make(chan market.Event, 1024),
		stream: stream,
		log:    log.With().Str("component", "redis_writer").Logger(),
		last:   make(map[string]listingSnapshot),
	}
}

// Run starts two goroutines: one to drain the Broadcaster feed into an
// internal buffer, and one to flush buffered events to Redis. It blocks
// until ctx is cancelled or the feed is closed and drained.
func (rw *RedisWriter) Run(ctx context.Context) {
	var wg sync.WaitGroup
	wg.Add(2)

	go func() {
		defer wg.Done()
		defer close(rw.buf)
		for {
			select {
			case <-ctx.Done():
				return
			case e, ok := <-rw.feed:
				if !ok {
					return
				}
				select {
				case rw.buf <- e:
				default:
					rw.log.Warn().Str("event", e.ID).Msg("buffer full, dropping event")
				}
			}
		}
	}()

	go func() {
		defer wg.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case e, ok := <-rw.buf:
				if !ok {
					return
				}
				if err := rw.write(ctx, e); err != nil {
					rw.log.Error().Err(err).Str("event", e.ID).Msg("redis write failed")
				}
			}
		}
	}()

	wg.Wait()
}

func listingKey(e market.Event) string {
	return fmt.Sprintf("listing:%s:%s", e.Collection.Hex(), e.AssetID.Dec())
}

// write updates the listing projection and appends e to the stream.
func (rw *RedisWriter) write(ctx context.Context, e market.Event) error {
	switch e.Kind {
	case market.EventListed:
		key := listingKey(e)
		snap := listingSnapshot{Seller: e.Seller.Hex(), Price: e.Price.Dec()}

		rw.mu.Lock()
		prev, exists := rw.last[key]
		rw.last[key] = snap
		rw.mu.Unlock()

		if !exists || prev != snap {
			ts := strconv.FormatInt(e.At.UnixMilli(), 10)
			if err := rw.client.HSet(ctx, key, "seller", snap.Seller, "price", snap.Price, "ts", ts); err != nil {
				return fmt.Errorf("hset %s: %w", key, err)
			}
		}
	case market.EventPurchased, market.EventCancelled:
		key := listingKey(e)
		rw.mu.Lock()
		delete(rw.last, key)
		rw.mu.Unlock()
		if err := rw.client.Del(ctx, key); err != nil {
			return fmt.Errorf("del %s: %w", key, err)
		}
	}

	payload, err := Encode(e)
	if err != nil {
		return err
	}
	err = rw.client.XAdd(ctx, rw.stream, map[string]any{
		"id":      e.ID,
		"kind":    e.Kind.String(),
		"payload": string(payload),
	})
	if err != nil {
		return fmt.Errorf("xadd %s: %w", rw.stream, err)
	}
	return nil
}
