package store

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/holiman/uint256"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/rs/zerolog"

	"github.com/caesar-terminal/bazaar/internal/market"
)

// DB is the subset of *pgxpool.Pool used by the audit log.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	SendBatch(ctx context.Context, b *pgx.Batch) pgx.BatchResults
}

const schema = `
CREATE TABLE IF NOT EXISTS market_events (
	id          UUID PRIMARY KEY,
	kind        TEXT NOT NULL,
	collection  TEXT,
	asset_id    NUMERIC(78, 0),
	price       NUMERIC(78, 0),
	amount      NUMERIC(78, 0),
	seller      TEXT,
	buyer       TEXT,
	at          TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS market_events_asset_idx ON market_events (collection, asset_id, at);
CREATE INDEX IF NOT EXISTS market_events_seller_idx ON market_events (seller, at);
`

const insertEvent = `
	INSERT INTO market_events (id, kind, collection, asset_id, price, amount, seller, buyer, at)
	VALUES ($1::uuid, $2, $3, $4::text::numeric, $5::text::numeric, $6::text::numeric, $7, $8, $9)
	ON CONFLICT (id) DO NOTHING
`

// AuditConfig holds batching parameters.
type AuditConfig struct {
	BatchSize     int
	FlushInterval time.Duration
}

// DefaultAuditConfig returns production defaults.
func DefaultAuditConfig() AuditConfig {
	return AuditConfig{
		BatchSize:     100,
		FlushInterval: time.Second,
	}
}

// AuditStats counts audit log activity.
type AuditStats struct {
	Inserts   int64
	Conflicts int64
	Flushes   int64
	Errors    int64
}

// AuditLog appends committed market events to the market_events table.
// It is an append-only history; the ledger itself never reads it back.
type AuditLog struct {
	cfg AuditConfig
	db  DB
	log zerolog.Logger

	mu    sync.Mutex
	batch []market.Event
	stats AuditStats
}

// NewAuditLog creates an AuditLog writing to db.
func NewAuditLog(db DB, cfg AuditConfig, log zerolog.Logger) *AuditLog {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultAuditConfig().BatchSize
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = DefaultAuditConfig().FlushInterval
	}
	return &AuditLog{
		cfg:   cfg,
		db:    db,
		log:   log.With().Str("component", "audit").Logger(),
		batch: make([]market.Event, 0, cfg.BatchSize),
	}
}

// EnsureSchema creates the table and indexes if they are missing.
func (a *AuditLog) EnsureSchema(ctx context.Context) error {
	if _, err := a.db.Exec(ctx, schema); err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	return nil
}

// Record queues e and flushes when the batch is full.
func (a *AuditLog) Record(ctx context.Context, e market.Event) {
	a.mu.Lock()
	a.batch = append(a.batch, e)
	full := len(a.batch) >= a.cfg.BatchSize
	a.mu.Unlock()

	if full {
		a.flush(ctx)
	}
}

// Run records every event from feed and flushes periodically. It blocks
// until ctx is cancelled or feed is closed, then flushes what is left.
func (a *AuditLog) Run(ctx context.Context, feed <-chan market.Event) {
	ticker := time.NewTicker(a.cfg.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			// the final flush must outlive the cancelled ctx
			a.flush(context.WithoutCancel(ctx))
			return
		case e, ok := <-feed:
			if !ok {
				a.flush(ctx)
				return
			}
			a.Record(ctx, e)
		case <-ticker.C:
			a.flush(ctx)
		}
	}
}

// Stats returns current counters.
func (a *AuditLog) Stats() AuditStats {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.stats
}

// flush writes the current batch to the database.
func (a *AuditLog) flush(ctx context.Context) {
	a.mu.Lock()
	if len(a.batch) == 0 {
		a.mu.Unlock()
		return
	}
	batch := a.batch
	a.batch = make([]market.Event, 0, a.cfg.BatchSize)
	a.mu.Unlock()

	start := time.Now()
	conflicts, err := a.batchInsert(ctx, batch)
	if err != nil {
		a.log.Error().Err(err).Int("count", len(batch)).Msg("audit batch insert failed")
		a.mu.Lock()
		a.stats.Errors++
		a.mu.Unlock()
		return
	}

	a.mu.Lock()
	a.stats.Inserts += int64(len(batch) - conflicts)
	a.stats.Conflicts += int64(conflicts)
	a.stats.Flushes++
	a.mu.Unlock()

	a.log.Debug().
		Int("count", len(batch)).
		Int("conflicts", conflicts).
		Dur("duration", time.Since(start)).
		Msg("flushed audit events")
}

// batchInsert inserts events using pgx.Batch with ON CONFLICT DO NOTHING.
func (a *AuditLog) batchInsert(ctx context.Context, events []market.Event) (conflicts int, err error) {
	batch := &pgx.Batch{}
	for _, e := range events {
		batch.Queue(insertEvent, rowArgs(e)...)
	}

	results := a.db.SendBatch(ctx, batch)
	defer results.Close()

	for range events {
		ct, err := results.Exec()
		if err != nil {
			return 0, err
		}
		if ct.RowsAffected() == 0 {
			conflicts++
		}
	}
	return conflicts, nil
}

// rowArgs maps e onto the insert parameters. Fields an event kind does not
// carry are NULL.
func rowArgs(e market.Event) []any {
	var collection *string
	if e.Kind != market.EventWithdrawn {
		c := e.Collection.Hex()
		collection = &c
	}
	var buyer *string
	if e.Kind == market.EventPurchased {
		b := e.Buyer.Hex()
		buyer = &b
	}
	return []any{
		e.ID,
		e.Kind.String(),
		collection,
		numeric(e.AssetID),
		numeric(e.Price),
		numeric(e.Amount),
		e.Seller.Hex(),
		buyer,
		e.At.UTC(),
	}
}

func numeric(v *uint256.Int) *string {
	if v == nil {
		return nil
	}
	s := v.Dec()
	return &s
}
