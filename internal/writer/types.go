package writer

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"github.com/rickgao/depth-mirror/internal/model"
)

// Config holds batching settings.
type Config struct {
	BatchSize     int           // Flush once this many symbols are pending
	FlushInterval time.Duration // Flush at least this often
}

// DefaultConfig returns default configuration.
func DefaultConfig() Config {
	return Config{
		BatchSize:     500,
		FlushInterval: time.Second,
	}
}

// Stats holds writer counters.
type Stats struct {
	Received  int64
	Coalesced int64 // Updates replaced by a newer one before flush
	Inserts   int64
	Conflicts int64
	Errors    int64
	Flushes   int64
}

// BatchSender sends a pgx batch. *pgxpool.Pool implements it.
type BatchSender interface {
	SendBatch(ctx context.Context, b *pgx.Batch) pgx.BatchResults
}

// bookSnapshotRow is one row of book_snapshots.
type bookSnapshotRow struct {
	Ts           time.Time
	ReceivedAt   time.Time
	Symbol       string
	LastUpdateID int64
	Bids         []byte // JSONB [["price","qty"], ...]
	Asks         []byte
	BestBid      decimal.NullDecimal
	BestAsk      decimal.NullDecimal
	Spread       decimal.NullDecimal
	BatchID      uuid.UUID
}

// levelsToJSONB encodes levels in the exchange's [["price","qty"]] layout.
func levelsToJSONB(levels []model.PriceLevel) []byte {
	pairs := make([][2]string, len(levels))
	for i, l := range levels {
		pairs[i] = [2]string{l.Price.String(), l.Quantity.String()}
	}
	b, _ := json.Marshal(pairs)
	return b
}

func transform(u model.BookUpdate, receivedAt time.Time) bookSnapshotRow {
	row := bookSnapshotRow{
		Ts:           u.UpdateTime,
		ReceivedAt:   receivedAt,
		Symbol:       u.Symbol,
		LastUpdateID: u.LastUpdateID,
		Bids:         levelsToJSONB(u.Bids),
		Asks:         levelsToJSONB(u.Asks),
	}
	if bid, ok := u.BestBid(); ok {
		row.BestBid = decimal.NewNullDecimal(bid.Price)
	}
	if ask, ok := u.BestAsk(); ok {
		row.BestAsk = decimal.NewNullDecimal(ask.Price)
	}
	if spread, ok := u.Spread(); ok {
		row.Spread = decimal.NewNullDecimal(spread)
	}
	return row
}
