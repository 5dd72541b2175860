package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Side selects one half of the book.
type Side int

const (
	Bid Side = iota
	Ask
)

func (s Side) String() string {
	if s == Bid {
		return "bid"
	}
	return "ask"
}

// PriceLevel is one (price, quantity) row.
type PriceLevel struct {
	Price    decimal.Decimal `json:"price"`
	Quantity decimal.Decimal `json:"quantity"`
}

// -----------------------------------------------------------------------------
// Wire Types
// -----------------------------------------------------------------------------

// DiffMessage is one incremental depth update.
type DiffMessage struct {
	EventType     string       // "depthUpdate"
	EventTime     int64        // E (ms since epoch)
	Symbol        string       // s
	FirstUpdateID int64        // U
	FinalUpdateID int64        // u
	Bids          []PriceLevel // b; quantity 0 removes the level
	Asks          []PriceLevel // a
}

// Time returns the event time as a time.Time.
func (d DiffMessage) Time() time.Time {
	return time.UnixMilli(d.EventTime)
}

// Snapshot is a REST depth snapshot.
type Snapshot struct {
	LastUpdateID int64
	Bids         []PriceLevel
	Asks         []PriceLevel
}

// -----------------------------------------------------------------------------
// Output Types
// -----------------------------------------------------------------------------

// BookUpdate is an immutable top-of-book view handed to sinks after every applied change.
type BookUpdate struct {
	Symbol       string       `json:"symbol"`
	LastUpdateID int64        `json:"last_update_id"`
	UpdateTime   time.Time    `json:"update_time"`
	Bids         []PriceLevel `json:"bids"` // best first
	Asks         []PriceLevel `json:"asks"` // best first
}

// BestBid returns the highest bid, if any.
func (u BookUpdate) BestBid() (PriceLevel, bool) {
	if len(u.Bids) == 0 {
		return PriceLevel{}, false
	}
	return u.Bids[0], true
}

// BestAsk returns the lowest ask, if any.
func (u BookUpdate) BestAsk() (PriceLevel, bool) {
	if len(u.Asks) == 0 {
		return PriceLevel{}, false
	}
	return u.Asks[0], true
}

// Spread is best ask minus best bid, or false when either side is empty.
func (u BookUpdate) Spread() (decimal.Decimal, bool) {
	bid, ok := u.BestBid()
	if !ok {
		return decimal.Zero, false
	}
	ask, ok := u.BestAsk()
	if !ok {
		return decimal.Zero, false
	}
	return ask.Price.Sub(bid.Price), true
}
