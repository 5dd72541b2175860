package orderbook

import (
	"slices"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/rickgao/depth-mirror/internal/model"
)

// Book is the local price-level cache for one symbol. Levels with zero
// quantity are never stored. All methods are safe for concurrent use.
type Book struct {
	symbol string

	mu           sync.RWMutex
	bids         map[string]model.PriceLevel // keyed by canonical price string
	asks         map[string]model.PriceLevel
	lastUpdateID int64
	updateTime   time.Time
}

// NewBook creates an empty book.
func NewBook(symbol string) *Book {
	return &Book{
		symbol: symbol,
		bids:   make(map[string]model.PriceLevel),
		asks:   make(map[string]model.PriceLevel),
	}
}

// Symbol returns the book's symbol.
func (b *Book) Symbol() string {
	return b.symbol
}

// ApplyLevel sets or removes one level. A zero quantity removes the price.
func (b *Book) ApplyLevel(side model.Side, price, qty decimal.Decimal) {
	b.mu.Lock()
	b.applyLevelLocked(side, price, qty)
	b.mu.Unlock()
}

func (b *Book) applyLevelLocked(side model.Side, price, qty decimal.Decimal) {
	levels := b.bids
	if side == model.Ask {
		levels = b.asks
	}

	key := price.String()
	if qty.IsZero() {
		delete(levels, key)
		return
	}
	levels[key] = model.PriceLevel{Price: price, Quantity: qty}
}

// ApplySnapshot replaces the book contents with a REST snapshot.
func (b *Book) ApplySnapshot(s *model.Snapshot) {
	b.mu.Lock()
	defer b.mu.Unlock()

	clear(b.bids)
	clear(b.asks)
	for _, l := range s.Bids {
		b.applyLevelLocked(model.Bid, l.Price, l.Quantity)
	}
	for _, l := range s.Asks {
		b.applyLevelLocked(model.Ask, l.Price, l.Quantity)
	}
	b.lastUpdateID = s.LastUpdateID
	b.updateTime = time.Now()
}

// ApplyDiff applies every level of d as one change; readers never see a partial diff.
func (b *Book) ApplyDiff(d model.DiffMessage) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, l := range d.Bids {
		b.applyLevelLocked(model.Bid, l.Price, l.Quantity)
	}
	for _, l := range d.Asks {
		b.applyLevelLocked(model.Ask, l.Price, l.Quantity)
	}
	b.lastUpdateID = d.FinalUpdateID
	if d.EventTime > 0 {
		b.updateTime = d.Time()
	}
}

// BidsSorted returns bids from highest to lowest price.
func (b *Book) BidsSorted() []model.PriceLevel {
	b.mu.RLock()
	levels := collect(b.bids)
	b.mu.RUnlock()

	sortBids(levels)
	return levels
}

// AsksSorted returns asks from lowest to highest price.
func (b *Book) AsksSorted() []model.PriceLevel {
	b.mu.RLock()
	levels := collect(b.asks)
	b.mu.RUnlock()

	sortAsks(levels)
	return levels
}

func sortBids(levels []model.PriceLevel) {
	slices.SortFunc(levels, func(x, y model.PriceLevel) int {
		return y.Price.Cmp(x.Price)
	})
}

func sortAsks(levels []model.PriceLevel) {
	slices.SortFunc(levels, func(x, y model.PriceLevel) int {
		return x.Price.Cmp(y.Price)
	})
}

func collect(m map[string]model.PriceLevel) []model.PriceLevel {
	out := make([]model.PriceLevel, 0, len(m))
	for _, l := range m {
		out = append(out, l)
	}
	return out
}

// BestBid returns the highest bid.
func (b *Book) BestBid() (model.PriceLevel, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return best(b.bids, 1)
}

// BestAsk returns the lowest ask.
func (b *Book) BestAsk() (model.PriceLevel, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return best(b.asks, -1)
}

// best scans for the extreme price; sign 1 picks the max, -1 the min.
func best(m map[string]model.PriceLevel, sign int) (model.PriceLevel, bool) {
	var out model.PriceLevel
	found := false
	for _, l := range m {
		if !found || l.Price.Cmp(out.Price) == sign {
			out = l
			found = true
		}
	}
	return out, found
}

// Depth returns the number of bid and ask levels.
func (b *Book) Depth() (bids, asks int) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.bids), len(b.asks)
}

// LastUpdateID returns the id of the last snapshot or diff applied.
func (b *Book) LastUpdateID() int64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.lastUpdateID
}

// UpdateTime returns the event time of the last applied diff.
func (b *Book) UpdateTime() time.Time {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.updateTime
}

// Update returns an immutable top-of-book view with at most depth levels per side.
// depth <= 0 returns every level.
func (b *Book) Update(depth int) model.BookUpdate {
	b.mu.RLock()
	bids := collect(b.bids)
	asks := collect(b.asks)
	lastID, ts := b.lastUpdateID, b.updateTime
	b.mu.RUnlock()

	sortBids(bids)
	sortAsks(asks)
	if depth > 0 {
		bids = bids[:min(depth, len(bids))]
		asks = asks[:min(depth, len(asks))]
	}

	return model.BookUpdate{
		Symbol:       b.symbol,
		LastUpdateID: lastID,
		UpdateTime:   ts,
		Bids:         bids,
		Asks:         asks,
	}
}
