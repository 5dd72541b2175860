package orderbook

import (
	"sync"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rickgao/depth-mirror/internal/model"
)

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func lvl(p, q string) model.PriceLevel {
	return model.PriceLevel{Price: d(p), Quantity: d(q)}
}

func prices(levels []model.PriceLevel) []string {
	out := make([]string, len(levels))
	for i, l := range levels {
		out[i] = l.Price.String()
	}
	return out
}

func TestBook_ApplyLevel(t *testing.T) {
	b := NewBook("BTCUSDT")

	b.ApplyLevel(model.Bid, d("100"), d("1"))
	b.ApplyLevel(model.Bid, d("101"), d("2"))
	b.ApplyLevel(model.Ask, d("102"), d("3"))

	bids, asks := b.Depth()
	assert.Equal(t, 2, bids)
	assert.Equal(t, 1, asks)

	// Replace, not accumulate.
	b.ApplyLevel(model.Bid, d("100"), d("5"))
	require.Len(t, b.BidsSorted(), 2)
	assert.Equal(t, "5", b.BidsSorted()[1].Quantity.String())

	// Zero removes.
	b.ApplyLevel(model.Bid, d("100"), d("0"))
	assert.Equal(t, []string{"101"}, prices(b.BidsSorted()))

	// Removing an absent level is a no-op.
	b.ApplyLevel(model.Ask, d("999"), d("0"))
	assert.Equal(t, []string{"102"}, prices(b.AsksSorted()))
}

func TestBook_EquivalentPricesShareALevel(t *testing.T) {
	b := NewBook("BTCUSDT")
	b.ApplyLevel(model.Bid, d("100.10"), d("1"))
	b.ApplyLevel(model.Bid, d("100.1"), d("2"))

	bids := b.BidsSorted()
	require.Len(t, bids, 1)
	assert.Equal(t, "2", bids[0].Quantity.String())

	b.ApplyLevel(model.Bid, d("100.100"), d("0.000"))
	n, _ := b.Depth()
	assert.Equal(t, 0, n)
}

func TestBook_SortOrder(t *testing.T) {
	b := NewBook("ETHUSDT")
	for _, p := range []string{"99.5", "101", "100", "9.75"} {
		b.ApplyLevel(model.Bid, d(p), d("1"))
		b.ApplyLevel(model.Ask, d(p), d("1"))
	}

	assert.Equal(t, []string{"101", "100", "99.5", "9.75"}, prices(b.BidsSorted()))
	assert.Equal(t, []string{"9.75", "99.5", "100", "101"}, prices(b.AsksSorted()))

	best, ok := b.BestBid()
	require.True(t, ok)
	assert.Equal(t, "101", best.Price.String())
	best, ok = b.BestAsk()
	require.True(t, ok)
	assert.Equal(t, "9.75", best.Price.String())
}

func TestBook_Empty(t *testing.T) {
	b := NewBook("X")
	assert.Empty(t, b.BidsSorted())
	assert.Empty(t, b.AsksSorted())
	_, ok := b.BestBid()
	assert.False(t, ok)
	_, ok = b.BestAsk()
	assert.False(t, ok)
}

func TestBook_ApplySnapshotAndDiff(t *testing.T) {
	b := NewBook("BTCUSDT")
	b.ApplyLevel(model.Bid, d("1"), d("1"))

	b.ApplySnapshot(&model.Snapshot{
		LastUpdateID: 100,
		Bids:         []model.PriceLevel{lvl("10", "1"), lvl("9", "2")},
		Asks:         []model.PriceLevel{lvl("11", "3"), lvl("12", "0")},
	})

	assert.Equal(t, []string{"10", "9"}, prices(b.BidsSorted()), "snapshot replaces prior contents")
	assert.Equal(t, []string{"11"}, prices(b.AsksSorted()), "zero rows are not stored")
	assert.Equal(t, int64(100), b.LastUpdateID())

	b.ApplyDiff(model.DiffMessage{
		EventTime:     1700000000000,
		FirstUpdateID: 101,
		FinalUpdateID: 103,
		Bids:          []model.PriceLevel{lvl("10", "0"), lvl("9.5", "4")},
		Asks:          []model.PriceLevel{lvl("11", "1")},
	})

	assert.Equal(t, []string{"9.5", "9"}, prices(b.BidsSorted()))
	assert.Equal(t, "1", b.AsksSorted()[0].Quantity.String())
	assert.Equal(t, int64(103), b.LastUpdateID())
	assert.Equal(t, int64(1700000000000), b.UpdateTime().UnixMilli())
}

func TestBook_Update(t *testing.T) {
	b := NewBook("BTCUSDT")
	for _, p := range []string{"1", "2", "3", "4"} {
		b.ApplyLevel(model.Bid, d(p), d("1"))
		b.ApplyLevel(model.Ask, d(p).Add(d("10")), d("1"))
	}

	u := b.Update(2)
	assert.Equal(t, "BTCUSDT", u.Symbol)
	assert.Equal(t, []string{"4", "3"}, prices(u.Bids))
	assert.Equal(t, []string{"11", "12"}, prices(u.Asks))

	all := b.Update(0)
	assert.Len(t, all.Bids, 4)
	assert.Len(t, all.Asks, 4)
}

func TestBook_ConcurrentReaders(t *testing.T) {
	b := NewBook("BTCUSDT")

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := 0; i < 500; i++ {
			b.ApplyDiff(model.DiffMessage{
				FirstUpdateID: int64(i),
				FinalUpdateID: int64(i),
				Bids:          []model.PriceLevel{lvl("100", "1"), lvl("99", "1")},
			})
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < 500; i++ {
			bids := b.BidsSorted()
			// Both levels of a diff land together.
			if len(bids) != 0 && len(bids) != 2 {
				t.Errorf("partial diff observed: %d levels", len(bids))
				return
			}
		}
	}()
	wg.Wait()
}
