package router

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/shopspring/decimal"

	"github.com/rickgao/depth-mirror/internal/metrics"
	"github.com/rickgao/depth-mirror/internal/model"
	"github.com/rickgao/depth-mirror/internal/orderbook"
)

type recordingSink struct {
	name  string
	mu    sync.Mutex
	got   []model.BookUpdate
	fail  bool
	block chan struct{}
}

func (s *recordingSink) Name() string { return s.name }

func (s *recordingSink) Handle(ctx context.Context, u model.BookUpdate) error {
	if s.block != nil {
		select {
		case <-s.block:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.got = append(s.got, u)
	if s.fail {
		return errors.New("sink down")
	}
	return nil
}

func (s *recordingSink) updates() []model.BookUpdate {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]model.BookUpdate(nil), s.got...)
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met")
		}
		time.Sleep(time.Millisecond)
	}
}

func TestRouter_FansOutInOrder(t *testing.T) {
	a := &recordingSink{name: "a"}
	b := &recordingSink{name: "b"}
	r := New(DefaultConfig(), nil, nil, a, b)
	if err := r.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	for i := int64(1); i <= 3; i++ {
		r.Publish(model.BookUpdate{Symbol: "BTCUSDT", LastUpdateID: i})
	}

	stopCtx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := r.Stop(stopCtx); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}

	for _, s := range []*recordingSink{a, b} {
		got := s.updates()
		if len(got) != 3 {
			t.Fatalf("sink %s got %d updates, want 3", s.name, len(got))
		}
		for i, u := range got {
			if u.LastUpdateID != int64(i+1) {
				t.Errorf("sink %s update %d has id %d", s.name, i, u.LastUpdateID)
			}
		}
	}

	st := r.Stats()
	if st.Published != 3 || st.Sinks["a"].Delivered != 3 || st.Sinks["b"].Delivered != 3 {
		t.Errorf("Stats = %+v", st)
	}
}

func TestRouter_FailingSinkDoesNotStopOthers(t *testing.T) {
	bad := &recordingSink{name: "bad", fail: true}
	good := &recordingSink{name: "good"}
	r := New(DefaultConfig(), nil, nil, bad, good)
	r.Start(context.Background())
	defer r.Stop(context.Background())

	r.Publish(model.BookUpdate{Symbol: "ETHUSDT"})
	r.Publish(model.BookUpdate{Symbol: "ETHUSDT"})

	waitFor(t, func() bool { return len(good.updates()) == 2 && r.Stats().Sinks["bad"].Failed == 2 })
}

func TestRouter_SlowSinkDropsOldest(t *testing.T) {
	m := metrics.Discard()
	slow := &recordingSink{name: "slow", block: make(chan struct{})}
	r := New(Config{BufferSize: 2, MaxBufferSize: 2}, nil, m, slow)
	r.Start(context.Background())

	// The first update is taken by the blocked goroutine; two more fill the buffer.
	r.Publish(model.BookUpdate{LastUpdateID: 1})
	waitFor(t, func() bool { return r.Stats().Sinks["slow"].Buffer.Count == 0 })
	for i := int64(2); i <= 5; i++ {
		r.Publish(model.BookUpdate{LastUpdateID: i})
	}

	if got := testutil.ToFloat64(m.SinkDropped.WithLabelValues("slow")); got != 2 {
		t.Errorf("SinkDropped = %v, want 2", got)
	}

	close(slow.block)
	r.Stop(context.Background())

	var ids []int64
	for _, u := range slow.updates() {
		ids = append(ids, u.LastUpdateID)
	}
	want := []int64{1, 4, 5}
	if len(ids) != len(want) {
		t.Fatalf("delivered %v, want %v", ids, want)
	}
	for i := range want {
		if ids[i] != want[i] {
			t.Fatalf("delivered %v, want %v", ids, want)
		}
	}
}

func TestRouter_StopTimeoutCancelsSinks(t *testing.T) {
	stuck := &recordingSink{name: "stuck", block: make(chan struct{})}
	r := New(DefaultConfig(), nil, nil, stuck)
	r.Start(context.Background())
	r.Publish(model.BookUpdate{})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	start := time.Now()
	r.Stop(ctx)
	if time.Since(start) > time.Second {
		t.Error("Stop did not honour its context")
	}
}

func TestRouter_UpdateHandler(t *testing.T) {
	sink := &recordingSink{name: "s"}
	r := New(Config{Depth: 1}, nil, nil, sink)
	r.Start(context.Background())

	book := orderbook.NewBook("BTCUSDT")
	book.ApplySnapshot(&model.Snapshot{
		LastUpdateID: 7,
		Bids: []model.PriceLevel{
			{Price: decimal.RequireFromString("100"), Quantity: decimal.NewFromInt(1)},
			{Price: decimal.RequireFromString("101"), Quantity: decimal.NewFromInt(2)},
		},
	})
	r.UpdateHandler()(book)
	r.Stop(context.Background())

	got := sink.updates()
	if len(got) != 1 {
		t.Fatalf("got %d updates, want 1", len(got))
	}
	if got[0].LastUpdateID != 7 || len(got[0].Bids) != 1 || got[0].Bids[0].Price.String() != "101" {
		t.Errorf("update = %+v", got[0])
	}
}
