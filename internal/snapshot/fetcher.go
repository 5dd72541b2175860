package snapshot

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/rickgao/depth-mirror/internal/metrics"
	"github.com/rickgao/depth-mirror/internal/model"
)

// Source fetches one depth snapshot. *api.Client implements it.
type Source interface {
	DepthSnapshot(ctx context.Context, symbol string, limit int) (*model.Snapshot, error)
}

// SourceFunc is a function adapter for Source.
type SourceFunc func(ctx context.Context, symbol string, limit int) (*model.Snapshot, error)

func (f SourceFunc) DepthSnapshot(ctx context.Context, symbol string, limit int) (*model.Snapshot, error) {
	return f(ctx, symbol, limit)
}

// Config holds fetcher configuration.
type Config struct {
	Concurrency int           // Max concurrent requests (default: 4)
	Timeout     time.Duration // Per-request timeout (default: 10s)
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		Concurrency: 4,
		Timeout:     10 * time.Second,
	}
}

// Stats holds fetcher counters.
type Stats struct {
	Fetched  int64
	Errors   int64
	InFlight int64
}

// Fetcher performs bounded, time-limited snapshot requests.
type Fetcher struct {
	cfg     Config
	source  Source
	sem     *semaphore.Weighted
	logger  *slog.Logger
	metrics *metrics.Metrics

	fetched  atomic.Int64
	errors   atomic.Int64
	inFlight atomic.Int64
}

// New creates a new Fetcher.
func New(cfg Config, source Source, logger *slog.Logger, m *metrics.Metrics) *Fetcher {
	if logger == nil {
		logger = slog.Default()
	}
	if m == nil {
		m = metrics.Discard()
	}
	def := DefaultConfig()
	if cfg.Concurrency < 1 {
		cfg.Concurrency = def.Concurrency
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}

	return &Fetcher{
		cfg:     cfg,
		source:  source,
		sem:     semaphore.NewWeighted(int64(cfg.Concurrency)),
		logger:  logger,
		metrics: m,
	}
}

// Fetch waits for a free slot, then requests the snapshot with the configured timeout.
// It blocks; callers run it off their delivery goroutine.
func (f *Fetcher) Fetch(ctx context.Context, symbol string, limit int) (*model.Snapshot, error) {
	if err := f.sem.Acquire(ctx, 1); err != nil {
		return nil, fmt.Errorf("wait for fetch slot: %w", err)
	}
	defer f.sem.Release(1)

	f.inFlight.Add(1)
	defer f.inFlight.Add(-1)

	reqCtx, cancel := context.WithTimeout(ctx, f.cfg.Timeout)
	defer cancel()

	start := time.Now()
	snap, err := f.source.DepthSnapshot(reqCtx, symbol, limit)
	f.metrics.SnapshotLatency.Observe(time.Since(start).Seconds())

	if err != nil {
		f.errors.Add(1)
		f.metrics.SnapshotFetches.WithLabelValues("error").Inc()
		f.logger.Warn("snapshot fetch failed",
			"symbol", symbol,
			"duration", time.Since(start),
			"error", err,
		)
		return nil, err
	}

	f.fetched.Add(1)
	f.metrics.SnapshotFetches.WithLabelValues("ok").Inc()
	f.logger.Debug("snapshot fetched",
		"symbol", symbol,
		"last_update_id", snap.LastUpdateID,
		"bids", len(snap.Bids),
		"asks", len(snap.Asks),
		"duration", time.Since(start),
	)

	return snap, nil
}

// Stats returns fetcher counters.
func (f *Fetcher) Stats() Stats {
	return Stats{
		Fetched:  f.fetched.Load(),
		Errors:   f.errors.Load(),
		InFlight: f.inFlight.Load(),
	}
}
