package writer

import (
	"context"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/rickgao/depth-mirror/internal/metrics"
	"github.com/rickgao/depth-mirror/internal/model"
)

const insertBookSnapshot = `
	INSERT INTO book_snapshots (ts, received_at, symbol, last_update_id, bids, asks, best_bid, best_ask, spread, batch_id)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	ON CONFLICT (symbol, ts, last_update_id) DO NOTHING
`

// BookWriter is a router sink that writes the latest book per symbol to book_snapshots.
type BookWriter struct {
	cfg     Config
	logger  *slog.Logger
	metrics *metrics.Metrics
	db      BatchSender

	pending map[string]bookSnapshotRow
	batchMu sync.Mutex
	stats   Stats

	// flushMu serializes flushes so rows reach the database in order.
	flushMu sync.Mutex

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewBookWriter creates a BookWriter.
func NewBookWriter(cfg Config, db BatchSender, logger *slog.Logger, m *metrics.Metrics) *BookWriter {
	if logger == nil {
		logger = slog.Default()
	}
	if m == nil {
		m = metrics.Discard()
	}
	def := DefaultConfig()
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = def.BatchSize
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = def.FlushInterval
	}
	return &BookWriter{
		cfg:     cfg,
		logger:  logger,
		metrics: m,
		db:      db,
		pending: make(map[string]bookSnapshotRow),
		ctx:     context.Background(),
	}
}

// Name implements router.Sink.
func (w *BookWriter) Name() string {
	return "timescale"
}

// Handle implements router.Sink. It replaces any pending row for the symbol.
func (w *BookWriter) Handle(_ context.Context, u model.BookUpdate) error {
	row := transform(u, time.Now())

	w.batchMu.Lock()
	w.stats.Received++
	if _, ok := w.pending[row.Symbol]; ok {
		w.stats.Coalesced++
	}
	w.pending[row.Symbol] = row
	shouldFlush := len(w.pending) >= w.cfg.BatchSize
	w.batchMu.Unlock()

	if shouldFlush {
		w.flush()
	}
	return nil
}

// Start begins the periodic flush.
func (w *BookWriter) Start(ctx context.Context) error {
	w.ctx, w.cancel = context.WithCancel(ctx)

	w.wg.Add(1)
	go w.flushLoop()

	w.logger.Info("book writer started",
		"batch_size", w.cfg.BatchSize,
		"flush_interval", w.cfg.FlushInterval,
	)
	return nil
}

// Stop stops the flush loop and writes whatever is pending.
func (w *BookWriter) Stop(ctx context.Context) error {
	w.logger.Info("stopping book writer")

	if w.cancel != nil {
		w.cancel()
	}

	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		w.logger.Warn("book writer stop timed out")
	}

	// Final flush runs on the caller's context; the writer's own is cancelled.
	w.flushWith(ctx)
	w.logger.Info("book writer stopped")
	return nil
}

// Stats returns current counters.
func (w *BookWriter) Stats() Stats {
	w.batchMu.Lock()
	defer w.batchMu.Unlock()
	return w.stats
}

func (w *BookWriter) flushLoop() {
	defer w.wg.Done()

	ticker := time.NewTicker(w.cfg.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-w.ctx.Done():
			return
		case <-ticker.C:
			w.flush()
		}
	}
}

func (w *BookWriter) flush() {
	w.flushWith(w.ctx)
}

func (w *BookWriter) flushWith(ctx context.Context) {
	w.flushMu.Lock()
	defer w.flushMu.Unlock()

	w.batchMu.Lock()
	rows := make([]bookSnapshotRow, 0, len(w.pending))
	for _, r := range w.pending {
		rows = append(rows, r)
	}
	clear(w.pending)
	w.batchMu.Unlock()

	if len(rows) == 0 || w.db == nil {
		return
	}
	slices.SortFunc(rows, func(a, b bookSnapshotRow) int {
		return a.Ts.Compare(b.Ts)
	})

	batchID := uuid.New()
	start := time.Now()
	conflicts, err := w.batchInsert(ctx, batchID, rows)

	w.batchMu.Lock()
	w.stats.Flushes++
	if err != nil {
		w.stats.Errors++
	} else {
		w.stats.Inserts += int64(len(rows) - conflicts)
		w.stats.Conflicts += int64(conflicts)
	}
	w.batchMu.Unlock()

	if err != nil {
		w.logger.Error("book snapshot insert failed", "error", err, "count", len(rows), "batch_id", batchID)
		return
	}
	w.metrics.RowsWritten.Add(float64(len(rows) - conflicts))
	w.logger.Debug("flushed book snapshots",
		"rows", len(rows),
		"conflicts", conflicts,
		"batch_id", batchID,
		"duration", time.Since(start),
	)
}

// batchInsert inserts rows in one round trip and counts rows skipped by ON CONFLICT.
func (w *BookWriter) batchInsert(ctx context.Context, batchID uuid.UUID, rows []bookSnapshotRow) (conflicts int, err error) {
	batch := &pgx.Batch{}
	for _, r := range rows {
		batch.Queue(insertBookSnapshot,
			r.Ts, r.ReceivedAt, r.Symbol, r.LastUpdateID,
			r.Bids, r.Asks, r.BestBid, r.BestAsk, r.Spread, batchID,
		)
	}

	results := w.db.SendBatch(ctx, batch)
	defer results.Close()

	for range rows {
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
