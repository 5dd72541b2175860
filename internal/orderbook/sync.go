package orderbook

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gammazero/deque"

	"github.com/rickgao/depth-mirror/internal/connection"
	"github.com/rickgao/depth-mirror/internal/metrics"
	"github.com/rickgao/depth-mirror/internal/model"
)

// Option configures a Synchronizer.
type Option func(*Synchronizer)

// WithUpdateHandler sets the callback invoked after the book becomes live and
// after every applied diff. It runs on the synchronizer goroutine.
func WithUpdateHandler(fn func(*Book)) Option {
	return func(s *Synchronizer) {
		s.onUpdate = fn
	}
}

// WithErrorHandler sets the callback for snapshot and stream failures.
func WithErrorHandler(fn func(symbol string, err error)) Option {
	return func(s *Synchronizer) {
		s.onError = fn
	}
}

type fetchResult struct {
	epoch uint64
	snap  *model.Snapshot
	err   error
}

// Synchronizer keeps one Book consistent with the exchange. A single goroutine
// owns the state, the diff buffer and the book; the stream handler only
// enqueues and snapshot fetches run on their own goroutines.
type Synchronizer struct {
	cfg       Config
	path      string
	streams   StreamStarter
	snapshots SnapshotFetcher
	logger    *slog.Logger
	metrics   *metrics.Metrics
	onUpdate  func(*Book)
	onError   func(symbol string, err error)

	inbox   chan connection.Message
	results chan fetchResult

	state       atomic.Int32
	book        atomic.Pointer[Book]
	lastApplied atomic.Int64

	// Owned by the run goroutine.
	buffer        deque.Deque[model.DiffMessage]
	epoch         uint64
	fetching      bool
	nextFetchAt   time.Time
	lastSync      time.Time
	restart       <-chan time.Time
	streamKey     string
	bufferDropped int
	// Set when the book went live on the snapshot alone; the next diff is
	// checked against the snapshot id instead of strict chaining.
	awaitingFirst bool

	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	startMu   sync.Mutex
	started   bool
	closeOnce sync.Once
}

// NewSynchronizer creates a synchronizer in the UNINITIALIZED state.
func NewSynchronizer(cfg Config, streams StreamStarter, snapshots SnapshotFetcher, logger *slog.Logger, m *metrics.Metrics, opts ...Option) *Synchronizer {
	if logger == nil {
		logger = slog.Default()
	}
	if m == nil {
		m = metrics.Discard()
	}
	def := DefaultConfig(cfg.Symbol)
	if cfg.InboxSize <= 0 {
		cfg.InboxSize = def.InboxSize
	}
	if cfg.MaxBufferedDiffs <= 0 {
		cfg.MaxBufferedDiffs = def.MaxBufferedDiffs
	}
	cfg.Symbol = strings.ToUpper(cfg.Symbol)

	s := &Synchronizer{
		cfg:       cfg,
		path:      cfg.StreamPath(),
		streams:   streams,
		snapshots: snapshots,
		logger:    logger.With("symbol", cfg.Symbol),
		metrics:   m,
		inbox:     make(chan connection.Message, cfg.InboxSize),
		results:   make(chan fetchResult, 1),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Symbol returns the mirrored symbol.
func (s *Synchronizer) Symbol() string {
	return s.cfg.Symbol
}

// State returns the current state.
func (s *Synchronizer) State() SyncState {
	return SyncState(s.state.Load())
}

// Book returns the live book, or nil while not LIVE.
func (s *Synchronizer) Book() *Book {
	return s.book.Load()
}

// LastAppliedID returns the final update id of the last applied diff or snapshot.
func (s *Synchronizer) LastAppliedID() int64 {
	return s.lastApplied.Load()
}

// Start subscribes to the depth stream and starts the synchronizer goroutine.
func (s *Synchronizer) Start(ctx context.Context) error {
	s.startMu.Lock()
	defer s.startMu.Unlock()
	if s.started {
		return ErrAlreadyStarted
	}

	s.ctx, s.cancel = context.WithCancel(ctx)

	key, err := s.streams.Start(s.path, s.enqueue)
	if err != nil {
		s.cancel()
		return fmt.Errorf("start depth stream %s: %w", s.path, err)
	}
	s.streamKey = key
	s.started = true
	s.setState(StateUninitialized)

	s.wg.Add(1)
	go s.run()

	s.logger.Info("synchronizer started", "stream", s.path)
	return nil
}

// Close stops the stream and discards the book and the buffer. Safe to call more than once.
func (s *Synchronizer) Close() {
	s.closeOnce.Do(func() {
		s.startMu.Lock()
		started := s.started
		s.startMu.Unlock()
		if !started {
			return
		}

		s.cancel()
		s.wg.Wait()

		if err := s.streams.Stop(s.streamKey); err != nil {
			s.logger.Warn("stop depth stream", "error", err)
		}

		s.buffer.Clear()
		s.book.Store(nil)
		s.lastApplied.Store(0)
		s.setState(StateUninitialized)
		s.logger.Info("synchronizer closed")
	})
}

// enqueue is the stream handler. It blocks only this stream's delivery.
func (s *Synchronizer) enqueue(msg connection.Message) {
	select {
	case s.inbox <- msg:
	case <-s.ctx.Done():
	}
}

func (s *Synchronizer) setState(st SyncState) {
	s.state.Store(int32(st))
}

func (s *Synchronizer) run() {
	defer s.wg.Done()

	var tick <-chan time.Time
	if s.cfg.RefreshInterval > 0 {
		ticker := time.NewTicker(refreshCheckPeriod(s.cfg.RefreshInterval))
		defer ticker.Stop()
		tick = ticker.C
	}

	for {
		select {
		case <-s.ctx.Done():
			return
		case msg := <-s.inbox:
			s.handleMessage(msg)
		case res := <-s.results:
			s.handleSnapshot(res)
		case <-tick:
			s.checkRefresh()
		case <-s.restart:
			s.restart = nil
			s.restartStream()
		}
	}
}

// refreshCheckPeriod is how often the refresh deadline is checked.
func refreshCheckPeriod(interval time.Duration) time.Duration {
	return max(min(interval/4, time.Second), time.Millisecond)
}

func (s *Synchronizer) handleMessage(msg connection.Message) {
	if msg.IsError() {
		s.streamFailed(msg.Reason)
		return
	}

	d, err := model.ParseDiff(msg.Data)
	if err != nil {
		s.logger.Debug("ignoring non-depth message", "error", err)
		return
	}

	if s.State() == StateLive {
		s.applyLive(d)
		return
	}

	s.bufferDiff(d)
	s.maybeFetch()
}

func (s *Synchronizer) bufferDiff(d model.DiffMessage) {
	if s.buffer.Len() >= s.cfg.MaxBufferedDiffs {
		s.buffer.PopFront()
		s.bufferDropped++
		if s.bufferDropped == 1 {
			s.logger.Warn("diff buffer full, dropping oldest", "max", s.cfg.MaxBufferedDiffs)
		}
	}
	s.buffer.PushBack(d)
}

// maybeFetch starts a snapshot fetch unless one is running or a retry delay is pending.
func (s *Synchronizer) maybeFetch() {
	if s.fetching || time.Now().Before(s.nextFetchAt) {
		return
	}

	s.fetching = true
	s.epoch++
	epoch := s.epoch
	s.setState(StateSyncing)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		snap, err := s.snapshots.Fetch(s.ctx, s.cfg.Symbol, s.cfg.SnapshotLimit)
		select {
		case s.results <- fetchResult{epoch: epoch, snap: snap, err: err}:
		case <-s.ctx.Done():
		}
	}()
}

func (s *Synchronizer) handleSnapshot(res fetchResult) {
	if res.epoch != s.epoch {
		return
	}
	s.fetching = false

	if res.err != nil {
		if s.ctx.Err() != nil {
			return
		}
		s.nextFetchAt = time.Now().Add(s.cfg.ResyncDelay)
		s.setState(StateUninitialized)
		s.reportError(&SnapshotError{Symbol: s.cfg.Symbol, Err: res.err})
		return
	}

	book := NewBook(s.cfg.Symbol)
	book.ApplySnapshot(res.snap)
	last := res.snap.LastUpdateID
	replayed, skipped := 0, 0

	for s.buffer.Len() > 0 {
		d := s.buffer.PopFront()
		if d.FinalUpdateID <= last {
			skipped++
			continue
		}

		if replayed == 0 && d.FirstUpdateID > last+1 {
			// The snapshot predates everything buffered; try a newer one.
			s.buffer.PushFront(d)
			s.nextFetchAt = time.Now().Add(s.cfg.ResyncDelay)
			s.setState(StateUninitialized)
			s.logger.Warn("snapshot older than buffered diffs, refetching",
				"last_update_id", last,
				"first_buffered", d.FirstUpdateID,
			)
			return
		}
		if replayed > 0 && d.FirstUpdateID != last+1 {
			s.resync(reasonReplayGap, fmt.Errorf("%w in buffer: expected %d, got %d", ErrSequenceGap, last+1, d.FirstUpdateID))
			return
		}

		book.ApplyDiff(d)
		last = d.FinalUpdateID
		replayed++
	}

	s.book.Store(book)
	s.lastApplied.Store(last)
	s.lastSync = time.Now()
	s.bufferDropped = 0
	s.awaitingFirst = replayed == 0
	s.setState(StateLive)

	bids, asks := book.Depth()
	s.logger.Info("book synchronized",
		"snapshot_id", res.snap.LastUpdateID,
		"last_applied", last,
		"replayed", replayed,
		"skipped", skipped,
		"bids", bids,
		"asks", asks,
	)

	s.emit(book)
}

func (s *Synchronizer) applyLive(d model.DiffMessage) {
	last := s.lastApplied.Load()
	if s.awaitingFirst {
		if d.FinalUpdateID <= last {
			return
		}
		if d.FirstUpdateID > last+1 {
			s.gap(d, last)
			return
		}
		s.awaitingFirst = false
	} else if d.FirstUpdateID != last+1 {
		s.gap(d, last)
		return
	}

	book := s.book.Load()
	book.ApplyDiff(d)
	s.lastApplied.Store(d.FinalUpdateID)
	s.metrics.BookUpdates.WithLabelValues(s.cfg.Symbol).Inc()
	s.emit(book)
}

func (s *Synchronizer) gap(d model.DiffMessage, last int64) {
	s.metrics.SequenceGaps.WithLabelValues(s.cfg.Symbol).Inc()
	s.resync(reasonGap, fmt.Errorf("%w: expected %d, got %d (u=%d)", ErrSequenceGap, last+1, d.FirstUpdateID, d.FinalUpdateID))
}

// resync discards the book and the buffer and waits for the next diff to refetch.
// The stream subscription is kept.
func (s *Synchronizer) resync(reason string, cause error) {
	s.buffer.Clear()
	s.book.Store(nil)
	s.lastApplied.Store(0)
	s.epoch++
	s.fetching = false
	s.awaitingFirst = false
	s.setState(StateReinitializing)
	s.metrics.Resyncs.WithLabelValues(s.cfg.Symbol, reason).Inc()

	if cause != nil {
		s.logger.Warn("resynchronizing book", "reason", reason, "error", cause)
	} else {
		s.logger.Info("resynchronizing book", "reason", reason)
	}
}

func (s *Synchronizer) checkRefresh() {
	if s.State() != StateLive {
		return
	}
	if time.Since(s.lastSync) >= s.cfg.RefreshInterval {
		s.resync(reasonRefresh, nil)
	}
}

// streamFailed handles the transport giving up: the book is dropped and the
// stream reopened after ResyncDelay.
func (s *Synchronizer) streamFailed(reason string) {
	s.resync(reasonStream, nil)
	s.reportError(fmt.Errorf("%w: %s", ErrStreamFailed, reason))
	s.restart = time.After(s.cfg.ResyncDelay)
}

func (s *Synchronizer) restartStream() {
	if err := s.streams.Stop(s.streamKey); err != nil {
		s.logger.Warn("stop failed depth stream", "error", err)
	}
	key, err := s.streams.Start(s.path, s.enqueue)
	if err != nil && !errors.Is(err, connection.ErrAlreadyOpen) {
		s.reportError(fmt.Errorf("restart depth stream %s: %w", s.path, err))
		s.restart = time.After(s.cfg.ResyncDelay)
		return
	}
	s.streamKey = key
	s.logger.Info("depth stream reopened", "stream", s.path)
}

func (s *Synchronizer) emit(book *Book) {
	if s.onUpdate != nil {
		s.onUpdate(book)
	}
}

func (s *Synchronizer) reportError(err error) {
	if s.onError != nil {
		s.onError(s.cfg.Symbol, err)
		return
	}
	s.logger.Error("synchronizer error", "error", err)
}
