package orderbook

import (
	"context"
	"log/slog"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/rickgao/depth-mirror/internal/metrics"
)

// ManagerConfig configures a Manager.
type ManagerConfig struct {
	Symbols []string
	Sync    Config // Template; Symbol is filled per synchronizer
}

// Manager runs one Synchronizer per symbol.
type Manager struct {
	cfg    ManagerConfig
	logger *slog.Logger

	mu    sync.RWMutex
	syncs map[string]*Synchronizer
	order []string
}

// NewManager creates synchronizers for every configured symbol. opts apply to each.
func NewManager(cfg ManagerConfig, streams StreamStarter, snapshots SnapshotFetcher, logger *slog.Logger, m *metrics.Metrics, opts ...Option) *Manager {
	if logger == nil {
		logger = slog.Default()
	}

	mgr := &Manager{
		cfg:    cfg,
		logger: logger,
		syncs:  make(map[string]*Synchronizer, len(cfg.Symbols)),
	}

	for _, sym := range cfg.Symbols {
		sc := cfg.Sync
		sc.Symbol = strings.ToUpper(sym)
		if _, dup := mgr.syncs[sc.Symbol]; dup {
			continue
		}
		mgr.syncs[sc.Symbol] = NewSynchronizer(sc, streams, snapshots, logger, m, opts...)
		mgr.order = append(mgr.order, sc.Symbol)
	}

	return mgr
}

// Start starts every synchronizer. If any fails, the started ones are closed.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.RLock()
	syncs := make([]*Synchronizer, 0, len(m.order))
	for _, sym := range m.order {
		syncs = append(syncs, m.syncs[sym])
	}
	m.mu.RUnlock()

	var g errgroup.Group
	for _, s := range syncs {
		g.Go(func() error {
			return s.Start(ctx)
		})
	}
	if err := g.Wait(); err != nil {
		m.Close()
		return err
	}

	m.logger.Info("order book manager started", "symbols", len(syncs))
	return nil
}

// Close closes every synchronizer.
func (m *Manager) Close() {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var wg sync.WaitGroup
	for _, s := range m.syncs {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.Close()
		}()
	}
	wg.Wait()
}

// Symbols returns the managed symbols in configuration order.
func (m *Manager) Symbols() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]string(nil), m.order...)
}

// Synchronizer returns the synchronizer for symbol.
func (m *Manager) Synchronizer(symbol string) (*Synchronizer, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.syncs[strings.ToUpper(symbol)]
	return s, ok
}

// Book returns the live book for symbol, or false while it is not LIVE.
func (m *Manager) Book(symbol string) (*Book, bool) {
	s, ok := m.Synchronizer(symbol)
	if !ok {
		return nil, false
	}
	b := s.Book()
	return b, b != nil
}

// States returns each symbol's synchronizer state.
func (m *Manager) States() map[string]SyncState {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make(map[string]SyncState, len(m.syncs))
	for sym, s := range m.syncs {
		out[sym] = s.State()
	}
	return out
}
