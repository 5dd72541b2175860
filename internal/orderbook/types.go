package orderbook

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rickgao/depth-mirror/internal/connection"
	"github.com/rickgao/depth-mirror/internal/model"
)

// Errors
var (
	ErrSequenceGap    = errors.New("sequence gap")
	ErrStreamFailed   = errors.New("depth stream failed")
	ErrAlreadyStarted = errors.New("synchronizer already started")
)

// SnapshotError reports a failed snapshot fetch for one sync attempt.
type SnapshotError struct {
	Symbol string
	Err    error
}

func (e *SnapshotError) Error() string {
	return fmt.Sprintf("snapshot %s: %v", e.Symbol, e.Err)
}

func (e *SnapshotError) Unwrap() error {
	return e.Err
}

// SyncState is the synchronizer state.
type SyncState int32

const (
	StateUninitialized SyncState = iota
	StateSyncing
	StateLive
	StateReinitializing
)

func (s SyncState) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateSyncing:
		return "syncing"
	case StateLive:
		return "live"
	case StateReinitializing:
		return "reinitializing"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Resync reasons, used as a metrics label.
const (
	reasonGap       = "gap"
	reasonReplayGap = "replay_gap"
	reasonRefresh   = "refresh"
	reasonStream    = "stream_failed"
)

// StreamStarter opens and closes named streams. *connection.Registry implements it.
type StreamStarter interface {
	Start(pathKey string, handler connection.Handler) (string, error)
	Stop(key string) error
}

// SnapshotFetcher fetches a REST depth snapshot. *snapshot.Fetcher implements it.
type SnapshotFetcher interface {
	Fetch(ctx context.Context, symbol string, limit int) (*model.Snapshot, error)
}

// Config configures one Synchronizer.
type Config struct {
	Symbol           string        // e.g. BTCUSDT
	SnapshotLimit    int           // REST depth limit
	UpdateSpeed      string        // "" or "100ms"
	RefreshInterval  time.Duration // Forced resync period, 0 disables
	ResyncDelay      time.Duration // Minimum wait after a failed snapshot before refetching
	MaxBufferedDiffs int           // Pre-snapshot buffer bound; oldest dropped first
	InboxSize        int           // Pending messages between stream and synchronizer
}

// DefaultConfig returns sensible defaults for symbol.
func DefaultConfig(symbol string) Config {
	return Config{
		Symbol:           symbol,
		SnapshotLimit:    1000,
		ResyncDelay:      2 * time.Second,
		MaxBufferedDiffs: 10000,
		InboxSize:        1024,
	}
}

// StreamPath returns the depth stream path for cfg, e.g. btcusdt@depth@100ms.
func (c Config) StreamPath() string {
	path := strings.ToLower(c.Symbol) + "@depth"
	if c.UpdateSpeed != "" {
		path += "@" + c.UpdateSpeed
	}
	return path
}
