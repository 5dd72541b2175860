package router

import (
	"context"

	"github.com/rickgao/depth-mirror/internal/model"
)

// Sink consumes book updates. Handle is called from one goroutine per sink.
type Sink interface {
	Name() string
	Handle(ctx context.Context, u model.BookUpdate) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc struct {
	SinkName string
	Fn       func(ctx context.Context, u model.BookUpdate) error
}

func (s SinkFunc) Name() string { return s.SinkName }

func (s SinkFunc) Handle(ctx context.Context, u model.BookUpdate) error { return s.Fn(ctx, u) }

// Config holds configuration for the Router.
type Config struct {
	Depth         int // Levels per side copied into each update; 0 copies the whole book
	BufferSize    int // Initial per-sink buffer
	MaxBufferSize int // Per-sink bound; oldest updates are dropped beyond it
}

// DefaultConfig returns default configuration.
func DefaultConfig() Config {
	return Config{
		Depth:         20,
		BufferSize:    1000,
		MaxBufferSize: 10000,
	}
}

// Stats contains runtime statistics.
type Stats struct {
	Published int64
	Sinks     map[string]SinkStats
}

// SinkStats contains per-sink statistics.
type SinkStats struct {
	Delivered int64
	Failed    int64
	Buffer    BufferStats
}
