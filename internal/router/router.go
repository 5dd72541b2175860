// Package router fans synchronized book updates out to output sinks.
package router

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/rickgao/depth-mirror/internal/metrics"
	"github.com/rickgao/depth-mirror/internal/model"
	"github.com/rickgao/depth-mirror/internal/orderbook"
)

type sinkRunner struct {
	sink      Sink
	buf       *GrowableBuffer[model.BookUpdate]
	delivered atomic.Int64
	failed    atomic.Int64
}

// Router fans book updates out to sinks. Each sink has its own buffer and
// goroutine, so a slow sink never stalls the synchronizers or other sinks.
type Router struct {
	cfg     Config
	logger  *slog.Logger
	metrics *metrics.Metrics
	sinks   []*sinkRunner

	published atomic.Int64

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a Router for sinks.
func New(cfg Config, logger *slog.Logger, m *metrics.Metrics, sinks ...Sink) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	if m == nil {
		m = metrics.Discard()
	}
	def := DefaultConfig()
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = def.BufferSize
	}

	r := &Router{cfg: cfg, logger: logger, metrics: m}
	for _, s := range sinks {
		r.sinks = append(r.sinks, &sinkRunner{
			sink: s,
			buf:  NewGrowableBuffer[model.BookUpdate](cfg.BufferSize, cfg.MaxBufferSize),
		})
	}
	return r
}

// Start begins delivering to sinks.
func (r *Router) Start(ctx context.Context) error {
	r.ctx, r.cancel = context.WithCancel(ctx)

	for _, s := range r.sinks {
		r.wg.Add(1)
		go r.deliverLoop(s)
	}

	names := make([]string, 0, len(r.sinks))
	for _, s := range r.sinks {
		names = append(names, s.sink.Name())
	}
	r.logger.Info("update router started", "sinks", names, "depth", r.cfg.Depth)
	return nil
}

// Stop closes the sink buffers and waits for them to drain, or for ctx.
func (r *Router) Stop(ctx context.Context) error {
	r.logger.Info("stopping update router")

	for _, s := range r.sinks {
		s.buf.Close()
	}

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		r.logger.Info("update router stopped")
	case <-ctx.Done():
		r.logger.Warn("update router stop timed out, abandoning buffered updates")
	}

	if r.cancel != nil {
		r.cancel()
	}
	return nil
}

// Publish queues u for every sink.
func (r *Router) Publish(u model.BookUpdate) {
	r.published.Add(1)
	for _, s := range r.sinks {
		evicted, ok := s.buf.Send(u)
		if !ok {
			continue
		}
		if evicted {
			r.metrics.SinkDropped.WithLabelValues(s.sink.Name()).Inc()
		}
	}
}

// UpdateHandler returns a synchronizer update callback that publishes the
// top Depth levels of the book.
func (r *Router) UpdateHandler() func(*orderbook.Book) {
	return func(b *orderbook.Book) {
		r.Publish(b.Update(r.cfg.Depth))
	}
}

// Stats returns current statistics.
func (r *Router) Stats() Stats {
	st := Stats{
		Published: r.published.Load(),
		Sinks:     make(map[string]SinkStats, len(r.sinks)),
	}
	for _, s := range r.sinks {
		st.Sinks[s.sink.Name()] = SinkStats{
			Delivered: s.delivered.Load(),
			Failed:    s.failed.Load(),
			Buffer:    s.buf.Stats(),
		}
	}
	return st
}

func (r *Router) deliverLoop(s *sinkRunner) {
	defer r.wg.Done()

	for {
		u, ok := s.buf.Receive()
		if !ok {
			return
		}
		if err := s.sink.Handle(r.ctx, u); err != nil {
			s.failed.Add(1)
			r.logger.Warn("sink failed",
				"sink", s.sink.Name(),
				"symbol", u.Symbol,
				"error", err,
			)
			continue
		}
		s.delivered.Add(1)
	}
}
