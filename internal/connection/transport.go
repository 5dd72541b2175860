package connection

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/rickgao/depth-mirror/internal/metrics"
)

// StreamTransport is a reconnecting stream delivering decoded frames to one handler.
type StreamTransport interface {
	// Open starts connecting to url in the background. It never waits for the dial.
	Open(url string, handler Handler) error

	// Close stops reconnection and tears down the socket. Safe to call more than once.
	Close() error

	// State returns the current reconnect state.
	State() State
}

// TransportStats holds transport counters.
type TransportStats struct {
	State     State
	Retries   int
	Delivered int64
	Dropped   int64
}

// Transport implements StreamTransport over a Client.
type Transport struct {
	id      string
	cfg     TransportConfig
	logger  *slog.Logger
	metrics *metrics.Metrics

	mu      sync.Mutex
	policy  *reconnectPolicy
	url     string
	handler Handler
	cancel  context.CancelFunc
	done    chan struct{}
	running bool

	delivered atomic.Int64
	dropped   atomic.Int64
}

// NewTransport creates a Transport in the Disconnected state.
func NewTransport(cfg TransportConfig, logger *slog.Logger, m *metrics.Metrics) *Transport {
	if logger == nil {
		logger = slog.Default()
	}
	if m == nil {
		m = metrics.Discard()
	}
	id := uuid.NewString()

	return &Transport{
		id:      id,
		cfg:     cfg,
		logger:  logger.With("transport", id[:8], "path", cfg.Label),
		metrics: m,
		policy:  newReconnectPolicy(cfg.BaseDelay, cfg.MaxDelay, cfg.MaxRetries, cfg.Jitter),
	}
}

// ID returns the transport instance ID used in logs.
func (t *Transport) ID() string {
	return t.id
}

// Open starts the connect loop. Reopening after Close or after retries ran out is allowed.
func (t *Transport) Open(url string, handler Handler) error {
	if handler == nil {
		return ErrNilHandler
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.running {
		return ErrAlreadyOpen
	}
	if err := t.policy.connecting(); err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	t.url = url
	t.handler = handler
	t.cancel = cancel
	t.done = make(chan struct{})
	t.running = true

	go t.run(ctx, t.done)

	return nil
}

// Close stops reconnection, closes the socket and waits for delivery to end.
// No handler call starts after Close returns.
func (t *Transport) Close() error {
	t.mu.Lock()
	cancel, done := t.cancel, t.done
	t.cancel = nil
	t.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}

	t.mu.Lock()
	t.policy.stop()
	t.mu.Unlock()

	return nil
}

// State returns the current reconnect state.
func (t *Transport) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.policy.state
}

// Stats returns transport counters.
func (t *Transport) Stats() TransportStats {
	t.mu.Lock()
	state, retries := t.policy.state, t.policy.retries
	t.mu.Unlock()

	return TransportStats{
		State:     state,
		Retries:   retries,
		Delivered: t.delivered.Load(),
		Dropped:   t.dropped.Load(),
	}
}

func (t *Transport) run(ctx context.Context, done chan struct{}) {
	defer close(done)
	defer func() {
		t.mu.Lock()
		t.running = false
		t.mu.Unlock()
	}()

	for {
		cfg := t.cfg.Client
		cfg.URL = t.url
		client := NewClient(cfg, t.logger, WithOverflowHandler(t.frameOverflow))

		err := client.Connect(ctx)
		if err == nil {
			if terr := t.step((*reconnectPolicy).connected); terr != nil {
				client.Close()
				t.logger.Error("unexpected transport state", "error", terr)
				return
			}
			t.logger.Info("stream connected")
			err = t.pump(ctx, client)
			client.Close()
		}

		if ctx.Err() != nil {
			return
		}

		t.mu.Lock()
		delay, exhausted, perr := t.policy.failed()
		retries := t.policy.retries
		t.mu.Unlock()
		if perr != nil {
			t.logger.Error("unexpected transport state", "error", perr)
			return
		}

		if exhausted {
			t.logger.Error("stream reconnect retries exhausted",
				"max_retries", t.cfg.MaxRetries,
				"error", err,
			)
			t.metrics.TransportFailed.WithLabelValues(t.cfg.Label).Inc()
			t.deliver(errorMessage(ReasonRetriesExhausted))
			return
		}

		t.metrics.Reconnects.WithLabelValues(t.cfg.Label).Inc()
		if errors.Is(err, ErrLifetimeExpired) {
			t.logger.Info("rotating stream connection", "delay", delay)
		} else {
			t.logger.Warn("stream disconnected, reconnecting",
				"error", err,
				"retry", retries,
				"delay", delay,
			)
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}

		if terr := t.step((*reconnectPolicy).connecting); terr != nil {
			t.logger.Error("unexpected transport state", "error", terr)
			return
		}
	}
}

func (t *Transport) step(fn func(*reconnectPolicy) error) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return fn(t.policy)
}

// pump delivers frames until the connection fails or ctx is cancelled.
func (t *Transport) pump(ctx context.Context, client Client) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case raw := <-client.Messages():
			t.handleFrame(raw)
		case err := <-client.Errors():
			// Deliver whatever arrived before the failure, in order.
			for {
				select {
				case raw := <-client.Messages():
					if ctx.Err() != nil {
						return ctx.Err()
					}
					t.handleFrame(raw)
				default:
					return err
				}
			}
		}
	}
}

func (t *Transport) readLimit() int64 {
	if t.cfg.Client.ReadLimit > 0 {
		return t.cfg.Client.ReadLimit
	}
	return DefaultClientConfig().ReadLimit
}

func (t *Transport) frameOverflow() {
	t.dropped.Add(1)
	t.metrics.FramesDropped.WithLabelValues(metrics.DropOverflow).Inc()
}

func (t *Transport) handleFrame(raw TimestampedMessage) {
	msg, err := decodeFrame(raw, t.readLimit())
	if err != nil {
		t.dropped.Add(1)
		if errors.Is(err, ErrDecompress) {
			t.metrics.FramesDropped.WithLabelValues(metrics.DropDecompress).Inc()
			t.logger.Warn("dropping frame", "error", err)
		} else {
			t.metrics.FramesDropped.WithLabelValues(metrics.DropMalformed).Inc()
			t.logger.Debug("dropping frame", "error", err, "size", len(raw.Data))
		}
		return
	}
	t.metrics.FramesReceived.WithLabelValues(t.cfg.Label).Inc()
	t.deliver(msg)
}

func (t *Transport) deliver(msg Message) {
	t.delivered.Add(1)
	t.handler(msg)
}
