package connection

import (
	"context"
	"log/slog"
	"maps"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Client is one websocket connection to a stream URL. It never reconnects;
// Transport replaces a failed Client with a new one.
type Client interface {
	Connect(ctx context.Context) error
	Close() error

	// Messages yields raw frames stamped with their local receive time.
	Messages() <-chan TimestampedMessage

	// Errors yields at most one error, after which the client is dead.
	Errors() <-chan error

	IsConnected() bool
}

// ClientOption configures a Client.
type ClientOption func(*wsClient)

// WithOverflowHandler registers fn to be called for each frame dropped
// because the Messages buffer was full.
func WithOverflowHandler(fn func()) ClientOption {
	return func(c *wsClient) {
		c.onOverflow = fn
	}
}

type wsClient struct {
	cfg        ClientConfig
	logger     *slog.Logger
	onOverflow func()

	messages chan TimestampedMessage
	errs     chan error
	done     chan struct{}

	writeMu sync.Mutex // gorilla allows one concurrent writer

	mu        sync.Mutex
	conn      *websocket.Conn
	connected bool
	closed    bool
	lastSeen  time.Time // last ping, pong or data frame
}

// NewClient creates an unconnected client. Zero config fields take defaults.
func NewClient(cfg ClientConfig, logger *slog.Logger, opts ...ClientOption) Client {
	if logger == nil {
		logger = slog.Default()
	}
	def := DefaultClientConfig()
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = def.BufferSize
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = def.HandshakeTimeout
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = def.PingInterval
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = def.WriteTimeout
	}
	if cfg.ReadLimit <= 0 {
		cfg.ReadLimit = def.ReadLimit
	}

	c := &wsClient{
		cfg:        cfg,
		logger:     logger,
		onOverflow: func() {},
		messages:   make(chan TimestampedMessage, cfg.BufferSize),
		errs:       make(chan error, 1),
		done:       make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *wsClient) Connect(ctx context.Context) error {
	if c.isClosed() {
		return ErrAlreadyClosed
	}

	dialer := websocket.Dialer{
		HandshakeTimeout:  c.cfg.HandshakeTimeout,
		EnableCompression: true,
	}
	conn, _, err := dialer.DialContext(ctx, c.cfg.URL, maps.Clone(c.cfg.Header))
	if err != nil {
		return err
	}
	conn.SetReadLimit(c.cfg.ReadLimit)

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		conn.Close()
		return ErrAlreadyClosed
	}
	c.conn = conn
	c.connected = true
	c.lastSeen = time.Now()
	c.mu.Unlock()

	// The exchange pings periodically and drops connections that do not pong
	// with the same payload.
	conn.SetPingHandler(func(payload string) error {
		c.seen()
		return c.writeControl(conn, websocket.PongMessage, []byte(payload), time.Second)
	})
	conn.SetPongHandler(func(string) error {
		c.seen()
		return nil
	})

	go c.readLoop(conn)
	go c.watch(conn)

	c.logger.Debug("websocket connected", "url", c.cfg.URL)
	return nil
}

func (c *wsClient) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.connected = false
	conn := c.conn
	c.mu.Unlock()

	close(c.done)
	if conn == nil {
		return nil
	}

	c.writeControl(conn, websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Second)
	return conn.Close()
}

func (c *wsClient) Messages() <-chan TimestampedMessage { return c.messages }

func (c *wsClient) Errors() <-chan error { return c.errs }

func (c *wsClient) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

func (c *wsClient) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *wsClient) seen() {
	c.mu.Lock()
	c.lastSeen = time.Now()
	c.mu.Unlock()
}

func (c *wsClient) idle() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return time.Since(c.lastSeen)
}

func (c *wsClient) writeControl(conn *websocket.Conn, kind int, data []byte, timeout time.Duration) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return conn.WriteControl(kind, data, time.Now().Add(timeout))
}

// fail reports err once and marks the client disconnected. Errors raised
// after Close are swallowed.
func (c *wsClient) fail(err error) {
	c.mu.Lock()
	c.connected = false
	c.mu.Unlock()

	select {
	case <-c.done:
		return
	default:
	}
	select {
	case c.errs <- err:
	default:
	}
}

func (c *wsClient) readLoop(conn *websocket.Conn) {
	for {
		kind, data, err := conn.ReadMessage()
		if err != nil {
			c.fail(err)
			return
		}
		now := time.Now()
		c.seen()

		msg := TimestampedMessage{
			Data:       data,
			Binary:     kind == websocket.BinaryMessage,
			ReceivedAt: now,
		}
		select {
		case c.messages <- msg:
		case <-c.done:
			return
		default:
			// A dropped diff breaks the update-id chain; the book resyncs on its own.
			c.onOverflow()
		}
	}
}

// watch sends client pings, fails the connection when nothing has been heard
// for PingTimeout, and retires it once MaxLifetime has elapsed.
func (c *wsClient) watch(conn *websocket.Conn) {
	ticker := time.NewTicker(c.cfg.PingInterval)
	defer ticker.Stop()

	var expire <-chan time.Time
	if c.cfg.MaxLifetime > 0 {
		t := time.NewTimer(c.cfg.MaxLifetime)
		defer t.Stop()
		expire = t.C
	}

	for {
		select {
		case <-c.done:
			return

		case <-expire:
			c.logger.Info("connection lifetime reached", "lifetime", c.cfg.MaxLifetime)
			c.fail(ErrLifetimeExpired)
			conn.Close()
			return

		case <-ticker.C:
			if err := c.writeControl(conn, websocket.PingMessage, nil, c.cfg.WriteTimeout); err != nil {
				c.logger.Debug("ping failed", "error", err)
			}
			if idle := c.idle(); c.cfg.PingTimeout > 0 && idle > c.cfg.PingTimeout {
				c.logger.Warn("connection stale", "idle", idle, "timeout", c.cfg.PingTimeout)
				c.fail(ErrStaleConnection)
				conn.Close()
				return
			}
		}
	}
}
