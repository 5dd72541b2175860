package connection

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"
)

// Errors
var (
	ErrNotConnected      = errors.New("not connected")
	ErrStaleConnection   = errors.New("connection stale (no pong)")
	ErrLifetimeExpired   = errors.New("connection lifetime expired")
	ErrAlreadyClosed     = errors.New("already closed")
	ErrAlreadyOpen       = errors.New("stream already open")
	ErrEmptyPath         = errors.New("empty stream path")
	ErrNilHandler        = errors.New("nil handler")
	ErrDecompress        = errors.New("decompress frame")
	ErrMalformedFrame    = errors.New("malformed frame")
	ErrInvalidTransition = errors.New("invalid state transition")
)

// ReasonRetriesExhausted is the reason carried by the synthetic error message
// delivered once a transport gives up reconnecting.
const ReasonRetriesExhausted = "max reconnect retries reached"

// TimestampedMessage wraps raw frame data with receive timestamp.
type TimestampedMessage struct {
	Data       []byte    // Raw frame bytes from WebSocket
	Binary     bool      // True for binary (gzip) frames
	ReceivedAt time.Time // Local timestamp when ReadMessage() returned
}

// MessageType distinguishes stream data from transport notifications.
type MessageType int

const (
	MessageData MessageType = iota
	MessageError
)

// Message is a decoded frame delivered to a Handler.
type Message struct {
	Type       MessageType
	Stream     string          // Stream name for combined streams, empty otherwise
	Data       json.RawMessage // JSON payload (envelope removed)
	Reason     string          // Set for MessageError
	ReceivedAt time.Time
}

// IsError reports whether m is a transport error notification.
func (m Message) IsError() bool {
	return m.Type == MessageError
}

func errorMessage(reason string) Message {
	data, _ := json.Marshal(struct {
		Type   string `json:"type"`
		Reason string `json:"reason"`
	}{"error", reason})

	return Message{
		Type:       MessageError,
		Data:       data,
		Reason:     reason,
		ReceivedAt: time.Now(),
	}
}

// Handler receives decoded messages. Calls for one transport never overlap.
// A handler must not close its own transport.
type Handler func(Message)

// ClientConfig configures a WebSocket client.
type ClientConfig struct {
	URL              string        // Full stream URL (e.g., wss://stream.binance.com:9443/ws/btcusdt@depth)
	Header           http.Header   // Extra handshake headers
	HandshakeTimeout time.Duration // Dial handshake timeout
	PingInterval     time.Duration // How often we ping the server
	PingTimeout      time.Duration // Max time without ping/pong before considering connection stale
	WriteTimeout     time.Duration // Write deadline for control frames
	MaxLifetime      time.Duration // Reconnect proactively after this long, 0 disables
	ReadLimit        int64         // Max frame size in bytes
	BufferSize       int           // Message channel buffer size
}

// DefaultClientConfig returns sensible defaults.
func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		HandshakeTimeout: 10 * time.Second,
		PingInterval:     30 * time.Second,
		PingTimeout:      90 * time.Second,
		WriteTimeout:     5 * time.Second,
		MaxLifetime:      23*time.Hour + 30*time.Minute, // the exchange cuts connections at 24h
		ReadLimit:        8 << 20,
		BufferSize:       10000,
	}
}

// TransportConfig configures a reconnecting Transport.
type TransportConfig struct {
	Client     ClientConfig  // URL is filled in by Open
	Label      string        // Metrics label, usually the stream path
	BaseDelay  time.Duration // First reconnect delay
	MaxDelay   time.Duration // Reconnect delay cap
	MaxRetries int           // Consecutive failures tolerated before giving up
	Jitter     float64       // Backoff randomization factor (0 = none)
}

// DefaultTransportConfig returns sensible defaults.
func DefaultTransportConfig() TransportConfig {
	return TransportConfig{
		Client:     DefaultClientConfig(),
		BaseDelay:  1 * time.Second,
		MaxDelay:   60 * time.Second,
		MaxRetries: 10,
		Jitter:     0.5,
	}
}
