package config

import "time"

// Default values for optional configuration fields.
const (
	DefaultRestURL             = "https://api.binance.com"
	DefaultFuturesRestURL      = "https://fapi.binance.com"
	DefaultWSURL               = "wss://stream.binance.com:9443"
	DefaultFuturesWSURL        = "wss://fstream.binance.com"
	DefaultAPITimeout          = 30 * time.Second
	DefaultMaxRetries          = 3
	DefaultDBPort              = 5432
	DefaultDBSSLMode           = "prefer"
	DefaultMaxConns            = 10
	DefaultMinConns            = 2
	DefaultReconnectBaseDelay  = 1 * time.Second
	DefaultReconnectMaxDelay   = 60 * time.Second
	DefaultStreamMaxRetries    = 10
	DefaultPingInterval        = 30 * time.Second
	DefaultReadTimeout         = 90 * time.Second
	DefaultStreamBufferSize    = 10000
	DefaultSnapshotLimit       = 1000
	DefaultSnapshotTimeout     = 10 * time.Second
	DefaultSnapshotConcurrency = 4
	DefaultResyncDelay         = 2 * time.Second
	DefaultMaxBufferedDiffs    = 10000
	DefaultPublishDepth        = 20
	DefaultKeepaliveInterval   = 30 * time.Minute
	DefaultSessionTimeout      = 10 * time.Second
	DefaultBatchSize           = 500
	DefaultFlushInterval       = 1 * time.Second
	DefaultBufferSize          = 10000
	DefaultRedisAddr           = "localhost:6379"
	DefaultRedisKeyPrefix      = "orderbook:"
	DefaultRedisChannel        = "orderbook.updates"
	DefaultMetricsPort         = 9090
	DefaultMetricsPath         = "/metrics"
	DefaultLogLevel            = "info"
	DefaultLogFormat           = "text"
)

func (c *MirrorConfig) applyDefaults() {
	// API defaults
	if c.API.RestURL == "" {
		c.API.RestURL = DefaultRestURL
	}
	if c.API.FuturesRestURL == "" {
		c.API.FuturesRestURL = DefaultFuturesRestURL
	}
	if c.API.WSURL == "" {
		c.API.WSURL = DefaultWSURL
	}
	if c.API.FuturesWSURL == "" {
		c.API.FuturesWSURL = DefaultFuturesWSURL
	}
	if c.API.Timeout == 0 {
		c.API.Timeout = DefaultAPITimeout
	}
	if c.API.MaxRetries == 0 {
		c.API.MaxRetries = DefaultMaxRetries
	}

	// Stream defaults
	if c.Streams.ReconnectBaseDelay == 0 {
		c.Streams.ReconnectBaseDelay = DefaultReconnectBaseDelay
	}
	if c.Streams.ReconnectMaxDelay == 0 {
		c.Streams.ReconnectMaxDelay = DefaultReconnectMaxDelay
	}
	if c.Streams.MaxRetries == 0 {
		c.Streams.MaxRetries = DefaultStreamMaxRetries
	}
	if c.Streams.PingInterval == 0 {
		c.Streams.PingInterval = DefaultPingInterval
	}
	if c.Streams.ReadTimeout == 0 {
		c.Streams.ReadTimeout = DefaultReadTimeout
	}
	if c.Streams.BufferSize == 0 {
		c.Streams.BufferSize = DefaultStreamBufferSize
	}

	// Depth defaults. RefreshInterval stays 0 (disabled) unless set.
	if c.Depth.SnapshotLimit == 0 {
		c.Depth.SnapshotLimit = DefaultSnapshotLimit
	}
	if c.Depth.SnapshotTimeout == 0 {
		c.Depth.SnapshotTimeout = DefaultSnapshotTimeout
	}
	if c.Depth.SnapshotConcurrency == 0 {
		c.Depth.SnapshotConcurrency = DefaultSnapshotConcurrency
	}
	if c.Depth.ResyncDelay == 0 {
		c.Depth.ResyncDelay = DefaultResyncDelay
	}
	if c.Depth.MaxBufferedDiffs == 0 {
		c.Depth.MaxBufferedDiffs = DefaultMaxBufferedDiffs
	}
	if c.Depth.PublishDepth == 0 {
		c.Depth.PublishDepth = DefaultPublishDepth
	}

	// Session defaults
	if c.Sessions.KeepaliveInterval == 0 {
		c.Sessions.KeepaliveInterval = DefaultKeepaliveInterval
	}
	if c.Sessions.RequestTimeout == 0 {
		c.Sessions.RequestTimeout = DefaultSessionTimeout
	}

	// Database defaults
	applyDBDefaults(&c.Database.Timescale)

	// Writers defaults
	if c.Writers.BatchSize == 0 {
		c.Writers.BatchSize = DefaultBatchSize
	}
	if c.Writers.FlushInterval == 0 {
		c.Writers.FlushInterval = DefaultFlushInterval
	}
	if c.Writers.BufferSize == 0 {
		c.Writers.BufferSize = DefaultBufferSize
	}

	// Redis defaults
	if c.Redis.Addr == "" {
		c.Redis.Addr = DefaultRedisAddr
	}
	if c.Redis.KeyPrefix == "" {
		c.Redis.KeyPrefix = DefaultRedisKeyPrefix
	}
	if c.Redis.Channel == "" {
		c.Redis.Channel = DefaultRedisChannel
	}

	// Metrics defaults
	if c.Metrics.Port == 0 {
		c.Metrics.Port = DefaultMetricsPort
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = DefaultMetricsPath
	}

	// Logging defaults
	if c.Logging.Level == "" {
		c.Logging.Level = DefaultLogLevel
	}
	if c.Logging.Format == "" {
		c.Logging.Format = DefaultLogFormat
	}
}

func applyDBDefaults(db *DBConfig) {
	if db.Port == 0 {
		db.Port = DefaultDBPort
	}
	if db.SSLMode == "" {
		db.SSLMode = DefaultDBSSLMode
	}
	if db.MaxConns == 0 {
		db.MaxConns = DefaultMaxConns
	}
	if db.MinConns == 0 {
		db.MinConns = DefaultMinConns
	}
}
