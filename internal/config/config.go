// Package config loads and validates the YAML configuration for a mirror instance.
package config

import "time"

// MirrorConfig is the root configuration for a mirror instance.
type MirrorConfig struct {
	Instance InstanceConfig `yaml:"instance"`
	API      APIConfig      `yaml:"api"`
	Streams  StreamsConfig  `yaml:"streams"`
	Depth    DepthConfig    `yaml:"depth"`
	Sessions SessionsConfig `yaml:"sessions"`
	Database DatabaseConfig `yaml:"database"`
	Writers  WritersConfig  `yaml:"writers"`
	Redis    RedisConfig    `yaml:"redis"`
	Metrics  MetricsConfig  `yaml:"metrics"`
	Logging  LoggingConfig  `yaml:"logging"`
}

// InstanceConfig identifies this mirror.
type InstanceConfig struct {
	ID string `yaml:"id"`
}

// APIConfig holds exchange endpoint settings.
type APIConfig struct {
	RestURL        string        `yaml:"rest_url"`
	FuturesRestURL string        `yaml:"futures_rest_url"`
	WSURL          string        `yaml:"ws_url"`
	FuturesWSURL   string        `yaml:"futures_ws_url"`
	APIKey         string        `yaml:"api_key"`    // X-MBX-APIKEY, only needed for sessions
	APISecret      string        `yaml:"api_secret"` // unused by listen-key endpoints, kept for the SDK client
	Timeout        time.Duration `yaml:"timeout"`
	MaxRetries     int           `yaml:"max_retries"`
}

// StreamsConfig holds stream transport settings.
type StreamsConfig struct {
	ReconnectBaseDelay time.Duration `yaml:"reconnect_base_delay"`
	ReconnectMaxDelay  time.Duration `yaml:"reconnect_max_delay"`
	MaxRetries         int           `yaml:"max_retries"`
	PingInterval       time.Duration `yaml:"ping_interval"`
	ReadTimeout        time.Duration `yaml:"read_timeout"`
	BufferSize         int           `yaml:"buffer_size"`
}

// DepthConfig holds order book synchronizer settings.
type DepthConfig struct {
	Symbols             []string      `yaml:"symbols"`
	SnapshotLimit       int           `yaml:"snapshot_limit"`
	UpdateSpeed         string        `yaml:"update_speed"` // "" or "100ms"
	RefreshInterval     time.Duration `yaml:"refresh_interval"`
	SnapshotTimeout     time.Duration `yaml:"snapshot_timeout"`
	SnapshotConcurrency int           `yaml:"snapshot_concurrency"`
	ResyncDelay         time.Duration `yaml:"resync_delay"`
	MaxBufferedDiffs    int           `yaml:"max_buffered_diffs"`
	PublishDepth        int           `yaml:"publish_depth"`
}

// SessionsConfig holds listen-key session settings.
// Classes are "user", "margin", "futures" or "isolated:<SYMBOL>".
type SessionsConfig struct {
	KeepaliveInterval time.Duration `yaml:"keepalive_interval"`
	RequestTimeout    time.Duration `yaml:"request_timeout"`
	Classes           []string      `yaml:"classes"`
}

// DatabaseConfig holds the TimescaleDB connection for book snapshots.
type DatabaseConfig struct {
	Enabled    bool     `yaml:"enabled"`
	Hypertable bool     `yaml:"hypertable"` // Convert book_snapshots to a TimescaleDB hypertable
	Timescale  DBConfig `yaml:"timescale"`
}

// DBConfig holds a single database connection.
type DBConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Name     string `yaml:"name"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	SSLMode  string `yaml:"ssl_mode"`
	MaxConns int    `yaml:"max_conns"`
	MinConns int    `yaml:"min_conns"`
}

// WritersConfig holds batch writer settings.
type WritersConfig struct {
	BatchSize     int           `yaml:"batch_size"`
	FlushInterval time.Duration `yaml:"flush_interval"`
	BufferSize    int           `yaml:"buffer_size"`
}

// RedisConfig holds top-of-book publisher settings.
type RedisConfig struct {
	Enabled   bool          `yaml:"enabled"`
	Addr      string        `yaml:"addr"`
	Password  string        `yaml:"password"`
	DB        int           `yaml:"db"`
	KeyPrefix string        `yaml:"key_prefix"`
	Channel   string        `yaml:"channel"`
	TTL       time.Duration `yaml:"ttl"` // 0 keeps book keys forever
}

// MetricsConfig holds Prometheus metrics settings.
type MetricsConfig struct {
	Port int    `yaml:"port"`
	Path string `yaml:"path"`
}

// LoggingConfig selects the slog handler.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text or json
}
