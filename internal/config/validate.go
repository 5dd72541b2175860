package config

import (
	"errors"
	"fmt"
	"strings"
)

// Validate checks that all required fields are set and values are valid.
func (c *MirrorConfig) Validate() error {
	if c.Instance.ID == "" {
		return errors.New("instance.id is required")
	}

	if len(c.Depth.Symbols) == 0 && len(c.Sessions.Classes) == 0 {
		return errors.New("depth.symbols or sessions.classes must not be empty")
	}
	seen := make(map[string]bool, len(c.Depth.Symbols))
	for _, s := range c.Depth.Symbols {
		key := strings.ToUpper(s)
		if key == "" {
			return errors.New("depth.symbols must not contain empty entries")
		}
		if seen[key] {
			return fmt.Errorf("depth.symbols contains duplicate %q", s)
		}
		seen[key] = true
	}
	if c.Depth.SnapshotLimit < 1 || c.Depth.SnapshotLimit > 5000 {
		return fmt.Errorf("depth.snapshot_limit must be between 1 and 5000, got %d", c.Depth.SnapshotLimit)
	}
	if c.Depth.UpdateSpeed != "" && c.Depth.UpdateSpeed != "100ms" && c.Depth.UpdateSpeed != "1000ms" {
		return fmt.Errorf("depth.update_speed must be empty, 100ms or 1000ms, got %q", c.Depth.UpdateSpeed)
	}
	if c.Depth.RefreshInterval < 0 {
		return errors.New("depth.refresh_interval must be >= 0")
	}
	if c.Depth.SnapshotConcurrency < 1 {
		return errors.New("depth.snapshot_concurrency must be >= 1")
	}
	if c.Depth.MaxBufferedDiffs < 1 {
		return errors.New("depth.max_buffered_diffs must be >= 1")
	}

	if c.Streams.MaxRetries < 0 {
		return errors.New("streams.max_retries must be >= 0")
	}
	if c.Streams.ReconnectMaxDelay < c.Streams.ReconnectBaseDelay {
		return fmt.Errorf("streams.reconnect_max_delay (%s) cannot be below reconnect_base_delay (%s)",
			c.Streams.ReconnectMaxDelay, c.Streams.ReconnectBaseDelay)
	}
	if c.Streams.BufferSize < 1 {
		return errors.New("streams.buffer_size must be >= 1")
	}

	if len(c.Sessions.Classes) > 0 && c.API.APIKey == "" {
		return errors.New("api.api_key is required when sessions.classes is set")
	}

	if c.Database.Enabled {
		if err := c.Database.Timescale.validate("database.timescale"); err != nil {
			return err
		}
	}

	if c.Writers.BatchSize < 1 {
		return errors.New("writers.batch_size must be >= 1")
	}
	if c.Writers.BufferSize < 1 {
		return errors.New("writers.buffer_size must be >= 1")
	}

	if c.Redis.Enabled && c.Redis.Addr == "" {
		return errors.New("redis.addr is required when redis is enabled")
	}
	if c.Redis.TTL < 0 {
		return errors.New("redis.ttl must be >= 0")
	}

	if c.Metrics.Port < 1 || c.Metrics.Port > 65535 {
		return fmt.Errorf("metrics.port must be between 1 and 65535, got %d", c.Metrics.Port)
	}

	switch c.Logging.Format {
	case "text", "json":
	default:
		return fmt.Errorf("logging.format must be text or json, got %q", c.Logging.Format)
	}

	return nil
}

func (db *DBConfig) validate(prefix string) error {
	if db.Host == "" {
		return fmt.Errorf("%s.host is required", prefix)
	}
	if db.Name == "" {
		return fmt.Errorf("%s.name is required", prefix)
	}
	if db.User == "" {
		return fmt.Errorf("%s.user is required", prefix)
	}
	if db.Password == "" {
		return fmt.Errorf("%s.password is required", prefix)
	}
	if db.MaxConns < 1 {
		return fmt.Errorf("%s.max_conns must be >= 1", prefix)
	}
	if db.MinConns < 0 {
		return fmt.Errorf("%s.min_conns must be >= 0", prefix)
	}
	if db.MinConns > db.MaxConns {
		return fmt.Errorf("%s.min_conns (%d) cannot exceed max_conns (%d)", prefix, db.MinConns, db.MaxConns)
	}
	return nil
}
