// Package publisher pushes synchronized top-of-book views to Redis.
package publisher

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/rickgao/depth-mirror/internal/config"
	"github.com/rickgao/depth-mirror/internal/model"
)

// Config configures a RedisPublisher.
type Config struct {
	KeyPrefix string        // Book key is KeyPrefix + SYMBOL
	Channel   string        // Pub/sub channel; empty disables PUBLISH
	TTL       time.Duration // Expiry of the book key; 0 keeps it forever
}

// RedisPublisher is a router sink that stores the latest book per symbol
// under a key and announces it on a channel.
type RedisPublisher struct {
	client redis.Cmdable
	cfg    Config
	logger *slog.Logger
}

// NewRedisPublisher creates a publisher on client.
func NewRedisPublisher(client redis.Cmdable, cfg Config, logger *slog.Logger) *RedisPublisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisPublisher{client: client, cfg: cfg, logger: logger}
}

// Dial connects to Redis and pings it.
func Dial(ctx context.Context, cfg config.RedisConfig) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("ping redis %s: %w", cfg.Addr, err)
	}
	return client, nil
}

// Name implements router.Sink.
func (p *RedisPublisher) Name() string {
	return "redis"
}

// Key returns the book key for symbol.
func (p *RedisPublisher) Key(symbol string) string {
	return p.cfg.KeyPrefix + strings.ToUpper(symbol)
}

// Handle implements router.Sink. SET and PUBLISH go out in one MULTI/EXEC.
func (p *RedisPublisher) Handle(ctx context.Context, u model.BookUpdate) error {
	payload, err := json.Marshal(u)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", u.Symbol, err)
	}

	_, err = p.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, p.Key(u.Symbol), payload, p.cfg.TTL)
		if p.cfg.Channel != "" {
			pipe.Publish(ctx, p.cfg.Channel, payload)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("publish %s: %w", u.Symbol, err)
	}
	return nil
}

// Latest reads the stored book for symbol.
func (p *RedisPublisher) Latest(ctx context.Context, symbol string) (model.BookUpdate, error) {
	var u model.BookUpdate
	raw, err := p.client.Get(ctx, p.Key(symbol)).Bytes()
	if err != nil {
		return u, fmt.Errorf("get %s: %w", p.Key(symbol), err)
	}
	if err := json.Unmarshal(raw, &u); err != nil {
		return u, fmt.Errorf("decode %s: %w", p.Key(symbol), err)
	}
	return u, nil
}
