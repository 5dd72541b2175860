package database

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/rickgao/depth-mirror/internal/config"
)

// Connect creates a connection pool and verifies it with a ping.
// appName is reported to the server as application_name.
func Connect(ctx context.Context, cfg config.DBConfig, appName string) (*pgxpool.Pool, error) {
	poolCfg, err := pgxpool.ParseConfig(BuildConnString(cfg))
	if err != nil {
		return nil, fmt.Errorf("parse connection string: %w", err)
	}

	if cfg.MinConns > 0 {
		poolCfg.MinConns = int32(cfg.MinConns)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = int32(cfg.MaxConns)
	}
	if appName != "" {
		poolCfg.ConnConfig.RuntimeParams["application_name"] = appName
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping %s:%d/%s: %w", cfg.Host, cfg.Port, cfg.Name, err)
	}

	return pool, nil
}

// Execer runs a statement. *pgxpool.Pool implements it.
type Execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

const createBookSnapshots = `
CREATE TABLE IF NOT EXISTS book_snapshots (
	ts             TIMESTAMPTZ NOT NULL,
	received_at    TIMESTAMPTZ NOT NULL,
	symbol         TEXT        NOT NULL,
	last_update_id BIGINT      NOT NULL,
	bids           JSONB       NOT NULL,
	asks           JSONB       NOT NULL,
	best_bid       NUMERIC,
	best_ask       NUMERIC,
	spread         NUMERIC,
	batch_id       UUID        NOT NULL,
	PRIMARY KEY (symbol, ts, last_update_id)
)`

const createHypertable = `SELECT create_hypertable('book_snapshots', 'ts', if_not_exists => TRUE)`

// EnsureSchema creates the book_snapshots table. With hypertable set it also
// converts it to a TimescaleDB hypertable, which requires the extension.
func EnsureSchema(ctx context.Context, db Execer, hypertable bool) error {
	if _, err := db.Exec(ctx, createBookSnapshots); err != nil {
		return fmt.Errorf("create book_snapshots: %w", err)
	}
	if !hypertable {
		return nil
	}
	if _, err := db.Exec(ctx, createHypertable); err != nil {
		return fmt.Errorf("create hypertable: %w", err)
	}
	return nil
}
