// Package database manages the TimescaleDB connection used for book snapshots.
//
// Contents:
//   - Connect: pgx pool from config.DBConfig
//   - BuildConnString: postgres:// URL with escaped credentials
//   - EnsureSchema: creates book_snapshots and, when available, its hypertable
package database
