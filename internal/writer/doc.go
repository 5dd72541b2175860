// Package writer persists synchronized order books to TimescaleDB.
//
// BookWriter is a router sink. It keeps only the latest update per symbol
// between flushes, so a busy symbol produces at most one row per flush
// interval. Rows are append-only; a repeated (symbol, ts, last_update_id)
// is skipped with ON CONFLICT DO NOTHING.
package writer
