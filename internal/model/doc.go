// Package model defines the order book data types shared across the mirror.
//
// Conventions:
//   - Prices and quantities: shopspring decimal, parsed from the exchange's string form
//   - Event times: int64 milliseconds since Unix epoch, as sent on the wire
//   - Update IDs: int64 exchange sequence numbers (U = first, u = final)
//   - Symbols: upper case (BTCUSDT); stream paths use the lower-case form
package model
