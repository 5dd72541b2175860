// Package api provides the exchange REST client used for depth snapshots.
//
// REST endpoints:
//   - Spot: https://api.binance.com
//   - Testnet: https://testnet.binance.vision
//
// Depth snapshot: GET /api/v3/depth?symbol=BTCUSDT&limit=1000
// returns {"lastUpdateId":N,"bids":[[p,q],...],"asks":[[p,q],...]}.
package api
