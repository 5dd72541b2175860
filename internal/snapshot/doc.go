// Package snapshot fetches REST depth snapshots for the synchronizers.
//
// The Fetcher:
//   - Bounds concurrent requests across all symbols (weighted semaphore)
//   - Applies a per-request timeout
//   - Records fetch results and latency
package snapshot
