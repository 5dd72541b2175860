// Package orderbook maintains local order book mirrors.
//
// A Book is the price-level cache for one symbol. A Synchronizer keeps a Book
// consistent with the exchange by combining a REST snapshot with the diff
// stream:
//
//	UNINITIALIZED -> SYNCING -> LIVE -> REINITIALIZING -> SYNCING -> ...
//
// Diffs are buffered until a snapshot arrives, buffered diffs older than the
// snapshot are discarded, and every live diff must start exactly one past the
// last applied update id. Anything else is a gap and triggers a resync on the
// same stream. A Manager runs one Synchronizer per symbol.
package orderbook
