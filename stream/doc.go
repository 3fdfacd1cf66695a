// Package stream reconstructs ordered proposal part sequences from
// unordered network delivery.
//
// A proposer transmits a proposal as StreamMessages under one stream id:
// the part sequence [init, batches..., fin] followed by a Fin marker one
// id past the last part. The transport gives no ordering guarantee, so the
// Reassembler buffers out-of-order message ids up to a bounded window and
// flushes them in id order. The Collector multiplexes interleaved streams
// and folds each stream's parts into a complete Proposal, recomputing the
// content identifier incrementally as batches arrive.
//
// Each stream is independent. A malformed stream (window overflow, a Fin
// marker that is not last, an undecodable or structurally misplaced part)
// aborts only that stream's proposal; consensus continues and the round
// falls back to its propose timeout. A stream with a missing id simply
// never terminates, which is indistinguishable from a slow proposer and is
// handled the same way.
package stream
