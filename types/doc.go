// Package types defines the core data structures for the Streamberry consensus protocol.
//
// # Core Types
//
// Vote: A signed prevote or precommit from a validator.
// A nil block hash is a NIL vote, an explicit vote for "no block" that
// signals round failure without endorsing content.
//
// ProposalInit / TransactionBatch / ProposalFin: The three variants of a
// proposal part. A proposal is streamed as the sequence [init, batches..., fin];
// the fin carries the content identifier hash computed incrementally over the
// batches, and that hash is what validators vote on.
//
// StreamMessage: The transport envelope for proposal parts. MessageID totally
// orders messages within a StreamID; a Fin marker terminates the stream.
// Multiple logical proposal streams may be interleaved on the wire.
//
// Validator / ValidatorSet: Weighted membership for one height, immutable once
// fetched. The set computes the quorum (> 2/3) and blocking (> 1/3) power
// thresholds and selects the proposer for each (height, round) by a
// deterministic power-proportional round-robin.
//
// Decision: The terminal artifact of a height, carrying the committed block
// hash and the precommit quorum that committed it.
//
// # Serialization
//
// All network-serializable types are plain structs with cramberry field tags,
// encoded with the Cramberry reflection codec. Wire messages are framed with
// a Cramberry type ID prefix.
//
// # Hashing
//
// Votes, proposal inits and validator sets use SHA-256 hashing over their
// canonical Cramberry encoding. Proposal content identifiers are computed
// incrementally with ContentHasher as batches are streamed.
//
// # Immutability
//
// Core types are designed to be immutable. Methods return copies rather than
// exposing internal state for modification.
package types
