package engine

import (
	"context"

	"github.com/blockberries/streamberry/types"
)

// Context is the application boundary. The engine drives consensus;
// what goes in a proposal, whether a proposal is acceptable and what
// happens when a height is decided all live behind this interface.
//
// BuildProposal and ValidateProposal receive a context that the engine
// cancels when the round or height moves on; implementations should stop
// work promptly when it is done.
type Context interface {
	// BuildProposal starts building the proposal content for a round
	// this node proposes in. Batches are streamed on the returned
	// channel; closing it ends the proposal. An empty proposal is a
	// channel closed without sends.
	BuildProposal(ctx context.Context, height uint64, round uint32) (<-chan types.TransactionBatch, error)

	// ValidateProposal checks received proposal content. A nil error
	// means this node may prevote for it.
	ValidateProposal(ctx context.Context, height uint64, round uint32, content []types.TransactionBatch) error

	// Decide delivers the decision for a height. It is called at most
	// once per height, in height order.
	Decide(ctx context.Context, decision *types.Decision) error

	// ValidatorSet returns the validator set for a height. It may fail
	// transiently with ErrValidatorSetUnavailable, in which case the
	// engine retries; any other error is fatal for the engine.
	ValidatorSet(ctx context.Context, height uint64) (*types.ValidatorSet, error)
}

// Network carries consensus messages between nodes. The engine assumes
// nothing about ordering or reliability; the stream reassembler and the
// vote sets absorb reordering and duplication. Broadcast methods must be
// safe for concurrent use: proposal streaming runs off the reactor
// goroutine.
type Network interface {
	// BroadcastVote sends a signed vote to all peers, including back to
	// this node if the transport does not loop messages back.
	BroadcastVote(v *types.Vote)

	// BroadcastStreamMessage sends one proposal stream message.
	BroadcastStreamMessage(msg *types.StreamMessage)

	// Events delivers inbound messages. The channel is closed when the
	// network shuts down.
	Events() <-chan Event
}

// Event is an inbound network event: a VoteEvent or a StreamEvent.
type Event interface {
	isEvent()
}

// VoteEvent carries a received vote.
type VoteEvent struct {
	Vote *types.Vote
}

func (VoteEvent) isEvent() {}

// StreamEvent carries a received proposal stream message.
type StreamEvent struct {
	Message *types.StreamMessage
}

func (StreamEvent) isEvent() {}
