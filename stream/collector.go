package stream

import (
	"fmt"

	"github.com/blockberries/streamberry/types"
)

// Collector configuration
const (
	// MaxActiveStreams bounds the number of proposal streams reassembled
	// concurrently. Streams beyond the cap are rejected as malformed.
	MaxActiveStreams = 64

	// maxDeadStreams bounds the tombstone set remembering aborted or
	// finished stream ids so late messages stay dropped.
	maxDeadStreams = 1024
)

// Collector routes interleaved StreamMessages to per-stream reassemblers
// and yields complete proposals. Each stream is independent: a malformed
// stream aborts only that stream's proposal. The Collector is driven from
// a single goroutine and needs no locking.
type Collector struct {
	active map[uint64]*collectorStream
	dead   map[uint64]struct{}
}

type collectorStream struct {
	reassembler *Reassembler
	assembler   *assembler
}

// NewCollector creates an empty Collector
func NewCollector() *Collector {
	return &Collector{
		active: make(map[uint64]*collectorStream),
		dead:   make(map[uint64]struct{}),
	}
}

// Add feeds one stream message. It returns a complete Proposal when the
// message terminates its stream, or an error if the message makes its
// stream malformed; both outcomes retire the stream. Messages for retired
// streams are dropped.
func (c *Collector) Add(msg *types.StreamMessage) (*Proposal, error) {
	if _, ok := c.dead[msg.StreamID]; ok {
		return nil, nil
	}

	cs, ok := c.active[msg.StreamID]
	if !ok {
		if len(c.active) >= MaxActiveStreams {
			return nil, fmt.Errorf("%w: too many active streams (%d)", ErrMalformedStream, len(c.active))
		}
		cs = &collectorStream{
			reassembler: NewReassembler(msg.StreamID),
			assembler:   newAssembler(),
		}
		c.active[msg.StreamID] = cs
	}

	parts, done, err := cs.reassembler.Add(msg)
	if err != nil {
		c.retire(msg.StreamID)
		return nil, err
	}

	for _, part := range parts {
		if err := cs.assembler.add(part); err != nil {
			c.retire(msg.StreamID)
			return nil, err
		}
	}

	if !done {
		return nil, nil
	}

	proposal, err := cs.assembler.complete()
	c.retire(msg.StreamID)
	if err != nil {
		return nil, err
	}
	return proposal, nil
}

// InitFor returns the init of an active stream, if it has been delivered
// yet. Used by the driver to tie pending streams to a (height, round).
func (c *Collector) InitFor(streamID uint64) (*types.ProposalInit, bool) {
	cs, ok := c.active[streamID]
	if !ok || cs.assembler.init == nil {
		return nil, false
	}
	return cs.assembler.init, true
}

// DropWhere retires any active stream whose delivered init matches the
// predicate. Streams that have not yet delivered an init are kept; they are
// reclaimed by Reset on height advancement.
func (c *Collector) DropWhere(match func(init *types.ProposalInit) bool) {
	for id, cs := range c.active {
		if cs.assembler.init != nil && match(cs.assembler.init) {
			c.retire(id)
		}
	}
}

// Reset retires all streams. Called on height advancement.
func (c *Collector) Reset() {
	for id := range c.active {
		c.retire(id)
	}
}

// ActiveStreams returns the number of streams currently being reassembled
func (c *Collector) ActiveStreams() int {
	return len(c.active)
}

func (c *Collector) retire(streamID uint64) {
	delete(c.active, streamID)
	if len(c.dead) >= maxDeadStreams {
		// Arbitrary eviction is fine here: a resurrected stream id will
		// just be reassembled again and rejected on structural grounds.
		for id := range c.dead {
			delete(c.dead, id)
			break
		}
	}
	c.dead[streamID] = struct{}{}
}
