package stream

import (
	"errors"
	"fmt"

	"github.com/blockberries/streamberry/types"
)

// Stream reassembly configuration
const (
	// MaxBufferedMessages bounds the out-of-order window per stream. A peer
	// that opens a larger gap is treated as malformed rather than buffered
	// indefinitely.
	MaxBufferedMessages = 128
)

// Errors
var (
	ErrMalformedStream = errors.New("malformed stream")
	ErrStreamDone      = errors.New("stream already terminated")
)

// Reassembler reconstructs the ordered part sequence of one proposal stream
// from unordered StreamMessage delivery. Messages are buffered by MessageID
// up to a bounded window and flushed in id order; a Fin marker terminates
// the stream exactly once. A Reassembler is not safe for concurrent use;
// each stream is owned by a single goroutine.
type Reassembler struct {
	streamID uint64

	nextID   uint64
	buffered map[uint64]*types.StreamMessage
	finID    uint64
	hasFin   bool
	done     bool
}

// NewReassembler creates a Reassembler for one stream id.
func NewReassembler(streamID uint64) *Reassembler {
	return &Reassembler{
		streamID: streamID,
		buffered: make(map[uint64]*types.StreamMessage),
	}
}

// StreamID returns the stream id this reassembler serves
func (r *Reassembler) StreamID() uint64 {
	return r.streamID
}

// Done returns true once the stream has terminated
func (r *Reassembler) Done() bool {
	return r.done
}

// Add feeds one message into the reassembler. It returns the proposal parts
// that became deliverable in id order, and done=true exactly once, when the
// Fin marker's position is reached. A malformed stream (window overflow,
// Fin not last, undecodable part) aborts only this stream.
func (r *Reassembler) Add(msg *types.StreamMessage) (parts []*types.ProposalPart, done bool, err error) {
	if r.done {
		// Idempotent close: late or duplicate messages after termination
		// are dropped.
		return nil, false, nil
	}
	if msg.StreamID != r.streamID {
		return nil, false, fmt.Errorf("%w: message for stream %d fed to stream %d",
			ErrMalformedStream, msg.StreamID, r.streamID)
	}
	if err := msg.ValidateBasic(); err != nil {
		return nil, false, fmt.Errorf("%w: %v", ErrMalformedStream, err)
	}

	if msg.Fin {
		if r.hasFin && r.finID != msg.MessageID {
			return nil, false, fmt.Errorf("%w: conflicting fin ids %d and %d",
				ErrMalformedStream, r.finID, msg.MessageID)
		}
		if msg.MessageID < r.nextID {
			// Content was already delivered at or past this id.
			return nil, false, fmt.Errorf("%w: fin at id %d is not last", ErrMalformedStream, msg.MessageID)
		}
		r.finID = msg.MessageID
		r.hasFin = true
		r.dropBeyondFin()
		return r.flush()
	}

	if msg.MessageID < r.nextID {
		return nil, false, nil // duplicate delivery of a consumed id
	}
	if r.hasFin && msg.MessageID >= r.finID {
		// Ids at or beyond the Fin marker are discarded.
		return nil, false, nil
	}
	if _, ok := r.buffered[msg.MessageID]; ok {
		return nil, false, nil // duplicate delivery of a buffered id
	}
	if len(r.buffered) >= MaxBufferedMessages {
		return nil, false, fmt.Errorf("%w: out-of-order window exceeded (%d buffered)",
			ErrMalformedStream, len(r.buffered))
	}

	r.buffered[msg.MessageID] = msg
	return r.flush()
}

// flush delivers buffered messages in id order starting from nextID and
// terminates the stream when the fin position is reached.
func (r *Reassembler) flush() (parts []*types.ProposalPart, done bool, err error) {
	for {
		if r.hasFin && r.nextID == r.finID {
			r.done = true
			r.buffered = nil
			return parts, true, nil
		}

		msg, ok := r.buffered[r.nextID]
		if !ok {
			return parts, false, nil
		}
		delete(r.buffered, r.nextID)

		part, err := types.DecodeProposalPart(msg.Content)
		if err != nil {
			r.done = true
			r.buffered = nil
			return nil, false, fmt.Errorf("%w: id %d: %v", ErrMalformedStream, r.nextID, err)
		}
		parts = append(parts, part)
		r.nextID++
	}
}

// dropBeyondFin discards buffered ids at or beyond the fin position.
func (r *Reassembler) dropBeyondFin() {
	for id := range r.buffered {
		if id >= r.finID {
			delete(r.buffered, id)
		}
	}
}
