// Package wal provides the consensus write-ahead log. Own votes are
// logged before broadcast and decisions before delivery, so a restarted
// node can refuse to double sign and can replay into the height it was
// deciding.
package wal

import (
	"errors"
	"fmt"
	"time"

	"github.com/blockberries/cramberry/pkg/cramberry"

	"github.com/blockberries/streamberry/types"
)

// Errors
var (
	ErrWALClosed    = errors.New("WAL is closed")
	ErrWALCorrupted = errors.New("WAL is corrupted")
	ErrWALNotFound  = errors.New("WAL file not found")
)

// RecordType identifies the kind of a WAL record.
type RecordType uint8

const (
	RecordUnknown   RecordType = 0
	RecordVote      RecordType = 1
	RecordDecision  RecordType = 2
	RecordTimeout   RecordType = 3
	RecordEndHeight RecordType = 4
)

// Message is one loggable consensus event.
type Message interface {
	isWALMessage()
}

// VoteMessage records an own signed vote before it is broadcast.
type VoteMessage struct {
	Vote *types.Vote
}

// DecisionMessage records a height's decision before delivery.
type DecisionMessage struct {
	Decision *types.Decision
}

// TimeoutMessage records an expired step timeout.
type TimeoutMessage struct {
	Height   uint64
	Round    uint32
	Step     string
	Duration time.Duration
}

// EndHeightMessage marks that a height has been fully processed.
type EndHeightMessage struct {
	Height uint64
}

func (VoteMessage) isWALMessage()      {}
func (DecisionMessage) isWALMessage()  {}
func (TimeoutMessage) isWALMessage()   {}
func (EndHeightMessage) isWALMessage() {}

// WAL interface for write-ahead logging.
type WAL interface {
	// Write appends a message (buffered).
	Write(msg Message) error

	// WriteSync appends a message and syncs it to disk before
	// returning.
	WriteSync(msg Message) error

	// FlushAndSync flushes and syncs all pending writes.
	FlushAndSync() error

	// SearchForEndHeight returns a Reader positioned after the given
	// height's end marker, or false if the height is not in the log.
	SearchForEndHeight(height uint64) (Reader, bool, error)

	Start() error
	Stop() error
}

// Reader iterates over logged messages.
type Reader interface {
	// Read returns the next message, or io.EOF at the end of the log.
	Read() (Message, error)

	Close() error
}

// record is the on-disk envelope. Height and Round are duplicated out of
// the payload so index building does not need to decode payloads.
type record struct {
	Type   uint8  `cramberry:"1"`
	Height uint64 `cramberry:"2"`
	Round  uint32 `cramberry:"3"`
	Data   []byte `cramberry:"4"`
}

type timeoutPayload struct {
	Height     uint64 `cramberry:"1"`
	Round      uint32 `cramberry:"2"`
	Step       string `cramberry:"3"`
	DurationNs int64  `cramberry:"4"`
}

func encodeMessage(msg Message) (*record, error) {
	switch m := msg.(type) {
	case VoteMessage:
		data, err := cramberry.Marshal(m.Vote)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal vote record: %w", err)
		}
		return &record{Type: uint8(RecordVote), Height: m.Vote.Height, Round: m.Vote.Round, Data: data}, nil

	case DecisionMessage:
		data, err := cramberry.Marshal(m.Decision)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal decision record: %w", err)
		}
		return &record{Type: uint8(RecordDecision), Height: m.Decision.Height, Data: data}, nil

	case TimeoutMessage:
		data, err := cramberry.Marshal(&timeoutPayload{
			Height: m.Height, Round: m.Round, Step: m.Step, DurationNs: m.Duration.Nanoseconds(),
		})
		if err != nil {
			return nil, fmt.Errorf("failed to marshal timeout record: %w", err)
		}
		return &record{Type: uint8(RecordTimeout), Height: m.Height, Round: m.Round, Data: data}, nil

	case EndHeightMessage:
		return &record{Type: uint8(RecordEndHeight), Height: m.Height}, nil

	default:
		return nil, fmt.Errorf("unknown WAL message type %T", msg)
	}
}

func decodeRecord(rec *record) (Message, error) {
	switch RecordType(rec.Type) {
	case RecordVote:
		var v types.Vote
		if err := cramberry.Unmarshal(rec.Data, &v); err != nil {
			return nil, fmt.Errorf("%w: bad vote record: %w", ErrWALCorrupted, err)
		}
		return VoteMessage{Vote: &v}, nil

	case RecordDecision:
		var d types.Decision
		if err := cramberry.Unmarshal(rec.Data, &d); err != nil {
			return nil, fmt.Errorf("%w: bad decision record: %w", ErrWALCorrupted, err)
		}
		return DecisionMessage{Decision: &d}, nil

	case RecordTimeout:
		var p timeoutPayload
		if err := cramberry.Unmarshal(rec.Data, &p); err != nil {
			return nil, fmt.Errorf("%w: bad timeout record: %w", ErrWALCorrupted, err)
		}
		return TimeoutMessage{
			Height: p.Height, Round: p.Round, Step: p.Step, Duration: time.Duration(p.DurationNs),
		}, nil

	case RecordEndHeight:
		return EndHeightMessage{Height: rec.Height}, nil

	default:
		return nil, fmt.Errorf("%w: unknown record type %d", ErrWALCorrupted, rec.Type)
	}
}

// NopWAL discards everything. Used when crash recovery is not needed,
// for example in tests.
type NopWAL struct{}

func NewNopWAL() NopWAL { return NopWAL{} }

func (NopWAL) Write(Message) error     { return nil }
func (NopWAL) WriteSync(Message) error { return nil }
func (NopWAL) FlushAndSync() error     { return nil }
func (NopWAL) SearchForEndHeight(uint64) (Reader, bool, error) {
	return nil, false, nil
}
func (NopWAL) Start() error { return nil }
func (NopWAL) Stop() error  { return nil }

var _ WAL = NopWAL{}
