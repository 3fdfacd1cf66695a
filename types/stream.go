package types

import (
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/blockberries/cramberry/pkg/cramberry"
)

// Consensus wire message type IDs from schema.
const (
	TypeIDVote          cramberry.TypeID = 147
	TypeIDStreamMessage cramberry.TypeID = 148
)

// Errors
var (
	ErrInvalidStreamMessage = errors.New("invalid stream message")
	ErrInvalidWireMessage   = errors.New("invalid consensus wire message")
)

// StreamMessage is the transport envelope for proposal parts. MessageID
// gives a total order within a StreamID; a message with Fin set terminates
// the stream and carries no content. Multiple logical proposal streams (one
// per height/round/proposer) may be interleaved on the wire.
type StreamMessage struct {
	StreamID  uint64 `cramberry:"1"`
	MessageID uint64 `cramberry:"2"`
	Content   []byte `cramberry:"3"`
	Fin       bool   `cramberry:"4"`
}

// StreamIDFor derives the wire stream id for the proposal stream of
// (proposer, height, round). Receivers retire a stream id permanently
// once its stream completes or aborts, so ids must never repeat across
// proposers or heights; hashing the full identity of the proposal
// attempt gives every stream its own id without any shared counter.
func StreamIDFor(proposer Address, height uint64, round uint32) uint64 {
	h := sha256.New()
	h.Write(proposer.Data)
	var buf [12]byte
	binary.BigEndian.PutUint64(buf[:8], height)
	binary.BigEndian.PutUint32(buf[8:], round)
	h.Write(buf[:])
	return binary.BigEndian.Uint64(h.Sum(nil)[:8])
}

// ValidateBasic performs stateless structural validation.
func (m *StreamMessage) ValidateBasic() error {
	if m.Fin && len(m.Content) > 0 {
		return fmt.Errorf("%w: fin marker carries content", ErrInvalidStreamMessage)
	}
	if !m.Fin && len(m.Content) == 0 {
		return fmt.Errorf("%w: empty payload", ErrInvalidStreamMessage)
	}
	return nil
}

// WireMessage is the decoded form of one inbound consensus datagram.
// Exactly one field is set.
type WireMessage struct {
	Vote   *Vote
	Stream *StreamMessage
}

// EncodeVoteMessage encodes a vote with its type ID prefix for transport.
func EncodeVoteMessage(v *Vote) ([]byte, error) {
	return encodeWire(TypeIDVote, v)
}

// EncodeStreamMessage encodes a stream message with its type ID prefix.
func EncodeStreamMessage(m *StreamMessage) ([]byte, error) {
	if err := m.ValidateBasic(); err != nil {
		return nil, err
	}
	return encodeWire(TypeIDStreamMessage, m)
}

func encodeWire(typeID cramberry.TypeID, msg any) ([]byte, error) {
	data, err := cramberry.Marshal(msg)
	if err != nil {
		return nil, err
	}

	w := cramberry.GetWriter()
	defer cramberry.PutWriter(w)

	w.WriteTypeID(typeID)
	w.WriteRawBytes(data)

	if w.Err() != nil {
		return nil, w.Err()
	}
	return w.BytesCopy(), nil
}

// DecodeWireMessage decodes one inbound consensus datagram.
func DecodeWireMessage(data []byte) (*WireMessage, error) {
	if len(data) == 0 {
		return nil, ErrInvalidWireMessage
	}

	r := cramberry.NewReader(data)
	typeID := r.ReadTypeID()
	if r.Err() != nil {
		return nil, fmt.Errorf("reading type ID: %w", r.Err())
	}
	payload := r.Remaining()

	switch typeID {
	case TypeIDVote:
		vote := &Vote{}
		if err := cramberry.Unmarshal(payload, vote); err != nil {
			return nil, fmt.Errorf("%w: decoding vote: %v", ErrInvalidWireMessage, err)
		}
		return &WireMessage{Vote: vote}, nil
	case TypeIDStreamMessage:
		sm := &StreamMessage{}
		if err := cramberry.Unmarshal(payload, sm); err != nil {
			return nil, fmt.Errorf("%w: decoding stream message: %v", ErrInvalidWireMessage, err)
		}
		if err := sm.ValidateBasic(); err != nil {
			return nil, err
		}
		return &WireMessage{Stream: sm}, nil
	default:
		return nil, fmt.Errorf("%w: unknown type %d", ErrInvalidWireMessage, typeID)
	}
}
