package types

import (
	"crypto/ed25519"
	"errors"
	"fmt"
	"hash"

	"crypto/sha256"

	"github.com/blockberries/cramberry/pkg/cramberry"
)

// Proposal part type IDs from schema.
const (
	TypeIDProposalInit cramberry.TypeID = 144
	TypeIDTransactions cramberry.TypeID = 145
	TypeIDProposalFin  cramberry.TypeID = 146
)

// Errors
var (
	ErrInvalidProposalPart = errors.New("invalid proposal part")
	ErrUnknownPartType     = errors.New("unknown proposal part type")
)

// Tx is a raw transaction payload. The engine never inspects it; execution
// semantics live behind the Context boundary.
type Tx struct {
	Data []byte `cramberry:"1"`
}

// ProposalInit opens a proposal stream for (height, round). A non-nil
// ValidRound means the proposer is re-proposing content locked via a
// prevote quorum in that earlier round.
type ProposalInit struct {
	Height     uint64    `cramberry:"1"`
	Round      uint32    `cramberry:"2"`
	ValidRound *uint32   `cramberry:"3"`
	Proposer   Address   `cramberry:"4"`
	Signature  Signature `cramberry:"5"`
}

// TransactionBatch is one ordered content chunk of a proposal.
type TransactionBatch struct {
	Transactions []Tx `cramberry:"1"`
}

// ProposalFin closes a proposal stream. ContentID is the incremental hash
// over all preceding batches and is the value validators vote on.
type ProposalFin struct {
	ContentID Hash `cramberry:"1"`
}

// ProposalPart is one element of the proposal stream
// [init, batches..., fin]. Exactly one field is set.
type ProposalPart struct {
	Init         *ProposalInit
	Transactions *TransactionBatch
	Fin          *ProposalFin
}

// ValidateBasic checks that exactly one variant is set.
func (p *ProposalPart) ValidateBasic() error {
	n := 0
	if p.Init != nil {
		n++
	}
	if p.Transactions != nil {
		n++
	}
	if p.Fin != nil {
		n++
	}
	if n != 1 {
		return fmt.Errorf("%w: %d variants set", ErrInvalidProposalPart, n)
	}
	return nil
}

// EncodeProposalPart encodes a part with its type ID prefix for transport.
func EncodeProposalPart(p *ProposalPart) ([]byte, error) {
	if err := p.ValidateBasic(); err != nil {
		return nil, err
	}

	var (
		typeID  cramberry.TypeID
		payload any
	)
	switch {
	case p.Init != nil:
		typeID, payload = TypeIDProposalInit, p.Init
	case p.Transactions != nil:
		typeID, payload = TypeIDTransactions, p.Transactions
	case p.Fin != nil:
		typeID, payload = TypeIDProposalFin, p.Fin
	}

	data, err := cramberry.Marshal(payload)
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

// DecodeProposalPart decodes a type-ID-prefixed proposal part.
func DecodeProposalPart(data []byte) (*ProposalPart, error) {
	if len(data) == 0 {
		return nil, ErrInvalidProposalPart
	}

	r := cramberry.NewReader(data)
	typeID := r.ReadTypeID()
	if r.Err() != nil {
		return nil, fmt.Errorf("reading type ID: %w", r.Err())
	}
	payload := r.Remaining()

	part := &ProposalPart{}
	switch typeID {
	case TypeIDProposalInit:
		init := &ProposalInit{}
		if err := cramberry.Unmarshal(payload, init); err != nil {
			return nil, fmt.Errorf("%w: decoding init: %v", ErrInvalidProposalPart, err)
		}
		part.Init = init
	case TypeIDTransactions:
		batch := &TransactionBatch{}
		if err := cramberry.Unmarshal(payload, batch); err != nil {
			return nil, fmt.Errorf("%w: decoding batch: %v", ErrInvalidProposalPart, err)
		}
		part.Transactions = batch
	case TypeIDProposalFin:
		fin := &ProposalFin{}
		if err := cramberry.Unmarshal(payload, fin); err != nil {
			return nil, fmt.Errorf("%w: decoding fin: %v", ErrInvalidProposalPart, err)
		}
		part.Fin = fin
	default:
		return nil, fmt.Errorf("%w: %d", ErrUnknownPartType, typeID)
	}
	return part, nil
}

// ProposalInitSignBytes returns the bytes to sign for a proposal init
func ProposalInitSignBytes(chainID string, init *ProposalInit) []byte {
	canonical := &ProposalInit{
		Height:     init.Height,
		Round:      init.Round,
		ValidRound: init.ValidRound,
		Proposer:   init.Proposer,
	}
	data, err := cramberry.Marshal(canonical)
	if err != nil {
		panic(fmt.Sprintf("CONSENSUS CRITICAL: failed to marshal proposal init for signing: %v", err))
	}
	return append([]byte(chainID), data...)
}

// VerifyProposalInitSignature verifies the proposer's signature on an init.
func VerifyProposalInitSignature(chainID string, init *ProposalInit, pubKey PublicKey) error {
	if len(init.Signature.Data) == 0 {
		return errors.New("proposal init has no signature")
	}
	if len(pubKey.Data) != ed25519.PublicKeySize {
		return errors.New("invalid public key size")
	}
	signBytes := ProposalInitSignBytes(chainID, init)
	if !ed25519.Verify(pubKey.Data, signBytes, init.Signature.Data) {
		return errors.New("invalid proposal init signature")
	}
	return nil
}

// ContentHasher computes a proposal's content identifier incrementally over
// its batches in stream order. Proposer and validators run the same fold, so
// the hash in ProposalFin binds the exact batch sequence.
type ContentHasher struct {
	h hash.Hash
	n int
}

// NewContentHasher creates an empty content hasher
func NewContentHasher() *ContentHasher {
	return &ContentHasher{h: sha256.New()}
}

// Add folds one batch into the content identifier.
func (c *ContentHasher) Add(batch *TransactionBatch) error {
	data, err := cramberry.Marshal(batch)
	if err != nil {
		return fmt.Errorf("marshaling batch for content hash: %w", err)
	}
	c.h.Write(data)
	c.n++
	return nil
}

// Batches returns the number of batches folded in so far.
func (c *ContentHasher) Batches() int {
	return c.n
}

// Sum returns the content identifier over all batches added so far.
func (c *ContentHasher) Sum() Hash {
	return MustNewHash(c.h.Sum(nil))
}

// ContentID computes the content identifier for a complete batch sequence.
func ContentID(batches []TransactionBatch) (Hash, error) {
	hasher := NewContentHasher()
	for i := range batches {
		if err := hasher.Add(&batches[i]); err != nil {
			return Hash{}, err
		}
	}
	return hasher.Sum(), nil
}
