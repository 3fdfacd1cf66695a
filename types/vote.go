package types

import (
	"crypto/ed25519"
	"errors"
	"fmt"

	"github.com/blockberries/cramberry/pkg/cramberry"
)

// VoteType distinguishes the two voting steps of a round.
type VoteType uint8

const (
	VoteTypeUnknown   VoteType = 0
	VoteTypePrevote   VoteType = 1
	VoteTypePrecommit VoteType = 2
)

func (t VoteType) String() string {
	switch t {
	case VoteTypePrevote:
		return "prevote"
	case VoteTypePrecommit:
		return "precommit"
	default:
		return fmt.Sprintf("vote_type(%d)", uint8(t))
	}
}

// Errors
var (
	ErrInvalidVote        = errors.New("invalid vote")
	ErrVoteConflict       = errors.New("conflicting vote")
	ErrDuplicateVote      = errors.New("duplicate vote")
	ErrUnexpectedVoteType = errors.New("unexpected vote type")
)

// Vote is a signed prevote or precommit for a block hash at (height, round).
// A nil BlockHash is a NIL vote: an explicit vote for "no block" signalling
// round failure without endorsing content.
type Vote struct {
	Type      VoteType  `cramberry:"1"`
	Height    uint64    `cramberry:"2"`
	Round     uint32    `cramberry:"3"`
	BlockHash *Hash     `cramberry:"4"`
	Voter     Address   `cramberry:"5"`
	Signature Signature `cramberry:"6"`
}

// String returns a short human-readable form for logging.
func (v *Vote) String() string {
	kind := "prevote"
	if v.Type == VoteTypePrecommit {
		kind = "precommit"
	}
	value := "nil"
	if !IsHashEmpty(v.BlockHash) {
		value = HashString(*v.BlockHash)[:8]
	}
	return fmt.Sprintf("%s{%d/%d %s by %s}", kind, v.Height, v.Round, value, AddressString(v.Voter)[:8])
}

// VoteSignBytes returns the bytes to sign for a vote
func VoteSignBytes(chainID string, v *Vote) []byte {
	// Canonical vote for signing (without signature)
	canonical := &Vote{
		Type:      v.Type,
		Height:    v.Height,
		Round:     v.Round,
		BlockHash: v.BlockHash,
		Voter:     v.Voter,
	}

	data, err := cramberry.Marshal(canonical)
	if err != nil {
		panic(fmt.Sprintf("CONSENSUS CRITICAL: failed to marshal vote for signing: %v", err))
	}
	// Prepend chain ID
	return append([]byte(chainID), data...)
}

// IsNilVote returns true if the vote is for nil (no block)
func IsNilVote(v *Vote) bool {
	return v.BlockHash == nil || IsHashEmpty(v.BlockHash)
}

// VotesForSameValue returns true if both votes carry the same block hash
// (or are both NIL).
func VotesForSameValue(a, b *Vote) bool {
	if IsNilVote(a) && IsNilVote(b) {
		return true
	}
	if IsNilVote(a) || IsNilVote(b) {
		return false
	}
	return HashEqual(*a.BlockHash, *b.BlockHash)
}

// CopyVote returns a deep copy of a vote
func CopyVote(v *Vote) *Vote {
	if v == nil {
		return nil
	}
	sigCopy := Signature{}
	if len(v.Signature.Data) > 0 {
		sigCopy.Data = make([]byte, len(v.Signature.Data))
		copy(sigCopy.Data, v.Signature.Data)
	}
	return &Vote{
		Type:      v.Type,
		Height:    v.Height,
		Round:     v.Round,
		BlockHash: CopyHash(v.BlockHash),
		Voter:     CopyAddress(v.Voter),
		Signature: sigCopy,
	}
}

// ValidateBasic performs stateless structural validation of a vote.
func (v *Vote) ValidateBasic() error {
	if v.Type != VoteTypePrevote && v.Type != VoteTypePrecommit {
		return fmt.Errorf("%w: type %d", ErrUnexpectedVoteType, v.Type)
	}
	if IsAddressEmpty(v.Voter) {
		return fmt.Errorf("%w: empty voter", ErrInvalidVote)
	}
	if v.BlockHash != nil && len(v.BlockHash.Data) != HashSize {
		return fmt.Errorf("%w: malformed block hash", ErrInvalidVote)
	}
	return nil
}

// VerifyVoteSignature verifies the signature on a vote
func VerifyVoteSignature(chainID string, vote *Vote, pubKey PublicKey) error {
	if vote == nil {
		return ErrInvalidVote
	}
	if len(vote.Signature.Data) == 0 {
		return errors.New("vote has no signature")
	}
	if len(pubKey.Data) != ed25519.PublicKeySize {
		return errors.New("invalid public key size")
	}

	signBytes := VoteSignBytes(chainID, vote)
	if !ed25519.Verify(pubKey.Data, signBytes, vote.Signature.Data) {
		return errors.New("invalid vote signature")
	}
	return nil
}
