package types

import (
	"errors"
	"fmt"
)

// Evidence errors
var (
	ErrInvalidEvidence = errors.New("invalid evidence")
)

// Equivocation is proof that a validator signed two conflicting votes of
// the same type at the same height and round. The pair is ordered by
// arrival: VoteA was accepted first.
type Equivocation struct {
	VoteA Vote `cramberry:"1"`
	VoteB Vote `cramberry:"2"`
}

func (e *Equivocation) String() string {
	return fmt.Sprintf("Equivocation{%s type=%d %d/%d}",
		AddressString(e.VoteA.Voter), e.VoteA.Type, e.VoteA.Height, e.VoteA.Round)
}

// Voter returns the address of the equivocating validator.
func (e *Equivocation) Voter() Address {
	return e.VoteA.Voter
}

// ValidateBasic checks the structural validity of the evidence: both
// votes well formed, same voter, type, height and round, different values.
func (e *Equivocation) ValidateBasic() error {
	if err := e.VoteA.ValidateBasic(); err != nil {
		return fmt.Errorf("%w: vote A: %w", ErrInvalidEvidence, err)
	}
	if err := e.VoteB.ValidateBasic(); err != nil {
		return fmt.Errorf("%w: vote B: %w", ErrInvalidEvidence, err)
	}
	if !AddressEqual(e.VoteA.Voter, e.VoteB.Voter) {
		return fmt.Errorf("%w: votes from different voters", ErrInvalidEvidence)
	}
	if e.VoteA.Type != e.VoteB.Type {
		return fmt.Errorf("%w: votes of different types", ErrInvalidEvidence)
	}
	if e.VoteA.Height != e.VoteB.Height || e.VoteA.Round != e.VoteB.Round {
		return fmt.Errorf("%w: votes for different height/round", ErrInvalidEvidence)
	}
	if VotesForSameValue(&e.VoteA, &e.VoteB) {
		return fmt.Errorf("%w: votes agree, no conflict", ErrInvalidEvidence)
	}
	return nil
}

// Verify checks the evidence against a validator set: the voter must be
// a member and both signatures must be valid.
func (e *Equivocation) Verify(chainID string, vals *ValidatorSet) error {
	if err := e.ValidateBasic(); err != nil {
		return err
	}
	val := vals.GetByAddress(e.VoteA.Voter)
	if val == nil {
		return fmt.Errorf("%w: voter %s not in validator set",
			ErrInvalidEvidence, AddressString(e.VoteA.Voter))
	}
	if err := VerifyVoteSignature(chainID, &e.VoteA, val.PublicKey); err != nil {
		return fmt.Errorf("%w: vote A: %w", ErrInvalidEvidence, err)
	}
	if err := VerifyVoteSignature(chainID, &e.VoteB, val.PublicKey); err != nil {
		return fmt.Errorf("%w: vote B: %w", ErrInvalidEvidence, err)
	}
	return nil
}
