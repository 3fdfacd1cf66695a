package types

import (
	"errors"
	"fmt"
)

// Decision errors
var (
	ErrInvalidDecision        = errors.New("invalid decision")
	ErrDecisionPowerShortfall = errors.New("insufficient voting power in decision")
	ErrDecisionVoteMismatch   = errors.New("vote does not match decision")
	ErrDuplicateDecisionVote  = errors.New("duplicate voter in decision")
)

// Decision is the terminal artifact of a height: the committed block hash
// together with the precommit quorum that committed it. It is handed to the
// Context exactly once per height and never revised.
type Decision struct {
	Height     uint64 `cramberry:"1"`
	BlockHash  Hash   `cramberry:"2"`
	Precommits []Vote `cramberry:"3"`
}

// VerifyDecision checks that a decision carries a valid committing quorum:
// every vote is a precommit for the decided hash at the decision height
// from a distinct member of the set, signatures verify, and the combined
// power crosses the quorum threshold.
func VerifyDecision(chainID string, valSet *ValidatorSet, d *Decision) error {
	if d == nil || len(d.Precommits) == 0 {
		return ErrInvalidDecision
	}
	if IsHashEmpty(&d.BlockHash) {
		return fmt.Errorf("%w: nil block hash", ErrInvalidDecision)
	}

	var power int64
	seen := make(map[string]bool)

	for i := range d.Precommits {
		vote := &d.Precommits[i]

		if vote.Type != VoteTypePrecommit || vote.Height != d.Height {
			return fmt.Errorf("%w: vote %d", ErrDecisionVoteMismatch, i)
		}
		if IsNilVote(vote) || !HashEqual(*vote.BlockHash, d.BlockHash) {
			return fmt.Errorf("%w: vote %d is not for the decided hash", ErrDecisionVoteMismatch, i)
		}

		key := AddressString(vote.Voter)
		if seen[key] {
			return fmt.Errorf("%w: %s", ErrDuplicateDecisionVote, key)
		}
		seen[key] = true

		val := valSet.GetByAddress(vote.Voter)
		if val == nil {
			return fmt.Errorf("%w: voter %s", ErrValidatorNotFound, key)
		}
		if err := VerifyVoteSignature(chainID, vote, val.PublicKey); err != nil {
			return fmt.Errorf("%w: voter %s: %v", ErrInvalidDecision, key, err)
		}
		power += val.VotingPower
	}

	if required := valSet.QuorumThreshold(); power < required {
		return fmt.Errorf("%w: got %d, need %d", ErrDecisionPowerShortfall, power, required)
	}
	return nil
}
