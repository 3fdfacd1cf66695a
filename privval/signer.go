// Package privval holds the validator's private key and signs consensus
// messages, refusing anything that would be a double sign.
package privval

import (
	"errors"
	"fmt"

	"github.com/blockberries/streamberry/types"
)

// Errors
var (
	ErrDoubleSign       = errors.New("double sign attempt")
	ErrHeightRegression = errors.New("height regression")
	ErrRoundRegression  = errors.New("round regression")
	ErrStepRegression   = errors.New("step regression")
)

// Signer signs votes and proposal inits for one validator identity.
type Signer interface {
	// GetPubKey returns the public key.
	GetPubKey() types.PublicKey

	// GetAddress returns the validator address derived from the public
	// key.
	GetAddress() types.Address

	// SignVote signs a vote, refusing double signs. Re-signing the
	// exact vote last signed returns the cached signature.
	SignVote(chainID string, vote *types.Vote) error

	// SignProposalInit signs a proposal init.
	SignProposalInit(chainID string, init *types.ProposalInit) error
}

// Step values for double-sign prevention. Proposals come before votes
// in a round.
const (
	StepProposal  int8 = 0
	StepPrevote   int8 = 1
	StepPrecommit int8 = 2
)

// VoteStep returns the sign step for a vote type. Panics on an invalid
// type: callers validate votes before signing, so this is a programming
// error.
func VoteStep(voteType types.VoteType) int8 {
	switch voteType {
	case types.VoteTypePrevote:
		return StepPrevote
	case types.VoteTypePrecommit:
		return StepPrecommit
	default:
		panic(fmt.Sprintf("privval: invalid vote type: %v", voteType))
	}
}

// LastSignState tracks the last signed message for double-sign
// prevention.
type LastSignState struct {
	Height    uint64
	Round     uint32
	Step      int8
	Signature types.Signature
	BlockHash *types.Hash
}

// CheckHRS reports whether signing at (height, round, step) is allowed
// given what was last signed. ErrDoubleSign at an identical position may
// still be an idempotent re-sign; the caller decides.
func (lss *LastSignState) CheckHRS(height uint64, round uint32, step int8) error {
	if lss.Height > height {
		return ErrHeightRegression
	}
	if lss.Height == height {
		if lss.Round > round {
			return ErrRoundRegression
		}
		if lss.Round == round {
			if lss.Step > step {
				return ErrStepRegression
			}
			if lss.Step == step {
				return ErrDoubleSign
			}
		}
	}
	return nil
}
