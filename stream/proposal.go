package stream

import (
	"errors"
	"fmt"

	"github.com/blockberries/streamberry/types"
)

// Proposal structure errors
var (
	ErrPartBeforeInit  = errors.New("proposal part before init")
	ErrDuplicateInit   = errors.New("duplicate proposal init")
	ErrPartAfterFin    = errors.New("proposal part after fin")
	ErrStreamNoFin     = errors.New("stream ended without proposal fin")
	ErrContentMismatch = errors.New("proposal content id mismatch")
)

// Proposal is a fully reassembled proposal: the ordered batch content plus
// the proposer's claimed content id and the id recomputed locally by
// replaying the batches. The two must match before the proposal is eligible
// for a prevote.
type Proposal struct {
	Init    types.ProposalInit
	Batches []types.TransactionBatch

	// ContentID is the identifier claimed in the proposal fin.
	ContentID types.Hash
	// ComputedID is the identifier recomputed over the received batches.
	ComputedID types.Hash
}

// Valid reports whether the claimed and recomputed content ids agree.
func (p *Proposal) Valid() bool {
	return types.HashEqual(p.ContentID, p.ComputedID)
}

// assembler folds an ordered part sequence into a Proposal, enforcing the
// [init, batches..., fin] structure and hashing batches incrementally.
type assembler struct {
	init   *types.ProposalInit
	fin    *types.ProposalFin
	hasher *types.ContentHasher

	batches []types.TransactionBatch
}

func newAssembler() *assembler {
	return &assembler{hasher: types.NewContentHasher()}
}

// add folds one in-order part. Structural violations make the whole stream
// malformed.
func (a *assembler) add(part *types.ProposalPart) error {
	switch {
	case part.Init != nil:
		if a.init != nil {
			return ErrDuplicateInit
		}
		if len(a.batches) > 0 || a.fin != nil {
			return fmt.Errorf("%w: init at position %d", ErrMalformedStream, len(a.batches))
		}
		a.init = part.Init

	case part.Transactions != nil:
		if a.init == nil {
			return ErrPartBeforeInit
		}
		if a.fin != nil {
			return ErrPartAfterFin
		}
		if err := a.hasher.Add(part.Transactions); err != nil {
			return err
		}
		a.batches = append(a.batches, *part.Transactions)

	case part.Fin != nil:
		if a.init == nil {
			return ErrPartBeforeInit
		}
		if a.fin != nil {
			return ErrPartAfterFin
		}
		a.fin = part.Fin

	default:
		return types.ErrInvalidProposalPart
	}
	return nil
}

// complete finishes assembly once the stream has terminated.
func (a *assembler) complete() (*Proposal, error) {
	if a.init == nil {
		return nil, ErrPartBeforeInit
	}
	if a.fin == nil {
		return nil, ErrStreamNoFin
	}
	return &Proposal{
		Init:       *a.init,
		Batches:    a.batches,
		ContentID:  a.fin.ContentID,
		ComputedID: a.hasher.Sum(),
	}, nil
}
