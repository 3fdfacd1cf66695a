// Package evidence collects proof of validator misbehavior. The pool is
// additive: evidence recorded for a height stays until the chain has
// moved far enough past it that it can no longer be acted on.
package evidence

import (
	"errors"
	"fmt"
	"sync"

	"github.com/blockberries/streamberry/logging"
	"github.com/blockberries/streamberry/types"
)

// Errors
var (
	ErrDuplicateEvidence = errors.New("duplicate evidence")
	ErrEvidenceExpired   = errors.New("evidence expired")
)

// MaxAgeHeights is how many heights evidence is retained past the height
// it was produced in.
const MaxAgeHeights uint64 = 100000

// Pool holds equivocation evidence pending hand-off to the application.
type Pool struct {
	mu sync.RWMutex

	logger *logging.Logger

	// pending, in arrival order.
	pending []*types.Equivocation

	// seen dedupes by (voter, height, round, type). One evidence entry
	// per equivocating position, however many conflicting votes arrive.
	seen map[string]struct{}

	// committed evidence no longer pending.
	committed map[string]struct{}

	// prunedBelow is the height floor; evidence below it is expired.
	prunedBelow uint64
}

// NewPool creates an empty evidence pool.
func NewPool(logger *logging.Logger) *Pool {
	return &Pool{
		logger:    logger.WithComponent("evidence"),
		seen:      make(map[string]struct{}),
		committed: make(map[string]struct{}),
	}
}

func evidenceKey(ev *types.Equivocation) string {
	v := &ev.VoteA
	return fmt.Sprintf("%x/%d/%d/%d", v.Voter.Data, v.Height, v.Round, v.Type)
}

// Add records evidence. Evidence for an already recorded (voter, height,
// round, type) or for a pruned height is rejected.
func (p *Pool) Add(ev *types.Equivocation) error {
	if err := ev.ValidateBasic(); err != nil {
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if ev.VoteA.Height < p.prunedBelow {
		return fmt.Errorf("%w: height %d below %d", ErrEvidenceExpired, ev.VoteA.Height, p.prunedBelow)
	}

	key := evidenceKey(ev)
	if _, ok := p.seen[key]; ok {
		return ErrDuplicateEvidence
	}
	p.seen[key] = struct{}{}
	p.pending = append(p.pending, ev)

	p.logger.Info("evidence recorded", logging.Voter(ev.VoteA.Voter.Data),
		logging.Height(ev.VoteA.Height), logging.Round(ev.VoteA.Round), "type", ev.VoteA.Type)
	return nil
}

// AddVerified records evidence that arrived from a peer, verifying
// signatures against the validator set for its height first.
func (p *Pool) AddVerified(chainID string, ev *types.Equivocation, vals *types.ValidatorSet) error {
	if err := ev.Verify(chainID, vals); err != nil {
		return err
	}
	return p.Add(ev)
}

// Pending returns the evidence not yet committed, in arrival order.
func (p *Pool) Pending() []*types.Equivocation {
	p.mu.RLock()
	defer p.mu.RUnlock()

	out := make([]*types.Equivocation, len(p.pending))
	copy(out, p.pending)
	return out
}

// MarkCommitted moves the given evidence out of pending once the
// application has acted on it.
func (p *Pool) MarkCommitted(evs []*types.Equivocation) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for _, ev := range evs {
		p.committed[evidenceKey(ev)] = struct{}{}
	}

	remaining := p.pending[:0]
	for _, ev := range p.pending {
		if _, ok := p.committed[evidenceKey(ev)]; !ok {
			remaining = append(remaining, ev)
		}
	}
	p.pending = remaining
}

// PruneBelow expires evidence older than the retention window below the
// given height. Called as heights decide.
func (p *Pool) PruneBelow(height uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if height < MaxAgeHeights {
		return
	}
	floor := height - MaxAgeHeights
	if floor <= p.prunedBelow {
		return
	}
	p.prunedBelow = floor

	remaining := p.pending[:0]
	for _, ev := range p.pending {
		if ev.VoteA.Height >= floor {
			remaining = append(remaining, ev)
			continue
		}
		delete(p.seen, evidenceKey(ev))
	}
	p.pending = remaining
}

// Size returns the number of pending evidence entries.
func (p *Pool) Size() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.pending)
}
