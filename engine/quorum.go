package engine

import (
	"fmt"

	"github.com/blockberries/streamberry/types"
)

// Outcome reports how a vote was handled by a VoteSet.
type Outcome uint8

const (
	// OutcomeAccepted means the vote was counted.
	OutcomeAccepted Outcome = iota
	// OutcomeDuplicate means an identical vote was already counted.
	OutcomeDuplicate
	// OutcomeEquivocation means the voter already cast a conflicting
	// vote. The first vote stays counted; this one is not.
	OutcomeEquivocation
	// OutcomeUnknownVoter means the voter is not in the validator set.
	OutcomeUnknownVoter
)

func (o Outcome) String() string {
	switch o {
	case OutcomeAccepted:
		return "accepted"
	case OutcomeDuplicate:
		return "duplicate"
	case OutcomeEquivocation:
		return "equivocation"
	case OutcomeUnknownVoter:
		return "unknown_voter"
	default:
		return fmt.Sprintf("outcome(%d)", o)
	}
}

// nilVoteKey indexes NIL votes in the per-value tallies. Real block
// hashes are 32 bytes, so the empty string cannot collide.
const nilVoteKey = ""

func voteValueKey(v *types.Vote) string {
	if types.IsNilVote(v) {
		return nilVoteKey
	}
	return string(v.BlockHash.Data)
}

// votesByValue tallies the voting power behind one value.
type votesByValue struct {
	hash  *types.Hash // nil for NIL votes
	power int64
	votes []*types.Vote
}

// VoteSet collects votes of a single type for one (height, round) and
// tracks which value, if any, has reached quorum. The first vote from
// each validator wins; a later conflicting vote is reported as
// equivocation and not counted, so tallies only grow and the quorum
// value, once set, never changes.
//
// VoteSet is not safe for concurrent use. The driver serializes all
// access on its event loop.
type VoteSet struct {
	chainID string
	height  uint64
	round   uint32
	typ     types.VoteType
	vals    *types.ValidatorSet

	votes      map[string]*types.Vote   // by voter address
	byValue    map[string]*votesByValue // by value key
	flagged    map[string]struct{}      // voters with evidence already emitted
	totalPower int64                    // power of all counted votes

	quorumValue *votesByValue // first value to cross the threshold
}

// NewVoteSet returns an empty VoteSet for one vote type at one
// (height, round).
func NewVoteSet(chainID string, height uint64, round uint32, typ types.VoteType, vals *types.ValidatorSet) *VoteSet {
	return &VoteSet{
		chainID: chainID,
		height:  height,
		round:   round,
		typ:     typ,
		vals:    vals,
		votes:   make(map[string]*types.Vote),
		byValue: make(map[string]*votesByValue),
		flagged: make(map[string]struct{}),
	}
}

// AddVote validates and counts a vote. On equivocation the returned
// evidence carries the previously counted vote and the new one; evidence
// is emitted at most once per voter.
func (vs *VoteSet) AddVote(v *types.Vote) (Outcome, *types.Equivocation, error) {
	if v == nil {
		return OutcomeDuplicate, nil, fmt.Errorf("%w: nil", ErrInvalidVote)
	}
	if err := v.ValidateBasic(); err != nil {
		return OutcomeDuplicate, nil, err
	}
	if v.Height != vs.height {
		return OutcomeDuplicate, nil, fmt.Errorf("%w: got %d, want %d", ErrInvalidHeight, v.Height, vs.height)
	}
	if v.Round != vs.round {
		return OutcomeDuplicate, nil, fmt.Errorf("%w: got %d, want %d", ErrInvalidRound, v.Round, vs.round)
	}
	if v.Type != vs.typ {
		return OutcomeDuplicate, nil, fmt.Errorf("%w: got %s, want %s", ErrInvalidVote, v.Type, vs.typ)
	}

	val := vs.vals.GetByAddress(v.Voter)
	if val == nil {
		return OutcomeUnknownVoter, nil, nil
	}

	addrKey := string(v.Voter.Data)
	if prev, ok := vs.votes[addrKey]; ok {
		if types.VotesForSameValue(prev, v) {
			return OutcomeDuplicate, nil, nil
		}
		if err := types.VerifyVoteSignature(vs.chainID, v, val.PublicKey); err != nil {
			return OutcomeDuplicate, nil, err
		}
		if _, done := vs.flagged[addrKey]; done {
			return OutcomeEquivocation, nil, nil
		}
		vs.flagged[addrKey] = struct{}{}
		ev := &types.Equivocation{VoteA: *types.CopyVote(prev), VoteB: *types.CopyVote(v)}
		return OutcomeEquivocation, ev, nil
	}

	if err := types.VerifyVoteSignature(vs.chainID, v, val.PublicKey); err != nil {
		return OutcomeDuplicate, nil, err
	}

	v = types.CopyVote(v)
	vs.votes[addrKey] = v
	vs.totalPower += val.VotingPower

	key := voteValueKey(v)
	bv, ok := vs.byValue[key]
	if !ok {
		bv = &votesByValue{hash: types.CopyHash(v.BlockHash)}
		vs.byValue[key] = bv
	}
	bv.power += val.VotingPower
	bv.votes = append(bv.votes, v)

	if vs.quorumValue == nil && bv.power >= vs.vals.QuorumThreshold() {
		vs.quorumValue = bv
	}
	return OutcomeAccepted, nil, nil
}

// QuorumHash returns the first value to have gathered quorum power.
// The returned hash is nil for a NIL quorum. The second return is false
// until some value reaches quorum; once true, the value never changes.
func (vs *VoteSet) QuorumHash() (*types.Hash, bool) {
	if vs.quorumValue == nil {
		return nil, false
	}
	return types.CopyHash(vs.quorumValue.hash), true
}

// HasQuorumFor reports whether the given value (nil for NIL) has
// gathered quorum power.
func (vs *VoteSet) HasQuorumFor(hash *types.Hash) bool {
	key := nilVoteKey
	if hash != nil && !types.IsHashEmpty(hash) {
		key = string(hash.Data)
	}
	bv, ok := vs.byValue[key]
	return ok && bv.power >= vs.vals.QuorumThreshold()
}

// HasQuorumAny reports whether counted votes across all values total
// quorum power. Used to start the wait timeouts when the network has
// spoken but not agreed.
func (vs *VoteSet) HasQuorumAny() bool {
	return vs.totalPower >= vs.vals.QuorumThreshold()
}

// PowerFor returns the counted power behind the given value.
func (vs *VoteSet) PowerFor(hash *types.Hash) int64 {
	key := nilVoteKey
	if hash != nil && !types.IsHashEmpty(hash) {
		key = string(hash.Data)
	}
	bv, ok := vs.byValue[key]
	if !ok {
		return 0
	}
	return bv.power
}

// BlockingPowerExcluding reports whether the votes counted for values
// other than the given one hold blocking power, which makes a quorum on
// that value require at least one voter to flip.
func (vs *VoteSet) BlockingPowerExcluding(hash *types.Hash) bool {
	key := nilVoteKey
	if hash != nil && !types.IsHashEmpty(hash) {
		key = string(hash.Data)
	}
	var other int64
	for k, bv := range vs.byValue {
		if k != key {
			other += bv.power
		}
	}
	return other >= vs.vals.BlockingThreshold()
}

// TotalPower returns the power of all counted votes.
func (vs *VoteSet) TotalPower() int64 {
	return vs.totalPower
}

// GetByAddress returns the counted vote from the given voter, or nil.
func (vs *VoteSet) GetByAddress(addr types.Address) *types.Vote {
	v, ok := vs.votes[string(addr.Data)]
	if !ok {
		return nil
	}
	return types.CopyVote(v)
}

// MakeDecision assembles a Decision from the precommits behind the
// quorum value. It returns nil unless this is a precommit set with a
// non-NIL quorum.
func (vs *VoteSet) MakeDecision() *types.Decision {
	if vs.typ != types.VoteTypePrecommit || vs.quorumValue == nil || vs.quorumValue.hash == nil {
		return nil
	}
	precommits := make([]types.Vote, 0, len(vs.quorumValue.votes))
	for _, v := range vs.quorumValue.votes {
		precommits = append(precommits, *types.CopyVote(v))
	}
	return &types.Decision{
		Height:     vs.height,
		BlockHash:  *types.CopyHash(vs.quorumValue.hash),
		Precommits: precommits,
	}
}

// roundVotes bundles the two vote sets of one round and tracks the
// distinct voters seen in it for round-skip detection.
type roundVotes struct {
	prevotes   *VoteSet
	precommits *VoteSet
	voterPower map[string]int64
}

func (rv *roundVotes) seenPower() int64 {
	var sum int64
	for _, p := range rv.voterPower {
		sum += p
	}
	return sum
}

// HeightVoteSet tracks all vote sets for one height, keyed by round.
// Rounds are created lazily as votes for them arrive, so votes from
// future rounds are counted and can trigger a round skip.
//
// Not safe for concurrent use.
type HeightVoteSet struct {
	chainID string
	height  uint64
	vals    *types.ValidatorSet
	rounds  map[uint32]*roundVotes
}

// NewHeightVoteSet returns an empty HeightVoteSet for the given height.
func NewHeightVoteSet(chainID string, height uint64, vals *types.ValidatorSet) *HeightVoteSet {
	return &HeightVoteSet{
		chainID: chainID,
		height:  height,
		vals:    vals,
		rounds:  make(map[uint32]*roundVotes),
	}
}

func (hvs *HeightVoteSet) Height() uint64 { return hvs.height }

func (hvs *HeightVoteSet) round(r uint32) *roundVotes {
	rv, ok := hvs.rounds[r]
	if !ok {
		rv = &roundVotes{
			prevotes:   NewVoteSet(hvs.chainID, hvs.height, r, types.VoteTypePrevote, hvs.vals),
			precommits: NewVoteSet(hvs.chainID, hvs.height, r, types.VoteTypePrecommit, hvs.vals),
			voterPower: make(map[string]int64),
		}
		hvs.rounds[r] = rv
	}
	return rv
}

// AddVote routes a vote to the vote set for its round and type.
func (hvs *HeightVoteSet) AddVote(v *types.Vote) (Outcome, *types.Equivocation, error) {
	if v == nil {
		return OutcomeDuplicate, nil, fmt.Errorf("%w: nil", ErrInvalidVote)
	}
	if v.Height != hvs.height {
		return OutcomeDuplicate, nil, fmt.Errorf("%w: got %d, want %d", ErrInvalidHeight, v.Height, hvs.height)
	}
	rv := hvs.round(v.Round)

	var vs *VoteSet
	switch v.Type {
	case types.VoteTypePrevote:
		vs = rv.prevotes
	case types.VoteTypePrecommit:
		vs = rv.precommits
	default:
		return OutcomeDuplicate, nil, fmt.Errorf("%w: type %s", ErrInvalidVote, v.Type)
	}

	outcome, ev, err := vs.AddVote(v)
	if outcome == OutcomeAccepted {
		if val := hvs.vals.GetByAddress(v.Voter); val != nil {
			rv.voterPower[string(v.Voter.Data)] = val.VotingPower
		}
	}
	return outcome, ev, err
}

// Prevotes returns the prevote set for the given round.
func (hvs *HeightVoteSet) Prevotes(round uint32) *VoteSet {
	return hvs.round(round).prevotes
}

// Precommits returns the precommit set for the given round.
func (hvs *HeightVoteSet) Precommits(round uint32) *VoteSet {
	return hvs.round(round).precommits
}

// HasBlockingPower reports whether validators holding blocking power
// (more than a third of the total) have voted in the given round. A
// voter casting both a prevote and a precommit counts once.
func (hvs *HeightVoteSet) HasBlockingPower(round uint32) bool {
	rv, ok := hvs.rounds[round]
	if !ok {
		return false
	}
	return rv.seenPower() >= hvs.vals.BlockingThreshold()
}

// SkipRound returns the lowest round above the given one in which
// blocking power has voted, if any.
func (hvs *HeightVoteSet) SkipRound(above uint32) (uint32, bool) {
	best := uint32(0)
	found := false
	for r, rv := range hvs.rounds {
		if r <= above {
			continue
		}
		if rv.seenPower() < hvs.vals.BlockingThreshold() {
			continue
		}
		if !found || r < best {
			best = r
			found = true
		}
	}
	return best, found
}
