package engine

import (
	"fmt"

	"github.com/blockberries/streamberry/logging"
	"github.com/blockberries/streamberry/stream"
	"github.com/blockberries/streamberry/types"
)

// Step identifies a position in a round's lifecycle.
type Step uint8

const (
	StepNewRound Step = iota
	StepPropose
	StepPrevote
	StepPrevoteWait
	StepPrecommit
	StepPrecommitWait
	StepDecided
)

func (s Step) String() string {
	switch s {
	case StepNewRound:
		return "new_round"
	case StepPropose:
		return "propose"
	case StepPrevote:
		return "prevote"
	case StepPrevoteWait:
		return "prevote_wait"
	case StepPrecommit:
		return "precommit"
	case StepPrecommitWait:
		return "precommit_wait"
	case StepDecided:
		return "decided"
	default:
		return fmt.Sprintf("step(%d)", s)
	}
}

// noRound marks an unset locked or valid round.
const noRound int64 = -1

// Environment is everything a StateMachine asks the outside world to do.
// The Driver implements it: signing, broadcasting, timers, and the
// long-running context tasks all live there, so the state machine itself
// stays a pure sequential transition function.
//
// Every Environment call is an effect request; none of them feed results
// back synchronously. Results return later through the Handle* methods.
type Environment interface {
	// SignVote fills in the vote's signature. An error (for example a
	// refused double sign) means the vote must not be broadcast.
	SignVote(v *types.Vote) error

	// BroadcastVote sends a signed vote to the network.
	BroadcastVote(v *types.Vote)

	// ScheduleTimeout arms the step timeout for (height, round, step).
	ScheduleTimeout(ti TimeoutInfo)

	// RoundEntered reports that the machine moved to a new round, so
	// stale tasks and streams for earlier rounds can be cancelled.
	RoundEntered(height uint64, round uint32)

	// StartBuild launches proposal construction for a round this node
	// proposes in. The result arrives via HandleBuildResult.
	StartBuild(height uint64, round uint32)

	// Repropose streams previously built content again under a new
	// round, carrying validRound. The result arrives via
	// HandleBuildResult.
	Repropose(height uint64, round uint32, validRound uint32, content []types.TransactionBatch)

	// StartValidate launches application validation of a received
	// proposal. The result arrives via HandleValidateResult.
	StartValidate(height uint64, round uint32, p *stream.Proposal)

	// RecordEvidence hands equivocation evidence to the evidence pool.
	RecordEvidence(ev *types.Equivocation)

	// OnDecision reports the height's decision, exactly once. The
	// proposal is the decided content if this node holds it, else nil.
	OnDecision(d *types.Decision, p *stream.Proposal)
}

// StateMachine runs consensus for a single height: propose, prevote and
// precommit across as many rounds as it takes, ending in exactly one
// decision. All methods must be called from a single goroutine; the
// Driver's reactor loop provides that serialization, so there is no
// locking here.
type StateMachine struct {
	cfg     Config
	height  uint64
	vals    *types.ValidatorSet
	ownAddr types.Address
	env     Environment
	logger  *logging.Logger
	metrics Metrics

	round uint32
	step  Step

	hvs *HeightVoteSet

	// proposals holds structurally verified proposals by round;
	// validated holds those the application accepted too.
	proposals map[uint32]*stream.Proposal
	validated map[uint32]*stream.Proposal

	lockedRound   int64
	lockedValue   *types.Hash
	lockedContent *stream.Proposal

	validRound   int64
	validValue   *types.Hash
	validContent *stream.Proposal

	decision *types.Decision
}

// NewStateMachine returns a machine for one height. Call Start to enter
// round 0.
func NewStateMachine(cfg Config, height uint64, vals *types.ValidatorSet, ownAddr types.Address, env Environment, logger *logging.Logger, metrics Metrics) *StateMachine {
	return &StateMachine{
		cfg:         cfg,
		height:      height,
		vals:        vals,
		ownAddr:     ownAddr,
		env:         env,
		logger:      logger.WithComponent("state").With(logging.Height(height)),
		metrics:     metrics,
		step:        StepNewRound,
		hvs:         NewHeightVoteSet(cfg.ChainID, height, vals),
		proposals:   make(map[uint32]*stream.Proposal),
		validated:   make(map[uint32]*stream.Proposal),
		lockedRound: noRound,
		validRound:  noRound,
	}
}

func (sm *StateMachine) Height() uint64 { return sm.height }
func (sm *StateMachine) Round() uint32  { return sm.round }
func (sm *StateMachine) Step() Step     { return sm.step }

// Decided reports whether this height has reached a decision.
func (sm *StateMachine) Decided() bool { return sm.decision != nil }

// Decision returns the decision, or nil before one is reached.
func (sm *StateMachine) Decision() *types.Decision { return sm.decision }

// Votes exposes the height's vote sets, for gossip and introspection.
func (sm *StateMachine) Votes() *HeightVoteSet { return sm.hvs }

// isValidator reports whether this node votes at this height.
func (sm *StateMachine) isValidator() bool {
	return sm.vals.HasAddress(sm.ownAddr)
}

func (sm *StateMachine) isProposer(round uint32) bool {
	return types.AddressEqual(sm.vals.Proposer(sm.height, round).Address, sm.ownAddr)
}

// Start enters round 0.
func (sm *StateMachine) Start() {
	sm.enterNewRound(0)
}

// enterNewRound moves to the given round and its propose step. Round
// never regresses.
func (sm *StateMachine) enterNewRound(round uint32) {
	if sm.step == StepDecided {
		return
	}
	if round < sm.round || (round == sm.round && sm.step != StepNewRound) {
		return
	}
	sm.round = round
	sm.step = StepNewRound
	sm.logger.Info("entering new round", logging.Round(round),
		logging.Proposer(sm.vals.Proposer(sm.height, round).Address.Data))
	sm.metrics.RoundEntered(sm.height, round)
	sm.env.RoundEntered(sm.height, round)
	sm.enterPropose()
}

func (sm *StateMachine) enterPropose() {
	sm.step = StepPropose
	round := sm.round

	sm.env.ScheduleTimeout(TimeoutInfo{
		Duration: sm.cfg.Timeouts.DurationFor(StepPropose, round),
		Height:   sm.height,
		Round:    round,
		Step:     StepPropose,
	})

	if sm.isValidator() && sm.isProposer(round) {
		if sm.validContent != nil {
			// Re-propose the value this node already knows is valid,
			// pointing validators back at the round that validated it.
			sm.logger.Info("re-proposing valid value", logging.Round(round), "valid_round", sm.validRound)
			sm.env.Repropose(sm.height, round, uint32(sm.validRound), sm.validContent.Batches)
		} else {
			sm.logger.Info("building proposal", logging.Round(round))
			sm.env.StartBuild(sm.height, round)
		}
		return
	}

	// Validator path: a proposal for this round may already be waiting
	// from an earlier arrival.
	if p, ok := sm.proposals[round]; ok {
		if _, done := sm.validated[round]; !done {
			sm.env.StartValidate(sm.height, round, p)
		} else {
			sm.enterPrevote()
		}
	}
}

// HandleBuildResult receives the finished proposal this node built (or
// re-proposed). A nil proposal means the build failed; the propose
// timeout then leads to a NIL prevote.
func (sm *StateMachine) HandleBuildResult(round uint32, p *stream.Proposal, err error) {
	if round != sm.round || sm.step != StepPropose {
		return
	}
	if err != nil {
		sm.logger.Error("proposal build failed", logging.Round(round), logging.Error(err))
		return
	}
	sm.proposals[round] = p
	sm.validated[round] = p
	sm.enterPrevote()
}

// HandleProposal receives a fully reassembled proposal stream. It is
// checked structurally here; application validation runs as a task.
func (sm *StateMachine) HandleProposal(p *stream.Proposal) {
	round := p.Init.Round
	if p.Init.Height != sm.height {
		return
	}
	if sm.step == StepDecided {
		return
	}
	if _, ok := sm.proposals[round]; ok {
		return
	}

	proposer := sm.vals.Proposer(sm.height, round)
	if !types.AddressEqual(p.Init.Proposer, proposer.Address) {
		sm.logger.Info("proposal from wrong proposer", logging.Round(round),
			"got", types.AddressString(p.Init.Proposer),
			"want", types.AddressString(proposer.Address))
		return
	}
	if err := types.VerifyProposalInitSignature(sm.cfg.ChainID, &p.Init, proposer.PublicKey); err != nil {
		sm.logger.Info("proposal init signature invalid", logging.Round(round), logging.Error(err))
		return
	}
	if !p.Valid() {
		sm.logger.Info("proposal content id mismatch", logging.Round(round),
			"claimed", types.HashString(p.ContentID), "computed", types.HashString(p.ComputedID))
		sm.metrics.InvalidProposal(sm.height, round)
		return
	}
	if vr := p.Init.ValidRound; vr != nil && *vr >= round {
		sm.logger.Info("proposal valid_round not below round", logging.Round(round), "valid_round", *vr)
		return
	}

	sm.proposals[round] = p
	sm.metrics.ProposalReceived(sm.height, round)

	if round == sm.round && sm.step == StepPropose {
		sm.env.StartValidate(sm.height, round, p)
	}
}

// HandleValidateResult receives the application's verdict on a proposal.
func (sm *StateMachine) HandleValidateResult(round uint32, p *stream.Proposal, err error) {
	if err != nil {
		sm.logger.Info("proposal rejected by application", logging.Round(round), logging.Error(err))
		sm.metrics.InvalidProposal(sm.height, round)
		delete(sm.proposals, round)
		return
	}
	sm.validated[round] = p
	if round == sm.round && sm.step == StepPropose {
		sm.enterPrevote()
	} else {
		// Late validation can still complete a pending quorum.
		sm.checkRoundTransitions()
	}
}

// decidePrevote picks the hash to prevote in the current round, or nil
// for NIL. The lock rule: once locked, this node prevotes only its
// locked value, unless the proposer justifies a different value with a
// valid_round quorum at or after the lock.
func (sm *StateMachine) decidePrevote() *types.Hash {
	p, ok := sm.validated[sm.round]
	if !ok {
		return nil
	}
	h := p.ContentID

	if vr := p.Init.ValidRound; vr != nil {
		if !sm.hvs.Prevotes(*vr).HasQuorumFor(&h) {
			return nil
		}
		if sm.lockedRound <= int64(*vr) || sm.lockedEquals(&h) {
			return &h
		}
		return nil
	}

	if sm.lockedValue == nil || sm.lockedEquals(&h) {
		return &h
	}
	return nil
}

func (sm *StateMachine) lockedEquals(h *types.Hash) bool {
	return sm.lockedValue != nil && h != nil && types.HashEqual(*sm.lockedValue, *h)
}

func (sm *StateMachine) enterPrevote() {
	if sm.step >= StepPrevote {
		return
	}
	sm.step = StepPrevote
	hash := sm.decidePrevote()
	sm.logger.Debug("entering prevote", logging.Round(sm.round), logging.Hash(deref(hash).Data))
	sm.signAndBroadcastVote(types.VoteTypePrevote, hash)
	sm.checkRoundTransitions()
}

func (sm *StateMachine) enterPrevoteWait() {
	if sm.step >= StepPrevoteWait {
		return
	}
	sm.step = StepPrevoteWait
	sm.env.ScheduleTimeout(TimeoutInfo{
		Duration: sm.cfg.Timeouts.DurationFor(StepPrevoteWait, sm.round),
		Height:   sm.height,
		Round:    sm.round,
		Step:     StepPrevoteWait,
	})
}

func (sm *StateMachine) enterPrecommit(hash *types.Hash) {
	if sm.step >= StepPrecommit {
		return
	}
	sm.step = StepPrecommit
	sm.logger.Debug("entering precommit", logging.Round(sm.round), logging.Hash(deref(hash).Data))
	sm.signAndBroadcastVote(types.VoteTypePrecommit, hash)
	sm.checkRoundTransitions()
}

func (sm *StateMachine) enterPrecommitWait() {
	if sm.step >= StepPrecommitWait {
		return
	}
	sm.step = StepPrecommitWait
	sm.env.ScheduleTimeout(TimeoutInfo{
		Duration: sm.cfg.Timeouts.DurationFor(StepPrecommitWait, sm.round),
		Height:   sm.height,
		Round:    sm.round,
		Step:     StepPrecommitWait,
	})
}

// HandleVote records a received vote and runs any transition it enables.
func (sm *StateMachine) HandleVote(v *types.Vote) {
	if v == nil || v.Height != sm.height {
		return
	}
	outcome, ev, err := sm.hvs.AddVote(v)
	switch outcome {
	case OutcomeAccepted:
		sm.metrics.VoteAccepted(v.Type.String())
	case OutcomeDuplicate:
		if err != nil {
			sm.logger.Debug("vote rejected", "vote", v, logging.Error(err))
		}
		return
	case OutcomeEquivocation:
		sm.logger.Info("equivocation detected", logging.Voter(v.Voter.Data),
			"type", v.Type, logging.Round(v.Round))
		sm.metrics.EquivocationDetected()
		if ev != nil {
			sm.env.RecordEvidence(ev)
		}
		return
	case OutcomeUnknownVoter:
		sm.logger.Debug("vote from unknown voter", logging.Voter(v.Voter.Data))
		sm.metrics.VoteDropped("unknown_voter")
		return
	}

	// Blocking power voting in a later round means this round is stale.
	if v.Round > sm.round {
		if skip, ok := sm.hvs.SkipRound(sm.round); ok {
			sm.logger.Info("skipping to round with blocking power", logging.Round(skip))
			sm.enterNewRound(skip)
			return
		}
	}

	sm.checkRoundTransitions()
}

// checkRoundTransitions evaluates the current round's quorums against
// the current step. It is safe to call after any state change; each
// enter* method guards against re-entry.
func (sm *StateMachine) checkRoundTransitions() {
	if sm.step == StepDecided {
		return
	}

	// A precommit quorum on a hash decides the height from any step.
	precommits := sm.hvs.Precommits(sm.round)
	if h, ok := precommits.QuorumHash(); ok {
		if h != nil {
			sm.decide(h)
			return
		}
		// NIL precommit quorum: this round cannot decide.
		if sm.step >= StepPrecommit {
			sm.enterNewRound(sm.round + 1)
			return
		}
	} else if precommits.HasQuorumAny() && sm.step == StepPrecommit {
		sm.enterPrecommitWait()
	}

	prevotes := sm.hvs.Prevotes(sm.round)
	if h, ok := prevotes.QuorumHash(); ok {
		if h != nil {
			sm.onPrevoteQuorum(h)
		} else if sm.step == StepPrevote || sm.step == StepPrevoteWait {
			sm.enterPrecommit(nil)
		}
	} else if prevotes.HasQuorumAny() && sm.step == StepPrevote {
		sm.enterPrevoteWait()
	}
}

// onPrevoteQuorum handles a prevote quorum on a concrete hash: it
// refreshes the valid value, and from the prevote step it locks and
// precommits the hash.
func (sm *StateMachine) onPrevoteQuorum(h *types.Hash) {
	content := sm.validated[sm.round]
	if content != nil && !types.HashEqual(content.ContentID, *h) {
		content = nil
	}

	if sm.validRound < int64(sm.round) {
		sm.validRound = int64(sm.round)
		sm.validValue = types.CopyHash(h)
		if content != nil {
			sm.validContent = content
		}
	}

	if sm.step == StepPrevote || sm.step == StepPrevoteWait {
		sm.lockedRound = int64(sm.round)
		sm.lockedValue = types.CopyHash(h)
		sm.lockedContent = content
		sm.logger.Info("locked value", logging.Round(sm.round), logging.Hash(h.Data))
		sm.enterPrecommit(h)
	}
}

// HandleTimeout processes an expired step timeout. Stale timeouts for
// earlier rounds or already-passed steps are ignored.
func (sm *StateMachine) HandleTimeout(ti TimeoutInfo) {
	if ti.Height != sm.height || ti.Round != sm.round {
		return
	}
	switch ti.Step {
	case StepPropose:
		if sm.step == StepPropose {
			sm.logger.Info("propose timeout, prevoting nil", logging.Round(sm.round))
			sm.metrics.TimeoutFired("propose")
			sm.enterPrevote()
		}
	case StepPrevoteWait:
		if sm.step == StepPrevote || sm.step == StepPrevoteWait {
			sm.logger.Info("prevote timeout, precommitting nil", logging.Round(sm.round))
			sm.metrics.TimeoutFired("prevote")
			sm.enterPrecommit(nil)
		}
	case StepPrecommitWait:
		if sm.step == StepPrecommit || sm.step == StepPrecommitWait {
			sm.logger.Info("precommit timeout, advancing round", logging.Round(sm.round))
			sm.metrics.TimeoutFired("precommit")
			sm.enterNewRound(sm.round + 1)
		}
	}
}

// decide ends the height. Runs at most once.
func (sm *StateMachine) decide(h *types.Hash) {
	if sm.decision != nil {
		return
	}
	decision := sm.hvs.Precommits(sm.round).MakeDecision()
	if decision == nil {
		// Quorum observed but votes not extractable would be a
		// bookkeeping bug, not a protocol state.
		sm.logger.Error("precommit quorum without decision votes", logging.Round(sm.round))
		return
	}
	sm.step = StepDecided
	sm.decision = decision
	sm.logger.Info("height decided", logging.Round(sm.round), logging.Hash(h.Data))
	sm.metrics.HeightDecided(sm.height, sm.round)

	content := sm.validated[sm.round]
	if content == nil || !types.HashEqual(content.ContentID, *h) {
		content = nil
		if sm.lockedContent != nil && types.HashEqual(sm.lockedContent.ContentID, *h) {
			content = sm.lockedContent
		}
	}
	sm.env.OnDecision(decision, content)
}

// signAndBroadcastVote signs, broadcasts and self-applies a vote. A nil
// hash votes NIL. Non-validators observe without voting.
func (sm *StateMachine) signAndBroadcastVote(typ types.VoteType, hash *types.Hash) {
	if !sm.isValidator() {
		return
	}
	v := &types.Vote{
		Type:      typ,
		Height:    sm.height,
		Round:     sm.round,
		BlockHash: types.CopyHash(hash),
		Voter:     sm.ownAddr,
	}
	if err := sm.env.SignVote(v); err != nil {
		sm.logger.Error("refusing to sign vote", "vote", v, logging.Error(err))
		return
	}
	sm.env.BroadcastVote(v)
	sm.HandleVote(v)
}

func deref(h *types.Hash) types.Hash {
	if h == nil {
		return types.Hash{}
	}
	return *h
}
