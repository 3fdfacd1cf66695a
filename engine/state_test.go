package engine

import (
	"crypto/ed25519"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/blockberries/streamberry/logging"
	"github.com/blockberries/streamberry/stream"
	"github.com/blockberries/streamberry/types"
)

// mockEnv records every effect the state machine requests and signs with
// the local validator's real key.
type mockEnv struct {
	t   *testing.T
	own *testVal

	votes      []*types.Vote
	timeouts   []TimeoutInfo
	rounds     []uint32
	builds     []uint32
	reproposes []uint32
	validates  []*stream.Proposal
	evidence   []*types.Equivocation
	decisions  []*types.Decision
}

func (m *mockEnv) SignVote(v *types.Vote) error {
	sig := ed25519.Sign(m.own.priv, types.VoteSignBytes(testChainID, v))
	v.Signature = types.MustNewSignature(sig)
	return nil
}

func (m *mockEnv) BroadcastVote(v *types.Vote)     { m.votes = append(m.votes, v) }
func (m *mockEnv) ScheduleTimeout(ti TimeoutInfo)  { m.timeouts = append(m.timeouts, ti) }
func (m *mockEnv) RoundEntered(_ uint64, r uint32) { m.rounds = append(m.rounds, r) }
func (m *mockEnv) StartBuild(_ uint64, r uint32)   { m.builds = append(m.builds, r) }

func (m *mockEnv) Repropose(_ uint64, r uint32, _ uint32, _ []types.TransactionBatch) {
	m.reproposes = append(m.reproposes, r)
}

func (m *mockEnv) StartValidate(_ uint64, _ uint32, p *stream.Proposal) {
	m.validates = append(m.validates, p)
}

func (m *mockEnv) RecordEvidence(ev *types.Equivocation) { m.evidence = append(m.evidence, ev) }

func (m *mockEnv) OnDecision(d *types.Decision, _ *stream.Proposal) {
	m.decisions = append(m.decisions, d)
}

func (m *mockEnv) lastVote() *types.Vote {
	if len(m.votes) == 0 {
		return nil
	}
	return m.votes[len(m.votes)-1]
}

// newTestMachine builds a 4-validator height 1 machine whose local
// identity is tvs[ownIdx]. Proposer for (height 1, round 0) is tvs[1].
func newTestMachine(t *testing.T, ownIdx int) ([]*testVal, *mockEnv, *StateMachine) {
	t.Helper()
	tvs, valSet := makeTestVals(t, 4)

	cfg := DefaultConfig()
	cfg.ChainID = testChainID

	env := &mockEnv{t: t, own: tvs[ownIdx]}
	sm := NewStateMachine(cfg, 1, valSet, tvs[ownIdx].val.Address, env,
		logging.NewNopLogger(), NewNopMetrics())
	return tvs, env, sm
}

// testProposal builds a complete, correctly hashed proposal from the
// given proposer.
func testProposal(t *testing.T, proposer *testVal, height uint64, round uint32, validRound *uint32, payload string) *stream.Proposal {
	t.Helper()
	batches := []types.TransactionBatch{
		{Transactions: []types.Tx{{Data: []byte(payload)}}},
	}
	cid, err := types.ContentID(batches)
	require.NoError(t, err)
	return &stream.Proposal{
		Init:       proposer.signedInit(t, height, round, validRound),
		Batches:    batches,
		ContentID:  cid,
		ComputedID: cid,
	}
}

func TestStateMachineValidatorHappyPath(t *testing.T) {
	tvs, env, sm := newTestMachine(t, 0)
	sm.Start()

	require.Equal(t, StepPropose, sm.Step())
	require.Empty(t, env.builds, "non-proposer never builds")
	require.NotEmpty(t, env.timeouts, "propose timeout armed on entry")

	p := testProposal(t, tvs[1], 1, 0, nil, "block one")
	sm.HandleProposal(p)
	require.Len(t, env.validates, 1, "structurally valid proposal goes to the application")

	sm.HandleValidateResult(0, p, nil)
	require.Equal(t, StepPrevote, sm.Step())
	own := env.lastVote()
	require.Equal(t, types.VoteTypePrevote, own.Type)
	require.True(t, types.HashEqual(p.ContentID, *own.BlockHash))

	// Two more prevotes complete the quorum: lock and precommit.
	sm.HandleVote(tvs[1].signedVote(t, types.VoteTypePrevote, 1, 0, &p.ContentID))
	sm.HandleVote(tvs[2].signedVote(t, types.VoteTypePrevote, 1, 0, &p.ContentID))
	require.Equal(t, StepPrecommit, sm.Step())
	own = env.lastVote()
	require.Equal(t, types.VoteTypePrecommit, own.Type)
	require.True(t, types.HashEqual(p.ContentID, *own.BlockHash))

	// Two more precommits decide the height.
	sm.HandleVote(tvs[1].signedVote(t, types.VoteTypePrecommit, 1, 0, &p.ContentID))
	sm.HandleVote(tvs[2].signedVote(t, types.VoteTypePrecommit, 1, 0, &p.ContentID))
	require.True(t, sm.Decided())
	require.Len(t, env.decisions, 1)
	require.True(t, types.HashEqual(p.ContentID, env.decisions[0].BlockHash))

	// A late precommit changes nothing.
	sm.HandleVote(tvs[3].signedVote(t, types.VoteTypePrecommit, 1, 0, &p.ContentID))
	require.Len(t, env.decisions, 1, "decision is emitted exactly once")
}

func TestStateMachineProposerBuildsAndPrevotes(t *testing.T) {
	tvs, env, sm := newTestMachine(t, 1)
	sm.Start()

	require.Equal(t, []uint32{0}, env.builds, "proposer starts a build on round entry")

	p := testProposal(t, tvs[1], 1, 0, nil, "own block")
	sm.HandleBuildResult(0, p, nil)

	require.Equal(t, StepPrevote, sm.Step())
	own := env.lastVote()
	require.Equal(t, types.VoteTypePrevote, own.Type)
	require.True(t, types.HashEqual(p.ContentID, *own.BlockHash), "proposer prevotes its own content id")
}

func TestStateMachineProposeTimeoutPrevotesNil(t *testing.T) {
	tvs, env, sm := newTestMachine(t, 0)
	sm.Start()

	sm.HandleTimeout(TimeoutInfo{Height: 1, Round: 0, Step: StepPropose})
	require.Equal(t, StepPrevote, sm.Step())
	own := env.lastVote()
	require.Equal(t, types.VoteTypePrevote, own.Type)
	require.Nil(t, own.BlockHash, "no proposal means a NIL prevote")

	// Everyone else timed out too: NIL prevote quorum, NIL precommits,
	// then the NIL precommit quorum moves to round 1 with no decision.
	sm.HandleVote(tvs[1].signedVote(t, types.VoteTypePrevote, 1, 0, nil))
	sm.HandleVote(tvs[2].signedVote(t, types.VoteTypePrevote, 1, 0, nil))
	require.Equal(t, StepPrecommit, sm.Step())
	require.Nil(t, env.lastVote().BlockHash)

	sm.HandleVote(tvs[1].signedVote(t, types.VoteTypePrecommit, 1, 0, nil))
	sm.HandleVote(tvs[2].signedVote(t, types.VoteTypePrecommit, 1, 0, nil))
	require.Equal(t, uint32(1), sm.Round())
	require.False(t, sm.Decided())
	require.Empty(t, env.decisions)
}

func TestStateMachinePrevoteWaitTimeout(t *testing.T) {
	tvs, env, sm := newTestMachine(t, 0)
	sm.Start()

	p := testProposal(t, tvs[1], 1, 0, nil, "contested")
	sm.HandleProposal(p)
	sm.HandleValidateResult(0, p, nil)
	require.Equal(t, StepPrevote, sm.Step())

	// Split prevotes: quorum power voted but no value agreed.
	sm.HandleVote(tvs[1].signedVote(t, types.VoteTypePrevote, 1, 0, testHash(0x55)))
	sm.HandleVote(tvs[2].signedVote(t, types.VoteTypePrevote, 1, 0, nil))
	require.Equal(t, StepPrevoteWait, sm.Step())

	sm.HandleTimeout(TimeoutInfo{Height: 1, Round: 0, Step: StepPrevoteWait})
	require.Equal(t, StepPrecommit, sm.Step())
	require.Nil(t, env.lastVote().BlockHash, "wait timeout precommits NIL")
}

func TestStateMachineLockRefusesConflictingProposal(t *testing.T) {
	tvs, env, sm := newTestMachine(t, 0)
	sm.Start()

	pA := testProposal(t, tvs[1], 1, 0, nil, "value A")
	sm.HandleProposal(pA)
	sm.HandleValidateResult(0, pA, nil)

	// Prevote quorum on A locks it.
	sm.HandleVote(tvs[1].signedVote(t, types.VoteTypePrevote, 1, 0, &pA.ContentID))
	sm.HandleVote(tvs[2].signedVote(t, types.VoteTypePrevote, 1, 0, &pA.ContentID))
	require.Equal(t, StepPrecommit, sm.Step())

	// The rest precommit NIL, forcing round 1.
	sm.HandleVote(tvs[1].signedVote(t, types.VoteTypePrecommit, 1, 0, nil))
	sm.HandleVote(tvs[2].signedVote(t, types.VoteTypePrecommit, 1, 0, nil))
	sm.HandleVote(tvs[3].signedVote(t, types.VoteTypePrecommit, 1, 0, nil))
	require.Equal(t, uint32(1), sm.Round())

	// Round 1 proposer offers a different value with no justification.
	pB := testProposal(t, tvs[2], 1, 1, nil, "value B")
	sm.HandleProposal(pB)
	sm.HandleValidateResult(1, pB, nil)

	require.Equal(t, StepPrevote, sm.Step())
	require.Nil(t, env.lastVote().BlockHash, "locked node prevotes NIL against a conflicting value")
}

func TestStateMachineValidRoundReproposalAccepted(t *testing.T) {
	tvs, env, sm := newTestMachine(t, 0)
	sm.Start()

	pA := testProposal(t, tvs[1], 1, 0, nil, "value A")
	sm.HandleProposal(pA)
	sm.HandleValidateResult(0, pA, nil)

	sm.HandleVote(tvs[1].signedVote(t, types.VoteTypePrevote, 1, 0, &pA.ContentID))
	sm.HandleVote(tvs[2].signedVote(t, types.VoteTypePrevote, 1, 0, &pA.ContentID))
	require.Equal(t, StepPrecommit, sm.Step())

	sm.HandleVote(tvs[1].signedVote(t, types.VoteTypePrecommit, 1, 0, nil))
	sm.HandleVote(tvs[2].signedVote(t, types.VoteTypePrecommit, 1, 0, nil))
	sm.HandleVote(tvs[3].signedVote(t, types.VoteTypePrecommit, 1, 0, nil))
	require.Equal(t, uint32(1), sm.Round())

	// Round 1 proposer re-proposes A pointing back at round 0, where
	// this node saw the prevote quorum.
	vr := uint32(0)
	pA1 := testProposal(t, tvs[2], 1, 1, &vr, "value A")
	sm.HandleProposal(pA1)
	sm.HandleValidateResult(1, pA1, nil)

	require.Equal(t, StepPrevote, sm.Step())
	own := env.lastVote()
	require.NotNil(t, own.BlockHash)
	require.True(t, types.HashEqual(pA.ContentID, *own.BlockHash),
		"a justified re-proposal of the locked value is prevoted")
}

func TestStateMachineSkipsToRoundWithBlockingPower(t *testing.T) {
	tvs, env, sm := newTestMachine(t, 0)
	sm.Start()

	sm.HandleVote(tvs[1].signedVote(t, types.VoteTypePrevote, 1, 5, nil))
	require.Equal(t, uint32(0), sm.Round(), "one voter is below blocking power")

	sm.HandleVote(tvs[2].signedVote(t, types.VoteTypePrevote, 1, 5, nil))
	require.Equal(t, uint32(5), sm.Round())
	require.Contains(t, env.rounds, uint32(5))
}

func TestStateMachineDecidesFromAnyStep(t *testing.T) {
	tvs, env, sm := newTestMachine(t, 0)
	sm.Start()
	require.Equal(t, StepPropose, sm.Step())

	// A precommit quorum observed while still in propose decides
	// immediately, content or not.
	h := testHash(0x42)
	sm.HandleVote(tvs[1].signedVote(t, types.VoteTypePrecommit, 1, 0, h))
	sm.HandleVote(tvs[2].signedVote(t, types.VoteTypePrecommit, 1, 0, h))
	sm.HandleVote(tvs[3].signedVote(t, types.VoteTypePrecommit, 1, 0, h))

	require.True(t, sm.Decided())
	require.Len(t, env.decisions, 1)
	require.True(t, types.HashEqual(*h, env.decisions[0].BlockHash))
}

func TestStateMachineRejectsBadProposals(t *testing.T) {
	tvs, env, sm := newTestMachine(t, 0)
	sm.Start()

	// Wrong proposer for the round.
	wrong := testProposal(t, tvs[2], 1, 0, nil, "imposter")
	sm.HandleProposal(wrong)
	require.Empty(t, env.validates)

	// Right proposer but tampered content id.
	bad := testProposal(t, tvs[1], 1, 0, nil, "tampered")
	bad.ContentID = *testHash(0x99)
	sm.HandleProposal(bad)
	require.Empty(t, env.validates)

	// valid_round not below the proposal round.
	vr := uint32(0)
	loop := testProposal(t, tvs[1], 1, 0, &vr, "self reference")
	sm.HandleProposal(loop)
	require.Empty(t, env.validates)
}

func TestStateMachineRecordsEquivocationOnce(t *testing.T) {
	tvs, env, sm := newTestMachine(t, 0)
	sm.Start()

	sm.HandleVote(tvs[1].signedVote(t, types.VoteTypePrevote, 1, 0, testHash(0x01)))
	sm.HandleVote(tvs[1].signedVote(t, types.VoteTypePrevote, 1, 0, testHash(0x02)))
	sm.HandleVote(tvs[1].signedVote(t, types.VoteTypePrevote, 1, 0, testHash(0x03)))

	require.Len(t, env.evidence, 1)
	require.NoError(t, env.evidence[0].Verify(testChainID, sm.vals))
}

func TestStateMachineReproposesValidValue(t *testing.T) {
	// Local node is tvs[2], proposer of (height 1, round 1). It sees a
	// prevote quorum in round 0, so in round 1 it re-proposes instead
	// of building.
	tvs, env, sm := newTestMachine(t, 2)
	sm.Start()

	pA := testProposal(t, tvs[1], 1, 0, nil, "round zero value")
	sm.HandleProposal(pA)
	sm.HandleValidateResult(0, pA, nil)

	sm.HandleVote(tvs[1].signedVote(t, types.VoteTypePrevote, 1, 0, &pA.ContentID))
	sm.HandleVote(tvs[3].signedVote(t, types.VoteTypePrevote, 1, 0, &pA.ContentID))
	require.Equal(t, StepPrecommit, sm.Step())

	sm.HandleVote(tvs[1].signedVote(t, types.VoteTypePrecommit, 1, 0, nil))
	sm.HandleVote(tvs[0].signedVote(t, types.VoteTypePrecommit, 1, 0, nil))
	sm.HandleVote(tvs[3].signedVote(t, types.VoteTypePrecommit, 1, 0, nil))

	require.Equal(t, uint32(1), sm.Round())
	require.Empty(t, env.builds)
	require.Equal(t, []uint32{1}, env.reproposes)
}
