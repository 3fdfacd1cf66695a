package engine

import (
	"crypto/ed25519"
	"testing"

	"github.com/blockberries/streamberry/types"
)

const testChainID = "streamberry-test"

// testVal is a validator with its signing key, for building signed votes
// in tests.
type testVal struct {
	priv ed25519.PrivateKey
	val  *types.Validator
}

func makeTestVal(t *testing.T, seed byte, power int64) *testVal {
	t.Helper()
	seedBytes := make([]byte, ed25519.SeedSize)
	seedBytes[0] = seed
	priv := ed25519.NewKeyFromSeed(seedBytes)
	pub := types.MustNewPublicKey(priv.Public().(ed25519.PublicKey))
	return &testVal{
		priv: priv,
		val: &types.Validator{
			Address:     types.AddressFromPublicKey(pub),
			PublicKey:   pub,
			VotingPower: power,
		},
	}
}

// makeTestVals returns n equal-power validators and their set.
func makeTestVals(t *testing.T, n int) ([]*testVal, *types.ValidatorSet) {
	t.Helper()
	tvs := make([]*testVal, n)
	vals := make([]*types.Validator, n)
	for i := range tvs {
		tvs[i] = makeTestVal(t, byte(i+1), 1)
		vals[i] = tvs[i].val
	}
	vs, err := types.NewValidatorSet(vals)
	if err != nil {
		t.Fatalf("failed to build validator set: %v", err)
	}
	return tvs, vs
}

func (tv *testVal) signedVote(t *testing.T, typ types.VoteType, height uint64, round uint32, hash *types.Hash) *types.Vote {
	t.Helper()
	v := &types.Vote{
		Type:      typ,
		Height:    height,
		Round:     round,
		BlockHash: types.CopyHash(hash),
		Voter:     tv.val.Address,
	}
	sig := ed25519.Sign(tv.priv, types.VoteSignBytes(testChainID, v))
	v.Signature = types.MustNewSignature(sig)
	return v
}

func (tv *testVal) signedInit(t *testing.T, height uint64, round uint32, validRound *uint32) types.ProposalInit {
	t.Helper()
	init := types.ProposalInit{
		Height:     height,
		Round:      round,
		ValidRound: validRound,
		Proposer:   tv.val.Address,
	}
	sig := ed25519.Sign(tv.priv, types.ProposalInitSignBytes(testChainID, &init))
	init.Signature = types.MustNewSignature(sig)
	return init
}

func testHash(b byte) *types.Hash {
	data := make([]byte, types.HashSize)
	data[0] = b
	h := types.MustNewHash(data)
	return &h
}
