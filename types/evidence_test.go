package types

import (
	"crypto/ed25519"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEquivocationValidateBasic(t *testing.T) {
	signers := testSigners(t, 2)
	a, b := signers[0], signers[1]

	valid := Equivocation{
		VoteA: *a.vote(t, VoteTypePrevote, 2, 1, hashOf(0x01)),
		VoteB: *a.vote(t, VoteTypePrevote, 2, 1, hashOf(0x02)),
	}
	require.NoError(t, valid.ValidateBasic())
	require.True(t, AddressEqual(a.addr, valid.Voter()))

	cases := map[string]Equivocation{
		"different voters": {
			VoteA: *a.vote(t, VoteTypePrevote, 2, 1, hashOf(0x01)),
			VoteB: *b.vote(t, VoteTypePrevote, 2, 1, hashOf(0x02)),
		},
		"different types": {
			VoteA: *a.vote(t, VoteTypePrevote, 2, 1, hashOf(0x01)),
			VoteB: *a.vote(t, VoteTypePrecommit, 2, 1, hashOf(0x02)),
		},
		"different rounds": {
			VoteA: *a.vote(t, VoteTypePrevote, 2, 1, hashOf(0x01)),
			VoteB: *a.vote(t, VoteTypePrevote, 2, 2, hashOf(0x02)),
		},
		"same value": {
			VoteA: *a.vote(t, VoteTypePrevote, 2, 1, hashOf(0x01)),
			VoteB: *a.vote(t, VoteTypePrevote, 2, 1, hashOf(0x01)),
		},
		"both nil": {
			VoteA: *a.vote(t, VoteTypePrevote, 2, 1, nil),
			VoteB: *a.vote(t, VoteTypePrevote, 2, 1, nil),
		},
	}
	for name, ev := range cases {
		require.ErrorIs(t, ev.ValidateBasic(), ErrInvalidEvidence, name)
	}

	// NIL versus a concrete value is a real conflict.
	nilConflict := Equivocation{
		VoteA: *a.vote(t, VoteTypePrecommit, 2, 1, nil),
		VoteB: *a.vote(t, VoteTypePrecommit, 2, 1, hashOf(0x01)),
	}
	require.NoError(t, nilConflict.ValidateBasic())
}

func TestEquivocationVerify(t *testing.T) {
	signers := testSigners(t, 4)
	vs := equalPowerSet(t, signers[:3])
	member, outsider := signers[0], signers[3]

	ev := Equivocation{
		VoteA: *member.vote(t, VoteTypePrevote, 1, 0, hashOf(0x01)),
		VoteB: *member.vote(t, VoteTypePrevote, 1, 0, hashOf(0x02)),
	}
	require.NoError(t, ev.Verify(testChainID, vs))

	// A non-member cannot equivocate against this set.
	foreign := Equivocation{
		VoteA: *outsider.vote(t, VoteTypePrevote, 1, 0, hashOf(0x01)),
		VoteB: *outsider.vote(t, VoteTypePrevote, 1, 0, hashOf(0x02)),
	}
	require.ErrorIs(t, foreign.Verify(testChainID, vs), ErrInvalidEvidence)

	// A forged second vote does not verify.
	forged := ev
	forged.VoteB = *member.vote(t, VoteTypePrevote, 1, 0, hashOf(0x02))
	forged.VoteB.Signature = MustNewSignature(
		ed25519.Sign(outsider.priv, VoteSignBytes(testChainID, &forged.VoteB)))
	require.ErrorIs(t, forged.Verify(testChainID, vs), ErrInvalidEvidence)
}
