package types

import (
	"crypto/ed25519"
	"testing"

	"github.com/stretchr/testify/require"
)

const testChainID = "streamberry-test"

type testSigner struct {
	priv ed25519.PrivateKey
	pub  PublicKey
	addr Address
}

func newTestSigner(t *testing.T, seed byte) *testSigner {
	t.Helper()
	var seedBytes [ed25519.SeedSize]byte
	seedBytes[0] = seed
	priv := ed25519.NewKeyFromSeed(seedBytes[:])
	pub := MustNewPublicKey(priv.Public().(ed25519.PublicKey))
	return &testSigner{priv: priv, pub: pub, addr: AddressFromPublicKey(pub)}
}

func (s *testSigner) vote(t *testing.T, typ VoteType, height uint64, round uint32, blockHash *Hash) *Vote {
	t.Helper()
	v := &Vote{
		Type:      typ,
		Height:    height,
		Round:     round,
		BlockHash: blockHash,
		Voter:     s.addr,
	}
	v.Signature = MustNewSignature(ed25519.Sign(s.priv, VoteSignBytes(testChainID, v)))
	return v
}

func (s *testSigner) validator(power int64) *Validator {
	return &Validator{Address: s.addr, PublicKey: s.pub, VotingPower: power}
}

func testSigners(t *testing.T, n int) []*testSigner {
	t.Helper()
	signers := make([]*testSigner, n)
	for i := range signers {
		signers[i] = newTestSigner(t, byte(i+1))
	}
	return signers
}

func equalPowerSet(t *testing.T, signers []*testSigner) *ValidatorSet {
	t.Helper()
	vals := make([]*Validator, len(signers))
	for i, s := range signers {
		vals[i] = s.validator(1)
	}
	vs, err := NewValidatorSet(vals)
	require.NoError(t, err)
	return vs
}

func hashOf(b byte) *Hash {
	data := make([]byte, HashSize)
	data[0] = b
	h := MustNewHash(data)
	return &h
}
