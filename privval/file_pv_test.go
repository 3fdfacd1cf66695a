package privval

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/blockberries/streamberry/types"
)

const testChainID = "streamberry-test"

func tempPV(t *testing.T) (*FilePV, string, string) {
	t.Helper()
	dir := t.TempDir()
	keyPath := filepath.Join(dir, "priv_key.json")
	statePath := filepath.Join(dir, "priv_state.json")
	pv, err := NewFilePV(keyPath, statePath)
	require.NoError(t, err)
	return pv, keyPath, statePath
}

func testVote(pv *FilePV, typ types.VoteType, height uint64, round uint32, hash *types.Hash) *types.Vote {
	return &types.Vote{
		Type:      typ,
		Height:    height,
		Round:     round,
		BlockHash: hash,
		Voter:     pv.GetAddress(),
	}
}

func testHash(b byte) *types.Hash {
	data := make([]byte, types.HashSize)
	data[0] = b
	h := types.MustNewHash(data)
	return &h
}

func TestFilePVGeneratesAndReloadsKey(t *testing.T) {
	pv, keyPath, statePath := tempPV(t)
	addr := pv.GetAddress()

	// Key and state files exist with owner-only permissions.
	for _, path := range []string{keyPath, statePath} {
		info, err := os.Stat(path)
		require.NoError(t, err)
		require.Equal(t, os.FileMode(0600), info.Mode().Perm())
	}

	// Reloading yields the same identity.
	reloaded, err := NewFilePV(keyPath, statePath)
	require.NoError(t, err)
	require.True(t, types.AddressEqual(addr, reloaded.GetAddress()))
	require.True(t, types.PublicKeyEqual(pv.GetPubKey(), reloaded.GetPubKey()))
}

func TestFilePVSignVote(t *testing.T) {
	pv, _, _ := tempPV(t)

	v := testVote(pv, types.VoteTypePrevote, 1, 0, testHash(0x01))
	require.NoError(t, pv.SignVote(testChainID, v))
	require.NoError(t, types.VerifyVoteSignature(testChainID, v, pv.GetPubKey()))
}

func TestFilePVRefusesDoubleSign(t *testing.T) {
	pv, _, _ := tempPV(t)

	v := testVote(pv, types.VoteTypePrevote, 2, 1, testHash(0x01))
	require.NoError(t, pv.SignVote(testChainID, v))

	// A conflicting vote at the same position is refused.
	conflict := testVote(pv, types.VoteTypePrevote, 2, 1, testHash(0x02))
	require.ErrorIs(t, pv.SignVote(testChainID, conflict), ErrDoubleSign)
	require.Empty(t, conflict.Signature.Data)

	// Re-signing the identical vote returns the cached signature.
	again := testVote(pv, types.VoteTypePrevote, 2, 1, testHash(0x01))
	require.NoError(t, pv.SignVote(testChainID, again))
	require.Equal(t, v.Signature.Data, again.Signature.Data)
}

func TestFilePVRefusesRegression(t *testing.T) {
	pv, _, _ := tempPV(t)

	v := testVote(pv, types.VoteTypePrecommit, 5, 3, testHash(0x01))
	require.NoError(t, pv.SignVote(testChainID, v))

	require.ErrorIs(t,
		pv.SignVote(testChainID, testVote(pv, types.VoteTypePrecommit, 4, 3, testHash(0x01))),
		ErrHeightRegression)
	require.ErrorIs(t,
		pv.SignVote(testChainID, testVote(pv, types.VoteTypePrecommit, 5, 2, testHash(0x01))),
		ErrRoundRegression)
	// Precommit already signed at (5, 3): a prevote there is a step
	// regression.
	require.ErrorIs(t,
		pv.SignVote(testChainID, testVote(pv, types.VoteTypePrevote, 5, 3, testHash(0x01))),
		ErrStepRegression)

	// Forward progress stays allowed.
	require.NoError(t, pv.SignVote(testChainID, testVote(pv, types.VoteTypePrevote, 5, 4, testHash(0x02))))
	require.NoError(t, pv.SignVote(testChainID, testVote(pv, types.VoteTypePrevote, 6, 0, nil)))
}

func TestFilePVStatePersistsAcrossRestart(t *testing.T) {
	pv, keyPath, statePath := tempPV(t)

	v := testVote(pv, types.VoteTypePrevote, 3, 0, testHash(0x01))
	require.NoError(t, pv.SignVote(testChainID, v))

	// A fresh process sees the signed position and still refuses to
	// double sign.
	reloaded, err := NewFilePV(keyPath, statePath)
	require.NoError(t, err)
	conflict := testVote(reloaded, types.VoteTypePrevote, 3, 0, testHash(0x02))
	require.ErrorIs(t, reloaded.SignVote(testChainID, conflict), ErrDoubleSign)
}

func TestFilePVSignProposalInit(t *testing.T) {
	pv, _, _ := tempPV(t)

	init := &types.ProposalInit{Height: 1, Round: 0, Proposer: pv.GetAddress()}
	require.NoError(t, pv.SignProposalInit(testChainID, init))
	require.NoError(t, types.VerifyProposalInitSignature(testChainID, init, pv.GetPubKey()))
}

func TestFilePVReset(t *testing.T) {
	pv, _, _ := tempPV(t)

	require.NoError(t, pv.SignVote(testChainID, testVote(pv, types.VoteTypePrevote, 9, 0, testHash(0x01))))
	require.NoError(t, pv.Reset())
	require.NoError(t, pv.SignVote(testChainID, testVote(pv, types.VoteTypePrevote, 1, 0, testHash(0x02))))
}
