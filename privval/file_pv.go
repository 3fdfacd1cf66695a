package privval

import (
	"crypto/ed25519"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/blockberries/streamberry/types"
)

const (
	keyFilePerm   = 0600
	stateFilePerm = 0600
	dirPerm       = 0700
)

// FilePV is a file-backed Signer. The key file holds the ed25519 key
// pair; the state file records the last signed (height, round, step) and
// is written before every signature is released, so a crash cannot lead
// to a conflicting re-sign.
type FilePV struct {
	mu sync.Mutex

	keyFilePath   string
	stateFilePath string

	pubKey  types.PublicKey
	privKey ed25519.PrivateKey

	lastSignState LastSignState
}

// FilePVKey is the key file structure.
type FilePVKey struct {
	PubKey  []byte `json:"pub_key"`
	PrivKey []byte `json:"priv_key"`
}

// FilePVState is the state file structure.
type FilePVState struct {
	Height    uint64 `json:"height"`
	Round     uint32 `json:"round"`
	Step      int8   `json:"step"`
	Signature []byte `json:"signature,omitempty"`
	BlockHash []byte `json:"block_hash,omitempty"`
}

// NewFilePV loads a file-based private validator, generating a fresh key
// if the key file does not exist.
func NewFilePV(keyFilePath, stateFilePath string) (*FilePV, error) {
	pv := &FilePV{
		keyFilePath:   keyFilePath,
		stateFilePath: stateFilePath,
	}
	if err := pv.loadKey(); err != nil {
		return nil, err
	}
	if err := pv.loadState(); err != nil {
		return nil, err
	}
	return pv, nil
}

// GenerateFilePV generates a new key pair and writes both files.
func GenerateFilePV(keyFilePath, stateFilePath string) (*FilePV, error) {
	pubKey, privKey, err := ed25519.GenerateKey(nil)
	if err != nil {
		return nil, fmt.Errorf("failed to generate key: %w", err)
	}

	pv := &FilePV{
		keyFilePath:   keyFilePath,
		stateFilePath: stateFilePath,
		pubKey:        types.MustNewPublicKey(pubKey),
		privKey:       privKey,
	}
	if err := pv.saveKey(); err != nil {
		return nil, err
	}
	if err := pv.saveState(); err != nil {
		return nil, err
	}
	return pv, nil
}

func (pv *FilePV) loadKey() error {
	data, err := os.ReadFile(pv.keyFilePath)
	if os.IsNotExist(err) {
		pubKey, privKey, err := ed25519.GenerateKey(nil)
		if err != nil {
			return fmt.Errorf("failed to generate key: %w", err)
		}
		pv.pubKey = types.MustNewPublicKey(pubKey)
		pv.privKey = privKey
		return pv.saveKey()
	}
	if err != nil {
		return fmt.Errorf("failed to read key file: %w", err)
	}

	var key FilePVKey
	if err := json.Unmarshal(data, &key); err != nil {
		return fmt.Errorf("failed to parse key file: %w", err)
	}
	if len(key.PrivKey) != ed25519.PrivateKeySize {
		return fmt.Errorf("invalid private key size %d", len(key.PrivKey))
	}

	pubKey, err := types.NewPublicKey(key.PubKey)
	if err != nil {
		return fmt.Errorf("invalid public key: %w", err)
	}
	pv.pubKey = pubKey
	pv.privKey = key.PrivKey
	return nil
}

func (pv *FilePV) saveKey() error {
	if err := os.MkdirAll(filepath.Dir(pv.keyFilePath), dirPerm); err != nil {
		return fmt.Errorf("failed to create key directory: %w", err)
	}

	key := FilePVKey{
		PubKey:  pv.pubKey.Data,
		PrivKey: pv.privKey,
	}
	data, err := json.MarshalIndent(key, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal key: %w", err)
	}
	if err := os.WriteFile(pv.keyFilePath, data, keyFilePerm); err != nil {
		return fmt.Errorf("failed to write key file: %w", err)
	}
	return nil
}

func (pv *FilePV) loadState() error {
	data, err := os.ReadFile(pv.stateFilePath)
	if os.IsNotExist(err) {
		pv.lastSignState = LastSignState{}
		return pv.saveState()
	}
	if err != nil {
		return fmt.Errorf("failed to read state file: %w", err)
	}

	var state FilePVState
	if err := json.Unmarshal(data, &state); err != nil {
		return fmt.Errorf("failed to parse state file: %w", err)
	}

	pv.lastSignState = LastSignState{
		Height: state.Height,
		Round:  state.Round,
		Step:   state.Step,
	}
	if len(state.Signature) > 0 {
		sig, err := types.NewSignature(state.Signature)
		if err != nil {
			return fmt.Errorf("invalid signature in state file: %w", err)
		}
		pv.lastSignState.Signature = sig
	}
	if len(state.BlockHash) > 0 {
		hash, err := types.NewHash(state.BlockHash)
		if err != nil {
			return fmt.Errorf("invalid block hash in state file: %w", err)
		}
		pv.lastSignState.BlockHash = &hash
	}
	return nil
}

func (pv *FilePV) saveState() error {
	if err := os.MkdirAll(filepath.Dir(pv.stateFilePath), dirPerm); err != nil {
		return fmt.Errorf("failed to create state directory: %w", err)
	}

	state := FilePVState{
		Height: pv.lastSignState.Height,
		Round:  pv.lastSignState.Round,
		Step:   pv.lastSignState.Step,
	}
	if len(pv.lastSignState.Signature.Data) > 0 {
		state.Signature = pv.lastSignState.Signature.Data
	}
	if pv.lastSignState.BlockHash != nil {
		state.BlockHash = pv.lastSignState.BlockHash.Data
	}

	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal state: %w", err)
	}
	if err := os.WriteFile(pv.stateFilePath, data, stateFilePerm); err != nil {
		return fmt.Errorf("failed to write state file: %w", err)
	}
	return nil
}

// GetPubKey returns the public key.
func (pv *FilePV) GetPubKey() types.PublicKey {
	return pv.pubKey
}

// GetAddress returns the validator address.
func (pv *FilePV) GetAddress() types.Address {
	return types.AddressFromPublicKey(pv.pubKey)
}

// SignVote signs a vote after the double-sign check. Re-signing the
// identical vote returns the cached signature.
func (pv *FilePV) SignVote(chainID string, vote *types.Vote) error {
	pv.mu.Lock()
	defer pv.mu.Unlock()

	step := VoteStep(vote.Type)

	if err := pv.lastSignState.CheckHRS(vote.Height, vote.Round, step); err != nil {
		if err == ErrDoubleSign && pv.isSameVote(vote) {
			vote.Signature = pv.lastSignState.Signature
			return nil
		}
		return err
	}

	signBytes := types.VoteSignBytes(chainID, vote)
	sig := types.MustNewSignature(ed25519.Sign(pv.privKey, signBytes))

	// Persist the new position before releasing the signature.
	prev := pv.lastSignState
	pv.lastSignState = LastSignState{
		Height:    vote.Height,
		Round:     vote.Round,
		Step:      step,
		Signature: sig,
		BlockHash: types.CopyHash(vote.BlockHash),
	}
	if err := pv.saveState(); err != nil {
		pv.lastSignState = prev
		return err
	}

	vote.Signature = sig
	return nil
}

// SignProposalInit signs a proposal init.
func (pv *FilePV) SignProposalInit(chainID string, init *types.ProposalInit) error {
	pv.mu.Lock()
	defer pv.mu.Unlock()

	signBytes := types.ProposalInitSignBytes(chainID, init)
	init.Signature = types.MustNewSignature(ed25519.Sign(pv.privKey, signBytes))
	return nil
}

func (pv *FilePV) isSameVote(vote *types.Vote) bool {
	if pv.lastSignState.BlockHash == nil && vote.BlockHash == nil {
		return true
	}
	if pv.lastSignState.BlockHash == nil || vote.BlockHash == nil {
		return false
	}
	return types.HashEqual(*pv.lastSignState.BlockHash, *vote.BlockHash)
}

// Reset clears the last sign state. Only for tests and explicit operator
// intervention; resetting on a live chain invites double signing.
func (pv *FilePV) Reset() error {
	pv.mu.Lock()
	defer pv.mu.Unlock()

	pv.lastSignState = LastSignState{}
	return pv.saveState()
}

var _ Signer = (*FilePV)(nil)
