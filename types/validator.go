package types

import (
	"errors"
	"fmt"

	"github.com/blockberries/cramberry/pkg/cramberry"
)

// Constants
const (
	// MaxValidators is the maximum number of validators in a set
	MaxValidators = 65535

	// MaxTotalVotingPower prevents overflow in threshold calculations
	MaxTotalVotingPower = int64(1) << 60
)

// Errors
var (
	ErrValidatorNotFound  = errors.New("validator not found")
	ErrDuplicateValidator = errors.New("duplicate validator")
	ErrEmptyValidatorSet  = errors.New("empty validator set")
	ErrInvalidVotingPower = errors.New("invalid voting power")
	ErrTooManyValidators  = errors.New("too many validators")
	ErrTotalPowerOverflow = errors.New("total voting power overflow")
)

// Validator is one member of a validator set.
type Validator struct {
	Address     Address   `cramberry:"1"`
	PublicKey   PublicKey `cramberry:"2"`
	VotingPower int64     `cramberry:"3"`
}

// ValidatorSetData is the serializable form of a validator set.
type ValidatorSetData struct {
	Validators []Validator `cramberry:"1"`
	TotalPower int64       `cramberry:"2"`
}

// ValidatorSet is the ordered weighted membership for one height. It is
// immutable once constructed; the engine fetches a fresh set per height
// through the Context.
type ValidatorSet struct {
	Validators []*Validator
	TotalPower int64

	byAddress map[string]*Validator
}

// NewValidatorSet creates a ValidatorSet from validators. Order is
// preserved and significant: proposer selection walks it deterministically.
func NewValidatorSet(validators []*Validator) (*ValidatorSet, error) {
	if len(validators) == 0 {
		return nil, ErrEmptyValidatorSet
	}
	if len(validators) > MaxValidators {
		return nil, fmt.Errorf("%w: %d (max %d)", ErrTooManyValidators, len(validators), MaxValidators)
	}

	vs := &ValidatorSet{
		Validators: make([]*Validator, len(validators)),
		byAddress:  make(map[string]*Validator),
	}

	for i, v := range validators {
		if IsAddressEmpty(v.Address) {
			return nil, fmt.Errorf("%w: validator %d has empty address", ErrInvalidAddress, i)
		}
		if v.VotingPower <= 0 {
			return nil, ErrInvalidVotingPower
		}
		key := AddressString(v.Address)
		if _, exists := vs.byAddress[key]; exists {
			return nil, ErrDuplicateValidator
		}
		if vs.TotalPower > MaxTotalVotingPower-v.VotingPower {
			return nil, fmt.Errorf("%w: exceeds %d", ErrTotalPowerOverflow, MaxTotalVotingPower)
		}

		val := &Validator{
			Address:     CopyAddress(v.Address),
			PublicKey:   v.PublicKey,
			VotingPower: v.VotingPower,
		}
		vs.Validators[i] = val
		vs.byAddress[key] = val
		vs.TotalPower += v.VotingPower
	}

	return vs, nil
}

// GetByAddress returns a validator by address, or nil if not a member.
func (vs *ValidatorSet) GetByAddress(addr Address) *Validator {
	return vs.byAddress[AddressString(addr)]
}

// HasAddress returns true if the address is a member of the set.
func (vs *ValidatorSet) HasAddress(addr Address) bool {
	_, ok := vs.byAddress[AddressString(addr)]
	return ok
}

// Size returns the number of validators
func (vs *ValidatorSet) Size() int {
	return len(vs.Validators)
}

// QuorumThreshold returns the minimum voting power strictly greater than
// 2/3 of the total: enough to finalize a value.
func (vs *ValidatorSet) QuorumThreshold() int64 {
	// Avoid 2*total overflow: 2/3 = third + third, adjusted for the
	// remainder, then +1 for strictly-greater-than.
	third := vs.TotalPower / 3
	remainder := vs.TotalPower % 3

	twoThirds := third + third
	if remainder == 2 {
		twoThirds++
	}
	return twoThirds + 1
}

// BlockingThreshold returns the minimum voting power strictly greater than
// 1/3 of the total: enough to prevent any quorum.
func (vs *ValidatorSet) BlockingThreshold() int64 {
	return vs.TotalPower/3 + 1
}

// Proposer returns the proposer for (height, round): a power-proportional
// round-robin over the set order. The selection is a pure function of its
// inputs, so all honest nodes holding the same set for a height agree on
// the proposer of every round.
func (vs *ValidatorSet) Proposer(height uint64, round uint32) *Validator {
	if len(vs.Validators) == 0 {
		return nil
	}

	// Walk cumulative power; successive (height, round) slots land on
	// validators in proportion to their weight.
	slot := (height + uint64(round)) % uint64(vs.TotalPower)
	var cumulative uint64
	for _, v := range vs.Validators {
		cumulative += uint64(v.VotingPower)
		if slot < cumulative {
			return v
		}
	}
	// Unreachable: slot < TotalPower by construction.
	return vs.Validators[len(vs.Validators)-1]
}

// ToData converts to serializable form
func (vs *ValidatorSet) ToData() *ValidatorSetData {
	validators := make([]Validator, len(vs.Validators))
	for i, v := range vs.Validators {
		validators[i] = *v
	}
	return &ValidatorSetData{
		Validators: validators,
		TotalPower: vs.TotalPower,
	}
}

// ValidatorSetFromData creates a ValidatorSet from serialized data
func ValidatorSetFromData(data *ValidatorSetData) (*ValidatorSet, error) {
	validators := make([]*Validator, len(data.Validators))
	for i := range data.Validators {
		validators[i] = &data.Validators[i]
	}
	return NewValidatorSet(validators)
}

// Hash computes a deterministic hash of the validator set.
func (vs *ValidatorSet) Hash() Hash {
	data, err := cramberry.Marshal(vs.ToData())
	if err != nil {
		panic(fmt.Sprintf("CONSENSUS CRITICAL: failed to marshal validator set for hash: %v", err))
	}
	return HashBytes(data)
}
