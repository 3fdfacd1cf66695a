package engine

import "errors"

// Consensus errors
var (
	ErrInvalidVote             = errors.New("invalid vote")
	ErrUnknownVoter            = errors.New("voter not in validator set")
	ErrInvalidSignature        = errors.New("invalid signature")
	ErrEquivocation            = errors.New("conflicting vote (equivocation)")
	ErrInvalidProposal         = errors.New("invalid proposal")
	ErrInvalidHeight           = errors.New("invalid height")
	ErrInvalidRound            = errors.New("invalid round")
	ErrNotProposer             = errors.New("not the proposer for this round")
	ErrValidatorSetUnavailable = errors.New("validator set unavailable")
	ErrAlreadyStarted          = errors.New("consensus already started")
	ErrNotStarted              = errors.New("consensus not started")
	ErrAlreadyDecided          = errors.New("height already decided")
)
