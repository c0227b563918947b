package core

import "github.com/pkg/errors"

// Admission errors. Each names the rule a candidate state or transition
// broke, so callers can map them to protocol error codes without parsing
// messages.
var (
	// ErrInvalidChannel rejects a malformed channel definition.
	ErrInvalidChannel = errors.New("invalid channel definition")
	// ErrChallengePeriodTooShort rejects channel definitions below the
	// minimum challenge duration.
	ErrChallengePeriodTooShort = errors.New("challenge period below minimum")
	// ErrInvalidStatus rejects an operation not permitted in the channel's
	// current lifecycle phase.
	ErrInvalidStatus = errors.New("operation not allowed in channel status")
	// ErrInvalidIntent rejects a candidate whose intent has no admission
	// row for the operation.
	ErrInvalidIntent = errors.New("candidate intent not allowed")
	// ErrInvalidVersion rejects a candidate whose version breaks the
	// operation's version rule.
	ErrInvalidVersion = errors.New("candidate version not allowed")
	// ErrStateNotNewer rejects a candidate that does not supersede the
	// recorded state.
	ErrStateNotNewer = errors.New("candidate state does not supersede recorded state")
	// ErrStateMismatch rejects a candidate required to equal the recorded
	// state but encoding differently.
	ErrStateMismatch = errors.New("candidate state differs from recorded state")
	// ErrAdjudicationFailed rejects a candidate the adjudicator refused.
	ErrAdjudicationFailed = errors.New("adjudicator rejected candidate state")
	// ErrInsufficientSignatures rejects a state missing required
	// participant signatures.
	ErrInsufficientSignatures = errors.New("insufficient state signatures")
	// ErrInvalidSignature rejects a signature that fails verification.
	ErrInvalidSignature = errors.New("invalid signature")
	// ErrNotParticipant rejects a signer outside the channel's participant
	// set.
	ErrNotParticipant = errors.New("signer is not a channel participant")
	// ErrInvalidAllocations rejects a state whose allocation list is
	// malformed for the channel.
	ErrInvalidAllocations = errors.New("invalid allocations")
	// ErrTokenMismatch rejects allocations naming a token other than the
	// channel's.
	ErrTokenMismatch = errors.New("allocation token mismatch")
	// ErrNegativeAmount rejects allocations or balances below zero.
	ErrNegativeAmount = errors.New("negative amount")
	// ErrEscrowMismatch rejects a resize breaking escrow conservation.
	ErrEscrowMismatch = errors.New("resize does not conserve escrow")
	// ErrChallengeNotExpired rejects a transition gated on an elapsed
	// challenge period.
	ErrChallengeNotExpired = errors.New("challenge period has not expired")
	// ErrChallengeExpired rejects a transition gated on a live challenge.
	ErrChallengeExpired = errors.New("challenge period has expired")
	// ErrInvalidChallenger rejects a challenge attestation from a
	// non-participant or with a bad signature.
	ErrInvalidChallenger = errors.New("invalid challenger attestation")
)

// Quorum errors.
var (
	// ErrInvalidQuorumScheme rejects a malformed signer-weight scheme.
	ErrInvalidQuorumScheme = errors.New("invalid quorum scheme")
	// ErrQuorumNotMet rejects a state whose signer weights do not reach
	// the quorum threshold.
	ErrQuorumNotMet = errors.New("quorum not met")
)
