package core

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/pkg/errors"
)

// Adjudicator decides whether a candidate state is a valid successor for a
// channel, given supporting proof states. Implementations do not need to
// understand adjudicator-specific state data; an on-chain adjudicator may be
// consulted through a contract call.
type Adjudicator interface {
	Adjudicate(ctx context.Context, ch Channel, candidate State, proofs []State) (bool, error)
}

// StateComparer orders two states. Compare returns a positive value when
// candidate supersedes previous, zero when neither supersedes, and a
// negative value when previous is more recent.
type StateComparer interface {
	Compare(ctx context.Context, candidate, previous State) (int, error)
}

// UnanimousAdjudicator accepts a candidate iff every channel participant has
// a valid signature on it, at their participant index. It is the default
// ruling used when no adjudicator implementation is configured.
type UnanimousAdjudicator struct {
	ChainID uint32
}

func (a UnanimousAdjudicator) Adjudicate(_ context.Context, ch Channel, candidate State, _ []State) (bool, error) {
	channelID, err := ChannelID(ch, a.ChainID)
	if err != nil {
		return false, err
	}
	if err := verifyUnanimous(channelID, candidate, ch.Participants); err != nil {
		if errors.Is(err, ErrInsufficientSignatures) || errors.Is(err, ErrInvalidSignature) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// ChallengeOutcome is the channel phase resulting from an admitted
// challenge. Expiry is the unix second the dispute window closes, zero when
// the channel finalizes immediately.
type ChallengeOutcome struct {
	Status ChannelStatus
	Expiry uint64
}

// Validator enforces the admission rules for channel transitions on one
// network. Decisions depend only on the supplied channel record and
// candidate, so the same rules serve both pre-flight checks before a
// transaction and classification of transitions observed in events.
type Validator struct {
	chainID     uint32
	adjudicator common.Address
	verifier    *SignatureVerifier
	ruling      Adjudicator
	comparer    StateComparer
}

// NewValidator builds a validator for one network. adjudicator is the only
// adjudicator contract accepted in channel definitions. ruling may be nil,
// which defaults to requiring unanimous signatures on adjudicated
// candidates; comparer may be nil, which falls back to strict version
// comparison.
func NewValidator(chainID uint32, adjudicator common.Address, verifier *SignatureVerifier, ruling Adjudicator, comparer StateComparer) *Validator {
	if ruling == nil {
		ruling = UnanimousAdjudicator{ChainID: chainID}
	}
	return &Validator{
		chainID:     chainID,
		adjudicator: adjudicator,
		verifier:    verifier,
		ruling:      ruling,
		comparer:    comparer,
	}
}

// ChainID returns the network the validator rules on.
func (v *Validator) ChainID() uint32 {
	return v.chainID
}

// ValidateCreate admits a channel definition with its funding state and
// returns the channel ID. The funding state must be INITIALIZE at version
// zero, carry one allocation per participant in the channel's single token,
// and be signed by participant 0.
func (v *Validator) ValidateCreate(ch Channel, initial State) (common.Hash, error) {
	if len(ch.Participants) != 2 {
		return common.Hash{}, errors.Wrapf(ErrInvalidChannel, "expected 2 participants, got %d", len(ch.Participants))
	}
	if ch.Challenge < MinChallengePeriod {
		return common.Hash{}, errors.Wrapf(ErrChallengePeriodTooShort, "%d < %d", ch.Challenge, MinChallengePeriod)
	}
	if ch.Adjudicator != v.adjudicator {
		return common.Hash{}, errors.Wrapf(ErrInvalidChannel, "unknown adjudicator %s", ch.Adjudicator.Hex())
	}
	if Intent(initial.Intent) != IntentInitialize {
		return common.Hash{}, errors.Wrapf(ErrInvalidIntent, "funding state intent is %s", Intent(initial.Intent))
	}
	if initial.Version == nil || initial.Version.Sign() != 0 {
		return common.Hash{}, errors.Wrap(ErrInvalidVersion, "funding state version must be 0")
	}

	channelID, err := ChannelID(ch, v.chainID)
	if err != nil {
		return common.Hash{}, err
	}
	if err := stateWellFormed(ch, initial); err != nil {
		return common.Hash{}, err
	}
	if err := verifySignatureAt(channelID, initial, ch.Participants, 0); err != nil {
		return common.Hash{}, err
	}
	return channelID, nil
}

// ValidateJoin admits participant index joining a created channel by
// countersigning its funding state.
func (v *Validator) ValidateJoin(rec ChannelRecord, index int, sig []byte) error {
	if rec.Status != StatusInitial {
		return errors.Wrapf(ErrInvalidStatus, "join in status %s", rec.Status)
	}
	if index != 1 {
		return errors.Wrapf(ErrNotParticipant, "join index %d", index)
	}

	channelID, err := ChannelID(rec.Channel, v.chainID)
	if err != nil {
		return err
	}
	stateHash, err := StateHash(channelID, rec.LastValidState)
	if err != nil {
		return err
	}
	recovered, err := RecoverSigner(stateHash, sig)
	if err != nil {
		return errors.Wrap(ErrInvalidSignature, err.Error())
	}
	if recovered != rec.Channel.Participants[index] {
		return errors.Wrapf(ErrInvalidSignature, "join signature recovers to %s", recovered.Hex())
	}
	return nil
}

// ValidateClose admits a channel close. At ACTIVE the candidate must be a
// unanimously signed FINALIZE state. At DISPUTE the same holds before the
// challenge expires; once expired, close settles the recorded state and the
// candidate is not consulted.
func (v *Validator) ValidateClose(rec ChannelRecord, candidate State, now uint64) error {
	switch rec.Status {
	case StatusActive:
		return v.validateFinalState(rec, candidate)
	case StatusDispute:
		if now >= rec.ChallengeExpiry {
			return nil
		}
		return v.validateFinalState(rec, candidate)
	default:
		return errors.Wrapf(ErrInvalidStatus, "close in status %s", rec.Status)
	}
}

func (v *Validator) validateFinalState(rec ChannelRecord, candidate State) error {
	if Intent(candidate.Intent) != IntentFinalize {
		return errors.Wrapf(ErrInvalidIntent, "close candidate intent is %s", Intent(candidate.Intent))
	}
	if err := stateWellFormed(rec.Channel, candidate); err != nil {
		return err
	}
	channelID, err := ChannelID(rec.Channel, v.chainID)
	if err != nil {
		return err
	}
	return verifyUnanimous(channelID, candidate, rec.Channel.Participants)
}

// ValidateChallenge admits a unilateral challenge. The challenger attests
// the candidate with a signature over its challenge hash, verified under the
// attestation's declared mode against any participant. The outcome reports
// whether the channel finalizes immediately (challenge of an unjoined
// channel) or enters a dispute window.
func (v *Validator) ValidateChallenge(ctx context.Context, rec ChannelRecord, candidate State, proofs []State, challenger ChallengeSig, now uint64) (ChallengeOutcome, error) {
	if err := stateWellFormed(rec.Channel, candidate); err != nil {
		return ChallengeOutcome{}, err
	}

	channelID, err := ChannelID(rec.Channel, v.chainID)
	if err != nil {
		return ChallengeOutcome{}, err
	}
	if err := v.verifyChallenger(ctx, channelID, candidate, rec.Channel.Participants, challenger); err != nil {
		return ChallengeOutcome{}, err
	}

	last := Intent(rec.LastValidState.Intent)
	switch rec.Status {
	case StatusInitial:
		equal, err := StatesEqual(channelID, candidate, rec.LastValidState)
		if err != nil {
			return ChallengeOutcome{}, err
		}
		if !equal {
			return ChallengeOutcome{}, errors.Wrap(ErrStateMismatch, "challenge of an unjoined channel must post its funding state")
		}
		return ChallengeOutcome{Status: StatusFinal}, nil

	case StatusActive:
		admit := func() error {
			switch last {
			case IntentInitialize:
				switch Intent(candidate.Intent) {
				case IntentInitialize:
					return v.requireEqual(channelID, candidate, rec.LastValidState)
				case IntentOperate:
					return v.requireSuperseding(ctx, rec.Channel, candidate, rec.LastValidState, proofs)
				}
			case IntentOperate:
				if Intent(candidate.Intent) != IntentOperate {
					break
				}
				equal, err := StatesEqual(channelID, candidate, rec.LastValidState)
				if err != nil {
					return err
				}
				if equal {
					return nil
				}
				return v.requireSuperseding(ctx, rec.Channel, candidate, rec.LastValidState, proofs)
			case IntentResize:
				switch Intent(candidate.Intent) {
				case IntentOperate:
					return v.requireSuperseding(ctx, rec.Channel, candidate, rec.LastValidState, proofs)
				case IntentResize:
					return v.requireEqual(channelID, candidate, rec.LastValidState)
				}
			}
			return errors.Wrapf(ErrInvalidIntent, "challenge candidate %s after %s", Intent(candidate.Intent), last)
		}
		if err := admit(); err != nil {
			return ChallengeOutcome{}, err
		}
		return ChallengeOutcome{Status: StatusDispute, Expiry: now + rec.Channel.Challenge}, nil

	default:
		return ChallengeOutcome{}, errors.Wrapf(ErrInvalidStatus, "challenge in status %s", rec.Status)
	}
}

// ValidateCheckpoint admits pinning a state on-chain. At ACTIVE only a
// strictly superseding OPERATE over an OPERATE is accepted. At DISPUTE a
// superseding OPERATE clears the pending challenge; the caller resets the
// record to ACTIVE with no expiry.
func (v *Validator) ValidateCheckpoint(ctx context.Context, rec ChannelRecord, candidate State, proofs []State) error {
	if err := stateWellFormed(rec.Channel, candidate); err != nil {
		return err
	}
	if Intent(candidate.Intent) != IntentOperate {
		return errors.Wrapf(ErrInvalidIntent, "checkpoint candidate intent is %s", Intent(candidate.Intent))
	}

	last := Intent(rec.LastValidState.Intent)
	switch rec.Status {
	case StatusActive:
		if last != IntentOperate {
			return errors.Wrapf(ErrInvalidIntent, "checkpoint after %s", last)
		}
	case StatusDispute:
		if last != IntentInitialize && last != IntentOperate {
			return errors.Wrapf(ErrInvalidIntent, "checkpoint after %s", last)
		}
	default:
		return errors.Wrapf(ErrInvalidStatus, "checkpoint in status %s", rec.Status)
	}

	return v.requireSuperseding(ctx, rec.Channel, candidate, rec.LastValidState, proofs)
}

// ValidateResize admits an escrow adjustment: a unanimously signed RESIZE
// at exactly the next version whose allocation totals change by exactly the
// sum of the signed deltas.
func (v *Validator) ValidateResize(rec ChannelRecord, candidate State, deltas []*big.Int) error {
	if rec.Status != StatusActive {
		return errors.Wrapf(ErrInvalidStatus, "resize in status %s", rec.Status)
	}
	if Intent(candidate.Intent) != IntentResize {
		return errors.Wrapf(ErrInvalidIntent, "resize candidate intent is %s", Intent(candidate.Intent))
	}
	if err := stateWellFormed(rec.Channel, candidate); err != nil {
		return err
	}
	if len(deltas) != len(rec.Channel.Participants) {
		return errors.Wrapf(ErrEscrowMismatch, "expected %d deltas, got %d", len(rec.Channel.Participants), len(deltas))
	}
	if candidate.Version == nil || rec.LastValidState.Version == nil {
		return errors.Wrap(ErrInvalidVersion, "missing version")
	}
	next := new(big.Int).Add(rec.LastValidState.Version, big.NewInt(1))
	if candidate.Version.Cmp(next) != 0 {
		return errors.Wrapf(ErrInvalidVersion, "resize version %s, expected %s", candidate.Version, next)
	}

	want := AllocationSum(rec.LastValidState.Allocations)
	for _, d := range deltas {
		if d == nil {
			return errors.Wrap(ErrEscrowMismatch, "missing delta")
		}
		want.Add(want, d)
	}
	if want.Sign() < 0 {
		return errors.Wrap(ErrNegativeAmount, "resize drains escrow below zero")
	}
	if got := AllocationSum(candidate.Allocations); want.Cmp(got) != 0 {
		return errors.Wrapf(ErrEscrowMismatch, "escrow after resize is %s, expected %s", got, want)
	}

	channelID, err := ChannelID(rec.Channel, v.chainID)
	if err != nil {
		return err
	}
	return verifyUnanimous(channelID, candidate, rec.Channel.Participants)
}

// requireEqual admits a candidate only when it encodes the recorded state.
func (v *Validator) requireEqual(channelID common.Hash, candidate, previous State) error {
	equal, err := StatesEqual(channelID, candidate, previous)
	if err != nil {
		return err
	}
	if !equal {
		return ErrStateMismatch
	}
	return nil
}

// requireSuperseding admits a candidate only when it is more recent than the
// recorded state and the adjudicator rules it valid.
func (v *Validator) requireSuperseding(ctx context.Context, ch Channel, candidate, previous State, proofs []State) error {
	newer, err := v.moreRecent(ctx, candidate, previous)
	if err != nil {
		return err
	}
	if !newer {
		return ErrStateNotNewer
	}
	valid, err := v.ruling.Adjudicate(ctx, ch, candidate, proofs)
	if err != nil {
		return errors.Wrap(err, "adjudication failed")
	}
	if !valid {
		return ErrAdjudicationFailed
	}
	return nil
}

// moreRecent orders candidate against previous via the configured comparer,
// falling back to strict version comparison.
func (v *Validator) moreRecent(ctx context.Context, candidate, previous State) (bool, error) {
	if v.comparer != nil {
		cmp, err := v.comparer.Compare(ctx, candidate, previous)
		if err != nil {
			return false, errors.Wrap(err, "state comparison failed")
		}
		return cmp > 0, nil
	}
	if candidate.Version == nil || previous.Version == nil {
		return false, errors.Wrap(ErrInvalidVersion, "missing version")
	}
	return candidate.Version.Cmp(previous.Version) > 0, nil
}

// verifyChallenger checks the challenger attestation over the candidate's
// challenge hash under its declared mode, accepting any participant as the
// attester.
func (v *Validator) verifyChallenger(ctx context.Context, channelID common.Hash, candidate State, participants []common.Address, challenger ChallengeSig) error {
	if len(challenger.Sig) == 0 {
		return errors.Wrap(ErrInvalidChallenger, "missing attestation")
	}
	digest, err := ChallengeHash(channelID, candidate)
	if err != nil {
		return err
	}
	for _, p := range participants {
		ok, err := v.verifier.Verify(ctx, challenger.Mode, digest, challenger.Sig, p)
		if err != nil {
			continue
		}
		if ok {
			return nil
		}
	}
	return errors.Wrapf(ErrInvalidChallenger, "attestation does not match any participant under mode %s", challenger.Mode)
}

// stateWellFormed checks the shape every admitted state must have: one
// allocation per participant, a single token across allocations and
// non-negative amounts.
func stateWellFormed(ch Channel, s State) error {
	if len(s.Allocations) != len(ch.Participants) {
		return errors.Wrapf(ErrInvalidAllocations, "expected %d allocations, got %d", len(ch.Participants), len(s.Allocations))
	}
	if len(s.Allocations) > 0 && !allocationsUniform(s.Allocations, s.Allocations[0].Token) {
		return ErrTokenMismatch
	}
	for i, a := range s.Allocations {
		if a.Amount == nil || a.Amount.Sign() < 0 {
			return errors.Wrapf(ErrNegativeAmount, "allocation %d", i)
		}
	}
	return nil
}

// verifyUnanimous checks that every participant index carries a valid
// signature at the same position of the state.
func verifyUnanimous(channelID common.Hash, s State, participants []common.Address) error {
	if len(s.Sigs) != len(participants) {
		return errors.Wrapf(ErrInsufficientSignatures, "expected %d signatures, got %d", len(participants), len(s.Sigs))
	}
	for i := range participants {
		if err := verifySignatureAt(channelID, s, participants, i); err != nil {
			return err
		}
	}
	return nil
}

// verifySignatureAt checks the signature at one participant index.
func verifySignatureAt(channelID common.Hash, s State, participants []common.Address, index int) error {
	if index >= len(s.Sigs) || len(s.Sigs[index]) == 0 {
		return errors.Wrapf(ErrInsufficientSignatures, "participant %d has not signed", index)
	}
	stateHash, err := StateHash(channelID, s)
	if err != nil {
		return err
	}
	recovered, err := RecoverSigner(stateHash, s.Sigs[index])
	if err != nil {
		return errors.Wrap(ErrInvalidSignature, err.Error())
	}
	if recovered != participants[index] {
		return errors.Wrapf(ErrInvalidSignature, "signature %d recovers to %s, expected %s", index, recovered.Hex(), participants[index].Hex())
	}
	return nil
}
