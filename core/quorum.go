package core

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/pkg/errors"
)

// QuorumScheme is the weighted signer set of an app session. Weights is
// parallel to Participants; an update is authorized when the weights of the
// participants that signed it sum to at least Quorum.
type QuorumScheme struct {
	Participants []common.Address
	Weights      []int64
	Quorum       uint64
}

// NewQuorumScheme validates and builds a scheme.
func NewQuorumScheme(participants []common.Address, weights []int64, quorum uint64) (QuorumScheme, error) {
	s := QuorumScheme{Participants: participants, Weights: weights, Quorum: quorum}
	if err := s.Validate(); err != nil {
		return QuorumScheme{}, err
	}
	return s, nil
}

// Validate checks the scheme is well formed: at least two distinct
// participants, one non-negative weight each, and a non-zero quorum the
// full signer set can reach.
func (s QuorumScheme) Validate() error {
	if len(s.Participants) < 2 {
		return errors.Wrap(ErrInvalidQuorumScheme, "at least 2 participants required")
	}
	if len(s.Weights) != len(s.Participants) {
		return errors.Wrapf(ErrInvalidQuorumScheme, "%d weights for %d participants", len(s.Weights), len(s.Participants))
	}
	if s.Quorum == 0 {
		return errors.Wrap(ErrInvalidQuorumScheme, "quorum must be positive")
	}

	seen := make(map[common.Address]bool, len(s.Participants))
	var total uint64
	for i, p := range s.Participants {
		if seen[p] {
			return errors.Wrapf(ErrInvalidQuorumScheme, "duplicate participant %s", p.Hex())
		}
		seen[p] = true
		if s.Weights[i] < 0 {
			return errors.Wrapf(ErrInvalidQuorumScheme, "negative weight for %s", p.Hex())
		}
		total += uint64(s.Weights[i])
	}
	if total < s.Quorum {
		return errors.Wrapf(ErrInvalidQuorumScheme, "total weight %d below quorum %d", total, s.Quorum)
	}
	return nil
}

// Weight returns the weight of a participant, zero for outsiders.
func (s QuorumScheme) Weight(addr common.Address) int64 {
	for i, p := range s.Participants {
		if p == addr {
			return s.Weights[i]
		}
	}
	return 0
}

// SignedWeight sums the weights of the given signers. Each participant
// counts once no matter how often it appears; outsiders contribute nothing.
func (s QuorumScheme) SignedWeight(signers []common.Address) uint64 {
	counted := make(map[common.Address]bool, len(signers))
	var sum uint64
	for _, signer := range signers {
		if counted[signer] {
			continue
		}
		counted[signer] = true
		if w := s.Weight(signer); w > 0 {
			sum += uint64(w)
		}
	}
	return sum
}

// MeetsQuorum reports whether the signer set authorizes an update,
// returning ErrQuorumNotMet with the achieved weight otherwise.
func (s QuorumScheme) MeetsQuorum(signers []common.Address) error {
	if got := s.SignedWeight(signers); got < s.Quorum {
		return errors.Wrapf(ErrQuorumNotMet, "signed weight %d below quorum %d", got, s.Quorum)
	}
	return nil
}
