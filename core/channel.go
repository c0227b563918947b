// Package core implements the off-chain side of the Nitrolite state-channel
// protocol: channel and state encoding, the admission rules that govern
// close/challenge/checkpoint/resize transitions, state-signature
// verification across signing modes, app-session quorum arithmetic, and a
// binding to the on-chain custody contract.
//
// Everything except the contract binding is pure: callers feed in channel
// records and candidate states and get typed errors back, which makes the
// admission rules directly testable without a chain.
package core

import (
	"math/big"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// MinChallengePeriod is the smallest admissible challenge duration for a
// channel, in seconds.
const MinChallengePeriod uint64 = 3600

// Channel is the immutable channel definition. Participant 0 is the client,
// participant 1 the broker. The field layout matches the on-chain tuple.
type Channel struct {
	Participants []common.Address
	Adjudicator  common.Address
	Challenge    uint64
	Nonce        uint64
}

// ChannelStatus is the on-chain lifecycle phase of a channel.
type ChannelStatus uint8

const (
	// StatusVoid means the channel does not exist on-chain.
	StatusVoid ChannelStatus = iota
	// StatusInitial means created but not yet joined by all participants.
	StatusInitial
	// StatusActive means fully joined and operating off-chain.
	StatusActive
	// StatusDispute means a challenge is pending until its expiry.
	StatusDispute
	// StatusFinal means closed. The on-chain record is deleted in the same
	// step, so the status is observable only transiently.
	StatusFinal
)

func (s ChannelStatus) String() string {
	switch s {
	case StatusVoid:
		return "void"
	case StatusInitial:
		return "initial"
	case StatusActive:
		return "active"
	case StatusDispute:
		return "dispute"
	case StatusFinal:
		return "final"
	default:
		return "unknown"
	}
}

// ChannelRecord is the mirrored on-chain view of a channel: its definition,
// lifecycle phase, pending challenge expiry (unix seconds, zero when none)
// and the last state the chain accepted.
type ChannelRecord struct {
	Channel         Channel
	Status          ChannelStatus
	ChallengeExpiry uint64
	LastValidState  State
}

// ChannelID returns the keccak256 hash of the ABI-encoded channel
// definition and chain ID. Addresses are padded to 32 bytes and the uint64
// fields take 32-byte big-endian form, matching the custody contract.
func ChannelID(ch Channel, chainID uint32) (common.Hash, error) {
	participantsT, _ := abi.NewType("address[]", "", nil)
	adjudicatorT, _ := abi.NewType("address", "", nil)
	challengeT, _ := abi.NewType("uint64", "", nil)
	nonceT, _ := abi.NewType("uint64", "", nil)
	chainIdT, _ := abi.NewType("uint256", "", nil)
	arguments := abi.Arguments{
		{Type: participantsT},
		{Type: adjudicatorT},
		{Type: challengeT},
		{Type: nonceT},
		{Type: chainIdT},
	}

	encoded, err := arguments.Pack(ch.Participants, ch.Adjudicator, ch.Challenge, ch.Nonce, new(big.Int).SetUint64(uint64(chainID)))
	if err != nil {
		return common.Hash{}, err
	}

	return crypto.Keccak256Hash(encoded), nil
}
