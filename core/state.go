package core

import (
	"bytes"
	"math/big"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// Intent declares what a state transition does to the channel.
type Intent uint8

const (
	// IntentOperate advances the channel without changing its total escrow.
	IntentOperate Intent = 0
	// IntentInitialize is the funding state signed at creation and join.
	IntentInitialize Intent = 1
	// IntentResize adjusts the channel escrow while it stays open.
	IntentResize Intent = 2
	// IntentFinalize is the closing state.
	IntentFinalize Intent = 3
)

func (i Intent) String() string {
	switch i {
	case IntentOperate:
		return "operate"
	case IntentInitialize:
		return "initialize"
	case IntentResize:
		return "resize"
	case IntentFinalize:
		return "finalize"
	default:
		return "unknown"
	}
}

// Allocation assigns an amount of a token to a destination when the channel
// settles. The field layout matches the on-chain tuple.
type Allocation struct {
	Destination common.Address
	Token       common.Address
	Amount      *big.Int
}

// State is one off-chain channel version. Amounts are raw token units.
// Intent is kept as uint8 so the struct unpacks directly from contract
// events; use Intent(s.Intent) for comparisons. Sigs are participant
// signatures over the packed state, ordered by participant index, and are
// excluded from the packed encoding.
type State struct {
	Intent      uint8
	Version     *big.Int
	Data        []byte
	Allocations []Allocation
	Sigs        [][]byte
}

// challengeSuffix is appended to the packed state before hashing a
// challenger attestation, separating it from plain state signatures.
var challengeSuffix = []byte("challenge")

// PackState ABI-encodes a state for signing: channel ID, intent, version,
// data and allocations. Signatures are not part of the encoding.
func PackState(channelID common.Hash, s State) ([]byte, error) {
	channelIdT, _ := abi.NewType("bytes32", "", nil)
	intentT, _ := abi.NewType("uint8", "", nil)
	versionT, _ := abi.NewType("uint256", "", nil)
	dataT, _ := abi.NewType("bytes", "", nil)
	allocationsT, _ := abi.NewType("tuple[]", "", []abi.ArgumentMarshaling{
		{Name: "destination", Type: "address"},
		{Name: "token", Type: "address"},
		{Name: "amount", Type: "uint256"},
	})
	arguments := abi.Arguments{
		{Type: channelIdT},
		{Type: intentT},
		{Type: versionT},
		{Type: dataT},
		{Type: allocationsT},
	}

	return arguments.Pack(channelID, s.Intent, s.Version, s.Data, s.Allocations)
}

// StateHash returns the keccak256 digest participants sign for a state.
func StateHash(channelID common.Hash, s State) (common.Hash, error) {
	packed, err := PackState(channelID, s)
	if err != nil {
		return common.Hash{}, err
	}
	return crypto.Keccak256Hash(packed), nil
}

// ChallengeHash returns the digest a challenger signs to attest a challenge:
// the packed state with a fixed suffix appended. The suffix keeps a
// challenge attestation from doubling as a state signature.
func ChallengeHash(channelID common.Hash, s State) (common.Hash, error) {
	packed, err := PackState(channelID, s)
	if err != nil {
		return common.Hash{}, err
	}
	return crypto.Keccak256Hash(append(packed, challengeSuffix...)), nil
}

// StatesEqual reports whether two states encode identically. Signatures are
// not compared.
func StatesEqual(channelID common.Hash, a, b State) (bool, error) {
	ha, err := StateHash(channelID, a)
	if err != nil {
		return false, err
	}
	hb, err := StateHash(channelID, b)
	if err != nil {
		return false, err
	}
	return ha == hb, nil
}

// AllocationSum returns the total amount across allocations. Nil amounts
// count as zero.
func AllocationSum(allocations []Allocation) *big.Int {
	sum := new(big.Int)
	for _, a := range allocations {
		if a.Amount != nil {
			sum.Add(sum, a.Amount)
		}
	}
	return sum
}

// allocationsUniform reports whether every allocation carries the given
// token.
func allocationsUniform(allocations []Allocation, token common.Address) bool {
	for _, a := range allocations {
		if !bytes.Equal(a.Token.Bytes(), token.Bytes()) {
			return false
		}
	}
	return true
}
