// Package sign defines the signing primitives shared by the broker and its
// clients: a blockchain-agnostic Signer, the PublicKey and Address views of
// its key material, and a Signature type with hex JSON encoding.
//
// Implementations never expose private key material, so hardware modules and
// remote key services can satisfy Signer as easily as an in-memory key. The
// Ethereum implementation lives alongside the interfaces; tests use the mock
// implementation from mock_signer.go.
package sign

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"

	"github.com/ethereum/go-ethereum/common/hexutil"
)

// Signer produces signatures over pre-hashed payloads.
type Signer interface {
	// PublicKey returns the public half of the signing key.
	PublicKey() PublicKey
	// Sign signs the given digest. Callers hash first; Sign never hashes.
	Sign(data []byte) (Signature, error)
}

// AddressRecoverer recovers the signing address from a message signature.
type AddressRecoverer interface {
	RecoverAddress(message []byte, signature Signature) (Address, error)
}

// PublicKey is the verification half of a signing key.
type PublicKey interface {
	Address() Address
	Bytes() []byte
}

// Address identifies a signer on its chain.
type Address interface {
	fmt.Stringer

	// Equals reports whether both addresses identify the same signer.
	Equals(other Address) bool
}

// Signature is a raw signature blob. JSON encoding is 0x-prefixed hex.
type Signature []byte

// Type discriminates signature encodings by shape.
type Type uint8

const (
	TypeEthereum Type = iota
	TypeUnknown       = 255
)

func (t Type) String() string {
	switch t {
	case TypeEthereum:
		return "Ethereum"
	default:
		return "Unknown"
	}
}

// Type infers the signature encoding from its length.
func (s Signature) Type() Type {
	if len(s) == 65 {
		// r (32) || s (32) || v (1)
		return TypeEthereum
	}
	return TypeUnknown
}

// MarshalJSON encodes the signature as a 0x-prefixed hex string.
func (s Signature) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

// UnmarshalJSON decodes a 0x-prefixed hex string.
func (s *Signature) UnmarshalJSON(data []byte) error {
	var hexStr string
	if err := json.Unmarshal(data, &hexStr); err != nil {
		return err
	}
	decoded, err := hexutil.Decode(hexStr)
	if err != nil {
		return err
	}
	*s = decoded
	return nil
}

func (s Signature) String() string {
	return hexutil.Encode(s)
}

// Value implements driver.Valuer; signatures persist as 0x-prefixed hex.
func (s Signature) Value() (driver.Value, error) {
	if len(s) == 0 {
		return nil, nil
	}
	return s.String(), nil
}

// Scan implements sql.Scanner for the hex form written by Value.
func (s *Signature) Scan(value interface{}) error {
	if value == nil {
		*s = nil
		return nil
	}

	var hexStr string
	switch v := value.(type) {
	case []byte:
		hexStr = string(v)
	case string:
		hexStr = v
	default:
		return fmt.Errorf("cannot scan %T into Signature", value)
	}

	decoded, err := hexutil.Decode(hexStr)
	if err != nil {
		return err
	}
	*s = decoded
	return nil
}

// SignaturesToStrings converts signatures to their hex string forms.
func SignaturesToStrings(signatures []Signature) []string {
	strs := make([]string, len(signatures))
	for i, sig := range signatures {
		strs[i] = sig.String()
	}
	return strs
}

// SignaturesFromStrings parses 0x-prefixed hex signatures.
func SignaturesFromStrings(strs []string) ([]Signature, error) {
	signatures := make([]Signature, len(strs))
	for i, str := range strs {
		sig, err := hexutil.Decode(str)
		if err != nil {
			return nil, fmt.Errorf("failed to decode signature %d (%s): %w", i, str, err)
		}
		signatures[i] = sig
	}
	return signatures, nil
}

// NewAddressRecoverer returns the recoverer for the given signature type.
func NewAddressRecoverer(sigType Type) (AddressRecoverer, error) {
	switch sigType {
	case TypeEthereum:
		return &EthereumAddressRecoverer{}, nil
	default:
		return nil, fmt.Errorf("unsupported signature type: %s", sigType.String())
	}
}

// NewAddressRecovererFromSignature picks the recoverer by signature shape.
func NewAddressRecovererFromSignature(signature Signature) (AddressRecoverer, error) {
	return NewAddressRecoverer(signature.Type())
}
