package sign

import (
	"crypto/ecdsa"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
)

var (
	_ Signer           = (*EthereumSigner)(nil)
	_ AddressRecoverer = (*EthereumAddressRecoverer)(nil)
	_ PublicKey        = (*EthereumPublicKey)(nil)
	_ Address          = (*EthereumAddress)(nil)
)

// EthereumAddress wraps a common.Address behind the Address interface.
type EthereumAddress struct{ common.Address }

func (a EthereumAddress) String() string { return a.Address.Hex() }

// NewEthereumAddress wraps a common.Address.
func NewEthereumAddress(addr common.Address) EthereumAddress {
	return EthereumAddress{addr}
}

// NewEthereumAddressFromHex parses a hex address string.
func NewEthereumAddressFromHex(hexAddr string) EthereumAddress {
	return EthereumAddress{common.HexToAddress(hexAddr)}
}

// Equals compares addresses byte-wise when both are Ethereum addresses and
// falls back to string comparison otherwise.
func (a EthereumAddress) Equals(other Address) bool {
	if otherAddr, ok := other.(EthereumAddress); ok {
		return a.Address == otherAddr.Address
	}
	return a.String() == other.String()
}

// EthereumPublicKey wraps an ECDSA public key behind the PublicKey interface.
type EthereumPublicKey struct{ *ecdsa.PublicKey }

func (p EthereumPublicKey) Address() Address {
	return EthereumAddress{ethcrypto.PubkeyToAddress(*p.PublicKey)}
}

func (p EthereumPublicKey) Bytes() []byte { return ethcrypto.FromECDSAPub(p.PublicKey) }

// NewEthereumPublicKey wraps an ECDSA public key.
func NewEthereumPublicKey(pub *ecdsa.PublicKey) EthereumPublicKey {
	return EthereumPublicKey{pub}
}

// NewEthereumPublicKeyFromBytes parses an uncompressed public key blob.
func NewEthereumPublicKeyFromBytes(pubBytes []byte) (EthereumPublicKey, error) {
	pub, err := ethcrypto.UnmarshalPubkey(pubBytes)
	if err != nil {
		return EthereumPublicKey{}, fmt.Errorf("failed to unmarshal public key: %w", err)
	}
	return EthereumPublicKey{pub}, nil
}

// EthereumSigner signs digests with a secp256k1 private key.
type EthereumSigner struct {
	privateKey *ecdsa.PrivateKey
	publicKey  EthereumPublicKey
}

func (s *EthereumSigner) PublicKey() PublicKey { return s.publicKey }

// Sign signs a 32-byte digest. V is shifted to the 27/28 convention.
func (s *EthereumSigner) Sign(hash []byte) (Signature, error) {
	sig, err := ethcrypto.Sign(hash, s.privateKey)
	if err != nil {
		return nil, err
	}
	if sig[64] < 27 {
		sig[64] += 27
	}
	return Signature(sig), nil
}

// NewEthereumSigner parses a hex-encoded private key, with or without the
// 0x prefix.
func NewEthereumSigner(privateKeyHex string) (Signer, error) {
	privateKeyHex = strings.TrimPrefix(privateKeyHex, "0x")
	key, err := ethcrypto.HexToECDSA(privateKeyHex)
	if err != nil {
		return nil, fmt.Errorf("could not parse ethereum private key: %w", err)
	}
	return NewEthereumSignerFromKey(key), nil
}

// NewEthereumSignerFromKey wraps an already parsed private key.
func NewEthereumSignerFromKey(key *ecdsa.PrivateKey) Signer {
	return &EthereumSigner{
		privateKey: key,
		publicKey:  EthereumPublicKey{key.Public().(*ecdsa.PublicKey)},
	}
}

// EthereumAddressRecoverer recovers signer addresses from keccak-hashed
// messages.
type EthereumAddressRecoverer struct{}

// RecoverAddress hashes the message with keccak256 and recovers the signer.
func (r *EthereumAddressRecoverer) RecoverAddress(message []byte, signature Signature) (Address, error) {
	hash := ethcrypto.Keccak256Hash(message)
	return RecoverAddressFromHash(hash.Bytes(), signature)
}

// RecoverAddressFromHash recovers the signer of a pre-computed digest.
// Accepts both 0/1 and 27/28 recovery identifiers.
func RecoverAddressFromHash(hash []byte, sig Signature) (Address, error) {
	if len(sig) != 65 {
		return nil, fmt.Errorf("invalid signature length")
	}
	localSig := make([]byte, 65)
	copy(localSig, sig)
	if localSig[64] >= 27 {
		localSig[64] -= 27
	}
	pubKey, err := ethcrypto.SigToPub(hash, localSig)
	if err != nil {
		return nil, fmt.Errorf("signature recovery failed: %w", err)
	}
	return EthereumAddress{ethcrypto.PubkeyToAddress(*pubKey)}, nil
}
