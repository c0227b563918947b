package core

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"
	"github.com/pkg/errors"

	"github.com/layer-3/tollgate/pkg/sign"
)

// SigMode names the scheme a signature must be verified under. The mode is
// always carried explicitly next to the signature; verification never
// guesses by inspecting the payload.
type SigMode uint8

const (
	// SigModeRaw recovers over the bare keccak256 digest.
	SigModeRaw SigMode = iota
	// SigModeEIP191 recovers over the personal-sign envelope of the digest.
	SigModeEIP191
	// SigModeEIP712 recovers over the typed-data envelope, binding the
	// digest to the verifier's domain.
	SigModeEIP712
	// SigModeERC1271 asks the signer contract to validate the signature.
	SigModeERC1271
)

func (m SigMode) String() string {
	switch m {
	case SigModeRaw:
		return "raw"
	case SigModeEIP191:
		return "eip191"
	case SigModeEIP712:
		return "eip712"
	case SigModeERC1271:
		return "erc1271"
	default:
		return "unknown"
	}
}

// ParseSigMode maps the wire tag of a signature mode to its constant.
func ParseSigMode(s string) (SigMode, error) {
	switch s {
	case "raw":
		return SigModeRaw, nil
	case "eip191":
		return SigModeEIP191, nil
	case "eip712":
		return SigModeEIP712, nil
	case "erc1271":
		return SigModeERC1271, nil
	default:
		return 0, errors.Errorf("unknown signature mode: %s", s)
	}
}

// ChallengeSig is a challenger attestation with its verification mode.
type ChallengeSig struct {
	Mode SigMode
	Sig  sign.Signature
}

// Sign hashes data with keccak256 and signs the digest, returning a
// 65-byte signature with V in 27/28 form.
func Sign(data []byte, key *ecdsa.PrivateKey) (sign.Signature, error) {
	digest := crypto.Keccak256(data)
	signature, err := crypto.Sign(digest, key)
	if err != nil {
		return nil, errors.Wrap(err, "failed to sign data")
	}
	if signature[64] < 27 {
		signature[64] += 27
	}
	return signature, nil
}

// Verify reports whether sig over keccak256(data) recovers to signer.
func Verify(data []byte, sig []byte, signer common.Address) (bool, error) {
	recovered, err := RecoverSigner(crypto.Keccak256Hash(data), sig)
	if err != nil {
		return false, err
	}
	return recovered == signer, nil
}

// RecoverSigner recovers the signer address from a 65-byte signature over
// digest. V is accepted in both 0/1 and 27/28 form.
func RecoverSigner(digest common.Hash, sig []byte) (common.Address, error) {
	if len(sig) != 65 {
		return common.Address{}, errors.Errorf("invalid signature length: %d", len(sig))
	}

	adjusted := make([]byte, 65)
	copy(adjusted, sig)
	if adjusted[64] >= 27 {
		adjusted[64] -= 27
	}

	pubKey, err := crypto.SigToPub(digest.Bytes(), adjusted)
	if err != nil {
		return common.Address{}, errors.Wrap(err, "failed to recover public key")
	}
	return crypto.PubkeyToAddress(*pubKey), nil
}

// erc1271Magic is the isValidSignature(bytes32,bytes) selector, returned by
// the contract on success.
var erc1271Magic = [4]byte{0x16, 0x26, 0xba, 0x7e}

// ContractCaller executes read-only contract calls, satisfied by
// ethclient.Client.
type ContractCaller interface {
	CallContract(ctx context.Context, call ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
}

// SignatureVerifier verifies state and challenge signatures under an
// explicitly tagged mode. The domain is the custody contract's EIP-712
// domain; caller backs ERC-1271 lookups and may be nil when contract
// signers are not supported.
type SignatureVerifier struct {
	domain apitypes.TypedDataDomain
	caller ContractCaller
}

// NewSignatureVerifier builds a verifier for the given EIP-712 domain.
func NewSignatureVerifier(domain apitypes.TypedDataDomain, caller ContractCaller) *SignatureVerifier {
	return &SignatureVerifier{domain: domain, caller: caller}
}

// Verify checks sig over digest for signer under the given mode. The digest
// is the raw state or challenge hash; each mode derives its own envelope
// from it, so a signature valid under one mode cannot pass under another.
func (v *SignatureVerifier) Verify(ctx context.Context, mode SigMode, digest common.Hash, sig []byte, signer common.Address) (bool, error) {
	switch mode {
	case SigModeRaw:
		recovered, err := RecoverSigner(digest, sig)
		if err != nil {
			return false, err
		}
		return recovered == signer, nil
	case SigModeEIP191:
		recovered, err := RecoverSigner(common.BytesToHash(accounts.TextHash(digest.Bytes())), sig)
		if err != nil {
			return false, err
		}
		return recovered == signer, nil
	case SigModeEIP712:
		wrapped, err := v.typedDataDigest(digest)
		if err != nil {
			return false, err
		}
		recovered, err := RecoverSigner(wrapped, sig)
		if err != nil {
			return false, err
		}
		return recovered == signer, nil
	case SigModeERC1271:
		return v.callIsValidSignature(ctx, digest, sig, signer)
	default:
		return false, errors.Errorf("unknown signature mode: %d", mode)
	}
}

// typedDataDigest wraps a struct hash in the EIP-712 envelope:
// keccak256(0x19 0x01 || domainSeparator || structHash).
func (v *SignatureVerifier) typedDataDigest(structHash common.Hash) (common.Hash, error) {
	typedData := apitypes.TypedData{
		Types:  apitypes.Types{"EIP712Domain": domainFields(v.domain)},
		Domain: v.domain,
	}
	separator, err := typedData.HashStruct("EIP712Domain", v.domain.Map())
	if err != nil {
		return common.Hash{}, errors.Wrap(err, "failed to hash EIP-712 domain")
	}

	raw := make([]byte, 0, 2+len(separator)+len(structHash))
	raw = append(raw, 0x19, 0x01)
	raw = append(raw, separator...)
	raw = append(raw, structHash.Bytes()...)
	return crypto.Keccak256Hash(raw), nil
}

// domainFields lists the populated domain fields in the canonical EIP-712
// order.
func domainFields(domain apitypes.TypedDataDomain) []apitypes.Type {
	fields := make([]apitypes.Type, 0, 5)
	if domain.Name != "" {
		fields = append(fields, apitypes.Type{Name: "name", Type: "string"})
	}
	if domain.Version != "" {
		fields = append(fields, apitypes.Type{Name: "version", Type: "string"})
	}
	if domain.ChainId != nil {
		fields = append(fields, apitypes.Type{Name: "chainId", Type: "uint256"})
	}
	if domain.VerifyingContract != "" {
		fields = append(fields, apitypes.Type{Name: "verifyingContract", Type: "address"})
	}
	if domain.Salt != "" {
		fields = append(fields, apitypes.Type{Name: "salt", Type: "bytes32"})
	}
	return fields
}

// callIsValidSignature performs the ERC-1271 check against the signer
// contract and accepts only the magic return value.
func (v *SignatureVerifier) callIsValidSignature(ctx context.Context, digest common.Hash, sig []byte, signer common.Address) (bool, error) {
	if v.caller == nil {
		return false, errors.New("contract signature verification is not configured")
	}

	digestT, _ := abi.NewType("bytes32", "", nil)
	sigT, _ := abi.NewType("bytes", "", nil)
	arguments := abi.Arguments{{Type: digestT}, {Type: sigT}}
	encoded, err := arguments.Pack(digest, sig)
	if err != nil {
		return false, errors.Wrap(err, "failed to encode isValidSignature call")
	}

	result, err := v.caller.CallContract(ctx, ethereum.CallMsg{
		To:   &signer,
		Data: append(erc1271Magic[:], encoded...),
	}, nil)
	if err != nil {
		return false, errors.Wrap(err, fmt.Sprintf("isValidSignature call to %s failed", signer.Hex()))
	}
	if len(result) < 4 {
		return false, nil
	}
	return bytes.Equal(result[:4], erc1271Magic[:]), nil
}
