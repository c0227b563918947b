package main

import (
	"crypto/ecdsa"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"

	"github.com/layer-3/tollgate/pkg/rpc"
	"github.com/layer-3/tollgate/pkg/sign"
)

// Signer is the broker's identity: one secp256k1 key that co-signs channel
// states, signs RPC responses and issues session JWTs.
type Signer struct {
	privateKey *ecdsa.PrivateKey
	signer     sign.Signer
}

// NewSigner creates a signer from a hex-encoded private key, with or
// without the 0x prefix.
func NewSigner(privateKeyHex string) (*Signer, error) {
	privateKeyHex = strings.TrimPrefix(privateKeyHex, "0x")

	privateKey, err := crypto.HexToECDSA(privateKeyHex)
	if err != nil {
		return nil, err
	}

	return &Signer{
		privateKey: privateKey,
		signer:     sign.NewEthereumSignerFromKey(privateKey),
	}, nil
}

// Sign hashes data with Keccak256 and signs the digest. Channel states are
// signed this way, over their packed encoding.
func (s *Signer) Sign(data []byte) (sign.Signature, error) {
	hash := crypto.Keccak256(data)
	return s.signer.Sign(hash)
}

// NodeSigner exposes the digest-level signer the RPC node uses for
// response signatures.
func (s *Signer) NodeSigner() sign.Signer {
	return s.signer
}

// GetPublicKey returns the public key associated with the signer.
func (s *Signer) GetPublicKey() *ecdsa.PublicKey {
	return s.privateKey.Public().(*ecdsa.PublicKey)
}

// GetPrivateKey returns the private key used by the signer.
func (s *Signer) GetPrivateKey() *ecdsa.PrivateKey {
	return s.privateKey
}

// GetAddress returns the address derived from the signer's public key.
func (s *Signer) GetAddress() common.Address {
	return crypto.PubkeyToAddress(*s.GetPublicKey())
}

// RecoverAddress returns the hex address that signed the Keccak256 digest
// of the message.
func RecoverAddress(message []byte, sig sign.Signature) (string, error) {
	recoverer := sign.EthereumAddressRecoverer{}
	addr, err := recoverer.RecoverAddress(message, sig)
	if err != nil {
		return "", err
	}
	return addr.String(), nil
}

// RecoverAddressFromEip712Signature recovers the wallet that signed the
// session key policy. The typed data layout must stay byte-compatible with
// the structure clients sign during the auth handshake.
func RecoverAddressFromEip712Signature(
	walletAddress string,
	challengeToken string,
	sessionKey string,
	application string,
	allowances []rpc.Allowance,
	scope string,
	expiresAt uint64,
	sig sign.Signature,
) (string, error) {
	typedData := apitypes.TypedData{
		Types: apitypes.Types{
			"EIP712Domain": {
				{Name: "name", Type: "string"},
			},
			"Policy": {
				{Name: "challenge", Type: "string"},
				{Name: "scope", Type: "string"},
				{Name: "wallet", Type: "address"},
				{Name: "session_key", Type: "address"},
				{Name: "expires_at", Type: "uint64"},
				{Name: "allowances", Type: "Allowance[]"},
			},
			"Allowance": {
				{Name: "asset", Type: "string"},
				{Name: "amount", Type: "string"},
			}},
		PrimaryType: "Policy",
		Domain: apitypes.TypedDataDomain{
			Name: application,
		},
		Message: map[string]interface{}{
			"challenge":   challengeToken,
			"scope":       scope,
			"wallet":      walletAddress,
			"session_key": sessionKey,
			"expires_at":  new(big.Int).SetUint64(expiresAt),
			"allowances":  convertAllowances(allowances),
		},
	}

	typedDataHash, _, err := apitypes.TypedDataAndHash(typedData)
	if err != nil {
		return "", err
	}

	addr, err := sign.RecoverAddressFromHash(typedDataHash, sig)
	if err != nil {
		return "", err
	}

	return addr.String(), nil
}

func convertAllowances(input []rpc.Allowance) []map[string]interface{} {
	out := make([]map[string]interface{}, len(input))
	for i, a := range input {
		out[i] = map[string]interface{}{
			"asset":  a.Asset,
			"amount": a.Amount,
		}
	}
	return out
}
