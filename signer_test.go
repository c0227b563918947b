package main

import (
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/layer-3/tollgate/pkg/rpc"
	"github.com/layer-3/tollgate/pkg/sign"
)

func TestSignerAddressAndSign(t *testing.T) {
	signer, err := NewSigner("0xac0974bec39a17e36ba4a6b4d238ff944bacb478cbed5efcae784d7bf4f2ff80")
	require.NoError(t, err)

	// The canonical address of that key.
	assert.Equal(t, "0xf39Fd6e51aad88F6F4ce6aB8827279cffFb92266", signer.GetAddress().Hex())

	// 0x prefix is optional.
	bare, err := NewSigner("ac0974bec39a17e36ba4a6b4d238ff944bacb478cbed5efcae784d7bf4f2ff80")
	require.NoError(t, err)
	assert.Equal(t, signer.GetAddress(), bare.GetAddress())

	_, err = NewSigner("not-a-key")
	require.Error(t, err)

	message := []byte("channel state payload")
	sig, err := signer.Sign(message)
	require.NoError(t, err)

	recovered, err := RecoverAddress(message, sig)
	require.NoError(t, err)
	assert.Equal(t, signer.GetAddress().Hex(), recovered)
}

func TestRecoverAddressFromEip712Signature(t *testing.T) {
	privKey, err := crypto.GenerateKey()
	require.NoError(t, err)
	walletAddress := crypto.PubkeyToAddress(privKey.PublicKey).Hex()

	const (
		challenge   = "a9d5b4fd-ef30-4bb6-b9b6-4f2778f004fd"
		sessionKey  = "0x6966978ce78df3228993aa46984eab6d68bbe195"
		application = "tollgate-console"
		scope       = "app.transfer"
		expiresAt   = uint64(1748608702)
	)
	allowances := []rpc.Allowance{{Asset: "usdc", Amount: "123.45"}}

	// Sign the policy exactly as a wallet client would.
	td := apitypes.TypedData{
		Types: apitypes.Types{
			"EIP712Domain": {{Name: "name", Type: "string"}},
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
			},
		},
		PrimaryType: "Policy",
		Domain:      apitypes.TypedDataDomain{Name: application},
		Message: map[string]interface{}{
			"challenge":   challenge,
			"scope":       scope,
			"wallet":      walletAddress,
			"session_key": sessionKey,
			"expires_at":  new(big.Int).SetUint64(expiresAt),
			"allowances":  convertAllowances(allowances),
		},
	}

	hash, _, err := apitypes.TypedDataAndHash(td)
	require.NoError(t, err)
	sigBytes, err := crypto.Sign(hash, privKey)
	require.NoError(t, err)

	recovered, err := RecoverAddressFromEip712Signature(
		walletAddress, challenge, sessionKey, application,
		allowances, scope, expiresAt, sign.Signature(sigBytes),
	)
	require.NoError(t, err)
	assert.Equal(t, walletAddress, recovered)

	// Any field changing breaks recovery: the recovered address no longer
	// matches the wallet.
	recovered, err = RecoverAddressFromEip712Signature(
		walletAddress, challenge, sessionKey, "another-app",
		allowances, scope, expiresAt, sign.Signature(sigBytes),
	)
	require.NoError(t, err)
	assert.NotEqual(t, walletAddress, recovered)
}
