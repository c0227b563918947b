package core

import (
	"context"
	"crypto/ecdsa"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSignAndVerify(t *testing.T) {
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	signer := crypto.PubkeyToAddress(key.PublicKey)

	data := []byte("channel state payload")
	sig, err := Sign(data, key)
	require.NoError(t, err)
	require.Len(t, []byte(sig), 65)
	assert.GreaterOrEqual(t, sig[64], byte(27))

	ok, err := Verify(data, sig, signer)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = Verify([]byte("tampered payload"), sig, signer)
	require.NoError(t, err)
	assert.False(t, ok)

	other, err := crypto.GenerateKey()
	require.NoError(t, err)
	ok, err = Verify(data, sig, crypto.PubkeyToAddress(other.PublicKey))
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRecoverSignerAcceptsBothVForms(t *testing.T) {
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	signer := crypto.PubkeyToAddress(key.PublicKey)
	digest := crypto.Keccak256Hash([]byte("payload"))

	raw, err := crypto.Sign(digest.Bytes(), key)
	require.NoError(t, err)
	require.Less(t, raw[64], byte(2))

	recovered, err := RecoverSigner(digest, raw)
	require.NoError(t, err)
	assert.Equal(t, signer, recovered)

	shifted := make([]byte, 65)
	copy(shifted, raw)
	shifted[64] += 27
	recovered, err = RecoverSigner(digest, shifted)
	require.NoError(t, err)
	assert.Equal(t, signer, recovered)
}

func TestRecoverSignerRejectsBadLength(t *testing.T) {
	_, err := RecoverSigner(crypto.Keccak256Hash([]byte("payload")), make([]byte, 64))
	require.Error(t, err)
}

func TestParseSigMode(t *testing.T) {
	for _, mode := range []SigMode{SigModeRaw, SigModeEIP191, SigModeEIP712, SigModeERC1271} {
		parsed, err := ParseSigMode(mode.String())
		require.NoError(t, err)
		assert.Equal(t, mode, parsed)
	}

	_, err := ParseSigMode("eip1271")
	require.Error(t, err)
	assert.Equal(t, "unknown", SigMode(9).String())
}

func testVerifierDomain() apitypes.TypedDataDomain {
	return apitypes.TypedDataDomain{
		Name:    "Custody",
		Version: "1",
		ChainId: math.NewHexOrDecimal256(31337),
	}
}

type testKey struct {
	priv *ecdsa.PrivateKey
	addr common.Address
}

// signUnderMode produces a signature that must verify only under the given
// mode.
func signUnderMode(t *testing.T, mode SigMode, digest common.Hash, key *testKey) []byte {
	t.Helper()
	var signed []byte
	switch mode {
	case SigModeRaw:
		signed = digest.Bytes()
	case SigModeEIP191:
		signed = accounts.TextHash(digest.Bytes())
	case SigModeEIP712:
		domain := testVerifierDomain()
		typedData := apitypes.TypedData{
			Types: apitypes.Types{"EIP712Domain": {
				{Name: "name", Type: "string"},
				{Name: "version", Type: "string"},
				{Name: "chainId", Type: "uint256"},
			}},
			Domain: domain,
		}
		separator, err := typedData.HashStruct("EIP712Domain", domain.Map())
		require.NoError(t, err)
		envelope := append([]byte{0x19, 0x01}, separator...)
		envelope = append(envelope, digest.Bytes()...)
		signed = crypto.Keccak256(envelope)
	default:
		t.Fatalf("mode %s has no local signer", mode)
	}
	sig, err := crypto.Sign(signed, key.priv)
	require.NoError(t, err)
	return sig
}

func TestVerifyModesAreMutuallyExclusive(t *testing.T) {
	priv, err := crypto.GenerateKey()
	require.NoError(t, err)
	key := &testKey{priv: priv, addr: crypto.PubkeyToAddress(priv.PublicKey)}

	verifier := NewSignatureVerifier(testVerifierDomain(), nil)
	digest := crypto.Keccak256Hash([]byte("candidate state"))
	modes := []SigMode{SigModeRaw, SigModeEIP191, SigModeEIP712}

	for _, signedMode := range modes {
		sig := signUnderMode(t, signedMode, digest, key)
		for _, checkedMode := range modes {
			ok, err := verifier.Verify(context.Background(), checkedMode, digest, sig, key.addr)
			require.NoError(t, err)
			assert.Equal(t, signedMode == checkedMode, ok, "signed %s, checked %s", signedMode, checkedMode)
		}
	}
}

func TestVerifyRejectsUnknownMode(t *testing.T) {
	verifier := NewSignatureVerifier(testVerifierDomain(), nil)
	_, err := verifier.Verify(context.Background(), SigMode(9), common.Hash{}, make([]byte, 65), common.Address{})
	require.Error(t, err)
}

type stubContractCaller struct {
	result []byte
	err    error
	gotTo  common.Address
	gotIn  []byte
}

func (s *stubContractCaller) CallContract(_ context.Context, call ethereum.CallMsg, _ *big.Int) ([]byte, error) {
	s.gotTo = *call.To
	s.gotIn = call.Data
	return s.result, s.err
}

func TestVerifyContractSignature(t *testing.T) {
	digest := crypto.Keccak256Hash([]byte("candidate state"))
	contractWallet := common.HexToAddress("0x00000000000000000000000000000000deadbeef")
	sig := make([]byte, 65)

	accepting := &stubContractCaller{result: common.RightPadBytes(erc1271Magic[:], 32)}
	verifier := NewSignatureVerifier(testVerifierDomain(), accepting)
	ok, err := verifier.Verify(context.Background(), SigModeERC1271, digest, sig, contractWallet)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, contractWallet, accepting.gotTo)
	assert.Equal(t, erc1271Magic[:], accepting.gotIn[:4])

	rejecting := &stubContractCaller{result: make([]byte, 32)}
	verifier = NewSignatureVerifier(testVerifierDomain(), rejecting)
	ok, err = verifier.Verify(context.Background(), SigModeERC1271, digest, sig, contractWallet)
	require.NoError(t, err)
	assert.False(t, ok)

	verifier = NewSignatureVerifier(testVerifierDomain(), nil)
	_, err = verifier.Verify(context.Background(), SigModeERC1271, digest, sig, contractWallet)
	require.Error(t, err)
}
