package rpc_test

import (
	"encoding/json"
	"testing"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/layer-3/tollgate/pkg/rpc"
	"github.com/layer-3/tollgate/pkg/sign"
)

func TestRequestGetSigners(t *testing.T) {
	t.Parallel()

	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	signer := sign.NewEthereumSignerFromKey(key)

	payload := rpc.NewPayload(1, "transfer", nil)
	hash, err := payload.Hash()
	require.NoError(t, err)

	sig, err := signer.Sign(hash)
	require.NoError(t, err)

	req := rpc.NewRequest(payload, sig)
	signers, err := req.GetSigners()
	require.NoError(t, err)
	require.Len(t, signers, 1)
	assert.Equal(t, signer.PublicKey().Address().String(), signers[0])
}

func TestResponseGetSigners(t *testing.T) {
	t.Parallel()

	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	signer := sign.NewEthereumSignerFromKey(key)

	payload := rpc.NewPayload(2, "get_config", nil)
	hash, err := payload.Hash()
	require.NoError(t, err)

	sig, err := signer.Sign(hash)
	require.NoError(t, err)

	res := rpc.NewResponse(payload, sig)
	signers, err := res.GetSigners()
	require.NoError(t, err)
	require.Len(t, signers, 1)
	assert.Equal(t, signer.PublicKey().Address().String(), signers[0])

	// A signature of the wrong shape has no recoverer.
	res.Sig = []sign.Signature{sign.Signature("too short")}
	_, err = res.GetSigners()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "error creating address recoverer")
}

func TestRequestAppSessionID(t *testing.T) {
	t.Parallel()

	req := rpc.NewRequest(rpc.NewPayload(3, "submit_app_state", nil))
	req.AppSessionID = "0xABC"

	data, err := json.Marshal(req)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"sid":"0xABC"`)

	var decoded rpc.Request
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, req.AppSessionID, decoded.AppSessionID)

	// sid is omitted when empty
	req.AppSessionID = ""
	data, err = json.Marshal(req)
	require.NoError(t, err)
	assert.NotContains(t, string(data), `"sid"`)
}

func TestResponseError(t *testing.T) {
	t.Parallel()

	t.Run("not an error response", func(t *testing.T) {
		res := rpc.NewResponse(rpc.NewPayload(1, "pong", nil))
		assert.Nil(t, res.Error())
	})

	t.Run("error response with coded params", func(t *testing.T) {
		res := rpc.NewErrorResponse(7, rpc.NewError(rpc.CodeInsufficientFunds, "insufficient funds"))
		assert.Equal(t, uint64(7), res.Res.RequestID)

		err := res.Error()
		require.NotNil(t, err)
		assert.Equal(t, "insufficient funds", err.Error())

		rpcErr, ok := rpc.AsError(err)
		require.True(t, ok)
		assert.Equal(t, rpc.CodeInsufficientFunds, rpcErr.Code)
	})

	t.Run("error response without params", func(t *testing.T) {
		res := rpc.NewResponse(rpc.NewPayload(1, "error", nil))

		err := res.Error()
		require.NotNil(t, err)
		assert.Equal(t, "unknown error", err.Error())

		rpcErr, ok := rpc.AsError(err)
		require.True(t, ok)
		assert.Equal(t, rpc.CodeInternal, rpcErr.Code)
	})
}

func TestParseRequest(t *testing.T) {
	t.Parallel()

	tcs := []struct {
		name    string
		input   string
		errMsg  string
		errCode rpc.Code
	}{
		{
			name:  "valid request",
			input: `{"req":[1,"ping",{},1700000000000],"sig":[]}`,
		},
		{
			name:    "malformed json",
			input:   `{"req":`,
			errMsg:  "failed to parse message",
			errCode: rpc.CodeParseError,
		},
		{
			name:    "malformed payload",
			input:   `{"req":[1,"ping",{}],"sig":[]}`,
			errMsg:  "failed to parse message",
			errCode: rpc.CodeParseError,
		},
		{
			name:    "missing method",
			input:   `{"req":[1,"",{},1700000000000],"sig":[]}`,
			errMsg:  "missing method",
			errCode: rpc.CodeInvalidRequest,
		},
	}

	for _, tc := range tcs {
		t.Run(tc.name, func(t *testing.T) {
			req, err := rpc.ParseRequest([]byte(tc.input))
			if tc.errMsg != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tc.errMsg)

				rpcErr, ok := rpc.AsError(err)
				require.True(t, ok)
				assert.Equal(t, tc.errCode, rpcErr.Code)
			} else {
				require.NoError(t, err)
				assert.Equal(t, "ping", req.Req.Method)
			}
		})
	}
}
