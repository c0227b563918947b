package rpc_test

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/layer-3/tollgate/pkg/rpc"
)

func TestNewPayload(t *testing.T) {
	t.Parallel()

	params := rpc.Params{
		"asset":  json.RawMessage(`"usdc"`),
		"amount": json.RawMessage(`10`),
	}

	payload := rpc.NewPayload(42, "transfer", params)
	assert.Equal(t, uint64(42), payload.RequestID)
	assert.Equal(t, "transfer", payload.Method)
	assert.Equal(t, params, payload.Params)
	assert.LessOrEqual(t, payload.Timestamp, uint64(time.Now().UnixMilli()))
	assert.NotZero(t, payload.Timestamp)

	withoutParams := rpc.NewPayload(42, "ping", nil)
	assert.Equal(t, rpc.Params{}, withoutParams.Params, "nil params become an empty set")
}

func TestPayloadWireFormat(t *testing.T) {
	t.Parallel()

	// The wire format is a compact 4-element array, not an object.
	payload := rpc.Payload{
		RequestID: 42,
		Method:    "transfer",
		Params: rpc.Params{
			"asset":  json.RawMessage(`"usdc"`),
			"amount": json.RawMessage(`10`),
		},
		Timestamp: 1756200000000,
	}

	data, err := json.Marshal(payload)
	require.NoError(t, err)
	assert.JSONEq(t, `[42,"transfer",{"asset":"usdc","amount":10},1756200000000]`, string(data))

	var decoded rpc.Payload
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, payload, decoded)

	empty := rpc.Payload{RequestID: 1, Method: "ping", Params: rpc.Params{}, Timestamp: 1756200001000}
	data, err = json.Marshal(empty)
	require.NoError(t, err)
	assert.JSONEq(t, `[1,"ping",{},1756200001000]`, string(data))
}

func TestPayloadUnmarshalRejectsMalformedInput(t *testing.T) {
	t.Parallel()

	cases := map[string]struct {
		input  string
		errMsg string
	}{
		"object instead of array": {
			input:  `{"req": 1}`,
			errMsg: "payload is not a JSON array",
		},
		"too few elements": {
			input:  `[1, "transfer", {"asset": "usdc"}]`,
			errMsg: "payload must have exactly 4 elements",
		},
		"string request id": {
			input:  `["one", "transfer", {"asset": "usdc"}, 1756200000000]`,
			errMsg: "invalid request_id",
		},
		"numeric method": {
			input:  `[1, 2, {"asset": "usdc"}, 1756200000000]`,
			errMsg: "invalid method",
		},
		"array params": {
			input:  `[1, "transfer", ["usdc"], 1756200000000]`,
			errMsg: "invalid params",
		},
		"string timestamp": {
			input:  `[1, "transfer", {"asset": "usdc"}, "now"]`,
			errMsg: "invalid timestamp",
		},
	}

	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			var payload rpc.Payload
			err := json.Unmarshal([]byte(tc.input), &payload)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.errMsg)
		})
	}
}

func TestPayloadHash(t *testing.T) {
	t.Parallel()

	payload := rpc.Payload{
		RequestID: 42,
		Method:    "transfer",
		Params:    rpc.Params{},
		Timestamp: 1756200000000,
	}

	first, err := payload.Hash()
	require.NoError(t, err)
	assert.Len(t, first, 32)

	again, err := payload.Hash()
	require.NoError(t, err)
	assert.Equal(t, first, again, "hash is deterministic")

	payload.Method = "withdraw"
	changed, err := payload.Hash()
	require.NoError(t, err)
	assert.NotEqual(t, first, changed, "hash covers the payload content")
}

func TestNewParams(t *testing.T) {
	t.Parallel()

	got, err := rpc.NewParams(map[string]any{"asset": "usdc", "amount": 10})
	require.NoError(t, err)
	assert.Equal(t, rpc.Params{
		"asset":  json.RawMessage(`"usdc"`),
		"amount": json.RawMessage(`10`),
	}, got)

	got, err = rpc.NewParams(nil)
	require.NoError(t, err)
	assert.Equal(t, rpc.Params{}, got)

	_, err = rpc.NewParams([]string{"usdc"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "error unmarshalling params: json: cannot unmarshal array into Go value of type rpc.Params")
}

func TestParamsTranslate(t *testing.T) {
	t.Parallel()

	type allocation struct {
		Asset  string `json:"asset"`
		Amount int    `json:"amount"`
	}

	params := rpc.Params{
		"asset":  json.RawMessage(`"usdc"`),
		"amount": json.RawMessage(`10`),
	}

	var alloc allocation
	require.NoError(t, params.Translate(&alloc))
	assert.Equal(t, allocation{Asset: "usdc", Amount: 10}, alloc)

	var asMap map[string]any
	require.NoError(t, params.Translate(&asMap))
	assert.Equal(t, map[string]any{"asset": "usdc", "amount": float64(10)}, asMap)

	var asSlice []allocation
	err := params.Translate(&asSlice)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "error unmarshalling params: json: cannot unmarshal object into Go value of type []rpc_test.allocation")
}

func TestParamsError(t *testing.T) {
	t.Parallel()

	t.Run("carries message and code", func(t *testing.T) {
		params := rpc.Params{
			"error": json.RawMessage(`"insufficient funds"`),
			"code":  json.RawMessage(`-32007`),
		}
		err := params.Error()
		require.NotNil(t, err)
		assert.Equal(t, "insufficient funds", err.Error())

		rpcErr, ok := rpc.AsError(err)
		require.True(t, ok)
		assert.Equal(t, rpc.CodeInsufficientFunds, rpcErr.Code)
	})

	t.Run("missing or malformed code defaults to internal", func(t *testing.T) {
		for name, params := range map[string]rpc.Params{
			"no code":        {"error": json.RawMessage(`"boom"`)},
			"non-numeric":    {"error": json.RawMessage(`"boom"`), "code": json.RawMessage(`"nope"`)},
			"malformed code": {"error": json.RawMessage(`"boom"`), "code": json.RawMessage(`[]`)},
		} {
			err := params.Error()
			require.NotNil(t, err, name)
			assert.Equal(t, "boom", err.Error(), name)

			rpcErr, ok := rpc.AsError(err)
			require.True(t, ok, name)
			assert.Equal(t, rpc.CodeInternal, rpcErr.Code, name)
		}
	})

	t.Run("no error key means no error", func(t *testing.T) {
		assert.Nil(t, rpc.Params{}.Error())
		assert.Nil(t, rpc.Params{"error": json.RawMessage(`123`)}.Error(), "non-string error is ignored")
	})
}
