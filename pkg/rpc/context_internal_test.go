package rpc

import (
	"encoding/json"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/layer-3/tollgate/pkg/sign"
)

func TestContextHandlerChain(t *testing.T) {
	t.Parallel()

	t.Run("stops when a handler does not call Next", func(t *testing.T) {
		var trace []string
		ctx := &Context{
			handlers: []Handler{
				func(*Context) { trace = append(trace, "first") },
				func(*Context) { trace = append(trace, "second") },
			},
		}
		ctx.Next()

		assert.Equal(t, []string{"first"}, trace)
		assert.Len(t, ctx.handlers, 1)
	})

	t.Run("runs the full chain through Next", func(t *testing.T) {
		var trace []string
		ctx := &Context{
			handlers: []Handler{
				func(c *Context) {
					trace = append(trace, "middleware")
					c.Next()
				},
				func(*Context) { trace = append(trace, "handler") },
			},
		}
		ctx.Next()

		assert.Equal(t, []string{"middleware", "handler"}, trace)
		assert.Empty(t, ctx.handlers)
	})
}

func TestContextSucceed(t *testing.T) {
	t.Parallel()

	ctx := &Context{Request: Request{Req: Payload{RequestID: 41}}}
	params := Params{"status": json.RawMessage(`"ok"`)}
	ctx.Succeed("confirm", params)

	assert.Equal(t, uint64(41), ctx.Response.Res.RequestID, "response reuses the request id")
	assert.Equal(t, "confirm", ctx.Response.Res.Method)
	assert.Equal(t, params, ctx.Response.Res.Params)
	assert.Empty(t, ctx.Response.Sig, "signature is applied on write, not here")
}

func TestContextFail(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name     string
		err      error
		fallback string
		wantMsg  string
		wantCode Code
	}{
		{
			name:     "coded error takes precedence over fallback",
			err:      NewError(CodeInsufficientFunds, "balance too low"),
			fallback: "ignored",
			wantMsg:  "balance too low",
			wantCode: CodeInsufficientFunds,
		},
		{
			name:     "plain error is masked by fallback",
			err:      assert.AnError,
			fallback: "operation failed",
			wantMsg:  "operation failed",
			wantCode: CodeInternal,
		},
		{
			name:     "nil error uses fallback",
			err:      nil,
			fallback: "something went wrong",
			wantMsg:  "something went wrong",
			wantCode: CodeInternal,
		},
		{
			name:     "nil error and empty fallback fall back to default",
			err:      nil,
			fallback: "",
			wantMsg:  defaultNodeErrorMessage,
			wantCode: CodeInternal,
		},
	}

	for i, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			ctx := &Context{Request: Request{Req: Payload{RequestID: uint64(i + 1)}}}
			ctx.Fail(tc.err, tc.fallback)

			assert.Equal(t, ctx.Request.Req.RequestID, ctx.Response.Res.RequestID)
			assert.Empty(t, ctx.Response.Sig)

			resErr := ctx.Response.Error()
			require.Error(t, resErr)
			assert.Equal(t, tc.wantMsg, resErr.Error())

			recovered, ok := AsError(resErr)
			require.True(t, ok)
			assert.Equal(t, tc.wantCode, recovered.Code)
		})
	}
}

func TestContextGetRawResponse(t *testing.T) {
	t.Parallel()

	ctx := &Context{
		Signer:  sign.NewMockSigner("node-key"),
		Request: Request{Req: Payload{RequestID: 6}},
	}
	ctx.Succeed("confirm", Params{"status": json.RawMessage(`"ok"`)})

	raw, err := ctx.GetRawResponse()
	require.NoError(t, err)
	require.NotEmpty(t, raw)

	var res Response
	require.NoError(t, json.Unmarshal(raw, &res))

	assert.Equal(t, uint64(6), res.Res.RequestID)
	assert.Equal(t, "confirm", res.Res.Method)
	require.Len(t, res.Sig, 1, "raw response carries the node signature")
	assert.True(t, strings.HasSuffix(string(res.Sig[0]), "-signed-by-node-key"))
}

func TestSafeStorage(t *testing.T) {
	t.Parallel()

	storage := NewSafeStorage()

	_, ok := storage.Get("missing")
	require.False(t, ok)

	storage.Set("session", "alice")
	got, ok := storage.Get("session")
	require.True(t, ok)
	require.Equal(t, "alice", got)

	// Readers and writers race over the same key; the values must stay
	// coherent throughout.
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for range 100 {
			storage.Set("session", "alice")
		}
	}()
	go func() {
		defer wg.Done()
		for range 100 {
			v, ok := storage.Get("session")
			assert.True(t, ok)
			assert.Equal(t, "alice", v)
		}
	}()
	wg.Wait()
}
