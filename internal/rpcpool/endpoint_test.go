package rpcpool

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTemplateEqual(t *testing.T) {
	base := &Template{
		Height:            100,
		CoinbaseValue:     5000000000,
		Bits:              "1d00ffff",
		PreviousBlockHash: "abc",
		Version:           2,
		CurTime:           123,
		Transactions:      []TemplateTransaction{{Data: "aa"}},
	}

	t.Run("EqualToItself", func(t *testing.T) {
		clone := *base
		assert.True(t, base.Equal(&clone))
	})

	t.Run("DirtyOnHeightChange", func(t *testing.T) {
		clone := *base
		clone.Height = 101
		assert.False(t, base.Equal(&clone))
	})

	t.Run("DirtyOnTransactionSetChange", func(t *testing.T) {
		clone := *base
		clone.Transactions = []TemplateTransaction{{Data: "bb"}}
		assert.False(t, base.Equal(&clone))
	})

	t.Run("NilHandling", func(t *testing.T) {
		assert.True(t, (*Template)(nil).Equal(nil))
		assert.False(t, base.Equal(nil))
	})
}

func TestErrorMessages(t *testing.T) {
	assert.Contains(t, (&TransportError{Endpoint: "e", Method: "m", Err: assertErr}).Error(), "transport error")
	assert.Contains(t, (&RpcError{Endpoint: "e", Method: "m", Code: 1, Message: "bad"}).Error(), "rpc error")
	assert.Contains(t, (&ConfigError{Field: "f", Message: "missing"}).Error(), "config error")
	assert.Contains(t, (&LogicError{Context: "c", Message: "oops"}).Error(), "logic error")
}

var assertErr = assertErrType("boom")

type assertErrType string

func (e assertErrType) Error() string { return string(e) }

// TestSubmitAuxBlockCallsSubmitMethod guards against regressing to a
// getauxblock poll: the RPC method and params must be the real submit call.
func TestSubmitAuxBlockCallsSubmitMethod(t *testing.T) {
	var gotMethod string
	var gotParams []interface{}

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req rpcRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		gotMethod = req.Method
		gotParams = req.Params

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(rpcResponse{ID: req.ID, Result: json.RawMessage("true")})
	}))
	defer server.Close()

	e := &Endpoint{client: server.Client(), url: server.URL}
	err := e.SubmitAuxBlock(context.Background(), "deadbeef", "cafebabe")
	require.NoError(t, err)

	assert.Equal(t, "submitauxblock", gotMethod)
	require.Len(t, gotParams, 2)
	assert.Equal(t, "deadbeef", gotParams[0])
	assert.Equal(t, "cafebabe", gotParams[1])
}
