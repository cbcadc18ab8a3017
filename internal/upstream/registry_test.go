package upstream

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/standardbeagle/mcp-gateway/internal/gatewayerr"
	"github.com/standardbeagle/mcp-gateway/internal/jsonrpc"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistryCallRoutesToHTTPUpstream(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"jsonrpc":"2.0","id":1,"result":{"tools":[]}}`))
	}))
	defer srv.Close()

	r := NewRegistry()
	require.NoError(t, r.Register(Descriptor{Name: "alpha", Transport: TransportHTTP, URL: srv.URL, TimeoutMs: 1000}))

	resp, err := r.Call(context.Background(), "alpha", &jsonrpc.Request{JSONRPC: "2.0", ID: json.RawMessage("1"), Method: "tools/list"})
	require.NoError(t, err)
	assert.Nil(t, resp.Error)
}

func TestRegistryCallUnknownUpstream(t *testing.T) {
	r := NewRegistry()
	_, err := r.Call(context.Background(), "nope", &jsonrpc.Request{})
	require.Error(t, err)

	code, _, _ := gatewayerr.ToJSONRPC(err)
	assert.Equal(t, jsonrpc.CodeInvalidRequest, code)
}

func TestRegistryCallOpensBreakerOnRepeatedTransportFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	r := NewRegistry()
	require.NoError(t, r.Register(Descriptor{
		Name: "flaky", Transport: TransportHTTP, URL: srv.URL, TimeoutMs: 1000,
		FailureThreshold: 2, RecoveryTimeoutS: 1,
	}))

	for i := 0; i < 2; i++ {
		_, err := r.Call(context.Background(), "flaky", &jsonrpc.Request{Method: "ping"})
		require.Error(t, err)
	}

	_, err := r.Call(context.Background(), "flaky", &jsonrpc.Request{Method: "ping"})
	require.Error(t, err)
	code, _, data := gatewayerr.ToJSONRPC(err)
	assert.Equal(t, jsonrpc.CodeServerError, code)
	retryData, ok := data.(jsonrpc.RetryAfterData)
	require.True(t, ok)
	assert.Greater(t, retryData.RetryAfterMs, int64(0))
}

func TestRegistryCallPropagatesUpstreamReportedError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"jsonrpc":"2.0","id":1,"error":{"code":-32601,"message":"method not found"}}`))
	}))
	defer srv.Close()

	r := NewRegistry()
	require.NoError(t, r.Register(Descriptor{Name: "alpha", Transport: TransportHTTP, URL: srv.URL, TimeoutMs: 1000}))

	_, err := r.Call(context.Background(), "alpha", &jsonrpc.Request{Method: "nope"})
	require.Error(t, err)
	code, msg, _ := gatewayerr.ToJSONRPC(err)
	assert.Equal(t, -32601, code)
	assert.Equal(t, "method not found", msg)

	br, ok := r.Breaker("alpha")
	require.True(t, ok)
	assert.Equal(t, "closed", br.Snapshot().State, "upstream-reported errors must not trip the breaker")
}

func TestRegistryCallSurfacesTimeoutDistinctlyFromBreakerOpen(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
		w.Write([]byte(`{"jsonrpc":"2.0","id":1,"result":{}}`))
	}))
	defer srv.Close()

	r := NewRegistry()
	require.NoError(t, r.Register(Descriptor{
		Name: "slow", Transport: TransportHTTP, URL: srv.URL, TimeoutMs: 20,
		FailureThreshold: 10,
	}))

	_, err := r.Call(context.Background(), "slow", &jsonrpc.Request{Method: "ping"})
	require.Error(t, err)

	code, _, _ := gatewayerr.ToJSONRPC(err)
	assert.Equal(t, jsonrpc.CodeTimeout, code)
	assert.Equal(t, 504, gatewayerr.HTTPStatus(err))
}

func TestRegistryCallRespectsDescriptorTimeoutOverInboundContext(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(100 * time.Millisecond)
		w.Write([]byte(`{"jsonrpc":"2.0","id":1,"result":{}}`))
	}))
	defer srv.Close()

	r := NewRegistry()
	require.NoError(t, r.Register(Descriptor{Name: "slow", Transport: TransportHTTP, URL: srv.URL, TimeoutMs: 10}))

	// The caller's own context has no deadline; the upstream's configured
	// timeout must still bound the call.
	start := time.Now()
	_, err := r.Call(context.Background(), "slow", &jsonrpc.Request{Method: "ping"})
	require.Error(t, err)
	assert.Less(t, time.Since(start), 90*time.Millisecond)
}
