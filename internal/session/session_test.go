package session

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/standardbeagle/mcp-gateway/internal/jsonrpc"
	"github.com/standardbeagle/mcp-gateway/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func echoDispatch(ctx context.Context, server string, req *jsonrpc.Request) (*jsonrpc.Response, error) {
	result, _ := json.Marshal(map[string]string{"echoed_by": server})
	return jsonrpc.ResultResponse(req.ID, result), nil
}

func TestOpenRejectsBeyondMaxSessions(t *testing.T) {
	m := NewManager(Config{IdleTimeout: time.Minute, MaxSessions: 1}, echoDispatch)

	_, err := m.Open("alpha")
	require.NoError(t, err)

	_, err = m.Open("alpha")
	assert.Error(t, err)
}

func TestPostMessageUnknownSessionErrors(t *testing.T) {
	m := NewManager(Config{IdleTimeout: time.Minute, MaxSessions: 10}, echoDispatch)

	err := m.PostMessage(context.Background(), "does-not-exist", &jsonrpc.Request{JSONRPC: "2.0", ID: json.RawMessage("1")})
	assert.Error(t, err)
}

func TestPostMessageDispatchesAndEmitsOnOutbound(t *testing.T) {
	m := NewManager(Config{IdleTimeout: time.Minute, MaxSessions: 10}, echoDispatch)

	s, err := m.Open("alpha")
	require.NoError(t, err)

	go m.runWorker(context.Background(), s)

	require.NoError(t, m.PostMessage(context.Background(), s.ID, &jsonrpc.Request{JSONRPC: "2.0", ID: json.RawMessage("1"), Method: "ping"}))

	testutil.RequireEventually(t, time.Second, func() bool {
		return len(s.outbound) == 1
	}, "expected a message event on the outbound channel")
}

func TestCloseIsIdempotent(t *testing.T) {
	m := NewManager(Config{IdleTimeout: time.Minute, MaxSessions: 10}, echoDispatch)
	s, err := m.Open("alpha")
	require.NoError(t, err)

	m.Close(s.ID)
	assert.NotPanics(t, func() { m.Close(s.ID) })

	_, ok := m.get(s.ID)
	assert.False(t, ok)
}

func TestReapIdleSessionsClosesStaleSessions(t *testing.T) {
	m := NewManager(Config{IdleTimeout: 20 * time.Millisecond, MaxSessions: 10}, echoDispatch)
	s, err := m.Open("alpha")
	require.NoError(t, err)

	testutil.RequireEventually(t, time.Second, func() bool {
		_, ok := m.get(s.ID)
		return !ok
	}, "expected idle session to be reaped")
}

func TestShutdownClosesEverySessionWithTerminalEvent(t *testing.T) {
	m := NewManager(Config{IdleTimeout: time.Minute, MaxSessions: 10}, echoDispatch)

	a, err := m.Open("alpha")
	require.NoError(t, err)
	b, err := m.Open("beta")
	require.NoError(t, err)

	require.NoError(t, m.Shutdown(context.Background()))

	for _, s := range []*Session{a, b} {
		evt, ok := <-s.outbound
		require.True(t, ok, "shutdown must emit a terminal event before closing the channel")
		assert.Equal(t, "close", evt.eventType)
		assert.Equal(t, map[string]string{"reason": "server_shutdown"}, evt.payload)

		_, stillOpen := <-s.outbound
		assert.False(t, stillOpen, "outbound channel must be closed after shutdown")
	}

	_, ok := m.get(a.ID)
	assert.False(t, ok)
	_, ok = m.get(b.ID)
	assert.False(t, ok)
}

func TestServeWritesEndpointEvent(t *testing.T) {
	m := NewManager(Config{IdleTimeout: time.Minute, MaxSessions: 10}, echoDispatch)
	s, err := m.Open("alpha")
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/sse?server=alpha", nil)

	ctx, cancel := context.WithTimeout(req.Context(), 30*time.Millisecond)
	defer cancel()
	req = req.WithContext(ctx)

	require.NoError(t, m.Serve(rec, req, s))
	assert.Contains(t, rec.Body.String(), "event: endpoint")
	assert.Contains(t, rec.Body.String(), s.ID)
}
