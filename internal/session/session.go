// Package session implements the SSE session layer: one long-lived
// text/event-stream connection per client, fed by post_message calls that
// get routed through the upstream registry and answered asynchronously as
// "message" events.
//
// Grounded on the teacher's StreamableServer/ClientSession
// (internal/mcp/streamable_server.go): the SSE header set, the
// event:/data: framing in sendSSEEvent, and the heartbeat ticker in
// handleStreamingConnection, reshaped from a tools/resources/prompts hub
// connection into a single-upstream JSON-RPC relay.
package session

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/standardbeagle/mcp-gateway/internal/gatewayerr"
	"github.com/standardbeagle/mcp-gateway/internal/jsonrpc"
	"github.com/standardbeagle/mcp-gateway/pkg/events"
)

// Dispatch routes one JSON-RPC request to the named upstream; it is
// satisfied by (*upstream.Registry).Call without this package importing
// upstream directly, keeping the dependency direction one-way.
type Dispatch func(ctx context.Context, server string, req *jsonrpc.Request) (*jsonrpc.Response, error)

type Config struct {
	IdleTimeout time.Duration
	MaxSessions int
}

func DefaultConfig() Config {
	return Config{IdleTimeout: 5 * time.Minute, MaxSessions: 1000}
}

type outboundEvent struct {
	eventType string
	payload   interface{}
}

// Session is one SSE connection bound to a single upstream server.
type Session struct {
	ID     string
	Server string

	mu           sync.Mutex
	lastActivity time.Time
	closed       bool

	inbound  chan *jsonrpc.Request
	outbound chan outboundEvent
}

func (s *Session) touch() {
	s.mu.Lock()
	s.lastActivity = time.Now()
	s.mu.Unlock()
}

func (s *Session) idleSince() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return time.Since(s.lastActivity)
}

func (s *Session) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Manager owns every open session and the single dispatch function they
// route post_message calls through.
type Manager struct {
	cfg      Config
	dispatch Dispatch

	mu       sync.RWMutex
	sessions map[string]*Session

	bus *events.EventBus
}

func NewManager(cfg Config, dispatch Dispatch) *Manager {
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = DefaultConfig().IdleTimeout
	}
	if cfg.MaxSessions <= 0 {
		cfg.MaxSessions = DefaultConfig().MaxSessions
	}
	m := &Manager{cfg: cfg, dispatch: dispatch, sessions: make(map[string]*Session)}
	go m.reapIdleSessions()
	return m
}

// SetEventBus attaches a bus that session open/close are published to. Nil
// is safe and means "don't publish".
func (m *Manager) SetEventBus(bus *events.EventBus) {
	m.bus = bus
}

// Open allocates a new session bound to server and returns it. Callers are
// expected to then call Serve(w, r, session) to run its SSE loop.
func (m *Manager) Open(server string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.sessions) >= m.cfg.MaxSessions {
		return nil, gatewayerr.Client("maximum concurrent sessions reached", nil)
	}

	s := &Session{
		ID:           uuid.NewString(),
		Server:       server,
		lastActivity: time.Now(),
		inbound:      make(chan *jsonrpc.Request, 32),
		outbound:     make(chan outboundEvent, 32),
	}
	m.sessions[s.ID] = s
	if m.bus != nil {
		m.bus.Publish(events.Event{Type: events.SessionOpened, Upstream: server})
	}
	return s, nil
}

func (m *Manager) get(id string) (*Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	return s, ok
}

func (m *Manager) remove(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, id)
}

func (m *Manager) reapIdleSessions() {
	ticker := time.NewTicker(m.cfg.IdleTimeout / 4)
	defer ticker.Stop()
	for range ticker.C {
		m.mu.RLock()
		var stale []*Session
		for _, s := range m.sessions {
			if s.idleSince() >= m.cfg.IdleTimeout {
				stale = append(stale, s)
			}
		}
		m.mu.RUnlock()

		for _, s := range stale {
			m.Close(s.ID)
		}
	}
}

// Close terminates a session, emitting a final "close" event to any still
// streaming, and removing it from the registry.
func (m *Manager) Close(id string) {
	m.closeWithReason(id, "idle_timeout")
}

func (m *Manager) closeWithReason(id, reason string) {
	s, ok := m.get(id)
	if !ok {
		return
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()

	select {
	case s.outbound <- outboundEvent{eventType: "close", payload: map[string]string{"reason": reason}}:
	default:
	}
	close(s.outbound)
	m.remove(id)
	if m.bus != nil {
		m.bus.Publish(events.Event{Type: events.SessionClosed, Upstream: s.Server})
	}
}

// Shutdown closes every open session, emitting a terminal "close" event with
// reason "server_shutdown" to each still-streaming client. It does not block
// on each session's Serve loop returning; closing the outbound channel is
// enough to make Serve exit on its own.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.RLock()
	ids := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	m.mu.RUnlock()

	for _, id := range ids {
		m.closeWithReason(id, "server_shutdown")
	}
	return nil
}

// PostMessage enqueues one JSON-RPC request for a session's worker to
// process. Enqueue order is FIFO (this call blocks only on the inbound
// channel's buffer, never on the downstream call), but since each
// dequeued message is dispatched in its own goroutine, responses are
// emitted in completion order, not enqueue order.
func (m *Manager) PostMessage(ctx context.Context, id string, req *jsonrpc.Request) error {
	s, ok := m.get(id)
	if !ok {
		return gatewayerr.Client(fmt.Sprintf("unknown session %q", id), nil)
	}
	if s.isClosed() {
		return gatewayerr.Client(fmt.Sprintf("session %q is closed", id), nil)
	}
	s.touch()

	select {
	case s.inbound <- req:
		return nil
	case <-ctx.Done():
		return gatewayerr.Cancellation("enqueue canceled", ctx.Err())
	}
}

// Serve runs a session's SSE loop against an HTTP response, blocking until
// the client disconnects or the session is closed. It is meant to be called
// directly from the dispatcher's GET /sse handler.
func (m *Manager) Serve(w http.ResponseWriter, r *http.Request, s *Session) error {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return gatewayerr.Transport("response writer does not support streaming", nil)
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	writeEvent(w, flusher, "endpoint", map[string]string{
		"session_id": s.ID,
		"post_url":   fmt.Sprintf("/sse/messages?session=%s", s.ID),
	})

	ctx := r.Context()

	go m.runWorker(ctx, s)

	heartbeat := time.NewTicker(30 * time.Second)
	defer heartbeat.Stop()
	defer m.Close(s.ID)

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-heartbeat.C:
			writeEvent(w, flusher, "ping", map[string]string{"timestamp": time.Now().Format(time.RFC3339)})
		case evt, ok := <-s.outbound:
			if !ok {
				return nil
			}
			writeEvent(w, flusher, evt.eventType, evt.payload)
		}
	}
}

// runWorker drains a session's inbound queue in arrival order, launching
// each dispatch concurrently so a slow call never blocks a faster one
// behind it.
func (m *Manager) runWorker(ctx context.Context, s *Session) {
	for {
		select {
		case <-ctx.Done():
			return
		case req, ok := <-s.inbound:
			if !ok {
				return
			}
			go m.process(ctx, s, req)
		}
	}
}

func (m *Manager) process(ctx context.Context, s *Session, req *jsonrpc.Request) {
	resp, err := m.dispatch(ctx, s.Server, req)
	if err != nil {
		code, message, data := gatewayerr.ToJSONRPC(err)
		resp = jsonrpc.ErrorResponse(req.ID, code, message, data)
	}

	select {
	case s.outbound <- outboundEvent{eventType: "message", payload: resp}:
	default:
	}
}

func writeEvent(w http.ResponseWriter, flusher http.Flusher, eventType string, payload interface{}) {
	fmt.Fprintf(w, "event: %s\n", eventType)
	data, err := json.Marshal(payload)
	if err != nil {
		return
	}
	fmt.Fprintf(w, "data: %s\n\n", data)
	flusher.Flush()
}
