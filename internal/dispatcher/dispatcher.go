// Package dispatcher wires the upstream registry, enhancement middleware,
// and session manager behind the gateway's public HTTP surface. Routing is
// built on gorilla/mux, the same router the teacher's StreamableServer uses
// (internal/mcp/streamable_server.go's setupRoutes), though the route table
// itself is reshaped around transport-agnostic passthrough rather than a
// single MCP hub endpoint.
package dispatcher

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/standardbeagle/mcp-gateway/internal/enhance"
	"github.com/standardbeagle/mcp-gateway/internal/gatewayerr"
	"github.com/standardbeagle/mcp-gateway/internal/jsonrpc"
	"github.com/standardbeagle/mcp-gateway/internal/observability"
	"github.com/standardbeagle/mcp-gateway/internal/session"
	"github.com/standardbeagle/mcp-gateway/internal/upstream"
)

type Dispatcher struct {
	Router *mux.Router

	registry *upstream.Registry
	enhancer *enhance.Middleware
	sessions *session.Manager
	ring     *observability.Ring
}

func New(registry *upstream.Registry, enhancer *enhance.Middleware, sessions *session.Manager, ring *observability.Ring) *Dispatcher {
	d := &Dispatcher{
		registry: registry,
		enhancer: enhancer,
		sessions: sessions,
		ring:     ring,
		Router:   mux.NewRouter(),
	}
	d.setupRoutes()
	return d
}

func (d *Dispatcher) setupRoutes() {
	d.Router.HandleFunc("/{server}/{path:.*}", d.withLog(d.handleCall)).Methods(http.MethodPost)
	d.Router.HandleFunc("/enhance", d.withLog(d.handleEnhance)).Methods(http.MethodPost)
	d.Router.HandleFunc("/health", d.withLog(d.handleHealth)).Methods(http.MethodGet)
	d.Router.HandleFunc("/health/{server}", d.withLog(d.handleHealthServer)).Methods(http.MethodGet)
	d.Router.HandleFunc("/sse", d.withLog(d.handleSSEOpen)).Methods(http.MethodGet)
	d.Router.HandleFunc("/sse/messages", d.withLog(d.handleSSEMessage)).Methods(http.MethodPost)
}

func (d *Dispatcher) withLog(h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		h(sw, r)
		if d.ring != nil {
			d.ring.Add(observability.RequestLogEntry{
				Timestamp: start,
				Method:    r.Method,
				Path:      r.URL.Path,
				Status:    sw.status,
				LatencyMs: time.Since(start).Milliseconds(),
			})
		}
	}
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}

// handleCall implements POST /{server}/{path}: parse the body as a JSON-RPC
// request and route it to the named upstream through the registry.
func (d *Dispatcher) handleCall(w http.ResponseWriter, r *http.Request) {
	serverName := mux.Vars(r)["server"]

	var req jsonrpc.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONRPCError(w, http.StatusBadRequest, nil, jsonrpc.CodeParseError, "invalid JSON-RPC request body", nil)
		return
	}
	if req.JSONRPC == "" {
		req.JSONRPC = jsonrpc.Version
	}

	resp, err := d.registry.Call(r.Context(), serverName, &req)
	if err != nil {
		code, message, data := gatewayerr.ToJSONRPC(err)
		writeJSONRPCError(w, gatewayerr.HTTPStatus(err), req.ID, code, message, data)
		return
	}

	writeJSON(w, http.StatusOK, resp)
}

type enhanceRequest struct {
	Client string `json:"client"`
	Prompt string `json:"prompt"`
}

type enhanceResponse struct {
	Prompt   string `json:"original"`
	Enhanced string `json:"enhanced"`
	Model    string `json:"model,omitempty"`
	Cached   bool   `json:"cached"`
	Applied  bool   `json:"applied"`
}

// handleEnhance implements POST /enhance. Any body that decodes as JSON gets
// 200: enhancement failures degrade to the original prompt rather than
// surfacing as errors. A body that is not valid JSON gets 400.
func (d *Dispatcher) handleEnhance(w http.ResponseWriter, r *http.Request) {
	var req enhanceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}

	result := d.enhancer.Enhance(r.Context(), req.Client, req.Prompt)
	writeJSON(w, http.StatusOK, enhanceResponse{
		Prompt:   result.Prompt,
		Enhanced: result.Enhanced,
		Model:    result.Model,
		Cached:   result.Cached,
		Applied:  result.Applied,
	})
}

type healthResponse struct {
	Upstreams map[string]upstreamHealth       `json:"upstreams"`
	Requests  []observability.RequestLogEntry `json:"recent_requests"`
}

type upstreamHealth struct {
	Reachable bool   `json:"reachable"`
	Breaker   string `json:"breaker_state"`
}

func (d *Dispatcher) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{Upstreams: make(map[string]upstreamHealth)}

	for _, name := range d.registry.Names() {
		reachable, _ := d.registry.Healthy(r.Context(), name)
		state := "unknown"
		if br, ok := d.registry.Breaker(name); ok {
			state = br.Snapshot().State
		}
		resp.Upstreams[name] = upstreamHealth{Reachable: reachable, Breaker: state}
	}

	if d.ring != nil {
		resp.Requests = d.ring.Snapshot()
	}

	writeJSON(w, http.StatusOK, resp)
}

func (d *Dispatcher) handleHealthServer(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["server"]

	reachable, ok := d.registry.Healthy(r.Context(), name)
	if !ok {
		http.Error(w, "unknown upstream", http.StatusNotFound)
		return
	}

	state := "unknown"
	if br, ok := d.registry.Breaker(name); ok {
		state = br.Snapshot().State
	}

	writeJSON(w, http.StatusOK, upstreamHealth{Reachable: reachable, Breaker: state})
}

func (d *Dispatcher) handleSSEOpen(w http.ResponseWriter, r *http.Request) {
	serverName := r.URL.Query().Get("server")
	if serverName == "" {
		http.Error(w, "server query parameter is required", http.StatusBadRequest)
		return
	}

	sess, err := d.sessions.Open(serverName)
	if err != nil {
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}

	if err := d.sessions.Serve(w, r, sess); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

func (d *Dispatcher) handleSSEMessage(w http.ResponseWriter, r *http.Request) {
	sessionID := r.URL.Query().Get("session")
	if sessionID == "" {
		http.Error(w, "session query parameter is required", http.StatusBadRequest)
		return
	}

	var req jsonrpc.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid JSON-RPC request body", http.StatusBadRequest)
		return
	}

	if err := d.sessions.PostMessage(r.Context(), sessionID, &req); err != nil {
		http.Error(w, err.Error(), gatewayerr.HTTPStatus(err))
		return
	}

	w.WriteHeader(http.StatusAccepted)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeJSONRPCError(w http.ResponseWriter, status int, id json.RawMessage, code int, message string, data interface{}) {
	writeJSON(w, status, jsonrpc.ErrorResponse(id, code, message, data))
}
