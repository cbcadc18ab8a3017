// Package upstream owns the set of configured MCP tool servers, pairing
// each one's transport.Adapter with its own breaker.Breaker and exposing a
// single Call entry point the dispatcher and SSE session layer both use.
//
// Grounded on the teacher's ConnectionManager ownership model
// (internal/mcp/connection_manager.go), but since upstreams are registered
// once at startup and read far more often than they change, lookups use a
// plain sync.RWMutex instead of a channel-actor.
package upstream

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/standardbeagle/mcp-gateway/internal/breaker"
	"github.com/standardbeagle/mcp-gateway/internal/gatewayerr"
	"github.com/standardbeagle/mcp-gateway/internal/jsonrpc"
	"github.com/standardbeagle/mcp-gateway/internal/transport"
	"github.com/standardbeagle/mcp-gateway/pkg/events"
)

// TransportKind identifies how an upstream is reached.
type TransportKind string

const (
	TransportHTTP  TransportKind = "http"
	TransportStdio TransportKind = "stdio"
)

// Descriptor is one entry of servers.json.
type Descriptor struct {
	Name       string            `json:"name"`
	Transport  TransportKind     `json:"transport"`
	URL        string            `json:"url,omitempty"`
	HealthPath string            `json:"health_path,omitempty"`
	Command    string            `json:"command,omitempty"`
	Args       []string          `json:"args,omitempty"`
	Dir        string            `json:"dir,omitempty"`
	Env        map[string]string `json:"env,omitempty"`

	TimeoutMs        int `json:"timeout_ms,omitempty"`
	FailureThreshold int `json:"failure_threshold,omitempty"`
	RecoveryTimeoutS int `json:"recovery_timeout_s,omitempty"`
	MaxRestarts      int `json:"max_restarts,omitempty"`
}

type entry struct {
	descriptor Descriptor
	adapter    transport.Adapter
	breaker    *breaker.Breaker
}

// Registry holds every configured upstream. Build once at startup via
// Register, then serve concurrent Call/Health traffic.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*entry
	bus     *events.EventBus
}

func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]*entry)}
}

// SetEventBus attaches a bus that breaker state transitions and upstream
// restarts are published to. Nil is safe and means "don't publish".
func (r *Registry) SetEventBus(bus *events.EventBus) {
	r.bus = bus
}

// Register wires a descriptor into a concrete adapter and breaker. It does
// not start stdio subprocesses eagerly; the adapter lazily starts on first
// Call.
func (r *Registry) Register(d Descriptor) error {
	var adapter transport.Adapter

	switch d.Transport {
	case TransportHTTP:
		if d.URL == "" {
			return gatewayerr.Configuration(fmt.Sprintf("upstream %q: http transport requires url", d.Name), nil)
		}
		timeout := time.Duration(d.TimeoutMs) * time.Millisecond
		adapter = transport.NewHTTPAdapter(d.URL, d.HealthPath, timeout)
	case TransportStdio:
		if d.Command == "" {
			return gatewayerr.Configuration(fmt.Sprintf("upstream %q: stdio transport requires command", d.Name), nil)
		}
		env := make([]string, 0, len(d.Env))
		for k, v := range d.Env {
			env = append(env, k+"="+v)
		}
		name := d.Name
		adapter = transport.NewStdioAdapter(transport.StdioConfig{
			Command:     d.Command,
			Args:        d.Args,
			Dir:         d.Dir,
			Env:         env,
			MaxRestarts: d.MaxRestarts,
			OnRestart: func() {
				if r.bus != nil {
					r.bus.Publish(events.Event{Type: events.UpstreamRestarted, Upstream: name})
				}
			},
		})
	default:
		return gatewayerr.Configuration(fmt.Sprintf("upstream %q: unknown transport %q", d.Name, d.Transport), nil)
	}

	cfg := breaker.DefaultConfig()
	if d.FailureThreshold > 0 {
		cfg.FailureThreshold = d.FailureThreshold
	}
	if d.RecoveryTimeoutS > 0 {
		cfg.RecoveryTimeout = time.Duration(d.RecoveryTimeoutS) * time.Second
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[d.Name] = &entry{descriptor: d, adapter: adapter, breaker: breaker.New(cfg)}
	return nil
}

func (r *Registry) lookup(name string) (*entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[name]
	return e, ok
}

// Call dispatches one JSON-RPC request to the named upstream, implementing
// the breaker-gated call algorithm: reject fast when the breaker is open,
// otherwise invoke the adapter and record the outcome against the breaker.
// Errors the upstream itself reports (a well-formed JSON-RPC error object)
// are returned as KindUpstreamReported and never trip the breaker; only
// transport-level failures (non-2xx, timeout, malformed body) do.
func (r *Registry) Call(ctx context.Context, name string, req *jsonrpc.Request) (*jsonrpc.Response, error) {
	e, ok := r.lookup(name)
	if !ok {
		return nil, gatewayerr.Client(fmt.Sprintf("unknown upstream %q", name), nil)
	}

	if e.descriptor.TimeoutMs > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(e.descriptor.TimeoutMs)*time.Millisecond)
		defer cancel()
	}

	before := e.breaker.Snapshot().State
	allowed, retryAfter := e.breaker.Allow()
	r.publishTransition(name, before, e.breaker.Snapshot().State)
	if !allowed {
		return nil, gatewayerr.BreakerOpen(name, retryAfter.Milliseconds())
	}

	body, err := json.Marshal(req)
	if err != nil {
		r.recordFailure(name, e, "marshal request")
		return nil, gatewayerr.Client("invalid request body", err)
	}

	raw, err := e.adapter.Call(ctx, body)
	if err != nil {
		switch {
		case gatewayerr.IsTimeoutCause(ctx, err):
			r.recordFailure(name, e, "timeout")
			return nil, gatewayerr.Timeout(fmt.Sprintf("upstream %q call timed out", name), err)
		case ctx.Err() != nil:
			r.recordFailure(name, e, "context canceled")
			return nil, gatewayerr.Cancellation("request canceled", ctx.Err())
		default:
			r.recordFailure(name, e, err.Error())
			return nil, gatewayerr.Transport(fmt.Sprintf("upstream %q transport failure", name), err)
		}
	}

	var resp jsonrpc.Response
	if err := json.Unmarshal(raw, &resp); err != nil {
		r.recordFailure(name, e, "malformed upstream response")
		return nil, gatewayerr.Transport(fmt.Sprintf("upstream %q returned malformed JSON-RPC", name), err)
	}

	r.recordSuccess(name, e)

	if resp.Error != nil {
		return nil, gatewayerr.UpstreamReported(resp.Error)
	}
	return &resp, nil
}

// recordFailure and recordSuccess wrap the breaker's outcome methods with a
// before/after snapshot comparison so state transitions can be published
// without the breaker package needing to know about the event bus.
func (r *Registry) recordFailure(name string, e *entry, reason string) {
	before := e.breaker.Snapshot().State
	e.breaker.RecordFailure(reason)
	r.publishTransition(name, before, e.breaker.Snapshot().State)
}

func (r *Registry) recordSuccess(name string, e *entry) {
	before := e.breaker.Snapshot().State
	e.breaker.RecordSuccess()
	r.publishTransition(name, before, e.breaker.Snapshot().State)
}

func (r *Registry) publishTransition(name, before, after string) {
	if r.bus == nil || before == after {
		return
	}
	switch after {
	case "open":
		r.bus.Publish(events.Event{Type: events.BreakerOpened, Upstream: name})
	case "half_open":
		r.bus.Publish(events.Event{Type: events.BreakerHalfOpen, Upstream: name})
	case "closed":
		r.bus.Publish(events.Event{Type: events.BreakerClosed, Upstream: name})
	}
}

// Names returns every registered upstream name.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.entries))
	for name := range r.entries {
		names = append(names, name)
	}
	return names
}

// Healthy reports liveness of a single upstream for /health/{server}.
func (r *Registry) Healthy(ctx context.Context, name string) (bool, bool) {
	e, ok := r.lookup(name)
	if !ok {
		return false, false
	}
	return e.adapter.Healthy(ctx), true
}

// Breaker exposes the breaker for a named upstream, used by the
// introspection tool server and /health.
func (r *Registry) Breaker(name string) (*breaker.Breaker, bool) {
	e, ok := r.lookup(name)
	if !ok {
		return nil, false
	}
	return e.breaker, true
}

// Shutdown closes every adapter, bounding total wait by ctx.
func (r *Registry) Shutdown(ctx context.Context) error {
	r.mu.RLock()
	entries := make([]*entry, 0, len(r.entries))
	for _, e := range r.entries {
		entries = append(entries, e)
	}
	r.mu.RUnlock()

	var wg sync.WaitGroup
	errs := make([]error, len(entries))
	for i, e := range entries {
		wg.Add(1)
		go func(i int, e *entry) {
			defer wg.Done()
			errs[i] = e.adapter.Close(ctx)
		}(i, e)
	}
	wg.Wait()

	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}
