// Package gatewayerr classifies every error the gateway can produce into the
// small taxonomy the dispatcher needs to pick a JSON-RPC error code and an
// HTTP status, without every caller re-deriving that mapping by hand.
package gatewayerr

import (
	"context"
	"errors"
	"fmt"
	"net"

	"github.com/standardbeagle/mcp-gateway/internal/jsonrpc"
)

// Kind identifies which layer of the gateway produced an error.
type Kind int

const (
	KindConfiguration Kind = iota
	KindTransport
	KindUpstreamReported
	KindInference
	KindVectorStore
	KindClient
	KindCancellation
	KindTimeout
)

func (k Kind) String() string {
	switch k {
	case KindConfiguration:
		return "configuration"
	case KindTransport:
		return "transport"
	case KindUpstreamReported:
		return "upstream_reported"
	case KindInference:
		return "inference"
	case KindVectorStore:
		return "vector_store"
	case KindClient:
		return "client"
	case KindCancellation:
		return "cancellation"
	case KindTimeout:
		return "timeout"
	default:
		return "unknown"
	}
}

// Error wraps a cause with a Kind and, for upstream_reported errors, the
// verbatim JSON-RPC error the upstream returned.
type Error struct {
	Kind       Kind
	Message    string
	Cause      error
	Upstream   *jsonrpc.Error // set only for KindUpstreamReported
	RetryAfter int64          // milliseconds; set only when the breaker supplies a hint
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

func New(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

func Configuration(message string, cause error) *Error {
	return New(KindConfiguration, message, cause)
}

func Transport(message string, cause error) *Error {
	return New(KindTransport, message, cause)
}

func Inference(message string, cause error) *Error {
	return New(KindInference, message, cause)
}

func VectorStore(message string, cause error) *Error {
	return New(KindVectorStore, message, cause)
}

func Client(message string, cause error) *Error {
	return New(KindClient, message, cause)
}

func Cancellation(message string, cause error) *Error {
	return New(KindCancellation, message, cause)
}

// Timeout builds a KindTimeout error: the call genuinely ran out of time,
// distinct from the inbound caller disconnecting (KindCancellation).
func Timeout(message string, cause error) *Error {
	return New(KindTimeout, message, cause)
}

// IsTimeoutCause reports whether a failed call's ctx or underlying error
// indicates it ran out of time rather than being canceled by the caller or
// failing outright. Covers two sources: a deadline upstream.Registry.Call
// derived from the upstream's configured timeout expiring
// (ctx.Err() == context.DeadlineExceeded), and an adapter's own transport
// -level timeout firing independently of ctx (e.g. http.Client.Timeout),
// which surfaces as a net.Error with Timeout() true.
func IsTimeoutCause(ctx context.Context, err error) bool {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	return false
}

// UpstreamReported wraps a JSON-RPC error an upstream server itself returned.
// These pass through to the caller verbatim; they never trip a breaker.
func UpstreamReported(upstream *jsonrpc.Error) *Error {
	return &Error{Kind: KindUpstreamReported, Message: "upstream reported error", Upstream: upstream}
}

// BreakerOpen builds the -32000 error the spec requires when a breaker is
// open, with the retry_after_ms hint carried in Data.
func BreakerOpen(server string, retryAfterMs int64) *Error {
	return &Error{
		Kind:       KindTransport,
		Message:    fmt.Sprintf("circuit breaker open for %q", server),
		RetryAfter: retryAfterMs,
	}
}

// ToJSONRPC maps an error into the JSON-RPC error code and message the
// dispatcher should write back to the caller.
func ToJSONRPC(err error) (code int, message string, data interface{}) {
	var gerr *Error
	if !errors.As(err, &gerr) {
		return jsonrpc.CodeInternalError, err.Error(), nil
	}

	switch gerr.Kind {
	case KindUpstreamReported:
		return gerr.Upstream.Code, gerr.Upstream.Message, gerr.Upstream.Data
	case KindTimeout:
		return jsonrpc.CodeTimeout, gerr.Message, nil
	case KindCancellation:
		return jsonrpc.CodeTimeout, gerr.Message, nil
	case KindTransport:
		var data interface{}
		if gerr.RetryAfter > 0 {
			data = jsonrpc.RetryAfterData{RetryAfterMs: gerr.RetryAfter, Cause: gerr.Message}
		}
		return jsonrpc.CodeServerError, gerr.Message, data
	case KindClient:
		return jsonrpc.CodeInvalidRequest, gerr.Message, nil
	case KindConfiguration, KindInference, KindVectorStore:
		return jsonrpc.CodeInternalError, gerr.Message, nil
	default:
		return jsonrpc.CodeInternalError, gerr.Message, nil
	}
}

// HTTPStatus maps an error's Kind to the HTTP status the dispatcher sends
// with an error response, both for JSON-RPC error envelopes from
// POST /{server}/{path} and for plain-text errors from /sse/messages.
func HTTPStatus(err error) int {
	var gerr *Error
	if !errors.As(err, &gerr) {
		return 500
	}
	switch gerr.Kind {
	case KindClient:
		return 400
	case KindTransport:
		return 503
	case KindCancellation, KindTimeout:
		return 504
	default:
		return 500
	}
}
