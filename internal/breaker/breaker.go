// Package breaker implements the per-upstream circuit breaker: a small
// CLOSED/OPEN/HALF_OPEN state machine grounded on the teacher's backoff
// policy (internal/mcp/backoff.go's consecutive-failure counting and capped
// retry delay), reshaped to the spec's three-state breaker semantics.
package breaker

import (
	"sync"
	"time"
)

type State int

const (
	Closed State = iota
	Open
	HalfOpen
)

func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case Open:
		return "open"
	case HalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// Config holds the tunables the spec exposes per upstream.
type Config struct {
	FailureThreshold int
	RecoveryTimeout  time.Duration
}

func DefaultConfig() Config {
	return Config{FailureThreshold: 3, RecoveryTimeout: 30 * time.Second}
}

// Breaker tracks the health of a single upstream. Zero value is unusable;
// build with New.
type Breaker struct {
	mu sync.Mutex

	cfg Config

	state               State
	consecutiveFailures int
	openedAt            time.Time
	lastFailureAt       time.Time
	lastFailureReason   string

	// halfOpenInFlight guards the single probe call a HALF_OPEN breaker
	// allows through; concurrent callers are rejected until it resolves.
	halfOpenInFlight bool
}

func New(cfg Config) *Breaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = DefaultConfig().FailureThreshold
	}
	if cfg.RecoveryTimeout <= 0 {
		cfg.RecoveryTimeout = DefaultConfig().RecoveryTimeout
	}
	return &Breaker{cfg: cfg, state: Closed}
}

// Allow reports whether a call may proceed. When the breaker is OPEN but the
// recovery timeout has elapsed, it transitions to HALF_OPEN and admits
// exactly one probe call; all other callers during that probe are rejected.
// The returned retryAfter is only meaningful when allowed is false.
func (b *Breaker) Allow() (allowed bool, retryAfter time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case Closed:
		return true, 0
	case HalfOpen:
		if b.halfOpenInFlight {
			return false, b.remainingLocked()
		}
		b.halfOpenInFlight = true
		return true, 0
	case Open:
		if time.Since(b.openedAt) >= b.cfg.RecoveryTimeout {
			b.state = HalfOpen
			b.halfOpenInFlight = true
			return true, 0
		}
		return false, b.remainingLocked()
	default:
		return true, 0
	}
}

func (b *Breaker) remainingLocked() time.Duration {
	remaining := b.cfg.RecoveryTimeout - time.Since(b.openedAt)
	if remaining < 0 {
		return 0
	}
	return remaining
}

// RecordSuccess reports a successful call outcome. From HALF_OPEN this closes
// the breaker; from CLOSED it simply resets the failure streak.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.consecutiveFailures = 0
	b.halfOpenInFlight = false
	b.state = Closed
}

// RecordFailure reports a failed call outcome. reason is kept for
// introspection only. From HALF_OPEN any failure reopens the breaker
// immediately; from CLOSED the breaker opens once consecutive failures
// reach the configured threshold.
func (b *Breaker) RecordFailure(reason string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.lastFailureAt = time.Now()
	b.lastFailureReason = reason
	b.halfOpenInFlight = false

	if b.state == HalfOpen {
		b.open()
		return
	}

	b.consecutiveFailures++
	if b.consecutiveFailures >= b.cfg.FailureThreshold {
		b.open()
	}
}

func (b *Breaker) open() {
	b.state = Open
	b.openedAt = time.Now()
}

// Snapshot is a point-in-time view of breaker state for /health and the
// introspection tool server.
type Snapshot struct {
	State               string     `json:"state"`
	ConsecutiveFailures int        `json:"consecutive_failures"`
	OpenedAt            *time.Time `json:"opened_at,omitempty"`
	LastFailureAt       *time.Time `json:"last_failure_at,omitempty"`
	LastFailureReason   string     `json:"last_failure_reason,omitempty"`
}

func (b *Breaker) Snapshot() Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()

	s := Snapshot{
		State:               b.state.String(),
		ConsecutiveFailures: b.consecutiveFailures,
		LastFailureReason:   b.lastFailureReason,
	}
	if !b.openedAt.IsZero() {
		t := b.openedAt
		s.OpenedAt = &t
	}
	if !b.lastFailureAt.IsZero() {
		t := b.lastFailureAt
		s.LastFailureAt = &t
	}
	return s
}
