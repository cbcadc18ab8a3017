package breaker

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBreakerOpensAfterThreshold(t *testing.T) {
	b := New(Config{FailureThreshold: 3, RecoveryTimeout: 50 * time.Millisecond})

	for i := 0; i < 2; i++ {
		allowed, _ := b.Allow()
		require.True(t, allowed)
		b.RecordFailure("boom")
	}
	assert.Equal(t, Closed, b.Snapshot().stateFor(t))

	allowed, _ := b.Allow()
	require.True(t, allowed)
	b.RecordFailure("boom")

	snap := b.Snapshot()
	assert.Equal(t, "open", snap.State)
	assert.Equal(t, 3, snap.ConsecutiveFailures)

	allowed, retryAfter := b.Allow()
	assert.False(t, allowed)
	assert.Greater(t, retryAfter, time.Duration(0))
}

func TestBreakerHalfOpenSingleFlight(t *testing.T) {
	b := New(Config{FailureThreshold: 1, RecoveryTimeout: 10 * time.Millisecond})

	allowed, _ := b.Allow()
	require.True(t, allowed)
	b.RecordFailure("boom")
	require.Equal(t, "open", b.Snapshot().State)

	time.Sleep(15 * time.Millisecond)

	first, _ := b.Allow()
	require.True(t, first)
	require.Equal(t, "half_open", b.Snapshot().State)

	second, _ := b.Allow()
	assert.False(t, second, "second caller must be rejected while probe in flight")

	b.RecordSuccess()
	assert.Equal(t, "closed", b.Snapshot().State)
}

func TestBreakerHalfOpenFailureReopens(t *testing.T) {
	b := New(Config{FailureThreshold: 1, RecoveryTimeout: 10 * time.Millisecond})

	allowed, _ := b.Allow()
	require.True(t, allowed)
	b.RecordFailure("boom")

	time.Sleep(15 * time.Millisecond)

	allowed, _ = b.Allow()
	require.True(t, allowed)
	b.RecordFailure("still broken")

	assert.Equal(t, "open", b.Snapshot().State)
}

// stateFor is a tiny helper so the threshold test can assert on State
// without re-deriving the string constant inline.
func (s Snapshot) stateFor(t *testing.T) State {
	t.Helper()
	switch s.State {
	case "closed":
		return Closed
	case "open":
		return Open
	case "half_open":
		return HalfOpen
	default:
		t.Fatalf("unknown state %q", s.State)
		return Closed
	}
}
