package ratelimit

import (
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testTime = time.Date(2026, 3, 3, 12, 0, 0, 0, time.UTC)

func newTestLimiter() (*Limiter, *time.Time) {
	now := testTime
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	l := New(nil, logger).WithClock(func() time.Time { return now })
	return l, &now
}

func TestSixthLoginDenied(t *testing.T) {
	l, _ := newTestLimiter()

	for i := 0; i < 5; i++ {
		allowed, _ := l.Check("198.51.100.7", ActionLogin)
		require.True(t, allowed, "attempt %d should pass", i+1)
	}

	allowed, retryAfter := l.Check("198.51.100.7", ActionLogin)
	assert.False(t, allowed)
	assert.Greater(t, retryAfter, time.Duration(0))
	assert.LessOrEqual(t, retryAfter, 15*time.Minute)
}

func TestFourthPaymentDenied(t *testing.T) {
	l, _ := newTestLimiter()

	for i := 0; i < 3; i++ {
		allowed, _ := l.Check("198.51.100.7", ActionPayment)
		require.True(t, allowed)
	}

	allowed, retryAfter := l.Check("198.51.100.7", ActionPayment)
	assert.False(t, allowed)
	assert.Greater(t, retryAfter, time.Duration(0))
}

func TestWindowResets(t *testing.T) {
	l, now := newTestLimiter()

	for i := 0; i < 5; i++ {
		l.Check("198.51.100.7", ActionLogin)
	}
	allowed, _ := l.Check("198.51.100.7", ActionLogin)
	require.False(t, allowed)

	*now = now.Add(16 * time.Minute)
	allowed, _ = l.Check("198.51.100.7", ActionLogin)
	assert.True(t, allowed)
}

func TestKeysIndependent(t *testing.T) {
	l, _ := newTestLimiter()

	for i := 0; i < 5; i++ {
		l.Check("198.51.100.7", ActionLogin)
	}
	allowed, _ := l.Check("198.51.100.7", ActionLogin)
	require.False(t, allowed)

	allowed, _ = l.Check("198.51.100.8", ActionLogin)
	assert.True(t, allowed)
}

func TestActionsIndependent(t *testing.T) {
	l, _ := newTestLimiter()

	for i := 0; i < 3; i++ {
		l.Check("198.51.100.7", ActionPayment)
	}
	allowed, _ := l.Check("198.51.100.7", ActionPayment)
	require.False(t, allowed)

	allowed, _ = l.Check("198.51.100.7", ActionLogin)
	assert.True(t, allowed)
}

func TestRepeatedDenialsMarkSuspicious(t *testing.T) {
	l, _ := newTestLimiter()

	for i := 0; i < 5; i++ {
		l.Check("198.51.100.7", ActionLogin)
	}
	assert.False(t, l.IsSuspicious("198.51.100.7"))

	// Hammering past the quota escalates to suspicious, never to blocked.
	for i := 0; i < 3; i++ {
		allowed, _ := l.Check("198.51.100.7", ActionLogin)
		require.False(t, allowed)
	}
	assert.True(t, l.IsSuspicious("198.51.100.7"))
	assert.False(t, l.IsBlocked("198.51.100.7"))
}

func TestBlockIsExplicit(t *testing.T) {
	l, _ := newTestLimiter()

	l.BlockIP("198.51.100.7")
	assert.True(t, l.IsBlocked("198.51.100.7"))

	l.UnblockIP("198.51.100.7")
	assert.False(t, l.IsBlocked("198.51.100.7"))
}

func TestCleanupDropsIdleState(t *testing.T) {
	l, now := newTestLimiter()

	for i := 0; i < 8; i++ {
		l.Check("198.51.100.7", ActionLogin)
	}
	require.True(t, l.IsSuspicious("198.51.100.7"))

	*now = now.Add(2 * time.Hour)
	l.Cleanup()
	assert.False(t, l.IsSuspicious("198.51.100.7"))

	// Administrative blocks survive cleanup.
	l.BlockIP("198.51.100.9")
	l.Cleanup()
	assert.True(t, l.IsBlocked("198.51.100.9"))
}

func TestUnknownActionAllowed(t *testing.T) {
	l, _ := newTestLimiter()
	allowed, retryAfter := l.Check("198.51.100.7", "unknown")
	assert.True(t, allowed)
	assert.Zero(t, retryAfter)
}
