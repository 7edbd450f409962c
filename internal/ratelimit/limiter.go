// Package ratelimit bounds the rate of sensitive actions per key and tracks
// repeat offenders for the risk engine.
package ratelimit

import (
	"log/slog"
	"sync"
	"time"
)

// Guarded actions.
const (
	ActionLogin   = "login"
	ActionPayment = "payment"
	ActionAPI     = "api"
)

// Quota is a fixed-window allowance for one action.
type Quota struct {
	Limit  int
	Window time.Duration
}

// DefaultQuotas returns the standard per-IP quotas.
func DefaultQuotas() map[string]Quota {
	return map[string]Quota{
		ActionLogin:   {Limit: 5, Window: 15 * time.Minute},
		ActionPayment: {Limit: 3, Window: time.Hour},
		ActionAPI:     {Limit: 100, Window: time.Minute},
	}
}

// suspicionThreshold is the number of denials after which a key is marked
// suspicious.
const suspicionThreshold = 3

// stateExpiry is how long idle counters are kept before cleanup drops them.
const stateExpiry = time.Hour

type window struct {
	count   int
	started time.Time
}

type keyState struct {
	windows    map[string]*window
	denials    int
	suspicious bool
	lastSeen   time.Time
}

// Limiter enforces per-key quotas. Blocking a key outright is an explicit
// administrative action, never automatic, so shared NAT and carrier IPs are
// not locked out by traffic spikes alone.
type Limiter struct {
	mu      sync.Mutex
	quotas  map[string]Quota
	state   map[string]*keyState
	blocked map[string]struct{}
	logger  *slog.Logger
	now     func() time.Time
}

// New creates a limiter with the given quotas. Nil quotas means defaults.
func New(quotas map[string]Quota, logger *slog.Logger) *Limiter {
	if quotas == nil {
		quotas = DefaultQuotas()
	}
	return &Limiter{
		quotas:  quotas,
		state:   make(map[string]*keyState),
		blocked: make(map[string]struct{}),
		logger:  logger,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// WithClock replaces the time source. Used by tests.
func (l *Limiter) WithClock(now func() time.Time) *Limiter {
	l.now = now
	return l
}

// Check consumes one unit of quota for the key/action pair. When denied,
// retryAfter is the time until the window resets.
func (l *Limiter) Check(key, action string) (bool, time.Duration) {
	quota, ok := l.quotas[action]
	if !ok {
		return true, 0
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	st, ok := l.state[key]
	if !ok {
		st = &keyState{windows: make(map[string]*window)}
		l.state[key] = st
	}
	st.lastSeen = now

	w, ok := st.windows[action]
	if !ok || now.Sub(w.started) >= quota.Window {
		w = &window{started: now}
		st.windows[action] = w
	}

	if w.count >= quota.Limit {
		st.denials++
		if st.denials >= suspicionThreshold && !st.suspicious {
			st.suspicious = true
			l.logger.Warn("key marked suspicious after repeated denials",
				"key", key,
				"action", action,
				"denials", st.denials,
			)
		}
		retryAfter := quota.Window - now.Sub(w.started)
		return false, retryAfter
	}

	w.count++
	return true, 0
}

// IsSuspicious reports whether the key has exhausted quotas repeatedly.
func (l *Limiter) IsSuspicious(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	st, ok := l.state[key]
	return ok && st.suspicious
}

// BlockIP blocks a key outright. Administrative action.
func (l *Limiter) BlockIP(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.blocked[key] = struct{}{}
	l.logger.Info("ip blocked", "key", key)
}

// UnblockIP lifts an administrative block.
func (l *Limiter) UnblockIP(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.blocked, key)
	l.logger.Info("ip unblocked", "key", key)
}

// IsBlocked reports whether the key is administratively blocked.
func (l *Limiter) IsBlocked(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.blocked[key]
	return ok
}

// Cleanup drops state for keys idle longer than the expiry. Suspicion resets
// with the state; administrative blocks survive.
func (l *Limiter) Cleanup() {
	l.mu.Lock()
	defer l.mu.Unlock()

	cutoff := l.now().Add(-stateExpiry)
	for key, st := range l.state {
		if st.lastSeen.Before(cutoff) {
			delete(l.state, key)
		}
	}
}

// RunCleanup runs Cleanup on the interval until stop is closed.
func (l *Limiter) RunCleanup(interval time.Duration, stop <-chan struct{}) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			l.Cleanup()
		case <-stop:
			return
		}
	}
}
