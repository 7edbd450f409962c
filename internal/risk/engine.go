// Package risk scores payment attempts before any money movement is
// committed. The engine is synchronous, in-memory and deterministic given
// identical inputs and clock.
package risk

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"paycore/internal/common/money"
)

// Recommendation is the action the engine advises for a scored transaction.
type Recommendation string

const (
	Approve             Recommendation = "APPROVE"
	MonitorClosely      Recommendation = "MONITOR_CLOSELY"
	RequireVerification Recommendation = "REQUIRE_VERIFICATION"
	BlockTransaction    Recommendation = "BLOCK_TRANSACTION"
)

// Factor codes reported on an assessment.
const (
	FactorSuspiciousAmount = "suspicious-amount"
	FactorHighValue        = "high-value"
	FactorRapidAttempts    = "rapid-attempts"
	FactorSuspiciousDevice = "suspicious-device"
	FactorNewAccount       = "new-account"
	FactorBlacklistedPayer = "blacklisted-payer"
	FactorOutsideHours     = "outside-business-hours"
	FactorGeoInconsistency = "geo-inconsistency"
)

// Factor is one triggered penalty.
type Factor struct {
	Code    string `json:"code"`
	Penalty int    `json:"penalty"`
}

// Assessment is the scoring result. Score starts at 100 (fully trusted) and
// loses the penalty of every triggered factor, clamped to [0,100].
type Assessment struct {
	Score          int            `json:"score"`
	Factors        []Factor       `json:"factors"`
	Recommendation Recommendation `json:"recommendation"`
}

// Blocked reports whether the transaction must not reach a provider.
func (a Assessment) Blocked() bool {
	return a.Recommendation == BlockTransaction
}

// Input carries the signals for one payment attempt.
type Input struct {
	Amount           money.Money
	PayerPhone       string
	PayerEmail       string
	IPAddress        string
	Fingerprint      string
	AccountCreatedAt *time.Time
}

// GeoChecker scores geolocation/device consistency in [0,100]. Checks run
// under a bounded timeout; failures and timeouts score neutral.
type GeoChecker interface {
	Check(ctx context.Context, ip string) (int, error)
}

// Suspicion exposes the rate limiter's escalation state so repeat abusers
// feed back into scoring.
type Suspicion interface {
	IsSuspicious(key string) bool
}

// Penalty weights.
const (
	penaltySuspiciousAmount = 30
	penaltyHighValue        = 20
	penaltyRapidAttempts    = 40
	penaltySuspiciousDevice = 50
	penaltyNewAccount       = 25
	penaltyBlacklisted      = 60
	penaltyOutsideHours     = 15
	penaltyGeoInconsistency = 25
)

// suspiciousAmounts are known test/round values in minor units.
var suspiciousAmounts = map[int64]struct{}{
	99999:  {},
	100000: {},
	123456: {},
	999999: {},
}

// Config holds risk engine configuration.
type Config struct {
	HighValueThresholdMinor int64         `envconfig:"RISK_HIGH_VALUE_MINOR" default:"500000"`
	MaxAttemptsPerHour      int           `envconfig:"RISK_MAX_ATTEMPTS_PER_HOUR" default:"3"`
	NewAccountAge           time.Duration `envconfig:"RISK_NEW_ACCOUNT_AGE" default:"24h"`
	BusinessHoursStart      int           `envconfig:"RISK_BUSINESS_HOURS_START" default:"8"`
	BusinessHoursEnd        int           `envconfig:"RISK_BUSINESS_HOURS_END" default:"22"`
	GeoTimeout              time.Duration `envconfig:"RISK_GEO_TIMEOUT" default:"500ms"`
	GeoMinScore             int           `envconfig:"RISK_GEO_MIN_SCORE" default:"50"`
	FingerprintMaxAccounts  int           `envconfig:"RISK_FINGERPRINT_MAX_ACCOUNTS" default:"5"`
}

// Engine computes risk assessments.
type Engine struct {
	cfg          Config
	fingerprints FingerprintStore
	blacklist    *Blacklist
	attempts     *AttemptTracker
	suspicion    Suspicion
	geo          GeoChecker
	logger       *slog.Logger
	now          func() time.Time
}

// NewEngine creates a risk engine. geo and suspicion may be nil when the
// corresponding signals are unavailable.
func NewEngine(cfg Config, fingerprints FingerprintStore, blacklist *Blacklist, attempts *AttemptTracker, suspicion Suspicion, geo GeoChecker, logger *slog.Logger) *Engine {
	return &Engine{
		cfg:          cfg,
		fingerprints: fingerprints,
		blacklist:    blacklist,
		attempts:     attempts,
		suspicion:    suspicion,
		geo:          geo,
		logger:       logger,
		now:          func() time.Time { return time.Now().UTC() },
	}
}

// WithClock replaces the time source. Used by tests.
func (e *Engine) WithClock(now func() time.Time) *Engine {
	e.now = now
	if e.attempts != nil {
		e.attempts.now = now
	}
	return e
}

// Assess scores one payment attempt. It records the attempt for the payer so
// velocity is measured across calls.
func (e *Engine) Assess(ctx context.Context, in Input) Assessment {
	now := e.now()
	var factors []Factor
	add := func(code string, penalty int) {
		factors = append(factors, Factor{Code: code, Penalty: penalty})
	}

	if _, ok := suspiciousAmounts[in.Amount.AmountMinor]; ok {
		add(FactorSuspiciousAmount, penaltySuspiciousAmount)
	}
	if in.Amount.AmountMinor > e.cfg.HighValueThresholdMinor {
		add(FactorHighValue, penaltyHighValue)
	}

	if e.attempts != nil && in.PayerPhone != "" {
		count := e.attempts.Record(in.PayerPhone)
		if count > e.cfg.MaxAttemptsPerHour {
			add(FactorRapidAttempts, penaltyRapidAttempts)
		}
	}

	if e.deviceSuspicious(in) {
		add(FactorSuspiciousDevice, penaltySuspiciousDevice)
	}

	if in.AccountCreatedAt != nil && now.Sub(*in.AccountCreatedAt) < e.cfg.NewAccountAge {
		add(FactorNewAccount, penaltyNewAccount)
	}

	if e.blacklist != nil && (e.blacklist.Contains(in.PayerPhone) || e.blacklist.Contains(in.PayerEmail)) {
		add(FactorBlacklistedPayer, penaltyBlacklisted)
	}

	hour := now.Hour()
	if hour < e.cfg.BusinessHoursStart || hour >= e.cfg.BusinessHoursEnd {
		add(FactorOutsideHours, penaltyOutsideHours)
	}

	if geoScore := e.geoScore(ctx, in.IPAddress); geoScore < e.cfg.GeoMinScore {
		add(FactorGeoInconsistency, penaltyGeoInconsistency)
	}

	score := 100
	for _, f := range factors {
		score -= f.Penalty
	}
	if score < 0 {
		score = 0
	}

	assessment := Assessment{
		Score:          score,
		Factors:        factors,
		Recommendation: recommend(score),
	}

	if assessment.Blocked() {
		e.logger.Warn("transaction blocked by risk engine",
			"score", score,
			"payer_phone", in.PayerPhone,
			"ip", in.IPAddress,
			"factors", len(factors),
		)
	}
	return assessment
}

func (e *Engine) deviceSuspicious(in Input) bool {
	if e.fingerprints != nil && in.Fingerprint != "" {
		e.fingerprints.Observe(in.Fingerprint, in.PayerPhone, in.IPAddress)
		if e.fingerprints.IsSuspicious(in.Fingerprint) {
			return true
		}
	}
	if e.suspicion != nil && in.IPAddress != "" && e.suspicion.IsSuspicious(in.IPAddress) {
		return true
	}
	return false
}

// geoScore runs the consistency check under the configured timeout. A
// missing checker, error or timeout scores 100 so the factor stays neutral
// and never blocks the request.
func (e *Engine) geoScore(ctx context.Context, ip string) int {
	if e.geo == nil || ip == "" {
		return 100
	}

	ctx, cancel := context.WithTimeout(ctx, e.cfg.GeoTimeout)
	defer cancel()

	score, err := e.geo.Check(ctx, ip)
	if err != nil {
		e.logger.Debug("geo check unavailable, scoring neutral", "ip", ip, "error", err)
		return 100
	}
	return score
}

func recommend(score int) Recommendation {
	switch {
	case score >= 70:
		return Approve
	case score >= 40:
		if score <= 50 {
			return RequireVerification
		}
		return MonitorClosely
	default:
		return BlockTransaction
	}
}

// Blacklist is the set of blocked payer contacts (phones and emails).
type Blacklist struct {
	mu      sync.RWMutex
	entries map[string]struct{}
}

// NewBlacklist creates a blacklist seeded with the given contacts.
func NewBlacklist(contacts ...string) *Blacklist {
	b := &Blacklist{entries: make(map[string]struct{})}
	for _, c := range contacts {
		b.Add(c)
	}
	return b
}

func (b *Blacklist) Add(contact string) {
	if contact == "" {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.entries[contact] = struct{}{}
}

func (b *Blacklist) Remove(contact string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.entries, contact)
}

func (b *Blacklist) Contains(contact string) bool {
	if contact == "" {
		return false
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	_, ok := b.entries[contact]
	return ok
}

// AttemptTracker counts payment attempts per payer within a sliding window.
type AttemptTracker struct {
	mu       sync.Mutex
	window   time.Duration
	attempts map[string][]time.Time
	now      func() time.Time
}

// NewAttemptTracker creates a tracker with the given window, typically one
// hour.
func NewAttemptTracker(window time.Duration) *AttemptTracker {
	return &AttemptTracker{
		window:   window,
		attempts: make(map[string][]time.Time),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Record registers an attempt for the key and returns the number of attempts
// within the current window, including this one.
func (t *AttemptTracker) Record(key string) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	cutoff := now.Add(-t.window)

	kept := t.attempts[key][:0]
	for _, at := range t.attempts[key] {
		if at.After(cutoff) {
			kept = append(kept, at)
		}
	}
	kept = append(kept, now)
	t.attempts[key] = kept
	return len(kept)
}

// Cleanup drops keys whose attempts have all expired. Run periodically.
func (t *AttemptTracker) Cleanup() {
	t.mu.Lock()
	defer t.mu.Unlock()

	cutoff := t.now().Add(-t.window)
	for key, times := range t.attempts {
		live := false
		for _, at := range times {
			if at.After(cutoff) {
				live = true
				break
			}
		}
		if !live {
			delete(t.attempts, key)
		}
	}
}
