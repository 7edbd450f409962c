package risk

import (
	"crypto/sha256"
	"encoding/hex"
	"sync"
)

// ComputeFingerprint derives a device signature from stable request headers.
func ComputeFingerprint(userAgent, acceptLanguage, acceptEncoding string) string {
	h := sha256.Sum256([]byte(userAgent + "|" + acceptLanguage + "|" + acceptEncoding))
	return hex.EncodeToString(h[:])
}

// FingerprintStore tracks which accounts and addresses share a device
// signature. The engine only consumes this interface so tests can substitute
// a deterministic store.
type FingerprintStore interface {
	// Observe records an account/IP sighting for a signature and returns the
	// number of distinct accounts now associated with it.
	Observe(signature, account, ip string) int
	// IsSuspicious reports whether the signature has crossed the shared
	// account threshold.
	IsSuspicious(signature string) bool
}

type fingerprintEntry struct {
	accounts   map[string]struct{}
	ips        map[string]struct{}
	suspicious bool
}

// MemoryFingerprints is the in-process FingerprintStore. A signature turns
// suspicious once more than maxAccounts distinct accounts have used it, and
// the flag is sticky.
type MemoryFingerprints struct {
	mu          sync.Mutex
	entries     map[string]*fingerprintEntry
	maxAccounts int
}

// NewMemoryFingerprints creates a fingerprint store. maxAccounts is the
// number of distinct accounts a device may serve before it is flagged.
func NewMemoryFingerprints(maxAccounts int) *MemoryFingerprints {
	return &MemoryFingerprints{
		entries:     make(map[string]*fingerprintEntry),
		maxAccounts: maxAccounts,
	}
}

func (s *MemoryFingerprints) Observe(signature, account, ip string) int {
	if signature == "" {
		return 0
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.entries[signature]
	if !ok {
		entry = &fingerprintEntry{
			accounts: make(map[string]struct{}),
			ips:      make(map[string]struct{}),
		}
		s.entries[signature] = entry
	}
	if account != "" {
		entry.accounts[account] = struct{}{}
	}
	if ip != "" {
		entry.ips[ip] = struct{}{}
	}
	if len(entry.accounts) > s.maxAccounts {
		entry.suspicious = true
	}
	return len(entry.accounts)
}

func (s *MemoryFingerprints) IsSuspicious(signature string) bool {
	if signature == "" {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.entries[signature]
	return ok && entry.suspicious
}
