// Package authstate holds the single in-flight authorization attempt
// across the provider redirect round-trip. An attempt is single-use:
// it is consumed by the first successful validation, and expires five
// minutes after creation either way.
package authstate

import (
	"crypto/subtle"
	"encoding/json"
	"log/slog"
	"sync"
	"time"
)

const (
	// attemptKey is the fixed slot key. At most one authorization is
	// in flight per device; a new Begin overwrites the prior attempt.
	attemptKey = "current"

	// TTL is how long an attempt stays valid after creation.
	TTL = 5 * time.Minute
)

// Attempt is one in-flight authorization: the CSRF state echoed
// through the redirect, the PKCE verifier bound to it, and the
// creation time the TTL is measured from.
type Attempt struct {
	State     string    `json:"state"`
	Verifier  string    `json:"verifier"`
	CreatedAt time.Time `json:"created_at"`
}

// Backend is one storage tier for the attempt slot. Tiers are tried
// in order: the first is the primary (typically process memory), the
// rest are backups that survive what the primary does not.
type Backend interface {
	Get(key string) ([]byte, error)
	Set(key string, value []byte) error
	Delete(key string) error
}

// MemoryBackend is the primary, process-scoped tier.
type MemoryBackend struct {
	mu      sync.Mutex
	entries map[string][]byte
}

// NewMemoryBackend creates an empty in-memory tier.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{entries: make(map[string][]byte)}
}

func (m *MemoryBackend) Get(key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	v, ok := m.entries[key]
	if !ok {
		return nil, nil
	}

	return append([]byte(nil), v...), nil
}

func (m *MemoryBackend) Set(key string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[key] = append([]byte(nil), value...)

	return nil
}

func (m *MemoryBackend) Delete(key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, key)

	return nil
}

// AttemptDB is the subset of the state database the durable backup
// tier needs.
type AttemptDB interface {
	GetAttempt(key string) ([]byte, error)
	PutAttempt(key string, data []byte) error
	DeleteAttempt(key string) error
}

// DurableBackend is the backup tier persisted in the state database,
// surviving process restarts mid-flow.
type DurableBackend struct {
	db AttemptDB
}

// NewDurableBackend wraps the state database as a Backend.
func NewDurableBackend(db AttemptDB) *DurableBackend {
	return &DurableBackend{db: db}
}

func (d *DurableBackend) Get(key string) ([]byte, error) { return d.db.GetAttempt(key) }

func (d *DurableBackend) Set(key string, value []byte) error { return d.db.PutAttempt(key, value) }

func (d *DurableBackend) Delete(key string) error { return d.db.DeleteAttempt(key) }

// Store arbitrates the single attempt slot across its tiers.
type Store struct {
	mu     sync.Mutex
	tiers  []Backend
	logger *slog.Logger
	now    func() time.Time
}

// New creates a Store over the given tiers, ordered primary first.
func New(logger *slog.Logger, tiers ...Backend) *Store {
	return &Store{
		tiers:  tiers,
		logger: logger,
		now:    time.Now,
	}
}

// Begin records a fresh attempt in every tier, overwriting any prior
// in-flight attempt. It fails only if no tier accepted the write.
func (s *Store) Begin(state, verifier string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := json.Marshal(Attempt{
		State:     state,
		Verifier:  verifier,
		CreatedAt: s.now(),
	})
	if err != nil {
		return err
	}

	var lastErr error

	stored := 0
	for _, tier := range s.tiers {
		if err := tier.Set(attemptKey, data); err != nil {
			s.logger.Warn("attempt tier write failed", slog.String("error", err.Error()))
			lastErr = err

			continue
		}

		stored++
	}

	if stored == 0 {
		return lastErr
	}

	return nil
}

// Validate consumes the attempt matching state. It returns the bound
// verifier and true exactly once per attempt; absent, mismatched, or
// expired states return false. On success every tier is cleared
// before the verifier is returned, so a second validation of the same
// state always fails regardless of call order.
func (s *Store) Validate(state string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	attempt := s.lookup()
	if attempt == nil {
		return "", false
	}

	if s.now().Sub(attempt.CreatedAt) > TTL {
		// Expired attempts are dead either way; reap them now.
		s.clearTiers()
		return "", false
	}

	if subtle.ConstantTimeCompare([]byte(attempt.State), []byte(state)) != 1 {
		// A mismatched callback must not destroy the stored attempt.
		return "", false
	}

	s.clearTiers()

	return attempt.Verifier, true
}

// Clear removes any in-flight attempt from every tier.
func (s *Store) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clearTiers()
}

// lookup returns the attempt from the first tier holding a parseable
// entry, or nil.
func (s *Store) lookup() *Attempt {
	for _, tier := range s.tiers {
		data, err := tier.Get(attemptKey)
		if err != nil {
			s.logger.Warn("attempt tier read failed", slog.String("error", err.Error()))
			continue
		}

		if data == nil {
			continue
		}

		var attempt Attempt
		if err := json.Unmarshal(data, &attempt); err != nil {
			s.logger.Warn("discarding unparseable attempt entry", slog.String("error", err.Error()))
			continue
		}

		return &attempt
	}

	return nil
}

func (s *Store) clearTiers() {
	for _, tier := range s.tiers {
		if err := tier.Delete(attemptKey); err != nil {
			s.logger.Warn("attempt tier delete failed", slog.String("error", err.Error()))
		}
	}
}
