// Package cas implements the content-addressed artifact store of spec.md
// §4.4: put/get keyed by lowercase hex SHA-256, idempotent puts, no
// mutation or deletion during a thread's life. This is the artifact-handoff
// channel between COMMIT (worker writes) and ATTEST (verifiers read).
package cas

import (
	"crypto/sha256"
	"encoding/hex"
	"sync"
	"time"

	"github.com/canswarm/kernel/pkg/kernel"
)

// Backend is the storage dependency CAS wraps. A production deployment
// backs this with a blob store sharded by the first two hex bytes of the
// hash, per spec.md §6; tests and the reference node use the in-memory
// implementation below.
type Backend interface {
	Put(hash string, data []byte) error
	Get(hash string) ([]byte, bool, error)
}

// MemBackend is an in-memory Backend, analogous to the teacher's reliance
// on an injected KV for pkg/ledger.LedgerStore — CAS depends only on the
// narrow interface, not on a concrete store.
type MemBackend struct {
	mu   sync.RWMutex
	data map[string][]byte
}

func NewMemBackend() *MemBackend { return &MemBackend{data: make(map[string][]byte)} }

func (m *MemBackend) Put(hash string, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.data[hash]; ok {
		return nil // idempotent
	}
	cp := make([]byte, len(data))
	copy(cp, data)
	m.data[hash] = cp
	return nil
}

func (m *MemBackend) Get(hash string) ([]byte, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.data[hash]
	if !ok {
		return nil, false, nil
	}
	cp := make([]byte, len(v))
	copy(cp, v)
	return cp, true, nil
}

// breakerState tracks consecutive backend failures, per spec.md §5: "after
// 3 consecutive failures, open for 60s; all reads then fail fast." Modeled
// directly on the teacher's ConsensusHealthMonitor consecutive-failure /
// cooldown pattern (pkg/consensus/health_monitor.go).
type breakerState struct {
	mu               sync.Mutex
	consecutiveFails int
	openUntil        int64 // unix nanos; 0 == closed
}

// Store is the public CAS API: put/get/exists, wrapped in a circuit
// breaker around the backend.
type Store struct {
	backend Backend
	breaker breakerState
	nowFn   func() int64

	threshold  int
	cooldownNs int64

	pinned sync.Map // hash -> struct{}, optional pinning
}

// Option configures a Store.
type Option func(*Store)

func WithFailureThreshold(n int) Option {
	return func(s *Store) { s.threshold = n }
}

func WithCooldown(ns int64) Option {
	return func(s *Store) { s.cooldownNs = ns }
}

// withClock overrides time source for tests.
func withClock(fn func() int64) Option {
	return func(s *Store) { s.nowFn = fn }
}

func New(backend Backend, opts ...Option) *Store {
	s := &Store{
		backend:    backend,
		threshold:  3,
		cooldownNs: 60_000_000_000, // 60s
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.nowFn == nil {
		s.nowFn = nowNanos
	}
	return s
}

func (s *Store) breakerOpen() bool {
	s.breaker.mu.Lock()
	defer s.breaker.mu.Unlock()
	if s.breaker.openUntil == 0 {
		return false
	}
	if s.nowFn() >= s.breaker.openUntil {
		// cooldown elapsed: half-open, allow a probe through
		s.breaker.openUntil = 0
		s.breaker.consecutiveFails = 0
		return false
	}
	return true
}

func (s *Store) recordResult(err error) {
	s.breaker.mu.Lock()
	defer s.breaker.mu.Unlock()
	if err == nil {
		s.breaker.consecutiveFails = 0
		return
	}
	s.breaker.consecutiveFails++
	if s.breaker.consecutiveFails >= s.threshold {
		s.breaker.openUntil = s.nowFn() + s.cooldownNs
	}
}

// Put writes data and returns its hash. Puts are idempotent: identical
// bytes always resolve to the same hash and a repeat put is a no-op.
func (s *Store) Put(data []byte) (string, error) {
	if s.breakerOpen() {
		return "", kernel.New(kernel.ErrCASBackendUnavailable, "circuit open")
	}
	h := sha256.Sum256(data)
	hash := hex.EncodeToString(h[:])
	err := s.backend.Put(hash, data)
	s.recordResult(err)
	if err != nil {
		return "", kernel.Wrap(kernel.ErrCASBackendUnavailable, err, "put %s", hash)
	}
	return hash, nil
}

// Get retrieves the blob for hash, returning ErrCASMissing if absent.
func (s *Store) Get(hash string) ([]byte, error) {
	if s.breakerOpen() {
		return nil, kernel.New(kernel.ErrCASBackendUnavailable, "circuit open")
	}
	data, ok, err := s.backend.Get(hash)
	s.recordResult(err)
	if err != nil {
		return nil, kernel.Wrap(kernel.ErrCASBackendUnavailable, err, "get %s", hash)
	}
	if !ok {
		return nil, kernel.New(kernel.ErrCASMissing, "%s", hash)
	}
	return data, nil
}

// Exists reports whether hash is present. It goes through Get, so the
// blob is fetched from the backend and then discarded.
func (s *Store) Exists(hash string) (bool, error) {
	_, err := s.Get(hash)
	if err == nil {
		return true, nil
	}
	if kind, ok := kernel.KindOf(err); ok && kind == kernel.ErrCASMissing {
		return false, nil
	}
	return false, err
}

// Pin marks a hash as pinned (protected from any future GC policy a real
// backend might add). The in-memory backend never collects garbage, so
// this is bookkeeping only.
func (s *Store) Pin(hash string) { s.pinned.Store(hash, struct{}{}) }

func (s *Store) IsPinned(hash string) bool {
	_, ok := s.pinned.Load(hash)
	return ok
}

func nowNanos() int64 {
	return time.Now().UnixNano()
}
