package cas

import (
	"bytes"
	"errors"
	"testing"

	"github.com/canswarm/kernel/pkg/kernel"
)

func TestPutGetIdempotent(t *testing.T) {
	s := New(NewMemBackend())
	h1, err := s.Put([]byte("hello"))
	if err != nil {
		t.Fatalf("put: %v", err)
	}
	h2, err := s.Put([]byte("hello"))
	if err != nil {
		t.Fatalf("put again: %v", err)
	}
	if h1 != h2 {
		t.Fatalf("expected idempotent hash, got %s vs %s", h1, h2)
	}
	data, err := s.Get(h1)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !bytes.Equal(data, []byte("hello")) {
		t.Fatalf("data mismatch: %s", data)
	}
}

func TestGetMissing(t *testing.T) {
	s := New(NewMemBackend())
	_, err := s.Get("deadbeef")
	kind, ok := kernel.KindOf(err)
	if !ok || kind != kernel.ErrCASMissing {
		t.Fatalf("expected ErrCASMissing, got %v", err)
	}
}

type flakyBackend struct{ fails int }

func (f *flakyBackend) Put(hash string, data []byte) error {
	f.fails++
	return errors.New("boom")
}
func (f *flakyBackend) Get(hash string) ([]byte, bool, error) { return nil, false, errors.New("boom") }

func TestCircuitBreakerOpensAfterThreshold(t *testing.T) {
	now := int64(0)
	fb := &flakyBackend{}
	s := New(fb, WithFailureThreshold(3), WithCooldown(1000), withClock(func() int64 { return now }))

	for i := 0; i < 3; i++ {
		if _, err := s.Put([]byte("x")); err == nil {
			t.Fatal("expected failure")
		}
	}
	// breaker should now be open: next call fails fast without hitting backend
	before := fb.fails
	_, err := s.Put([]byte("x"))
	if err == nil {
		t.Fatal("expected circuit-open error")
	}
	kind, ok := kernel.KindOf(err)
	if !ok || kind != kernel.ErrCASBackendUnavailable {
		t.Fatalf("expected ErrCASBackendUnavailable, got %v", err)
	}
	if fb.fails != before {
		t.Fatalf("expected backend not to be called while circuit open, calls went from %d to %d", before, fb.fails)
	}

	// advance past cooldown: breaker half-opens and probes the backend again
	now += 2000
	_, _ = s.Put([]byte("x"))
	if fb.fails == before {
		t.Fatal("expected backend to be probed again after cooldown")
	}
}
