package bus

import (
	"context"
	"crypto/ed25519"
	"io"
	"testing"

	"github.com/canswarm/kernel/pkg/audit"
	"github.com/canswarm/kernel/pkg/kernel"
	"github.com/canswarm/kernel/pkg/policy"
)

type allowAll struct{}

func (allowAll) Evaluate(env *kernel.Envelope, capsuleHash [32]byte) (bool, [32]byte, error) {
	var d [32]byte
	return true, d, nil
}

func testGate() *policy.Gate {
	reg := policy.NewCapsuleRegistry()
	var hash [32]byte
	reg.Register(hash, allowAll{})
	return policy.NewGate(reg)
}

func TestPublishDeliversToMatchingSubscriber(t *testing.T) {
	b := New(testGate())
	delivered := make(chan struct{}, 1)
	b.Subscribe("thread.t1.NEED", func(ctx context.Context, subject string, env *kernel.Envelope) error {
		delivered <- struct{}{}
		return nil
	})
	env := &kernel.Envelope{ID: "e1", ThreadID: "t1", Kind: kernel.VerbNeed}
	if err := b.Publish(context.Background(), Subject("t1", "NEED"), env); err != nil {
		t.Fatalf("publish: %v", err)
	}
	select {
	case <-delivered:
	default:
		t.Fatal("expected handler to be invoked")
	}
}

func TestPublishWildcardSubscriber(t *testing.T) {
	b := New(testGate())
	count := 0
	b.Subscribe("thread.t1.*", func(ctx context.Context, subject string, env *kernel.Envelope) error {
		count++
		return nil
	})
	env := &kernel.Envelope{ID: "e1", ThreadID: "t1", Kind: kernel.VerbNeed}
	_ = b.Publish(context.Background(), Subject("t1", "NEED"), env)
	_ = b.Publish(context.Background(), Subject("t1", "PROPOSE"), env)
	if count != 2 {
		t.Fatalf("expected wildcard to match both subjects, got %d", count)
	}
}

func TestPublishDeniedRedirectsToErrorTopic(t *testing.T) {
	reg := policy.NewCapsuleRegistry() // no capsules registered: every envelope denied
	g := policy.NewGate(reg)
	b := New(g)

	var gotErr bool
	b.Subscribe("thread.t1.error.*", func(ctx context.Context, subject string, env *kernel.Envelope) error {
		gotErr = true
		return nil
	})
	env := &kernel.Envelope{ID: "e1", ThreadID: "t1", Kind: kernel.VerbNeed}
	err := b.Publish(context.Background(), Subject("t1", "NEED"), env)
	if err == nil {
		t.Fatal("expected policy denial error")
	}
	if !gotErr {
		t.Fatal("expected error topic subscriber to receive the denied envelope")
	}
}

func TestPublishAppendsAuditRecord(t *testing.T) {
	dir := t.TempDir()
	_, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	auditLog, err := audit.Open(dir, "t1", priv)
	if err != nil {
		t.Fatalf("open audit log: %v", err)
	}

	b := New(testGate(), WithAuditLog(auditLog))
	b.Subscribe("thread.t1.NEED", func(ctx context.Context, subject string, env *kernel.Envelope) error {
		return nil
	})
	env := &kernel.Envelope{ID: "e1", ThreadID: "t1", Kind: kernel.VerbNeed}
	if err := b.Publish(context.Background(), Subject("t1", "NEED"), env); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if err := auditLog.Close(); err != nil {
		t.Fatalf("close audit log: %v", err)
	}

	r, closeFn, err := audit.OpenReader(dir + "/t1.jsonl")
	if err != nil {
		t.Fatalf("open reader: %v", err)
	}
	defer closeFn()
	rec, err := r.Next()
	if err != nil {
		t.Fatalf("next: %v", err)
	}
	if rec.Kind != audit.EventPublish {
		t.Fatalf("expected BUS.PUBLISH record, got %s", rec.Kind)
	}
	if rec.Subject != Subject("t1", "NEED") {
		t.Fatalf("expected subject %q, got %q", Subject("t1", "NEED"), rec.Subject)
	}
	if _, err := r.Next(); err != io.EOF {
		t.Fatalf("expected exactly one audit record, got err=%v", err)
	}
}

func TestCircuitBreakerOpensOnRepeatedFailures(t *testing.T) {
	now := int64(0)
	b := New(testGate(), withClock(func() int64 { return now }))
	b.Subscribe("thread.t1.NEED", func(ctx context.Context, subject string, env *kernel.Envelope) error {
		return context.DeadlineExceeded
	})
	env := &kernel.Envelope{ID: "e1", ThreadID: "t1", Kind: kernel.VerbNeed}
	for i := 0; i < 3; i++ {
		_ = b.Publish(context.Background(), Subject("t1", "NEED"), env)
	}
	err := b.Publish(context.Background(), Subject("t1", "NEED"), env)
	kind, ok := kernel.KindOf(err)
	if !ok || kind != kernel.ErrBusUnavailable {
		t.Fatalf("expected ErrBusUnavailable after repeated failures, got %v", err)
	}
}
