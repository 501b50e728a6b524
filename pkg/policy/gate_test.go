package policy

import (
	"errors"
	"testing"

	"github.com/canswarm/kernel/pkg/kernel"
)

type allowAllEvaluator struct{ digest [32]byte }

func (e allowAllEvaluator) Evaluate(env *kernel.Envelope, capsuleHash [32]byte) (bool, [32]byte, error) {
	return true, e.digest, nil
}

type denyEvaluator struct{}

func (denyEvaluator) Evaluate(env *kernel.Envelope, capsuleHash [32]byte) (bool, [32]byte, error) {
	var d [32]byte
	return false, d, nil
}

type errorEvaluator struct{}

func (errorEvaluator) Evaluate(env *kernel.Envelope, capsuleHash [32]byte) (bool, [32]byte, error) {
	var d [32]byte
	return false, d, errors.New("runtime crashed")
}

func testEnvelope() *kernel.Envelope {
	return &kernel.Envelope{
		ID:        "e1",
		Kind:      kernel.VerbNeed,
		Signature: []byte{1, 2, 3},
	}
}

func TestPreflightCachesByPayloadHash(t *testing.T) {
	g := NewGate(NewCapsuleRegistry())
	env := testEnvelope()
	if err := g.Preflight(env); err != nil {
		t.Fatalf("preflight: %v", err)
	}
	// repeat call should hit cache, still succeed
	if err := g.Preflight(env); err != nil {
		t.Fatalf("cached preflight: %v", err)
	}
}

func TestPreflightRejectsUnsigned(t *testing.T) {
	g := NewGate(NewCapsuleRegistry())
	env := testEnvelope()
	env.Signature = nil
	err := g.Preflight(env)
	kind, ok := kernel.KindOf(err)
	if !ok || kind != kernel.ErrSignatureInvalid {
		t.Fatalf("expected ErrSignatureInvalid, got %v", err)
	}
}

func TestIngressUnknownCapsule(t *testing.T) {
	g := NewGate(NewCapsuleRegistry())
	_, err := g.Ingress(testEnvelope())
	kind, ok := kernel.KindOf(err)
	if !ok || kind != kernel.ErrPolicyCapsuleUnknown {
		t.Fatalf("expected ErrPolicyCapsuleUnknown, got %v", err)
	}
}

func TestIngressDeniedFailsClosed(t *testing.T) {
	reg := NewCapsuleRegistry()
	var hash [32]byte
	hash[0] = 1
	reg.Register(hash, denyEvaluator{})
	g := NewGate(reg)
	env := testEnvelope()
	env.PolicyEngineHash = hash
	_, err := g.Ingress(env)
	kind, ok := kernel.KindOf(err)
	if !ok || kind != kernel.ErrPolicyDenied {
		t.Fatalf("expected ErrPolicyDenied, got %v", err)
	}
}

func TestIngressRuntimeErrorFailsClosed(t *testing.T) {
	reg := NewCapsuleRegistry()
	var hash [32]byte
	hash[0] = 2
	reg.Register(hash, errorEvaluator{})
	g := NewGate(reg)
	env := testEnvelope()
	env.PolicyEngineHash = hash
	_, err := g.Ingress(env)
	kind, ok := kernel.KindOf(err)
	if !ok || kind != kernel.ErrPolicyDenied {
		t.Fatalf("expected ErrPolicyDenied on runtime error, got %v", err)
	}
}

type fakeObserver struct{ claims CommitClaims }

func (f fakeObserver) Observe(taskID string) (CommitClaims, error) { return f.claims, nil }

func TestCommitGateRejectsOverage(t *testing.T) {
	g := NewGate(NewCapsuleRegistry())
	declared := CommitClaims{CPUSeconds: 10, MemoryMB: 512, WallSeconds: 30}
	observed := fakeObserver{claims: CommitClaims{CPUSeconds: 50, MemoryMB: 512, WallSeconds: 30}}
	err := g.CommitGate("t1", declared, observed)
	kind, ok := kernel.KindOf(err)
	if !ok || kind != kernel.ErrPolicyDenied {
		t.Fatalf("expected ErrPolicyDenied on overage, got %v", err)
	}
}

func TestCommitGateAllowsWithinClaims(t *testing.T) {
	g := NewGate(NewCapsuleRegistry())
	declared := CommitClaims{CPUSeconds: 10, MemoryMB: 512, WallSeconds: 30}
	observed := fakeObserver{claims: CommitClaims{CPUSeconds: 9, MemoryMB: 400, WallSeconds: 20}}
	if err := g.CommitGate("t1", declared, observed); err != nil {
		t.Fatalf("unexpected denial: %v", err)
	}
}
