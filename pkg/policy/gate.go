// Package policy implements the three policy checkpoints of spec.md §4.7:
// preflight (sender-side), ingress (receiver-side, post-bus pre-dispatch),
// and commit gate (verifier-side, on COMMIT). The policy runtime itself is
// external to the kernel; this package defines the contract every
// checkpoint evaluates against and fails closed on any evaluator error.
package policy

import (
	"fmt"
	"sync"

	"github.com/canswarm/kernel/pkg/kernel"
)

// Evaluator is the external policy runtime contract. A concrete
// implementation (WASM sandbox, rules engine, whatever a deployment
// chooses) satisfies this narrow interface; the gate never inspects how
// a decision was reached.
type Evaluator interface {
	// Evaluate returns an opaque decision digest and whether the envelope
	// is allowed. An error means "runtime unavailable", which is always
	// treated as a denial (fail-closed).
	Evaluate(env *kernel.Envelope, capsuleHash [32]byte) (allowed bool, digest [32]byte, err error)
}

// CommitClaims is the declared resource claim surface a commit-gate
// Evaluator compares against observed telemetry (spec.md §4.7 item 3).
type CommitClaims struct {
	CPUSeconds float64
	MemoryMB   int64
	WallSeconds float64
}

// TelemetryObserver supplies the observed counterpart to CommitClaims.
type TelemetryObserver interface {
	Observe(taskID string) (CommitClaims, error)
}

// CapsuleRegistry tracks which policy_engine_hash values this node
// recognizes. Envelopes bound to an unknown capsule are rejected with
// POLICY_CAPSULE_UNKNOWN (spec.md §4.7).
type CapsuleRegistry struct {
	mu     sync.RWMutex
	known  map[[32]byte]Evaluator
}

func NewCapsuleRegistry() *CapsuleRegistry {
	return &CapsuleRegistry{known: make(map[[32]byte]Evaluator)}
}

// Register binds a policy_engine_hash to the Evaluator that enforces it.
func (r *CapsuleRegistry) Register(hash [32]byte, eval Evaluator) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.known[hash] = eval
}

func (r *CapsuleRegistry) lookup(hash [32]byte) (Evaluator, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.known[hash]
	return e, ok
}

// Gate wraps a CapsuleRegistry with the three checkpoint entry points.
type Gate struct {
	registry *CapsuleRegistry

	preflightMu    sync.Mutex
	preflightCache map[[32]byte]bool // payload_hash -> allowed, spec.md §4.7 item 1
}

func NewGate(registry *CapsuleRegistry) *Gate {
	return &Gate{registry: registry, preflightCache: make(map[[32]byte]bool)}
}

// Preflight performs the cheap sender-side structural check (known verb,
// non-empty signature; the signature itself is not verified here),
// caching the result by payload_hash so a retransmit skips re-evaluation.
func (g *Gate) Preflight(env *kernel.Envelope) error {
	g.preflightMu.Lock()
	defer g.preflightMu.Unlock()

	if allowed, ok := g.preflightCache[env.PayloadHash]; ok {
		if !allowed {
			return kernel.New(kernel.ErrPolicyDenied, "preflight cached denial for payload %x", env.PayloadHash)
		}
		return nil
	}
	if !kernel.Known(env.Kind) {
		g.preflightCache[env.PayloadHash] = false
		return kernel.New(kernel.ErrUnknownVerb, "%s", env.Kind)
	}
	if len(env.Signature) == 0 {
		g.preflightCache[env.PayloadHash] = false
		return kernel.New(kernel.ErrSignatureInvalid, "unsigned envelope")
	}
	g.preflightCache[env.PayloadHash] = true
	return nil
}

// Ingress performs full policy evaluation against the capsule bound to
// env.PolicyEngineHash. The returned digest must be recorded by the
// caller (pkg/audit) so replay can detect policy drift (spec.md §4.7).
func (g *Gate) Ingress(env *kernel.Envelope) (digest [32]byte, err error) {
	eval, ok := g.registry.lookup(env.PolicyEngineHash)
	if !ok {
		return digest, kernel.New(kernel.ErrPolicyCapsuleUnknown, "%x", env.PolicyEngineHash)
	}
	allowed, d, err := eval.Evaluate(env, env.PolicyEngineHash)
	if err != nil {
		return digest, kernel.Wrap(kernel.ErrPolicyDenied, err, "policy runtime error")
	}
	if !allowed {
		return d, kernel.New(kernel.ErrPolicyDenied, "denied by capsule %x", env.PolicyEngineHash)
	}
	return d, nil
}

// CommitGate compares declared claims against observed telemetry for a
// COMMIT envelope, rejecting before ATTEST if any observed value (CPU,
// memory, wall time) exceeds its declared claim. No Evaluator is consulted
// and no tolerance is applied; observed usage at or below the claim passes.
func (g *Gate) CommitGate(taskID string, claims CommitClaims, observer TelemetryObserver) error {
	observed, err := observer.Observe(taskID)
	if err != nil {
		return kernel.Wrap(kernel.ErrPolicyDenied, err, "telemetry unavailable for %s", taskID)
	}
	if observed.CPUSeconds > claims.CPUSeconds || observed.MemoryMB > claims.MemoryMB || observed.WallSeconds > claims.WallSeconds {
		return kernel.New(kernel.ErrPolicyDenied, "observed resource usage exceeds declared claims for %s: %+v > %+v", taskID, observed, claims)
	}
	return nil
}

// String renders CommitClaims for error messages without exposing the
// struct's field order as an implicit contract.
func (c CommitClaims) String() string {
	return fmt.Sprintf("cpu=%.2fs mem=%dMB wall=%.2fs", c.CPUSeconds, c.MemoryMB, c.WallSeconds)
}
