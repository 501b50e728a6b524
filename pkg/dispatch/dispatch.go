// Package dispatch is the single entry point from the bus into business
// logic (spec.md §4.8). Registration is a closed static verb table built
// at construction time from kernel.Verbs, so an unregistered verb is a
// construction-time panic rather than a silent runtime gap. Every handler
// is wrapped by a mandatory enforcement decorator that re-runs ingress
// policy validation — there is no handler path reachable without it.
package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/canswarm/kernel/pkg/audit"
	"github.com/canswarm/kernel/pkg/auction"
	"github.com/canswarm/kernel/pkg/cas"
	"github.com/canswarm/kernel/pkg/challenge"
	"github.com/canswarm/kernel/pkg/config"
	"github.com/canswarm/kernel/pkg/consensus"
	"github.com/canswarm/kernel/pkg/kernel"
	"github.com/canswarm/kernel/pkg/ledger"
	"github.com/canswarm/kernel/pkg/plan"
	"github.com/canswarm/kernel/pkg/policy"
	"github.com/canswarm/kernel/pkg/quorum"
	"github.com/canswarm/kernel/pkg/verifier"
)

// Services is the explicit service-locator struct spec.md §9 asks for in
// place of ad-hoc globals: every handler receives component handles
// through this struct rather than reaching for package-level state.
type Services struct {
	Plan       *plan.Log
	Auctions   *auction.Manager
	Leases     *auction.LeaseManager
	Consensus  *consensus.Engine
	Quorum     *quorum.Tracker
	Epochs     *quorum.EpochManager
	Ledger     *ledger.Store
	CAS        *cas.Store
	Gate       *policy.Gate
	Challenges *challenge.Manager
	Config     *config.Config
	Verifiers  *verifier.Pool
	Committees *CommitteeCache
}

// Handler processes one verb's envelope using the shared Services.
type Handler func(ctx context.Context, env *kernel.Envelope, svc *Services) error

// Dispatcher routes envelopes to their verb's Handler, enforcing ingress
// policy on every call and deduping retried envelope ids. The dedup set
// is a bounded recently-seen ring buffer keyed by envelope id (spec.md
// §5, §7: "dedup key = envelope id") so a retried envelope short-circuits
// to the cached result instead of re-running a handler.
type Dispatcher struct {
	gate     *policy.Gate
	svc      *Services
	handlers map[kernel.Verb]Handler

	mu       sync.Mutex
	order    []string        // envelope ids, oldest first
	results  map[string]error
	ringSize int

	auditLog *audit.Log
}

// DispatcherOption configures optional Dispatcher behavior.
type DispatcherOption func(*Dispatcher)

// WithAuditLog wires a signed audit log that Dispatch appends a
// BUS.DELIVER record to for every envelope that clears its own ingress
// policy re-check (spec.md §4.3), the receiver-side half of the replay
// oracle.
func WithAuditLog(log *audit.Log) DispatcherOption {
	return func(d *Dispatcher) { d.auditLog = log }
}

// NewDispatcher builds a Dispatcher with every verb in kernel.Verbs
// registered. A verb present in kernel.Verbs but missing from handlers
// panics immediately — registration is closed and exhaustive.
func NewDispatcher(gate *policy.Gate, svc *Services, handlers map[kernel.Verb]Handler, ringSize int, opts ...DispatcherOption) *Dispatcher {
	for _, v := range kernel.Verbs {
		if _, ok := handlers[v]; !ok {
			panic("dispatch: no handler registered for verb " + string(v))
		}
	}
	if ringSize <= 0 {
		ringSize = 4096
	}
	d := &Dispatcher{
		gate:     gate,
		svc:      svc,
		handlers: handlers,
		ringSize: ringSize,
		results:  make(map[string]error),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// dispatchSubject mirrors pkg/bus.Subject's "thread.<thread_id>.<kind>"
// format for audit records. Dispatch is invoked by the bus, not the other
// way around, so this is a local copy rather than an import of pkg/bus.
func dispatchSubject(env *kernel.Envelope) string {
	return fmt.Sprintf("thread.%s.%s", env.ThreadID, env.Kind)
}

// Dispatch is the bus-facing entry point. It re-runs ingress policy
// validation (the mandatory enforcement decorator), checks the dedup
// ring, and invokes the verb's handler at most once per distinct
// envelope id.
func (d *Dispatcher) Dispatch(ctx context.Context, env *kernel.Envelope) error {
	if !kernel.Known(env.Kind) {
		return kernel.New(kernel.ErrUnknownVerb, "%s", env.Kind)
	}
	digest, err := d.gate.Ingress(env)
	if err != nil {
		return err
	}

	if d.auditLog != nil {
		if err := d.auditLog.Append(audit.EventDeliver, dispatchSubject(env), env, digest); err != nil {
			return fmt.Errorf("audit deliver record for %s: %w", dispatchSubject(env), err)
		}
	}

	if cached, ok := d.lookupDedup(env.ID); ok {
		return cached
	}

	h := d.handlers[env.Kind]
	err = h(ctx, env, d.svc)
	d.recordDedup(env.ID, err)
	return err
}

func (d *Dispatcher) lookupDedup(envelopeID string) (error, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	result, ok := d.results[envelopeID]
	return result, ok
}

func (d *Dispatcher) recordDedup(envelopeID string, result error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, exists := d.results[envelopeID]; exists {
		return
	}
	if len(d.order) >= d.ringSize {
		oldest := d.order[0]
		d.order = d.order[1:]
		delete(d.results, oldest)
	}
	d.order = append(d.order, envelopeID)
	d.results[envelopeID] = result
}

// unmarshalPayload decodes env.Payload (canonical JSON) into dst.
func unmarshalPayload(env *kernel.Envelope, dst any) error {
	if err := json.Unmarshal(env.Payload, dst); err != nil {
		return kernel.Wrap(kernel.ErrCanonicalization, err, "unmarshal %s payload", env.Kind)
	}
	return nil
}
