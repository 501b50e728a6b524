// Package bus implements the transport contract of spec.md §4.6: topic
// publish/subscribe over subjects shaped thread.<thread_id>.<verb_or_source>,
// at-least-once delivery, and a mandatory ingress policy check before any
// handler sees an envelope. Concurrent outbound publishes are bounded by a
// semaphore so a slow backend cannot let unbounded goroutines pile up
// (spec.md §5: "Connection pool for the bus").
package bus

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/canswarm/kernel/pkg/audit"
	"github.com/canswarm/kernel/pkg/kernel"
	"github.com/canswarm/kernel/pkg/policy"
)

// Handler processes one delivered envelope. Handlers must be idempotent
// under replay (spec.md §4.6, §7): the bus guarantees at-least-once, never
// exactly-once, delivery.
type Handler func(ctx context.Context, subject string, env *kernel.Envelope) error

// breakerState mirrors the teacher's consecutive-failure / cooldown
// pattern (pkg/consensus/health_monitor.go), applied here to publish
// failures rather than peer health.
type breakerState struct {
	mu               sync.Mutex
	consecutiveFails int
	openUntil        int64
	nowFn            func() int64
	threshold        int
	cooldownNs       int64
}

func (b *breakerState) open() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.openUntil == 0 {
		return false
	}
	if b.nowFn() >= b.openUntil {
		b.openUntil = 0
		b.consecutiveFails = 0
		return false
	}
	return true
}

func (b *breakerState) record(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err == nil {
		b.consecutiveFails = 0
		return
	}
	b.consecutiveFails++
	if b.consecutiveFails >= b.threshold {
		b.openUntil = b.nowFn() + b.cooldownNs
	}
}

// subscription holds one subject pattern's registered handler.
type subscription struct {
	pattern string
	handler Handler
}

// Bus is an in-process pub/sub implementation of the transport contract.
// A networked deployment replaces this with a real broker client behind
// the same Publish/Subscribe surface; dispatch and policy code are
// unaffected either way.
type Bus struct {
	gate *policy.Gate

	mu   sync.RWMutex
	subs []subscription

	sem     chan struct{} // bounds concurrent outbound publishes
	breaker breakerState

	errorTopicFn func(threadID, origKind string) string

	auditLog *audit.Log
}

// Option configures a Bus.
type Option func(*Bus)

// WithPoolSize bounds the number of concurrent outbound publishes. Default
// is 10, per spec.md §6's bus_pool_size default.
func WithPoolSize(n int) Option {
	return func(b *Bus) { b.sem = make(chan struct{}, n) }
}

func withClock(fn func() int64) Option {
	return func(b *Bus) { b.breaker.nowFn = fn }
}

// WithAuditLog wires a signed audit log that Publish appends a
// BUS.PUBLISH record to for every envelope that clears ingress policy
// (spec.md §4.3), the sender-side half of the replay oracle.
func WithAuditLog(log *audit.Log) Option {
	return func(b *Bus) { b.auditLog = log }
}

// New returns a Bus that runs every delivered envelope through gate's
// Ingress checkpoint before invoking a matching handler.
func New(gate *policy.Gate, opts ...Option) *Bus {
	b := &Bus{
		gate: gate,
		sem:  make(chan struct{}, 10),
	}
	b.breaker = breakerState{threshold: 3, cooldownNs: 60_000_000_000}
	for _, opt := range opts {
		opt(b)
	}
	if b.breaker.nowFn == nil {
		b.breaker.nowFn = func() int64 { return time.Now().UnixNano() }
	}
	return b
}

// Subject builds the canonical thread.<thread_id>.<verb_or_source> subject.
func Subject(threadID, verbOrSource string) string {
	return fmt.Sprintf("thread.%s.%s", threadID, verbOrSource)
}

// ErrorSubject builds the sender-addressable error topic a rejected
// envelope is redirected to: thread.<thread_id>.error.<original_kind>.
func ErrorSubject(threadID string, originalKind kernel.Verb) string {
	return fmt.Sprintf("thread.%s.error.%s", threadID, originalKind)
}

// Subscribe registers handler for every subject matching pattern. Patterns
// are matched literally or with a trailing ".*" that matches any remaining
// suffix, one or more segments, e.g. "thread.t1.*".
func (b *Bus) Subscribe(pattern string, handler Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs = append(b.subs, subscription{pattern: pattern, handler: handler})
}

// Publish runs the ingress policy gate, then at-least-once delivers env to
// every matching subscriber. A gate denial never reaches a handler; it is
// instead redirected to the sender-addressable error topic and returned to
// the caller as BUS_UNAVAILABLE's sibling, POLICY_DENIED (the specific
// KernelError from Ingress).
func (b *Bus) Publish(ctx context.Context, subject string, env *kernel.Envelope) error {
	if b.breaker.open() {
		return kernel.New(kernel.ErrBusUnavailable, "circuit open")
	}

	select {
	case b.sem <- struct{}{}:
	case <-ctx.Done():
		return kernel.Wrap(kernel.ErrBusUnavailable, ctx.Err(), "publish %s", subject)
	}
	defer func() { <-b.sem }()

	digest, err := b.gate.Ingress(env)
	if err != nil {
		b.breaker.record(nil) // a policy denial is not a transport failure
		errSubject := ErrorSubject(env.ThreadID, env.Kind)
		b.deliverToMatching(ctx, errSubject, env)
		return err
	}

	if b.auditLog != nil {
		if err := b.auditLog.Append(audit.EventPublish, subject, env, digest); err != nil {
			return fmt.Errorf("audit publish record for %s: %w", subject, err)
		}
	}

	matched := b.matchingHandlers(subject)
	if len(matched) == 0 {
		b.breaker.record(nil)
		return nil
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, h := range matched {
		h := h
		g.Go(func() error { return h(gctx, subject, env) })
	}
	err = g.Wait()
	b.breaker.record(err)
	if err != nil {
		return kernel.Wrap(kernel.ErrBusUnavailable, err, "deliver %s", subject)
	}
	return nil
}

func (b *Bus) deliverToMatching(ctx context.Context, subject string, env *kernel.Envelope) {
	for _, h := range b.matchingHandlers(subject) {
		_ = h(ctx, subject, env)
	}
}

func (b *Bus) matchingHandlers(subject string) []Handler {
	b.mu.RLock()
	defer b.mu.RUnlock()
	var out []Handler
	for _, s := range b.subs {
		if matches(s.pattern, subject) {
			out = append(out, s.handler)
		}
	}
	return out
}

// matches supports exact match or a trailing ".*" prefix wildcard.
func matches(pattern, subject string) bool {
	if pattern == subject {
		return true
	}
	const wildcard = ".*"
	if len(pattern) > len(wildcard) && pattern[len(pattern)-len(wildcard):] == wildcard {
		prefix := pattern[:len(pattern)-1] // keep trailing dot
		return len(subject) >= len(prefix) && subject[:len(prefix)] == prefix
	}
	return false
}
