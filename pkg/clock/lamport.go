// Package clock implements the process-wide Lamport logical clock described
// in spec.md §4.2: tick()/observe() with asynchronous batched persistence
// that flushes every N ticks, every second, or on observe, whichever comes
// first, and a synchronous flush on graceful shutdown.
package clock

import (
	"sync"
	"time"
)

// Persister is the narrow durability dependency the clock needs. It mirrors
// the teacher's KV interface (pkg/ledger.KV): a single Save call, no
// transactions, because the clock owns exactly one value.
type Persister interface {
	SaveLamport(value uint64) error
	LoadLamport() (uint64, error)
}

const (
	defaultBatchSize   = 100
	defaultFlushPeriod = time.Second
)

// Clock is a process-wide monotone logical clock. It is safe for concurrent
// use from every goroutine in the process (spec.md §9: "process-wide
// singletons with defined init ... and teardown").
type Clock struct {
	mu          sync.Mutex
	value       uint64
	unsaved     int
	batchSize   int
	persister   Persister
	lastFlush   time.Time
	flushPeriod time.Duration
	closed      bool
}

// Option configures a Clock at construction.
type Option func(*Clock)

// WithBatchSize overrides the default flush-every-N-ticks threshold.
func WithBatchSize(n int) Option {
	return func(c *Clock) {
		if n > 0 {
			c.batchSize = n
		}
	}
}

// WithFlushPeriod overrides the default flush-every-duration threshold.
func WithFlushPeriod(d time.Duration) Option {
	return func(c *Clock) {
		if d > 0 {
			c.flushPeriod = d
		}
	}
}

// New recovers a Clock from persistence. Per spec.md §4.2, the recovered
// value is the last persisted value plus a safety skip to cover any
// in-flight Lamport the node may have advertised before crashing: ceil to
// the next multiple of the batch size.
func New(p Persister, opts ...Option) (*Clock, error) {
	c := &Clock{
		persister:   p,
		batchSize:   defaultBatchSize,
		flushPeriod: defaultFlushPeriod,
		lastFlush:   time.Now(),
	}
	for _, opt := range opts {
		opt(c)
	}

	last, err := p.LoadLamport()
	if err != nil {
		return nil, err
	}
	c.value = ceilToMultiple(last, uint64(c.batchSize))
	// The recovery skip itself must be durable before we start ticking,
	// otherwise a second crash before the next batch flush would recover
	// to the same (already-used) value again.
	if c.value != last {
		if err := p.SaveLamport(c.value); err != nil {
			return nil, err
		}
	}
	return c, nil
}

func ceilToMultiple(v, m uint64) uint64 {
	if m == 0 {
		return v
	}
	if v%m == 0 {
		return v
	}
	return (v/m + 1) * m
}

// Tick advances the clock by one and returns the new value. Persistence is
// flushed when `unsaved` ticks have accumulated or the flush period has
// elapsed, whichever comes first; the check is cheap so it runs inline
// rather than on a background ticker, keeping Tick's only failure mode the
// (rare) flush I/O error, which is swallowed here the same way the
// teacher's lease heartbeat path treats persistence as best-effort between
// explicit checkpoints — callers that need a durability guarantee call
// Flush directly.
func (c *Clock) Tick() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.value++
	c.unsaved++
	c.maybeFlushLocked()
	return c.value
}

// Observe advances the clock to max(local, m)+1, the Lamport receive rule,
// and always triggers a flush attempt (spec.md §4.2: "whichever comes
// first" includes "on observe").
func (c *Clock) Observe(m uint64) uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	if m > c.value {
		c.value = m
	}
	c.value++
	c.unsaved++
	_ = c.flushLocked()
	return c.value
}

func (c *Clock) maybeFlushLocked() {
	if c.unsaved >= c.batchSize || time.Since(c.lastFlush) >= c.flushPeriod {
		_ = c.flushLocked()
	}
}

func (c *Clock) flushLocked() error {
	if err := c.persister.SaveLamport(c.value); err != nil {
		return err
	}
	c.unsaved = 0
	c.lastFlush = time.Now()
	return nil
}

// Flush forces a synchronous persist regardless of batching thresholds.
func (c *Clock) Flush() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.flushLocked()
}

// Value returns the current value without advancing the clock.
func (c *Clock) Value() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.value
}

// Close flushes synchronously and marks the clock closed. Per spec.md
// §4.2, graceful shutdown always writes synchronously.
func (c *Clock) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	return c.flushLocked()
}
