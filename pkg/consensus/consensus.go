// Package consensus implements the bucketed, epoch-fenced try_decide of
// spec.md §4.9: 256 independently sequenced buckets, each keyed by
// need_id, with idempotent retry and epoch fencing. Concurrent calls for
// the same (bucket, need_id) are collapsed by singleflight so a retry
// storm produces one transaction, not N.
package consensus

import (
	"fmt"
	"sync"

	"golang.org/x/sync/singleflight"

	"github.com/canswarm/kernel/pkg/kernel"
)

const numBuckets = 256

// DecideRecord is the committed outcome of a try_decide call.
type DecideRecord struct {
	NeedID     string
	ProposalID string
	Epoch      uint64
	Lamport    uint64
	DeciderID  string
}

// decided is what a bucket stores at /decide/bucket-<b>/<need_id>.
type decided struct {
	record DecideRecord
}

// Outcome is the closed result of try_decide.
type Outcome int

const (
	OutcomeDecided Outcome = iota
	OutcomeConflict
	OutcomeFenced
)

func (o Outcome) String() string {
	switch o {
	case OutcomeDecided:
		return "DECIDED"
	case OutcomeConflict:
		return "CONFLICT"
	case OutcomeFenced:
		return "FENCED"
	default:
		return "UNKNOWN"
	}
}

// EpochSource supplies the bucket's fencing epoch. pkg/partition owns
// epoch advancement; consensus only reads it.
type EpochSource interface {
	CurrentEpoch(bucket int) uint64
}

// bucket is one independent linearizable sequencer.
type bucket struct {
	mu    sync.Mutex
	store map[string]decided // need_id -> decided record
}

// Engine runs try_decide across all 256 buckets.
type Engine struct {
	buckets [numBuckets]*bucket
	epochs  EpochSource
	group   singleflight.Group
}

// New returns an Engine fenced against epochs.
func New(epochs EpochSource) *Engine {
	e := &Engine{epochs: epochs}
	for i := range e.buckets {
		e.buckets[i] = &bucket{store: make(map[string]decided)}
	}
	return e
}

// BucketFor returns H(need_id) mod 256, spec.md §4.9's bucket assignment.
func BucketFor(needID string) int {
	h := uint32(2166136261)
	for i := 0; i < len(needID); i++ {
		h ^= uint32(needID[i])
		h *= 16777619
	}
	return int(h % numBuckets)
}

// TryDecide attempts to commit (proposalID, epoch) as the winner for
// needID. It is idempotent: a retry with the identical (proposal_id,
// epoch) pair observes the existing record and returns OutcomeDecided
// again rather than CONFLICT.
func (e *Engine) TryDecide(needID, proposalID string, epoch, lamport uint64, deciderID string) (DecideRecord, Outcome, error) {
	b := e.buckets[BucketFor(needID)]
	key := fmt.Sprintf("%d:%s", BucketFor(needID), needID)

	v, err, _ := e.group.Do(key, func() (any, error) {
		return e.tryDecideLocked(b, needID, proposalID, epoch, lamport, deciderID)
	})
	res := v.(decideResult)
	return res.record, res.outcome, err
}

type decideResult struct {
	record  DecideRecord
	outcome Outcome
}

func (e *Engine) tryDecideLocked(b *bucket, needID, proposalID string, epoch, lamport uint64, deciderID string) (decideResult, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	bucketIdx := BucketFor(needID)
	current := e.epochs.CurrentEpoch(bucketIdx)
	if epoch < current {
		return decideResult{outcome: OutcomeFenced}, kernel.New(kernel.ErrConsensusFenced, "need %s: epoch %d < current %d", needID, epoch, current)
	}

	existing, ok := b.store[needID]
	if !ok {
		rec := DecideRecord{NeedID: needID, ProposalID: proposalID, Epoch: epoch, Lamport: lamport, DeciderID: deciderID}
		b.store[needID] = decided{record: rec}
		return decideResult{record: rec, outcome: OutcomeDecided}, nil
	}

	if existing.record.ProposalID == proposalID && existing.record.Epoch == epoch {
		return decideResult{record: existing.record, outcome: OutcomeDecided}, nil
	}

	return decideResult{record: existing.record, outcome: OutcomeConflict}, kernel.New(kernel.ErrConsensusConflict, "need %s already decided for proposal %s", needID, existing.record.ProposalID)
}

// Reconcile overwrites a bucket's decision for needID during a partition
// heal, per the tie-break of spec.md §4.15: highest epoch wins, then
// highest Lamport, then decider_id lexicographic. Callers (pkg/partition)
// are responsible for running this tie-break across both sides' records
// before calling Reconcile with the winner.
func (e *Engine) Reconcile(rec DecideRecord) {
	b := e.buckets[BucketFor(rec.NeedID)]
	b.mu.Lock()
	defer b.mu.Unlock()
	b.store[rec.NeedID] = decided{record: rec}
}

// Winner returns the currently decided record for needID, if any.
func (e *Engine) Winner(needID string) (DecideRecord, bool) {
	b := e.buckets[BucketFor(needID)]
	b.mu.Lock()
	defer b.mu.Unlock()
	d, ok := b.store[needID]
	return d.record, ok
}

// ReconcileWinner applies spec.md §4.15's tie-break to two candidate
// records for the same need_id and returns the one that should survive a
// partition heal.
func ReconcileWinner(a, b DecideRecord) DecideRecord {
	if a.Epoch != b.Epoch {
		if a.Epoch > b.Epoch {
			return a
		}
		return b
	}
	if a.Lamport != b.Lamport {
		if a.Lamport > b.Lamport {
			return a
		}
		return b
	}
	if a.DeciderID > b.DeciderID {
		return a
	}
	return b
}
