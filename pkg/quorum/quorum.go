// Package quorum implements the K-of-N attestation tracker and epoch
// manager of spec.md §4.10. add_attestation fires exactly once per
// quorum event — the call that brings a (need_id, proposal_id) tracker's
// attestor set to size K — so DECIDE is attempted at most once per event.
// Epoch advancement fences consensus, leases, and handlers (spec.md §4.9,
// §4.12, §4.13).
package quorum

import (
	"sync"
)

// trackerKey identifies one independent quorum tracker.
type trackerKey struct {
	needID     string
	proposalID string
}

// tracker holds one (need_id, proposal_id)'s attestor set and target K.
type tracker struct {
	mu        sync.Mutex
	attestors map[string]struct{}
	target    int
	fired     bool
}

// Tracker manages every active (need_id, proposal_id) quorum.
type Tracker struct {
	mu       sync.Mutex
	trackers map[trackerKey]*tracker
}

func NewTracker() *Tracker {
	return &Tracker{trackers: make(map[trackerKey]*tracker)}
}

func (t *Tracker) getOrCreate(needID, proposalID string, k int) *tracker {
	t.mu.Lock()
	defer t.mu.Unlock()
	key := trackerKey{needID, proposalID}
	tr, ok := t.trackers[key]
	if !ok {
		tr = &tracker{attestors: make(map[string]struct{}), target: k}
		t.trackers[key] = tr
	}
	return tr
}

// AddAttestation registers attestorID's vote for (needID, proposalID) with
// quorum target k. It returns true exactly once: the call that brings the
// set size to k. Independent proposals for the same need use separate
// tracker keys and do not interfere with one another.
func (t *Tracker) AddAttestation(needID, proposalID, attestorID string, k int) bool {
	tr := t.getOrCreate(needID, proposalID, k)
	tr.mu.Lock()
	defer tr.mu.Unlock()

	if tr.fired {
		tr.attestors[attestorID] = struct{}{}
		return false
	}
	tr.attestors[attestorID] = struct{}{}
	if len(tr.attestors) >= tr.target {
		tr.fired = true
		return true
	}
	return false
}

// Count returns the current attestor count for (needID, proposalID).
func (t *Tracker) Count(needID, proposalID string) int {
	t.mu.Lock()
	tr, ok := t.trackers[trackerKey{needID, proposalID}]
	t.mu.Unlock()
	if !ok {
		return 0
	}
	tr.mu.Lock()
	defer tr.mu.Unlock()
	return len(tr.attestors)
}

// EpochReason is a closed set of causes advance_epoch records, so audit
// trails and tests don't depend on free-text.
type EpochReason string

const (
	ReasonPartitionHeal   EpochReason = "PARTITION_HEAL"
	ReasonLeaseScavenge   EpochReason = "LEASE_SCAVENGE"
	ReasonOperatorForced  EpochReason = "OPERATOR_FORCED"
	ReasonHeartbeatLapse  EpochReason = "HEARTBEAT_LAPSE"
)

// EpochEvent records one advance_epoch call for audit/debugging.
type EpochEvent struct {
	Epoch  uint64
	Reason EpochReason
}

// EpochManager owns the current epoch integer per bucket (spec.md §4.9,
// §4.10: fencing is evaluated per bucket since each bucket sequences
// independently).
type EpochManager struct {
	mu      sync.Mutex
	current map[int]uint64
	history map[int][]EpochEvent
}

func NewEpochManager() *EpochManager {
	return &EpochManager{current: make(map[int]uint64), history: make(map[int][]EpochEvent)}
}

// CurrentEpoch implements consensus.EpochSource.
func (m *EpochManager) CurrentEpoch(bucket int) uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current[bucket]
}

// AdvanceEpoch produces the next epoch integer for bucket and records why.
func (m *EpochManager) AdvanceEpoch(bucket int, reason EpochReason) uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.current[bucket]++
	next := m.current[bucket]
	m.history[bucket] = append(m.history[bucket], EpochEvent{Epoch: next, Reason: reason})
	return next
}

// ValidateFenceToken reports whether epoch is at or ahead of bucket's
// current epoch — i.e. whether a caller presenting epoch is not stale.
func (m *EpochManager) ValidateFenceToken(bucket int, epoch uint64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return epoch >= m.current[bucket]
}

// History returns the recorded AdvanceEpoch events for bucket, oldest first.
func (m *EpochManager) History(bucket int) []EpochEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]EpochEvent, len(m.history[bucket]))
	copy(out, m.history[bucket])
	return out
}
