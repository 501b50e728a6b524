// Package partition implements the partition detector and reconciler of
// spec.md §4.15: peer heartbeat monitoring, a PARTITION_SUSPECTED flag
// when connectivity drops below threshold, and the on-rejoin RECONCILE
// flow that resolves conflicting DecideRecords by highest_epoch_wins,
// annotating (never deleting) the losing branch.
package partition

import (
	"context"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/canswarm/kernel/pkg/consensus"
	"github.com/canswarm/kernel/pkg/quorum"
)

// DefaultMissedIntervalThreshold is K_miss (spec.md §4.15: 3 x 10s = 30s).
const DefaultMissedIntervalThreshold = 3

// peerState tracks one peer's last-seen heartbeat.
type peerState struct {
	lastSeen time.Time
}

// Detector monitors peer liveness and flags PARTITION_SUSPECTED when the
// connected peer set drops below a configured threshold.
type Detector struct {
	mu                sync.Mutex
	peers             map[string]*peerState
	heartbeatInterval time.Duration
	missThreshold     int
	minConnected      int
	suspected         bool
}

// NewDetector returns a Detector that expects a heartbeat at least every
// heartbeatInterval from each known peer, considering one gone after
// missThreshold consecutive missed intervals, and raising
// PARTITION_SUSPECTED once fewer than minConnected peers remain live.
func NewDetector(heartbeatInterval time.Duration, missThreshold, minConnected int) *Detector {
	return &Detector{
		peers:             make(map[string]*peerState),
		heartbeatInterval: heartbeatInterval,
		missThreshold:     missThreshold,
		minConnected:      minConnected,
	}
}

// Heartbeat records liveness for peerID at now.
func (d *Detector) Heartbeat(peerID string, now time.Time) {
	d.mu.Lock()
	defer d.mu.Unlock()
	p, ok := d.peers[peerID]
	if !ok {
		p = &peerState{}
		d.peers[peerID] = p
	}
	p.lastSeen = now
}

// RegisterPeer adds peerID to the known set with an initial last-seen of
// now, so a peer that never sends a first heartbeat still counts as known
// (and eventually missing) rather than being invisible to the detector.
func (d *Detector) RegisterPeer(peerID string, now time.Time) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.peers[peerID]; !ok {
		d.peers[peerID] = &peerState{lastSeen: now}
	}
}

// ConnectedPeers returns the peers considered live at now.
func (d *Detector) ConnectedPeers(now time.Time) []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	var live []string
	for id, p := range d.peers {
		missed := int(now.Sub(p.lastSeen) / d.heartbeatInterval)
		if missed < d.missThreshold {
			live = append(live, id)
		}
	}
	sort.Strings(live)
	return live
}

// Evaluate recomputes the PARTITION_SUSPECTED flag from the current
// connected peer set and returns whether it is currently raised.
func (d *Detector) Evaluate(now time.Time) bool {
	connected := d.ConnectedPeers(now)
	d.mu.Lock()
	defer d.mu.Unlock()
	d.suspected = len(connected) < d.minConnected
	return d.suspected
}

// Suspected reports the last-computed PARTITION_SUSPECTED state without
// recomputing it.
func (d *Detector) Suspected() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.suspected
}

// Conflict is one need_id with two differing DecideRecords (same or
// different epochs) found during a RECONCILE exchange.
type Conflict struct {
	NeedID       string
	Winner       consensus.DecideRecord
	Orphaned     consensus.DecideRecord
	OrphanedByEpoch uint64
}

// Reconciler runs the RECONCILE flow on peer rejoin.
type Reconciler struct {
	engine *consensus.Engine
	epochs *quorum.EpochManager
}

func NewReconciler(engine *consensus.Engine, epochs *quorum.EpochManager) *Reconciler {
	return &Reconciler{engine: engine, epochs: epochs}
}

// FetchPeerRecords queries every rejoined peer concurrently for its
// DecideRecord set, an idiomatic replacement for a hand-rolled
// sync.WaitGroup-and-channel fan-out: one peer's failure cancels the
// others via ctx and surfaces as the returned error, rather than the
// caller discovering a partial result set only after the fact.
func FetchPeerRecords(ctx context.Context, peerIDs []string, fetch func(ctx context.Context, peerID string) (map[string]consensus.DecideRecord, error)) (map[string]map[string]consensus.DecideRecord, error) {
	g, gctx := errgroup.WithContext(ctx)
	results := make(map[string]map[string]consensus.DecideRecord, len(peerIDs))
	var mu sync.Mutex
	for _, peerID := range peerIDs {
		peerID := peerID
		g.Go(func() error {
			recs, err := fetch(gctx, peerID)
			if err != nil {
				return err
			}
			mu.Lock()
			results[peerID] = recs
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

// Reconcile advances the epoch for bucket (PARTITION_HEAL) and resolves
// every conflicting (local, remote) DecideRecord pair for the same
// need_id using highest_epoch_wins (spec.md §4.15). It returns the
// resolved conflicts so the caller can emit a RECONCILE envelope and
// annotate the losing branch's plan op-log entry with
// orphaned_by_epoch = new epoch — Reconciler never deletes the loser.
func (r *Reconciler) Reconcile(bucket int, pairs map[string][2]consensus.DecideRecord) []Conflict {
	newEpoch := r.epochs.AdvanceEpoch(bucket, quorum.ReasonPartitionHeal)

	needIDs := make([]string, 0, len(pairs))
	for id := range pairs {
		needIDs = append(needIDs, id)
	}
	sort.Strings(needIDs)

	var conflicts []Conflict
	for _, needID := range needIDs {
		pair := pairs[needID]
		local, remote := pair[0], pair[1]
		if local.ProposalID == remote.ProposalID && local.Epoch == remote.Epoch {
			continue // not actually a conflict
		}
		winner := consensus.ReconcileWinner(local, remote)
		loser := remote
		if winner == remote {
			loser = local
		}
		r.engine.Reconcile(winner)
		conflicts = append(conflicts, Conflict{
			NeedID:          needID,
			Winner:          winner,
			Orphaned:        loser,
			OrphanedByEpoch: newEpoch,
		})
	}
	return conflicts
}
