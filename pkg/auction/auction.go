// Package auction implements the bid-window auction and worker lease
// mechanics of spec.md §4.13: anti-snipe window extension, winner scoring,
// and lease creation/heartbeat/scavenge tied to the epoch fencing of
// pkg/quorum.
package auction

import (
	"sort"
	"sync"
	"time"

	"github.com/canswarm/kernel/pkg/kernel"
)

// Bid is one proposal submitted inside an open auction window.
type Bid struct {
	BidderID   string
	Cost       int64
	ETA        time.Duration
	Reputation float64
	DomainFit  float64 // 0..1, declared capability match
	ProposalID string
}

// Auction tracks one NEED's open bidding window.
type Auction struct {
	NeedID         string
	Budget         int64
	WindowEnd      time.Time
	AntiSnipeTail  time.Duration
	MaxExtensions  int
	extensionsUsed int
	bids           []Bid
	closed         bool
}

// Manager tracks all open auctions.
type Manager struct {
	mu        sync.Mutex
	auctions  map[string]*Auction
}

func NewManager() *Manager {
	return &Manager{auctions: make(map[string]*Auction)}
}

// Open starts a new auction for needID with the given budget and initial
// bid window, measured from now.
func (m *Manager) Open(needID string, budget int64, bidWindow time.Duration, now time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.auctions[needID] = &Auction{
		NeedID:        needID,
		Budget:        budget,
		WindowEnd:     now.Add(bidWindow),
		AntiSnipeTail: 5 * time.Second,
		MaxExtensions: 3,
	}
}

// AcceptBid registers bid for needID if the window is still open. A bid
// landing inside AntiSnipeTail of the close extends the window by
// AntiSnipeTail, up to MaxExtensions times (spec.md §4.13).
func (m *Manager) AcceptBid(needID string, bid Bid, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.auctions[needID]
	if !ok {
		return kernel.New(kernel.ErrConsensusConflict, "no open auction for need %s", needID)
	}
	if a.closed || now.After(a.WindowEnd) {
		return kernel.New(kernel.ErrConsensusConflict, "auction for need %s is closed", needID)
	}
	remaining := a.WindowEnd.Sub(now)
	if remaining < a.AntiSnipeTail && a.extensionsUsed < a.MaxExtensions {
		a.WindowEnd = a.WindowEnd.Add(a.AntiSnipeTail)
		a.extensionsUsed++
	}
	a.bids = append(a.bids, bid)
	return nil
}

// Score implements spec.md §4.13's f(cost, ETA, reputation, domain-fit):
// lower cost and ETA are better, higher reputation and domain-fit are
// better. Weights are chosen so no single factor dominates; reputation is
// the documented tie-break when scores are otherwise equal.
func Score(b Bid, budget int64) float64 {
	costFit := 1.0
	if budget > 0 {
		costFit = 1 - float64(b.Cost)/float64(budget)
		if costFit < 0 {
			costFit = 0
		}
	}
	etaFit := 1.0 / (1.0 + b.ETA.Seconds()/60.0)
	return 0.4*costFit + 0.2*etaFit + 0.3*b.Reputation + 0.1*b.DomainFit
}

// Close selects the winning bid by Score, with reputation as tie-break,
// and marks the auction closed. now is not consulted: the auction closes
// whenever Close is called, whether or not WindowEnd has passed.
func (m *Manager) Close(needID string, now time.Time) (Bid, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.auctions[needID]
	if !ok {
		return Bid{}, kernel.New(kernel.ErrConsensusConflict, "no auction for need %s", needID)
	}
	if len(a.bids) == 0 {
		return Bid{}, kernel.New(kernel.ErrConsensusConflict, "no bids for need %s", needID)
	}
	a.closed = true

	bids := append([]Bid(nil), a.bids...)
	sort.SliceStable(bids, func(i, j int) bool {
		si, sj := Score(bids[i], a.Budget), Score(bids[j], a.Budget)
		if si != sj {
			return si > sj
		}
		return bids[i].Reputation > bids[j].Reputation
	})
	return bids[0], nil
}

// BackoffDelay computes exponential-with-jitter backoff for a losing
// bidder's next attempt, per spec.md §4.13 ("Losing bidders back off with
// exponential + jitter to prevent herds"). jitterFn returns a value in
// [0,1) so tests can inject determinism.
func BackoffDelay(attempt int, base time.Duration, jitterFn func() float64) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	mult := 1 << uint(attempt)
	if mult > 64 {
		mult = 64 // cap growth so a long losing streak doesn't overflow
	}
	backoff := base * time.Duration(mult)
	jitter := time.Duration(float64(backoff) * jitterFn())
	return backoff + jitter
}

// Lease is a worker's exclusive hold on a claimed task.
type Lease struct {
	TaskID           string
	HolderID         string
	Epoch            uint64
	TTL              time.Duration
	HeartbeatInterval time.Duration
	CreatedAt        time.Time
	LastHeartbeat    time.Time
}

// LeaseManager tracks active leases and scavenges expired ones.
type LeaseManager struct {
	mu     sync.Mutex
	leases map[string]*Lease
}

func NewLeaseManager() *LeaseManager {
	return &LeaseManager{leases: make(map[string]*Lease)}
}

// CreateLease opens a lease for taskID on CLAIM.
func (lm *LeaseManager) CreateLease(taskID, holderID string, epoch uint64, ttl, heartbeatInterval time.Duration, now time.Time) {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	lm.leases[taskID] = &Lease{
		TaskID: taskID, HolderID: holderID, Epoch: epoch,
		TTL: ttl, HeartbeatInterval: heartbeatInterval,
		CreatedAt: now, LastHeartbeat: now,
	}
}

// Heartbeat refreshes a lease's liveness if holderID still owns it.
func (lm *LeaseManager) Heartbeat(taskID, holderID string, now time.Time) error {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	l, ok := lm.leases[taskID]
	if !ok {
		return kernel.New(kernel.ErrLeaseMissing, "no lease for task %s", taskID)
	}
	if l.HolderID != holderID {
		return kernel.New(kernel.ErrLeaseHeldByOther, "task %s held by %s, not %s", taskID, l.HolderID, holderID)
	}
	l.LastHeartbeat = now
	return nil
}

// Release ends a lease cleanly (YIELD) without penalty.
func (lm *LeaseManager) Release(taskID string) {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	delete(lm.leases, taskID)
}

// ScavengeResult describes one lease the scavenger reclaimed.
type ScavengeResult struct {
	TaskID         string
	HolderID       string
	MissedIntervals int
}

// SlashPerMissedHeartbeat is spec.md §4.13's default 1% per missed interval.
const SlashPerMissedHeartbeat = 0.01

// Scavenge runs at least every 10s (spec.md §4.13) and reclaims any lease
// whose holder has missed heartbeatMissGrace consecutive intervals. Each
// reclaimed lease reports how many intervals were missed so the caller can
// apply the proportional stake slash and move STATE back to DRAFT.
func (lm *LeaseManager) Scavenge(now time.Time, heartbeatMissGrace int) []ScavengeResult {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	var out []ScavengeResult
	for taskID, l := range lm.leases {
		if l.HeartbeatInterval <= 0 {
			continue
		}
		missed := int(now.Sub(l.LastHeartbeat) / l.HeartbeatInterval)
		if missed >= heartbeatMissGrace {
			out = append(out, ScavengeResult{TaskID: taskID, HolderID: l.HolderID, MissedIntervals: missed})
			delete(lm.leases, taskID)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TaskID < out[j].TaskID })
	return out
}
