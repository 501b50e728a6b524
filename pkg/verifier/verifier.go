// Package verifier implements the verifier pool and committee selection of
// spec.md §4.12: register/deregister, weighted sampling without
// replacement subject to org/zone/region diversity caps, and reputation
// tracking bound to a stable identity (not an ephemeral keypair) so
// re-registration under a new key starts at baseline reputation.
package verifier

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// Manifest describes a candidate verifier's declared capabilities and
// affiliation, used both for selection eligibility and diversity caps.
type Manifest struct {
	Capabilities []string
	Org          string
	Zone         string // network-autonomy-zone
	Region       string
}

// Candidate is one registered verifier.
type Candidate struct {
	AgentID    string
	Stake      int64
	Manifest   Manifest
	Reputation float64 // bounded [0,1]
	LastActive time.Time
}

// Pool tracks the registered verifier set.
type Pool struct {
	mu    sync.RWMutex
	byID  map[string]*Candidate
}

func NewPool() *Pool {
	return &Pool{byID: make(map[string]*Candidate)}
}

const baselineReputation = 0.5

// Register adds or re-registers agent. Re-registration (same agent_id)
// resets reputation to baseline only if the agent is new — an existing
// agent's reputation survives a manifest/stake update.
func (p *Pool) Register(agentID string, stake int64, manifest Manifest) {
	p.mu.Lock()
	defer p.mu.Unlock()
	c, ok := p.byID[agentID]
	if !ok {
		p.byID[agentID] = &Candidate{
			AgentID:    agentID,
			Stake:      stake,
			Manifest:   manifest,
			Reputation: baselineReputation,
			LastActive: time.Now(),
		}
		return
	}
	c.Stake = stake
	c.Manifest = manifest
}

// Deregister removes agent from the pool.
func (p *Pool) Deregister(agentID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.byID, agentID)
}

// ActiveSet returns every candidate with stake >= minStake.
func (p *Pool) ActiveSet(minStake int64) []Candidate {
	p.mu.RLock()
	defer p.mu.RUnlock()
	var out []Candidate
	for _, c := range p.byID {
		if c.Stake >= minStake {
			out = append(out, *c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AgentID < out[j].AgentID })
	return out
}

// ReputationDeltaUp / Down are spec.md §4.12's per-outcome adjustments.
const (
	ReputationDeltaUp   = 0.02
	ReputationDeltaDown = 0.10
	WeeklyDecayGamma    = 0.05
)

// RecordAttestationOutcome adjusts agent's reputation after an
// attestation's outcome is known, clamped to [0,1].
func (p *Pool) RecordAttestationOutcome(agentID string, slashed bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	c, ok := p.byID[agentID]
	if !ok {
		return
	}
	if slashed {
		c.Reputation -= ReputationDeltaDown
	} else {
		c.Reputation += ReputationDeltaUp
	}
	c.Reputation = clamp01(c.Reputation)
	c.LastActive = time.Now()
}

// DecayInactive subtracts WeeklyDecayGamma for each week (fractional weeks
// included) elapsed since last_active, for every candidate. now is
// injected for determinism.
func (p *Pool) DecayInactive(now time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, c := range p.byID {
		weeks := now.Sub(c.LastActive).Hours() / (24 * 7)
		if weeks <= 0 {
			continue
		}
		c.Reputation = clamp01(c.Reputation - WeeklyDecayGamma*weeks)
	}
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// recencyDecay models recency_decay(last_active): a half-life style decay
// so a verifier idle for a long time contributes less selection weight
// without being forcibly deregistered.
func recencyDecay(lastActive, now time.Time) float64 {
	const halfLife = 14 * 24 * time.Hour
	elapsed := now.Sub(lastActive)
	if elapsed <= 0 {
		return 1
	}
	return math.Exp(-float64(elapsed) / float64(halfLife) * math.Ln2)
}

// weight implements spec.md §4.12: w = sqrt(stake) * reputation * recency_decay.
func weight(c Candidate, now time.Time) float64 {
	if c.Stake <= 0 {
		return 0
	}
	return math.Sqrt(float64(c.Stake)) * c.Reputation * recencyDecay(c.LastActive, now)
}

// Constraints caps committee composition by affiliation (spec.md §4.12).
type Constraints struct {
	OrgCap    float64
	ZoneCap   float64
	RegionCap float64
}

// DefaultConstraints matches spec.md §4.12's defaults (30/40/50%).
func DefaultConstraints() Constraints {
	return Constraints{OrgCap: 0.30, ZoneCap: 0.40, RegionCap: 0.50}
}

// SelectCommittee picks up to k candidates without replacement, greedily in
// descending weight order, subject to Constraints' hard caps (measured
// against k). It does not sample at random: the same inputs always give
// the same committee. Ties are broken by stake, then by a deterministic
// hash of (agent_id, need_id).
func SelectCommittee(candidates []Candidate, k int, needID string, c Constraints, now time.Time) []Candidate {
	if k <= 0 || len(candidates) == 0 {
		return nil
	}
	type scored struct {
		cand Candidate
		w    float64
		tie  uint64
	}
	pool := make([]scored, 0, len(candidates))
	for _, cand := range candidates {
		pool = append(pool, scored{cand: cand, w: weight(cand, now), tie: tieHash(cand.AgentID, needID)})
	}

	orgCount := map[string]int{}
	zoneCount := map[string]int{}
	regionCount := map[string]int{}

	var selected []Candidate
	for len(selected) < k && len(pool) > 0 {
		sort.Slice(pool, func(i, j int) bool {
			if pool[i].w != pool[j].w {
				return pool[i].w > pool[j].w
			}
			if pool[i].cand.Stake != pool[j].cand.Stake {
				return pool[i].cand.Stake > pool[j].cand.Stake
			}
			return pool[i].tie < pool[j].tie
		})

		placed := false
		for i, cand := range pool {
			limit := k // caps apply against the target committee size
			org := cand.cand.Manifest.Org
			zone := cand.cand.Manifest.Zone
			region := cand.cand.Manifest.Region
			if exceedsCap(orgCount[org]+1, limit, c.OrgCap) && org != "" {
				continue
			}
			if exceedsCap(zoneCount[zone]+1, limit, c.ZoneCap) && zone != "" {
				continue
			}
			if exceedsCap(regionCount[region]+1, limit, c.RegionCap) && region != "" {
				continue
			}
			selected = append(selected, cand.cand)
			orgCount[org]++
			zoneCount[zone]++
			regionCount[region]++
			pool = append(pool[:i], pool[i+1:]...)
			placed = true
			break
		}
		if !placed {
			break // remaining candidates would all violate a cap
		}
	}
	return selected
}

// PollCommittee fans out poll against every selected committee member
// concurrently and waits for all to finish, an idiomatic replacement for
// a hand-rolled sync.WaitGroup-and-channel loop: the first member error
// cancels ctx for the rest and is returned to the caller once every
// in-flight poll has unwound.
func PollCommittee(ctx context.Context, committee []Candidate, poll func(ctx context.Context, c Candidate) error) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, c := range committee {
		c := c
		g.Go(func() error { return poll(gctx, c) })
	}
	return g.Wait()
}

func exceedsCap(countIfAdded, target int, cap float64) bool {
	return float64(countIfAdded)/float64(target) > cap
}

// tieHash gives a deterministic ordering for (agent_id, need_id) ties.
func tieHash(agentID, needID string) uint64 {
	h := sha256.Sum256([]byte(fmt.Sprintf("%s|%s", agentID, needID)))
	return binary.BigEndian.Uint64(h[:8])
}
