package dispatch

import (
	"sync"
	"time"

	"github.com/canswarm/kernel/pkg/verifier"
)

// CommitteeCache remembers, for each attestation target (a need/proposal
// pair for ATTEST_PLAN or a task/commit pair for ATTEST), the verifier
// committee selected the first time a vote arrives for it. spec.md §4.12
// selects a committee once per target, not once per vote, so every
// subsequent vote is checked against that same fixed membership instead
// of resampling the active set underneath it.
type CommitteeCache struct {
	mu    sync.Mutex
	byKey map[string]map[string]struct{}
}

func NewCommitteeCache() *CommitteeCache {
	return &CommitteeCache{byKey: make(map[string]map[string]struct{})}
}

// MembersFor returns the committee member set for key, selecting it from
// candidates via verifier.SelectCommittee the first time key is seen and
// returning the cached set on every later call.
func (c *CommitteeCache) MembersFor(key string, candidates []verifier.Candidate, k int, constraints verifier.Constraints, now time.Time) map[string]struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	if set, ok := c.byKey[key]; ok {
		return set
	}
	committee := verifier.SelectCommittee(candidates, k, key, constraints, now)
	set := make(map[string]struct{}, len(committee))
	for _, cand := range committee {
		set[cand.AgentID] = struct{}{}
	}
	c.byKey[key] = set
	return set
}
