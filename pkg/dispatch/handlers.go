package dispatch

import (
	"context"
	"encoding/json"
	"math"
	"strconv"
	"time"

	"github.com/canswarm/kernel/pkg/auction"
	"github.com/canswarm/kernel/pkg/consensus"
	"github.com/canswarm/kernel/pkg/kernel"
	"github.com/canswarm/kernel/pkg/plan"
	"github.com/canswarm/kernel/pkg/verifier"
)

// DefaultHandlers returns the closed, exhaustive verb -> Handler table of
// spec.md §4.8, ready to pass to NewDispatcher.
func DefaultHandlers() map[kernel.Verb]Handler {
	return map[kernel.Verb]Handler{
		kernel.VerbNeed:       handleNeed,
		kernel.VerbPropose:    handlePropose,
		kernel.VerbClaim:      handleClaim,
		kernel.VerbHeartbeat:  handleHeartbeat,
		kernel.VerbYield:      handleYield,
		kernel.VerbRelease:    handleRelease,
		kernel.VerbCommit:     handleCommit,
		kernel.VerbAttestPlan: handleAttestPlan,
		kernel.VerbDecide:     handleDecide,
		kernel.VerbAttest:     handleAttest,
		kernel.VerbFinalize:   handleFinalize,
		kernel.VerbChallenge:  handleChallenge,
		kernel.VerbInvalidate: handleInvalidate,
		kernel.VerbReconcile:  handleReconcile,
		kernel.VerbUpdatePlan: handleUpdatePlan,
		kernel.VerbCheckpoint: handleCheckpoint,
	}
}

// handleNeed adds the task to the plan op-log and opens an auction with
// the declared budget and bid window (spec.md §4.8).
func handleNeed(ctx context.Context, env *kernel.Envelope, svc *Services) error {
	var p kernel.NeedPayload
	if err := unmarshalPayload(env, &p); err != nil {
		return err
	}
	op := plan.Op{
		Type:     kernel.OpAddTask,
		Lamport:  env.Lamport,
		ActorID:  string(env.SenderPublicKey),
		TaskID:   p.TaskID,
		TaskType: p.TaskType,
	}
	if err := svc.Plan.AppendOp(op); err != nil {
		return err
	}
	window := p.BidWindow
	if window <= 0 {
		window = defaultDuration(svc, bidWindowDefault)
	}
	svc.Auctions.Open(p.TaskID, p.Budget, window, env.WallTime)
	return nil
}

// handlePropose registers a bid under the auction for its need. A bid
// outside the window is rejected by auction.Manager.AcceptBid itself.
func handlePropose(ctx context.Context, env *kernel.Envelope, svc *Services) error {
	var p kernel.ProposePayload
	if err := unmarshalPayload(env, &p); err != nil {
		return err
	}
	bid := auction.Bid{
		BidderID:   p.ProposerID,
		Cost:       p.Cost,
		ETA:        p.ETA,
		ProposalID: p.ProposalID,
	}
	return svc.Auctions.AcceptBid(p.NeedID, bid, env.WallTime)
}

// handleClaim creates a lease for the winning worker and advances STATE
// to CLAIMED. A second CLAIM for an already-claimed task is rejected
// outright rather than relying on the plan lattice to silently absorb
// it, since a lease must never be created twice for one task.
func handleClaim(ctx context.Context, env *kernel.Envelope, svc *Services) error {
	var p kernel.ClaimPayload
	if err := unmarshalPayload(env, &p); err != nil {
		return err
	}
	if existing, ok := svc.Plan.Task(p.TaskID); ok && existing.State.GE(kernel.StateClaimed) {
		return kernel.New(kernel.ErrLeaseHeldByOther, "task %s already claimed", p.TaskID)
	}

	svc.Leases.CreateLease(p.TaskID, p.HolderID, uint64(p.Epoch),
		defaultDuration(svc, leaseTTL), defaultDuration(svc, heartbeatInterval), env.WallTime)
	return svc.Plan.AppendOp(stateOp(p.TaskID, kernel.StateClaimed, env.Lamport, env.SenderPublicKey))
}

// handleHeartbeat renews lease liveness without mutating plan state.
func handleHeartbeat(ctx context.Context, env *kernel.Envelope, svc *Services) error {
	var p kernel.HeartbeatPayload
	if err := unmarshalPayload(env, &p); err != nil {
		return err
	}
	return svc.Leases.Heartbeat(p.TaskID, p.HolderID, env.WallTime)
}

// handleYield releases the lease and returns STATE to DRAFT without
// penalty: a timely YIELD is never slashed (spec.md §4.13).
func handleYield(ctx context.Context, env *kernel.Envelope, svc *Services) error {
	var p kernel.YieldPayload
	if err := unmarshalPayload(env, &p); err != nil {
		return err
	}
	svc.Leases.Release(p.TaskID)
	return svc.Plan.AppendOp(stateOp(p.TaskID, kernel.StateDraft, env.Lamport, env.SenderPublicKey))
}

// handleRelease returns STATE to DRAFT. When the release reason is a
// scavenge (missed heartbeats), the stake slash has already been applied
// by the lease scavenger loop that observed the missed beats against the
// lease's holder; this handler only performs the plan transition every
// RELEASE causes regardless of reason.
func handleRelease(ctx context.Context, env *kernel.Envelope, svc *Services) error {
	var p kernel.ReleasePayload
	if err := unmarshalPayload(env, &p); err != nil {
		return err
	}
	svc.Leases.Release(p.TaskID)
	return svc.Plan.AppendOp(stateOp(p.TaskID, kernel.StateDraft, env.Lamport, env.SenderPublicKey))
}

// handleCommit validates that the declared artifact exists in CAS, then
// annotates the task with its commit id (spec.md §4.8). The commit-gate
// resource-claim check runs separately against live telemetry
// (pkg/policy.Gate.CommitGate), since an envelope alone carries only the
// claims the worker declared, not what was observed.
func handleCommit(ctx context.Context, env *kernel.Envelope, svc *Services) error {
	var p kernel.CommitPayload
	if err := unmarshalPayload(env, &p); err != nil {
		return err
	}
	if _, err := svc.CAS.Get(p.ArtifactHash); err != nil {
		return err
	}
	return svc.Plan.AppendOp(annotateOp(p.TaskID, "commit_id", p.CommitID, env.Lamport, env.SenderPublicKey))
}

// handleAttestPlan records a verifier's vote toward plan quorum; the
// call that brings the attestor set to K_plan attempts DECIDE in
// consensus (spec.md §4.8, §4.10). Only a selected committee member's
// vote is accepted (spec.md §4.12).
func handleAttestPlan(ctx context.Context, env *kernel.Envelope, svc *Services) error {
	var p kernel.AttestPlanPayload
	if err := unmarshalPayload(env, &p); err != nil {
		return err
	}
	k := computeK(svc)
	key := p.NeedID + "|" + p.ProposalID
	if err := requireCommitteeMember(svc, key, p.VerifierID, k, env.WallTime); err != nil {
		return err
	}
	if !p.Approve {
		return nil
	}
	fired := svc.Quorum.AddAttestation(p.NeedID, p.ProposalID, p.VerifierID, k)
	if !fired {
		return nil
	}
	bucket := consensus.BucketFor(p.NeedID)
	epoch := svc.Epochs.CurrentEpoch(bucket)
	_, _, err := svc.Consensus.TryDecide(p.NeedID, p.ProposalID, epoch, env.Lamport, p.VerifierID)
	if err != nil {
		if kind, ok := kernel.KindOf(err); ok && kind == kernel.ErrConsensusConflict {
			return nil // losing branch, not an error for the caller
		}
		return err
	}
	return nil
}

// handleDecide records a DecideRecord via consensus.try_decide and, on
// success, advances STATE to DECIDED (spec.md §4.8, §4.9).
func handleDecide(ctx context.Context, env *kernel.Envelope, svc *Services) error {
	var p kernel.DecidePayload
	if err := unmarshalPayload(env, &p); err != nil {
		return err
	}
	_, outcome, err := svc.Consensus.TryDecide(p.NeedID, p.ProposalID, uint64(p.Epoch), env.Lamport, p.DeciderID)
	if err != nil {
		return err
	}
	if outcome != consensus.OutcomeDecided {
		return nil
	}
	return svc.Plan.AppendOp(stateOp(p.NeedID, kernel.StateDecided, env.Lamport, env.SenderPublicKey))
}

// handleAttest records a verifier's vote toward result quorum on a
// commit; the call that brings the attestor set to K_result advances
// STATE to VERIFIED. Only a selected committee member's vote is accepted
// (spec.md §4.12). The bounty payout itself waits for the separate
// FINALIZE envelope and its challenge-window gate.
func handleAttest(ctx context.Context, env *kernel.Envelope, svc *Services) error {
	var p kernel.AttestPayload
	if err := unmarshalPayload(env, &p); err != nil {
		return err
	}
	k := computeK(svc)
	key := p.TaskID + "|" + p.CommitID
	if err := requireCommitteeMember(svc, key, p.VerifierID, k, env.WallTime); err != nil {
		return err
	}
	if !p.Approve {
		return nil
	}
	fired := svc.Quorum.AddAttestation(p.TaskID, p.CommitID, p.VerifierID, k)
	if !fired {
		return nil
	}
	return svc.Plan.AppendOp(stateOp(p.TaskID, kernel.StateVerified, env.Lamport, env.SenderPublicKey))
}

// handleFinalize advances STATE to FINAL. Bounty escrow release, gated by
// challenge.PayoutEligible (spec.md §4.14), runs in the caller that holds
// a live clock and the challenge/related-party lookups; this handler
// performs only the plan transition FINALIZE always causes.
func handleFinalize(ctx context.Context, env *kernel.Envelope, svc *Services) error {
	var p kernel.FinalizePayload
	if err := unmarshalPayload(env, &p); err != nil {
		return err
	}
	return svc.Plan.AppendOp(stateOp(p.TaskID, kernel.StateFinal, env.Lamport, env.SenderPublicKey))
}

// handleChallenge annotates the disputed task with its challenge id. Bond
// escrow and adjudication run through pkg/challenge.Manager directly
// against the ledger, driven by the caller once it decodes ProofType and
// EvidenceHash, not through the plan op-log.
func handleChallenge(ctx context.Context, env *kernel.Envelope, svc *Services) error {
	var p kernel.ChallengePayload
	if err := unmarshalPayload(env, &p); err != nil {
		return err
	}
	return svc.Plan.AppendOp(annotateOp(p.TaskID, "challenge_id", p.ChallengeID, env.Lamport, env.SenderPublicKey))
}

// handleInvalidate advances STATE to INVALID, the terminal side state an
// UPHELD challenge drives a task to.
func handleInvalidate(ctx context.Context, env *kernel.Envelope, svc *Services) error {
	var p kernel.InvalidatePayload
	if err := unmarshalPayload(env, &p); err != nil {
		return err
	}
	return svc.Plan.AppendOp(stateOp(p.TaskID, kernel.StateInvalid, env.Lamport, env.SenderPublicKey))
}

// handleReconcile records the conflicts a RECONCILE flow resolved as plan
// annotations (orphaned_by_epoch). The merge itself (pkg/partition) has
// already run by the time this envelope is dispatched; this handler only
// makes the outcome visible in the plan op-log.
func handleReconcile(ctx context.Context, env *kernel.Envelope, svc *Services) error {
	var p kernel.ReconcilePayload
	if err := unmarshalPayload(env, &p); err != nil {
		return err
	}
	for _, needID := range p.OrphanedNeedIDs {
		op := annotateOp(needID, "orphaned_by_epoch", strconv.FormatInt(p.NewEpoch, 10), env.Lamport, env.SenderPublicKey)
		if err := svc.Plan.AppendOp(op); err != nil {
			return err
		}
	}
	return nil
}

// handleUpdatePlan replays a canonical-JSON batch of plan ops produced by
// another node (spec.md §4.5, §4.8). Each op is re-applied through
// AppendOp so the CRDT merge rules run exactly as they do for locally
// produced ops.
func handleUpdatePlan(ctx context.Context, env *kernel.Envelope, svc *Services) error {
	var p kernel.UpdatePlanPayload
	if err := unmarshalPayload(env, &p); err != nil {
		return err
	}
	var ops []plan.Op
	if err := json.Unmarshal(p.Ops, &ops); err != nil {
		return kernel.Wrap(kernel.ErrCanonicalization, err, "unmarshal plan op batch")
	}
	for _, op := range ops {
		if err := svc.Plan.AppendOp(op); err != nil {
			return err
		}
	}
	return nil
}

// handleCheckpoint records an epoch checkpoint's merkle root as a plan
// annotation keyed by the thread, so a later auditor can confirm two
// nodes converged on the same op-log prefix.
func handleCheckpoint(ctx context.Context, env *kernel.Envelope, svc *Services) error {
	var p kernel.CheckpointPayload
	if err := unmarshalPayload(env, &p); err != nil {
		return err
	}
	key := "checkpoint_root_" + strconv.FormatInt(p.Epoch, 10)
	op := annotateOp(env.ThreadID, key, p.MerkleRoot, env.Lamport, env.SenderPublicKey)
	return svc.Plan.AppendOp(op)
}

func stateOp(taskID string, state kernel.TaskState, lamport uint64, actor []byte) plan.Op {
	return plan.Op{
		Type:    kernel.OpState,
		Lamport: lamport,
		ActorID: string(actor),
		TaskID:  taskID,
		State:   state,
	}
}

func annotateOp(taskID, key, value string, lamport uint64, actor []byte) plan.Op {
	return plan.Op{
		Type:    kernel.OpAnnotate,
		Lamport: lamport,
		ActorID: string(actor),
		TaskID:  taskID,
		Key:     key,
		Value:   value,
	}
}

// computeK implements spec.md §4.9's bootstrap-scaled quorum size:
// K = min(K_target, max(1, floor(|active_verifiers| * alpha))), falling
// back to K=1 while the active verifier count sits below
// BootstrapThreshold so a young swarm can still reach quorum at all.
// With no verifier pool wired (handlers exercised directly in unit tests)
// K falls back to the flat K_target, same as before this formula existed.
func computeK(svc *Services) int {
	target, alpha, bootstrapThreshold := 5, 0.3, 10
	if svc.Config != nil {
		if svc.Config.KTarget > 0 {
			target = svc.Config.KTarget
		}
		if svc.Config.KAlpha > 0 {
			alpha = svc.Config.KAlpha
		}
		if svc.Config.BootstrapThreshold > 0 {
			bootstrapThreshold = svc.Config.BootstrapThreshold
		}
	}
	if svc.Verifiers == nil {
		return target
	}
	active := len(svc.Verifiers.ActiveSet(0))
	if active < bootstrapThreshold {
		return 1
	}
	k := int(math.Floor(float64(active) * alpha))
	if k < 1 {
		k = 1
	}
	if k > target {
		k = target
	}
	return k
}

// committeeConstraints reads the diversity caps spec.md §4.12 applies to
// committee selection from svc.Config, falling back to
// verifier.DefaultConstraints when no config is wired.
func committeeConstraints(svc *Services) verifier.Constraints {
	if svc.Config == nil {
		return verifier.DefaultConstraints()
	}
	return verifier.Constraints{
		OrgCap:    svc.Config.CommitteeOrgCap,
		ZoneCap:   svc.Config.CommitteeZoneCap,
		RegionCap: svc.Config.CommitteeRegionCap,
	}
}

// requireCommitteeMember rejects an attestation from an agent that is not
// part of the committee selected for key (spec.md §4.12: quorum may only
// be reached by vetted, capacity-capped membership, not any claimed
// verifier_id). With no verifier pool wired, membership is not enforced —
// the same nil-Config fallback pattern used elsewhere in this file for
// handlers exercised directly in unit tests.
func requireCommitteeMember(svc *Services, key, agentID string, k int, now time.Time) error {
	if svc.Verifiers == nil || svc.Committees == nil {
		return nil
	}
	candidates := svc.Verifiers.ActiveSet(0)
	members := svc.Committees.MembersFor(key, candidates, k, committeeConstraints(svc), now)
	if _, ok := members[agentID]; !ok {
		return kernel.New(kernel.ErrPolicyDenied, "verifier %s is not a selected committee member for %s", agentID, key)
	}
	return nil
}

type durationKind int

const (
	bidWindowDefault durationKind = iota
	leaseTTL
	heartbeatInterval
)

// defaultDuration reads the relevant field from svc.Config, falling back
// to the literal defaults of config.Default() when svc.Config is nil
// (handlers exercised directly in unit tests without a full config tree).
func defaultDuration(svc *Services, kind durationKind) time.Duration {
	if svc.Config != nil {
		switch kind {
		case bidWindowDefault:
			return svc.Config.BidWindowDefault.Duration
		case leaseTTL:
			return svc.Config.LeaseDefaultTTL.Duration
		case heartbeatInterval:
			return svc.Config.HeartbeatInterval.Duration
		}
	}
	switch kind {
	case bidWindowDefault:
		return 30 * time.Second
	case leaseTTL:
		return 30 * time.Second
	case heartbeatInterval:
		return 10 * time.Second
	}
	return 0
}
