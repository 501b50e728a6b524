// Package challenge implements the typed-proof challenge and adjudication
// subsystem of spec.md §4.14: bonded CHALLENGE submission, deterministic
// verifier evaluation, and exact integer payout splits on UPHELD/
// REJECTED/WITHDRAWN outcomes. Honest-verifier-claim payouts are gated on
// the attestation log — an unverified claim is rejected outright.
package challenge

import (
	"sync"
	"time"

	"github.com/canswarm/kernel/pkg/kernel"
	"github.com/canswarm/kernel/pkg/ledger"
)

// BurnAccount receives amounts spec.md §4.14 calls "burned". A real
// deployment never pays this account out; it exists so burn participates
// in the same double-entry ledger as every other transfer.
const BurnAccount = "SYSTEM.BURN"

// SystemAccount receives amounts routed to "the system" on REJECTED.
const SystemAccount = "SYSTEM.TREASURY"

// DefaultChallengeWindow is T_challenge (spec.md §4.14 default 24h).
const DefaultChallengeWindow = 24 * time.Hour

// BondSeverity maps a proof type to its base bond amount; actual bond is
// base * complexityMultiplier, where the multiplier is one of {1,2,5}.
var BondSeverity = map[kernel.ProofType]int64{
	kernel.ProofSchemaViolation:       10,
	kernel.ProofMissingCitation:       25,
	kernel.ProofSemanticContradiction: 50,
	kernel.ProofOutputMismatch:        100,
	kernel.ProofPolicyBreach:          100,
}

// BondAmount computes the bond a CHALLENGE submission must escrow.
func BondAmount(proofType kernel.ProofType, complexityMultiplier int64) (int64, error) {
	base, ok := BondSeverity[proofType]
	if !ok {
		return 0, kernel.New(kernel.ErrBondRequired, "unknown proof type %q", proofType)
	}
	if complexityMultiplier != 1 && complexityMultiplier != 2 && complexityMultiplier != 5 {
		return 0, kernel.New(kernel.ErrBondRequired, "complexity multiplier must be 1, 2, or 5, got %d", complexityMultiplier)
	}
	return base * complexityMultiplier, nil
}

// Challenge is one in-flight or resolved challenge.
type Challenge struct {
	ID           string
	TaskID       string
	CommitID     string
	ChallengerID string
	ProofType    kernel.ProofType
	EvidenceHash [32]byte
	BondAmount   int64
	EscrowID     string
	State        kernel.ChallengeState
	SubmittedAt  time.Time
}

// AttestationRecord is one verifier's attestation on a (task, commit) pair.
type AttestationRecord struct {
	VerifierID string
	Against    bool // true if the verifier attested against the COMMIT
}

// AttestationLookup is the read-only view into the attestation log an
// adjudication needs to verify honest-verifier claims.
type AttestationLookup interface {
	AttestationsFor(taskID, commitID string) []AttestationRecord
}

// Manager tracks in-flight challenges.
type Manager struct {
	mu         sync.Mutex
	challenges map[string]*Challenge
}

func NewManager() *Manager {
	return &Manager{challenges: make(map[string]*Challenge)}
}

// Submit escrows the bond and records a new PENDING challenge. Within
// DefaultChallengeWindow of COMMIT is the caller's responsibility to
// enforce (the manager does not track COMMIT timestamps itself).
func (m *Manager) Submit(ch Challenge, ledgerStore *ledger.Store) error {
	if err := ledgerStore.Escrow(ch.ChallengerID, ch.BondAmount, ch.EscrowID); err != nil {
		return err
	}
	ch.State = kernel.ChallengePending
	m.mu.Lock()
	m.challenges[ch.ID] = &ch
	m.mu.Unlock()
	return nil
}

// Get returns the challenge for id.
func (m *Manager) Get(id string) (Challenge, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.challenges[id]
	if !ok {
		return Challenge{}, false
	}
	return *c, true
}

// UpheldResult is the outcome of settling an UPHELD challenge.
type UpheldResult struct {
	Split        ledger.Split
	ChallengerReward int64
	NextKResult  int
}

// RewardFractionOfSlashed is spec.md §4.14's 20% proportional reward to
// the challenger on top of their returned bond.
const RewardFractionOfSlashed = 0.20

// SettleUpheld applies spec.md §4.14's UPHELD outcome: every attesting
// verifier who passed the bad COMMIT is slashed slashPct of their stake;
// the slashed total is split 50/40/10 (challenger/honest/burn); the
// challenger's bond is released back to them plus a 20%-of-slashed reward;
// honestVerifierClaims not present in attestationLog for (taskID,
// commitID) are rejected and excluded from the honest-share payout.
func (m *Manager) SettleUpheld(
	ch *Challenge,
	attestingVerifiers map[string]int64, // verifier id -> stake at time of slash
	slashPct float64,
	honestVerifierClaims []string,
	attestationLog AttestationLookup,
	ledgerStore *ledger.Store,
	currentKResult int,
) (UpheldResult, error) {
	if ch.State != kernel.ChallengePending {
		return UpheldResult{}, kernel.New(kernel.ErrConsensusConflict, "challenge %s already settled", ch.ID)
	}

	var totalSlashed int64
	for verifierID, stake := range attestingVerifiers {
		amount := int64(float64(stake) * slashPct)
		if err := ledgerStore.Slash(verifierID, amount, "challenge upheld: "+ch.ID, ch.EvidenceHash); err != nil {
			return UpheldResult{}, err
		}
		totalSlashed += amount
	}

	split := ledger.SplitAmount(totalSlashed, 50, 40)

	verified := verifyHonestClaims(ch.TaskID, ch.CommitID, honestVerifierClaims, attestationLog)
	if len(verified) > 0 && split.HonestShare > 0 {
		perVerifier := split.HonestShare / int64(len(verified))
		for _, v := range verified {
			if err := ledgerStore.Transfer(SystemAccount, v, perVerifier, true); err != nil {
				return UpheldResult{}, err
			}
		}
	}

	if split.Burn > 0 {
		if err := ledgerStore.Transfer(SystemAccount, BurnAccount, split.Burn, true); err != nil {
			return UpheldResult{}, err
		}
	}

	reward := int64(float64(totalSlashed) * RewardFractionOfSlashed)
	if err := ledgerStore.ReleaseEscrow(ch.EscrowID, ch.ChallengerID); err != nil {
		return UpheldResult{}, err
	}
	if reward > 0 {
		if err := ledgerStore.Transfer(SystemAccount, ch.ChallengerID, reward, true); err != nil {
			return UpheldResult{}, err
		}
	}
	if split.Challenger > 0 {
		if err := ledgerStore.Transfer(SystemAccount, ch.ChallengerID, split.Challenger, true); err != nil {
			return UpheldResult{}, err
		}
	}

	m.mu.Lock()
	ch.State = kernel.ChallengeUpheld
	m.mu.Unlock()

	nextK := currentKResult + 2
	if cap := 2 * currentKResult; nextK > cap && cap > 0 {
		nextK = cap
	}

	return UpheldResult{Split: split, ChallengerReward: reward + split.Challenger, NextKResult: nextK}, nil
}

// verifyHonestClaims keeps only claimants whose ATTEST is present in the
// attestation log for (taskID, commitID) and was either absent from the
// passing set or recorded as "against" — unverified claims are dropped.
func verifyHonestClaims(taskID, commitID string, claims []string, log AttestationLookup) []string {
	records := log.AttestationsFor(taskID, commitID)
	against := make(map[string]bool, len(records))
	for _, r := range records {
		if r.Against {
			against[r.VerifierID] = true
		}
	}
	var out []string
	for _, claimant := range claims {
		if against[claimant] {
			out = append(out, claimant)
		}
	}
	return out
}

// SettleRejected applies spec.md §4.14's REJECTED outcome: the bond is
// slashed, split 50% system / 50% burn.
func (m *Manager) SettleRejected(ch *Challenge, ledgerStore *ledger.Store) error {
	if ch.State != kernel.ChallengePending {
		return kernel.New(kernel.ErrConsensusConflict, "challenge %s already settled", ch.ID)
	}
	burnShare := ch.BondAmount - ch.BondAmount/2
	if err := ledgerStore.ReleaseEscrow(ch.EscrowID, SystemAccount); err != nil {
		return err
	}
	if err := ledgerStore.Transfer(SystemAccount, BurnAccount, burnShare, true); err != nil {
		return err
	}

	m.mu.Lock()
	ch.State = kernel.ChallengeRejected
	m.mu.Unlock()
	return nil
}

// WithdrawalFeeFraction is the "small fee" spec.md §4.14 deducts from a
// withdrawn challenge's returned bond.
const WithdrawalFeeFraction = 0.05

// SettleWithdrawn returns the bond minus a small fee to the challenger.
func (m *Manager) SettleWithdrawn(ch *Challenge, ledgerStore *ledger.Store) error {
	if ch.State != kernel.ChallengePending {
		return kernel.New(kernel.ErrConsensusConflict, "challenge %s already settled", ch.ID)
	}
	fee := int64(float64(ch.BondAmount) * WithdrawalFeeFraction)

	if err := ledgerStore.ReleaseEscrow(ch.EscrowID, ch.ChallengerID); err != nil {
		return err
	}
	if fee > 0 {
		if err := ledgerStore.Transfer(ch.ChallengerID, SystemAccount, fee, true); err != nil {
			return err
		}
	}

	m.mu.Lock()
	ch.State = kernel.ChallengeWithdrawn
	m.mu.Unlock()
	return nil
}

// PayoutEligible implements spec.md §4.14's FINALIZE payout gate: bounty
// release requires 2*T_challenge elapsed since commitTime, no UPHELD
// challenge in progress, and no related-party link between the committee
// and the worker or challenger.
func PayoutEligible(commitTime, now time.Time, challengeWindow time.Duration, upheldInProgress bool, relatedPartyDetected bool) bool {
	if now.Sub(commitTime) < 2*challengeWindow {
		return false
	}
	if upheldInProgress {
		return false
	}
	if relatedPartyDetected {
		return false
	}
	return true
}
