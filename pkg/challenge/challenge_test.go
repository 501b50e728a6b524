package challenge

import (
	"sync"
	"testing"
	"time"

	"github.com/canswarm/kernel/pkg/kernel"
	"github.com/canswarm/kernel/pkg/ledger"
)

type memKV struct {
	mu   sync.Mutex
	data map[string][]byte
}

func newMemKV() *memKV { return &memKV{data: make(map[string][]byte)} }

func (m *memKV) Get(key []byte) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.data[string(key)], nil
}

func (m *memKV) Set(key, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[string(key)] = value
	return nil
}

func TestBondAmountScalesWithSeverityAndMultiplier(t *testing.T) {
	amount, err := BondAmount(kernel.ProofSemanticContradiction, 2)
	if err != nil {
		t.Fatalf("bond amount: %v", err)
	}
	if amount != 100 {
		t.Fatalf("expected 50*2=100, got %d", amount)
	}
	if _, err := BondAmount(kernel.ProofSemanticContradiction, 3); err == nil {
		t.Fatal("expected invalid multiplier to error")
	}
}

type fakeAttestationLog struct {
	records map[string][]AttestationRecord
}

func (f fakeAttestationLog) AttestationsFor(taskID, commitID string) []AttestationRecord {
	return f.records[taskID+"|"+commitID]
}

func setupLedger(t *testing.T) *ledger.Store {
	t.Helper()
	s := ledger.New(newMemKV())
	must(t, s.Mint(SystemAccount, 1000, ledger.SystemAuthority))
	must(t, s.Mint("challenger-1", 1000, ledger.SystemAuthority))
	must(t, s.Mint("verifier-1", 1000, ledger.SystemAuthority))
	must(t, s.Mint("verifier-2", 1000, ledger.SystemAuthority))
	return s
}

func TestSubmitEscrowsBond(t *testing.T) {
	s := setupLedger(t)
	m := NewManager()
	ch := Challenge{ID: "c1", TaskID: "t1", CommitID: "commit-1", ChallengerID: "challenger-1", BondAmount: 50, EscrowID: "esc-c1"}
	must(t, m.Submit(ch, s))

	acct, err := s.Account("challenger-1")
	if err != nil {
		t.Fatalf("account: %v", err)
	}
	if acct.Locked != 50 {
		t.Fatalf("expected bond locked, got %+v", acct)
	}
}

func TestSettleUpheldDistributesSplitAndRejectsUnverifiedClaims(t *testing.T) {
	s := setupLedger(t)
	must(t, s.Stake("verifier-1", 200))
	must(t, s.Stake("verifier-2", 200))

	m := NewManager()
	ch := Challenge{ID: "c1", TaskID: "t1", CommitID: "commit-1", ChallengerID: "challenger-1", BondAmount: 50, EscrowID: "esc-c1", State: kernel.ChallengePending}
	must(t, s.Escrow("challenger-1", 50, "esc-c1"))

	log := fakeAttestationLog{records: map[string][]AttestationRecord{
		"t1|commit-1": {
			{VerifierID: "verifier-2", Against: true}, // verified honest
		},
	}}

	beforeV2, _ := s.Account("verifier-2")

	result, err := m.SettleUpheld(&ch, map[string]int64{"verifier-1": 200}, 0.5,
		[]string{"verifier-2", "unverified-claimant"}, log, s, 5)
	if err != nil {
		t.Fatalf("settle upheld: %v", err)
	}

	v1, _ := s.Account("verifier-1")
	if v1.Locked != 100 {
		t.Fatalf("expected verifier-1 slashed by 100 (50%% of 200), locked now %d", v1.Locked)
	}

	v2, _ := s.Account("verifier-2")
	// honest share of 100*0.40 = 40, only verifier-2 verified, gets full honest share
	if v2.Balance != beforeV2.Balance+40 {
		t.Fatalf("expected verifier-2 honest payout of 40, before=%d after=%d", beforeV2.Balance, v2.Balance)
	}

	if result.Split.Challenger+result.Split.HonestShare+result.Split.Burn != 100 {
		t.Fatalf("expected split to sum to total slashed 100, got %+v", result.Split)
	}
	if result.NextKResult != 7 {
		t.Fatalf("expected K_result escalated to 7, got %d", result.NextKResult)
	}

	if ch.State != kernel.ChallengeUpheld {
		t.Fatalf("expected state UPHELD, got %s", ch.State)
	}
}

func TestSettleRejectedSlashesBond(t *testing.T) {
	s := setupLedger(t)
	m := NewManager()
	ch := Challenge{ID: "c2", TaskID: "t1", CommitID: "commit-1", ChallengerID: "challenger-1", BondAmount: 50, EscrowID: "esc-c2", State: kernel.ChallengePending}
	must(t, s.Escrow("challenger-1", 50, "esc-c2"))

	must(t, m.SettleRejected(&ch, s))
	if ch.State != kernel.ChallengeRejected {
		t.Fatalf("expected REJECTED, got %s", ch.State)
	}
	burn, _ := s.Account(BurnAccount)
	if burn.Balance != 25 {
		t.Fatalf("expected half of bond burned, got %+v", burn)
	}
}

func TestSettleWithdrawnRefundsMinusFee(t *testing.T) {
	s := setupLedger(t)
	m := NewManager()
	ch := Challenge{ID: "c3", TaskID: "t1", CommitID: "commit-1", ChallengerID: "challenger-1", BondAmount: 100, EscrowID: "esc-c3", State: kernel.ChallengePending}
	must(t, s.Escrow("challenger-1", 100, "esc-c3"))

	before, _ := s.Account("challenger-1")
	must(t, m.SettleWithdrawn(&ch, s))
	after, _ := s.Account("challenger-1")

	if after.Balance <= before.Balance {
		t.Fatalf("expected refund to raise challenger balance: before=%d after=%d", before.Balance, after.Balance)
	}
	if ch.State != kernel.ChallengeWithdrawn {
		t.Fatalf("expected WITHDRAWN, got %s", ch.State)
	}
}

func TestPayoutEligibleGates(t *testing.T) {
	commit := time.Unix(0, 0)
	window := 24 * time.Hour
	if PayoutEligible(commit, commit.Add(10*time.Hour), window, false, false) {
		t.Fatal("expected too-early payout to be ineligible")
	}
	if PayoutEligible(commit, commit.Add(49*time.Hour), window, true, false) {
		t.Fatal("expected in-progress UPHELD challenge to block payout")
	}
	if PayoutEligible(commit, commit.Add(49*time.Hour), window, false, true) {
		t.Fatal("expected related-party detection to block payout")
	}
	if !PayoutEligible(commit, commit.Add(49*time.Hour), window, false, false) {
		t.Fatal("expected payout eligible once window elapsed and no blockers")
	}
}

func must(t *testing.T, err error) {
	t.Helper()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}
