package ledger

import (
	"sync"
	"testing"
	"time"

	"github.com/canswarm/kernel/pkg/kernel"
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

func TestMintRequiresSystemAuthority(t *testing.T) {
	s := New(newMemKV())
	if err := s.Mint("alice", 100, "not-system"); err == nil {
		t.Fatal("expected unauthorized mint to fail")
	}
	if err := s.Mint("alice", 100, SystemAuthority); err != nil {
		t.Fatalf("mint: %v", err)
	}
	acct, err := s.Account("alice")
	if err != nil {
		t.Fatalf("account: %v", err)
	}
	if acct.Balance != 100 {
		t.Fatalf("expected balance 100, got %d", acct.Balance)
	}
}

func TestMintRejectsSupplyCapExceeded(t *testing.T) {
	s := New(newMemKV())
	err := s.Mint("alice", MaxSupply+1, SystemAuthority)
	kind, ok := kernel.KindOf(err)
	if !ok || kind != kernel.ErrSupplyCapExceeded {
		t.Fatalf("expected ErrSupplyCapExceeded, got %v", err)
	}
}

func TestTransferRejectsUnknownRecipientByDefault(t *testing.T) {
	s := New(newMemKV())
	must(t, s.Mint("alice", 100, SystemAuthority))
	err := s.Transfer("alice", "bob", 10, false)
	if err == nil {
		t.Fatal("expected transfer to unknown recipient to fail")
	}
}

func TestTransferAllowCreateRecipient(t *testing.T) {
	s := New(newMemKV())
	must(t, s.Mint("alice", 100, SystemAuthority))
	must(t, s.Transfer("alice", "bob", 10, true))
	bob, err := s.Account("bob")
	if err != nil {
		t.Fatalf("account: %v", err)
	}
	if bob.Balance != 10 {
		t.Fatalf("expected bob balance 10, got %d", bob.Balance)
	}
}

func TestTransferInsufficientBalance(t *testing.T) {
	s := New(newMemKV())
	must(t, s.Mint("alice", 5, SystemAuthority))
	err := s.Transfer("alice", "bob", 10, true)
	kind, ok := kernel.KindOf(err)
	if !ok || kind != kernel.ErrInsufficientBalance {
		t.Fatalf("expected ErrInsufficientBalance, got %v", err)
	}
}

func TestEscrowReleaseExactlyOnce(t *testing.T) {
	s := New(newMemKV())
	must(t, s.Mint("alice", 100, SystemAuthority))
	must(t, s.Escrow("alice", 50, "esc-1"))

	acct, _ := s.Account("alice")
	if acct.Balance != 50 || acct.Locked != 50 {
		t.Fatalf("expected balance=50 locked=50, got %+v", acct)
	}

	must(t, s.ReleaseEscrow("esc-1", "bob"))
	if err := s.ReleaseEscrow("esc-1", "bob"); err == nil {
		t.Fatal("expected second release to fail")
	}

	bob, _ := s.Account("bob")
	if bob.Balance != 50 {
		t.Fatalf("expected bob balance 50, got %d", bob.Balance)
	}
}

func TestCancelEscrowReturnsFunds(t *testing.T) {
	s := New(newMemKV())
	must(t, s.Mint("alice", 100, SystemAuthority))
	must(t, s.Escrow("alice", 30, "esc-2"))
	must(t, s.CancelEscrow("esc-2"))

	acct, _ := s.Account("alice")
	if acct.Balance != 100 || acct.Locked != 0 {
		t.Fatalf("expected funds returned, got %+v", acct)
	}
	if err := s.ReleaseEscrow("esc-2", "bob"); err == nil {
		t.Fatal("expected release after cancel to fail")
	}
}

func TestStakeAndUnbondLifecycle(t *testing.T) {
	s := New(newMemKV())
	must(t, s.Mint("alice", 100, SystemAuthority))
	must(t, s.Stake("alice", 40))

	acct, _ := s.Account("alice")
	if acct.Balance != 60 || acct.Locked != 40 {
		t.Fatalf("expected balance=60 locked=40, got %+v", acct)
	}

	start := time.Unix(0, 0)
	must(t, s.BeginUnbond("alice", "unbond-1", 40, start, time.Hour))

	if err := s.CompleteUnbond("unbond-1", start.Add(time.Minute)); err == nil {
		t.Fatal("expected premature complete_unbond to fail")
	}

	must(t, s.CompleteUnbond("unbond-1", start.Add(2*time.Hour)))
	acct, _ = s.Account("alice")
	if acct.Balance != 100 || acct.Locked != 0 {
		t.Fatalf("expected stake returned after maturity, got %+v", acct)
	}
}

func TestSlashReducesLockedOnly(t *testing.T) {
	s := New(newMemKV())
	must(t, s.Mint("alice", 100, SystemAuthority))
	must(t, s.Stake("alice", 40))
	must(t, s.Slash("alice", 10, "challenge upheld", [32]byte{1}))

	acct, _ := s.Account("alice")
	if acct.Locked != 30 {
		t.Fatalf("expected locked reduced to 30, got %d", acct.Locked)
	}
	if acct.Balance != 60 {
		t.Fatalf("expected balance untouched at 60, got %d", acct.Balance)
	}
}

func TestSplitAmountIsExactAndCommutative(t *testing.T) {
	split := SplitAmount(101, 50, 40)
	if split.Challenger+split.HonestShare+split.Burn != 101 {
		t.Fatalf("expected split to sum exactly to total, got %+v", split)
	}
	if split.Challenger != 50 || split.HonestShare != 40 || split.Burn != 11 {
		t.Fatalf("unexpected split: %+v", split)
	}
}

func must(t *testing.T, err error) {
	t.Helper()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}
