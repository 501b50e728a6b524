// Package ledger implements the double-entry credit ledger and stake
// mechanics of spec.md §4.11: mint, transfer, escrow/release/cancel,
// stake/unbond, and slash. Every operation is integer-exact; distribution
// splits elsewhere in the kernel (pkg/challenge) depend on this package
// never introducing float rounding into a balance.
package ledger

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/canswarm/kernel/pkg/kernel"
)

// KV is the storage dependency Store wraps, identical in shape to the
// teacher's pkg/ledger.KV so the same CometBFT-backed adapter
// (pkg/kvdb.Adapter) serves both.
type KV interface {
	Get(key []byte) ([]byte, error)
	Set(key, value []byte) error
}

var (
	keyMeta          = []byte("ledger:meta")
	keyAccountPrefix = []byte("ledger:account:")
	keyEscrowPrefix  = []byte("ledger:escrow:")
	keyUnbondPrefix  = []byte("ledger:unbond:")
)

func accountKey(id string) []byte { return append(append([]byte{}, keyAccountPrefix...), id...) }
func escrowKey(id string) []byte  { return append(append([]byte{}, keyEscrowPrefix...), id...) }
func unbondKey(id string) []byte  { return append(append([]byte{}, keyUnbondPrefix...), id...) }

// AuditSink receives a human-readable record of every ledger operation.
// spec.md §4.11: "Operations (all audited)". The ledger does not own the
// signed audit log itself (pkg/audit does); it only notifies.
type AuditSink interface {
	RecordLedgerOp(op string, detail string)
}

type noopSink struct{}

func (noopSink) RecordLedgerOp(op, detail string) {}

// Store provides the ledger's operation surface over a KV backend.
//
// CONCURRENCY: Store assumes single-writer access, exactly like the
// teacher's LedgerStore — all mutation happens from the consensus commit
// thread. The internal mutex below exists only to make escrow release
// atomic against concurrent release attempts (spec.md §4.11); it is not a
// substitute for single-writer discipline.
type Store struct {
	kv   KV
	sink AuditSink
	mu   sync.Mutex
}

// Option configures a Store.
type Option func(*Store)

func WithAuditSink(sink AuditSink) Option {
	return func(s *Store) { s.sink = sink }
}

func New(kv KV, opts ...Option) *Store {
	s := &Store{kv: kv, sink: noopSink{}}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) loadAccount(id string) (*Account, error) {
	b, err := s.kv.Get(accountKey(id))
	if err != nil {
		return nil, fmt.Errorf("get account %s: %w", id, err)
	}
	if len(b) == 0 {
		return nil, ErrAccountNotFound
	}
	var a Account
	if err := json.Unmarshal(b, &a); err != nil {
		return nil, fmt.Errorf("unmarshal account %s: %w", id, err)
	}
	return &a, nil
}

func (s *Store) saveAccount(a *Account) error {
	b, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("marshal account %s: %w", a.ID, err)
	}
	return s.kv.Set(accountKey(a.ID), b)
}

func (s *Store) loadMeta() (*Meta, error) {
	b, err := s.kv.Get(keyMeta)
	if err != nil {
		return nil, fmt.Errorf("get ledger meta: %w", err)
	}
	if len(b) == 0 {
		return &Meta{}, nil
	}
	var m Meta
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, fmt.Errorf("unmarshal ledger meta: %w", err)
	}
	return &m, nil
}

func (s *Store) saveMeta(m *Meta) error {
	b, err := json.Marshal(m)
	if err != nil {
		return err
	}
	return s.kv.Set(keyMeta, b)
}

// Account returns the account for id, or ErrAccountNotFound.
func (s *Store) Account(id string) (Account, error) {
	a, err := s.loadAccount(id)
	if err != nil {
		return Account{}, err
	}
	return *a, nil
}

// Mint credits amount to 'to', provided authority is SystemAuthority and
// total supply stays within MaxSupply.
func (s *Store) Mint(to string, amount int64, authority string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if authority != SystemAuthority {
		return kernel.New(kernel.ErrMintUnauthorized, "authority %q is not SYSTEM", authority)
	}
	if amount <= 0 {
		return kernel.New(kernel.ErrMintUnauthorized, "mint amount must be positive, got %d", amount)
	}
	meta, err := s.loadMeta()
	if err != nil {
		return err
	}
	if meta.TotalSupply+amount > MaxSupply {
		return kernel.New(kernel.ErrSupplyCapExceeded, "mint of %d would exceed max supply %d", amount, MaxSupply)
	}

	acct, err := s.loadAccount(to)
	if err != nil {
		if err != ErrAccountNotFound {
			return err
		}
		acct = &Account{ID: to}
	}
	acct.Balance += amount
	if err := s.saveAccount(acct); err != nil {
		return err
	}
	meta.TotalSupply += amount
	if err := s.saveMeta(meta); err != nil {
		return err
	}
	s.sink.RecordLedgerOp("mint", fmt.Sprintf("to=%s amount=%d", to, amount))
	return nil
}

// Transfer moves amount from 'from' to 'to'. The recipient must already
// exist unless allowCreateRecipient is true — spec.md §4.11's guard
// against silent typo-loss of funds.
func (s *Store) Transfer(from, to string, amount int64, allowCreateRecipient bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if amount <= 0 {
		return kernel.New(kernel.ErrInsufficientBalance, "transfer amount must be positive, got %d", amount)
	}
	src, err := s.loadAccount(from)
	if err != nil {
		return err
	}
	if src.Balance < amount {
		return kernel.New(kernel.ErrInsufficientBalance, "account %s has %d, needs %d", from, src.Balance, amount)
	}
	dst, err := s.loadAccount(to)
	if err != nil {
		if err != ErrAccountNotFound {
			return err
		}
		if !allowCreateRecipient {
			return kernel.Wrap(kernel.ErrInsufficientBalance, err, "recipient %s does not exist and allow_create_recipient is false", to)
		}
		dst = &Account{ID: to}
	}

	src.Balance -= amount
	dst.Balance += amount
	if err := s.saveAccount(src); err != nil {
		return err
	}
	if err := s.saveAccount(dst); err != nil {
		return err
	}
	s.sink.RecordLedgerOp("transfer", fmt.Sprintf("from=%s to=%s amount=%d", from, to, amount))
	return nil
}

// Escrow locks amount out of from's balance into an escrow hold identified
// by escrowID.
func (s *Store) Escrow(from string, amount int64, escrowID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	acct, err := s.loadAccount(from)
	if err != nil {
		return err
	}
	if acct.Balance < amount {
		return kernel.New(kernel.ErrInsufficientBalance, "account %s has %d, needs %d for escrow", from, acct.Balance, amount)
	}
	acct.Balance -= amount
	acct.Locked += amount
	if err := s.saveAccount(acct); err != nil {
		return err
	}
	esc := &Escrow{ID: escrowID, From: from, Amount: amount}
	b, err := json.Marshal(esc)
	if err != nil {
		return err
	}
	if err := s.kv.Set(escrowKey(escrowID), b); err != nil {
		return err
	}
	s.sink.RecordLedgerOp("escrow", fmt.Sprintf("from=%s amount=%d escrow_id=%s", from, amount, escrowID))
	return nil
}

func (s *Store) loadEscrow(escrowID string) (*Escrow, error) {
	b, err := s.kv.Get(escrowKey(escrowID))
	if err != nil {
		return nil, fmt.Errorf("get escrow %s: %w", escrowID, err)
	}
	if len(b) == 0 {
		return nil, ErrEscrowNotFound
	}
	var e Escrow
	if err := json.Unmarshal(b, &e); err != nil {
		return nil, fmt.Errorf("unmarshal escrow %s: %w", escrowID, err)
	}
	return &e, nil
}

// ReleaseEscrow pays an escrow hold out to 'to'. The released flag is
// flipped inside the same lock that performs the transfer, so concurrent
// release attempts for the same escrow_id produce exactly one success
// (spec.md §4.11).
func (s *Store) ReleaseEscrow(escrowID, to string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	esc, err := s.loadEscrow(escrowID)
	if err != nil {
		return err
	}
	if esc.Released || esc.Cancelled {
		return kernel.New(kernel.ErrBondEscrowFailed, "escrow %s already settled", escrowID)
	}

	src, err := s.loadAccount(esc.From)
	if err != nil {
		return err
	}
	dst, err := s.loadAccount(to)
	if err != nil {
		if err != ErrAccountNotFound {
			return err
		}
		dst = &Account{ID: to}
	}
	if src.Locked < esc.Amount {
		return kernel.New(kernel.ErrBondEscrowFailed, "escrow %s: source locked balance inconsistent", escrowID)
	}
	src.Locked -= esc.Amount
	dst.Balance += esc.Amount
	esc.Released = true

	if err := s.saveAccount(src); err != nil {
		return err
	}
	if err := s.saveAccount(dst); err != nil {
		return err
	}
	b, err := json.Marshal(esc)
	if err != nil {
		return err
	}
	if err := s.kv.Set(escrowKey(escrowID), b); err != nil {
		return err
	}
	s.sink.RecordLedgerOp("release_escrow", fmt.Sprintf("escrow_id=%s to=%s amount=%d", escrowID, to, esc.Amount))
	return nil
}

// CancelEscrow returns the held amount to the original escrower.
func (s *Store) CancelEscrow(escrowID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	esc, err := s.loadEscrow(escrowID)
	if err != nil {
		return err
	}
	if esc.Released || esc.Cancelled {
		return kernel.New(kernel.ErrBondEscrowFailed, "escrow %s already settled", escrowID)
	}
	src, err := s.loadAccount(esc.From)
	if err != nil {
		return err
	}
	if src.Locked < esc.Amount {
		return kernel.New(kernel.ErrBondEscrowFailed, "escrow %s: source locked balance inconsistent", escrowID)
	}
	src.Locked -= esc.Amount
	src.Balance += esc.Amount
	esc.Cancelled = true

	if err := s.saveAccount(src); err != nil {
		return err
	}
	b, err := json.Marshal(esc)
	if err != nil {
		return err
	}
	if err := s.kv.Set(escrowKey(escrowID), b); err != nil {
		return err
	}
	s.sink.RecordLedgerOp("cancel_escrow", fmt.Sprintf("escrow_id=%s amount=%d", escrowID, esc.Amount))
	return nil
}

// Stake locks amount out of account's balance as stake.
func (s *Store) Stake(account string, amount int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	acct, err := s.loadAccount(account)
	if err != nil {
		return err
	}
	if acct.Balance < amount {
		return kernel.New(kernel.ErrInsufficientBalance, "account %s has %d, needs %d to stake", account, acct.Balance, amount)
	}
	acct.Balance -= amount
	acct.Locked += amount
	if err := s.saveAccount(acct); err != nil {
		return err
	}
	s.sink.RecordLedgerOp("stake", fmt.Sprintf("account=%s amount=%d", account, amount))
	return nil
}

// DefaultUnbondingPeriod is spec.md §4.11's 7-day default.
const DefaultUnbondingPeriod = 7 * 24 * time.Hour

// BeginUnbond starts an unbonding timer for amount of account's stake,
// identified by unbondID. now is injected so tests control elapsed time.
func (s *Store) BeginUnbond(account, unbondID string, amount int64, now time.Time, period time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	acct, err := s.loadAccount(account)
	if err != nil {
		return err
	}
	if acct.Locked < amount {
		return kernel.New(kernel.ErrInsufficientStake, "account %s has %d locked, cannot unbond %d", account, acct.Locked, amount)
	}
	req := &UnbondRequest{
		Account:           account,
		Amount:            amount,
		UnlockAtUnixNanos: now.Add(period).UnixNano(),
	}
	b, err := json.Marshal(req)
	if err != nil {
		return err
	}
	if err := s.kv.Set(unbondKey(unbondID), b); err != nil {
		return err
	}
	s.sink.RecordLedgerOp("begin_unbond", fmt.Sprintf("account=%s unbond_id=%s amount=%d", account, unbondID, amount))
	return nil
}

// CompleteUnbond releases a previously begun unbond once its timer has
// elapsed, moving the amount from locked back to spendable balance.
func (s *Store) CompleteUnbond(unbondID string, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, err := s.kv.Get(unbondKey(unbondID))
	if err != nil {
		return fmt.Errorf("get unbond %s: %w", unbondID, err)
	}
	if len(b) == 0 {
		return kernel.New(kernel.ErrInsufficientStake, "unbond %s not found", unbondID)
	}
	var req UnbondRequest
	if err := json.Unmarshal(b, &req); err != nil {
		return fmt.Errorf("unmarshal unbond %s: %w", unbondID, err)
	}
	if req.Completed {
		return kernel.New(kernel.ErrInsufficientStake, "unbond %s already completed", unbondID)
	}
	if now.UnixNano() < req.UnlockAtUnixNanos {
		return kernel.New(kernel.ErrInsufficientStake, "unbond %s not yet matured", unbondID)
	}

	acct, err := s.loadAccount(req.Account)
	if err != nil {
		return err
	}
	if acct.Locked < req.Amount {
		return kernel.New(kernel.ErrInsufficientStake, "account %s has %d locked, cannot complete unbond of %d", req.Account, acct.Locked, req.Amount)
	}
	acct.Locked -= req.Amount
	acct.Balance += req.Amount
	if err := s.saveAccount(acct); err != nil {
		return err
	}
	req.Completed = true
	nb, err := json.Marshal(req)
	if err != nil {
		return err
	}
	if err := s.kv.Set(unbondKey(unbondID), nb); err != nil {
		return err
	}
	s.sink.RecordLedgerOp("complete_unbond", fmt.Sprintf("unbond_id=%s account=%s amount=%d", unbondID, req.Account, req.Amount))
	return nil
}

// Slash unconditionally reduces account's locked balance by amount.
// Distribution of the slashed amount (challenger share / honest-verifier
// share / burn) is policy owned by pkg/challenge; Slash only performs the
// deduction and lets the caller Mint or Transfer the proceeds.
func (s *Store) Slash(account string, amount int64, reason string, evidenceHash [32]byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	acct, err := s.loadAccount(account)
	if err != nil {
		return err
	}
	if acct.Locked < amount {
		amount = acct.Locked // slash can never drive locked negative
	}
	acct.Locked -= amount
	if err := s.saveAccount(acct); err != nil {
		return err
	}
	s.sink.RecordLedgerOp("slash", fmt.Sprintf("account=%s amount=%d reason=%s evidence=%x", account, amount, reason, evidenceHash))
	return nil
}

// CreateAccount initializes an empty account. Most operations auto-vivify
// the sender/recipient they need; this exists for callers (tests, the
// genesis bootstrapper) that want an explicit zero-balance account.
func (s *Store) CreateAccount(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.loadAccount(id); err == nil {
		return nil // already exists
	} else if err != ErrAccountNotFound {
		return err
	}
	return s.saveAccount(&Account{ID: id})
}

// Split is the integer-exact distribution of a slashed or rewarded amount
// across challenger / honest-verifier / burn shares, per spec.md §4.11:
// "challenger = (total*50)/100, honest_share_total = (total*40)/100,
// burn = total - challenger - honest_share_total" so the three shares are
// always exact and commutative under replay.
type Split struct {
	Challenger   int64
	HonestShare  int64
	Burn         int64
}

// SplitAmount computes Split for total using whole-number percentages
// (challengerPct + honestPct must be <= 100).
func SplitAmount(total int64, challengerPct, honestPct int64) Split {
	challenger := (total * challengerPct) / 100
	honest := (total * honestPct) / 100
	burn := total - challenger - honest
	return Split{Challenger: challenger, HonestShare: honest, Burn: burn}
}
