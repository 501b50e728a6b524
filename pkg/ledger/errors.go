package ledger

import "errors"

// Sentinel errors for conditions the ledger detects locally rather than
// through the kernel's cross-package KernelError taxonomy. Most Store
// methods return them as-is; Transfer wraps a missing recipient with
// kernel.Wrap.
var (
	ErrAccountNotFound = errors.New("ledger account not found")
	ErrEscrowNotFound  = errors.New("ledger escrow not found")
)
