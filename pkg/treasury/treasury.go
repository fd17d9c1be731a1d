package treasury

import (
	"sync"

	"github.com/pkg/errors"
)

var (
	ErrInsufficientFunds = errors.New("insufficient funds")
	ErrUnknownAccount    = errors.New("unknown account")
)

// Bank is an in-memory account ledger used as the value-transfer backend.
//
// The campaign ledger treats transfers as irreversible: once Transfer
// returns nil the money has moved, and a failed transfer must leave both
// accounts untouched. Bank gives exactly those semantics for tests and for
// single-process deployments.
type Bank struct {
	mu       sync.Mutex
	accounts map[string]int64
	open     bool
}

func NewBank() *Bank {
	return &Bank{accounts: make(map[string]int64)}
}

// NewOpenBank creates a bank where accounts may overdraw. Used when the
// bank only mirrors value flows and contributor solvency is enforced
// upstream by the actual payment rail.
func NewOpenBank() *Bank {
	return &Bank{accounts: make(map[string]int64), open: true}
}

// Deposit credits an account, creating it if needed.
func (b *Bank) Deposit(account string, amountCents int64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.accounts[account] += amountCents
}

// Balance returns the current balance of an account. Unknown accounts
// report zero.
func (b *Bank) Balance(account string) int64 {
	b.mu.Lock()
	defer b.mu.Unlock()

	return b.accounts[account]
}

// Transfer moves amountCents from one account to another as a single
// atomic step. It fails without side effects if the source account does
// not exist or cannot cover the amount.
func (b *Bank) Transfer(from, to string, amountCents int64) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.open {
		balance, ok := b.accounts[from]
		if !ok {
			return errors.Wrapf(ErrUnknownAccount, "transfer from %q", from)
		}

		if balance < amountCents {
			return errors.Wrapf(ErrInsufficientFunds, "transfer of %d from %q", amountCents, from)
		}
	}

	b.accounts[from] -= amountCents
	b.accounts[to] += amountCents
	return nil
}
