// Package ledger tracks account balances for challenge escrow.
//
// Every identity has an account keyed by its address; every challenge has a
// pool account keyed "pool:<challengeID>". Amounts are int64 smallest USDC
// units.
//
// Flow:
//  1. Deposit credits an account (idempotent per reference)
//  2. Hold moves available → pending before a challenge commit
//  3. SettleHold moves pending → pool after the commit, or ReleaseHold
//     returns pending → available when the commit is abandoned
//  4. Payout moves pool → available when a challenge settles (idempotent
//     per reference)
package ledger

import (
	"context"
	"errors"
	"strings"
	"time"
)

var (
	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrAccountNotFound     = errors.New("account not found")
	ErrInvalidAmount       = errors.New("invalid amount")
	ErrDuplicateReference  = errors.New("reference already processed")
)

// Entry types.
const (
	EntryDeposit = "deposit"
	EntryHold    = "hold"
	EntrySettle  = "settle"
	EntryRelease = "release"
	EntryPayout  = "payout"
	EntryReceive = "receive"
)

// Entry represents a ledger entry
type Entry struct {
	ID          string    `json:"id"`
	Account     string    `json:"account"`
	Type        string    `json:"type"`
	Amount      int64     `json:"amount"`
	Reference   string    `json:"reference,omitempty"`
	Description string    `json:"description,omitempty"`
	CreatedAt   time.Time `json:"createdAt"`
}

// Balance represents an account's balance
type Balance struct {
	Account   string    `json:"account"`
	Available int64     `json:"available"` // Can be spent
	Pending   int64     `json:"pending"`   // Held for an in-flight challenge commit
	TotalIn   int64     `json:"totalIn"`   // Lifetime deposits and payouts received
	TotalOut  int64     `json:"totalOut"`  // Lifetime amounts moved out
	UpdatedAt time.Time `json:"updatedAt"`
}

// Store persists ledger data. Deposit and Transfer references are unique;
// a repeat returns ErrDuplicateReference without moving funds.
type Store interface {
	GetBalance(ctx context.Context, account string) (*Balance, error)
	Credit(ctx context.Context, account string, amount int64, reference, description string) error
	Hold(ctx context.Context, account string, amount int64, reference string) error
	SettleHold(ctx context.Context, account, to string, amount int64, reference string) error
	ReleaseHold(ctx context.Context, account string, amount int64, reference string) error
	Transfer(ctx context.Context, from, to string, amount int64, reference string) error
	GetHistory(ctx context.Context, account string, limit int) ([]*Entry, error)
}

// Ledger manages account balances
type Ledger struct {
	store Store
}

// New creates a new ledger
func New(store Store) *Ledger {
	return &Ledger{store: store}
}

// GetBalance returns an account's current balance
func (l *Ledger) GetBalance(ctx context.Context, account string) (*Balance, error) {
	return l.store.GetBalance(ctx, normalize(account))
}

// Deposit credits an account. A repeated reference returns
// ErrDuplicateReference.
func (l *Ledger) Deposit(ctx context.Context, account string, amount int64, reference string) error {
	if amount <= 0 {
		return ErrInvalidAmount
	}
	return l.store.Credit(ctx, normalize(account), amount, reference, "deposit")
}

// Hold moves amount from available to pending.
func (l *Ledger) Hold(ctx context.Context, account string, amount int64, reference string) error {
	if amount <= 0 {
		return ErrInvalidAmount
	}
	return l.store.Hold(ctx, normalize(account), amount, reference)
}

// SettleHold moves a held amount into the pool account.
func (l *Ledger) SettleHold(ctx context.Context, account, poolID string, amount int64, reference string) error {
	if amount <= 0 {
		return ErrInvalidAmount
	}
	return l.store.SettleHold(ctx, normalize(account), poolID, amount, reference)
}

// ReleaseHold returns a held amount to available.
func (l *Ledger) ReleaseHold(ctx context.Context, account string, amount int64, reference string) error {
	if amount <= 0 {
		return ErrInvalidAmount
	}
	return l.store.ReleaseHold(ctx, normalize(account), amount, reference)
}

// Payout moves amount from a pool account to an identity. Paying the same
// reference twice is a no-op.
func (l *Ledger) Payout(ctx context.Context, poolID, account string, amount int64, reference string) error {
	if amount <= 0 {
		return ErrInvalidAmount
	}
	err := l.store.Transfer(ctx, poolID, normalize(account), amount, reference)
	if errors.Is(err, ErrDuplicateReference) {
		return nil
	}
	return err
}

// CanSpend checks if an account has at least amount available
func (l *Ledger) CanSpend(ctx context.Context, account string, amount int64) (bool, error) {
	bal, err := l.store.GetBalance(ctx, normalize(account))
	if err != nil {
		return false, err
	}
	return bal.Available >= amount, nil
}

// GetHistory returns ledger entries for an account
func (l *Ledger) GetHistory(ctx context.Context, account string, limit int) ([]*Entry, error) {
	if limit <= 0 {
		limit = 50
	}
	return l.store.GetHistory(ctx, normalize(account), limit)
}

// Pool accounts keep their case; addresses are lower-cased.
func normalize(account string) string {
	account = strings.TrimSpace(account)
	if strings.HasPrefix(account, "pool:") {
		return account
	}
	return strings.ToLower(account)
}
