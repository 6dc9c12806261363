package ledger

import (
	"context"
	"sync"
	"time"

	"github.com/mbd888/fitpool/internal/idgen"
)

// MemoryStore is an in-memory ledger store for demo/development mode.
type MemoryStore struct {
	balances map[string]*Balance
	entries  []*Entry
	refs     map[string]bool // "type:reference" for unique entry kinds
	mu       sync.RWMutex
}

// NewMemoryStore creates a new in-memory ledger store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		balances: make(map[string]*Balance),
		refs:     make(map[string]bool),
	}
}

func (m *MemoryStore) GetBalance(ctx context.Context, account string) (*Balance, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if bal, ok := m.balances[account]; ok {
		cp := *bal
		return &cp, nil
	}
	return &Balance{Account: account, UpdatedAt: time.Now()}, nil
}

func (m *MemoryStore) Credit(ctx context.Context, account string, amount int64, reference, description string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if reference != "" {
		if m.refs[EntryDeposit+":"+reference] {
			return ErrDuplicateReference
		}
		m.refs[EntryDeposit+":"+reference] = true
	}

	bal := m.balanceLocked(account)
	bal.Available += amount
	bal.TotalIn += amount
	bal.UpdatedAt = time.Now()
	m.record(account, EntryDeposit, amount, reference, description)
	return nil
}

func (m *MemoryStore) Hold(ctx context.Context, account string, amount int64, reference string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	bal, ok := m.balances[account]
	if !ok || bal.Available < amount {
		return ErrInsufficientBalance
	}
	bal.Available -= amount
	bal.Pending += amount
	bal.UpdatedAt = time.Now()
	m.record(account, EntryHold, amount, reference, "pending_challenge_commit")
	return nil
}

func (m *MemoryStore) SettleHold(ctx context.Context, account, to string, amount int64, reference string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	bal, ok := m.balances[account]
	if !ok {
		return ErrAccountNotFound
	}
	if bal.Pending < amount {
		return ErrInsufficientBalance
	}
	bal.Pending -= amount
	bal.TotalOut += amount
	bal.UpdatedAt = time.Now()

	dst := m.balanceLocked(to)
	dst.Available += amount
	dst.TotalIn += amount
	dst.UpdatedAt = time.Now()

	m.record(account, EntrySettle, amount, reference, "moved_to_"+to)
	m.record(to, EntryReceive, amount, reference, "from_"+account)
	return nil
}

func (m *MemoryStore) ReleaseHold(ctx context.Context, account string, amount int64, reference string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	bal, ok := m.balances[account]
	if !ok {
		return ErrAccountNotFound
	}
	if bal.Pending < amount {
		return ErrInsufficientBalance
	}
	bal.Pending -= amount
	bal.Available += amount
	bal.UpdatedAt = time.Now()
	m.record(account, EntryRelease, amount, reference, "hold_released")
	return nil
}

func (m *MemoryStore) Transfer(ctx context.Context, from, to string, amount int64, reference string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := EntryPayout + ":" + reference
	if reference != "" && m.refs[key] {
		return ErrDuplicateReference
	}

	src, ok := m.balances[from]
	if !ok || src.Available < amount {
		return ErrInsufficientBalance
	}
	src.Available -= amount
	src.TotalOut += amount
	src.UpdatedAt = time.Now()

	dst := m.balanceLocked(to)
	dst.Available += amount
	dst.TotalIn += amount
	dst.UpdatedAt = time.Now()

	if reference != "" {
		m.refs[key] = true
	}
	m.record(from, EntryPayout, amount, reference, "to_"+to)
	m.record(to, EntryReceive, amount, reference, "from_"+from)
	return nil
}

func (m *MemoryStore) GetHistory(ctx context.Context, account string, limit int) ([]*Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Entry
	for i := len(m.entries) - 1; i >= 0 && len(result) < limit; i-- {
		if m.entries[i].Account == account {
			cp := *m.entries[i]
			result = append(result, &cp)
		}
	}
	return result, nil
}

// balanceLocked returns the live balance for account, creating it.
// Caller holds m.mu.
func (m *MemoryStore) balanceLocked(account string) *Balance {
	bal, ok := m.balances[account]
	if !ok {
		bal = &Balance{Account: account}
		m.balances[account] = bal
	}
	return bal
}

// record appends an entry. Caller holds m.mu.
func (m *MemoryStore) record(account, typ string, amount int64, reference, description string) {
	m.entries = append(m.entries, &Entry{
		ID:          idgen.WithPrefix("le_"),
		Account:     account,
		Type:        typ,
		Amount:      amount,
		Reference:   reference,
		Description: description,
		CreatedAt:   time.Now(),
	})
}

var _ Store = (*MemoryStore)(nil)
