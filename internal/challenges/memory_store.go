package challenges

import (
	"context"
	"sort"
	"sync"
)

// MemoryStore is an in-memory challenge store for demo/development mode.
type MemoryStore struct {
	challenges   map[string]*Challenge
	participants map[string]map[string]*Participant // challengeID -> addr -> participant
	mu           sync.RWMutex
}

// NewMemoryStore creates a new in-memory challenge store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		challenges:   make(map[string]*Challenge),
		participants: make(map[string]map[string]*Participant),
	}
}

func (m *MemoryStore) CreateChallenge(ctx context.Context, c *Challenge) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.challenges[c.ID]; ok {
		return ErrDuplicateChallenge
	}
	c.Version = 1
	cp := *c
	m.challenges[c.ID] = &cp
	m.participants[c.ID] = make(map[string]*Participant)
	return nil
}

func (m *MemoryStore) GetChallenge(ctx context.Context, id string) (*Challenge, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	c, ok := m.challenges[id]
	if !ok {
		return nil, ErrChallengeNotFound
	}
	cp := *c
	return &cp, nil
}

func (m *MemoryStore) GetParticipant(ctx context.Context, challengeID, addr string) (*Participant, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	p, ok := m.participants[challengeID][addr]
	if !ok {
		return nil, ErrParticipantNotFound
	}
	cp := *p
	return &cp, nil
}

func (m *MemoryStore) ListParticipants(ctx context.Context, challengeID string) ([]*Participant, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]*Participant, 0, len(m.participants[challengeID]))
	for _, p := range m.participants[challengeID] {
		cp := *p
		result = append(result, &cp)
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].JoinedAt.Equal(result[j].JoinedAt) {
			return result[i].Address < result[j].Address
		}
		return result[i].JoinedAt.Before(result[j].JoinedAt)
	})
	return result, nil
}

func (m *MemoryStore) CommitJoin(ctx context.Context, c *Challenge, p *Participant) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	stored, err := m.checkVersion(c)
	if err != nil {
		return err
	}
	if !stored.IsActive || stored.IsCancelled {
		return ErrChallengeNotActive
	}
	if _, ok := m.participants[c.ID][p.Address]; ok {
		return ErrAlreadyJoined
	}
	if c.CurrentParticipants > stored.MaxParticipants {
		return ErrChallengeFull
	}

	c.Version = stored.Version + 1
	cc := *c
	pc := *p
	m.challenges[c.ID] = &cc
	m.participants[c.ID][p.Address] = &pc
	return nil
}

func (m *MemoryStore) CommitTransition(ctx context.Context, c *Challenge, participants []*Participant) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	stored, err := m.checkVersion(c)
	if err != nil {
		return err
	}
	for _, p := range participants {
		if _, ok := m.participants[c.ID][p.Address]; !ok {
			return ErrParticipantNotFound
		}
	}

	c.Version = stored.Version + 1
	cc := *c
	m.challenges[c.ID] = &cc
	for _, p := range participants {
		pc := *p
		m.participants[c.ID][p.Address] = &pc
	}
	return nil
}

// checkVersion must be called with m.mu held.
func (m *MemoryStore) checkVersion(c *Challenge) (*Challenge, error) {
	stored, ok := m.challenges[c.ID]
	if !ok {
		return nil, ErrChallengeNotFound
	}
	if stored.Version != c.Version {
		return nil, ErrVersionConflict
	}
	return stored, nil
}

func (m *MemoryStore) ListByCreator(ctx context.Context, creator string, limit int) ([]*Challenge, error) {
	return m.list(limit, func(c *Challenge) bool { return c.Creator == creator }, newestCreated)
}

func (m *MemoryStore) ListByParticipant(ctx context.Context, addr string, limit int) ([]*Challenge, error) {
	m.mu.RLock()
	joined := make(map[string]bool)
	for id, members := range m.participants {
		if _, ok := members[addr]; ok {
			joined[id] = true
		}
	}
	m.mu.RUnlock()
	return m.list(limit, func(c *Challenge) bool { return joined[c.ID] }, newestCreated)
}

func (m *MemoryStore) ListUnsettled(ctx context.Context, limit int) ([]*Challenge, error) {
	return m.list(limit, func(c *Challenge) bool { return !c.IsActive && c.SettledAt == nil }, oldestUpdated)
}

func (m *MemoryStore) ListRecent(ctx context.Context, limit int) ([]*Challenge, error) {
	return m.list(limit, func(*Challenge) bool { return true }, newestUpdated)
}

func (m *MemoryStore) ListAfter(ctx context.Context, afterID string, limit int) ([]*Challenge, error) {
	return m.list(limit, func(c *Challenge) bool { return c.ID > afterID }, byID)
}

func newestCreated(a, b *Challenge) bool {
	if a.CreatedAt.Equal(b.CreatedAt) {
		return a.ID < b.ID
	}
	return a.CreatedAt.After(b.CreatedAt)
}

func newestUpdated(a, b *Challenge) bool {
	if a.UpdatedAt.Equal(b.UpdatedAt) {
		return a.ID < b.ID
	}
	return a.UpdatedAt.After(b.UpdatedAt)
}

func oldestUpdated(a, b *Challenge) bool {
	if a.UpdatedAt.Equal(b.UpdatedAt) {
		return a.ID < b.ID
	}
	return a.UpdatedAt.Before(b.UpdatedAt)
}

func byID(a, b *Challenge) bool { return a.ID < b.ID }

// list returns copies of matching challenges in less order.
func (m *MemoryStore) list(limit int, match func(*Challenge) bool, less func(a, b *Challenge) bool) ([]*Challenge, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Challenge
	for _, c := range m.challenges {
		if match(c) {
			cp := *c
			result = append(result, &cp)
		}
	}
	sort.Slice(result, func(i, j int) bool { return less(result[i], result[j]) })
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

var _ Store = (*MemoryStore)(nil)
