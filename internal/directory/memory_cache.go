package directory

import (
	"context"
	"sort"
	"strings"
	"sync"
)

// MemoryCache is an in-memory Cache for development and tests.
type MemoryCache struct {
	mu          sync.RWMutex
	challenges  map[string]ChallengeSnapshot
	memberships map[string]MembershipSnapshot // challengeID|addr
	byMember    map[string]map[string]bool    // addr -> challenge ids
}

// NewMemoryCache creates an empty cache.
func NewMemoryCache() *MemoryCache {
	return &MemoryCache{
		challenges:  make(map[string]ChallengeSnapshot),
		memberships: make(map[string]MembershipSnapshot),
		byMember:    make(map[string]map[string]bool),
	}
}

func (m *MemoryCache) PutChallenge(ctx context.Context, s ChallengeSnapshot) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if cur, ok := m.challenges[s.ID]; ok && cur.Version >= s.Version {
		return false, nil
	}
	m.challenges[s.ID] = s
	return true, nil
}

func (m *MemoryCache) PutMembership(ctx context.Context, s MembershipSnapshot) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	addr := strings.ToLower(s.Address)
	key := s.ChallengeID + "|" + addr
	if cur, ok := m.memberships[key]; ok && cur.Version >= s.Version {
		return false, nil
	}
	m.memberships[key] = s
	if m.byMember[addr] == nil {
		m.byMember[addr] = make(map[string]bool)
	}
	m.byMember[addr][s.ChallengeID] = true
	return true, nil
}

func (m *MemoryCache) GetChallenge(ctx context.Context, id string) (*ChallengeSnapshot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s, ok := m.challenges[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &s, nil
}

func (m *MemoryCache) GetMembership(ctx context.Context, challengeID, addr string) (*MembershipSnapshot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s, ok := m.memberships[challengeID+"|"+strings.ToLower(addr)]
	if !ok {
		return nil, ErrNotFound
	}
	return &s, nil
}

func (m *MemoryCache) MemberChallenges(ctx context.Context, addr string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ids := make([]string, 0, len(m.byMember[strings.ToLower(addr)]))
	for id := range m.byMember[strings.ToLower(addr)] {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

func (m *MemoryCache) Ping(ctx context.Context) error { return nil }

var _ Cache = (*MemoryCache)(nil)
