package repository

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/notifyhub/web-push-notification/internal/domain"
)

// MockSubscriptionRepository is a hand-written, in-memory implementation of
// SubscriptionRepository used in unit tests. No mock-generation library needed.
type MockSubscriptionRepository struct {
	mu     sync.RWMutex
	subs   map[int64]*domain.Subscription
	nextID int64

	// Optional error overrides, set in tests to simulate failure paths.
	CreateErr error
	QueryErr  error
	LoadErr   map[int64]error
	DeleteErr map[string]error

	deleteCalls int
}

func NewMockSubscriptionRepository() *MockSubscriptionRepository {
	return &MockSubscriptionRepository{
		subs:      make(map[int64]*domain.Subscription),
		LoadErr:   make(map[int64]error),
		DeleteErr: make(map[string]error),
	}
}

// Seed stores s without uniqueness checks, the way rows created before the
// unique constraints existed may look. It returns the assigned ID.
func (m *MockSubscriptionRepository) Seed(s domain.Subscription) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	s.ID = m.nextID
	if s.CreatedAt.IsZero() {
		s.CreatedAt = time.Now().UTC()
	}
	m.subs[s.ID] = &s
	return s.ID
}

func (m *MockSubscriptionRepository) Create(_ context.Context, s *domain.Subscription) error {
	if m.CreateErr != nil {
		return m.CreateErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.subs {
		if existing.Endpoint == s.Endpoint || existing.PublicKey == s.PublicKey || existing.Token == s.Token {
			return domain.ErrConflict
		}
	}
	m.nextID++
	s.ID = m.nextID
	s.CreatedAt = time.Now().UTC()
	clone := *s
	m.subs[s.ID] = &clone
	return nil
}

func (m *MockSubscriptionRepository) QueryIDsPage(_ context.Context, offset, limit int) ([]int64, error) {
	if m.QueryErr != nil {
		return nil, m.QueryErr
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := make([]int64, 0, len(m.subs))
	for id := range m.subs {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	if offset >= len(ids) {
		return nil, nil
	}
	end := min(offset+limit, len(ids))
	return ids[offset:end], nil
}

func (m *MockSubscriptionRepository) LoadByID(_ context.Context, id int64) (*domain.Subscription, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.LoadErr[id]; err != nil {
		return nil, err
	}
	s, ok := m.subs[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	clone := *s
	return &clone, nil
}

func (m *MockSubscriptionRepository) FindIDsByEndpoint(_ context.Context, endpoint string) ([]int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var ids []int64
	for id, s := range m.subs {
		if s.Endpoint == endpoint {
			ids = append(ids, id)
		}
	}
	slices.Sort(ids)
	return ids, nil
}

func (m *MockSubscriptionRepository) DeleteByEndpoint(_ context.Context, endpoint string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deleteCalls++
	if err := m.DeleteErr[endpoint]; err != nil {
		return 0, err
	}
	n := 0
	for id, s := range m.subs {
		if s.Endpoint == endpoint {
			delete(m.subs, id)
			n++
		}
	}
	return n, nil
}

func (m *MockSubscriptionRepository) Count(_ context.Context) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.subs), nil
}

// Remove deletes a record by ID, simulating a concurrent unsubscribe.
func (m *MockSubscriptionRepository) Remove(id int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.subs, id)
}

// DeleteCalls reports how many DeleteByEndpoint calls were made.
func (m *MockSubscriptionRepository) DeleteCalls() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.deleteCalls
}
