package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/collapsinghierarchy/veilbox/model"
	"github.com/collapsinghierarchy/veilbox/store"
	"github.com/google/uuid"
)

type Identity struct {
	mu    sync.RWMutex
	users map[uuid.UUID]*model.User
}

func NewIdentity(users ...*model.User) *Identity {
	id := &Identity{users: make(map[uuid.UUID]*model.User)}
	for _, u := range users {
		c := *u
		id.users[u.ID] = &c
	}
	return id
}

var _ store.Identity = (*Identity)(nil)

func (m *Identity) HasSubmitted(ctx context.Context, userID uuid.UUID) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	u, ok := m.users[userID]
	if !ok {
		return false, store.ErrUserNotFound
	}
	return u.HasSubmitted, nil
}

func (m *Identity) RecordSubmission(ctx context.Context, userID uuid.UUID, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[userID]
	if !ok {
		return store.ErrUserNotFound
	}
	u.HasSubmitted = true
	u.SubmissionCount++
	u.LastSubmissionAt = at
	return nil
}

func (m *Identity) ClaimSubmission(ctx context.Context, userID uuid.UUID, at time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[userID]
	if !ok {
		return false, store.ErrUserNotFound
	}
	if u.HasSubmitted {
		return false, nil
	}
	u.HasSubmitted = true
	u.SubmissionCount++
	u.LastSubmissionAt = at
	return true, nil
}

func (m *Identity) ReleaseSubmission(ctx context.Context, userID uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[userID]
	if !ok {
		return store.ErrUserNotFound
	}
	if u.SubmissionCount > 0 {
		u.SubmissionCount--
	}
	u.HasSubmitted = u.SubmissionCount > 0
	return nil
}

func (m *Identity) GetUser(ctx context.Context, userID uuid.UUID) (*model.User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	u, ok := m.users[userID]
	if !ok {
		return nil, store.ErrUserNotFound
	}
	c := *u
	return &c, nil
}

func (m *Identity) ListUsers(ctx context.Context) ([]*model.User, error) {
	m.mu.RLock()
	out := make([]*model.User, 0, len(m.users))
	for _, u := range m.users {
		c := *u
		out = append(out, &c)
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Email < out[j].Email })
	return out, nil
}

func (m *Identity) EnsureUser(ctx context.Context, u *model.User) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.users[u.ID]; !ok {
		c := *u
		m.users[u.ID] = &c
	}
	return nil
}
