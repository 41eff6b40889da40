// Package memory holds mutex-guarded in-process stores used by tests and by
// the memory storage driver. Nothing survives a restart.
package memory

import (
	"bytes"
	"context"
	"sort"
	"sync"

	"github.com/collapsinghierarchy/veilbox/model"
	"github.com/collapsinghierarchy/veilbox/store"
	"github.com/google/uuid"
)

type Store struct {
	mu   sync.RWMutex
	rows map[uuid.UUID]*model.Submission
	keys map[string]uuid.UUID
}

func NewStore() *Store {
	return &Store{
		rows: make(map[uuid.UUID]*model.Submission),
		keys: make(map[string]uuid.UUID),
	}
}

var _ store.Store = (*Store)(nil)

func (m *Store) Insert(ctx context.Context, s *model.Submission) (uuid.UUID, error) {
	if err := ctx.Err(); err != nil {
		return uuid.Nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, dup := m.keys[s.PublicKey]; dup {
		return uuid.Nil, store.ErrDuplicateKey
	}
	id := s.ID
	if id == uuid.Nil {
		var err error
		if id, err = uuid.NewV7(); err != nil {
			return uuid.Nil, err
		}
	}
	row := clone(s)
	row.ID = id
	m.rows[id] = row
	m.keys[s.PublicKey] = id
	return id, nil
}

func (m *Store) GetByID(ctx context.Context, id uuid.UUID) (*model.Submission, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	row, ok := m.rows[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return clone(row), nil
}

func (m *Store) Find(ctx context.Context, f store.Filter, s store.Sort, limit int) ([]*model.Submission, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	out := m.snapshot(f, s)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *Store) Count(ctx context.Context, f store.Filter) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for _, row := range m.rows {
		if matches(row, f) {
			n++
		}
	}
	return n, nil
}

// StreamSubmissions iterates a snapshot, so fn may call back into the store.
func (m *Store) StreamSubmissions(ctx context.Context, f store.Filter, s store.Sort, fn func(*model.Submission) error) error {
	for _, row := range m.snapshot(f, s) {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := fn(row); err != nil {
			return err
		}
	}
	return nil
}

func (m *Store) UpdateIfState(ctx context.Context, id uuid.UUID, expect store.Condition, p store.Patch) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	row, ok := m.rows[id]
	if !ok {
		return false, nil
	}
	var current bool
	switch expect.Field {
	case store.FieldVisible:
		current = row.Visible
	case store.FieldVerified:
		current = row.Verified
	default:
		return false, nil
	}
	if current != expect.Value {
		return false, nil
	}
	if p.Visible != nil {
		row.Visible = *p.Visible
	}
	if p.Verified != nil {
		row.Verified = *p.Verified
	}
	if p.AttributedUserID != nil {
		row.AttributedUserID = uuid.NullUUID{UUID: *p.AttributedUserID, Valid: true}
	}
	if p.RevealAt != nil {
		row.RevealAt = *p.RevealAt
	}
	return true, nil
}

func (m *Store) snapshot(f store.Filter, s store.Sort) []*model.Submission {
	m.mu.RLock()
	out := make([]*model.Submission, 0, len(m.rows))
	for _, row := range m.rows {
		if matches(row, f) {
			out = append(out, clone(row))
		}
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		switch s {
		case store.SortIDDesc:
			return bytes.Compare(a.ID[:], b.ID[:]) > 0
		case store.SortRevealAtAsc:
			if !a.RevealAt.Equal(b.RevealAt) {
				return a.RevealAt.Before(b.RevealAt)
			}
		}
		return bytes.Compare(a.ID[:], b.ID[:]) < 0
	})
	return out
}

func matches(row *model.Submission, f store.Filter) bool {
	if f.Visible != nil && row.Visible != *f.Visible {
		return false
	}
	if f.Verified != nil && row.Verified != *f.Verified {
		return false
	}
	if f.Mode != "" && row.Mode != f.Mode {
		return false
	}
	if f.PublicKey != "" && row.PublicKey != f.PublicKey {
		return false
	}
	if f.HasRevealAt != nil && row.RevealAt.IsZero() == *f.HasRevealAt {
		return false
	}
	if !f.RevealDueBy.IsZero() && (row.RevealAt.IsZero() || row.RevealAt.After(f.RevealDueBy)) {
		return false
	}
	return true
}

func clone(s *model.Submission) *model.Submission {
	c := *s
	c.Sealed = append([]byte(nil), s.Sealed...)
	return &c
}
