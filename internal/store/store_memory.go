package store

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/park285/match-engine/internal/match"
)

// MemoryStore is an in-process Store for tests and local tooling. A single
// mutex serialises writers, so it never reports ConcurrentCommitment.
type MemoryStore struct {
	mu sync.RWMutex

	byID   map[string]*match.Match
	byUser map[string][]string // participant -> match ids
	slots  map[string]string   // participant -> committed match id
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		byID:   make(map[string]*match.Match),
		byUser: make(map[string][]string),
		slots:  make(map[string]string),
	}
}

type memSlots struct {
	raw     map[string]string
	holders map[string]string
}

func (v memSlots) Holder(participant string) string { return v.holders[participant] }

func (s *MemoryStore) view(participants []string) memSlots {
	v := memSlots{raw: map[string]string{}, holders: map[string]string{}}
	for _, p := range participants {
		id, ok := s.slots[p]
		if !ok {
			continue
		}
		v.raw[p] = id
		if held := s.byID[id]; held != nil && held.Status.Committed() && held.HasParticipant(p) {
			v.holders[p] = id
		}
	}
	return v
}

func (s *MemoryStore) Create(_ context.Context, m *match.Match, check CreateCheck) error {
	if m == nil || strings.TrimSpace(m.ID) == "" {
		return errors.Wrap(match.ErrInvalidInput, "match id required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.byID[m.ID]; exists {
		return errors.Newf("match %s already exists", m.ID)
	}
	if check != nil {
		if err := check(s.view(m.Participants())); err != nil {
			return err
		}
	}
	s.byID[m.ID] = m.Clone()
	for _, p := range m.Participants() {
		s.byUser[p] = append(s.byUser[p], m.ID)
	}
	return nil
}

func (s *MemoryStore) Get(_ context.Context, id string) (*match.Match, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return nil, errors.Wrap(match.ErrInvalidInput, "match id required")
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.byID[id]
	if !ok {
		return nil, errors.Wrapf(match.ErrNotFound, "match %s", id)
	}
	return m.Clone(), nil
}

func (s *MemoryStore) Apply(_ context.Context, id string, fn Mutation) (*match.Match, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return nil, errors.Wrap(match.ErrInvalidInput, "match id required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.byID[id]
	if !ok {
		return nil, errors.Wrapf(match.ErrNotFound, "match %s", id)
	}
	view := s.view(cur.Participants())
	change, err := fn(cur.Clone(), view)
	if err != nil {
		return nil, err
	}
	if change == nil || change.Match == nil {
		return cur.Clone(), nil
	}
	next := change.Match.Clone()
	next.ID = cur.ID
	next.Version = cur.Version + 1
	s.byID[id] = next
	for _, p := range change.Claim {
		s.slots[p] = id
	}
	for _, p := range change.Release {
		if view.raw[p] == id {
			delete(s.slots, p)
		}
	}
	return next.Clone(), nil
}

func (s *MemoryStore) ListByParticipant(_ context.Context, participant string, statuses ...match.Status) ([]*match.Match, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.filter(s.byUser[strings.TrimSpace(participant)], statuses), nil
}

func (s *MemoryStore) ListByStatus(_ context.Context, status match.Status) ([]*match.Match, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]string, 0, len(s.byID))
	for id := range s.byID {
		ids = append(ids, id)
	}
	return s.filter(ids, []match.Status{status}), nil
}

func (s *MemoryStore) CommittedMatchID(_ context.Context, participant string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.slots[strings.TrimSpace(participant)], nil
}

func (s *MemoryStore) filter(ids []string, statuses []match.Status) []*match.Match {
	var out []*match.Match
	for _, id := range ids {
		m := s.byID[id]
		if m == nil {
			continue
		}
		if len(statuses) > 0 && !containsStatus(statuses, m.Status) {
			continue
		}
		out = append(out, m.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].UpdatedAt.Equal(out[j].UpdatedAt) {
			return out[i].UpdatedAt.After(out[j].UpdatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func containsStatus(list []match.Status, s match.Status) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
