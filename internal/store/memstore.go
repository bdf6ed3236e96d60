package store

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/rcliao/user-memory/internal/model"
)

// MemStore implements Store in process memory. One mutex covers the entry
// table, the per-user index and the profiles so they never diverge.
// Data is lost when the process ends.
type MemStore struct {
	mu       sync.Mutex
	entries  map[string]*model.Entry
	index    map[string][]string // user_id -> entry ids in insertion order
	profiles map[string]*model.Profile
	now      func() time.Time
}

// MemOption configures a MemStore.
type MemOption func(*MemStore)

// WithMemClock overrides the clock used for expiry checks and updated_at.
func WithMemClock(now func() time.Time) MemOption {
	return func(s *MemStore) { s.now = now }
}

// NewMemStore creates an empty in-process store.
func NewMemStore(opts ...MemOption) *MemStore {
	s := &MemStore{
		entries:  map[string]*model.Entry{},
		index:    map[string][]string{},
		profiles: map[string]*model.Profile{},
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *MemStore) StoreEntry(ctx context.Context, e *model.Entry) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	prev, exists := s.entries[e.ID]
	switch {
	case !exists:
		s.index[e.UserID] = append(s.index[e.UserID], e.ID)
	case prev.UserID != e.UserID:
		// ids never move between users
		return false, nil
	}
	s.entries[e.ID] = e.Clone()
	return true, nil
}

func (s *MemStore) GetEntry(ctx context.Context, id string) (*model.Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[id]
	if !ok {
		return nil, nil
	}
	e.AccessCount++
	return e.Clone(), nil
}

func (s *MemStore) GetUserEntries(ctx context.Context, p ListParams) ([]model.Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return paginate(s.userEntries(p.UserID, p.Kind), p.Limit, p.Offset), nil
}

func (s *MemStore) UpdateEntry(ctx context.Context, id string, content map[string]any) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[id]
	if !ok {
		return false, nil
	}
	e.Content = model.CloneMap(content)
	if now := s.now(); now.After(e.UpdatedAt) {
		e.UpdatedAt = now
	}
	return true, nil
}

func (s *MemStore) DeleteEntry(ctx context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.delete(id), nil
}

func (s *MemStore) DeleteUserEntries(ctx context.Context, userID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	count := 0
	for _, id := range s.index[userID] {
		if _, ok := s.entries[id]; ok {
			delete(s.entries, id)
			count++
		}
	}
	delete(s.index, userID)
	return count, nil
}

func (s *MemStore) SearchEntries(ctx context.Context, p SearchParams) ([]model.Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return matchEntries(s.userEntries(p.UserID, p.Kind), p.Query, p.Limit), nil
}

func (s *MemStore) GetProfile(ctx context.Context, userID string) (*model.Profile, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.profiles[userID]
	if !ok {
		return nil, nil
	}
	return p.Clone(), nil
}

func (s *MemStore) SaveProfile(ctx context.Context, p *model.Profile) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.profiles[p.UserID] = p.Clone()
	return nil
}

func (s *MemStore) DeleteProfile(ctx context.Context, userID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.profiles[userID]; !ok {
		return false, nil
	}
	delete(s.profiles, userID)
	return true, nil
}

func (s *MemStore) SweepExpired(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	var expired []string
	for id, e := range s.entries {
		if e.Expired(now) {
			expired = append(expired, id)
		}
	}
	for _, id := range expired {
		s.delete(id)
	}
	return len(expired), nil
}

func (s *MemStore) Close() error { return nil }

// userEntries returns copies of the user's live entries of kind, ordered by
// recency. Caller must hold s.mu.
func (s *MemStore) userEntries(userID string, kind model.Kind) []model.Entry {
	ids := s.index[userID]
	entries := make([]model.Entry, 0, len(ids))
	for _, id := range ids {
		if e, ok := s.entries[id]; ok {
			entries = append(entries, *e.Clone())
		}
	}
	entries = liveOfKind(entries, kind, s.now())
	sortRecent(entries)
	return entries
}

// delete removes an entry and its index membership. Caller must hold s.mu.
func (s *MemStore) delete(id string) bool {
	e, ok := s.entries[id]
	if !ok {
		return false
	}
	delete(s.entries, id)
	s.unindex(e.UserID, id)
	return true
}

func (s *MemStore) unindex(userID, id string) {
	ids := s.index[userID]
	if i := slices.Index(ids, id); i >= 0 {
		s.index[userID] = slices.Delete(ids, i, i+1)
	}
	if len(s.index[userID]) == 0 {
		delete(s.index, userID)
	}
}
