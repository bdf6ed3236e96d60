// Package memory is the high-level user memory API. It writes raw entries
// through a store.Store and keeps each user's aggregated profile in step
// with them.
package memory

import (
	"context"
	"maps"
	"time"

	"github.com/m-mizutani/goerr/v2"

	"github.com/rcliao/user-memory/internal/logging"
	"github.com/rcliao/user-memory/internal/model"
	"github.com/rcliao/user-memory/internal/store"
)

var (
	// ErrEmptyUserID is returned when an operation is called without a user id.
	ErrEmptyUserID = goerr.New("user id is required")
	// ErrNotStored is returned when the backend declined to store an entry,
	// e.g. because its TTL had already elapsed.
	ErrNotStored = goerr.New("entry was not stored")
)

const (
	preferenceImportance = 0.8
	defaultCategory      = "general"
	defaultFactSource    = "conversation"
)

// Memory manages per-user memories on top of a store.Store.
type Memory struct {
	store store.Store
	now   func() time.Time
	newID func() string
	locks *userLocks
}

// Option configures a Memory.
type Option func(*Memory)

// WithClock overrides the clock used for timestamps and TTLs.
func WithClock(now func() time.Time) Option {
	return func(m *Memory) { m.now = now }
}

// WithIDGenerator overrides entry id generation.
func WithIDGenerator(fn func() string) Option {
	return func(m *Memory) { m.newID = fn }
}

// New creates a Memory backed by s.
func New(s store.Store, opts ...Option) *Memory {
	m := &Memory{
		store: s,
		now:   time.Now,
		newID: NewIDGenerator(),
		locks: newUserLocks(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Store returns the underlying backend.
func (m *Memory) Store() store.Store { return m.store }

type rememberConfig struct {
	kind       model.Kind
	importance float64
	ttl        time.Duration
	tags       []string
	metadata   map[string]any
}

// RememberOption customizes a Remember call.
type RememberOption func(*rememberConfig)

// WithKind sets the entry kind. The default is model.KindContext.
func WithKind(k model.Kind) RememberOption {
	return func(c *rememberConfig) { c.kind = k }
}

// WithImportance sets the advisory importance in [0,1]. The default is 1.
func WithImportance(v float64) RememberOption {
	return func(c *rememberConfig) { c.importance = min(max(v, 0), 1) }
}

// WithTTL makes the entry expire ttl after it is written. Non-positive
// values mean no expiry.
func WithTTL(ttl time.Duration) RememberOption {
	return func(c *rememberConfig) { c.ttl = ttl }
}

// WithTags sets the entry tags.
func WithTags(tags ...string) RememberOption {
	return func(c *rememberConfig) { c.tags = tags }
}

// WithMetadata attaches free-form metadata to the entry.
func WithMetadata(md map[string]any) RememberOption {
	return func(c *rememberConfig) { c.metadata = md }
}

// Remember stores content for a user and records the interaction on the
// user's profile. It returns the new entry id.
//
// The entry and the profile are written by separate backend calls. When the
// profile write fails the entry id is still returned along with the error:
// the entry is durable and only the profile counters lag behind.
func (m *Memory) Remember(ctx context.Context, userID string, content map[string]any, opts ...RememberOption) (string, error) {
	if userID == "" {
		return "", ErrEmptyUserID
	}
	unlock := m.locks.lock(userID)
	defer unlock()

	return m.remember(ctx, userID, content, opts, nil)
}

// RememberConversation stores one conversation message.
func (m *Memory) RememberConversation(ctx context.Context, userID, role, message string, metadata map[string]any) (string, error) {
	if metadata == nil {
		metadata = map[string]any{}
	}
	return m.Remember(ctx, userID,
		map[string]any{"role": role, "message": message, "metadata": metadata},
		WithKind(model.KindConversation),
		WithTags("conversation", role),
	)
}

// RememberPreference sets a preference on the profile, replacing any prior
// value for key, and records it in the history. An empty category means
// "general".
func (m *Memory) RememberPreference(ctx context.Context, userID, key string, value any, category string) (string, error) {
	if userID == "" {
		return "", ErrEmptyUserID
	}
	if category == "" {
		category = defaultCategory
	}
	unlock := m.locks.lock(userID)
	defer unlock()

	return m.remember(ctx, userID,
		map[string]any{"key": key, "value": value, "category": category},
		[]RememberOption{
			WithKind(model.KindPreference),
			WithImportance(preferenceImportance),
			WithTags("preference", category),
		},
		func(p *model.Profile) { p.Preferences[key] = value },
	)
}

type factConfig struct {
	confidence float64
	source     string
}

// FactOption customizes a RememberFact call.
type FactOption func(*factConfig)

// WithConfidence sets the fact confidence, also used as entry importance.
func WithConfidence(v float64) FactOption {
	return func(c *factConfig) { c.confidence = min(max(v, 0), 1) }
}

// WithSource records where the fact was learned.
func WithSource(source string) FactOption {
	return func(c *factConfig) {
		if source != "" {
			c.source = source
		}
	}
}

// RememberFact adds fact to the profile unless an identical fact is already
// there, and always records a new fact entry.
func (m *Memory) RememberFact(ctx context.Context, userID, fact string, opts ...FactOption) (string, error) {
	if userID == "" {
		return "", ErrEmptyUserID
	}
	cfg := factConfig{confidence: 1.0, source: defaultFactSource}
	for _, opt := range opts {
		opt(&cfg)
	}
	unlock := m.locks.lock(userID)
	defer unlock()

	return m.remember(ctx, userID,
		map[string]any{"fact": fact, "confidence": cfg.confidence, "source": cfg.source},
		[]RememberOption{
			WithKind(model.KindFact),
			WithImportance(cfg.confidence),
			WithTags("fact", cfg.source),
		},
		func(p *model.Profile) { p.AddFact(fact) },
	)
}

// RecordInteraction logs that an agent started handling a task for the user.
func (m *Memory) RecordInteraction(ctx context.Context, userID, taskType, agentID string) (string, error) {
	return m.Remember(ctx, userID,
		map[string]any{
			"task_type": taskType,
			"agent_id":  agentID,
			"timestamp": m.now().Format(time.RFC3339Nano),
		},
		WithKind(model.KindInteraction),
	)
}

// RecordTaskResult logs the outcome of a task handled for the user.
func (m *Memory) RecordTaskResult(ctx context.Context, userID, taskID, agentID string, success bool) (string, error) {
	return m.Remember(ctx, userID,
		map[string]any{"task_id": taskID, "success": success, "agent_id": agentID},
		WithKind(model.KindTaskHistory),
	)
}

// remember writes the entry and then the profile. Caller must hold the
// user's lock. mutate, when set, applies an aggregate change to the profile
// in the same save.
func (m *Memory) remember(ctx context.Context, userID string, content map[string]any, opts []RememberOption, mutate func(*model.Profile)) (string, error) {
	cfg := rememberConfig{kind: model.KindContext, importance: 1.0}
	for _, opt := range opts {
		opt(&cfg)
	}
	if content == nil {
		content = map[string]any{}
	}
	tags := cfg.tags
	if tags == nil {
		tags = []string{}
	}
	metadata := cfg.metadata
	if metadata == nil {
		metadata = map[string]any{}
	}

	now := m.now()
	e := &model.Entry{
		ID:         m.newID(),
		UserID:     userID,
		Kind:       cfg.kind,
		Content:    content,
		CreatedAt:  now,
		UpdatedAt:  now,
		Importance: cfg.importance,
		Tags:       tags,
		Metadata:   metadata,
	}
	if cfg.ttl > 0 {
		exp := now.Add(cfg.ttl)
		e.ExpiresAt = &exp
	}

	ok, err := m.store.StoreEntry(ctx, e)
	if err != nil {
		return "", goerr.Wrap(err, "failed to store entry", goerr.V("user_id", userID), goerr.V("kind", e.Kind))
	}
	if !ok {
		return "", goerr.Wrap(ErrNotStored, "backend declined entry", goerr.V("user_id", userID), goerr.V("id", e.ID))
	}

	profile, err := m.loadOrCreateProfile(ctx, userID, now)
	if err != nil {
		return e.ID, err
	}
	if mutate != nil {
		mutate(profile)
	}
	profile.LastSeen = now
	profile.TotalInteractions++
	if err := m.store.SaveProfile(ctx, profile); err != nil {
		return e.ID, goerr.Wrap(err, "entry stored but profile update failed", goerr.V("user_id", userID), goerr.V("id", e.ID))
	}

	logging.From(ctx).Debug("stored memory", "id", e.ID, "user_id", userID, "kind", e.Kind)
	return e.ID, nil
}

func (m *Memory) loadOrCreateProfile(ctx context.Context, userID string, now time.Time) (*model.Profile, error) {
	p, err := m.store.GetProfile(ctx, userID)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to load profile", goerr.V("user_id", userID))
	}
	if p == nil {
		return model.NewProfile(userID, now), nil
	}
	p.Normalize()
	return p, nil
}

// Forget deletes one entry.
func (m *Memory) Forget(ctx context.Context, id string) (bool, error) {
	ok, err := m.store.DeleteEntry(ctx, id)
	if err != nil {
		return false, goerr.Wrap(err, "failed to forget entry", goerr.V("id", id))
	}
	return ok, nil
}

// ForgetUser erases every entry of a user and then the profile, returning the
// number of entries removed. The profile goes last because its presence is
// what makes a user "known"; if that delete fails the count is returned with
// the error and the call can simply be repeated.
func (m *Memory) ForgetUser(ctx context.Context, userID string) (int, error) {
	if userID == "" {
		return 0, ErrEmptyUserID
	}
	unlock := m.locks.lock(userID)
	defer unlock()

	count, err := m.store.DeleteUserEntries(ctx, userID)
	if err != nil {
		return 0, goerr.Wrap(err, "failed to delete user entries", goerr.V("user_id", userID))
	}
	if _, err := m.store.DeleteProfile(ctx, userID); err != nil {
		return count, goerr.Wrap(err, "entries erased but profile remains", goerr.V("user_id", userID), goerr.V("count", count))
	}

	logging.From(ctx).Info("forgot user", "user_id", userID, "entries", count)
	return count, nil
}

// GetProfile returns the user's profile, or nil when the user is unknown.
func (m *Memory) GetProfile(ctx context.Context, userID string) (*model.Profile, error) {
	p, err := m.store.GetProfile(ctx, userID)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to get profile", goerr.V("user_id", userID))
	}
	return p, nil
}

// ProfileUpdate lists the profile fields to change. Nil fields are left
// alone; Metadata is merged key by key rather than replaced.
type ProfileUpdate struct {
	DisplayName *string
	Tags        []string
	Metadata    map[string]any
}

// UpdateProfile applies u, creating the profile when needed, and bumps
// last_seen.
func (m *Memory) UpdateProfile(ctx context.Context, userID string, u ProfileUpdate) error {
	if userID == "" {
		return ErrEmptyUserID
	}
	unlock := m.locks.lock(userID)
	defer unlock()

	now := m.now()
	p, err := m.loadOrCreateProfile(ctx, userID, now)
	if err != nil {
		return err
	}
	if u.DisplayName != nil {
		name := *u.DisplayName
		p.DisplayName = &name
	}
	if u.Tags != nil {
		p.Tags = append([]string{}, u.Tags...)
	}
	maps.Copy(p.Metadata, u.Metadata)
	p.LastSeen = now

	if err := m.store.SaveProfile(ctx, p); err != nil {
		return goerr.Wrap(err, "failed to save profile", goerr.V("user_id", userID))
	}
	return nil
}

// Get returns one entry by id, counting the access. It returns nil when the
// entry does not exist.
func (m *Memory) Get(ctx context.Context, id string) (*model.Entry, error) {
	e, err := m.store.GetEntry(ctx, id)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to get entry", goerr.V("id", id))
	}
	return e, nil
}

// Update replaces an entry's content and reports whether it existed.
func (m *Memory) Update(ctx context.Context, id string, content map[string]any) (bool, error) {
	ok, err := m.store.UpdateEntry(ctx, id, content)
	if err != nil {
		return false, goerr.Wrap(err, "failed to update entry", goerr.V("id", id))
	}
	return ok, nil
}
