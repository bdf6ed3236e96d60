package memory

import (
	"context"
	"encoding/json"
	"slices"
	"time"

	"github.com/m-mizutani/goerr/v2"

	"github.com/rcliao/user-memory/internal/model"
	"github.com/rcliao/user-memory/internal/store"
)

const (
	// DefaultRecallLimit caps Recall when the caller passes no limit.
	DefaultRecallLimit = 50
	// DefaultConversationLimit caps RecallConversations when the caller
	// passes no limit.
	DefaultConversationLimit = 20
	// DefaultSearchLimit caps Search when the caller passes no limit.
	DefaultSearchLimit = store.DefaultSearchLimit

	summaryConversationWindow = 5
)

// Conversation is one message as returned by RecallConversations.
type Conversation struct {
	Role      string    `json:"role"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

// Recall returns the user's live entries, most recently updated first,
// optionally restricted to one kind. A non-positive limit means 50.
func (m *Memory) Recall(ctx context.Context, userID string, kind model.Kind, limit int) ([]model.Entry, error) {
	if limit <= 0 {
		limit = DefaultRecallLimit
	}
	entries, err := m.store.GetUserEntries(ctx, store.ListParams{UserID: userID, Kind: kind, Limit: limit})
	if err != nil {
		return nil, goerr.Wrap(err, "failed to recall entries", goerr.V("user_id", userID), goerr.V("kind", kind))
	}
	return entries, nil
}

// RecallConversations returns the user's recent conversation messages, most
// recent first. A non-positive limit means 20.
func (m *Memory) RecallConversations(ctx context.Context, userID string, limit int) ([]Conversation, error) {
	if limit <= 0 {
		limit = DefaultConversationLimit
	}
	entries, err := m.Recall(ctx, userID, model.KindConversation, limit)
	if err != nil {
		return nil, err
	}
	convs := make([]Conversation, 0, len(entries))
	for _, e := range entries {
		convs = append(convs, toConversation(e))
	}
	return convs, nil
}

func toConversation(e model.Entry) Conversation {
	c := Conversation{Timestamp: e.CreatedAt}
	c.Role, _ = e.Content["role"].(string)
	c.Message, _ = e.Content["message"].(string)
	return c
}

// RecallPreferences returns the user's current preferences, empty when the
// user is unknown.
func (m *Memory) RecallPreferences(ctx context.Context, userID string) (map[string]any, error) {
	p, err := m.GetProfile(ctx, userID)
	if err != nil {
		return nil, err
	}
	if p == nil || p.Preferences == nil {
		return map[string]any{}, nil
	}
	return model.CloneMap(p.Preferences), nil
}

// RecallFacts returns the user's known facts in insertion order, empty when
// the user is unknown.
func (m *Memory) RecallFacts(ctx context.Context, userID string) ([]string, error) {
	p, err := m.GetProfile(ctx, userID)
	if err != nil {
		return nil, err
	}
	if p == nil || p.Facts == nil {
		return []string{}, nil
	}
	return slices.Clone(p.Facts), nil
}

// Search finds the user's entries whose content contains query, ignoring
// case. A non-positive limit means 10.
func (m *Memory) Search(ctx context.Context, userID, query string, kind model.Kind, limit int) ([]model.Entry, error) {
	if limit <= 0 {
		limit = DefaultSearchLimit
	}
	entries, err := m.store.SearchEntries(ctx, store.SearchParams{UserID: userID, Query: query, Kind: kind, Limit: limit})
	if err != nil {
		return nil, goerr.Wrap(err, "failed to search entries", goerr.V("user_id", userID), goerr.V("query", query))
	}
	return entries, nil
}

// ContextSummary is the snapshot handed to an agent before it works with a
// user. An unknown user serializes as {"known": false, "user_id": ...}.
type ContextSummary struct {
	Known               bool           `json:"known"`
	UserID              string         `json:"user_id"`
	DisplayName         *string        `json:"display_name"`
	FirstSeen           time.Time      `json:"first_seen"`
	LastSeen            time.Time      `json:"last_seen"`
	TotalInteractions   int            `json:"total_interactions"`
	Preferences         map[string]any `json:"preferences"`
	Facts               []string       `json:"facts"`
	RecentConversations []Conversation `json:"recent_conversations"`
	Tags                []string       `json:"tags"`
}

// MarshalJSON omits every profile field for unknown users.
func (s ContextSummary) MarshalJSON() ([]byte, error) {
	if !s.Known {
		return json.Marshal(struct {
			Known  bool   `json:"known"`
			UserID string `json:"user_id"`
		}{UserID: s.UserID})
	}
	type plain ContextSummary
	return json.Marshal(plain(s))
}

// GetContextSummary builds the user's context snapshot from the profile and
// the five most recent conversation messages.
func (m *Memory) GetContextSummary(ctx context.Context, userID string) (*ContextSummary, error) {
	p, err := m.GetProfile(ctx, userID)
	if err != nil {
		return nil, err
	}
	if p == nil {
		return &ContextSummary{UserID: userID}, nil
	}
	p.Normalize()

	convs, err := m.RecallConversations(ctx, userID, summaryConversationWindow)
	if err != nil {
		return nil, err
	}
	return &ContextSummary{
		Known:               true,
		UserID:              userID,
		DisplayName:         p.DisplayName,
		FirstSeen:           p.FirstSeen,
		LastSeen:            p.LastSeen,
		TotalInteractions:   p.TotalInteractions,
		Preferences:         p.Preferences,
		Facts:               p.Facts,
		RecentConversations: convs,
		Tags:                p.Tags,
	}, nil
}
