package memory

import (
	"context"

	"github.com/m-mizutani/goerr/v2"

	"github.com/rcliao/user-memory/internal/model"
	"github.com/rcliao/user-memory/internal/store"
)

// UserStats holds per-user counts.
type UserStats struct {
	UserID            string             `json:"user_id"`
	Known             bool               `json:"known"`
	TotalEntries      int                `json:"total_entries"`
	ByKind            map[model.Kind]int `json:"by_kind"`
	WithExpiry        int                `json:"with_expiry"`
	TotalInteractions int                `json:"total_interactions"`
	Preferences       int                `json:"preferences"`
	Facts             int                `json:"facts"`
}

// Stats counts a user's live entries by kind alongside the profile totals.
func (m *Memory) Stats(ctx context.Context, userID string) (*UserStats, error) {
	st := &UserStats{UserID: userID, ByKind: map[model.Kind]int{}}

	entries, err := m.store.GetUserEntries(ctx, store.ListParams{UserID: userID, Limit: exportLimit})
	if err != nil {
		return nil, goerr.Wrap(err, "failed to count entries", goerr.V("user_id", userID))
	}
	st.TotalEntries = len(entries)
	for _, e := range entries {
		st.ByKind[e.Kind]++
		if e.ExpiresAt != nil {
			st.WithExpiry++
		}
	}

	p, err := m.GetProfile(ctx, userID)
	if err != nil {
		return nil, err
	}
	if p != nil {
		st.Known = true
		st.TotalInteractions = p.TotalInteractions
		st.Preferences = len(p.Preferences)
		st.Facts = len(p.Facts)
	}
	return st, nil
}
