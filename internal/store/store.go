// Package store provides the memory storage contract and its backends:
// an in-process map, Redis and SQLite.
package store

import (
	"context"
	"errors"
	"sort"
	"strings"
	"time"

	"github.com/m-mizutani/goerr/v2"

	"github.com/rcliao/user-memory/internal/model"
)

const (
	// DefaultListLimit is used when ListParams.Limit is not positive.
	DefaultListLimit = 100
	// DefaultSearchLimit is used when SearchParams.Limit is not positive.
	DefaultSearchLimit = 10
)

// ErrBackend marks failures of the storage service itself, as opposed to a
// missing record. Match it with errors.Is.
var ErrBackend = goerr.New("storage backend failure")

// ListParams holds parameters for listing a user's entries.
type ListParams struct {
	UserID string
	Kind   model.Kind // empty means any kind
	Limit  int
	Offset int
}

// SearchParams holds parameters for searching a user's entries.
type SearchParams struct {
	UserID string
	Query  string
	Kind   model.Kind
	Limit  int
}

// Store defines the memory storage contract. Absent records are reported
// with false, nil or an empty slice and a nil error; errors are reserved
// for backend faults and match ErrBackend.
type Store interface {
	// StoreEntry upserts an entry by ID. It returns false when the backend
	// refuses the write without failing, e.g. an entry that is already expired.
	StoreEntry(ctx context.Context, e *model.Entry) (bool, error)

	// GetEntry returns the entry and durably increments its access count.
	GetEntry(ctx context.Context, id string) (*model.Entry, error)

	// GetUserEntries lists live entries, most recently updated first.
	GetUserEntries(ctx context.Context, p ListParams) ([]model.Entry, error)

	// UpdateEntry replaces the content and bumps updated_at.
	UpdateEntry(ctx context.Context, id string, content map[string]any) (bool, error)

	// DeleteEntry removes an entry and its index membership.
	DeleteEntry(ctx context.Context, id string) (bool, error)

	// DeleteUserEntries removes every entry of a user and returns the count.
	DeleteUserEntries(ctx context.Context, userID string) (int, error)

	// SearchEntries does a case-insensitive substring match on content.
	SearchEntries(ctx context.Context, p SearchParams) ([]model.Entry, error)

	GetProfile(ctx context.Context, userID string) (*model.Profile, error)
	SaveProfile(ctx context.Context, p *model.Profile) error
	DeleteProfile(ctx context.Context, userID string) (bool, error)

	// SweepExpired physically removes expired entries and returns the count.
	SweepExpired(ctx context.Context) (int, error)

	// Close releases backend resources.
	Close() error
}

// backendError wraps a service failure so that it matches ErrBackend while
// keeping the cause available to errors.As.
func backendError(err error, msg string, opts ...goerr.Option) error {
	return goerr.Wrap(errors.Join(ErrBackend, err), msg, opts...)
}

// sortRecent orders entries by updated_at descending. The sort is stable, so
// entries with equal timestamps keep their index order.
func sortRecent(entries []model.Entry) {
	sort.SliceStable(entries, func(i, j int) bool {
		return entries[i].UpdatedAt.After(entries[j].UpdatedAt)
	})
}

// paginate applies offset and limit to an already ordered slice.
func paginate(entries []model.Entry, limit, offset int) []model.Entry {
	if limit <= 0 {
		limit = DefaultListLimit
	}
	if offset < 0 {
		offset = 0
	}
	if offset >= len(entries) {
		return []model.Entry{}
	}
	end := min(offset+limit, len(entries))
	return entries[offset:end]
}

// liveOfKind drops expired entries and entries of another kind.
func liveOfKind(entries []model.Entry, kind model.Kind, now time.Time) []model.Entry {
	out := entries[:0]
	for _, e := range entries {
		if e.Expired(now) {
			continue
		}
		if kind != "" && e.Kind != kind {
			continue
		}
		out = append(out, e)
	}
	return out
}

// matchEntries returns up to limit entries whose canonical content contains
// query, ignoring case. Input order is preserved.
func matchEntries(entries []model.Entry, query string, limit int) []model.Entry {
	if limit <= 0 {
		limit = DefaultSearchLimit
	}
	q := strings.ToLower(query)
	results := []model.Entry{}
	for _, e := range entries {
		if !strings.Contains(strings.ToLower(e.ContentString()), q) {
			continue
		}
		results = append(results, e)
		if len(results) >= limit {
			break
		}
	}
	return results
}
