package memory

import (
	"context"
	"time"

	"github.com/m-mizutani/goerr/v2"

	"github.com/rcliao/user-memory/internal/logging"
	"github.com/rcliao/user-memory/internal/model"
	"github.com/rcliao/user-memory/internal/store"
)

// exportLimit caps the number of entries in one export.
const exportLimit = 1 << 20

// UserExport is a portable snapshot of everything stored for one user.
type UserExport struct {
	UserID     string         `json:"user_id"`
	ExportedAt time.Time      `json:"exported_at"`
	Profile    *model.Profile `json:"profile"`
	Entries    []model.Entry  `json:"entries"`
}

// Export returns the user's profile and all live entries, most recently
// updated first.
func (m *Memory) Export(ctx context.Context, userID string) (*UserExport, error) {
	if userID == "" {
		return nil, ErrEmptyUserID
	}
	p, err := m.GetProfile(ctx, userID)
	if err != nil {
		return nil, err
	}
	entries, err := m.store.GetUserEntries(ctx, store.ListParams{UserID: userID, Limit: exportLimit})
	if err != nil {
		return nil, goerr.Wrap(err, "failed to export entries", goerr.V("user_id", userID))
	}
	if entries == nil {
		entries = []model.Entry{}
	}
	return &UserExport{
		UserID:     userID,
		ExportedAt: m.now(),
		Profile:    p,
		Entries:    entries,
	}, nil
}

// Import writes an export back, keeping entry ids and timestamps. Entries
// with the same id are overwritten. Entries belonging to another user or
// already expired are skipped. It returns the number of entries written.
func (m *Memory) Import(ctx context.Context, x *UserExport) (int, error) {
	if x == nil || x.UserID == "" {
		return 0, ErrEmptyUserID
	}
	unlock := m.locks.lock(x.UserID)
	defer unlock()

	imported := 0
	for i := range x.Entries {
		e := x.Entries[i].Clone()
		if e.UserID != x.UserID {
			logging.From(ctx).Warn("skipping entry of another user", "id", e.ID, "user_id", e.UserID)
			continue
		}
		ok, err := m.store.StoreEntry(ctx, e)
		if err != nil {
			return imported, goerr.Wrap(err, "failed to import entry", goerr.V("id", e.ID))
		}
		if !ok {
			logging.From(ctx).Warn("entry not imported", "id", e.ID, "user_id", e.UserID)
			continue
		}
		imported++
	}

	if x.Profile != nil {
		p := x.Profile.Clone()
		p.UserID = x.UserID
		p.Normalize()
		if err := m.store.SaveProfile(ctx, p); err != nil {
			return imported, goerr.Wrap(err, "failed to import profile", goerr.V("user_id", x.UserID))
		}
	}

	logging.From(ctx).Info("imported user", "user_id", x.UserID, "entries", imported)
	return imported, nil
}
