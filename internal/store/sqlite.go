package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/m-mizutani/goerr/v2"
	_ "modernc.org/sqlite"

	"github.com/rcliao/user-memory/internal/model"
)

// timeLayout is fixed width so stored timestamps sort lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// SQLiteStore implements Store using SQLite. Entries are ordered within a
// user by rowid, which preserves insertion order across upserts.
type SQLiteStore struct {
	db  *sql.DB
	now func() time.Time
}

// SQLiteOption configures a SQLiteStore.
type SQLiteOption func(*SQLiteStore)

// WithSQLiteClock overrides the clock used for expiry checks and updated_at.
func WithSQLiteClock(now func() time.Time) SQLiteOption {
	return func(s *SQLiteStore) { s.now = now }
}

// NewSQLiteStore opens or creates a SQLite database at the given path.
func NewSQLiteStore(dbPath string, opts ...SQLiteOption) (*SQLiteStore, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, goerr.Wrap(err, "create db dir", goerr.V("dir", dir))
	}

	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(wal)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, goerr.Wrap(err, "open db", goerr.V("path", dbPath))
	}
	// One connection serializes writers; SQLite would otherwise report
	// SQLITE_BUSY under parallel writes.
	db.SetMaxOpenConns(1)

	s := &SQLiteStore{db: db, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}

	if err := s.migrate(); err != nil {
		db.Close()
		return nil, goerr.Wrap(err, "migrate")
	}

	return s, nil
}

func (s *SQLiteStore) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS entries (
		id           TEXT PRIMARY KEY,
		user_id      TEXT NOT NULL,
		kind         TEXT NOT NULL,
		content      TEXT NOT NULL,
		created_at   TEXT NOT NULL,
		updated_at   TEXT NOT NULL,
		expires_at   TEXT,
		importance   REAL NOT NULL DEFAULT 1.0,
		access_count INTEGER NOT NULL DEFAULT 0,
		tags         TEXT,
		metadata     TEXT
	);
	CREATE INDEX IF NOT EXISTS idx_entries_user ON entries(user_id, updated_at DESC);
	CREATE INDEX IF NOT EXISTS idx_entries_expires ON entries(expires_at);

	CREATE TABLE IF NOT EXISTS profiles (
		user_id TEXT PRIMARY KEY,
		data    TEXT NOT NULL
	);
	`
	_, err := s.db.Exec(schema)
	return err
}

const entryColumns = `id, user_id, kind, content, created_at, updated_at, expires_at,
	importance, access_count, tags, metadata`

func (s *SQLiteStore) StoreEntry(ctx context.Context, e *model.Entry) (bool, error) {
	content, err := json.Marshal(e.Content)
	if err != nil {
		return false, goerr.Wrap(err, "encode content", goerr.V("id", e.ID))
	}
	tags, _ := json.Marshal(e.Tags)
	meta, _ := json.Marshal(e.Metadata)

	var expiresAt *string
	if e.ExpiresAt != nil {
		exp := formatTime(*e.ExpiresAt)
		expiresAt = &exp
	}

	res, err := s.db.ExecContext(ctx,
		`INSERT INTO entries (`+entryColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
		   user_id = excluded.user_id, kind = excluded.kind, content = excluded.content,
		   created_at = excluded.created_at, updated_at = excluded.updated_at,
		   expires_at = excluded.expires_at, importance = excluded.importance,
		   access_count = excluded.access_count, tags = excluded.tags, metadata = excluded.metadata
		 WHERE entries.user_id = excluded.user_id`,
		e.ID, e.UserID, string(e.Kind), string(content),
		formatTime(e.CreatedAt), formatTime(e.UpdatedAt), expiresAt,
		e.Importance, e.AccessCount, string(tags), string(meta))
	if err != nil {
		return false, backendError(err, "insert entry", goerr.V("id", e.ID))
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, backendError(err, "insert entry", goerr.V("id", e.ID))
	}
	return n > 0, nil
}

func (s *SQLiteStore) GetEntry(ctx context.Context, id string) (*model.Entry, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, backendError(err, "begin tx")
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `UPDATE entries SET access_count = access_count + 1 WHERE id = ?`, id)
	if err != nil {
		return nil, backendError(err, "update access count", goerr.V("id", id))
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, nil
	}

	row := tx.QueryRowContext(ctx, `SELECT `+entryColumns+` FROM entries WHERE id = ?`, id)
	e, err := scanEntry(row)
	if err != nil {
		return nil, backendError(err, "read entry", goerr.V("id", id))
	}

	if err := tx.Commit(); err != nil {
		return nil, backendError(err, "commit", goerr.V("id", id))
	}
	return &e, nil
}

func (s *SQLiteStore) GetUserEntries(ctx context.Context, p ListParams) ([]model.Entry, error) {
	entries, err := s.userEntries(ctx, p.UserID, p.Kind)
	if err != nil {
		return nil, err
	}
	return paginate(entries, p.Limit, p.Offset), nil
}

func (s *SQLiteStore) UpdateEntry(ctx context.Context, id string, content map[string]any) (bool, error) {
	data, err := json.Marshal(content)
	if err != nil {
		return false, goerr.Wrap(err, "encode content", goerr.V("id", id))
	}
	now := formatTime(s.now())
	res, err := s.db.ExecContext(ctx,
		`UPDATE entries SET content = ?, updated_at = MAX(updated_at, ?) WHERE id = ?`,
		string(data), now, id)
	if err != nil {
		return false, backendError(err, "update entry", goerr.V("id", id))
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func (s *SQLiteStore) DeleteEntry(ctx context.Context, id string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM entries WHERE id = ?`, id)
	if err != nil {
		return false, backendError(err, "delete entry", goerr.V("id", id))
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func (s *SQLiteStore) DeleteUserEntries(ctx context.Context, userID string) (int, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM entries WHERE user_id = ?`, userID)
	if err != nil {
		return 0, backendError(err, "delete user entries", goerr.V("user_id", userID))
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// SearchEntries filters in Go over the canonical content form so results
// match the other backends exactly; LIKE only folds ASCII case.
func (s *SQLiteStore) SearchEntries(ctx context.Context, p SearchParams) ([]model.Entry, error) {
	entries, err := s.userEntries(ctx, p.UserID, p.Kind)
	if err != nil {
		return nil, err
	}
	return matchEntries(entries, p.Query, p.Limit), nil
}

func (s *SQLiteStore) GetProfile(ctx context.Context, userID string) (*model.Profile, error) {
	var data string
	err := s.db.QueryRowContext(ctx, `SELECT data FROM profiles WHERE user_id = ?`, userID).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, backendError(err, "read profile", goerr.V("user_id", userID))
	}

	var p model.Profile
	if err := json.Unmarshal([]byte(data), &p); err != nil {
		return nil, backendError(err, "decode profile", goerr.V("user_id", userID))
	}
	p.Normalize()
	return &p, nil
}

func (s *SQLiteStore) SaveProfile(ctx context.Context, p *model.Profile) error {
	data, err := json.Marshal(p)
	if err != nil {
		return goerr.Wrap(err, "encode profile", goerr.V("user_id", p.UserID))
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO profiles (user_id, data) VALUES (?, ?)
		 ON CONFLICT(user_id) DO UPDATE SET data = excluded.data`,
		p.UserID, string(data))
	if err != nil {
		return backendError(err, "save profile", goerr.V("user_id", p.UserID))
	}
	return nil
}

func (s *SQLiteStore) DeleteProfile(ctx context.Context, userID string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM profiles WHERE user_id = ?`, userID)
	if err != nil {
		return false, backendError(err, "delete profile", goerr.V("user_id", userID))
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func (s *SQLiteStore) SweepExpired(ctx context.Context) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM entries WHERE expires_at IS NOT NULL AND expires_at < ?`,
		formatTime(s.now()))
	if err != nil {
		return 0, backendError(err, "sweep expired")
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) userEntries(ctx context.Context, userID string, kind model.Kind) ([]model.Entry, error) {
	where := []string{"user_id = ?", "(expires_at IS NULL OR expires_at >= ?)"}
	args := []any{userID, formatTime(s.now())}
	if kind != "" {
		where = append(where, "kind = ?")
		args = append(args, string(kind))
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT `+entryColumns+` FROM entries WHERE `+strings.Join(where, " AND ")+`
		 ORDER BY updated_at DESC, rowid ASC`, args...)
	if err != nil {
		return nil, backendError(err, "list entries", goerr.V("user_id", userID))
	}
	defer rows.Close()

	entries := []model.Entry{}
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, backendError(err, "scan entry", goerr.V("user_id", userID))
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, backendError(err, "list entries", goerr.V("user_id", userID))
	}
	return entries, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanEntry(row scanner) (model.Entry, error) {
	var e model.Entry
	var kind, content, createdAt, updatedAt string
	var expiresAt, tags, meta sql.NullString

	err := row.Scan(
		&e.ID, &e.UserID, &kind, &content, &createdAt, &updatedAt, &expiresAt,
		&e.Importance, &e.AccessCount, &tags, &meta,
	)
	if err != nil {
		return e, err
	}

	e.Kind = model.Kind(kind)
	if err := json.Unmarshal([]byte(content), &e.Content); err != nil {
		return e, goerr.Wrap(err, "decode content", goerr.V("id", e.ID))
	}
	if e.CreatedAt, err = time.Parse(timeLayout, createdAt); err != nil {
		return e, goerr.Wrap(err, "decode created_at", goerr.V("id", e.ID))
	}
	if e.UpdatedAt, err = time.Parse(timeLayout, updatedAt); err != nil {
		return e, goerr.Wrap(err, "decode updated_at", goerr.V("id", e.ID))
	}
	if expiresAt.Valid {
		t, err := time.Parse(timeLayout, expiresAt.String)
		if err != nil {
			return e, goerr.Wrap(err, "decode expires_at", goerr.V("id", e.ID))
		}
		e.ExpiresAt = &t
	}
	if tags.Valid {
		if err := json.Unmarshal([]byte(tags.String), &e.Tags); err != nil {
			return e, goerr.Wrap(err, "decode tags", goerr.V("id", e.ID))
		}
	}
	if meta.Valid {
		if err := json.Unmarshal([]byte(meta.String), &e.Metadata); err != nil {
			return e, goerr.Wrap(err, "decode metadata", goerr.V("id", e.ID))
		}
	}
	return e, nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}
