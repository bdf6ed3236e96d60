package store

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"time"

	"github.com/m-mizutani/goerr/v2"
	"github.com/redis/go-redis/v9"

	"github.com/rcliao/user-memory/internal/logging"
	"github.com/rcliao/user-memory/internal/model"
)

// DefaultRedisPrefix namespaces every key written by a RedisStore.
const DefaultRedisPrefix = "memory:"

// maxTxRetries bounds optimistic WATCH retries on contended keys.
const maxTxRetries = 32

var errTxConflict = goerr.New("transaction kept conflicting")

// RedisOptions configures the Redis connection.
type RedisOptions struct {
	// URL is the Redis connection string (e.g., "redis://localhost:6379/0")
	URL string

	// Password overrides any password in URL when set.
	Password string

	// Prefix namespaces all keys. Defaults to DefaultRedisPrefix.
	Prefix string

	// TLS configuration for secure connections
	TLS *tls.Config

	ConnectTimeout time.Duration
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration

	// Now overrides the clock used to turn expires_at into a TTL.
	Now func() time.Time
}

// RedisStore implements Store on Redis. Expiry is delegated to native key
// TTLs; each user has a sorted set of entry ids scored by insertion order.
// Concurrency control is left to Redis: per-key atomicity plus WATCH for
// read-modify-write paths.
type RedisStore struct {
	client *redis.Client
	prefix string
	now    func() time.Time
}

// NewRedisStore connects to Redis and verifies the connection.
func NewRedisStore(opts RedisOptions) (*RedisStore, error) {
	if opts.URL == "" {
		opts.URL = "redis://localhost:6379"
	}
	if opts.Prefix == "" {
		opts.Prefix = DefaultRedisPrefix
	}
	if opts.ConnectTimeout == 0 {
		opts.ConnectTimeout = 5 * time.Second
	}
	if opts.ReadTimeout == 0 {
		opts.ReadTimeout = 3 * time.Second
	}
	if opts.WriteTimeout == 0 {
		opts.WriteTimeout = 3 * time.Second
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	redisOpts, err := redis.ParseURL(opts.URL)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to parse Redis URL")
	}
	if opts.Password != "" {
		redisOpts.Password = opts.Password
	}
	if opts.TLS != nil {
		redisOpts.TLSConfig = opts.TLS
	}
	redisOpts.DialTimeout = opts.ConnectTimeout
	redisOpts.ReadTimeout = opts.ReadTimeout
	redisOpts.WriteTimeout = opts.WriteTimeout

	client := redis.NewClient(redisOpts)

	ctx, cancel := context.WithTimeout(context.Background(), opts.ConnectTimeout)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, backendError(err, "failed to connect to Redis", goerr.V("addr", redisOpts.Addr))
	}

	return &RedisStore{client: client, prefix: opts.Prefix, now: opts.Now}, nil
}

func (s *RedisStore) entryKey(id string) string {
	return s.prefix + "entry:" + id
}

func (s *RedisStore) indexKey(userID string) string {
	return s.prefix + "user:" + userID + ":entries"
}

func (s *RedisStore) profileKey(userID string) string {
	return s.prefix + "profile:" + userID
}

func (s *RedisStore) seqKey() string {
	return s.prefix + "seq"
}

func (s *RedisStore) StoreEntry(ctx context.Context, e *model.Entry) (bool, error) {
	var ttl time.Duration
	if e.ExpiresAt != nil {
		secs := int64(e.ExpiresAt.Sub(s.now()) / time.Second)
		if secs <= 0 {
			return false, nil
		}
		ttl = time.Duration(secs) * time.Second
	}

	data, err := json.Marshal(e)
	if err != nil {
		return false, goerr.Wrap(err, "failed to encode entry", goerr.V("id", e.ID))
	}

	seq, err := s.client.Incr(ctx, s.seqKey()).Result()
	if err != nil {
		return false, s.fault(ctx, err, "failed to allocate index sequence", "id", e.ID)
	}

	key := s.entryKey(e.ID)
	stored := false
	err = s.watch(ctx, func(tx *redis.Tx) error {
		stored = false
		owner, err := entryOwner(ctx, tx, key)
		if err != nil {
			return err
		}
		// ids never move between users
		if owner != "" && owner != e.UserID {
			return nil
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, data, ttl)
			pipe.ZAddNX(ctx, s.indexKey(e.UserID), redis.Z{Score: float64(seq), Member: e.ID})
			return nil
		})
		stored = err == nil
		return err
	}, key)
	if err != nil {
		return false, s.fault(ctx, err, "failed to store entry", "id", e.ID)
	}
	return stored, nil
}

func (s *RedisStore) GetEntry(ctx context.Context, id string) (*model.Entry, error) {
	key := s.entryKey(id)
	var found *model.Entry

	err := s.watch(ctx, func(tx *redis.Tx) error {
		found = nil
		e, err := getEntry(ctx, tx, key)
		if err != nil || e == nil {
			return err
		}
		e.AccessCount++
		if err := putEntryKeepTTL(ctx, tx, key, e); err != nil {
			return err
		}
		found = e
		return nil
	}, key)
	if err != nil {
		return nil, s.fault(ctx, err, "failed to get entry", "id", id)
	}
	return found, nil
}

func (s *RedisStore) GetUserEntries(ctx context.Context, p ListParams) ([]model.Entry, error) {
	entries, err := s.userEntries(ctx, p.UserID, p.Kind)
	if err != nil {
		return nil, err
	}
	return paginate(entries, p.Limit, p.Offset), nil
}

func (s *RedisStore) UpdateEntry(ctx context.Context, id string, content map[string]any) (bool, error) {
	key := s.entryKey(id)
	updated := false

	err := s.watch(ctx, func(tx *redis.Tx) error {
		updated = false
		e, err := getEntry(ctx, tx, key)
		if err != nil || e == nil {
			return err
		}
		e.Content = content
		if now := s.now(); now.After(e.UpdatedAt) {
			e.UpdatedAt = now
		}
		if err := putEntryKeepTTL(ctx, tx, key, e); err != nil {
			return err
		}
		updated = true
		return nil
	}, key)
	if err != nil {
		return false, s.fault(ctx, err, "failed to update entry", "id", id)
	}
	return updated, nil
}

func (s *RedisStore) DeleteEntry(ctx context.Context, id string) (bool, error) {
	key := s.entryKey(id)
	deleted := false

	err := s.watch(ctx, func(tx *redis.Tx) error {
		deleted = false
		e, err := getEntry(ctx, tx, key)
		if err != nil || e == nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Del(ctx, key)
			pipe.ZRem(ctx, s.indexKey(e.UserID), id)
			return nil
		})
		if err != nil {
			return err
		}
		deleted = true
		return nil
	}, key)
	if err != nil {
		return false, s.fault(ctx, err, "failed to delete entry", "id", id)
	}
	return deleted, nil
}

func (s *RedisStore) DeleteUserEntries(ctx context.Context, userID string) (int, error) {
	idxKey := s.indexKey(userID)
	count := 0

	err := s.watch(ctx, func(tx *redis.Tx) error {
		count = 0
		ids, err := tx.ZRange(ctx, idxKey, 0, -1).Result()
		if err != nil {
			return err
		}
		keys := make([]string, len(ids))
		for i, id := range ids {
			keys[i] = s.entryKey(id)
		}

		var del *redis.IntCmd
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			if len(keys) > 0 {
				del = pipe.Del(ctx, keys...)
			}
			pipe.Del(ctx, idxKey)
			return nil
		})
		if err != nil {
			return err
		}
		if del != nil {
			count = int(del.Val())
		}
		return nil
	}, idxKey)
	if err != nil {
		return 0, s.fault(ctx, err, "failed to delete user entries", "user_id", userID)
	}
	return count, nil
}

func (s *RedisStore) SearchEntries(ctx context.Context, p SearchParams) ([]model.Entry, error) {
	entries, err := s.userEntries(ctx, p.UserID, p.Kind)
	if err != nil {
		return nil, err
	}
	return matchEntries(entries, p.Query, p.Limit), nil
}

func (s *RedisStore) GetProfile(ctx context.Context, userID string) (*model.Profile, error) {
	data, err := s.client.Get(ctx, s.profileKey(userID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, s.fault(ctx, err, "failed to get profile", "user_id", userID)
	}

	var p model.Profile
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, s.fault(ctx, err, "failed to decode profile", "user_id", userID)
	}
	p.Normalize()
	return &p, nil
}

func (s *RedisStore) SaveProfile(ctx context.Context, p *model.Profile) error {
	data, err := json.Marshal(p)
	if err != nil {
		return goerr.Wrap(err, "failed to encode profile", goerr.V("user_id", p.UserID))
	}
	if err := s.client.Set(ctx, s.profileKey(p.UserID), data, 0).Err(); err != nil {
		return s.fault(ctx, err, "failed to save profile", "user_id", p.UserID)
	}
	return nil
}

func (s *RedisStore) DeleteProfile(ctx context.Context, userID string) (bool, error) {
	n, err := s.client.Del(ctx, s.profileKey(userID)).Result()
	if err != nil {
		return false, s.fault(ctx, err, "failed to delete profile", "user_id", userID)
	}
	return n > 0, nil
}

// SweepExpired is a no-op: Redis drops expired keys itself.
func (s *RedisStore) SweepExpired(ctx context.Context) (int, error) {
	return 0, nil
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}

// userEntries loads the user's entries in index order, skipping ids whose
// record has expired or vanished, then filters and orders them.
func (s *RedisStore) userEntries(ctx context.Context, userID string, kind model.Kind) ([]model.Entry, error) {
	ids, err := s.client.ZRange(ctx, s.indexKey(userID), 0, -1).Result()
	if err != nil {
		return nil, s.fault(ctx, err, "failed to read user index", "user_id", userID)
	}
	if len(ids) == 0 {
		return []model.Entry{}, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = s.entryKey(id)
	}
	vals, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, s.fault(ctx, err, "failed to read user entries", "user_id", userID)
	}

	entries := make([]model.Entry, 0, len(vals))
	for i, v := range vals {
		raw, ok := v.(string)
		if !ok {
			continue
		}
		var e model.Entry
		if err := json.Unmarshal([]byte(raw), &e); err != nil {
			logging.From(ctx).Warn("skipping undecodable entry", "id", ids[i], "error", err)
			continue
		}
		entries = append(entries, e)
	}

	entries = liveOfKind(entries, kind, s.now())
	sortRecent(entries)
	return entries, nil
}

// watch runs fn in an optimistic transaction on keys, retrying when another
// client modified a watched key between read and EXEC.
func (s *RedisStore) watch(ctx context.Context, fn func(*redis.Tx) error, keys ...string) error {
	for range maxTxRetries {
		err := s.client.Watch(ctx, fn, keys...)
		if !errors.Is(err, redis.TxFailedErr) {
			return err
		}
	}
	return goerr.Wrap(errTxConflict, "watch", goerr.V("keys", keys))
}

// fault logs a service failure and translates it into an ErrBackend error.
func (s *RedisStore) fault(ctx context.Context, err error, msg string, key string, value any) error {
	logging.From(ctx).Error(msg, key, value, "error", err)
	return backendError(err, msg, goerr.V(key, value))
}

func getEntry(ctx context.Context, tx *redis.Tx, key string) (*model.Entry, error) {
	data, err := tx.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var e model.Entry
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, goerr.Wrap(err, "failed to decode entry", goerr.V("key", key))
	}
	return &e, nil
}

// entryOwner returns the user_id of the entry stored at key, empty when the
// key is missing or does not decode.
func entryOwner(ctx context.Context, tx *redis.Tx, key string) (string, error) {
	data, err := tx.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	var v struct {
		UserID string `json:"user_id"`
	}
	if json.Unmarshal(data, &v) != nil {
		return "", nil
	}
	return v.UserID, nil
}

func putEntryKeepTTL(ctx context.Context, tx *redis.Tx, key string, e *model.Entry) error {
	data, err := json.Marshal(e)
	if err != nil {
		return goerr.Wrap(err, "failed to encode entry", goerr.V("key", key))
	}
	_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, key, data, redis.KeepTTL)
		return nil
	})
	return err
}
