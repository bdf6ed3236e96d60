package store

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rcliao/user-memory/internal/model"
)

// backend describes one Store implementation under the shared suite.
type backend struct {
	name string
	// open returns a fresh store. fastForward advances the service clock for
	// backends with native expiry and is nil otherwise.
	open func(t *testing.T) (s Store, fastForward func(time.Duration))
}

func backends() []backend {
	return []backend{
		{
			name: "memory",
			open: func(t *testing.T) (Store, func(time.Duration)) {
				return NewMemStore(), nil
			},
		},
		{
			name: "sqlite",
			open: func(t *testing.T) (Store, func(time.Duration)) {
				s, err := NewSQLiteStore(filepath.Join(t.TempDir(), "test.db"))
				require.NoError(t, err)
				t.Cleanup(func() { s.Close() })
				return s, nil
			},
		},
		{
			name: "redis",
			open: func(t *testing.T) (Store, func(time.Duration)) {
				mr := miniredis.RunT(t)
				s, err := NewRedisStore(RedisOptions{URL: fmt.Sprintf("redis://%s", mr.Addr())})
				require.NoError(t, err)
				t.Cleanup(func() { s.Close() })
				return s, mr.FastForward
			},
		},
	}
}

func forEachBackend(t *testing.T, fn func(t *testing.T, s Store, fastForward func(time.Duration))) {
	for _, b := range backends() {
		t.Run(b.name, func(t *testing.T) {
			s, ff := b.open(t)
			fn(t, s, ff)
		})
	}
}

func newEntry(id, userID string, kind model.Kind, content map[string]any, updated time.Time) *model.Entry {
	return &model.Entry{
		ID:         id,
		UserID:     userID,
		Kind:       kind,
		Content:    content,
		CreatedAt:  updated,
		UpdatedAt:  updated,
		Importance: 1.0,
		Tags:       []string{kind.String()},
	}
}

func ids(entries []model.Entry) []string {
	out := make([]string, len(entries))
	for i, e := range entries {
		out[i] = e.ID
	}
	return out
}

func TestStoreAndGetEntry(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store, _ func(time.Duration)) {
		ctx := context.Background()
		now := time.Now()
		e := newEntry("mem_1", "u1", model.KindFact, map[string]any{"fact": "likes tea", "source": "chat"}, now)

		ok, err := s.StoreEntry(ctx, e)
		require.NoError(t, err)
		require.True(t, ok)

		got, err := s.GetEntry(ctx, "mem_1")
		require.NoError(t, err)
		require.NotNil(t, got)
		assert.Equal(t, e.Content, got.Content)
		assert.Equal(t, "u1", got.UserID)
		assert.Equal(t, model.KindFact, got.Kind)
		assert.Equal(t, []string{"fact"}, got.Tags)
		assert.True(t, got.CreatedAt.Equal(e.CreatedAt))
		assert.Equal(t, 1, got.AccessCount)

		// The increment is durable, not only on the returned value.
		got, err = s.GetEntry(ctx, "mem_1")
		require.NoError(t, err)
		assert.Equal(t, 2, got.AccessCount)

		// Listing does not count as an access.
		list, err := s.GetUserEntries(ctx, ListParams{UserID: "u1"})
		require.NoError(t, err)
		require.Len(t, list, 1)
		assert.Equal(t, 2, list[0].AccessCount)

		missing, err := s.GetEntry(ctx, "mem_missing")
		require.NoError(t, err)
		assert.Nil(t, missing)
	})
}

func TestStoreEntryUpsert(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store, _ func(time.Duration)) {
		ctx := context.Background()
		now := time.Now()
		e := newEntry("mem_1", "u1", model.KindContext, map[string]any{"v": "one"}, now)
		_, err := s.StoreEntry(ctx, e)
		require.NoError(t, err)

		e.Content = map[string]any{"v": "two"}
		_, err = s.StoreEntry(ctx, e)
		require.NoError(t, err)

		list, err := s.GetUserEntries(ctx, ListParams{UserID: "u1"})
		require.NoError(t, err)
		require.Len(t, list, 1)
		assert.Equal(t, "two", list[0].Content["v"])
	})
}

func TestStoreEntryRefusesOwnerChange(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store, _ func(time.Duration)) {
		ctx := context.Background()
		now := time.Now()
		_, err := s.StoreEntry(ctx, newEntry("mem_1", "u1", model.KindFact, map[string]any{"fact": "mine"}, now))
		require.NoError(t, err)

		ok, err := s.StoreEntry(ctx, newEntry("mem_1", "u2", model.KindFact, map[string]any{"fact": "stolen"}, now))
		require.NoError(t, err)
		assert.False(t, ok)

		list, err := s.GetUserEntries(ctx, ListParams{UserID: "u1"})
		require.NoError(t, err)
		require.Len(t, list, 1)
		assert.Equal(t, "mine", list[0].Content["fact"])
		assert.Equal(t, "u1", list[0].UserID)

		list, err = s.GetUserEntries(ctx, ListParams{UserID: "u2"})
		require.NoError(t, err)
		assert.Empty(t, list)

		n, err := s.DeleteUserEntries(ctx, "u2")
		require.NoError(t, err)
		assert.Equal(t, 0, n)
		n, err = s.DeleteUserEntries(ctx, "u1")
		require.NoError(t, err)
		assert.Equal(t, 1, n)
	})
}

func TestNestedValuesNotShared(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store, _ func(time.Duration)) {
		ctx := context.Background()
		nested := map[string]any{"lang": "en"}
		e := newEntry("mem_1", "u1", model.KindContext, map[string]any{"metadata": nested}, time.Now())
		_, err := s.StoreEntry(ctx, e)
		require.NoError(t, err)
		nested["lang"] = "fr"

		got, err := s.GetEntry(ctx, "mem_1")
		require.NoError(t, err)
		require.NotNil(t, got)
		inner := got.Content["metadata"].(map[string]any)
		assert.Equal(t, "en", inner["lang"])
		inner["lang"] = "de"

		got, err = s.GetEntry(ctx, "mem_1")
		require.NoError(t, err)
		assert.Equal(t, "en", got.Content["metadata"].(map[string]any)["lang"])

		p := model.NewProfile("u1", time.Now())
		ui := map[string]any{"font": "mono"}
		p.Preferences["ui"] = ui
		require.NoError(t, s.SaveProfile(ctx, p))
		ui["font"] = "serif"

		gp, err := s.GetProfile(ctx, "u1")
		require.NoError(t, err)
		require.NotNil(t, gp)
		pref := gp.Preferences["ui"].(map[string]any)
		assert.Equal(t, "mono", pref["font"])
		pref["font"] = "sans"

		gp, err = s.GetProfile(ctx, "u1")
		require.NoError(t, err)
		assert.Equal(t, "mono", gp.Preferences["ui"].(map[string]any)["font"])
	})
}

func TestGetUserEntriesOrdering(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store, _ func(time.Duration)) {
		ctx := context.Background()
		base := time.Now().Add(-time.Hour)

		for i, id := range []string{"a", "b", "c"} {
			_, err := s.StoreEntry(ctx, newEntry(id, "u1", model.KindContext,
				map[string]any{"n": id}, base.Add(time.Duration(i)*time.Minute)))
			require.NoError(t, err)
		}

		list, err := s.GetUserEntries(ctx, ListParams{UserID: "u1"})
		require.NoError(t, err)
		assert.Equal(t, []string{"c", "b", "a"}, ids(list))
	})
}

func TestGetUserEntriesTiesKeepInsertionOrder(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store, _ func(time.Duration)) {
		ctx := context.Background()
		same := time.Now().Add(-time.Minute)

		for _, id := range []string{"z", "y", "x"} {
			_, err := s.StoreEntry(ctx, newEntry(id, "u1", model.KindContext, map[string]any{"n": id}, same))
			require.NoError(t, err)
		}

		list, err := s.GetUserEntries(ctx, ListParams{UserID: "u1"})
		require.NoError(t, err)
		assert.Equal(t, []string{"z", "y", "x"}, ids(list))
	})
}

func TestGetUserEntriesFilterAndPaginate(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store, _ func(time.Duration)) {
		ctx := context.Background()
		base := time.Now().Add(-time.Hour)

		for i := range 6 {
			kind := model.KindConversation
			if i%2 == 1 {
				kind = model.KindFact
			}
			_, err := s.StoreEntry(ctx, newEntry(fmt.Sprintf("e%d", i), "u1", kind,
				map[string]any{"i": i}, base.Add(time.Duration(i)*time.Second)))
			require.NoError(t, err)
		}
		_, err := s.StoreEntry(ctx, newEntry("other", "u2", model.KindFact, map[string]any{}, base))
		require.NoError(t, err)

		facts, err := s.GetUserEntries(ctx, ListParams{UserID: "u1", Kind: model.KindFact})
		require.NoError(t, err)
		assert.Equal(t, []string{"e5", "e3", "e1"}, ids(facts))

		page, err := s.GetUserEntries(ctx, ListParams{UserID: "u1", Limit: 2, Offset: 1})
		require.NoError(t, err)
		assert.Equal(t, []string{"e4", "e3"}, ids(page))

		past, err := s.GetUserEntries(ctx, ListParams{UserID: "u1", Offset: 10})
		require.NoError(t, err)
		assert.Empty(t, past)

		none, err := s.GetUserEntries(ctx, ListParams{UserID: "nobody"})
		require.NoError(t, err)
		assert.Empty(t, none)
	})
}

func TestExpiredEntriesHiddenFromReads(t *testing.T) {
	for _, b := range backends() {
		t.Run(b.name, func(t *testing.T) {
			ctx := context.Background()
			s, fastForward := b.open(t)
			now := time.Now()

			live := newEntry("live", "u1", model.KindContext, map[string]any{"topic": "python"}, now)
			_, err := s.StoreEntry(ctx, live)
			require.NoError(t, err)

			if fastForward != nil {
				// Native expiry: an already elapsed TTL is refused outright, and
				// a short TTL disappears once the service clock passes it.
				past := now.Add(-time.Minute)
				dead := newEntry("dead", "u1", model.KindContext, map[string]any{"topic": "python"}, now)
				dead.ExpiresAt = &past
				ok, err := s.StoreEntry(ctx, dead)
				require.NoError(t, err)
				assert.False(t, ok)

				soon := now.Add(2 * time.Second)
				short := newEntry("short", "u1", model.KindContext, map[string]any{"topic": "python"}, now)
				short.ExpiresAt = &soon
				ok, err = s.StoreEntry(ctx, short)
				require.NoError(t, err)
				require.True(t, ok)

				fastForward(3 * time.Second)

				got, err := s.GetEntry(ctx, "short")
				require.NoError(t, err)
				assert.Nil(t, got)
			} else {
				past := now.Add(-time.Minute)
				dead := newEntry("dead", "u1", model.KindContext, map[string]any{"topic": "python"}, now)
				dead.ExpiresAt = &past
				ok, err := s.StoreEntry(ctx, dead)
				require.NoError(t, err)
				require.True(t, ok)

				// Fetch by id still reaches an expired entry until it is swept.
				got, err := s.GetEntry(ctx, "dead")
				require.NoError(t, err)
				require.NotNil(t, got)

				n, err := s.SweepExpired(ctx)
				require.NoError(t, err)
				assert.Equal(t, 1, n)

				got, err = s.GetEntry(ctx, "dead")
				require.NoError(t, err)
				assert.Nil(t, got)
			}

			list, err := s.GetUserEntries(ctx, ListParams{UserID: "u1"})
			require.NoError(t, err)
			assert.Equal(t, []string{"live"}, ids(list))

			found, err := s.SearchEntries(ctx, SearchParams{UserID: "u1", Query: "python"})
			require.NoError(t, err)
			assert.Equal(t, []string{"live"}, ids(found))
		})
	}
}

func TestExpiredHiddenBeforeSweep(t *testing.T) {
	for _, b := range backends() {
		if b.name == "redis" {
			continue
		}
		t.Run(b.name, func(t *testing.T) {
			ctx := context.Background()
			s, _ := b.open(t)
			now := time.Now()
			past := now.Add(-time.Second)

			e := newEntry("dead", "u1", model.KindFact, map[string]any{"fact": "gone"}, now.Add(-time.Hour))
			e.ExpiresAt = &past
			_, err := s.StoreEntry(ctx, e)
			require.NoError(t, err)

			list, err := s.GetUserEntries(ctx, ListParams{UserID: "u1"})
			require.NoError(t, err)
			assert.Empty(t, list)

			found, err := s.SearchEntries(ctx, SearchParams{UserID: "u1", Query: "gone"})
			require.NoError(t, err)
			assert.Empty(t, found)
		})
	}
}

func TestUpdateEntry(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store, _ func(time.Duration)) {
		ctx := context.Background()
		before := time.Now().Add(-time.Hour)
		_, err := s.StoreEntry(ctx, newEntry("mem_1", "u1", model.KindContext, map[string]any{"v": "old"}, before))
		require.NoError(t, err)

		ok, err := s.UpdateEntry(ctx, "mem_1", map[string]any{"v": "new"})
		require.NoError(t, err)
		require.True(t, ok)

		got, err := s.GetEntry(ctx, "mem_1")
		require.NoError(t, err)
		assert.Equal(t, "new", got.Content["v"])
		assert.True(t, got.UpdatedAt.After(before))
		assert.True(t, got.CreatedAt.Equal(before))

		ok, err = s.UpdateEntry(ctx, "mem_missing", map[string]any{"v": "x"})
		require.NoError(t, err)
		assert.False(t, ok)
	})
}

func TestUpdateEntryMovesToFront(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store, _ func(time.Duration)) {
		ctx := context.Background()
		base := time.Now().Add(-time.Hour)
		_, err := s.StoreEntry(ctx, newEntry("old", "u1", model.KindContext, map[string]any{}, base))
		require.NoError(t, err)
		_, err = s.StoreEntry(ctx, newEntry("new", "u1", model.KindContext, map[string]any{}, base.Add(time.Minute)))
		require.NoError(t, err)

		_, err = s.UpdateEntry(ctx, "old", map[string]any{"touched": true})
		require.NoError(t, err)

		list, err := s.GetUserEntries(ctx, ListParams{UserID: "u1"})
		require.NoError(t, err)
		assert.Equal(t, []string{"old", "new"}, ids(list))
	})
}

func TestDeleteEntry(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store, _ func(time.Duration)) {
		ctx := context.Background()
		now := time.Now()
		_, err := s.StoreEntry(ctx, newEntry("keep", "u1", model.KindContext, map[string]any{}, now))
		require.NoError(t, err)
		_, err = s.StoreEntry(ctx, newEntry("drop", "u1", model.KindContext, map[string]any{}, now))
		require.NoError(t, err)

		ok, err := s.DeleteEntry(ctx, "drop")
		require.NoError(t, err)
		assert.True(t, ok)

		ok, err = s.DeleteEntry(ctx, "drop")
		require.NoError(t, err)
		assert.False(t, ok)

		list, err := s.GetUserEntries(ctx, ListParams{UserID: "u1"})
		require.NoError(t, err)
		assert.Equal(t, []string{"keep"}, ids(list))
	})
}

func TestDeleteUserEntries(t *testing.T) {
	for _, n := range []int{0, 1, 7} {
		t.Run(fmt.Sprintf("n=%d", n), func(t *testing.T) {
			forEachBackend(t, func(t *testing.T, s Store, _ func(time.Duration)) {
				ctx := context.Background()
				now := time.Now()
				for i := range n {
					_, err := s.StoreEntry(ctx, newEntry(fmt.Sprintf("u1-%d", i), "u1", model.KindContext, map[string]any{}, now))
					require.NoError(t, err)
				}
				_, err := s.StoreEntry(ctx, newEntry("u2-0", "u2", model.KindContext, map[string]any{}, now))
				require.NoError(t, err)

				count, err := s.DeleteUserEntries(ctx, "u1")
				require.NoError(t, err)
				assert.Equal(t, n, count)

				list, err := s.GetUserEntries(ctx, ListParams{UserID: "u1"})
				require.NoError(t, err)
				assert.Empty(t, list)

				other, err := s.GetUserEntries(ctx, ListParams{UserID: "u2"})
				require.NoError(t, err)
				assert.Len(t, other, 1)

				count, err = s.DeleteUserEntries(ctx, "u1")
				require.NoError(t, err)
				assert.Zero(t, count)
			})
		})
	}
}

func TestSearchEntries(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store, _ func(time.Duration)) {
		ctx := context.Background()
		base := time.Now().Add(-time.Hour)
		messages := []string{"I love Python", "JavaScript is fine", "Python for data"}
		for i, msg := range messages {
			_, err := s.StoreEntry(ctx, newEntry(fmt.Sprintf("c%d", i), "u1", model.KindConversation,
				map[string]any{"role": "user", "message": msg}, base.Add(time.Duration(i)*time.Minute)))
			require.NoError(t, err)
		}
		_, err := s.StoreEntry(ctx, newEntry("f0", "u1", model.KindFact, map[string]any{"fact": "writes python"}, base))
		require.NoError(t, err)
		_, err = s.StoreEntry(ctx, newEntry("x0", "u2", model.KindConversation, map[string]any{"message": "python"}, base))
		require.NoError(t, err)

		found, err := s.SearchEntries(ctx, SearchParams{UserID: "u1", Query: "python", Kind: model.KindConversation})
		require.NoError(t, err)
		assert.Equal(t, []string{"c2", "c0"}, ids(found))

		found, err = s.SearchEntries(ctx, SearchParams{UserID: "u1", Query: "PYTHON"})
		require.NoError(t, err)
		assert.Equal(t, []string{"c2", "c0", "f0"}, ids(found))

		found, err = s.SearchEntries(ctx, SearchParams{UserID: "u1", Query: "python", Limit: 1})
		require.NoError(t, err)
		assert.Equal(t, []string{"c2"}, ids(found))

		// Keys are part of the canonical form.
		found, err = s.SearchEntries(ctx, SearchParams{UserID: "u1", Query: `"role": "user"`})
		require.NoError(t, err)
		assert.Len(t, found, 3)

		found, err = s.SearchEntries(ctx, SearchParams{UserID: "u1", Query: "rust"})
		require.NoError(t, err)
		assert.Empty(t, found)
	})
}

func TestProfileCRUD(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store, _ func(time.Duration)) {
		ctx := context.Background()

		got, err := s.GetProfile(ctx, "u1")
		require.NoError(t, err)
		assert.Nil(t, got)

		p := model.NewProfile("u1", time.Now())
		p.Preferences["theme"] = "dark"
		p.AddFact("likes tea")
		require.NoError(t, s.SaveProfile(ctx, p))
		require.NoError(t, s.SaveProfile(ctx, p))

		got, err = s.GetProfile(ctx, "u1")
		require.NoError(t, err)
		require.NotNil(t, got)
		assert.Equal(t, "dark", got.Preferences["theme"])
		assert.Equal(t, []string{"likes tea"}, got.Facts)
		assert.Nil(t, got.DisplayName)

		ok, err := s.DeleteProfile(ctx, "u1")
		require.NoError(t, err)
		assert.True(t, ok)

		ok, err = s.DeleteProfile(ctx, "u1")
		require.NoError(t, err)
		assert.False(t, ok)

		got, err = s.GetProfile(ctx, "u1")
		require.NoError(t, err)
		assert.Nil(t, got)
	})
}

func TestConcurrentStores(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store, _ func(time.Duration)) {
		ctx := context.Background()
		const n = 50
		now := time.Now()

		var wg sync.WaitGroup
		errs := make(chan error, n)
		for i := range n {
			wg.Add(1)
			go func() {
				defer wg.Done()
				ok, err := s.StoreEntry(ctx, newEntry(fmt.Sprintf("mem_%02d", i), "u1", model.KindContext, map[string]any{"i": i}, now))
				if err == nil && !ok {
					err = fmt.Errorf("entry %d refused", i)
				}
				errs <- err
			}()
		}
		wg.Wait()
		close(errs)
		for err := range errs {
			require.NoError(t, err)
		}

		list, err := s.GetUserEntries(ctx, ListParams{UserID: "u1", Limit: 1000})
		require.NoError(t, err)
		assert.Len(t, list, n)
	})
}

func TestConcurrentGetEntryCountsEveryAccess(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store, _ func(time.Duration)) {
		ctx := context.Background()
		_, err := s.StoreEntry(ctx, newEntry("hot", "u1", model.KindContext, map[string]any{}, time.Now()))
		require.NoError(t, err)

		const n = 10
		var wg sync.WaitGroup
		for range n {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, _ = s.GetEntry(ctx, "hot")
			}()
		}
		wg.Wait()

		got, err := s.GetEntry(ctx, "hot")
		require.NoError(t, err)
		assert.Equal(t, n+1, got.AccessCount)
	})
}
