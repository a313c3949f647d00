package docsession

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/creastat/docsession/store"
	"github.com/creastat/docsession/store/drivers"
)

// backends opens a fresh store per driver; session behaviour must not
// depend on which one is underneath.
var backends = map[string]func(t *testing.T) drivers.RecordStore{
	"memory": func(t *testing.T) drivers.RecordStore {
		return newTestStore(t)
	},
	"redis": func(t *testing.T) drivers.RecordStore {
		mr := miniredis.RunT(t)
		s := drivers.NewRedisStore(redis.NewClient(&redis.Options{Addr: mr.Addr()}), "session:")
		t.Cleanup(func() { _ = s.Close() })
		return s
	},
	"sqlite": func(t *testing.T) drivers.RecordStore {
		s, err := drivers.NewStore(store.StoreTypeSQLite,
			drivers.WithSQLitePath(filepath.Join(t.TempDir(), "docs.db")))
		require.NoError(t, err)
		t.Cleanup(func() { _ = s.Close() })
		return s
	},
}

func forEachBackend(t *testing.T, fn func(t *testing.T, adapter drivers.RecordStore)) {
	for name, open := range backends {
		t.Run(name, func(t *testing.T) {
			fn(t, open(t))
		})
	}
}

func TestBackends_CreateOnMiss(t *testing.T) {
	forEachBackend(t, func(t *testing.T, adapter drivers.RecordStore) {
		ctx := context.Background()
		s := newTestSession(t, adapter)

		doc, err := s.Get(ctx, InBucket("profiles", "alice"), WithDefault(func() profile { return profile{Name: "new"} }))
		require.NoError(t, err)
		assert.Equal(t, "profiles_alice", doc.ID())
		assert.Equal(t, 1, generation(t, doc.Revision()))

		_, err = s.Get(ctx, ID("missing"))
		assert.ErrorIs(t, err, ErrNotFound)
	})
}

func TestBackends_RetryThenWriteConflict(t *testing.T) {
	forEachBackend(t, func(t *testing.T, adapter drivers.RecordStore) {
		ctx := context.Background()
		first := newTestSession(t, adapter, WithRetries(1, time.Millisecond))
		second := newTestSession(t, adapter, WithRetries(1, time.Millisecond))
		strict := newTestSession(t, adapter)

		_, err := first.Get(ctx, ID("doc"), WithDefault(func() profile { return profile{Name: "base"} }))
		require.NoError(t, err)

		docA, err := first.Get(ctx, ID("doc"))
		require.NoError(t, err)
		docB, err := second.Get(ctx, ID("doc"))
		require.NoError(t, err)
		docC, err := strict.Get(ctx, ID("doc"))
		require.NoError(t, err)

		_, err = first.Save(ctx, docA.Update(profile{Name: "a"}))
		require.NoError(t, err)

		savedB, err := second.Save(ctx, docB.Update(profile{Name: "b"}))
		require.NoError(t, err)
		assert.Equal(t, 3, generation(t, savedB.Revision()))

		_, err = strict.Save(ctx, docC.Update(profile{Name: "c"}))
		assert.ErrorIs(t, err, ErrWriteConflict)
		assert.ErrorIs(t, err, store.ErrConflict)

		final, err := first.Get(ctx, ID("doc"))
		require.NoError(t, err)
		assert.Equal(t, profile{Name: "b"}, final.Current())
	})
}

func TestBackends_ConflictsResolved(t *testing.T) {
	forEachBackend(t, func(t *testing.T, adapter drivers.RecordStore) {
		ctx := context.Background()
		makeSiblings(t, adapter, "doc", profile{Name: "local", Visits: 1}, profile{Name: "remote", Visits: 2})

		s := newTestSession(t, adapter, WithConflictHandling(true))
		_, err := s.Get(ctx, ID("doc"))
		assert.ErrorIs(t, err, ErrConflictHandlerMissing)

		s.RegisterHooks(Hooks[profile]{ConflictHandler: func(current *Document[profile], siblings []*Document[profile]) profile {
			merged := current.Current()
			for _, sib := range siblings {
				merged.Visits += sib.Current().Visits
			}
			merged.Name = "merged"
			return merged
		}})

		doc, err := s.Get(ctx, ID("doc"))
		require.NoError(t, err)
		assert.Equal(t, profile{Name: "merged", Visits: 3}, doc.Current())
		assert.Len(t, doc.Conflicts(), 1)

		saved, err := s.Save(ctx, doc)
		require.NoError(t, err)
		assert.Empty(t, saved.Conflicts())

		raw, err := adapter.Get(ctx, "doc", store.GetOptions{Conflicts: true})
		require.NoError(t, err)
		assert.Empty(t, raw.Conflicts)
		assert.Equal(t, saved.Revision(), raw.Rev)
	})
}

func TestBackends_SubscriptionDelivery(t *testing.T) {
	forEachBackend(t, func(t *testing.T, adapter drivers.RecordStore) {
		ctx := context.Background()
		s := newTestSession(t, adapter)
		rec := &recorder{}

		sub, err := s.Subscribe(ctx, []Key{ID("a")}, Handlers[profile]{Change: rec.change})
		require.NoError(t, err)
		defer sub.Cancel()

		doc, err := s.Get(ctx, ID("a"), WithDefault(func() profile { return profile{Name: "1"} }))
		require.NoError(t, err)
		_, err = s.Get(ctx, ID("b"), WithDefault(func() profile { return profile{Name: "other"} }))
		require.NoError(t, err)
		for _, name := range []string{"2", "3"} {
			doc, err = s.Save(ctx, doc.Update(profile{Name: name}))
			require.NoError(t, err)
		}

		require.Eventually(t, func() bool { return rec.count() == 3 }, 2*time.Second, 5*time.Millisecond)
		assert.Equal(t, []string{"1", "2", "3"}, rec.names())
		assert.Positive(t, sub.LastSeq())
	})
}

// failingCreates rejects every create with a store error that is not a
// revision conflict.
type failingCreates struct {
	*drivers.MemoryStore
	err error
}

func (a *failingCreates) Put(ctx context.Context, id, rev string, value json.RawMessage) (string, error) {
	if rev == "" {
		return "", a.err
	}
	return a.MemoryStore.Put(ctx, id, rev, value)
}

func TestGet_CreateStoreError(t *testing.T) {
	denied := errors.New("permission denied")
	s := newTestSession(t, &failingCreates{MemoryStore: newTestStore(t), err: denied})

	_, err := s.Get(context.Background(), ID("doc"), WithDefault(func() profile { return profile{Name: "new"} }))
	assert.ErrorIs(t, err, denied)
	assert.NotErrorIs(t, err, ErrNotFound)
}
