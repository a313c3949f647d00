package docsession

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/creastat/docsession/store"
	"github.com/creastat/docsession/store/drivers"
	"github.com/creastat/docsession/store/revtree"
)

type profile struct {
	Name   string `json:"name"`
	Visits int    `json:"visits"`
}

func newTestSession(t *testing.T, adapter store.Adapter, opts ...Option) *Session[profile] {
	t.Helper()
	s, err := New[profile](context.Background(), NewDataSource(adapter), opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func newTestStore(t *testing.T) *drivers.MemoryStore {
	t.Helper()
	s := drivers.NewMemoryStore(t.Name())
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func mustJSON(t *testing.T, v any) json.RawMessage {
	t.Helper()
	raw, err := json.Marshal(v)
	require.NoError(t, err)
	return raw
}

// makeSiblings leaves id with two live sibling revisions on s, holding
// local and remote.
func makeSiblings(t *testing.T, s drivers.RecordStore, id string, local, remote profile) {
	t.Helper()
	ctx := context.Background()
	peer := drivers.NewMemoryStore("peer")
	defer peer.Close()

	base, err := s.Put(ctx, id, "", mustJSON(t, profile{Name: "base"}))
	require.NoError(t, err)
	require.NoError(t, drivers.SyncOnce(ctx, s, peer))

	_, err = s.Put(ctx, id, base, mustJSON(t, local))
	require.NoError(t, err)
	_, err = peer.Put(ctx, id, base, mustJSON(t, remote))
	require.NoError(t, err)
	require.NoError(t, drivers.SyncOnce(ctx, s, peer))
}

func generation(t *testing.T, rev string) int {
	t.Helper()
	gen, err := revtree.Generation(rev)
	require.NoError(t, err)
	return gen
}

func TestNew_StoreUnavailable(t *testing.T) {
	adapter := drivers.NewMemoryStore("closed")
	require.NoError(t, adapter.Close())

	_, err := New[profile](context.Background(), NewDataSource(adapter))
	assert.ErrorIs(t, err, ErrStoreUnavailable)
	assert.ErrorIs(t, err, store.ErrClosed)
}

func TestNew_InvalidParams(t *testing.T) {
	_, err := New[profile](context.Background(), NewDataSource(newTestStore(t)), WithRetries(-1, 0))
	assert.Error(t, err)
}

func TestGet_CreateOnMiss(t *testing.T) {
	ctx := context.Background()
	s := newTestSession(t, newTestStore(t))
	factory := func() profile { return profile{Name: "new", Visits: 1} }

	doc, err := s.Get(ctx, InBucket("profiles", "alice"), WithDefault(factory))
	require.NoError(t, err)
	assert.Equal(t, factory(), doc.Current())
	assert.Equal(t, "profiles_alice", doc.ID())
	assert.False(t, doc.IsDirty())
	assert.Equal(t, 1, generation(t, doc.Revision()))

	again, err := s.Get(ctx, InBucket("profiles", "alice"))
	require.NoError(t, err)
	assert.Equal(t, factory(), again.Current())
	assert.Equal(t, doc.Revision(), again.Revision())

	// The factory is ignored once the document exists
	third, err := s.Get(ctx, InBucket("profiles", "alice"), WithDefault(func() profile { return profile{Name: "other"} }))
	require.NoError(t, err)
	assert.Equal(t, factory(), third.Current())
}

func TestGet_NotFound(t *testing.T) {
	s := newTestSession(t, newTestStore(t))

	_, err := s.Get(context.Background(), ID("missing"))
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestGet_PassThrough(t *testing.T) {
	s := newTestSession(t, newTestStore(t))

	_, err := s.Get(context.Background(), ID("doc"), PassThrough[profile]())
	assert.ErrorIs(t, err, ErrUnimplemented)
}

func TestGet_KeyFormat(t *testing.T) {
	adapter := newTestStore(t)
	s := newTestSession(t, adapter)

	_, err := s.Get(context.Background(), InBucket("profiles", ""), WithDefault(func() profile { return profile{} }))
	assert.ErrorIs(t, err, ErrKeyFormat)

	_, err = s.Get(context.Background(), ID(""))
	assert.ErrorIs(t, err, ErrKeyFormat)

	info, err := adapter.Info(context.Background())
	require.NoError(t, err)
	assert.Zero(t, info.UpdateSeq)
}

func TestGet_CreateRace(t *testing.T) {
	ctx := context.Background()
	adapter := newTestStore(t)
	s := newTestSession(t, adapter)

	// Another writer creates the document between our fetch and our put
	_, err := adapter.Put(ctx, "doc", "", mustJSON(t, profile{Name: "first"}))
	require.NoError(t, err)

	doc, err := s.create(ctx, "doc", profile{Name: "second"})
	require.NoError(t, err)
	assert.Equal(t, "first", doc.Current().Name)
}

func TestDocument_Update(t *testing.T) {
	ctx := context.Background()
	s := newTestSession(t, newTestStore(t))

	doc, err := s.Get(ctx, ID("doc"), WithDefault(func() profile { return profile{Name: "a"} }))
	require.NoError(t, err)

	v := profile{Name: "b", Visits: 2}
	assert.Equal(t, v, doc.Update(v).Current())
	assert.True(t, doc.IsDirty())

	saved, err := doc.Save(ctx)
	require.NoError(t, err)
	assert.False(t, saved.IsDirty())
	assert.Equal(t, v, saved.Current())
}

func TestSave_RoundTrip(t *testing.T) {
	ctx := context.Background()
	s := newTestSession(t, newTestStore(t))

	doc, err := s.Get(ctx, ID("doc"), WithDefault(func() profile { return profile{} }))
	require.NoError(t, err)

	saved, err := s.Save(ctx, doc.Update(profile{Name: "saved", Visits: 3}))
	require.NoError(t, err)
	assert.Equal(t, 2, generation(t, saved.Revision()))
	assert.Empty(t, saved.Conflicts())

	fetched, err := s.Get(ctx, ID("doc"))
	require.NoError(t, err)
	assert.Equal(t, profile{Name: "saved", Visits: 3}, fetched.Current())
	assert.Equal(t, saved.Revision(), fetched.Revision())
}

func TestSave_Detached(t *testing.T) {
	_, err := NewDocument("doc", "1-abc", profile{}).Save(context.Background())
	assert.ErrorIs(t, err, ErrSessionClosed)
}

func TestSave_ConcurrentWritersWithRetry(t *testing.T) {
	ctx := context.Background()
	adapter := newTestStore(t)
	first := newTestSession(t, adapter, WithRetries(1, time.Millisecond))
	second := newTestSession(t, adapter, WithRetries(1, time.Millisecond))

	_, err := first.Get(ctx, ID("doc"), WithDefault(func() profile { return profile{Name: "base"} }))
	require.NoError(t, err)

	docA, err := first.Get(ctx, ID("doc"))
	require.NoError(t, err)
	docB, err := second.Get(ctx, ID("doc"))
	require.NoError(t, err)

	docA.Update(profile{Name: "a"})
	docB.Update(profile{Name: "b"})

	savedA, err := first.Save(ctx, docA)
	require.NoError(t, err)
	assert.Equal(t, 2, generation(t, savedA.Revision()))

	savedB, err := second.Save(ctx, docB)
	require.NoError(t, err)
	assert.Equal(t, 3, generation(t, savedB.Revision()), "second save lands on top of the first after one retry")

	final, err := first.Get(ctx, ID("doc"))
	require.NoError(t, err)
	assert.Equal(t, profile{Name: "b"}, final.Current())
}

func TestSave_ConcurrentWritersWithoutRetry(t *testing.T) {
	ctx := context.Background()
	adapter := newTestStore(t)
	first := newTestSession(t, adapter)
	second := newTestSession(t, adapter)

	_, err := first.Get(ctx, ID("doc"), WithDefault(func() profile { return profile{Name: "base"} }))
	require.NoError(t, err)

	docA, err := first.Get(ctx, ID("doc"))
	require.NoError(t, err)
	docB, err := second.Get(ctx, ID("doc"))
	require.NoError(t, err)

	_, err = first.Save(ctx, docA.Update(profile{Name: "a"}))
	require.NoError(t, err)

	_, err = second.Save(ctx, docB.Update(profile{Name: "b"}))
	assert.ErrorIs(t, err, ErrWriteConflict)
	assert.ErrorIs(t, err, store.ErrConflict)

	final, err := first.Get(ctx, ID("doc"))
	require.NoError(t, err)
	assert.Equal(t, profile{Name: "a"}, final.Current())
}

func TestSave_DeletedMeanwhile(t *testing.T) {
	ctx := context.Background()
	s := newTestSession(t, newTestStore(t), WithRetries(1, 0))

	doc, err := s.Get(ctx, ID("doc"), WithDefault(func() profile { return profile{Name: "a"} }))
	require.NoError(t, err)
	require.NoError(t, s.Delete(ctx, ID("doc")))

	saved, err := s.Save(ctx, doc.Update(profile{Name: "back"}))
	require.NoError(t, err)
	assert.Equal(t, 3, generation(t, saved.Revision()))

	fetched, err := s.Get(ctx, ID("doc"))
	require.NoError(t, err)
	assert.Equal(t, "back", fetched.Current().Name)
}

func TestSave_ContextCancelledDuringBackoff(t *testing.T) {
	adapter := newTestStore(t)
	s := newTestSession(t, adapter, WithRetries(5, time.Hour))

	doc, err := s.Get(context.Background(), ID("doc"), WithDefault(func() profile { return profile{} }))
	require.NoError(t, err)
	_, err = adapter.Put(context.Background(), "doc", doc.Revision(), mustJSON(t, profile{Name: "other"}))
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = s.Save(ctx, doc.Update(profile{Name: "mine"}))
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestConflicts_Resolved(t *testing.T) {
	ctx := context.Background()
	adapter := newTestStore(t)
	makeSiblings(t, adapter, "doc", profile{Name: "local"}, profile{Name: "remote"})

	s := newTestSession(t, adapter, WithConflictHandling(true))

	var seen []string
	merged := profile{Name: "merged", Visits: 2}
	s.RegisterHooks(Hooks[profile]{ConflictHandler: func(current *Document[profile], siblings []*Document[profile]) profile {
		seen = append(seen, current.Current().Name)
		for _, sib := range siblings {
			seen = append(seen, sib.Current().Name)
		}
		return merged
	}})

	doc, err := s.Get(ctx, ID("doc"))
	require.NoError(t, err)
	assert.Equal(t, merged, doc.Current())
	assert.False(t, doc.IsDirty())
	assert.Len(t, doc.Conflicts(), 1)
	assert.ElementsMatch(t, []string{"local", "remote"}, seen)

	saved, err := s.Save(ctx, doc)
	require.NoError(t, err)
	assert.Empty(t, saved.Conflicts())

	raw, err := adapter.Get(ctx, "doc", store.GetOptions{Conflicts: true})
	require.NoError(t, err)
	assert.Empty(t, raw.Conflicts)
	assert.JSONEq(t, `{"name":"merged","visits":2}`, string(raw.Value))
}

func TestConflicts_HandlerMissing(t *testing.T) {
	ctx := context.Background()
	adapter := newTestStore(t)
	makeSiblings(t, adapter, "doc", profile{Name: "local"}, profile{Name: "remote"})

	before, err := adapter.Info(ctx)
	require.NoError(t, err)

	s := newTestSession(t, adapter, WithConflictHandling(true))
	_, err = s.Get(ctx, ID("doc"))
	assert.ErrorIs(t, err, ErrConflictHandlerMissing)

	after, err := adapter.Info(ctx)
	require.NoError(t, err)
	assert.Equal(t, before.UpdateSeq, after.UpdateSeq)

	raw, err := adapter.Get(ctx, "doc", store.GetOptions{Conflicts: true})
	require.NoError(t, err)
	assert.Len(t, raw.Conflicts, 1)
}

func TestConflicts_LastWriteWinsWhenDisabled(t *testing.T) {
	ctx := context.Background()
	adapter := newTestStore(t)
	makeSiblings(t, adapter, "doc", profile{Name: "local"}, profile{Name: "remote"})

	s := newTestSession(t, adapter)
	doc, err := s.Get(ctx, ID("doc"))
	require.NoError(t, err)
	assert.Contains(t, []string{"local", "remote"}, doc.Current().Name)
	assert.Empty(t, doc.Conflicts())

	raw, err := adapter.Get(ctx, "doc", store.GetOptions{})
	require.NoError(t, err)
	assert.Equal(t, raw.Rev, doc.Revision())
}

func TestConflicts_HookReplaced(t *testing.T) {
	ctx := context.Background()
	adapter := newTestStore(t)
	makeSiblings(t, adapter, "doc", profile{Name: "local"}, profile{Name: "remote"})

	s := newTestSession(t, adapter, WithConflictHandling(true))
	s.RegisterHooks(Hooks[profile]{ConflictHandler: func(*Document[profile], []*Document[profile]) profile {
		return profile{Name: "first"}
	}})
	s.RegisterHooks(Hooks[profile]{ConflictHandler: func(*Document[profile], []*Document[profile]) profile {
		return profile{Name: "second"}
	}})

	doc, err := s.Get(ctx, ID("doc"))
	require.NoError(t, err)
	assert.Equal(t, "second", doc.Current().Name)
}

func TestDelete(t *testing.T) {
	ctx := context.Background()
	adapter := newTestStore(t)
	s := newTestSession(t, adapter)

	err := s.Delete(ctx, ID("missing"))
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = s.Get(ctx, ID("doc"), WithDefault(func() profile { return profile{} }))
	require.NoError(t, err)
	require.NoError(t, s.Delete(ctx, ID("doc")))

	_, err = s.Get(ctx, ID("doc"))
	assert.ErrorIs(t, err, ErrNotFound)

	assert.ErrorIs(t, s.Delete(ctx, InBucket("b", "")), ErrKeyFormat)
}

func TestDelete_RemovesSiblings(t *testing.T) {
	ctx := context.Background()
	adapter := newTestStore(t)
	makeSiblings(t, adapter, "doc", profile{Name: "local"}, profile{Name: "remote"})

	s := newTestSession(t, adapter)
	require.NoError(t, s.Delete(ctx, ID("doc")))

	_, err := adapter.Get(ctx, "doc", store.GetOptions{})
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestAutoSave(t *testing.T) {
	ctx := context.Background()
	adapter := newTestStore(t)
	s := newTestSession(t, adapter, WithAutoSave(true))

	doc, err := s.Get(ctx, ID("doc"), WithDefault(func() profile { return profile{} }))
	require.NoError(t, err)
	doc.Update(profile{Name: "auto"})

	require.Eventually(t, func() bool {
		raw, err := adapter.Get(ctx, "doc", store.GetOptions{})
		return err == nil && string(raw.Value) == `{"name":"auto","visits":0}`
	}, time.Second, 5*time.Millisecond)
}

func TestAutoSave_ErrorHandler(t *testing.T) {
	ctx := context.Background()
	adapter := newTestStore(t)

	errs := make(chan error, 1)
	s := newTestSession(t, adapter,
		WithAutoSave(true),
		WithAutoSaveErrorHandler(func(id string, err error) {
			assert.Equal(t, "doc", id)
			errs <- err
		}),
	)

	doc, err := s.Get(ctx, ID("doc"), WithDefault(func() profile { return profile{} }))
	require.NoError(t, err)
	_, err = adapter.Put(ctx, "doc", doc.Revision(), mustJSON(t, profile{Name: "elsewhere"}))
	require.NoError(t, err)

	doc.Update(profile{Name: "stale"})

	select {
	case err := <-errs:
		assert.ErrorIs(t, err, ErrWriteConflict)
	case <-time.After(time.Second):
		t.Fatal("auto-save error not reported")
	}
}

func TestSession_Closed(t *testing.T) {
	ctx := context.Background()
	s := newTestSession(t, newTestStore(t))

	doc, err := s.Get(ctx, ID("doc"), WithDefault(func() profile { return profile{} }))
	require.NoError(t, err)
	sub, err := s.Subscribe(ctx, []Key{ID("doc")}, Handlers[profile]{Change: func(string, *Document[profile]) {}})
	require.NoError(t, err)

	require.NoError(t, s.Close())
	require.NoError(t, s.Close())

	assert.Equal(t, SubscriptionCancelled, sub.State())
	_, err = s.Get(ctx, ID("doc"))
	assert.ErrorIs(t, err, ErrSessionClosed)
	_, err = doc.Save(ctx)
	assert.ErrorIs(t, err, ErrSessionClosed)
	assert.ErrorIs(t, s.Delete(ctx, ID("doc")), ErrSessionClosed)
	_, err = s.Subscribe(ctx, []Key{ID("doc")}, Handlers[profile]{Change: func(string, *Document[profile]) {}})
	assert.ErrorIs(t, err, ErrSessionClosed)
}
