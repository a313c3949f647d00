package docsession

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/creastat/docsession/store"
	"github.com/creastat/docsession/store/drivers"
)

func TestDataSource_OnlineOffline(t *testing.T) {
	ctx := context.Background()
	registry := drivers.NewRegistry()
	local := registry.Store("local")
	remote := registry.Store("remote")
	defer remote.Close()

	ds := NewDataSource(local,
		WithRemotes("mem://remote"),
		WithOfflinePolling(5*time.Millisecond, time.Second),
	)
	defer ds.Close()

	s, err := New[profile](ctx, ds)
	require.NoError(t, err)
	assert.False(t, s.IsOnline())

	require.NoError(t, s.GoOnline(ctx))
	require.NoError(t, s.GoOnline(ctx))
	assert.True(t, s.IsOnline())
	assert.Equal(t, []string{"mem://remote"}, ds.ActiveRemotes())

	_, err = s.Get(ctx, ID("doc"), WithDefault(func() profile { return profile{Name: "online"} }))
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		_, err := remote.Get(ctx, "doc", store.GetOptions{})
		return err == nil
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, s.GoOffline(ctx))
	assert.False(t, s.IsOnline())
	assert.Empty(t, ds.ActiveRemotes())

	_, err = s.Get(ctx, ID("offline"), WithDefault(func() profile { return profile{} }))
	require.NoError(t, err)
	time.Sleep(50 * time.Millisecond)
	_, err = remote.Get(ctx, "offline", store.GetOptions{})
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestDataSource_ConnectFailure(t *testing.T) {
	ds := NewDataSource(drivers.NewMemoryStore("local"), WithRemotes("couchdb://nowhere/db"))
	defer ds.Close()

	err := ds.Connect(context.Background())
	assert.ErrorIs(t, err, store.ErrInvalidStoreType)
	assert.False(t, ds.IsOnline())
	assert.Equal(t, []string{"couchdb://nowhere/db"}, ds.Remotes())
}

func TestDataSource_TxSession(t *testing.T) {
	ds := NewDataSource(drivers.NewMemoryStore("local"))
	defer ds.Close()

	_, err := ds.TxSession(context.Background())
	assert.ErrorIs(t, err, ErrUnimplemented)
}

func TestDataSource_CloseClosesStore(t *testing.T) {
	adapter := drivers.NewMemoryStore("local")
	ds := NewDataSource(adapter)
	require.NoError(t, ds.Close())

	_, err := adapter.Info(context.Background())
	assert.ErrorIs(t, err, store.ErrClosed)
}

// lingeringReplication keeps reporting active until released.
type lingeringReplication struct {
	url      string
	released atomic.Bool
	done     chan struct{}
}

func (r *lingeringReplication) ID() string { return "lingering" }
func (r *lingeringReplication) URL() string { return r.url }
func (r *lingeringReplication) Cancel() {}
func (r *lingeringReplication) Done() <-chan struct{} { return r.done }
func (r *lingeringReplication) Active() bool { return !r.released.Load() }
func (r *lingeringReplication) Err() error { return nil }

type lingeringAdapter struct {
	*drivers.MemoryStore
	repl *lingeringReplication
}

func (a *lingeringAdapter) Replicate(ctx context.Context, url string) (store.Replication, error) {
	a.repl.url = url
	return a.repl, nil
}

func TestDataSource_ReportsWhileGoingOffline(t *testing.T) {
	ctx := context.Background()
	repl := &lingeringReplication{done: make(chan struct{})}
	ds := NewDataSource(&lingeringAdapter{MemoryStore: drivers.NewMemoryStore("local"), repl: repl},
		WithRemotes("mem://remote"),
		WithOfflinePolling(5*time.Millisecond, 5*time.Second),
	)
	require.NoError(t, ds.Connect(ctx))

	offline := make(chan error, 1)
	go func() { offline <- ds.Disconnect(ctx) }()
	time.Sleep(20 * time.Millisecond)

	start := time.Now()
	assert.True(t, ds.IsOnline())
	assert.Equal(t, []string{"mem://remote"}, ds.ActiveRemotes())
	assert.Less(t, time.Since(start), 100*time.Millisecond)

	repl.released.Store(true)
	select {
	case err := <-offline:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Disconnect did not return after the replication stopped")
	}
	assert.False(t, ds.IsOnline())
	require.NoError(t, ds.Close())
}

func TestDataSource_OfflineTimeout(t *testing.T) {
	repl := &lingeringReplication{done: make(chan struct{})}
	ds := NewDataSource(&lingeringAdapter{MemoryStore: drivers.NewMemoryStore("local"), repl: repl},
		WithRemotes("mem://remote"),
		WithOfflinePolling(5*time.Millisecond, 30*time.Millisecond),
	)
	require.NoError(t, ds.Connect(context.Background()))

	err := ds.Disconnect(context.Background())
	assert.ErrorContains(t, err, "still active")
	assert.True(t, ds.IsOnline())

	repl.released.Store(true)
	require.NoError(t, ds.Close())
}
