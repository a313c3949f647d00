package drivers

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/creastat/docsession/store"
	"github.com/creastat/docsession/store/revtree"
)

// RecordStore is a store.Adapter that also exposes its raw revision
// records. Every driver in this package implements it; replication works
// between any two RecordStores.
type RecordStore interface {
	store.Adapter

	// LoadRecord returns the full revision record for id.
	// Returns store.ErrNotFound if the store has never seen id.
	LoadRecord(ctx context.Context, id string) (*revtree.Record, error)

	// MergeRecord folds rec into the stored record and reports whether
	// anything changed. A change is announced on the store's feed.
	MergeRecord(ctx context.Context, rec *revtree.Record) (bool, error)

	// IDs lists every document id the store has seen, tombstones included.
	IDs(ctx context.Context) ([]string, error)
}

// SyncOnce runs a single bidirectional replication pass between a and b.
// Concurrent edits made on both sides since their last exchange surface as
// sibling conflict revisions on both.
func SyncOnce(ctx context.Context, a, b store.Adapter) error {
	ra, ok := a.(RecordStore)
	if !ok {
		return fmt.Errorf("%w: %T does not expose revision records", store.ErrUnimplemented, a)
	}
	rb, ok := b.(RecordStore)
	if !ok {
		return fmt.Errorf("%w: %T does not expose revision records", store.ErrUnimplemented, b)
	}

	if err := pushAll(ctx, ra, rb); err != nil {
		return err
	}
	return pushAll(ctx, rb, ra)
}

func pushAll(ctx context.Context, from, to RecordStore) error {
	ids, err := from.IDs(ctx)
	if err != nil {
		return err
	}
	for _, id := range ids {
		if _, err := pushRecord(ctx, from, to, id); err != nil {
			return err
		}
	}
	return nil
}

func pushRecord(ctx context.Context, from, to RecordStore, id string) (bool, error) {
	rec, err := from.LoadRecord(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to load %q: %w", id, err)
	}
	changed, err := to.MergeRecord(ctx, rec)
	if err != nil {
		return false, fmt.Errorf("failed to merge %q: %w", id, err)
	}
	return changed, nil
}

// replication is a live two-way replication between a local and a remote store.
type replication struct {
	id     string
	url    string
	cancel context.CancelFunc
	done   chan struct{}
	active atomic.Bool

	mu  sync.Mutex
	err error
}

// ID implements store.Replication.
func (r *replication) ID() string { return r.id }

// URL implements store.Replication.
func (r *replication) URL() string { return r.url }

// Cancel implements store.Replication.
func (r *replication) Cancel() { r.cancel() }

// Done implements store.Replication.
func (r *replication) Done() <-chan struct{} { return r.done }

// Active implements store.Replication.
func (r *replication) Active() bool { return r.active.Load() }

// Err implements store.Replication.
func (r *replication) Err() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.err
}

func (r *replication) fail(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.err == nil {
		r.err = err
	}
}

// replicateTo opens the store at remoteURL and starts live replication with local.
func replicateTo(ctx context.Context, local RecordStore, remoteURL string, logger *slog.Logger, opts ...StoreOption) (store.Replication, error) {
	remote, err := Open(ctx, remoteURL, opts...)
	if err != nil {
		return nil, err
	}
	// Named memory stores are shared through the registry and outlive the replication
	_, shared := remote.(*MemoryStore)

	r, err := Replicate(ctx, local, remote, remoteURL, logger)
	if err != nil {
		if !shared {
			_ = remote.Close()
		}
		return nil, err
	}
	if !shared {
		go func() {
			<-r.Done()
			_ = remote.Close()
		}()
	}
	return r, nil
}

// Replicate starts a live two-way replication between local and remote.
// Both change feeds are opened before the initial pass so nothing written
// during the pass is missed. The replication runs until cancelled or until
// either feed ends.
func Replicate(ctx context.Context, local, remote RecordStore, url string, logger *slog.Logger) (store.Replication, error) {
	if logger == nil {
		logger = slog.Default()
	}

	localFeed, err := local.Changes(ctx, nil)
	if err != nil {
		return nil, err
	}
	remoteFeed, err := remote.Changes(ctx, nil)
	if err != nil {
		localFeed.Cancel()
		return nil, err
	}

	runCtx, cancel := context.WithCancel(context.Background())
	r := &replication{
		id:     uuid.NewString(),
		url:    url,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	r.active.Store(true)

	log := logger.With("replication", r.id, "url", url)

	go func() {
		defer close(r.done)
		defer r.active.Store(false)
		defer remoteFeed.Cancel()
		defer localFeed.Cancel()

		if err := SyncOnce(runCtx, local, remote); err != nil && runCtx.Err() == nil {
			log.Warn("initial replication pass failed", "err", err)
			r.fail(err)
		}

		for {
			select {
			case <-runCtx.Done():
				return
			case c, ok := <-localFeed.Events():
				if !ok {
					r.fail(store.ErrClosed)
					return
				}
				if _, err := pushRecord(runCtx, local, remote, c.ID); err != nil && runCtx.Err() == nil {
					log.Warn("failed to push change", "id", c.ID, "err", err)
				}
			case c, ok := <-remoteFeed.Events():
				if !ok {
					r.fail(store.ErrClosed)
					return
				}
				if _, err := pushRecord(runCtx, remote, local, c.ID); err != nil && runCtx.Err() == nil {
					log.Warn("failed to pull change", "id", c.ID, "err", err)
				}
			}
		}
	}()

	return r, nil
}
