package drivers

import (
	"context"
	"encoding/json"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/creastat/docsession/store"
	"github.com/creastat/docsession/store/revtree"
)

// MemoryStore implements store.Adapter using an in-memory map of revision records.
type MemoryStore struct {
	name string

	mu      sync.RWMutex
	records map[string]*revtree.Record
	seq     int64
	closed  bool

	feed     *store.Broadcaster
	registry *Registry
	logger   *slog.Logger
}

// NewMemoryStore creates a new in-memory document store.
func NewMemoryStore(name string) *MemoryStore {
	return newMemoryStore(name, nil, nil)
}

func newMemoryStore(name string, registry *Registry, logger *slog.Logger) *MemoryStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &MemoryStore{
		name:     name,
		records:  make(map[string]*revtree.Record),
		feed:     store.NewBroadcaster(),
		registry: registry,
		logger:   logger,
	}
}

// Name returns the store name.
func (s *MemoryStore) Name() string {
	return s.name
}

// Get implements store.Adapter.
func (s *MemoryStore) Get(ctx context.Context, id string, opts store.GetOptions) (*store.Doc, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, store.ErrClosed
	}
	rec, exists := s.records[id]
	if !exists {
		return nil, store.ErrNotFound
	}
	return rec.Doc(opts)
}

// Put implements store.Adapter.
func (s *MemoryStore) Put(ctx context.Context, id, rev string, value json.RawMessage) (string, error) {
	var newRev string
	err := s.update(id, func(rec *revtree.Record) (bool, error) {
		leaf, err := rec.Put(rev, value)
		if err != nil {
			return false, err
		}
		newRev = leaf.Rev
		return true, nil
	})
	return newRev, err
}

// Remove implements store.Adapter.
func (s *MemoryStore) Remove(ctx context.Context, id, rev string) (string, error) {
	var newRev string
	err := s.update(id, func(rec *revtree.Record) (bool, error) {
		leaf, err := rec.Remove(rev)
		if err != nil {
			return false, err
		}
		newRev = leaf.Rev
		return true, nil
	})
	return newRev, err
}

// Info implements store.Adapter.
func (s *MemoryStore) Info(ctx context.Context) (store.Info, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return store.Info{}, store.ErrClosed
	}
	count := 0
	for _, rec := range s.records {
		if rec.Live() {
			count++
		}
	}
	return store.Info{
		Name:      s.name,
		Driver:    store.StoreTypeMemory,
		DocCount:  count,
		UpdateSeq: s.seq,
		CheckedAt: time.Now(),
	}, nil
}

// Changes implements store.Adapter.
func (s *MemoryStore) Changes(ctx context.Context, ids []string) (store.Feed, error) {
	return s.feed.Subscribe(ids)
}

// Replicate implements store.Adapter.
func (s *MemoryStore) Replicate(ctx context.Context, remoteURL string) (store.Replication, error) {
	return replicateTo(ctx, s, remoteURL, s.logger, WithRegistry(s.registry), WithLogger(s.logger))
}

// Close implements store.Adapter.
func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	s.feed.Close()
	s.records = nil
	return nil
}

// LoadRecord implements RecordStore.
func (s *MemoryStore) LoadRecord(ctx context.Context, id string) (*revtree.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, store.ErrClosed
	}
	rec, exists := s.records[id]
	if !exists {
		return nil, store.ErrNotFound
	}
	return rec.Clone(), nil
}

// MergeRecord implements RecordStore.
func (s *MemoryStore) MergeRecord(ctx context.Context, other *revtree.Record) (bool, error) {
	changed := false
	err := s.update(other.ID, func(rec *revtree.Record) (bool, error) {
		changed = rec.Merge(other)
		return changed, nil
	})
	return changed, err
}

// IDs implements RecordStore.
func (s *MemoryStore) IDs(ctx context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, store.ErrClosed
	}
	ids := make([]string, 0, len(s.records))
	for id := range s.records {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

// update applies fn to a working copy of the record for id and commits it
// when fn reports a change. The change is published before the lock is
// released so feeds observe commit order.
func (s *MemoryStore) update(id string, fn func(rec *revtree.Record) (bool, error)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return store.ErrClosed
	}

	rec := revtree.NewRecord(id)
	if stored, exists := s.records[id]; exists {
		rec = stored.Clone()
	}

	changed, err := fn(rec)
	if err != nil || !changed {
		return err
	}

	s.seq++
	rec.Seq = s.seq
	s.records[id] = rec

	if c, ok := rec.Change(); ok {
		s.feed.Publish(c)
	}
	return nil
}

// Registry resolves mem:// URLs to named in-memory stores, so several
// stores in one process can replicate with each other.
type Registry struct {
	mu     sync.Mutex
	stores map[string]*MemoryStore
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{stores: make(map[string]*MemoryStore)}
}

// Store returns the store registered under name, creating it on first use.
// A closed store is replaced by a fresh one.
func (r *Registry) Store(name string) *MemoryStore {
	r.mu.Lock()
	defer r.mu.Unlock()

	if s, ok := r.stores[name]; ok && !s.isClosed() {
		return s
	}
	s := newMemoryStore(name, r, nil)
	r.stores[name] = s
	return s
}

func (s *MemoryStore) isClosed() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.closed
}

// Compile-time check that MemoryStore implements RecordStore
var _ RecordStore = (*MemoryStore)(nil)
