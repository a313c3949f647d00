package docsession

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/creastat/docsession/store"
)

// ConflictResolver reduces a document and its sibling revisions to one
// value. It runs synchronously inside Get and subscription dispatch, must
// not save, and must be deterministic. With no siblings it returns
// current.Current() unchanged.
type ConflictResolver[T any] func(current *Document[T], siblings []*Document[T]) T

// Hooks are the application callbacks of a Session.
type Hooks[T any] struct {
	ConflictHandler ConflictResolver[T]
}

// Session is the single point of access to documents of type T on one
// DataSource. It is safe for concurrent use. No lock is held across store
// calls; concurrent writers race at the store and the save retry loop
// settles the race.
type Session[T any] struct {
	ds      *DataSource
	adapter store.Adapter
	params  Params
	logger  *slog.Logger

	onAutoSave func(id string, err error)

	mu     sync.RWMutex
	hooks  Hooks[T]
	subs   map[string]*Subscription[T]
	closed bool
}

// New opens a Session on ds after probing the store.
// Returns ErrStoreUnavailable if the probe fails.
func New[T any](ctx context.Context, ds *DataSource, opts ...Option) (*Session[T], error) {
	cfg := &config{params: DefaultParams()}
	for _, opt := range opts {
		opt(cfg)
	}
	if err := cfg.params.Validate(); err != nil {
		return nil, err
	}
	if cfg.logger == nil {
		cfg.logger = slog.Default()
	}

	if _, err := ds.Adapter().Info(ctx); err != nil {
		if errors.Is(err, ErrStoreUnavailable) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %w", ErrStoreUnavailable, err)
	}

	return &Session[T]{
		ds:         ds,
		adapter:    ds.Adapter(),
		params:     cfg.params,
		logger:     cfg.logger,
		onAutoSave: cfg.onAutoSave,
		subs:       make(map[string]*Subscription[T]),
	}, nil
}

// Params returns the session's connection parameters.
func (s *Session[T]) Params() Params {
	return s.params
}

// RegisterHooks installs hooks, replacing any installed before.
func (s *Session[T]) RegisterHooks(hooks Hooks[T]) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.hooks = hooks
}

// GetOption tunes a single Get call.
type GetOption[T any] func(*getConfig[T])

type getConfig[T any] struct {
	factory     func() T
	passThrough bool
}

// WithDefault creates the document from factory when it does not exist.
func WithDefault[T any](factory func() T) GetOption[T] {
	return func(c *getConfig[T]) {
		c.factory = factory
	}
}

// PassThrough asks for a forced refetch bypassing any cache.
// It is not supported and makes Get fail with ErrUnimplemented.
func PassThrough[T any]() GetOption[T] {
	return func(c *getConfig[T]) {
		c.passThrough = true
	}
}

// Get fetches the document at key. A missing document is created from
// the default factory if one is given, otherwise ErrNotFound is returned.
// With conflict handling enabled, sibling revisions are passed to the
// conflict handler and its result becomes the handle's current value.
func (s *Session[T]) Get(ctx context.Context, key Key, opts ...GetOption[T]) (*Document[T], error) {
	id, err := key.ID()
	if err != nil {
		return nil, err
	}
	if err := s.checkOpen(); err != nil {
		return nil, err
	}

	cfg := &getConfig[T]{}
	for _, opt := range opts {
		opt(cfg)
	}
	if cfg.passThrough {
		return nil, fmt.Errorf("%w: pass-through reads", ErrUnimplemented)
	}

	doc, err := s.fetch(ctx, id)
	if errors.Is(err, store.ErrNotFound) && cfg.factory != nil {
		return s.create(ctx, id, cfg.factory())
	}
	return doc, err
}

// Save removes the handle's sibling revisions and writes its current value
// on top of its base revision. When the store reports a newer revision the
// save waits a random delay, refetches, reapplies the value and tries again,
// up to PutRetries times; after that it fails with ErrWriteConflict.
func (s *Session[T]) Save(ctx context.Context, doc *Document[T]) (*Document[T], error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}

	id := doc.ID()
	value := doc.Current()
	raw, err := json.Marshal(value)
	if err != nil {
		return nil, fmt.Errorf("failed to encode document %q: %w", id, err)
	}
	rev, conflicts := doc.state()

	for attempt := 0; ; attempt++ {
		s.pruneConflicts(ctx, id, conflicts)

		newRev, err := s.adapter.Put(ctx, id, rev, raw)
		if err == nil {
			return s.newDocument(id, newRev, value, nil), nil
		}
		if !errors.Is(err, store.ErrConflict) {
			return nil, err
		}
		if attempt >= s.params.PutRetries {
			return nil, fmt.Errorf("%w: %w", ErrWriteConflict, err)
		}

		s.logger.Debug("save conflicted, retrying", "id", id, "rev", rev, "attempt", attempt+1)
		if err := sleepJitter(ctx, s.params.PutRetryMaxDelay); err != nil {
			return nil, err
		}

		fresh, err := s.fetch(ctx, id)
		switch {
		case errors.Is(err, store.ErrNotFound):
			// Deleted meanwhile, write it back
			rev, conflicts = "", nil
		case err != nil:
			return nil, err
		default:
			rev, conflicts = fresh.state()
		}
	}
}

// Delete removes the document at key along with any sibling revisions.
// It is not retried; store errors are returned as is.
func (s *Session[T]) Delete(ctx context.Context, key Key) error {
	id, err := key.ID()
	if err != nil {
		return err
	}
	if err := s.checkOpen(); err != nil {
		return err
	}

	doc, err := s.adapter.Get(ctx, id, store.GetOptions{Conflicts: true})
	if err != nil {
		return err
	}
	for _, rev := range append([]string{doc.Rev}, doc.Conflicts...) {
		if _, err := s.adapter.Remove(ctx, id, rev); err != nil {
			return err
		}
	}
	return nil
}

// Subscribe follows changes to keys until the subscription is cancelled.
func (s *Session[T]) Subscribe(ctx context.Context, keys []Key, handlers Handlers[T]) (*Subscription[T], error) {
	if len(keys) == 0 {
		return nil, fmt.Errorf("%w: no keys to subscribe to", ErrKeyFormat)
	}
	ids, err := flattenKeys(keys)
	if err != nil {
		return nil, err
	}
	if handlers.Change == nil {
		return nil, fmt.Errorf("change handler is required")
	}

	if err := s.checkOpen(); err != nil {
		return nil, err
	}

	feed, err := s.adapter.Changes(ctx, ids)
	if err != nil {
		return nil, err
	}
	sub := newSubscription(s, ids, feed, handlers)

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		feed.Cancel()
		return nil, ErrSessionClosed
	}
	s.subs[sub.id] = sub
	s.mu.Unlock()

	go sub.run()

	s.logger.Debug("subscription started", "subscription", sub.id, "ids", ids)
	return sub, nil
}

// Cancel stops sub. Calling it on a cancelled subscription does nothing.
func (s *Session[T]) Cancel(sub *Subscription[T]) {
	s.forget(sub)
	sub.stop()
}

func (s *Session[T]) forget(sub *Subscription[T]) {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.subs, sub.id)
}

// Subscriptions returns the active subscriptions.
func (s *Session[T]) Subscriptions() []*Subscription[T] {
	s.mu.RLock()
	defer s.mu.RUnlock()

	subs := make([]*Subscription[T], 0, len(s.subs))
	for _, sub := range s.subs {
		subs = append(subs, sub)
	}
	return subs
}

// GoOffline stops replication and waits until it is inactive.
func (s *Session[T]) GoOffline(ctx context.Context) error {
	return s.ds.Disconnect(ctx)
}

// GoOnline starts replication with the data source's remotes.
func (s *Session[T]) GoOnline(ctx context.Context) error {
	return s.ds.Connect(ctx)
}

// IsOnline reports whether any replication is active.
func (s *Session[T]) IsOnline() bool {
	return s.ds.IsOnline()
}

// Close cancels every subscription. The data source stays open.
func (s *Session[T]) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	subs := s.subs
	s.subs = make(map[string]*Subscription[T])
	s.mu.Unlock()

	for _, sub := range subs {
		sub.stop()
	}
	return nil
}

// fetch reads the document and, with conflict handling enabled, resolves
// its siblings through the conflict handler.
func (s *Session[T]) fetch(ctx context.Context, id string) (*Document[T], error) {
	raw, err := s.adapter.Get(ctx, id, store.GetOptions{Conflicts: s.params.HandleConflicts})
	if err != nil {
		return nil, err
	}
	doc, err := s.decode(raw)
	if err != nil {
		return nil, err
	}
	if len(raw.Conflicts) == 0 {
		return doc, nil
	}

	s.mu.RLock()
	handler := s.hooks.ConflictHandler
	s.mu.RUnlock()
	if handler == nil {
		return nil, fmt.Errorf("%w: %q has %d sibling revisions", ErrConflictHandlerMissing, id, len(raw.Conflicts))
	}

	siblings, err := s.fetchSiblings(ctx, id, raw.Conflicts)
	if err != nil {
		return nil, err
	}
	doc.resolve(handler(doc, siblings), raw.Conflicts)
	return doc, nil
}

// fetchSiblings loads the body of every sibling revision in parallel.
// Siblings pruned since the winner was read are skipped.
func (s *Session[T]) fetchSiblings(ctx context.Context, id string, revs []string) ([]*Document[T], error) {
	docs := make([]*Document[T], len(revs))

	g, gctx := errgroup.WithContext(ctx)
	for i, rev := range revs {
		g.Go(func() error {
			raw, err := s.adapter.Get(gctx, id, store.GetOptions{Rev: rev})
			if errors.Is(err, store.ErrNotFound) {
				return nil
			}
			if err != nil {
				return err
			}
			if raw.Deleted {
				return nil
			}
			docs[i], err = s.decode(raw)
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("failed to load siblings of %q: %w", id, err)
	}

	siblings := docs[:0]
	for _, d := range docs {
		if d != nil {
			siblings = append(siblings, d)
		}
	}
	return siblings, nil
}

// create writes value as a new document. Losing the creation race to
// another writer returns the winner instead.
func (s *Session[T]) create(ctx context.Context, id string, value T) (*Document[T], error) {
	raw, err := json.Marshal(value)
	if err != nil {
		return nil, fmt.Errorf("failed to encode document %q: %w", id, err)
	}

	rev, err := s.adapter.Put(ctx, id, "", raw)
	if errors.Is(err, store.ErrConflict) {
		s.logger.Debug("document created concurrently, refetching", "id", id)
		return s.fetch(ctx, id)
	}
	if err != nil {
		return nil, err
	}
	return s.newDocument(id, rev, value, nil), nil
}

// pruneConflicts removes resolved sibling revisions. A sibling already
// gone is not an error worth surfacing.
func (s *Session[T]) pruneConflicts(ctx context.Context, id string, revs []string) {
	for _, rev := range revs {
		if _, err := s.adapter.Remove(ctx, id, rev); err != nil {
			s.logger.Debug("failed to prune sibling revision", "id", id, "rev", rev, "err", err)
		}
	}
}

func (s *Session[T]) decode(raw *store.Doc) (*Document[T], error) {
	var value T
	if len(raw.Value) > 0 {
		if err := json.Unmarshal(raw.Value, &value); err != nil {
			return nil, fmt.Errorf("failed to decode document %q: %w", raw.ID, err)
		}
	}
	return s.newDocument(raw.ID, raw.Rev, value, raw.Conflicts), nil
}

func (s *Session[T]) newDocument(id, rev string, value T, conflicts []string) *Document[T] {
	return &Document[T]{id: id, rev: rev, value: value, conflicts: conflicts, session: s}
}

func (s *Session[T]) autoSaveFailed(id string, err error) {
	s.logger.Warn("auto-save failed", "id", id, "err", err)
	if s.onAutoSave != nil {
		s.onAutoSave(id, err)
	}
}

func (s *Session[T]) checkOpen() error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return ErrSessionClosed
	}
	return nil
}
