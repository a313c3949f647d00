package docsession

import (
	"context"
	"errors"
	"slices"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/creastat/docsession/store"
)

// SubscriptionState is the lifecycle state of a Subscription.
type SubscriptionState int32

const (
	SubscriptionActive SubscriptionState = iota
	SubscriptionCancelled
)

func (s SubscriptionState) String() string {
	if s == SubscriptionActive {
		return "active"
	}
	return "cancelled"
}

// Handlers are the callbacks of a Subscription. Change is required.
type Handlers[T any] struct {
	// Change receives the resolved document after every change.
	Change func(id string, doc *Document[T])

	// Deleted receives the tombstone revision when a document is deleted.
	Deleted func(id, rev string)

	// Error receives failures to resolve a changed document. When the
	// store ends the change feed it is called once with an empty id and
	// ErrSubscriptionCancelled.
	Error func(id string, err error)

	// Filter drops changes for which it returns false.
	Filter func(doc *Document[T]) bool
}

// Subscription delivers changes to a set of documents. Deliveries for one
// document keep the store's order. Once cancelled no new delivery starts;
// one already past its cancellation check completes.
type Subscription[T any] struct {
	id       string
	ids      []string
	session  *Session[T]
	feed     store.Feed
	handlers Handlers[T]

	state   atomic.Int32
	lastSeq atomic.Int64

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

func newSubscription[T any](s *Session[T], ids []string, feed store.Feed, handlers Handlers[T]) *Subscription[T] {
	ctx, cancel := context.WithCancel(context.Background())
	return &Subscription[T]{
		id:       uuid.NewString(),
		ids:      ids,
		session:  s,
		feed:     feed,
		handlers: handlers,
		ctx:      ctx,
		cancel:   cancel,
		done:     make(chan struct{}),
	}
}

// ID returns the subscription identifier.
func (sub *Subscription[T]) ID() string {
	return sub.id
}

// IDs returns the followed document ids.
func (sub *Subscription[T]) IDs() []string {
	return slices.Clone(sub.ids)
}

// State returns the current lifecycle state.
func (sub *Subscription[T]) State() SubscriptionState {
	return SubscriptionState(sub.state.Load())
}

// Active reports whether the subscription still delivers changes.
func (sub *Subscription[T]) Active() bool {
	return sub.State() == SubscriptionActive
}

// Err returns ErrSubscriptionCancelled once the subscription is cancelled.
// A cancelled subscription cannot be restarted; subscribe again instead.
func (sub *Subscription[T]) Err() error {
	if sub.Active() {
		return nil
	}
	return ErrSubscriptionCancelled
}

// LastSeq returns the highest store sequence observed.
func (sub *Subscription[T]) LastSeq() int64 {
	return sub.lastSeq.Load()
}

// Done is closed when the dispatch loop has exited.
func (sub *Subscription[T]) Done() <-chan struct{} {
	return sub.done
}

// Cancel stops the subscription. Safe to call more than once and from
// inside a handler.
func (sub *Subscription[T]) Cancel() {
	sub.session.Cancel(sub)
}

func (sub *Subscription[T]) stop() {
	if sub.state.CompareAndSwap(int32(SubscriptionActive), int32(SubscriptionCancelled)) {
		sub.cancel()
		sub.feed.Cancel()
		sub.session.logger.Debug("subscription cancelled", "subscription", sub.id)
	}
}

func (sub *Subscription[T]) run() {
	defer close(sub.done)

	for c := range sub.feed.Events() {
		if !sub.Active() {
			continue
		}
		sub.observe(c.Seq)
		sub.dispatch(c)
	}

	// Feed ended without Cancel: the store closed underneath us
	if sub.state.CompareAndSwap(int32(SubscriptionActive), int32(SubscriptionCancelled)) {
		sub.cancel()
		sub.session.forget(sub)
		sub.session.logger.Warn("change feed closed", "subscription", sub.id)
		if sub.handlers.Error != nil {
			sub.handlers.Error("", ErrSubscriptionCancelled)
		}
	}
}

func (sub *Subscription[T]) observe(seq int64) {
	for {
		last := sub.lastSeq.Load()
		if seq <= last || sub.lastSeq.CompareAndSwap(last, seq) {
			return
		}
	}
}

func (sub *Subscription[T]) dispatch(c store.Change) {
	s := sub.session

	if c.Deleted {
		if sub.handlers.Deleted != nil && sub.Active() {
			sub.handlers.Deleted(c.ID, c.Rev)
		}
		return
	}

	var doc *Document[T]
	var err error
	if s.params.HandleConflicts {
		doc, err = s.fetch(sub.ctx, c.ID)
	} else {
		doc, err = s.decode(&store.Doc{ID: c.ID, Rev: c.Rev, Value: c.Value})
	}
	if err != nil {
		// Cancelled mid-fetch, or deleted since the change was announced
		if sub.ctx.Err() != nil || errors.Is(err, store.ErrNotFound) {
			return
		}
		s.logger.Warn("failed to resolve changed document", "subscription", sub.id, "id", c.ID, "err", err)
		if sub.handlers.Error != nil {
			sub.handlers.Error(c.ID, err)
		}
		return
	}

	if sub.handlers.Filter != nil && !sub.handlers.Filter(doc) {
		return
	}
	if !sub.Active() {
		return
	}
	sub.handlers.Change(c.ID, doc)
}
