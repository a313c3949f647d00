package docsession

import (
	"context"
	"fmt"
	"slices"
	"sync"

	"github.com/creastat/docsession/store/revtree"
)

// Document is a handle on one fetched document. It holds the revision the
// store reported, the fetched value, an optional local mutation and the
// sibling revisions still waiting to be pruned by a save.
//
// Handles are not cached by the Session; each Get returns a fresh one.
type Document[T any] struct {
	mu        sync.RWMutex
	id        string
	rev       string
	value     T
	local     T
	dirty     bool
	conflicts []string

	session *Session[T]
}

// NewDocument returns a handle that is not attached to a session.
// Saving it fails; it is meant for building resolver inputs.
func NewDocument[T any](id, rev string, value T) *Document[T] {
	return &Document[T]{id: id, rev: rev, value: value}
}

// ID returns the store-level document id.
func (d *Document[T]) ID() string {
	return d.id
}

// Revision returns the revision this handle is based on.
func (d *Document[T]) Revision() string {
	d.mu.RLock()
	defer d.mu.RUnlock()

	return d.rev
}

// Conflicts returns the sibling revisions seen at fetch time.
func (d *Document[T]) Conflicts() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()

	return slices.Clone(d.conflicts)
}

// Current returns the local value if the handle was updated, otherwise
// the fetched value.
func (d *Document[T]) Current() T {
	d.mu.RLock()
	defer d.mu.RUnlock()

	if d.dirty {
		return d.local
	}
	return d.value
}

// IsDirty reports whether the handle carries a local mutation.
func (d *Document[T]) IsDirty() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()

	return d.dirty
}

// Update sets the local value. With auto-save enabled the document is
// saved in the background; failures go to the auto-save error handler and
// the log, never back to the caller.
func (d *Document[T]) Update(value T) *Document[T] {
	d.mu.Lock()
	d.local = value
	d.dirty = true
	d.mu.Unlock()

	if s := d.session; s != nil && s.params.AutoSave {
		go func() {
			if _, err := s.Save(context.Background(), d); err != nil {
				s.autoSaveFailed(d.id, err)
			}
		}()
	}
	return d
}

// Save writes the handle through its session. See Session.Save.
func (d *Document[T]) Save(ctx context.Context) (*Document[T], error) {
	if d.session == nil {
		return nil, fmt.Errorf("%w: document %q is detached", ErrSessionClosed, d.id)
	}
	return d.session.Save(ctx, d)
}

// CompareVersion orders d against other by revision generation.
// Equal revisions compare concurrent once either side has a local mutation.
func (d *Document[T]) CompareVersion(other *Document[T]) VersionOrder {
	if other == nil || d.id != other.id {
		return VersionNonComparable
	}

	rev, dirty := d.version()
	otherRev, otherDirty := other.version()

	gen, err := revtree.Generation(rev)
	if err != nil {
		return VersionNonComparable
	}
	otherGen, err := revtree.Generation(otherRev)
	if err != nil {
		return VersionNonComparable
	}

	switch {
	case rev == otherRev:
		if dirty || otherDirty {
			return VersionConcurrent
		}
		return VersionEqual
	case gen < otherGen:
		return VersionLessThan
	case gen > otherGen:
		return VersionGreaterThan
	default:
		return VersionConcurrent
	}
}

func (d *Document[T]) version() (string, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	return d.rev, d.dirty
}

// state returns what a save needs: the base revision and known siblings.
func (d *Document[T]) state() (rev string, conflicts []string) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	return d.rev, slices.Clone(d.conflicts)
}

// resolve replaces the accepted value after the conflict handler ran.
func (d *Document[T]) resolve(value T, conflicts []string) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.value = value
	d.conflicts = conflicts
}
