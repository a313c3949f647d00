package store

import (
	"context"
	"encoding/json"
)

// Adapter defines the interface for a revision-tracked document store.
type Adapter interface {
	// Get retrieves the winning revision of a document, or the revision
	// named in opts.Rev. Returns ErrNotFound if the document does not exist
	// or its winner is a tombstone.
	Get(ctx context.Context, id string, opts GetOptions) (*Doc, error)

	// Put writes value on top of rev and returns the new revision.
	// An empty rev creates the document.
	// Returns ErrConflict if rev is not a live leaf of the document, or if
	// rev is empty and a live document already exists.
	Put(ctx context.Context, id, rev string, value json.RawMessage) (string, error)

	// Remove turns the live leaf rev into a tombstone and returns the
	// tombstone revision.
	Remove(ctx context.Context, id, rev string) (string, error)

	// Info probes connectivity and reports basic store statistics.
	Info(ctx context.Context) (Info, error)

	// Changes opens a live feed of changes to ids, starting now.
	// A nil or empty ids slice follows every document.
	Changes(ctx context.Context, ids []string) (Feed, error)

	// Replicate starts a live two-way replication with the store at remoteURL.
	Replicate(ctx context.Context, remoteURL string) (Replication, error)

	// Close closes the store and releases any resources.
	Close() error
}

// Feed is a live stream of changes.
type Feed interface {
	// Events delivers changes in store order. It is closed after Cancel.
	Events() <-chan Change

	// Cancel stops the feed. It is safe to call more than once.
	Cancel()
}

// Replication is a handle on a live replication with a remote store.
type Replication interface {
	ID() string
	URL() string

	// Cancel stops replicating. Done is closed once the replication
	// has fully stopped.
	Cancel()
	Done() <-chan struct{}

	// Active reports whether the replication is still running.
	Active() bool

	// Err returns the error that stopped the replication, if any.
	Err() error
}
