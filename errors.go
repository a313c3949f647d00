package docsession

import (
	"errors"

	"github.com/creastat/docsession/store"
)

// Common errors for session operations.
var (
	// ErrNotFound is returned by Get when the document is absent and no
	// default factory was supplied.
	ErrNotFound = store.ErrNotFound

	ErrConflictHandlerMissing = errors.New("document has conflicts but no conflict handler is registered")
	ErrWriteConflict          = errors.New("write conflict: retry budget exhausted")
	ErrKeyFormat              = errors.New("malformed key")

	// ErrStoreUnavailable is returned when the connectivity probe fails.
	ErrStoreUnavailable = store.ErrUnavailable

	ErrUnimplemented         = store.ErrUnimplemented
	ErrSubscriptionCancelled = errors.New("subscription cancelled")
	ErrSessionClosed         = errors.New("session closed")
)
