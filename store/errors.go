package store

import "errors"

// Common errors for store adapter operations.
var (
	ErrInvalidConfig    = errors.New("invalid configuration")
	ErrInvalidStoreType = errors.New("invalid store type")
	ErrNotFound         = errors.New("document not found")
	ErrConflict         = errors.New("document update conflict")
	ErrUnavailable      = errors.New("store unavailable")
	ErrUnimplemented    = errors.New("not implemented")
	ErrClosed           = errors.New("store closed")
)
