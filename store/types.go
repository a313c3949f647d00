package store

import (
	"encoding/json"
	"time"
)

// Doc is one revision of a document as reported by an Adapter.
type Doc struct {
	ID      string          `json:"id"`
	Rev     string          `json:"rev"`
	Value   json.RawMessage `json:"value,omitempty"`
	Deleted bool            `json:"deleted,omitempty"`

	// Conflicts lists the sibling revisions that are still live next to Rev.
	// Only filled when GetOptions.Conflicts is set.
	Conflicts []string `json:"conflicts,omitempty"`
}

// GetOptions tunes a single Get call.
type GetOptions struct {
	// Conflicts asks the adapter to report sibling revisions.
	Conflicts bool

	// Rev fetches a specific leaf revision instead of the winner.
	Rev string
}

// Change is a single entry of a live change feed.
type Change struct {
	ID      string          `json:"id"`
	Rev     string          `json:"rev"`
	Value   json.RawMessage `json:"value,omitempty"`
	Deleted bool            `json:"deleted,omitempty"`
	Seq     int64           `json:"seq"` // Store-wide update sequence
}

// Info is the result of a connectivity probe.
type Info struct {
	Name      string    `json:"name"`
	Driver    StoreType `json:"driver"`
	DocCount  int       `json:"doc_count"`
	UpdateSeq int64     `json:"update_seq"`
	CheckedAt time.Time `json:"checked_at"`
}

// StoreType represents the type of store driver.
type StoreType string

const (
	StoreTypeMemory   StoreType = "memory"
	StoreTypeRedis    StoreType = "redis"
	StoreTypeSQLite   StoreType = "sqlite"
	StoreTypeSupabase StoreType = "supabase"
)
