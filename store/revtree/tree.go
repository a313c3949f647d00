// Package revtree implements the revision bookkeeping shared by every store
// driver: minting revision tokens, picking the winning leaf, listing sibling
// conflicts, and merging records during replication.
//
// A Record keeps only leaf revisions with their ancestry. Bodies of
// superseded revisions are not retained.
package revtree

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/cespare/xxhash/v2"

	"github.com/creastat/docsession/store"
)

// RevsLimit caps the ancestry kept per leaf.
const RevsLimit = 1000

// Leaf is a revision with no descendants.
type Leaf struct {
	Rev     string          `json:"rev"`
	Value   json.RawMessage `json:"value,omitempty"`
	Deleted bool            `json:"deleted,omitempty"`
	History []string        `json:"history,omitempty"` // Ancestors, oldest first
}

// Record is the full revision state of one document.
type Record struct {
	ID     string `json:"id"`
	Leaves []Leaf `json:"leaves"`
	Seq    int64  `json:"seq"` // Update sequence of the last change
}

// NewRecord returns an empty record for id.
func NewRecord(id string) *Record {
	return &Record{ID: id}
}

// Generation returns the numeric generation prefix of rev.
func Generation(rev string) (int, error) {
	prefix, _, ok := strings.Cut(rev, "-")
	if !ok || prefix == "" {
		return 0, fmt.Errorf("malformed revision %q", rev)
	}
	gen, err := strconv.Atoi(prefix)
	if err != nil || gen <= 0 {
		return 0, fmt.Errorf("malformed revision %q", rev)
	}
	return gen, nil
}

// NewRevision mints the token for a write of value on top of parent.
// Identical edits of the same parent produce the same token.
func NewRevision(parent string, value []byte, deleted bool) string {
	gen := 1
	if parent != "" {
		if g, err := Generation(parent); err == nil {
			gen = g + 1
		}
	}

	d := xxhash.New()
	_, _ = d.WriteString(parent)
	_, _ = d.Write([]byte{0})
	_, _ = d.Write(value)
	if deleted {
		_, _ = d.Write([]byte{1})
	}
	return fmt.Sprintf("%d-%016x", gen, d.Sum64())
}

// Winner returns the winning leaf: live leaves beat tombstones, then the
// higher generation wins, then the higher token.
func (r *Record) Winner() (*Leaf, bool) {
	if len(r.Leaves) == 0 {
		return nil, false
	}
	best := 0
	for i := 1; i < len(r.Leaves); i++ {
		if beats(&r.Leaves[i], &r.Leaves[best]) {
			best = i
		}
	}
	return &r.Leaves[best], true
}

// Live reports whether the record has a non-deleted winner.
func (r *Record) Live() bool {
	w, ok := r.Winner()
	return ok && !w.Deleted
}

// Conflicts lists live leaves other than the winner, in winning order.
func (r *Record) Conflicts() []string {
	w, ok := r.Winner()
	if !ok || w.Deleted {
		return nil
	}

	var siblings []*Leaf
	for i := range r.Leaves {
		l := &r.Leaves[i]
		if l.Deleted || l.Rev == w.Rev {
			continue
		}
		siblings = append(siblings, l)
	}
	sort.Slice(siblings, func(i, j int) bool { return beats(siblings[i], siblings[j]) })

	revs := make([]string, 0, len(siblings))
	for _, l := range siblings {
		revs = append(revs, l.Rev)
	}
	return revs
}

// Leaf returns the leaf with the given revision.
func (r *Record) Leaf(rev string) (*Leaf, bool) {
	for i := range r.Leaves {
		if r.Leaves[i].Rev == rev {
			return &r.Leaves[i], true
		}
	}
	return nil, false
}

// Doc renders the winner (or the leaf rev, if set) as a store.Doc.
func (r *Record) Doc(opts store.GetOptions) (*store.Doc, error) {
	var leaf *Leaf
	if opts.Rev != "" {
		l, ok := r.Leaf(opts.Rev)
		if !ok {
			return nil, store.ErrNotFound
		}
		leaf = l
	} else {
		w, ok := r.Winner()
		if !ok || w.Deleted {
			return nil, store.ErrNotFound
		}
		leaf = w
	}

	doc := &store.Doc{
		ID:      r.ID,
		Rev:     leaf.Rev,
		Value:   leaf.Value,
		Deleted: leaf.Deleted,
	}
	if opts.Conflicts && opts.Rev == "" {
		doc.Conflicts = r.Conflicts()
	}
	return doc, nil
}

// Put writes value on top of rev and returns the new leaf.
// An empty rev creates the document, continuing from a tombstone if the
// document was deleted.
func (r *Record) Put(rev string, value json.RawMessage) (*Leaf, error) {
	if rev == "" {
		w, ok := r.Winner()
		if !ok {
			return r.replace(-1, "", nil, value, false), nil
		}
		if !w.Deleted {
			return nil, store.ErrConflict
		}
		return r.replace(r.index(w.Rev), w.Rev, w.History, value, false), nil
	}

	i := r.index(rev)
	if i < 0 || r.Leaves[i].Deleted {
		return nil, store.ErrConflict
	}
	return r.replace(i, rev, r.Leaves[i].History, value, false), nil
}

// Remove turns the live leaf rev into a tombstone.
func (r *Record) Remove(rev string) (*Leaf, error) {
	if !r.Live() {
		return nil, store.ErrNotFound
	}
	i := r.index(rev)
	if i < 0 || r.Leaves[i].Deleted {
		return nil, store.ErrConflict
	}
	return r.replace(i, rev, r.Leaves[i].History, nil, true), nil
}

// Merge folds the leaves of other into r. Leaves that are ancestors of a
// leaf on either side are dropped. Returns true if r changed.
func (r *Record) Merge(other *Record) bool {
	if other == nil {
		return false
	}

	known := make(map[string]struct{}, len(r.Leaves))
	for _, l := range r.Leaves {
		known[l.Rev] = struct{}{}
	}

	union := append([]Leaf(nil), r.Leaves...)
	for _, l := range other.Leaves {
		if _, ok := known[l.Rev]; ok {
			continue
		}
		union = append(union, l)
	}

	ancestors := make(map[string]struct{})
	for _, l := range union {
		for _, a := range l.History {
			ancestors[a] = struct{}{}
		}
	}

	merged := make([]Leaf, 0, len(union))
	for _, l := range union {
		if _, ok := ancestors[l.Rev]; ok {
			continue
		}
		merged = append(merged, l)
	}
	sort.Slice(merged, func(i, j int) bool { return merged[i].Rev < merged[j].Rev })

	if sameLeaves(r.Leaves, merged) {
		return false
	}
	r.Leaves = merged
	return true
}

// Change renders the winner as a feed entry carrying seq.
func (r *Record) Change() (store.Change, bool) {
	w, ok := r.Winner()
	if !ok {
		return store.Change{}, false
	}
	return store.Change{
		ID:      r.ID,
		Rev:     w.Rev,
		Value:   w.Value,
		Deleted: w.Deleted,
		Seq:     r.Seq,
	}, true
}

// Clone returns a deep copy of r.
func (r *Record) Clone() *Record {
	c := &Record{ID: r.ID, Seq: r.Seq, Leaves: make([]Leaf, len(r.Leaves))}
	for i, l := range r.Leaves {
		c.Leaves[i] = Leaf{
			Rev:     l.Rev,
			Value:   append(json.RawMessage(nil), l.Value...),
			Deleted: l.Deleted,
			History: append([]string(nil), l.History...),
		}
	}
	return c
}

func (r *Record) index(rev string) int {
	for i := range r.Leaves {
		if r.Leaves[i].Rev == rev {
			return i
		}
	}
	return -1
}

// replace swaps leaf i (or appends when i < 0) for a child of parent.
func (r *Record) replace(i int, parent string, history []string, value json.RawMessage, deleted bool) *Leaf {
	var hist []string
	if parent != "" {
		hist = append(append(make([]string, 0, len(history)+1), history...), parent)
		if len(hist) > RevsLimit {
			hist = hist[len(hist)-RevsLimit:]
		}
	}
	leaf := Leaf{
		Rev:     NewRevision(parent, value, deleted),
		Value:   value,
		Deleted: deleted,
		History: hist,
	}

	if i < 0 {
		r.Leaves = append(r.Leaves, leaf)
		return &r.Leaves[len(r.Leaves)-1]
	}
	r.Leaves[i] = leaf
	return &r.Leaves[i]
}

func beats(a, b *Leaf) bool {
	if a.Deleted != b.Deleted {
		return !a.Deleted
	}
	ga, _ := Generation(a.Rev)
	gb, _ := Generation(b.Rev)
	if ga != gb {
		return ga > gb
	}
	return a.Rev > b.Rev
}

func sameLeaves(a, b []Leaf) bool {
	if len(a) != len(b) {
		return false
	}
	seen := make(map[string]struct{}, len(a))
	for _, l := range a {
		seen[l.Rev] = struct{}{}
	}
	for _, l := range b {
		if _, ok := seen[l.Rev]; !ok {
			return false
		}
	}
	return true
}
