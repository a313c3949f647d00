// Package resolve provides ready-made conflict handlers for docsession.
package resolve

import (
	"slices"
	"strings"
	"time"

	"github.com/creastat/docsession"
)

// KeepCurrent keeps the store's winning revision and drops the siblings.
func KeepCurrent[T any]() docsession.ConflictResolver[T] {
	return func(current *docsession.Document[T], _ []*docsession.Document[T]) T {
		return current.Current()
	}
}

// LastWriteWins keeps the value with the latest application timestamp.
// Ties go to the store's winning revision.
func LastWriteWins[T any](stamp func(T) time.Time) docsession.ConflictResolver[T] {
	return func(current *docsession.Document[T], siblings []*docsession.Document[T]) T {
		best := current.Current()
		bestAt := stamp(best)
		for _, sib := range ordered(siblings) {
			v := sib.Current()
			if at := stamp(v); at.After(bestAt) {
				best, bestAt = v, at
			}
		}
		return best
	}
}

// Fold merges every sibling into the current value with merge, visiting
// siblings in revision order so the result does not depend on the order
// the store reported them in.
func Fold[T any](merge func(acc, next T) T) docsession.ConflictResolver[T] {
	return func(current *docsession.Document[T], siblings []*docsession.Document[T]) T {
		acc := current.Current()
		for _, sib := range ordered(siblings) {
			acc = merge(acc, sib.Current())
		}
		return acc
	}
}

func ordered[T any](docs []*docsession.Document[T]) []*docsession.Document[T] {
	sorted := slices.Clone(docs)
	slices.SortFunc(sorted, func(a, b *docsession.Document[T]) int {
		return strings.Compare(a.Revision(), b.Revision())
	})
	return sorted
}
