package resolve

import (
	"log/slog"

	"github.com/automerge/automerge-go"

	"github.com/creastat/docsession"
)

// Automerge merges documents holding saved automerge state. The CRDT merge
// is commutative, so every replica resolving the same siblings converges.
// Siblings that fail to load are skipped and logged; if the current value
// itself cannot be loaded it is kept unchanged.
func Automerge(logger *slog.Logger) docsession.ConflictResolver[[]byte] {
	if logger == nil {
		logger = slog.Default()
	}
	return func(current *docsession.Document[[]byte], siblings []*docsession.Document[[]byte]) []byte {
		doc, err := automerge.Load(current.Current())
		if err != nil {
			logger.Warn("failed to load automerge document", "id", current.ID(), "rev", current.Revision(), "err", err)
			return current.Current()
		}

		for _, sib := range siblings {
			other, err := automerge.Load(sib.Current())
			if err != nil {
				logger.Warn("skipping unreadable sibling", "id", sib.ID(), "rev", sib.Revision(), "err", err)
				continue
			}
			if _, err := doc.Merge(other); err != nil {
				logger.Warn("failed to merge sibling", "id", sib.ID(), "rev", sib.Revision(), "err", err)
			}
		}
		return doc.Save()
	}
}
