// Package docsession is a session layer over a replicated, revision-tracked
// document store.
//
// A Session hands out Document handles: Get fetches a document (creating it
// from a default on first access), the application updates the handle and
// Save writes it back on top of the revision it was fetched at. Concurrent
// writers race at the store; a losing Save waits a random delay, refetches,
// reapplies its value and retries within a configured budget.
//
// When the store holds sibling revisions of a document, produced by
// concurrent edits on replicated stores, the registered ConflictResolver
// reduces them to one value. The siblings are pruned by the next Save.
//
// Subscriptions follow a set of keys on the store's live change feed and
// deliver each changed document through the same resolve path as Get.
//
// Basic usage:
//
//	adapter, err := drivers.Open(ctx, "redis://localhost:6379/0")
//	if err != nil {
//		return err
//	}
//	ds := docsession.NewDataSource(adapter, docsession.WithRemotes("mem://replica"))
//	defer ds.Close()
//
//	s, err := docsession.New[Profile](ctx, ds, docsession.WithRetries(3, 200*time.Millisecond))
//	if err != nil {
//		return err
//	}
//	doc, err := s.Get(ctx, docsession.InBucket("profiles", "alice"),
//		docsession.WithDefault(func() Profile { return Profile{} }))
//	if err != nil {
//		return err
//	}
//	_, err = doc.Update(Profile{Name: "Alice"}).Save(ctx)
package docsession
