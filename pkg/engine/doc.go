// Package engine owns the hybrid memory index: vector slots, lexical
// postings, metadata, the retrieval log, and backup snapshots.
//
// Invariants:
// - Exactly one live memory per ID; IDs are monotonic and never reused,
//   so deletion tombstones a slot without renumbering.
// - Mutations (add/update/delete/restore) are serialized by one writer
//   lock; searches run concurrently and may observe mid-mutation state.
// - Provider calls (embedding) happen before the writer lock, never
//   while holding it.
// - A rejected restore leaves live state untouched.
//
// Usage:
//
//	eng, _ := engine.New(engine.Config{DBPath: "/data/mnemo.db", Embedder: emb})
//	defer eng.Close()
//	results, _ := eng.Add(ctx, []engine.AddItem{{Text: "fact", Source: "notes.md"}}, true)
//	hits, _ := eng.Search(ctx, "fact", engine.SearchOptions{K: 5, Hybrid: true})
//	_, _ = results, hits
package engine
