// Package state provides the keyed, revisioned record store that backs the
// escrow ledger.
//
// Every record carries a monotonic revision. Writes are expressed as
// conditional operations and applied through Commit: either every operation's
// expected revision matches and all of them are applied, or none are and
// ErrConflict is returned. This is the optimistic concurrency primitive the
// escrow program builds its all-or-nothing transitions on.
//
// # Backends
//
//   - MemoryStore: single process, used by tests and the default daemon mode
//   - BoltStore: bbolt file; a Commit is one bbolt write transaction
//   - NATSStore: NATS JetStream KV; commits are serialized through a
//     commit lock record and take effect when their operations are written
//     into it, so a committer that stops part way is finished by the next
//
// # Usage
//
//	store := state.NewMemoryStore()
//
//	// Create a record; revision 0 means "must not exist".
//	err := store.Commit(ctx, state.Put("escrow.config", data, 0))
//
//	// Read-modify-write.
//	kv, _ := store.Get(ctx, "escrow.config")
//	err = store.Commit(ctx, state.Put("escrow.config", updated, kv.Revision))
//	if errors.Is(err, state.ErrConflict) {
//	    // someone else wrote first: re-read and re-evaluate
//	}
package state
