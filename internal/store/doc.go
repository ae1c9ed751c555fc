// Package store provides SQLite-backed durable storage for log message revisions.
//
// The store keeps three tables:
//   - revisions: every version of every message, append-only
//   - revision_tags: tag index mirroring revisions.tags
//   - entries: the current head of each entry (the validity projection)
//
// # Revision chain
//
// Each entry is a linear chain of revisions linked by parent_id. A UNIQUE
// index on parent_id means a revision has at most one child, so two edits
// from the same parent cannot both commit. Deleting an entry appends a
// tombstone revision (deleted = 1); nothing is ever updated in place.
//
// is_valid and date_invalidated are derived on read: a revision is valid
// when it is its entry's head and the entry is not deleted, and it was
// invalidated at its child's date_added.
//
// # Projection
//
// entries is written in the same transaction as each revision insert, and
// the head move is conditional on the head read at the start of that
// transaction.
//
// # Database Configuration
//
//   - WAL mode: Concurrent reads during writes
//   - synchronous=NORMAL: Balance durability/performance
//   - busy_timeout=5000: Wait for locks up to 5 seconds
//   - foreign_keys=ON: Enforce referential integrity
package store
