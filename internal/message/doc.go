// Package message defines the exposure log data model.
//
// A log entry is a chain of immutable revisions. All revisions of one entry
// share an EntryID; each has its own RevisionID and points at the revision
// it supersedes through ParentID. Revisions are never rewritten: an edit
// appends a revision and a delete appends a terminal revision with
// Deleted set.
//
// IsValid and DateInvalidated are derived from the chain when a revision is
// read back from storage. At most one revision per entry is valid at any
// time: the head of a chain whose head is not a delete.
//
// The package also holds the normalisation rules shared by writers and the
// query engine (tags, search text) and the observatory date helpers
// (TAI, day_obs, obs_id parsing).
package message
