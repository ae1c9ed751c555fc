// Package queryir provides the abstract query representation for message
// search.
//
// The query engine turns request filters into a queryir.Search; backends
// compile it (see internal/querysql). Keeping filters as data lets them be
// validated before any storage access and compiled to one deterministic
// statement.
//
//	[request filters] → [Query IR] → [SQL Backend]
//
// SEALED INTERFACES:
//
// Query and Predicate are sealed interfaces using the marker method pattern.
// Only types in this package can implement Query or Predicate interfaces,
// so backends can switch over them exhaustively:
//
//	switch p := pred.(type) {
//	case Equals, *Equals:
//	    // field = value
//	case HasTags, *HasTags:
//	    // tag subquery
//	default:
//	    // unknown to this backend
//	}
//
// ORDERING AND PAGINATION:
//
// Every Search is ordered by date_added DESC, entry_id ASC, revision_num
// DESC. Pages continue from a Cursor holding the last row's sort key, never
// from an offset, so rows inserted while a client pages do not shift later
// pages.
//
// VALUES:
//
// Predicate values are plain Go values checked against Fields: string for
// text, int or int64 for integers, bool, and time.Time for date_added.
package queryir
