package queryir

import "time"

const (
	// DefaultLimit is the page size when a search does not give one.
	DefaultLimit = 50
	// MaxLimit is the largest page a search may request.
	MaxLimit = 1000
)

// Query represents an abstract query over message revisions.
//
// This is a sealed interface - only types in this package implement it.
// The marker method pattern prevents external implementations and enables
// exhaustive type switches in backend compilers.
//
// Query types:
//   - Search: filtered, keyset-paginated scan of revisions
type Query interface {
	queryNode() // Marker method - seals interface to this package
}

// Predicate represents a filter condition on one revision.
//
// This is a sealed interface - only types in this package implement it.
//
// Predicate types:
//   - Equals: field = value
//   - In: field is one of values
//   - Range: min <= field < max
//   - Contains: field contains a substring
//   - AnyContains: some element of a list field contains one of the substrings
//   - HasTags: tag set matches any, all or none of the given tags
//   - IsNull: field is (or is not) null
//   - And: all predicates must be true
//
// Multi-valued filters OR internally (In, AnyContains, HasTags any) and
// combine with each other through And.
type Predicate interface {
	predicateNode() // Marker method - seals interface to this package
}

// Validity selects revisions by their derived is_valid state.
type Validity string

const (
	// ValidOnly returns only current heads of non-deleted entries.
	ValidOnly Validity = "valid"
	// InvalidOnly returns superseded revisions of any entry.
	InvalidOnly Validity = "invalid"
	// Either returns every non-tombstone revision.
	Either Validity = "either"
)

// Validities lists the accepted Validity values.
var Validities = []Validity{ValidOnly, InvalidOnly, Either}

// Search is a filtered scan of revisions.
//
// Semantics:
//
//	SELECT revisions WHERE <validity> AND <filter> AND <after cursor>
//	ORDER BY date_added DESC, entry_id ASC, revision_num DESC
//	LIMIT <limit>
//
// Tombstone revisions never match a Search.
type Search struct {
	Validity Validity  // "" means ValidOnly
	Filter   Predicate // nil = no filter
	After    *Cursor   // resume after this row (nil = first page)
	Limit    int       // 0 means DefaultLimit
}

func (Search) queryNode() {}

// Cursor is the sort key of the last row of a page.
type Cursor struct {
	DateAdded   time.Time `json:"d"`
	EntryID     string    `json:"e"`
	RevisionNum int64     `json:"n"`
}

// Equals represents a field-equals-value predicate.
//
// Example:
//
//	Equals{Field: "is_human", Value: true}
//
// Translates to SQL:
//
//	r.is_human = ?
type Equals struct {
	Field string
	Value any
}

func (Equals) predicateNode() {}

// In represents a field-in-set predicate. Values must not be empty.
//
// Example:
//
//	In{Field: "instrument", Values: []any{"LATISS", "LSSTCam"}}
//
// Translates to SQL:
//
//	r.instrument IN (?, ?)
type In struct {
	Field  string
	Values []any
}

func (In) predicateNode() {}

// Range represents a half-open interval: Min inclusive, Max exclusive.
// A nil bound is open.
//
// Example:
//
//	Range{Field: "day_obs", Min: 20240101, Max: 20240201}
//
// Translates to SQL:
//
//	r.day_obs >= ? AND r.day_obs < ?
type Range struct {
	Field string
	Min   any
	Max   any
}

func (Range) predicateNode() {}

// Contains represents a substring match.
//
// Example:
//
//	Contains{Field: "obs_id", Substr: "_000123"}
//
// Translates to SQL:
//
//	instr(r.obs_id, ?) > 0
type Contains struct {
	Field  string
	Substr string
}

func (Contains) predicateNode() {}

// AnyContains matches when some element of a JSON list field contains
// one of Substrs.
//
// Example:
//
//	AnyContains{Field: "urls", Substrs: []string{"DM-1234"}}
type AnyContains struct {
	Field   string
	Substrs []string
}

func (AnyContains) predicateNode() {}

// TagMatch says how HasTags combines its tags.
type TagMatch string

const (
	// MatchAny requires at least one of the tags.
	MatchAny TagMatch = "any"
	// MatchAll requires every tag.
	MatchAll TagMatch = "all"
	// MatchNone requires none of the tags.
	MatchNone TagMatch = "none"
)

// HasTags matches a revision's tag set. Tags must already be normalised.
type HasTags struct {
	Tags  []string
	Match TagMatch
}

func (HasTags) predicateNode() {}

// IsNull matches when Field is null, or not null when Not is set.
type IsNull struct {
	Field string
	Not   bool
}

func (IsNull) predicateNode() {}

// And represents a conjunction of predicates (all must be true).
// Empty Predicates means "always true".
type And struct {
	Predicates []Predicate
}

func (And) predicateNode() {}
