package querysql

import (
	"fmt"
	"strings"
	"time"

	"github.com/lsst-sqre/exposurelog/internal/queryir"
	"github.com/lsst-sqre/exposurelog/internal/store"
)

// orderBy is the sort every search uses. entry_id breaks date_added ties
// and revision_num orders revisions of one entry written at the same time.
const orderBy = "r.date_added DESC, r.entry_id ASC, r.revision_num DESC"

// columns maps queryir field names to SQL expressions over revisions r.
var columns = map[string]string{
	"id":            "r.id",
	"entry_id":      "r.entry_id",
	"parent_id":     "r.parent_id",
	"site_id":       "r.site_id",
	"obs_id":        "r.obs_id",
	"instrument":    "r.instrument",
	"day_obs":       "r.day_obs",
	"seq_num":       "r.seq_num",
	"seq_num_end":   "r.seq_num_end",
	"last_seq_num":  "COALESCE(r.seq_num_end, r.seq_num)",
	"message_text":  "r.message_text",
	"search_text":   "r.search_text",
	"level":         "r.level",
	"urls":          "r.urls",
	"user_id":       "r.user_id",
	"user_agent":    "r.user_agent",
	"is_human":      "r.is_human",
	"exposure_flag": "r.exposure_flag",
	"date_added":    "r.date_added",
}

// SQLCompiler compiles queryir queries to parameterized SQL for SQLite.
//
// Every search includes the full ORDER BY so results are deterministic.
// Values are always parameterized; only field names from a fixed map are
// ever written into the SQL text.
type SQLCompiler struct{}

// NewSQLCompiler creates a new SQLCompiler.
func NewSQLCompiler() *SQLCompiler {
	return &SQLCompiler{}
}

// Compile converts a query to parameterized SQL.
// Returns (sql, params, error). The select list is store.RevisionColumns,
// so results scan with store.QueryRevisions.
func (c *SQLCompiler) Compile(q queryir.Query) (string, []any, error) {
	if q == nil {
		return "", nil, fmt.Errorf("cannot compile nil query")
	}

	switch query := q.(type) {
	case queryir.Search:
		return c.compileSearch(query)
	case *queryir.Search:
		return c.compileSearch(*query)
	default:
		return "", nil, fmt.Errorf("unsupported query type: %T", q)
	}
}

func (c *SQLCompiler) compileSearch(q queryir.Search) (string, []any, error) {
	clauses := []string{validityClause(q.Validity)}
	var params []any

	if q.Filter != nil {
		filterSQL, filterParams, err := c.compilePredicate(q.Filter)
		if err != nil {
			return "", nil, fmt.Errorf("compile filter: %w", err)
		}
		if filterSQL != "" {
			clauses = append(clauses, filterSQL)
			params = append(params, filterParams...)
		}
	}

	if q.After != nil {
		ns := q.After.DateAdded.UnixNano()
		clauses = append(clauses,
			"(r.date_added < ? OR (r.date_added = ? AND (r.entry_id > ? OR (r.entry_id = ? AND r.revision_num < ?))))")
		params = append(params, ns, ns, q.After.EntryID, q.After.EntryID, q.After.RevisionNum)
	}

	limit := q.Limit
	if limit == 0 {
		limit = queryir.DefaultLimit
	}
	params = append(params, limit)

	sql := fmt.Sprintf("SELECT %s FROM %s WHERE %s ORDER BY %s LIMIT ?",
		store.RevisionColumns,
		store.RevisionSource,
		strings.Join(clauses, " AND "),
		orderBy)

	return sql, params, nil
}

func validityClause(v queryir.Validity) string {
	switch v {
	case queryir.InvalidOnly:
		return "r.deleted = 0 AND NOT (r.id = e.head_revision_id AND e.is_deleted = 0)"
	case queryir.Either:
		return "r.deleted = 0"
	default:
		return "r.id = e.head_revision_id AND e.is_deleted = 0"
	}
}

// compilePredicate compiles a predicate to a WHERE clause fragment.
// An empty fragment means "always true".
func (c *SQLCompiler) compilePredicate(p queryir.Predicate) (string, []any, error) {
	if p == nil {
		return "", nil, nil
	}

	switch pred := p.(type) {
	case queryir.Equals:
		return c.compileEquals(pred)
	case *queryir.Equals:
		return c.compileEquals(*pred)
	case queryir.In:
		return c.compileIn(pred)
	case *queryir.In:
		return c.compileIn(*pred)
	case queryir.Range:
		return c.compileRange(pred)
	case *queryir.Range:
		return c.compileRange(*pred)
	case queryir.Contains:
		return c.compileContains(pred)
	case *queryir.Contains:
		return c.compileContains(*pred)
	case queryir.AnyContains:
		return c.compileAnyContains(pred)
	case *queryir.AnyContains:
		return c.compileAnyContains(*pred)
	case queryir.HasTags:
		return c.compileHasTags(pred)
	case *queryir.HasTags:
		return c.compileHasTags(*pred)
	case queryir.IsNull:
		return c.compileIsNull(pred)
	case *queryir.IsNull:
		return c.compileIsNull(*pred)
	case queryir.And:
		return c.compileAnd(pred)
	case *queryir.And:
		return c.compileAnd(*pred)
	default:
		return "", nil, fmt.Errorf("unsupported predicate type: %T", p)
	}
}

func column(field string) (string, error) {
	col, ok := columns[field]
	if !ok {
		return "", fmt.Errorf("unknown field %q", field)
	}
	return col, nil
}

func (c *SQLCompiler) compileEquals(eq queryir.Equals) (string, []any, error) {
	col, err := column(eq.Field)
	if err != nil {
		return "", nil, err
	}
	return col + " = ?", []any{toParam(eq.Value)}, nil
}

func (c *SQLCompiler) compileIn(in queryir.In) (string, []any, error) {
	col, err := column(in.Field)
	if err != nil {
		return "", nil, err
	}
	if len(in.Values) == 0 {
		return "", nil, fmt.Errorf("field %q: empty IN list", in.Field)
	}
	params := make([]any, len(in.Values))
	for i, v := range in.Values {
		params[i] = toParam(v)
	}
	return fmt.Sprintf("%s IN (%s)", col, placeholders(len(params))), params, nil
}

func (c *SQLCompiler) compileRange(r queryir.Range) (string, []any, error) {
	col, err := column(r.Field)
	if err != nil {
		return "", nil, err
	}
	var parts []string
	var params []any
	if r.Min != nil {
		parts = append(parts, col+" >= ?")
		params = append(params, toParam(r.Min))
	}
	if r.Max != nil {
		parts = append(parts, col+" < ?")
		params = append(params, toParam(r.Max))
	}
	return strings.Join(parts, " AND "), params, nil
}

func (c *SQLCompiler) compileContains(ct queryir.Contains) (string, []any, error) {
	col, err := column(ct.Field)
	if err != nil {
		return "", nil, err
	}
	return fmt.Sprintf("instr(%s, ?) > 0", col), []any{ct.Substr}, nil
}

func (c *SQLCompiler) compileAnyContains(ac queryir.AnyContains) (string, []any, error) {
	col, err := column(ac.Field)
	if err != nil {
		return "", nil, err
	}
	if len(ac.Substrs) == 0 {
		return "", nil, fmt.Errorf("field %q: empty substring list", ac.Field)
	}
	conds := make([]string, len(ac.Substrs))
	params := make([]any, len(ac.Substrs))
	for i, s := range ac.Substrs {
		conds[i] = "instr(j.value, ?) > 0"
		params[i] = s
	}
	sql := fmt.Sprintf("EXISTS (SELECT 1 FROM json_each(%s) j WHERE %s)", col, strings.Join(conds, " OR "))
	return sql, params, nil
}

func (c *SQLCompiler) compileHasTags(h queryir.HasTags) (string, []any, error) {
	if len(h.Tags) == 0 {
		return "", nil, fmt.Errorf("tag filter has no tags")
	}
	params := make([]any, len(h.Tags))
	for i, tag := range h.Tags {
		params[i] = tag
	}
	sub := fmt.Sprintf("SELECT 1 FROM revision_tags t WHERE t.revision_id = r.id AND t.tag IN (%s)", placeholders(len(h.Tags)))

	switch h.Match {
	case queryir.MatchAny:
		return "EXISTS (" + sub + ")", params, nil
	case queryir.MatchNone:
		return "NOT EXISTS (" + sub + ")", params, nil
	case queryir.MatchAll:
		// Tags are a set, so matching rows equal to the tag count means all present.
		sql := fmt.Sprintf("(SELECT COUNT(*) FROM revision_tags t WHERE t.revision_id = r.id AND t.tag IN (%s)) = ?",
			placeholders(len(h.Tags)))
		return sql, append(params, len(h.Tags)), nil
	default:
		return "", nil, fmt.Errorf("unsupported tag match %q", h.Match)
	}
}

func (c *SQLCompiler) compileIsNull(n queryir.IsNull) (string, []any, error) {
	col, err := column(n.Field)
	if err != nil {
		return "", nil, err
	}
	if n.Not {
		return col + " IS NOT NULL", nil, nil
	}
	return col + " IS NULL", nil, nil
}

// compileAnd joins sub-predicates with AND, dropping empty fragments.
func (c *SQLCompiler) compileAnd(and queryir.And) (string, []any, error) {
	var sqlParts []string
	var allParams []any

	for _, pred := range and.Predicates {
		sql, params, err := c.compilePredicate(pred)
		if err != nil {
			return "", nil, err
		}
		if sql == "" {
			continue
		}
		sqlParts = append(sqlParts, sql)
		allParams = append(allParams, params...)
	}

	return strings.Join(sqlParts, " AND "), allParams, nil
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

// toParam converts a predicate value to its stored representation:
// time.Time to unix nanoseconds and bool to 0/1.
func toParam(v any) any {
	switch val := v.(type) {
	case time.Time:
		return val.UnixNano()
	case bool:
		if val {
			return 1
		}
		return 0
	default:
		return v
	}
}
