package querysql

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/sebdah/goldie/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lsst-sqre/exposurelog/internal/queryir"
	"github.com/lsst-sqre/exposurelog/internal/store"
)

var selectPrefix = "SELECT " + store.RevisionColumns + " FROM " + store.RevisionSource + " "

// assertGoldenSQL compares the part of sql after the fixed select prefix,
// plus its params, against testdata/golden/{name}.golden.
//
// To regenerate golden files, run:
//
//	go test ./internal/querysql -update
func assertGoldenSQL(t *testing.T, name, sql string, params []any) {
	t.Helper()
	require.True(t, strings.HasPrefix(sql, selectPrefix), "unexpected select list: %s", sql)

	g := goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
	g.Assert(t, name, []byte(fmt.Sprintf("%s\n-- args: %v\n", strings.TrimPrefix(sql, selectPrefix), params)))
}

func goldenQueries() map[string]queryir.Search {
	return map[string]queryir.Search{
		"search_default": {},
		"search_filters": {
			Validity: queryir.Either,
			Limit:    100,
			Filter: queryir.And{Predicates: []queryir.Predicate{
				queryir.In{Field: "site_id", Values: []any{"summit", "base"}},
				queryir.Contains{Field: "obs_id", Substr: "_0001"},
				queryir.Range{Field: "day_obs", Min: 20240101, Max: 20240201},
				queryir.Range{Field: "last_seq_num", Min: 10},
				queryir.Range{Field: "seq_num", Max: 20},
				queryir.AnyContains{Field: "urls", Substrs: []string{"DM-1", "DM-2"}},
				queryir.Contains{Field: "search_text", Substr: "dome closed"},
				queryir.Equals{Field: "is_human", Value: true},
				queryir.IsNull{Field: "parent_id", Not: true},
			}},
		},
		"search_tags": {
			Validity: queryir.InvalidOnly,
			Filter: &queryir.And{Predicates: []queryir.Predicate{
				queryir.HasTags{Tags: []string{"dome", "weather"}, Match: queryir.MatchAll},
				&queryir.HasTags{Tags: []string{"junk"}, Match: queryir.MatchNone},
				queryir.HasTags{Tags: []string{"seeing"}, Match: queryir.MatchAny},
			}},
		},
		"search_cursor": {
			Filter: queryir.Range{Field: "date_added", Min: time.Unix(0, 1710504000000000000)},
			After: &queryir.Cursor{
				DateAdded:   time.Unix(0, 1710590400000000000),
				EntryID:     "entry-b",
				RevisionNum: 3,
			},
			Limit: 10,
		},
	}
}

func TestCompile_Golden(t *testing.T) {
	c := NewSQLCompiler()
	for name, q := range goldenQueries() {
		t.Run(name, func(t *testing.T) {
			sql, params, err := c.Compile(q)
			require.NoError(t, err)
			assertGoldenSQL(t, name, sql, params)
		})
	}
}

// Every golden query must also be valid SQLite against the real schema.
func TestCompile_ExecutesAgainstSchema(t *testing.T) {
	st, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	defer st.Close()

	c := NewSQLCompiler()
	for name, q := range goldenQueries() {
		t.Run(name, func(t *testing.T) {
			sql, params, err := c.Compile(&q)
			require.NoError(t, err)
			revs, err := st.QueryRevisions(context.Background(), sql, params...)
			require.NoError(t, err)
			assert.Empty(t, revs)
		})
	}
}

func TestCompile_AlwaysOrdersAndLimits(t *testing.T) {
	c := NewSQLCompiler()
	sql, params, err := c.Compile(queryir.Search{Limit: 7})
	require.NoError(t, err)

	assert.Contains(t, sql, "ORDER BY "+orderBy)
	assert.True(t, strings.HasSuffix(sql, "LIMIT ?"))
	assert.Equal(t, []any{7}, params)
}

func TestCompile_NilQuery(t *testing.T) {
	_, _, err := NewSQLCompiler().Compile(nil)
	assert.Error(t, err)
}

func TestCompile_UnknownField(t *testing.T) {
	_, _, err := NewSQLCompiler().Compile(queryir.Search{
		Filter: queryir.Equals{Field: "1=1; DROP TABLE revisions", Value: 1},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown field")
}

func TestCompile_EmptyLists(t *testing.T) {
	c := NewSQLCompiler()
	for _, p := range []queryir.Predicate{
		queryir.In{Field: "instrument"},
		queryir.AnyContains{Field: "urls"},
		queryir.HasTags{Match: queryir.MatchAny},
	} {
		_, _, err := c.Compile(queryir.Search{Filter: p})
		assert.Error(t, err, "%T", p)
	}
}

func TestCompile_ValuesNeverInterpolated(t *testing.T) {
	sql, params, err := NewSQLCompiler().Compile(queryir.Search{
		Filter: queryir.Equals{Field: "user_id", Value: "robert'); DROP TABLE revisions;--"},
	})
	require.NoError(t, err)
	assert.NotContains(t, sql, "robert")
	assert.Equal(t, "robert'); DROP TABLE revisions;--", params[0])
}

func TestCompile_EmptyAndIsIgnored(t *testing.T) {
	withAnd, _, err := NewSQLCompiler().Compile(queryir.Search{Filter: queryir.And{}})
	require.NoError(t, err)
	without, _, err := NewSQLCompiler().Compile(queryir.Search{})
	require.NoError(t, err)
	assert.Equal(t, without, withAnd)
}

func TestToParam(t *testing.T) {
	ts := time.Date(2024, 3, 15, 0, 0, 0, 5, time.UTC)
	assert.Equal(t, ts.UnixNano(), toParam(ts))
	assert.Equal(t, 1, toParam(true))
	assert.Equal(t, 0, toParam(false))
	assert.Equal(t, "x", toParam("x"))
}
