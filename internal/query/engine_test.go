package query

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lsst-sqre/exposurelog/internal/butler"
	"github.com/lsst-sqre/exposurelog/internal/errs"
	"github.com/lsst-sqre/exposurelog/internal/message"
	"github.com/lsst-sqre/exposurelog/internal/queryir"
	"github.com/lsst-sqre/exposurelog/internal/store"
	"github.com/lsst-sqre/exposurelog/internal/testutil"
)

func ptr[T any](v T) *T { return &v }

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "test.db"),
		store.WithIDGenerator(testutil.NewSequentialIDs("id")),
		store.WithClock(testutil.NewDeterministicClock()),
	)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return st
}

// stubResolver answers Resolve from a fixed set of known sequence numbers.
type stubResolver struct {
	mu    sync.Mutex
	known map[int]bool
	err   error
	calls int
}

func (r *stubResolver) Resolve(ctx context.Context, site, instrument string, dayObs, seqNum int) (butler.Exposure, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	if r.err != nil {
		return butler.Exposure{}, r.err
	}
	if !r.known[seqNum] {
		return butler.Exposure{}, errs.NotFound("no exposure %d", seqNum)
	}
	return butler.Exposure{Instrument: instrument, DayObs: dayObs, SeqNum: seqNum}, nil
}

func create(t *testing.T, st *store.Store, f message.Fields) message.Revision {
	t.Helper()
	rev, err := st.Create(context.Background(), f)
	require.NoError(t, err)
	return rev
}

func texts(revs []message.Revision) []string {
	out := make([]string, len(revs))
	for i, r := range revs {
		out[i] = r.MessageText
	}
	return out
}

func TestFind_NewestFirst(t *testing.T) {
	st := newTestStore(t)
	for i, text := range []string{"first", "second", "third"} {
		create(t, st, testutil.Fields(i+1, text))
	}

	page, err := NewEngine(st, nil, "test", nil).Find(context.Background(), Filter{})
	require.NoError(t, err)
	assert.Equal(t, []string{"third", "second", "first"}, texts(page.Messages))
	assert.Equal(t, 3, page.Count)
	assert.False(t, page.HasMore)
	assert.Empty(t, page.NextCursor)
}

func TestFind_TagMatch(t *testing.T) {
	st := newTestStore(t)
	a := testutil.Fields(1, "a")
	a.Tags = []string{"dome", "weather"}
	b := testutil.Fields(2, "b")
	b.Tags = []string{"dome"}
	c := testutil.Fields(3, "c")
	c.Tags = []string{"seeing"}
	create(t, st, a)
	create(t, st, b)
	create(t, st, c)

	e := NewEngine(st, nil, "test", nil)
	ctx := context.Background()

	page, err := e.Find(ctx, Filter{Tags: []string{"Dome Weather"}})
	require.NoError(t, err)
	assert.Equal(t, []string{"b", "a"}, texts(page.Messages))

	page, err = e.Find(ctx, Filter{Tags: []string{"dome", "weather"}, TagMatch: queryir.MatchAll})
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, texts(page.Messages))

	page, err = e.Find(ctx, Filter{ExcludeTags: []string{"dome"}})
	require.NoError(t, err)
	assert.Equal(t, []string{"c"}, texts(page.Messages))

	_, err = e.Find(ctx, Filter{Tags: []string{"dome"}, TagMatch: queryir.MatchNone})
	assert.True(t, errs.IsValidation(err))
}

func TestFind_Filters(t *testing.T) {
	st := newTestStore(t)
	single := testutil.Fields(5, "Dome CLOSED for wind")
	single.Level = 30
	single.URLs = []string{"https://jira.example.org/browse/DM-1234"}
	multi := testutil.Fields(10, "flat field sequence")
	multi.SeqNumEnd = ptr(20)
	multi.IsHuman = false
	multi.ExposureFlag = message.FlagJunk
	other := testutil.Fields(30, "other site")
	other.SiteID = "base"
	other.UserID = "night_owl"
	create(t, st, single)
	create(t, st, multi)
	create(t, st, other)

	e := NewEngine(st, nil, "test", nil)
	tests := []struct {
		name string
		f    Filter
		want []string
	}{
		{"site", Filter{SiteIDs: []string{"base"}}, []string{"other site"}},
		{"text is case blind", Filter{MessageText: "dome closed"}, []string{"Dome CLOSED for wind"}},
		{"seq overlap inside range", Filter{MinSeqNum: ptr(15), MaxSeqNum: ptr(16)}, []string{"flat field sequence"}},
		{"seq overlap max exclusive", Filter{MaxSeqNum: ptr(10)}, []string{"Dome CLOSED for wind"}},
		{"level", Filter{MinLevel: ptr(30)}, []string{"Dome CLOSED for wind"}},
		{"urls", Filter{URLs: []string{"DM-1234"}}, []string{"Dome CLOSED for wind"}},
		{"is_human false", Filter{IsHuman: ptr(false)}, []string{"flat field sequence"}},
		{"exposure flag", Filter{ExposureFlags: []message.ExposureFlag{message.FlagJunk}}, []string{"flat field sequence"}},
		{"user ids", Filter{UserIDs: []string{"night_owl"}}, []string{"other site"}},
		{"obs id contains", Filter{ObsID: "_000005"}, []string{"Dome CLOSED for wind"}},
		{"has parent", Filter{HasParentID: ptr(true)}, []string{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			page, err := e.Find(context.Background(), tt.f)
			require.NoError(t, err)
			assert.Equal(t, tt.want, texts(page.Messages))
		})
	}
}

func TestFind_Validity(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	rev := create(t, st, testutil.Fields(1, "v1"))
	_, err := st.Edit(ctx, rev.EntryID, "", message.Patch{MessageText: ptr("v2")})
	require.NoError(t, err)
	gone := create(t, st, testutil.Fields(2, "gone"))
	_, _, err = st.Invalidate(ctx, gone.EntryID)
	require.NoError(t, err)

	e := NewEngine(st, nil, "test", nil)

	page, err := e.Find(ctx, Filter{})
	require.NoError(t, err)
	assert.Equal(t, []string{"v2"}, texts(page.Messages))

	page, err = e.Find(ctx, Filter{Validity: queryir.InvalidOnly})
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"v1", "gone"}, texts(page.Messages))

	page, err = e.Find(ctx, Filter{Validity: queryir.Either})
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"v1", "v2", "gone"}, texts(page.Messages))
	for _, r := range page.Messages {
		assert.False(t, r.Deleted)
	}
}

func TestFind_PaginationIsStable(t *testing.T) {
	st := newTestStore(t)
	for i := 1; i <= 7; i++ {
		create(t, st, testutil.Fields(i, string(rune('a'+i-1))))
	}
	e := NewEngine(st, nil, "test", nil)
	ctx := context.Background()

	first, err := e.Find(ctx, Filter{Limit: 3})
	require.NoError(t, err)
	assert.Equal(t, []string{"g", "f", "e"}, texts(first.Messages))
	require.True(t, first.HasMore)

	// Rows inserted after the first page sort before the cursor and do not
	// shift later pages.
	create(t, st, testutil.Fields(8, "new"))

	second, err := e.Find(ctx, Filter{Limit: 3, Cursor: first.NextCursor})
	require.NoError(t, err)
	assert.Equal(t, []string{"d", "c", "b"}, texts(second.Messages))
	require.True(t, second.HasMore)

	third, err := e.Find(ctx, Filter{Limit: 3, Cursor: second.NextCursor})
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, texts(third.Messages))
	assert.False(t, third.HasMore)
	assert.Empty(t, third.NextCursor)
}

func TestFind_ExposureValidation(t *testing.T) {
	st := newTestStore(t)
	create(t, st, testutil.Fields(5, "known exposure"))
	ctx := context.Background()
	exposure := Filter{
		Instruments:      []string{"LATISS"},
		MinDayObs:        ptr(20240315),
		MaxDayObs:        ptr(20240316),
		MinSeqNum:        ptr(5),
		MaxSeqNum:        ptr(6),
		ValidateExposure: true,
	}

	known := &stubResolver{known: map[int]bool{5: true}}
	page, err := NewEngine(st, known, "test", nil).Find(ctx, exposure)
	require.NoError(t, err)
	assert.Equal(t, []string{"known exposure"}, texts(page.Messages))

	unknown := &stubResolver{known: map[int]bool{}}
	page, err = NewEngine(st, unknown, "test", nil).Find(ctx, exposure)
	require.NoError(t, err)
	assert.Empty(t, page.Messages)
	assert.NotNil(t, page.Messages)

	down := &stubResolver{err: errs.Upstream(context.DeadlineExceeded, "butler timed out")}
	_, err = NewEngine(st, down, "test", nil).Find(ctx, exposure)
	assert.True(t, errs.IsUpstreamUnavailable(err))

	// A filter that does not name one exposure skips the Butler.
	wide := exposure
	wide.MaxSeqNum = ptr(10)
	_, err = NewEngine(st, down, "test", nil).Find(ctx, wide)
	require.NoError(t, err)
	assert.Equal(t, 1, down.calls)
}

func TestFind_ValidationBeforeStorage(t *testing.T) {
	st := newTestStore(t)
	require.NoError(t, st.Close())
	e := NewEngine(st, nil, "test", nil)
	ctx := context.Background()

	tests := []struct {
		name  string
		f     Filter
		field string
	}{
		{"reversed day_obs", Filter{MinDayObs: ptr(20240316), MaxDayObs: ptr(20240315)}, "max_day_obs"},
		{"reversed level", Filter{MinLevel: ptr(40), MaxLevel: ptr(10)}, "max_level"},
		{"limit too big", Filter{Limit: queryir.MaxLimit + 1}, "limit"},
		{"bad validity", Filter{Validity: "sometimes"}, "validity"},
		{"bad flag", Filter{ExposureFlags: []message.ExposureFlag{"bogus"}}, "exposure_flag"},
		{"bad tag", Filter{Tags: []string{"9lives"}}, "tags"},
		{"bad cursor", Filter{Cursor: "!!!"}, "cursor"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := e.Find(ctx, tt.f)
			require.Error(t, err)
			var ee *errs.Error
			require.ErrorAs(t, err, &ee)
			assert.Equal(t, errs.CodeValidation, ee.Code)
			assert.Equal(t, tt.field, ee.Field)
		})
	}
}

func TestFind_Cancelled(t *testing.T) {
	st := newTestStore(t)
	create(t, st, testutil.Fields(1, "x"))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := NewEngine(st, nil, "test", nil).Find(ctx, Filter{})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestCursor_RoundTrip(t *testing.T) {
	rev := message.Revision{
		EntryID:     "entry-1",
		RevisionNum: 4,
		DateAdded:   time.Date(2024, 3, 15, 12, 0, 0, 123456789, time.UTC),
	}
	c, err := DecodeCursor(EncodeCursor(rev))
	require.NoError(t, err)
	assert.Equal(t, "entry-1", c.EntryID)
	assert.Equal(t, int64(4), c.RevisionNum)
	assert.True(t, rev.DateAdded.Equal(c.DateAdded))

	none, err := DecodeCursor("")
	require.NoError(t, err)
	assert.Nil(t, none)

	_, err = DecodeCursor("e30") // "{}"
	assert.True(t, errs.IsValidation(err))
}
