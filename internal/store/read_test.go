package store

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lsst-sqre/exposurelog/internal/errs"
	"github.com/lsst-sqre/exposurelog/internal/message"
	"github.com/lsst-sqre/exposurelog/internal/testutil"
)

func TestRevision_NotFound(t *testing.T) {
	s := newTestStore(t)

	_, err := s.Revision(context.Background(), "missing")
	require.Error(t, err)
	assert.True(t, errs.IsNotFound(err))
}

func TestRevision_RoundTripsFields(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	f := testutil.Fields(10, "range <a&b>")
	f.SeqNumEnd = ptr(12)
	f.URLs = []string{"https://jira.lsstcorp.org/browse/DM-1?a=1&b=2"}
	f.ExposureFlag = message.FlagQuestionable
	f.IsHuman = false
	f.Level = 40
	created, err := s.Create(ctx, f)
	require.NoError(t, err)

	got, err := s.Revision(ctx, created.RevisionID)
	require.NoError(t, err)

	assert.Equal(t, created.RevisionID, got.RevisionID)
	require.NotNil(t, got.SeqNumEnd)
	assert.Equal(t, 12, *got.SeqNumEnd)
	assert.Equal(t, f.URLs, got.URLs)
	assert.Equal(t, message.FlagQuestionable, got.ExposureFlag)
	assert.False(t, got.IsHuman)
	assert.Equal(t, 40, got.Level)
	assert.Equal(t, []string{}, got.Tags)
	assert.True(t, got.IsValid)
	assert.Nil(t, got.DateInvalidated)
}

func TestCurrent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	rev, err := s.Create(ctx, testutil.Fields(1, "v1"))
	require.NoError(t, err)
	edited, err := s.Edit(ctx, rev.EntryID, "", message.Patch{MessageText: ptr("v2")})
	require.NoError(t, err)

	current, err := s.Current(ctx, rev.EntryID)
	require.NoError(t, err)
	assert.Equal(t, edited.RevisionID, current.RevisionID)
	assert.Equal(t, "v2", current.MessageText)

	_, err = s.Current(ctx, "missing")
	var e *errs.Error
	require.ErrorAs(t, err, &e)
	assert.Equal(t, errs.CodeNotFound, e.Code)
	assert.Equal(t, "missing", e.EntryID)
}

func TestHistory_OldestFirst(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	rev, err := s.Create(ctx, testutil.Fields(1, "v1"))
	require.NoError(t, err)
	_, err = s.Edit(ctx, rev.EntryID, "", message.Patch{MessageText: ptr("v2")})
	require.NoError(t, err)
	_, _, err = s.Invalidate(ctx, rev.EntryID)
	require.NoError(t, err)

	history, err := s.History(ctx, rev.EntryID)
	require.NoError(t, err)
	require.Len(t, history, 3)

	for i, h := range history {
		assert.Equal(t, int64(i+1), h.RevisionNum)
		if i > 0 {
			assert.Equal(t, history[i-1].RevisionID, h.ParentID)
			require.NotNil(t, history[i-1].DateInvalidated)
			assert.Equal(t, h.DateAdded, *history[i-1].DateInvalidated)
		}
	}
	assert.True(t, history[2].Deleted)
	assert.Nil(t, history[2].DateInvalidated)
}

func TestHistory_UnknownEntry(t *testing.T) {
	s := newTestStore(t)

	_, err := s.History(context.Background(), "missing")
	assert.True(t, errs.IsNotFound(err))
}

func TestQueryRevisions_EmptyNotNil(t *testing.T) {
	s := newTestStore(t)

	revs, err := s.QueryRevisions(context.Background(),
		"SELECT "+RevisionColumns+" FROM "+RevisionSource+" WHERE r.site_id = ?", "nowhere")
	require.NoError(t, err)
	assert.NotNil(t, revs)
	assert.Empty(t, revs)
}

func TestQueryRevisions_CancelledContext(t *testing.T) {
	s := newTestStore(t)
	for i := 1; i <= 3; i++ {
		_, err := s.Create(context.Background(), testutil.Fields(i, "m"))
		require.NoError(t, err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := s.QueryRevisions(ctx, "SELECT "+RevisionColumns+" FROM "+RevisionSource)
	assert.ErrorIs(t, err, context.Canceled)
}
