package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lsst-sqre/exposurelog/internal/errs"
	"github.com/lsst-sqre/exposurelog/internal/message"
)

// RevisionColumns is the select list every revision read uses, in scan
// order. It expects revisions aliased r joined to entries aliased e.
// is_valid and date_invalidated are derived from the chain, never stored.
const RevisionColumns = `r.id, r.entry_id, r.revision_num, r.parent_id, r.site_id, r.obs_id, ` +
	`r.instrument, r.day_obs, r.seq_num, r.seq_num_end, r.message_text, r.level, r.tags, r.urls, ` +
	`r.user_id, r.user_agent, r.is_human, r.exposure_flag, r.date_added, r.deleted, ` +
	`(e.head_revision_id = r.id AND e.is_deleted = 0) AS is_valid, ` +
	`(SELECT c.date_added FROM revisions c WHERE c.parent_id = r.id) AS date_invalidated`

// RevisionSource is the FROM clause matching RevisionColumns.
const RevisionSource = `revisions r JOIN entries e ON e.entry_id = r.entry_id`

// Revision retrieves a single revision by id.
// Returns a NotFound error if no such revision exists.
func (s *Store) Revision(ctx context.Context, revisionID string) (message.Revision, error) {
	return s.revision(ctx, s.db, revisionID)
}

func (s *Store) revision(ctx context.Context, q querier, revisionID string) (message.Revision, error) {
	row := q.QueryRowContext(ctx, `
		SELECT `+RevisionColumns+`
		FROM `+RevisionSource+`
		WHERE r.id = ?
	`, revisionID)

	rev, err := scanRevision(row)
	if errors.Is(err, sql.ErrNoRows) {
		return message.Revision{}, errs.NotFound("message revision %s not found", revisionID)
	}
	if err != nil {
		return message.Revision{}, fmt.Errorf("read revision: %w", err)
	}
	return rev, nil
}

// Current returns the valid head revision of an entry.
// Returns NotFound for unknown and deleted entries.
func (s *Store) Current(ctx context.Context, entryID string) (message.Revision, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+RevisionColumns+`
		FROM `+RevisionSource+`
		WHERE e.entry_id = ? AND r.id = e.head_revision_id AND e.is_deleted = 0
	`, entryID)

	rev, err := scanRevision(row)
	if errors.Is(err, sql.ErrNoRows) {
		e := errs.NotFound("entry %s has no valid revision", entryID)
		e.EntryID = entryID
		return message.Revision{}, e
	}
	if err != nil {
		return message.Revision{}, fmt.Errorf("read current: %w", err)
	}
	return rev, nil
}

// History returns every revision of an entry, oldest first.
// Returns NotFound for an unknown entry; a known entry is never empty.
func (s *Store) History(ctx context.Context, entryID string) ([]message.Revision, error) {
	revs, err := s.QueryRevisions(ctx, `
		SELECT `+RevisionColumns+`
		FROM `+RevisionSource+`
		WHERE r.entry_id = ?
		ORDER BY r.revision_num ASC
	`, entryID)
	if err != nil {
		return nil, fmt.Errorf("read history: %w", err)
	}
	if len(revs) == 0 {
		e := errs.NotFound("entry %s not found", entryID)
		e.EntryID = entryID
		return nil, e
	}
	return revs, nil
}

// QueryRevisions runs a compiled query whose select list is RevisionColumns.
// Returns an empty slice (not nil) when nothing matches. The context is
// checked between rows so a cancelled search stops scanning.
func (s *Store) QueryRevisions(ctx context.Context, query string, args ...any) ([]message.Revision, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query revisions: %w", err)
	}
	defer rows.Close()

	revs := []message.Revision{}
	for rows.Next() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		rev, err := scanRevision(rows)
		if err != nil {
			return nil, err
		}
		revs = append(revs, rev)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate revisions: %w", err)
	}

	return revs, nil
}

// querier is the subset of *sql.DB and *sql.Tx the readers need.
type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// scanner is satisfied by *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

// scanRevision scans one RevisionColumns row.
func scanRevision(row scanner) (message.Revision, error) {
	var (
		rev             message.Revision
		parentID        sql.NullString
		seqNumEnd       sql.NullInt64
		tagsJSON        string
		urlsJSON        string
		isHuman         bool
		flag            string
		dateAdded       int64
		deleted         bool
		isValid         sql.NullBool
		dateInvalidated sql.NullInt64
	)

	err := row.Scan(
		&rev.RevisionID,
		&rev.EntryID,
		&rev.RevisionNum,
		&parentID,
		&rev.SiteID,
		&rev.ObsID,
		&rev.Instrument,
		&rev.DayObs,
		&rev.SeqNum,
		&seqNumEnd,
		&rev.MessageText,
		&rev.Level,
		&tagsJSON,
		&urlsJSON,
		&rev.UserID,
		&rev.UserAgent,
		&isHuman,
		&flag,
		&dateAdded,
		&deleted,
		&isValid,
		&dateInvalidated,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return message.Revision{}, err
		}
		return message.Revision{}, fmt.Errorf("scan revision: %w", err)
	}

	if rev.Tags, err = unmarshalStrings(tagsJSON); err != nil {
		return message.Revision{}, fmt.Errorf("scan revision %s: %w", rev.RevisionID, err)
	}
	if rev.URLs, err = unmarshalStrings(urlsJSON); err != nil {
		return message.Revision{}, fmt.Errorf("scan revision %s: %w", rev.RevisionID, err)
	}

	rev.ParentID = parentID.String
	if seqNumEnd.Valid {
		end := int(seqNumEnd.Int64)
		rev.SeqNumEnd = &end
	}
	rev.IsHuman = isHuman
	rev.ExposureFlag = message.ExposureFlag(flag)
	rev.DateAdded = fromNanos(dateAdded)
	rev.Deleted = deleted
	rev.IsValid = isValid.Valid && isValid.Bool
	if dateInvalidated.Valid {
		t := fromNanos(dateInvalidated.Int64)
		rev.DateInvalidated = &t
	}

	return rev, nil
}

func fromNanos(ns int64) time.Time {
	return time.Unix(0, ns).UTC()
}
