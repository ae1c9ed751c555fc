package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/mattn/go-sqlite3"

	"github.com/lsst-sqre/exposurelog/internal/errs"
	"github.com/lsst-sqre/exposurelog/internal/message"
)

// Create starts a new entry: it mints an entry id and writes revision 1
// with no parent. The fields are normalised before writing.
func (s *Store) Create(ctx context.Context, f message.Fields) (message.Revision, error) {
	f, err := f.Normalize()
	if err != nil {
		return message.Revision{}, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return message.Revision{}, fmt.Errorf("create message: begin tx: %w", err)
	}
	defer tx.Rollback() // No-op if committed

	rev := s.newRevision(s.ids.Generate(), 1, "", f)

	if err := insertRevision(ctx, tx, rev); err != nil {
		return message.Revision{}, fmt.Errorf("create message: %w", err)
	}

	now := rev.DateAdded.UnixNano()
	_, err = tx.ExecContext(ctx, `
		INSERT INTO entries (entry_id, head_revision_id, head_revision_num, is_deleted, date_created, date_updated)
		VALUES (?, ?, ?, 0, ?, ?)
	`, rev.EntryID, rev.RevisionID, rev.RevisionNum, now, now)
	if err != nil {
		return message.Revision{}, fmt.Errorf("create message: insert entry: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return message.Revision{}, fmt.Errorf("create message: commit: %w", err)
	}

	rev.IsValid = true
	s.logger.Debug("message created", "entry_id", rev.EntryID, "revision_id", rev.RevisionID, "site_id", rev.SiteID)
	return rev, nil
}

// Edit chains a new revision onto the head of an entry.
//
// With an empty expectedParentID the valid head is used; a deleted or
// unknown entry returns NotFound. A non-empty expectedParentID must name the
// current head, deleted or not, so editing a tombstone restores the entry.
// Any other revision of the entry returns Conflict.
func (s *Store) Edit(ctx context.Context, entryID, expectedParentID string, patch message.Patch) (message.Revision, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return message.Revision{}, fmt.Errorf("edit message: begin tx: %w", err)
	}
	defer tx.Rollback()

	head, err := readHead(ctx, tx, entryID)
	if err != nil {
		return message.Revision{}, err
	}

	switch {
	case expectedParentID == "":
		if head.deleted {
			return message.Revision{}, notFoundEntry(entryID, "entry %s is deleted", entryID)
		}
	case expectedParentID != head.revisionID:
		var owner string
		err := tx.QueryRowContext(ctx, `SELECT entry_id FROM revisions WHERE id = ?`, expectedParentID).Scan(&owner)
		if errors.Is(err, sql.ErrNoRows) || (err == nil && owner != entryID) {
			return message.Revision{}, notFoundEntry(entryID, "revision %s is not part of entry %s", expectedParentID, entryID)
		}
		if err != nil {
			return message.Revision{}, fmt.Errorf("edit message: read parent: %w", err)
		}
		return message.Revision{}, errs.Conflict(entryID, "revision %s is not the head (head is %s)", expectedParentID, head.revisionID)
	}

	parent, err := s.revision(ctx, tx, head.revisionID)
	if err != nil {
		return message.Revision{}, fmt.Errorf("edit message: %w", err)
	}

	fields, err := patch.Apply(parent.Fields()).Normalize()
	if err != nil {
		return message.Revision{}, err
	}

	rev := s.newRevision(entryID, head.revisionNum+1, head.revisionID, fields)
	if err := s.advanceHead(ctx, tx, head, rev); err != nil {
		return message.Revision{}, fmt.Errorf("edit message: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return message.Revision{}, fmt.Errorf("edit message: commit: %w", err)
	}

	rev.IsValid = true
	s.logger.Debug("message edited", "entry_id", entryID, "revision_id", rev.RevisionID, "parent_id", rev.ParentID)
	return rev, nil
}

// Invalidate deletes an entry by appending a terminal tombstone revision.
// Deleting a deleted entry returns its existing tombstone; changed reports
// whether a revision was written.
func (s *Store) Invalidate(ctx context.Context, entryID string) (rev message.Revision, changed bool, err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return message.Revision{}, false, fmt.Errorf("delete message: begin tx: %w", err)
	}
	defer tx.Rollback()

	head, err := readHead(ctx, tx, entryID)
	if err != nil {
		return message.Revision{}, false, err
	}

	parent, err := s.revision(ctx, tx, head.revisionID)
	if err != nil {
		return message.Revision{}, false, fmt.Errorf("delete message: %w", err)
	}
	if head.deleted {
		return parent, false, nil
	}

	rev = s.newRevision(entryID, head.revisionNum+1, head.revisionID, parent.Fields())
	rev.Deleted = true
	if err := s.advanceHead(ctx, tx, head, rev); err != nil {
		return message.Revision{}, false, fmt.Errorf("delete message: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return message.Revision{}, false, fmt.Errorf("delete message: commit: %w", err)
	}

	s.logger.Debug("message deleted", "entry_id", entryID, "revision_id", rev.RevisionID)
	return rev, true, nil
}

// entryHead is the projection row of one entry.
type entryHead struct {
	revisionID  string
	revisionNum int64
	deleted     bool
}

func readHead(ctx context.Context, tx *sql.Tx, entryID string) (entryHead, error) {
	var h entryHead
	err := tx.QueryRowContext(ctx, `
		SELECT head_revision_id, head_revision_num, is_deleted
		FROM entries
		WHERE entry_id = ?
	`, entryID).Scan(&h.revisionID, &h.revisionNum, &h.deleted)
	if errors.Is(err, sql.ErrNoRows) {
		return entryHead{}, notFoundEntry(entryID, "entry %s not found", entryID)
	}
	if err != nil {
		return entryHead{}, fmt.Errorf("read head: %w", err)
	}
	return h, nil
}

// advanceHead inserts rev and moves the entry's head from h to it.
// The UPDATE is conditional on the head read earlier in the transaction.
func (s *Store) advanceHead(ctx context.Context, tx *sql.Tx, h entryHead, rev message.Revision) error {
	if err := insertRevision(ctx, tx, rev); err != nil {
		if isUniqueViolation(err) {
			return errs.Conflict(rev.EntryID, "revision %s already has a child", rev.ParentID)
		}
		return err
	}

	res, err := tx.ExecContext(ctx, `
		UPDATE entries
		SET head_revision_id = ?, head_revision_num = ?, is_deleted = ?, date_updated = ?
		WHERE entry_id = ? AND head_revision_id = ?
	`, rev.RevisionID, rev.RevisionNum, boolToInt(rev.Deleted), rev.DateAdded.UnixNano(), rev.EntryID, h.revisionID)
	if err != nil {
		return fmt.Errorf("update entry: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update entry: rows affected: %w", err)
	}
	if n == 0 {
		return errs.Conflict(rev.EntryID, "head of entry moved past %s", h.revisionID)
	}
	return nil
}

func (s *Store) newRevision(entryID string, num int64, parentID string, f message.Fields) message.Revision {
	return message.Revision{
		RevisionID:   s.ids.Generate(),
		EntryID:      entryID,
		RevisionNum:  num,
		ParentID:     parentID,
		SiteID:       f.SiteID,
		ObsID:        f.ObsID,
		Instrument:   f.Instrument,
		DayObs:       f.DayObs,
		SeqNum:       f.SeqNum,
		SeqNumEnd:    f.SeqNumEnd,
		MessageText:  f.MessageText,
		Level:        f.Level,
		Tags:         f.Tags,
		URLs:         f.URLs,
		UserID:       f.UserID,
		UserAgent:    f.UserAgent,
		IsHuman:      f.IsHuman,
		ExposureFlag: f.ExposureFlag,
		DateAdded:    s.clock.Now().UTC(),
	}
}

// insertRevision writes one revision row and its tag index rows.
func insertRevision(ctx context.Context, tx *sql.Tx, rev message.Revision) error {
	tagsJSON, err := marshalStrings(rev.Tags)
	if err != nil {
		return err
	}
	urlsJSON, err := marshalStrings(rev.URLs)
	if err != nil {
		return err
	}

	var parentID, seqNumEnd any
	if rev.ParentID != "" {
		parentID = rev.ParentID
	}
	if rev.SeqNumEnd != nil {
		seqNumEnd = *rev.SeqNumEnd
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO revisions
		(id, entry_id, revision_num, parent_id, site_id, obs_id, instrument, day_obs, seq_num, seq_num_end,
		 message_text, search_text, level, tags, urls, user_id, user_agent, is_human, exposure_flag,
		 date_added, deleted)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		rev.RevisionID,
		rev.EntryID,
		rev.RevisionNum,
		parentID,
		rev.SiteID,
		rev.ObsID,
		rev.Instrument,
		rev.DayObs,
		rev.SeqNum,
		seqNumEnd,
		rev.MessageText,
		message.FoldText(rev.MessageText),
		rev.Level,
		tagsJSON,
		urlsJSON,
		rev.UserID,
		rev.UserAgent,
		boolToInt(rev.IsHuman),
		string(rev.ExposureFlag),
		rev.DateAdded.UnixNano(),
		boolToInt(rev.Deleted),
	)
	if err != nil {
		return fmt.Errorf("insert revision: %w", err)
	}

	for _, tag := range rev.Tags {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO revision_tags (revision_id, tag) VALUES (?, ?)
		`, rev.RevisionID, tag); err != nil {
			return fmt.Errorf("insert revision tag: %w", err)
		}
	}
	return nil
}

func isUniqueViolation(err error) bool {
	var se sqlite3.Error
	if errors.As(err, &se) {
		return se.ExtendedCode == sqlite3.ErrConstraintUnique
	}
	return false
}

func notFoundEntry(entryID, format string, args ...any) *errs.Error {
	e := errs.NotFound(format, args...)
	e.EntryID = entryID
	return e
}
