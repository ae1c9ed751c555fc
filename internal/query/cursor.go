package query

import (
	"encoding/base64"
	"encoding/json"

	"github.com/lsst-sqre/exposurelog/internal/errs"
	"github.com/lsst-sqre/exposurelog/internal/message"
	"github.com/lsst-sqre/exposurelog/internal/queryir"
)

// EncodeCursor renders the sort key of rev as an opaque page cursor.
func EncodeCursor(rev message.Revision) string {
	b, err := json.Marshal(queryir.Cursor{
		DateAdded:   rev.DateAdded.UTC(),
		EntryID:     rev.EntryID,
		RevisionNum: rev.RevisionNum,
	})
	if err != nil {
		return ""
	}
	return base64.RawURLEncoding.EncodeToString(b)
}

// DecodeCursor parses a cursor from EncodeCursor. The empty string means
// the first page and decodes to nil.
func DecodeCursor(cursor string) (*queryir.Cursor, error) {
	if cursor == "" {
		return nil, nil
	}
	data, err := base64.RawURLEncoding.DecodeString(cursor)
	if err != nil {
		return nil, errs.Validation("cursor", "malformed cursor: %v", err)
	}
	var c queryir.Cursor
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, errs.Validation("cursor", "malformed cursor: %v", err)
	}
	if c.EntryID == "" || c.DateAdded.IsZero() {
		return nil, errs.Validation("cursor", "malformed cursor: missing sort key")
	}
	return &c, nil
}
