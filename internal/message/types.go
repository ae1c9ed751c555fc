package message

import (
	"fmt"
	"slices"
	"time"

	"github.com/lsst-sqre/exposurelog/internal/errs"
)

// SiteIDMaxLen is the maximum length of a site identifier.
const SiteIDMaxLen = 16

// DefaultLevel is the python logging INFO level.
const DefaultLevel = 20

// ExposureFlag lets a user mark an exposure as possibly or likely bad.
type ExposureFlag string

const (
	FlagNone         ExposureFlag = "none"
	FlagJunk         ExposureFlag = "junk"
	FlagQuestionable ExposureFlag = "questionable"
)

// ExposureFlags lists the valid flags in declaration order.
var ExposureFlags = []ExposureFlag{FlagNone, FlagJunk, FlagQuestionable}

// ParseExposureFlag validates s. The empty string maps to FlagNone.
func ParseExposureFlag(s string) (ExposureFlag, error) {
	if s == "" {
		return FlagNone, nil
	}
	f := ExposureFlag(s)
	if !slices.Contains(ExposureFlags, f) {
		return "", errs.Validation("exposure_flag", "invalid exposure_flag %q: must be one of %v", s, ExposureFlags)
	}
	return f, nil
}

// Revision is one immutable version of a log entry.
type Revision struct {
	RevisionID  string `json:"id"`
	EntryID     string `json:"entry_id"`
	RevisionNum int64  `json:"revision_num"`
	ParentID    string `json:"parent_id,omitempty"`

	SiteID     string `json:"site_id"`
	ObsID      string `json:"obs_id"`
	Instrument string `json:"instrument"`
	DayObs     int    `json:"day_obs"`
	SeqNum     int    `json:"seq_num"`
	SeqNumEnd  *int   `json:"seq_num_end,omitempty"`

	MessageText  string       `json:"message_text"`
	Level        int          `json:"level"`
	Tags         []string     `json:"tags"`
	URLs         []string     `json:"urls"`
	UserID       string       `json:"user_id"`
	UserAgent    string       `json:"user_agent"`
	IsHuman      bool         `json:"is_human"`
	ExposureFlag ExposureFlag `json:"exposure_flag"`

	DateAdded time.Time `json:"date_added"`
	Deleted   bool      `json:"deleted"`

	// Derived on read.
	IsValid         bool       `json:"is_valid"`
	DateInvalidated *time.Time `json:"date_invalidated"`
}

// Fields returns the content of r, without identity or derived state.
func (r Revision) Fields() Fields {
	return Fields{
		SiteID:       r.SiteID,
		ObsID:        r.ObsID,
		Instrument:   r.Instrument,
		DayObs:       r.DayObs,
		SeqNum:       r.SeqNum,
		SeqNumEnd:    r.SeqNumEnd,
		MessageText:  r.MessageText,
		Level:        r.Level,
		Tags:         slices.Clone(r.Tags),
		URLs:         slices.Clone(r.URLs),
		UserID:       r.UserID,
		UserAgent:    r.UserAgent,
		IsHuman:      r.IsHuman,
		ExposureFlag: r.ExposureFlag,
	}
}

// LastSeqNum returns the last exposure sequence number the revision covers.
func (r Revision) LastSeqNum() int {
	if r.SeqNumEnd != nil {
		return *r.SeqNumEnd
	}
	return r.SeqNum
}

// Fields is the user-authored content of a revision.
type Fields struct {
	SiteID       string
	ObsID        string
	Instrument   string
	DayObs       int
	SeqNum       int
	SeqNumEnd    *int
	MessageText  string
	Level        int
	Tags         []string
	URLs         []string
	UserID       string
	UserAgent    string
	IsHuman      bool
	ExposureFlag ExposureFlag
}

// Normalize canonicalises tags and fills defaults. It returns a validation
// error for content that can never be stored.
func (f Fields) Normalize() (Fields, error) {
	tags, err := NormalizeTags(f.Tags)
	if err != nil {
		return Fields{}, err
	}
	f.Tags = tags
	if f.URLs == nil {
		f.URLs = []string{}
	}
	if f.ExposureFlag == "" {
		f.ExposureFlag = FlagNone
	}
	if _, err := ParseExposureFlag(string(f.ExposureFlag)); err != nil {
		return Fields{}, err
	}
	if f.SiteID == "" || len(f.SiteID) > SiteIDMaxLen {
		return Fields{}, errs.Validation("site_id", "site_id %q must be 1-%d characters", f.SiteID, SiteIDMaxLen)
	}
	required := []struct{ name, value string }{
		{"obs_id", f.ObsID},
		{"instrument", f.Instrument},
		{"message_text", f.MessageText},
		{"user_id", f.UserID},
		{"user_agent", f.UserAgent},
	}
	for _, r := range required {
		if r.value == "" {
			return Fields{}, errs.Validation(r.name, "%s is required", r.name)
		}
	}
	if f.SeqNumEnd != nil && *f.SeqNumEnd < f.SeqNum {
		return Fields{}, errs.Validation("seq_num_end", "seq_num_end %d precedes seq_num %d", *f.SeqNumEnd, f.SeqNum)
	}
	return f, nil
}

// Patch holds the fields an edit overrides. Nil means "keep the parent's value".
type Patch struct {
	SiteID       *string
	MessageText  *string
	Level        *int
	Tags         *[]string
	URLs         *[]string
	UserID       *string
	UserAgent    *string
	IsHuman      *bool
	ExposureFlag *ExposureFlag
}

// Apply returns base with every non-nil field of p substituted.
func (p Patch) Apply(base Fields) Fields {
	out := base
	if p.SiteID != nil {
		out.SiteID = *p.SiteID
	}
	if p.MessageText != nil {
		out.MessageText = *p.MessageText
	}
	if p.Level != nil {
		out.Level = *p.Level
	}
	if p.Tags != nil {
		out.Tags = slices.Clone(*p.Tags)
	}
	if p.URLs != nil {
		out.URLs = slices.Clone(*p.URLs)
	}
	if p.UserID != nil {
		out.UserID = *p.UserID
	}
	if p.UserAgent != nil {
		out.UserAgent = *p.UserAgent
	}
	if p.IsHuman != nil {
		out.IsHuman = *p.IsHuman
	}
	if p.ExposureFlag != nil {
		out.ExposureFlag = *p.ExposureFlag
	}
	return out
}

// String renders a short identity for logs.
func (r Revision) String() string {
	return fmt.Sprintf("%s#%d(%s)", r.EntryID, r.RevisionNum, r.RevisionID)
}
