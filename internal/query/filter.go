package query

import (
	"fmt"
	"slices"
	"time"

	"github.com/lsst-sqre/exposurelog/internal/errs"
	"github.com/lsst-sqre/exposurelog/internal/message"
	"github.com/lsst-sqre/exposurelog/internal/queryir"
)

// Filter is a message search as callers express it. Every field is
// optional. Fields combine with AND; multi-valued fields OR internally.
// Max bounds are exclusive.
type Filter struct {
	SiteIDs       []string
	Instruments   []string
	ObsID         string // substring
	MinDayObs     *int
	MaxDayObs     *int
	MinSeqNum     *int // matches messages whose [seq_num, seq_num_end] overlaps
	MaxSeqNum     *int
	MinDateAdded  *time.Time
	MaxDateAdded  *time.Time
	Tags          []string
	TagMatch      queryir.TagMatch // "" means any
	ExcludeTags   []string
	URLs          []string // any URL contains any of these
	UserIDs       []string
	UserAgents    []string
	MessageText   string // case-blind substring
	MinLevel      *int
	MaxLevel      *int
	IsHuman       *bool
	ExposureFlags []message.ExposureFlag
	HasParentID   *bool
	Validity      queryir.Validity

	// ValidateExposure asks the engine to confirm, before searching, that
	// the single exposure named by Instruments, day_obs and seq_num exists.
	ValidateExposure bool

	Cursor string
	Limit  int
}

// exposureRef reports the single exposure the filter names, if any: one
// instrument, a one-day day_obs window and a one-exposure seq_num window.
func (f Filter) exposureRef() (instrument string, dayObs, seqNum int, ok bool) {
	if len(f.Instruments) != 1 || f.MinDayObs == nil || f.MaxDayObs == nil || f.MinSeqNum == nil || f.MaxSeqNum == nil {
		return "", 0, 0, false
	}
	if *f.MaxDayObs != *f.MinDayObs+1 || *f.MaxSeqNum != *f.MinSeqNum+1 {
		return "", 0, 0, false
	}
	return f.Instruments[0], *f.MinDayObs, *f.MinSeqNum, true
}

// search converts f into a queryir.Search. Tags are normalised and the
// text needle is folded the same way stored text is.
func (f Filter) search() (queryir.Search, error) {
	if err := f.checkBounds(); err != nil {
		return queryir.Search{}, err
	}

	var preds []queryir.Predicate
	add := func(p queryir.Predicate) { preds = append(preds, p) }

	if len(f.SiteIDs) > 0 {
		add(queryir.In{Field: "site_id", Values: anySlice(f.SiteIDs)})
	}
	if len(f.Instruments) > 0 {
		add(queryir.In{Field: "instrument", Values: anySlice(f.Instruments)})
	}
	if f.ObsID != "" {
		add(queryir.Contains{Field: "obs_id", Substr: f.ObsID})
	}
	if f.MinDayObs != nil || f.MaxDayObs != nil {
		add(queryir.Range{Field: "day_obs", Min: intOrNil(f.MinDayObs), Max: intOrNil(f.MaxDayObs)})
	}
	if f.MinSeqNum != nil {
		add(queryir.Range{Field: "last_seq_num", Min: *f.MinSeqNum})
	}
	if f.MaxSeqNum != nil {
		add(queryir.Range{Field: "seq_num", Max: *f.MaxSeqNum})
	}
	if f.MinDateAdded != nil || f.MaxDateAdded != nil {
		add(queryir.Range{Field: "date_added", Min: timeOrNil(f.MinDateAdded), Max: timeOrNil(f.MaxDateAdded)})
	}
	if len(f.Tags) > 0 {
		tags, err := message.NormalizeTags(f.Tags)
		if err != nil {
			return queryir.Search{}, err
		}
		match := f.TagMatch
		if match == "" {
			match = queryir.MatchAny
		}
		if match != queryir.MatchAny && match != queryir.MatchAll {
			return queryir.Search{}, errs.Validation("tag_match", "tag_match %q must be any or all", match)
		}
		add(queryir.HasTags{Tags: tags, Match: match})
	}
	if len(f.ExcludeTags) > 0 {
		tags, err := message.NormalizeTags(f.ExcludeTags)
		if err != nil {
			return queryir.Search{}, err
		}
		add(queryir.HasTags{Tags: tags, Match: queryir.MatchNone})
	}
	if len(f.URLs) > 0 {
		add(queryir.AnyContains{Field: "urls", Substrs: f.URLs})
	}
	if len(f.UserIDs) > 0 {
		add(queryir.In{Field: "user_id", Values: anySlice(f.UserIDs)})
	}
	if len(f.UserAgents) > 0 {
		add(queryir.In{Field: "user_agent", Values: anySlice(f.UserAgents)})
	}
	if f.MessageText != "" {
		add(queryir.Contains{Field: "search_text", Substr: message.FoldText(f.MessageText)})
	}
	if f.MinLevel != nil || f.MaxLevel != nil {
		add(queryir.Range{Field: "level", Min: intOrNil(f.MinLevel), Max: intOrNil(f.MaxLevel)})
	}
	if f.IsHuman != nil {
		add(queryir.Equals{Field: "is_human", Value: *f.IsHuman})
	}
	if len(f.ExposureFlags) > 0 {
		values := make([]any, len(f.ExposureFlags))
		for i, flag := range f.ExposureFlags {
			if _, err := message.ParseExposureFlag(string(flag)); err != nil {
				return queryir.Search{}, err
			}
			values[i] = string(flag)
		}
		add(queryir.In{Field: "exposure_flag", Values: values})
	}
	if f.HasParentID != nil {
		add(queryir.IsNull{Field: "parent_id", Not: *f.HasParentID})
	}

	after, err := DecodeCursor(f.Cursor)
	if err != nil {
		return queryir.Search{}, err
	}

	s := queryir.Search{
		Validity: f.Validity,
		After:    after,
		Limit:    f.Limit,
	}
	if len(preds) > 0 {
		s.Filter = queryir.And{Predicates: preds}
	}

	if res := queryir.Validate(s); !res.Valid {
		return queryir.Search{}, errs.Validation("filter", "invalid search: %v", res.Problems)
	}
	return s, nil
}

// checkBounds reports reversed ranges by the name of the offending field.
func (f Filter) checkBounds() error {
	checks := []struct {
		field    string
		min, max *int
	}{
		{"max_day_obs", f.MinDayObs, f.MaxDayObs},
		{"max_seq_num", f.MinSeqNum, f.MaxSeqNum},
		{"max_level", f.MinLevel, f.MaxLevel},
	}
	for _, c := range checks {
		if c.min != nil && c.max != nil && *c.max < *c.min {
			return errs.Validation(c.field, "%s %d precedes its minimum %d", c.field, *c.max, *c.min)
		}
	}
	if f.MinDateAdded != nil && f.MaxDateAdded != nil && f.MaxDateAdded.Before(*f.MinDateAdded) {
		return errs.Validation("max_date_added", "max_date_added precedes min_date_added")
	}
	if f.Limit < 0 || f.Limit > queryir.MaxLimit {
		return errs.Validation("limit", "limit %d out of range 1..%d", f.Limit, queryir.MaxLimit)
	}
	if f.Validity != "" {
		if !slices.Contains(queryir.Validities, f.Validity) {
			return errs.Validation("validity", "validity %q must be one of %v", f.Validity, queryir.Validities)
		}
	}
	return nil
}

func anySlice(values []string) []any {
	out := make([]any, len(values))
	for i, v := range values {
		out[i] = v
	}
	return out
}

func intOrNil(v *int) any {
	if v == nil {
		return nil
	}
	return *v
}

func timeOrNil(v *time.Time) any {
	if v == nil {
		return nil
	}
	return v.UTC()
}

func (f Filter) String() string {
	return fmt.Sprintf("instruments=%v day_obs=[%s,%s) seq_num=[%s,%s) validity=%q limit=%d",
		f.Instruments, fmtInt(f.MinDayObs), fmtInt(f.MaxDayObs), fmtInt(f.MinSeqNum), fmtInt(f.MaxSeqNum), f.Validity, f.Limit)
}

func fmtInt(v *int) string {
	if v == nil {
		return ""
	}
	return fmt.Sprint(*v)
}
