package api

import (
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/lsst-sqre/exposurelog/internal/errs"
	"github.com/lsst-sqre/exposurelog/internal/message"
	"github.com/lsst-sqre/exposurelog/internal/query"
	"github.com/lsst-sqre/exposurelog/internal/queryir"
)

// params reads typed query parameters, keeping the first error.
// List parameters may repeat (?tags=a&tags=b) or be comma separated.
type params struct {
	values url.Values
	err    error
}

func (p *params) fail(field, format string, args ...any) {
	if p.err == nil {
		p.err = errs.Validation(field, format, args...)
	}
}

func (p *params) str(name string) string {
	return strings.TrimSpace(p.values.Get(name))
}

func (p *params) list(name string) []string {
	var out []string
	for _, v := range p.values[name] {
		for _, item := range strings.Split(v, ",") {
			if item = strings.TrimSpace(item); item != "" {
				out = append(out, item)
			}
		}
	}
	return out
}

func (p *params) intPtr(name string) *int {
	raw := p.str(name)
	if raw == "" {
		return nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		p.fail(name, "%s must be an integer, got %q", name, raw)
		return nil
	}
	return &v
}

func (p *params) intOr(name string, def int) int {
	if v := p.intPtr(name); v != nil {
		return *v
	}
	return def
}

func (p *params) boolPtr(name string) *bool {
	raw := p.str(name)
	if raw == "" || raw == "either" {
		return nil
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		p.fail(name, "%s must be true, false or either, got %q", name, raw)
		return nil
	}
	return &v
}

func (p *params) timePtr(name string) *time.Time {
	raw := p.str(name)
	if raw == "" {
		return nil
	}
	v, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		p.fail(name, "%s must be an RFC 3339 time, got %q", name, raw)
		return nil
	}
	return &v
}

// validity accepts the validity values and the older is_valid
// tri-state (true, false, either).
func (p *params) validity() queryir.Validity {
	if raw := p.str("validity"); raw != "" {
		return queryir.Validity(raw)
	}
	switch p.str("is_valid") {
	case "", "true":
		return queryir.ValidOnly
	case "false":
		return queryir.InvalidOnly
	case "either":
		return queryir.Either
	default:
		p.fail("is_valid", "is_valid must be true, false or either")
		return ""
	}
}

// messageFilter parses the query string of GET /messages.
func messageFilter(values url.Values) (query.Filter, error) {
	p := &params{values: values}
	f := query.Filter{
		SiteIDs:          p.list("site_ids"),
		Instruments:      p.list("instruments"),
		ObsID:            p.str("obs_id"),
		MinDayObs:        p.intPtr("min_day_obs"),
		MaxDayObs:        p.intPtr("max_day_obs"),
		MinSeqNum:        p.intPtr("min_seq_num"),
		MaxSeqNum:        p.intPtr("max_seq_num"),
		MinDateAdded:     p.timePtr("min_date_added"),
		MaxDateAdded:     p.timePtr("max_date_added"),
		Tags:             p.list("tags"),
		TagMatch:         queryir.TagMatch(p.str("tag_match")),
		ExcludeTags:      p.list("exclude_tags"),
		URLs:             p.list("urls"),
		UserIDs:          p.list("user_ids"),
		UserAgents:       p.list("user_agents"),
		MessageText:      p.str("message_text"),
		MinLevel:         p.intPtr("min_level"),
		MaxLevel:         p.intPtr("max_level"),
		IsHuman:          p.boolPtr("is_human"),
		HasParentID:      p.boolPtr("has_parent_id"),
		Validity:         p.validity(),
		ValidateExposure: p.str("validate_exposure") == "true",
		Cursor:           p.str("cursor"),
		Limit:            p.intOr("limit", 0),
	}
	for _, flag := range p.list("exposure_flags") {
		f.ExposureFlags = append(f.ExposureFlags, message.ExposureFlag(flag))
	}
	if p.err != nil {
		return query.Filter{}, p.err
	}
	return f, nil
}
