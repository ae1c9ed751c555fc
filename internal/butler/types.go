package butler

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/lsst-sqre/exposurelog/internal/errs"
)

// Exposure is the registry metadata of one camera exposure.
type Exposure struct {
	ObsID             string     `json:"obs_id" yaml:"obs_id"`
	ID                int64      `json:"id" yaml:"id"`
	Instrument        string     `json:"instrument" yaml:"instrument"`
	ObservationType   string     `json:"observation_type" yaml:"observation_type"`
	ObservationReason string     `json:"observation_reason" yaml:"observation_reason"`
	DayObs            int        `json:"day_obs" yaml:"day_obs"`
	SeqNum            int        `json:"seq_num" yaml:"seq_num"`
	GroupName         string     `json:"group_name" yaml:"group_name"`
	TargetName        string     `json:"target_name" yaml:"target_name"`
	ScienceProgram    string     `json:"science_program" yaml:"science_program"`
	TrackingRA        *float64   `json:"tracking_ra" yaml:"tracking_ra"`
	TrackingDec       *float64   `json:"tracking_dec" yaml:"tracking_dec"`
	SkyAngle          *float64   `json:"sky_angle" yaml:"sky_angle"`
	TimespanBegin     *time.Time `json:"timespan_begin" yaml:"timespan_begin"`
	TimespanEnd       *time.Time `json:"timespan_end" yaml:"timespan_end"`
}

// ExposureQuery selects exposures from one registry. Every field is
// optional except Instrument. Max bounds are exclusive.
type ExposureQuery struct {
	Instrument         string
	ObsID              string
	MinDayObs          *int
	MaxDayObs          *int
	MinSeqNum          *int
	MaxSeqNum          *int
	GroupNames         []string
	ObservationReasons []string
	ObservationTypes   []string
	MinTime            *time.Time
	MaxTime            *time.Time
	Limit              int
}

// DefaultExposureLimit caps FindExposures when the query gives no limit.
const DefaultExposureLimit = 50

// Validate reports malformed queries.
func (q ExposureQuery) Validate() error {
	if q.Instrument == "" {
		return errs.Validation("instrument", "instrument is required")
	}
	if q.MinDayObs != nil && q.MaxDayObs != nil && *q.MaxDayObs < *q.MinDayObs {
		return errs.Validation("max_day_obs", "max_day_obs %d precedes min_day_obs %d", *q.MaxDayObs, *q.MinDayObs)
	}
	if q.MinSeqNum != nil && q.MaxSeqNum != nil && *q.MaxSeqNum < *q.MinSeqNum {
		return errs.Validation("max_seq_num", "max_seq_num %d precedes min_seq_num %d", *q.MaxSeqNum, *q.MinSeqNum)
	}
	if q.MinTime != nil && q.MaxTime != nil && q.MaxTime.Before(*q.MinTime) {
		return errs.Validation("max_date", "max_date precedes min_date")
	}
	if q.Limit < 0 {
		return errs.Validation("limit", "limit must not be negative")
	}
	return nil
}

// Registry is one Butler registry holding exposure metadata.
//
// FindExposures returns an empty slice (not an error) when nothing
// matches. Transport failures are errs.UpstreamUnavailable.
type Registry interface {
	URI() string
	FindExposures(ctx context.Context, q ExposureQuery) ([]Exposure, error)
	Instruments(ctx context.Context) ([]string, error)
}

// NewRegistry opens the registry at uri: file:// URIs load a YAML fixture,
// http:// and https:// URIs use the HTTP client with the given timeout.
func NewRegistry(uri string, timeout time.Duration) (Registry, error) {
	switch {
	case strings.HasPrefix(uri, "file://"):
		return LoadFixtureRegistry(uri)
	case strings.HasPrefix(uri, "http://"), strings.HasPrefix(uri, "https://"):
		return NewHTTPRegistry(uri, timeout), nil
	default:
		return nil, fmt.Errorf("unsupported butler uri %q: want file://, http:// or https://", uri)
	}
}
