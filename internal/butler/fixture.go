package butler

import (
	"context"
	"fmt"
	"os"
	"slices"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// FixtureRegistry is an in-memory registry loaded from a YAML file:
//
//	instruments: [LATISS]
//	exposures:
//	  - obs_id: AT_O_20240315_000001
//	    instrument: LATISS
//	    day_obs: 20240315
//	    seq_num: 1
//
// It serves offline deployments and tests.
type FixtureRegistry struct {
	uri         string
	instruments []string
	exposures   []Exposure
}

type fixtureFile struct {
	Instruments []string   `yaml:"instruments"`
	Exposures   []Exposure `yaml:"exposures"`
}

// LoadFixtureRegistry reads a fixture from a file:// URI or a plain path.
func LoadFixtureRegistry(uri string) (*FixtureRegistry, error) {
	path := strings.TrimPrefix(uri, "file://")
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("load butler fixture: %w", err)
	}
	var f fixtureFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse butler fixture %s: %w", path, err)
	}
	return NewFixtureRegistry(uri, f.Instruments, f.Exposures), nil
}

// NewFixtureRegistry builds a registry from exposures. When instruments is
// empty it is derived from the exposures.
func NewFixtureRegistry(uri string, instruments []string, exposures []Exposure) *FixtureRegistry {
	exps := slices.Clone(exposures)
	sort.SliceStable(exps, func(i, j int) bool {
		if exps[i].DayObs != exps[j].DayObs {
			return exps[i].DayObs < exps[j].DayObs
		}
		return exps[i].SeqNum < exps[j].SeqNum
	})
	if len(instruments) == 0 {
		for _, e := range exps {
			if !slices.Contains(instruments, e.Instrument) {
				instruments = append(instruments, e.Instrument)
			}
		}
		sort.Strings(instruments)
	}
	return &FixtureRegistry{uri: uri, instruments: instruments, exposures: exps}
}

// URI implements Registry.
func (r *FixtureRegistry) URI() string { return r.uri }

// Instruments implements Registry.
func (r *FixtureRegistry) Instruments(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return slices.Clone(r.instruments), nil
}

// FindExposures implements Registry.
func (r *FixtureRegistry) FindExposures(ctx context.Context, q ExposureQuery) ([]Exposure, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	limit := q.Limit
	if limit == 0 {
		limit = DefaultExposureLimit
	}
	out := []Exposure{}
	for _, e := range r.exposures {
		if len(out) >= limit {
			break
		}
		if matches(e, q) {
			out = append(out, e)
		}
	}
	return out, nil
}

func matches(e Exposure, q ExposureQuery) bool {
	if e.Instrument != q.Instrument {
		return false
	}
	if q.ObsID != "" && e.ObsID != q.ObsID {
		return false
	}
	if !inRange(e.DayObs, q.MinDayObs, q.MaxDayObs) || !inRange(e.SeqNum, q.MinSeqNum, q.MaxSeqNum) {
		return false
	}
	if len(q.GroupNames) > 0 && !slices.Contains(q.GroupNames, e.GroupName) {
		return false
	}
	if len(q.ObservationReasons) > 0 && !slices.Contains(q.ObservationReasons, e.ObservationReason) {
		return false
	}
	if len(q.ObservationTypes) > 0 && !slices.Contains(q.ObservationTypes, e.ObservationType) {
		return false
	}
	if q.MinTime != nil && (e.TimespanEnd == nil || !e.TimespanEnd.After(*q.MinTime)) {
		return false
	}
	if q.MaxTime != nil && (e.TimespanBegin == nil || !e.TimespanBegin.Before(*q.MaxTime)) {
		return false
	}
	return true
}

func inRange(v int, lo, hi *int) bool {
	if lo != nil && v < *lo {
		return false
	}
	if hi != nil && v >= *hi {
		return false
	}
	return true
}
