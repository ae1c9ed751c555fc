package message

import (
	"regexp"
	"strconv"
	"time"

	"github.com/lsst-sqre/exposurelog/internal/errs"
)

// taiMinusUTC is TAI-UTC since the 2017-01-01 leap second.
const taiMinusUTC = 37 * time.Second

// dayObsShift is subtracted from TAI to get the observing day.
const dayObsShift = 12 * time.Hour

var obsIDRegex = regexp.MustCompile(`^[A-Z][A-Z]_[A-Z]_(\d{8})_(\d{6})$`)

// TAI converts a wall-clock time to TAI, expressed as a UTC-located time.
func TAI(t time.Time) time.Time {
	return t.UTC().Add(taiMinusUTC)
}

// DayObs returns the Rubin observing day of t: the TAI date twelve hours
// earlier, as an integer YYYYMMDD.
func DayObs(t time.Time) int {
	d := TAI(t).Add(-dayObsShift)
	return d.Year()*10000 + int(d.Month())*100 + d.Day()
}

// ParseObsID extracts day_obs and seq_num from a Rubin observation id such
// as "AT_O_20240315_000123".
func ParseObsID(obsID string) (dayObs, seqNum int, err error) {
	m := obsIDRegex.FindStringSubmatch(obsID)
	if m == nil {
		return 0, 0, errs.Validation("obs_id", "invalid obs_id %q", obsID)
	}
	dayObs, _ = strconv.Atoi(m[1])
	seqNum, _ = strconv.Atoi(m[2])
	return dayObs, seqNum, nil
}

// CheckNewObsID validates the obs_id of an exposure that is being taken and
// is not yet known to any registry: it must parse and its day_obs must be
// within one day of currentDayObs.
func CheckNewObsID(obsID string, currentDayObs int) (dayObs, seqNum int, err error) {
	dayObs, seqNum, err = ParseObsID(obsID)
	if err != nil {
		return 0, 0, err
	}
	cur, err := dayObsTime(currentDayObs)
	if err != nil {
		return 0, 0, err
	}
	got, err := dayObsTime(dayObs)
	if err != nil {
		return 0, 0, errs.Validation("obs_id", "invalid obs_id %q: bad date", obsID)
	}
	diff := got.Sub(cur)
	if diff < -24*time.Hour || diff > 24*time.Hour {
		return 0, 0, errs.Validation("obs_id",
			"invalid obs_id %q: day_obs=%d not within one day of current day_obs=%d", obsID, dayObs, currentDayObs)
	}
	return dayObs, seqNum, nil
}

func dayObsTime(v int) (time.Time, error) {
	t, err := time.Parse("20060102", strconv.Itoa(v))
	if err != nil {
		return time.Time{}, errs.Validation("day_obs", "invalid day_obs %d: must be YYYYMMDD", v)
	}
	return t, nil
}
