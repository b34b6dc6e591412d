package reconcile

import "time"

// rolloverIndex scans one time-of-day series in stop order and returns the
// index of the first value that is numerically less than its predecessor,
// which is where the series crossed midnight. Nil values are skipped: the
// comparison is always against the last non-nil value seen. Returns
// len(series) when the series never rolls over.
//
// Each of the four series (scheduled/actual x arrival/departure) must be
// scanned independently: a train delayed across midnight rolls its actual
// series at a different stop than its scheduled one.
func rolloverIndex(series []*TimeOfDay) int {
	var prev *TimeOfDay
	for i, tod := range series {
		if tod == nil {
			continue
		}
		if prev != nil && tod.Before(*prev) {
			return i
		}
		prev = tod
	}
	return len(series)
}

// anchorSeries converts one time-of-day series into full timestamps on the
// operating date, advancing the date by one day from the rollover index on.
func anchorSeries(series []*TimeOfDay, date time.Time) []*time.Time {
	rollover := rolloverIndex(series)
	anchored := make([]*time.Time, len(series))
	for i, tod := range series {
		if tod == nil {
			continue
		}
		ts := tod.At(date)
		if i >= rollover {
			ts = ts.AddDate(0, 0, 1)
		}
		anchored[i] = &ts
	}
	return anchored
}
