// Package reconcile turns raw upstream stop-time data into a validated
// per-train delay timeline. The pipeline is shared across upstream sources;
// field mapping and fetch mechanics live behind the Source interface.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/therealuhlarzoltan/railsignal/internal/cache"
	"github.com/therealuhlarzoltan/railsignal/internal/keys"
	"github.com/therealuhlarzoltan/railsignal/internal/logging"
)

// Config tunes one engine instance.
type Config struct {
	// EarlyWindowEndHour closes the very-early-morning window that starts at
	// local midnight. Inside the window the schedule sanity check is
	// bypassed, because trains running through midnight cannot be reliably
	// checked against "now". Defaults to 4.
	EarlyWindowEndHour int

	// Clock overrides the wall clock used by the schedule gate. Nil means
	// time.Now.
	Clock func() time.Time
}

func (c Config) withDefaults() Config {
	if c.EarlyWindowEndHour <= 0 {
		c.EarlyWindowEndHour = 4
	}
	return c
}

// Engine reconciles one upstream source's data into delay timelines. It is
// pure per-invocation: no mutable state is shared across requests beyond
// the timetable cache.
type Engine struct {
	source     Source
	timetables *cache.Cache[[]Leg]
	conf       Config
	logger     logging.ServiceLogger
	clock      func() time.Time
}

// NewEngine constructs an Engine. timetables may be nil to disable
// timetable-level caching.
func NewEngine(source Source, timetables *cache.Cache[[]Leg], conf Config, logger logging.ServiceLogger) *Engine {
	if source == nil {
		panic("railsignal: engine source cannot be nil")
	}
	if logger == nil {
		logger = logging.Nop()
	}
	clock := conf.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Engine{
		source:     source,
		timetables: timetables,
		conf:       conf.withDefaults(),
		logger:     logger.With(logging.LogFields{"source": source.Name()}),
		clock:      clock,
	}
}

// DelayTimeline produces the ordered per-station delay records for one train
// on one operating date. An empty (non-nil) slice is a valid "nothing to
// report yet" result and may be cached by the caller; errors are typed per
// the upstream taxonomy.
func (e *Engine) DelayTimeline(ctx context.Context, trainNumber, from, to string, date time.Time) ([]DelayInfo, error) {
	legs, err := e.timetable(ctx, from, to, date)
	if err != nil {
		return nil, err
	}

	leg, ok := findLeg(legs, trainNumber)
	if !ok {
		return nil, &NotInServiceError{TrainNumber: trainNumber, Date: date}
	}
	if leg.Cancelled {
		return nil, &NotInServiceError{TrainNumber: trainNumber, Date: date}
	}

	proceed, err := e.scheduleGate(leg, trainNumber, date)
	if err != nil {
		return nil, err
	}
	if !proceed {
		return []DelayInfo{}, nil
	}

	stops, err := e.source.StopTimes(ctx, leg, date)
	if err != nil {
		return nil, fmt.Errorf("stop times for train %s: %w", trainNumber, err)
	}
	if len(stops) == 0 {
		return []DelayInfo{}, nil
	}

	for _, stop := range stops {
		if stop.Cancelled {
			return nil, &NotInServiceError{TrainNumber: trainNumber, Date: date}
		}
	}

	// Arrival gate: no actual arrival at the terminus means the journey is
	// still in progress. An empty list, not a partial one.
	if stops[len(stops)-1].ActualArrival == nil {
		e.logger.Debug("journey not finished yet", logging.LogFields{"train": trainNumber})
		return []DelayInfo{}, nil
	}

	return buildTimeline(stops, date), nil
}

// timetable returns the cached legs for the station pair, fetching and
// caching on miss. Empty responses are never cached so a later request can
// retry once the schedule becomes available upstream.
func (e *Engine) timetable(ctx context.Context, from, to string, date time.Time) ([]Leg, error) {
	key := keys.Timetable(from, to, date)

	if e.timetables != nil {
		if legs, err := e.timetables.Get(ctx, key); err == nil {
			return legs, nil
		} else if !errors.Is(err, cache.ErrNotCached) {
			e.logger.Warn("timetable cache read failed", logging.LogFields{"key": key, "error": err.Error()})
		}
	}

	legs, err := e.source.Timetable(ctx, from, to, date)
	if err != nil {
		return nil, fmt.Errorf("timetable %s: %w", key, err)
	}

	if e.timetables != nil && len(legs) > 0 {
		if err := e.timetables.Put(ctx, key, legs); err != nil {
			e.logger.Warn("timetable cache write failed", logging.LogFields{"key": key, "error": err.Error()})
		}
	}
	return legs, nil
}

// scheduleGate compares the leg's schedule against the wall clock. It
// returns (false, nil) when there is legitimately nothing to report yet,
// and a DataLostError when yesterday's daytime data is already gone.
func (e *Engine) scheduleGate(leg Leg, trainNumber string, date time.Time) (bool, error) {
	now := e.clock()
	overnight := leg.Arrival.Before(leg.Departure) || e.inEarlyWindow(leg.Arrival)

	if e.inEarlyWindowClock(now) {
		if overnight {
			// Trains running through midnight cannot be schedule-checked
			// against "now"; let the arrival gate decide.
			return true, nil
		}
		return false, &DataLostError{TrainNumber: trainNumber, Date: date}
	}

	departure := leg.Departure.At(date)
	arrival := leg.Arrival.At(date)
	if overnight {
		arrival = arrival.AddDate(0, 0, 1)
	}

	if now.Before(departure) {
		e.logger.Debug("train has not departed yet", logging.LogFields{"train": trainNumber})
		return false, nil
	}
	if now.Before(arrival) {
		e.logger.Debug("train still in transit", logging.LogFields{"train": trainNumber})
		return false, nil
	}
	return true, nil
}

func (e *Engine) inEarlyWindow(t TimeOfDay) bool {
	return t.Hour < e.conf.EarlyWindowEndHour
}

func (e *Engine) inEarlyWindowClock(t time.Time) bool {
	return t.Hour() < e.conf.EarlyWindowEndHour
}

func findLeg(legs []Leg, trainNumber string) (Leg, bool) {
	for _, leg := range legs {
		if leg.TrainNumber == trainNumber {
			return leg, true
		}
	}
	return Leg{}, false
}

// buildTimeline applies rollover-aware anchoring, delay computation, and
// boundary trimming to the raw stop list.
func buildTimeline(stops []RawStop, date time.Time) []DelayInfo {
	n := len(stops)
	schedArr := make([]*TimeOfDay, n)
	schedDep := make([]*TimeOfDay, n)
	actArr := make([]*TimeOfDay, n)
	actDep := make([]*TimeOfDay, n)
	for i, stop := range stops {
		schedArr[i] = stop.ScheduledArrival
		schedDep[i] = stop.ScheduledDeparture
		actArr[i] = stop.ActualArrival
		actDep[i] = stop.ActualDeparture
	}

	// Each series rolls over independently: a delayed train's actual times
	// can cross midnight at a later stop than its schedule did.
	anchoredSchedArr := anchorSeries(schedArr, date)
	anchoredSchedDep := anchorSeries(schedDep, date)
	anchoredActArr := anchorSeries(actArr, date)
	anchoredActDep := anchorSeries(actDep, date)

	timeline := make([]DelayInfo, n)
	for i, stop := range stops {
		info := DelayInfo{
			StationCode:        stop.StationCode,
			ScheduledArrival:   anchoredSchedArr[i],
			ScheduledDeparture: anchoredSchedDep[i],
			ActualArrival:      anchoredActArr[i],
			ActualDeparture:    anchoredActDep[i],
		}
		info.ArrivalDelayMin = delayMinutes(info.ScheduledArrival, info.ActualArrival, stop.ArrivalDelaySec)
		info.DepartureDelayMin = delayMinutes(info.ScheduledDeparture, info.ActualDeparture, stop.DepartureDelaySec)

		// The origin has no arrival and the terminus has no departure, even
		// when the upstream happens to populate them.
		if i == 0 {
			info.ScheduledArrival = nil
			info.ActualArrival = nil
			info.ArrivalDelayMin = nil
		}
		if i == n-1 {
			info.ScheduledDeparture = nil
			info.ActualDeparture = nil
			info.DepartureDelayMin = nil
		}
		timeline[i] = info
	}
	return timeline
}

// delayMinutes prefers the upstream's precomputed seconds when present;
// otherwise it derives the delay from the timestamp pair. Nil when either
// timestamp is missing: "no delay value" is not the same as zero.
func delayMinutes(scheduled, actual *time.Time, precomputedSec *int32) *int {
	if precomputedSec != nil {
		minutes := int(math.Round(float64(*precomputedSec) / 60))
		return &minutes
	}
	if scheduled == nil || actual == nil {
		return nil
	}
	minutes := int(actual.Sub(*scheduled) / time.Minute)
	return &minutes
}
