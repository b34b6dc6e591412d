package reconcile

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// TimeOfDay is a bare wall-clock time as reported by a timetable, with no
// date attached. Dates are only assigned during rollover-aware anchoring.
type TimeOfDay struct {
	Hour   int
	Minute int
}

// ParseClock parses a "HH:MM" string.
func ParseClock(s string) (TimeOfDay, error) {
	parts := strings.SplitN(strings.TrimSpace(s), ":", 2)
	if len(parts) != 2 {
		return TimeOfDay{}, fmt.Errorf("invalid clock time %q", s)
	}
	hour, err := strconv.Atoi(parts[0])
	if err != nil || hour < 0 || hour > 23 {
		return TimeOfDay{}, fmt.Errorf("invalid clock time %q", s)
	}
	minute, err := strconv.Atoi(parts[1])
	if err != nil || minute < 0 || minute > 59 {
		return TimeOfDay{}, fmt.Errorf("invalid clock time %q", s)
	}
	return TimeOfDay{Hour: hour, Minute: minute}, nil
}

// Minutes returns the minutes elapsed since midnight.
func (t TimeOfDay) Minutes() int { return t.Hour*60 + t.Minute }

// Before reports whether t is numerically earlier than o within one day.
func (t TimeOfDay) Before(o TimeOfDay) bool { return t.Minutes() < o.Minutes() }

// At anchors the clock time to the given date, keeping the date's location.
func (t TimeOfDay) At(date time.Time) time.Time {
	return time.Date(date.Year(), date.Month(), date.Day(), t.Hour, t.Minute, 0, 0, date.Location())
}

func (t TimeOfDay) String() string { return fmt.Sprintf("%02d:%02d", t.Hour, t.Minute) }

// Leg is one train's scheduled run between the queried station pair, as it
// appears in an upstream timetable.
type Leg struct {
	TrainNumber string
	// DetailsID identifies the leg for the detail lookup: a URL for the MÁV
	// API, a GTFS trip id for EMMA.
	DetailsID string
	Departure TimeOfDay
	Arrival   TimeOfDay
	Cancelled bool
}

// RawStop is one stop of a leg as returned by the detail lookup, before
// reconciliation. Nil pointers mean the upstream reported no value.
//
// ArrivalDelaySec/DepartureDelaySec are only populated by sources whose
// upstream precomputes delays (EMMA trip updates); when nil, the engine
// derives the delay from the scheduled/actual timestamp pair instead. The
// two strategies are deliberately kept separate per source.
type RawStop struct {
	StationCode        string
	ScheduledArrival   *TimeOfDay
	ScheduledDeparture *TimeOfDay
	ActualArrival      *TimeOfDay
	ActualDeparture    *TimeOfDay
	ArrivalDelaySec    *int32
	DepartureDelaySec  *int32
	Cancelled          bool
}

// DelayInfo is the reconciled record for one station visit: full timestamps
// anchored to the operating date and the computed delays in minutes. Nil
// delay means "no value", never zero. Immutable once built.
type DelayInfo struct {
	StationCode        string     `json:"stationCode"`
	ScheduledArrival   *time.Time `json:"scheduledArrival,omitempty"`
	ScheduledDeparture *time.Time `json:"scheduledDeparture,omitempty"`
	ActualArrival      *time.Time `json:"actualArrival,omitempty"`
	ActualDeparture    *time.Time `json:"actualDeparture,omitempty"`
	ArrivalDelayMin    *int       `json:"arrivalDelayMin,omitempty"`
	DepartureDelayMin  *int       `json:"departureDelayMin,omitempty"`
}

// Source is the capability interface one upstream rail data provider
// implements. The engine owns the reconciliation pipeline; sources only
// fetch and map fields.
type Source interface {
	Name() string
	Timetable(ctx context.Context, from, to string, date time.Time) ([]Leg, error)
	StopTimes(ctx context.Context, leg Leg, date time.Time) ([]RawStop, error)
}
