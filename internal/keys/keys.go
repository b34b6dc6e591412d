// Package keys builds the deterministic wait keys and cache keys shared by
// the correlation registry, the TTL cache, and the upstream adapters. Key
// construction is the contract that lets N concurrent callers share one
// upstream fetch, so everything here must be stable and collision-free
// within its domain.
package keys

import (
	"strings"
	"time"
)

// diacriticTable maps the accented characters appearing in Hungarian station
// names onto their ASCII base letters. Kept as an explicit table because it
// affects cache-key and upstream-lookup correctness; inline replacement
// logic here has bitten before.
var diacriticTable = map[rune]rune{
	'Á': 'A', 'á': 'a',
	'É': 'E', 'é': 'e',
	'Í': 'I', 'í': 'i',
	'Ó': 'O', 'ó': 'o',
	'Ö': 'O', 'ö': 'o',
	'Ő': 'O', 'ő': 'o',
	'Ú': 'U', 'ú': 'u',
	'Ü': 'U', 'ü': 'u',
	'Ű': 'U', 'ű': 'u',
}

// NormalizeStationName upper-cases the station name and folds diacritics
// through the substitution table. "Győr" and "GYŐR" normalize identically.
func NormalizeStationName(name string) string {
	var b strings.Builder
	b.Grow(len(name))
	for _, r := range strings.TrimSpace(name) {
		if mapped, ok := diacriticTable[r]; ok {
			r = mapped
		}
		b.WriteRune(r)
	}
	return strings.ToUpper(b.String())
}

// DateLayout is the operating-date granularity used in timetable and
// train-status keys.
const DateLayout = "2006-01-02"

// Coordinates returns the wait/cache key for a station's geocoded position.
func Coordinates(station string) string {
	return NormalizeStationName(station)
}

// Weather returns the wait/cache key for a station's weather, truncated to
// the hour so all callers within one hour share a single upstream fetch.
func Weather(station string, t time.Time) string {
	return NormalizeStationName(station) + ":" + t.Truncate(time.Hour).Format("2006-01-02T15")
}

// Timetable returns the cache key for one from/to/date timetable response.
func Timetable(from, to string, date time.Time) string {
	return NormalizeStationName(from) + ":" + NormalizeStationName(to) + ":" + date.Format(DateLayout)
}

// TrainStatus returns the status-cache key for one train on one operating date.
func TrainStatus(trainNumber string, date time.Time) string {
	return strings.ToUpper(strings.TrimSpace(trainNumber)) + ":" + date.Format(DateLayout)
}
