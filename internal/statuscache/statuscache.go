// Package statuscache tracks whether a train's delay data for an operating
// date is already complete, so periodic pollers know when to stop asking.
package statuscache

import (
	"context"
	"strings"
	"time"

	"github.com/therealuhlarzoltan/railsignal/internal/cache"
	"github.com/therealuhlarzoltan/railsignal/internal/keys"
	"github.com/therealuhlarzoltan/railsignal/internal/logging"
)

const prefix = "trainstatus:"

var completeMarker = []byte(`"complete"`)

// StatusCache marks train/date pairs complete. Entries live until the end of
// the operating day; after that the question is moot.
type StatusCache struct {
	store  cache.Store
	logger logging.ServiceLogger
	now    func() time.Time
}

// New constructs a StatusCache over the shared key-value store.
func New(store cache.Store, logger logging.ServiceLogger) *StatusCache {
	if store == nil {
		panic("railsignal: status cache store cannot be nil")
	}
	if logger == nil {
		logger = logging.Nop()
	}
	return &StatusCache{store: store, logger: logger, now: time.Now}
}

// IsComplete reports whether the train's delay data for date is final.
func (s *StatusCache) IsComplete(ctx context.Context, trainNumber string, date time.Time) bool {
	_, ok, err := s.store.Get(ctx, prefix+keys.TrainStatus(trainNumber, date))
	if err != nil {
		s.logger.Error("status cache lookup failed", err, logging.LogFields{
			"train": trainNumber,
		})
		return false
	}
	return ok
}

// MarkComplete records that no further polling is needed for the train/date.
func (s *StatusCache) MarkComplete(ctx context.Context, trainNumber string, date time.Time) {
	key := prefix + keys.TrainStatus(trainNumber, date)
	if err := s.store.Set(ctx, key, completeMarker, s.untilEndOfDay(date)); err != nil {
		s.logger.Error("failed to mark train complete", err, logging.LogFields{
			"train": trainNumber,
			"key":   key,
		})
	}
}

// MarkCompleteFromKey records completeness from a raw train-status wait key
// ("TRAIN:YYYY-MM-DD"). Keys that do not parse are logged and ignored; a
// missed marker only costs one extra poll.
func (s *StatusCache) MarkCompleteFromKey(ctx context.Context, key string) {
	i := strings.LastIndex(key, ":")
	if i <= 0 {
		s.logger.Warn("unparseable train status key", logging.LogFields{"key": key})
		return
	}
	date, err := time.Parse(keys.DateLayout, key[i+1:])
	if err != nil {
		s.logger.Warn("unparseable date in train status key", logging.LogFields{
			"key":   key,
			"error": err.Error(),
		})
		return
	}
	s.MarkComplete(ctx, key[:i], date)
}

// MarkIncomplete clears a completeness marker, re-enabling polling.
func (s *StatusCache) MarkIncomplete(ctx context.Context, trainNumber string, date time.Time) {
	key := prefix + keys.TrainStatus(trainNumber, date)
	if err := s.store.Delete(ctx, key); err != nil {
		s.logger.Error("failed to mark train incomplete", err, logging.LogFields{
			"train": trainNumber,
			"key":   key,
		})
	}
}

// untilEndOfDay returns the remaining lifetime of a marker: the end of the
// operating date, or a floor of one hour when the date already passed.
func (s *StatusCache) untilEndOfDay(date time.Time) time.Duration {
	endOfDay := time.Date(date.Year(), date.Month(), date.Day(), 0, 0, 0, 0, date.Location()).
		AddDate(0, 0, 1)
	remaining := endOfDay.Sub(s.now())
	if remaining < time.Hour {
		remaining = time.Hour
	}
	return remaining
}
