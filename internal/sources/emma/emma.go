// Package emma adapts an EMMA-style feed pair to the reconciliation
// source interface: a static schedule JSON API plus a GTFS-RT TripUpdates
// feed. Delays arrive precomputed in seconds per stop, so the adapter
// fills the delay-second fields and derives actual clocks from them.
package emma

import (
	"context"
	"fmt"
	"strings"
	"time"

	gtfsrt "github.com/MobilityData/gtfs-realtime-bindings/golang/gtfs"
	"google.golang.org/protobuf/proto"

	"github.com/therealuhlarzoltan/railsignal/internal/gateway"
	"github.com/therealuhlarzoltan/railsignal/internal/keys"
	"github.com/therealuhlarzoltan/railsignal/internal/logging"
	"github.com/therealuhlarzoltan/railsignal/internal/reconcile"
)

// Source queries one EMMA deployment. scheduleURL serves the static trip
// JSON, feedURL the protobuf TripUpdates feed.
type Source struct {
	client      *gateway.Client
	scheduleURL string
	feedURL     string
	logger      logging.ServiceLogger
}

func New(client *gateway.Client, scheduleURL, feedURL string, logger logging.ServiceLogger) *Source {
	if client == nil {
		panic("railsignal: emma source client cannot be nil")
	}
	if logger == nil {
		logger = logging.Nop()
	}
	return &Source{
		client:      client,
		scheduleURL: strings.TrimRight(scheduleURL, "/"),
		feedURL:     feedURL,
		logger:      logger,
	}
}

func (s *Source) Name() string { return "emma" }

type tripsResponse struct {
	Trips []struct {
		TripID      string `json:"tripId"`
		TrainNumber string `json:"trainNumber"`
		Departure   string `json:"departureTime"`
		Arrival     string `json:"arrivalTime"`
	} `json:"trips"`
}

// Timetable lists the trips between two stations on one date. The GTFS
// trip id doubles as the details id for the realtime lookup.
func (s *Source) Timetable(ctx context.Context, from, to string, date time.Time) ([]reconcile.Leg, error) {
	url := fmt.Sprintf("%s/trips?from=%s&to=%s&date=%s",
		s.scheduleURL,
		keys.NormalizeStationName(from),
		keys.NormalizeStationName(to),
		date.Format(keys.DateLayout))

	var resp tripsResponse
	if err := s.client.GetJSON(ctx, url, &resp); err != nil {
		return nil, err
	}

	legs := make([]reconcile.Leg, 0, len(resp.Trips))
	for _, trip := range resp.Trips {
		departure, err := reconcile.ParseClock(trip.Departure)
		if err != nil {
			return nil, fmt.Errorf("trip %s departure: %w", trip.TripID, err)
		}
		arrival, err := reconcile.ParseClock(trip.Arrival)
		if err != nil {
			return nil, fmt.Errorf("trip %s arrival: %w", trip.TripID, err)
		}
		legs = append(legs, reconcile.Leg{
			TrainNumber: trip.TrainNumber,
			DetailsID:   trip.TripID,
			Departure:   departure,
			Arrival:     arrival,
		})
	}
	return legs, nil
}

type stopTimesResponse struct {
	Stops []struct {
		StopID    string `json:"stopId"`
		Station   string `json:"stationName"`
		Arrival   string `json:"arrivalTime"`
		Departure string `json:"departureTime"`
	} `json:"stops"`
}

// stopObservation is one stop's realtime state from the TripUpdates feed.
type stopObservation struct {
	arrivalDelaySec   *int32
	departureDelaySec *int32
	skipped           bool
}

// StopTimes merges the trip's static schedule with the realtime feed.
// Stops without a realtime observation keep nil actuals, which downstream
// reads as "not reported yet".
func (s *Source) StopTimes(ctx context.Context, leg reconcile.Leg, date time.Time) ([]reconcile.RawStop, error) {
	var schedule stopTimesResponse
	url := fmt.Sprintf("%s/trips/%s/stops", s.scheduleURL, leg.DetailsID)
	if err := s.client.GetJSON(ctx, url, &schedule); err != nil {
		return nil, err
	}

	observations, cancelled, err := s.tripState(ctx, leg.DetailsID)
	if err != nil {
		return nil, err
	}

	stops := make([]reconcile.RawStop, 0, len(schedule.Stops))
	for _, stop := range schedule.Stops {
		raw := reconcile.RawStop{
			StationCode: keys.NormalizeStationName(stop.Station),
			Cancelled:   cancelled,
		}
		if stop.Arrival != "" {
			t, err := reconcile.ParseClock(stop.Arrival)
			if err != nil {
				return nil, fmt.Errorf("stop %s arrival: %w", stop.StopID, err)
			}
			raw.ScheduledArrival = &t
		}
		if stop.Departure != "" {
			t, err := reconcile.ParseClock(stop.Departure)
			if err != nil {
				return nil, fmt.Errorf("stop %s departure: %w", stop.StopID, err)
			}
			raw.ScheduledDeparture = &t
		}

		if obs, ok := observations[stop.StopID]; ok {
			if obs.skipped {
				raw.Cancelled = true
			}
			raw.ArrivalDelaySec = obs.arrivalDelaySec
			raw.DepartureDelaySec = obs.departureDelaySec
			raw.ActualArrival = shiftClock(raw.ScheduledArrival, obs.arrivalDelaySec)
			raw.ActualDeparture = shiftClock(raw.ScheduledDeparture, obs.departureDelaySec)
		}
		stops = append(stops, raw)
	}
	return stops, nil
}

// tripState fetches the TripUpdates feed and extracts the per-stop
// observations for one trip. A missing trip update is not an error; the
// feed only carries trips the operator has reported on.
func (s *Source) tripState(ctx context.Context, tripID string) (map[string]stopObservation, bool, error) {
	raw, err := s.client.GetRaw(ctx, s.feedURL)
	if err != nil {
		return nil, false, err
	}

	var feed gtfsrt.FeedMessage
	if err := proto.Unmarshal(raw, &feed); err != nil {
		return nil, false, &gateway.Error{
			Kind: gateway.KindFormatMismatch,
			Op:   "GET " + s.feedURL,
			Err:  err,
		}
	}

	observations := make(map[string]stopObservation)
	for _, entity := range feed.Entity {
		update := entity.TripUpdate
		if update == nil || update.Trip == nil || update.Trip.TripId == nil || *update.Trip.TripId != tripID {
			continue
		}
		if update.Trip.ScheduleRelationship != nil && *update.Trip.ScheduleRelationship == gtfsrt.TripDescriptor_CANCELED {
			return nil, true, nil
		}
		for _, stu := range update.StopTimeUpdate {
			if stu.StopId == nil {
				continue
			}
			var obs stopObservation
			if stu.ScheduleRelationship != nil && *stu.ScheduleRelationship == gtfsrt.TripUpdate_StopTimeUpdate_SKIPPED {
				obs.skipped = true
			}
			if stu.Arrival != nil && stu.Arrival.Delay != nil {
				obs.arrivalDelaySec = stu.Arrival.Delay
			}
			if stu.Departure != nil && stu.Departure.Delay != nil {
				obs.departureDelaySec = stu.Departure.Delay
			}
			observations[*stu.StopId] = obs
		}
	}
	if len(observations) == 0 {
		s.logger.Debug("trip absent from realtime feed", logging.LogFields{"trip": tripID})
	}
	return observations, false, nil
}

// shiftClock applies a delay to a scheduled clock, wrapping past midnight.
func shiftClock(scheduled *reconcile.TimeOfDay, delaySec *int32) *reconcile.TimeOfDay {
	if scheduled == nil || delaySec == nil {
		return nil
	}
	total := (scheduled.Minutes()*60 + int(*delaySec)) % (24 * 3600)
	if total < 0 {
		total += 24 * 3600
	}
	shifted := reconcile.TimeOfDay{Hour: total / 3600, Minute: total % 3600 / 60}
	return &shifted
}
