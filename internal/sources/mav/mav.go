// Package mav adapts the MÁV passenger-information JSON API to the
// reconciliation source interface. The upstream speaks "HH:MM" clock
// strings and never precomputes delays, so every delay here comes from
// timestamp arithmetic downstream.
package mav

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/therealuhlarzoltan/railsignal/internal/gateway"
	"github.com/therealuhlarzoltan/railsignal/internal/keys"
	"github.com/therealuhlarzoltan/railsignal/internal/logging"
	"github.com/therealuhlarzoltan/railsignal/internal/reconcile"
)

// Source queries one MÁV-style API deployment.
type Source struct {
	client  *gateway.Client
	baseURL string
	logger  logging.ServiceLogger
}

// New constructs a Source. baseURL must not end with a slash.
func New(client *gateway.Client, baseURL string, logger logging.ServiceLogger) *Source {
	if client == nil {
		panic("railsignal: mav source client cannot be nil")
	}
	if logger == nil {
		logger = logging.Nop()
	}
	return &Source{
		client:  client,
		baseURL: strings.TrimRight(baseURL, "/"),
		logger:  logger,
	}
}

func (s *Source) Name() string { return "mav" }

type timetableRequest struct {
	From string `json:"startStationCode"`
	To   string `json:"endStationCode"`
	Date string `json:"travelDate"`
}

type timetableResponse struct {
	Routes []struct {
		TrainNumber string `json:"trainNumber"`
		DetailsURL  string `json:"detailsUrl"`
		Departure   string `json:"departureTime"`
		Arrival     string `json:"arrivalTime"`
		Cancelled   bool   `json:"cancelled"`
	} `json:"routes"`
}

// Timetable lists the direct legs between two stations on one operating
// date. Station names are folded to the upstream's ASCII uppercase codes.
func (s *Source) Timetable(ctx context.Context, from, to string, date time.Time) ([]reconcile.Leg, error) {
	req := timetableRequest{
		From: keys.NormalizeStationName(from),
		To:   keys.NormalizeStationName(to),
		Date: date.Format(keys.DateLayout),
	}

	var resp timetableResponse
	if err := s.client.PostJSON(ctx, s.baseURL+"/timetable", req, &resp); err != nil {
		return nil, err
	}

	legs := make([]reconcile.Leg, 0, len(resp.Routes))
	for _, route := range resp.Routes {
		departure, err := reconcile.ParseClock(route.Departure)
		if err != nil {
			return nil, fmt.Errorf("route %s departure: %w", route.TrainNumber, err)
		}
		arrival, err := reconcile.ParseClock(route.Arrival)
		if err != nil {
			return nil, fmt.Errorf("route %s arrival: %w", route.TrainNumber, err)
		}
		legs = append(legs, reconcile.Leg{
			TrainNumber: route.TrainNumber,
			DetailsID:   detailsID(route.DetailsURL),
			Departure:   departure,
			Arrival:     arrival,
			Cancelled:   route.Cancelled,
		})
	}
	s.logger.Debug("timetable fetched", logging.LogFields{"from": req.From, "to": req.To, "legs": len(legs)})
	return legs, nil
}

type detailsResponse struct {
	Stops []struct {
		Station            string `json:"stationCode"`
		ScheduledArrival   string `json:"scheduledArrival"`
		ActualArrival      string `json:"actualArrival"`
		ScheduledDeparture string `json:"scheduledDeparture"`
		ActualDeparture    string `json:"actualDeparture"`
		Cancelled          bool   `json:"cancelled"`
	} `json:"stops"`
}

// StopTimes fetches the per-station stop list for one leg. Absent clock
// fields come back as empty strings and map to nil.
func (s *Source) StopTimes(ctx context.Context, leg reconcile.Leg, date time.Time) ([]reconcile.RawStop, error) {
	var resp detailsResponse
	url := fmt.Sprintf("%s/train-details/%s", s.baseURL, leg.DetailsID)
	if err := s.client.GetJSON(ctx, url, &resp); err != nil {
		return nil, err
	}

	stops := make([]reconcile.RawStop, 0, len(resp.Stops))
	for _, stop := range resp.Stops {
		raw := reconcile.RawStop{
			StationCode: keys.NormalizeStationName(stop.Station),
			Cancelled:   stop.Cancelled,
		}
		var err error
		if raw.ScheduledArrival, err = parseOptionalClock(stop.ScheduledArrival); err != nil {
			return nil, fmt.Errorf("stop %s scheduled arrival: %w", stop.Station, err)
		}
		if raw.ActualArrival, err = parseOptionalClock(stop.ActualArrival); err != nil {
			return nil, fmt.Errorf("stop %s actual arrival: %w", stop.Station, err)
		}
		if raw.ScheduledDeparture, err = parseOptionalClock(stop.ScheduledDeparture); err != nil {
			return nil, fmt.Errorf("stop %s scheduled departure: %w", stop.Station, err)
		}
		if raw.ActualDeparture, err = parseOptionalClock(stop.ActualDeparture); err != nil {
			return nil, fmt.Errorf("stop %s actual departure: %w", stop.Station, err)
		}
		stops = append(stops, raw)
	}
	return stops, nil
}

func parseOptionalClock(s string) (*reconcile.TimeOfDay, error) {
	if s == "" {
		return nil, nil
	}
	t, err := reconcile.ParseClock(s)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// detailsID extracts the stable leg identifier from the upstream's
// details URL. The API hands out full URLs but only the trailing path
// segment survives deployments.
func detailsID(url string) string {
	if i := strings.LastIndexByte(url, '/'); i >= 0 {
		return url[i+1:]
	}
	return url
}
