package enrich

import (
	"context"

	"github.com/therealuhlarzoltan/railsignal/internal/cache"
	"github.com/therealuhlarzoltan/railsignal/internal/dispatch"
	"github.com/therealuhlarzoltan/railsignal/internal/keys"
	"github.com/therealuhlarzoltan/railsignal/internal/logging"
	"github.com/therealuhlarzoltan/railsignal/internal/registry"
)

// Coordinates is a station's geographic position.
type Coordinates struct {
	Lat float64 `json:"lat" validate:"gte=-90,lte=90"`
	Lon float64 `json:"lon" validate:"gte=-180,lte=180"`
}

type coordinatesRequest struct {
	StationName string `json:"stationName"`
}

// CoordinatesService resolves station coordinates through the broker.
type CoordinatesService struct {
	lookupService[Coordinates]
}

func NewCoordinatesService(c *cache.Cache[Coordinates], r *registry.Registry[Coordinates], d *dispatch.Dispatcher, requestTopic string, logger logging.ServiceLogger) *CoordinatesService {
	return &CoordinatesService{
		lookupService: newLookupService(c, r, d, requestTopic, logger),
	}
}

// Lookup returns the coordinates for a station, fetching through a
// collector when the cache misses.
func (s *CoordinatesService) Lookup(ctx context.Context, station string) (Coordinates, error) {
	normalized := keys.NormalizeStationName(station)
	return s.lookup(ctx, keys.Coordinates(station), coordinatesRequest{StationName: normalized})
}

// LookupCorrelated performs a fresh, privately-routed fetch.
func (s *CoordinatesService) LookupCorrelated(ctx context.Context, station string) (Coordinates, error) {
	normalized := keys.NormalizeStationName(station)
	return s.lookupCorrelated(ctx, keys.Coordinates(station), coordinatesRequest{StationName: normalized})
}
