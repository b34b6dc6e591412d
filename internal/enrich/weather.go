package enrich

import (
	"context"
	"time"

	"github.com/therealuhlarzoltan/railsignal/internal/cache"
	"github.com/therealuhlarzoltan/railsignal/internal/dispatch"
	"github.com/therealuhlarzoltan/railsignal/internal/keys"
	"github.com/therealuhlarzoltan/railsignal/internal/logging"
	"github.com/therealuhlarzoltan/railsignal/internal/registry"
)

// Weather is the observed weather at one station for one hour.
type Weather struct {
	TemperatureC float64 `json:"temperatureC" validate:"gte=-60,lte=60"`
	WindKph      float64 `json:"windKph" validate:"gte=0"`
	Condition    string  `json:"condition"`
}

type weatherRequest struct {
	StationName string `json:"stationName"`
	Hour        string `json:"hour"`
}

// WeatherService resolves per-station weather through the broker. Keys are
// truncated to the hour, so all lookups within one hour share one entry.
type WeatherService struct {
	lookupService[Weather]
	clock func() time.Time
}

func NewWeatherService(c *cache.Cache[Weather], r *registry.Registry[Weather], d *dispatch.Dispatcher, requestTopic string, logger logging.ServiceLogger) *WeatherService {
	return &WeatherService{
		lookupService: newLookupService(c, r, d, requestTopic, logger),
		clock:         time.Now,
	}
}

// Lookup returns the current-hour weather for a station.
func (s *WeatherService) Lookup(ctx context.Context, station string) (Weather, error) {
	now := s.clock()
	key := keys.Weather(station, now)
	payload := weatherRequest{
		StationName: keys.NormalizeStationName(station),
		Hour:        now.Truncate(time.Hour).Format(time.RFC3339),
	}
	return s.lookup(ctx, key, payload)
}
