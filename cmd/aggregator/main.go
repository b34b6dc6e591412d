// The aggregator is the requester side of the pipeline: it consumes the
// collectors' response topics, resolves in-process waiters, fills the domain
// caches, and tracks per-train completeness for the pollers.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/go-playground/validator/v10"
	"github.com/spf13/cobra"

	"github.com/therealuhlarzoltan/railsignal/internal/cache"
	"github.com/therealuhlarzoltan/railsignal/internal/config"
	"github.com/therealuhlarzoltan/railsignal/internal/dispatch"
	"github.com/therealuhlarzoltan/railsignal/internal/enrich"
	"github.com/therealuhlarzoltan/railsignal/internal/logging"
	"github.com/therealuhlarzoltan/railsignal/internal/processor"
	"github.com/therealuhlarzoltan/railsignal/internal/reconcile"
	"github.com/therealuhlarzoltan/railsignal/internal/registry"
	"github.com/therealuhlarzoltan/railsignal/internal/service"
	"github.com/therealuhlarzoltan/railsignal/internal/statuscache"
	_ "github.com/therealuhlarzoltan/railsignal/transport/transports"
)

var configFile string

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "railsignal-aggregator",
		Short:         "Rail delay response aggregator",
		Long:          "Consumes collector responses, resolves pending lookups, maintains the coordinate and weather caches, and marks trains whose data is final for the day.",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context())
		},
	}
	root.PersistentFlags().StringVarP(&configFile, "config", "c", "", "config file (YAML); defaults apply when omitted")
	return root
}

func run(ctx context.Context) error {
	conf, err := loadConfig()
	if err != nil {
		return err
	}
	if ctx == nil {
		ctx = context.Background()
	}

	logger := logging.NewSlogServiceLogger(
		slog.New(slog.NewJSONHandler(os.Stdout, nil)),
	).With(logging.LogFields{"service": "aggregator"})

	svc, err := service.New(ctx, &conf, logger, service.Options{})
	if err != nil {
		return err
	}

	store := cache.NewMemoryStore(time.Minute)
	defer store.Close()

	dispatcher := dispatch.New(svc.Publisher(), logger)
	validate := validator.New()
	statusCache := statuscache.New(store, logger)

	coordCache := cache.New[enrich.Coordinates](store, "coordinates", conf.CoordinatesTTL, logger)
	coordRegistry := registry.New(conf.WaitTimeout, cacheLookup(coordCache), logger)
	coordProcessor := processor.New(processor.Options[enrich.Coordinates]{
		Registry:  coordRegistry,
		Cache:     coordCache,
		Validator: validate,
		Logger:    logger,
	})

	weatherCache := cache.New[enrich.Weather](store, "weather", conf.WeatherTTL, logger)
	weatherRegistry := registry.New(conf.WaitTimeout, cacheLookup(weatherCache), logger)
	weatherProcessor := processor.New(processor.Options[enrich.Weather]{
		Registry:  weatherRegistry,
		Cache:     weatherCache,
		Validator: validate,
		Logger:    logger,
	})

	coordinates := enrich.NewCoordinatesService(coordCache, coordRegistry, dispatcher, conf.Topics.CoordinateRequests, logger)
	weather := enrich.NewWeatherService(weatherCache, weatherRegistry, dispatcher, conf.Topics.WeatherRequests, logger)

	delayRegistry := registry.New[[]reconcile.DelayInfo](conf.WaitTimeout, nil, logger)
	delayProcessor := processor.New(processor.Options[[]reconcile.DelayInfo]{
		Registry: delayRegistry,
		TooEarly: statusCache.MarkCompleteFromKey,
		Sinks: []processor.Sink[[]reconcile.DelayInfo]{
			enrichTimeline(coordinates, weather, conf.WaitTimeout, logger),
		},
		Logger: logger,
	})

	registrations := []struct {
		name    string
		topic   string
		handler message.HandlerFunc
	}{
		{"coordinate-processor", conf.Topics.CoordinateResponses, coordProcessor.Handler()},
		{"weather-processor", conf.Topics.WeatherResponses, weatherProcessor.Handler()},
		{"delay-processor", conf.Topics.RailDelayResponses, delayProcessor.Handler()},
		{"train-status-processor", conf.Topics.TrainStatusResponses, delayProcessor.Handler()},
	}
	for _, reg := range registrations {
		handle := reg.handler
		err := svc.RegisterConsumerHandler(service.ConsumerHandlerRegistration{
			Name:         reg.name,
			ConsumeTopic: reg.topic,
			Handler: func(msg *message.Message) error {
				_, err := handle(msg)
				return err
			},
		})
		if err != nil {
			return err
		}
	}

	logger.Info("aggregator starting", logging.LogFields{
		"wait_timeout": conf.WaitTimeout.String(),
	})
	return svc.Start(ctx)
}

// enrichTimeline warms the coordinate and weather caches for every station
// on a delay timeline. Sinks must not block, so the lookups run in their
// own goroutine; failures only mean a colder cache.
func enrichTimeline(coordinates *enrich.CoordinatesService, weather *enrich.WeatherService, timeout time.Duration, logger logging.ServiceLogger) processor.Sink[[]reconcile.DelayInfo] {
	return func(key string, timeline []reconcile.DelayInfo) {
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), timeout)
			defer cancel()
			for _, stop := range timeline {
				if _, err := coordinates.Lookup(ctx, stop.StationCode); err != nil {
					logger.Debug("coordinate enrichment skipped", logging.LogFields{
						"station": stop.StationCode,
						"error":   err.Error(),
					})
				}
				if _, err := weather.Lookup(ctx, stop.StationCode); err != nil {
					logger.Debug("weather enrichment skipped", logging.LogFields{
						"station": stop.StationCode,
						"error":   err.Error(),
					})
				}
			}
		}()
	}
}

// cacheLookup adapts a domain cache into the registry's pre-wait hook so a
// response that landed between publish and wait is still found.
func cacheLookup[T any](c *cache.Cache[T]) registry.Lookup[T] {
	return func(ctx context.Context, key string) (T, bool) {
		value, err := c.Get(ctx, key)
		return value, err == nil
	}
}

func loadConfig() (config.Config, error) {
	if configFile == "" {
		return config.Default(), nil
	}
	return config.Load(configFile)
}
