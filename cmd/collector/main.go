// The collector consumes rail delay data requests from the broker, asks the
// configured upstream timetable service, reconciles the answer into a delay
// timeline, and publishes it on the response topic.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/spf13/cobra"

	"github.com/therealuhlarzoltan/railsignal/internal/cache"
	"github.com/therealuhlarzoltan/railsignal/internal/collector"
	"github.com/therealuhlarzoltan/railsignal/internal/config"
	"github.com/therealuhlarzoltan/railsignal/internal/dispatch"
	"github.com/therealuhlarzoltan/railsignal/internal/gateway"
	"github.com/therealuhlarzoltan/railsignal/internal/logging"
	"github.com/therealuhlarzoltan/railsignal/internal/reconcile"
	"github.com/therealuhlarzoltan/railsignal/internal/service"
	"github.com/therealuhlarzoltan/railsignal/internal/sources/emma"
	"github.com/therealuhlarzoltan/railsignal/internal/sources/mav"
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
		Use:           "railsignal-collector",
		Short:         "Rail delay data collector",
		Long:          "Consumes delay data requests, queries the configured upstream timetable service, and answers with per-stop delay timelines.",
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
	).With(logging.LogFields{"service": "collector"})

	svc, err := service.New(ctx, &conf, logger, service.Options{})
	if err != nil {
		return err
	}

	store := cache.NewMemoryStore(time.Minute)
	defer store.Close()

	source, err := buildSource(&conf, logger)
	if err != nil {
		return err
	}

	timetables := cache.New[[]reconcile.Leg](store, "timetable", conf.TimetableTTL, logger)
	engine := reconcile.NewEngine(source, timetables, reconcile.Config{
		EarlyWindowEndHour: conf.EarlyWindowEndHour,
	}, logger)
	dispatcher := dispatch.New(svc.Publisher(), logger)

	if err := registerCollector(svc, "delay-collector",
		conf.Topics.RailDelayRequests,
		collector.New(engine, dispatcher, conf.Topics.RailDelayResponses, logger)); err != nil {
		return err
	}
	// Some deployments route status polling over its own topic pair; the
	// payload and the answer are the same.
	if err := registerCollector(svc, "train-status-collector",
		conf.Topics.TrainStatusRequests,
		collector.New(engine, dispatcher, conf.Topics.TrainStatusResponses, logger)); err != nil {
		return err
	}

	logger.Info("collector starting", logging.LogFields{
		"source":        source.Name(),
		"request_topic": conf.Topics.RailDelayRequests,
	})
	return svc.Start(ctx)
}

func registerCollector(svc *service.Service, name, topic string, c *collector.Collector) error {
	handle := c.Handler()
	return svc.RegisterConsumerHandler(service.ConsumerHandlerRegistration{
		Name:         name,
		ConsumeTopic: topic,
		Handler: func(msg *message.Message) error {
			_, err := handle(msg)
			return err
		},
	})
}

// buildSource picks the upstream adapter from the configured endpoints.
// MAV wins when both upstreams are configured.
func buildSource(conf *config.Config, logger logging.ServiceLogger) (reconcile.Source, error) {
	opts := gateway.Options{
		Timeout:         conf.UpstreamTimeout,
		MaxRetries:      conf.UpstreamMaxRetries,
		BreakerFailures: conf.BreakerFailures,
		BreakerCooldown: conf.BreakerCooldown,
	}

	switch {
	case conf.MAVBaseURL != "":
		opts.Name = "mav"
		return mav.New(gateway.NewClient(opts, logger), conf.MAVBaseURL, logger), nil
	case conf.EMMAScheduleURL != "" && conf.EMMAFeedURL != "":
		opts.Name = "emma"
		return emma.New(gateway.NewClient(opts, logger), conf.EMMAScheduleURL, conf.EMMAFeedURL, logger), nil
	default:
		return nil, errors.New("no upstream configured: set mavBaseUrl, or emmaScheduleUrl and emmaFeedUrl")
	}
}

func loadConfig() (config.Config, error) {
	if configFile == "" {
		return config.Default(), nil
	}
	return config.Load(configFile)
}
