// Package service wires a Watermill router, a broker transport, and the
// default middleware chain into a runnable unit. The collector and the
// aggregator binaries are both built on top of it.
package service

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/message/router/plugin"

	"github.com/therealuhlarzoltan/railsignal/internal/config"
	"github.com/therealuhlarzoltan/railsignal/internal/logging"
	"github.com/therealuhlarzoltan/railsignal/transport"
)

// Options holds the optional collaborators a Service can be constructed with.
// Leave fields at their zero value to get the defaults.
type Options struct {
	// Middlewares are appended after the default chain.
	Middlewares []MiddlewareRegistration

	// DisableDefaultMiddlewares skips the default chain entirely. The caller
	// then owns ordering and completeness.
	DisableDefaultMiddlewares bool

	// Transport overrides the broker pair built from config. Used by tests
	// to inject an in-memory transport without touching the registry.
	Transport *transport.Transport
}

// Service runs registered message handlers against a broker transport.
type Service struct {
	Conf   *config.Config
	Logger logging.ServiceLogger

	publisher  message.Publisher
	subscriber message.Subscriber
	router     *message.Router

	httpServers   map[int]*http.ServeMux
	httpServersMu sync.Mutex
}

// New constructs a Service for the supplied configuration. Register handlers
// on the returned Service before calling Start.
func New(ctx context.Context, conf *config.Config, logger logging.ServiceLogger, opts Options) (*Service, error) {
	if conf == nil {
		return nil, errors.New("service: config is required")
	}
	if logger == nil {
		logger = logging.Nop()
	}

	wmLogger := logging.NewWatermillAdapter(logger)
	logger.Info("creating event service", logging.LogFields{
		"pubsub_system": conf.PubSubSystem,
	})

	s := &Service{
		Conf:   conf,
		Logger: logger,
	}

	if opts.Transport != nil {
		s.publisher = opts.Transport.Publisher
		s.subscriber = opts.Transport.Subscriber
	} else {
		tr, err := transport.Build(ctx, conf, wmLogger)
		if err != nil {
			return nil, fmt.Errorf("service: build %s transport: %w", conf.PubSubSystem, err)
		}
		s.publisher = tr.Publisher
		s.subscriber = tr.Subscriber
	}

	router, err := message.NewRouter(message.RouterConfig{}, wmLogger)
	if err != nil {
		return nil, fmt.Errorf("service: create router: %w", err)
	}
	s.router = router
	s.router.AddPlugin(plugin.SignalsHandler)

	if err := s.registerConfiguredMiddlewares(opts); err != nil {
		return nil, err
	}

	return s, nil
}

// Publisher returns the broker publisher the service was built with. Response
// dispatchers and requester services publish through it.
func (s *Service) Publisher() message.Publisher { return s.publisher }

// Subscriber returns the broker subscriber the service was built with.
func (s *Service) Subscriber() message.Subscriber { return s.subscriber }

// Running is closed once the router has started all handlers.
func (s *Service) Running() <-chan struct{} { return s.router.Running() }

// Start runs the router until the context is cancelled. HTTP sidecars such
// as the metrics endpoint are started first.
func (s *Service) Start(ctx context.Context) error {
	s.startHTTPServers()
	return s.router.Run(ctx)
}

// MessageHandlerRegistration describes a handler that consumes from one topic
// and publishes its returned messages to another.
type MessageHandlerRegistration struct {
	Name         string
	ConsumeTopic string
	PublishTopic string
	Handler      message.HandlerFunc
}

// RegisterMessageHandler attaches the provided handler to the service router.
func (s *Service) RegisterMessageHandler(cfg MessageHandlerRegistration) error {
	if cfg.Handler == nil {
		return errors.New("service: handler is required")
	}
	if cfg.Name == "" {
		return errors.New("service: handler name is required")
	}
	if cfg.ConsumeTopic == "" {
		return errors.New("service: consume topic is required")
	}
	if cfg.PublishTopic == "" {
		return errors.New("service: publish topic is required")
	}

	s.router.AddHandler(
		cfg.Name,
		cfg.ConsumeTopic,
		s.subscriber,
		cfg.PublishTopic,
		s.publisher,
		cfg.Handler,
	)
	return nil
}

// ConsumerHandlerRegistration describes a consume-only handler. Anything it
// publishes goes through its own dispatcher rather than the router.
type ConsumerHandlerRegistration struct {
	Name         string
	ConsumeTopic string
	Handler      message.NoPublishHandlerFunc
}

// RegisterConsumerHandler attaches a consume-only handler to the router.
func (s *Service) RegisterConsumerHandler(cfg ConsumerHandlerRegistration) error {
	if cfg.Handler == nil {
		return errors.New("service: handler is required")
	}
	if cfg.Name == "" {
		return errors.New("service: handler name is required")
	}
	if cfg.ConsumeTopic == "" {
		return errors.New("service: consume topic is required")
	}

	s.router.AddNoPublisherHandler(
		cfg.Name,
		cfg.ConsumeTopic,
		s.subscriber,
		cfg.Handler,
	)
	return nil
}

// RegisterHTTPHandler exposes an HTTP handler on the given port once Start
// is called. Multiple patterns can share a port.
func (s *Service) RegisterHTTPHandler(port int, pattern string, handler http.Handler) {
	s.httpServersMu.Lock()
	defer s.httpServersMu.Unlock()

	if s.httpServers == nil {
		s.httpServers = make(map[int]*http.ServeMux)
	}

	mux, ok := s.httpServers[port]
	if !ok {
		mux = http.NewServeMux()
		s.httpServers[port] = mux
	}

	mux.Handle(pattern, handler)
}

func (s *Service) startHTTPServers() {
	s.httpServersMu.Lock()
	defer s.httpServersMu.Unlock()

	for port, mux := range s.httpServers {
		addr := fmt.Sprintf(":%d", port)
		s.Logger.Info("starting HTTP server", logging.LogFields{"address": addr})
		go func(addr string, handler http.Handler) {
			if err := http.ListenAndServe(addr, handler); err != nil {
				s.Logger.Error("HTTP server stopped", err, logging.LogFields{"address": addr})
			}
		}(addr, mux)
	}
}

func (s *Service) registerConfiguredMiddlewares(opts Options) error {
	var defaults []MiddlewareRegistration
	if !opts.DisableDefaultMiddlewares {
		defaults = DefaultMiddlewares()
	}
	registrations := make([]MiddlewareRegistration, 0, len(defaults)+len(opts.Middlewares))
	registrations = append(registrations, defaults...)
	registrations = append(registrations, opts.Middlewares...)

	for _, reg := range registrations {
		if err := s.RegisterMiddleware(reg); err != nil {
			name := reg.Name
			if name == "" {
				name = "anonymous_middleware"
			}
			return fmt.Errorf("service: register middleware %s: %w", name, err)
		}
	}
	return nil
}
