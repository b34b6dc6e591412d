package railsignal

import (
	"github.com/therealuhlarzoltan/railsignal/internal/cache"
	"github.com/therealuhlarzoltan/railsignal/internal/collector"
	configpkg "github.com/therealuhlarzoltan/railsignal/internal/config"
	"github.com/therealuhlarzoltan/railsignal/internal/dispatch"
	"github.com/therealuhlarzoltan/railsignal/internal/enrich"
	"github.com/therealuhlarzoltan/railsignal/internal/events"
	"github.com/therealuhlarzoltan/railsignal/internal/gateway"
	loggingpkg "github.com/therealuhlarzoltan/railsignal/internal/logging"
	metadatapkg "github.com/therealuhlarzoltan/railsignal/internal/metadata"
	"github.com/therealuhlarzoltan/railsignal/internal/processor"
	"github.com/therealuhlarzoltan/railsignal/internal/reconcile"
	registrypkg "github.com/therealuhlarzoltan/railsignal/internal/registry"
	servicepkg "github.com/therealuhlarzoltan/railsignal/internal/service"
	"github.com/therealuhlarzoltan/railsignal/internal/statuscache"
	transportpkg "github.com/therealuhlarzoltan/railsignal/transport"
)

type (
	Config = configpkg.Config
	Topics = configpkg.Topics

	Service                     = servicepkg.Service
	ServiceOptions              = servicepkg.Options
	MessageHandlerRegistration  = servicepkg.MessageHandlerRegistration
	ConsumerHandlerRegistration = servicepkg.ConsumerHandlerRegistration
	MiddlewareBuilder           = servicepkg.MiddlewareBuilder
	MiddlewareRegistration      = servicepkg.MiddlewareRegistration
	RetryMiddlewareConfig       = servicepkg.RetryMiddlewareConfig

	Transport             = transportpkg.Transport
	TransportCapabilities = transportpkg.Capabilities

	LogFields     = loggingpkg.LogFields
	ServiceLogger = loggingpkg.ServiceLogger

	Metadata = metadatapkg.Metadata

	RequestEvent  = events.RequestEvent
	ResponseEvent = events.ResponseEvent

	Dispatcher = dispatch.Dispatcher

	Registry[T any]  = registrypkg.Registry[T]
	Processor[T any] = processor.Processor[T]
	Sink[T any]      = processor.Sink[T]

	Cache[T any] = cache.Cache[T]
	CacheStore   = cache.Store
	MemoryStore  = cache.MemoryStore
	StatusCache  = statuscache.StatusCache

	GatewayClient  = gateway.Client
	GatewayOptions = gateway.Options
	GatewayError   = gateway.Error

	Engine       = reconcile.Engine
	EngineConfig = reconcile.Config
	Source       = reconcile.Source
	Leg          = reconcile.Leg
	RawStop      = reconcile.RawStop
	DelayInfo    = reconcile.DelayInfo
	TimeOfDay    = reconcile.TimeOfDay

	Collector    = collector.Collector
	DelayRequest = collector.DelayRequest

	Coordinates        = enrich.Coordinates
	CoordinatesService = enrich.CoordinatesService
	Weather            = enrich.Weather
	WeatherService     = enrich.WeatherService
)

var (
	DefaultConfig = configpkg.Default
	LoadConfig    = configpkg.Load

	NewService          = servicepkg.New
	DefaultMiddlewares  = servicepkg.DefaultMiddlewares
	NewSlogLogger       = loggingpkg.NewSlogServiceLogger
	NewWatermillAdapter = loggingpkg.NewWatermillAdapter
	NopLogger           = loggingpkg.Nop

	NewDispatcher    = dispatch.New
	NewGatewayClient = gateway.NewClient
	NewMemoryStore   = cache.NewMemoryStore
	NewStatusCache   = statuscache.New
	NewEngine        = reconcile.NewEngine
	NewCollector     = collector.New

	NewCoordinatesService = enrich.NewCoordinatesService
	NewWeatherService     = enrich.NewWeatherService

	NewCorrelationID = metadatapkg.NewCorrelationID

	StatusForError = events.StatusForError
)

// KeyCorrelationID is the metadata header carrying the optional correlation id.
const KeyCorrelationID = metadatapkg.KeyCorrelationID
