// Package processor turns a stream of broker response events into resolved
// waiters and cache entries. Its handlers never return an error to the
// router: a response that cannot be processed is logged and dropped, since
// redelivering it cannot make it decodable.
package processor

import (
	"context"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/go-playground/validator/v10"

	"github.com/therealuhlarzoltan/railsignal/internal/cache"
	"github.com/therealuhlarzoltan/railsignal/internal/events"
	"github.com/therealuhlarzoltan/railsignal/internal/jsoncodec"
	"github.com/therealuhlarzoltan/railsignal/internal/logging"
	"github.com/therealuhlarzoltan/railsignal/internal/metadata"
	"github.com/therealuhlarzoltan/railsignal/internal/registry"
)

// Sink receives every successfully decoded value in-process, before the
// registry completion. Sinks must not block.
type Sink[T any] func(key string, value T)

// Options configures one Processor. Registry is required; everything else
// is optional.
type Options[T any] struct {
	Registry *registry.Registry[T]

	// Cache, when set, receives one write per accepted SUCCESS event.
	Cache *cache.Cache[T]

	// Validator runs struct-tag validation on decoded values before the
	// cache write. Leave nil for non-struct value types.
	Validator *validator.Validate

	// Valid is the domain acceptance check for the cache write. Nil means
	// every decoded value is cacheable.
	Valid func(T) bool

	// TooEarly fires on ERROR responses with status 425: the upstream has
	// no data for this key yet and will not have any today.
	TooEarly func(ctx context.Context, key string)

	Sinks  []Sink[T]
	Logger logging.ServiceLogger
}

// Processor consumes ResponseEvents for one value type T.
type Processor[T any] struct {
	opts Options[T]
}

func New[T any](opts Options[T]) *Processor[T] {
	if opts.Registry == nil {
		panic("railsignal: processor registry cannot be nil")
	}
	if opts.Logger == nil {
		opts.Logger = logging.Nop()
	}
	return &Processor[T]{opts: opts}
}

// Handler returns the watermill handler. It always acks; see the package
// comment.
func (p *Processor[T]) Handler() message.HandlerFunc {
	return func(msg *message.Message) ([]*message.Message, error) {
		p.process(msg)
		return nil, nil
	}
}

func (p *Processor[T]) process(msg *message.Message) {
	correlationID := msg.Metadata.Get(metadata.KeyCorrelationID)

	var evt events.ResponseEvent
	if err := jsoncodec.Unmarshal(msg.Payload, &evt); err != nil {
		p.opts.Logger.Error("protocol violation: undecodable response envelope", err,
			logging.LogFields{"message_uuid": msg.UUID})
		return
	}

	switch evt.EventType {
	case events.EventTypeSuccess:
		p.handleSuccess(msg.Context(), evt, correlationID)
	case events.EventTypeError:
		p.handleError(msg.Context(), evt)
	default:
		p.opts.Logger.Error("protocol violation: unknown event type", nil,
			logging.LogFields{"event_type": string(evt.EventType), "key": evt.Key})
	}
}

func (p *Processor[T]) handleSuccess(ctx context.Context, evt events.ResponseEvent, correlationID string) {
	var value T
	if err := jsoncodec.Unmarshal([]byte(evt.Data.Message), &value); err != nil {
		p.opts.Logger.Error("protocol violation: undecodable success payload", err,
			logging.LogFields{"key": evt.Key})
		return
	}

	for _, sink := range p.opts.Sinks {
		sink(evt.Key, value)
	}

	if correlationID != "" {
		p.opts.Registry.CompleteCorrelationID(correlationID, value)
	} else {
		p.opts.Registry.Complete(evt.Key, value)
	}

	if p.opts.Cache == nil || !p.accepts(value) {
		return
	}
	if err := p.opts.Cache.Put(ctx, evt.Key, value); err != nil {
		p.opts.Logger.Error("response cache write failed", err, logging.LogFields{"key": evt.Key})
	}
}

func (p *Processor[T]) handleError(ctx context.Context, evt events.ResponseEvent) {
	if evt.Data.Status == events.StatusTooEarly {
		p.opts.Logger.Debug("data not available upstream yet", logging.LogFields{"key": evt.Key})
		if p.opts.TooEarly != nil {
			p.opts.TooEarly(ctx, evt.Key)
		}
		return
	}
	// Business failure, not a protocol one. Waiters run into their own
	// timeout rather than receiving a fabricated value.
	p.opts.Logger.Warn("collector reported failure", logging.LogFields{
		"key":     evt.Key,
		"status":  evt.Data.Status,
		"message": evt.Data.Message,
	})
}

func (p *Processor[T]) accepts(value T) bool {
	if p.opts.Validator != nil {
		if err := p.opts.Validator.Struct(value); err != nil {
			p.opts.Logger.Warn("decoded value failed validation", logging.LogFields{"error": err.Error()})
			return false
		}
	}
	if p.opts.Valid != nil && !p.opts.Valid(value) {
		return false
	}
	return true
}
