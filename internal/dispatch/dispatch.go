// Package dispatch publishes request and response events to named broker
// destinations, optionally threading a correlation id through the headers.
package dispatch

import (
	"context"
	"fmt"

	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/therealuhlarzoltan/railsignal/internal/events"
	"github.com/therealuhlarzoltan/railsignal/internal/ids"
	"github.com/therealuhlarzoltan/railsignal/internal/jsoncodec"
	"github.com/therealuhlarzoltan/railsignal/internal/logging"
	metadatapkg "github.com/therealuhlarzoltan/railsignal/internal/metadata"
)

// Dispatcher wraps a Watermill publisher with the event envelope plumbing.
type Dispatcher struct {
	publisher message.Publisher
	logger    logging.ServiceLogger
}

// New constructs a Dispatcher over the given publisher.
func New(publisher message.Publisher, logger logging.ServiceLogger) *Dispatcher {
	if publisher == nil {
		panic("railsignal: dispatcher publisher cannot be nil")
	}
	if logger == nil {
		logger = logging.Nop()
	}
	return &Dispatcher{publisher: publisher, logger: logger}
}

// PublishRequest emits a GET request event for key onto topic. correlationID
// may be empty, in which case the response is routed back by wait key alone.
func (d *Dispatcher) PublishRequest(ctx context.Context, topic, key string, payload any, correlationID string) error {
	evt, err := events.NewRequest(key, payload)
	if err != nil {
		return fmt.Errorf("encode request payload for %s: %w", key, err)
	}
	return d.publish(ctx, topic, evt, correlationID)
}

// PublishResponse emits a response event, echoing the correlation id of the
// originating request when one was present.
func (d *Dispatcher) PublishResponse(ctx context.Context, topic string, evt events.ResponseEvent, correlationID string) error {
	return d.publish(ctx, topic, evt, correlationID)
}

func (d *Dispatcher) publish(ctx context.Context, topic string, evt any, correlationID string) error {
	payload, err := jsoncodec.Marshal(evt)
	if err != nil {
		return fmt.Errorf("encode event for topic %s: %w", topic, err)
	}

	msg := message.NewMessage(ids.NewMessageID(), payload)
	if correlationID != "" {
		msg.Metadata.Set(metadatapkg.KeyCorrelationID, correlationID)
	}
	if ctx != nil {
		msg.SetContext(ctx)
	}

	if err := d.publisher.Publish(topic, msg); err != nil {
		d.logger.Error("failed to publish event", err, logging.LogFields{
			"topic":        topic,
			"message_uuid": msg.UUID,
		})
		return fmt.Errorf("publish to %s: %w", topic, err)
	}

	d.logger.Debug("published event", logging.LogFields{
		"topic":        topic,
		"message_uuid": msg.UUID,
	})
	return nil
}
