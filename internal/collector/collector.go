// Package collector is the worker side of the request/response pipeline:
// it consumes delay data requests from the broker, drives the
// reconciliation engine, and answers on the response topic.
package collector

import (
	"fmt"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/therealuhlarzoltan/railsignal/internal/dispatch"
	"github.com/therealuhlarzoltan/railsignal/internal/events"
	"github.com/therealuhlarzoltan/railsignal/internal/jsoncodec"
	"github.com/therealuhlarzoltan/railsignal/internal/keys"
	"github.com/therealuhlarzoltan/railsignal/internal/logging"
	"github.com/therealuhlarzoltan/railsignal/internal/metadata"
	"github.com/therealuhlarzoltan/railsignal/internal/reconcile"
)

// DelayRequest is the payload of a rail delay data request.
type DelayRequest struct {
	TrainNumber string `json:"trainNumber"`
	From        string `json:"from"`
	To          string `json:"to"`
	Date        string `json:"date"`
}

// Collector answers delay requests for one source's engine.
type Collector struct {
	engine        *reconcile.Engine
	dispatcher    *dispatch.Dispatcher
	responseTopic string
	logger        logging.ServiceLogger
}

func New(engine *reconcile.Engine, dispatcher *dispatch.Dispatcher, responseTopic string, logger logging.ServiceLogger) *Collector {
	if engine == nil {
		panic("railsignal: collector engine cannot be nil")
	}
	if dispatcher == nil {
		panic("railsignal: collector dispatcher cannot be nil")
	}
	if logger == nil {
		logger = logging.Nop()
	}
	return &Collector{
		engine:        engine,
		dispatcher:    dispatcher,
		responseTopic: responseTopic,
		logger:        logger,
	}
}

// Handler returns the watermill handler for the request topic. Requests it
// cannot even parse are dropped: without a key there is nowhere to send an
// error response.
func (c *Collector) Handler() message.HandlerFunc {
	return func(msg *message.Message) ([]*message.Message, error) {
		c.process(msg)
		return nil, nil
	}
}

func (c *Collector) process(msg *message.Message) {
	correlationID := msg.Metadata.Get(metadata.KeyCorrelationID)

	var evt events.RequestEvent
	if err := jsoncodec.Unmarshal(msg.Payload, &evt); err != nil {
		c.logger.Error("protocol violation: undecodable request envelope", err,
			logging.LogFields{"message_uuid": msg.UUID})
		return
	}
	if evt.EventType != events.EventTypeGet {
		c.logger.Error("protocol violation: unexpected request event type", nil,
			logging.LogFields{"event_type": string(evt.EventType), "key": evt.Key})
		return
	}

	var req DelayRequest
	if err := jsoncodec.Unmarshal(evt.Data, &req); err != nil {
		c.respondError(msg, evt.Key, correlationID,
			events.NewError(evt.Key, "undecodable request payload", events.StatusBadRequest))
		return
	}
	date, err := time.Parse(keys.DateLayout, req.Date)
	if err != nil {
		c.respondError(msg, evt.Key, correlationID,
			events.NewError(evt.Key, fmt.Sprintf("bad travel date %q", req.Date), events.StatusBadRequest))
		return
	}

	timeline, err := c.engine.DelayTimeline(msg.Context(), req.TrainNumber, req.From, req.To, date)
	if err != nil {
		c.logger.Warn("delay reconciliation failed", logging.LogFields{
			"train": req.TrainNumber,
			"date":  req.Date,
			"error": err.Error(),
		})
		c.respondError(msg, evt.Key, correlationID,
			events.NewError(evt.Key, err.Error(), events.StatusForError(err)))
		return
	}

	response, err := events.NewSuccess(evt.Key, timeline)
	if err != nil {
		c.logger.Error("failed to encode delay timeline", err, logging.LogFields{"key": evt.Key})
		c.respondError(msg, evt.Key, correlationID,
			events.NewError(evt.Key, "failed to encode response", events.StatusInternal))
		return
	}
	if err := c.dispatcher.PublishResponse(msg.Context(), c.responseTopic, response, correlationID); err != nil {
		c.logger.Error("failed to publish delay response", err, logging.LogFields{"key": evt.Key})
	}
}

func (c *Collector) respondError(msg *message.Message, key, correlationID string, evt events.ResponseEvent) {
	if err := c.dispatcher.PublishResponse(msg.Context(), c.responseTopic, evt, correlationID); err != nil {
		c.logger.Error("failed to publish error response", err, logging.LogFields{"key": key})
	}
}
