// Package events defines the request/response envelopes exchanged over the
// broker between the aggregator and collector services.
package events

import (
	"encoding/json"
	"errors"

	"github.com/therealuhlarzoltan/railsignal/internal/gateway"
	"github.com/therealuhlarzoltan/railsignal/internal/jsoncodec"
	"github.com/therealuhlarzoltan/railsignal/internal/reconcile"
)

// EventType tags the outcome of a broker event. The set is closed: the
// response processor switches exhaustively and drops anything else as a
// protocol violation.
type EventType string

const (
	EventTypeGet     EventType = "GET"
	EventTypeSuccess EventType = "SUCCESS"
	EventTypeError   EventType = "ERROR"
)

// HTTP-style status codes carried in response events. StatusTooEarly marks
// data that does not exist yet upstream (schedule window not elapsed); the
// processor reacts to it by marking the train complete in the status cache
// so pollers stop retrying.
const (
	StatusOK          = 200
	StatusBadRequest  = 400
	StatusNotFound    = 404
	StatusTooEarly    = 425
	StatusInternal    = 500
	StatusUnavailable = 502
)

// RequestEvent asks a collector to produce data for the given key.
type RequestEvent struct {
	EventType EventType       `json:"eventType"`
	Key       string          `json:"key"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// ResponseData carries either a JSON-encoded payload (SUCCESS) or an error
// description (ERROR), plus an HTTP-style status.
type ResponseData struct {
	Message string `json:"message"`
	Status  int    `json:"status"`
}

// ResponseEvent answers a RequestEvent. Only SUCCESS events complete the
// value side of the correlation registry.
type ResponseEvent struct {
	EventType EventType    `json:"eventType"`
	Key       string       `json:"key"`
	Data      ResponseData `json:"data"`
}

// NewRequest builds a GET request event, JSON-encoding the payload.
func NewRequest(key string, payload any) (RequestEvent, error) {
	evt := RequestEvent{EventType: EventTypeGet, Key: key}
	if payload != nil {
		data, err := jsoncodec.Marshal(payload)
		if err != nil {
			return RequestEvent{}, err
		}
		evt.Data = data
	}
	return evt, nil
}

// NewSuccess builds a SUCCESS response whose message is the JSON encoding of
// the payload.
func NewSuccess(key string, payload any) (ResponseEvent, error) {
	body, err := jsoncodec.Marshal(payload)
	if err != nil {
		return ResponseEvent{}, err
	}
	return ResponseEvent{
		EventType: EventTypeSuccess,
		Key:       key,
		Data:      ResponseData{Message: string(body), Status: StatusOK},
	}, nil
}

// NewError builds an ERROR response carrying a human-readable description
// and the taxonomy-derived status code.
func NewError(key, description string, status int) ResponseEvent {
	return ResponseEvent{
		EventType: EventTypeError,
		Key:       key,
		Data:      ResponseData{Message: description, Status: status},
	}
}

// StatusForError maps a collector-side failure to the status code the
// response event carries. Trains absent from service are a 404; data the
// upstream has not produced yet, or has already dropped, is a 425 so the
// requester knows to stop asking for today.
func StatusForError(err error) int {
	var notInService *reconcile.NotInServiceError
	if errors.As(err, &notInService) {
		return StatusNotFound
	}
	var lost *reconcile.DataLostError
	if errors.As(err, &lost) {
		return StatusTooEarly
	}
	switch gateway.KindOf(err) {
	case gateway.KindNotFound:
		return StatusNotFound
	case gateway.KindRejected:
		return StatusBadRequest
	case gateway.KindUnavailable:
		return StatusUnavailable
	default:
		return StatusInternal
	}
}
