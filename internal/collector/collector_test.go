package collector

import (
	"context"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"

	"github.com/therealuhlarzoltan/railsignal/internal/dispatch"
	"github.com/therealuhlarzoltan/railsignal/internal/events"
	"github.com/therealuhlarzoltan/railsignal/internal/jsoncodec"
	"github.com/therealuhlarzoltan/railsignal/internal/keys"
	"github.com/therealuhlarzoltan/railsignal/internal/metadata"
	"github.com/therealuhlarzoltan/railsignal/internal/reconcile"
)

type fakeSource struct {
	legs  []reconcile.Leg
	stops []reconcile.RawStop
	err   error
}

func (s *fakeSource) Name() string { return "fake" }

func (s *fakeSource) Timetable(ctx context.Context, from, to string, date time.Time) ([]reconcile.Leg, error) {
	return s.legs, s.err
}

func (s *fakeSource) StopTimes(ctx context.Context, leg reconcile.Leg, date time.Time) ([]reconcile.RawStop, error) {
	return s.stops, s.err
}

func clockAt(t time.Time) func() time.Time { return func() time.Time { return t } }

func tod(hour, minute int) *reconcile.TimeOfDay {
	return &reconcile.TimeOfDay{Hour: hour, Minute: minute}
}

const responseTopic = "railDelayDataResponses"

// fixture wires a collector over a gochannel broker and returns the
// response stream plus a publish helper for request events.
func fixture(t *testing.T, source reconcile.Source, now time.Time) (message.HandlerFunc, <-chan *message.Message) {
	t.Helper()
	pubSub := gochannel.NewGoChannel(gochannel.Config{}, watermill.NopLogger{})
	t.Cleanup(func() { pubSub.Close() })

	responses, err := pubSub.Subscribe(context.Background(), responseTopic)
	if err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}

	engine := reconcile.NewEngine(source, nil, reconcile.Config{Clock: clockAt(now)}, nil)
	c := New(engine, dispatch.New(pubSub, nil), responseTopic, nil)
	return c.Handler(), responses
}

func requestMessage(t *testing.T, key string, req DelayRequest, correlationID string) *message.Message {
	t.Helper()
	evt, err := events.NewRequest(key, req)
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	payload, err := jsoncodec.Marshal(evt)
	if err != nil {
		t.Fatalf("marshal request: %v", err)
	}
	msg := message.NewMessage("req-1", payload)
	if correlationID != "" {
		msg.Metadata.Set(metadata.KeyCorrelationID, correlationID)
	}
	return msg
}

func nextResponse(t *testing.T, responses <-chan *message.Message) (*message.Message, events.ResponseEvent) {
	t.Helper()
	select {
	case msg := <-responses:
		msg.Ack()
		var evt events.ResponseEvent
		if err := jsoncodec.Unmarshal(msg.Payload, &evt); err != nil {
			t.Fatalf("decode response: %v", err)
		}
		return msg, evt
	case <-time.After(2 * time.Second):
		t.Fatal("no response arrived")
		return nil, events.ResponseEvent{}
	}
}

func TestSuccessfulDelayRequest(t *testing.T) {
	source := &fakeSource{
		legs: []reconcile.Leg{{
			TrainNumber: "IC123",
			DetailsID:   "leg-1",
			Departure:   reconcile.TimeOfDay{Hour: 8},
			Arrival:     reconcile.TimeOfDay{Hour: 10},
		}},
		stops: []reconcile.RawStop{
			{StationCode: "BUDAPEST-DELI", ScheduledDeparture: tod(8, 0), ActualDeparture: tod(8, 5)},
			{StationCode: "GYOR", ScheduledArrival: tod(10, 0), ActualArrival: tod(10, 12)},
		},
	}
	handler, responses := fixture(t, source, time.Date(2025, 1, 1, 16, 0, 0, 0, time.UTC))

	key := keys.TrainStatus("IC123", time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC))
	req := DelayRequest{TrainNumber: "IC123", From: "Budapest-Déli", To: "Győr", Date: "2025-01-01"}
	if _, err := handler(requestMessage(t, key, req, "corr-42")); err != nil {
		t.Fatalf("handler errored: %v", err)
	}

	msg, evt := nextResponse(t, responses)
	if evt.EventType != events.EventTypeSuccess {
		t.Fatalf("event type = %s, message %q", evt.EventType, evt.Data.Message)
	}
	if evt.Key != key {
		t.Fatalf("key = %q, want %q", evt.Key, key)
	}
	if evt.Data.Status != events.StatusOK {
		t.Fatalf("status = %d", evt.Data.Status)
	}
	if got := msg.Metadata.Get(metadata.KeyCorrelationID); got != "corr-42" {
		t.Fatalf("correlation id not echoed, got %q", got)
	}

	var timeline []reconcile.DelayInfo
	if err := jsoncodec.Unmarshal([]byte(evt.Data.Message), &timeline); err != nil {
		t.Fatalf("decode timeline: %v", err)
	}
	if len(timeline) != 2 {
		t.Fatalf("expected 2 stops, got %d", len(timeline))
	}
	if got := timeline[1].ArrivalDelayMin; got == nil || *got != 12 {
		t.Fatalf("terminus delay = %v, want 12", got)
	}
}

func TestUnknownTrainAnswers404(t *testing.T) {
	source := &fakeSource{}
	handler, responses := fixture(t, source, time.Date(2025, 1, 1, 16, 0, 0, 0, time.UTC))

	req := DelayRequest{TrainNumber: "EC999", From: "A", To: "B", Date: "2025-01-01"}
	if _, err := handler(requestMessage(t, "k", req, "")); err != nil {
		t.Fatalf("handler errored: %v", err)
	}

	_, evt := nextResponse(t, responses)
	if evt.EventType != events.EventTypeError || evt.Data.Status != events.StatusNotFound {
		t.Fatalf("got %s/%d, want ERROR/404", evt.EventType, evt.Data.Status)
	}
}

func TestDataLostAnswers425(t *testing.T) {
	source := &fakeSource{
		legs: []reconcile.Leg{{
			TrainNumber: "IC123",
			DetailsID:   "leg-1",
			Departure:   reconcile.TimeOfDay{Hour: 8},
			Arrival:     reconcile.TimeOfDay{Hour: 10},
		}},
	}
	// Asking at 01:00 the next day for a daytime train.
	handler, responses := fixture(t, source, time.Date(2025, 1, 2, 1, 0, 0, 0, time.UTC))

	req := DelayRequest{TrainNumber: "IC123", From: "A", To: "B", Date: "2025-01-01"}
	if _, err := handler(requestMessage(t, "k", req, "")); err != nil {
		t.Fatalf("handler errored: %v", err)
	}

	_, evt := nextResponse(t, responses)
	if evt.Data.Status != events.StatusTooEarly {
		t.Fatalf("status = %d, want 425", evt.Data.Status)
	}
}

func TestBadDateAnswers400(t *testing.T) {
	handler, responses := fixture(t, &fakeSource{}, time.Now())

	req := DelayRequest{TrainNumber: "IC123", From: "A", To: "B", Date: "yesterday"}
	if _, err := handler(requestMessage(t, "k", req, "")); err != nil {
		t.Fatalf("handler errored: %v", err)
	}

	_, evt := nextResponse(t, responses)
	if evt.Data.Status != events.StatusBadRequest {
		t.Fatalf("status = %d, want 400", evt.Data.Status)
	}
}

func TestNonGetEnvelopeIsDropped(t *testing.T) {
	handler, responses := fixture(t, &fakeSource{}, time.Now())

	payload, _ := jsoncodec.Marshal(events.ResponseEvent{EventType: events.EventTypeSuccess, Key: "k"})
	if _, err := handler(message.NewMessage("odd", payload)); err != nil {
		t.Fatalf("handler errored: %v", err)
	}

	select {
	case msg := <-responses:
		t.Fatalf("unexpected response %s", msg.Payload)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestEmptyTimelineIsStillSuccess(t *testing.T) {
	source := &fakeSource{
		legs: []reconcile.Leg{{
			TrainNumber: "IC123",
			DetailsID:   "leg-1",
			Departure:   reconcile.TimeOfDay{Hour: 8},
			Arrival:     reconcile.TimeOfDay{Hour: 10},
		}},
	}
	// Mid-journey: nothing to report yet, but not an error either.
	handler, responses := fixture(t, source, time.Date(2025, 1, 1, 9, 0, 0, 0, time.UTC))

	req := DelayRequest{TrainNumber: "IC123", From: "A", To: "B", Date: "2025-01-01"}
	if _, err := handler(requestMessage(t, "k", req, "")); err != nil {
		t.Fatalf("handler errored: %v", err)
	}

	_, evt := nextResponse(t, responses)
	if evt.EventType != events.EventTypeSuccess {
		t.Fatalf("event type = %s", evt.EventType)
	}
	var timeline []reconcile.DelayInfo
	if err := jsoncodec.Unmarshal([]byte(evt.Data.Message), &timeline); err != nil {
		t.Fatalf("decode timeline: %v", err)
	}
	if len(timeline) != 0 {
		t.Fatalf("expected empty timeline, got %v", timeline)
	}
}
