package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"

	"github.com/therealuhlarzoltan/railsignal/internal/config"
	"github.com/therealuhlarzoltan/railsignal/internal/logging"
	metadatapkg "github.com/therealuhlarzoltan/railsignal/internal/metadata"
	"github.com/therealuhlarzoltan/railsignal/transport"
	_ "github.com/therealuhlarzoltan/railsignal/transport/channel"
)

func testConfig() config.Config {
	conf := config.Default()
	conf.WaitTimeout = time.Second
	return conf
}

func inMemoryTransport() *transport.Transport {
	pubsub := gochannel.NewGoChannel(gochannel.Config{}, watermill.NopLogger{})
	return &transport.Transport{Publisher: pubsub, Subscriber: pubsub}
}

func startService(t *testing.T, svc *Service) context.CancelFunc {
	t.Helper()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- svc.Start(ctx) }()

	select {
	case <-svc.Running():
	case err := <-done:
		cancel()
		t.Fatalf("router stopped before running: %v", err)
	case <-time.After(5 * time.Second):
		cancel()
		t.Fatal("router did not start")
	}

	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Error("router did not stop")
		}
	})
	return cancel
}

func TestMessageHandlerRoundTrip(t *testing.T) {
	conf := testConfig()
	svc, err := New(context.Background(), &conf, logging.Nop(), Options{
		Transport: inMemoryTransport(),
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	err = svc.RegisterMessageHandler(MessageHandlerRegistration{
		Name:         "echo",
		ConsumeTopic: "requests",
		PublishTopic: "responses",
		Handler: func(msg *message.Message) ([]*message.Message, error) {
			out := message.NewMessage(watermill.NewUUID(), msg.Payload)
			return []*message.Message{out}, nil
		},
	})
	if err != nil {
		t.Fatalf("RegisterMessageHandler: %v", err)
	}

	responses, err := svc.Subscriber().Subscribe(context.Background(), "responses")
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	startService(t, svc)

	msg := message.NewMessage(watermill.NewUUID(), []byte(`{"train":"IC 123"}`))
	if err := svc.Publisher().Publish("requests", msg); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	select {
	case got := <-responses:
		got.Ack()
		if string(got.Payload) != `{"train":"IC 123"}` {
			t.Fatalf("payload = %q", got.Payload)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no response received")
	}
}

func TestCorrelationIDInjectedWhenMissing(t *testing.T) {
	conf := testConfig()
	svc, err := New(context.Background(), &conf, logging.Nop(), Options{
		Transport: inMemoryTransport(),
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	seen := make(chan string, 1)
	err = svc.RegisterConsumerHandler(ConsumerHandlerRegistration{
		Name:         "capture",
		ConsumeTopic: "requests",
		Handler: func(msg *message.Message) error {
			seen <- msg.Metadata.Get(metadatapkg.KeyCorrelationID)
			return nil
		},
	})
	if err != nil {
		t.Fatalf("RegisterConsumerHandler: %v", err)
	}

	startService(t, svc)

	msg := message.NewMessage(watermill.NewUUID(), []byte(`{}`))
	if err := svc.Publisher().Publish("requests", msg); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	select {
	case id := <-seen:
		if id == "" {
			t.Fatal("correlation id was not injected")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("handler was not invoked")
	}
}

func TestCorrelationIDPreserved(t *testing.T) {
	conf := testConfig()
	svc, err := New(context.Background(), &conf, logging.Nop(), Options{
		Transport: inMemoryTransport(),
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	seen := make(chan string, 1)
	err = svc.RegisterConsumerHandler(ConsumerHandlerRegistration{
		Name:         "capture",
		ConsumeTopic: "requests",
		Handler: func(msg *message.Message) error {
			seen <- msg.Metadata.Get(metadatapkg.KeyCorrelationID)
			return nil
		},
	})
	if err != nil {
		t.Fatalf("RegisterConsumerHandler: %v", err)
	}

	startService(t, svc)

	msg := message.NewMessage(watermill.NewUUID(), []byte(`{}`))
	msg.Metadata.Set(metadatapkg.KeyCorrelationID, "corr-77")
	if err := svc.Publisher().Publish("requests", msg); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	select {
	case id := <-seen:
		if id != "corr-77" {
			t.Fatalf("correlation id = %q, want corr-77", id)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("handler was not invoked")
	}
}

func TestTransportBuiltFromRegistry(t *testing.T) {
	conf := testConfig()
	svc, err := New(context.Background(), &conf, logging.Nop(), Options{})
	if err != nil {
		t.Fatalf("New with channel transport: %v", err)
	}
	if svc.Publisher() == nil || svc.Subscriber() == nil {
		t.Fatal("transport was not built")
	}
}

func TestUnknownTransportFailsConstruction(t *testing.T) {
	conf := testConfig()
	conf.PubSubSystem = "carrier-pigeon"
	_, err := New(context.Background(), &conf, logging.Nop(), Options{})
	if err == nil {
		t.Fatal("expected error for unknown transport")
	}
}

func TestPoisonQueueReceivesFailedMessages(t *testing.T) {
	conf := testConfig()
	conf.PoisonQueue = "poison"
	conf.RetryMaxRetries = 1
	conf.RetryInitialInterval = time.Millisecond
	conf.RetryMaxInterval = time.Millisecond

	svc, err := New(context.Background(), &conf, logging.Nop(), Options{
		Transport: inMemoryTransport(),
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	err = svc.RegisterConsumerHandler(ConsumerHandlerRegistration{
		Name:         "always-fails",
		ConsumeTopic: "requests",
		Handler: func(msg *message.Message) error {
			return errors.New("boom")
		},
	})
	if err != nil {
		t.Fatalf("RegisterConsumerHandler: %v", err)
	}

	poisoned, err := svc.Subscriber().Subscribe(context.Background(), "poison")
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	startService(t, svc)

	msg := message.NewMessage(watermill.NewUUID(), []byte(`{}`))
	if err := svc.Publisher().Publish("requests", msg); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	select {
	case got := <-poisoned:
		got.Ack()
	case <-time.After(5 * time.Second):
		t.Fatal("message never reached the poison queue")
	}
}

func TestRegistrationValidation(t *testing.T) {
	conf := testConfig()
	svc, err := New(context.Background(), &conf, logging.Nop(), Options{
		Transport: inMemoryTransport(),
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	noop := func(msg *message.Message) ([]*message.Message, error) { return nil, nil }

	if err := svc.RegisterMessageHandler(MessageHandlerRegistration{
		ConsumeTopic: "a", PublishTopic: "b", Handler: noop,
	}); err == nil {
		t.Error("expected error for missing name")
	}
	if err := svc.RegisterMessageHandler(MessageHandlerRegistration{
		Name: "h", PublishTopic: "b", Handler: noop,
	}); err == nil {
		t.Error("expected error for missing consume topic")
	}
	if err := svc.RegisterMessageHandler(MessageHandlerRegistration{
		Name: "h", ConsumeTopic: "a", PublishTopic: "b",
	}); err == nil {
		t.Error("expected error for missing handler")
	}
	if err := svc.RegisterConsumerHandler(ConsumerHandlerRegistration{
		Name: "h",
	}); err == nil {
		t.Error("expected error for consumer handler without topic and handler")
	}
}
