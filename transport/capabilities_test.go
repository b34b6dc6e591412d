package transport

import "testing"

func TestRequiresDLQEmulation(t *testing.T) {
	if RabbitMQCapabilities.RequiresDLQEmulation() {
		t.Fatal("rabbitmq has a native DLQ")
	}
	for _, caps := range []Capabilities{ChannelCapabilities, KafkaCapabilities, NATSCapabilities} {
		if !caps.RequiresDLQEmulation() {
			t.Fatalf("%s should need poison-queue middleware", caps.Name)
		}
	}
}

func TestSupportsReliableDelivery(t *testing.T) {
	if !ChannelCapabilities.SupportsReliableDelivery() {
		t.Fatal("channel supports ack and nack")
	}
	if NATSCapabilities.SupportsReliableDelivery() {
		t.Fatal("nats core is at-most-once")
	}
}
