// Package transports registers all built-in transports with the default
// registry. Import it from a binary to make every backend selectable via
// the pubSubSystem config key.
package transports

import (
	_ "github.com/therealuhlarzoltan/railsignal/transport/channel"
	_ "github.com/therealuhlarzoltan/railsignal/transport/kafka"
	"github.com/therealuhlarzoltan/railsignal/transport/nats"
	"github.com/therealuhlarzoltan/railsignal/transport/rabbitmq"
)

func init() {
	rabbitmq.Register()
	nats.Register()
}
