// Package transports imports all built-in transports for auto-registration.
// Import this package to have every backend registered with the default
// registry.
package transports

import (
	_ "github.com/zutils/protocols/transport/channel"
	_ "github.com/zutils/protocols/transport/http"
	_ "github.com/zutils/protocols/transport/kafka"
	_ "github.com/zutils/protocols/transport/nats"
	_ "github.com/zutils/protocols/transport/rabbitmq"
)
