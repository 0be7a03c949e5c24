// Package transports imports all built-in transports for auto-registration.
// Import this package to have all transports registered with the default registry.
package transports

import (
	_ "github.com/wuayee/fitbroker/transport/channel"
	_ "github.com/wuayee/fitbroker/transport/http"
	_ "github.com/wuayee/fitbroker/transport/kafka"
	_ "github.com/wuayee/fitbroker/transport/nats"
	_ "github.com/wuayee/fitbroker/transport/rabbitmq"
)
