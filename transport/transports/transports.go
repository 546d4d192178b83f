// Package transports registers every built-in broker with the default transport registry.
package transports

import (
	_ "github.com/drblury/reelflow/transport/aws"
	_ "github.com/drblury/reelflow/transport/channel"
	_ "github.com/drblury/reelflow/transport/http"
	_ "github.com/drblury/reelflow/transport/kafka"
	_ "github.com/drblury/reelflow/transport/nats"
	_ "github.com/drblury/reelflow/transport/rabbitmq"
)
