package transport

// Capabilities describes the delivery guarantees a broker offers to the pipeline.
type Capabilities struct {
	Name string

	// SupportsPartitioning means messages sharing a partition key land on the same
	// partition and are delivered in publish order.
	SupportsPartitioning bool

	// SupportsOrdering means the broker delivers a subscription in publish order.
	SupportsOrdering bool

	// SupportsNativeDLQ means the broker can dead-letter on its own. The pipeline
	// forwards to its dead-letter topic either way.
	SupportsNativeDLQ bool

	// SupportsAck and SupportsNack describe explicit acknowledgement. A nack
	// makes the broker redeliver, which the consumer relies on during shutdown.
	SupportsAck  bool
	SupportsNack bool

	// Persistent means published messages survive a process restart.
	Persistent bool

	// MaxMessageSize in bytes, 0 when unknown.
	MaxMessageSize int64
}

// SupportsRedelivery reports whether a message rejected during shutdown comes back later.
func (c Capabilities) SupportsRedelivery() bool {
	return c.SupportsAck && c.SupportsNack && c.Persistent
}

// PreservesKeyOrder reports whether same-key messages reach the consumer in publish order.
func (c Capabilities) PreservesKeyOrder() bool {
	return c.SupportsPartitioning || c.SupportsOrdering
}

var (
	ChannelCapabilities = Capabilities{
		Name:             "channel",
		SupportsOrdering: true,
		SupportsAck:      true,
		SupportsNack:     true,
	}

	KafkaCapabilities = Capabilities{
		Name:                 "kafka",
		SupportsPartitioning: true,
		SupportsAck:          true,
		Persistent:           true,
		MaxMessageSize:       1048576,
	}

	RabbitMQCapabilities = Capabilities{
		Name:              "rabbitmq",
		SupportsOrdering:  true,
		SupportsNativeDLQ: true,
		SupportsAck:       true,
		SupportsNack:      true,
		Persistent:        true,
	}

	NATSCapabilities = Capabilities{
		Name:           "nats",
		MaxMessageSize: 1048576,
	}

	AWSCapabilities = Capabilities{
		Name:              "aws",
		SupportsNativeDLQ: true,
		SupportsAck:       true,
		SupportsNack:      true,
		Persistent:        true,
		MaxMessageSize:    262144,
	}

	HTTPCapabilities = Capabilities{
		Name: "http",
	}
)

// GetCapabilities returns the capabilities registered for a transport name,
// or a zero value carrying only the name.
func GetCapabilities(transportName string) Capabilities {
	return DefaultRegistry.GetCapabilities(transportName)
}
