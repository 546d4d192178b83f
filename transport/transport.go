// Package transport defines the broker abstraction used by the event pipeline.
// Each broker lives in its own sub-package and registers a Builder with the
// registry under the PubSubSystem name it serves.
package transport

import (
	"context"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
)

// MetadataPartitionKey is the message metadata entry that carries the partition key.
// Partition-aware brokers route on it.
const MetadataPartitionKey = "partition_key"

// Transport combines a publisher and subscriber pair produced by a builder.
type Transport struct {
	Publisher  message.Publisher
	Subscriber message.Subscriber
}

// Close closes the publisher and, when it is a different value, the subscriber.
func (t Transport) Close() error {
	var firstErr error
	if t.Publisher != nil {
		firstErr = t.Publisher.Close()
	}
	if t.Subscriber != nil && any(t.Subscriber) != any(t.Publisher) {
		if err := t.Subscriber.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Builder creates a transport from config.
type Builder func(ctx context.Context, cfg Config, logger watermill.LoggerAdapter) (Transport, error)

// Config provides the values transports read. It keeps broker packages independent
// of the full service configuration.
type Config interface {
	GetServiceName() string
	GetPubSubSystem() string

	// Kafka
	GetKafkaBrokers() []string
	GetKafkaClientID() string
	GetKafkaConsumerGroup() string

	// RabbitMQ
	GetRabbitMQURL() string

	// NATS
	GetNATSURL() string

	// HTTP
	GetHTTPServerAddress() string
	GetHTTPPublisherURL() string

	// AWS
	GetAWSRegion() string
	GetAWSAccountID() string
	GetAWSAccessKeyID() string
	GetAWSSecretAccessKey() string
	GetAWSEndpoint() string
}

// CapabilitiesProvider is implemented by transports that can report their capabilities.
type CapabilitiesProvider interface {
	Capabilities() Capabilities
}

// PartitionKey returns the partition key carried by msg, if any.
func PartitionKey(msg *message.Message) string {
	if msg == nil {
		return ""
	}
	return msg.Metadata.Get(MetadataPartitionKey)
}
