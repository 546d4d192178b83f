// Package nats provides NATS transports: core NATS under "nats" and a JetStream
// backed variant under "nats-jetstream" that persists and redelivers messages.
package nats

import (
	"context"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-nats/v2/pkg/nats"
	"github.com/ThreeDotsLabs/watermill/message"
	nc "github.com/nats-io/nats.go"

	"github.com/drblury/reelflow/transport"
)

const (
	TransportName          = "nats"
	JetStreamTransportName = "nats-jetstream"

	reconnectWait = 2 * time.Second
)

// JetStreamCapabilities describes the JetStream backed transport.
var JetStreamCapabilities = transport.Capabilities{
	Name:             JetStreamTransportName,
	SupportsOrdering: true,
	SupportsAck:      true,
	SupportsNack:     true,
	Persistent:       true,
	MaxMessageSize:   1048576,
}

// PublisherFactory allows overriding the publisher creation for testing.
var PublisherFactory = func(cfg nats.PublisherConfig, logger watermill.LoggerAdapter) (message.Publisher, error) {
	return nats.NewPublisher(cfg, logger)
}

// SubscriberFactory allows overriding the subscriber creation for testing.
var SubscriberFactory = func(cfg nats.SubscriberConfig, logger watermill.LoggerAdapter) (message.Subscriber, error) {
	return nats.NewSubscriber(cfg, logger)
}

func init() {
	Register()
}

// Register adds both NATS transports to the default registry.
func Register() {
	transport.RegisterWithCapabilities(TransportName, Build, transport.NATSCapabilities)
	transport.RegisterWithCapabilities(JetStreamTransportName, BuildJetStream, JetStreamCapabilities)
}

// Build creates a core NATS transport.
func Build(_ context.Context, cfg transport.Config, logger watermill.LoggerAdapter) (transport.Transport, error) {
	return build(cfg, nats.JetStreamConfig{Disabled: true}, logger)
}

// BuildJetStream creates a JetStream transport with auto-provisioned streams and
// durable consumers named after the service.
func BuildJetStream(_ context.Context, cfg transport.Config, logger watermill.LoggerAdapter) (transport.Transport, error) {
	return build(cfg, nats.JetStreamConfig{
		AutoProvision: true,
		TrackMsgId:    true,
		DurablePrefix: cfg.GetServiceName(),
	}, logger)
}

// ConnectOptions returns the client options shared by publisher and subscriber.
func ConnectOptions(name string) []nc.Option {
	opts := []nc.Option{
		nc.RetryOnFailedConnect(true),
		nc.MaxReconnects(-1),
		nc.ReconnectWait(reconnectWait),
	}
	if name != "" {
		opts = append(opts, nc.Name(name))
	}
	return opts
}

func build(cfg transport.Config, js nats.JetStreamConfig, logger watermill.LoggerAdapter) (transport.Transport, error) {
	url := cfg.GetNATSURL()
	options := ConnectOptions(cfg.GetServiceName())
	marshaler := &nats.NATSMarshaler{}

	publisher, err := PublisherFactory(
		nats.PublisherConfig{
			URL:         url,
			NatsOptions: options,
			Marshaler:   marshaler,
			JetStream:   js,
		},
		logger,
	)
	if err != nil {
		return transport.Transport{}, err
	}

	subscriber, err := SubscriberFactory(
		nats.SubscriberConfig{
			URL:              url,
			QueueGroupPrefix: cfg.GetServiceName(),
			NatsOptions:      options,
			Unmarshaler:      marshaler,
			JetStream:        js,
		},
		logger,
	)
	if err != nil {
		_ = publisher.Close()
		return transport.Transport{}, err
	}

	return transport.Transport{
		Publisher:  publisher,
		Subscriber: subscriber,
	}, nil
}

// Capabilities returns the capabilities of the core NATS transport.
func Capabilities() transport.Capabilities {
	return transport.NATSCapabilities
}
