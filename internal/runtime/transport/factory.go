// Package transport builds the broker publisher/subscriber pair for a Service.
package transport

import (
	"context"

	"github.com/ThreeDotsLabs/watermill"

	"github.com/drblury/reelflow/internal/runtime/config"
	errspkg "github.com/drblury/reelflow/internal/runtime/errors"
	brokers "github.com/drblury/reelflow/transport"

	// Registers the built-in brokers with the default registry.
	_ "github.com/drblury/reelflow/transport/transports"
)

// Transport is the publisher/subscriber pair a Service runs on.
type Transport = brokers.Transport

// Factory abstracts how the service obtains its transport, so tests and embedders
// can inject one.
type Factory interface {
	Build(ctx context.Context, conf *config.Config, logger watermill.LoggerAdapter) (Transport, error)
}

// FactoryFunc adapts a function to Factory.
type FactoryFunc func(ctx context.Context, conf *config.Config, logger watermill.LoggerAdapter) (Transport, error)

func (f FactoryFunc) Build(ctx context.Context, conf *config.Config, logger watermill.LoggerAdapter) (Transport, error) {
	return f(ctx, conf, logger)
}

// DefaultFactory builds transports through the modular broker registry.
func DefaultFactory() Factory {
	return registryFactory{registry: brokers.DefaultRegistry}
}

// RegistryFactory builds transports from a specific registry.
func RegistryFactory(registry *brokers.Registry) Factory {
	return registryFactory{registry: registry}
}

// Static returns a factory that always hands out t. Useful when the caller owns the broker.
func Static(t Transport) Factory {
	return FactoryFunc(func(context.Context, *config.Config, watermill.LoggerAdapter) (Transport, error) {
		return t, nil
	})
}

type registryFactory struct {
	registry *brokers.Registry
}

func (f registryFactory) Build(ctx context.Context, conf *config.Config, logger watermill.LoggerAdapter) (Transport, error) {
	if conf == nil {
		return Transport{}, errspkg.ErrConfigRequired
	}
	return f.registry.Build(ctx, conf, logger)
}

// Capabilities returns what the configured broker guarantees.
func Capabilities(conf *config.Config) brokers.Capabilities {
	if conf == nil {
		return brokers.Capabilities{}
	}
	return brokers.GetCapabilities(conf.PubSubSystem)
}
