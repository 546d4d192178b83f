package runtime

import (
	"errors"

	"github.com/ThreeDotsLabs/watermill/components/metrics"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/message/router/middleware"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	idspkg "github.com/drblury/reelflow/internal/runtime/ids"
	loggingpkg "github.com/drblury/reelflow/internal/runtime/logging"
	metadatapkg "github.com/drblury/reelflow/internal/runtime/metadata"
)

// MiddlewareBuilder constructs a handler middleware using the provided service instance.
type MiddlewareBuilder func(*Service) (message.HandlerMiddleware, error)

// MiddlewareRegistration captures how a middleware should be registered on a Service router.
// A Builder returning a nil middleware skips the registration.
type MiddlewareRegistration struct {
	Name       string
	Middleware message.HandlerMiddleware
	Builder    MiddlewareBuilder
}

// DefaultMiddlewares returns the chain installed by NewService, outermost first.
// Retries and dead-lettering happen inside the pipeline, after the job hand-off.
func DefaultMiddlewares() []MiddlewareRegistration {
	return []MiddlewareRegistration{
		CorrelationIDMiddleware(),
		LogMessagesMiddleware(nil),
		TracerMiddleware(),
		MetricsMiddleware(),
		RecovererMiddleware(),
	}
}

// MetricsMiddleware adds the watermill Prometheus router metrics when metrics are enabled.
func MetricsMiddleware() MiddlewareRegistration {
	return MiddlewareRegistration{
		Name: "metrics",
		Builder: func(s *Service) (message.HandlerMiddleware, error) {
			if !s.Conf.MetricsEnabled {
				return nil, nil
			}
			builder := metrics.NewPrometheusMetricsBuilder(s.registerer, "reelflow", s.Conf.PubSubSystem)
			builder.AddPrometheusRouterMetrics(s.router)
			return builder.NewRouterMiddleware().Middleware, nil
		},
	}
}

// CorrelationIDMiddleware ensures each consumed message carries a correlation identifier.
func CorrelationIDMiddleware() MiddlewareRegistration {
	return MiddlewareRegistration{
		Name: "correlation_id",
		Middleware: func(h message.HandlerFunc) message.HandlerFunc {
			return func(msg *message.Message) ([]*message.Message, error) {
				if msg.Metadata.Get(metadatapkg.KeyCorrelationID) == "" {
					msg.Metadata.Set(metadatapkg.KeyCorrelationID, idspkg.CreateULID())
				}
				return h(msg)
			}
		},
	}
}

// LogMessagesMiddleware logs payload and metadata of consumed messages at debug level.
// A nil logger uses the service logger.
func LogMessagesMiddleware(logger loggingpkg.ServiceLogger) MiddlewareRegistration {
	return MiddlewareRegistration{
		Name: "log_messages",
		Builder: func(s *Service) (message.HandlerMiddleware, error) {
			l := logger
			if l == nil {
				l = s.Logger
			}
			if l == nil {
				return nil, errors.New("log messages middleware requires a logger")
			}
			return func(h message.HandlerFunc) message.HandlerFunc {
				return func(msg *message.Message) ([]*message.Message, error) {
					l.Debug("Consuming message", loggingpkg.LogFields{
						"message_uuid": msg.UUID,
						"payload":      string(msg.Payload),
						"metadata":     msg.Metadata,
					})
					return h(msg)
				}
			}, nil
		},
	}
}

// TracerMiddleware opens a span around the intake of each message. The pipeline span
// started by the job worker is its child.
func TracerMiddleware() MiddlewareRegistration {
	return MiddlewareRegistration{
		Name: "tracer",
		Builder: func(s *Service) (message.HandlerMiddleware, error) {
			tracer := s.tracer
			return func(h message.HandlerFunc) message.HandlerFunc {
				return func(msg *message.Message) ([]*message.Message, error) {
					ctx, span := tracer.Start(msg.Context(), "ConsumeMessage",
						trace.WithSpanKind(trace.SpanKindConsumer),
						trace.WithAttributes(
							attribute.String("message.uuid", msg.UUID),
							attribute.String("messaging.destination", s.Conf.InputTopic),
							attribute.String("reelflow.partition_key", msg.Metadata.Get(metadatapkg.KeyPartitionKey)),
						),
					)
					defer span.End()
					msg.SetContext(ctx)

					out, err := h(msg)
					if err != nil {
						span.RecordError(err)
					}
					return out, err
				}
			}, nil
		},
	}
}

// RecovererMiddleware converts handler panics into errors so the router keeps consuming.
func RecovererMiddleware() MiddlewareRegistration {
	return MiddlewareRegistration{
		Name:       "recoverer",
		Middleware: middleware.Recoverer,
	}
}

// RegisterMiddleware attaches the supplied middleware to the router.
func (s *Service) RegisterMiddleware(cfg MiddlewareRegistration) error {
	if s.router == nil {
		return errors.New("router is not initialised")
	}

	var mw message.HandlerMiddleware
	switch {
	case cfg.Middleware != nil:
		mw = cfg.Middleware
	case cfg.Builder != nil:
		var err error
		mw, err = cfg.Builder(s)
		if err != nil {
			return err
		}
	default:
		return errors.New("middleware registration requires Middleware or Builder")
	}

	if mw == nil {
		return nil
	}

	s.router.AddMiddleware(mw)
	return nil
}
