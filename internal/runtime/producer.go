package runtime

import (
	"context"

	"github.com/ThreeDotsLabs/watermill/message"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/drblury/reelflow/internal/runtime/envelope"
	errspkg "github.com/drblury/reelflow/internal/runtime/errors"
	"github.com/drblury/reelflow/internal/runtime/handlers"
	idspkg "github.com/drblury/reelflow/internal/runtime/ids"
	loggingpkg "github.com/drblury/reelflow/internal/runtime/logging"
	metadatapkg "github.com/drblury/reelflow/internal/runtime/metadata"
)

// PublishResult describes an accepted publish.
type PublishResult struct {
	PartitionKey  string `json:"partitionKey"`
	MessageID     string `json:"messageId"`
	CorrelationID string `json:"correlationId"`
	Topic         string `json:"topic"`
}

// Producer wraps events in envelopes and publishes them to the input topic.
type Producer struct {
	publisher message.Publisher
	topic     string
	logger    loggingpkg.ServiceLogger
	tracer    trace.Tracer
}

// NewProducer returns a producer publishing to topic.
func NewProducer(publisher message.Publisher, topic string, logger loggingpkg.ServiceLogger, tracer trace.Tracer) (*Producer, error) {
	if publisher == nil {
		return nil, errspkg.ErrPublisherRequired
	}
	if topic == "" {
		return nil, errspkg.ErrTopicRequired
	}
	if logger == nil {
		logger = loggingpkg.NewNopLogger()
	}
	if tracer == nil {
		tracer = defaultTracer()
	}
	return &Producer{publisher: publisher, topic: topic, logger: logger, tracer: tracer}, nil
}

// Topic returns the topic events are published to.
func (p *Producer) Topic() string { return p.topic }

// Publish builds an envelope for eventName and publishes it. An empty key is replaced by a
// random UUID. The payload may be nil, a json.RawMessage or any JSON-marshallable value.
func (p *Producer) Publish(ctx context.Context, eventName string, payload any, key string) (PublishResult, error) {
	if key == "" {
		key = idspkg.NewPartitionKey()
	}
	env, err := envelope.New(eventName, payload, key)
	if err != nil {
		return PublishResult{}, err
	}
	return p.PublishEnvelope(ctx, env)
}

// PublishEnvelope publishes an already-built envelope. Broker failures are returned as
// *errors.BrokerDeliveryError.
func (p *Producer) PublishEnvelope(ctx context.Context, env envelope.Envelope) (PublishResult, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	key := env.PartitionKey()
	if key == "" {
		key = idspkg.NewPartitionKey()
		env = env.WithPartitionKey(key)
	}

	body, err := env.Encode()
	if err != nil {
		return PublishResult{}, err
	}

	correlationID := idspkg.CreateULID()
	if mc, ok := handlers.MessageContextFrom(ctx); ok && mc.CorrelationID() != "" {
		correlationID = mc.CorrelationID()
	}

	ctx, span := p.tracer.Start(ctx, "PublishEvent",
		trace.WithSpanKind(trace.SpanKindProducer),
		trace.WithAttributes(
			attribute.String("messaging.destination", p.topic),
			attribute.String("reelflow.event_name", env.EventName()),
			attribute.String("reelflow.partition_key", key),
		),
	)
	defer span.End()

	msg := message.NewMessage(idspkg.CreateULID(), body)
	msg.Metadata = metadatapkg.ToWatermill(metadatapkg.New(
		metadatapkg.KeyPartitionKey, key,
		metadatapkg.KeyEventName, env.EventName(),
		metadatapkg.KeyCorrelationID, correlationID,
	))
	if sc := span.SpanContext(); sc.HasTraceID() {
		msg.Metadata.Set(metadatapkg.KeyTraceID, sc.TraceID().String())
	}
	msg.SetContext(ctx)

	if err := p.publisher.Publish(p.topic, msg); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "publish failed")
		p.logger.Error("Failed to publish event", err, loggingpkg.LogFields{
			"topic":         p.topic,
			"event_name":    env.EventName(),
			"partition_key": key,
		})
		return PublishResult{}, &errspkg.BrokerDeliveryError{Topic: p.topic, Err: err}
	}

	p.logger.Debug("Event published", loggingpkg.LogFields{
		"topic":          p.topic,
		"event_name":     env.EventName(),
		"partition_key":  key,
		"message_uuid":   msg.UUID,
		"correlation_id": correlationID,
	})
	return PublishResult{
		PartitionKey:  key,
		MessageID:     msg.UUID,
		CorrelationID: correlationID,
		Topic:         p.topic,
	}, nil
}
