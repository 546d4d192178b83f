package runtime

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/drblury/reelflow/internal/runtime/deadletter"
	"github.com/drblury/reelflow/internal/runtime/envelope"
	"github.com/drblury/reelflow/internal/runtime/handlers"
	loggingpkg "github.com/drblury/reelflow/internal/runtime/logging"
	metadatapkg "github.com/drblury/reelflow/internal/runtime/metadata"
	"github.com/drblury/reelflow/internal/runtime/retry"
)

const tracerName = "github.com/drblury/reelflow"

// unknownEventStatsKey collects stats for event names without a handler, so arbitrary
// names from the wire cannot grow the stats map.
const unknownEventStatsKey = "<unknown>"

func defaultTracer() trace.Tracer {
	return otel.Tracer(tracerName)
}

// process runs one envelope through the retry pipeline: dispatch to the registered handler,
// then broadcast the converted payload to live subscribers. When the retry budget is spent
// the raw message is forwarded to the dead-letter topic. The returned error is reported in
// the job completion event.
func (s *Service) process(ctx context.Context, env envelope.Envelope, raw string, md metadatapkg.Metadata) error {
	eventName := env.EventName()
	key := env.PartitionKey()

	ctx, span := s.tracer.Start(ctx, "ProcessEvent", trace.WithAttributes(
		attribute.String("reelflow.event_name", eventName),
		attribute.String("reelflow.partition_key", key),
		attribute.String("reelflow.correlation_id", md.CorrelationID()),
	))
	defer span.End()

	logger := s.Logger.With(loggingpkg.LogFields{
		"event_name":     eventName,
		"partition_key":  key,
		"correlation_id": md.CorrelationID(),
	})

	statsKey := eventName
	if !s.registry.Has(eventName) {
		statsKey = unknownEventStatsKey
	}
	stats := s.stats.forEvent(statsKey)
	stats.begin()
	start := time.Now()
	deadLettered := false

	unit := func(ctx context.Context, rc retry.Context) error {
		actx := handlers.WithMessageContext(ctx, handlers.MessageContext{
			EventName:    eventName,
			PartitionKey: key,
			Attempt:      rc.Attempt,
			Metadata:     md,
			Logger:       logger,
		})
		err := s.deliver(actx, env)
		if err != nil {
			stats.attemptFailed(s.stats.classifier(err), err)
			span.AddEvent("attempt failed", trace.WithAttributes(
				attribute.Int("reelflow.attempt", rc.Attempt),
				attribute.String("error", err.Error()),
			))
		}
		return err
	}

	onExhausted := func(rc retry.Context) {
		deadLettered = true
		s.deadLetter.Forward(ctx, deadletter.Failure{
			Original:      raw,
			EventName:     eventName,
			PartitionKey:  key,
			CorrelationID: md.CorrelationID(),
			Cause:         rc.LastError,
			Attempts:      rc.Attempt,
		})
	}

	outcome := s.retry.Run(ctx, unit, onExhausted)
	stats.finish(time.Since(start), outcome, deadLettered)

	span.SetAttributes(
		attribute.String("reelflow.outcome", string(outcome.State)),
		attribute.Int("reelflow.attempts", outcome.Attempts),
	)

	switch outcome.State {
	case retry.StateSucceeded:
		logger.Debug("Event processed", loggingpkg.LogFields{"attempts": outcome.Attempts})
		return nil
	case retry.StateCancelled:
		span.SetStatus(codes.Error, "cancelled")
		if outcome.LastError != nil {
			return outcome.LastError
		}
		return ctx.Err()
	default:
		span.RecordError(outcome.LastError)
		span.SetStatus(codes.Error, "retries exhausted")
		return outcome.LastError
	}
}

// deliver is one attempt: the handler runs first and its converted payload is then fanned
// out. A broadcast only fails when the payload cannot be encoded.
func (s *Service) deliver(ctx context.Context, env envelope.Envelope) error {
	value, err := s.registry.Dispatch(ctx, env)
	if err != nil {
		return err
	}
	if !env.HasPayload() {
		value = nil
	}
	_, err = s.broadcaster.Broadcast(env.EventName(), value)
	return err
}
