// Package reelflow is an event ingestion and delivery pipeline built on Watermill.
//
// Producers publish events as JSON envelopes ({"eventName": ..., "payload": ...})
// keyed by a partition key. The Service consumes them from the configured broker
// (Kafka, RabbitMQ, NATS, AWS SNS/SQS, HTTP, or in-process Go channels), hands each
// one to a bounded worker pool and runs the registered handler under a retry
// policy. Successful events are broadcast to every live subscriber stream (SSE or
// websocket); events that exhaust their retries are forwarded to a dead-letter
// topic together with the error that caused the failure. Every finished job emits
// a completion event.
//
// A minimal setup loads Config, creates a Service, registers handlers and calls
// Start:
//
//	conf, err := reelflow.LoadConfig("REELS")
//	svc, err := reelflow.NewService(conf, logger, reelflow.ServiceDependencies{})
//	err = svc.Handle(reelflow.JSON("postReel", func(ctx context.Context, r Reel) error {
//		return store.Save(ctx, r)
//	}, reelflow.WithValidator(reelflow.NewStructValidator())))
//	err = svc.Start(ctx)
//
// # HTTP API
//
// When APIPort is set the Service serves /api/events/publish, /api/events/register
// (server-sent events), /api/events/ws and /api/events/unregister alongside the
// /api/pipeline/stats and /api/pipeline/handlers introspection endpoints.
//
// # Ordering
//
// Events sharing a partition key are processed in publish order when
// WorkerKeyAffinity is enabled and the broker preserves per-key order.
package reelflow
