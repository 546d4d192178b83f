/*
Package runtime runs the reelflow event pipeline.

# Architecture Overview

A Service consumes envelopes ({"eventName": ..., "payload": ...}) from one input topic
through a Watermill router. The consumer hands every decoded envelope to the job runner
and returns, so the broker acknowledges the message before any handler runs. A worker then
drives the envelope through the retry pipeline:

	dispatch to the handler registered for the event name
	broadcast the converted payload to every live subscriber

When the retry budget is spent the raw message is forwarded to the dead-letter topic, and
every finished job publishes a completion event.

# Package Structure

## Core Service (service.go)

The Service wires the transport, router, middleware chain, job runner, retry runner,
dead-letter forwarder, broadcast registry and HTTP servers together.

## Pipeline (consumer.go, pipeline.go, producer.go)

  - consumer.go: broker message to job hand-off
  - pipeline.go: retry, dispatch, broadcast and dead-lettering of one envelope
  - producer.go: envelope publishing with partition key and correlation metadata

## Middleware (middleware.go)

Router middleware runs around the hand-off only: CorrelationID, LogMessages, Tracer,
Metrics and Recoverer.

## HTTP API (api.go)

Publish endpoint, SSE and websocket subscriber streams, unregister, and pipeline stats.

## Stats (stats.go, resources.go)

Per-event counters, latency percentiles, throughput and error categories, plus coarse
process resource usage.

# Sub-packages

  - broadcast/: live subscriber registry, SSE and websocket handlers
  - config/: service configuration with validation and env loading
  - deadletter/: dead-letter records and forwarding metrics
  - envelope/: the wire envelope
  - errors/: sentinel errors and the error taxonomy
  - handlers/: typed handler registrations and the dispatcher
  - ids/: ULID and UUID generation
  - jobs/: the worker pool and completion notifications
  - jsoncodec/: JSON marshaling
  - logging/: logger interface and adapters
  - metadata/: message metadata utilities
  - retry/: bounded retry with backoff
  - transport/: builds the broker publisher/subscriber pair

# Usage Example

	cfg, err := config.Load("REELS")
	if err != nil {
		return err
	}

	svc, err := runtime.NewService(cfg, logger, runtime.ServiceDependencies{})
	if err != nil {
		return err
	}

	err = svc.Handle(handlers.JSON("postReel", func(ctx context.Context, reel ReelDTO) error {
		return store.Save(ctx, reel)
	}, handlers.WithValidator(handlers.NewStructValidator())))

	go svc.Start(ctx)
	<-ctx.Done()
	svc.Stop(context.Background())
*/
package runtime
