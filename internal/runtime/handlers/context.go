package handlers

import (
	"context"

	loggingpkg "github.com/drblury/reelflow/internal/runtime/logging"
	metadatapkg "github.com/drblury/reelflow/internal/runtime/metadata"
)

// MessageContext describes the delivery a handler action is running for.
// The pipeline attaches it to the context passed to every action.
type MessageContext struct {
	EventName    string
	PartitionKey string
	Attempt      int
	Metadata     metadatapkg.Metadata
	Logger       loggingpkg.ServiceLogger
}

// CloneMetadata returns a copy of the current metadata map so actions can safely
// mutate headers without touching the original map.
func (c MessageContext) CloneMetadata() metadatapkg.Metadata {
	return c.Metadata.Clone()
}

// Get retrieves a metadata value by key.
func (c MessageContext) Get(key string) string {
	return c.Metadata[key]
}

// CorrelationID returns the correlation ID from metadata, if present.
func (c MessageContext) CorrelationID() string {
	return c.Metadata.CorrelationID()
}

type messageContextKey struct{}

// WithMessageContext returns a child context carrying mc.
func WithMessageContext(ctx context.Context, mc MessageContext) context.Context {
	return context.WithValue(ctx, messageContextKey{}, mc)
}

// MessageContextFrom returns the delivery details attached by the pipeline.
func MessageContextFrom(ctx context.Context) (MessageContext, bool) {
	mc, ok := ctx.Value(messageContextKey{}).(MessageContext)
	return mc, ok
}
