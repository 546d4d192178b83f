package runtime

import (
	"context"

	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/drblury/reelflow/internal/runtime/envelope"
	loggingpkg "github.com/drblury/reelflow/internal/runtime/logging"
	metadatapkg "github.com/drblury/reelflow/internal/runtime/metadata"
)

const consumerHandlerName = "reelflow_consumer"

// consume hands a broker message to the job runner and returns once it is queued, so the
// broker acknowledges before the handler runs. Undecodable messages are dropped. A runner
// that is shutting down rejects the message and the broker redelivers it.
func (s *Service) consume(msg *message.Message) error {
	env, err := envelope.Decode(msg.Payload)
	if err != nil {
		s.Logger.Warn("Dropping undecodable message", loggingpkg.LogFields{
			"message_uuid": msg.UUID,
			"payload":      string(msg.Payload),
			"error":        err.Error(),
		})
		s.malformed.Add(1)
		return nil
	}

	md := metadatapkg.FromWatermill(msg.Metadata)
	key := md.PartitionKey()
	if key == "" {
		key = env.PartitionKey()
	}
	env = env.WithPartitionKey(key)
	raw := string(msg.Payload)

	record, err := s.runner.Submit(msg.Context(), key, env.EventName(), func(ctx context.Context) error {
		return s.process(ctx, env, raw, md)
	})
	if err != nil {
		s.Logger.Warn("Job runner rejected message", loggingpkg.LogFields{
			"message_uuid": msg.UUID,
			"event_name":   env.EventName(),
			"error":        err.Error(),
		})
		return err
	}

	s.Logger.Trace("Message handed off", loggingpkg.LogFields{
		"message_uuid": msg.UUID,
		"job_id":       record.JobID,
		"event_name":   env.EventName(),
	})
	return nil
}
