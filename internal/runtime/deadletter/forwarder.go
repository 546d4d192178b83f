// Package deadletter publishes messages whose processing was exhausted to a dead-letter topic.
package deadletter

import (
	"context"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"

	errspkg "github.com/drblury/reelflow/internal/runtime/errors"
	idspkg "github.com/drblury/reelflow/internal/runtime/ids"
	jsoncodec "github.com/drblury/reelflow/internal/runtime/jsoncodec"
	loggingpkg "github.com/drblury/reelflow/internal/runtime/logging"
	metadatapkg "github.com/drblury/reelflow/internal/runtime/metadata"
)

// Record is the body published on the dead-letter topic.
type Record struct {
	OriginalMessage string `json:"originalMessage"`
	Error           string `json:"error"`
	ErrorType       string `json:"errorType"`
	// Timestamp is in Unix milliseconds.
	Timestamp int64 `json:"timestamp"`
}

// NewRecord describes cause for the message rendered as original.
func NewRecord(original string, cause error, at time.Time) Record {
	rec := Record{
		OriginalMessage: original,
		ErrorType:       errspkg.TypeName(cause),
		Timestamp:       at.UnixMilli(),
	}
	if cause != nil {
		rec.Error = cause.Error()
	}
	return rec
}

// Failure carries an exhausted message to the forwarder.
type Failure struct {
	Original      string
	EventName     string
	PartitionKey  string
	CorrelationID string
	Cause         error
	Attempts      int
}

// Config configures a Forwarder.
type Config struct {
	Topic   string
	Enabled bool
}

// Forwarder publishes Records. It never returns an error to the caller: an exhausted message
// must not be redelivered because the dead-letter topic is unavailable.
type Forwarder struct {
	publisher message.Publisher
	topic     string
	enabled   bool
	logger    loggingpkg.ServiceLogger
	metrics   *Metrics
	now       func() time.Time
}

// NewForwarder builds a forwarder. metrics may be nil.
func NewForwarder(publisher message.Publisher, cfg Config, logger loggingpkg.ServiceLogger, metrics *Metrics) (*Forwarder, error) {
	if cfg.Enabled {
		if publisher == nil {
			return nil, errspkg.ErrPublisherRequired
		}
		if cfg.Topic == "" {
			return nil, errspkg.ErrTopicRequired
		}
	}
	if logger == nil {
		logger = loggingpkg.NewNopLogger()
	}
	return &Forwarder{
		publisher: publisher,
		topic:     cfg.Topic,
		enabled:   cfg.Enabled,
		logger:    logger.With(loggingpkg.LogFields{"dlq_topic": cfg.Topic}),
		metrics:   metrics,
		now:       time.Now,
	}, nil
}

// Topic returns the dead-letter topic.
func (f *Forwarder) Topic() string { return f.topic }

// Enabled reports whether records are published.
func (f *Forwarder) Enabled() bool { return f.enabled }

// Send forwards original with cause.
func (f *Forwarder) Send(ctx context.Context, original string, cause error) {
	f.Forward(ctx, Failure{Original: original, Cause: cause})
}

// Forward publishes a record for failure, or logs and drops it when forwarding is disabled.
func (f *Forwarder) Forward(ctx context.Context, failure Failure) {
	if !f.enabled {
		f.logger.Info("Dead-lettering disabled, dropping exhausted message", loggingpkg.LogFields{
			"event_name": failure.EventName,
			"error":      errorString(failure.Cause),
		})
		if f.metrics != nil {
			f.metrics.RecordDropped(f.topic)
		}
		return
	}

	rec := NewRecord(failure.Original, failure.Cause, f.now())
	md := metadatapkg.New(
		metadatapkg.KeyEventName, failure.EventName,
		metadatapkg.KeyErrorType, rec.ErrorType,
	)
	if failure.PartitionKey != "" {
		md[metadatapkg.KeyPartitionKey] = failure.PartitionKey
	}
	if failure.CorrelationID != "" {
		md[metadatapkg.KeyCorrelationID] = failure.CorrelationID
	}

	if err := f.SendRecord(ctx, rec, md); err != nil {
		f.logger.Error("Failed to send message to dead-letter topic", err, loggingpkg.LogFields{
			"event_name": failure.EventName,
		})
		if f.metrics != nil {
			f.metrics.RecordPublishFailure(f.topic)
		}
		return
	}

	f.logger.Info("Message sent to dead-letter topic", loggingpkg.LogFields{
		"event_name": failure.EventName,
		"error_type": rec.ErrorType,
		"attempts":   failure.Attempts,
	})
	if f.metrics != nil {
		f.metrics.RecordForwarded(f.topic, failure.EventName, failure.Attempts)
	}
}

// SendRecord publishes rec as-is. Failures are returned as *errors.BrokerDeliveryError.
func (f *Forwarder) SendRecord(ctx context.Context, rec Record, md metadatapkg.Metadata) error {
	if f.publisher == nil {
		return &errspkg.BrokerDeliveryError{Topic: f.topic, Err: errspkg.ErrPublisherRequired}
	}
	payload, err := jsoncodec.Marshal(rec)
	if err != nil {
		return &errspkg.BrokerDeliveryError{Topic: f.topic, Err: err}
	}
	msg := message.NewMessage(idspkg.CreateULID(), payload)
	msg.Metadata = metadatapkg.ToWatermill(md)
	msg.SetContext(ctx)
	if err := f.publisher.Publish(f.topic, msg); err != nil {
		return &errspkg.BrokerDeliveryError{Topic: f.topic, Err: err}
	}
	return nil
}

func errorString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
