package jobs

import (
	"context"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"

	errspkg "github.com/drblury/reelflow/internal/runtime/errors"
	idspkg "github.com/drblury/reelflow/internal/runtime/ids"
	jsoncodec "github.com/drblury/reelflow/internal/runtime/jsoncodec"
	metadatapkg "github.com/drblury/reelflow/internal/runtime/metadata"
)

// CompletionEvent reports how one job ended.
type CompletionEvent struct {
	JobID     string `json:"jobId"`
	EventName string `json:"eventName"`
	// Timestamp is in Unix milliseconds.
	Timestamp    int64   `json:"timestamp"`
	Success      bool    `json:"success"`
	ErrorMessage *string `json:"errorMessage"`
}

// NewCompletionEvent builds the event for record. A nil err means success.
func NewCompletionEvent(record JobRecord, err error, at time.Time) CompletionEvent {
	event := CompletionEvent{
		JobID:     record.JobID,
		EventName: record.EventName,
		Timestamp: at.UnixMilli(),
		Success:   err == nil,
	}
	if err != nil {
		msg := err.Error()
		event.ErrorMessage = &msg
	}
	return event
}

// Notifier receives completion events.
type Notifier interface {
	Notify(ctx context.Context, event CompletionEvent) error
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(ctx context.Context, event CompletionEvent) error

func (f NotifierFunc) Notify(ctx context.Context, event CompletionEvent) error {
	return f(ctx, event)
}

// NopNotifier discards events.
type NopNotifier struct{}

func (NopNotifier) Notify(context.Context, CompletionEvent) error { return nil }

// PublisherNotifier publishes completion events as JSON on a topic.
type PublisherNotifier struct {
	publisher message.Publisher
	topic     string
}

// NewPublisherNotifier publishes events on topic.
func NewPublisherNotifier(publisher message.Publisher, topic string) (*PublisherNotifier, error) {
	if publisher == nil {
		return nil, errspkg.ErrPublisherRequired
	}
	if topic == "" {
		return nil, errspkg.ErrTopicRequired
	}
	return &PublisherNotifier{publisher: publisher, topic: topic}, nil
}

func (n *PublisherNotifier) Notify(ctx context.Context, event CompletionEvent) error {
	payload, err := jsoncodec.Marshal(event)
	if err != nil {
		return err
	}
	msg := message.NewMessage(idspkg.CreateULID(), payload)
	msg.Metadata = metadatapkg.ToWatermill(metadatapkg.New(
		metadatapkg.KeyJobID, event.JobID,
		metadatapkg.KeyEventName, event.EventName,
	))
	msg.SetContext(ctx)
	if err := n.publisher.Publish(n.topic, msg); err != nil {
		return &errspkg.BrokerDeliveryError{Topic: n.topic, Err: err}
	}
	return nil
}
