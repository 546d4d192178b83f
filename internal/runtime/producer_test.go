package runtime

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/google/uuid"

	"github.com/drblury/reelflow/internal/runtime/envelope"
	errspkg "github.com/drblury/reelflow/internal/runtime/errors"
	"github.com/drblury/reelflow/internal/runtime/handlers"
	metadatapkg "github.com/drblury/reelflow/internal/runtime/metadata"
)

func TestNewProducerValidations(t *testing.T) {
	if _, err := NewProducer(nil, "reels-input", nil, nil); !errors.Is(err, errspkg.ErrPublisherRequired) {
		t.Fatalf("expected ErrPublisherRequired, got %v", err)
	}
	if _, err := NewProducer(&testPublisher{}, "", nil, nil); !errors.Is(err, errspkg.ErrTopicRequired) {
		t.Fatalf("expected ErrTopicRequired, got %v", err)
	}
}

func TestProducerPublish(t *testing.T) {
	pub := &testPublisher{}
	producer, err := NewProducer(pub, "reels-input", newTestLogger(), nil)
	if err != nil {
		t.Fatalf("NewProducer: %v", err)
	}

	result, err := producer.Publish(context.Background(), "postReel", map[string]string{"title": "hello"}, "user-1")
	if err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if result.PartitionKey != "user-1" || result.Topic != "reels-input" {
		t.Fatalf("unexpected result: %+v", result)
	}

	msgs := pub.Published("reels-input")
	if len(msgs) != 1 {
		t.Fatalf("expected 1 message, got %d", len(msgs))
	}
	msg := msgs[0]
	if msg.UUID != result.MessageID {
		t.Fatalf("message id %s does not match result %s", msg.UUID, result.MessageID)
	}
	if got := msg.Metadata.Get(metadatapkg.KeyPartitionKey); got != "user-1" {
		t.Fatalf("partition_key = %q", got)
	}
	if got := msg.Metadata.Get(metadatapkg.KeyEventName); got != "postReel" {
		t.Fatalf("event_name = %q", got)
	}
	if got := msg.Metadata.Get(metadatapkg.KeyCorrelationID); got == "" || got != result.CorrelationID {
		t.Fatalf("correlation_id = %q, result %q", got, result.CorrelationID)
	}

	env, err := envelope.Decode(msg.Payload)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if env.EventName() != "postReel" {
		t.Fatalf("event name = %q", env.EventName())
	}
	var payload map[string]string
	if err := json.Unmarshal(env.Payload(), &payload); err != nil || payload["title"] != "hello" {
		t.Fatalf("unexpected payload %s (%v)", env.Payload(), err)
	}
}

func TestProducerGeneratesPartitionKey(t *testing.T) {
	pub := &testPublisher{}
	producer, _ := NewProducer(pub, "reels-input", nil, nil)

	result, err := producer.Publish(context.Background(), "ping", nil, "")
	if err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if _, err := uuid.Parse(result.PartitionKey); err != nil {
		t.Fatalf("expected a UUID partition key, got %q", result.PartitionKey)
	}

	env, err := envelope.Decode(pub.Published("reels-input")[0].Payload)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if env.HasPayload() {
		t.Fatal("expected envelope without payload")
	}
}

func TestProducerKeepsCorrelationFromMessageContext(t *testing.T) {
	pub := &testPublisher{}
	producer, _ := NewProducer(pub, "reels-input", nil, nil)

	ctx := handlers.WithMessageContext(context.Background(), handlers.MessageContext{
		Metadata: metadatapkg.New(metadatapkg.KeyCorrelationID, "corr-1"),
	})
	result, err := producer.Publish(ctx, "postReel", nil, "k")
	if err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if result.CorrelationID != "corr-1" {
		t.Fatalf("CorrelationID = %q, want corr-1", result.CorrelationID)
	}
}

func TestProducerBrokerFailure(t *testing.T) {
	down := errors.New("broker down")
	producer, _ := NewProducer(&testPublisher{err: down}, "reels-input", newTestLogger(), nil)

	_, err := producer.Publish(context.Background(), "postReel", nil, "k")
	var delivery *errspkg.BrokerDeliveryError
	if !errors.As(err, &delivery) {
		t.Fatalf("expected BrokerDeliveryError, got %v", err)
	}
	if delivery.Topic != "reels-input" || !errors.Is(err, down) {
		t.Fatalf("unexpected delivery error: %v", delivery)
	}
}

func TestProducerRejectsInvalidInput(t *testing.T) {
	pub := &testPublisher{}
	producer, _ := NewProducer(pub, "reels-input", nil, nil)

	if _, err := producer.Publish(context.Background(), "", nil, "k"); !errors.Is(err, errspkg.ErrEventNameRequired) {
		t.Fatalf("expected ErrEventNameRequired, got %v", err)
	}
	if _, err := producer.Publish(context.Background(), "postReel", json.RawMessage(`{broken`), "k"); err == nil {
		t.Fatal("expected invalid JSON payload to be rejected")
	}
	if n := len(pub.Published("reels-input")); n != 0 {
		t.Fatalf("expected nothing published, got %d", n)
	}
}
