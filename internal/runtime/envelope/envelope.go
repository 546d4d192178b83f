// Package envelope defines the unit carried on the input topic: an event name, an optional
// JSON payload and the partition key the broker routed it by.
package envelope

import (
	"bytes"
	"encoding/json"
	"fmt"

	errspkg "github.com/drblury/reelflow/internal/runtime/errors"
	jsoncodec "github.com/drblury/reelflow/internal/runtime/jsoncodec"
)

// Envelope is immutable once constructed. The zero value is not a valid envelope.
type Envelope struct {
	eventName    string
	payload      json.RawMessage
	partitionKey string
}

type wireEnvelope struct {
	EventName string          `json:"eventName"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// New builds an envelope. A nil payload produces an envelope without payload; json.RawMessage
// and []byte payloads are taken as already-encoded JSON, anything else is marshalled.
func New(eventName string, payload any, partitionKey string) (Envelope, error) {
	if eventName == "" {
		return Envelope{}, errspkg.ErrEventNameRequired
	}
	raw, err := encodePayload(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("envelope %q: %w", eventName, err)
	}
	return Envelope{eventName: eventName, payload: raw, partitionKey: partitionKey}, nil
}

func encodePayload(payload any) (json.RawMessage, error) {
	var raw []byte
	switch p := payload.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		raw = p
	case []byte:
		raw = p
	default:
		encoded, err := jsoncodec.Marshal(p)
		if err != nil {
			return nil, err
		}
		raw = encoded
	}
	if jsoncodec.IsNull(raw) {
		return nil, nil
	}
	if !jsoncodec.Valid(raw) {
		return nil, fmt.Errorf("payload is not valid JSON")
	}
	return bytes.Clone(raw), nil
}

// Decode parses the wire form {"eventName":"...","payload":{...}}. The partition key is not part
// of the body; callers attach it from broker metadata with WithPartitionKey.
func Decode(data []byte) (Envelope, error) {
	var wire wireEnvelope
	if err := jsoncodec.Unmarshal(data, &wire); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", errspkg.ErrMalformedEnvelope, err)
	}
	if wire.EventName == "" {
		return Envelope{}, fmt.Errorf("%w: missing eventName", errspkg.ErrMalformedEnvelope)
	}
	env := Envelope{eventName: wire.EventName}
	if !jsoncodec.IsNull(wire.Payload) {
		env.payload = bytes.Clone(wire.Payload)
	}
	return env, nil
}

// Encode returns the wire form of the envelope.
func (e Envelope) Encode() ([]byte, error) {
	if e.eventName == "" {
		return nil, errspkg.ErrEventNameRequired
	}
	return jsoncodec.Marshal(wireEnvelope{EventName: e.eventName, Payload: e.payload})
}

func (e Envelope) EventName() string    { return e.eventName }
func (e Envelope) PartitionKey() string { return e.partitionKey }
func (e Envelope) HasPayload() bool     { return len(e.payload) > 0 }

// Payload returns a copy of the raw JSON payload, or nil when the envelope carries none.
func (e Envelope) Payload() json.RawMessage {
	if len(e.payload) == 0 {
		return nil
	}
	return bytes.Clone(e.payload)
}

// WithPartitionKey returns a copy of the envelope routed by key.
func (e Envelope) WithPartitionKey(key string) Envelope {
	e.partitionKey = key
	return e
}

// String renders the envelope for logs and dead-letter records.
func (e Envelope) String() string {
	if !e.HasPayload() {
		return fmt.Sprintf("Envelope{eventName=%s, payload=<none>, key=%s}", e.eventName, e.partitionKey)
	}
	return fmt.Sprintf("Envelope{eventName=%s, payload=%s, key=%s}", e.eventName, e.payload, e.partitionKey)
}
