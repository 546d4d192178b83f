package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/proto"

	jsoncodec "github.com/drblury/reelflow/internal/runtime/jsoncodec"
)

var errPayloadAbsent = errors.New("payload is absent")

// Registration binds one event name to a typed action. Build one with JSON or Proto;
// the decode and invoke steps are closed over the payload type at compile time.
type Registration struct {
	EventName string

	payloadType string
	allowEmpty  bool
	validator   Validator
	decode      func(json.RawMessage) (any, error)
	invoke      func(context.Context, any) error
	hasAction   bool
}

// PayloadType names the Go type the registration decodes into.
func (r Registration) PayloadType() string { return r.payloadType }

// Option customises a registration.
type Option func(*Registration)

// WithValidator runs v against the decoded payload before the action is called.
// A validation failure is reported as a payload conversion error.
func WithValidator(v Validator) Option {
	return func(r *Registration) {
		r.validator = v
	}
}

// AllowEmptyPayload lets envelopes without a payload reach the action with the zero value.
func AllowEmptyPayload() Option {
	return func(r *Registration) {
		r.allowEmpty = true
	}
}

// JSON registers action for eventName, decoding payloads with the JSON codec into a T.
func JSON[T any](eventName string, action func(ctx context.Context, payload T) error, opts ...Option) Registration {
	reg := Registration{
		EventName:   eventName,
		payloadType: fmt.Sprintf("%T", *new(T)),
		hasAction:   action != nil,
		decode: func(raw json.RawMessage) (any, error) {
			var value T
			if len(raw) == 0 {
				return value, nil
			}
			if err := jsoncodec.Unmarshal(raw, &value); err != nil {
				return nil, err
			}
			return value, nil
		},
		invoke: func(ctx context.Context, payload any) error {
			typed, _ := payload.(T)
			return action(ctx, typed)
		},
	}
	return applyOptions(reg, opts)
}

// Proto registers action for eventName, decoding payloads with protojson into a fresh T.
func Proto[T proto.Message](eventName string, action func(ctx context.Context, payload T) error, opts ...Option) Registration {
	var zero T
	reg := Registration{
		EventName:   eventName,
		payloadType: fmt.Sprintf("%T", zero),
		hasAction:   action != nil,
		decode: func(raw json.RawMessage) (any, error) {
			value := zero.ProtoReflect().New().Interface().(T)
			if len(raw) == 0 {
				return value, nil
			}
			if err := protojson.Unmarshal(raw, value); err != nil {
				return nil, err
			}
			return value, nil
		},
		invoke: func(ctx context.Context, payload any) error {
			typed, _ := payload.(T)
			return action(ctx, typed)
		},
	}
	return applyOptions(reg, opts)
}

func applyOptions(reg Registration, opts []Option) Registration {
	for _, opt := range opts {
		if opt != nil {
			opt(&reg)
		}
	}
	return reg
}

// convert turns the raw payload into the registration's typed value.
func (r Registration) convert(raw json.RawMessage) (any, error) {
	if len(raw) == 0 && !r.allowEmpty {
		return nil, errPayloadAbsent
	}
	value, err := r.decode(raw)
	if err != nil {
		return nil, err
	}
	if r.validator != nil {
		if err := r.validator.Validate(value); err != nil {
			return nil, err
		}
	}
	return value, nil
}
