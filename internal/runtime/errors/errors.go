package errors

import (
	sterrors "errors"
	"fmt"
)

var (
	ErrServiceRequired       = sterrors.New("reelflow: event service is required")
	ErrHandlerRequired       = sterrors.New("reelflow: handler function is required")
	ErrEventNameRequired     = sterrors.New("reelflow: event name is required")
	ErrDuplicateHandler      = sterrors.New("reelflow: duplicate handler for event")
	ErrRegistryAlreadyBuilt  = sterrors.New("reelflow: handler registry already built")
	ErrRegistryNotBuilt      = sterrors.New("reelflow: handler registry not built")
	ErrMalformedEnvelope     = sterrors.New("reelflow: malformed envelope")
	ErrPayloadMissing        = sterrors.New("reelflow: event payload is required")
	ErrPublisherRequired     = sterrors.New("reelflow: publisher is required")
	ErrTopicRequired         = sterrors.New("reelflow: topic is required")
	ErrConfigRequired        = sterrors.New("reelflow: configuration is required")
	ErrLoggerRequired        = sterrors.New("reelflow: logger is required")
	ErrRunnerStopped         = sterrors.New("reelflow: job runner is stopped")
	ErrRunnerNotStarted      = sterrors.New("reelflow: job runner is not started")
	ErrSubscriberKeyRequired = sterrors.New("reelflow: subscriber key is required")
	ErrStreamClosed          = sterrors.New("reelflow: subscriber stream is closed")
	ErrSubscriberSlow        = sterrors.New("reelflow: subscriber did not accept event in time")
	ErrServiceStarted        = sterrors.New("reelflow: service already started")
	ErrServiceStopped        = sterrors.New("reelflow: service stopped")
)

// ConfigValidationError wraps the joined errors returned by config validation.
type ConfigValidationError struct {
	Err error
}

func (e ConfigValidationError) Error() string {
	return "reelflow: invalid configuration: " + e.Err.Error()
}

func (e ConfigValidationError) Unwrap() error { return e.Err }

// UnknownEventKindError reports an envelope whose event name has no registered handler.
// It is permanent for the message and never retried.
type UnknownEventKindError struct {
	EventName string
}

func (e *UnknownEventKindError) Error() string {
	return fmt.Sprintf("reelflow: no handler for event %q", e.EventName)
}

// PayloadConversionError reports a payload that could not be turned into the
// handler's declared type.
type PayloadConversionError struct {
	EventName string
	Err       error
}

func (e *PayloadConversionError) Error() string {
	return fmt.Sprintf("reelflow: cannot convert payload for event %q: %v", e.EventName, e.Err)
}

func (e *PayloadConversionError) Unwrap() error { return e.Err }

// HandlerExecutionError wraps an error raised by a domain handler.
type HandlerExecutionError struct {
	EventName string
	Err       error
}

func (e *HandlerExecutionError) Error() string {
	return fmt.Sprintf("reelflow: handler for event %q failed: %v", e.EventName, e.Err)
}

func (e *HandlerExecutionError) Unwrap() error { return e.Err }

// BrokerDeliveryError reports a failed publish to the broker.
type BrokerDeliveryError struct {
	Topic string
	Err   error
}

func (e *BrokerDeliveryError) Error() string {
	return fmt.Sprintf("reelflow: publish to topic %q failed: %v", e.Topic, e.Err)
}

func (e *BrokerDeliveryError) Unwrap() error { return e.Err }

// SubscriberWriteError reports a broadcast write that one subscriber did not accept.
type SubscriberWriteError struct {
	Key string
	Err error
}

func (e *SubscriberWriteError) Error() string {
	return fmt.Sprintf("reelflow: write to subscriber %q failed: %v", e.Key, e.Err)
}

func (e *SubscriberWriteError) Unwrap() error { return e.Err }

// IsRetryable reports whether err is worth another processing attempt.
// Unknown event kinds and payload conversion failures fail identically on every attempt.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var unknown *UnknownEventKindError
	if sterrors.As(err, &unknown) {
		return false
	}
	var conversion *PayloadConversionError
	return !sterrors.As(err, &conversion)
}

// TypeName returns the qualified name of the outermost taxonomy error in err's chain,
// or the Go type of err when it is not part of the taxonomy.
func TypeName(err error) string {
	if err == nil {
		return ""
	}
	var (
		unknown    *UnknownEventKindError
		conversion *PayloadConversionError
		execution  *HandlerExecutionError
		delivery   *BrokerDeliveryError
		write      *SubscriberWriteError
	)
	switch {
	case sterrors.As(err, &unknown):
		return "reelflow.UnknownEventKind"
	case sterrors.As(err, &conversion):
		return "reelflow.PayloadConversionError"
	case sterrors.As(err, &execution):
		return "reelflow.HandlerExecutionError"
	case sterrors.As(err, &delivery):
		return "reelflow.BrokerDeliveryFailure"
	case sterrors.As(err, &write):
		return "reelflow.SubscriberWriteFailure"
	}
	return fmt.Sprintf("%T", err)
}
