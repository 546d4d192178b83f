// Package broadcast fans processed events out to live subscribers keyed by a stable
// identity. Each key has at most one active stream.
package broadcast

import (
	"encoding/json"
	"errors"
	"slices"
	"sync"
	"time"

	errspkg "github.com/drblury/reelflow/internal/runtime/errors"
	jsoncodec "github.com/drblury/reelflow/internal/runtime/jsoncodec"
	loggingpkg "github.com/drblury/reelflow/internal/runtime/logging"
)

const (
	DefaultBufferSize = 16
	DefaultHeartbeat  = 15 * time.Second
)

// Config tunes a Registry.
type Config struct {
	// BufferSize is the per-stream event buffer.
	BufferSize int
	// WriteTimeout bounds how long Broadcast waits on one subscriber. Zero never waits.
	WriteTimeout time.Duration
	// Heartbeat is the idle interval of SSE comment frames and websocket pings.
	Heartbeat time.Duration
	// AllowedOrigins are websocket origin patterns accepted besides the request host.
	AllowedOrigins []string
}

func (c Config) withDefaults() Config {
	if c.BufferSize <= 0 {
		c.BufferSize = DefaultBufferSize
	}
	if c.Heartbeat <= 0 {
		c.Heartbeat = DefaultHeartbeat
	}
	return c
}

// Result counts the outcome of one Broadcast.
type Result struct {
	Delivered int `json:"delivered"`
	Failed    int `json:"failed"`
}

// Registry owns the key to stream mapping. All methods are safe for concurrent use.
type Registry struct {
	cfg     Config
	logger  loggingpkg.ServiceLogger
	streams sync.Map
}

// NewRegistry creates an empty registry.
func NewRegistry(cfg Config, logger loggingpkg.ServiceLogger) *Registry {
	if logger == nil {
		logger = loggingpkg.NewNopLogger()
	}
	return &Registry{
		cfg:    cfg.withDefaults(),
		logger: logger.With(loggingpkg.LogFields{"component": "broadcast"}),
	}
}

// Register opens a stream for key. An existing stream for the same key is closed and replaced.
func (r *Registry) Register(key string) (*Stream, error) {
	if key == "" {
		return nil, errspkg.ErrSubscriberKeyRequired
	}
	stream := newStream(key, r.cfg.BufferSize, r.remove)
	if previous, loaded := r.streams.Swap(key, stream); loaded {
		previous.(*Stream).Close()
		r.logger.Debug("Replaced subscriber stream", loggingpkg.LogFields{"key": key})
	} else {
		r.logger.Debug("Registered subscriber stream", loggingpkg.LogFields{"key": key})
	}
	return stream, nil
}

// Unregister closes the stream for key. It reports false, with a warning, when none exists.
func (r *Registry) Unregister(key string) bool {
	value, ok := r.streams.Load(key)
	if !ok {
		r.logger.Warn("No subscriber stream found to unregister", loggingpkg.LogFields{"key": key})
		return false
	}
	value.(*Stream).Close()
	return true
}

// remove deletes s only while it is still the mapped stream for its key.
func (r *Registry) remove(s *Stream) {
	if r.streams.CompareAndDelete(s.key, s) {
		r.logger.Debug("Removed subscriber stream", loggingpkg.LogFields{"key": s.key})
	}
}

// Broadcast encodes payload once and offers it to every stream. A subscriber that cannot
// accept the event in time is closed and pruned; the others are unaffected.
func (r *Registry) Broadcast(eventName string, payload any) (Result, error) {
	data, err := encode(payload)
	if err != nil {
		return Result{}, err
	}
	ev := Event{Name: eventName, Data: data}

	var result Result
	r.streams.Range(func(_, value any) bool {
		stream := value.(*Stream)
		if err := stream.send(ev, r.cfg.WriteTimeout); err != nil {
			result.Failed++
			if !errors.Is(err, errspkg.ErrStreamClosed) {
				r.logger.Warn("Dropping subscriber", loggingpkg.LogFields{
					"event_name": eventName,
					"error":      (&errspkg.SubscriberWriteError{Key: stream.key, Err: err}).Error(),
				})
			}
			stream.Close()
			return true
		}
		result.Delivered++
		return true
	})

	r.logger.Trace("Broadcast event", loggingpkg.LogFields{
		"event_name": eventName,
		"delivered":  result.Delivered,
		"failed":     result.Failed,
	})
	return result, nil
}

func encode(payload any) ([]byte, error) {
	switch p := payload.(type) {
	case nil:
		return jsoncodec.Marshal(NoPayload)
	case json.RawMessage:
		if len(p) == 0 {
			return jsoncodec.Marshal(NoPayload)
		}
		return slices.Clone(p), nil
	default:
		return jsoncodec.Marshal(p)
	}
}

// Len returns the number of registered streams.
func (r *Registry) Len() int {
	n := 0
	r.streams.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}

// Keys returns the registered keys in sorted order.
func (r *Registry) Keys() []string {
	var keys []string
	r.streams.Range(func(key, _ any) bool {
		keys = append(keys, key.(string))
		return true
	})
	slices.Sort(keys)
	return keys
}

// CloseAll closes every stream.
func (r *Registry) CloseAll() {
	r.streams.Range(func(_, value any) bool {
		value.(*Stream).Close()
		return true
	})
}

// Config returns the effective configuration.
func (r *Registry) Config() Config {
	return r.cfg
}
