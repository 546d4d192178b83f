package handlers

import (
	"context"
	"fmt"
	"runtime/debug"
	"slices"

	"github.com/drblury/reelflow/internal/runtime/envelope"
	errspkg "github.com/drblury/reelflow/internal/runtime/errors"
)

// Builder collects registrations during startup. It is not safe for concurrent use.
type Builder struct {
	regs  []Registration
	built bool
}

// NewBuilder returns an empty builder.
func NewBuilder() *Builder {
	return &Builder{}
}

// Add queues registrations for Build.
func (b *Builder) Add(regs ...Registration) *Builder {
	b.regs = append(b.regs, regs...)
	return b
}

// Build validates the collected registrations and freezes them into a Registry.
// Duplicate event names are a configuration error.
func (b *Builder) Build() (*Registry, error) {
	if b.built {
		return nil, errspkg.ErrRegistryAlreadyBuilt
	}
	handlers := make(map[string]Registration, len(b.regs))
	for _, reg := range b.regs {
		if reg.EventName == "" {
			return nil, errspkg.ErrEventNameRequired
		}
		if !reg.hasAction || reg.decode == nil || reg.invoke == nil {
			return nil, fmt.Errorf("%w: %s", errspkg.ErrHandlerRequired, reg.EventName)
		}
		if _, exists := handlers[reg.EventName]; exists {
			return nil, fmt.Errorf("%w: %s", errspkg.ErrDuplicateHandler, reg.EventName)
		}
		handlers[reg.EventName] = reg
	}
	b.built = true

	names := make([]string, 0, len(handlers))
	for name := range handlers {
		names = append(names, name)
	}
	slices.Sort(names)
	return &Registry{handlers: handlers, names: names}, nil
}

// Registry maps event names to registrations. It is read-only after Build and safe
// for concurrent dispatch.
type Registry struct {
	handlers map[string]Registration
	names    []string
}

// Has reports whether eventName has a registered handler.
func (r *Registry) Has(eventName string) bool {
	_, ok := r.handlers[eventName]
	return ok
}

// EventNames returns the registered event names in sorted order.
func (r *Registry) EventNames() []string {
	return slices.Clone(r.names)
}

// Lookup returns the registration for eventName.
func (r *Registry) Lookup(eventName string) (Registration, bool) {
	reg, ok := r.handlers[eventName]
	return reg, ok
}

// Dispatch converts the envelope payload and invokes the matching action. On success it
// returns the typed payload the action received.
func (r *Registry) Dispatch(ctx context.Context, env envelope.Envelope) (any, error) {
	reg, ok := r.handlers[env.EventName()]
	if !ok {
		return nil, &errspkg.UnknownEventKindError{EventName: env.EventName()}
	}

	value, err := reg.convert(env.Payload())
	if err != nil {
		return nil, &errspkg.PayloadConversionError{EventName: env.EventName(), Err: err}
	}

	if err := invokeSafely(ctx, reg, value); err != nil {
		return nil, &errspkg.HandlerExecutionError{EventName: env.EventName(), Err: err}
	}
	return value, nil
}

func invokeSafely(ctx context.Context, reg Registration, value any) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v\n%s", r, debug.Stack())
		}
	}()
	return reg.invoke(ctx, value)
}

// Validator checks a decoded payload.
type Validator interface {
	Validate(payload any) error
}

// ValidatorFunc adapts a function to Validator.
type ValidatorFunc func(payload any) error

func (f ValidatorFunc) Validate(payload any) error { return f(payload) }
