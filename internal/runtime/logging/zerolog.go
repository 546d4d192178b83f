package logging

import "github.com/rs/zerolog"

// NewZerologServiceLogger adapts a zerolog.Logger to ServiceLogger.
func NewZerologServiceLogger(log zerolog.Logger) ServiceLogger {
	return &zerologServiceLogger{inner: log}
}

type zerologServiceLogger struct {
	inner zerolog.Logger
}

func (z *zerologServiceLogger) With(fields LogFields) ServiceLogger {
	if len(fields) == 0 {
		return z
	}
	return &zerologServiceLogger{inner: z.inner.With().Fields(map[string]any(fields)).Logger()}
}

func (z *zerologServiceLogger) Debug(msg string, fields LogFields) {
	withFields(z.inner.Debug(), fields).Msg(msg)
}

func (z *zerologServiceLogger) Info(msg string, fields LogFields) {
	withFields(z.inner.Info(), fields).Msg(msg)
}

func (z *zerologServiceLogger) Warn(msg string, fields LogFields) {
	withFields(z.inner.Warn(), fields).Msg(msg)
}

func (z *zerologServiceLogger) Error(msg string, err error, fields LogFields) {
	withFields(z.inner.Error().Err(err), fields).Msg(msg)
}

func (z *zerologServiceLogger) Trace(msg string, fields LogFields) {
	withFields(z.inner.Trace(), fields).Msg(msg)
}

func withFields(evt *zerolog.Event, fields LogFields) *zerolog.Event {
	if len(fields) == 0 {
		return evt
	}
	return evt.Fields(map[string]any(fields))
}
