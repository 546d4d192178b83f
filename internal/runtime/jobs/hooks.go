package jobs

import (
	"context"
	"time"

	loggingpkg "github.com/drblury/reelflow/internal/runtime/logging"
)

// JobContext provides information about a job execution to hooks.
type JobContext struct {
	JobID     string
	Key       string
	EventName string
	// Worker is the index of the worker running the job.
	Worker  int
	Context context.Context
	// StartedAt is when the worker picked the job up.
	StartedAt time.Time
	// Duration is only set in OnJobDone and OnJobError.
	Duration time.Duration
}

// Hooks defines callbacks for job lifecycle events.
// All hooks are optional; nil hooks are simply not called.
type Hooks struct {
	OnJobStart func(ctx JobContext)
	OnJobDone  func(ctx JobContext)
	OnJobError func(ctx JobContext, err error)
}

// Merge combines two Hooks. The hooks from other are called after the hooks from h.
func (h Hooks) Merge(other Hooks) Hooks {
	return Hooks{
		OnJobStart: chain(h.OnJobStart, other.OnJobStart),
		OnJobDone:  chain(h.OnJobDone, other.OnJobDone),
		OnJobError: chainErr(h.OnJobError, other.OnJobError),
	}
}

func chain(a, b func(JobContext)) func(JobContext) {
	if a == nil {
		return b
	}
	if b == nil {
		return a
	}
	return func(ctx JobContext) {
		a(ctx)
		b(ctx)
	}
}

func chainErr(a, b func(JobContext, error)) func(JobContext, error) {
	if a == nil {
		return b
	}
	if b == nil {
		return a
	}
	return func(ctx JobContext, err error) {
		a(ctx, err)
		b(ctx, err)
	}
}

// LoggingHooks logs job lifecycle events.
func LoggingHooks(logger loggingpkg.ServiceLogger) Hooks {
	return Hooks{
		OnJobStart: func(ctx JobContext) {
			logger.Debug("Job started", loggingpkg.LogFields{
				"job_id":     ctx.JobID,
				"event_name": ctx.EventName,
				"key":        ctx.Key,
				"worker":     ctx.Worker,
			})
		},
		OnJobDone: func(ctx JobContext) {
			logger.Debug("Job completed", loggingpkg.LogFields{
				"job_id":      ctx.JobID,
				"event_name":  ctx.EventName,
				"duration_ms": ctx.Duration.Milliseconds(),
			})
		},
		OnJobError: func(ctx JobContext, err error) {
			logger.Error("Job failed", err, loggingpkg.LogFields{
				"job_id":      ctx.JobID,
				"event_name":  ctx.EventName,
				"key":         ctx.Key,
				"duration_ms": ctx.Duration.Milliseconds(),
			})
		},
	}
}
