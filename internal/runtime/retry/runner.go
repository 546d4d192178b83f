// Package retry runs a unit of work under a bounded attempt policy and hands the final
// failure to a recovery callback exactly once.
package retry

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v5"

	loggingpkg "github.com/drblury/reelflow/internal/runtime/logging"
)

// State is the position of a retry run.
type State string

const (
	StateAttempting State = "attempting"
	StateSucceeded  State = "succeeded"
	StateExhausted  State = "exhausted"
	StateCancelled  State = "cancelled"
)

// Context is handed to the unit of work and to the recovery callback.
type Context struct {
	// Attempt is 1-based.
	Attempt     int
	MaxAttempts int
	LastError   error
}

// Outcome summarises a finished run.
type Outcome struct {
	State     State
	Attempts  int
	LastError error
}

// Unit is one attempt of the work being retried.
type Unit func(ctx context.Context, rc Context) error

// Recover receives the final context of an exhausted run.
type Recover func(rc Context)

// Runner executes units under a Policy. It is safe for concurrent use.
type Runner struct {
	policy Policy
	logger loggingpkg.ServiceLogger
}

// NewRunner builds a runner. A nil logger discards attempt logs.
func NewRunner(policy Policy, logger loggingpkg.ServiceLogger) (*Runner, error) {
	if err := policy.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = loggingpkg.NewNopLogger()
	}
	return &Runner{policy: policy.withDefaults(), logger: logger}, nil
}

// Policy returns the effective policy.
func (r *Runner) Policy() Policy {
	return r.policy
}

// Run drives unit until it succeeds, the budget is spent, a failure is classified as
// permanent, or ctx is cancelled. onExhausted runs once for Exhausted outcomes only; its
// panics are not caught.
func (r *Runner) Run(ctx context.Context, unit Unit, onExhausted Recover) Outcome {
	bo, _ := r.policy.Backoff.NewBackOff()
	rc := Context{MaxAttempts: r.policy.MaxAttempts}
	state := StateAttempting

	for state == StateAttempting {
		if ctx.Err() != nil {
			state = StateCancelled
			break
		}

		rc.Attempt++
		r.logger.Info("Processing attempt", loggingpkg.LogFields{
			"attempt":      rc.Attempt,
			"max_attempts": rc.MaxAttempts,
		})

		err := r.attempt(ctx, unit, rc)
		switch {
		case err == nil:
			state = StateSucceeded
			continue
		case ctx.Err() != nil:
			rc.LastError = err
			state = StateCancelled
			continue
		}

		rc.LastError = err
		retryable := r.policy.RetryIf(err)
		r.logger.Warn("Processing attempt failed", loggingpkg.LogFields{
			"attempt":      rc.Attempt,
			"max_attempts": rc.MaxAttempts,
			"retryable":    retryable,
			"error":        err.Error(),
		})

		if !retryable || rc.Attempt >= rc.MaxAttempts {
			state = StateExhausted
			continue
		}
		if !wait(ctx, bo.NextBackOff()) {
			state = StateCancelled
		}
	}

	outcome := Outcome{State: state, Attempts: rc.Attempt, LastError: rc.LastError}
	switch state {
	case StateExhausted:
		r.logger.Error("Retries exhausted", rc.LastError, loggingpkg.LogFields{"attempts": rc.Attempt})
		if onExhausted != nil {
			onExhausted(rc)
		}
	case StateCancelled:
		r.logger.Info("Retry run cancelled", loggingpkg.LogFields{"attempts": rc.Attempt})
	}
	return outcome
}

func (r *Runner) attempt(ctx context.Context, unit Unit, rc Context) error {
	if r.policy.AttemptTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.policy.AttemptTimeout)
		defer cancel()
	}
	return unit(ctx, rc)
}

// wait sleeps for d unless ctx ends first. backoff.Stop is treated as no wait.
func wait(ctx context.Context, d time.Duration) bool {
	if d == backoff.Stop || d <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
