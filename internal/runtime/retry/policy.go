package retry

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"

	errspkg "github.com/drblury/reelflow/internal/runtime/errors"
)

// DefaultMaxAttempts bounds the attempts of a zero Policy.
const DefaultMaxAttempts = 3

// Backoff kinds understood by BackoffPolicy.
const (
	BackoffNone        = "none"
	BackoffFixed       = "fixed"
	BackoffExponential = "exponential"
)

// BackoffPolicy describes the wait between attempts.
type BackoffPolicy struct {
	Kind       string
	Initial    time.Duration
	Max        time.Duration
	Multiplier float64
	// Jitter is the randomization factor of exponential backoff, between 0 and 1.
	Jitter float64
}

// NewBackOff returns a fresh backoff sequence for one retry run.
func (b BackoffPolicy) NewBackOff() (backoff.BackOff, error) {
	switch strings.ToLower(b.Kind) {
	case "", BackoffNone:
		return &backoff.ZeroBackOff{}, nil
	case BackoffFixed:
		return backoff.NewConstantBackOff(b.Initial), nil
	case BackoffExponential:
		exp := backoff.NewExponentialBackOff()
		if b.Initial > 0 {
			exp.InitialInterval = b.Initial
		}
		if b.Max > 0 {
			exp.MaxInterval = b.Max
		}
		if b.Multiplier > 0 {
			exp.Multiplier = b.Multiplier
		}
		exp.RandomizationFactor = b.Jitter
		exp.Reset()
		return exp, nil
	default:
		return nil, fmt.Errorf("retry: unknown backoff kind %q", b.Kind)
	}
}

// Policy bounds and paces a retry run.
type Policy struct {
	MaxAttempts int
	Backoff     BackoffPolicy
	// AttemptTimeout bounds each attempt. Zero means unbounded.
	AttemptTimeout time.Duration
	// RetryIf classifies failures. Nil uses errors.IsRetryable.
	RetryIf func(error) bool
}

func (p Policy) withDefaults() Policy {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = DefaultMaxAttempts
	}
	if p.RetryIf == nil {
		p.RetryIf = errspkg.IsRetryable
	}
	return p
}

// Validate reports policies that cannot be run.
func (p Policy) Validate() error {
	var errs []error
	if p.MaxAttempts < 0 {
		errs = append(errs, errors.New("retry: max attempts cannot be negative"))
	}
	if p.AttemptTimeout < 0 {
		errs = append(errs, errors.New("retry: attempt timeout cannot be negative"))
	}
	if _, err := p.Backoff.NewBackOff(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// RetryConversionErrors is a RetryIf classifier that only refuses unknown event kinds.
// Payload conversion failures consume the whole attempt budget.
func RetryConversionErrors(err error) bool {
	if err == nil {
		return false
	}
	var unknown *errspkg.UnknownEventKindError
	return !errors.As(err, &unknown)
}
