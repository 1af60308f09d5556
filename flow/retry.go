package flow

import (
	"errors"
	"time"
)

// Backoff selects the delay schedule between retry attempts.
type Backoff string

// Backoff kinds.
const (
	BackoffLinear      Backoff = "linear"
	BackoffExponential Backoff = "exponential"
	BackoffFixed       Backoff = "fixed"
)

// RetryPolicy configures automatic retry of retryable step failures.
type RetryPolicy struct {
	// MaxAttempts is the total number of attempts including the first.
	// Must be >= 1; 1 means no retries.
	MaxAttempts int `json:"max_attempts"`

	// Kind selects the delay schedule.
	Kind Backoff `json:"backoff"`

	// InitialDelay seeds the schedule.
	InitialDelay time.Duration `json:"initial_delay"`

	// MaxDelay caps the computed delay. Zero means uncapped.
	MaxDelay time.Duration `json:"max_delay,omitempty"`

	// Multiplier is the exponential growth factor. Ignored by the other
	// schedules; defaults to 2 when zero.
	Multiplier float64 `json:"multiplier,omitempty"`

	// RetryableErrors restricts retries to the listed error kinds. Empty
	// retries every failure the worker marked retryable.
	RetryableErrors []string `json:"retryable_errors,omitempty"`
}

// ErrInvalidRetryPolicy is returned by Validate for incoherent policies.
var ErrInvalidRetryPolicy = errors.New("flow: invalid retry policy")

// Validate checks policy coherence: MaxAttempts >= 1, a known backoff
// kind, InitialDelay <= MaxDelay when both are set, and a non-negative
// multiplier for exponential schedules (zero takes the default of 2).
func (rp *RetryPolicy) Validate() error {
	if rp.MaxAttempts < 1 {
		return ErrInvalidRetryPolicy
	}
	switch rp.Kind {
	case BackoffLinear, BackoffExponential, BackoffFixed, "":
	default:
		return ErrInvalidRetryPolicy
	}
	if rp.MaxDelay > 0 && rp.InitialDelay > rp.MaxDelay {
		return ErrInvalidRetryPolicy
	}
	if rp.Kind == BackoffExponential && rp.Multiplier < 0 {
		return ErrInvalidRetryPolicy
	}
	return nil
}

// Delay computes the wait before retry number attempt (0-based: the delay
// before the first retry is Delay(0)).
//
// Schedules:
//   - linear:      initial + attempt·initial
//   - exponential: initial · multiplier^attempt, capped at MaxDelay
//   - fixed:       initial
func (rp *RetryPolicy) Delay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	var d time.Duration
	switch rp.Kind {
	case BackoffLinear:
		d = rp.InitialDelay + time.Duration(attempt)*rp.InitialDelay
	case BackoffExponential:
		mult := rp.Multiplier
		if mult <= 0 {
			mult = 2
		}
		f := float64(rp.InitialDelay)
		for i := 0; i < attempt; i++ {
			f *= mult
			if rp.MaxDelay > 0 && f > float64(rp.MaxDelay) {
				f = float64(rp.MaxDelay)
				break
			}
		}
		d = time.Duration(f)
	default: // fixed
		d = rp.InitialDelay
	}
	if rp.MaxDelay > 0 && d > rp.MaxDelay {
		d = rp.MaxDelay
	}
	return d
}

// Retries reports whether a failure of the given error kind should be
// retried on the given 0-based attempt. The worker's own retryable flag
// is a precondition checked by the scheduler; this narrows it by kind and
// attempt budget.
func (rp *RetryPolicy) Retries(errKind string, attempt int) bool {
	if rp == nil {
		return false
	}
	if attempt+1 >= rp.MaxAttempts {
		return false
	}
	if len(rp.RetryableErrors) == 0 {
		return true
	}
	for _, k := range rp.RetryableErrors {
		if k == errKind {
			return true
		}
	}
	return false
}
