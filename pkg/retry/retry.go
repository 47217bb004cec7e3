// Package retry runs an operation again with exponential backoff while it
// fails with a retryable blockfs error.
package retry

import (
	"context"
	stderr "errors"
	"math"
	"math/rand"
	"time"

	"github.com/blockfs/blockfs/pkg/errors"
)

// Config defines retry behavior configuration
type Config struct {
	// MaxAttempts counts the initial attempt.
	MaxAttempts int `yaml:"max_attempts" json:"max_attempts"`

	InitialDelay time.Duration `yaml:"initial_delay" json:"initial_delay"`
	MaxDelay     time.Duration `yaml:"max_delay" json:"max_delay"`
	Multiplier   float64       `yaml:"multiplier" json:"multiplier"`

	// Jitter spreads each delay by up to 20% either way.
	Jitter bool `yaml:"jitter" json:"jitter"`

	// RetryableErrors lists codes retried even when the error itself is
	// not flagged retryable.
	RetryableErrors []errors.ErrorCode `yaml:"retryable_errors" json:"retryable_errors"`

	// OnRetry is called before each retry attempt
	OnRetry func(attempt int, err error, delay time.Duration) `yaml:"-" json:"-"`
}

// DefaultConfig returns a sensible default retry configuration
func DefaultConfig() Config {
	return Config{
		MaxAttempts:  5,
		InitialDelay: 100 * time.Millisecond,
		MaxDelay:     30 * time.Second,
		Multiplier:   2.0,
		Jitter:       true,
		RetryableErrors: []errors.ErrorCode{
			errors.ErrCodeTransportFailure,
			errors.ErrCodeOperationTimeout,
		},
	}
}

// Retryer handles retry logic with exponential backoff
type Retryer struct {
	config Config
}

// New creates a new Retryer with the given configuration
func New(config Config) *Retryer {
	if config.MaxAttempts <= 0 {
		config.MaxAttempts = 5
	}
	if config.InitialDelay <= 0 {
		config.InitialDelay = 100 * time.Millisecond
	}
	if config.MaxDelay <= 0 {
		config.MaxDelay = 30 * time.Second
	}
	if config.Multiplier <= 0 {
		config.Multiplier = 2.0
	}

	return &Retryer{config: config}
}

// Do executes fn until it succeeds, fails with a non-retryable error, the
// attempts run out or ctx ends. Exhaustion returns RETRY_EXHAUSTED wrapping
// the last failure; cancellation returns OPERATION_CANCELED.
func (r *Retryer) Do(ctx context.Context, fn func(context.Context) error) error {
	var lastErr error

	for attempt := 1; attempt <= r.config.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return canceled(attempt-1, err)
		}

		err := fn(ctx)
		if err == nil {
			return nil
		}
		lastErr = err

		if !r.retryable(err) {
			return err
		}
		if attempt == r.config.MaxAttempts {
			break
		}

		delay := r.Delay(attempt)
		if r.config.OnRetry != nil {
			r.config.OnRetry(attempt, err, delay)
		}

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return canceled(attempt, ctx.Err())
		case <-timer.C:
		}
	}

	return errors.Newf(errors.ErrCodeRetryExhausted, "gave up after %d attempts", r.config.MaxAttempts).
		WithComponent("retry").
		WithCause(lastErr)
}

func canceled(attempts int, cause error) error {
	return errors.Newf(errors.ErrCodeOperationCanceled, "canceled after %d attempts", attempts).
		WithComponent("retry").
		WithCause(cause)
}

func (r *Retryer) retryable(err error) bool {
	var bfsErr *errors.BlockFSError
	if !stderr.As(err, &bfsErr) {
		return false
	}
	if bfsErr.Retryable {
		return true
	}
	for _, code := range r.config.RetryableErrors {
		if bfsErr.Code == code {
			return true
		}
	}
	return false
}

// Delay returns the wait before retry number attempt (1-based):
// InitialDelay * Multiplier^(attempt-1), capped at MaxDelay.
func (r *Retryer) Delay(attempt int) time.Duration {
	delay := float64(r.config.InitialDelay) * math.Pow(r.config.Multiplier, float64(attempt-1))
	if delay > float64(r.config.MaxDelay) {
		delay = float64(r.config.MaxDelay)
	}

	if r.config.Jitter {
		delay += delay * 0.2 * (rand.Float64()*2 - 1)
	}

	return time.Duration(delay)
}

// WithOnRetry returns a new Retryer with a retry callback
func (r *Retryer) WithOnRetry(callback func(attempt int, err error, delay time.Duration)) *Retryer {
	newConfig := r.config
	newConfig.OnRetry = callback
	return New(newConfig)
}
