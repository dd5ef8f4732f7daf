package workerrt

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"math/rand"
	"net"
	"syscall"
	"time"

	"github.com/catalystcommunity/trainforge/orchestrator/internal/obslog"
)

// RetryConfig holds configuration for retry logic.
type RetryConfig struct {
	MaxRetries     int           // Maximum number of retry attempts
	InitialDelay   time.Duration // Initial delay between retries
	MaxDelay       time.Duration // Maximum delay between retries
	BackoffFactor  float64       // Exponential backoff factor (e.g., 2.0)
	JitterFraction float64       // Fraction of delay to add as random jitter (0.0-1.0)
}

// DefaultRetryConfig returns the default retry configuration.
func DefaultRetryConfig() *RetryConfig {
	return &RetryConfig{
		MaxRetries:     3,
		InitialDelay:   1 * time.Second,
		MaxDelay:       30 * time.Second,
		BackoffFactor:  2.0,
		JitterFraction: 0.1,
	}
}

// RetryableError represents an error that can be retried.
type RetryableError struct {
	Err       error
	Retryable bool
	Reason    string
}

func (e *RetryableError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("%v (reason: %s, retryable: %v)", e.Err, e.Reason, e.Retryable)
	}
	return fmt.Sprintf("%v (retryable: %v)", e.Err, e.Retryable)
}

func (e *RetryableError) Unwrap() error {
	return e.Err
}

// IsRetryable checks if an error is retryable.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}

	var retryableErr *RetryableError
	if errors.As(err, &retryableErr) {
		return retryableErr.Retryable
	}

	return isTransientError(err)
}

// isTransientError reports whether err looks like a network-level hiccup
// worth retrying: a connection refused/reset (control plane restarting, a
// LB still warming up), a timeout, or an unexpected EOF mid-response. A
// context cancellation/deadline is the caller's own signal to stop, never
// a reason to retry.
func isTransientError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}
	if errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.EPIPE) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	return false
}

// RetryWithBackoffCounter executes a function with exponential backoff retry
// logic and provides an attempt counter.
func RetryWithBackoffCounter(ctx context.Context, cfg *RetryConfig, operation string, fn func(attempt int) error) error {
	if cfg == nil {
		cfg = DefaultRetryConfig()
	}

	var lastErr error
	delay := cfg.InitialDelay

	for attempt := 0; attempt <= cfg.MaxRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("context cancelled before attempt %d: %w", attempt+1, err)
		}

		if err := fn(attempt); err != nil {
			lastErr = err

			if !IsRetryable(err) {
				obslog.Log.WithField("operation", operation).
					WithField("attempt", attempt+1).
					WithError(err).
					Warn("non-retryable error encountered")
				return err
			}

			if attempt >= cfg.MaxRetries {
				obslog.Log.WithField("operation", operation).
					WithField("attempts", attempt+1).
					WithError(err).
					Error("max retries exceeded")
				return fmt.Errorf("operation %s failed after %d attempts: %w", operation, attempt+1, err)
			}

			if attempt > 0 {
				delay = time.Duration(float64(delay) * cfg.BackoffFactor)
				if delay > cfg.MaxDelay {
					delay = cfg.MaxDelay
				}
			}

			jitteredDelay := addJitter(delay, cfg.JitterFraction)

			obslog.Log.WithField("operation", operation).
				WithField("attempt", attempt+1).
				WithField("delay", jitteredDelay).
				WithError(err).
				Info("retrying operation after delay")

			select {
			case <-time.After(jitteredDelay):
			case <-ctx.Done():
				return fmt.Errorf("context cancelled during retry delay: %w", ctx.Err())
			}
		} else {
			if attempt > 0 {
				obslog.Log.WithField("operation", operation).
					WithField("attempt", attempt+1).
					Info("operation succeeded after retry")
			}
			return nil
		}
	}

	return lastErr
}

// RetryWithBackoff executes a function with exponential backoff retry logic.
func RetryWithBackoff(ctx context.Context, cfg *RetryConfig, operation string, fn func() error) error {
	return RetryWithBackoffCounter(ctx, cfg, operation, func(_ int) error {
		return fn()
	})
}

// RetryForever retries fn with exponential backoff, capped at cfg.MaxDelay,
// until it succeeds or ctx is cancelled. It ignores cfg.MaxRetries and
// never gives up on its own: this is the worker runtime's registration
// semantics, which must keep trying to reach the control plane across a
// restart or a rolling deploy rather than surface a terminal error.
func RetryForever(ctx context.Context, cfg *RetryConfig, operation string, fn func() error) error {
	if cfg == nil {
		cfg = DefaultRetryConfig()
	}
	delay := cfg.InitialDelay

	for attempt := 0; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		err := fn()
		if err == nil {
			if attempt > 0 {
				obslog.Log.WithField("operation", operation).
					WithField("attempt", attempt+1).
					Info("operation succeeded after retry")
			}
			return nil
		}

		if attempt > 0 {
			delay = time.Duration(float64(delay) * cfg.BackoffFactor)
			if delay > cfg.MaxDelay {
				delay = cfg.MaxDelay
			}
		}
		jitteredDelay := addJitter(delay, cfg.JitterFraction)

		obslog.Log.WithField("operation", operation).
			WithField("attempt", attempt+1).
			WithField("delay", jitteredDelay).
			WithError(err).
			Warn("retrying indefinitely after failed attempt")

		select {
		case <-time.After(jitteredDelay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func addJitter(d time.Duration, fraction float64) time.Duration {
	if fraction <= 0 {
		return d
	}
	if fraction > 1 {
		fraction = 1
	}
	jitter := time.Duration(rand.Float64() * float64(d) * fraction)
	return d + jitter
}

func calculateBackoffDelay(attempt int, cfg *RetryConfig) time.Duration {
	if attempt <= 0 {
		return cfg.InitialDelay
	}
	delay := time.Duration(float64(cfg.InitialDelay) * math.Pow(cfg.BackoffFactor, float64(attempt)))
	if delay > cfg.MaxDelay {
		delay = cfg.MaxDelay
	}
	return addJitter(delay, cfg.JitterFraction)
}

// ClassifyExecutionError classifies a job's exit code/error as retryable or
// not. The worker runtime reports its Reason as the job's error kind and
// its Error() as the message; the Retryable flag is not sent.
func ClassifyExecutionError(err error, exitCode int) *RetryableError {
	if err == nil && exitCode == 0 {
		return nil
	}

	if exitCode != 0 {
		switch exitCode {
		case 125: // container runtime couldn't even start the container
			return &RetryableError{
				Err:       fmt.Errorf("container execution error (exit code %d)", exitCode),
				Retryable: true,
				Reason:    "container runtime error",
			}
		case 126: // permission denied or cannot execute
			return &RetryableError{
				Err:       fmt.Errorf("execution permission error (exit code %d)", exitCode),
				Retryable: false,
				Reason:    "permission denied",
			}
		case 127: // command not found
			return &RetryableError{
				Err:       fmt.Errorf("command not found (exit code %d)", exitCode),
				Retryable: false,
				Reason:    "command not found",
			}
		case 137: // SIGKILL, frequently the OOM killer
			return &RetryableError{
				Err:       fmt.Errorf("process killed (exit code %d)", exitCode),
				Retryable: true,
				Reason:    "process killed (possibly OOM)",
			}
		case 143: // SIGTERM
			return &RetryableError{
				Err:       fmt.Errorf("process terminated (exit code %d)", exitCode),
				Retryable: false,
				Reason:    "process terminated",
			}
		default:
			return &RetryableError{
				Err:       fmt.Errorf("job failed with exit code %d", exitCode),
				Retryable: false,
				Reason:    "application error",
			}
		}
	}

	if err != nil {
		if isTransientError(err) {
			return &RetryableError{Err: err, Retryable: true, Reason: "transient error"}
		}
		return &RetryableError{Err: err, Retryable: false}
	}

	return nil
}
