package workerrt

import (
	"context"
	"errors"
	"io"
	"net"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIsTransientError(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"context canceled", context.Canceled, false},
		{"deadline exceeded", context.DeadlineExceeded, false},
		{"unexpected eof", io.ErrUnexpectedEOF, true},
		{"connection refused", syscall.ECONNREFUSED, true},
		{"connection reset", syscall.ECONNRESET, true},
		{"net error", &net.DNSError{IsTimeout: true}, true},
		{"plain error", errors.New("boom"), false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, isTransientError(tc.err))
		})
	}
}

func TestRetryWithBackoffSucceedsAfterRetries(t *testing.T) {
	attempts := 0
	cfg := &RetryConfig{MaxRetries: 3, InitialDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond, BackoffFactor: 2, JitterFraction: 0}

	err := RetryWithBackoff(context.Background(), cfg, "test", func() error {
		attempts++
		if attempts < 3 {
			return &RetryableError{Err: errors.New("transient"), Retryable: true}
		}
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 3, attempts)
}

func TestRetryWithBackoffStopsOnNonRetryable(t *testing.T) {
	attempts := 0
	cfg := &RetryConfig{MaxRetries: 3, InitialDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond, BackoffFactor: 2}

	err := RetryWithBackoff(context.Background(), cfg, "test", func() error {
		attempts++
		return &RetryableError{Err: errors.New("fatal"), Retryable: false}
	})

	require.Error(t, err)
	assert.Equal(t, 1, attempts)
}

func TestRetryWithBackoffExhaustsMaxRetries(t *testing.T) {
	attempts := 0
	cfg := &RetryConfig{MaxRetries: 2, InitialDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond, BackoffFactor: 2}

	err := RetryWithBackoff(context.Background(), cfg, "test", func() error {
		attempts++
		return &RetryableError{Err: errors.New("still failing"), Retryable: true}
	})

	require.Error(t, err)
	assert.Equal(t, 3, attempts) // initial + 2 retries
}

func TestRetryForeverStopsOnContextCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cfg := &RetryConfig{InitialDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond, BackoffFactor: 2}

	attempts := 0
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	err := RetryForever(ctx, cfg, "register", func() error {
		attempts++
		return errors.New("control plane unreachable")
	})

	assert.ErrorIs(t, err, context.Canceled)
	assert.True(t, attempts > 0)
}

func TestRetryForeverSucceeds(t *testing.T) {
	cfg := &RetryConfig{InitialDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond, BackoffFactor: 2}
	attempts := 0

	err := RetryForever(context.Background(), cfg, "register", func() error {
		attempts++
		if attempts < 2 {
			return errors.New("not yet")
		}
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 2, attempts)
}

func TestClassifyExecutionErrorSuccess(t *testing.T) {
	assert.Nil(t, ClassifyExecutionError(nil, 0))
}

func TestClassifyExecutionErrorOOMKillIsRetryable(t *testing.T) {
	classified := ClassifyExecutionError(nil, 137)
	require.NotNil(t, classified)
	assert.True(t, classified.Retryable)
}

func TestClassifyExecutionErrorCommandNotFoundIsNotRetryable(t *testing.T) {
	classified := ClassifyExecutionError(nil, 127)
	require.NotNil(t, classified)
	assert.False(t, classified.Retryable)
}
