package providers

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"
)

// RetryConfig bounds the Send retry loop. The per-attempt timeout grows
// linearly: BaseTimeout + attempt*RetryIncrement.
type RetryConfig struct {
	MaxRetries     int
	BaseTimeout    time.Duration
	RetryIncrement time.Duration
}

// DefaultRetryConfig matches the endpoint defaults: three retries, 240s base
// timeout growing by 60s per attempt.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:     3,
		BaseTimeout:    240 * time.Second,
		RetryIncrement: 60 * time.Second,
	}
}

// attemptTimeout returns the adaptive timeout for the given attempt.
func (rc RetryConfig) attemptTimeout(attempt int) time.Duration {
	return rc.BaseTimeout + time.Duration(attempt)*rc.RetryIncrement
}

// decodeError marks a response-parsing failure, retried with a gentler
// back-off than network failures.
type decodeError struct{ err error }

func (e *decodeError) Error() string { return fmt.Sprintf("decode response: %v", e.err) }
func (e *decodeError) Unwrap() error { return e.err }

// httpStatusError is a non-2xx response from the endpoint.
type httpStatusError struct {
	status int
	body   string
}

func (e *httpStatusError) Error() string {
	return fmt.Sprintf("endpoint returned status %d: %s", e.status, e.body)
}

// backoffFor returns the sleep before the next attempt: 2^attempt seconds
// for network and server errors, (1+attempt) seconds for decode errors.
func backoffFor(err error, attempt int) time.Duration {
	var de *decodeError
	if errors.As(err, &de) {
		return time.Duration(1+attempt) * time.Second
	}
	return time.Duration(1<<attempt) * time.Second
}

// retryable reports whether err is worth another attempt. Context
// cancellation is never retried; the caller surfaces it as an interruption.
func retryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	var de *decodeError
	if errors.As(err, &de) {
		return true
	}
	var se *httpStatusError
	if errors.As(err, &se) {
		return se.status >= 500 || se.status == 429
	}
	var ne net.Error
	if errors.As(err, &ne) {
		return true
	}
	// Connection refused and friends arrive as *url.Error wrapping syscalls.
	return true
}

// sleepCtx sleeps for d or until ctx is done, whichever comes first.
func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
