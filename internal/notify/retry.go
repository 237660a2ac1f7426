package notify

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"
)

// Backoff strategies for RetryPolicy.
const (
	BackoffConstant    = "constant"
	BackoffLinear      = "linear"
	BackoffExponential = "exponential"
)

// RetryPolicy bounds redelivery of one webhook payload.
type RetryPolicy struct {
	// Attempts is the total number of tries. Values below 1 mean one try.
	Attempts int
	Delay    time.Duration
	MaxDelay time.Duration
	Backoff  string
}

func (p RetryPolicy) attempts() int {
	if p.Attempts < 1 {
		return 1
	}
	return p.Attempts
}

// statusError is a delivery answered with a non-2xx/3xx status.
type statusError struct {
	code int
}

func (e *statusError) Error() string {
	return fmt.Sprintf("unexpected status %d", e.code)
}

// permanentError wraps failures that no retry can fix.
type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// isRetryable classifies a delivery error. Server errors, throttling,
// timeouts and network failures are retried; other client errors are not.
func isRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	var perm *permanentError
	if errors.As(err, &perm) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var se *statusError
	if errors.As(err, &se) {
		return se.code >= 500 || se.code == http.StatusTooManyRequests || se.code == http.StatusRequestTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	return true
}

// computeBackoff returns the delay before retry number attempt (0-based),
// capped at MaxDelay when set.
func computeBackoff(p RetryPolicy, attempt int) time.Duration {
	if p.Delay <= 0 {
		return 0
	}

	var delay time.Duration
	switch p.Backoff {
	case BackoffExponential:
		delay = p.Delay << min(attempt, 30)
	case BackoffLinear:
		delay = p.Delay * time.Duration(attempt+1)
	default:
		delay = p.Delay
	}

	if p.MaxDelay > 0 && delay > p.MaxDelay {
		delay = p.MaxDelay
	}
	return delay
}

// waitForBackoff sleeps for delay or returns early with the context error.
func waitForBackoff(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	t := time.NewTimer(delay)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
