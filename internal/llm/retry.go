package llm

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"
)

// retryClient wraps a Client with bounded retries and exponential backoff on
// transient faults. Non-transient errors fail immediately.
type retryClient struct {
	inner   Client
	retries int
	backoff time.Duration
}

// WithRetry wraps client. retries is the number of attempts after the first;
// negative values mean no retries.
func WithRetry(client Client, retries int) Client {
	if retries < 0 {
		retries = 0
	}
	return &retryClient{inner: client, retries: retries, backoff: time.Second}
}

func (r *retryClient) Complete(ctx context.Context, prompt string) (string, Usage, error) {
	var lastErr error
	for attempt := 0; attempt <= r.retries; attempt++ {
		if attempt > 0 {
			wait := r.backoff << (attempt - 1)
			select {
			case <-ctx.Done():
				return "", Usage{}, ctx.Err()
			case <-time.After(wait):
			}
		}

		text, usage, err := r.inner.Complete(ctx, prompt)
		if err == nil {
			return text, usage, nil
		}
		lastErr = err
		if !IsTransient(err) {
			return "", Usage{}, err
		}
	}
	return "", Usage{}, fmt.Errorf("%w after %d attempts: %v", ErrExhausted, r.retries+1, lastErr)
}

// IsTransient reports whether an error is worth retrying: rate limits,
// server-side failures, network timeouts.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, marker := range []string{
		"rate limit", "429", "500", "502", "503", "504",
		"overloaded", "connection reset", "timeout", "temporarily unavailable",
	} {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}
