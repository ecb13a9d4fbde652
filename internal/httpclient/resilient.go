package httpclient

import (
	"bytes"
	"context"
	"dify-gateway/internal/logger"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"
)

// FailureKind classifies a terminal call failure so callers can present a
// user-appropriate message.
type FailureKind string

const (
	FailureTimeout      FailureKind = "timeout"
	FailureConnectivity FailureKind = "connectivity"
	FailureClient       FailureKind = "client_rejected"
	FailureGeneric      FailureKind = "generic"
)

// CallError is the terminal error returned after the retry budget is
// exhausted or a non-retryable response is seen.
type CallError struct {
	Kind       FailureKind
	StatusCode int
	Message    string
}

func (e *CallError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("upstream call failed (%s, status %d): %s", e.Kind, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("upstream call failed (%s): %s", e.Kind, e.Message)
}

// AsCallError unwraps err into a *CallError if possible.
func AsCallError(err error) (*CallError, bool) {
	var ce *CallError
	if errors.As(err, &ce) {
		return ce, true
	}
	return nil, false
}

// RequestSpec describes the request to issue.
type RequestSpec struct {
	Method  string
	Headers map[string]string
	Body    []byte
}

// Response carries the successful response body and transport headers.
type Response struct {
	StatusCode int
	Body       []byte
	Header     http.Header
}

const (
	baseBackoff = 1000 * time.Millisecond
	maxBackoff  = 10000 * time.Millisecond
)

// Caller issues HTTP calls with a per-attempt timeout and exponential
// backoff retry. It is stateless and safe for concurrent use.
type Caller struct {
	client *http.Client
	// sleep is swapped in tests to avoid real delays
	sleep func(context.Context, time.Duration) error
}

// New returns a Caller using the default transport.
func New() *Caller {
	return &Caller{
		client: &http.Client{},
		sleep:  sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}

// Call issues the request, retrying on transport failures, timeouts and
// HTTP 5xx. 4xx responses are terminal. Total attempts = maxRetries + 1.
// The delay before attempt i+1 is min(1s * 2^i, 10s).
func (c *Caller) Call(ctx context.Context, url string, spec RequestSpec, timeout time.Duration, maxRetries int) (*Response, error) {
	var lastErr *CallError

	for attempt := 0; attempt <= maxRetries; attempt++ {
		if attempt > 0 {
			delay := backoffDelay(attempt - 1)
			logger.Log.WithFields(logrus.Fields{
				"url":     url,
				"attempt": attempt,
				"delay":   delay.String(),
			}).Warn("Retrying upstream call")
			if err := c.sleep(ctx, delay); err != nil {
				return nil, &CallError{Kind: FailureTimeout, Message: err.Error()}
			}
		}

		resp, callErr := c.attempt(ctx, url, spec, timeout)
		if callErr == nil {
			return resp, nil
		}

		// 4xx is a terminal client error, never retried
		if callErr.Kind == FailureClient {
			return nil, callErr
		}

		lastErr = callErr
	}

	logger.Log.WithFields(logrus.Fields{
		"url":      url,
		"attempts": maxRetries + 1,
		"kind":     lastErr.Kind,
	}).Error("Upstream call failed after all retries")

	return nil, lastErr
}

// attempt issues a single request with a hard timeout.
func (c *Caller) attempt(ctx context.Context, url string, spec RequestSpec, timeout time.Duration) (*Response, *CallError) {
	attemptCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	method := spec.Method
	if method == "" {
		method = http.MethodPost
	}

	var bodyReader io.Reader
	if spec.Body != nil {
		bodyReader = bytes.NewReader(spec.Body)
	}

	req, err := http.NewRequestWithContext(attemptCtx, method, url, bodyReader)
	if err != nil {
		return nil, &CallError{Kind: FailureGeneric, Message: err.Error()}
	}
	for k, v := range spec.Headers {
		req.Header.Set(k, v)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || attemptCtx.Err() == context.DeadlineExceeded {
			return nil, &CallError{Kind: FailureTimeout, Message: err.Error()}
		}
		return nil, &CallError{Kind: FailureConnectivity, Message: err.Error()}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || attemptCtx.Err() == context.DeadlineExceeded {
			return nil, &CallError{Kind: FailureTimeout, Message: err.Error()}
		}
		return nil, &CallError{Kind: FailureConnectivity, Message: err.Error()}
	}

	switch {
	case resp.StatusCode >= 500:
		return nil, &CallError{Kind: FailureGeneric, StatusCode: resp.StatusCode, Message: string(body)}
	case resp.StatusCode >= 400:
		return nil, &CallError{Kind: FailureClient, StatusCode: resp.StatusCode, Message: string(body)}
	}

	return &Response{
		StatusCode: resp.StatusCode,
		Body:       body,
		Header:     resp.Header,
	}, nil
}

// backoffDelay returns the wait before the retry following attempt i
// (0-indexed): min(1s * 2^i, 10s).
func backoffDelay(i int) time.Duration {
	d := baseBackoff << uint(i)
	if d > maxBackoff || d <= 0 {
		return maxBackoff
	}
	return d
}
