// Package fetch provides an http.RoundTripper with bounded retries and
// exponential backoff.
package fetch

import (
	"bytes"
	"context"
	"io"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// RetryPolicy is fixed for the lifetime of a Transport.
type RetryPolicy struct {
	// Total is the number of retries after the first attempt.
	Total int
	// BackoffFactor is in seconds; retry n waits BackoffFactor * 2^(n-1).
	BackoffFactor float64
	// BackoffMax caps any single wait. Zero means uncapped.
	BackoffMax time.Duration
	// StatusForcelist holds the statuses that are retried.
	StatusForcelist []int
}

// DefaultRetryPolicy retries 500, 502, 503 and 504 three times.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		Total:         3,
		BackoffFactor: 0.3,
		BackoffMax:    120 * time.Second,
		StatusForcelist: []int{
			http.StatusInternalServerError,
			http.StatusBadGateway,
			http.StatusServiceUnavailable,
			http.StatusGatewayTimeout,
		},
	}
}

// Retryable reports whether status is in the forcelist.
func (p RetryPolicy) Retryable(status int) bool {
	for _, s := range p.StatusForcelist {
		if s == status {
			return true
		}
	}
	return false
}

// Backoff returns the wait before the 1-based retry n.
func (p RetryPolicy) Backoff(retry int) time.Duration {
	if retry <= 0 || p.BackoffFactor <= 0 {
		return 0
	}
	seconds := p.BackoffFactor * math.Pow(2, float64(retry-1))
	return p.capWait(time.Duration(seconds * float64(time.Second)))
}

func (p RetryPolicy) capWait(d time.Duration) time.Duration {
	if p.BackoffMax > 0 && d > p.BackoffMax {
		return p.BackoffMax
	}
	return d
}

// RetryEvent describes one scheduled retry.
type RetryEvent struct {
	URL        string
	Retry      int
	Reason     string
	StatusCode int
	Err        error
	Wait       time.Duration
}

// Transport retries idempotent requests on connection failures, body read
// failures and forcelisted statuses. Successful bodies are fully buffered so
// a short read surfaces inside the retry loop.
type Transport struct {
	Base    http.RoundTripper
	Policy  RetryPolicy
	OnRetry func(RetryEvent)

	sleep func(ctx context.Context, d time.Duration) error
}

// NewTransport wraps base. A nil base uses http.DefaultTransport.
func NewTransport(base http.RoundTripper, policy RetryPolicy) *Transport {
	return &Transport{Base: base, Policy: policy}
}

func (t *Transport) RoundTrip(req *http.Request) (*http.Response, error) {
	base := t.Base
	if base == nil {
		base = http.DefaultTransport
	}

	canRetry := (req.Method == http.MethodGet || req.Method == http.MethodHead) &&
		(req.Body == nil || req.Body == http.NoBody)
	maxRetries := t.Policy.Total
	if maxRetries < 0 || !canRetry {
		maxRetries = 0
	}

	url := req.URL.String()
	for attempt := 1; ; attempt++ {
		var (
			lastErr    error
			lastStatus int
			retryAfter time.Duration
		)

		resp, err := base.RoundTrip(req.Clone(req.Context()))
		switch {
		case err != nil:
			lastErr = Classify(err, 0)
			if req.Context().Err() != nil {
				return nil, &FetchError{URL: url, Attempts: attempt, Err: lastErr}
			}
		case t.Policy.Retryable(resp.StatusCode):
			lastStatus = resp.StatusCode
			lastErr = ErrServer{StatusCode: resp.StatusCode}
			retryAfter = parseRetryAfter(resp.Header.Get("Retry-After"))
			discard(resp)
		default:
			if err := bufferBody(resp); err != nil {
				lastErr = ErrRead{Err: err}
				break
			}
			return resp, nil
		}

		if attempt > maxRetries {
			return nil, &FetchError{URL: url, Attempts: attempt, StatusCode: lastStatus, Err: lastErr}
		}

		wait := t.Policy.Backoff(attempt)
		if retryAfter > wait {
			wait = t.Policy.capWait(retryAfter)
		}
		if t.OnRetry != nil {
			t.OnRetry(RetryEvent{
				URL:        url,
				Retry:      attempt,
				Reason:     Label(lastErr),
				StatusCode: lastStatus,
				Err:        lastErr,
				Wait:       wait,
			})
		}
		if err := t.wait(req.Context(), wait); err != nil {
			return nil, &FetchError{URL: url, Attempts: attempt, StatusCode: lastStatus, Err: err}
		}
	}
}

func (t *Transport) wait(ctx context.Context, d time.Duration) error {
	if t.sleep != nil {
		return t.sleep(ctx, d)
	}
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func bufferBody(resp *http.Response) error {
	if resp.Body == nil {
		return nil
	}
	data, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	if err != nil {
		return err
	}
	resp.Body = io.NopCloser(bytes.NewReader(data))
	return nil
}

func discard(resp *http.Response) {
	if resp.Body == nil {
		return
	}
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
	resp.Body.Close()
}

// parseRetryAfter only understands the delta-seconds form.
func parseRetryAfter(value string) time.Duration {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0
	}
	seconds, err := strconv.Atoi(value)
	if err != nil || seconds < 0 {
		return 0
	}
	return time.Duration(seconds) * time.Second
}
