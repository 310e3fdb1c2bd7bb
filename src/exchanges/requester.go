package exchanges

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/username/cryptotax/src/apperrors"
	"github.com/username/cryptotax/src/logger"
	"github.com/username/cryptotax/src/metrics"
	"golang.org/x/time/rate"
)

const maxResponseBytes = 16 << 20

// RetryPolicy bounds the attempts for one logical request. The wait after
// attempt n is BaseDelay * 2^(n-1), capped at MaxDelay.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

func (p RetryPolicy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := p.BaseDelay
	for i := 1; i < attempt; i++ {
		d *= 2
		if p.MaxDelay > 0 && d >= p.MaxDelay {
			return p.MaxDelay
		}
	}
	if p.MaxDelay > 0 && d > p.MaxDelay {
		return p.MaxDelay
	}
	return d
}

// Sleeper waits for d or until ctx is done.
type Sleeper func(ctx context.Context, d time.Duration) error

func SleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// requestBuilder is called once per attempt so that timestamps, nonces and
// tokens are fresh on every retry.
type requestBuilder func(ctx context.Context) (*http.Request, error)

// errorClassifier turns a terminal non-2xx response into a CredentialError or APIError.
type errorClassifier func(status int, body []byte) error

type requester struct {
	provider string
	client   *http.Client
	limiter  *rate.Limiter
	retry    RetryPolicy
	timeout  time.Duration
	sleep    Sleeper
	classify errorClassifier
}

func newRequester(provider string, o Options, classify errorClassifier) *requester {
	return &requester{
		provider: provider,
		client:   o.HTTPClient,
		limiter:  o.Limiter,
		retry:    o.Retry,
		timeout:  o.RequestTimeout,
		sleep:    o.Sleep,
		classify: classify,
	}
}

type failureKind int

const (
	failNone failureKind = iota
	failRateLimit
	failNetwork
)

// do runs build/send/classify with bounded retries and returns the 2xx body.
func (r *requester) do(ctx context.Context, build requestBuilder) ([]byte, error) {
	var (
		lastErr  error
		lastKind failureKind
	)

	for attempt := 1; attempt <= r.retry.MaxAttempts; attempt++ {
		if attempt > 1 {
			delay := r.retry.Delay(attempt - 1)
			logger.L.Debug("Retrying exchange request", "provider", r.provider, "attempt", attempt, "delay", delay.String(), "error", lastErr)
			if err := r.sleep(ctx, delay); err != nil {
				metrics.ExchangeRequestsTotal.WithLabelValues(r.provider, "canceled").Inc()
				return nil, err
			}
		}

		body, kind, err := r.attempt(ctx, build)
		if err == nil {
			metrics.ExchangeRequestsTotal.WithLabelValues(r.provider, "ok").Inc()
			return body, nil
		}
		if kind == failNone {
			metrics.ExchangeRequestsTotal.WithLabelValues(r.provider, outcomeLabel(err)).Inc()
			return nil, err
		}
		lastErr, lastKind = err, kind
		if attempt < r.retry.MaxAttempts {
			reason := "network"
			if kind == failRateLimit {
				reason = "rate_limit"
			}
			metrics.ExchangeRetriesTotal.WithLabelValues(r.provider, reason).Inc()
		}
	}

	if lastKind == failRateLimit {
		metrics.ExchangeRequestsTotal.WithLabelValues(r.provider, "rate_limited").Inc()
		return nil, &apperrors.RateLimitError{Provider: r.provider, Attempts: r.retry.MaxAttempts}
	}
	metrics.ExchangeRequestsTotal.WithLabelValues(r.provider, "network_error").Inc()
	return nil, &apperrors.NetworkError{Provider: r.provider, Attempts: r.retry.MaxAttempts, Err: lastErr}
}

// attempt performs one request. A non-nil error with failNone is terminal.
func (r *requester) attempt(ctx context.Context, build requestBuilder) ([]byte, failureKind, error) {
	if r.limiter != nil {
		if err := r.limiter.Wait(ctx); err != nil {
			if ctx.Err() != nil {
				return nil, failNone, ctx.Err()
			}
			return nil, failNone, fmt.Errorf("waiting for %s rate limiter: %w", r.provider, err)
		}
	}

	attemptCtx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	req, err := build(attemptCtx)
	if err != nil {
		return nil, failNone, err
	}

	resp, err := r.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, failNone, ctx.Err()
		}
		return nil, failNetwork, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		if ctx.Err() != nil {
			return nil, failNone, ctx.Err()
		}
		return nil, failNetwork, fmt.Errorf("reading response body: %w", err)
	}

	logger.L.Debug("Exchange response", "provider", r.provider, "method", req.Method, "path", req.URL.Path, "status", resp.StatusCode)

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return body, failNone, nil
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode == http.StatusTeapot:
		return nil, failRateLimit, fmt.Errorf("HTTP %d%s", resp.StatusCode, retryAfterHint(resp))
	case resp.StatusCode >= 500:
		return nil, failNetwork, fmt.Errorf("HTTP %d", resp.StatusCode)
	default:
		return nil, failNone, r.classify(resp.StatusCode, body)
	}
}

func retryAfterHint(resp *http.Response) string {
	if v := resp.Header.Get("Retry-After"); v != "" {
		if secs, err := strconv.Atoi(v); err == nil {
			return fmt.Sprintf(" (retry after %ds)", secs)
		}
	}
	return ""
}

func outcomeLabel(err error) string {
	switch {
	case errors.Is(err, apperrors.ErrCredential):
		return "credential_error"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "canceled"
	default:
		return "api_error"
	}
}

// defaultClassifier maps 401/403 to an invalid-key CredentialError and anything else to APIError.
func defaultClassifier(provider string) errorClassifier {
	return func(status int, body []byte) error {
		msg := truncate(string(body), 200)
		if status == http.StatusUnauthorized || status == http.StatusForbidden {
			reason := apperrors.ReasonInvalidKey
			if status == http.StatusForbidden {
				reason = apperrors.ReasonInsufficientPermissions
			}
			return &apperrors.CredentialError{Provider: provider, Reason: reason, Message: msg}
		}
		return &apperrors.APIError{Provider: provider, StatusCode: status, Message: msg}
	}
}

func decodeJSON(provider string, body []byte, v any) error {
	if err := json.Unmarshal(body, v); err != nil {
		return fmt.Errorf("decoding %s response: %w", provider, err)
	}
	return nil
}

// capReached logs and counts a pagination stop. The caller returns what it has.
func capReached(provider, category string, fetched, limit int) bool {
	if fetched < limit {
		return false
	}
	logger.L.Warn("Pagination safety cap reached, returning partial data",
		"provider", provider, "category", category, "fetched", fetched, "cap", limit)
	metrics.PaginationCapHits.WithLabelValues(provider, category).Inc()
	return true
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
