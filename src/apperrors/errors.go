package apperrors

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// Category sentinels. Every typed error below reports itself as its category
// through errors.Is, so callers that only need the class do not have to use errors.As.
var (
	// ErrCredential indicates the provider rejected the API key or its permissions.
	ErrCredential = errors.New("credential error")

	// ErrRateLimited indicates the provider kept answering 429 after all retries.
	ErrRateLimited = errors.New("rate limited")

	// ErrNetwork indicates a transport failure, timeout or 5xx that outlived the retry budget.
	ErrNetwork = errors.New("network error")

	// ErrUnsupportedOperation indicates the provider does not expose the requested data category.
	ErrUnsupportedOperation = errors.New("unsupported operation")

	// ErrInsufficientLots indicates a disposal larger than the recorded holdings.
	ErrInsufficientLots = errors.New("insufficient lots")
)

// Request validation errors.
var (
	// ErrUnknownProvider indicates the provider name has no registered adapter.
	ErrUnknownProvider = errors.New("unknown provider")

	// ErrInvalidFiscalYear indicates a fiscal year outside the supported range.
	ErrInvalidFiscalYear = errors.New("invalid fiscal year")

	// ErrReportNotFound indicates the report job ID is unknown or has expired.
	ErrReportNotFound = errors.New("report not found")

	ErrInvalidRequest = errors.New("invalid request")
)

type CredentialReason string

const (
	ReasonInvalidKey              CredentialReason = "invalid_key"
	ReasonInsufficientPermissions CredentialReason = "insufficient_permissions"
	ReasonIPNotAllowed            CredentialReason = "ip_not_allowed"
	ReasonMalformedSecret         CredentialReason = "malformed_secret"
)

// CredentialError is terminal; it is never retried.
type CredentialError struct {
	Provider string
	Reason   CredentialReason
	Message  string // Provider detail, never contains the secret
}

func (e *CredentialError) Error() string {
	var hint string
	switch e.Reason {
	case ReasonInsufficientPermissions:
		hint = "the API key lacks the required read permissions; enable them in your " + e.Provider + " API settings"
	case ReasonIPNotAllowed:
		hint = "the API key is restricted to other IP addresses; add this server's IP to the key's allow-list"
	case ReasonMalformedSecret:
		hint = "the API secret is not in the expected format; check that it was copied completely"
	default:
		hint = "the API key or secret is invalid; check your API key/permissions"
	}
	if e.Message != "" {
		return fmt.Sprintf("%s: %s (%s)", e.Provider, hint, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Provider, hint)
}

func (e *CredentialError) Is(target error) bool { return target == ErrCredential }

type RateLimitError struct {
	Provider string
	Attempts int
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("%s: rate limit still exceeded after %d attempts", e.Provider, e.Attempts)
}

func (e *RateLimitError) Is(target error) bool { return target == ErrRateLimited }

type NetworkError struct {
	Provider string
	Attempts int
	Err      error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("%s: request failed after %d attempts: %v", e.Provider, e.Attempts, e.Err)
}

func (e *NetworkError) Unwrap() error { return e.Err }

func (e *NetworkError) Is(target error) bool { return target == ErrNetwork }

// UnsupportedOperationError is not a failure: adapters treat it as zero records.
type UnsupportedOperationError struct {
	Provider  string
	Operation string
}

func (e *UnsupportedOperationError) Error() string {
	return fmt.Sprintf("%s does not support %s", e.Provider, e.Operation)
}

func (e *UnsupportedOperationError) Is(target error) bool { return target == ErrUnsupportedOperation }

// APIError is a non-retryable provider rejection that is neither auth nor rate limiting.
type APIError struct {
	Provider   string
	StatusCode int
	Code       string
	Message    string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("%s: API error %d (code %s): %s", e.Provider, e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("%s: API error %d: %s", e.Provider, e.StatusCode, e.Message)
}

type InsufficientLotsError struct {
	Asset         string
	TransactionID string
	Requested     decimal.Decimal
	Unmatched     decimal.Decimal
}

func (e *InsufficientLotsError) Error() string {
	return fmt.Sprintf("disposal %s of %s %s exceeds holdings by %s",
		e.TransactionID, e.Requested.String(), e.Asset, e.Unmatched.String())
}

func (e *InsufficientLotsError) Is(target error) bool { return target == ErrInsufficientLots }

// IsRetryable reports whether a failure may succeed on a later attempt.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrRateLimited) || errors.Is(err, ErrNetwork)
}
