package dispatch

import (
	"errors"
	"fmt"
)

// Code classifies a fetch failure. Codes are part of the API error
// payload, so they are stable strings.
type Code string

const (
	// CodeIdentityConflict: the gateway reported the leased identity
	// already bound. Recoverable; the dispatcher re-leases and retries.
	CodeIdentityConflict Code = "identity_conflict"
	// CodeWorkerTimeout: the worker ran past its deadline and was killed.
	CodeWorkerTimeout Code = "worker_timeout"
	// CodeWorkerFailure: the worker exited without producing a result.
	CodeWorkerFailure Code = "worker_failure"
	// CodeGatewayUnreachable: no gateway connection was established.
	CodeGatewayUnreachable Code = "gateway_unreachable"
	// CodeNoData: the fetch succeeded but the chain came back empty.
	CodeNoData Code = "no_data"
	// CodeStaleCacheExhausted: the fetch failed and no cache entry was
	// fresh enough to serve as a fallback.
	CodeStaleCacheExhausted Code = "stale_cache_exhausted"
)

// FetchError is a structured fetch failure. The wrapped error, when
// present, carries the underlying cause for logs and errors.Is/As.
type FetchError struct {
	Code    Code
	Message string
	Err     error
}

func (e *FetchError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *FetchError) Unwrap() error { return e.Err }

// NewFetchError builds a FetchError wrapping an optional cause.
func NewFetchError(code Code, message string, err error) *FetchError {
	return &FetchError{Code: code, Message: message, Err: err}
}

// CodeOf extracts the failure code from an error chain, or "" when the
// error is not a FetchError.
func CodeOf(err error) Code {
	var fe *FetchError
	if errors.As(err, &fe) {
		return fe.Code
	}
	return ""
}

// retryable reports whether a failure warrants one transparent retry
// with a fresh identity lease.
func retryable(code Code) bool {
	return code == CodeIdentityConflict || code == CodeWorkerTimeout
}
