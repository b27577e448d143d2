package provider

import (
	"errors"
	"fmt"
)

var (
	// ErrSyncTokenInvalid means the provider no longer accepts the stored
	// sync token and a full resync is required.
	ErrSyncTokenInvalid = errors.New("sync token invalid")
	// ErrUnauthorized means the access token was rejected mid-flight.
	ErrUnauthorized = errors.New("access token rejected")
	// ErrAuthExpired means the credentials cannot be refreshed and the user
	// must re-authorize.
	ErrAuthExpired = errors.New("provider authorization expired")
	// ErrProviderRejected marks non-retryable request errors.
	ErrProviderRejected = errors.New("provider rejected request")
	// ErrTransient marks failures worth retrying.
	ErrTransient = errors.New("transient provider failure")
)

// RejectedError is a non-retryable provider failure.
type RejectedError struct {
	Op         string
	StatusCode int
	Err        error
}

func (e *RejectedError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s: provider rejected request (status %d): %v", e.Op, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("%s: provider rejected request: %v", e.Op, e.Err)
}

func (e *RejectedError) Unwrap() []error { return []error{ErrProviderRejected, e.Err} }

// TransientError is a retryable provider failure: timeouts, network errors,
// throttling and 5xx responses.
type TransientError struct {
	Op         string
	StatusCode int
	Err        error
}

func (e *TransientError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s: transient provider failure (status %d): %v", e.Op, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("%s: transient provider failure: %v", e.Op, e.Err)
}

func (e *TransientError) Unwrap() []error { return []error{ErrTransient, e.Err} }

func Rejected(op string, status int, err error) error {
	return &RejectedError{Op: op, StatusCode: status, Err: err}
}

func Transient(op string, status int, err error) error {
	return &TransientError{Op: op, StatusCode: status, Err: err}
}

func IsTransient(err error) bool {
	return errors.Is(err, ErrTransient)
}
