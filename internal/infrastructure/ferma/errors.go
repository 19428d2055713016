package ferma

import (
	"errors"
	"fmt"
)

// AuthError reports a rejected login or an unusable token response.
type AuthError struct {
	Status  int
	Payload string
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("ferma auth failed: HTTP %d %s", e.Status, e.Payload)
}

// ServiceError reports a request the service rejected, or one that kept failing
// transiently until the attempts ran out.
type ServiceError struct {
	Status  int
	Payload string
}

func (e *ServiceError) Error() string {
	return fmt.Sprintf("ferma request failed: HTTP %d %s", e.Status, e.Payload)
}

// transientError marks failures worth retrying. It never leaves the package:
// an exhausted retry loop converts it into a ServiceError.
type transientError struct {
	status  int
	payload string
	err     error
}

func (e *transientError) Error() string {
	if e.err != nil {
		return fmt.Sprintf("transient: %v", e.err)
	}
	return fmt.Sprintf("transient: HTTP %d", e.status)
}

func (e *transientError) Unwrap() error { return e.err }

// errUnauthenticated signals that the token was rejected and a forced
// re-authentication is due.
var errUnauthenticated = errors.New("ferma token rejected")

type unauthenticatedError struct {
	status  int
	payload string
}

func (e *unauthenticatedError) Error() string {
	return fmt.Sprintf("%v: HTTP %d %s", errUnauthenticated, e.status, e.payload)
}

func (e *unauthenticatedError) Unwrap() error { return errUnauthenticated }

func (e *unauthenticatedError) asServiceError() *ServiceError {
	return &ServiceError{Status: e.status, Payload: e.payload}
}

// IsRetryable reports whether err is a ServiceError produced by exhausted transient retries,
// so re-delivering the payment event later has a chance to succeed.
func IsRetryable(err error) bool {
	var se *ServiceError
	if !errors.As(err, &se) {
		return false
	}
	return se.Status == 0 || se.Status == 429 || se.Status >= 500
}
