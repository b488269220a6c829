package errors

import (
	"errors"
	"fmt"
)

// Authorization protocol failure classes. Every error surfaced by the client
// wraps exactly one of these, so callers can branch with errors.Is.
var (
	// ErrNetwork - no response reached the client (includes connection timeouts).
	ErrNetwork = errors.New("network failure")
	// ErrServer - the server answered with a non-2xx, non-challenge response.
	ErrServer = errors.New("server failure")
	// ErrProtocol - malformed secure-JSON envelope, missing redirect location or
	// a challenge announced for an unregistered realm.
	ErrProtocol = errors.New("protocol failure")
	// ErrCredential - invalid certificate, key mismatch or unreadable keystore.
	// Fatal for the current session, never retried.
	ErrCredential = errors.New("credential failure")
	// ErrChallenge - a realm reported an authentication failure.
	ErrChallenge = errors.New("challenge failure")
	// ErrInvalidArgument - a required input was absent or malformed.
	ErrInvalidArgument = errors.New("invalid argument")
)

type wrappedError struct {
	msg  string
	errs []error
}

// Error returns the stored error string
func (we wrappedError) Error() string {
	return we.msg
}

func (we wrappedError) Is(err error) bool {
	for _, e := range we.errs {
		if errors.Is(e, err) {
			return true
		}
	}
	return false
}

// Simple error wrapper that appends a message to the error string and chains errors with a "%s(: %s)*" format
func NewErrorWithMessage(message string, err error, more ...error) error {
	var format string
	var args []interface{}
	if message != "" {
		format = "%s: %s"
		args = []interface{}{err, message}
	} else {
		format = "%s"
		args = []interface{}{err}
	}
	errs := []error{err}

	for _, e := range more {
		format += ": %s"
		args = append(args, e)
		errs = append(errs, e)
	}

	err = &wrappedError{
		msg:  fmt.Sprintf(format, args...),
		errs: errs,
	}
	return err
}

// Simple error wrapper that chains errors and prints them with a "%s(: %s)*" format
func NewError(err error, more ...error) error {
	return NewErrorWithMessage("", err, more...)
}
