// Package failure holds the error kinds a synchronization run can end with.
//
// Only TransientError is retried. Everything else aborts the run for the
// member it happened to.
package failure

import (
	"context"
	"fmt"
	"net/http"

	"github.com/cenkalti/backoff/v4"
	"github.com/pkg/errors"
)

// IntegrityError reports a paginated listing whose flattened length does not
// match the size the server announced.
type IntegrityError struct {
	Path string
	Got  int
	Want int
}

func (e *IntegrityError) Error() string {
	return fmt.Sprintf("items retrieved for %s (%d) don't match expected size (%d)", e.Path, e.Got, e.Want)
}

// AuthError reports missing, expired or rejected credentials.
type AuthError struct {
	Reason string
	Cause  error
}

func (e *AuthError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("auth: %s: %v", e.Reason, e.Cause)
	}
	return "auth: " + e.Reason
}

func (e *AuthError) Unwrap() error { return e.Cause }

// TransientError wraps connection failures, timeouts and 5xx/429 responses.
type TransientError struct {
	Op    string
	Cause error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Cause)
}

func (e *TransientError) Unwrap() error { return e.Cause }

// MalformedTimeError reports a record without a usable time field.
type MalformedTimeError struct {
	Value string
	Cause error
}

func (e *MalformedTimeError) Error() string {
	if e.Value == "" {
		return "record has neither start_time nor timestamp"
	}
	return fmt.Sprintf("could not parse time %q: %v", e.Value, e.Cause)
}

func (e *MalformedTimeError) Unwrap() error { return e.Cause }

// Retryable reports whether err, anywhere in its chain, is a TransientError.
func Retryable(err error) bool {
	var transient *TransientError
	return errors.As(err, &transient)
}

// FromStatus maps a non-2xx response onto the taxonomy. It returns nil for
// 2xx responses.
func FromStatus(op string, resp *http.Response) error {
	switch {
	case resp.StatusCode/100 == 2:
		return nil
	case resp.StatusCode == http.StatusUnauthorized, resp.StatusCode == http.StatusForbidden:
		return &AuthError{Reason: fmt.Sprintf("%s: %v", op, resp.Status)}
	case resp.StatusCode == http.StatusTooManyRequests, resp.StatusCode/100 == 5:
		return &TransientError{Op: op, Cause: errors.New(resp.Status)}
	default:
		return errors.Errorf("%s: %v", op, resp.Status)
	}
}

// FromTransport classifies an error returned by http.Client.Do. Anything
// that failed on the wire, per-request timeouts included, is transient;
// cancellation of ctx itself is not.
func FromTransport(ctx context.Context, op string, err error) error {
	if ctx.Err() != nil {
		return errors.Wrap(ctx.Err(), op)
	}
	return &TransientError{Op: op, Cause: err}
}

// Retry runs op until it succeeds, fails with a non-transient error or b
// gives up. The last error is returned unwrapped.
func Retry(ctx context.Context, b backoff.BackOff, op func() error) error {
	return backoff.Retry(func() error {
		err := op()
		if err != nil && !Retryable(err) {
			return backoff.Permanent(err)
		}
		return err
	}, backoff.WithContext(b, ctx))
}
