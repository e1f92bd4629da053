package camrelay

import (
	"fmt"

	"github.com/pkg/errors"
)

var (
	// ErrNotSupported is returned when a source or encoder backend was
	// compiled out or is unavailable at runtime.
	ErrNotSupported = errors.New("operation not supported")

	// ErrTransient marks a recoverable capture failure. The capture loop
	// reconnects after a backoff delay.
	ErrTransient = errors.New("transient capture failure")

	// ErrClosed marks a terminal end of stream. The capture loop stops and
	// keeps serving the last published frame.
	ErrClosed = errors.New("capture source closed")

	// ErrSessionNotFound is returned by CloseSession for unknown IDs.
	ErrSessionNotFound = errors.New("session not found")

	// ErrManagerClosed is returned by CreateSession after Shutdown.
	ErrManagerClosed = errors.New("session manager shut down")
)

// Transient wraps err as a recoverable capture failure.
func Transient(err error, msg string) error {
	if err == nil {
		return errors.Wrap(ErrTransient, msg)
	}
	return errors.Wrap(&captureError{kind: ErrTransient, err: err}, msg)
}

// Closed wraps err as a terminal end of stream.
func Closed(err error, msg string) error {
	if err == nil {
		return errors.Wrap(ErrClosed, msg)
	}
	return errors.Wrap(&captureError{kind: ErrClosed, err: err}, msg)
}

// captureError carries the kind sentinel alongside the underlying cause so
// errors.Cause lands on the kind while the message keeps the detail.
type captureError struct {
	kind error
	err  error
}

func (e *captureError) Error() string { return fmt.Sprintf("%v: %v", e.kind, e.err) }
func (e *captureError) Cause() error  { return e.kind }
func (e *captureError) Unwrap() error { return e.err }

func (e *captureError) Is(target error) bool { return target == e.kind }

// IsTransient reports whether err is a recoverable capture failure.
func IsTransient(err error) bool {
	return errors.Cause(err) == ErrTransient || errors.Is(err, ErrTransient)
}

// IsClosed reports whether err is a terminal end of stream.
func IsClosed(err error) bool {
	return errors.Cause(err) == ErrClosed || errors.Is(err, ErrClosed)
}

// ConfigError reports an invalid capture configuration. It is only ever
// produced at startup (validation or open) and is fatal for the capture loop.
type ConfigError struct {
	Field string
	Err   error
}

func (e *ConfigError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("invalid capture config: %v", e.Err)
	}
	return fmt.Sprintf("invalid capture config: %s: %v", e.Field, e.Err)
}

func (e *ConfigError) Unwrap() error { return e.Err }

// IsConfigError reports whether err is (or wraps) a *ConfigError.
func IsConfigError(err error) bool {
	var ce *ConfigError
	return errors.As(err, &ce)
}

// SignalingError reports a failed offer/answer negotiation. Op names the
// engine step that failed.
type SignalingError struct {
	Op  string
	Err error
}

func (e *SignalingError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *SignalingError) Unwrap() error { return e.Err }

func signalingError(op string, err error) error {
	return &SignalingError{Op: op, Err: err}
}
