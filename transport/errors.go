package transport

import "errors"

// Sentinel errors surfaced by Transport and Multiplexer, per spec.md §7.
var (
	// ErrCancelled is returned to an awaiter whose pending request or
	// notification wait was cancelled, or was still pending when the
	// transport shut down.
	ErrCancelled = errors.New("transport: cancelled")

	// ErrTimeout is returned when a one-shot notification wait exceeds its
	// deadline. The transport remains healthy.
	ErrTimeout = errors.New("transport: timeout")

	// ErrClosed is returned by SendRequest/SendNotification once the
	// transport has stopped.
	ErrClosed = errors.New("transport: closed")

	// ErrInvalidResponse is used when a response carries neither a result
	// nor an error field.
	ErrInvalidResponse = errors.New("transport: invalid response")
)

// SpawnError wraps a failure to launch the backend subprocess.
type SpawnError struct {
	Command string
	Err     error
}

func (e *SpawnError) Error() string {
	return "transport: failed to spawn " + e.Command + ": " + e.Err.Error()
}

func (e *SpawnError) Unwrap() error { return e.Err }
