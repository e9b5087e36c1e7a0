package session

import (
	"errors"
	"fmt"
)

// ErrSessionClosed is returned by every operation attempted after Shutdown.
var ErrSessionClosed = errors.New("session: closed")

// ErrDiagnosticsTimeout is returned by GetDiagnostics when the bounded wait
// for a fresh publish elapses and no payload — stale or otherwise — has ever
// been recorded for this document.
var ErrDiagnosticsTimeout = errors.New("session: timed out waiting for diagnostics")

// ConfigurationError wraps a failure writing a backend's config file or
// assembling its capabilities/settings payload, per the backend adapter
// contract.
type ConfigurationError struct {
	Op  string
	Err error
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("session: configuration error during %s: %v", e.Op, e.Err)
}

func (e *ConfigurationError) Unwrap() error { return e.Err }
