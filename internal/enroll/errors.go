package enroll

import (
	"errors"
	"fmt"

	"github.com/xkilldash9x/classbot/internal/selectors"
)

// ExitStatus is the terminal outcome of a run. Its value is the process
// exit code.
type ExitStatus int

const (
	Done              ExitStatus = 0
	Timeout           ExitStatus = -1
	Interrupted       ExitStatus = -2
	ConnectionRefused ExitStatus = -3
	SessionClosed     ExitStatus = -4
	Unknown           ExitStatus = -5
	EmptyCart         ExitStatus = -6
	BadCredentials    ExitStatus = -7
	ConfigInvalid     ExitStatus = -8
)

func (s ExitStatus) String() string {
	switch s {
	case Done:
		return "done"
	case Timeout:
		return "timeout"
	case Interrupted:
		return "interrupted"
	case ConnectionRefused:
		return "connection_refused"
	case SessionClosed:
		return "session_closed"
	case Unknown:
		return "unknown"
	case EmptyCart:
		return "empty_cart"
	case BadCredentials:
		return "bad_credentials"
	case ConfigInvalid:
		return "config_invalid"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

// Code returns the process exit code.
func (s ExitStatus) Code() int { return int(s) }

// EmptyCartError means the cart had nothing to submit. It is terminal and
// expected, not a bug.
type EmptyCartError struct {
	Reason string
}

func (e *EmptyCartError) Error() string { return "empty cart: " + e.Reason }

// ErrBadPassword is returned when the portal rejects the credentials.
var ErrBadPassword = errors.New("portal rejected the credentials")

// ConfigError is a runtime configuration mismatch, e.g. a term that the
// portal does not offer.
type ConfigError struct {
	Key string
	Msg string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("configuration error (%s): %s", e.Key, e.Msg)
}

// StructureError means a page did not have the shape the parser expects.
// It is surfaced as an unknown failure rather than skipped.
type StructureError struct {
	Landmark selectors.Landmark
	Row      int
	Msg      string
}

func (e *StructureError) Error() string {
	return fmt.Sprintf("unexpected page structure at %s row %d: %s", e.Landmark, e.Row, e.Msg)
}

// NavigationError records the navigation step that failed.
type NavigationError struct {
	Step string
	Err  error
}

func (e *NavigationError) Error() string {
	return fmt.Sprintf("navigation failed at %s: %v", e.Step, e.Err)
}

func (e *NavigationError) Unwrap() error { return e.Err }
