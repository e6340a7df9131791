// internal/protocol/serial/errors.go
package serial

import (
	"errors"
	"fmt"

	"serial-terminal/internal/model"
)

var (
	// ErrNotOpen is returned by Send when no handle is open. It is a local
	// guard and never raised as an ErrorOccurred signal.
	ErrNotOpen = errors.New("serial port not open")
	// ErrEmptyPayload is returned by Send for an empty buffer
	ErrEmptyPayload = errors.New("nothing to send")
	// ErrWriteTimeout is the cause of a write that outlived the write timeout
	ErrWriteTimeout = errors.New("write timed out")
)

// Error is a driver-origin failure converted at the session boundary
type Error struct {
	Kind model.ErrorKind
	Port string
	Err  error
}

func (e *Error) Error() string {
	var action string
	switch e.Kind {
	case model.ErrorKindPortEnumeration:
		return fmt.Sprintf("failed to get serial ports: %v", e.Err)
	case model.ErrorKindOpen:
		action = "failed to open serial port"
	case model.ErrorKindClose:
		action = "failed to close serial port"
	case model.ErrorKindWrite:
		action = "failed to write to serial port"
	case model.ErrorKindRead:
		action = "failed to read from serial port"
	default:
		action = "serial port error"
	}
	return fmt.Sprintf("%s %s: %v", action, e.Port, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// IsKind reports whether err is a session Error of the given kind
func IsKind(err error, kind model.ErrorKind) bool {
	var se *Error
	return errors.As(err, &se) && se.Kind == kind
}
