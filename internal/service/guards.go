// internal/service/guards.go
package service

import (
	"errors"
	"fmt"

	"serial-terminal/internal/model"
)

// ErrCommandUnavailable is returned when a command's guard rejects it
var ErrCommandUnavailable = errors.New("command not available")

// CanConnect reports whether connect may run. A disconnect in progress also
// blocks it, since its completion would overwrite the connecting state.
func CanConnect(s Snapshot) bool {
	switch s.Connection {
	case model.StateConnecting, model.StateConnected, model.StateDisconnecting:
		return false
	}
	return s.Config.PortID != ""
}

// CanDisconnect reports whether disconnect may run
func CanDisconnect(s Snapshot) bool {
	return s.Connection == model.StateConnected
}

// CanSend reports whether raw may be sent now
func CanSend(s Snapshot, raw string) bool {
	return s.Connection == model.StateConnected && raw != "" && !s.Sending
}

func connectUnavailable(s Snapshot) error {
	if s.Config.PortID == "" {
		return fmt.Errorf("%w: no port selected", ErrCommandUnavailable)
	}
	return fmt.Errorf("%w: connect while %s", ErrCommandUnavailable, s.Connection)
}

func disconnectUnavailable(s Snapshot) error {
	return fmt.Errorf("%w: disconnect while %s", ErrCommandUnavailable, s.Connection)
}

func sendUnavailable(s Snapshot, raw string) error {
	switch {
	case raw == "":
		return fmt.Errorf("%w: nothing to send", ErrCommandUnavailable)
	case s.Sending:
		return fmt.Errorf("%w: a send is already in flight", ErrCommandUnavailable)
	default:
		return fmt.Errorf("%w: send while %s", ErrCommandUnavailable, s.Connection)
	}
}
