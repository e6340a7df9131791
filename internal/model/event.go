// internal/model/event.go
package model

import (
	"time"

	"github.com/google/uuid"
)

// SessionState represents the lifecycle state of a serial session
type SessionState string

const (
	SessionClosed  SessionState = "CLOSED"
	SessionOpening SessionState = "OPENING"
	SessionOpen    SessionState = "OPEN"
	SessionClosing SessionState = "CLOSING"
	SessionFaulted SessionState = "FAULTED"
)

// ConnectionState represents the state seen by the presentation layer
type ConnectionState string

const (
	StateDisconnected  ConnectionState = "DISCONNECTED"
	StateConnecting    ConnectionState = "CONNECTING"
	StateConnected     ConnectionState = "CONNECTED"
	StateDisconnecting ConnectionState = "DISCONNECTING"
)

// ErrorKind classifies failures surfaced by the session
type ErrorKind string

const (
	ErrorKindPortEnumeration ErrorKind = "PORT_ENUMERATION"
	ErrorKindOpen            ErrorKind = "OPEN"
	ErrorKindClose           ErrorKind = "CLOSE"
	ErrorKindWrite           ErrorKind = "WRITE"
	ErrorKindRead            ErrorKind = "READ"
	ErrorKindFormat          ErrorKind = "FORMAT"
)

// DataReceivedEvent carries one chunk exactly as the transport delivered it
type DataReceivedEvent struct {
	SessionID uuid.UUID `json:"session_id"`
	Data      []byte    `json:"data"`
	Timestamp time.Time `json:"timestamp"`
}

// ErrorEvent reports a recoverable fault
type ErrorEvent struct {
	SessionID uuid.UUID `json:"session_id"`
	Kind      ErrorKind `json:"kind"`
	Message   string    `json:"message"`
	Err       error     `json:"-"`
	Timestamp time.Time `json:"timestamp"`
}

// ConnectionStatusEvent reports every open/close transition
type ConnectionStatusEvent struct {
	SessionID uuid.UUID `json:"session_id"`
	PortID    string    `json:"port_id"`
	Connected bool      `json:"connected"`
	Timestamp time.Time `json:"timestamp"`
}
