// internal/protocol/serial/mock.go
package serial

import (
	"slices"
	"sync"

	gobug "go.bug.st/serial"
)

// MockOpener hands out a fresh VirtualPort per open and records every call.
// Configure, when set, runs on each new port before it is returned.
type MockOpener struct {
	mu sync.Mutex

	Err       error
	Echo      bool
	Configure func(*VirtualPort)

	calls  []string
	modes  []gobug.Mode
	opened []*VirtualPort
}

// NewMockOpener creates an opener with echo disabled
func NewMockOpener() *MockOpener {
	return &MockOpener{}
}

// Open implements Opener
func (m *MockOpener) Open(portID string, mode *gobug.Mode) (Port, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.calls = append(m.calls, portID)
	if mode != nil {
		m.modes = append(m.modes, *mode)
	}
	if m.Err != nil {
		return nil, m.Err
	}

	port := NewVirtualPort(portID, m.Echo)
	if m.Configure != nil {
		m.Configure(port)
	}
	m.opened = append(m.opened, port)
	return port, nil
}

// Calls returns the port ids passed to Open, in order
func (m *MockOpener) Calls() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.calls)
}

// Modes returns the driver modes passed to Open, in order
func (m *MockOpener) Modes() []gobug.Mode {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.modes)
}

// Opened returns every port handed out
func (m *MockOpener) Opened() []*VirtualPort {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.opened)
}

// Last returns the most recently opened port, or nil
func (m *MockOpener) Last() *VirtualPort {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.opened) == 0 {
		return nil
	}
	return m.opened[len(m.opened)-1]
}

// MockLister returns a fixed port list or error
type MockLister struct {
	mu    sync.Mutex
	Ports []string
	Err   error
}

// List implements Lister
func (m *MockLister) List() ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return nil, m.Err
	}
	return slices.Clone(m.Ports), nil
}

// Set replaces the listed ports and clears any error
func (m *MockLister) Set(ports ...string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Ports = ports
	m.Err = nil
}

// Fail makes List return err
func (m *MockLister) Fail(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Err = err
}
