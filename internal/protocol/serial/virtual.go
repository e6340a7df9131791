// internal/protocol/serial/virtual.go
package serial

import (
	"bytes"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	gobug "go.bug.st/serial"
)

// ErrPortClosed is returned by a VirtualPort after Close
var ErrPortClosed = errors.New("virtual port closed")

const defaultVirtualReadTimeout = 100 * time.Millisecond

// VirtualPort is an in-memory port. Each Feed (and, when echo is on, each
// Write) is delivered by exactly one Read, so chunk boundaries are stable.
// It backs the loopback mode and the tests.
type VirtualPort struct {
	mu sync.Mutex

	name        string
	echo        bool
	queue       [][]byte
	written     bytes.Buffer
	readTimeout time.Duration

	readErr    error
	readData   []byte
	writeErr   error
	closeErr   error
	timeoutErr error
	writeDelay time.Duration

	readCalls  int
	writeCalls int
	closed     bool
	closedCh   chan struct{}
	notify     chan struct{}
}

// NewVirtualPort creates a virtual port; echo loops writes back to reads
func NewVirtualPort(name string, echo bool) *VirtualPort {
	return &VirtualPort{
		name:        name,
		echo:        echo,
		readTimeout: defaultVirtualReadTimeout,
		closedCh:    make(chan struct{}),
		notify:      make(chan struct{}, 1),
	}
}

// Name returns the port identifier
func (p *VirtualPort) Name() string {
	return p.name
}

// Read returns the next queued chunk, or 0 bytes after the read timeout
func (p *VirtualPort) Read(buf []byte) (int, error) {
	p.mu.Lock()
	p.readCalls++
	if n, err, ok := p.takeLocked(buf); ok {
		p.mu.Unlock()
		return n, err
	}
	timeout := p.readTimeout
	p.mu.Unlock()

	var expired <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		expired = timer.C
	}

	select {
	case <-p.notify:
	case <-p.closedCh:
		return 0, ErrPortClosed
	case <-expired:
		return 0, nil
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	n, err, _ := p.takeLocked(buf)
	return n, err
}

// takeLocked returns ok=false when there is nothing to deliver yet
func (p *VirtualPort) takeLocked(buf []byte) (int, error, bool) {
	if p.closed {
		return 0, ErrPortClosed, true
	}
	if p.readErr != nil {
		n := copy(buf, p.readData)
		err := p.readErr
		p.readErr, p.readData = nil, nil
		return n, err, true
	}
	if len(p.queue) == 0 {
		return 0, nil, false
	}

	head := p.queue[0]
	n := copy(buf, head)
	if n < len(head) {
		p.queue[0] = head[n:]
	} else {
		p.queue = p.queue[1:]
	}
	if len(p.queue) > 0 {
		p.signal()
	}
	return n, nil, true
}

// Write records data and echoes it when configured
func (p *VirtualPort) Write(data []byte) (int, error) {
	p.mu.Lock()
	p.writeCalls++
	delay := p.writeDelay
	p.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-p.closedCh:
			return 0, ErrPortClosed
		}
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return 0, ErrPortClosed
	}
	if p.writeErr != nil {
		err := p.writeErr
		p.writeErr = nil
		return 0, err
	}

	p.written.Write(data)
	if p.echo && len(data) > 0 {
		p.queue = append(p.queue, slices.Clone(data))
		p.signal()
	}
	return len(data), nil
}

// Close releases the port; further I/O fails with ErrPortClosed
func (p *VirtualPort) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.closed {
		p.closed = true
		close(p.closedCh)
	}
	return p.closeErr
}

// SetReadTimeout sets how long Read waits; zero or less waits forever
func (p *VirtualPort) SetReadTimeout(timeout time.Duration) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.timeoutErr != nil {
		return p.timeoutErr
	}
	p.readTimeout = timeout
	return nil
}

// Feed queues one chunk for a single Read
func (p *VirtualPort) Feed(data []byte) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.queue = append(p.queue, slices.Clone(data))
	p.signal()
}

// FailNextRead makes the next Read return err
func (p *VirtualPort) FailNextRead(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.readErr = err
	p.signal()
}

// FailNextReadWith makes the next Read deliver data together with err,
// the way a driver reports bytes that arrived before a line failure
func (p *VirtualPort) FailNextReadWith(data []byte, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.readData = slices.Clone(data)
	p.readErr = err
	p.signal()
}

// FailNextWrite makes the next Write return err
func (p *VirtualPort) FailNextWrite(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.writeErr = err
}

// SetCloseError makes Close return err
func (p *VirtualPort) SetCloseError(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closeErr = err
}

// SetTimeoutError makes SetReadTimeout fail
func (p *VirtualPort) SetTimeoutError(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.timeoutErr = err
}

// SetWriteDelay stalls every Write
func (p *VirtualPort) SetWriteDelay(delay time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.writeDelay = delay
}

// Written returns everything written so far
func (p *VirtualPort) Written() []byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	return slices.Clone(p.written.Bytes())
}

// IsClosed reports whether Close was called
func (p *VirtualPort) IsClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

// WriteCalls returns the number of Write calls
func (p *VirtualPort) WriteCalls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.writeCalls
}

// ReadTimeout returns the configured read timeout
func (p *VirtualPort) ReadTimeout() time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.readTimeout
}

func (p *VirtualPort) signal() {
	select {
	case p.notify <- struct{}{}:
	default:
	}
}

// Loopback serves a fixed set of virtual echo ports, one fresh port per open
type Loopback struct {
	names []string
}

// NewLoopback creates a loopback registry for the given port names
func NewLoopback(names ...string) *Loopback {
	return &Loopback{names: slices.Clone(names)}
}

// Open implements Opener
func (l *Loopback) Open(portID string, mode *gobug.Mode) (Port, error) {
	if !slices.Contains(l.names, portID) {
		return nil, fmt.Errorf("port %s not found", portID)
	}
	if mode == nil || mode.BaudRate <= 0 {
		return nil, fmt.Errorf("invalid mode for %s", portID)
	}
	return NewVirtualPort(portID, true), nil
}

// List implements Lister
func (l *Loopback) List() ([]string, error) {
	return slices.Clone(l.names), nil
}
