// internal/protocol/serial/session.go
package serial

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/atomic"
	"go.uber.org/zap"

	"serial-terminal/internal/model"
)

const (
	DefaultReadTimeout    = 1000 * time.Millisecond
	DefaultWriteTimeout   = 1000 * time.Millisecond
	DefaultReadBufferSize = 4096
)

// Config represents session configuration
type Config struct {
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
	ReadBufferSize int
	Opener         Opener
	Lister         Lister
	DetailLister   DetailLister
}

// DefaultConfig returns a configuration backed by the host's serial ports
func DefaultConfig() *Config {
	return &Config{
		ReadTimeout:    DefaultReadTimeout,
		WriteTimeout:   DefaultWriteTimeout,
		ReadBufferSize: DefaultReadBufferSize,
		Opener:         NativeOpener(),
		Lister:         NativeLister(),
		DetailLister:   NativeDetailLister(),
	}
}

// Stats is a point-in-time view of the session
type Stats struct {
	SessionID     uuid.UUID          `json:"session_id"`
	PortID        string             `json:"port_id"`
	State         model.SessionState `json:"state"`
	OpenedAt      time.Time          `json:"opened_at,omitempty"`
	BytesSent     uint64             `json:"bytes_sent"`
	BytesReceived uint64             `json:"bytes_received"`
}

// Session owns at most one open port handle. Open and Close are serialized
// with each other, sends are serialized with each other, and received data
// is delivered by a per-handle drain goroutine.
type Session struct {
	config *Config
	logger *zap.Logger

	opMutex   sync.Mutex
	writeSlot chan struct{}
	mutex     sync.RWMutex

	state      model.SessionState
	port       Port
	portConfig model.PortConfig
	sessionID  uuid.UUID
	openedAt   time.Time
	stop       chan struct{}
	done       chan struct{}

	bytesSent     atomic.Uint64
	bytesReceived atomic.Uint64

	events eventHub
}

type writeResult struct {
	n   int
	err error
}

// NewSession creates a closed session
func NewSession(config *Config, logger *zap.Logger) *Session {
	defaults := DefaultConfig()
	if config == nil {
		config = defaults
	}
	if config.ReadTimeout <= 0 {
		config.ReadTimeout = defaults.ReadTimeout
	}
	if config.WriteTimeout <= 0 {
		config.WriteTimeout = defaults.WriteTimeout
	}
	if config.ReadBufferSize <= 0 {
		config.ReadBufferSize = defaults.ReadBufferSize
	}
	if config.Opener == nil {
		config.Opener = defaults.Opener
	}
	if config.Lister == nil {
		config.Lister = defaults.Lister
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Session{
		config:    config,
		logger:    logger.With(zap.String("component", "serial_session")),
		state:     model.SessionClosed,
		writeSlot: make(chan struct{}, 1),
	}
}

// ListPorts returns the port identifiers visible to the host. Enumeration
// failures are raised through OnError and yield an empty list.
func (s *Session) ListPorts() []string {
	ports, err := s.config.Lister()
	if err != nil {
		s.logger.Warn("Failed to enumerate serial ports", zap.Error(err))
		s.emitError(s.SessionID(), model.ErrorKindPortEnumeration, "", err)
		return []string{}
	}
	if ports == nil {
		return []string{}
	}
	return slices.Clone(ports)
}

// PortDetails returns ports with USB metadata when the host provides it
func (s *Session) PortDetails() []model.PortInfo {
	if s.config.DetailLister != nil {
		details, err := s.config.DetailLister()
		if err == nil {
			return toPortInfo(details)
		}
		s.logger.Debug("Detailed port enumeration unavailable, using names", zap.Error(err))
	}

	names := s.ListPorts()
	infos := make([]model.PortInfo, 0, len(names))
	for _, name := range names {
		infos = append(infos, model.PortInfo{Name: name})
	}
	return infos
}

// Open opens a new handle for cfg, closing any handle already open
func (s *Session) Open(cfg model.PortConfig) error {
	s.opMutex.Lock()
	defer s.opMutex.Unlock()

	if s.State() != model.SessionClosed {
		s.logger.Info("Closing current port before reopening", zap.String("port", cfg.PortID))
		s.closeLocked()
	}

	s.setState(model.SessionOpening)

	mode, err := ModeFor(cfg)
	if err != nil {
		return s.openFailed(cfg, err)
	}

	port, err := s.config.Opener(cfg.PortID, mode)
	if err != nil {
		return s.openFailed(cfg, err)
	}
	if port == nil {
		return s.openFailed(cfg, fmt.Errorf("driver returned no handle"))
	}

	if err := port.SetReadTimeout(s.config.ReadTimeout); err != nil {
		if closeErr := port.Close(); closeErr != nil {
			s.logger.Warn("Failed to release partially opened port", zap.Error(closeErr))
		}
		return s.openFailed(cfg, fmt.Errorf("failed to set read timeout: %w", err))
	}

	id := uuid.New()
	stop := make(chan struct{})
	done := make(chan struct{})
	now := time.Now()

	s.mutex.Lock()
	s.port = port
	s.portConfig = cfg
	s.sessionID = id
	s.openedAt = now
	s.stop = stop
	s.done = done
	s.state = model.SessionOpen
	s.mutex.Unlock()

	s.bytesSent.Store(0)
	s.bytesReceived.Store(0)

	s.logger.Info("Serial port opened successfully",
		zap.String("port", cfg.PortID),
		zap.String("session_id", id.String()),
		zap.Int("baud_rate", cfg.BaudRate),
		zap.String("line", cfg.String()),
	)

	s.events.status.publish(model.ConnectionStatusEvent{
		SessionID: id,
		PortID:    cfg.PortID,
		Connected: true,
		Timestamp: now,
	})

	go s.drain(id, port, stop, done)
	return nil
}

// Close releases the open handle. It is a no-op when nothing is open and
// always ends in the Closed state; a failing hardware close is raised
// through OnError rather than returned.
func (s *Session) Close() error {
	s.opMutex.Lock()
	defer s.opMutex.Unlock()

	s.closeLocked()
	return nil
}

// Send writes data to the open port. The write is bounded by the write
// timeout and cannot be cancelled once started. A write that times out
// keeps the write slot until the driver returns, so a later Send waits for
// it (or for its own ctx) instead of overlapping it on the same handle.
func (s *Session) Send(ctx context.Context, data []byte) error {
	if !s.IsOpen() {
		return ErrNotOpen
	}
	if len(data) == 0 {
		return ErrEmptyPayload
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	// the slot stays taken until the driver returns, even after a timeout
	select {
	case s.writeSlot <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	orphaned := false
	defer func() {
		if !orphaned {
			<-s.writeSlot
		}
	}()

	s.mutex.RLock()
	state, port, id, portID := s.state, s.port, s.sessionID, s.portConfig.PortID
	s.mutex.RUnlock()

	if state != model.SessionOpen || port == nil {
		return ErrNotOpen
	}

	payload := slices.Clone(data)
	result := make(chan writeResult, 1)
	go func() {
		n, err := port.Write(payload)
		result <- writeResult{n: n, err: err}
	}()

	timer := time.NewTimer(s.config.WriteTimeout)
	defer timer.Stop()

	var err error
	select {
	case r := <-result:
		switch {
		case r.err != nil:
			err = r.err
		case r.n != len(payload):
			err = fmt.Errorf("incomplete write: wrote %d of %d bytes", r.n, len(payload))
		}
	case <-timer.C:
		err = ErrWriteTimeout
		orphaned = true
		go func() {
			<-result
			<-s.writeSlot
		}()
	}

	if err != nil {
		s.logger.Error("Failed to write to serial port",
			zap.Error(err),
			zap.String("port", portID),
			zap.Int("bytes_to_write", len(payload)),
		)
		if s.isCurrent(id) {
			s.emitError(id, model.ErrorKindWrite, portID, err)
		}
		return &Error{Kind: model.ErrorKindWrite, Port: portID, Err: err}
	}

	s.bytesSent.Add(uint64(len(payload)))
	s.logger.Debug("Data written to serial port",
		zap.Int("bytes_written", len(payload)),
		zap.Binary("data", payload),
	)
	return nil
}

// State returns the lifecycle state
func (s *Session) State() model.SessionState {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	return s.state
}

// IsOpen returns whether a handle is open
func (s *Session) IsOpen() bool {
	return s.State() == model.SessionOpen
}

// SessionID returns the id of the current or most recent handle
func (s *Session) SessionID() uuid.UUID {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	return s.sessionID
}

// PortConfig returns the line parameters of the current or most recent handle
func (s *Session) PortConfig() model.PortConfig {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	return s.portConfig
}

// Stats returns transfer counters for the current or most recent handle
func (s *Session) Stats() Stats {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	return Stats{
		SessionID:     s.sessionID,
		PortID:        s.portConfig.PortID,
		State:         s.state,
		OpenedAt:      s.openedAt,
		BytesSent:     s.bytesSent.Load(),
		BytesReceived: s.bytesReceived.Load(),
	}
}

// drain forwards every non-empty read as one chunk until stopped or faulted
func (s *Session) drain(id uuid.UUID, port Port, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	buffer := make([]byte, s.config.ReadBufferSize)
	for {
		select {
		case <-stop:
			return
		default:
		}

		n, err := port.Read(buffer)

		// results racing a close belong to a retired handle
		select {
		case <-stop:
			return
		default:
		}

		// bytes that came with an error are still delivered
		if n > 0 {
			s.publishChunk(id, buffer[:n])
		}
		if err != nil {
			go s.fault(id, err)
			return
		}
	}
}

func (s *Session) publishChunk(id uuid.UUID, data []byte) {
	chunk := slices.Clone(data)
	s.bytesReceived.Add(uint64(len(chunk)))

	s.logger.Debug("Data read from serial port",
		zap.Int("bytes_read", len(chunk)),
		zap.Binary("data", chunk),
	)

	s.events.data.publish(model.DataReceivedEvent{
		SessionID: id,
		Data:      chunk,
		Timestamp: time.Now(),
	})
}

// fault reports a read failure and closes the handle it came from
func (s *Session) fault(id uuid.UUID, err error) {
	s.opMutex.Lock()
	defer s.opMutex.Unlock()

	s.mutex.Lock()
	if s.sessionID != id || s.state != model.SessionOpen {
		s.mutex.Unlock()
		return
	}
	s.state = model.SessionFaulted
	portID := s.portConfig.PortID
	s.mutex.Unlock()

	s.logger.Error("Failed to read from serial port, closing",
		zap.Error(err),
		zap.String("port", portID),
		zap.String("session_id", id.String()),
	)

	s.emitError(id, model.ErrorKindRead, portID, err)
	s.closeLocked()
}

// closeLocked must be called with opMutex held
func (s *Session) closeLocked() {
	s.mutex.Lock()
	if s.port == nil {
		s.state = model.SessionClosed
		s.mutex.Unlock()
		return
	}
	port, id, portID := s.port, s.sessionID, s.portConfig.PortID
	stop, done := s.stop, s.done
	s.state = model.SessionClosing
	s.mutex.Unlock()

	close(stop)
	closeErr := port.Close()
	<-done

	s.mutex.Lock()
	s.port = nil
	s.stop = nil
	s.done = nil
	s.state = model.SessionClosed
	s.mutex.Unlock()

	if closeErr != nil {
		s.logger.Error("Failed to close serial port", zap.Error(closeErr), zap.String("port", portID))
		s.emitError(id, model.ErrorKindClose, portID, closeErr)
	}

	s.logger.Info("Serial port closed",
		zap.String("port", portID),
		zap.String("session_id", id.String()),
		zap.Uint64("bytes_sent", s.bytesSent.Load()),
		zap.Uint64("bytes_received", s.bytesReceived.Load()),
	)

	s.events.status.publish(model.ConnectionStatusEvent{
		SessionID: id,
		PortID:    portID,
		Connected: false,
		Timestamp: time.Now(),
	})
}

func (s *Session) openFailed(cfg model.PortConfig, err error) error {
	s.setState(model.SessionClosed)

	s.logger.Error("Failed to open serial port",
		zap.Error(err),
		zap.String("port", cfg.PortID),
		zap.Int("baud_rate", cfg.BaudRate),
	)

	openErr := &Error{Kind: model.ErrorKindOpen, Port: cfg.PortID, Err: err}
	s.publishError(uuid.Nil, openErr)
	return openErr
}

func (s *Session) isCurrent(id uuid.UUID) bool {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	return s.sessionID == id && s.state == model.SessionOpen
}

func (s *Session) setState(state model.SessionState) {
	s.mutex.Lock()
	s.state = state
	s.mutex.Unlock()
}

func (s *Session) emitError(id uuid.UUID, kind model.ErrorKind, portID string, err error) {
	s.publishError(id, &Error{Kind: kind, Port: portID, Err: err})
}

func (s *Session) publishError(id uuid.UUID, err *Error) {
	s.events.errors.publish(model.ErrorEvent{
		SessionID: id,
		Kind:      err.Kind,
		Message:   err.Error(),
		Err:       err,
		Timestamp: time.Now(),
	})
}
