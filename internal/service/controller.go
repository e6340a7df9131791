// internal/service/controller.go
package service

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/text/language"

	"serial-terminal/internal/hexcodec"
	"serial-terminal/internal/model"
	"serial-terminal/internal/protocol/serial"
	"serial-terminal/internal/utils"
)

// Session is the serial session the controller drives
type Session interface {
	Open(cfg model.PortConfig) error
	Close() error
	Send(ctx context.Context, data []byte) error
	ListPorts() []string
	OnDataReceived(handler func(model.DataReceivedEvent)) func()
	OnError(handler func(model.ErrorEvent)) func()
	OnConnectionStatus(handler func(model.ConnectionStatusEvent)) func()
}

// Options represents controller settings
type Options struct {
	PortConfig   model.PortConfig
	Language     language.Tag
	HexUpperCase bool
	SendHex      bool
	ReceiveHex   bool
	QueueSize    int
}

// Property names a piece of observable controller state
type Property string

const (
	PropertyConnection Property = "connection"
	PropertyConfig     Property = "config"
	PropertyPorts      Property = "ports"
	PropertyReceived   Property = "received"
	PropertyCounters   Property = "counters"
	PropertySendData   Property = "send_data"
	PropertyModes      Property = "modes"
	PropertySending    Property = "sending"
	PropertyStatus     Property = "status"
)

// Snapshot is a consistent copy of the controller state
type Snapshot struct {
	Connection    model.ConnectionState `json:"connection"`
	Connected     bool                  `json:"connected"`
	Config        model.PortConfig      `json:"config"`
	Ports         []string              `json:"ports"`
	SendData      string                `json:"send_data"`
	SendHex       bool                  `json:"send_hex"`
	ReceiveHex    bool                  `json:"receive_hex"`
	Sending       bool                  `json:"sending"`
	ReceivedCount uint64                `json:"received_count"`
	SentCount     uint64                `json:"sent_count"`
	ChunkCount    int                   `json:"chunk_count"`
	Status        string                `json:"status"`
	SessionID     uuid.UUID             `json:"session_id"`
	Language      string                `json:"language"`
}

// Change is delivered to observers for every property that changed.
// Received holds the current render when Property is PropertyReceived.
type Change struct {
	Property Property `json:"property"`
	Snapshot Snapshot `json:"snapshot"`
	Received string   `json:"received,omitempty"`
}

// terminalState is only touched on the dispatcher goroutine
type terminalState struct {
	connection model.ConnectionState
	config     model.PortConfig
	ports      []string
	chunks     [][]byte
	sentCount  uint64
	sendData   string
	sendHex    bool
	receiveHex bool
	sending    bool
	status     string
	sessionID  uuid.UUID

	readFault         bool
	enumerationFailed bool
}

// SessionController turns user commands into session I/O and session
// events into observable terminal state. All state changes and observer
// calls happen on its dispatcher; I/O runs on the calling goroutine.
type SessionController struct {
	session    Session
	dispatcher *Dispatcher
	status     *statusPrinter
	upperHex   bool
	logger     *utils.ServiceLogger

	state terminalState

	observerMutex sync.RWMutex
	observers     map[uint64]func(Change)
	nextObserver  uint64

	unsubscribe []func()
	startOnce   sync.Once
	stopOnce    sync.Once
}

// NewSessionController creates a controller; call Start before use
func NewSessionController(session Session, opts Options, logger *zap.Logger) *SessionController {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = 1024
	}

	serviceLogger := utils.NewServiceLogger(logger, "session-controller")
	status := newStatusPrinter(opts.Language)

	return &SessionController{
		session:    session,
		dispatcher: NewDispatcher(opts.QueueSize, serviceLogger.Logger),
		status:     status,
		upperHex:   opts.HexUpperCase,
		logger:     serviceLogger,
		observers:  make(map[uint64]func(Change)),
		state: terminalState{
			connection: model.StateDisconnected,
			config:     opts.PortConfig,
			ports:      []string{},
			sendHex:    opts.SendHex,
			receiveHex: opts.ReceiveHex,
			status:     status.text(msgReady),
		},
	}
}

// Start starts the dispatcher and subscribes to session events
func (c *SessionController) Start() {
	c.startOnce.Do(func() {
		c.dispatcher.Start()
		c.unsubscribe = append(c.unsubscribe,
			c.session.OnDataReceived(func(e model.DataReceivedEvent) {
				c.post(func() { c.onDataReceived(e) })
			}),
			c.session.OnError(func(e model.ErrorEvent) {
				c.post(func() { c.onError(e) })
			}),
			c.session.OnConnectionStatus(func(e model.ConnectionStatusEvent) {
				c.post(func() { c.onConnectionStatus(e) })
			}),
		)
		c.logger.Info("Session controller started", zap.String("language", c.status.tag.String()))
	})
}

// Stop detaches from the session and stops the dispatcher
func (c *SessionController) Stop() {
	c.stopOnce.Do(func() {
		for _, unsubscribe := range c.unsubscribe {
			unsubscribe()
		}
		c.dispatcher.Stop()
		c.logger.Info("Session controller stopped")
	})
}

// Shutdown releases the port handle and stops the controller
func (c *SessionController) Shutdown(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = c.session.Close()
	}()

	select {
	case <-done:
	case <-ctx.Done():
		c.Stop()
		return fmt.Errorf("failed to close session: %w", ctx.Err())
	}

	c.Stop()
	return nil
}

// Subscribe registers an observer. Observers run on the dispatcher and
// must not block or call back into the controller synchronously.
func (c *SessionController) Subscribe(observer func(Change)) (unsubscribe func()) {
	c.observerMutex.Lock()
	id := c.nextObserver
	c.nextObserver++
	c.observers[id] = observer
	c.observerMutex.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			c.observerMutex.Lock()
			delete(c.observers, id)
			c.observerMutex.Unlock()
		})
	}
}

// Snapshot returns the current state
func (c *SessionController) Snapshot(ctx context.Context) (Snapshot, error) {
	var snap Snapshot
	err := c.dispatcher.Call(ctx, func() {
		snap = c.snapshot()
	})
	return snap, err
}

// Received renders the received buffer in the current receive mode
func (c *SessionController) Received(ctx context.Context) (string, error) {
	var text string
	err := c.dispatcher.Call(ctx, func() {
		text = Render(c.state.chunks, c.state.receiveHex, c.upperHex)
	})
	return text, err
}

// RenderReceived renders the received buffer in the given mode without
// changing the stored mode
func (c *SessionController) RenderReceived(ctx context.Context, hexMode bool) (string, error) {
	var text string
	err := c.dispatcher.Call(ctx, func() {
		text = Render(c.state.chunks, hexMode, c.upperHex)
	})
	return text, err
}

// Connect opens the configured port
func (c *SessionController) Connect(ctx context.Context) error {
	var (
		cfg      model.PortConfig
		guardErr error
	)
	if err := c.dispatcher.Call(ctx, func() {
		snap := c.snapshot()
		if !CanConnect(snap) {
			guardErr = connectUnavailable(snap)
			return
		}
		cfg = c.state.config
		c.state.connection = model.StateConnecting
		c.state.readFault = false
		c.setStatus(c.status.text(msgConnecting, cfg.PortID))
		c.notify(PropertyConnection, PropertyStatus)
	}); err != nil {
		return err
	}
	if guardErr != nil {
		return guardErr
	}

	sessionLogger := utils.NewSessionLogger(c.logger.Logger, cfg.PortID, cfg.String())
	openErr := c.session.Open(cfg)
	sessionLogger.LogConnection("open", openErr == nil, openErr)

	c.apply(func() {
		if openErr != nil {
			c.state.connection = model.StateDisconnected
			c.setStatus(c.status.text(msgConnectFailed, openErr))
			c.notify(PropertyConnection, PropertyStatus)
			return
		}
		// the status event was applied first; a fault may already have closed it
		if c.state.connection == model.StateConnected {
			c.setStatus(c.status.text(msgConnected, cfg.PortID))
			c.notify(PropertyStatus)
		}
	})

	if openErr != nil {
		return fmt.Errorf("failed to connect: %w", openErr)
	}
	return nil
}

// Disconnect closes the open port
func (c *SessionController) Disconnect(ctx context.Context) error {
	var (
		portID   string
		guardErr error
	)
	if err := c.dispatcher.Call(ctx, func() {
		snap := c.snapshot()
		if !CanDisconnect(snap) {
			guardErr = disconnectUnavailable(snap)
			return
		}
		portID = c.beginDisconnect()
	}); err != nil {
		return err
	}
	if guardErr != nil {
		return guardErr
	}

	c.closeSession(portID)
	return nil
}

// Send encodes raw per the send mode and writes it
func (c *SessionController) Send(ctx context.Context, raw string) error {
	return c.send(ctx, func(terminalState) string { return raw })
}

// SendCurrent sends the stored send buffer
func (c *SessionController) SendCurrent(ctx context.Context) error {
	return c.send(ctx, func(s terminalState) string { return s.sendData })
}

func (c *SessionController) send(ctx context.Context, input func(terminalState) string) error {
	var (
		payload   []byte
		portID    string
		guardErr  error
		formatErr error
	)
	if err := c.dispatcher.Call(ctx, func() {
		raw := input(c.state)
		snap := c.snapshot()
		if !CanSend(snap, raw) {
			guardErr = sendUnavailable(snap, raw)
			return
		}

		data, err := c.encode(raw)
		if err != nil {
			formatErr = err
			c.setStatus(c.status.text(msgFormatError, err))
			c.notify(PropertyStatus)
			return
		}

		payload = data
		portID = c.state.config.PortID
		c.state.sending = true
		c.notify(PropertySending)
	}); err != nil {
		return err
	}
	if guardErr != nil {
		return guardErr
	}
	if formatErr != nil {
		return formatErr
	}

	sendErr := c.session.Send(ctx, payload)
	if sendErr == nil {
		c.apply(func() {
			c.state.sending = false
			c.state.sentCount += uint64(len(payload))
			utils.NewSessionLogger(c.logger.Logger, portID, "").LogTransfer("tx", len(payload), c.state.sentCount)
			c.setStatus(c.status.text(msgSent, len(payload)))
			c.notify(PropertySending, PropertyCounters, PropertyStatus)
		})
		return nil
	}

	c.logger.Warn("Send failed",
		zap.Error(sendErr),
		zap.String("port", portID),
		zap.Int("bytes", len(payload)),
	)

	// only a transport fault means the handle is dead
	transportFault := serial.IsKind(sendErr, model.ErrorKindWrite)
	closing := false
	c.apply(func() {
		c.state.sending = false
		c.setStatus(c.status.text(msgSendFailed, sendErr))
		c.notify(PropertySending, PropertyStatus)
		if transportFault && CanDisconnect(c.snapshot()) {
			portID = c.beginDisconnect()
			closing = true
		}
	})

	if closing {
		c.closeSession(portID)
		c.apply(func() {
			c.setStatus(c.status.text(msgSendFailedClosed))
			c.notify(PropertyStatus)
		})
	}

	return fmt.Errorf("send failed: %w", sendErr)
}

// ClearReceived drops all received chunks
func (c *SessionController) ClearReceived(ctx context.Context) error {
	return c.dispatcher.Call(ctx, func() {
		c.state.chunks = nil
		c.notify(PropertyReceived, PropertyCounters)
	})
}

// ClearSend empties the send buffer
func (c *SessionController) ClearSend(ctx context.Context) error {
	return c.dispatcher.Call(ctx, func() {
		c.state.sendData = ""
		c.notify(PropertySendData)
	})
}

// ResetCounters zeroes both byte counters, which also clears the received buffer
func (c *SessionController) ResetCounters(ctx context.Context) error {
	return c.dispatcher.Call(ctx, func() {
		c.state.chunks = nil
		c.state.sentCount = 0
		c.setStatus(c.status.text(msgCountersReset))
		c.notify(PropertyReceived, PropertyCounters, PropertyStatus)
	})
}

// RefreshPorts re-enumerates ports and reports the result in the status
func (c *SessionController) RefreshPorts(ctx context.Context) ([]string, error) {
	return c.refreshPorts(ctx, true)
}

// SyncPorts re-enumerates ports quietly; the status only changes when the
// configured port had to be replaced
func (c *SessionController) SyncPorts(ctx context.Context) ([]string, error) {
	return c.refreshPorts(ctx, false)
}

func (c *SessionController) refreshPorts(ctx context.Context, announce bool) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	ports := c.session.ListPorts()

	c.apply(func() {
		failed := c.state.enumerationFailed
		c.state.enumerationFailed = false

		var props []Property
		if !slices.Equal(c.state.ports, ports) {
			c.state.ports = slices.Clone(ports)
			props = append(props, PropertyPorts)
		}

		switched := ""
		if len(ports) > 0 && !slices.Contains(ports, c.state.config.PortID) {
			switched = ports[0]
			c.state.config = c.state.config.WithPort(switched)
			props = append(props, PropertyConfig)
		}

		switch {
		case switched != "":
			c.setStatus(c.status.text(msgPortSwitched, len(ports), switched))
			props = append(props, PropertyStatus)
		case announce && !failed:
			c.setStatus(c.status.text(msgFoundPorts, len(ports)))
			props = append(props, PropertyStatus)
		}

		c.notify(props...)
	})

	return ports, nil
}

// SetConfig replaces the line parameters used by the next connect
func (c *SessionController) SetConfig(ctx context.Context, cfg model.PortConfig) error {
	return c.dispatcher.Call(ctx, func() {
		c.state.config = cfg
		c.setStatus(c.status.text(msgConfigChanged, cfg.String()))
		c.notify(PropertyConfig, PropertyStatus)
	})
}

// SetSendData replaces the send buffer
func (c *SessionController) SetSendData(ctx context.Context, data string) error {
	return c.dispatcher.Call(ctx, func() {
		c.state.sendData = data
		c.notify(PropertySendData)
	})
}

// SetSendHex switches the send encoding between text and hex
func (c *SessionController) SetSendHex(ctx context.Context, enabled bool) error {
	return c.dispatcher.Call(ctx, func() {
		if c.state.sendHex == enabled {
			return
		}
		c.state.sendHex = enabled
		c.notify(PropertyModes)
	})
}

// SetReceiveHex switches the receive rendering; stored bytes are untouched
func (c *SessionController) SetReceiveHex(ctx context.Context, enabled bool) error {
	return c.dispatcher.Call(ctx, func() {
		if c.state.receiveHex == enabled {
			return
		}
		c.state.receiveHex = enabled
		mode := "TEXT"
		if enabled {
			mode = "HEX"
		}
		c.setStatus(c.status.text(msgReceiveModeChanged, mode))
		c.notify(PropertyModes, PropertyReceived, PropertyStatus)
	})
}

// beginDisconnect must run on the dispatcher
func (c *SessionController) beginDisconnect() string {
	c.state.connection = model.StateDisconnecting
	c.setStatus(c.status.text(msgDisconnecting))
	c.notify(PropertyConnection, PropertyStatus)
	return c.state.config.PortID
}

func (c *SessionController) closeSession(portID string) {
	_ = c.session.Close()
	utils.NewSessionLogger(c.logger.Logger, portID, "").LogConnection("close", true, nil)

	c.apply(func() {
		props := []Property{PropertyStatus}
		if c.state.connection == model.StateDisconnecting {
			c.state.connection = model.StateDisconnected
			props = append(props, PropertyConnection)
		}
		c.setStatus(c.status.text(msgDisconnected))
		c.notify(props...)
	})
}

func (c *SessionController) encode(raw string) ([]byte, error) {
	if !c.state.sendHex {
		return []byte(raw), nil
	}
	if err := hexcodec.Validate(raw); err != nil {
		return nil, err
	}
	return hexcodec.HexToBytes(raw)
}

func (c *SessionController) onDataReceived(e model.DataReceivedEvent) {
	if e.SessionID != c.state.sessionID {
		c.logger.Debug("Discarding data from retired session",
			zap.String("session_id", e.SessionID.String()),
			zap.Int("bytes", len(e.Data)),
		)
		return
	}

	c.state.chunks = append(c.state.chunks, e.Data)
	utils.NewSessionLogger(c.logger.Logger, c.state.config.PortID, "").LogTransfer("rx", len(e.Data), totalBytes(c.state.chunks))
	c.setStatus(c.status.text(msgReceived, len(e.Data)))
	c.notify(PropertyReceived, PropertyCounters, PropertyStatus)
}

func (c *SessionController) onError(e model.ErrorEvent) {
	switch e.Kind {
	case model.ErrorKindRead:
		if e.SessionID != c.state.sessionID {
			return
		}
		c.state.readFault = true
	case model.ErrorKindPortEnumeration:
		c.state.enumerationFailed = true
	}

	c.setStatus(c.status.errorText(e.Kind, e.Message))
	c.notify(PropertyStatus)
}

func (c *SessionController) onConnectionStatus(e model.ConnectionStatusEvent) {
	if e.Connected {
		c.state.sessionID = e.SessionID
		c.state.connection = model.StateConnected
		c.notify(PropertyConnection)
		return
	}

	if e.SessionID != c.state.sessionID {
		return
	}

	previous := c.state.connection
	c.state.connection = model.StateDisconnected
	props := []Property{PropertyConnection}
	if previous == model.StateConnected && !c.state.readFault {
		c.setStatus(c.status.text(msgConnectionLost))
		props = append(props, PropertyStatus)
	}
	c.notify(props...)
}

func (c *SessionController) snapshot() Snapshot {
	return Snapshot{
		Connection:    c.state.connection,
		Connected:     c.state.connection == model.StateConnected,
		Config:        c.state.config,
		Ports:         slices.Clone(c.state.ports),
		SendData:      c.state.sendData,
		SendHex:       c.state.sendHex,
		ReceiveHex:    c.state.receiveHex,
		Sending:       c.state.sending,
		ReceivedCount: totalBytes(c.state.chunks),
		SentCount:     c.state.sentCount,
		ChunkCount:    len(c.state.chunks),
		Status:        c.state.status,
		SessionID:     c.state.sessionID,
		Language:      c.status.tag.String(),
	}
}

func (c *SessionController) setStatus(status string) {
	c.state.status = status
	c.logger.Debug("Status changed", zap.String("status", status))
}

func (c *SessionController) notify(props ...Property) {
	if len(props) == 0 {
		return
	}

	c.observerMutex.RLock()
	ids := make([]uint64, 0, len(c.observers))
	for id := range c.observers {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	observers := make([]func(Change), 0, len(ids))
	for _, id := range ids {
		observers = append(observers, c.observers[id])
	}
	c.observerMutex.RUnlock()

	if len(observers) == 0 {
		return
	}

	snap := c.snapshot()
	for _, prop := range props {
		change := Change{Property: prop, Snapshot: snap}
		if prop == PropertyReceived {
			change.Received = Render(c.state.chunks, c.state.receiveHex, c.upperHex)
		}
		for _, observer := range observers {
			observer(change)
		}
	}
}

// post queues driver-originated work; it is dropped once stopped
func (c *SessionController) post(fn func()) {
	if err := c.dispatcher.Post(context.Background(), fn); err != nil {
		c.logger.Debug("Dropping session event", zap.Error(err))
	}
}

// apply runs an I/O outcome on the dispatcher regardless of the caller's context
func (c *SessionController) apply(fn func()) {
	if err := c.dispatcher.Call(context.Background(), fn); err != nil {
		c.logger.Debug("Dropping command outcome", zap.Error(err))
	}
}
