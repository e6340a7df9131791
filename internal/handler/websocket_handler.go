// internal/handler/websocket_handler.go
package handler

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"slices"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"serial-terminal/internal/service"
	"serial-terminal/internal/utils"
)

const (
	pongWait     = 60 * time.Second
	pingInterval = 54 * time.Second
	writeWait    = 10 * time.Second
	clientBuffer = 256
)

// WebSocketHandler streams controller changes and accepts terminal commands
type WebSocketHandler struct {
	upgrader    websocket.Upgrader
	connections *ConnectionManager
	eventBus    *EventBus
	controller  *service.SessionController
	timeout     time.Duration
	logger      *utils.ServiceLogger

	unsubscribe func()
	startOnce   sync.Once
	stopOnce    sync.Once
}

// NewWebSocketHandler creates a new WebSocket handler; call Start to begin streaming
func NewWebSocketHandler(
	controller *service.SessionController,
	allowedOrigins []string,
	timeout time.Duration,
	logger *zap.Logger,
) *WebSocketHandler {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	upgrader := websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     originChecker(allowedOrigins),
	}

	connections := NewConnectionManager()
	serviceLogger := utils.NewServiceLogger(logger, "websocket-handler")

	return &WebSocketHandler{
		upgrader:    upgrader,
		connections: connections,
		eventBus:    NewEventBus(connections, 1000, serviceLogger.Logger),
		controller:  controller,
		timeout:     timeout,
		logger:      serviceLogger,
	}
}

// Start subscribes to controller changes
func (h *WebSocketHandler) Start() {
	h.startOnce.Do(func() {
		h.eventBus.Start()
		h.unsubscribe = h.controller.Subscribe(h.eventBus.OnChange)
	})
}

// Stop unsubscribes and disconnects every client
func (h *WebSocketHandler) Stop() {
	h.stopOnce.Do(func() {
		if h.unsubscribe != nil {
			h.unsubscribe()
		}
		h.eventBus.Stop()
		h.connections.Stop()
	})
}

// RegisterRoutes registers WebSocket routes
func (h *WebSocketHandler) RegisterRoutes(router *gin.RouterGroup) {
	router.GET("/events", h.HandleEventConnection)
}

// HandleEventConnection handles event stream WebSocket connections
func (h *WebSocketHandler) HandleEventConnection(c *gin.Context) {
	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Error("Failed to upgrade WebSocket connection", zap.Error(err))
		return
	}

	client := &Client{
		ID:          uuid.New().String(),
		Connection:  conn,
		Send:        make(chan []byte, clientBuffer),
		UserAgent:   c.Request.UserAgent(),
		RemoteAddr:  c.Request.RemoteAddr,
		ConnectedAt: time.Now(),
	}

	if !h.connections.Register(client) {
		conn.Close()
		return
	}
	h.logger.Info("Event WebSocket client connected",
		zap.String("client_id", client.ID),
		zap.String("remote_addr", client.RemoteAddr),
	)

	go h.sendInitialState(client)
	go h.handleClientRead(client)
	go h.handleClientWrite(client)
}

// GetConnectionStats returns connection statistics
func (h *WebSocketHandler) GetConnectionStats() *ConnectionStats {
	return h.connections.GetStats()
}

// handleClientRead handles reading messages from WebSocket client
func (h *WebSocketHandler) handleClientRead(client *Client) {
	defer func() {
		h.connections.Unregister(client)
		client.Connection.Close()
	}()

	client.Connection.SetReadDeadline(time.Now().Add(pongWait))
	client.Connection.SetPongHandler(func(string) error {
		client.Connection.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, messageBytes, err := client.Connection.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				h.logger.Error("WebSocket read error",
					zap.Error(err),
					zap.String("client_id", client.ID),
				)
			}
			break
		}

		var message WebSocketMessage
		if err := json.Unmarshal(messageBytes, &message); err != nil {
			h.logger.Warn("Failed to parse WebSocket message",
				zap.Error(err),
				zap.String("client_id", client.ID),
			)
			h.sendError(client, "", "invalid message")
			continue
		}

		h.handleClientMessage(client, &message)
	}
}

// handleClientWrite handles writing messages to WebSocket client
func (h *WebSocketHandler) handleClientWrite(client *Client) {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		client.Connection.Close()
	}()

	for {
		select {
		case message, ok := <-client.Send:
			client.Connection.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				client.Connection.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			if err := client.Connection.WriteMessage(websocket.TextMessage, message); err != nil {
				h.logger.Error("WebSocket write error",
					zap.Error(err),
					zap.String("client_id", client.ID),
				)
				return
			}

		case <-ticker.C:
			client.Connection.SetWriteDeadline(time.Now().Add(writeWait))
			if err := client.Connection.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// handleClientMessage handles incoming client messages
func (h *WebSocketHandler) handleClientMessage(client *Client, message *WebSocketMessage) {
	switch message.Type {
	case MessageCommand:
		h.handleCommand(client, message)
	case MessagePing:
		h.sendMessage(client, &WebSocketMessage{
			Type:      MessagePong,
			Timestamp: time.Now(),
			RequestID: message.RequestID,
		})
	default:
		h.logger.Warn("Unknown message type",
			zap.String("type", message.Type),
			zap.String("client_id", client.ID),
		)
		h.sendError(client, message.RequestID, fmt.Sprintf("unknown message type: %s", message.Type))
	}
}

// handleCommand validates a command message and runs it off the read loop
func (h *WebSocketHandler) handleCommand(client *Client, message *WebSocketMessage) {
	data, ok := message.Data.(map[string]interface{})
	if !ok {
		h.sendError(client, message.RequestID, "invalid command data")
		return
	}

	command, ok := data["command"].(string)
	if !ok || command == "" {
		h.sendError(client, message.RequestID, "command is required")
		return
	}

	go h.executeCommand(client, message.RequestID, command, data)
}

// executeCommand runs one terminal command and reports the outcome
func (h *WebSocketHandler) executeCommand(client *Client, requestID, command string, data map[string]interface{}) {
	ctx, cancel := context.WithTimeout(context.Background(), h.timeout)
	defer cancel()

	var err error
	switch command {
	case "connect":
		err = h.controller.Connect(ctx)
	case "disconnect":
		err = h.controller.Disconnect(ctx)
	case "send":
		if text, ok := data["data"].(string); ok {
			err = h.controller.Send(ctx, text)
		} else {
			err = h.controller.SendCurrent(ctx)
		}
	case "set_send_data":
		text, _ := data["data"].(string)
		err = h.controller.SetSendData(ctx, text)
	case "set_send_hex":
		enabled, ok := data["enabled"].(bool)
		if !ok {
			h.sendError(client, requestID, "enabled is required")
			return
		}
		err = h.controller.SetSendHex(ctx, enabled)
	case "set_receive_hex":
		enabled, ok := data["enabled"].(bool)
		if !ok {
			h.sendError(client, requestID, "enabled is required")
			return
		}
		err = h.controller.SetReceiveHex(ctx, enabled)
	case "clear_received":
		err = h.controller.ClearReceived(ctx)
	case "clear_send":
		err = h.controller.ClearSend(ctx)
	case "reset_counters":
		err = h.controller.ResetCounters(ctx)
	case "refresh_ports":
		_, err = h.controller.RefreshPorts(ctx)
	case "state":
	default:
		h.sendError(client, requestID, fmt.Sprintf("unknown command: %s", command))
		return
	}

	result := map[string]interface{}{
		"command": command,
		"success": err == nil,
	}
	if err != nil {
		result["error"] = err.Error()
		result["status_code"] = StatusCodeFor(err)
	}
	if snap, snapErr := h.controller.Snapshot(ctx); snapErr == nil {
		result["state"] = snap
	}

	h.sendMessage(client, &WebSocketMessage{
		Type:      MessageCommandResponse,
		Data:      result,
		Timestamp: time.Now(),
		RequestID: requestID,
	})
}

// sendInitialState sends the current snapshot and receive render to a new client
func (h *WebSocketHandler) sendInitialState(client *Client) {
	ctx, cancel := context.WithTimeout(context.Background(), h.timeout)
	defer cancel()

	snap, err := h.controller.Snapshot(ctx)
	if err != nil {
		h.sendError(client, "", fmt.Sprintf("failed to get terminal state: %v", err))
		return
	}
	received, err := h.controller.Received(ctx)
	if err != nil {
		h.logger.Error("Failed to render received data", zap.Error(err))
	}

	h.sendMessage(client, &WebSocketMessage{
		Type: MessageInitialState,
		Data: map[string]interface{}{
			"state":    snap,
			"received": received,
		},
		Timestamp: time.Now(),
	})
}

// sendMessage sends a message to a client
func (h *WebSocketHandler) sendMessage(client *Client, message *WebSocketMessage) {
	messageBytes, err := json.Marshal(message)
	if err != nil {
		h.logger.Error("Failed to marshal WebSocket message", zap.Error(err))
		return
	}

	if !h.connections.SendTo(client, messageBytes) {
		h.logger.Warn("Client gone or send channel full, dropping message",
			zap.String("client_id", client.ID),
			zap.String("type", message.Type),
		)
	}
}

// sendError sends an error message to a client
func (h *WebSocketHandler) sendError(client *Client, requestID, errorMsg string) {
	h.sendMessage(client, &WebSocketMessage{
		Type: MessageError,
		Data: map[string]interface{}{
			"error": errorMsg,
		},
		Timestamp: time.Now(),
		RequestID: requestID,
	})
}

// originChecker allows requests without an Origin header, and any origin
// when the list is empty or contains "*"
func originChecker(allowed []string) func(r *http.Request) bool {
	allowAll := len(allowed) == 0 || slices.Contains(allowed, "*")
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if allowAll || origin == "" {
			return true
		}
		return slices.Contains(allowed, origin)
	}
}
