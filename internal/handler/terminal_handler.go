// internal/handler/terminal_handler.go
package handler

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"serial-terminal/internal/hexcodec"
	"serial-terminal/internal/model"
	"serial-terminal/internal/protocol/serial"
	"serial-terminal/internal/service"
	"serial-terminal/internal/utils"
)

// SessionInspector exposes read-only session details to handlers
type SessionInspector interface {
	State() model.SessionState
	Stats() serial.Stats
	PortDetails() []model.PortInfo
}

// TerminalHandler exposes the session controller over REST
type TerminalHandler struct {
	controller *service.SessionController
	session    SessionInspector
	timeout    time.Duration
	logger     *utils.ServiceLogger
}

// UpdateConfigRequest represents a line parameter change
type UpdateConfigRequest struct {
	PortID   string `json:"port_id"`
	BaudRate int    `json:"baud_rate" binding:"required,gt=0"`
	DataBits int    `json:"data_bits" binding:"required,gt=0"`
	Parity   string `json:"parity"`
	StopBits string `json:"stop_bits"`
}

// UpdateModesRequest toggles the send and receive encodings; absent fields are left alone
type UpdateModesRequest struct {
	SendHex    *bool `json:"send_hex"`
	ReceiveHex *bool `json:"receive_hex"`
}

// SendDataRequest carries the send buffer contents
type SendDataRequest struct {
	Data string `json:"data"`
}

// SendRequest sends Data, or the stored send buffer when Data is absent
type SendRequest struct {
	Data *string `json:"data"`
}

// HexFormatRequest asks for a hex payload to be re-rendered
type HexFormatRequest struct {
	Data         string  `json:"data"`
	Separator    *string `json:"separator"`
	BytesPerLine int     `json:"bytes_per_line" binding:"gte=0"`
	LowerCase    bool    `json:"lower_case"`
}

// HexFormatResponse is the re-rendered payload. Invalid input comes back
// unchanged with the validation error.
type HexFormatResponse struct {
	Formatted string `json:"formatted"`
	ByteCount int    `json:"byte_count"`
	Valid     bool   `json:"valid"`
	Error     string `json:"error,omitempty"`
}

// HexConvertRequest converts between text and hex; To is "hex" or "text"
type HexConvertRequest struct {
	Data string `json:"data"`
	To   string `json:"to" binding:"required,oneof=hex text"`
}

// HexConvertResponse carries the converted value
type HexConvertResponse struct {
	To     string `json:"to"`
	Result string `json:"result"`
}

// ReceivedResponse is the rendered receive buffer
type ReceivedResponse struct {
	Mode          string `json:"mode"`
	Text          string `json:"text"`
	ReceivedCount uint64 `json:"received_count"`
	ChunkCount    int    `json:"chunk_count"`
}

// PortsResponse lists ports and the line parameters offered for them
type PortsResponse struct {
	Ports     []string         `json:"ports"`
	Current   string           `json:"current"`
	BaudRates []int            `json:"baud_rates"`
	DataBits  []int            `json:"data_bits"`
	Parities  []model.Parity   `json:"parities"`
	StopBits  []model.StopBits `json:"stop_bits"`
}

// NewTerminalHandler creates a new terminal handler. timeout bounds every command.
func NewTerminalHandler(controller *service.SessionController, session SessionInspector, timeout time.Duration, logger *zap.Logger) *TerminalHandler {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &TerminalHandler{
		controller: controller,
		session:    session,
		timeout:    timeout,
		logger:     utils.NewServiceLogger(logger, "terminal-handler"),
	}
}

// RegisterRoutes registers terminal routes
func (h *TerminalHandler) RegisterRoutes(router *gin.RouterGroup) {
	terminal := router.Group("/terminal")
	{
		terminal.GET("/state", h.GetState)
		terminal.GET("/received", h.GetReceived)
		terminal.GET("/ports", h.ListPorts)
		terminal.GET("/ports/details", h.PortDetails)
		terminal.POST("/ports/refresh", h.RefreshPorts)

		terminal.PUT("/config", h.UpdateConfig)
		terminal.PUT("/modes", h.UpdateModes)
		terminal.PUT("/send-data", h.UpdateSendData)

		terminal.POST("/connect", h.Connect)
		terminal.POST("/disconnect", h.Disconnect)
		terminal.POST("/send", h.Send)
		terminal.POST("/clear/received", h.ClearReceived)
		terminal.POST("/clear/send", h.ClearSend)
		terminal.POST("/counters/reset", h.ResetCounters)

		terminal.POST("/hex/format", h.FormatHex)
		terminal.POST("/hex/convert", h.ConvertHex)
	}
}

// GetState returns the controller snapshot
func (h *TerminalHandler) GetState(c *gin.Context) {
	ctx, cancel := h.commandContext(c)
	defer cancel()

	snap, err := h.controller.Snapshot(ctx)
	if err != nil {
		h.fail(c, "Failed to get terminal state", err)
		return
	}

	utils.SuccessResponse(c, http.StatusOK, "Terminal state retrieved", snap)
}

// GetReceived renders the receive buffer. mode=text|hex overrides the
// stored receive mode for this call only.
func (h *TerminalHandler) GetReceived(c *gin.Context) {
	ctx, cancel := h.commandContext(c)
	defer cancel()

	snap, err := h.controller.Snapshot(ctx)
	if err != nil {
		h.fail(c, "Failed to get received data", err)
		return
	}

	hexMode := snap.ReceiveHex
	switch strings.ToLower(c.Query("mode")) {
	case "":
	case "text":
		hexMode = false
	case "hex":
		hexMode = true
	default:
		utils.ValidationErrorResponse(c, map[string]string{"mode": "must be text or hex"})
		return
	}

	text, err := h.controller.RenderReceived(ctx, hexMode)
	if err != nil {
		h.fail(c, "Failed to get received data", err)
		return
	}

	mode := "text"
	if hexMode {
		mode = "hex"
	}
	utils.SuccessResponse(c, http.StatusOK, "Received data retrieved", &ReceivedResponse{
		Mode:          mode,
		Text:          text,
		ReceivedCount: snap.ReceivedCount,
		ChunkCount:    snap.ChunkCount,
	})
}

// ListPorts returns the last enumerated ports
func (h *TerminalHandler) ListPorts(c *gin.Context) {
	ctx, cancel := h.commandContext(c)
	defer cancel()

	snap, err := h.controller.Snapshot(ctx)
	if err != nil {
		h.fail(c, "Failed to list ports", err)
		return
	}

	utils.SuccessResponse(c, http.StatusOK, "Ports retrieved", portsResponse(snap))
}

// PortDetails enumerates ports with USB metadata
func (h *TerminalHandler) PortDetails(c *gin.Context) {
	details := h.session.PortDetails()
	utils.SuccessResponse(c, http.StatusOK, "Port details retrieved", gin.H{
		"ports": details,
		"count": len(details),
	})
}

// RefreshPorts re-enumerates ports
func (h *TerminalHandler) RefreshPorts(c *gin.Context) {
	ctx, cancel := h.commandContext(c)
	defer cancel()

	if _, err := h.controller.RefreshPorts(ctx); err != nil {
		h.fail(c, "Failed to refresh ports", err)
		return
	}
	h.respondState(ctx, c, "Ports refreshed")
}

// UpdateConfig replaces the line parameters used by the next connect
func (h *TerminalHandler) UpdateConfig(c *gin.Context) {
	var req UpdateConfigRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		utils.ErrorResponse(c, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	cfg, problems := req.toPortConfig()
	if len(problems) > 0 {
		utils.ValidationErrorResponse(c, problems)
		return
	}

	ctx, cancel := h.commandContext(c)
	defer cancel()

	if err := h.controller.SetConfig(ctx, cfg); err != nil {
		h.fail(c, "Failed to update configuration", err)
		return
	}
	h.respondState(ctx, c, "Configuration updated")
}

// UpdateModes switches the send and receive encodings
func (h *TerminalHandler) UpdateModes(c *gin.Context) {
	var req UpdateModesRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		utils.ErrorResponse(c, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	ctx, cancel := h.commandContext(c)
	defer cancel()

	if req.SendHex != nil {
		if err := h.controller.SetSendHex(ctx, *req.SendHex); err != nil {
			h.fail(c, "Failed to update modes", err)
			return
		}
	}
	if req.ReceiveHex != nil {
		if err := h.controller.SetReceiveHex(ctx, *req.ReceiveHex); err != nil {
			h.fail(c, "Failed to update modes", err)
			return
		}
	}
	h.respondState(ctx, c, "Modes updated")
}

// UpdateSendData replaces the send buffer
func (h *TerminalHandler) UpdateSendData(c *gin.Context) {
	var req SendDataRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		utils.ErrorResponse(c, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	ctx, cancel := h.commandContext(c)
	defer cancel()

	if err := h.controller.SetSendData(ctx, req.Data); err != nil {
		h.fail(c, "Failed to update send data", err)
		return
	}
	h.respondState(ctx, c, "Send data updated")
}

// Connect opens the configured port
func (h *TerminalHandler) Connect(c *gin.Context) {
	ctx, cancel := h.commandContext(c)
	defer cancel()

	opLogger := h.operationLogger(c, "connect")
	opLogger.Start()

	if err := h.controller.Connect(ctx); err != nil {
		opLogger.Error(err)
		h.fail(c, "Failed to connect", err)
		return
	}

	opLogger.Success()
	h.respondState(ctx, c, "Connected")
}

// Disconnect closes the open port
func (h *TerminalHandler) Disconnect(c *gin.Context) {
	ctx, cancel := h.commandContext(c)
	defer cancel()

	opLogger := h.operationLogger(c, "disconnect")
	opLogger.Start()

	if err := h.controller.Disconnect(ctx); err != nil {
		opLogger.Error(err)
		h.fail(c, "Failed to disconnect", err)
		return
	}

	opLogger.Success()
	h.respondState(ctx, c, "Disconnected")
}

// Send writes the request data, or the stored send buffer, to the port
func (h *TerminalHandler) Send(c *gin.Context) {
	var req SendRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			utils.ErrorResponse(c, http.StatusBadRequest, "Invalid request body", err)
			return
		}
	}

	ctx, cancel := h.commandContext(c)
	defer cancel()

	opLogger := h.operationLogger(c, "send")
	opLogger.Start(zap.Bool("stored_buffer", req.Data == nil))

	var err error
	if req.Data == nil {
		err = h.controller.SendCurrent(ctx)
	} else {
		err = h.controller.Send(ctx, *req.Data)
	}
	if err != nil {
		opLogger.Error(err)
		h.fail(c, "Failed to send data", err)
		return
	}

	opLogger.Success()
	h.respondState(ctx, c, "Data sent")
}

// ClearReceived drops the receive buffer
func (h *TerminalHandler) ClearReceived(c *gin.Context) {
	ctx, cancel := h.commandContext(c)
	defer cancel()

	if err := h.controller.ClearReceived(ctx); err != nil {
		h.fail(c, "Failed to clear received data", err)
		return
	}
	h.respondState(ctx, c, "Received data cleared")
}

// ClearSend empties the send buffer
func (h *TerminalHandler) ClearSend(c *gin.Context) {
	ctx, cancel := h.commandContext(c)
	defer cancel()

	if err := h.controller.ClearSend(ctx); err != nil {
		h.fail(c, "Failed to clear send data", err)
		return
	}
	h.respondState(ctx, c, "Send data cleared")
}

// ResetCounters zeroes both byte counters
func (h *TerminalHandler) ResetCounters(c *gin.Context) {
	ctx, cancel := h.commandContext(c)
	defer cancel()

	if err := h.controller.ResetCounters(ctx); err != nil {
		h.fail(c, "Failed to reset counters", err)
		return
	}
	h.respondState(ctx, c, "Counters reset")
}

// FormatHex normalizes a hex payload for the send box without touching the session
func (h *TerminalHandler) FormatHex(c *gin.Context) {
	var req HexFormatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		utils.ErrorResponse(c, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	sep := " "
	if req.Separator != nil {
		sep = *req.Separator
	}

	resp := &HexFormatResponse{
		Formatted: hexcodec.FormatHexString(req.Data, sep, req.BytesPerLine, !req.LowerCase),
		ByteCount: hexcodec.ByteCount(req.Data),
		Valid:     true,
	}
	if err := hexcodec.Validate(req.Data); err != nil {
		resp.Valid = false
		resp.Error = err.Error()
	}

	utils.SuccessResponse(c, http.StatusOK, "Hex formatted", resp)
}

// ConvertHex turns text into hex digits or hex digits into UTF-8 text
func (h *TerminalHandler) ConvertHex(c *gin.Context) {
	var req HexConvertRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		utils.ErrorResponse(c, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	resp := &HexConvertResponse{To: req.To}
	if req.To == "hex" {
		resp.Result = hexcodec.StringToHex(req.Data, " ")
	} else {
		text, err := hexcodec.HexToString(req.Data)
		if err != nil {
			h.fail(c, "Failed to decode hex", err)
			return
		}
		resp.Result = text
	}

	utils.SuccessResponse(c, http.StatusOK, "Data converted", resp)
}

func (h *TerminalHandler) commandContext(c *gin.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(c.Request.Context(), h.timeout)
}

func (h *TerminalHandler) operationLogger(c *gin.Context, operation string) *utils.OperationLogger {
	return utils.NewOperationLogger(utils.RequestLogger(c, h.logger.Logger), operation, c.GetString(utils.RequestIDKey))
}

// respondState answers a successful command with the resulting snapshot
func (h *TerminalHandler) respondState(ctx context.Context, c *gin.Context, message string) {
	snap, err := h.controller.Snapshot(ctx)
	if err != nil {
		h.fail(c, "Failed to get terminal state", err)
		return
	}
	utils.SuccessResponse(c, http.StatusOK, message, snap)
}

func (h *TerminalHandler) fail(c *gin.Context, message string, err error) {
	statusCode := StatusCodeFor(err)
	if statusCode >= http.StatusInternalServerError {
		h.logger.Error(message, zap.Error(err))
	} else {
		h.logger.Debug(message, zap.Error(err))
	}
	utils.ErrorResponse(c, statusCode, message, err)
}

// StatusCodeFor maps a command error onto an HTTP status
func StatusCodeFor(err error) int {
	var formatErr *hexcodec.FormatError
	var serialErr *serial.Error

	switch {
	case errors.Is(err, service.ErrCommandUnavailable), errors.Is(err, serial.ErrNotOpen):
		return http.StatusConflict
	case errors.As(err, &formatErr), errors.Is(err, serial.ErrEmptyPayload):
		return http.StatusBadRequest
	case errors.As(err, &serialErr):
		return http.StatusBadGateway
	case errors.Is(err, service.ErrDispatcherStopped):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func (r *UpdateConfigRequest) toPortConfig() (model.PortConfig, map[string]string) {
	problems := make(map[string]string)

	parity, err := model.ParseParity(r.Parity)
	if err != nil {
		problems["parity"] = err.Error()
	}
	stopBits, err := model.ParseStopBits(r.StopBits)
	if err != nil {
		problems["stop_bits"] = err.Error()
	}

	return model.PortConfig{
		PortID:   strings.TrimSpace(r.PortID),
		BaudRate: r.BaudRate,
		DataBits: r.DataBits,
		Parity:   parity,
		StopBits: stopBits,
	}, problems
}

func portsResponse(snap service.Snapshot) *PortsResponse {
	return &PortsResponse{
		Ports:     snap.Ports,
		Current:   snap.Config.PortID,
		BaudRates: model.StandardBaudRates,
		DataBits:  model.StandardDataBits,
		Parities:  model.AllParities,
		StopBits:  model.AllStopBits,
	}
}
