package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"golang.org/x/text/language"

	"serial-terminal/internal/config"
	"serial-terminal/internal/hexcodec"
	"serial-terminal/internal/model"
	"serial-terminal/internal/protocol/serial"
	"serial-terminal/internal/service"
	"serial-terminal/internal/utils"
)

const waitFor = 2 * time.Second

func init() {
	gin.SetMode(gin.TestMode)
}

type envelope struct {
	Success   bool            `json:"success"`
	Message   string          `json:"message"`
	Data      json.RawMessage `json:"data"`
	Error     *utils.APIError `json:"error"`
	RequestID string          `json:"request_id"`
}

type testEnv struct {
	router     *gin.Engine
	controller *service.SessionController
	session    *serial.Session
	opener     *serial.MockOpener
	lister     *serial.MockLister
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	opener := serial.NewMockOpener()
	lister := &serial.MockLister{Ports: []string{"COM1", "COM2"}}
	session := serial.NewSession(&serial.Config{
		ReadTimeout:  20 * time.Millisecond,
		WriteTimeout: 500 * time.Millisecond,
		Opener:       opener.Open,
		Lister:       lister.List,
	}, zap.NewNop())

	controller := service.NewSessionController(session, service.Options{
		PortConfig:   model.DefaultPortConfig().WithPort("COM1"),
		Language:     language.English,
		HexUpperCase: true,
	}, zap.NewNop())
	controller.Start()
	t.Cleanup(func() {
		_ = controller.Shutdown(context.Background())
	})

	cfg := &config.Config{App: config.AppConfig{Name: "serial-terminal", Version: "test"}}

	router := gin.New()
	NewHealthHandler(controller, session, nil, cfg, zap.NewNop()).RegisterRoutes(router.Group(""))
	NewTerminalHandler(controller, session, time.Second, zap.NewNop()).RegisterRoutes(router.Group("/api/v1"))

	return &testEnv{
		router:     router,
		controller: controller,
		session:    session,
		opener:     opener,
		lister:     lister,
	}
}

func (e *testEnv) do(t *testing.T, method, path string, body interface{}) (int, envelope) {
	t.Helper()

	var req *http.Request
	if body == nil {
		req = httptest.NewRequest(method, path, nil)
	} else {
		payload, err := json.Marshal(body)
		require.NoError(t, err)
		req = httptest.NewRequest(method, path, bytes.NewReader(payload))
		req.Header.Set("Content-Type", "application/json")
	}

	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)

	var resp envelope
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp), w.Body.String())
	return w.Code, resp
}

func (e *testEnv) state(t *testing.T, resp envelope) service.Snapshot {
	t.Helper()
	var snap service.Snapshot
	require.NoError(t, json.Unmarshal(resp.Data, &snap))
	return snap
}

func (e *testEnv) connect(t *testing.T) *serial.VirtualPort {
	t.Helper()
	code, resp := e.do(t, http.MethodPost, "/api/v1/terminal/connect", nil)
	require.Equal(t, http.StatusOK, code, resp.Message)
	port := e.opener.Last()
	require.NotNil(t, port)
	return port
}

func TestTerminalHandler_GetState(t *testing.T) {
	env := newTestEnv(t)

	code, resp := env.do(t, http.MethodGet, "/api/v1/terminal/state", nil)
	require.Equal(t, http.StatusOK, code)
	assert.True(t, resp.Success)

	snap := env.state(t, resp)
	assert.Equal(t, model.StateDisconnected, snap.Connection)
	assert.Equal(t, "COM1", snap.Config.PortID)
	assert.Equal(t, "Ready", snap.Status)
	assert.Equal(t, "en", snap.Language)
}

func TestTerminalHandler_ConnectSendReceive(t *testing.T) {
	env := newTestEnv(t)
	port := env.connect(t)

	code, resp := env.do(t, http.MethodGet, "/api/v1/terminal/state", nil)
	require.Equal(t, http.StatusOK, code)
	assert.True(t, env.state(t, resp).Connected)

	code, resp = env.do(t, http.MethodPost, "/api/v1/terminal/send", SendDataRequest{Data: "hi"})
	require.Equal(t, http.StatusOK, code, resp.Message)
	snap := env.state(t, resp)
	assert.Equal(t, uint64(2), snap.SentCount)
	assert.Equal(t, "Sent 2 bytes", snap.Status)
	assert.Equal(t, []byte("hi"), port.Written())

	port.Feed([]byte("o"))
	port.Feed([]byte("k"))

	var received ReceivedResponse
	require.Eventually(t, func() bool {
		w := httptest.NewRecorder()
		env.router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/v1/terminal/received", nil))
		var resp envelope
		if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
			return false
		}
		if err := json.Unmarshal(resp.Data, &received); err != nil {
			return false
		}
		return received.ChunkCount == 2
	}, waitFor, 10*time.Millisecond)

	assert.Equal(t, "text", received.Mode)
	assert.Equal(t, "o\nk\n", received.Text)
	assert.Equal(t, uint64(2), received.ReceivedCount)

	code, resp = env.do(t, http.MethodGet, "/api/v1/terminal/received?mode=hex", nil)
	require.Equal(t, http.StatusOK, code)
	require.NoError(t, json.Unmarshal(resp.Data, &received))
	assert.Equal(t, "hex", received.Mode)
	assert.Equal(t, "6F\n6B\n", received.Text)

	code, resp = env.do(t, http.MethodGet, "/api/v1/terminal/received?mode=binary", nil)
	assert.Equal(t, http.StatusBadRequest, code)
	require.NotNil(t, resp.Error)
	assert.Equal(t, "VALIDATION_ERROR", resp.Error.Code)

	code, resp = env.do(t, http.MethodPost, "/api/v1/terminal/disconnect", nil)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, model.StateDisconnected, env.state(t, resp).Connection)
	assert.True(t, port.IsClosed())
}

func TestTerminalHandler_CommandConflicts(t *testing.T) {
	env := newTestEnv(t)

	code, resp := env.do(t, http.MethodPost, "/api/v1/terminal/disconnect", nil)
	assert.Equal(t, http.StatusConflict, code)
	require.NotNil(t, resp.Error)
	assert.Equal(t, "CONFLICT", resp.Error.Code)

	code, _ = env.do(t, http.MethodPost, "/api/v1/terminal/send", SendDataRequest{Data: "x"})
	assert.Equal(t, http.StatusConflict, code)

	env.connect(t)
	code, _ = env.do(t, http.MethodPost, "/api/v1/terminal/connect", nil)
	assert.Equal(t, http.StatusConflict, code)
	assert.Len(t, env.opener.Calls(), 1)

	code, _ = env.do(t, http.MethodPost, "/api/v1/terminal/send", SendDataRequest{Data: ""})
	assert.Equal(t, http.StatusConflict, code)
}

func TestTerminalHandler_ConnectFailure(t *testing.T) {
	env := newTestEnv(t)
	env.opener.Err = errors.New("device busy")

	code, resp := env.do(t, http.MethodPost, "/api/v1/terminal/connect", nil)
	assert.Equal(t, http.StatusBadGateway, code)
	require.NotNil(t, resp.Error)
	assert.Equal(t, "PORT_IO_ERROR", resp.Error.Code)
	assert.Contains(t, resp.Error.Details, "device busy")
}

func TestTerminalHandler_HexFormatError(t *testing.T) {
	env := newTestEnv(t)

	code, resp := env.do(t, http.MethodPut, "/api/v1/terminal/modes", gin.H{"send_hex": true})
	require.Equal(t, http.StatusOK, code)
	snap := env.state(t, resp)
	assert.True(t, snap.SendHex)
	assert.False(t, snap.ReceiveHex)

	port := env.connect(t)

	code, resp = env.do(t, http.MethodPost, "/api/v1/terminal/send", SendDataRequest{Data: "1G"})
	assert.Equal(t, http.StatusBadRequest, code)
	require.NotNil(t, resp.Error)
	assert.Equal(t, "BAD_REQUEST", resp.Error.Code)
	assert.Zero(t, port.WriteCalls())

	code, resp = env.do(t, http.MethodPost, "/api/v1/terminal/send", SendDataRequest{Data: "de ad"})
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, uint64(2), env.state(t, resp).SentCount)
	assert.Equal(t, []byte{0xDE, 0xAD}, port.Written())
}

func TestTerminalHandler_SendStoredBuffer(t *testing.T) {
	env := newTestEnv(t)
	port := env.connect(t)

	code, resp := env.do(t, http.MethodPut, "/api/v1/terminal/send-data", SendDataRequest{Data: "abc"})
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "abc", env.state(t, resp).SendData)

	code, resp = env.do(t, http.MethodPost, "/api/v1/terminal/send", nil)
	require.Equal(t, http.StatusOK, code, resp.Message)
	assert.Equal(t, []byte("abc"), port.Written())

	code, resp = env.do(t, http.MethodPost, "/api/v1/terminal/clear/send", nil)
	require.Equal(t, http.StatusOK, code)
	assert.Empty(t, env.state(t, resp).SendData)

	code, resp = env.do(t, http.MethodPost, "/api/v1/terminal/counters/reset", nil)
	require.Equal(t, http.StatusOK, code)
	snap := env.state(t, resp)
	assert.Zero(t, snap.SentCount)
	assert.Zero(t, snap.ReceivedCount)
	assert.Equal(t, "Counters reset", snap.Status)
}

func TestTerminalHandler_UpdateConfig(t *testing.T) {
	env := newTestEnv(t)

	code, resp := env.do(t, http.MethodPut, "/api/v1/terminal/config", UpdateConfigRequest{
		PortID:   "COM2",
		BaudRate: 115200,
		DataBits: 7,
		Parity:   "even",
		StopBits: "2",
	})
	require.Equal(t, http.StatusOK, code, resp.Message)

	want := model.PortConfig{
		PortID:   "COM2",
		BaudRate: 115200,
		DataBits: 7,
		Parity:   model.ParityEven,
		StopBits: model.StopBitsTwo,
	}
	if diff := cmp.Diff(want, env.state(t, resp).Config); diff != "" {
		t.Errorf("config mismatch (-want +got):\n%s", diff)
	}

	code, resp = env.do(t, http.MethodPut, "/api/v1/terminal/config", UpdateConfigRequest{
		BaudRate: 9600,
		DataBits: 8,
		Parity:   "sometimes",
		StopBits: "3",
	})
	assert.Equal(t, http.StatusBadRequest, code)
	require.NotNil(t, resp.Error)
	assert.Equal(t, "VALIDATION_ERROR", resp.Error.Code)
	assert.Contains(t, string(resp.Data), "parity")
	assert.Contains(t, string(resp.Data), "stop_bits")

	code, _ = env.do(t, http.MethodPut, "/api/v1/terminal/config", gin.H{"port_id": "COM1"})
	assert.Equal(t, http.StatusBadRequest, code)
}

func TestTerminalHandler_Ports(t *testing.T) {
	env := newTestEnv(t)

	code, resp := env.do(t, http.MethodPost, "/api/v1/terminal/ports/refresh", nil)
	require.Equal(t, http.StatusOK, code)
	snap := env.state(t, resp)
	assert.Equal(t, []string{"COM1", "COM2"}, snap.Ports)
	assert.Equal(t, "Found 2 ports", snap.Status)

	code, resp = env.do(t, http.MethodGet, "/api/v1/terminal/ports", nil)
	require.Equal(t, http.StatusOK, code)
	var ports PortsResponse
	require.NoError(t, json.Unmarshal(resp.Data, &ports))
	assert.Equal(t, []string{"COM1", "COM2"}, ports.Ports)
	assert.Equal(t, "COM1", ports.Current)
	assert.Equal(t, model.StandardBaudRates, ports.BaudRates)
	assert.Equal(t, model.AllParities, ports.Parities)

	code, resp = env.do(t, http.MethodGet, "/api/v1/terminal/ports/details", nil)
	require.Equal(t, http.StatusOK, code)
	assert.Contains(t, string(resp.Data), `"count":2`)

	env.lister.Set("COM7")
	code, resp = env.do(t, http.MethodPost, "/api/v1/terminal/ports/refresh", nil)
	require.Equal(t, http.StatusOK, code)
	snap = env.state(t, resp)
	assert.Equal(t, "COM7", snap.Config.PortID)
	assert.Equal(t, "Found 1 ports, switched to COM7", snap.Status)
}

func TestTerminalHandler_InvalidBody(t *testing.T) {
	env := newTestEnv(t)

	req := httptest.NewRequest(http.MethodPut, "/api/v1/terminal/modes", bytes.NewBufferString("{"))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	env.router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestTerminalHandler_HexHelpers(t *testing.T) {
	env := newTestEnv(t)

	code, resp := env.do(t, http.MethodPost, "/api/v1/terminal/hex/format", gin.H{
		"data":           "0001 0203-04",
		"bytes_per_line": 2,
	})
	require.Equal(t, http.StatusOK, code, resp.Message)
	var formatted HexFormatResponse
	require.NoError(t, json.Unmarshal(resp.Data, &formatted))
	assert.Equal(t, HexFormatResponse{Formatted: "00 01\n02 03\n04", ByteCount: 5, Valid: true}, formatted)

	code, resp = env.do(t, http.MethodPost, "/api/v1/terminal/hex/format", gin.H{"data": "0A G1"})
	require.Equal(t, http.StatusOK, code)
	formatted = HexFormatResponse{}
	require.NoError(t, json.Unmarshal(resp.Data, &formatted))
	assert.Equal(t, "0A G1", formatted.Formatted)
	assert.False(t, formatted.Valid)
	assert.Contains(t, formatted.Error, "position 3")

	code, resp = env.do(t, http.MethodPost, "/api/v1/terminal/hex/convert", gin.H{"data": "Hi", "to": "hex"})
	require.Equal(t, http.StatusOK, code)
	var converted HexConvertResponse
	require.NoError(t, json.Unmarshal(resp.Data, &converted))
	assert.Equal(t, "48 69", converted.Result)

	code, resp = env.do(t, http.MethodPost, "/api/v1/terminal/hex/convert", gin.H{"data": "48-69", "to": "text"})
	require.Equal(t, http.StatusOK, code)
	require.NoError(t, json.Unmarshal(resp.Data, &converted))
	assert.Equal(t, "Hi", converted.Result)

	code, resp = env.do(t, http.MethodPost, "/api/v1/terminal/hex/convert", gin.H{"data": "4", "to": "text"})
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, "BAD_REQUEST", resp.Error.Code)

	code, _ = env.do(t, http.MethodPost, "/api/v1/terminal/hex/convert", gin.H{"data": "x", "to": "base64"})
	assert.Equal(t, http.StatusBadRequest, code)

	snap := env.state(t, mustState(t, env))
	assert.Zero(t, snap.SentCount)
	assert.Empty(t, env.opener.Calls())
}

func mustState(t *testing.T, env *testEnv) envelope {
	t.Helper()
	code, resp := env.do(t, http.MethodGet, "/api/v1/terminal/state", nil)
	require.Equal(t, http.StatusOK, code)
	return resp
}

func TestHealthHandler(t *testing.T) {
	env := newTestEnv(t)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	w := httptest.NewRecorder()
	env.router.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)

	var health HealthResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &health))
	assert.Equal(t, "healthy", health.Status)
	assert.Equal(t, "serial-terminal", health.Service)
	assert.Equal(t, "CLOSED", health.Checks["session"].Data["state"])
	assert.Equal(t, "DISCONNECTED", health.Checks["controller"].Data["connection"])

	for _, path := range []string{"/ready", "/live"} {
		req := httptest.NewRequest(http.MethodGet, path, nil)
		w := httptest.NewRecorder()
		env.router.ServeHTTP(w, req)
		assert.Equal(t, http.StatusOK, w.Code, path)
	}

	env.controller.Stop()

	for _, path := range []string{"/health", "/ready"} {
		req := httptest.NewRequest(http.MethodGet, path, nil)
		w := httptest.NewRecorder()
		env.router.ServeHTTP(w, req)
		assert.Equal(t, http.StatusServiceUnavailable, w.Code, path)
	}

	code, _ := env.do(t, http.MethodGet, "/api/v1/terminal/state", nil)
	assert.Equal(t, http.StatusServiceUnavailable, code)
}

func TestStatusCodeFor(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{fmt.Errorf("wrapped: %w", service.ErrCommandUnavailable), http.StatusConflict},
		{serial.ErrNotOpen, http.StatusConflict},
		{&hexcodec.FormatError{Input: "1", Position: -1, Err: hexcodec.ErrOddLength}, http.StatusBadRequest},
		{serial.ErrEmptyPayload, http.StatusBadRequest},
		{fmt.Errorf("send failed: %w", &serial.Error{Kind: model.ErrorKindWrite, Port: "COM1", Err: serial.ErrWriteTimeout}), http.StatusBadGateway},
		{service.ErrDispatcherStopped, http.StatusServiceUnavailable},
		{context.DeadlineExceeded, http.StatusGatewayTimeout},
		{errors.New("boom"), http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.err.Error(), func(t *testing.T) {
			assert.Equal(t, tt.want, StatusCodeFor(tt.err))
		})
	}
}
