package service

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"golang.org/x/text/language"

	"serial-terminal/internal/hexcodec"
	"serial-terminal/internal/model"
	"serial-terminal/internal/protocol/serial"
)

const waitFor = 2 * time.Second

type fixture struct {
	ctrl    *SessionController
	session *serial.Session
	opener  *serial.MockOpener
	lister  *serial.MockLister
}

func newFixture(t *testing.T, opts Options) *fixture {
	t.Helper()

	opener := serial.NewMockOpener()
	lister := &serial.MockLister{Ports: []string{"COM1", "COM2"}}
	session := serial.NewSession(&serial.Config{
		ReadTimeout:  20 * time.Millisecond,
		WriteTimeout: 500 * time.Millisecond,
		Opener:       opener.Open,
		Lister:       lister.List,
	}, zap.NewNop())

	if opts.PortConfig.BaudRate == 0 {
		opts.PortConfig = model.DefaultPortConfig().WithPort("COM1")
	}
	if opts.Language == language.Und {
		opts.Language = language.English
	}
	opts.HexUpperCase = true

	ctrl := NewSessionController(session, opts, zap.NewNop())
	ctrl.Start()
	t.Cleanup(func() {
		_ = ctrl.Shutdown(context.Background())
	})

	return &fixture{ctrl: ctrl, session: session, opener: opener, lister: lister}
}

func (f *fixture) snapshot(t *testing.T) Snapshot {
	t.Helper()
	snap, err := f.ctrl.Snapshot(context.Background())
	require.NoError(t, err)
	return snap
}

func (f *fixture) connect(t *testing.T) *serial.VirtualPort {
	t.Helper()
	require.NoError(t, f.ctrl.Connect(context.Background()))
	port := f.opener.Last()
	require.NotNil(t, port)
	return port
}

func TestController_Connect(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()

	assert.Equal(t, "Ready", f.snapshot(t).Status)

	f.connect(t)
	snap := f.snapshot(t)
	assert.True(t, snap.Connected)
	assert.Equal(t, model.StateConnected, snap.Connection)
	assert.Equal(t, "Connected to COM1", snap.Status)
	assert.NotEqual(t, uuid.Nil, snap.SessionID)
	assert.Equal(t, []string{"COM1"}, f.opener.Calls())

	err := f.ctrl.Connect(ctx)
	assert.ErrorIs(t, err, ErrCommandUnavailable)
	assert.Len(t, f.opener.Calls(), 1)
}

func TestController_ConnectRequiresPort(t *testing.T) {
	f := newFixture(t, Options{PortConfig: model.DefaultPortConfig()})

	err := f.ctrl.Connect(context.Background())
	assert.ErrorIs(t, err, ErrCommandUnavailable)
	assert.Empty(t, f.opener.Calls())
}

func TestController_ConnectFailure(t *testing.T) {
	f := newFixture(t, Options{})
	f.opener.Err = errors.New("access denied")

	err := f.ctrl.Connect(context.Background())
	require.Error(t, err)
	assert.True(t, serial.IsKind(err, model.ErrorKindOpen))

	snap := f.snapshot(t)
	assert.Equal(t, model.StateDisconnected, snap.Connection)
	assert.True(t, strings.HasPrefix(snap.Status, "Connection failed:"), snap.Status)
	assert.Contains(t, snap.Status, "access denied")
}

func TestController_Disconnect(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()

	assert.ErrorIs(t, f.ctrl.Disconnect(ctx), ErrCommandUnavailable)

	port := f.connect(t)
	require.NoError(t, f.ctrl.Disconnect(ctx))

	snap := f.snapshot(t)
	assert.False(t, snap.Connected)
	assert.Equal(t, model.StateDisconnected, snap.Connection)
	assert.Equal(t, "Disconnected", snap.Status)
	assert.True(t, port.IsClosed())
}

func TestController_ChunkPreservingRender(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()
	port := f.connect(t)

	port.Feed([]byte{0x41})
	port.Feed([]byte{0x42, 0x43})

	require.Eventually(t, func() bool {
		return f.snapshot(t).ChunkCount == 2
	}, waitFor, 5*time.Millisecond)

	text, err := f.ctrl.Received(ctx)
	require.NoError(t, err)
	assert.Equal(t, "A\nBC\n", text)

	require.NoError(t, f.ctrl.SetReceiveHex(ctx, true))
	text, err = f.ctrl.Received(ctx)
	require.NoError(t, err)
	assert.Equal(t, "41\n42 43\n", text)

	require.NoError(t, f.ctrl.SetReceiveHex(ctx, false))
	text, err = f.ctrl.Received(ctx)
	require.NoError(t, err)
	assert.Equal(t, "A\nBC\n", text)

	snap := f.snapshot(t)
	assert.Equal(t, uint64(3), snap.ReceivedCount)
	assert.Equal(t, 2, snap.ChunkCount)
}

func TestController_DiscardsDataFromRetiredSession(t *testing.T) {
	f := newFixture(t, Options{})
	f.connect(t)

	require.NoError(t, f.ctrl.dispatcher.Call(context.Background(), func() {
		f.ctrl.onDataReceived(model.DataReceivedEvent{SessionID: uuid.New(), Data: []byte("late")})
	}))

	assert.Equal(t, uint64(0), f.snapshot(t).ReceivedCount)
}

func TestController_SendText(t *testing.T) {
	f := newFixture(t, Options{})
	port := f.connect(t)

	require.NoError(t, f.ctrl.Send(context.Background(), "héllo"))

	assert.Equal(t, []byte("héllo"), port.Written())
	snap := f.snapshot(t)
	assert.Equal(t, uint64(len("héllo")), snap.SentCount)
	assert.Equal(t, "Sent 6 bytes", snap.Status)
	assert.False(t, snap.Sending)
}

func TestController_SendHex(t *testing.T) {
	f := newFixture(t, Options{SendHex: true})
	port := f.connect(t)

	require.NoError(t, f.ctrl.Send(context.Background(), "0a ff-10"))

	assert.Equal(t, []byte{0x0A, 0xFF, 0x10}, port.Written())
	assert.Equal(t, uint64(3), f.snapshot(t).SentCount)
}

func TestController_SendCurrent(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()
	port := f.connect(t)

	require.NoError(t, f.ctrl.SetSendData(ctx, "AT\r\n"))
	require.NoError(t, f.ctrl.SendCurrent(ctx))
	assert.Equal(t, []byte("AT\r\n"), port.Written())

	require.NoError(t, f.ctrl.ClearSend(ctx))
	assert.Equal(t, "", f.snapshot(t).SendData)
	assert.ErrorIs(t, f.ctrl.SendCurrent(ctx), ErrCommandUnavailable)
}

func TestController_HexFormatErrorPerformsNoIO(t *testing.T) {
	f := newFixture(t, Options{SendHex: true})
	port := f.connect(t)

	for _, raw := range []string{"1G", "1A2", " - "} {
		err := f.ctrl.Send(context.Background(), raw)

		var formatErr *hexcodec.FormatError
		require.True(t, errors.As(err, &formatErr), raw)

		snap := f.snapshot(t)
		assert.True(t, strings.HasPrefix(snap.Status, "Input format error:"), snap.Status)
		assert.Equal(t, uint64(0), snap.SentCount)
		assert.True(t, snap.Connected)
	}
	assert.Equal(t, 0, port.WriteCalls())
}

func TestController_SendWhileDisconnected(t *testing.T) {
	f := newFixture(t, Options{})

	var errs int
	f.session.OnError(func(model.ErrorEvent) { errs++ })

	err := f.ctrl.Send(context.Background(), "x")
	assert.ErrorIs(t, err, ErrCommandUnavailable)
	assert.Equal(t, 0, errs)
}

func TestController_WriteFailureDisconnects(t *testing.T) {
	f := newFixture(t, Options{})
	port := f.connect(t)

	var (
		mu       sync.Mutex
		errKinds []model.ErrorKind
		statuses []bool
	)
	f.session.OnError(func(e model.ErrorEvent) {
		mu.Lock()
		errKinds = append(errKinds, e.Kind)
		mu.Unlock()
	})
	f.session.OnConnectionStatus(func(e model.ConnectionStatusEvent) {
		mu.Lock()
		statuses = append(statuses, e.Connected)
		mu.Unlock()
	})

	port.FailNextWrite(errors.New("device unplugged"))
	err := f.ctrl.Send(context.Background(), "x")
	require.Error(t, err)
	assert.True(t, serial.IsKind(err, model.ErrorKindWrite))

	mu.Lock()
	assert.Equal(t, []model.ErrorKind{model.ErrorKindWrite}, errKinds)
	assert.Equal(t, []bool{false}, statuses)
	mu.Unlock()

	assert.True(t, port.IsClosed())
	snap := f.snapshot(t)
	assert.False(t, snap.Connected)
	assert.Equal(t, "Send failed, connection closed", snap.Status)
	assert.Equal(t, uint64(0), snap.SentCount)
	assert.False(t, snap.Sending)
}

func TestController_RejectsOverlappingSend(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()
	port := f.connect(t)
	port.SetWriteDelay(200 * time.Millisecond)

	first := make(chan error, 1)
	go func() { first <- f.ctrl.Send(ctx, "slow") }()

	require.Eventually(t, func() bool {
		return f.snapshot(t).Sending
	}, waitFor, time.Millisecond)

	assert.ErrorIs(t, f.ctrl.Send(ctx, "fast"), ErrCommandUnavailable)
	require.NoError(t, <-first)
	assert.Equal(t, []byte("slow"), port.Written())
}

func TestController_ReadFaultDisconnects(t *testing.T) {
	f := newFixture(t, Options{})
	port := f.connect(t)

	port.FailNextRead(errors.New("framing error"))

	require.Eventually(t, func() bool {
		return !f.snapshot(t).Connected
	}, waitFor, 5*time.Millisecond)

	snap := f.snapshot(t)
	assert.Equal(t, model.StateDisconnected, snap.Connection)
	assert.True(t, strings.HasPrefix(snap.Status, "Read error:"), snap.Status)
	assert.True(t, port.IsClosed())

	// a fresh connect works after the fault
	f.connect(t)
	assert.True(t, f.snapshot(t).Connected)
}

func TestController_ResetCountersIsIdempotent(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()
	port := f.connect(t)

	port.Feed([]byte("data"))
	require.Eventually(t, func() bool {
		return f.snapshot(t).ReceivedCount == 4
	}, waitFor, 5*time.Millisecond)
	require.NoError(t, f.ctrl.Send(ctx, "xy"))

	require.NoError(t, f.ctrl.ResetCounters(ctx))
	once := f.snapshot(t)
	require.NoError(t, f.ctrl.ResetCounters(ctx))
	twice := f.snapshot(t)

	assert.Equal(t, uint64(0), once.ReceivedCount)
	assert.Equal(t, uint64(0), once.SentCount)
	assert.Equal(t, 0, once.ChunkCount)
	assert.Equal(t, "Counters reset", once.Status)
	if diff := cmp.Diff(once, twice); diff != "" {
		t.Errorf("second reset changed state (-once +twice):\n%s", diff)
	}

	text, err := f.ctrl.Received(ctx)
	require.NoError(t, err)
	assert.Equal(t, "", text)
}

func TestController_ClearReceived(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()
	port := f.connect(t)
	require.NoError(t, f.ctrl.Send(ctx, "abc"))

	port.Feed([]byte("zz"))
	require.Eventually(t, func() bool {
		return f.snapshot(t).ChunkCount == 1
	}, waitFor, 5*time.Millisecond)

	require.NoError(t, f.ctrl.ClearReceived(ctx))
	snap := f.snapshot(t)
	assert.Equal(t, uint64(0), snap.ReceivedCount)
	assert.Equal(t, uint64(3), snap.SentCount)
}

func TestController_RefreshPorts(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()

	ports, err := f.ctrl.RefreshPorts(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"COM1", "COM2"}, ports)

	snap := f.snapshot(t)
	assert.Equal(t, []string{"COM1", "COM2"}, snap.Ports)
	assert.Equal(t, "COM1", snap.Config.PortID)
	assert.Equal(t, "Found 2 ports", snap.Status)
}

func TestController_RefreshFallsBackToFirstPort(t *testing.T) {
	f := newFixture(t, Options{PortConfig: model.DefaultPortConfig().WithPort("COM9")})
	ctx := context.Background()

	var changes []Property
	f.ctrl.Subscribe(func(c Change) { changes = append(changes, c.Property) })

	_, err := f.ctrl.RefreshPorts(ctx)
	require.NoError(t, err)

	snap := f.snapshot(t)
	assert.Equal(t, "COM1", snap.Config.PortID)
	assert.Equal(t, "Found 2 ports, switched to COM1", snap.Status)
	assert.Contains(t, changes, PropertyConfig)

	f.lister.Set()
	_, err = f.ctrl.RefreshPorts(ctx)
	require.NoError(t, err)
	snap = f.snapshot(t)
	assert.Empty(t, snap.Ports)
	assert.Equal(t, "COM1", snap.Config.PortID)
	assert.Equal(t, "Found 0 ports", snap.Status)
}

func TestController_RefreshEnumerationFailure(t *testing.T) {
	f := newFixture(t, Options{})
	f.lister.Fail(errors.New("no sysfs"))

	ports, err := f.ctrl.RefreshPorts(context.Background())
	require.NoError(t, err)
	assert.Empty(t, ports)

	snap := f.snapshot(t)
	assert.True(t, strings.HasPrefix(snap.Status, "Failed to refresh port list:"), snap.Status)
}

func TestController_SyncPortsIsQuiet(t *testing.T) {
	f := newFixture(t, Options{})

	_, err := f.ctrl.SyncPorts(context.Background())
	require.NoError(t, err)

	snap := f.snapshot(t)
	assert.Equal(t, []string{"COM1", "COM2"}, snap.Ports)
	assert.Equal(t, "Ready", snap.Status)
}

func TestController_SetConfig(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()

	cfg := model.PortConfig{PortID: "COM2", BaudRate: 115200, DataBits: 8, Parity: model.ParityOdd, StopBits: model.StopBitsTwo}
	require.NoError(t, f.ctrl.SetConfig(ctx, cfg))
	f.connect(t)

	modes := f.opener.Modes()
	require.Len(t, modes, 1)
	assert.Equal(t, 115200, modes[0].BaudRate)
	assert.Equal(t, []string{"COM2"}, f.opener.Calls())
	assert.Equal(t, cfg, f.snapshot(t).Config)
}

func TestController_Observers(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()

	var (
		mu      sync.Mutex
		changes []Change
	)
	unsubscribe := f.ctrl.Subscribe(func(c Change) {
		mu.Lock()
		changes = append(changes, c)
		mu.Unlock()
	})

	port := f.connect(t)
	port.Feed([]byte("hi"))
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		for _, c := range changes {
			if c.Property == PropertyReceived && c.Received == "hi\n" {
				return true
			}
		}
		return false
	}, waitFor, 5*time.Millisecond)

	unsubscribe()
	// barrier: any notification already in progress has finished
	f.snapshot(t)
	mu.Lock()
	seen := len(changes)
	mu.Unlock()

	require.NoError(t, f.ctrl.ClearReceived(ctx))
	mu.Lock()
	assert.Equal(t, seen, len(changes))
	mu.Unlock()
}

func TestController_LocalizedStatus(t *testing.T) {
	f := newFixture(t, Options{Language: language.SimplifiedChinese})

	require.NoError(t, f.ctrl.ResetCounters(context.Background()))
	snap := f.snapshot(t)
	assert.Equal(t, "计数器已重置", snap.Status)
	assert.Equal(t, "zh-Hans", snap.Language)
}
