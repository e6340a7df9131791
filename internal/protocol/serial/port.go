// internal/protocol/serial/port.go
package serial

import (
	"fmt"
	"io"
	"time"

	gobug "go.bug.st/serial"
	"go.bug.st/serial/enumerator"

	"serial-terminal/internal/discovery/usb"
	"serial-terminal/internal/model"
)

// Port is the part of a native port handle the session relies on.
// gobug.Port satisfies it.
type Port interface {
	io.ReadWriteCloser
	SetReadTimeout(timeout time.Duration) error
}

// Opener allocates and opens a port handle
type Opener func(portID string, mode *gobug.Mode) (Port, error)

// Lister enumerates port identifiers visible to the host
type Lister func() ([]string, error)

// DetailLister enumerates ports with USB metadata
type DetailLister func() ([]*enumerator.PortDetails, error)

// allow tests to override external dependencies
var (
	openPort = func(portID string, mode *gobug.Mode) (Port, error) {
		return gobug.Open(portID, mode)
	}
	getPortsList         = gobug.GetPortsList
	getDetailedPortsList = enumerator.GetDetailedPortsList

	bridges = usb.NewDeviceDatabase()
)

// NativeOpener opens real hardware ports
func NativeOpener() Opener {
	return func(portID string, mode *gobug.Mode) (Port, error) {
		return openPort(portID, mode)
	}
}

// NativeLister lists real hardware ports
func NativeLister() Lister {
	return func() ([]string, error) {
		return getPortsList()
	}
}

// NativeDetailLister lists real hardware ports with USB details
func NativeDetailLister() DetailLister {
	return func() ([]*enumerator.PortDetails, error) {
		return getDetailedPortsList()
	}
}

// ModeFor converts line parameters into a driver mode. DTR and RTS start
// low and no flow control is requested, so hardware handshake is off.
func ModeFor(cfg model.PortConfig) (*gobug.Mode, error) {
	mode := &gobug.Mode{
		BaudRate: cfg.BaudRate,
		DataBits: cfg.DataBits,
		InitialStatusBits: &gobug.ModemOutputBits{
			DTR: false,
			RTS: false,
		},
	}

	switch cfg.Parity {
	case model.ParityNone, "":
		mode.Parity = gobug.NoParity
	case model.ParityOdd:
		mode.Parity = gobug.OddParity
	case model.ParityEven:
		mode.Parity = gobug.EvenParity
	case model.ParityMark:
		mode.Parity = gobug.MarkParity
	case model.ParitySpace:
		mode.Parity = gobug.SpaceParity
	default:
		return nil, fmt.Errorf("unsupported parity %q", cfg.Parity)
	}

	switch cfg.StopBits {
	case model.StopBitsOne, "":
		mode.StopBits = gobug.OneStopBit
	case model.StopBitsOnePointFive:
		mode.StopBits = gobug.OnePointFiveStopBits
	case model.StopBitsTwo:
		mode.StopBits = gobug.TwoStopBits
	default:
		return nil, fmt.Errorf("unsupported stop bits %q", cfg.StopBits)
	}

	return mode, nil
}

func toPortInfo(details []*enumerator.PortDetails) []model.PortInfo {
	infos := make([]model.PortInfo, 0, len(details))
	for _, d := range details {
		if d == nil {
			continue
		}
		info := model.PortInfo{
			Name:         d.Name,
			IsUSB:        d.IsUSB,
			VID:          d.VID,
			PID:          d.PID,
			SerialNumber: d.SerialNumber,
			Product:      d.Product,
		}
		if d.IsUSB {
			if vendor, product, ok := bridges.Lookup(d.VID, d.PID); ok {
				info.Vendor = vendor.Name
				if product != nil {
					info.Chip = product.Chip
					if info.Product == "" {
						info.Product = product.Model
					}
				}
			}
		}
		infos = append(infos, info)
	}
	return infos
}
