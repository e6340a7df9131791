// internal/model/port.go
package model

import (
	"fmt"
	"strings"
)

// Parity represents the parity bit policy of a serial line
type Parity string

const (
	ParityNone  Parity = "NONE"
	ParityOdd   Parity = "ODD"
	ParityEven  Parity = "EVEN"
	ParityMark  Parity = "MARK"
	ParitySpace Parity = "SPACE"
)

// StopBits represents the number of stop bits of a serial line
type StopBits string

const (
	StopBitsOne          StopBits = "ONE"
	StopBitsOnePointFive StopBits = "ONE_POINT_FIVE"
	StopBitsTwo          StopBits = "TWO"
)

// StandardBaudRates lists the baud rates offered to the user
var StandardBaudRates = []int{1200, 2400, 4800, 9600, 19200, 38400, 57600, 115200, 230400, 460800, 921600}

// StandardDataBits lists the supported data bit widths
var StandardDataBits = []int{5, 6, 7, 8}

// AllParities lists every parity option in display order
var AllParities = []Parity{ParityNone, ParityOdd, ParityEven, ParityMark, ParitySpace}

// AllStopBits lists every stop bit option in display order
var AllStopBits = []StopBits{StopBitsOne, StopBitsOnePointFive, StopBitsTwo}

// PortConfig describes the line parameters of one serial session.
// It is a value: a session is opened per PortConfig and never mutated
// while open. Invalid combinations are left for the driver to reject.
type PortConfig struct {
	PortID   string   `json:"port_id"`
	BaudRate int      `json:"baud_rate"`
	DataBits int      `json:"data_bits"`
	Parity   Parity   `json:"parity"`
	StopBits StopBits `json:"stop_bits"`
}

// DefaultPortConfig returns 9600 baud, 8 data bits, no parity, one stop bit
func DefaultPortConfig() PortConfig {
	return PortConfig{
		BaudRate: 9600,
		DataBits: 8,
		Parity:   ParityNone,
		StopBits: StopBitsOne,
	}
}

// WithPort returns a copy of the config bound to another port identifier
func (c PortConfig) WithPort(portID string) PortConfig {
	c.PortID = portID
	return c
}

// String renders the config in the usual 9600-8N1 shorthand
func (c PortConfig) String() string {
	return fmt.Sprintf("%s@%d-%d%s%s", c.PortID, c.BaudRate, c.DataBits, c.Parity.Short(), c.StopBits.Short())
}

// ParseParity accepts names ("none", "Odd") and single letters ("N", "E")
func ParseParity(value string) (Parity, error) {
	switch strings.ToUpper(strings.TrimSpace(value)) {
	case "", "N", "NONE":
		return ParityNone, nil
	case "O", "ODD":
		return ParityOdd, nil
	case "E", "EVEN":
		return ParityEven, nil
	case "M", "MARK":
		return ParityMark, nil
	case "S", "SPACE":
		return ParitySpace, nil
	default:
		return "", fmt.Errorf("unsupported parity %q", value)
	}
}

// Short returns the single-letter form of the parity
func (p Parity) Short() string {
	switch p {
	case ParityOdd:
		return "O"
	case ParityEven:
		return "E"
	case ParityMark:
		return "M"
	case ParitySpace:
		return "S"
	default:
		return "N"
	}
}

// ParseStopBits accepts "1", "1.5", "2" and the enum names
func ParseStopBits(value string) (StopBits, error) {
	switch strings.ToUpper(strings.TrimSpace(value)) {
	case "", "1", "ONE":
		return StopBitsOne, nil
	case "1.5", "ONE_POINT_FIVE", "ONEPOINTFIVE":
		return StopBitsOnePointFive, nil
	case "2", "TWO":
		return StopBitsTwo, nil
	default:
		return "", fmt.Errorf("unsupported stop bits %q", value)
	}
}

// Short returns the numeric form of the stop bits
func (s StopBits) Short() string {
	switch s {
	case StopBitsOnePointFive:
		return "1.5"
	case StopBitsTwo:
		return "2"
	default:
		return "1"
	}
}

// PortInfo describes a port visible to the host
type PortInfo struct {
	Name         string `json:"name"`
	IsUSB        bool   `json:"is_usb"`
	VID          string `json:"vid,omitempty"`
	PID          string `json:"pid,omitempty"`
	SerialNumber string `json:"serial_number,omitempty"`
	Product      string `json:"product,omitempty"`
	Vendor       string `json:"vendor,omitempty"`
	Chip         string `json:"chip,omitempty"`
}
