// internal/discovery/usb/database.go
package usb

import (
	"strconv"
	"strings"
)

// DeviceDatabase contains known USB-serial bridges for port identification
type DeviceDatabase struct {
	vendors map[uint16]*VendorInfo
}

// VendorInfo contains vendor-specific information
type VendorInfo struct {
	Name     string
	products map[uint16]*ProductInfo
}

// ProductInfo contains product-specific information
type ProductInfo struct {
	Model string
	Chip  string
}

// NewDeviceDatabase creates and initializes the device database
func NewDeviceDatabase() *DeviceDatabase {
	db := &DeviceDatabase{
		vendors: make(map[uint16]*VendorInfo),
	}
	db.initializeDatabase()
	return db
}

// initializeDatabase populates the known devices database
func (db *DeviceDatabase) initializeDatabase() {
	db.vendors[0x0403] = &VendorInfo{
		Name: "FTDI",
		products: map[uint16]*ProductInfo{
			0x6001: {Model: "USB Serial Converter", Chip: "FT232R"},
			0x6010: {Model: "Dual RS232", Chip: "FT2232"},
			0x6011: {Model: "Quad RS232", Chip: "FT4232"},
			0x6014: {Model: "Single RS232-HS", Chip: "FT232H"},
			0x6015: {Model: "USB UART", Chip: "FT-X"},
		},
	}

	db.vendors[0x067B] = &VendorInfo{
		Name: "Prolific Technology",
		products: map[uint16]*ProductInfo{
			0x2303: {Model: "USB-Serial Controller", Chip: "PL2303"},
		},
	}

	db.vendors[0x10C4] = &VendorInfo{
		Name: "Silicon Labs",
		products: map[uint16]*ProductInfo{
			0xEA60: {Model: "USB to UART Bridge", Chip: "CP210x"},
			0xEA70: {Model: "Dual UART Bridge", Chip: "CP2105"},
			0xEA71: {Model: "Quad UART Bridge", Chip: "CP2108"},
		},
	}

	db.vendors[0x1A86] = &VendorInfo{
		Name: "WCH",
		products: map[uint16]*ProductInfo{
			0x7523: {Model: "USB-Serial", Chip: "CH340"},
			0x5523: {Model: "USB-Serial", Chip: "CH341"},
			0x55D4: {Model: "USB Dual Serial", Chip: "CH9102"},
		},
	}

	db.vendors[0x2341] = &VendorInfo{
		Name: "Arduino",
		products: map[uint16]*ProductInfo{
			0x0042: {Model: "Mega 2560", Chip: "ATmega16U2"},
			0x0043: {Model: "Uno", Chip: "ATmega16U2"},
			0x8036: {Model: "Leonardo", Chip: "ATmega32U4"},
		},
	}

	db.vendors[0x0483] = &VendorInfo{
		Name: "STMicroelectronics",
		products: map[uint16]*ProductInfo{
			0x5740: {Model: "Virtual COM Port", Chip: "STM32 CDC"},
		},
	}

	db.vendors[0x2E8A] = &VendorInfo{
		Name: "Raspberry Pi",
		products: map[uint16]*ProductInfo{
			0x0005: {Model: "Pico MicroPython", Chip: "RP2040"},
			0x000A: {Model: "Pico", Chip: "RP2040"},
		},
	}
}

// GetVendorInfo returns vendor information
func (db *DeviceDatabase) GetVendorInfo(vendorID uint16) *VendorInfo {
	return db.vendors[vendorID]
}

// GetProductInfo returns product information
func (vi *VendorInfo) GetProductInfo(productID uint16) *ProductInfo {
	return vi.products[productID]
}

// Lookup identifies a bridge from the hex VID/PID strings reported by the
// port enumerator. product is nil when only the vendor is known.
func (db *DeviceDatabase) Lookup(vid, pid string) (vendor *VendorInfo, product *ProductInfo, ok bool) {
	vendorID, err := parseID(vid)
	if err != nil {
		return nil, nil, false
	}
	vendor = db.GetVendorInfo(vendorID)
	if vendor == nil {
		return nil, nil, false
	}

	if productID, err := parseID(pid); err == nil {
		product = vendor.GetProductInfo(productID)
	}
	return vendor, product, true
}

func parseID(value string) (uint16, error) {
	value = strings.TrimPrefix(strings.ToLower(strings.TrimSpace(value)), "0x")
	id, err := strconv.ParseUint(value, 16, 16)
	if err != nil {
		return 0, err
	}
	return uint16(id), nil
}
