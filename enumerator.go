package usbledger

import (
	"io"
	"slices"
)

const (
	LedgerVendorID  uint16 = 0x2c97 // USB vendor identifier of Ledger devices
	LedgerUsagePage uint16 = 0xffa0 // HID usage page of the APDU interface (Windows and macOS)
	LedgerInterface int    = 0      // HID interface number of the APDU interface (Linux)
)

// Enumerator discovers attached Ledger devices.
type Enumerator interface {
	// Infos returns the list of USB devices matching the vendor and product IDs.
	Infos() ([]DeviceInfo, error)
	// Close releases any resources held by the enumerator.
	Close()
}

// DeviceInfo describes one discovered device interface.
type DeviceInfo interface {
	// Path returns the USB device path, which can be used for identifying the connection.
	Path() string
	// Open opens a connection to the USB device. Reads on the returned handle
	// never block: zero bytes and no error signal that no data is pending.
	Open() (io.ReadWriteCloser, error)
}

// FindDevice returns the first device reported by the enumerator.
func FindDevice(e Enumerator) (DeviceInfo, error) {
	infos, err := e.Infos()
	if err != nil {
		return nil, err
	}
	if len(infos) == 0 {
		return nil, ErrNoDeviceFound
	}
	return infos[0], nil
}

// matchProduct accepts every product when no filter is configured. Both the
// raw product ID (legacy) and just its upper byte are checked, as Ledger uses
// `MMII`, encoding a model (MM) and an interface bitfield (II).
func matchProduct(productID uint16, productIDs []uint16) bool {
	if len(productIDs) == 0 {
		return true
	}
	return slices.Contains(productIDs, productID) || slices.Contains(productIDs, productID&0xff00)
}

// matchInterface selects the APDU interface. Windows and macOS report the
// usage page, Linux reports the interface number.
func matchInterface(usagePage uint16, iface int, usageID uint16, endpointID int) bool {
	return usagePage == usageID || iface == endpointID
}
