package usbledger

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/google/gousb"
)

// usbReadPoll bounds a single interrupt transfer read, turning the libusb
// read into a poll.
const usbReadPoll = 5 * time.Millisecond

type usbEnumerator struct {
	ctx        *gousb.Context
	vendorID   uint16   // USB vendor identifier used for device discovery
	productIDs []uint16 // USB product identifiers used for device discovery, empty for any
	endpointID int      // USB interface number carrying the APDU channel
}

// NewUSBEnumerator creates a device enumerator talking to the HID interface
// through libusb directly, for platforms without a usable hidapi.
func NewUSBEnumerator(vendorID uint16, productIDs []uint16, endpointID int) Enumerator {
	return &usbEnumerator{
		ctx:        gousb.NewContext(),
		vendorID:   vendorID,
		productIDs: productIDs,
		endpointID: endpointID,
	}
}

// NewLedgerUSBEnumerator creates a libusb enumerator for any Ledger model.
func NewLedgerUSBEnumerator() Enumerator {
	return NewUSBEnumerator(LedgerVendorID, nil, LedgerInterface)
}

func (e *usbEnumerator) Infos() ([]DeviceInfo, error) {
	var infos []DeviceInfo
	devices, err := e.ctx.OpenDevices(func(desc *gousb.DeviceDesc) bool {
		if uint16(desc.Vendor) != e.vendorID || !matchProduct(uint16(desc.Product), e.productIDs) {
			return false
		}
		if endpoints, ok := findHIDEndpoints(desc, e.endpointID); ok {
			infos = append(infos, &usbInfo{ctx: e.ctx, bus: desc.Bus, address: desc.Address, endpoints: endpoints})
		}
		return false // Descriptors are enough, open lazily
	})
	for _, device := range devices {
		device.Close()
	}
	if err != nil && len(infos) == 0 {
		return nil, err
	}
	return infos, nil
}

func (e *usbEnumerator) Close() {
	e.ctx.Close()
}

// hidEndpoints locates the interrupt endpoints of the APDU interface.
type hidEndpoints struct {
	config    int
	iface     int
	alternate int
	in        int
	out       int
}

func findHIDEndpoints(desc *gousb.DeviceDesc, ifaceNum int) (hidEndpoints, bool) {
	for _, config := range desc.Configs {
		for _, iface := range config.Interfaces {
			if iface.Number != ifaceNum {
				continue
			}
			for _, alt := range iface.AltSettings {
				if alt.Class != gousb.ClassHID {
					continue
				}
				found := hidEndpoints{config: config.Number, iface: iface.Number, alternate: alt.Alternate, in: -1, out: -1}
				for _, endpoint := range alt.Endpoints {
					if endpoint.TransferType != gousb.TransferTypeInterrupt {
						continue
					}
					if endpoint.Direction == gousb.EndpointDirectionIn {
						found.in = endpoint.Number
					} else {
						found.out = endpoint.Number
					}
				}
				if found.in >= 0 && found.out >= 0 {
					return found, true
				}
			}
		}
	}
	return hidEndpoints{}, false
}

type usbInfo struct {
	ctx       *gousb.Context
	bus       int
	address   int
	endpoints hidEndpoints
}

func (o *usbInfo) Path() string {
	return fmt.Sprintf("usb:%03d:%03d", o.bus, o.address)
}

func (o *usbInfo) Open() (io.ReadWriteCloser, error) {
	devices, err := o.ctx.OpenDevices(func(desc *gousb.DeviceDesc) bool {
		return desc.Bus == o.bus && desc.Address == o.address
	})
	if err != nil || len(devices) == 0 {
		for _, device := range devices {
			device.Close()
		}
		if err == nil {
			err = errors.New("device disconnected")
		}
		return nil, err
	}
	device := devices[0]
	for _, extra := range devices[1:] {
		extra.Close()
	}
	handle := &usbHandle{device: device}
	if err := handle.claim(o.endpoints); err != nil {
		handle.Close()
		return nil, err
	}
	return handle, nil
}

// usbHandle is an open APDU interface accessed through libusb.
type usbHandle struct {
	device *gousb.Device
	config *gousb.Config
	iface  *gousb.Interface
	in     *gousb.InEndpoint
	out    *gousb.OutEndpoint
}

func (h *usbHandle) claim(endpoints hidEndpoints) error {
	var err error
	if err = h.device.SetAutoDetach(true); err != nil {
		return err
	}
	if h.config, err = h.device.Config(endpoints.config); err != nil {
		return err
	}
	if h.iface, err = h.config.Interface(endpoints.iface, endpoints.alternate); err != nil {
		return err
	}
	if h.in, err = h.iface.InEndpoint(endpoints.in); err != nil {
		return err
	}
	h.out, err = h.iface.OutEndpoint(endpoints.out)
	return err
}

func (h *usbHandle) Read(b []byte) (int, error) {
	ctx, cancel := context.WithTimeout(context.Background(), usbReadPoll)
	defer cancel()

	n, err := h.in.ReadContext(ctx, b)
	if err != nil && ctx.Err() != nil {
		// Nothing arrived within the poll window
		return n, nil
	}
	return n, err
}

func (h *usbHandle) Write(b []byte) (int, error) {
	return h.out.Write(b)
}

func (h *usbHandle) Close() error {
	if h.iface != nil {
		h.iface.Close()
	}
	var err error
	if h.config != nil {
		err = h.config.Close()
	}
	if cerr := h.device.Close(); err == nil {
		err = cerr
	}
	return err
}
