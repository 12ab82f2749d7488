package usbledger

import (
	"errors"
	"io"
	"sync"

	"github.com/karalabe/hid"
)

type hidEnumerator struct {
	vendorID   uint16   // USB vendor identifier used for device discovery
	productIDs []uint16 // USB product identifiers used for device discovery, empty for any
	usageID    uint16   // USB usage page identifier used for macOS device discovery
	endpointID int      // USB endpoint identifier used for non-macOS device discovery
}

// NewHIDEnumerator creates a device enumerator backed by hidapi.
func NewHIDEnumerator(vendorID uint16, productIDs []uint16, usageID uint16, endpointID int) Enumerator {
	return &hidEnumerator{
		vendorID:   vendorID,
		productIDs: productIDs,
		usageID:    usageID,
		endpointID: endpointID,
	}
}

// NewLedgerHIDEnumerator creates a hidapi enumerator for any Ledger model.
func NewLedgerHIDEnumerator() Enumerator {
	return NewHIDEnumerator(LedgerVendorID, nil, LedgerUsagePage, LedgerInterface)
}

func (e *hidEnumerator) Infos() ([]DeviceInfo, error) {
	if !hid.Supported() {
		return nil, errors.New("unsupported platform")
	}
	devices, err := hid.Enumerate(e.vendorID, 0)
	if err != nil {
		return nil, err
	}
	var infos []DeviceInfo
	for _, device := range devices {
		if matchProduct(device.ProductID, e.productIDs) && matchInterface(device.UsagePage, device.Interface, e.usageID, e.endpointID) {
			infos = append(infos, &hidInfo{device})
		}
	}
	return infos, nil
}

func (e *hidEnumerator) Close() {
}

type hidInfo struct {
	hid.DeviceInfo
}

func (o *hidInfo) Path() string {
	return o.DeviceInfo.Path
}

func (o *hidInfo) Open() (io.ReadWriteCloser, error) {
	device, err := o.DeviceInfo.Open()
	if err != nil {
		return nil, err
	}
	return newPolledDevice(device), nil
}

// pumpReadTimeout bounds each hidapi read so the pump notices Close.
const pumpReadTimeout = 50 // milliseconds

// timedReader is implemented by hid.Device.
type timedReader interface {
	ReadTimeout(b []byte, timeout int) (int, error)
}

// polledDevice turns the blocking hidapi reads into non-blocking ones by
// pumping frames from a background reader.
//
// hid_close frees the handle a blocked hid_read is still using, so Close must
// not release the device while the pump is inside a read. Devices with timed
// reads are closed only after the pump has exited. Others are closed first to
// unblock the read, and Close then waits for the pump.
type polledDevice struct {
	device io.ReadWriteCloser
	frames chan []byte
	failed chan error
	quit   chan struct{}
	done   chan struct{} // Closed when the pump has returned
	once   sync.Once
	err    error // Sticky read failure, only touched by Read
}

func newPolledDevice(device io.ReadWriteCloser) *polledDevice {
	p := &polledDevice{
		device: device,
		frames: make(chan []byte, 16),
		failed: make(chan error, 1),
		quit:   make(chan struct{}),
		done:   make(chan struct{}),
	}
	go p.pump()
	return p
}

func (p *polledDevice) pump() {
	defer close(p.done)

	timed, _ := p.device.(timedReader)
	for {
		frame := make([]byte, packetSize)

		var (
			n   int
			err error
		)
		if timed != nil {
			n, err = timed.ReadTimeout(frame, pumpReadTimeout)
		} else {
			n, err = p.device.Read(frame)
		}
		if err != nil {
			select {
			case p.failed <- err:
			case <-p.quit:
			}
			return
		}
		if n == 0 {
			select {
			case <-p.quit:
				return
			default:
				continue
			}
		}
		select {
		case p.frames <- frame[:n]:
		case <-p.quit:
			return
		}
	}
}

func (p *polledDevice) Read(b []byte) (int, error) {
	if p.err != nil {
		return 0, p.err
	}
	select {
	case frame := <-p.frames:
		return copy(b, frame), nil
	default:
	}
	select {
	case frame := <-p.frames:
		return copy(b, frame), nil
	case p.err = <-p.failed:
		return 0, p.err
	default:
		return 0, nil
	}
}

func (p *polledDevice) Write(b []byte) (int, error) {
	return p.device.Write(b)
}

func (p *polledDevice) Close() error {
	var err error
	p.once.Do(func() {
		close(p.quit)
		if _, ok := p.device.(timedReader); ok {
			<-p.done
			err = p.device.Close()
			return
		}
		err = p.device.Close()
		<-p.done
	})
	return err
}
