package usbledger

import (
	"encoding/binary"
	"io"
	"time"
)

// fakeDevice serves scripted reply frames. A nil entry in reads is an empty
// read; once the script is exhausted every read is empty.
type fakeDevice struct {
	written [][]byte
	reads   [][]byte
	readErr error
	closed  bool
}

func (d *fakeDevice) Write(b []byte) (int, error) {
	d.written = append(d.written, append([]byte(nil), b...))
	return len(b), nil
}

func (d *fakeDevice) Read(b []byte) (int, error) {
	if len(d.reads) == 0 {
		if d.readErr != nil {
			return 0, d.readErr
		}
		return 0, nil
	}
	next := d.reads[0]
	d.reads = d.reads[1:]
	return copy(b, next), nil
}

func (d *fakeDevice) Close() error {
	d.closed = true
	return nil
}

// fakeClock only advances when slept on.
type fakeClock struct {
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Unix(1700000000, 0)}
}

func (c *fakeClock) Now() time.Time        { return c.now }
func (c *fakeClock) Sleep(d time.Duration) { c.now = c.now.Add(d) }

// replyFrames encodes a device reply (data followed by the status word) into
// HID frames the way the device does.
func replyFrames(data []byte, sw uint16) [][]byte {
	reply := binary.BigEndian.AppendUint16(append([]byte(nil), data...), sw)
	return wrapCommand(reply)
}

type exchange struct {
	reply []byte
	err   error
}

// fakeExchanger records every APDU and answers from a script. When the script
// runs out, replies are empty.
type fakeExchanger struct {
	apdus   [][]byte
	replies []exchange
}

func (e *fakeExchanger) Exchange(apdu []byte) ([]byte, error) {
	e.apdus = append(e.apdus, append([]byte(nil), apdu...))
	if len(e.replies) == 0 {
		return nil, nil
	}
	next := e.replies[0]
	e.replies = e.replies[1:]
	return next.reply, next.err
}

type fakeInfo struct {
	path    string
	device  io.ReadWriteCloser
	openErr error
}

func (i *fakeInfo) Path() string { return i.path }

func (i *fakeInfo) Open() (io.ReadWriteCloser, error) {
	if i.openErr != nil {
		return nil, i.openErr
	}
	return i.device, nil
}

type fakeEnumerator struct {
	infos []DeviceInfo
	err   error
}

func (e *fakeEnumerator) Infos() ([]DeviceInfo, error) { return e.infos, e.err }
func (e *fakeEnumerator) Close()                       {}

func testSignature() []byte {
	sig := make([]byte, 65)
	sig[0] = 0x1b
	for i := 1; i < 65; i++ {
		sig[i] = byte(i)
	}
	return sig
}
