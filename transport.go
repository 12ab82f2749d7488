// Package usbledger talks to Ledger hardware wallets over USB HID using the
// APDU protocol of the Ledger Ethereum app.
package usbledger

import (
	"encoding/binary"
	"io"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/log"
)

const (
	packetSize      = 64     // Size of every HID frame in both directions
	frameHeaderSize = 5      // Channel ID, command tag and sequence index
	channelID       = 0x0101 // Communication channel, fixed to avoid leading 00 byte issues
	tagAPDU         = 0x05   // Command tag for APDU payloads

	// DefaultExchangeTimeout is the time a reply may take to arrive, human
	// confirmation on the device included.
	DefaultExchangeTimeout = 60 * time.Second

	// DefaultPollInterval is the pause between empty reads.
	DefaultPollInterval = 10 * time.Millisecond
)

// Clock abstracts the passage of time for the reply polling loop.
type Clock interface {
	Now() time.Time
	Sleep(d time.Duration)
}

type systemClock struct{}

func (systemClock) Now() time.Time        { return time.Now() }
func (systemClock) Sleep(d time.Duration) { time.Sleep(d) }

// Transport frames APDU commands into 64 byte HID packets and reassembles the
// replies. Reads on the underlying device must not block: a read returning
// zero bytes and no error means no data is available yet.
type Transport struct {
	device  io.ReadWriteCloser
	timeout time.Duration
	poll    time.Duration
	clock   Clock
	log     log.Logger

	lock  sync.Mutex // Exclusive access to the device for a whole exchange
	stale bool       // A failed exchange may have left reply frames pending
}

// Option configures a Transport.
type Option func(*Transport)

// WithTimeout overrides DefaultExchangeTimeout.
func WithTimeout(timeout time.Duration) Option {
	return func(t *Transport) {
		t.timeout = timeout
	}
}

// WithPollInterval overrides DefaultPollInterval.
func WithPollInterval(poll time.Duration) Option {
	return func(t *Transport) {
		t.poll = poll
	}
}

// WithClock replaces the wall clock used for polling.
func WithClock(clock Clock) Option {
	return func(t *Transport) {
		t.clock = clock
	}
}

// WithLogger sets the contextual logger.
func WithLogger(logger log.Logger) Option {
	return func(t *Transport) {
		t.log = logger
	}
}

// NewTransport wraps an already open device handle.
func NewTransport(device io.ReadWriteCloser, opts ...Option) *Transport {
	t := &Transport{
		device:  device,
		timeout: DefaultExchangeTimeout,
		poll:    DefaultPollInterval,
		clock:   systemClock{},
		log:     log.New(),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Open opens the device handle described by info. Failure is fatal and
// reported as a *DeviceOpenError.
func Open(info DeviceInfo, opts ...Option) (*Transport, error) {
	device, err := info.Open()
	if err != nil {
		return nil, &DeviceOpenError{Path: info.Path(), Err: err}
	}
	opts = append([]Option{WithLogger(log.New("device", info.Path()))}, opts...)
	return NewTransport(device, opts...), nil
}

// Timeout returns the exchange timeout.
func (t *Transport) Timeout() time.Duration {
	return t.timeout
}

// Close releases the device handle.
func (t *Transport) Close() error {
	t.lock.Lock()
	defer t.lock.Unlock()

	if t.device == nil {
		return nil
	}
	err := t.device.Close()
	t.device = nil
	return err
}

// Exchange sends a single APDU command and returns the reply data with the
// status word stripped. A non-OK status word is returned as a *StatusError.
//
// The common transport header is defined as follows:
//
//	Description                           | Length
//	--------------------------------------+----------
//	Communication channel ID (big endian) | 2 bytes
//	Command tag                           | 1 byte
//	Packet sequence index (big endian)    | 2 bytes
//	Payload                               | arbitrary
//
// The first packet of each direction prefixes its payload with the total
// length of the message (big endian, 2 bytes).
//
// After a failed exchange the device may still deliver the abandoned reply,
// so the next exchange discards every pending frame before writing.
func (t *Transport) Exchange(apdu []byte) ([]byte, error) {
	t.lock.Lock()
	defer t.lock.Unlock()

	if t.device == nil {
		return nil, ErrTransportClosed
	}
	if t.stale {
		if err := t.drain(); err != nil {
			return nil, err
		}
		t.stale = false
	}
	for _, frame := range wrapCommand(apdu) {
		t.log.Trace("Data chunk sent to the Ledger", "chunk", hexutil.Bytes(frame))
		if _, err := t.device.Write(frame); err != nil {
			t.stale = true
			return nil, err
		}
	}
	reply, err := t.readReply()
	if err != nil {
		t.stale = true
		return nil, err
	}
	return handleReplyStatus(reply)
}

// drain reads and drops frames until the device has nothing pending.
func (t *Transport) drain() error {
	frame := make([]byte, packetSize)
	for {
		n, err := t.device.Read(frame)
		if err != nil {
			return err
		}
		if n == 0 {
			return nil
		}
		t.log.Debug("Discarded stale Ledger reply chunk", "chunk", hexutil.Bytes(frame[:n]))
	}
}

// readReply polls the device until the declared reply length is collected or
// the exchange timeout expires.
func (t *Transport) readReply() ([]byte, error) {
	var (
		reply []byte
		total = -1
		seq   uint16
		frame = make([]byte, packetSize)
		start = t.clock.Now()
	)
	for total < 0 || len(reply) < total {
		n, err := t.device.Read(frame)
		if err != nil {
			return nil, err
		}
		if n == 0 {
			if t.clock.Now().Sub(start) >= t.timeout {
				t.log.Warn("Ledger did not reply in time", "timeout", t.timeout)
				return nil, &DeviceTimeoutError{Timeout: t.timeout}
			}
			t.clock.Sleep(t.poll)
			continue
		}
		t.log.Trace("Data chunk received from the Ledger", "chunk", hexutil.Bytes(frame[:n]))

		payload, size, err := unwrapFrame(frame[:n], seq)
		if err != nil {
			return nil, err
		}
		if seq == 0 {
			total = size
			reply = make([]byte, 0, total)
		}
		reply = append(reply, payload...)
		seq++
	}
	return reply[:total], nil
}

// wrapCommand splits a length prefixed command into zero padded frames.
func wrapCommand(apdu []byte) [][]byte {
	data := make([]byte, 2, 2+len(apdu))
	binary.BigEndian.PutUint16(data, uint16(len(apdu)))
	data = append(data, apdu...)

	var frames [][]byte
	for seq := 0; len(data) > 0; seq++ {
		frame := make([]byte, packetSize)
		binary.BigEndian.PutUint16(frame, channelID)
		frame[2] = tagAPDU
		binary.BigEndian.PutUint16(frame[3:], uint16(seq))

		n := copy(frame[frameHeaderSize:], data)
		data = data[n:]
		frames = append(frames, frame)
	}
	return frames
}

// unwrapFrame validates a reply frame header and returns its payload. The
// total reply length is only present, and only returned, for sequence 0.
func unwrapFrame(frame []byte, seq uint16) ([]byte, int, error) {
	if len(frame) < frameHeaderSize {
		return nil, 0, &ProtocolMismatchError{Field: "frame size", Got: len(frame), Want: packetSize}
	}
	if channel := binary.BigEndian.Uint16(frame); channel != channelID {
		return nil, 0, &ProtocolMismatchError{Field: "channel", Got: int(channel), Want: channelID}
	}
	if frame[2] != tagAPDU {
		return nil, 0, &ProtocolMismatchError{Field: "tag", Got: int(frame[2]), Want: tagAPDU}
	}
	if index := binary.BigEndian.Uint16(frame[3:]); index != seq {
		return nil, 0, &ProtocolMismatchError{Field: "sequence", Got: int(index), Want: int(seq)}
	}
	if seq != 0 {
		return frame[frameHeaderSize:], 0, nil
	}
	if len(frame) < frameHeaderSize+2 {
		return nil, 0, &ProtocolMismatchError{Field: "frame size", Got: len(frame), Want: packetSize}
	}
	return frame[frameHeaderSize+2:], int(binary.BigEndian.Uint16(frame[frameHeaderSize:])), nil
}

// handleReplyStatus strips and interprets the trailing status word.
func handleReplyStatus(reply []byte) ([]byte, error) {
	if len(reply) < 2 {
		return nil, &ProtocolMismatchError{Field: "reply length", Got: len(reply), Want: 2}
	}
	status := DecodeStatus(binary.BigEndian.Uint16(reply[len(reply)-2:]))
	if status.Kind != StatusOK {
		return nil, &StatusError{Status: status}
	}
	return reply[:len(reply)-2], nil
}
