package usbledger

import (
	"errors"
	"fmt"
	"time"
)

// StatusKind classifies the status word terminating every device reply.
type StatusKind int

const (
	StatusOK StatusKind = iota
	StatusCanceled
	StatusDeclined
	StatusDeviceLocked
	StatusAppNotStarted
	StatusAppAsleep
	StatusIncorrectLength
	StatusInvalidData
	StatusTxTypeUnsupported
	StatusOutputBufferTooSmall
	StatusPluginError
	StatusIntConversionError
	StatusInternalError
	StatusUnrecognized
)

// Status words defined by the Ledger Ethereum app. See
// https://github.com/LedgerHQ/app-ethereum/blob/master/doc/ethapp.adoc#status-words
const (
	swOK                   uint16 = 0x9000
	swTxTypeUnsupported    uint16 = 0x6501
	swOutputBufferTooSmall uint16 = 0x6502
	swPluginError          uint16 = 0x6503
	swIntConversionError   uint16 = 0x6504
	swIncorrectLength      uint16 = 0x6700
	swAppAsleep            uint16 = 0x6804
	swCanceledByUser       uint16 = 0x6982
	swDeclined             uint16 = 0x6985
	swInvalidData          uint16 = 0x6a80 // also returned for an incorrect P1 or P2
	swDeviceLocked         uint16 = 0x6b0c
	swAppNotStarted        uint16 = 0x6d00

	swInternalErrorFirst uint16 = 0x6f00
	swInternalErrorLast  uint16 = 0x6fff
)

var statusTable = map[uint16]struct {
	kind    StatusKind
	message string
}{
	swOK:                   {StatusOK, "OK"},
	swTxTypeUnsupported:    {StatusTxTypeUnsupported, "TransactionType not supported"},
	swOutputBufferTooSmall: {StatusOutputBufferTooSmall, "Output buffer too small for chainId conversion"},
	swPluginError:          {StatusPluginError, "Plugin error"},
	swIntConversionError:   {StatusIntConversionError, "Failed to convert from int256"},
	swIncorrectLength:      {StatusIncorrectLength, "Incorrect length"},
	swAppAsleep:            {StatusAppAsleep, "Ethereum app not ready on device"},
	swCanceledByUser:       {StatusCanceled, "Security status not satisfied. Canceled by user."},
	swDeclined:             {StatusDeclined, "User declined on device"},
	swInvalidData:          {StatusInvalidData, "Invalid data or incorrect parameter P1 or P2"},
	swDeviceLocked:         {StatusDeviceLocked, "The device is locked"},
	swAppNotStarted:        {StatusAppNotStarted, "Ethereum app not started on device"},
}

// Status is a decoded status word.
type Status struct {
	Kind    StatusKind
	Code    uint16
	Message string
}

// DecodeStatus maps a raw status word onto its kind and a human readable
// message. Unknown codes keep the raw value in the message.
func DecodeStatus(sw uint16) Status {
	if sw >= swInternalErrorFirst && sw <= swInternalErrorLast {
		return Status{Kind: StatusInternalError, Code: sw, Message: "Internal error"}
	}
	if entry, ok := statusTable[sw]; ok {
		return Status{Kind: entry.kind, Code: sw, Message: entry.message}
	}
	return Status{Kind: StatusUnrecognized, Code: sw, Message: fmt.Sprintf("Unrecognized status word %#04x", sw)}
}

func (s Status) String() string {
	return fmt.Sprintf("%s (%#04x)", s.Message, s.Code)
}

// StatusError is returned when the device explicitly rejects a command.
type StatusError struct {
	Status Status
}

func (e *StatusError) Error() string {
	return "ledger: " + e.Status.String()
}

// UserRejected reports whether the operator canceled or declined on the device.
func (e *StatusError) UserRejected() bool {
	return e.Status.Kind == StatusCanceled || e.Status.Kind == StatusDeclined
}

var (
	// ErrNoDeviceFound is returned when no Ledger HID interface is attached.
	ErrNoDeviceFound = errors.New("ledger: no USB device found")

	// ErrEmptyReply is returned when a signing exchange completes without any
	// signature bytes.
	ErrEmptyReply = errors.New("ledger: signing failed, received 0 bytes in reply")

	// ErrCommandTooLong is returned when the APDU data does not fit the single
	// length byte.
	ErrCommandTooLong = errors.New("ledger: command data exceeds 255 bytes")

	// ErrTransportClosed is returned for exchanges on a closed transport.
	ErrTransportClosed = errors.New("ledger: transport closed")
)

// DeviceOpenError is returned when the OS refuses to open the HID handle,
// typically because the device is locked or the Ethereum app is not running.
type DeviceOpenError struct {
	Path string
	Err  error
}

func (e *DeviceOpenError) Error() string {
	return fmt.Sprintf("ledger: unable to open HID path %s, make sure the device is unlocked and the Ethereum app is open: %v", e.Path, e.Err)
}

func (e *DeviceOpenError) Unwrap() error {
	return e.Err
}

// DeviceTimeoutError is returned when the device does not reply within the
// exchange timeout.
type DeviceTimeoutError struct {
	Timeout time.Duration
}

func (e *DeviceTimeoutError) Error() string {
	return fmt.Sprintf("ledger: no reply from device within %v", e.Timeout)
}

// ProtocolMismatchError is returned when a reply frame violates the transport
// framing. This usually means the device is in browser mode or runs an
// incompatible firmware.
type ProtocolMismatchError struct {
	Field string
	Got   int
	Want  int
}

func (e *ProtocolMismatchError) Error() string {
	return fmt.Sprintf("ledger: invalid reply %s %#x, expected %#x", e.Field, e.Got, e.Want)
}
