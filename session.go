package usbledger

import (
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/log"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"
	"github.com/mdehoog/usbledger/hdpath"
)

// Opener opens the transport to the single attached device.
type Opener func() (*Transport, error)

// EnumeratorOpener returns an Opener that picks the first device reported by
// the enumerator.
func EnumeratorOpener(e Enumerator, opts ...Option) Opener {
	return func() (*Transport, error) {
		info, err := FindDevice(e)
		if err != nil {
			return nil, err
		}
		return Open(info, opts...)
	}
}

// Registry owns the only open device handle and hands out one Session per
// account path, all sharing that handle. The handle is opened lazily on first
// use and released by Close.
type Registry struct {
	open Opener
	log  log.Logger

	lock      sync.Mutex
	transport *Transport
	device    *Device
	sessions  map[string]*Session
}

// NewRegistry creates a registry opening the device through open.
func NewRegistry(open Opener) *Registry {
	return &Registry{
		open:     open,
		log:      log.New("component", "ledger"),
		sessions: make(map[string]*Session),
	}
}

// Device returns the device bound to the shared transport, opening it if
// needed. Open failures are returned as is and not cached.
func (r *Registry) Device() (*Device, error) {
	r.lock.Lock()
	defer r.lock.Unlock()

	return r.deviceLocked()
}

func (r *Registry) deviceLocked() (*Device, error) {
	if r.device != nil {
		return r.device, nil
	}
	transport, err := r.open()
	if err != nil {
		return nil, err
	}
	r.log.Debug("Ledger transport opened")
	r.transport = transport
	r.device = NewDevice(transport, r.log)
	return r.device, nil
}

// Session returns the session for the account path, creating it on first
// access.
func (r *Registry) Session(path hdpath.AccountPath) (*Session, error) {
	r.lock.Lock()
	defer r.lock.Unlock()

	key := path.String()
	if session, ok := r.sessions[key]; ok {
		return session, nil
	}
	device, err := r.deviceLocked()
	if err != nil {
		return nil, err
	}
	session := &Session{device: device, path: path, pathBytes: path.Bytes()}
	r.sessions[key] = session
	return session, nil
}

// Close releases the device handle. Sessions handed out before become
// unusable.
func (r *Registry) Close() error {
	r.lock.Lock()
	defer r.lock.Unlock()

	if r.transport == nil {
		return nil
	}
	err := r.transport.Close()
	r.transport, r.device = nil, nil
	r.sessions = make(map[string]*Session)
	r.log.Debug("Ledger transport closed", "err", err)
	return err
}

// Session binds a device to one account path.
type Session struct {
	device    *Device
	path      hdpath.AccountPath
	pathBytes []byte // cached device encoding of path
}

// Path returns the account path of the session.
func (s *Session) Path() hdpath.AccountPath {
	return s.path
}

// Address retrieves the ASCII hex address of the account from the device.
func (s *Session) Address() (string, error) {
	return s.device.ledgerDerive(s.pathBytes, ledgerP1DirectlyFetchAddress)
}

// SignPersonalMessage signs an EIP-191 personal message with the account.
func (s *Session) SignPersonalMessage(message []byte) (*Signature, error) {
	return s.device.ledgerSignPersonalMessage(s.pathBytes, message)
}

// SignTypedData signs pre-hashed EIP-712 data with the account.
func (s *Session) SignTypedData(domainHash, messageHash common.Hash) (*Signature, error) {
	return s.device.ledgerSignTypedHash(s.pathBytes, domainHash, messageHash)
}

// SignTypedDataFull streams and signs EIP-712 typed data with the account.
func (s *Session) SignTypedDataFull(data apitypes.TypedData) (*Signature, error) {
	return s.device.ledgerSignTypedData(s.pathBytes, data)
}

// SignTransaction signs a serialized unsigned transaction with the account.
func (s *Session) SignTransaction(tx []byte) (*Signature, error) {
	return s.device.ledgerSignTransaction(s.pathBytes, tx)
}
