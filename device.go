// This file contains the operations of the Ledger Ethereum app. The wire
// protocol spec can be found in the app-ethereum GitHub repo:
// https://github.com/LedgerHQ/app-ethereum/blob/develop/doc/ethapp.adoc

package usbledger

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/log"
	"github.com/mdehoog/usbledger/hdpath"
)

// Exchanger sends one APDU command and returns the reply data without the
// status word. *Transport is the production implementation.
type Exchanger interface {
	Exchange(apdu []byte) ([]byte, error)
}

// Signature is the raw (v, r, s) triple returned by every signing operation.
// V is passed through exactly as the device returned it.
type Signature struct {
	V byte
	R [32]byte
	S [32]byte
}

// Bytes returns the signature in the [R || S || V] layout used by go-ethereum.
func (s *Signature) Bytes() []byte {
	out := make([]byte, 0, crypto.SignatureLength)
	out = append(out, s.R[:]...)
	out = append(out, s.S[:]...)
	return append(out, s.V)
}

// AppConfig is the Ethereum app configuration reported by the device.
type AppConfig struct {
	Flags   byte
	Version [3]byte
}

// ArbitraryDataEnabled reports whether the user enabled blind signing of
// contract data.
func (c AppConfig) ArbitraryDataEnabled() bool {
	return c.Flags&0x01 != 0
}

func (c AppConfig) String() string {
	return fmt.Sprintf("v%d.%d.%d", c.Version[0], c.Version[1], c.Version[2])
}

// Device implements the Ledger Ethereum app operations on top of a transport.
// Every signing operation prompts the operator on the device and is never
// retried automatically.
type Device struct {
	exchanger Exchanger
	log       log.Logger
}

// NewDevice creates a device speaking through the given exchanger.
func NewDevice(exchanger Exchanger, logger log.Logger) *Device {
	if logger == nil {
		logger = log.New()
	}
	return &Device{exchanger: exchanger, log: logger}
}

// GetAddress retrieves the address at the given path without on-device
// confirmation. The address is returned as the ASCII hex string reported by
// the device; checksumming is left to the caller.
func (d *Device) GetAddress(path hdpath.AccountPath) (string, error) {
	return d.ledgerDerive(path.Bytes(), ledgerP1DirectlyFetchAddress)
}

// ConfirmAddress is like GetAddress but displays the address on the device
// and waits for the operator to approve it.
func (d *Device) ConfirmAddress(path hdpath.AccountPath) (string, error) {
	return d.ledgerDerive(path.Bytes(), ledgerP1ConfirmFetchAddress)
}

// SignPersonalMessage signs an EIP-191 personal message. The device applies
// the message prefix and hashing itself.
func (d *Device) SignPersonalMessage(path hdpath.AccountPath, message []byte) (*Signature, error) {
	return d.ledgerSignPersonalMessage(path.Bytes(), message)
}

// SignTypedData signs EIP-712 data given its domain separator and struct hash.
func (d *Device) SignTypedData(path hdpath.AccountPath, domainHash, messageHash common.Hash) (*Signature, error) {
	return d.ledgerSignTypedHash(path.Bytes(), domainHash, messageHash)
}

// SignTransaction signs an already serialized unsigned transaction.
func (d *Device) SignTransaction(path hdpath.AccountPath, tx []byte) (*Signature, error) {
	return d.ledgerSignTransaction(path.Bytes(), tx)
}

// AppConfiguration retrieves the configuration of the running Ethereum app.
//
// The configuration retrieval protocol is defined as follows:
//
//	CLA | INS | P1 | P2 | Lc | Le
//	----+-----+----+----+----+---
//	 E0 | 06  | 00 | 00 | 00 | 04
//
// With no input data, and the output data being:
//
//	Description                                        | Length
//	---------------------------------------------------+--------
//	Flags 01: arbitrary data signature enabled by user | 1 byte
//	Application major version                          | 1 byte
//	Application minor version                          | 1 byte
//	Application patch version                          | 1 byte
func (d *Device) AppConfiguration() (AppConfig, error) {
	reply, err := d.ledgerExchange(ledgerOpGetConfiguration, 0, 0, nil, nil)
	if err != nil {
		return AppConfig{}, err
	}
	if len(reply) < 4 {
		return AppConfig{}, errors.New("ledger: invalid configuration reply")
	}
	config := AppConfig{Flags: reply[0]}
	copy(config.Version[:], reply[1:4])
	return config, nil
}

// ledgerDerive retrieves the address at the specified derivation path.
//
// The address derivation protocol is defined as follows:
//
//	CLA | INS | P1 | P2 | Lc  | Le
//	----+-----+----+----+-----+---
//	 E0 | 02  | 00 return address
//	            01 display address and confirm before returning
//	               | 00: do not return the chain code
//	                    | var | 00
//
// Where the input data is the flattened derivation path, and the output is:
//
//	Description             | Length
//	------------------------+-------------------
//	Public Key length       | 1 byte
//	Uncompressed Public Key | arbitrary
//	Ethereum address length | 1 byte
//	Ethereum address        | 40 bytes hex ascii
func (d *Device) ledgerDerive(path []byte, p1 ledgerParam1) (string, error) {
	reply, err := d.ledgerExchange(ledgerOpRetrieveAddress, p1, ledgerP2DiscardAddressChainCode, path, nil)
	if err != nil {
		return "", err
	}
	// Discard the public key, we don't need that for now
	if len(reply) < 1 || len(reply) < 1+int(reply[0]) {
		return "", errors.New("ledger: reply lacks public key entry")
	}
	reply = reply[1+int(reply[0]):]

	if len(reply) < 1 || reply[0] == 0 || len(reply) < 1+int(reply[0]) {
		return "", errors.New("ledger: reply lacks address entry")
	}
	return string(reply[1 : 1+int(reply[0])]), nil
}

// ledgerSignPersonalMessage sends the message to the Ledger and waits for the
// user to confirm or deny the signature.
//
//	CLA | INS | P1                   | P2 | Lc       | Le
//	----+-----+----------------------+----+----------+---------
//	 E0 | 08  | 00: first data block | 00 | variable | variable
//	            80: subsequent block
//
// Where the input for the first block is:
//
//	Description                                      | Length
//	-------------------------------------------------+----------
//	Number of BIP 32 derivations to perform (max 10) | 1 byte
//	First derivation index (big endian)              | 4 bytes
//	...                                              | 4 bytes
//	Last derivation index (big endian)               | 4 bytes
//	Message length (big endian)                      | 4 bytes
//	Message chunk                                    | arbitrary
//
// Subsequent blocks carry the rest of the message.
func (d *Device) ledgerSignPersonalMessage(path []byte, message []byte) (*Signature, error) {
	payload := make([]byte, 0, len(path)+4+len(message))
	payload = append(payload, path...)
	payload = binary.BigEndian.AppendUint32(payload, uint32(len(message)))
	payload = append(payload, message...)

	d.log.Debug("Requesting message signature", "size", len(message))
	reply, err := d.ledgerChunkedExchange(ledgerOpSignPersonalMessage, payload)
	if err != nil {
		return nil, d.signingFailed(err)
	}
	return parseSignature(reply)
}

// ledgerSignTypedHash signs pre-hashed EIP-712 data.
//
//	CLA | INS | P1 | P2 | Lc       | Le
//	----+-----+----+----+----------+---------
//	 E0 | 0C  | 00 | 00 | variable | variable
//
// Where the input is:
//
//	Description                                      | Length
//	-------------------------------------------------+----------
//	Number of BIP 32 derivations to perform (max 10) | 1 byte
//	First derivation index (big endian)              | 4 bytes
//	...                                              | 4 bytes
//	Last derivation index (big endian)               | 4 bytes
//	domain hash                                      | 32 bytes
//	message hash                                     | 32 bytes
func (d *Device) ledgerSignTypedHash(path []byte, domainHash, messageHash common.Hash) (*Signature, error) {
	data := make([]byte, 0, 2*common.HashLength)
	data = append(data, domainHash[:]...)
	data = append(data, messageHash[:]...)

	d.log.Debug("Requesting typed data signature", "domain", domainHash, "message", messageHash)
	reply, err := d.ledgerExchange(ledgerOpSignTypedMessage, 0, ledgerP2V0Implementation, path, data)
	if err != nil {
		return nil, d.signingFailed(err)
	}
	return parseSignature(reply)
}

// ledgerSignTransaction sends the serialized transaction to the Ledger and
// waits for the user to confirm or deny it.
//
//	CLA | INS | P1                               | P2 | Lc       | Le
//	----+-----+----------------------------------+----+----------+---------
//	 E0 | 04  | 00: first transaction data block | 00 | variable | variable
//	            80: subsequent transaction block
//
// Where the input for the first transaction block (first 255 bytes) is:
//
//	Description                                      | Length
//	-------------------------------------------------+----------
//	Number of BIP 32 derivations to perform (max 10) | 1 byte
//	First derivation index (big endian)              | 4 bytes
//	...                                              | 4 bytes
//	Last derivation index (big endian)               | 4 bytes
//	RLP transaction chunk                            | arbitrary
//
// And the input for subsequent transaction blocks is the next RLP chunk.
// The signature is only present in the reply to the last block.
func (d *Device) ledgerSignTransaction(path []byte, tx []byte) (*Signature, error) {
	payload := make([]byte, 0, len(path)+len(tx))
	payload = append(payload, path...)
	payload = append(payload, tx...)

	d.log.Debug("Requesting transaction signature", "size", len(tx))
	reply, err := d.ledgerChunkedExchange(ledgerOpSignTransaction, payload)
	if err != nil {
		return nil, d.signingFailed(err)
	}
	return parseSignature(reply)
}

// ledgerChunkedExchange streams the payload in blocks of at most 255 bytes,
// flagging the first block and all subsequent ones accordingly. Only the reply
// to the final block is returned.
func (d *Device) ledgerChunkedExchange(op ledgerOpcode, payload []byte) ([]byte, error) {
	var (
		p1    = ledgerP1InitTransactionData
		reply []byte
		err   error
	)
	for len(payload) > 0 {
		chunk := min(maxChunkSize, len(payload))
		if reply, err = d.ledgerExchange(op, p1, 0, nil, payload[:chunk]); err != nil {
			return nil, err
		}
		payload = payload[chunk:]
		p1 = ledgerP1ContTransactionData
	}
	return reply, nil
}

func (d *Device) ledgerExchange(op ledgerOpcode, p1 ledgerParam1, p2 ledgerParam2, path, data []byte) ([]byte, error) {
	apdu, err := buildCommand(op, p1, p2, path, data)
	if err != nil {
		return nil, err
	}
	return d.exchanger.Exchange(apdu)
}

func (d *Device) signingFailed(err error) error {
	var statusErr *StatusError
	if errors.As(err, &statusErr) && statusErr.UserRejected() {
		d.log.Warn("Ledger signing rejected by user", "status", statusErr.Status)
	}
	return err
}

// parseSignature splits a 65 byte reply into its v, r and s components.
func parseSignature(reply []byte) (*Signature, error) {
	if len(reply) == 0 {
		return nil, ErrEmptyReply
	}
	if len(reply) != crypto.SignatureLength {
		return nil, fmt.Errorf("ledger: invalid signature length: %d", len(reply))
	}
	sig := &Signature{V: reply[0]}
	copy(sig.R[:], reply[1:33])
	copy(sig.S[:], reply[33:65])
	return sig, nil
}
