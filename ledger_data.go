package usbledger

import (
	"encoding/binary"
	"fmt"
	"math/big"
	"slices"
	"strings"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"
	"github.com/mdehoog/usbledger/hdpath"
)

const eip712DomainType = "EIP712Domain"

// SignTypedDataFull streams the complete EIP-712 structure to the device so
// the operator can review every field, then requests the signature.
//
// The struct definitions and values are sent first, see
// https://github.com/LedgerHQ/app-ethereum/blob/develop/doc/ethapp.adoc#eip712-send-struct-definition.
// After the data is sent, the signing protocol is defined as follows:
//
//	CLA | INS | P1 | P2 | Lc       | Le
//	----+-----+----+----+----------+---------
//	 E0 | 0C  | 00 | 01 | variable | variable
//
// Where the input is the flattened derivation path only.
func (d *Device) SignTypedDataFull(path hdpath.AccountPath, data apitypes.TypedData) (*Signature, error) {
	return d.ledgerSignTypedData(path.Bytes(), data)
}

func (d *Device) ledgerSignTypedData(path []byte, data apitypes.TypedData) (*Signature, error) {
	if data.Types[eip712DomainType] == nil {
		return nil, fmt.Errorf("ledger: %s type is required", eip712DomainType)
	}
	if data.Types[data.PrimaryType] == nil {
		return nil, fmt.Errorf("ledger: primary type %s not found in types", data.PrimaryType)
	}
	s := &typedDataStreamer{device: d, data: data}

	// Definitions go first, in a stable order so traces are reproducible
	names := make([]string, 0, len(data.Types))
	for name := range data.Types {
		names = append(names, name)
	}
	slices.Sort(names)
	for _, name := range names {
		if err := s.sendDefinition(name); err != nil {
			return nil, err
		}
	}
	if err := s.sendRoot(eip712DomainType, data.Domain.Map()); err != nil {
		return nil, err
	}
	if err := s.sendRoot(data.PrimaryType, data.Message); err != nil {
		return nil, err
	}
	d.log.Debug("Requesting full typed data signature", "primary", data.PrimaryType)
	reply, err := d.ledgerExchange(ledgerOpSignTypedMessage, 0, ledgerP2FullImplementation, path, nil)
	if err != nil {
		return nil, d.signingFailed(err)
	}
	return parseSignature(reply)
}

type typedDataStreamer struct {
	device *Device
	data   apitypes.TypedData
}

func (s *typedDataStreamer) sendDefinition(name string) error {
	if _, err := s.device.ledgerExchange(ledgerOpEip712SendStructDef, 0, ledgerP2StructName, nil, []byte(name)); err != nil {
		return fmt.Errorf("failed to send type name %s: %w", name, err)
	}
	for _, field := range s.data.Types[name] {
		parsed, err := parseTypedField(s.data, field)
		if err != nil {
			return err
		}
		if _, err := s.device.ledgerExchange(ledgerOpEip712SendStructDef, 0, ledgerP2StructField, nil, parsed.definition(field.Name)); err != nil {
			return fmt.Errorf("failed to send field %s.%s: %w", name, field.Name, err)
		}
	}
	return nil
}

func (s *typedDataStreamer) sendRoot(name string, value map[string]interface{}) error {
	if _, err := s.device.ledgerExchange(ledgerOpEip712SendStructImpl, ledgerP1CompleteSend, ledgerP2RootStruct, nil, []byte(name)); err != nil {
		return fmt.Errorf("failed to send root struct %s: %w", name, err)
	}
	return s.sendStruct(name, value)
}

func (s *typedDataStreamer) sendStruct(name string, value map[string]interface{}) error {
	for _, field := range s.data.Types[name] {
		if err := s.sendValue(field.Type, field.Name, value[field.Name]); err != nil {
			return fmt.Errorf("failed to send struct field %s.%s: %w", name, field.Name, err)
		}
	}
	return nil
}

// sendValue recursively streams arrays, nested structs and primitive values.
func (s *typedDataStreamer) sendValue(typ, name string, value interface{}) error {
	if value == nil {
		return fmt.Errorf("nil value for field %s", name)
	}
	if strings.HasSuffix(typ, "]") {
		items, ok := value.([]interface{})
		if !ok {
			return fmt.Errorf("expected array for field %s, got %T", name, value)
		}
		if _, err := s.device.ledgerExchange(ledgerOpEip712SendStructImpl, ledgerP1CompleteSend, ledgerP2Array, nil, []byte{byte(len(items))}); err != nil {
			return fmt.Errorf("failed to send array length: %w", err)
		}
		typ = typ[:strings.LastIndex(typ, "[")]
		for _, item := range items {
			if err := s.sendValue(typ, name, item); err != nil {
				return err
			}
		}
		return nil
	}
	if s.data.Types[typ] != nil {
		m, ok := value.(map[string]interface{})
		if !ok {
			return fmt.Errorf("expected struct for field %s, got %T", name, value)
		}
		return s.sendStruct(typ, m)
	}
	parsed, err := parseTypedField(s.data, apitypes.Type{Name: name, Type: typ})
	if err != nil {
		return err
	}
	enc, err := encodeTypedValue(parsed, name, value)
	if err != nil {
		return err
	}
	if len(enc) > 0xffff {
		return fmt.Errorf("value for field %s too long: %d bytes", name, len(enc))
	}
	// Values larger than one APDU are split, every chunk but the last marked partial
	payload := binary.BigEndian.AppendUint16(nil, uint16(len(enc)))
	payload = append(payload, enc...)
	for len(payload) > 0 {
		chunk := min(maxChunkSize, len(payload))
		p1 := ledgerP1PartialSend
		if chunk == len(payload) {
			p1 = ledgerP1CompleteSend
		}
		if _, err := s.device.ledgerExchange(ledgerOpEip712SendStructImpl, p1, ledgerP2StructField, nil, payload[:chunk]); err != nil {
			return fmt.Errorf("failed to send field %s: %w", name, err)
		}
		payload = payload[chunk:]
	}
	return nil
}

// encodeTypedValue converts a JSON decoded primitive into its raw bytes.
func encodeTypedValue(field typedField, name string, value interface{}) ([]byte, error) {
	switch v := value.(type) {
	case string:
		switch {
		case field.kind == kindString:
			return []byte(v), nil
		case field.kind == kindBool:
			return nil, fmt.Errorf("invalid bool value for field %s: %s", name, v)
		case strings.HasPrefix(v, "0x") && field.kind != kindInt && field.kind != kindUint:
			enc, err := hexDecode(v)
			if err != nil {
				return nil, fmt.Errorf("failed to decode hex string for field %s: %w", name, err)
			}
			return enc, nil
		case field.kind == kindInt || field.kind == kindUint:
			n, ok := math.ParseBig256(v)
			if !ok {
				return nil, fmt.Errorf("invalid integer value for field %s: %s", name, v)
			}
			return encodeInteger(field, n), nil
		default:
			return nil, fmt.Errorf("invalid string value for field %s: %s", name, v)
		}
	case bool:
		if v {
			return []byte{1}, nil
		}
		return []byte{0}, nil
	case float64:
		return encodeInteger(field, new(big.Int).SetInt64(int64(v))), nil
	case *math.HexOrDecimal256:
		if v == nil {
			return nil, fmt.Errorf("nil value for field %s", name)
		}
		return encodeInteger(field, (*big.Int)(v)), nil
	case *big.Int:
		return encodeInteger(field, v), nil
	default:
		return nil, fmt.Errorf("unsupported type for field %s: %T", name, value)
	}
}

// encodeInteger returns the minimal big endian encoding of non-negative
// values, and the two's complement truncated to the field size otherwise.
func encodeInteger(field typedField, n *big.Int) []byte {
	if n.Sign() >= 0 {
		return n.Bytes()
	}
	size := field.size
	if size == 0 {
		size = 32
	}
	full := math.U256Bytes(new(big.Int).Set(n))
	return full[len(full)-size:]
}

func hexDecode(s string) ([]byte, error) {
	// Odd nibble counts are left padded, as the device expects whole bytes
	if len(s)%2 == 1 {
		s = "0x0" + s[2:]
	}
	return hexutil.Decode(s)
}
