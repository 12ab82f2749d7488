// Package hdpath parses BIP32 hierarchical deterministic derivation paths and
// converts them into the compact binary layout expected by the Ledger
// Ethereum application.
package hdpath

import (
	"encoding/binary"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/accounts"
)

const (
	// MaxDepth is the maximum number of BIP32 derivations the device performs.
	MaxDepth = 10

	// DefaultBase is the derivation template used when none is configured,
	// {x} standing in for the account index.
	DefaultBase = "m/44'/60'/{x}'/0/0"

	hardenedBit = 0x80000000
	placeholder = "{x}"
)

// ErrInvalidPathFormat is returned for any textual path that cannot be parsed.
var ErrInvalidPathFormat = errors.New("invalid HD path format")

// AccountPath is a fully resolved derivation path. It is immutable once built.
type AccountPath struct {
	path accounts.DerivationPath
}

// Parse converts a textual path such as m/44'/60'/0'/0/0 into an AccountPath.
// Trailing slashes are ignored.
func Parse(s string) (AccountPath, error) {
	components, err := split(s)
	if err != nil {
		return AccountPath{}, err
	}
	if len(components) > MaxDepth {
		return AccountPath{}, fmt.Errorf("%w: %q has %d derivations, at most %d supported", ErrInvalidPathFormat, s, len(components), MaxDepth)
	}
	path := make(accounts.DerivationPath, len(components))
	for i, component := range components {
		if path[i], err = parseComponent(component); err != nil {
			return AccountPath{}, fmt.Errorf("%w: %q: %v", ErrInvalidPathFormat, s, err)
		}
	}
	return AccountPath{path: path}, nil
}

// MustParse is like Parse but panics on malformed input. Intended for
// hardcoded paths only.
func MustParse(s string) AccountPath {
	path, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return path
}

// FromDerivationPath wraps a go-ethereum derivation path.
func FromDerivationPath(path accounts.DerivationPath) (AccountPath, error) {
	if len(path) > MaxDepth {
		return AccountPath{}, fmt.Errorf("%w: %d derivations, at most %d supported", ErrInvalidPathFormat, len(path), MaxDepth)
	}
	return AccountPath{path: append(accounts.DerivationPath(nil), path...)}, nil
}

// DerivationPath returns a copy of the path in go-ethereum form.
func (p AccountPath) DerivationPath() accounts.DerivationPath {
	return append(accounts.DerivationPath(nil), p.path...)
}

// Depth returns the number of derivations in the path.
func (p AccountPath) Depth() int {
	return len(p.path)
}

func (p AccountPath) String() string {
	return p.path.String()
}

// Bytes flattens the path into the Ledger request layout:
//
//	Description                                      | Length
//	-------------------------------------------------+--------
//	Number of BIP 32 derivations to perform (max 10) | 1 byte
//	First derivation index (big endian)              | 4 bytes
//	...                                              | 4 bytes
//	Last derivation index (big endian)               | 4 bytes
func (p AccountPath) Bytes() []byte {
	out := make([]byte, 1+4*len(p.path))
	out[0] = byte(len(p.path))
	for i, component := range p.path {
		binary.BigEndian.PutUint32(out[1+4*i:], component)
	}
	return out
}

// BasePath is a derivation template containing a single {x} placeholder for
// the account index.
type BasePath struct {
	prefix   accounts.DerivationPath
	suffix   accounts.DerivationPath
	hardened bool // whether the placeholder segment is hardened ({x}')
}

// DefaultBasePath is the parsed form of DefaultBase.
var DefaultBasePath = mustParseBase(DefaultBase)

// ParseBase parses a derivation template. An empty string selects DefaultBase.
// If the template lacks a {x} placeholder, one is appended as the last segment.
func ParseBase(s string) (BasePath, error) {
	if s == "" {
		s = DefaultBase
	}
	s = strings.TrimRight(s, "/")
	if !strings.Contains(s, placeholder) {
		s += "/" + placeholder
	}
	components, err := split(s)
	if err != nil {
		return BasePath{}, err
	}
	if len(components) > MaxDepth {
		return BasePath{}, fmt.Errorf("%w: %q has %d derivations, at most %d supported", ErrInvalidPathFormat, s, len(components), MaxDepth)
	}
	var (
		base  BasePath
		found bool
	)
	for _, component := range components {
		if trimmed := strings.TrimSuffix(component, "'"); trimmed == placeholder {
			if found {
				return BasePath{}, fmt.Errorf("%w: %q has more than one %s placeholder", ErrInvalidPathFormat, s, placeholder)
			}
			found, base.hardened = true, trimmed != component
			continue
		}
		value, err := parseComponent(component)
		if err != nil {
			return BasePath{}, fmt.Errorf("%w: %q: %v", ErrInvalidPathFormat, s, err)
		}
		if found {
			base.suffix = append(base.suffix, value)
		} else {
			base.prefix = append(base.prefix, value)
		}
	}
	return base, nil
}

func mustParseBase(s string) BasePath {
	base, err := ParseBase(s)
	if err != nil {
		panic(err)
	}
	return base
}

// WithIndex resolves the template for the given account index.
func (b BasePath) WithIndex(index uint32) (AccountPath, error) {
	if index&hardenedBit != 0 {
		return AccountPath{}, fmt.Errorf("%w: account index %d exceeds 31 bits", ErrInvalidPathFormat, index)
	}
	if b.hardened {
		index |= hardenedBit
	}
	path := make(accounts.DerivationPath, 0, len(b.prefix)+1+len(b.suffix))
	path = append(path, b.prefix...)
	path = append(path, index)
	path = append(path, b.suffix...)
	return AccountPath{path: path}, nil
}

func (b BasePath) String() string {
	var sb strings.Builder
	sb.WriteString(b.prefix.String())
	sb.WriteString("/" + placeholder)
	if b.hardened {
		sb.WriteString("'")
	}
	// Reuse the go-ethereum renderer for the tail, dropping its leading "m".
	sb.WriteString(strings.TrimPrefix(b.suffix.String(), "m"))
	return sb.String()
}

// split validates the root marker and returns the raw segments.
func split(s string) ([]string, error) {
	s = strings.TrimRight(s, "/")
	if s == "m" {
		return nil, nil
	}
	if !strings.HasPrefix(s, "m/") {
		return nil, fmt.Errorf("%w: %q must begin with m/", ErrInvalidPathFormat, s)
	}
	return strings.Split(s[2:], "/"), nil
}

func parseComponent(component string) (uint32, error) {
	var hardened bool
	if strings.HasSuffix(component, "'") {
		component, hardened = component[:len(component)-1], true
	}
	value, err := strconv.ParseUint(component, 10, 31)
	if err != nil {
		return 0, fmt.Errorf("invalid segment %q", component)
	}
	if hardened {
		value |= hardenedBit
	}
	return uint32(value), nil
}
