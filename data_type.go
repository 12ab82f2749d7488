package usbledger

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/signer/core/apitypes"
)

// fieldKind is the EIP-712 field type identifier understood by the Ethereum
// app when streaming struct definitions.
type fieldKind byte

const (
	kindCustom fieldKind = iota
	kindInt
	kindUint
	kindAddress
	kindBool
	kindString
	kindFixedBytes
	kindBytes
)

var kindNames = map[string]fieldKind{
	"int":     kindInt,
	"uint":    kindUint,
	"address": kindAddress,
	"bool":    kindBool,
	"string":  kindString,
	"bytes":   kindBytes,
}

var (
	arrayLevelRegexp = regexp.MustCompile(`\[(\d*)]`)
	typeSizeRegexp   = regexp.MustCompile(`^(.+?)(\d*)$`)
)

// typedField is a parsed EIP-712 struct member type.
type typedField struct {
	kind   fieldKind
	name   string // base type name, or struct name for kindCustom
	size   int    // byte length for sized types
	arrays []*int // array levels outermost first, nil entries are dynamic
}

func parseTypedField(data apitypes.TypedData, field apitypes.Type) (typedField, error) {
	var parsed typedField

	name := strings.TrimSpace(field.Type)
	if levels := arrayLevelRegexp.FindAllStringSubmatch(name, -1); len(levels) > 0 {
		parsed.arrays = make([]*int, len(levels))
		for i, level := range levels {
			if level[1] == "" {
				continue
			}
			length, err := strconv.Atoi(level[1])
			if err != nil {
				return typedField{}, fmt.Errorf("invalid array length in %s: %w", field.Type, err)
			}
			parsed.arrays[i] = &length
		}
		name = name[:strings.Index(name, "[")]
	}
	if data.Types[name] != nil {
		parsed.kind, parsed.name = kindCustom, name
		return parsed, nil
	}
	matches := typeSizeRegexp.FindStringSubmatch(name)
	if matches == nil {
		return typedField{}, fmt.Errorf("unknown type: %s", field.Type)
	}
	base, sizeStr := matches[1], matches[2]

	kind, ok := kindNames[base]
	if !ok {
		return typedField{}, fmt.Errorf("unknown type: %s", field.Type)
	}
	parsed.kind, parsed.name = kind, base

	size, _ := strconv.Atoi(sizeStr)
	switch {
	case kind == kindInt || kind == kindUint:
		if sizeStr == "" {
			size = 256
		}
		if size%8 != 0 || size < 8 || size > 256 {
			return typedField{}, fmt.Errorf("invalid length for %s: %s", field.Type, sizeStr)
		}
		parsed.size = size / 8
	case sizeStr != "":
		if kind != kindBytes {
			return typedField{}, fmt.Errorf("invalid type: %s", field.Type)
		}
		if size < 1 || size > 32 {
			return typedField{}, fmt.Errorf("invalid length for %s: %s", field.Type, sizeStr)
		}
		parsed.kind, parsed.size = kindFixedBytes, size
	case kind == kindAddress:
		parsed.size = 20
	}
	return parsed, nil
}

// definition encodes the member for the EIP-712 struct definition APDU.
//
//	Description                                 | Length
//	--------------------------------------------+---------
//	Type descriptor (0x80 array, 0x40 sized)    | 1 byte
//	Struct name length + name, if custom        | variable
//	Type size, if sized                         | 1 byte
//	Array level count + levels, if array        | variable
//	Member name length + name                   | variable
func (f typedField) definition(member string) []byte {
	desc := byte(f.kind)
	var typeName, typeSize, levels []byte
	switch f.kind {
	case kindCustom:
		typeName = append([]byte{byte(len(f.name))}, f.name...)
	case kindInt, kindUint, kindFixedBytes:
		typeSize = []byte{byte(f.size)}
		desc |= 0x40
	}
	if len(f.arrays) > 0 {
		desc |= 0x80
		levels = []byte{byte(len(f.arrays))}
		for _, length := range f.arrays {
			if length == nil {
				levels = append(levels, 0)
			} else {
				levels = append(levels, 1, byte(*length))
			}
		}
	}
	out := []byte{desc}
	out = append(out, typeName...)
	out = append(out, typeSize...)
	out = append(out, levels...)
	out = append(out, byte(len(member)))
	return append(out, member...)
}
