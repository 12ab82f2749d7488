package usbledger

import (
	"bytes"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mailTypedData() apitypes.TypedData {
	return apitypes.TypedData{
		Types: apitypes.Types{
			"EIP712Domain": {
				{Name: "name", Type: "string"},
				{Name: "version", Type: "string"},
				{Name: "chainId", Type: "uint256"},
				{Name: "verifyingContract", Type: "address"},
			},
			"Person": {
				{Name: "name", Type: "string"},
				{Name: "wallet", Type: "address"},
			},
			"Mail": {
				{Name: "from", Type: "Person"},
				{Name: "to", Type: "Person"},
				{Name: "contents", Type: "string"},
			},
		},
		PrimaryType: "Mail",
		Domain: apitypes.TypedDataDomain{
			Name:              "Ether Mail",
			Version:           "1",
			ChainId:           math.NewHexOrDecimal256(1),
			VerifyingContract: "0xCcCCccccCCCCcCCCCCCcCcCccCcCCCcCcccccccC",
		},
		Message: apitypes.TypedDataMessage{
			"from": map[string]interface{}{
				"name":   "Cow",
				"wallet": "0xCD2a3d9F938E13CD947Ec05AbC7FE734Df8DD826",
			},
			"to": map[string]interface{}{
				"name":   "Bob",
				"wallet": "0xbBbBBBBbbBBBbbbBbbBbbbbBBbBbbbbBbBbbBBbB",
			},
			"contents": "Hello, Bob!",
		},
	}
}

func TestSignTypedDataFull(t *testing.T) {
	ex := &fakeExchanger{}
	for i := 0; i < 23; i++ {
		ex.replies = append(ex.replies, exchange{})
	}
	ex.replies = append(ex.replies, exchange{reply: testSignature()})

	sig, err := NewDevice(ex, nil).SignTypedDataFull(testPath, mailTypedData())
	require.NoError(t, err)
	assert.Equal(t, byte(0x1b), sig.V)

	// 12 definition, 5 domain and 6 message commands, then the signature request
	require.Len(t, ex.apdus, 24)

	// Definitions are sent in name order
	assert.Equal(t, append([]byte{0xe0, 0x1a, 0x00, 0x00, 12}, "EIP712Domain"...), ex.apdus[0])
	assert.Equal(t, append([]byte{0xe0, 0x1a, 0x00, 0xff, 6, 0x05, 4}, "name"...), ex.apdus[1])
	assert.Equal(t, append([]byte{0xe0, 0x1a, 0x00, 0xff, 10, 0x42, 32, 7}, "chainId"...), ex.apdus[3])
	assert.Equal(t, append([]byte{0xe0, 0x1a, 0x00, 0x00, 4}, "Mail"...), ex.apdus[5])
	assert.Equal(t, append(append([]byte{0xe0, 0x1a, 0x00, 0xff, 13, 0x00, 6}, "Person"...), append([]byte{4}, "from"...)...), ex.apdus[6])
	assert.Equal(t, append([]byte{0xe0, 0x1a, 0x00, 0x00, 6}, "Person"...), ex.apdus[9])

	// Domain root and its values
	assert.Equal(t, append([]byte{0xe0, 0x1c, 0x00, 0x00, 12}, "EIP712Domain"...), ex.apdus[12])
	assert.Equal(t, append([]byte{0xe0, 0x1c, 0x00, 0xff, 12, 0x00, 10}, "Ether Mail"...), ex.apdus[13])
	assert.Equal(t, []byte{0xe0, 0x1c, 0x00, 0xff, 3, 0x00, 0x01, 0x01}, ex.apdus[15])
	contract := common.HexToAddress("0xCcCCccccCCCCcCCCCCCcCcCccCcCCCcCcccccccC")
	assert.Equal(t, append([]byte{0xe0, 0x1c, 0x00, 0xff, 22, 0x00, 20}, contract[:]...), ex.apdus[16])

	// Message root followed by the nested structs
	assert.Equal(t, append([]byte{0xe0, 0x1c, 0x00, 0x00, 4}, "Mail"...), ex.apdus[17])
	assert.Equal(t, append([]byte{0xe0, 0x1c, 0x00, 0xff, 5, 0x00, 3}, "Cow"...), ex.apdus[18])
	assert.Equal(t, append([]byte{0xe0, 0x1c, 0x00, 0xff, 13, 0x00, 11}, "Hello, Bob!"...), ex.apdus[22])

	assert.Equal(t, append([]byte{0xe0, 0x0c, 0x00, 0x01, 21}, testPath.Bytes()...), ex.apdus[23])
}

func TestSignTypedDataFullLongValue(t *testing.T) {
	data := mailTypedData()
	contents := bytes.Repeat([]byte("a"), 300)
	data.Message["contents"] = string(contents)

	ex := &fakeExchanger{}
	for i := 0; i < 24; i++ {
		ex.replies = append(ex.replies, exchange{})
	}
	ex.replies = append(ex.replies, exchange{reply: testSignature()})

	_, err := NewDevice(ex, nil).SignTypedDataFull(testPath, data)
	require.NoError(t, err)
	require.Len(t, ex.apdus, 25)

	// Length prefix and the first 253 bytes go out as a partial chunk
	partial := append([]byte{0xe0, 0x1c, 0x01, 0xff, 0xff, 0x01, 0x2c}, contents[:253]...)
	assert.Equal(t, partial, ex.apdus[22])
	final := append([]byte{0xe0, 0x1c, 0x00, 0xff, 47}, contents[253:]...)
	assert.Equal(t, final, ex.apdus[23])
	assert.Equal(t, byte(0x0c), ex.apdus[24][1])
}

func TestSignTypedDataFullArrays(t *testing.T) {
	data := apitypes.TypedData{
		Types: apitypes.Types{
			"EIP712Domain": {{Name: "name", Type: "string"}},
			"Batch":        {{Name: "values", Type: "uint8[]"}},
		},
		PrimaryType: "Batch",
		Domain:      apitypes.TypedDataDomain{Name: "batch"},
		Message:     apitypes.TypedDataMessage{"values": []interface{}{float64(1), float64(2), float64(3)}},
	}
	ex := &fakeExchanger{}
	for i := 0; i < 11; i++ {
		ex.replies = append(ex.replies, exchange{})
	}
	ex.replies = append(ex.replies, exchange{reply: testSignature()})

	_, err := NewDevice(ex, nil).SignTypedDataFull(testPath, data)
	require.NoError(t, err)
	require.Len(t, ex.apdus, 12)

	// Batch definition: uint8 dynamic array
	assert.Equal(t, append([]byte{0xe0, 0x1a, 0x00, 0xff, 11, 0xc2, 1, 1, 0, 6}, "values"...), ex.apdus[1])
	// Array length, then one value per element
	assert.Equal(t, []byte{0xe0, 0x1c, 0x00, 0x0f, 1, 3}, ex.apdus[7])
	assert.Equal(t, []byte{0xe0, 0x1c, 0x00, 0xff, 3, 0x00, 0x01, 0x01}, ex.apdus[8])
	assert.Equal(t, []byte{0xe0, 0x1c, 0x00, 0xff, 3, 0x00, 0x01, 0x03}, ex.apdus[10])
}

func TestSignTypedDataFullInvalid(t *testing.T) {
	data := mailTypedData()
	delete(data.Types, "EIP712Domain")
	_, err := NewDevice(&fakeExchanger{}, nil).SignTypedDataFull(testPath, data)
	assert.Error(t, err)

	data = mailTypedData()
	data.PrimaryType = "Letter"
	_, err = NewDevice(&fakeExchanger{}, nil).SignTypedDataFull(testPath, data)
	assert.Error(t, err)

	data = mailTypedData()
	delete(data.Message, "contents")
	ex := &fakeExchanger{}
	_, err = NewDevice(ex, nil).SignTypedDataFull(testPath, data)
	assert.Error(t, err)
	assert.NotEqual(t, byte(0x0c), ex.apdus[len(ex.apdus)-1][1], "signature never requested")
}

func TestSignTypedDataFullDeclined(t *testing.T) {
	ex := &fakeExchanger{}
	for i := 0; i < 23; i++ {
		ex.replies = append(ex.replies, exchange{})
	}
	ex.replies = append(ex.replies, exchange{err: &StatusError{Status: DecodeStatus(swCanceledByUser)}})

	_, err := NewDevice(ex, nil).SignTypedDataFull(testPath, mailTypedData())
	var statusErr *StatusError
	require.ErrorAs(t, err, &statusErr)
	assert.True(t, statusErr.UserRejected())
}

func TestParseTypedField(t *testing.T) {
	data := mailTypedData()
	two := 2

	tests := []struct {
		typ      string
		expected typedField
	}{
		{"string", typedField{kind: kindString, name: "string"}},
		{"bool", typedField{kind: kindBool, name: "bool"}},
		{"address", typedField{kind: kindAddress, name: "address", size: 20}},
		{"bytes", typedField{kind: kindBytes, name: "bytes"}},
		{"bytes32", typedField{kind: kindFixedBytes, name: "bytes", size: 32}},
		{"uint", typedField{kind: kindUint, name: "uint", size: 32}},
		{"int64", typedField{kind: kindInt, name: "int", size: 8}},
		{"Person", typedField{kind: kindCustom, name: "Person"}},
		{"Person[]", typedField{kind: kindCustom, name: "Person", arrays: []*int{nil}}},
		{"uint8[2][]", typedField{kind: kindUint, name: "uint", size: 1, arrays: []*int{&two, nil}}},
	}
	for _, tt := range tests {
		parsed, err := parseTypedField(data, apitypes.Type{Name: "f", Type: tt.typ})
		require.NoError(t, err, tt.typ)
		assert.Equal(t, tt.expected, parsed, tt.typ)
	}

	for _, typ := range []string{"uint7", "int264", "bytes33", "bytes0", "string5", "Animal", "float"} {
		_, err := parseTypedField(data, apitypes.Type{Name: "f", Type: typ})
		assert.Error(t, err, typ)
	}
}

func TestTypedFieldDefinition(t *testing.T) {
	two := 2
	tests := []struct {
		field    typedField
		expected []byte
	}{
		{typedField{kind: kindAddress, size: 20}, append([]byte{0x03, 1}, 'x')},
		{typedField{kind: kindFixedBytes, size: 32}, append([]byte{0x46, 32, 1}, 'x')},
		{typedField{kind: kindCustom, name: "Person", arrays: []*int{nil}}, append(append([]byte{0x80, 6}, "Person"...), 1, 0, 1, 'x')},
		{typedField{kind: kindInt, size: 16, arrays: []*int{&two}}, []byte{0xc1, 16, 1, 1, 2, 1, 'x'}},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.expected, tt.field.definition("x"))
	}
}

func TestEncodeTypedValue(t *testing.T) {
	uint256 := typedField{kind: kindUint, name: "uint", size: 32}
	int8Field := typedField{kind: kindInt, name: "int", size: 1}
	int16Field := typedField{kind: kindInt, name: "int", size: 2}
	bytesField := typedField{kind: kindBytes, name: "bytes"}
	boolField := typedField{kind: kindBool, name: "bool"}

	tests := []struct {
		field    typedField
		value    interface{}
		expected []byte
	}{
		{uint256, float64(42), []byte{42}},
		{uint256, "100", []byte{100}},
		{uint256, "0x10", []byte{0x10}},
		{uint256, math.NewHexOrDecimal256(256), []byte{1, 0}},
		{uint256, big.NewInt(0), []byte{}},
		{int8Field, float64(-1), []byte{0xff}},
		{int16Field, "-2", []byte{0xff, 0xfe}},
		{bytesField, "0x1234", []byte{0x12, 0x34}},
		{bytesField, "0x123", []byte{0x01, 0x23}},
		{boolField, true, []byte{1}},
		{boolField, false, []byte{0}},
		{typedField{kind: kindString, name: "string"}, "0x12", []byte("0x12")},
	}
	for _, tt := range tests {
		enc, err := encodeTypedValue(tt.field, "v", tt.value)
		require.NoError(t, err, "%v", tt.value)
		assert.Equal(t, tt.expected, enc, "%v", tt.value)
	}

	for _, tt := range []struct {
		field typedField
		value interface{}
	}{
		{bytesField, "0xzz"},
		{bytesField, "0x12g"},
		{bytesField, "plain"},
		{boolField, "true"},
		{uint256, "twelve"},
		{uint256, []byte{1}},
	} {
		_, err := encodeTypedValue(tt.field, "v", tt.value)
		assert.Error(t, err, "%v", tt.value)
	}
}
