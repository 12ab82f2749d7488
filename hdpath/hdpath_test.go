package hdpath

import (
	"encoding/binary"
	"testing"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseRequiresRoot(t *testing.T) {
	for _, input := range []string{"/44'/60'/0'/0", "44'/60'", "", "n/1"} {
		_, err := Parse(input)
		require.ErrorIs(t, err, ErrInvalidPathFormat, input)

		_, err = ParseBase("x" + input)
		require.ErrorIs(t, err, ErrInvalidPathFormat, input)
	}
}

func TestParseStripsTrailingSlash(t *testing.T) {
	path, err := Parse("m/44'/60'/0'/0/")
	require.NoError(t, err)
	assert.Equal(t, "m/44'/60'/0'/0", path.String())

	base, err := ParseBase("m/44'/60'/{x}'/0/0/")
	require.NoError(t, err)
	assert.Equal(t, "m/44'/60'/{x}'/0/0", base.String())
}

func TestParseRejectsMalformedSegments(t *testing.T) {
	for _, input := range []string{
		"m//0",
		"m/a",
		"m/-1",
		"m/1''",
		"m/2147483648",
		"m/0/1/2/3/4/5/6/7/8/9/10",
	} {
		_, err := Parse(input)
		assert.ErrorIs(t, err, ErrInvalidPathFormat, input)
	}
}

func TestBytes(t *testing.T) {
	path := MustParse("m/44'/60'/2'/0/0")
	expected := []byte{
		0x05,
		0x80, 0x00, 0x00, 0x2c,
		0x80, 0x00, 0x00, 0x3c,
		0x80, 0x00, 0x00, 0x02,
		0x00, 0x00, 0x00, 0x00,
		0x00, 0x00, 0x00, 0x00,
	}
	assert.Equal(t, expected, path.Bytes())
}

func TestBytesLayout(t *testing.T) {
	for _, input := range []string{
		"m/0",
		"m/44'/60'/0'/0/0",
		"m/2147483647'/2147483647",
		"m/1/2/3/4/5/6/7/8/9/10",
	} {
		path := MustParse(input)
		enc := path.Bytes()
		require.Len(t, enc, 1+4*path.Depth(), input)
		assert.Equal(t, byte(path.Depth()), enc[0], input)

		reparsed := make(accounts.DerivationPath, path.Depth())
		for i := range reparsed {
			reparsed[i] = binary.BigEndian.Uint32(enc[1+4*i:])
		}
		assert.Equal(t, input, reparsed.String(), input)
	}
}

func TestEmptyPath(t *testing.T) {
	path, err := Parse("m/")
	require.NoError(t, err)
	assert.Equal(t, []byte{0x00}, path.Bytes())
	assert.Equal(t, "m", path.String())
}

func TestBaseWithPlaceholder(t *testing.T) {
	base, err := ParseBase("m/44'/60'/{x}'/0/0")
	require.NoError(t, err)

	path, err := base.WithIndex(3)
	require.NoError(t, err)
	assert.Equal(t, "m/44'/60'/3'/0/0", path.String())
}

func TestBaseWithoutPlaceholder(t *testing.T) {
	base, err := ParseBase("m/44'/60'/0'/0")
	require.NoError(t, err)
	assert.Equal(t, "m/44'/60'/0'/0/{x}", base.String())

	path, err := base.WithIndex(3)
	require.NoError(t, err)
	assert.Equal(t, "m/44'/60'/0'/0/3", path.String())
}

func TestBaseWithoutPlaceholderTrailingSlash(t *testing.T) {
	base, err := ParseBase("m/44'/60'/0'/0/")
	require.NoError(t, err)
	assert.Equal(t, "m/44'/60'/0'/0/{x}", base.String())
}

func TestBaseDefault(t *testing.T) {
	base, err := ParseBase("")
	require.NoError(t, err)
	assert.Equal(t, DefaultBase, base.String())
	assert.Equal(t, DefaultBase, DefaultBasePath.String())

	path, err := DefaultBasePath.WithIndex(0)
	require.NoError(t, err)
	assert.Equal(t, accounts.DefaultBaseDerivationPath.String(), path.String())
}

func TestBaseRejectsDuplicatePlaceholder(t *testing.T) {
	_, err := ParseBase("m/{x}/{x}")
	assert.ErrorIs(t, err, ErrInvalidPathFormat)
}

func TestBaseRejectsHardenedIndex(t *testing.T) {
	_, err := DefaultBasePath.WithIndex(0x80000000)
	assert.ErrorIs(t, err, ErrInvalidPathFormat)
}

func TestDerivationPathRoundTrip(t *testing.T) {
	path, err := FromDerivationPath(accounts.DefaultBaseDerivationPath)
	require.NoError(t, err)
	assert.Equal(t, accounts.DefaultBaseDerivationPath, path.DerivationPath())

	_, err = FromDerivationPath(make(accounts.DerivationPath, MaxDepth+1))
	assert.ErrorIs(t, err, ErrInvalidPathFormat)
}
