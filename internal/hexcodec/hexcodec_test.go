package hexcodec

import (
	"errors"
	"fmt"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBytesToHex(t *testing.T) {
	tests := []struct {
		name  string
		data  []byte
		sep   string
		upper bool
		want  string
	}{
		{"empty", nil, " ", true, ""},
		{"single byte has no separator", []byte{0x0A}, " ", true, "0A"},
		{"space separated upper", []byte{0x0A, 0xFF}, " ", true, "0A FF"},
		{"lower case", []byte{0x0A, 0xFF}, " ", false, "0a ff"},
		{"no separator", []byte{0xDE, 0xAD, 0xBE, 0xEF}, "", true, "DEADBEEF"},
		{"multi char separator", []byte{0x01, 0x02, 0x03}, ", ", true, "01, 02, 03"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, BytesToHex(tt.data, tt.sep, tt.upper))
		})
	}
}

func TestHexToBytes(t *testing.T) {
	data, err := HexToBytes("0a ff-10\t20\n")
	require.NoError(t, err)
	assert.Equal(t, []byte{0x0A, 0xFF, 0x10, 0x20}, data)

	data, err = HexToBytes("")
	require.NoError(t, err)
	assert.Empty(t, data)
}

func TestHexToBytes_OddLength(t *testing.T) {
	_, err := HexToBytes("1A2")
	require.Error(t, err)

	var formatErr *FormatError
	require.True(t, errors.As(err, &formatErr))
	assert.ErrorIs(t, err, ErrOddLength)
}

func TestHexToBytes_InvalidCharacter(t *testing.T) {
	_, err := HexToBytes("1G")
	require.Error(t, err)

	var formatErr *FormatError
	require.True(t, errors.As(err, &formatErr))
	assert.ErrorIs(t, err, ErrInvalidHex)
	assert.Equal(t, 1, formatErr.Position)
}

func TestHexToBytes_PositionPointsIntoInput(t *testing.T) {
	tests := []struct {
		input    string
		position int
	}{
		{"0A G1", 3},
		{"0A-0B-X1", 6},
		{"  \tZ", 3},
		{"0Aé1", 2},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			_, err := HexToBytes(tt.input)

			var formatErr *FormatError
			require.True(t, errors.As(err, &formatErr))
			assert.ErrorIs(t, err, ErrInvalidHex)
			assert.Equal(t, tt.position, formatErr.Position)
			assert.Contains(t, formatErr.Error(), fmt.Sprintf("position %d", tt.position))
		})
	}
}

func TestHexToBytes_CharacterCheckBeforeLength(t *testing.T) {
	// odd length and an invalid character: the character error wins
	_, err := HexToBytes("1G2")
	assert.ErrorIs(t, err, ErrInvalidHex)
}

func TestHexToBytes_RoundTrip(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	for i := 0; i < 200; i++ {
		data := make([]byte, rng.Intn(64))
		rng.Read(data)

		decoded, err := HexToBytes(BytesToHex(data, "", true))
		require.NoError(t, err)
		assert.Equal(t, len(data), len(decoded))
		if len(data) > 0 {
			assert.Equal(t, data, decoded)
		}
	}
}

func TestIsValidHex(t *testing.T) {
	assert.True(t, IsValidHex("0aFF"))
	assert.True(t, IsValidHex("ABC"))
	assert.False(t, IsValidHex(""))
	assert.False(t, IsValidHex("0A FF"))
	assert.False(t, IsValidHex("0A-FF"))
	assert.False(t, IsValidHex("0x0A"))
}

func TestByteCount(t *testing.T) {
	assert.Equal(t, 0, ByteCount(""))
	assert.Equal(t, 2, ByteCount("0A FF"))
	assert.Equal(t, 2, ByteCount("1A2"))
	assert.Equal(t, 3, ByteCount("01-02-03"))
}

func TestByteCount_MatchesDecodedLength(t *testing.T) {
	for _, h := range []string{"00", "0aff", "DEADBEEF", "0123456789abcdef"} {
		require.True(t, IsValidHex(h))
		data, err := HexToBytes(h)
		require.NoError(t, err)
		assert.Len(t, data, ByteCount(h), h)
	}
}

func TestValidate(t *testing.T) {
	assert.ErrorIs(t, Validate(""), ErrEmpty)
	assert.ErrorIs(t, Validate(" - "), ErrNoDigits)
	assert.ErrorIs(t, Validate("ABC"), ErrOddLength)
	assert.ErrorIs(t, Validate("ZZ"), ErrInvalidHex)
	assert.NoError(t, Validate("AB CD"))
}

func TestFormatBytes(t *testing.T) {
	data := []byte{0, 1, 2, 3, 4}
	assert.Equal(t, "00 01\n02 03\n04", FormatBytes(data, " ", 2, true))
	assert.Equal(t, "00 01 02 03 04", FormatBytes(data, " ", 0, true))
	assert.Equal(t, "", FormatBytes(nil, " ", 16, true))
}

func TestFormatHexString(t *testing.T) {
	assert.Equal(t, "00 01\n02 03", FormatHexString("00010203", " ", 2, true))
	assert.Equal(t, "de-ad", FormatHexString("DE AD", "-", 0, false))
	assert.Equal(t, "0A G1", FormatHexString("0A G1", " ", 16, true))
	assert.Equal(t, "ABC", FormatHexString("ABC", " ", 16, true))
	assert.Equal(t, "", FormatHexString("", " ", 16, true))
}

func TestStringConversions(t *testing.T) {
	assert.Equal(t, "48 69", StringToHex("Hi", " "))

	s, err := HexToString("48 69")
	require.NoError(t, err)
	assert.Equal(t, "Hi", s)

	_, err = HexToString("4")
	assert.Error(t, err)

	assert.Equal(t, "7f", ByteToHex(0x7F, false))
}
